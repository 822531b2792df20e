/*
Copyright © 2025 kabilan108 tonykabilanokeke@gmail.com
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kabilan108/murmur/internal/daemon"
	"github.com/kabilan108/murmur/internal/ipc"
	"github.com/kabilan108/murmur/internal/storage"
	"github.com/kabilan108/murmur/internal/utils"
)

var (
	appLogger  *utils.Logger
	logLevel   string
	socketPath string
	version    = "dev"
)

func newClient() *ipc.Client {
	return ipc.NewClient(socketPath)
}

func runCommand(action string, successMsg string) {
	response, err := newClient().SendCommand(context.Background(), action)
	utils.ExitIfError(daemon.NotRunning(err), 1)

	if response.Success {
		fmt.Println(successMsg)
	} else {
		fmt.Fprintf(os.Stderr, "%s command failed: %s\n", action, response.Error)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "murmur",
	Short: "supervised local transcription daemon for linux",
	Long: `murmur runs a local transcription worker as a supervised sidecar and types
what you say into the focused window.

start the daemon with 'murmur daemon' then use commands like 'start', 'stop',
'toggle', 'cancel', and 'status' to control recording. 'restart' brings a
failed worker back after the circuit breaker has opened.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// .env is optional
		_ = godotenv.Load()
		appLogger = utils.SetupLogger(logLevel)
	},
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "run the murmur daemon",
	Long:  `starts the murmur daemon in the foreground. it spawns and supervises the transcription worker and listens for commands via ipc`,
	Run: func(cmd *cobra.Command, args []string) {
		utils.ExitIfError(utils.EnsureDirectories(), 1)

		c, err := utils.GetConfig()
		utils.ExitIfError(err, 1)

		if !cmd.Flags().Changed("log-level") {
			appLogger.Close()
			appLogger = utils.SetupLogger(c.App.LogLevel)
		}
		defer appLogger.Close()
		if socketPath != "" {
			c.App.SocketPath = socketPath
		}

		d, err := daemon.NewDaemon(c)
		utils.ExitIfError(err, 1)

		err = d.Run()
		utils.ExitIfError(err, 1)
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "start voice recording",
	Long:  `tells the daemon to start recording voice input`,
	Run: func(cmd *cobra.Command, args []string) {
		runCommand(ipc.ActionStart, "recording started")
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "stop voice recording and transcribe",
	Long:  `tells the daemon to stop recording and start transcription`,
	Run: func(cmd *cobra.Command, args []string) {
		runCommand(ipc.ActionStop, "recording stopped, transcribing")
	},
}

var toggleCmd = &cobra.Command{
	Use:   "toggle",
	Short: "toggle voice recording",
	Long:  `toggles between starting and stopping voice recording. toggling twice in quick succession cancels`,
	Run: func(cmd *cobra.Command, args []string) {
		runCommand(ipc.ActionToggle, "toggled recording")
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "cancel current session",
	Long:  `cancels the current recording or transcription; the result is discarded`,
	Run: func(cmd *cobra.Command, args []string) {
		runCommand(ipc.ActionCancel, "session canceled")
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "restart the transcription worker",
	Long:  `stops and starts the transcription worker, resetting the restart counter and circuit breaker`,
	Run: func(cmd *cobra.Command, args []string) {
		runCommand(ipc.ActionRestart, "worker restarted")
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "disable recording",
	Long:  `rejects new recordings until 'murmur resume'`,
	Run: func(cmd *cobra.Command, args []string) {
		runCommand(ipc.ActionPause, "recording paused")
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "enable recording",
	Long:  `allows new recordings after 'murmur pause'`,
	Run: func(cmd *cobra.Command, args []string) {
		runCommand(ipc.ActionResume, "recording resumed")
	},
}

func colorState(state string) string {
	switch state {
	case "ready", "idle", "healthy":
		return color.GreenString(state)
	case "recording", "transcribing", "starting", "restarting", "unhealthy":
		return color.YellowString(state)
	case "failed", "hung":
		return color.RedString(state)
	default:
		return state
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "get daemon status",
	Long:  `shows the current status of the murmur daemon and its transcription worker`,
	Run: func(cmd *cobra.Command, args []string) {
		response, err := newClient().Status(context.Background())
		utils.ExitIfError(daemon.NotRunning(err), 1)

		if !response.Success {
			fmt.Fprintf(os.Stderr, "status command failed: %s\n", response.Error)
			os.Exit(1)
		}

		data := response.Data
		fmt.Printf("daemon status:\n")
		fmt.Printf("  session:  %s\n", colorState(data[ipc.DataKeySession]))
		if id, ok := data[ipc.DataKeySessionID]; ok {
			fmt.Printf("  session id: %s\n", id)
		}
		if duration, ok := data[ipc.DataKeyRecordingDuration]; ok {
			fmt.Printf("  recording duration: %s\n", duration)
		}
		fmt.Printf("  worker:   %s", colorState(data[ipc.DataKeySidecar]))
		if v, ok := data[ipc.DataKeySidecarVersion]; ok {
			fmt.Printf(" (%s)", v)
		}
		fmt.Println()
		fmt.Printf("  model ready: %s\n", data[ipc.DataKeyWorkerReady])
		fmt.Printf("  health:   %s\n", colorState(data[ipc.DataKeyHealth]))
		fmt.Printf("  restarts: %s\n", data[ipc.DataKeyRestartCount])
		if data[ipc.DataKeyPaused] == "true" {
			fmt.Printf("  %s\n", color.YellowString("recording paused"))
		}
		fmt.Printf("  uptime:   %s\n", data[ipc.DataKeyUptime])

		if lastError, ok := data[ipc.DataKeyLastError]; ok {
			fmt.Printf("  last error: %s\n", color.RedString(lastError))
		}
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "show recent worker output",
	Long:  `prints the stdout and stderr lines most recently captured from the transcription worker`,
	Run: func(cmd *cobra.Command, args []string) {
		response, err := newClient().Logs(context.Background())
		utils.ExitIfError(daemon.NotRunning(err), 1)

		if !response.Success {
			fmt.Fprintf(os.Stderr, "logs command failed: %s\n", response.Error)
			os.Exit(1)
		}
		if logs := response.Data[ipc.DataKeyLogs]; logs != "" {
			fmt.Println(logs)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "print the version number",
	Long:  `prints the version number of the murmur daemon`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "initialize the murmur config",
	Long:  `writes the default murmur config if none exists`,
	Run: func(cmd *cobra.Command, args []string) {
		configPath, err := utils.InitConfigFile()
		utils.ExitIfError(err, 1)

		fmt.Fprintf(os.Stderr, "config at %s\n", configPath)
		fmt.Fprintf(os.Stderr, "set sidecar.command to your transcription worker, then run 'murmur daemon'.\n")
	},
}

var transcriptsCmd = &cobra.Command{
	Use:   "transcripts",
	Short: "list recent transcripts",
	Long:  `lists out the N most recent transcripts, where N is set based on the -n flag. default value is 10.`,
	Run: func(cmd *cobra.Command, args []string) {
		n, _ := cmd.Flags().GetInt("num")
		textOnly, _ := cmd.Flags().GetBool("text")
		asJSON, _ := cmd.Flags().GetBool("json")

		if n <= 0 && n != -1 {
			fmt.Fprintf(os.Stderr, "invalid value for -n: must be > 0 or -1\n")
			os.Exit(1)
		}

		db, err := storage.NewDB()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
			os.Exit(1)
		}
		defer db.Close()

		transcripts, err := db.GetTranscripts(context.Background(), n)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to get transcripts: %v\n", err)
			os.Exit(1)
		}

		switch {
		case textOnly:
			for _, t := range transcripts {
				if t.Outcome == storage.OutcomeCompleted {
					fmt.Println(t.Text)
				}
			}
		case asJSON:
			jsonData, err := json.MarshalIndent(transcripts, "", "  ")
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal JSON: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(string(jsonData))
		default:
			writeTranscriptsTable(transcripts)
		}
	},
}

func writeTranscriptsTable(transcripts []storage.Transcript) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"time", "outcome", "length", "text"})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, WidthMax: 60},
	})

	for _, t := range transcripts {
		body := t.Text
		if t.Outcome != storage.OutcomeCompleted {
			body = t.Error
		}
		tw.AppendRow(table.Row{
			t.Timestamp.Local().Format(time.DateTime),
			t.Outcome,
			(time.Duration(t.RecordingMs) * time.Millisecond).Round(100 * time.Millisecond).String(),
			strings.ReplaceAll(body, "\n", " "),
		})
	}
	tw.Render()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "daemon socket path (default "+ipc.SocketPath+")")
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(toggleCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)

	transcriptsCmd.Flags().IntP("num", "n", 10, "number of recent transcripts to list (set to -1 for all)")
	transcriptsCmd.Flags().BoolP("text", "t", false, "print only the text of completed transcripts")
	transcriptsCmd.Flags().Bool("json", false, "print transcripts as JSON")
	rootCmd.AddCommand(transcriptsCmd)
}

func main() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
