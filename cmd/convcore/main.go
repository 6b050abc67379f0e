// Package main provides the convcore CLI: the conversation server and a
// terminal chat client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"convcore/internal/config"
	"convcore/internal/logger"
	"convcore/internal/version"
)

var (
	v   = viper.New()
	cfg *config.Config

	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "convcore",
	Short: "Mode-agnostic conversation core",
	Long: `convcore serves one conversation pipeline to text, voice and hybrid clients.
Run "convcore serve" to expose it over HTTP and WebSocket, or "convcore chat" to talk to it from the terminal.`,
	PersistentPreRunE: loadConfig,
	SilenceUsage:      true,
}

// serveCmd runs the HTTP server
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the conversation server",
	Long:  `Serve the conversation API, the WebSocket transport, the admin debug endpoint and Prometheus metrics.`,
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

// chatCmd runs the terminal client
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Chat with the conversation core from the terminal. Without --remote the core runs in-process;
with --remote the client talks to a running server over HTTP or WebSocket.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Println(version.GetFormattedVersion())
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Config file (default: ./convcore.yaml or the user config dir)")
	flags.String("log-level", "", "Set log level (debug|info|warn|error) [default: info]")
	flags.String("log-file", "", "Write logs to file instead of stderr")
	flags.Bool("test-mode", false, "Run in deterministic test mode with a mock model backend")
	flags.String("model", "", "Default model for turns")

	serveCmd.Flags().String("addr", "", "Listen address [default: :8080]")
	serveCmd.Flags().String("admin-token", "", "Bearer token for /api/admin routes")
	serveCmd.Flags().String("recorder", "", "SQLite file for turn and transcript logs")

	chatCmd.Flags().String("session", "", "Session id (default: a new random id)")
	chatCmd.Flags().String("mode", "text", "Input mode (text|voice|hybrid)")
	chatCmd.Flags().String("remote", "", "Base URL of a running convcore server")
	chatCmd.Flags().String("transport", "http", "Transport to a remote server (http|websocket)")
	chatCmd.Flags().String("style", "auto", "Reply rendering style (auto|dark|light|notty|ascii)")

	bindings := []struct {
		key  string
		cmd  *cobra.Command
		flag string
	}{
		{"log.level", rootCmd, "log-level"},
		{"log.file", rootCmd, "log-file"},
		{"test_mode", rootCmd, "test-mode"},
		{"model.default", rootCmd, "model"},
		{"server.addr", serveCmd, "addr"},
		{"server.admin_token", serveCmd, "admin-token"},
		{"server.recorder_path", serveCmd, "recorder"},
	}
	for _, b := range bindings {
		flag := b.cmd.PersistentFlags().Lookup(b.flag)
		if flag == nil {
			flag = b.cmd.Flags().Lookup(b.flag)
		}
		if err := v.BindPFlag(b.key, flag); err != nil {
			fmt.Fprintf(os.Stderr, "Error binding %s flag: %v\n", b.flag, err)
			os.Exit(1)
		}
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves configuration and configures the logger before any command runs.
func loadConfig(_ *cobra.Command, _ []string) error {
	loaded, err := config.Load(v, config.LoadOptions{ConfigFile: configFile})
	if err != nil {
		return err
	}
	if err := logger.Configure(loaded.LogLevel, loaded.LogFile, loaded.TestMode); err != nil {
		return fmt.Errorf("error configuring logger: %w", err)
	}
	cfg = loaded
	return nil
}

func newSessionID(cmd *cobra.Command) string {
	if id, _ := cmd.Flags().GetString("session"); id != "" {
		return id
	}
	return uuid.NewString()
}
