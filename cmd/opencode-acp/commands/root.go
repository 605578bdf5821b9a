// Package commands provides the CLI commands for the opencode ACP bridge.
package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coder/acp-go-sdk"
	"github.com/spf13/cobra"

	"github.com/cjenaro/opencode-acp/internal/bridge"
	"github.com/cjenaro/opencode-acp/internal/config"
	"github.com/cjenaro/opencode-acp/internal/gateway"
	"github.com/cjenaro/opencode-acp/internal/logging"
	"github.com/cjenaro/opencode-acp/internal/stream"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	baseURL   string
	workDir   string
	noSpawn   bool
	model     string
)

var rootCmd = &cobra.Command{
	Use:   "opencode-acp",
	Short: "Agent Client Protocol bridge for opencode",
	Long: `opencode-acp lets ACP clients such as editors drive an opencode server.

It speaks ACP over stdin/stdout and forwards sessions, prompts and slash
commands to opencode over HTTP, attaching to a running server or starting
one on the loopback interface.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runACP,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr instead of the log file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "url", "", "Base URL of a running opencode server")
	rootCmd.PersistentFlags().StringVar(&workDir, "cwd", "", "Working directory")
	rootCmd.PersistentFlags().BoolVar(&noSpawn, "no-spawn", false, "Never start a local opencode server")
	rootCmd.Flags().StringVar(&model, "model", "", "Preferred provider/model for new sessions")

	rootCmd.SetVersionTemplate(fmt.Sprintf("opencode-acp %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(commandsCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

// loadConfig loads configuration for dir and applies command line overrides.
func loadConfig(dir string) (*config.Config, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if noSpawn {
		spawn := false
		cfg.Spawn = &spawn
	}
	if model != "" {
		cfg.Model = model
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

// setupLogging routes logs to stderr with --print-logs and to the state
// directory otherwise. Stdout is reserved for the protocol.
func setupLogging(cfg *config.Config) (io.Closer, error) {
	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.LogLevel)
	if printLogs {
		logCfg.Pretty = true
	} else {
		logCfg.LogToFile = true
		logCfg.LogDir = config.GetPaths().LogDir()
	}
	return logging.Init(logCfg)
}

func connectOptions(cfg *config.Config, dir string) gateway.ConnectOptions {
	return gateway.ConnectOptions{
		BaseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		SpawnAddr:     cfg.SpawnAddr,
		Spawn:         cfg.SpawnEnabled(),
		ServerCommand: cfg.ServerCommand,
		Dir:           dir,
		Timeout:       cfg.ConnectTimeout(),
	}
}

func runACP(cmd *cobra.Command, args []string) error {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(dir)
	if err != nil {
		return err
	}
	closer, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	logging.Info().Str("version", Version).Str("dir", dir).Str("baseURL", cfg.BaseURL).Msg("Starting ACP bridge")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agent, err := bridge.New(bridge.ConnectWith(connectOptions(cfg, dir)), nil, bridge.Options{
		DefaultModel:  cfg.Model,
		Commands:      cfg.Command,
		WatchCommands: true,
		Version:       Version,
	})
	if err != nil {
		return err
	}
	defer agent.Close()

	stdio := stream.New(os.Stdin, os.Stdout)
	stdio.Handle("_opencode/listSessions", agent.ListSessions)
	stdio.Handle("listSessions", agent.ListSessions)

	conn := acp.NewAgentSideConnection(agent, stdio.Writer(), stdio.Reader())
	conn.SetLogger(logging.NewSlogLogger("acp"))
	agent.SetSender(conn)

	errc := make(chan error, 1)
	go func() {
		errc <- stdio.Run(ctx)
	}()

	select {
	case <-conn.Done():
		logging.Info().Msg("Client disconnected")
	case <-ctx.Done():
		logging.Info().Msg("Shutting down")
	}

	select {
	case err := <-errc:
		if err != nil {
			logging.Warn().Err(err).Msg("Transport stopped with error")
		}
	default:
	}
	return nil
}
