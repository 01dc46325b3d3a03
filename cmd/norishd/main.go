package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	serverrun "github.com/jankosk/norish-sub000/internal/cmd/server"
	cfgpkg "github.com/jankosk/norish-sub000/internal/config"
	logpkg "github.com/jankosk/norish-sub000/pkg/log"
)

func main() {
	level := os.Getenv("NORISH_LOG_LEVEL")
	parsed, err := logpkg.ParseLevel(level)
	if err != nil || level == "" {
		parsed = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(
		logpkg.WithLevel(parsed),
		logpkg.WithFormatter(&logpkg.TextFormatter{}),
		logpkg.WithOutput(logpkg.NewConsoleOutput()),
	)
	logpkg.RedirectStdLog(logger)

	rootCmd := &cobra.Command{
		Use:   "norishd",
		Short: "Norish realtime and jobs server",
		Long:  "norishd serves realtime event distribution over WebSocket and runs background job queues with lazily managed workers.",
	}

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start the norish server",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			httpAddr, _ := cmd.Flags().GetString("http")
			redisAddr, _ := cmd.Flags().GetString("redis")
			namespace, _ := cmd.Flags().GetString("namespace")
			devMode, _ := cmd.Flags().GetBool("dev")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFormat, _ := cmd.Flags().GetString("log-format")

			cfg, err := cfgpkg.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfgpkg.FromEnv(&cfg)
			if httpAddr != "" {
				cfg.HTTPAddr = httpAddr
			}
			if redisAddr != "" {
				cfg.Redis.Addr = redisAddr
			}
			if namespace != "" {
				cfg.Namespace = namespace
			}
			if devMode {
				cfg.DevMode = true
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if logFormat != "" {
				cfg.Log.Format = logFormat
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := serverrun.Run(ctx, serverrun.Options{Config: cfg}); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			// brief delay to allow logs flush
			time.Sleep(100 * time.Millisecond)
			return nil
		},
	}
	serverStartCmd.Flags().String("config", "", "path to a JSON or YAML config file")
	serverStartCmd.Flags().String("http", "", "HTTP listen address (overrides config)")
	serverStartCmd.Flags().String("redis", "", "Redis address (overrides config)")
	serverStartCmd.Flags().String("namespace", "", "channel namespace (overrides config)")
	serverStartCmd.Flags().Bool("dev", false, "development mode: relaxed origin checks")
	serverStartCmd.Flags().String("log-level", "", "log level: debug|info|warn|error")
	serverStartCmd.Flags().String("log-format", "", "log format: text|json")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("norishd 0.1.0")
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
