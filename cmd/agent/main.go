package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/vesselops/vessel-agent/pkg/agent"
	"github.com/vesselops/vessel-agent/pkg/observability"
)

var (
	// Build information (set via ldflags)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	return newAgentCommand(viper.New())
}

// newAgentCommand builds the command tree reading configuration through v
func newAgentCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vessel-agent",
		Short: "Vessel Agent - cluster agent for the Vessel platform",
		Long: `The Vessel Agent runs inside a Kubernetes cluster, keeps a websocket session
to the Vessel control plane and executes node listing and manifest apply
commands against the cluster API.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	bindFlags(cmd, v)

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newResolveCommand())
	return cmd
}

func run(v *viper.Viper) error {
	config, err := loadConfig(v)
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(v.GetString("log_level"))
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	config.Logger = logger
	config.Version = Version

	logger.Info("Starting Vessel Agent",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH),
	)

	tracing := tracerConfig(v)
	tracing.ServiceVersion = Version
	tracer, err := observability.NewTracerProvider(tracing, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	agentInstance, err := agent.New(config)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if err := agentInstance.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	errChan := make(chan error, 1)
	go func() { errChan <- agentInstance.Wait() }()

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case runErr = <-errChan:
		if runErr != nil {
			logger.Error("Agent exited", zap.Error(runErr))
		}
	}

	logger.Info("Starting graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := agentInstance.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping agent", zap.Error(err))
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error stopping tracer", zap.Error(err))
	}

	logger.Info("Shutdown complete")
	return runErr
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Vessel Agent\n")
			fmt.Fprintf(out, "  Version:    %s\n", Version)
			fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
			fmt.Fprintf(out, "  Go Version: %s\n", runtime.Version())
			fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
