package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/strrl/mlstep/internal/artifact"
	"github.com/strrl/mlstep/internal/pipeline"
)

const defaultArtifactsDir = "artifacts"

var (
	verbose      bool
	envFile      string
	artifactsDir string

	logger = slog.New(slog.DiscardHandler)
)

var rootCmd = &cobra.Command{
	Use:   "mlstep",
	Short: "Run ML pipeline steps described by MLproject manifests",
	Long: `mlstep loads pipeline-step manifests (name, environment, entry points with
typed parameters and a command template), renders their commands from a
parameter mapping and runs them, either one component at a time or as a
pipeline driven by config.yaml.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadDotEnv(envFile); err != nil {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
		logger = newLogger(os.Stderr, verbose)
		return nil
	},
}

func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		cancel()
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = false

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show debug logs")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file to load if present")
	rootCmd.PersistentFlags().StringVar(&artifactsDir, "artifacts-dir", "", "Artifact store root (default: $"+pipeline.EnvArtifactsDir+" or ./"+defaultArtifactsDir+")")
}

// loadDotEnv loads environment variables from path. A missing file is not
// an error so .env stays optional.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// resolveArtifactsDir picks the store root: the flag, then the environment
// (which a parent pipeline run sets), then the default.
func resolveArtifactsDir() (string, error) {
	dir := artifactsDir
	if dir == "" {
		dir = os.Getenv(pipeline.EnvArtifactsDir)
	}
	if dir == "" {
		dir = defaultArtifactsDir
	}
	return filepath.Abs(dir)
}

func openStore() (*artifact.Store, error) {
	root, err := resolveArtifactsDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifacts dir: %w", err)
	}
	store, err := artifact.NewStore(artifact.Config{Root: root, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}
	return store, nil
}
