package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/strrl/mlstep/internal/output"
	"github.com/strrl/mlstep/internal/pipeline"
	"github.com/strrl/mlstep/internal/runner"
)

var (
	runConfigPath string
	runSteps      string
	runOverrides  []string
	runDryRun     bool
	runEnvManager string
	runTimeout    time.Duration
	runReportDir  string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline steps defined in config.yaml",
	Long: `Run the steps listed in the pipeline config. Each step's manifest is loaded,
its parameters are interpolated from the config and validated, and the
rendered command is executed. The run stops at the first failing step and a
markdown report is written to the report directory. Config sections passed
as parameters are written as JSON under <report-dir>/work/<run-id>.

Examples:
  mlstep run
  mlstep run -s basic_cleaning -o etl.min_price=50
  mlstep run --dry-run`,
	Args: cobra.NoArgs,
	RunE: runPipeline,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "config.yaml", "Pipeline config file")
	runCmd.Flags().StringVarP(&runSteps, "steps", "s", "", `Comma-separated steps to run, or "all" (default: main.steps)`)
	runCmd.Flags().StringArrayVarP(&runOverrides, "override", "o", nil, "Config override as section.key=value (repeatable)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Render commands without running them")
	addExecFlags(runCmd, &runEnvManager, &runTimeout)
	runCmd.Flags().StringVar(&runReportDir, "report-dir", "mlruns", "Directory for run reports")
}

func addExecFlags(c *cobra.Command, envManager *string, timeout *time.Duration) {
	c.Flags().StringVar(envManager, "env-manager", string(runner.EnvLocal), "Environment manager: local or conda")
	c.Flags().DurationVar(timeout, "timeout", 0, "Per-step timeout (0 = none)")
}

func newPipeline(envManager string, timeout time.Duration, workDir string) (*pipeline.Pipeline, error) {
	mgr, err := runner.ParseEnvManager(envManager)
	if err != nil {
		return nil, err
	}

	root, err := resolveArtifactsDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifacts dir: %w", err)
	}

	return pipeline.New(pipeline.Settings{
		Runner:       &runner.ExecRunner{Timeout: timeout},
		EnvManager:   mgr,
		ArtifactsDir: root,
		WorkDir:      workDir,
		Logger:       logger,
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
	})
}

func runPipeline(cmd *cobra.Command, args []string) error {
	cfg, err := pipeline.LoadConfig(runConfigPath, runOverrides)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	p, err := newPipeline(runEnvManager, runTimeout, filepath.Join(runReportDir, "work"))
	if err != nil {
		return err
	}

	res, runErr := p.Run(cmd.Context(), cfg, pipeline.RunOptions{
		Steps:  runSteps,
		DryRun: runDryRun,
	})
	if res == nil {
		return runErr
	}

	out := cmd.OutOrStdout()
	for _, s := range res.Steps {
		fmt.Fprintf(out, "  - %-24s %s\n", s.Name, s.Status)
		if runDryRun && s.Command != "" {
			fmt.Fprintf(out, "      %s\n", s.Command)
		}
	}

	report, err := output.NewGenerator(runReportDir).Generate(res)
	if err != nil {
		logger.Warn("failed to write run report", "error", err)
	} else {
		fmt.Fprintf(out, "Run %s report: %s\n", res.RunID, report)
	}

	return runErr
}
