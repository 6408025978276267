package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/strrl/mlstep/internal/manifest"
	"github.com/strrl/mlstep/internal/runner"
)

// Environment variables exported to every step process.
const (
	EnvProject      = "MLSTEP_PROJECT"
	EnvRunGroup     = "MLSTEP_RUN_GROUP"
	EnvRunID        = "MLSTEP_RUN_ID"
	EnvArtifactsDir = "MLSTEP_ARTIFACTS_DIR"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusRendered  Status = "rendered"
)

type Settings struct {
	Runner       runner.CommandRunner
	EnvManager   runner.EnvManager
	ArtifactsDir string
	WorkDir      string // parent of per-run dirs for config-generated files
	Clock        clockwork.Clock
	Logger       *slog.Logger
	Stdout       io.Writer
	Stderr       io.Writer
}

type Pipeline struct {
	runner       runner.CommandRunner
	envManager   runner.EnvManager
	artifactsDir string
	workDir      string
	clock        clockwork.Clock
	log          *slog.Logger
	stdout       io.Writer
	stderr       io.Writer
}

type StepResult struct {
	Name     string
	Command  string
	Status   Status
	Duration time.Duration
	ExitCode int
	Err      error
}

type RunResult struct {
	RunID     string
	WorkDir   string
	Project   string
	Group     string
	StartedAt time.Time
	Duration  time.Duration
	DryRun    bool
	Steps     []StepResult
}

// Failed returns the first failed step, if any.
func (r *RunResult) Failed() (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Status == StatusFailed {
			return s, true
		}
	}
	return StepResult{}, false
}

type RunOptions struct {
	Steps  string
	DryRun bool
}

func New(s Settings) (*Pipeline, error) {
	if s.Runner == nil {
		return nil, fmt.Errorf("pipeline: command runner is required")
	}
	if s.EnvManager == "" {
		s.EnvManager = runner.EnvLocal
	}
	if s.WorkDir == "" {
		s.WorkDir = filepath.Join(os.TempDir(), "mlstep")
	}
	if s.Clock == nil {
		s.Clock = clockwork.NewRealClock()
	}
	if s.Logger == nil {
		s.Logger = slog.New(slog.DiscardHandler)
	}
	if s.Stdout == nil {
		s.Stdout = io.Discard
	}
	if s.Stderr == nil {
		s.Stderr = io.Discard
	}

	return &Pipeline{
		runner:       s.Runner,
		envManager:   s.EnvManager,
		artifactsDir: s.ArtifactsDir,
		workDir:      s.WorkDir,
		clock:        s.Clock,
		log:          s.Logger,
		stdout:       s.Stdout,
		stderr:       s.Stderr,
	}, nil
}

// Run executes the active steps of cfg in config order and stops at the
// first failure; steps after it are reported as skipped. The returned
// result is populated even when err is non-nil.
func (p *Pipeline) Run(ctx context.Context, cfg *Config, opts RunOptions) (*RunResult, error) {
	active, err := cfg.ActiveSteps(opts.Steps)
	if err != nil {
		return nil, err
	}

	res := p.newResult(cfg.Main.ProjectName, cfg.Main.ExperimentName, opts.DryRun)
	p.log.Info("starting pipeline run",
		"run_id", res.RunID,
		"project", res.Project,
		"group", res.Group,
		"steps", len(active),
		"dry_run", opts.DryRun)

	var runErr error
	for _, step := range active {
		if runErr != nil {
			res.Steps = append(res.Steps, StepResult{Name: step.Name, Status: StatusSkipped})
			continue
		}

		params, err := cfg.StepParameters(step, res.WorkDir)
		if err != nil {
			res.Steps = append(res.Steps, StepResult{Name: step.Name, Status: StatusFailed, Err: err})
			runErr = err
			continue
		}

		sr, err := p.runStep(ctx, res, step.Name, cfg.ComponentDir(step), step.EntryPoint, params, opts.DryRun)
		res.Steps = append(res.Steps, sr)
		if err != nil {
			runErr = err
		}
	}

	res.Duration = p.clock.Since(res.StartedAt)
	if runErr != nil {
		p.log.Error("pipeline run failed", "run_id", res.RunID, "error", runErr)
		return res, runErr
	}

	p.log.Info("pipeline run finished", "run_id", res.RunID, "duration", res.Duration)
	return res, nil
}

// RunComponent runs a single entry point of the manifest in componentDir
// with the given parameter values.
func (p *Pipeline) RunComponent(ctx context.Context, componentDir, entryPoint string, params map[string]string, dryRun bool) (*RunResult, error) {
	res := p.newResult("", "", dryRun)

	sr, err := p.runStep(ctx, res, "", componentDir, entryPoint, params, dryRun)
	res.Steps = append(res.Steps, sr)
	res.Duration = p.clock.Since(res.StartedAt)

	return res, err
}

// Render loads the manifest in componentDir and renders entryPoint without
// running anything.
func Render(componentDir, entryPoint string, params map[string]string) (*manifest.Command, error) {
	m, err := manifest.Load(componentDir)
	if err != nil {
		return nil, err
	}
	return m.Command(entryPoint, params)
}

func (p *Pipeline) newResult(project, group string, dryRun bool) *RunResult {
	runID := uuid.NewString()
	return &RunResult{
		RunID:     runID,
		WorkDir:   filepath.Join(p.workDir, runID),
		Project:   project,
		Group:     group,
		StartedAt: p.clock.Now(),
		DryRun:    dryRun,
	}
}

func (p *Pipeline) runStep(ctx context.Context, run *RunResult, name, componentDir, entryPoint string, params map[string]string, dryRun bool) (StepResult, error) {
	sr := StepResult{Name: name}
	fail := func(err error) (StepResult, error) {
		sr.Status = StatusFailed
		sr.Err = err
		return sr, err
	}

	m, err := manifest.Load(componentDir)
	if err != nil {
		return fail(fmt.Errorf("failed to load manifest: %w", err))
	}
	if sr.Name == "" {
		sr.Name = m.Name
	}

	// Rendering validates parameters; nothing runs if a required one is missing.
	cmd, err := m.Command(entryPoint, params)
	if err != nil {
		return fail(err)
	}
	sr.Command = cmd.String()

	log := p.log.With("step", sr.Name, "run_id", run.RunID)
	if dryRun {
		log.Info("rendered step", "command", sr.Command)
		sr.Status = StatusRendered
		return sr, nil
	}

	env, err := runner.PrepareEnv(ctx, p.runner, m, p.envManager, log)
	if err != nil {
		return fail(fmt.Errorf("failed to prepare environment for %s: %w", sr.Name, err))
	}

	log.Info("running step", "command", sr.Command, "env", env.Manager)
	start := p.clock.Now()
	result, err := p.runner.Run(ctx, runner.Spec{
		Argv:   env.Wrap(cmd.Argv),
		Dir:    m.Dir,
		Env:    p.stepEnv(run),
		Stdout: p.stdout,
		Stderr: p.stderr,
	})
	sr.Duration = p.clock.Since(start)
	sr.ExitCode = result.ExitCode

	if err != nil {
		if result.ExitCode != 0 {
			err = &runner.ExitError{Step: sr.Name, ExitCode: result.ExitCode, Err: err}
		} else if !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("failed to run step %s: %w", sr.Name, err)
		}
		return fail(err)
	}

	sr.Status = StatusSucceeded
	log.Info("step finished", "duration", sr.Duration)
	return sr, nil
}

func (p *Pipeline) stepEnv(run *RunResult) []string {
	env := []string{EnvRunID + "=" + run.RunID}
	if run.Project != "" {
		env = append(env, EnvProject+"="+run.Project)
	}
	if run.Group != "" {
		env = append(env, EnvRunGroup+"="+run.Group)
	}
	if p.artifactsDir != "" {
		env = append(env, EnvArtifactsDir+"="+p.artifactsDir)
	}
	return env
}
