package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/strrl/mlstep/internal/manifest"
)

type EnvManager string

const (
	EnvLocal EnvManager = "local"
	EnvConda EnvManager = "conda"
)

var ErrUnsupportedEnv = errors.New("unsupported environment")

func ParseEnvManager(s string) (EnvManager, error) {
	switch EnvManager(s) {
	case "", EnvLocal:
		return EnvLocal, nil
	case EnvConda:
		return EnvConda, nil
	default:
		return "", fmt.Errorf("%w: env manager %q", ErrUnsupportedEnv, s)
	}
}

// Environment is where a step's command runs.
type Environment struct {
	Manager   EnvManager
	CondaName string
	CondaFile string
}

// Wrap returns argv adjusted to run inside the environment.
func (e *Environment) Wrap(argv []string) []string {
	if e == nil || e.Manager != EnvConda {
		return argv
	}
	wrapped := make([]string, 0, len(argv)+5)
	wrapped = append(wrapped, "conda", "run", "--no-capture-output", "-n", e.CondaName)
	return append(wrapped, argv...)
}

type condaEnvFile struct {
	Name string `yaml:"name"`
}

type condaEnvList struct {
	Envs []string `json:"envs"`
}

// PrepareEnv resolves the environment for m under mgr. For conda the
// environment is created from the manifest's env file unless one with the
// same name already exists.
func PrepareEnv(ctx context.Context, r CommandRunner, m *manifest.Manifest, mgr EnvManager, log *slog.Logger) (*Environment, error) {
	if m.DockerEnv != nil {
		return nil, fmt.Errorf("%w: %s uses docker_env", ErrUnsupportedEnv, m.Name)
	}
	if mgr != EnvConda {
		return &Environment{Manager: EnvLocal}, nil
	}
	if m.CondaEnv == "" {
		return nil, fmt.Errorf("%w: %s declares no conda_env", ErrUnsupportedEnv, m.Name)
	}

	envFile := m.CondaEnv
	if !filepath.IsAbs(envFile) {
		envFile = filepath.Join(m.Dir, envFile)
	}

	data, err := os.ReadFile(envFile) //nolint:gosec // env file is referenced by the manifest
	if err != nil {
		return nil, fmt.Errorf("failed to read conda env file: %w", err)
	}
	var spec condaEnvFile
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse conda env file %s: %w", envFile, err)
	}
	name := spec.Name
	if name == "" {
		name = "mlstep-" + m.Name
	}

	env := &Environment{Manager: EnvConda, CondaName: name, CondaFile: envFile}

	exists, err := condaEnvExists(ctx, r, name)
	if err != nil {
		return nil, err
	}
	if exists {
		log.Debug("conda environment exists", "name", name)
		return env, nil
	}

	log.Info("creating conda environment", "name", name, "file", envFile)
	var output bytes.Buffer
	if _, err := r.Run(ctx, Spec{
		Argv:   []string{"conda", "env", "create", "--file", envFile, "--name", name},
		Stdout: &output,
		Stderr: &output,
	}); err != nil {
		return nil, fmt.Errorf("failed to create conda env %s: %w: %s", name, err, output.String())
	}

	return env, nil
}

func condaEnvExists(ctx context.Context, r CommandRunner, name string) (bool, error) {
	var stdout, stderr bytes.Buffer
	if _, err := r.Run(ctx, Spec{
		Argv:   []string{"conda", "env", "list", "--json"},
		Stdout: &stdout,
		Stderr: &stderr,
	}); err != nil {
		return false, fmt.Errorf("failed to list conda envs: %w: %s", err, stderr.String())
	}

	var list condaEnvList
	if err := json.Unmarshal(stdout.Bytes(), &list); err != nil {
		return false, fmt.Errorf("failed to parse conda env list: %w", err)
	}
	for _, p := range list.Envs {
		if filepath.Base(p) == name {
			return true, nil
		}
	}
	return false, nil
}
