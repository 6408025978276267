package runner

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strrl/mlstep/internal/manifest"
)

type fakeRunner struct {
	calls   [][]string
	outputs map[string]string
	fail    map[string]error
}

func (f *fakeRunner) Run(_ context.Context, spec Spec) (Result, error) {
	f.calls = append(f.calls, spec.Argv)
	key := strings.Join(spec.Argv, " ")
	if out, ok := f.outputs[key]; ok && spec.Stdout != nil {
		_, _ = spec.Stdout.Write([]byte(out))
	}
	if err, ok := f.fail[key]; ok {
		return Result{ExitCode: 1}, err
	}
	return Result{}, nil
}

func TestExecRunner_Output(t *testing.T) {
	r := &ExecRunner{}
	var stdout bytes.Buffer

	res, err := r.Run(context.Background(), Spec{
		Argv:   []string{"sh", "-c", `echo "$MLSTEP_TEST_VALUE"`},
		Env:    []string{"MLSTEP_TEST_VALUE=hello"},
		Stdout: &stdout,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", stdout.String())
}

func TestExecRunner_ExitCode(t *testing.T) {
	r := &ExecRunner{}

	res, err := r.Run(context.Background(), Spec{Argv: []string{"sh", "-c", "exit 3"}})
	require.Error(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestExecRunner_Timeout(t *testing.T) {
	r := &ExecRunner{Timeout: 50 * time.Millisecond}

	_, err := r.Run(context.Background(), Spec{Argv: []string{"sleep", "5"}})
	require.Error(t, err)
}

func TestExecRunner_EmptyArgv(t *testing.T) {
	_, err := (&ExecRunner{}).Run(context.Background(), Spec{})
	assert.Error(t, err)
}

func TestExitError(t *testing.T) {
	inner := errors.New("exit status 2")
	var err error = &ExitError{Step: "basic_cleaning", ExitCode: 2, Err: inner}

	assert.Equal(t, "step basic_cleaning exited with code 2", err.Error())
	assert.ErrorIs(t, err, inner)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.ExitCode)
}

func TestParseEnvManager(t *testing.T) {
	m, err := ParseEnvManager("")
	require.NoError(t, err)
	assert.Equal(t, EnvLocal, m)

	m, err = ParseEnvManager("conda")
	require.NoError(t, err)
	assert.Equal(t, EnvConda, m)

	_, err = ParseEnvManager("virtualenv")
	assert.ErrorIs(t, err, ErrUnsupportedEnv)
}

func loadBasicCleaning(t *testing.T) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Load("../../components/basic_cleaning")
	require.NoError(t, err)
	return m
}

func TestPrepareEnv_Local(t *testing.T) {
	f := &fakeRunner{}
	env, err := PrepareEnv(context.Background(), f, loadBasicCleaning(t), EnvLocal, slog.Default())
	require.NoError(t, err)

	assert.Empty(t, f.calls)
	assert.Equal(t, []string{"mlstep", "clean"}, env.Wrap([]string{"mlstep", "clean"}))
}

func TestPrepareEnv_CondaExisting(t *testing.T) {
	f := &fakeRunner{outputs: map[string]string{
		"conda env list --json": `{"envs": ["/opt/conda", "/opt/conda/envs/basic_cleaning"]}`,
	}}

	env, err := PrepareEnv(context.Background(), f, loadBasicCleaning(t), EnvConda, slog.Default())
	require.NoError(t, err)

	require.Len(t, f.calls, 1)
	assert.Equal(t, "basic_cleaning", env.CondaName)
	assert.Equal(t,
		[]string{"conda", "run", "--no-capture-output", "-n", "basic_cleaning", "mlstep", "clean"},
		env.Wrap([]string{"mlstep", "clean"}))
}

func TestPrepareEnv_CondaCreates(t *testing.T) {
	f := &fakeRunner{outputs: map[string]string{
		"conda env list --json": `{"envs": ["/opt/conda"]}`,
	}}
	m := loadBasicCleaning(t)

	env, err := PrepareEnv(context.Background(), f, m, EnvConda, slog.Default())
	require.NoError(t, err)

	require.Len(t, f.calls, 2)
	assert.Equal(t,
		[]string{"conda", "env", "create", "--file", filepath.Join(m.Dir, "conda.yml"), "--name", "basic_cleaning"},
		f.calls[1])
	assert.Equal(t, filepath.Join(m.Dir, "conda.yml"), env.CondaFile)
}

func TestPrepareEnv_CondaListFails(t *testing.T) {
	f := &fakeRunner{fail: map[string]error{"conda env list --json": errors.New("not found")}}

	_, err := PrepareEnv(context.Background(), f, loadBasicCleaning(t), EnvConda, slog.Default())
	assert.Error(t, err)
}

func TestPrepareEnv_Unsupported(t *testing.T) {
	f := &fakeRunner{}

	docker := &manifest.Manifest{Name: "d", DockerEnv: &manifest.DockerEnv{Image: "x"}}
	_, err := PrepareEnv(context.Background(), f, docker, EnvLocal, slog.Default())
	assert.ErrorIs(t, err, ErrUnsupportedEnv)

	noConda := &manifest.Manifest{Name: "n"}
	_, err = PrepareEnv(context.Background(), f, noConda, EnvConda, slog.Default())
	assert.ErrorIs(t, err, ErrUnsupportedEnv)
}

func TestPrepareEnv_UnnamedCondaFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "env.yml"), []byte("dependencies: [python]\n"), 0o600))
	m := &manifest.Manifest{Name: "step", CondaEnv: "env.yml", Dir: dir}
	f := &fakeRunner{outputs: map[string]string{"conda env list --json": `{"envs": ["/x/envs/mlstep-step"]}`}}

	env, err := PrepareEnv(context.Background(), f, m, EnvConda, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, "mlstep-step", env.CondaName)
}
