package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strrl/mlstep/internal/manifest"
)

const sampleConfig = `
main:
  project_name: nyc_airbnb
  experiment_name: ${MLSTEP_TEST_GROUP}
  steps: all
  components_dir: components

etl:
  min_price: 10
  max_price: 350.5
  sample: sample1.csv

modeling:
  random_forest:
    n_estimators: 100

steps:
  - name: download
    component: get_data
    parameters:
      sample: ${etl.sample}
      artifact_name: sample.csv
  - name: basic_cleaning
    component: basic_cleaning
    parameters:
      input_artifact: sample.csv:latest
      min_price: ${etl.min_price}
      max_price: ${etl.max_price}
      label: "between ${etl.min_price} and ${etl.max_price}"
      retries: 3
  - name: test_regression_model
    component: test_regression_model
    default: false
    parameters:
      model: ${modeling.random_forest}
`

func TestParseConfig(t *testing.T) {
	t.Setenv("MLSTEP_TEST_GROUP", "development")

	cfg, err := ParseConfig([]byte(sampleConfig), nil)
	require.NoError(t, err)

	assert.Equal(t, "nyc_airbnb", cfg.Main.ProjectName)
	assert.Equal(t, "development", cfg.Main.ExperimentName)
	assert.Equal(t, "components", cfg.Main.ComponentsDir)
	require.Len(t, cfg.Steps, 3)
	assert.True(t, cfg.Steps[0].InAll())
	assert.False(t, cfg.Steps[2].InAll())

	v, ok := cfg.Lookup("modeling.random_forest.n_estimators")
	require.True(t, ok)
	assert.Equal(t, 100, v)
}

func TestStepParameters_Interpolation(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig), nil)
	require.NoError(t, err)

	params, err := cfg.StepParameters(cfg.Steps[1], "")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"input_artifact": "sample.csv:latest",
		"min_price":      "10",
		"max_price":      "350.5",
		"label":          "between 10 and 350.5",
		"retries":        "3",
	}, params)

	_, err = cfg.StepParameters(cfg.Steps[2], "")
	assert.ErrorIs(t, err, ErrUnresolvable)
}

func TestStepParameters_SectionWrittenAsJSON(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig), nil)
	require.NoError(t, err)
	workDir := t.TempDir()

	params, err := cfg.StepParameters(cfg.Steps[2], workDir)
	require.NoError(t, err)

	path := params["model"]
	assert.Equal(t, filepath.Join(workDir, "modeling.random_forest.json"), path)
	assert.True(t, filepath.IsAbs(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, map[string]any{"n_estimators": float64(100)}, got)
}

func TestParseConfig_DollarKeptLiteral(t *testing.T) {
	t.Setenv("PRICE_CAP", "should-not-appear")
	t.Setenv("MLSTEP_TEST_SAMPLE", "sample2.csv")

	cfg, err := ParseConfig([]byte(`
steps:
  - name: basic_cleaning
    component: basic_cleaning
    parameters:
      output_description: "Listings priced $5 to $PRICE_CAP"
      sample: ${MLSTEP_TEST_SAMPLE}
      cost: "$$"
`), nil)
	require.NoError(t, err)

	params, err := cfg.StepParameters(cfg.Steps[0], "")
	require.NoError(t, err)
	assert.Equal(t, "Listings priced $5 to $PRICE_CAP", params["output_description"])
	assert.Equal(t, "sample2.csv", params["sample"])
	assert.Equal(t, "$$", params["cost"])
}

func TestStepParameters_UnknownReference(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
steps:
  - name: s
    component: c
    parameters:
      x: ${etl.nope}
`), nil)
	require.NoError(t, err)

	_, err = cfg.StepParameters(cfg.Steps[0], "")
	assert.ErrorIs(t, err, ErrUnresolvable)
}

func TestParseConfig_Overrides(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig), []string{
		"etl.min_price=50",
		"main.steps=basic_cleaning",
		"extra.flag=true",
	})
	require.NoError(t, err)

	assert.Equal(t, "basic_cleaning", cfg.Main.Steps)
	params, err := cfg.StepParameters(cfg.Steps[1], "")
	require.NoError(t, err)
	assert.Equal(t, "50", params["min_price"])

	v, ok := cfg.Lookup("extra.flag")
	require.True(t, ok)
	assert.Equal(t, true, v)
}

func TestParseConfig_BadOverrides(t *testing.T) {
	for _, o := range []string{"noequals", "=5", "etl.min_price.deep=1"} {
		_, err := ParseConfig([]byte(sampleConfig), []string{o})
		assert.Error(t, err, o)
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	_, err := ParseConfig([]byte("steps:\n  - component: x\n"), nil)
	assert.ErrorContains(t, err, "name is required")

	_, err = ParseConfig([]byte("steps:\n  - name: a\n"), nil)
	assert.ErrorContains(t, err, "component is required")

	_, err = ParseConfig([]byte("steps:\n  - {name: a, component: x}\n  - {name: a, component: y}\n"), nil)
	assert.ErrorContains(t, err, "duplicate step")
}

func TestActiveSteps(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig), nil)
	require.NoError(t, err)

	names := func(steps []StepConfig) []string {
		var out []string
		for _, s := range steps {
			out = append(out, s.Name)
		}
		return out
	}

	all, err := cfg.ActiveSteps("")
	require.NoError(t, err)
	assert.Equal(t, []string{"download", "basic_cleaning"}, names(all))

	some, err := cfg.ActiveSteps("test_regression_model, download")
	require.NoError(t, err)
	assert.Equal(t, []string{"download", "test_regression_model"}, names(some))

	_, err = cfg.ActiveSteps("download,train")
	assert.ErrorIs(t, err, ErrUnknownStep)
}

func TestComponentDir(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig), nil)
	require.NoError(t, err)
	cfg.Dir = "/srv/project"

	assert.Equal(t, filepath.Join("/srv/project", "components", "basic_cleaning"), cfg.ComponentDir(cfg.Steps[1]))
	assert.Equal(t, "/abs/comp", cfg.ComponentDir(StepConfig{Component: "/abs/comp"}))
}

func TestLoadConfig_RepoConfig(t *testing.T) {
	cfg, err := LoadConfig("../../config.yaml", nil)
	require.NoError(t, err)

	active, err := cfg.ActiveSteps("")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "basic_cleaning", active[0].Name)

	all, err := cfg.ActiveSteps("all")
	require.NoError(t, err)
	var names []string
	for _, s := range all {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"basic_cleaning", "data_check", "data_split", "train_random_forest"}, names)

	for _, s := range cfg.Steps {
		_, err := manifest.Load(cfg.ComponentDir(s))
		assert.NoError(t, err, s.Name)
	}

	train, ok := cfg.step("train_random_forest")
	require.True(t, ok)
	params, err := cfg.StepParameters(train, t.TempDir())
	require.NoError(t, err)
	assert.FileExists(t, params["rf_config"])
}
