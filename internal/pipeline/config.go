package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const selectAll = "all"

var (
	ErrUnknownStep  = errors.New("unknown step")
	ErrUnresolvable = errors.New("unresolvable config reference")
)

var (
	refRe = regexp.MustCompile(`\$\{([A-Za-z0-9_.\-]+)\}`)
	envRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
)

type Config struct {
	Main  MainConfig   `yaml:"main"`
	Steps []StepConfig `yaml:"steps"`

	// Dir is the directory holding the config file.
	Dir string `yaml:"-"`

	tree map[string]any
}

type MainConfig struct {
	ProjectName    string `yaml:"project_name"`
	ExperimentName string `yaml:"experiment_name"`
	Steps          string `yaml:"steps"`
	ComponentsDir  string `yaml:"components_dir"`
}

type StepConfig struct {
	Name       string         `yaml:"name"`
	Component  string         `yaml:"component"`
	EntryPoint string         `yaml:"entry_point"`
	Parameters map[string]any `yaml:"parameters"`
	Default    *bool          `yaml:"default"`
}

// InAll reports whether the step runs when steps is "all".
func (s StepConfig) InAll() bool {
	return s.Default == nil || *s.Default
}

// LoadConfig reads the pipeline config at path and applies overrides of the
// form "section.key=value". ${VAR} references in string values are expanded
// from the environment; dotted ${section.key} references are left for
// parameter interpolation. A bare $ is kept as is.
func LoadConfig(path string, overrides []string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath) //nolint:gosec // config path is operator-provided
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg, err := ParseConfig(data, overrides)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.Dir = filepath.Dir(absPath)

	return cfg, nil
}

func ParseConfig(data []byte, overrides []string) (*Config, error) {
	tree := map[string]any{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	expandEnv(tree)

	for _, o := range overrides {
		if err := applyOverride(tree, o); err != nil {
			return nil, err
		}
	}

	// Round-trip so overrides land in the typed view too.
	normalized, err := yaml.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(normalized, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.tree = tree

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Steps))
	for i, s := range c.Steps {
		if s.Name == "" {
			return fmt.Errorf("step %d: name is required", i)
		}
		if s.Component == "" {
			return fmt.Errorf("step %q: component is required", s.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate step %q", s.Name)
		}
		seen[s.Name] = struct{}{}
	}
	return nil
}

// ActiveSteps returns the steps selected by sel, in config order. An empty
// sel falls back to main.steps, and then to "all".
func (c *Config) ActiveSteps(sel string) ([]StepConfig, error) {
	if sel == "" {
		sel = c.Main.Steps
	}
	if sel == "" || sel == selectAll {
		var out []StepConfig
		for _, s := range c.Steps {
			if s.InAll() {
				out = append(out, s)
			}
		}
		return out, nil
	}

	wanted := make(map[string]struct{})
	for _, name := range strings.Split(sel, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := c.step(name); !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownStep, name)
		}
		wanted[name] = struct{}{}
	}

	var out []StepConfig
	for _, s := range c.Steps {
		if _, ok := wanted[s.Name]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (c *Config) step(name string) (StepConfig, bool) {
	for _, s := range c.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepConfig{}, false
}

// ComponentDir resolves where a step's manifest lives.
func (c *Config) ComponentDir(s StepConfig) string {
	if filepath.IsAbs(s.Component) {
		return s.Component
	}
	return filepath.Join(c.Dir, c.Main.ComponentsDir, s.Component)
}

// StepParameters interpolates ${section.key} references in the step's
// parameter values and returns them as strings. A reference to a section or
// a list is written as JSON to a file in workDir and replaced by that file's
// absolute path.
func (c *Config) StepParameters(s StepConfig, workDir string) (map[string]string, error) {
	out := make(map[string]string, len(s.Parameters))
	for k, v := range s.Parameters {
		str, isString := v.(string)
		if !isString {
			formatted, err := formatScalar(v)
			if err != nil {
				return nil, fmt.Errorf("step %q parameter %q: %w", s.Name, k, err)
			}
			out[k] = formatted
			continue
		}

		resolved, err := c.interpolate(str, workDir)
		if err != nil {
			return nil, fmt.Errorf("step %q parameter %q: %w", s.Name, k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

// Lookup returns the config value at a dotted path.
func (c *Config) Lookup(path string) (any, bool) {
	var cur any = c.tree
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (c *Config) interpolate(s, workDir string) (string, error) {
	var firstErr error
	out := refRe.ReplaceAllStringFunc(s, func(m string) string {
		path := m[2 : len(m)-1]
		v, ok := c.Lookup(path)
		if !ok {
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: ${%s}", ErrUnresolvable, path)
			}
			return m
		}

		var formatted string
		var err error
		switch v.(type) {
		case map[string]any, []any:
			formatted, err = writeJSON(workDir, path, v)
		default:
			formatted, err = formatScalar(v)
		}
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("${%s}: %w", path, err)
		}
		return formatted
	})
	return out, firstErr
}

// writeJSON serialises a config subtree to <workDir>/<path>.json.
func writeJSON(workDir, path string, v any) (string, error) {
	if workDir == "" {
		return "", fmt.Errorf("%w: no work directory for structured value", ErrUnresolvable)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode %s: %w", path, err)
	}

	absDir, err := filepath.Abs(workDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve work dir: %w", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create work dir: %w", err)
	}

	file := filepath.Join(absDir, path+".json")
	if err := os.WriteFile(file, data, 0o644); err != nil { //nolint:gosec // config values are not secret
		return "", fmt.Errorf("failed to write %s: %w", file, err)
	}
	return file, nil
}

func formatScalar(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return t, nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case uint64:
		return strconv.FormatUint(t, 10), nil
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", fmt.Errorf("%w: value of type %T is not a scalar", ErrUnresolvable, v)
	}
}

// expandEnv replaces ${VAR} in every string value of the tree.
func expandEnv(v any) any {
	switch t := v.(type) {
	case string:
		return envRe.ReplaceAllStringFunc(t, func(m string) string {
			return os.Getenv(m[2 : len(m)-1])
		})
	case map[string]any:
		for k, child := range t {
			t[k] = expandEnv(child)
		}
	case []any:
		for i, child := range t {
			t[i] = expandEnv(child)
		}
	}
	return v
}

func applyOverride(tree map[string]any, override string) error {
	key, raw, ok := strings.Cut(override, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return fmt.Errorf("invalid override %q: expected key=value", override)
	}

	var value any
	if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
		return fmt.Errorf("invalid override %q: %w", override, err)
	}

	parts := strings.Split(key, ".")
	cur := tree
	for _, part := range parts[:len(parts)-1] {
		next, exists := cur[part]
		if !exists {
			child := map[string]any{}
			cur[part] = child
			cur = child
			continue
		}
		child, isMap := next.(map[string]any)
		if !isMap {
			return fmt.Errorf("invalid override %q: %s is not a section", override, part)
		}
		cur = child
	}
	cur[parts[len(parts)-1]] = value
	return nil
}
