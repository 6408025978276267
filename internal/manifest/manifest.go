package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/kballard/go-shellquote"
	"gopkg.in/yaml.v3"
)

const DefaultEntryPoint = "main"

var (
	ErrUnknownEntryPoint = errors.New("unknown entry point")
	ErrMissingParameter  = errors.New("missing required parameter")
	ErrInvalidParameter  = errors.New("invalid parameter value")
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads a manifest from path, which may be the manifest file itself or
// a component directory containing an MLproject file.
func Load(path string) (*Manifest, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve manifest path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat manifest: %w", err)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, FileName)
	}

	data, err := os.ReadFile(absPath) //nolint:gosec // manifest path is operator-provided
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	m.Dir = filepath.Dir(absPath)

	return m, nil
}

func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	for name, ep := range m.EntryPoints {
		if ep == nil {
			return nil, fmt.Errorf("entry point %q is empty", name)
		}
		ep.Name = name
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest name is required")
	}
	if len(m.EntryPoints) == 0 {
		return fmt.Errorf("manifest %q: at least one entry point is required", m.Name)
	}
	if m.CondaEnv != "" && m.DockerEnv != nil {
		return fmt.Errorf("manifest %q: conda_env and docker_env are mutually exclusive", m.Name)
	}

	for _, name := range m.EntryPointNames() {
		if err := m.EntryPoints[name].validate(); err != nil {
			return fmt.Errorf("manifest %q: entry point %q: %w", m.Name, name, err)
		}
	}

	return nil
}

func (ep *EntryPoint) validate() error {
	if ep.Command == "" {
		return fmt.Errorf("command is required")
	}

	seen := make(map[string]struct{}, len(ep.Parameters))
	for _, p := range ep.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter name is required")
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = struct{}{}

		if !p.Type.IsValid() {
			return fmt.Errorf("parameter %q: unknown type %q", p.Name, p.Type)
		}
	}

	tokens, err := shellquote.Split(ep.Command)
	if err != nil {
		return fmt.Errorf("command: %w", err)
	}
	for _, tok := range tokens {
		for _, match := range placeholderRe.FindAllStringSubmatch(tok, -1) {
			if _, ok := seen[match[1]]; !ok {
				return fmt.Errorf("command references undeclared parameter %q", match[1])
			}
		}
	}

	return nil
}

func (m *Manifest) EntryPoint(name string) (*EntryPoint, error) {
	if name == "" {
		name = DefaultEntryPoint
	}
	ep, ok := m.EntryPoints[name]
	if !ok {
		return nil, fmt.Errorf("%w %q in manifest %q", ErrUnknownEntryPoint, name, m.Name)
	}
	return ep, nil
}

// Command resolves values against the named entry point and renders it.
// Nothing is executed; a missing required parameter fails here.
func (m *Manifest) Command(entryPoint string, values map[string]string) (*Command, error) {
	ep, err := m.EntryPoint(entryPoint)
	if err != nil {
		return nil, err
	}

	resolved, err := ep.Resolve(values, m.Dir)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", m.Name, ep.Name, err)
	}

	return ep.Render(resolved)
}
