package manifest

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// FileName is the manifest file looked up when Load is given a directory.
const FileName = "MLproject"

type ParamType string

const (
	TypeString ParamType = "string"
	TypeFloat  ParamType = "float"
	TypePath   ParamType = "path"
	TypeURI    ParamType = "uri"
)

var validTypes = map[ParamType]struct{}{
	TypeString: {},
	TypeFloat:  {},
	TypePath:   {},
	TypeURI:    {},
}

func (t ParamType) IsValid() bool {
	_, ok := validTypes[t]
	return ok
}

type Manifest struct {
	Name        string                 `yaml:"name"`
	CondaEnv    string                 `yaml:"conda_env"`
	DockerEnv   *DockerEnv             `yaml:"docker_env"`
	EntryPoints map[string]*EntryPoint `yaml:"entry_points"`

	// Dir is where the manifest was loaded from. Relative conda_env and
	// path parameters resolve against it.
	Dir string `yaml:"-"`
}

type DockerEnv struct {
	Image string `yaml:"image"`
}

type EntryPoint struct {
	Name       string     `yaml:"-"`
	Parameters Parameters `yaml:"parameters"`
	Command    string     `yaml:"command"`
}

// Parameter is one typed input of an entry point. A parameter with no
// default is required.
type Parameter struct {
	Name        string
	Type        ParamType
	Default     *string
	Description string
}

func (p Parameter) Required() bool {
	return p.Default == nil
}

// Parameters keeps entry-point parameters in declaration order, which
// decides the order flags are rendered in.
type Parameters []Parameter

func (ps Parameters) Lookup(name string) (Parameter, bool) {
	for _, p := range ps {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

func (ps Parameters) Names() []string {
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.Name
	}
	return names
}

type parameterSpec struct {
	Type        string     `yaml:"type"`
	Default     *yaml.Node `yaml:"default"`
	Description string     `yaml:"description"`
}

// UnmarshalYAML walks the mapping node directly; decoding into a Go map
// would lose declaration order. Both the long form (a mapping with type,
// default and description) and the short form (`name: float`) are accepted.
func (ps *Parameters) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: parameters must be a mapping", node.Line)
	}

	out := make(Parameters, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		param := Parameter{Name: key.Value}

		switch val.Kind {
		case yaml.ScalarNode:
			param.Type = ParamType(val.Value)
		case yaml.MappingNode:
			var spec parameterSpec
			if err := val.Decode(&spec); err != nil {
				return fmt.Errorf("parameter %q: %w", key.Value, err)
			}
			param.Type = ParamType(spec.Type)
			param.Description = spec.Description
			if spec.Default != nil && spec.Default.Kind == yaml.ScalarNode && spec.Default.Tag != "!!null" {
				def := spec.Default.Value
				param.Default = &def
			}
		default:
			return fmt.Errorf("line %d: parameter %q must be a type name or a mapping", val.Line, key.Value)
		}

		if param.Type == "" {
			param.Type = TypeString
		}
		out = append(out, param)
	}

	*ps = out
	return nil
}

// EntryPointNames returns entry point names sorted, with "main" first.
func (m *Manifest) EntryPointNames() []string {
	names := make([]string, 0, len(m.EntryPoints))
	for name := range m.EntryPoints {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if names[i] == DefaultEntryPoint {
			return true
		}
		if names[j] == DefaultEntryPoint {
			return false
		}
		return names[i] < names[j]
	})
	return names
}
