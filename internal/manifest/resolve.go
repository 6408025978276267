package manifest

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

// ResolvedParams holds the final string value of every declared parameter,
// plus any values that were supplied but not declared.
type ResolvedParams struct {
	Values map[string]string
	Extras map[string]string
}

// Resolve applies defaults and type checks to values. Every missing
// required parameter is reported in a single error wrapping
// ErrMissingParameter. Relative path parameters resolve against baseDir.
func (ep *EntryPoint) Resolve(values map[string]string, baseDir string) (*ResolvedParams, error) {
	resolved := &ResolvedParams{
		Values: make(map[string]string, len(ep.Parameters)),
		Extras: make(map[string]string),
	}

	var missing []string
	for _, p := range ep.Parameters {
		v, ok := values[p.Name]
		if !ok {
			if p.Required() {
				missing = append(missing, p.Name)
				continue
			}
			v = *p.Default
		}

		converted, err := convertValue(p, v, baseDir)
		if err != nil {
			return nil, err
		}
		resolved.Values[p.Name] = converted
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingParameter, strings.Join(missing, ", "))
	}

	for k, v := range values {
		if _, declared := ep.Parameters.Lookup(k); !declared {
			resolved.Extras[k] = v
		}
	}

	return resolved, nil
}

func convertValue(p Parameter, v, baseDir string) (string, error) {
	switch p.Type {
	case TypeFloat:
		trimmed := strings.TrimSpace(v)
		if _, err := strconv.ParseFloat(trimmed, 64); err != nil {
			return "", fmt.Errorf("%w: %s=%q is not a float", ErrInvalidParameter, p.Name, v)
		}
		return trimmed, nil
	case TypePath:
		if v == "" {
			return "", fmt.Errorf("%w: %s is an empty path", ErrInvalidParameter, p.Name)
		}
		if filepath.IsAbs(v) || baseDir == "" {
			return v, nil
		}
		return filepath.Join(baseDir, v), nil
	case TypeURI:
		u, err := url.Parse(v)
		if err != nil || v == "" {
			return "", fmt.Errorf("%w: %s=%q is not a uri", ErrInvalidParameter, p.Name, v)
		}
		if u.Scheme == "" && !filepath.IsAbs(v) && baseDir != "" {
			return filepath.Join(baseDir, v), nil
		}
		return v, nil
	default:
		return v, nil
	}
}
