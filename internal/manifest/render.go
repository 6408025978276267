package manifest

import (
	"fmt"
	"sort"

	"github.com/kballard/go-shellquote"
)

type Command struct {
	Argv []string
}

// Render substitutes resolved values into the command template. The
// template is split into arguments first, so a value is always exactly one
// argument no matter what it contains. Extras are appended as --key value
// pairs in key order.
func (ep *EntryPoint) Render(resolved *ResolvedParams) (*Command, error) {
	tokens, err := shellquote.Split(ep.Command)
	if err != nil {
		return nil, fmt.Errorf("failed to split command: %w", err)
	}

	argv := make([]string, 0, len(tokens)+2*len(resolved.Extras))
	for _, tok := range tokens {
		argv = append(argv, placeholderRe.ReplaceAllStringFunc(tok, func(m string) string {
			name := m[1 : len(m)-1]
			if v, ok := resolved.Values[name]; ok {
				return v
			}
			return m
		}))
	}

	extras := make([]string, 0, len(resolved.Extras))
	for k := range resolved.Extras {
		extras = append(extras, k)
	}
	sort.Strings(extras)
	for _, k := range extras {
		argv = append(argv, "--"+k, resolved.Extras[k])
	}

	return &Command{Argv: argv}, nil
}

// String renders the argv in a form a POSIX shell reads back unchanged.
func (c *Command) String() string {
	return shellquote.Join(c.Argv...)
}
