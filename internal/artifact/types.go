package artifact

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	AliasLatest = "latest"

	indexFile = "index.json"
)

var (
	ErrArtifactNotFound = errors.New("artifact not found")
	ErrInvalidReference = errors.New("invalid artifact reference")
)

// Version is one immutable upload of an artifact.
type Version struct {
	Name        string    `json:"name"`
	Version     int       `json:"version"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	File        string    `json:"file"`
	Size        int64     `json:"size"`
	RunID       string    `json:"run_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	Aliases     []string  `json:"aliases,omitempty"`

	// Path is the absolute location of the stored file. Not persisted.
	Path string `json:"-"`
}

func (v Version) Tag() string {
	return "v" + strconv.Itoa(v.Version)
}

func (v Version) Ref() string {
	return v.Name + ":" + v.Tag()
}

type index struct {
	Name     string    `json:"name"`
	Versions []Version `json:"versions"`
}

// Reference is a parsed "name[:alias|:vN]" string.
type Reference struct {
	Name    string
	Alias   string
	Version int // -1 when the reference uses an alias
}

func ParseReference(ref string) (Reference, error) {
	ref = strings.TrimSpace(ref)
	name, selector, found := strings.Cut(ref, ":")
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return Reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	if !found || selector == "" {
		return Reference{Name: name, Alias: AliasLatest, Version: -1}, nil
	}
	if strings.HasPrefix(selector, "v") {
		if n, err := strconv.Atoi(selector[1:]); err == nil && n >= 0 {
			return Reference{Name: name, Version: n}, nil
		}
	}
	return Reference{Name: name, Alias: selector, Version: -1}, nil
}

func (r Reference) String() string {
	if r.Version >= 0 {
		return fmt.Sprintf("%s:v%d", r.Name, r.Version)
	}
	return r.Name + ":" + r.Alias
}

type LogRequest struct {
	Name        string
	Type        string
	Description string
	File        string
	RunID       string
	Aliases     []string
}
