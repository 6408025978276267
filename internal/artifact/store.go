package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
)

var versionTagRe = regexp.MustCompile(`^v[0-9]+$`)

type Config struct {
	Root   string
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Store is a versioned artifact store on the local filesystem. Each
// artifact lives in <root>/<name>/ with one directory per version and an
// index.json describing versions and aliases.
type Store struct {
	root  string
	clock clockwork.Clock
	log   *slog.Logger

	mu sync.Mutex
}

func NewStore(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("artifact store root is required")
	}

	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	return &Store{root: root, clock: clock, log: log}, nil
}

func (s *Store) Root() string {
	return s.root
}

// Log stores req.File as a new version of req.Name. The new version always
// takes the latest alias; any extra aliases move to it from older versions.
func (s *Store) Log(ctx context.Context, req LogRequest) (Version, error) {
	ref, err := ParseReference(req.Name)
	if err != nil || strings.Contains(req.Name, ":") {
		return Version{}, fmt.Errorf("%w: artifact name %q", ErrInvalidReference, req.Name)
	}
	if req.Type == "" {
		return Version{}, fmt.Errorf("artifact %q: type is required", req.Name)
	}
	for _, a := range req.Aliases {
		if err := validateAlias(a); err != nil {
			return Version{}, err
		}
	}

	info, err := os.Stat(req.File)
	if err != nil {
		return Version{}, fmt.Errorf("failed to stat artifact file: %w", err)
	}
	if info.IsDir() {
		return Version{}, fmt.Errorf("artifact file %s is a directory", req.File)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex(ref.Name)
	if err != nil && !errors.Is(err, ErrArtifactNotFound) {
		return Version{}, err
	}
	if idx == nil {
		idx = &index{Name: ref.Name}
	}

	v := Version{
		Name:        ref.Name,
		Version:     len(idx.Versions),
		Type:        req.Type,
		Description: req.Description,
		File:        filepath.Base(req.File),
		Size:        info.Size(),
		RunID:       req.RunID,
		CreatedAt:   s.clock.Now().UTC(),
	}

	if err := ctx.Err(); err != nil {
		return Version{}, err
	}

	dst := filepath.Join(s.root, ref.Name, v.Tag(), v.File)
	if err := copyFile(req.File, dst); err != nil {
		return Version{}, fmt.Errorf("failed to store artifact %s: %w", v.Ref(), err)
	}

	aliases := append([]string{AliasLatest}, req.Aliases...)
	for _, a := range aliases {
		idx.dropAlias(a)
		if !slices.Contains(v.Aliases, a) {
			v.Aliases = append(v.Aliases, a)
		}
	}
	idx.Versions = append(idx.Versions, v)

	if err := s.writeIndex(idx); err != nil {
		return Version{}, err
	}

	v.Path = dst
	s.log.Info("logged artifact", "ref", v.Ref(), "type", v.Type, "size", v.Size, "aliases", v.Aliases)
	return v, nil
}

// Use resolves ref to a stored version. The returned Path is the file on disk.
func (s *Store) Use(ref string) (Version, error) {
	r, err := ParseReference(ref)
	if err != nil {
		return Version{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex(r.Name)
	if err != nil {
		return Version{}, err
	}

	i := idx.find(r)
	if i < 0 {
		return Version{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, r)
	}

	v := idx.Versions[i]
	v.Path = filepath.Join(s.root, v.Name, v.Tag(), v.File)
	s.log.Debug("using artifact", "ref", r.String(), "resolved", v.Ref())
	return v, nil
}

// SetAlias points alias at the version ref resolves to, taking it from any
// other version of the same artifact.
func (s *Store) SetAlias(ref, alias string) (Version, error) {
	if err := validateAlias(alias); err != nil {
		return Version{}, err
	}
	if alias == AliasLatest {
		return Version{}, fmt.Errorf("%w: alias %q is managed by the store", ErrInvalidReference, alias)
	}

	r, err := ParseReference(ref)
	if err != nil {
		return Version{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndex(r.Name)
	if err != nil {
		return Version{}, err
	}
	i := idx.find(r)
	if i < 0 {
		return Version{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, r)
	}

	idx.dropAlias(alias)
	idx.Versions[i].Aliases = append(idx.Versions[i].Aliases, alias)

	if err := s.writeIndex(idx); err != nil {
		return Version{}, err
	}

	v := idx.Versions[i]
	v.Path = filepath.Join(s.root, v.Name, v.Tag(), v.File)
	s.log.Info("set artifact alias", "ref", v.Ref(), "alias", alias)
	return v, nil
}

// List returns every version of every artifact, ordered by name then version.
func (s *Store) List() ([]Version, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact root: %w", err)
	}

	var out []Version
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		idx, err := s.readIndex(e.Name())
		if errors.Is(err, ErrArtifactNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		for _, v := range idx.Versions {
			v.Path = filepath.Join(s.root, v.Name, v.Tag(), v.File)
			out = append(out, v)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out, nil
}

func (s *Store) readIndex(name string) (*index, error) {
	data, err := os.ReadFile(filepath.Join(s.root, name, indexFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrArtifactNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact index: %w", err)
	}

	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("failed to parse artifact index for %s: %w", name, err)
	}
	return &idx, nil
}

func (s *Store) writeIndex(idx *index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal artifact index: %w", err)
	}

	dir := filepath.Join(s.root, idx.Name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, indexFile+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp index: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp index: %w", err)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(dir, indexFile)); err != nil {
		return fmt.Errorf("failed to replace artifact index: %w", err)
	}
	return nil
}

func (idx *index) find(r Reference) int {
	for i, v := range idx.Versions {
		if r.Version >= 0 {
			if v.Version == r.Version {
				return i
			}
			continue
		}
		if slices.Contains(v.Aliases, r.Alias) {
			return i
		}
	}
	return -1
}

func (idx *index) dropAlias(alias string) {
	for i := range idx.Versions {
		idx.Versions[i].Aliases = slices.DeleteFunc(idx.Versions[i].Aliases, func(a string) bool {
			return a == alias
		})
	}
}

func validateAlias(alias string) error {
	if alias == "" || versionTagRe.MatchString(alias) {
		return fmt.Errorf("%w: alias %q", ErrInvalidReference, alias)
	}
	for _, r := range alias {
		if r == ':' || r == '/' || r == '\\' {
			return fmt.Errorf("%w: alias %q", ErrInvalidReference, alias)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	in, err := os.Open(src) //nolint:gosec // source is the step's own output file
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst) //nolint:gosec // destination is inside the store root
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
