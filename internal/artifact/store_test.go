package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	s, err := NewStore(Config{Root: filepath.Join(t.TempDir(), "artifacts"), Clock: clock})
	require.NoError(t, err)
	return s, clock
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestParseReference(t *testing.T) {
	tests := []struct {
		in   string
		want Reference
	}{
		{"sample.csv", Reference{Name: "sample.csv", Alias: "latest", Version: -1}},
		{"sample.csv:latest", Reference{Name: "sample.csv", Alias: "latest", Version: -1}},
		{"sample.csv:v3", Reference{Name: "sample.csv", Version: 3}},
		{"clean_sample.csv:reference", Reference{Name: "clean_sample.csv", Alias: "reference", Version: -1}},
		{"model:vintage", Reference{Name: "model", Alias: "vintage", Version: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseReference(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", ":latest", "../x", "a/b"} {
		_, err := ParseReference(bad)
		assert.ErrorIs(t, err, ErrInvalidReference, bad)
	}
}

func TestStore_LogAndUse(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()

	v0, err := s.Log(ctx, LogRequest{
		Name:        "sample.csv",
		Type:        "raw_data",
		Description: "Raw file as downloaded",
		File:        writeFile(t, "sample.csv", "a,b\n1,2\n"),
		RunID:       "run-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, v0.Version)
	assert.Equal(t, "sample.csv:v0", v0.Ref())
	assert.Equal(t, []string{"latest"}, v0.Aliases)
	assert.Equal(t, clock.Now().UTC(), v0.CreatedAt)

	clock.Advance(time.Minute)
	v1, err := s.Log(ctx, LogRequest{
		Name: "sample.csv",
		Type: "raw_data",
		File: writeFile(t, "sample.csv", "a,b\n3,4\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)

	got, err := s.Use("sample.csv:latest")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	data, err := os.ReadFile(got.Path)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n3,4\n", string(data))

	got, err = s.Use("sample.csv:v0")
	require.NoError(t, err)
	assert.Empty(t, got.Aliases)
	assert.Equal(t, "run-1", got.RunID)
	data, err = os.ReadFile(got.Path)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))
}

func TestStore_UseNotFound(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.Use("missing.csv:latest")
	require.ErrorIs(t, err, ErrArtifactNotFound)

	_, err = s.Log(context.Background(), LogRequest{Name: "x.csv", Type: "t", File: writeFile(t, "x.csv", "x")})
	require.NoError(t, err)

	_, err = s.Use("x.csv:v7")
	require.ErrorIs(t, err, ErrArtifactNotFound)
	_, err = s.Use("x.csv:prod")
	require.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestStore_SetAliasMoves(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Log(ctx, LogRequest{Name: "clean.csv", Type: "clean_sample", File: writeFile(t, "clean.csv", "x")})
		require.NoError(t, err)
	}

	_, err := s.SetAlias("clean.csv:v0", "reference")
	require.NoError(t, err)
	v, err := s.SetAlias("clean.csv:v1", "reference")
	require.NoError(t, err)
	assert.Equal(t, 1, v.Version)

	got, err := s.Use("clean.csv:reference")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)

	v0, err := s.Use("clean.csv:v0")
	require.NoError(t, err)
	assert.NotContains(t, v0.Aliases, "reference")

	_, err = s.SetAlias("clean.csv:v0", "latest")
	require.ErrorIs(t, err, ErrInvalidReference)
	_, err = s.SetAlias("clean.csv:v0", "v9")
	require.ErrorIs(t, err, ErrInvalidReference)
}

func TestStore_LogWithAliases(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Log(ctx, LogRequest{Name: "model", Type: "model_export", File: writeFile(t, "m.bin", "1"), Aliases: []string{"prod"}})
	require.NoError(t, err)
	_, err = s.Log(ctx, LogRequest{Name: "model", Type: "model_export", File: writeFile(t, "m.bin", "2"), Aliases: []string{"prod"}})
	require.NoError(t, err)

	got, err := s.Use("model:prod")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.ElementsMatch(t, []string{"latest", "prod"}, got.Aliases)
}

func TestStore_LogValidation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	file := writeFile(t, "f.csv", "x")

	for _, name := range []string{"f.csv:prod", "f.csv:latest", "f.csv:v0", "f.csv:"} {
		_, err := s.Log(ctx, LogRequest{Name: name, Type: "t", File: file})
		assert.ErrorIs(t, err, ErrInvalidReference, name)
	}

	_, err := s.Log(ctx, LogRequest{Name: "f.csv", File: file})
	assert.Error(t, err)

	_, err = s.Log(ctx, LogRequest{Name: "f.csv", Type: "t", File: filepath.Join(t.TempDir(), "absent")})
	assert.Error(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Log(cancelled, LogRequest{Name: "f.csv", Type: "t", File: file})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStore_List(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"b.csv", "a.csv", "b.csv"} {
		_, err := s.Log(ctx, LogRequest{Name: name, Type: "t", File: writeFile(t, name, name)})
		require.NoError(t, err)
	}
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), "stray"), 0o755))

	all, err := s.List()
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "a.csv:v0", all[0].Ref())
	assert.Equal(t, "b.csv:v0", all[1].Ref())
	assert.Equal(t, "b.csv:v1", all[2].Ref())
	assert.FileExists(t, all[2].Path)
}
