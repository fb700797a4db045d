package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string, content string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func setup(t *testing.T) (string, string, *Watcher, chan []string) {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	scene := filepath.Join(dir, "scene.hcl")
	cfg := filepath.Join(dir, "engine.toml")
	past := time.Now().Add(-time.Hour)
	touch(t, scene, "seed = 1", past)
	touch(t, cfg, "", past)

	w, err := New(100*time.Millisecond, zerolog.Nop(), scene, cfg)
	require.NoError(t, err)
	got := make(chan []string, 4)
	w.OnChange(func(paths []string) { got <- paths })
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)
	return scene, cfg, w, got
}

func TestReportsModifiedFile(t *testing.T) {
	scene, _, _, got := setup(t)
	touch(t, scene, "seed = 2", time.Now())

	select {
	case paths := <-got:
		assert.Equal(t, []string{scene}, paths)
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}
}

func TestIgnoresOtherFiles(t *testing.T) {
	scene, _, _, got := setup(t)
	touch(t, filepath.Join(filepath.Dir(scene), "notes.txt"), "x", time.Now())

	select {
	case paths := <-got:
		t.Fatalf("unexpected change %v", paths)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestBurstReportedOnce(t *testing.T) {
	scene, cfg, _, got := setup(t)
	now := time.Now()
	touch(t, scene, "seed = 3", now)
	touch(t, cfg, "[fit]", now)
	touch(t, scene, "seed = 4", now.Add(time.Second))

	select {
	case paths := <-got:
		assert.ElementsMatch(t, []string{scene, cfg}, paths)
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}
	select {
	case paths := <-got:
		t.Fatalf("second report %v", paths)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestNewRejectsMissingFile(t *testing.T) {
	_, err := New(time.Millisecond, zerolog.Nop(), filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
	_, err = New(time.Millisecond, zerolog.Nop())
	assert.Error(t, err)
}

func TestStopIsIdempotent(t *testing.T) {
	_, _, w, _ := setup(t)
	w.Stop()
	w.Stop()
}
