package runtime

import (
	"context"
	"testing"

	cfgpkg "github.com/rzbill/taskbucket/internal/config"
	pebblestore "github.com/rzbill/taskbucket/internal/storage/pebble"
)

func TestOpenCloseHealth(t *testing.T) {
	dir := t.TempDir()
	rt, err := Open(Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways, Config: cfgpkg.Default()})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	defer rt.Close()
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestEnsureAndOpen(t *testing.T) {
	dir := t.TempDir()
	rt, err := Open(Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways, Config: cfgpkg.Default()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if _, err := rt.EnsureNamespace("default"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	tb, fb, err := rt.OpenBucket("default")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	if tb == nil || fb == nil {
		t.Fatalf("expected non-nil bucket pair")
	}
	tb2, _, err := rt.OpenBucket("default")
	if err != nil {
		t.Fatalf("open bucket again: %v", err)
	}
	if tb2 != tb {
		t.Fatalf("expected cached TaskBucket instance on second open")
	}
}
