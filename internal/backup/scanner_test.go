package backup

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("mkdir %s: %v", path, err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
}

func TestScan(t *testing.T) {
	scanner := NewScanner(zerolog.Nop())

	t.Run("walks all regular files", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{
			"a.txt":         "alpha",
			"sub/b.txt":     "beta",
			"sub/deep/c.go": "gamma",
		})

		snaps, err := scanner.Scan(context.Background(), []string{root}, nil)
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		if len(snaps) != 3 {
			t.Fatalf("scanned %d files, want 3", len(snaps))
		}
		snap, ok := snaps[filepath.Join(root, "a.txt")]
		if !ok {
			t.Fatal("a.txt missing from scan")
		}
		if snap.Size != int64(len("alpha")) {
			t.Errorf("size = %d, want %d", snap.Size, len("alpha"))
		}
		if snap.Checksum == "" {
			t.Error("checksum empty")
		}
	})

	t.Run("excludes by substring", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{
			"keep.txt":            "k",
			"node_modules/d.js":   "d",
			"logs/app.log":        "l",
			"nested/logs/old.log": "o",
		})

		snaps, err := scanner.Scan(context.Background(), []string{root}, []string{"node_modules", "logs"})
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		if len(snaps) != 1 {
			t.Fatalf("scanned %d files, want 1: %v", len(snaps), snaps)
		}
		if _, ok := snaps[filepath.Join(root, "keep.txt")]; !ok {
			t.Error("keep.txt excluded")
		}
	})

	t.Run("missing root skipped without failing", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{"a.txt": "a"})

		snaps, err := scanner.Scan(context.Background(), []string{filepath.Join(root, "nope"), root}, nil)
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		if len(snaps) != 1 {
			t.Errorf("scanned %d files, want 1", len(snaps))
		}
	})

	t.Run("cancellation aborts", func(t *testing.T) {
		root := t.TempDir()
		writeTree(t, root, map[string]string{"a.txt": "a"})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := scanner.Scan(ctx, []string{root}, nil); err == nil {
			t.Error("expected error from canceled context")
		}
	})
}

func TestDiff(t *testing.T) {
	now := time.Now().UTC()
	snap := func(path, checksum string) FileSnapshot {
		return FileSnapshot{Path: path, Size: 10, ModTime: now, Checksum: checksum}
	}

	t.Run("partitions added modified deleted", func(t *testing.T) {
		baseline := map[string]FileSnapshot{
			"/data/kept.txt":    snap("/data/kept.txt", "same"),
			"/data/changed.txt": snap("/data/changed.txt", "old"),
			"/data/removed.txt": snap("/data/removed.txt", "gone"),
		}
		current := map[string]FileSnapshot{
			"/data/kept.txt":    snap("/data/kept.txt", "same"),
			"/data/changed.txt": snap("/data/changed.txt", "new"),
			"/data/fresh.txt":   snap("/data/fresh.txt", "added"),
		}

		set := Diff(current, baseline)
		if set.Added != 1 || set.Modified != 1 || set.Deleted != 1 {
			t.Fatalf("counts = %d/%d/%d, want 1/1/1", set.Added, set.Modified, set.Deleted)
		}
		if len(set.Changes) != 3 {
			t.Fatalf("changes = %d, want 3", len(set.Changes))
		}

		byPath := make(map[string]FileChange)
		for _, ch := range set.Changes {
			byPath[ch.Path] = ch
		}
		if byPath["/data/fresh.txt"].Action != ChangeAdded {
			t.Error("fresh.txt not classified added")
		}
		if byPath["/data/changed.txt"].Action != ChangeModified {
			t.Error("changed.txt not classified modified")
		}
		del := byPath["/data/removed.txt"]
		if del.Action != ChangeDeleted {
			t.Error("removed.txt not classified deleted")
		}
		if del.Size != 0 || del.ModTime != nil || del.Checksum != "" {
			t.Error("deleted entry carries stale metadata")
		}
	})

	t.Run("ordered by path", func(t *testing.T) {
		current := map[string]FileSnapshot{
			"/z": snap("/z", "z"),
			"/a": snap("/a", "a"),
			"/m": snap("/m", "m"),
		}
		set := Diff(current, nil)
		if !sort.SliceIsSorted(set.Changes, func(i, j int) bool {
			return set.Changes[i].Path < set.Changes[j].Path
		}) {
			t.Error("changes not sorted by path")
		}
	})

	t.Run("identical sets are empty", func(t *testing.T) {
		m := map[string]FileSnapshot{"/a": snap("/a", "x")}
		if set := Diff(m, m); !set.Empty() {
			t.Errorf("identical sets produced %d changes", len(set.Changes))
		}
	})

	t.Run("empty baseline reads everything as added", func(t *testing.T) {
		current := map[string]FileSnapshot{
			"/a": snap("/a", "a"),
			"/b": snap("/b", "b"),
		}
		set := Diff(current, map[string]FileSnapshot{})
		if set.Added != 2 || set.Modified != 0 || set.Deleted != 0 {
			t.Errorf("counts = %d/%d/%d, want 2/0/0", set.Added, set.Modified, set.Deleted)
		}
	})
}

type fakeLogCounter struct {
	n   int
	err error
}

func (f fakeLogCounter) CountBackupLogsSince(context.Context, time.Time) (int, error) {
	return f.n, f.err
}

func TestDatabaseChangedSince(t *testing.T) {
	ctx := context.Background()
	since := time.Now().Add(-time.Hour)

	changed, err := DatabaseChangedSince(ctx, fakeLogCounter{n: 3}, since)
	if err != nil || !changed {
		t.Errorf("activity: changed=%v err=%v, want true nil", changed, err)
	}
	changed, err = DatabaseChangedSince(ctx, fakeLogCounter{n: 0}, since)
	if err != nil || changed {
		t.Errorf("quiet: changed=%v err=%v, want false nil", changed, err)
	}
	if _, err := DatabaseChangedSince(ctx, fakeLogCounter{err: os.ErrClosed}, since); err == nil {
		t.Error("store error not propagated")
	}
}
