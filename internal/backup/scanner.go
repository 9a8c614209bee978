// Package backup implements the backup orchestration engine: filesystem
// change detection, archive composition, run execution, verification,
// retention, and scheduling.
package backup

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stashguard/stashguard/internal/crypto"
)

// FileSnapshot captures the identity-relevant metadata of one file at
// scan time. Checksum is the hex SHA-256 of the file contents.
type FileSnapshot struct {
	Path     string    `json:"path"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time"`
	Checksum string    `json:"checksum"`
}

// ChangeAction classifies one entry of a change-set.
type ChangeAction string

const (
	ChangeAdded    ChangeAction = "added"
	ChangeModified ChangeAction = "modified"
	ChangeDeleted  ChangeAction = "deleted"
)

// FileChange is one entry of a change-set. Size, ModTime and Checksum are
// omitted for deleted entries.
type FileChange struct {
	Path     string       `json:"path"`
	Action   ChangeAction `json:"action"`
	Size     int64        `json:"size,omitempty"`
	ModTime  *time.Time   `json:"mod_time,omitempty"`
	Checksum string       `json:"checksum,omitempty"`
}

// ChangeSet is the ordered result of diffing a scan against a baseline.
type ChangeSet struct {
	Changes  []FileChange `json:"changes"`
	Added    int          `json:"added"`
	Modified int          `json:"modified"`
	Deleted  int          `json:"deleted"`
}

// Empty reports whether the change-set contains no changes.
func (c ChangeSet) Empty() bool {
	return len(c.Changes) == 0
}

// Scanner walks filesystem roots and produces per-file snapshots.
type Scanner struct {
	logger zerolog.Logger
}

// NewScanner creates a Scanner.
func NewScanner(logger zerolog.Logger) *Scanner {
	return &Scanner{logger: logger.With().Str("component", "scanner").Logger()}
}

// Scan recursively walks each root, skipping any path containing one of
// the exclude tokens (substring match). Unreadable files or directories
// are skipped with a warning; a fully unreadable root aborts that root
// only. The result is a duplicate-free set keyed by path.
func (s *Scanner) Scan(ctx context.Context, roots, excludes []string) (map[string]FileSnapshot, error) {
	snapshots := make(map[string]FileSnapshot)

	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if err != nil {
				if path == root {
					return err
				}
				s.logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable entry")
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if excluded(path, excludes) {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() || excluded(path, excludes) {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				s.logger.Warn().Err(err).Str("path", path).Msg("skipping unstatable file")
				return nil
			}
			checksum, err := crypto.HashFile(path)
			if err != nil {
				s.logger.Warn().Err(err).Str("path", path).Msg("skipping unreadable file")
				return nil
			}
			snapshots[path] = FileSnapshot{
				Path:     path,
				Size:     info.Size(),
				ModTime:  info.ModTime().UTC(),
				Checksum: checksum,
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			s.logger.Warn().Err(err).Str("root", root).Msg("root not scannable, skipping")
		}
	}

	return snapshots, nil
}

func excluded(path string, excludes []string) bool {
	for _, token := range excludes {
		if token != "" && strings.Contains(path, token) {
			return true
		}
	}
	return false
}

// Diff partitions paths into added (in current, not in baseline), modified
// (in both, checksum differs) and deleted (in baseline, not in current).
// Unchanged files are omitted. Entries are ordered by path.
func Diff(current, baseline map[string]FileSnapshot) ChangeSet {
	var set ChangeSet

	for path, snap := range current {
		base, ok := baseline[path]
		switch {
		case !ok:
			mt := snap.ModTime
			set.Changes = append(set.Changes, FileChange{
				Path: path, Action: ChangeAdded,
				Size: snap.Size, ModTime: &mt, Checksum: snap.Checksum,
			})
			set.Added++
		case base.Checksum != snap.Checksum:
			mt := snap.ModTime
			set.Changes = append(set.Changes, FileChange{
				Path: path, Action: ChangeModified,
				Size: snap.Size, ModTime: &mt, Checksum: snap.Checksum,
			})
			set.Modified++
		}
	}
	for path := range baseline {
		if _, ok := current[path]; !ok {
			set.Changes = append(set.Changes, FileChange{Path: path, Action: ChangeDeleted})
			set.Deleted++
		}
	}

	sort.Slice(set.Changes, func(i, j int) bool { return set.Changes[i].Path < set.Changes[j].Path })
	return set
}

// LogCounter counts audit log entries created strictly after a point in time.
type LogCounter interface {
	CountBackupLogsSince(ctx context.Context, since time.Time) (int, error)
}

// DatabaseChangedSince reports whether any audit log entry was written
// strictly after the given time. This is a best-effort proxy for "did the
// database change", not change-data-capture; a quiet database with no
// audited activity reads as unchanged.
func DatabaseChangedSince(ctx context.Context, logs LogCounter, since time.Time) (bool, error) {
	n, err := logs.CountBackupLogsSince(ctx, since)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
