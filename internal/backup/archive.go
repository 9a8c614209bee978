package backup

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stashguard/stashguard/internal/models"
)

// Archive entry names. These are the externally contracted names inside
// every backup container.
const (
	EntryDatabase = "database.sql"
	EntryFiles    = "files.zip"
	EntryMetadata = "metadata.json"
	EntryManifest = "manifest.json"
	EntryChanges  = "changes.json"
)

// MetadataVersion is the current metadata.json format version.
const MetadataVersion = 1

// DefaultCompressionLevel favors ratio over speed; backups are not
// latency-critical.
const DefaultCompressionLevel = 6

// ErrEntryMissing indicates a required entry is absent from an archive.
var ErrEntryMissing = errors.New("archive entry missing")

// Metadata is the metadata.json entry of every archive.
type Metadata struct {
	Version         int               `json:"version"`
	BackupID        string            `json:"backup_id"`
	Name            string            `json:"name"`
	Description     string            `json:"description,omitempty"`
	Kind            models.BackupKind `json:"kind"`
	CreatedAt       time.Time         `json:"created_at"`
	BaseBackupID    string            `json:"base_backup_id,omitempty"`
	FileCount       int               `json:"file_count"`
	TotalBytes      int64             `json:"total_bytes"`
	DatabaseDumped  bool              `json:"database_dumped"`
	DumpFallback    bool              `json:"dump_fallback,omitempty"`
	DatabaseChanged bool              `json:"database_changed,omitempty"`
	Added           int               `json:"added,omitempty"`
	Modified        int               `json:"modified,omitempty"`
	Deleted         int               `json:"deleted,omitempty"`
}

// Manifest maps every scanned path to its snapshot. It is written into
// each archive so an incremental run can diff against its base archive
// without re-reading the baseline from the filesystem.
type Manifest map[string]FileSnapshot

// ArchiveBuilder composes backup containers with a configurable deflate
// level. Building is atomic: either a complete archive lands at the
// destination path, or no file is left there at all.
type ArchiveBuilder struct {
	level  int
	logger zerolog.Logger
}

// NewArchiveBuilder creates a builder with the given deflate level (0-9).
func NewArchiveBuilder(level int, logger zerolog.Logger) (*ArchiveBuilder, error) {
	if level < 0 || level > 9 {
		return nil, fmt.Errorf("%w: compression level %d outside 0-9", models.ErrValidation, level)
	}
	return &ArchiveBuilder{
		level:  level,
		logger: logger.With().Str("component", "archiver").Logger(),
	}, nil
}

// FullArchive holds the parts of a full backup container.
type FullArchive struct {
	DatabaseDump []byte
	FilesZip     []byte
	Manifest     Manifest
	Metadata     Metadata
}

// IncrementalArchive holds the parts of an incremental backup container.
// FilesZip and DatabaseDump may be empty when nothing changed.
type IncrementalArchive struct {
	Changes      ChangeSet
	FilesZip     []byte
	DatabaseDump []byte
	Manifest     Manifest
	Metadata     Metadata
}

type archiveEntry struct {
	name string
	data []byte
}

// BuildFull writes a full backup container to destPath with the entries
// database.sql, files.zip, metadata.json, and manifest.json.
func (b *ArchiveBuilder) BuildFull(destPath string, a FullArchive) error {
	meta, err := json.MarshalIndent(a.Metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	manifest, err := json.Marshal(a.Manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return b.writeArchive(destPath, []archiveEntry{
		{EntryDatabase, a.DatabaseDump},
		{EntryFiles, a.FilesZip},
		{EntryMetadata, meta},
		{EntryManifest, manifest},
	})
}

// BuildIncremental writes an incremental backup container to destPath.
// database.sql and files.zip are included only when present.
func (b *ArchiveBuilder) BuildIncremental(destPath string, a IncrementalArchive) error {
	meta, err := json.MarshalIndent(a.Metadata, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	changes, err := json.MarshalIndent(a.Changes, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}
	manifest, err := json.Marshal(a.Manifest)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}

	entries := []archiveEntry{
		{EntryMetadata, meta},
		{EntryChanges, changes},
		{EntryManifest, manifest},
	}
	if len(a.DatabaseDump) > 0 {
		entries = append(entries, archiveEntry{EntryDatabase, a.DatabaseDump})
	}
	if len(a.FilesZip) > 0 {
		entries = append(entries, archiveEntry{EntryFiles, a.FilesZip})
	}
	return b.writeArchive(destPath, entries)
}

// BuildFilesZip compresses the given files into a nested zip payload,
// reporting per-file progress through onFile. Files are read from disk at
// their snapshot paths; a file that vanished since the scan is skipped
// with a warning.
func (b *ArchiveBuilder) BuildFilesZip(ctx context.Context, files map[string]FileSnapshot, onFile func(processed, total int)) ([]byte, error) {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	zw := b.newZipWriter(&buf)

	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			zw.Close()
			return nil, err
		}
		snap := files[path]
		f, err := os.Open(path)
		if err != nil {
			b.logger.Warn().Err(err).Str("path", path).Msg("file vanished since scan, skipping")
			continue
		}
		hdr := &zip.FileHeader{
			Name:     zipEntryName(path),
			Method:   zip.Deflate,
			Modified: snap.ModTime,
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			f.Close()
			zw.Close()
			return nil, fmt.Errorf("create zip entry %s: %w", path, err)
		}
		_, err = io.Copy(w, f)
		f.Close()
		if err != nil {
			zw.Close()
			return nil, fmt.Errorf("compress %s: %w", path, err)
		}
		if onFile != nil {
			onFile(i+1, len(paths))
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize files payload: %w", err)
	}
	return buf.Bytes(), nil
}

func (b *ArchiveBuilder) newZipWriter(w io.Writer) *zip.Writer {
	zw := zip.NewWriter(w)
	level := b.level
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})
	return zw
}

// writeArchive writes all entries to a temp file in the destination
// directory, fsyncs it, and atomically renames it into place.
func (b *ArchiveBuilder) writeArchive(destPath string, entries []archiveEntry) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".archive-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	zw := b.newZipWriter(tmp)
	for _, entry := range entries {
		w, werr := zw.Create(entry.name)
		if werr != nil {
			return fmt.Errorf("create archive entry %s: %w", entry.name, werr)
		}
		if _, werr := w.Write(entry.data); werr != nil {
			return fmt.Errorf("write archive entry %s: %w", entry.name, werr)
		}
	}
	if err = zw.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync archive: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close archive: %w", err)
	}
	if err = os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("move archive into place: %w", err)
	}

	b.logger.Debug().Str("path", destPath).Int("entries", len(entries)).Msg("archive written")
	return nil
}

// zipEntryName converts a filesystem path to a portable zip entry name.
func zipEntryName(path string) string {
	name := filepath.ToSlash(path)
	name = strings.TrimPrefix(name, "/")
	if vol := filepath.VolumeName(path); vol != "" {
		name = strings.TrimPrefix(name, filepath.ToSlash(vol)+"/")
	}
	return name
}

// ReadArchiveEntry returns the contents of one named entry of a zip
// archive on disk, or ErrEntryMissing.
func ReadArchiveEntry(path, name string) ([]byte, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer r.Close()
	return readZipEntry(&r.Reader, name)
}

func readZipEntry(r *zip.Reader, name string) ([]byte, error) {
	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open entry %s: %w", name, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("read entry %s: %w", name, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrEntryMissing, name)
}

// ReadMetadata parses the metadata.json entry of an archive.
func ReadMetadata(path string) (*Metadata, error) {
	data, err := ReadArchiveEntry(path, EntryMetadata)
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	return &meta, nil
}

// ReadManifest parses the manifest.json entry of an archive.
func ReadManifest(path string) (Manifest, error) {
	data, err := ReadArchiveEntry(path, EntryManifest)
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return manifest, nil
}
