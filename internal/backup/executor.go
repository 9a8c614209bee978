package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stashguard/stashguard/internal/crypto"
	"github.com/stashguard/stashguard/internal/metrics"
	"github.com/stashguard/stashguard/internal/models"
)

var (
	// ErrBackupInProgress indicates a second run was requested while one
	// is active. Runs are serialized per backup directory; the caller
	// retries later rather than queueing.
	ErrBackupInProgress = errors.New("a backup run is already in progress")

	// ErrNoBaseBackup indicates an incremental run has no completed
	// backup to diff against.
	ErrNoBaseBackup = errors.New("no base backup available for incremental run")
)

// DumpFunc exports the database. The fallback flag is true when the bytes
// are a labeled placeholder rather than a real export.
type DumpFunc func(ctx context.Context) (dump []byte, fallback bool, err error)

// ExecutorStore is the persistence surface the executor needs.
type ExecutorStore interface {
	CreateBackup(ctx context.Context, b *models.Backup) error
	UpdateBackup(ctx context.Context, b *models.Backup) error
	GetBackupByID(ctx context.Context, id uuid.UUID) (*models.Backup, error)
	CreateBackupLog(ctx context.Context, l *models.BackupLog) error
	LatestCompletedBackup(ctx context.Context) (*models.Backup, error)
	LatestCompletedFullBackup(ctx context.Context) (*models.Backup, error)
	CountBackupLogsSince(ctx context.Context, since time.Time) (int, error)
}

// ExecutorConfig holds the filesystem-facing settings of the executor.
type ExecutorConfig struct {
	BackupDir    string
	Roots        []string
	Excludes     []string
	MinFreeBytes uint64
}

// Request describes one backup run to execute.
type Request struct {
	Name          string
	Description   string
	Kind          models.BackupKind
	Location      models.StorageLocation
	Encrypted     bool
	RetentionDays int
	BaseBackupID  *uuid.UUID
	CreatedBy     string
}

// ExecutorOptions bundles the executor's dependencies.
type ExecutorOptions struct {
	Store    ExecutorStore
	Scanner  *Scanner
	Archiver *ArchiveBuilder
	Keys     *crypto.KeyManager
	Dump     DumpFunc
	Mirror   Uploader
	Sink     ProgressSink
	Metrics  *metrics.Metrics
	Config   ExecutorConfig
	Logger   zerolog.Logger
}

// Executor orchestrates one backup run end to end: database dump, scan,
// diff, archive composition, optional encryption, and cloud mirroring.
// At most one run is active at a time.
type Executor struct {
	store    ExecutorStore
	scanner  *Scanner
	archiver *ArchiveBuilder
	keys     *crypto.KeyManager
	dump     DumpFunc
	mirror   Uploader
	sink     ProgressSink
	metrics  *metrics.Metrics
	cfg      ExecutorConfig
	logger   zerolog.Logger

	mu      sync.Mutex
	running bool
	cancels map[uuid.UUID]context.CancelFunc
}

// NewExecutor creates an Executor. Sink, Metrics, and Dump default to
// no-op implementations when unset.
func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.Sink == nil {
		opts.Sink = NopSink{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	if opts.Dump == nil {
		opts.Dump = func(context.Context) ([]byte, bool, error) {
			return nil, true, nil
		}
	}
	return &Executor{
		store:    opts.Store,
		scanner:  opts.Scanner,
		archiver: opts.Archiver,
		keys:     opts.Keys,
		dump:     opts.Dump,
		mirror:   opts.Mirror,
		sink:     opts.Sink,
		metrics:  opts.Metrics,
		cfg:      opts.Config,
		logger:   opts.Logger.With().Str("component", "executor").Logger(),
		cancels:  make(map[uuid.UUID]context.CancelFunc),
	}
}

// Execute starts a backup run asynchronously. The returned record is
// already persisted in a pre-completion status; callers observe completion
// by polling the record or subscribing to progress events.
func (e *Executor) Execute(ctx context.Context, req Request) (*models.Backup, error) {
	b, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.registerCancel(b.ID, cancel)
	go func() {
		defer e.release(b.ID, cancel)
		if err := e.run(runCtx, b, req); err != nil {
			e.logger.Error().Err(err).Str("backup_id", b.ID.String()).Msg("backup run failed")
		}
	}()
	return b, nil
}

// ExecuteSync runs a backup to completion before returning. Used by the
// scheduler and one-shot CLI commands.
func (e *Executor) ExecuteSync(ctx context.Context, req Request) (*models.Backup, error) {
	b, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.registerCancel(b.ID, cancel)
	defer e.release(b.ID, cancel)

	if err := e.run(runCtx, b, req); err != nil {
		return b, err
	}
	return b, nil
}

// Cancel signals the run for the given backup to stop at its next safe
// checkpoint. It reports whether a matching active run was found.
func (e *Executor) Cancel(id uuid.UUID) bool {
	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Busy reports whether a run is currently active.
func (e *Executor) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Executor) prepare(ctx context.Context, req Request) (*models.Backup, error) {
	b := models.NewBackup(req.Name, req.Description, req.Kind, req.Location, req.Encrypted, req.RetentionDays, req.CreatedBy)
	b.BaseBackupID = req.BaseBackupID
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if req.Encrypted && !e.keys.HasKeys() {
		return nil, fmt.Errorf("%w: encryption requested but no key is configured", models.ErrValidation)
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrBackupInProgress
	}
	e.running = true
	e.mu.Unlock()

	if err := e.store.CreateBackup(ctx, b); err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return nil, err
	}
	return b, nil
}

func (e *Executor) registerCancel(id uuid.UUID, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()
}

func (e *Executor) release(id uuid.UUID, cancel context.CancelFunc) {
	cancel()
	e.mu.Lock()
	delete(e.cancels, id)
	e.running = false
	e.mu.Unlock()
}

// run drives one backup through its state machine and persists the
// terminal status. Temp artifacts are removed on every exit path.
func (e *Executor) run(ctx context.Context, b *models.Backup, req Request) error {
	start := time.Now()
	e.metrics.ActiveRuns.Inc()
	defer e.metrics.ActiveRuns.Dec()

	prog := newProgressReporter(b.ID, e.sink)

	tempDir, err := os.MkdirTemp(e.cfg.BackupDir, ".run-*")
	if err != nil {
		return e.finish(ctx, b, start, fmt.Errorf("create temp dir: %w", err))
	}
	defer os.RemoveAll(tempDir)

	b.Start()
	if err := e.store.UpdateBackup(ctx, b); err != nil {
		return e.finish(ctx, b, start, fmt.Errorf("mark in progress: %w", err))
	}
	e.audit(ctx, &b.ID, models.ActionBackupStarted, models.LogStatusInProgress,
		fmt.Sprintf("%s backup %q started", b.Kind, b.Name), b.CreatedBy, nil)
	prog.report(0, "starting", 0, 0)

	filePath, fileCount, runErr := e.buildArchive(ctx, b, req, prog, tempDir)
	if runErr != nil {
		return e.finish(ctx, b, start, runErr)
	}

	checksum, err := crypto.HashFile(filePath)
	if err != nil {
		return e.finish(ctx, b, start, fmt.Errorf("checksum archive: %w", err))
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return e.finish(ctx, b, start, fmt.Errorf("stat archive: %w", err))
	}

	b.Complete(filePath, info.Size(), checksum)
	if err := e.store.UpdateBackup(ctx, b); err != nil {
		return e.finish(ctx, b, start, fmt.Errorf("persist completion: %w", err))
	}
	prog.report(100, "completed", fileCount, fileCount)

	duration := time.Since(start)
	e.audit(ctx, &b.ID, models.ActionBackupCompleted, models.LogStatusSuccess,
		fmt.Sprintf("backup %q completed", b.Name), b.CreatedBy, map[string]any{
			"size_bytes":       b.SizeBytes,
			"checksum":         b.Checksum,
			"duration_seconds": duration.Seconds(),
			"file_count":       fileCount,
		})

	e.metrics.RunsTotal.WithLabelValues(string(models.BackupStatusCompleted)).Inc()
	e.metrics.RunDuration.Observe(duration.Seconds())
	e.metrics.ArchiveBytes.Observe(float64(b.SizeBytes))

	e.mirrorArchive(ctx, b)

	e.logger.Info().
		Str("backup_id", b.ID.String()).
		Str("kind", string(b.Kind)).
		Int64("size_bytes", b.SizeBytes).
		Dur("duration", duration).
		Msg("backup completed")
	return nil
}

// finish records the terminal failure or cancellation state.
func (e *Executor) finish(ctx context.Context, b *models.Backup, start time.Time, runErr error) error {
	// The run context may already be canceled; terminal bookkeeping must
	// still go through.
	ctx = context.WithoutCancel(ctx)

	if errors.Is(runErr, context.Canceled) {
		b.Cancel()
		if err := e.store.UpdateBackup(ctx, b); err != nil {
			e.logger.Error().Err(err).Str("backup_id", b.ID.String()).Msg("persist cancellation failed")
		}
		e.audit(ctx, &b.ID, models.ActionBackupCancelled, models.LogStatusSuccess,
			fmt.Sprintf("backup %q cancelled", b.Name), b.CreatedBy, nil)
		e.metrics.RunsTotal.WithLabelValues(string(models.BackupStatusCancelled)).Inc()
		return runErr
	}

	b.Fail(runErr.Error())
	if err := e.store.UpdateBackup(ctx, b); err != nil {
		e.logger.Error().Err(err).Str("backup_id", b.ID.String()).Msg("persist failure failed")
	}
	e.audit(ctx, &b.ID, models.ActionBackupFailed, models.LogStatusError,
		fmt.Sprintf("backup %q failed: %v", b.Name, runErr), b.CreatedBy, nil)
	e.metrics.RunsTotal.WithLabelValues(string(models.BackupStatusFailed)).Inc()
	e.metrics.RunDuration.Observe(time.Since(start).Seconds())
	return runErr
}

// buildArchive produces the final archive file and returns its path and
// the number of files it captured.
func (e *Executor) buildArchive(ctx context.Context, b *models.Backup, req Request, prog *progressReporter, tempDir string) (string, int, error) {
	if err := CheckDiskSpace(e.cfg.BackupDir, e.cfg.MinFreeBytes); err != nil {
		return "", 0, err
	}
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	plainPath := filepath.Join(tempDir, "archive.zip")
	var fileCount int

	switch b.Kind {
	case models.BackupKindIncremental, models.BackupKindDifferential:
		n, err := e.buildIncremental(ctx, b, req, prog, tempDir, plainPath)
		if err != nil {
			return "", 0, err
		}
		fileCount = n
	default:
		n, err := e.buildFull(ctx, b, prog, plainPath)
		if err != nil {
			return "", 0, err
		}
		fileCount = n
	}

	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	finalPath, err := e.sealArchive(b, plainPath, tempDir)
	if err != nil {
		return "", 0, err
	}
	return finalPath, fileCount, nil
}

func (e *Executor) buildFull(ctx context.Context, b *models.Backup, prog *progressReporter, destPath string) (int, error) {
	dump, fallback, err := e.dump(ctx)
	if err != nil {
		return 0, fmt.Errorf("dump database: %w", err)
	}
	prog.report(30, "database dumped", 0, 0)
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	snapshots, err := e.scanner.Scan(ctx, e.cfg.Roots, e.cfg.Excludes)
	if err != nil {
		return 0, fmt.Errorf("scan roots: %w", err)
	}
	filesZip, err := e.archiver.BuildFilesZip(ctx, snapshots, func(processed, total int) {
		prog.report(30+60*processed/total, "compressing files", processed, total)
	})
	if err != nil {
		return 0, fmt.Errorf("compress files: %w", err)
	}
	prog.report(90, "files compressed", len(snapshots), len(snapshots))

	meta := Metadata{
		Version:        MetadataVersion,
		BackupID:       b.ID.String(),
		Name:           b.Name,
		Description:    b.Description,
		Kind:           b.Kind,
		CreatedAt:      b.CreatedAt,
		FileCount:      len(snapshots),
		TotalBytes:     totalBytes(snapshots),
		DatabaseDumped: len(dump) > 0,
		DumpFallback:   fallback,
	}
	if err := e.archiver.BuildFull(destPath, FullArchive{
		DatabaseDump: dump,
		FilesZip:     filesZip,
		Manifest:     Manifest(snapshots),
		Metadata:     meta,
	}); err != nil {
		return 0, fmt.Errorf("build archive: %w", err)
	}
	return len(snapshots), nil
}

func (e *Executor) buildIncremental(ctx context.Context, b *models.Backup, req Request, prog *progressReporter, tempDir, destPath string) (int, error) {
	base, err := e.resolveBase(ctx, req.Kind, req.BaseBackupID)
	if err != nil {
		return 0, err
	}
	b.BaseBackupID = &base.ID

	baseline := e.loadBaseManifest(base, tempDir)
	prog.report(10, "scanning", 0, 0)
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	snapshots, err := e.scanner.Scan(ctx, e.cfg.Roots, e.cfg.Excludes)
	if err != nil {
		return 0, fmt.Errorf("scan roots: %w", err)
	}
	changes := Diff(snapshots, map[string]FileSnapshot(baseline))

	dbChanged, err := DatabaseChangedSince(ctx, e.store, base.CreatedAt)
	if err != nil {
		e.logger.Warn().Err(err).Msg("database change detection failed, assuming changed")
		dbChanged = true
	}

	var dump []byte
	var fallback bool
	if dbChanged {
		dump, fallback, err = e.dump(ctx)
		if err != nil {
			return 0, fmt.Errorf("dump database: %w", err)
		}
	}
	prog.report(30, "changes detected", 0, 0)
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	changed := make(map[string]FileSnapshot)
	for _, ch := range changes.Changes {
		if ch.Action == ChangeAdded || ch.Action == ChangeModified {
			changed[ch.Path] = snapshots[ch.Path]
		}
	}
	var filesZip []byte
	if len(changed) > 0 {
		filesZip, err = e.archiver.BuildFilesZip(ctx, changed, func(processed, total int) {
			prog.report(30+60*processed/total, "compressing changed files", processed, total)
		})
		if err != nil {
			return 0, fmt.Errorf("compress changed files: %w", err)
		}
	}
	prog.report(90, "changes compressed", len(changed), len(changed))

	meta := Metadata{
		Version:         MetadataVersion,
		BackupID:        b.ID.String(),
		Name:            b.Name,
		Description:     b.Description,
		Kind:            b.Kind,
		CreatedAt:       b.CreatedAt,
		BaseBackupID:    base.ID.String(),
		FileCount:       len(changed),
		TotalBytes:      totalBytes(changed),
		DatabaseDumped:  len(dump) > 0,
		DumpFallback:    fallback,
		DatabaseChanged: dbChanged,
		Added:           changes.Added,
		Modified:        changes.Modified,
		Deleted:         changes.Deleted,
	}
	if err := e.archiver.BuildIncremental(destPath, IncrementalArchive{
		Changes:      changes,
		FilesZip:     filesZip,
		DatabaseDump: dump,
		Manifest:     Manifest(snapshots),
		Metadata:     meta,
	}); err != nil {
		return 0, fmt.Errorf("build archive: %w", err)
	}
	return len(changed), nil
}

// resolveBase picks the diff base: the explicit id if given, else the most
// recent completed backup. Differential runs always diff against the most
// recent completed full backup so every differential carries the complete
// delta since that full.
func (e *Executor) resolveBase(ctx context.Context, kind models.BackupKind, baseID *uuid.UUID) (*models.Backup, error) {
	if baseID != nil {
		base, err := e.store.GetBackupByID(ctx, *baseID)
		if err != nil {
			return nil, fmt.Errorf("load base backup: %w", err)
		}
		if base.Status != models.BackupStatusCompleted {
			return nil, fmt.Errorf("%w: base backup %s is %s, not completed", models.ErrValidation, base.ID, base.Status)
		}
		return base, nil
	}
	var (
		base *models.Backup
		err  error
	)
	if kind == models.BackupKindDifferential {
		base, err = e.store.LatestCompletedFullBackup(ctx)
	} else {
		base, err = e.store.LatestCompletedBackup(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoBaseBackup, err)
	}
	return base, nil
}

// loadBaseManifest reads the manifest entry of the base archive. Any
// failure degrades to an empty baseline, which makes every current file
// read as added; that over-captures but never loses data.
func (e *Executor) loadBaseManifest(base *models.Backup, tempDir string) Manifest {
	path := base.FilePath
	if path == "" {
		e.logger.Warn().Str("base_id", base.ID.String()).Msg("base backup has no archive, using empty baseline")
		return Manifest{}
	}

	if base.IsEncrypted {
		decrypted, err := e.decryptToTemp(path, tempDir)
		if err != nil {
			e.logger.Warn().Err(err).Str("base_id", base.ID.String()).Msg("cannot decrypt base archive, using empty baseline")
			return Manifest{}
		}
		path = decrypted
	}

	manifest, err := ReadManifest(path)
	if err != nil {
		e.logger.Warn().Err(err).Str("base_id", base.ID.String()).Msg("cannot read base manifest, using empty baseline")
		return Manifest{}
	}
	return manifest
}

// decryptToTemp decrypts an envelope-wrapped archive into the run temp dir.
func (e *Executor) decryptToTemp(path, tempDir string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read archive: %w", err)
	}
	env, err := crypto.ParseEnvelope(data)
	if err != nil {
		return "", err
	}
	key, err := e.keys.Key(env.KeyID)
	if err != nil {
		key, err = e.keys.DefaultKey()
		if err != nil {
			return "", err
		}
	}
	plain, err := crypto.Decrypt(env, key)
	if err != nil {
		return "", err
	}
	out := filepath.Join(tempDir, "base.zip")
	if err := os.WriteFile(out, plain, 0600); err != nil {
		return "", fmt.Errorf("write decrypted base: %w", err)
	}
	return out, nil
}

// sealArchive moves the built container to its final destination,
// encrypting it first when requested. The destination never holds a
// partial file.
func (e *Executor) sealArchive(b *models.Backup, plainPath, tempDir string) (string, error) {
	name := archiveFilename(b)
	if !b.IsEncrypted {
		finalPath := filepath.Join(e.cfg.BackupDir, name)
		if err := os.Rename(plainPath, finalPath); err != nil {
			return "", fmt.Errorf("move archive into place: %w", err)
		}
		return finalPath, nil
	}

	plain, err := os.ReadFile(plainPath)
	if err != nil {
		return "", fmt.Errorf("read archive for encryption: %w", err)
	}
	key, err := e.keys.DefaultKey()
	if err != nil {
		return "", fmt.Errorf("load encryption key: %w", err)
	}
	env, err := crypto.Encrypt(plain, key, name)
	if err != nil {
		return "", fmt.Errorf("encrypt archive: %w", err)
	}
	sealed, err := env.Marshal()
	if err != nil {
		return "", err
	}

	encTemp := filepath.Join(tempDir, "archive.zip.enc")
	if err := os.WriteFile(encTemp, sealed, 0600); err != nil {
		return "", fmt.Errorf("write encrypted archive: %w", err)
	}
	finalPath := filepath.Join(e.cfg.BackupDir, name+".enc")
	if err := os.Rename(encTemp, finalPath); err != nil {
		return "", fmt.Errorf("move encrypted archive into place: %w", err)
	}
	return finalPath, nil
}

// mirrorArchive uploads the finished archive for CLOUD and HYBRID
// locations. Upload failure never fails the backup: the location is
// downgraded to LOCAL with a warning so operators know the copy is
// local-only.
func (e *Executor) mirrorArchive(ctx context.Context, b *models.Backup) {
	if b.Location != models.StorageLocationCloud && b.Location != models.StorageLocationHybrid {
		return
	}

	var err error
	if e.mirror == nil {
		err = ErrMirrorUnconfigured
	} else {
		err = e.mirror.Upload(ctx, b.FilePath, filepath.Base(b.FilePath))
	}
	if err == nil {
		return
	}

	e.logger.Warn().Err(err).Str("backup_id", b.ID.String()).Msg("cloud mirror failed, downgrading to local")
	b.Location = models.StorageLocationLocal
	if uerr := e.store.UpdateBackup(context.WithoutCancel(ctx), b); uerr != nil {
		e.logger.Error().Err(uerr).Str("backup_id", b.ID.String()).Msg("persist location downgrade failed")
	}
	e.audit(ctx, &b.ID, models.ActionCloudMirrorFailed, models.LogStatusError,
		fmt.Sprintf("cloud mirror failed, archive kept local only: %v", err), b.CreatedBy, nil)
}

func (e *Executor) audit(ctx context.Context, backupID *uuid.UUID, action string, status models.LogStatus, message, createdBy string, details map[string]any) {
	log := models.NewBackupLog(backupID, action, status, message, createdBy)
	if details != nil {
		log.WithDetails(details)
	}
	if err := e.store.CreateBackupLog(context.WithoutCancel(ctx), log); err != nil {
		e.logger.Warn().Err(err).Str("action", action).Msg("audit log write failed")
	}
}

// archiveFilename is the on-disk name: <id>_<creation timestamp>.zip.
func archiveFilename(b *models.Backup) string {
	return fmt.Sprintf("%s_%s.zip", b.ID, b.CreatedAt.UTC().Format("20060102T150405Z"))
}

func totalBytes(files map[string]FileSnapshot) int64 {
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return total
}
