package backup

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stashguard/stashguard/internal/crypto"
	"github.com/stashguard/stashguard/internal/metrics"
	"github.com/stashguard/stashguard/internal/models"
)

// StalenessThreshold is the age past which a backup is flagged during
// verification to force operator attention.
const StalenessThreshold = 365 * 24 * time.Hour

// minDumpBytes is the size below which an embedded database dump is
// considered suspiciously small.
const minDumpBytes = 128

// VerifierStore is the persistence surface the verifier needs.
type VerifierStore interface {
	GetBackupByID(ctx context.Context, id uuid.UUID) (*models.Backup, error)
	CompletedBackups(ctx context.Context) ([]*models.Backup, error)
	UpdateBackup(ctx context.Context, b *models.Backup) error
	CreateBackupLog(ctx context.Context, l *models.BackupLog) error
	GetVerificationStats(ctx context.Context) (*models.VerificationStats, error)
}

// Verifier validates stored backup archives: existence, checksum,
// structural well-formedness, encryption round-trip viability, and
// metadata sanity.
type Verifier struct {
	store   VerifierStore
	keys    *crypto.KeyManager
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewVerifier creates a Verifier.
func NewVerifier(store VerifierStore, keys *crypto.KeyManager, m *metrics.Metrics, logger zerolog.Logger) *Verifier {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Verifier{
		store:   store,
		keys:    keys,
		metrics: m,
		logger:  logger.With().Str("component", "verifier").Logger(),
	}
}

// Verify checks one backup's archive. Each check is recorded
// independently so one failure does not hide the diagnostics of the
// others. The result is persisted on the backup record (checksum refresh)
// together with one summary audit log entry.
func (v *Verifier) Verify(ctx context.Context, id uuid.UUID) (*models.VerificationResult, error) {
	b, err := v.store.GetBackupByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status == models.BackupStatusInProgress {
		return nil, fmt.Errorf("%w: backup %s is still in progress", models.ErrValidation, id)
	}

	res := v.inspect(b)

	// Refresh the recorded checksum and surface the verdict.
	if res.Checksum != "" {
		b.Checksum = res.Checksum
	}
	if res.IsValid {
		// A passing verify supersedes any verdict left by an earlier failed one.
		b.ErrorMessage = ""
	} else {
		b.ErrorMessage = fmt.Sprintf("verification failed: %d errors", len(res.Errors))
	}
	if err := v.store.UpdateBackup(ctx, b); err != nil {
		v.logger.Warn().Err(err).Str("backup_id", id.String()).Msg("persist verification result failed")
	}

	status := models.LogStatusSuccess
	if !res.IsValid {
		status = models.LogStatusError
	}
	log := models.NewBackupLog(&b.ID, models.ActionBackupVerified, status,
		fmt.Sprintf("backup %q verified: %d errors, %d warnings", b.Name, len(res.Errors), len(res.Warnings)), "system").
		WithDetails(map[string]any{
			"is_valid": res.IsValid,
			"errors":   len(res.Errors),
			"warnings": len(res.Warnings),
		})
	if err := v.store.CreateBackupLog(ctx, log); err != nil {
		v.logger.Warn().Err(err).Msg("audit log write failed")
	}

	result := "valid"
	if !res.IsValid {
		result = "invalid"
	}
	v.metrics.VerificationsTotal.WithLabelValues(result).Inc()
	return res, nil
}

// inspect runs all checks without touching the store.
func (v *Verifier) inspect(b *models.Backup) *models.VerificationResult {
	res := &models.VerificationResult{
		BackupID:    b.ID,
		IsEncrypted: b.IsEncrypted,
		VerifiedAt:  time.Now().UTC(),
	}

	// Staleness is an error that forces operator attention but does not
	// gate the validity verdict computed from the other checks.
	if time.Since(b.CreatedAt) > StalenessThreshold {
		res.AddError(fmt.Sprintf("backup is older than %d days", int(StalenessThreshold.Hours()/24)))
	}

	data, ok := v.checkFile(b, res)
	if !ok {
		return res
	}
	res.Checksum = crypto.Hash(data)

	archive := v.checkEncryption(b, data, res)
	if archive == nil {
		return res
	}

	zr := v.checkArchive(archive, res)
	if zr == nil {
		return res
	}

	meta := v.checkMetadata(b, zr, res)
	v.checkDatabase(meta, zr, res)

	res.IsValid = res.FileExists && res.ArchiveValid && res.MetadataValid && res.DatabaseValid &&
		(!res.IsEncrypted || (res.EncryptionValid != nil && *res.EncryptionValid))
	return res
}

func (v *Verifier) checkFile(b *models.Backup, res *models.VerificationResult) ([]byte, bool) {
	if b.FilePath == "" {
		res.AddError("backup has no archive path")
		return nil, false
	}
	info, err := os.Stat(b.FilePath)
	if err != nil {
		res.AddError(fmt.Sprintf("archive missing: %v", err))
		return nil, false
	}
	if info.Size() == 0 {
		res.AddError("archive is empty")
		return nil, false
	}
	res.FileExists = true

	data, err := os.ReadFile(b.FilePath)
	if err != nil {
		res.AddError(fmt.Sprintf("archive unreadable: %v", err))
		return nil, false
	}
	return data, true
}

// checkEncryption validates the envelope and performs a decryption
// round trip in memory. It returns the plaintext archive bytes for the
// structural checks, or nil when they cannot proceed.
func (v *Verifier) checkEncryption(b *models.Backup, data []byte, res *models.VerificationResult) []byte {
	if !b.IsEncrypted {
		if crypto.IsEnvelope(data) {
			res.AddError("archive is encrypted but the record says it is not")
			return nil
		}
		return data
	}

	valid := false
	res.EncryptionValid = &valid

	env, err := crypto.ParseEnvelope(data)
	if err != nil {
		res.AddError(fmt.Sprintf("invalid encryption envelope: %v", err))
		return nil
	}
	key, err := v.keys.Key(env.KeyID)
	if err != nil {
		key, err = v.keys.DefaultKey()
		if err != nil {
			res.AddError("no encryption key available")
			return nil
		}
	}
	plain, err := crypto.Decrypt(env, key)
	if err != nil {
		res.AddError(fmt.Sprintf("decryption failed: %v", err))
		return nil
	}
	valid = true
	return plain
}

func (v *Verifier) checkArchive(archive []byte, res *models.VerificationResult) *zip.Reader {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		res.AddError(fmt.Sprintf("archive is not a valid container: %v", err))
		return nil
	}
	res.ArchiveValid = true
	return zr
}

func (v *Verifier) checkMetadata(b *models.Backup, zr *zip.Reader, res *models.VerificationResult) *Metadata {
	data, err := readZipEntry(zr, EntryMetadata)
	if err != nil {
		res.AddError(fmt.Sprintf("metadata entry: %v", err))
		return nil
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		res.AddError(fmt.Sprintf("metadata malformed: %v", err))
		return nil
	}
	if meta.Version < 1 {
		res.AddError(fmt.Sprintf("metadata has invalid version %d", meta.Version))
		return nil
	}
	if meta.BackupID != "" && meta.BackupID != b.ID.String() {
		res.AddError(fmt.Sprintf("metadata belongs to backup %s", meta.BackupID))
		return &meta
	}
	res.MetadataValid = true
	return &meta
}

func (v *Verifier) checkDatabase(meta *Metadata, zr *zip.Reader, res *models.VerificationResult) {
	if meta == nil || !meta.DatabaseDumped {
		// Nothing claimed, nothing to validate.
		res.DatabaseValid = true
		return
	}

	dump, err := readZipEntry(zr, EntryDatabase)
	if err != nil {
		res.AddError("metadata claims a database dump but the entry is missing")
		return
	}
	res.DatabaseValid = true
	if meta.DumpFallback {
		res.AddWarning("database entry is a placeholder export, not real data")
	}
	if len(dump) < minDumpBytes {
		res.AddWarning(fmt.Sprintf("database dump is suspiciously small (%d bytes)", len(dump)))
	}
}

// VerifyAll verifies every completed backup. A single backup's failure is
// recorded and does not abort the batch.
func (v *Verifier) VerifyAll(ctx context.Context) (*models.BatchVerificationResult, error) {
	backups, err := v.store.CompletedBackups(ctx)
	if err != nil {
		return nil, err
	}

	batch := &models.BatchVerificationResult{Total: len(backups)}
	for _, b := range backups {
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		res, err := v.Verify(ctx, b.ID)
		if err != nil {
			batch.Invalid++
			batch.Errors = append(batch.Errors, fmt.Sprintf("%s: %v", b.ID, err))
			continue
		}
		if res.IsValid {
			batch.Valid++
		} else {
			batch.Invalid++
			batch.Errors = append(batch.Errors, fmt.Sprintf("%s: %d errors", b.ID, len(res.Errors)))
		}
	}
	return batch, nil
}

// Stats returns the aggregate verification state across all backups.
func (v *Verifier) Stats(ctx context.Context) (*models.VerificationStats, error) {
	return v.store.GetVerificationStats(ctx)
}
