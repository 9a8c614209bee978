package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stashguard/stashguard/internal/crypto"
	"github.com/stashguard/stashguard/internal/models"
)

// completedBackup runs a real full backup so verification operates on a
// genuine archive.
func completedBackup(t *testing.T, env *execEnv) *models.Backup {
	t.Helper()
	writeTree(t, env.dataRoot, map[string]string{"data.txt": "payload"})
	exec := env.executor(t, ExecutorOptions{})
	b, err := exec.ExecuteSync(context.Background(), Request{
		Name: "verify-me", Kind: models.BackupKindFull,
		Location: models.StorageLocationLocal, RetentionDays: 30, CreatedBy: "tester",
	})
	if err != nil {
		t.Fatalf("backup run: %v", err)
	}
	return b
}

func TestVerify(t *testing.T) {
	t.Run("valid archive", func(t *testing.T) {
		env := newExecEnv(t)
		b := completedBackup(t, env)

		v := NewVerifier(env.store, env.keys, nil, zerolog.Nop())
		res, err := v.Verify(context.Background(), b.ID)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if !res.IsValid {
			t.Fatalf("valid archive reported invalid: %v", res.Errors)
		}
		if !res.FileExists || !res.ArchiveValid || !res.MetadataValid || !res.DatabaseValid {
			t.Errorf("check flags: %+v", res)
		}
		if res.Checksum != b.Checksum {
			t.Error("verification checksum differs from recorded checksum")
		}
		if res.EncryptionValid != nil {
			t.Error("unencrypted backup carries an encryption verdict")
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		env := newExecEnv(t)
		b := completedBackup(t, env)
		v := NewVerifier(env.store, env.keys, nil, zerolog.Nop())

		first, err := v.Verify(context.Background(), b.ID)
		if err != nil {
			t.Fatalf("first Verify: %v", err)
		}
		second, err := v.Verify(context.Background(), b.ID)
		if err != nil {
			t.Fatalf("second Verify: %v", err)
		}
		if first.IsValid != second.IsValid || first.Checksum != second.Checksum {
			t.Error("repeated verification changed its verdict")
		}
	})

	t.Run("missing archive", func(t *testing.T) {
		env := newExecEnv(t)
		b := completedBackup(t, env)
		if err := os.Remove(b.FilePath); err != nil {
			t.Fatalf("remove archive: %v", err)
		}

		v := NewVerifier(env.store, env.keys, nil, zerolog.Nop())
		res, err := v.Verify(context.Background(), b.ID)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if res.IsValid || res.FileExists {
			t.Error("missing archive reported valid")
		}
		if len(res.Errors) == 0 {
			t.Error("missing archive produced no diagnostics")
		}
	})

	t.Run("corrupted archive", func(t *testing.T) {
		env := newExecEnv(t)
		b := completedBackup(t, env)
		if err := os.WriteFile(b.FilePath, []byte("not a zip at all"), 0600); err != nil {
			t.Fatalf("corrupt archive: %v", err)
		}

		v := NewVerifier(env.store, env.keys, nil, zerolog.Nop())
		res, err := v.Verify(context.Background(), b.ID)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if res.IsValid || res.ArchiveValid {
			t.Error("corrupted archive reported valid")
		}
	})

	t.Run("passing verify clears failed verdict", func(t *testing.T) {
		env := newExecEnv(t)
		b := completedBackup(t, env)
		archive, err := os.ReadFile(b.FilePath)
		if err != nil {
			t.Fatalf("read archive: %v", err)
		}
		if err := os.Remove(b.FilePath); err != nil {
			t.Fatalf("remove archive: %v", err)
		}

		v := NewVerifier(env.store, env.keys, nil, zerolog.Nop())
		if _, err := v.Verify(context.Background(), b.ID); err != nil {
			t.Fatalf("Verify: %v", err)
		}
		failed, err := env.store.GetBackupByID(context.Background(), b.ID)
		if err != nil {
			t.Fatalf("GetBackupByID: %v", err)
		}
		if failed.ErrorMessage == "" {
			t.Fatal("failed verification left no error message")
		}

		// Put the archive back; the next verify supersedes the verdict.
		if err := os.WriteFile(b.FilePath, archive, 0600); err != nil {
			t.Fatalf("restore archive: %v", err)
		}
		res, err := v.Verify(context.Background(), b.ID)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if !res.IsValid {
			t.Fatalf("restored archive reported invalid: %v", res.Errors)
		}
		healed, err := env.store.GetBackupByID(context.Background(), b.ID)
		if err != nil {
			t.Fatalf("GetBackupByID: %v", err)
		}
		if healed.ErrorMessage != "" {
			t.Errorf("stale error message survived a passing verify: %q", healed.ErrorMessage)
		}
	})

	t.Run("in progress rejected", func(t *testing.T) {
		env := newExecEnv(t)
		b := models.NewBackup("busy", "", models.BackupKindFull, models.StorageLocationLocal, false, 30, "tester")
		b.Start()
		if err := env.store.CreateBackup(context.Background(), b); err != nil {
			t.Fatalf("CreateBackup: %v", err)
		}

		v := NewVerifier(env.store, env.keys, nil, zerolog.Nop())
		if _, err := v.Verify(context.Background(), b.ID); !errors.Is(err, models.ErrValidation) {
			t.Errorf("err = %v, want ErrValidation", err)
		}
	})
}

func TestVerifyEncrypted(t *testing.T) {
	t.Run("right key", func(t *testing.T) {
		env := newExecEnv(t)
		env.keys.AddPasswordWithSalt("correct", []byte("0123456789abcdef"), 1000)
		writeTree(t, env.dataRoot, map[string]string{"s.txt": "secret"})
		exec := env.executor(t, ExecutorOptions{})
		b, err := exec.ExecuteSync(context.Background(), Request{
			Name: "enc", Kind: models.BackupKindFull, Encrypted: true,
			Location: models.StorageLocationLocal, RetentionDays: 30, CreatedBy: "tester",
		})
		if err != nil {
			t.Fatalf("backup run: %v", err)
		}

		v := NewVerifier(env.store, env.keys, nil, zerolog.Nop())
		res, err := v.Verify(context.Background(), b.ID)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if !res.IsValid {
			t.Fatalf("encrypted archive reported invalid: %v", res.Errors)
		}
		if res.EncryptionValid == nil || !*res.EncryptionValid {
			t.Error("encryption round trip not confirmed")
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		env := newExecEnv(t)
		env.keys.AddPasswordWithSalt("correct", []byte("0123456789abcdef"), 1000)
		writeTree(t, env.dataRoot, map[string]string{"s.txt": "secret"})
		exec := env.executor(t, ExecutorOptions{})
		b, err := exec.ExecuteSync(context.Background(), Request{
			Name: "enc", Kind: models.BackupKindFull, Encrypted: true,
			Location: models.StorageLocationLocal, RetentionDays: 30, CreatedBy: "tester",
		})
		if err != nil {
			t.Fatalf("backup run: %v", err)
		}

		// A verifier holding only a different key cannot open the archive.
		wrongKeys := crypto.NewKeyManager(zerolog.Nop())
		wrongKeys.AddPasswordWithSalt("wrong", []byte("fedcba9876543210"), 1000)

		v := NewVerifier(env.store, wrongKeys, nil, zerolog.Nop())
		res, err := v.Verify(context.Background(), b.ID)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if res.IsValid {
			t.Error("archive verified with the wrong key")
		}
		if res.EncryptionValid == nil || *res.EncryptionValid {
			t.Error("encryption verdict not false for wrong key")
		}
	})

	t.Run("envelope without record flag", func(t *testing.T) {
		env := newExecEnv(t)
		key := env.keys.AddPasswordWithSalt("k", []byte("0123456789abcdef"), 1000)

		envlp, err := crypto.Encrypt([]byte("ciphertext payload"), key, "x.zip")
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		sealed, err := envlp.Marshal()
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		path := filepath.Join(t.TempDir(), "x.zip")
		if err := os.WriteFile(path, sealed, 0600); err != nil {
			t.Fatalf("write: %v", err)
		}

		b := models.NewBackup("mislabeled", "", models.BackupKindFull, models.StorageLocationLocal, false, 30, "tester")
		b.Complete(path, int64(len(sealed)), crypto.Hash(sealed))
		if err := env.store.CreateBackup(context.Background(), b); err != nil {
			t.Fatalf("CreateBackup: %v", err)
		}

		v := NewVerifier(env.store, env.keys, nil, zerolog.Nop())
		res, err := v.Verify(context.Background(), b.ID)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if res.IsValid {
			t.Error("mislabeled encrypted archive reported valid")
		}
	})
}

func TestVerifyStaleness(t *testing.T) {
	env := newExecEnv(t)
	b := completedBackup(t, env)

	// Age the record past the staleness threshold. The archive itself is
	// intact, so the verdict stays valid while the age error surfaces.
	old := models.NewBackup("ancient", "", models.BackupKindFull, models.StorageLocationLocal, false, 0, "tester")
	old.CreatedAt = time.Now().UTC().Add(-StalenessThreshold - 24*time.Hour)

	builder := testBuilder(t)
	path := filepath.Join(t.TempDir(), "old.zip")
	err := builder.BuildFull(path, FullArchive{
		Manifest: Manifest{},
		Metadata: Metadata{Version: MetadataVersion, BackupID: old.ID.String(), Name: old.Name, CreatedAt: old.CreatedAt},
	})
	if err != nil {
		t.Fatalf("BuildFull: %v", err)
	}
	sum, err := crypto.HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	old.Complete(path, 1, sum)
	if err := env.store.CreateBackup(context.Background(), old); err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}

	v := NewVerifier(env.store, env.keys, nil, zerolog.Nop())
	res, err := v.Verify(context.Background(), old.ID)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !res.IsValid {
		t.Errorf("staleness gated the validity verdict: %v", res.Errors)
	}
	if len(res.Errors) == 0 {
		t.Error("stale backup produced no age error")
	}

	// The fresh backup stays clean.
	fresh, err := v.Verify(context.Background(), b.ID)
	if err != nil {
		t.Fatalf("Verify fresh: %v", err)
	}
	if len(fresh.Errors) != 0 {
		t.Errorf("fresh backup has errors: %v", fresh.Errors)
	}
}

func TestVerifyAll(t *testing.T) {
	env := newExecEnv(t)
	completedBackup(t, env)

	bad := completedBackup(t, env)
	if err := os.Remove(bad.FilePath); err != nil {
		t.Fatalf("remove archive: %v", err)
	}

	v := NewVerifier(env.store, env.keys, nil, zerolog.Nop())
	batch, err := v.VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("VerifyAll: %v", err)
	}
	if batch.Total != 2 || batch.Valid != 1 || batch.Invalid != 1 {
		t.Errorf("batch = %d/%d/%d, want total 2, valid 1, invalid 1", batch.Total, batch.Valid, batch.Invalid)
	}
	if len(batch.Errors) != 1 {
		t.Errorf("batch errors = %v", batch.Errors)
	}
}
