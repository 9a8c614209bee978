package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stashguard/stashguard/internal/backup"
	"github.com/stashguard/stashguard/internal/crypto"
	"github.com/stashguard/stashguard/internal/db"
	"github.com/stashguard/stashguard/internal/models"
)

type testServer struct {
	router *gin.Engine
	store  *db.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dataRoot := t.TempDir()
	require.NoError(t, writeFixture(dataRoot))

	keys := crypto.NewKeyManager(zerolog.Nop())
	archiver, err := backup.NewArchiveBuilder(backup.DefaultCompressionLevel, zerolog.Nop())
	require.NoError(t, err)

	backupDir := t.TempDir()
	executor := backup.NewExecutor(backup.ExecutorOptions{
		Store:    store,
		Scanner:  backup.NewScanner(zerolog.Nop()),
		Archiver: archiver,
		Keys:     keys,
		Config: backup.ExecutorConfig{
			BackupDir: backupDir,
			Roots:     []string{dataRoot},
		},
		Logger: zerolog.Nop(),
	})

	router := NewRouter(Services{
		Store:     store,
		Executor:  executor,
		Verifier:  backup.NewVerifier(store, keys, nil, zerolog.Nop()),
		Registry:  prometheus.NewRegistry(),
		BackupDir: backupDir,
		Logger:    zerolog.Nop(),
	})

	return &testServer{router: router, store: store}
}

func writeFixture(root string) error {
	return os.WriteFile(filepath.Join(root, "data.txt"), []byte("fixture payload"), 0644)
}

func (ts *testServer) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
}

// runBackup starts a backup through the API and waits for completion.
func (ts *testServer) runBackup(t *testing.T, name string) *models.Backup {
	t.Helper()
	w := ts.request(t, http.MethodPost, "/api/v1/backups", gin.H{
		"name": name, "kind": "full", "retention_days": 30, "created_by": "tester",
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var resp struct {
		Backup models.Backup `json:"backup"`
	}
	decode(t, w, &resp)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		b, err := ts.store.GetBackupByID(context.Background(), resp.Backup.ID)
		require.NoError(t, err)
		if b.IsTerminal() {
			require.Equal(t, models.BackupStatusCompleted, b.Status, b.ErrorMessage)
			return b
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("backup never completed")
	return nil
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	w := ts.request(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	w := ts.request(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateBackup(t *testing.T) {
	t.Run("runs to completion", func(t *testing.T) {
		ts := newTestServer(t)
		b := ts.runBackup(t, "api-run")
		assert.Equal(t, "api-run", b.Name)
		assert.NotEmpty(t, b.Checksum)
		assert.Positive(t, b.SizeBytes)
	})

	t.Run("invalid kind rejected", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.request(t, http.MethodPost, "/api/v1/backups", gin.H{
			"name": "bad", "kind": "snapshot",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing name rejected", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.request(t, http.MethodPost, "/api/v1/backups", gin.H{"kind": "full"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("encryption without key rejected", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.request(t, http.MethodPost, "/api/v1/backups", gin.H{
			"name": "enc", "kind": "full", "is_encrypted": true,
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestListAndGetBackups(t *testing.T) {
	ts := newTestServer(t)
	b := ts.runBackup(t, "listed")

	t.Run("list", func(t *testing.T) {
		w := ts.request(t, http.MethodGet, "/api/v1/backups", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Backups []models.Backup `json:"backups"`
		}
		decode(t, w, &resp)
		require.Len(t, resp.Backups, 1)
		assert.Equal(t, b.ID, resp.Backups[0].ID)
	})

	t.Run("list filtered by status", func(t *testing.T) {
		w := ts.request(t, http.MethodGet, "/api/v1/backups?status=failed", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Backups []models.Backup `json:"backups"`
		}
		decode(t, w, &resp)
		assert.Empty(t, resp.Backups)
	})

	t.Run("get by id", func(t *testing.T) {
		w := ts.request(t, http.MethodGet, "/api/v1/backups/"+b.ID.String(), nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("unknown id", func(t *testing.T) {
		w := ts.request(t, http.MethodGet, "/api/v1/backups/"+uuid.NewString(), nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("malformed id", func(t *testing.T) {
		w := ts.request(t, http.MethodGet, "/api/v1/backups/not-a-uuid", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestDeleteBackup(t *testing.T) {
	ts := newTestServer(t)
	b := ts.runBackup(t, "doomed")

	w := ts.request(t, http.MethodDelete, "/api/v1/backups/"+b.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.request(t, http.MethodGet, "/api/v1/backups/"+b.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelCompletedBackup(t *testing.T) {
	ts := newTestServer(t)
	b := ts.runBackup(t, "done")

	w := ts.request(t, http.MethodPost, "/api/v1/backups/"+b.ID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSchedules(t *testing.T) {
	t.Run("create and fetch", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.request(t, http.MethodPost, "/api/v1/schedules", gin.H{
			"name": "nightly", "frequency": "daily", "time_of_day": "02:00",
			"retention_days": 14, "created_by": "tester",
		})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		var resp struct {
			Schedule models.BackupSchedule `json:"schedule"`
		}
		decode(t, w, &resp)
		assert.True(t, resp.Schedule.IsActive)
		assert.False(t, resp.Schedule.NextRun.IsZero())
		assert.Equal(t, 14, resp.Schedule.RetentionDays)

		w = ts.request(t, http.MethodGet, "/api/v1/schedules/"+resp.Schedule.ID.String(), nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("malformed time rejected", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.request(t, http.MethodPost, "/api/v1/schedules", gin.H{
			"name": "bad", "frequency": "daily", "time_of_day": "25:99",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("day of month out of range rejected", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.request(t, http.MethodPost, "/api/v1/schedules", gin.H{
			"name": "bad", "frequency": "monthly", "time_of_day": "02:00", "day_of_month": 32,
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("toggle", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.request(t, http.MethodPost, "/api/v1/schedules", gin.H{
			"name": "flip", "frequency": "daily", "time_of_day": "02:00",
		})
		require.Equal(t, http.StatusCreated, w.Code)
		var resp struct {
			Schedule models.BackupSchedule `json:"schedule"`
		}
		decode(t, w, &resp)

		w = ts.request(t, http.MethodPost, "/api/v1/schedules/"+resp.Schedule.ID.String()+"/toggle", nil)
		require.Equal(t, http.StatusOK, w.Code)
		decode(t, w, &resp)
		assert.False(t, resp.Schedule.IsActive)

		w = ts.request(t, http.MethodPost, "/api/v1/schedules/"+resp.Schedule.ID.String()+"/toggle", nil)
		require.Equal(t, http.StatusOK, w.Code)
		decode(t, w, &resp)
		assert.True(t, resp.Schedule.IsActive)
	})

	t.Run("update recomputes next run", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.request(t, http.MethodPost, "/api/v1/schedules", gin.H{
			"name": "mutable", "frequency": "daily", "time_of_day": "02:00",
		})
		require.Equal(t, http.StatusCreated, w.Code)
		var resp struct {
			Schedule models.BackupSchedule `json:"schedule"`
		}
		decode(t, w, &resp)

		w = ts.request(t, http.MethodPut, "/api/v1/schedules/"+resp.Schedule.ID.String(), gin.H{
			"name": "mutable", "frequency": "weekly", "time_of_day": "03:00",
			"days_of_week": []int{1},
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		decode(t, w, &resp)
		assert.Equal(t, models.FrequencyWeekly, resp.Schedule.Frequency)
		assert.Equal(t, time.Monday, resp.Schedule.NextRun.Weekday())
	})

	t.Run("delete", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.request(t, http.MethodPost, "/api/v1/schedules", gin.H{
			"name": "gone", "frequency": "daily", "time_of_day": "02:00",
		})
		require.Equal(t, http.StatusCreated, w.Code)
		var resp struct {
			Schedule models.BackupSchedule `json:"schedule"`
		}
		decode(t, w, &resp)

		w = ts.request(t, http.MethodDelete, "/api/v1/schedules/"+resp.Schedule.ID.String(), nil)
		require.Equal(t, http.StatusOK, w.Code)
		w = ts.request(t, http.MethodGet, "/api/v1/schedules/"+resp.Schedule.ID.String(), nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("stats", func(t *testing.T) {
		ts := newTestServer(t)
		w := ts.request(t, http.MethodGet, "/api/v1/schedules/stats", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestLogsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	b := ts.runBackup(t, "audited")

	w := ts.request(t, http.MethodGet, "/api/v1/logs?backup_id="+b.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var page db.LogPage
	decode(t, w, &page)
	// At least the started and completed entries.
	assert.GreaterOrEqual(t, page.Total, 2)

	w = ts.request(t, http.MethodGet, "/api/v1/logs?from=not-a-time", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVerificationEndpoints(t *testing.T) {
	ts := newTestServer(t)
	b := ts.runBackup(t, "checkable")

	t.Run("verify one", func(t *testing.T) {
		w := ts.request(t, http.MethodPost, "/api/v1/backups/"+b.ID.String()+"/verify", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var resp struct {
			Result models.VerificationResult `json:"result"`
		}
		decode(t, w, &resp)
		assert.True(t, resp.Result.IsValid)
	})

	t.Run("verify unknown", func(t *testing.T) {
		w := ts.request(t, http.MethodPost, "/api/v1/backups/"+uuid.NewString()+"/verify", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("verify all", func(t *testing.T) {
		w := ts.request(t, http.MethodPost, "/api/v1/verifications/all", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Result models.BatchVerificationResult `json:"result"`
		}
		decode(t, w, &resp)
		assert.Equal(t, 1, resp.Result.Total)
		assert.Equal(t, 1, resp.Result.Valid)
	})

	t.Run("stats", func(t *testing.T) {
		w := ts.request(t, http.MethodGet, "/api/v1/verifications/stats", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Stats models.VerificationStats `json:"stats"`
		}
		decode(t, w, &resp)
		assert.Equal(t, 1, resp.Stats.TotalBackups)
	})
}

func TestRestorePoints(t *testing.T) {
	ts := newTestServer(t)
	b := ts.runBackup(t, "restorable")

	w := ts.request(t, http.MethodPost, "/api/v1/restore-points", gin.H{
		"backup_id": b.ID.String(), "name": "before upgrade", "created_by": "tester",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		RestorePoint models.RestorePoint `json:"restore_point"`
	}
	decode(t, w, &resp)
	assert.Equal(t, b.ID, resp.RestorePoint.BackupID)

	t.Run("list", func(t *testing.T) {
		w := ts.request(t, http.MethodGet, "/api/v1/restore-points", nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("restore validates archive", func(t *testing.T) {
		w := ts.request(t, http.MethodPost, "/api/v1/restore-points/"+resp.RestorePoint.ID.String()+"/restore", nil)
		require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			point, err := ts.store.GetRestorePointByID(context.Background(), resp.RestorePoint.ID)
			require.NoError(t, err)
			if point.Status == models.RestorePointStatusCompleted {
				return
			}
			require.NotEqual(t, models.RestorePointStatusFailed, point.Status, point.ErrorMessage)
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatal("restore never completed")
	})

	t.Run("unknown backup rejected", func(t *testing.T) {
		w := ts.request(t, http.MethodPost, "/api/v1/restore-points", gin.H{
			"backup_id": uuid.NewString(), "name": "orphan",
		})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
