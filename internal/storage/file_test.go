package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"uirunner/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		require.NoError(t, err)
		assert.Nil(t, st)
	}

	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
}

func TestFileStoreHistory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "data", "uirunner.db")
	cfg := Config{Driver: "file", Path: path, HistorySize: 3}
	ctx := context.Background()

	st, err := Open(cfg, logx.Nop())
	require.NoError(t, err)

	slot := 1
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i := int64(1); i <= 4; i++ {
		require.NoError(t, st.RecordJob(ctx, JobRecord{
			JobID: i, Feature: "login", Branch: "main", Client: "acme",
			SlotID: &slot, FinishedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, st.AppendAudit(ctx, AuditEntry{At: now, Observer: "o1", Command: "run_test", OK: true}))

	got, err := st.RecentJobs(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []int64{4, 3, 2}, []int64{got[0].JobID, got[1].JobID, got[2].JobID})

	got, err = st.RecentJobs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 4, got[0].JobID)
	require.NotNil(t, got[0].SlotID)
	assert.Equal(t, 1, *got[0].SlotID)
	require.NoError(t, st.Close())

	audit, err := os.ReadFile(filepath.Join(filepath.Dir(path), "uirunner.audit.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(audit), `"command":"run_test"`)

	// Reopen replays the tail of the jobs file.
	st, err = Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	got, err = st.RecentJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.EqualValues(t, 4, got[0].JobID)
}

func TestFileStoreClosed(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "x.db")}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, st.Close())
	assert.Error(t, st.RecordJob(context.Background(), JobRecord{JobID: 1}))
	assert.Error(t, st.AppendAudit(context.Background(), AuditEntry{}))
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "ui.db"), BusyTimeout: time.Second}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	require.NoError(t, st.AppendAudit(ctx, AuditEntry{Observer: "o1", Command: "cancel_job", Target: "7", Error: "Job not found"}))
	require.NoError(t, st.RecordJob(ctx, JobRecord{JobID: 1, Feature: "a", Branch: "main", Client: "acme", APK: "1", APKSource: "registry", ExitCode: -1, Cancelled: true}))
	slot := 0
	require.NoError(t, st.RecordJob(ctx, JobRecord{JobID: 2, Feature: "b", Branch: "main", Client: "acme", APK: "1", APKSource: "registry", SlotID: &slot, ReportURL: "http://r/2"}))

	got, err := st.RecentJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.EqualValues(t, 2, got[0].JobID)
	require.NotNil(t, got[0].SlotID)
	assert.Equal(t, "http://r/2", got[0].ReportURL)
	assert.Nil(t, got[1].SlotID)
	assert.True(t, got[1].Cancelled)
}
