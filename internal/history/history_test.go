package history

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/tracklog/internal/storage"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "tracklog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestStartComplete(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	id, err := s.Start(ctx, StartRequest{
		Stage:   "transform",
		Files:   []string{"/store/app1/tracking.log-20130609.gz"},
		Digest:  "abc",
		Command: "json2sql.py /store/CSV /store/app1/tracking.log-20130609.gz",
	})
	require.NoError(t, err)

	run, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, run.Status)
	assert.Equal(t, 1, run.FileCount)
	assert.Equal(t, []string{"/store/app1/tracking.log-20130609.gz"}, run.Files)
	assert.NotNil(t, run.StartedAt)
	assert.Nil(t, run.CompletedAt)

	code := 2
	errMsg := "exit status 2"
	stderr := strings.Repeat("e", maxStderrBytes+10)
	require.NoError(t, s.Complete(ctx, id, Result{Status: StatusFailed, ExitCode: &code, LastError: &errMsg, Stderr: &stderr}))

	run, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, run.Status)
	require.NotNil(t, run.ExitCode)
	assert.Equal(t, 2, *run.ExitCode)
	require.NotNil(t, run.Stderr)
	assert.Len(t, *run.Stderr, maxStderrBytes)
	assert.NotNil(t, run.CompletedAt)
}

func TestCompleteValidation(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	assert.Error(t, s.Complete(ctx, "", Result{Status: StatusCompleted}))

	id, err := s.Start(ctx, StartRequest{Stage: "load"})
	require.NoError(t, err)
	assert.Error(t, s.Complete(ctx, id, Result{Status: StatusRunning}))
	assert.ErrorIs(t, s.Complete(ctx, "missing", Result{Status: StatusCompleted}), ErrRunNotFound)

	_, err = s.Start(ctx, StartRequest{})
	assert.Error(t, err)
}

func TestRecentNewestFirst(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	var ids []string
	for _, stage := range []string{"pull", "transform", "load"} {
		id, err := s.Start(ctx, StartRequest{Stage: stage, DryRun: stage == "load"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	all, err := s.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ids[2], all[0].ID)
	assert.True(t, all[0].DryRun)
	assert.Equal(t, ids[0], all[2].ID)

	only, err := s.Recent(ctx, "transform", 10)
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, ids[1], only[0].ID)

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestPruneKeepsRunning(t *testing.T) {
	t.Parallel()
	s := openStore(t)
	ctx := context.Background()

	done, err := s.Start(ctx, StartRequest{Stage: "pull"})
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, done, Result{Status: StatusCompleted}))
	_, err = s.Start(ctx, StartRequest{Stage: "pull"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	n, err := s.Prune(ctx, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := s.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, StatusRunning, left[0].Status)
}
