package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/machi/internal/model"
	"github.com/ashita-ai/machi/internal/storage/sqlite"
	"github.com/ashita-ai/machi/internal/storage/storagetest"
	"github.com/ashita-ai/machi/internal/testutil"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, testutil.NewSQLite(t))
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	db, err := sqlite.Open(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	run, err := db.CreateRun(ctx, model.Run{AgentID: "a", TriggerType: model.TriggerService})
	require.NoError(t, err)
	db.Close(ctx)

	db, err = sqlite.Open(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	defer db.Close(ctx)
	got, err := db.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.CycleNumber, got.CycleNumber)
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := sqlite.Open(context.Background(), "  ", testutil.TestLogger())
	assert.Error(t, err)
}
