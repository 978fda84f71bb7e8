package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wfunc/pinball-machine/internal/machine"
	"github.com/wfunc/pinball-machine/internal/models"
)

func TestEjectRecordUpsert(t *testing.T) {
	db := SetupTestDB()
	repo := NewEjectRecordRepository(db)
	ctx := context.Background()

	rec := &models.EjectRecord{
		TransferID: "t-1",
		Source:     "trough",
		Target:     "launcher",
		Attempts:   1,
		Result:     models.EjectResultSuccess,
	}
	require.NoError(t, repo.Upsert(ctx, rec))

	// 同一Transfer的终局更新不产生第二行
	rec2 := &models.EjectRecord{
		TransferID: "t-1",
		Source:     "trough",
		Target:     "launcher",
		Attempts:   3,
		Result:     models.EjectResultLost,
	}
	require.NoError(t, repo.Upsert(ctx, rec2))

	got, err := repo.FindByTransferID(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, models.EjectResultLost, got.Result)

	n, err := repo.CountByResult(ctx, models.EjectResultLost)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestEjectRecordPagination(t *testing.T) {
	db := SetupTestDB()
	repo := NewEjectRecordRepository(db)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		require.NoError(t, repo.Upsert(ctx, &models.EjectRecord{
			TransferID: string(rune('a' + i)),
			Source:     "trough",
			Result:     models.EjectResultSuccess,
		}))
	}

	p := NewPagination(1, 10)
	recs, err := repo.FindBySource(ctx, "trough", p)
	require.NoError(t, err)
	assert.Len(t, recs, 10)
	assert.Equal(t, int64(15), p.Total)
}

func TestSearchRunLifecycle(t *testing.T) {
	db := SetupTestDB()
	repo := NewSearchRunRepository(db)
	ctx := context.Background()

	run := &models.SearchRun{BallsInPlay: 1}
	require.NoError(t, repo.Create(ctx, run))
	require.NotZero(t, run.ID)

	require.NoError(t, repo.Finish(ctx, run.ID, 3, models.SearchRunExhausted))

	runs, err := repo.FindRecent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 3, runs[0].Iterations)
	assert.Equal(t, models.SearchRunExhausted, runs[0].Result)
	assert.NotNil(t, runs[0].EndedAt)
}

func TestFaultLogCleanup(t *testing.T) {
	db := SetupTestDB()
	repo := NewFaultLogRepository(db)
	ctx := context.Background()

	old := &models.FaultLog{Device: "trough", Message: "old"}
	require.NoError(t, repo.Create(ctx, old))
	db.Model(old).Update("created_at", time.Now().AddDate(0, 0, -30))

	fresh := &models.FaultLog{Device: "trough", Message: "fresh"}
	require.NoError(t, repo.Create(ctx, fresh))

	require.NoError(t, repo.CleanupOldLogs(ctx, 7))

	faults, err := repo.FindRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, faults, 1)
	assert.Equal(t, "fresh", faults[0].Message)
}

// 记录器把机台事件翻译成审计行
func TestAuditRecorderTranslatesEvents(t *testing.T) {
	db := SetupTestDB()
	rec := NewAuditRecorder(db, zap.NewNop())

	now := time.Now()
	rec.Notify(machine.Event{
		Type:      machine.EventSearchStarted,
		Device:    "ball_search",
		Data:      map[string]interface{}{"balls_in_play": 1},
		Timestamp: now,
	})
	rec.Notify(machine.Event{
		Type:      machine.EventSearchExhausted,
		Device:    "ball_search",
		Data:      map[string]interface{}{"iterations": 3},
		Timestamp: now.Add(time.Minute),
	})
	rec.Notify(machine.Event{
		Type:   machine.EventEjectSuccess,
		Device: "trough",
		Data: map[string]interface{}{
			"transfer": "t-9",
			"target":   "launcher",
			"attempts": 2,
		},
		Timestamp: now,
	})
	rec.Close()

	ctx := context.Background()

	runs, err := NewSearchRunRepository(db).FindRecent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.SearchRunExhausted, runs[0].Result)
	assert.Equal(t, 3, runs[0].Iterations)

	eject, err := NewEjectRecordRepository(db).FindByTransferID(ctx, "t-9")
	require.NoError(t, err)
	assert.Equal(t, models.EjectResultSuccess, eject.Result)
	assert.Equal(t, 2, eject.Attempts)

	var events []*models.MachineEvent
	require.NoError(t, db.Find(&events).Error)
	assert.Len(t, events, 3)
}
