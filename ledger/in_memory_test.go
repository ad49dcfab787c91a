package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/crewmesh/core"
)

func TestStartRunAssignsSequence(t *testing.T) {
	l := NewInMemoryLedger()
	ctx := context.Background()

	r1, err := l.StartRun(ctx, "conv-1")
	require.NoError(t, err)
	r2, err := l.StartRun(ctx, "conv-1")
	require.NoError(t, err)
	other, err := l.StartRun(ctx, "conv-2")
	require.NoError(t, err)

	assert.Equal(t, 1, r1.Seq)
	assert.Equal(t, 2, r2.Seq)
	assert.Equal(t, 1, other.Seq, "sequence is per conversation")
	assert.NotEqual(t, r1.ID, r2.ID)
}

func TestRecordAppendsInOrder(t *testing.T) {
	l := NewInMemoryLedger()
	ctx := context.Background()

	rec, err := l.StartRun(ctx, "conv-1")
	require.NoError(t, err)

	l.Record(ctx, rec.ID, core.TransitionPlanDecided, "delegate")
	l.Record(ctx, rec.ID, core.TransitionTaskDispatched, "researcher")
	l.Record(ctx, rec.ID, core.TransitionTaskCompleted, "researcher")

	ts := l.Transitions(rec.ID)
	require.Len(t, ts, 3)
	assert.Equal(t, core.TransitionPlanDecided, ts[0].Type)
	assert.Equal(t, core.TransitionTaskCompleted, ts[2].Type)
	assert.Equal(t, 1, ts[0].Seq)
	assert.Equal(t, 3, ts[2].Seq)
}

func TestRecordUnknownRunIsDropped(t *testing.T) {
	l := NewInMemoryLedger()
	l.Record(context.Background(), "missing", core.TransitionRunFailed, "x")
	assert.Empty(t, l.Transitions("missing"))
}

func TestCloseRun(t *testing.T) {
	l := NewInMemoryLedger()
	ctx := context.Background()

	rec, err := l.StartRun(ctx, "conv-1")
	require.NoError(t, err)

	rec.FinalAnswer = "done"
	require.NoError(t, l.CloseRun(ctx, rec))

	stored, ok := l.Run(rec.ID)
	require.True(t, ok)
	assert.Equal(t, "done", stored.FinalAnswer)
	assert.False(t, stored.EndedAt.IsZero())
}
