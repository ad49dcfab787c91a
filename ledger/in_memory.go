// Package ledger provides run ledgers: append-only records of what each
// orchestration round decided and how its tasks ended. Ledger writes are
// observational and must never fail a round.
package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/hupe1980/crewmesh/core"
	"github.com/hupe1980/crewmesh/logging"
)

// InMemoryLedger is a volatile core.Ledger implementation. It is safe for
// concurrent access and suited for tests and single-process deployments that
// do not need run history to survive restarts.
type InMemoryLedger struct {
	mu          sync.RWMutex
	logger      logging.Logger
	runs        map[string]*core.RunRecord
	transitions map[string][]core.Transition
	seqByConv   map[string]int
}

// NewInMemoryLedger constructs an empty in-memory ledger.
func NewInMemoryLedger(optFns ...func(l *InMemoryLedger)) *InMemoryLedger {
	l := &InMemoryLedger{
		logger:      logging.NoOpLogger{},
		runs:        make(map[string]*core.RunRecord),
		transitions: make(map[string][]core.Transition),
		seqByConv:   make(map[string]int),
	}
	for _, fn := range optFns {
		fn(l)
	}
	return l
}

// StartRun opens a run record with the next sequence number for the
// conversation.
func (l *InMemoryLedger) StartRun(_ context.Context, conversationID string) (*core.RunRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seqByConv[conversationID]++
	rec := &core.RunRecord{
		ID:             core.NewID(),
		ConversationID: conversationID,
		Seq:            l.seqByConv[conversationID],
		StartedAt:      time.Now().UTC(),
	}
	l.runs[rec.ID] = rec

	return rec, nil
}

// Record appends a transition. Unknown run ids are logged and dropped rather
// than surfaced, keeping the ledger off the round's failure path.
func (l *InMemoryLedger) Record(_ context.Context, runID string, t core.TransitionType, detail string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.runs[runID]; !ok {
		l.logger.Warn("Transition for unknown run dropped", "run_id", runID, "type", t)
		return
	}

	l.transitions[runID] = append(l.transitions[runID], core.Transition{
		RunID:  runID,
		Seq:    len(l.transitions[runID]) + 1,
		Type:   t,
		Detail: detail,
		At:     time.Now().UTC(),
	})
}

// CloseRun finalizes the run record.
func (l *InMemoryLedger) CloseRun(_ context.Context, rec *core.RunRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.EndedAt = time.Now().UTC()
	l.runs[rec.ID] = rec

	return nil
}

// Run returns the record for a run id, if present.
func (l *InMemoryLedger) Run(runID string) (*core.RunRecord, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	rec, ok := l.runs[runID]
	return rec, ok
}

// Transitions returns a copy of a run's transitions in append order.
func (l *InMemoryLedger) Transitions(runID string) []core.Transition {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ts := l.transitions[runID]
	out := make([]core.Transition, len(ts))
	copy(out, ts)
	return out
}
