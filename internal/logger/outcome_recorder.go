// internal/logger/outcome_recorder.go
package logger

import (
	"context"
	"time"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/core"
	"github.com/CodeMonkeyCybersecurity/lighthouse/pkg/types"
)

const outcomeSaveTimeout = 5 * time.Second

// OutcomeRecorder logs every event outcome and, when a store is attached,
// persists the ones an operator needs to audit (anything other than stored
// or duplicate).
type OutcomeRecorder struct {
	*Logger
	store core.OutcomeStore
	now   func() time.Time
}

// NewOutcomeRecorder returns a recorder that writes to log and, if store is
// non-nil, to the outcome audit table.
func NewOutcomeRecorder(log *Logger, store core.OutcomeStore) *OutcomeRecorder {
	if log == nil {
		log = NewNop()
	}
	return &OutcomeRecorder{Logger: log, store: store, now: time.Now}
}

// Record emits the structured outcome line. Persistence is asynchronous so
// it never slows the pipeline; a failed save is logged and forgotten.
func (r *OutcomeRecorder) Record(ctx context.Context, eventID, sourceID, stage string, outcome types.Outcome, err error) {
	r.LogEventOutcome(ctx, eventID, sourceID, stage, string(outcome), err)

	if r.store == nil || !auditable(outcome) {
		return
	}

	rec := core.OutcomeRecord{
		EventID:    eventID,
		SourceID:   sourceID,
		Stage:      stage,
		Outcome:    outcome,
		RecordedAt: r.now().UTC(),
	}
	if err != nil {
		rec.Error = err.Error()
	}

	go func() {
		saveCtx, cancel := context.WithTimeout(context.Background(), outcomeSaveTimeout)
		defer cancel()

		if err := r.store.SaveOutcome(saveCtx, rec); err != nil {
			r.WithEvent(eventID, sourceID).Errorw("Failed to save event outcome",
				"error", err,
				"stage", stage,
			)
		}
	}()
}

func auditable(outcome types.Outcome) bool {
	switch outcome {
	case types.OutcomeStored, types.OutcomeDuplicate:
		return false
	}
	return true
}
