package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/azure/mentions-responder/internal/models"
	"github.com/azure/mentions-responder/internal/storage"
)

// RecordDecision stores an operator's verdict on a mention awaiting one.
// Repeating the recorded verdict is a no-op; a different verdict, or any
// verdict on a mention not awaiting one, is ErrDecisionConflict. Approval
// does not publish; call Advance afterwards.
func (e *Engine) RecordDecision(ctx context.Context, id models.Identity, decision models.Decision) error {
	target := models.StateApproved
	switch decision {
	case models.DecisionApproved:
	case models.DecisionRejected:
		target = models.StateRejected
	default:
		return fmt.Errorf("invalid decision %q", decision)
	}

	for attempt := 0; attempt < 3; attempt++ {
		m, err := e.store.Get(ctx, id)
		if err != nil {
			return err
		}

		if m.Decision != models.DecisionPending {
			if m.Decision == decision {
				return nil
			}
			return fmt.Errorf("%s already %s: %w", id, m.Decision, models.ErrDecisionConflict)
		}
		if m.State != models.StateAwaitingDecision {
			return fmt.Errorf("%s is %s, not awaiting a decision: %w", id, m.State, models.ErrDecisionConflict)
		}

		from := m.State
		resolved := e.clock.Now()
		m.Decision = decision
		m.ResolvedAt = &resolved
		m.State = target

		err = e.store.CompareAndSwap(ctx, m, storage.Change{
			ExpectedState:   from,
			ExpectedVersion: m.Version,
			At:              resolved,
			Detail:          "decision " + string(decision),
		})
		if errors.Is(err, models.ErrStateConflict) {
			continue
		}
		if err != nil {
			return err
		}

		e.observer.Transition(from, target)
		e.logger(m).WithField("decision", decision).Info("Decision recorded")
		if target.IsTerminal() {
			e.archiveTerminal(ctx, m)
		}
		return nil
	}

	return fmt.Errorf("%s kept changing while recording decision: %w", id, models.ErrStateConflict)
}

// Retrigger puts a frozen failed mention back into the state that failed
// with a fresh retry budget and advances it.
func (e *Engine) Retrigger(ctx context.Context, id models.Identity) error {
	m, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !m.Frozen() {
		return fmt.Errorf("%s is %s, only frozen failures can be retriggered: %w", id, m.State, models.ErrStateConflict)
	}

	from := m.State
	m.State = m.FailedFrom
	m.FailureCount = 0
	m.LastError = ""
	m.LeaseUntil = nil
	m.NextAttemptAt = nil

	err = e.store.CompareAndSwap(ctx, m, storage.Change{
		ExpectedState:   from,
		ExpectedVersion: m.Version,
		At:              e.clock.Now(),
		Detail:          "manual retrigger",
	})
	if err != nil {
		return err
	}

	e.observer.Transition(from, m.State)
	e.logger(m).Info("Mention retriggered")
	return e.Advance(ctx, id)
}
