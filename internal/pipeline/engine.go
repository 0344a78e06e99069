package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/azure/mentions-responder/internal/classifier"
	"github.com/azure/mentions-responder/internal/config"
	"github.com/azure/mentions-responder/internal/models"
	"github.com/azure/mentions-responder/internal/notifications"
	"github.com/azure/mentions-responder/internal/sources"
	"github.com/azure/mentions-responder/internal/storage"
)

// maxSteps bounds one Advance call; the longest forward path is shorter
const maxSteps = 16

// Engine advances mentions through the pipeline state machine. Every write
// is a state and version conditioned swap in the store, so concurrent
// engines, workers and decision calls serialize on the mention row.
type Engine struct {
	config     *config.Config
	retry      RetryPolicy
	store      storage.MentionStore
	classifier classifier.ClassifierInterface
	notifier   notifications.NotificationInterface
	publisher  sources.Publisher
	archive    storage.ArchiveInterface
	clock      clockwork.Clock
	observer   Observer

	// identities being advanced by this process
	inflight sync.Map
}

type Option func(*Engine)

func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

func WithArchive(archive storage.ArchiveInterface) Option {
	return func(e *Engine) { e.archive = archive }
}

func WithObserver(observer Observer) Option {
	return func(e *Engine) { e.observer = observer }
}

// NewEngine creates a pipeline engine
func NewEngine(
	cfg *config.Config,
	store storage.MentionStore,
	classifier classifier.ClassifierInterface,
	notifier notifications.NotificationInterface,
	publisher sources.Publisher,
	opts ...Option,
) *Engine {
	e := &Engine{
		config: cfg,
		retry: RetryPolicy{
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
			MaxAttempts: cfg.RetryMaxAttempts,
		},
		store:      store,
		classifier: classifier,
		notifier:   notifier,
		publisher:  publisher,
		clock:      clockwork.NewRealClock(),
		observer:   nopObserver{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Advance moves a mention forward until it needs outside input, is waiting
// on backoff or a lease, or reaches a terminal state. Adapter failures are
// recorded on the mention and are not returned.
func (e *Engine) Advance(ctx context.Context, id models.Identity) error {
	if _, busy := e.inflight.LoadOrStore(id, struct{}{}); busy {
		return nil
	}
	defer e.inflight.Delete(id)

	for i := 0; i < maxSteps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		m, err := e.store.Get(ctx, id)
		if err != nil {
			return err
		}

		more, err := e.step(ctx, m)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}

	logrus.WithField("mention", id.String()).Warn("Mention did not settle within the step limit")
	return nil
}

func (e *Engine) step(ctx context.Context, m *models.Mention) (bool, error) {
	now := e.clock.Now()
	if m.State.IsTerminal() || m.State == models.StateAwaitingDecision || m.Leased(now) {
		return false, nil
	}

	switch m.State {
	case models.StateDetected:
		return e.classify(ctx, m)
	case models.StateClassified:
		return e.route(ctx, m)
	case models.StateDrafted:
		return e.notify(ctx, m)
	case models.StateNotified:
		from := m.State
		m.State = models.StateAwaitingDecision
		return e.commit(ctx, m, from, "")
	case models.StateApproved:
		return e.publish(ctx, m)
	case models.StateFailed:
		return e.resume(ctx, m)
	default:
		return false, fmt.Errorf("mention %s in unknown state %q", m.Identity, m.State)
	}
}

func (e *Engine) classify(ctx context.Context, m *models.Mention) (bool, error) {
	if ok, err := e.claim(ctx, m); !ok {
		return err == nil, err
	}

	actx, cancel := context.WithTimeout(ctx, e.config.AdapterTimeout)
	result, err := e.classifier.Classify(actx, m.Body)
	cancel()
	if err == nil && !result.Sentiment.IsBenign() && result.Sentiment != models.SentimentNegative {
		err = fmt.Errorf("unusable sentiment %q: %w", result.Sentiment, models.ErrMalformedOutput)
	}
	if err != nil {
		return e.fail(ctx, m, "classify", err)
	}

	from := m.State
	m.Sentiment = result.Sentiment
	m.Confidence = result.Confidence
	m.State = models.StateClassified
	return e.commit(ctx, m, from, "")
}

func (e *Engine) route(ctx context.Context, m *models.Mention) (bool, error) {
	from := m.State

	lowConfidence := m.Sentiment == models.SentimentNegative && m.Confidence < e.config.ConfidenceThreshold
	if m.Sentiment.IsBenign() || lowConfidence {
		detail := ""
		if lowConfidence {
			detail = fmt.Sprintf("negative at %.2f is below confidence threshold %.2f", m.Confidence, e.config.ConfidenceThreshold)
			m.Sentiment = models.SentimentNeutral
		}
		m.State = models.StateRoutedBenign
		return e.commit(ctx, m, from, detail)
	}

	if ok, err := e.claim(ctx, m); !ok {
		return err == nil, err
	}

	actx, cancel := context.WithTimeout(ctx, e.config.AdapterTimeout)
	draft, err := e.classifier.Draft(actx, classifier.DraftRequest{
		Text:      m.Body,
		Sentiment: m.Sentiment,
		Location:  m.Location,
		Author:    m.Author,
	})
	cancel()
	if err == nil && draft == "" {
		err = fmt.Errorf("empty draft: %w", models.ErrMalformedOutput)
	}
	if err != nil {
		return e.fail(ctx, m, "draft", err)
	}

	m.DraftResponse = draft
	m.State = models.StateDrafted
	return e.commit(ctx, m, from, "")
}

func (e *Engine) notify(ctx context.Context, m *models.Mention) (bool, error) {
	from := m.State

	// A lease left behind means an earlier attempt may already have sent the alert
	if m.LeaseUntil != nil {
		m.State = models.StateNotified
		return e.commit(ctx, m, from, "notification outcome unknown after lease expiry, not resending")
	}

	if ok, err := e.claim(ctx, m); !ok {
		return err == nil, err
	}

	alert, err := notifications.RenderAlert(m, e.config.NotificationEmail, e.config.AppURL)
	if err == nil {
		actx, cancel := context.WithTimeout(ctx, e.config.AdapterTimeout)
		err = e.notifier.SendAlert(actx, alert)
		cancel()
	}

	detail := ""
	if err != nil {
		e.observer.NotificationFailure()
		e.logger(m).Warnf("Notification failed, mention stays visible for review: %v", err)
		detail = fmt.Sprintf("notification failed: %v", err)
	} else {
		sent := e.clock.Now()
		m.NotifiedAt = &sent
	}

	m.State = models.StateNotified
	return e.commit(ctx, m, from, detail)
}

func (e *Engine) publish(ctx context.Context, m *models.Mention) (bool, error) {
	from := m.State

	if m.PostedAt != nil {
		m.State = models.StatePosted
		return e.commit(ctx, m, from, "already posted")
	}

	// The previous attempt died holding the lease. The reply may be live, so
	// never post again automatically.
	if m.LeaseUntil != nil {
		return e.freeze(ctx, m, "publish outcome unknown after lease expiry")
	}

	if ok, err := e.claim(ctx, m); !ok {
		return err == nil, err
	}

	actx, cancel := context.WithTimeout(ctx, e.config.AdapterTimeout)
	err := e.publisher.Post(actx, m.Identity, m.DraftResponse)
	cancel()
	if err != nil {
		if errors.Is(err, models.ErrOutcomeUnknown) || errors.Is(err, context.DeadlineExceeded) {
			e.observer.AdapterFailure("publish", false)
			return e.freeze(ctx, m, fmt.Sprintf("publish outcome unknown: %v", err))
		}
		return e.fail(ctx, m, "publish", err)
	}

	posted := e.clock.Now()
	m.PostedAt = &posted
	m.State = models.StatePosted
	e.observer.Published()
	return e.commit(ctx, m, from, "")
}

// resume moves a failed mention back into the state that failed once its
// backoff has elapsed.
func (e *Engine) resume(ctx context.Context, m *models.Mention) (bool, error) {
	if m.Frozen() || e.clock.Now().Before(*m.NextAttemptAt) {
		return false, nil
	}

	from := m.State
	m.State = m.FailedFrom
	m.NextAttemptAt = nil
	return e.commit(ctx, m, from, fmt.Sprintf("retry attempt %d", m.FailureCount+1))
}

// claim takes a lease on m before an adapter call. It reports false when
// another attempt got there first.
func (e *Engine) claim(ctx context.Context, m *models.Mention) (bool, error) {
	now := e.clock.Now()
	lease := now.Add(e.config.LeaseTTL)
	m.LeaseUntil = &lease

	err := e.store.CompareAndSwap(ctx, m, storage.Change{
		ExpectedState:   m.State,
		ExpectedVersion: m.Version,
		At:              now,
	})
	if errors.Is(err, models.ErrStateConflict) {
		e.logger(m).Debug("Lost claim to a concurrent attempt")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// commit writes a successful forward transition. Per-state failure tracking
// and the lease are cleared.
func (e *Engine) commit(ctx context.Context, m *models.Mention, from models.State, detail string) (bool, error) {
	if from != models.StateFailed {
		m.FailureCount = 0
		m.LastError = ""
		m.FailedFrom = ""
	}
	m.LeaseUntil = nil
	m.NextAttemptAt = nil

	err := e.store.CompareAndSwap(ctx, m, storage.Change{
		ExpectedState:   from,
		ExpectedVersion: m.Version,
		At:              e.clock.Now(),
		Detail:          detail,
	})
	if errors.Is(err, models.ErrStateConflict) {
		// Someone else moved the row; re-read and carry on from there
		e.logger(m).Debug("Transition lost to a concurrent writer")
		return true, nil
	}
	if err != nil {
		return false, err
	}

	e.observer.Transition(from, m.State)
	e.logger(m).WithField("from", from).Info("Mention advanced")

	if m.State.IsTerminal() {
		e.archiveTerminal(ctx, m)
		return false, nil
	}
	return m.State != models.StateAwaitingDecision, nil
}

// fail records an adapter failure and schedules the next attempt, or freezes
// the mention once the retry budget is spent.
func (e *Engine) fail(ctx context.Context, m *models.Mention, adapter string, cause error) (bool, error) {
	now := e.clock.Now()
	origin := m.State
	permanent := models.IsPermanent(cause)
	e.observer.AdapterFailure(adapter, permanent)

	m.FailureCount++
	m.LastError = fmt.Sprintf("%s: %v", adapter, cause)
	m.FailedFrom = origin
	m.State = models.StateFailed
	m.LeaseUntil = nil

	exhausted := e.retry.Exhausted(m.FailureCount)
	if exhausted {
		m.NextAttemptAt = nil
	} else {
		next := now.Add(e.retry.Delay(m.FailureCount))
		m.NextAttemptAt = &next
	}

	err := e.store.CompareAndSwap(ctx, m, storage.Change{
		ExpectedState:   origin,
		ExpectedVersion: m.Version,
		At:              now,
		Detail:          m.LastError,
	})
	if errors.Is(err, models.ErrStateConflict) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	e.observer.Transition(origin, models.StateFailed)
	log := e.logger(m).WithFields(logrus.Fields{
		"failed_from":   origin,
		"failure_count": m.FailureCount,
		"permanent":     permanent,
	})
	if exhausted {
		e.observer.Frozen(origin)
		log.Errorf("Mention frozen after %d attempts: %v", m.FailureCount, cause)
	} else {
		log.WithField("next_attempt_at", m.NextAttemptAt.Format(time.RFC3339)).Warnf("Adapter call failed: %v", cause)
	}
	return false, nil
}

// freeze parks m in FAILED with no automatic retry
func (e *Engine) freeze(ctx context.Context, m *models.Mention, reason string) (bool, error) {
	now := e.clock.Now()
	origin := m.State

	m.FailureCount++
	m.LastError = reason
	m.FailedFrom = origin
	m.State = models.StateFailed
	m.LeaseUntil = nil
	m.NextAttemptAt = nil

	err := e.store.CompareAndSwap(ctx, m, storage.Change{
		ExpectedState:   origin,
		ExpectedVersion: m.Version,
		At:              now,
		Detail:          reason,
	})
	if errors.Is(err, models.ErrStateConflict) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	e.observer.Transition(origin, models.StateFailed)
	e.observer.Frozen(origin)
	e.logger(m).WithField("failed_from", origin).Errorf("Mention frozen: %s", reason)
	return false, nil
}

func (e *Engine) archiveTerminal(ctx context.Context, m *models.Mention) {
	if e.archive == nil {
		return
	}

	actx, cancel := context.WithTimeout(ctx, e.config.AdapterTimeout)
	defer cancel()

	events, err := e.store.Events(actx, m.Identity)
	if err != nil {
		e.logger(m).Warnf("Failed to load events for archive: %v", err)
		return
	}
	if err := storage.ArchiveMention(actx, e.archive, m, events); err != nil {
		e.logger(m).Warnf("Failed to archive mention: %v", err)
	}
}

func (e *Engine) logger(m *models.Mention) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"platform": m.Platform,
		"item_id":  m.ItemID,
		"state":    m.State,
	})
}
