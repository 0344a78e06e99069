package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/azure/mentions-responder/internal/classifier"
	"github.com/azure/mentions-responder/internal/models"
	"github.com/azure/mentions-responder/internal/storage"
)

const draftText = "Sorry to hear that. Please DM us so we can help."

func negative(conf float64) *classifier.Classification {
	return &classifier.Classification{Sentiment: models.SentimentNegative, Confidence: conf}
}

// expectDrafted sets up a mention to reach AWAITING_DECISION
func (h *harness) expectDrafted() {
	h.classifier.On("Classify", mock.Anything, mock.Anything).Return(negative(0.91), nil).Once()
	h.classifier.On("Draft", mock.Anything, mock.Anything).Return(draftText, nil).Once()
	h.notifier.On("SendAlert", mock.Anything, mock.AnythingOfType("*models.Alert")).Return(nil).Once()
}

func assertForwardOnly(t *testing.T, events []models.Event) {
	t.Helper()
	rank := -1
	for _, e := range events {
		if e.To == models.StateFailed {
			continue
		}
		assert.GreaterOrEqual(t, e.To.Rank(), rank, "%s -> %s moved backwards", e.From, e.To)
		rank = e.To.Rank()
	}
}

func TestExampleScenario(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	h := newHarness(t, WithObserver(obs))
	id := h.create(t, "abc123", "Acme support was terrible")

	h.classifier.On("Classify", mock.Anything, "Acme support was terrible").Return(negative(0.91), nil).Once()
	h.classifier.On("Draft", mock.Anything, mock.MatchedBy(func(req classifier.DraftRequest) bool {
		return req.Sentiment == models.SentimentNegative && req.Text == "Acme support was terrible"
	})).Return(draftText, nil).Once()
	h.notifier.On("SendAlert", mock.Anything, mock.MatchedBy(func(a *models.Alert) bool {
		return a.Recipient == "ops@example.com" && strings.Contains(a.HTMLBody, draftText)
	})).Return(nil).Once()
	h.publisher.On("Post", mock.Anything, id, draftText).Return(nil).Once()

	require.NoError(t, h.engine.Advance(ctx, id))

	m := h.get(t, id)
	assert.Equal(t, models.StateAwaitingDecision, m.State)
	assert.Equal(t, models.SentimentNegative, m.Sentiment)
	assert.InDelta(t, 0.91, m.Confidence, 1e-9)
	assert.Equal(t, draftText, m.DraftResponse)
	assert.NotNil(t, m.NotifiedAt)
	assert.Equal(t, models.DecisionPending, m.Decision)
	h.publisher.AssertNotCalled(t, "Post", mock.Anything, mock.Anything, mock.Anything)

	require.NoError(t, h.engine.RecordDecision(ctx, id, models.DecisionApproved))
	require.NoError(t, h.engine.Advance(ctx, id))

	// A repeated approval is a no-op and never publishes twice
	require.NoError(t, h.engine.RecordDecision(ctx, id, models.DecisionApproved))
	require.NoError(t, h.engine.Advance(ctx, id))

	m = h.get(t, id)
	assert.Equal(t, models.StatePosted, m.State)
	assert.Equal(t, models.DecisionApproved, m.Decision)
	require.NotNil(t, m.PostedAt)
	assert.NotNil(t, m.ResolvedAt)
	h.publisher.AssertNumberOfCalls(t, "Post", 1)
	mock.AssertExpectationsForObjects(t, h.classifier, h.notifier, h.publisher)

	assert.ErrorIs(t, h.engine.RecordDecision(ctx, id, models.DecisionRejected), models.ErrDecisionConflict)
	assert.Equal(t, 1, obs.published)

	events, err := h.store.Events(ctx, id)
	require.NoError(t, err)
	assertForwardOnly(t, events)

	var path []models.State
	for _, e := range events {
		path = append(path, e.To)
	}
	assert.Equal(t, []models.State{
		models.StateDetected, models.StateClassified, models.StateDrafted, models.StateNotified,
		models.StateAwaitingDecision, models.StateApproved, models.StatePosted,
	}, path)
}

func TestBenignShortCircuit(t *testing.T) {
	for _, sentiment := range []models.Sentiment{models.SentimentPositive, models.SentimentNeutral} {
		t.Run(string(sentiment), func(t *testing.T) {
			ctx := context.Background()
			dir := t.TempDir()
			archive, err := storage.NewLocalStorage(dir)
			require.NoError(t, err)
			h := newHarness(t, WithArchive(archive))
			id := h.create(t, "happy", "Acme is great")

			h.classifier.On("Classify", mock.Anything, mock.Anything).
				Return(&classifier.Classification{Sentiment: sentiment, Confidence: 0.8}, nil).Once()

			require.NoError(t, h.engine.Advance(ctx, id))

			m := h.get(t, id)
			assert.Equal(t, models.StateRoutedBenign, m.State)
			assert.Empty(t, m.DraftResponse)
			h.classifier.AssertNotCalled(t, "Draft", mock.Anything, mock.Anything)
			h.notifier.AssertNotCalled(t, "SendAlert", mock.Anything, mock.Anything)

			assert.ErrorIs(t, h.engine.RecordDecision(ctx, id, models.DecisionApproved), models.ErrDecisionConflict)

			assert.FileExists(t, filepath.Join(dir, filepath.FromSlash(storage.ArchivePath(m))))
		})
	}
}

func TestLowConfidenceNegativeIsRoutedBenign(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.cfg.ConfidenceThreshold = 0.8
	id := h.create(t, "unsure", "Acme billing was a bit of a problem")

	h.classifier.On("Classify", mock.Anything, mock.Anything).Return(negative(0.6), nil).Once()

	require.NoError(t, h.engine.Advance(ctx, id))

	m := h.get(t, id)
	assert.Equal(t, models.StateRoutedBenign, m.State)
	assert.Equal(t, models.SentimentNeutral, m.Sentiment)
	assert.Empty(t, m.DraftResponse)
	h.classifier.AssertNotCalled(t, "Draft", mock.Anything, mock.Anything)
}

func TestBackoffBound(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	h := newHarness(t, WithObserver(obs))
	id := h.create(t, "flaky", "Acme support was terrible")

	h.classifier.On("Classify", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("backend unavailable: %w", models.ErrTransient))

	var delays []time.Duration
	for attempt := 1; attempt <= h.cfg.RetryMaxAttempts; attempt++ {
		require.NoError(t, h.engine.Advance(ctx, id))

		m := h.get(t, id)
		require.Equal(t, models.StateFailed, m.State)
		require.Equal(t, models.StateDetected, m.FailedFrom)
		require.Equal(t, attempt, m.FailureCount)
		h.classifier.AssertNumberOfCalls(t, "Classify", attempt)

		if attempt == h.cfg.RetryMaxAttempts {
			break
		}
		require.NotNil(t, m.NextAttemptAt)
		delay := m.NextAttemptAt.Sub(h.clock.Now())
		delays = append(delays, delay)

		// Not due yet
		require.NoError(t, h.engine.Advance(ctx, id))
		h.classifier.AssertNumberOfCalls(t, "Classify", attempt)

		h.clock.Advance(delay)
	}

	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute}, delays)

	m := h.get(t, id)
	assert.True(t, m.Frozen())
	assert.Contains(t, m.LastError, "backend unavailable")
	assert.Equal(t, 1, obs.frozen)

	// Frozen mentions are never retried automatically
	h.clock.Advance(24 * time.Hour)
	require.NoError(t, h.engine.Advance(ctx, id))
	h.classifier.AssertNumberOfCalls(t, "Classify", h.cfg.RetryMaxAttempts)

	events, err := h.store.Events(ctx, id)
	require.NoError(t, err)
	assertForwardOnly(t, events)
}

func TestRetrigger(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.create(t, "frozen", "Acme support was terrible")

	h.classifier.On("Classify", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("bad key: %w", models.ErrAuth)).Times(3)
	h.classifier.On("Classify", mock.Anything, mock.Anything).
		Return(&classifier.Classification{Sentiment: models.SentimentPositive, Confidence: 0.9}, nil).Once()

	assert.ErrorIs(t, h.engine.Retrigger(ctx, id), models.ErrStateConflict, "only frozen mentions can be retriggered")

	for i := 0; i < 3; i++ {
		require.NoError(t, h.engine.Advance(ctx, id))
		h.clock.Advance(time.Hour)
	}
	require.True(t, h.get(t, id).Frozen())

	require.NoError(t, h.engine.Retrigger(ctx, id))

	m := h.get(t, id)
	assert.Equal(t, models.StateRoutedBenign, m.State)
	assert.Equal(t, 0, m.FailureCount)
	h.classifier.AssertNumberOfCalls(t, "Classify", 4)
}

func TestNotificationFailureStillAdvances(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	h := newHarness(t, WithObserver(obs))
	id := h.create(t, "quiet", "Acme support was terrible")

	h.classifier.On("Classify", mock.Anything, mock.Anything).Return(negative(0.91), nil).Once()
	h.classifier.On("Draft", mock.Anything, mock.Anything).Return(draftText, nil).Once()
	h.notifier.On("SendAlert", mock.Anything, mock.Anything).Return(errors.New("smtp down")).Once()

	require.NoError(t, h.engine.Advance(ctx, id))

	m := h.get(t, id)
	assert.Equal(t, models.StateAwaitingDecision, m.State)
	assert.Nil(t, m.NotifiedAt)
	assert.Equal(t, 1, obs.notifyFail)

	events, err := h.store.Events(ctx, id)
	require.NoError(t, err)
	var details []string
	for _, e := range events {
		details = append(details, e.Detail)
	}
	assert.Contains(t, strings.Join(details, "|"), "notification failed: smtp down")

	// Resumption does not resend
	require.NoError(t, h.engine.Advance(ctx, id))
	h.notifier.AssertNumberOfCalls(t, "SendAlert", 1)
}

func TestDraftedWithExpiredLeaseDoesNotResend(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	expired := h.clock.Now().Add(-time.Second)
	id := h.createWith(t, "crashed", "Acme support was terrible", func(m *models.Mention) {
		m.State = models.StateDrafted
		m.Sentiment = models.SentimentNegative
		m.DraftResponse = draftText
		m.LeaseUntil = &expired
	})

	require.NoError(t, h.engine.Advance(ctx, id))

	assert.Equal(t, models.StateAwaitingDecision, h.get(t, id).State)
	h.notifier.AssertNotCalled(t, "SendAlert", mock.Anything, mock.Anything)
}

func TestPublishFailureRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.create(t, "retry-post", "Acme support was terrible")
	h.expectDrafted()
	h.publisher.On("Post", mock.Anything, id, draftText).Return(fmt.Errorf("502: %w", models.ErrTransient)).Once()
	h.publisher.On("Post", mock.Anything, id, draftText).Return(nil).Once()

	require.NoError(t, h.engine.Advance(ctx, id))
	require.NoError(t, h.engine.RecordDecision(ctx, id, models.DecisionApproved))
	require.NoError(t, h.engine.Advance(ctx, id))

	m := h.get(t, id)
	require.Equal(t, models.StateFailed, m.State)
	assert.Equal(t, models.StateApproved, m.FailedFrom)
	assert.Nil(t, m.PostedAt)

	h.clock.Advance(h.cfg.RetryBaseDelay)
	require.NoError(t, h.engine.Advance(ctx, id))

	m = h.get(t, id)
	assert.Equal(t, models.StatePosted, m.State)
	assert.NotNil(t, m.PostedAt)
	h.publisher.AssertNumberOfCalls(t, "Post", 2)
}

func TestApprovedWithExpiredLeaseIsFrozenNotReposted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.create(t, "unknown", "Acme support was terrible")
	h.expectDrafted()

	require.NoError(t, h.engine.Advance(ctx, id))
	require.NoError(t, h.engine.RecordDecision(ctx, id, models.DecisionApproved))

	expired := h.clock.Now().Add(-time.Second)
	h.force(t, id, func(m *models.Mention) { m.LeaseUntil = &expired })

	require.NoError(t, h.engine.Advance(ctx, id))

	m := h.get(t, id)
	assert.True(t, m.Frozen())
	assert.Equal(t, models.StateApproved, m.FailedFrom)
	assert.Contains(t, m.LastError, "outcome unknown")
	h.publisher.AssertNotCalled(t, "Post", mock.Anything, mock.Anything, mock.Anything)
}

func TestLiveLeaseIsSkipped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.create(t, "busy", "Acme support was terrible")

	live := h.clock.Now().Add(30 * time.Second)
	h.force(t, id, func(m *models.Mention) { m.LeaseUntil = &live })

	require.NoError(t, h.engine.Advance(ctx, id))
	assert.Equal(t, models.StateDetected, h.get(t, id).State)
	h.classifier.AssertNotCalled(t, "Classify", mock.Anything, mock.Anything)
}

func TestPublishTimeoutFreezes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.create(t, "slow", "Acme support was terrible")
	h.expectDrafted()
	h.publisher.On("Post", mock.Anything, id, draftText).Return(fmt.Errorf("post: %w", context.DeadlineExceeded)).Once()

	require.NoError(t, h.engine.Advance(ctx, id))
	require.NoError(t, h.engine.RecordDecision(ctx, id, models.DecisionApproved))
	require.NoError(t, h.engine.Advance(ctx, id))

	m := h.get(t, id)
	assert.True(t, m.Frozen())
	assert.Contains(t, m.LastError, "outcome unknown")

	h.clock.Advance(24 * time.Hour)
	require.NoError(t, h.engine.Advance(ctx, id))
	h.publisher.AssertNumberOfCalls(t, "Post", 1)
}

func TestRecordDecisionErrors(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.create(t, "early", "Acme support was terrible")

	assert.ErrorIs(t, h.engine.RecordDecision(ctx, models.Identity{Platform: "reddit", ItemID: "missing"}, models.DecisionApproved), models.ErrNotFound)
	assert.ErrorIs(t, h.engine.RecordDecision(ctx, id, models.DecisionApproved), models.ErrDecisionConflict, "not awaiting a decision yet")
	assert.Error(t, h.engine.RecordDecision(ctx, id, models.DecisionPending))
	assert.Equal(t, models.StateDetected, h.get(t, id).State)
}

func TestRejectIsTerminal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.create(t, "nope", "Acme support was terrible")
	h.expectDrafted()

	require.NoError(t, h.engine.Advance(ctx, id))
	require.NoError(t, h.engine.RecordDecision(ctx, id, models.DecisionRejected))
	require.NoError(t, h.engine.RecordDecision(ctx, id, models.DecisionRejected))
	require.NoError(t, h.engine.Advance(ctx, id))

	m := h.get(t, id)
	assert.Equal(t, models.StateRejected, m.State)
	assert.Equal(t, models.DecisionRejected, m.Decision)
	h.publisher.AssertNotCalled(t, "Post", mock.Anything, mock.Anything, mock.Anything)
	assert.ErrorIs(t, h.engine.RecordDecision(ctx, id, models.DecisionApproved), models.ErrDecisionConflict)
}

func TestConcurrentDecisions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.create(t, "race", "Acme support was terrible")
	h.expectDrafted()
	require.NoError(t, h.engine.Advance(ctx, id))

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i, d := range []models.Decision{models.DecisionApproved, models.DecisionRejected} {
		wg.Add(1)
		go func(i int, d models.Decision) {
			defer wg.Done()
			errs[i] = h.engine.RecordDecision(ctx, id, d)
		}(i, d)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, models.ErrDecisionConflict):
			conflict++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, conflict)
}

func TestConcurrentEnginesCallAdaptersOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.create(t, "shared", "Acme support was terrible")
	h.expectDrafted()

	other := NewEngine(h.cfg, h.store, h.classifier, h.notifier, h.publisher, WithClock(h.clock))

	var wg sync.WaitGroup
	for _, engine := range []*Engine{h.engine, other, h.engine, other} {
		wg.Add(1)
		go func(engine *Engine) {
			defer wg.Done()
			assert.NoError(t, engine.Advance(ctx, id))
		}(engine)
	}
	wg.Wait()

	h.classifier.AssertNumberOfCalls(t, "Classify", 1)
	h.classifier.AssertNumberOfCalls(t, "Draft", 1)
	h.notifier.AssertNumberOfCalls(t, "SendAlert", 1)
}

func TestRetryPolicyDelay(t *testing.T) {
	policy := RetryPolicy{BaseDelay: 30 * time.Second, MaxDelay: 5 * time.Minute, MaxAttempts: 5}

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 30 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{4, 4 * time.Minute},
		{5, 5 * time.Minute},
		{60, 5 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.expected, policy.Delay(tt.attempt))
		})
	}

	assert.False(t, policy.Exhausted(4))
	assert.True(t, policy.Exhausted(5))
}

func TestUnusableSentimentIsRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	id := h.create(t, "odd", "Acme support was terrible")
	h.classifier.On("Classify", mock.Anything, mock.Anything).
		Return(&classifier.Classification{Sentiment: models.SentimentUnclassified, Confidence: 0.5}, nil).Once()

	require.NoError(t, h.engine.Advance(ctx, id))

	m := h.get(t, id)
	assert.Equal(t, models.StateFailed, m.State)
	assert.Equal(t, models.StateDetected, m.FailedFrom)
	assert.Contains(t, m.LastError, "unusable sentiment")
	assert.NotNil(t, m.NextAttemptAt)
}
