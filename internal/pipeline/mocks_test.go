package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/azure/mentions-responder/internal/classifier"
	"github.com/azure/mentions-responder/internal/config"
	"github.com/azure/mentions-responder/internal/models"
	"github.com/azure/mentions-responder/internal/storage"
)

// MockClassifier is a mock implementation of the classifier interface
type MockClassifier struct {
	mock.Mock
}

func (m *MockClassifier) GetName() string { return "mock" }

func (m *MockClassifier) Classify(ctx context.Context, text string) (*classifier.Classification, error) {
	args := m.Called(ctx, text)
	result, _ := args.Get(0).(*classifier.Classification)
	return result, args.Error(1)
}

func (m *MockClassifier) Draft(ctx context.Context, req classifier.DraftRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// MockNotificationService is a mock implementation of the notification service
type MockNotificationService struct {
	mock.Mock
}

func (m *MockNotificationService) SendAlert(ctx context.Context, alert *models.Alert) error {
	args := m.Called(ctx, alert)
	return args.Error(0)
}

func (m *MockNotificationService) SendReport(ctx context.Context, report *models.Report) error {
	args := m.Called(ctx, report)
	return args.Error(0)
}

// MockPublisher is a mock implementation of the publisher interface
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Post(ctx context.Context, target models.Identity, text string) error {
	args := m.Called(ctx, target, text)
	return args.Error(0)
}

type harness struct {
	store      *storage.SQLStore
	clock      *clockwork.FakeClock
	classifier *MockClassifier
	notifier   *MockNotificationService
	publisher  *MockPublisher
	engine     *Engine
	cfg        *config.Config
}

func testConfig() *config.Config {
	return &config.Config{
		AdapterTimeout:    5 * time.Second,
		LeaseTTL:          time.Minute,
		RetryBaseDelay:    time.Minute,
		RetryMaxDelay:     10 * time.Minute,
		RetryMaxAttempts:  3,
		NotificationEmail: "ops@example.com",
		AppURL:            "https://mentions.example.com",
	}
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	store, err := storage.Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "mentions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := &harness{
		store:      store,
		clock:      clockwork.NewFakeClockAt(time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)),
		classifier: &MockClassifier{},
		notifier:   &MockNotificationService{},
		publisher:  &MockPublisher{},
		cfg:        testConfig(),
	}
	opts = append([]Option{WithClock(h.clock)}, opts...)
	h.engine = NewEngine(h.cfg, h.store, h.classifier, h.notifier, h.publisher, opts...)
	return h
}

func (h *harness) create(t *testing.T, id, body string) models.Identity {
	t.Helper()
	return h.createWith(t, id, body, nil)
}

// createWith stores a mention as if a previous process had left it mid-pipeline
func (h *harness) createWith(t *testing.T, id, body string, mutate func(m *models.Mention)) models.Identity {
	t.Helper()
	m := models.NewMention(models.RawItem{
		Identity:    models.Identity{Platform: "reddit", ItemID: id},
		Location:    "r/smallbusiness",
		Author:      "someone",
		Body:        body,
		CreatedAt:   h.clock.Now().Add(-time.Hour),
		Permalink:   "https://www.reddit.com/r/smallbusiness/comments/x/y/" + id + "/",
		MatchedTerm: "Acme",
	}, h.clock.Now())
	if mutate != nil {
		mutate(m)
	}

	created, err := h.store.CreateIfAbsent(context.Background(), m)
	require.NoError(t, err)
	require.True(t, created)
	return m.Identity
}

func (h *harness) get(t *testing.T, id models.Identity) *models.Mention {
	t.Helper()
	m, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return m
}

// force rewrites mutable fields in place, bypassing the engine
func (h *harness) force(t *testing.T, id models.Identity, mutate func(m *models.Mention)) {
	t.Helper()
	m := h.get(t, id)
	from := m.State
	mutate(m)
	require.NoError(t, h.store.CompareAndSwap(context.Background(), m, storage.Change{
		ExpectedState:   from,
		ExpectedVersion: m.Version,
		At:              h.clock.Now(),
	}))
}

// recordingObserver counts observer callbacks
type recordingObserver struct {
	nopObserver
	transitions []string
	frozen      int
	published   int
	notifyFail  int
}

func (r *recordingObserver) Transition(from, to models.State) {
	r.transitions = append(r.transitions, string(from)+"->"+string(to))
}
func (r *recordingObserver) Frozen(models.State)  { r.frozen++ }
func (r *recordingObserver) Published()           { r.published++ }
func (r *recordingObserver) NotificationFailure() { r.notifyFail++ }
