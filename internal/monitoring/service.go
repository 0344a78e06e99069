package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/azure/mentions-responder/internal/config"
	"github.com/azure/mentions-responder/internal/dedup"
	"github.com/azure/mentions-responder/internal/models"
	"github.com/azure/mentions-responder/internal/notifications"
	"github.com/azure/mentions-responder/internal/pipeline"
	"github.com/azure/mentions-responder/internal/sources"
	"github.com/azure/mentions-responder/internal/storage"
)

// Service runs fetch-and-process cycles over the configured forum locations
type Service struct {
	config   *config.Config
	store    storage.MentionStore
	index    dedup.IndexInterface
	fetcher  sources.Fetcher
	engine   *pipeline.Engine
	notifier notifications.NotificationInterface
	metrics  *Metrics
	clock    clockwork.Clock

	status *Status
	mu     sync.RWMutex
}

// Status is the JSON snapshot served on /status
type Status struct {
	LastRun         time.Time            `json:"last_run"`
	LastRunDuration string               `json:"last_run_duration"`
	LastCycleID     string               `json:"last_cycle_id"`
	LastFetched     int                  `json:"last_fetched"`
	LastCreated     int                  `json:"last_created"`
	LastDuplicates  int                  `json:"last_duplicates"`
	LastResumed     int                  `json:"last_resumed"`
	Cycles          int                  `json:"cycles"`
	FetchFailures   int                  `json:"fetch_failures"`
	ErrorCount      int                  `json:"error_count"`
	LastError       string               `json:"last_error,omitempty"`
	MentionsByState map[models.State]int `json:"mentions_by_state"`
}

// CycleResult tallies one fetch-and-process pass
type CycleResult struct {
	ID         string        `json:"id"`
	Fetched    int           `json:"fetched"`
	Created    int           `json:"created"`
	Duplicates int           `json:"duplicates"`
	Resumed    int           `json:"resumed"`
	Errors     int           `json:"errors"`
	Duration   time.Duration `json:"duration"`
}

type Option func(*Service)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

func WithMetrics(metrics *Metrics) Option {
	return func(s *Service) { s.metrics = metrics }
}

// NewService creates a new monitoring service
func NewService(
	cfg *config.Config,
	store storage.MentionStore,
	index dedup.IndexInterface,
	fetcher sources.Fetcher,
	engine *pipeline.Engine,
	notifier notifications.NotificationInterface,
	opts ...Option,
) *Service {
	s := &Service{
		config:   cfg,
		store:    store,
		index:    index,
		fetcher:  fetcher,
		engine:   engine,
		notifier: notifier,
		clock:    clockwork.NewRealClock(),
		status:   &Status{MentionsByState: make(map[models.State]int)},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunCycle fetches recent items, creates a mention for each unseen one and
// advances it, then resumes mentions left unfinished by earlier cycles. Only
// fetch and store failures are returned; per-mention failures stay on the
// mention.
func (s *Service) RunCycle(ctx context.Context) (*CycleResult, error) {
	start := s.clock.Now()
	result := &CycleResult{ID: uuid.NewString()}
	log := logrus.WithField("cycle", result.ID)
	log.Info("Starting monitoring cycle")

	since := start.Add(-s.config.LookbackWindow)
	items, err := s.fetcher.FetchRecent(ctx, s.config.Subreddits, s.config.Keywords, since)
	if err != nil {
		s.recordFailure(result, err)
		return nil, fmt.Errorf("fetch failed: %w", err)
	}

	items = s.bound(items)
	result.Fetched = len(items)
	log.Infof("Fetched %d candidate items since %s", len(items), since.Format(time.RFC3339))

	var created, duplicates, errs atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(s.config.Workers)

	for _, item := range items {
		g.Go(func() error {
			isNew, err := s.ingest(ctx, item)
			switch {
			case err != nil:
				errs.Add(1)
				log.WithField("mention", item.Identity.String()).Errorf("Failed to ingest item: %v", err)
			case isNew:
				created.Add(1)
			default:
				duplicates.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Created = int(created.Load())
	result.Duplicates = int(duplicates.Load())
	result.Errors = int(errs.Load())

	resumed, err := s.RunRetries(ctx)
	result.Resumed = resumed
	if err != nil {
		result.Errors++
		log.Errorf("Failed to resume pending mentions: %v", err)
	}

	result.Duration = s.clock.Since(start)
	s.recordSuccess(ctx, result)

	log.WithFields(logrus.Fields{
		"fetched":    result.Fetched,
		"created":    result.Created,
		"duplicates": result.Duplicates,
		"resumed":    result.Resumed,
		"errors":     result.Errors,
	}).Infof("Monitoring cycle completed in %v", result.Duration)
	return result, nil
}

// ingest creates and advances a mention for item. It reports false when the
// item was already seen.
func (s *Service) ingest(ctx context.Context, item models.RawItem) (bool, error) {
	log := logrus.WithField("mention", item.Identity.String())

	seen, err := s.index.Seen(ctx, item.Identity)
	if err != nil {
		return false, err
	}
	if seen {
		log.Debug("Item already seen")
		return false, nil
	}

	m := models.NewMention(item, s.clock.Now())
	created, err := s.index.MarkSeen(ctx, m)
	if err != nil {
		return false, err
	}
	if !created {
		log.Debug("Item already seen by a concurrent cycle")
		return false, nil
	}

	log.WithField("term", item.MatchedTerm).Info("New mention detected")
	if err := s.engine.Advance(ctx, m.Identity); err != nil {
		return true, fmt.Errorf("advance: %w", err)
	}
	return true, nil
}

// RunRetries advances mentions that need no outside input: interrupted
// attempts whose lease has lapsed and failures whose backoff has elapsed.
func (s *Service) RunRetries(ctx context.Context) (int, error) {
	pending, err := s.store.ListResumable(ctx, s.clock.Now(), s.config.MaxBatchSize)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	g := new(errgroup.Group)
	g.SetLimit(s.config.Workers)
	for _, m := range pending {
		g.Go(func() error {
			if err := s.engine.Advance(ctx, m.Identity); err != nil {
				logrus.WithField("mention", m.Identity.String()).Errorf("Failed to resume mention: %v", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	logrus.Debugf("Resumed %d mentions", len(pending))
	return len(pending), nil
}

// bound keeps at most MaxBatchSize items, oldest first, so anything dropped
// is picked up by a later cycle while still inside the lookback window.
func (s *Service) bound(items []models.RawItem) []models.RawItem {
	if len(items) <= s.config.MaxBatchSize {
		return items
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	logrus.Warnf("Fetched %d items, processing the oldest %d this cycle", len(items), s.config.MaxBatchSize)
	return items[:s.config.MaxBatchSize]
}

// GenerateReport summarizes mentions detected since the given time along
// with everything awaiting a decision or frozen in FAILED.
func (s *Service) GenerateReport(ctx context.Context, since time.Time) (*models.Report, error) {
	byState, err := s.store.CountByState(ctx)
	if err != nil {
		return nil, err
	}

	recent, err := s.store.Query(ctx, models.Filter{Since: &since})
	if err != nil {
		return nil, err
	}
	pending, err := s.store.Query(ctx, models.Filter{State: models.StateAwaitingDecision})
	if err != nil {
		return nil, err
	}
	failed, err := s.store.Query(ctx, models.Filter{State: models.StateFailed})
	if err != nil {
		return nil, err
	}

	report := &models.Report{
		GeneratedAt:   s.clock.Now(),
		TotalMentions: len(recent),
		ByState:       byState,
		BySentiment:   make(map[models.Sentiment]int),
		ByTerm:        make(map[string]int),
	}
	for _, m := range recent {
		report.BySentiment[m.Sentiment]++
		report.ByTerm[m.MatchedTerm]++
	}
	for _, m := range pending {
		report.Pending = append(report.Pending, *m)
	}
	for _, m := range failed {
		if m.Frozen() {
			report.Frozen = append(report.Frozen, *m)
		}
	}

	return report, nil
}

// SendReport generates a report and delivers it over the notification channels
func (s *Service) SendReport(ctx context.Context, since time.Time) error {
	report, err := s.GenerateReport(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to generate report: %w", err)
	}
	return s.notifier.SendReport(ctx, report)
}

func (s *Service) recordFailure(result *CycleResult, err error) {
	if s.metrics != nil {
		s.metrics.Cycles.WithLabelValues("fetch_failed").Inc()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Cycles++
	s.status.FetchFailures++
	s.status.ErrorCount++
	s.status.LastCycleID = result.ID
	s.status.LastError = err.Error()
}

func (s *Service) recordSuccess(ctx context.Context, result *CycleResult) {
	counts, err := s.store.CountByState(ctx)
	if err != nil {
		logrus.Warnf("Failed to count mentions by state: %v", err)
	}

	if s.metrics != nil {
		s.metrics.Cycles.WithLabelValues("ok").Inc()
		s.metrics.CycleDuration.Observe(result.Duration.Seconds())
		s.metrics.ItemsFetched.Add(float64(result.Fetched))
		s.metrics.Duplicates.Add(float64(result.Duplicates))
		if counts != nil {
			s.metrics.setStateCounts(counts)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.Cycles++
	s.status.LastRun = s.clock.Now()
	s.status.LastRunDuration = result.Duration.String()
	s.status.LastCycleID = result.ID
	s.status.LastFetched = result.Fetched
	s.status.LastCreated = result.Created
	s.status.LastDuplicates = result.Duplicates
	s.status.LastResumed = result.Resumed
	s.status.ErrorCount += result.Errors
	if counts != nil {
		s.status.MentionsByState = counts
	}
}

// GetStatus returns a copy of the current status snapshot
func (s *Service) GetStatus() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := *s.status
	status.MentionsByState = make(map[models.State]int, len(s.status.MentionsByState))
	for k, v := range s.status.MentionsByState {
		status.MentionsByState[k] = v
	}
	return status
}

// GetMetrics returns current status as JSON
func (s *Service) GetMetrics() string {
	status := s.GetStatus()
	data, _ := json.MarshalIndent(status, "", "  ")
	return string(data)
}
