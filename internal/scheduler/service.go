package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/azure/mentions-responder/internal/config"
	"github.com/azure/mentions-responder/internal/models"
	"github.com/azure/mentions-responder/internal/monitoring"
	"github.com/azure/mentions-responder/internal/pipeline"
)

// State is the scheduler's run state
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	ErrCycleRunning = errors.New("a cycle is already running")
	ErrStopped      = errors.New("scheduler is stopped")
)

// CycleRunner performs the work triggered by the scheduler
type CycleRunner interface {
	RunCycle(ctx context.Context) (*monitoring.CycleResult, error)
	RunRetries(ctx context.Context) (int, error)
}

// Service handles scheduling of monitoring cycles. At most one cycle or
// retry pass runs at a time; a tick that finds one running is skipped.
type Service struct {
	config  *config.Config
	runner  CycleRunner
	cron    *cron.Cron
	clock   clockwork.Clock
	backoff pipeline.RetryPolicy

	state   atomic.Int32
	stopped chan struct{}

	// work started by the scheduler runs under ctx; Stop cancels it only
	// when its own deadline passes
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	fetchFailures int
	nextFetchAt   time.Time
}

type Option func(*Service)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// NewService creates a new scheduler service
func NewService(cfg *config.Config, runner CycleRunner, opts ...Option) *Service {
	logger := cron.PrintfLogger(logrus.StandardLogger())
	ctx, cancel := context.WithCancel(context.Background())

	s := &Service{
		config: cfg,
		runner: runner,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger)),
		),
		clock: clockwork.NewRealClock(),
		backoff: pipeline.RetryPolicy{
			BaseDelay: cfg.FetchBackoffBase,
			MaxDelay:  cfg.FetchBackoffMax,
		},
		stopped: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start schedules the poll and retry ticks
func (s *Service) Start() error {
	if st := s.State(); st == StateStopping || st == StateStopped {
		return ErrStopped
	}

	if _, err := s.cron.AddFunc("@every "+s.config.PollInterval.String(), s.tick); err != nil {
		return fmt.Errorf("failed to schedule cycles: %w", err)
	}
	if _, err := s.cron.AddFunc("@every "+s.config.RetryPollInterval.String(), s.retryTick); err != nil {
		return fmt.Errorf("failed to schedule retries: %w", err)
	}

	s.cron.Start()
	logrus.Infof("Scheduler started, polling every %v with retries every %v", s.config.PollInterval, s.config.RetryPollInterval)
	return nil
}

// State returns the current run state
func (s *Service) State() State {
	return State(s.state.Load())
}

// TriggerCycle runs one cycle now, ignoring any fetch backoff. It returns
// ErrCycleRunning if a cycle or retry pass is already in progress.
func (s *Service) TriggerCycle() (*monitoring.CycleResult, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.end()

	result, err := s.runner.RunCycle(s.ctx)
	s.recordFetch(err)
	return result, err
}

// tick is the scheduled cycle, skipped while the fetch step is backing off
func (s *Service) tick() {
	if wait := s.backoffRemaining(); wait > 0 {
		logrus.Infof("Skipping cycle, fetch backing off for another %v", wait)
		return
	}

	_, err := s.TriggerCycle()
	switch {
	case errors.Is(err, ErrCycleRunning):
		logrus.Warn("Skipping cycle, previous cycle still running")
	case errors.Is(err, ErrStopped):
	case err != nil:
		logrus.Errorf("Scheduled cycle failed: %v", err)
	}
}

func (s *Service) retryTick() {
	if err := s.begin(); err != nil {
		logrus.Debugf("Skipping retry pass: %v", err)
		return
	}
	defer s.end()

	if _, err := s.runner.RunRetries(s.ctx); err != nil {
		logrus.Errorf("Retry pass failed: %v", err)
	}
}

func (s *Service) begin() error {
	if s.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return nil
	}
	if s.State() == StateRunning {
		return ErrCycleRunning
	}
	return ErrStopped
}

func (s *Service) end() {
	if s.state.CompareAndSwap(int32(StateRunning), int32(StateIdle)) {
		return
	}
	// Stop arrived while running
	if s.state.CompareAndSwap(int32(StateStopping), int32(StateStopped)) {
		close(s.stopped)
	}
}

// recordFetch updates the fetch backoff after a cycle
func (s *Service) recordFetch(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		if s.fetchFailures > 0 {
			logrus.Infof("Fetch recovered after %d failed cycles", s.fetchFailures)
		}
		s.fetchFailures = 0
		s.nextFetchAt = time.Time{}
		return
	}

	s.fetchFailures++
	delay := s.backoff.Delay(s.fetchFailures)
	s.nextFetchAt = s.clock.Now().Add(delay)

	log := logrus.WithFields(logrus.Fields{
		"failures": s.fetchFailures,
		"backoff":  delay.String(),
	})
	switch {
	case models.IsPermanent(err):
		log.Errorf("Fetch rejected, check forum credentials: %v", err)
	case models.IsTransient(err):
		log.Warnf("Fetch failed: %v", err)
	default:
		log.Errorf("Fetch failed unexpectedly: %v", err)
	}
}

func (s *Service) backoffRemaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nextFetchAt.IsZero() {
		return 0
	}
	return s.nextFetchAt.Sub(s.clock.Now())
}

// Stop prevents new cycles and waits for the one in progress to finish. If
// ctx ends first, in-flight adapter calls are cancelled and Stop still waits
// for the cycle to unwind.
func (s *Service) Stop(ctx context.Context) error {
	cronDone := s.cron.Stop()

	for {
		switch s.State() {
		case StateIdle:
			if !s.state.CompareAndSwap(int32(StateIdle), int32(StateStopped)) {
				continue
			}
			close(s.stopped)
		case StateRunning:
			if !s.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
				continue
			}
			logrus.Info("Waiting for the running cycle to finish")
		}
		break
	}

	var err error
	select {
	case <-s.stopped:
	case <-ctx.Done():
		err = ctx.Err()
		logrus.Warn("Stop deadline reached, cancelling in-flight work")
		s.cancel()
		<-s.stopped
	}
	<-cronDone.Done()
	s.cancel()

	logrus.Info("Scheduler stopped")
	return err
}
