// Package maintenance implements BackgroundMaintenance: a single
// cooperative ticker task running a set of independently-failing sweeps,
// modeled directly on the teacher's
// internal/security/keyrotation.go KeyRotationScheduler (ctx/cancel/
// ticker/logger/enabled fields, Start/Stop, a select loop over
// ticker.C/ctx.Done()), generalized from one rotation task to several.
package maintenance

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/sonet/e2ee/internal/metrics"
)

// DefaultInterval is how often the scheduler runs its sweeps absent an
// explicit override.
const DefaultInterval = 5 * time.Minute

// Sweep is one independently-failing maintenance task. Run returns how
// many items it acted on, for logging, and an error that never aborts
// the other sweeps in the same tick.
type Sweep struct {
	Name string
	Run  func(ctx context.Context) (int, error)
}

// Scheduler runs every registered Sweep on a fixed interval until Stop is
// called, finishing the sweep currently in flight before exiting.
type Scheduler struct {
	interval time.Duration
	sweeps   []Sweep

	ctx        context.Context
	cancelFunc context.CancelFunc
	ticker     *time.Ticker
	lock       sync.Mutex
	logger     *log.Logger
	enabled    bool
	done       chan struct{}
}

// NewScheduler creates a Scheduler. An interval <= 0 uses DefaultInterval.
func NewScheduler(interval time.Duration, sweeps []Sweep) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		interval: interval,
		sweeps:   sweeps,
		logger:   log.New(os.Stdout, "[MAINTENANCE] ", log.Ldate|log.Ltime|log.LUTC),
		enabled:  true,
	}
}

// Start begins the periodic sweep loop in a background goroutine.
func (s *Scheduler) Start() {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.enabled {
		s.logger.Println("maintenance scheduler is disabled")
		return
	}

	s.ctx, s.cancelFunc = context.WithCancel(context.Background())
	s.ticker = time.NewTicker(s.interval)
	s.done = make(chan struct{})
	s.logger.Printf("starting maintenance scheduler, interval=%v, sweeps=%d", s.interval, len(s.sweeps))

	go s.runLoop()
}

// Stop cancels the scheduler and blocks until the in-flight tick (if any)
// finishes.
func (s *Scheduler) Stop() {
	s.lock.Lock()
	cancel := s.cancelFunc
	ticker := s.ticker
	done := s.done
	s.lock.Unlock()

	if cancel != nil {
		cancel()
	}
	if ticker != nil {
		ticker.Stop()
	}
	if done != nil {
		<-done
	}
	s.logger.Println("maintenance scheduler stopped")
}

func (s *Scheduler) runLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.ticker.C:
			s.runSweeps()
		case <-s.ctx.Done():
			return
		}
	}
}

// runSweeps runs every registered sweep in turn; one sweep's error is
// logged and does not prevent the rest from running.
func (s *Scheduler) runSweeps() {
	for _, sweep := range s.sweeps {
		runSweepWithMetrics(s.ctx, s.logger, sweep)
	}
}

// RunOnce runs every sweep a single time, synchronously, outside the
// ticker loop — useful for an initial pass at startup or for tests.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, sweep := range s.sweeps {
		runSweepWithMetrics(ctx, s.logger, sweep)
	}
}

func runSweepWithMetrics(ctx context.Context, logger *log.Logger, sweep Sweep) {
	start := time.Now()
	count, err := sweep.Run(ctx)
	metrics.RecordMaintenanceSweep(sweep.Name, time.Since(start), count, err)
	if err != nil {
		logger.Printf("sweep %q failed: %v", sweep.Name, err)
		return
	}
	logger.Printf("sweep %q processed %d item(s)", sweep.Name, count)
}
