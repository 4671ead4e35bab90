package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/herald-sh/herald/internal/config"
	"github.com/herald-sh/herald/internal/models"
	"github.com/herald-sh/herald/internal/storage"
	"github.com/herald-sh/herald/internal/tunnel"
)

const (
	pollInterval = 500 * time.Millisecond
	// Starvation guard: at most this many consecutive high-lane claims
	// before a worker drains one normal-lane job.
	highLaneBurst = 32
	// Abandoned claims become visible again after this window.
	claimVisibility = 60 * time.Second
)

// Pool runs the delivery workers plus the periodic stats job. Both
// priority lanes are consumed with the high lane favored.
type Pool struct {
	store   storage.Storage
	worker  *Worker
	workers int

	jobBudget     time.Duration
	statsInterval time.Duration

	log  zerolog.Logger
	stop chan struct{}
	wg   sync.WaitGroup
}

func NewPool(cfg config.DeliveryConfig, env, fallbackSecret string, store storage.Storage, router *tunnel.Router, log zerolog.Logger) *Pool {
	sender := NewSender(cfg.Timeout)
	worker := NewWorker(store, sender, router, cfg.RetryLadder, env, fallbackSecret, log)

	workers := cfg.Workers
	if workers <= 0 {
		workers = 8
	}
	jobBudget := cfg.JobBudget
	if jobBudget <= 0 {
		jobBudget = 60 * time.Second
	}
	statsInterval := cfg.StatsInterval
	if statsInterval <= 0 {
		statsInterval = time.Minute
	}

	return &Pool{
		store:         store,
		worker:        worker,
		workers:       workers,
		jobBudget:     jobBudget,
		statsInterval: statsInterval,
		log:           log,
		stop:          make(chan struct{}),
	}
}

// Worker exposes the job processor for wiring (tunnel nack handling).
func (p *Pool) Worker() *Worker { return p.worker }

func (p *Pool) Start(ctx context.Context) {
	p.log.Info().Int("workers", p.workers).Msg("starting delivery worker pool")

	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker(ctx, workerID)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runStats(ctx)
	}()
}

func (p *Pool) Stop() {
	p.log.Info().Msg("stopping delivery worker pool")
	close(p.stop)
	p.wg.Wait()
	p.log.Info().Msg("delivery worker pool stopped")
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	highStreak := 0
	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, fromHigh, err := p.claimNext(ctx, workerID, highStreak)
		if err != nil {
			p.log.Error().Err(err).Msg("job claim failed")
			p.sleep(pollInterval)
			continue
		}
		if job == nil {
			highStreak = 0
			p.sleep(pollInterval)
			continue
		}
		if fromHigh {
			highStreak++
		} else {
			highStreak = 0
		}

		jobCtx, cancel := context.WithTimeout(ctx, p.jobBudget)
		p.worker.Process(jobCtx, job)
		cancel()
	}
}

// claimNext takes from the high lane first, unless the starvation guard
// forces a look at the normal lane.
func (p *Pool) claimNext(ctx context.Context, workerID string, highStreak int) (*models.DeliveryJob, bool, error) {
	order := []string{models.QueueHigh, models.QueueNormal}
	if highStreak >= highLaneBurst {
		order = []string{models.QueueNormal, models.QueueHigh}
	}

	for _, queue := range order {
		job, err := p.store.ClaimJob(ctx, queue, workerID, claimVisibility)
		if err != nil {
			return nil, false, err
		}
		if job != nil {
			return job, queue == models.QueueHigh, nil
		}
	}
	return nil, false, nil
}

func (p *Pool) sleep(d time.Duration) {
	select {
	case <-p.stop:
	case <-time.After(d):
	}
}

// runStats keeps the denormalized counters fresh off the delivery hot
// path; they are eventually consistent by design.
func (p *Pool) runStats(ctx context.Context) {
	ticker := time.NewTicker(p.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.RecomputeCounters(ctx); err != nil {
				p.log.Error().Err(err).Msg("counter recompute failed")
			}
		}
	}
}
