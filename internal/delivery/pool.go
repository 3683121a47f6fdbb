package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shohag/calrelay/internal/models"
	"github.com/shohag/calrelay/internal/storage"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

const purgeInterval = time.Hour

type Pool struct {
	store      storage.Storage
	worker     *Worker
	workers    int
	pollRate   time.Duration
	stuckAfter time.Duration
	retention  time.Duration
	log        zerolog.Logger
	stop       chan struct{}
	wake       chan struct{}
	loops      sync.WaitGroup
	jobs       conc.WaitGroup
	stopOnce   sync.Once
}

type PoolConfig struct {
	Workers      int
	PollInterval time.Duration
	StuckAfter   time.Duration
	JobRetention time.Duration
}

func NewPool(cfg PoolConfig, store storage.Storage, worker *Worker, log zerolog.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Pool{
		store:      store,
		worker:     worker,
		workers:    cfg.Workers,
		pollRate:   cfg.PollInterval,
		stuckAfter: cfg.StuckAfter,
		retention:  cfg.JobRetention,
		log:        log,
		stop:       make(chan struct{}),
		wake:       make(chan struct{}, 1),
	}
}

func (p *Pool) Start(ctx context.Context) {
	p.log.Info().Int("workers", p.workers).Dur("poll_interval", p.pollRate).Msg("starting delivery worker pool")

	p.recoverStuck(ctx)

	p.loops.Add(2)
	go func() {
		defer p.loops.Done()
		p.pollLoop(ctx)
	}()
	go func() {
		defer p.loops.Done()
		p.maintenanceLoop(ctx)
	}()
}

func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.log.Info().Msg("stopping delivery worker pool")
		close(p.stop)
		p.loops.Wait()
		p.jobs.Wait()
		p.log.Info().Msg("delivery worker pool stopped")
	})
}

// Trigger asks the poll loop to look for runnable jobs now instead of at the
// next tick.
func (p *Pool) Trigger() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(p.pollRate)
	defer ticker.Stop()

	sem := make(chan struct{}, p.workers)

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
		p.dispatch(ctx, sem)
	}
}

// dispatch claims up to the number of free worker slots and runs each claimed
// job on its own goroutine.
func (p *Pool) dispatch(ctx context.Context, sem chan struct{}) {
	free := cap(sem) - len(sem)
	if free == 0 {
		return
	}

	jobs, err := p.store.ListRunnableJobs(ctx, time.Now().UTC(), free)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to fetch runnable jobs")
		return
	}

	for _, job := range jobs {
		claimed, err := p.store.ClaimJob(ctx, job.ID, time.Now().UTC())
		if err != nil {
			p.log.Error().Err(err).Str("job_id", job.ID).Msg("failed to claim job")
			continue
		}
		if !claimed {
			continue
		}

		job := job
		job.State = models.JobInFlight
		sem <- struct{}{}
		p.jobs.Go(func() {
			defer func() {
				<-sem
				p.Trigger()
			}()
			p.run(ctx, job)
		})
	}
}

func (p *Pool) run(ctx context.Context, job models.DeliveryJob) {
	var pc panics.Catcher
	pc.Try(func() { p.worker.Process(ctx, job) })
	if r := pc.Recovered(); r != nil {
		p.log.Error().Str("job_id", job.ID).Str("panic", fmt.Sprint(r.Value)).Msg("job processing panicked")
		p.worker.Fail(ctx, job, r.AsError())
	}
}

func (p *Pool) maintenanceLoop(ctx context.Context) {
	recoverEvery := p.stuckAfter / 2
	if recoverEvery <= 0 {
		recoverEvery = time.Minute
	}
	recoverTicker := time.NewTicker(recoverEvery)
	defer recoverTicker.Stop()
	purgeTicker := time.NewTicker(purgeInterval)
	defer purgeTicker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-recoverTicker.C:
			p.recoverStuck(ctx)
		case <-purgeTicker.C:
			p.purge(ctx)
		}
	}
}

// recoverStuck returns jobs that have been in flight longer than stuckAfter to
// pending. They belong to a worker that died without finishing them.
func (p *Pool) recoverStuck(ctx context.Context) {
	if p.stuckAfter <= 0 {
		return
	}
	n, err := p.store.RecoverStuckJobs(ctx, time.Now().UTC().Add(-p.stuckAfter))
	if err != nil {
		p.log.Error().Err(err).Msg("failed to recover stuck jobs")
		return
	}
	if n > 0 {
		p.log.Warn().Int64("count", n).Msg("recovered stuck in-flight jobs")
	}
}

func (p *Pool) purge(ctx context.Context) {
	if p.retention <= 0 {
		return
	}
	n, err := p.store.PurgeFinishedJobs(ctx, time.Now().UTC().Add(-p.retention))
	if err != nil {
		p.log.Error().Err(err).Msg("failed to purge finished jobs")
		return
	}
	if n > 0 {
		p.log.Info().Int64("count", n).Msg("purged finished jobs")
	}
}
