package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/SimonWolf/OEEG/internal/solar"
)

// WritePool persists readings in the background on behalf of callers
// whose read path must not wait for durability. Write failures are
// logged and counted, never surfaced to the caller that dispatched the
// write.
type WritePool struct {
	store  *FragmentStore
	logger *slog.Logger
	jobs   chan writeJob
	wg     sync.WaitGroup

	mu       sync.Mutex
	failures int
}

type writeJob struct {
	site     string
	date     time.Time
	readings []solar.Reading
}

// NewWritePool starts workers draining a bounded queue.
func NewWritePool(s *FragmentStore, logger *slog.Logger, workers, queueSize int) *WritePool {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	p := &WritePool{
		store:  s,
		logger: logger,
		jobs:   make(chan writeJob, queueSize),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues a detached write. The caller returns before the data
// is durable; if the queue is full, Submit blocks until a worker frees
// a slot.
func (p *WritePool) Submit(site string, date time.Time, readings []solar.Reading) {
	p.jobs <- writeJob{site: site, date: date, readings: readings}
}

func (p *WritePool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		if err := p.store.Append(context.Background(), job.readings); err != nil {
			p.mu.Lock()
			p.failures++
			p.mu.Unlock()
			p.logger.Error("background write failed",
				"site", job.site,
				"date", job.date.Format(time.DateOnly),
				"rows", len(job.readings),
				"error", err,
			)
			continue
		}
		p.logger.Debug("background write complete",
			"site", job.site,
			"date", job.date.Format(time.DateOnly),
			"rows", len(job.readings),
		)
	}
}

// Failures reports the number of background writes that failed.
func (p *WritePool) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// Close stops accepting writes and drains the queue.
func (p *WritePool) Close() {
	close(p.jobs)
	p.wg.Wait()
}
