package tick

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MaxRetries bounds transient-failure retries for one job item, per
// the "bounded timeout with at most one retry on transport
// failure" — tick jobs allow a couple more attempts since a failure here
// is a whole business's recompute, not a single provider call.
const MaxRetries = 3

type queuedJob struct {
	TypeID     string
	BusinessID string
}

// Processor runs one job at a time, resolving dependencies and retrying
// transient failures. There is no concept of market hours or trading
// sessions here; every job runs whenever it's due.
type Processor struct {
	registry *Registry
	cache    *Cache
	log      zerolog.Logger

	mu         sync.Mutex
	queue      []*queuedJob
	queued     map[string]bool
	retryQueue []*JobItem
}

func NewProcessor(registry *Registry, cache *Cache, log zerolog.Logger) *Processor {
	return &Processor{
		registry: registry,
		cache:    cache,
		log:      log,
		queued:   make(map[string]bool),
	}
}

func queueKey(typeID, businessID string) string { return typeID + ":" + businessID }

// RunOnce populates the queue from every job type's FindSubjects and
// drains it to completion, respecting dependency order. It's synchronous:
// the caller (the cron-driven Scheduler) controls concurrency across
// firings, not the Processor.
func (p *Processor) RunOnce() {
	p.populate()

	for {
		item, jt := p.next()
		if item == nil {
			return
		}
		p.run(item, jt)
	}
}

func (p *Processor) populate() {
	for _, jt := range p.registry.All() {
		for _, businessID := range jt.FindSubjects() {
			key := queueKey(jt.ID, businessID)
			p.mu.Lock()
			if !p.queued[key] {
				p.queue = append(p.queue, &queuedJob{TypeID: jt.ID, BusinessID: businessID})
				p.queued[key] = true
			}
			p.mu.Unlock()
		}
	}
}

func (p *Processor) next() (*JobItem, *JobType) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) > 0 {
		qj := p.queue[0]
		p.queue = p.queue[1:]
		delete(p.queued, queueKey(qj.TypeID, qj.BusinessID))

		jt := p.registry.Get(qj.TypeID)
		if jt == nil {
			continue
		}

		if !p.dependenciesMet(jt, qj.BusinessID) {
			// dependency hasn't run yet this cycle: requeue behind it.
			for _, depID := range jt.DependsOn {
				depKey := queueKey(depID, qj.BusinessID)
				if !p.queued[depKey] && p.cache.GetExpiresAt(depKey) == 0 {
					p.queue = append(p.queue, &queuedJob{TypeID: depID, BusinessID: qj.BusinessID})
					p.queued[depKey] = true
				}
			}
			p.queue = append(p.queue, qj)
			p.queued[queueKey(qj.TypeID, qj.BusinessID)] = true
			continue
		}

		return newJobItem(jt, qj.BusinessID), jt
	}

	if len(p.retryQueue) > 0 {
		item := p.retryQueue[0]
		p.retryQueue = p.retryQueue[1:]
		jt := p.registry.Get(item.TypeID)
		if jt == nil {
			return nil, nil
		}
		return item, jt
	}

	return nil, nil
}

func (p *Processor) dependenciesMet(jt *JobType, businessID string) bool {
	for _, depID := range jt.DependsOn {
		if p.cache.GetExpiresAt(queueKey(depID, businessID)) == 0 {
			return false
		}
	}
	return true
}

func (p *Processor) run(item *JobItem, jt *JobType) {
	err := jt.Execute(item.BusinessID)
	if err != nil {
		item.Retries++
		if item.Retries <= MaxRetries {
			p.mu.Lock()
			p.retryQueue = append(p.retryQueue, item)
			p.mu.Unlock()
			return
		}
		p.log.Error().Err(err).Str("job", item.ID).Int("retries", item.Retries).Msg("tick job failed permanently")
		return
	}

	// Mark done so dependants see this business as eligible. The TTL is
	// stored with the row, but no job is skipped because of it.
	if err := p.cache.MarkDone(item.ID, time.Minute); err != nil {
		p.log.Warn().Err(err).Str("job", item.ID).Msg("failed to record job completion")
	}
}
