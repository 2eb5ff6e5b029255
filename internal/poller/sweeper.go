package poller

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/edgeforge/cdn-orchestrator/internal/models"
)

const (
	inProgressBackoffStep = 60 * time.Second
	inProgressBackoffCap  = 300 * time.Second
	defaultRecheckDelay   = 30 * time.Second
)

// SweeperConfig tunes the sweep loop.
type SweeperConfig struct {
	// TickInterval is how often the pending set is re-enumerated.
	// Defaults to 10s.
	TickInterval time.Duration

	// MaxConcurrent bounds parallel status checks. Defaults to 4.
	MaxConcurrent int
}

// Sweeper repeatedly enumerates pending distributions and checks each one
// that is due. A distribution repeatedly observed InProgress is rechecked
// with a stretched interval, since CloudFront deployments routinely take
// many minutes; any other observation resets to the base delay.
type Sweeper struct {
	poller *Poller
	cfg    SweeperConfig

	mu       sync.Mutex
	attempts map[string]int
	nextDue  map[string]time.Time
}

func NewSweeper(p *Poller, cfg SweeperConfig) *Sweeper {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	return &Sweeper{
		poller:   p,
		cfg:      cfg,
		attempts: map[string]int{},
		nextDue:  map[string]time.Time{},
	}
}

// Run blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	log.Printf("[poller] sweeper started (tick %s, concurrency %d)", s.cfg.TickInterval, s.cfg.MaxConcurrent)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[poller] sweeper stopped")
			return
		case <-time.After(s.cfg.TickInterval):
		}
		s.sweep(ctx)
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	pending, err := s.poller.store.ListPendingDistributions(ctx)
	if err != nil {
		log.Printf("[poller] list pending: %v", err)
		return
	}
	s.forget(pending)

	sem := make(chan struct{}, s.cfg.MaxConcurrent)
	var wg sync.WaitGroup
	now := time.Now()
	for _, d := range pending {
		if !s.due(d.ID, now) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(d models.Distribution) {
			defer wg.Done()
			defer func() { <-sem }()
			observed, err := s.poller.CheckStatus(ctx, d.ID)
			if err != nil {
				log.Printf("[poller] check %s: %v", d.ID, err)
			}
			s.schedule(d.ID, d.Status, observed)
		}(d)
	}
	wg.Wait()
}

func (s *Sweeper) due(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := s.nextDue[id]
	return !ok || !now.Before(next)
}

// schedule computes when the distribution is next checked. Consecutive
// unchanged InProgress observations back off linearly up to the cap.
func (s *Sweeper) schedule(id string, previous, observed models.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if observed == models.StatusInProgress && previous == models.StatusInProgress {
		s.attempts[id]++
		delay := time.Duration(s.attempts[id]) * inProgressBackoffStep
		if delay > inProgressBackoffCap {
			delay = inProgressBackoffCap
		}
		s.nextDue[id] = time.Now().Add(delay)
		return
	}
	s.attempts[id] = 0
	s.nextDue[id] = time.Now().Add(defaultRecheckDelay)
}

// forget drops schedule state for distributions no longer pending so the
// maps do not grow without bound.
func (s *Sweeper) forget(pending []models.Distribution) {
	keep := make(map[string]bool, len(pending))
	for _, d := range pending {
		keep[d.ID] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.nextDue {
		if !keep[id] {
			delete(s.nextDue, id)
			delete(s.attempts, id)
		}
	}
}
