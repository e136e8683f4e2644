package ideation

import (
	"sync"
	"time"

	"github.com/buildswarm/orchestrator/pkg/clock"
	"github.com/buildswarm/orchestrator/pkg/config"
	"github.com/buildswarm/orchestrator/pkg/orcherr"
)

// selector rotates over the catalog with smooth weighted round-robin.
// A picked category cools down for CategoryCooldown; a category whose
// proposal failed validation backs off exponentially instead, doubling
// per consecutive failure up to FailureBackoffCap.
type selector struct {
	mu        sync.Mutex
	cats      []Category
	byTag     map[string]int
	current   []int
	notBefore []time.Time
	failures  []int
	cfg       *config.IdeationConfig
	clk       clock.Clock
}

func newSelector(cats []Category, cfg *config.IdeationConfig, clk clock.Clock) *selector {
	s := &selector{
		cats:      cats,
		byTag:     make(map[string]int, len(cats)),
		current:   make([]int, len(cats)),
		notBefore: make([]time.Time, len(cats)),
		failures:  make([]int, len(cats)),
		cfg:       cfg,
		clk:       clk,
	}
	for i, c := range cats {
		s.byTag[c.Tag] = i
	}
	return s
}

// next picks the next eligible category and starts its cooldown. The
// second return is false when every category is cooling down or backing
// off. Ties go to the lowest catalog index, so a cold start walks the
// catalog in order.
func (s *selector) next() (Category, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	total := 0
	best := -1
	for i := range s.cats {
		if now.Before(s.notBefore[i]) {
			continue
		}
		s.current[i] += s.cats[i].Weight
		total += s.cats[i].Weight
		if best == -1 || s.current[i] > s.current[best] {
			best = i
		}
	}
	if best == -1 {
		return Category{}, false
	}
	s.current[best] -= total
	s.notBefore[best] = now.Add(s.cfg.CategoryCooldown)
	return s.cats[best], true
}

// fail records a validation failure and pushes the category out of
// rotation for the backoff window.
func (s *selector) fail(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byTag[tag]
	if !ok {
		return
	}
	s.failures[i]++
	backoff := s.cfg.FailureBackoffBase << (s.failures[i] - 1)
	if backoff <= 0 || backoff > s.cfg.FailureBackoffCap {
		backoff = s.cfg.FailureBackoffCap
	}
	s.notBefore[i] = s.clk.Now().Add(backoff)
}

// succeed clears the failure streak. The cooldown from the pick stands.
func (s *selector) succeed(tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i, ok := s.byTag[tag]; ok {
		s.failures[i] = 0
	}
}

// setWeight tunes one category's rotation share.
func (s *selector) setWeight(tag string, weight int) error {
	if weight < 1 {
		return orcherr.New(orcherr.KindInvariant, "category weight must be >= 1, got %d", weight)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.byTag[tag]
	if !ok {
		return orcherr.New(orcherr.KindNotFound, "unknown category %q", tag)
	}
	s.cats[i].Weight = weight
	return nil
}
