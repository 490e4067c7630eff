package emotion

import (
	"sync"
	"time"
)

// SmootherConfig configures the smoothing window.
type SmootherConfig struct {
	// HistorySize is the ring buffer capacity (default: 5)
	HistorySize int
	// Cooldown is the minimum time between two emissions (default: 500ms)
	Cooldown time.Duration
	// Clock overrides the time source, for tests (default: time.Now)
	Clock func() time.Time
}

// DefaultSmootherConfig returns the production smoothing parameters.
func DefaultSmootherConfig() SmootherConfig {
	return SmootherConfig{
		HistorySize: 5,
		Cooldown:    500 * time.Millisecond,
	}
}

// Smoother debounces the raw per-frame label stream into a stable label.
// It keeps a fixed-capacity ring of recent raw labels and emits the mode
// of that window to its sink, at most once per cooldown interval and only
// when the mode differs from the previously emitted label.
//
// Mode ties are broken by the canonical label order (Joy first), not by
// map iteration order, so output is deterministic for a given input
// sequence.
type Smoother struct {
	mu      sync.Mutex
	config  SmootherConfig
	history []Label
	head    int
	count   int

	lastEmitted Label
	lastChange  time.Time
	sink        func(Label)
}

// NewSmoother creates a smoother delivering stable labels to sink.
// Zero config fields are replaced with defaults.
func NewSmoother(config SmootherConfig, sink func(Label)) *Smoother {
	def := DefaultSmootherConfig()
	if config.HistorySize <= 0 {
		config.HistorySize = def.HistorySize
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &Smoother{
		config:      config,
		history:     make([]Label, config.HistorySize),
		lastEmitted: Neutral,
		lastChange:  config.Clock(),
		sink:        sink,
	}
}

// Observe consumes one raw label and emits a stabilized label when the
// window mode changes and the cooldown has elapsed.
func (s *Smoother) Observe(raw Label) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[s.head] = raw
	s.head = (s.head + 1) % len(s.history)
	if s.count < len(s.history) {
		s.count++
	}

	mode := s.modeLocked()
	now := s.config.Clock()
	if mode != s.lastEmitted && now.Sub(s.lastChange) > s.config.Cooldown {
		s.lastEmitted = mode
		s.lastChange = now
		s.sink(mode)
	}
}

// Restart clears the window and rearms the cooldown clock without
// emitting. Called when a mirror session starts.
func (s *Smoother) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count = 0
	s.head = 0
	s.lastEmitted = Neutral
	s.lastChange = s.config.Clock()
}

// Reset clears the window and synchronously emits Neutral to return the
// display to baseline. Called when a mirror session stops.
func (s *Smoother) Reset() {
	s.mu.Lock()
	s.count = 0
	s.head = 0
	s.lastEmitted = Neutral
	sink := s.sink
	s.mu.Unlock()

	sink(Neutral)
}

// Last returns the most recently emitted stable label.
func (s *Smoother) Last() Label {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEmitted
}

// modeLocked returns the most frequent label in the window, ties broken
// by canonical label order. Caller must hold the lock.
func (s *Smoother) modeLocked() Label {
	counts := make(map[Label]int, len(Labels))
	for i := 0; i < s.count; i++ {
		counts[s.history[i]]++
	}

	mode := Neutral
	best := 0
	for _, l := range Labels {
		if counts[l] > best {
			best = counts[l]
			mode = l
		}
	}
	return mode
}
