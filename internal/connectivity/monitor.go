package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Prober checks whether the remote store is reachable
type Prober interface {
	Probe(ctx context.Context) error
}

// Callback is invoked with the new state on every connectivity edge
type Callback func(online bool)

// Config holds monitor timing settings
type Config struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	Debounce      time.Duration
}

// DefaultConfig returns the default monitor timings
func DefaultConfig() Config {
	return Config{
		ProbeInterval: 10 * time.Second,
		ProbeTimeout:  5 * time.Second,
		Debounce:      2 * time.Second,
	}
}

// Monitor tracks remote reachability and notifies subscribers on changes.
// Observations that flip back and forth inside the debounce window collapse
// into a single notification for the state that holds at the end of it.
type Monitor struct {
	prober Prober
	config Config
	logger *slog.Logger

	mu         sync.Mutex
	online     bool
	observed   bool
	generation uint64
	timer      *time.Timer
	subs       []subscription
	nextID     uint64

	notifyMu sync.Mutex

	started  bool
	stopped  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

type subscription struct {
	id       uint64
	callback Callback
}

// NewMonitor creates a monitor. A nil prober means state only changes through Report.
func NewMonitor(prober Prober, config Config, logger *slog.Logger) *Monitor {
	defaults := DefaultConfig()
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = defaults.ProbeInterval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = defaults.ProbeTimeout
	}
	if config.Debounce < 0 {
		config.Debounce = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		prober:   prober,
		config:   config,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start sets the initial state from a synchronous probe, without notifying, and then probes periodically
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	if m.prober != nil {
		online := m.probe(ctx)
		m.mu.Lock()
		m.online = online
		m.observed = online
		m.mu.Unlock()
		m.logger.Info("Connectivity monitor started", "online", online, "probe_interval", m.config.ProbeInterval)

		m.wg.Add(1)
		go m.probeLoop(ctx)
	}
}

// Stop ends probing and cancels any pending debounced notification
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.generation++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("Connectivity monitor stopped")
}

// IsOnline returns the current debounced state
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetInitial sets the state without notifying subscribers; used when no prober is configured
func (m *Monitor) SetInitial(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
	m.observed = online
}

// Subscribe registers callback for connectivity edges and returns an unsubscribe function.
// Callbacks must not block.
func (m *Monitor) Subscribe(callback Callback) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscription{id: id, callback: callback})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.subs {
			if sub.id == id {
				m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// Report feeds an observation into the monitor
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if online == m.observed {
		m.mu.Unlock()
		return
	}
	m.observed = online
	m.generation++
	generation := m.generation
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}

	if online == m.online {
		// Flapped back inside the window
		m.mu.Unlock()
		return
	}

	if m.config.Debounce == 0 {
		m.mu.Unlock()
		m.commit(generation)
		return
	}
	m.timer = time.AfterFunc(m.config.Debounce, func() { m.commit(generation) })
	m.mu.Unlock()
}

func (m *Monitor) commit(generation uint64) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if generation != m.generation || m.stopped || m.observed == m.online {
		m.mu.Unlock()
		return
	}
	m.online = m.observed
	m.timer = nil
	online := m.online
	callbacks := make([]Callback, 0, len(m.subs))
	for _, sub := range m.subs {
		callbacks = append(callbacks, sub.callback)
	}
	m.mu.Unlock()

	if online {
		m.logger.Info("Connectivity restored")
	} else {
		m.logger.Warn("Connectivity lost")
	}

	for _, callback := range callbacks {
		callback(online)
	}
}

func (m *Monitor) probeLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Report(m.probe(ctx))
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	if err := m.prober.Probe(probeCtx); err != nil {
		m.logger.Debug("Connectivity probe failed", "error", err)
		return false
	}
	return true
}
