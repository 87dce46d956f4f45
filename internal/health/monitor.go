/*
Logic: background health monitor that periodically probes every warehouse
identity with CHECK_HEALTH and fires alert callbacks on status transitions.
It does not read or aggregate pool or breaker metrics.
Adapted directly from the donor gateway's provider.HealthPoller
(provider/healthpoller.go) — same ticker-loop shape, same
lastStatus-map transition detection — retargeted from LLM-provider HTTP
health checks to warehouse-identity CHECK_HEALTH queries.
*/
package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/AlfredDev/actcore/internal/breaker"
	"github.com/AlfredDev/actcore/internal/vault"
	"github.com/AlfredDev/actcore/internal/warehouse"
)

// Status describes a single identity's latest probe result.
type Status struct {
	Healthy bool
	Latency time.Duration
	Error   string
}

// Monitor periodically runs CHECK_HEALTH against every vault identity.
type Monitor struct {
	client   *warehouse.Client
	vault    *vault.Vault
	breaker  *breaker.Breaker
	logger   zerolog.Logger
	interval time.Duration

	mu             sync.RWMutex
	lastStatus     map[string]bool
	statusChangeCB func(identity string, healthy bool, status Status)

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor that checks all identities at the given interval
// (minimum 5 seconds).
func New(client *warehouse.Client, v *vault.Vault, br *breaker.Breaker, logger zerolog.Logger, interval time.Duration) *Monitor {
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}
	return &Monitor{
		client:     client,
		vault:      v,
		breaker:    br,
		logger:     logger.With().Str("component", "health_monitor").Logger(),
		interval:   interval,
		lastStatus: make(map[string]bool),
		done:       make(chan struct{}),
	}
}

// OnStatusChange registers a callback invoked on healthy<->unhealthy
// transitions (used to drive operator alerts).
func (m *Monitor) OnStatusChange(cb func(identity string, healthy bool, status Status)) {
	m.statusChangeCB = cb
}

// Start begins the background polling loop.
func (m *Monitor) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	go m.loop(ctx)
}

// Stop gracefully shuts down the monitor.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	<-m.done
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	m.poll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *Monitor) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, m.interval/2)
	defer cancel()

	results := make(map[string]Status)
	for _, cred := range m.vault.All() {
		start := time.Now()
		_, err := m.client.Query(pollCtx, cred.Username, "CHECK_HEALTH")
		status := Status{Latency: time.Since(start)}
		if err != nil {
			status.Healthy = false
			status.Error = err.Error()
		} else {
			status.Healthy = true
		}
		results[cred.Username] = status
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for name, status := range results {
		wasHealthy, known := m.lastStatus[name]
		if known && wasHealthy != status.Healthy {
			transition := "recovered"
			if !status.Healthy {
				transition = "degraded"
			}
			m.logger.Warn().
				Str("identity", name).
				Str("transition", transition).
				Str("error", status.Error).
				Dur("latency", status.Latency).
				Msg("warehouse identity status change")
			if m.statusChangeCB != nil {
				m.statusChangeCB(name, status.Healthy, status)
			}
		}
		m.lastStatus[name] = status.Healthy
	}
}

// Status returns the last-known health of a single identity.
func (m *Monitor) Status(identity string) (bool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	healthy, ok := m.lastStatus[identity]
	return healthy, ok
}

// All returns the last-known health of every probed identity.
func (m *Monitor) All() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.lastStatus))
	for k, v := range m.lastStatus {
		out[k] = v
	}
	return out
}
