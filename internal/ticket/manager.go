/*
Logic: ticket manager for async submit_query handling (§4: queries that
can't complete within the RPC's latency budget return a ticket id
immediately; a background worker resolves it). Grounded on the donor
gateway's provider.HealthPoller ticker-loop shape (provider/healthpoller.go)
for the periodic TTL-eviction sweep, combined with a simple state-machine
map in the manner of breaker.identityState's mutex-guarded per-key struct.
*/
package ticket

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/actcore/internal/model"
)

// Manager holds in-flight tickets with TTL-based eviction.
type Manager struct {
	logger zerolog.Logger
	ttl    time.Duration

	mu      sync.RWMutex
	tickets map[string]*model.Ticket

	cancel chan struct{}
	done   chan struct{}
}

// New creates a ticket manager that evicts done and errored tickets once
// ttl has passed since their creation; pending and running tickets are kept.
func New(logger zerolog.Logger, ttl time.Duration) *Manager {
	return &Manager{
		logger:  logger.With().Str("component", "ticket_manager").Logger(),
		ttl:     ttl,
		tickets: make(map[string]*model.Ticket),
		cancel:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Create registers a new pending ticket for a submitted query and returns it.
func (m *Manager) Create(templateName string, params []interface{}, byteCap int64, queryTag string) *model.Ticket {
	t := &model.Ticket{
		TicketID:     uuid.NewString(),
		TemplateName: templateName,
		Params:       params,
		ByteCap:      byteCap,
		QueryTag:     queryTag,
		Status:       model.TicketPending,
		CreatedAt:    time.Now(),
	}
	m.mu.Lock()
	m.tickets[t.TicketID] = t
	m.mu.Unlock()
	return t
}

// MarkRunning transitions a ticket to running.
func (m *Manager) MarkRunning(id string) {
	m.update(id, func(t *model.Ticket) { t.Status = model.TicketRunning })
}

// Complete transitions a ticket to done with its result.
func (m *Manager) Complete(id string, result []byte, artifact *model.ArtifactRef) {
	m.update(id, func(t *model.Ticket) {
		t.Status = model.TicketDone
		t.Result = result
		t.Artifact = artifact
	})
}

// Fail transitions a ticket to error with a message.
func (m *Manager) Fail(id string, cause error) {
	m.update(id, func(t *model.Ticket) {
		t.Status = model.TicketError
		if cause != nil {
			t.Error = cause.Error()
		}
	})
}

func (m *Manager) update(id string, mutate func(*model.Ticket)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return
	}
	mutate(t)
}

// Get returns a copy of the ticket, or false if unknown/evicted.
func (m *Manager) Get(id string) (model.Ticket, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tickets[id]
	if !ok {
		return model.Ticket{}, false
	}
	return *t, true
}

// Start launches the periodic TTL-eviction sweep.
func (m *Manager) Start() {
	go m.sweepLoop()
}

// Stop halts the eviction sweep.
func (m *Manager) Stop() {
	close(m.cancel)
	<-m.done
}

func (m *Manager) sweepLoop() {
	defer close(m.done)
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.cancel:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	evicted := 0
	for id, t := range m.tickets {
		if t.CreatedAt.Before(cutoff) && t.Status != model.TicketPending && t.Status != model.TicketRunning {
			delete(m.tickets, id)
			evicted++
		}
	}
	if evicted > 0 {
		m.logger.Debug().Int("evicted", evicted).Msg("ticket sweep evicted stale entries")
	}
}

// Count returns the number of live tickets, for metrics.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tickets)
}
