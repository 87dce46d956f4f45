/*
Logic: per-identity bounded warehouse connection pool (§4.4), adapted from
the donor gateway's provider.ConnectionPool (provider/pool.go) which keeps
one shared *http.Transport per upstream provider name with pooling knobs
and a metrics-recording RoundTripper wrapper. Here the "transport" is a
pgxpool.Pool per warehouse identity instead of an HTTP transport, selected
through the vault + breaker rather than a static provider map, and the
metrics wrapper becomes checkout/return counters instead of RoundTrip
instrumentation.
*/
package warehouse

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/AlfredDev/actcore/internal/apierr"
	"github.com/AlfredDev/actcore/internal/breaker"
	"github.com/AlfredDev/actcore/internal/vault"
)

// PoolConfig mirrors the donor's connection-pool tuning knobs, adapted
// from HTTP transport settings to pgxpool settings.
type PoolConfig struct {
	MaxConnsPrimary int
	MaxConnsBackup  int
	AcquireTimeout  time.Duration
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	LivenessProbe   time.Duration
}

// DefaultPoolConfig returns production defaults (§4.4: "Pool size derives
// from identity metadata (primary ~15, backups smaller)").
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnsPrimary: 15,
		MaxConnsBackup:  5,
		AcquireTimeout:  5 * time.Second,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 10 * time.Minute,
		LivenessProbe:   30 * time.Second,
	}
}

// DSNBuilder constructs a Postgres-wire connection string for an identity.
// The warehouse is modeled as a Postgres-wire-compatible endpoint — see
// SPEC_FULL.md §B for why pgx was chosen as the concrete driver.
type DSNBuilder func(username, password string) string

// ConnGaugeSink receives per-identity open-connection counts from the
// liveness probe. observability.Metrics satisfies this without the
// warehouse package importing observability.
type ConnGaugeSink interface {
	SetPoolConns(identity string, n int)
}

// Manager selects identities via vault + breaker and checks out pooled
// connections against them (§4.4 GetConnection algorithm).
type Manager struct {
	logger  zerolog.Logger
	vault   *vault.Vault
	breaker *breaker.Breaker
	cfg     PoolConfig
	dsn     DSNBuilder
	metrics ConnGaugeSink

	mu    sync.RWMutex
	pools map[string]*pgxpool.Pool

	checkouts int64
	waits     int64
	cancel    context.CancelFunc
}

// NewManager creates a pool manager backed by vault and breaker. metrics may
// be nil, in which case pool connection counts are simply not reported.
func NewManager(logger zerolog.Logger, v *vault.Vault, br *breaker.Breaker, cfg PoolConfig, dsn DSNBuilder, metrics ConnGaugeSink) *Manager {
	return &Manager{
		logger:  logger.With().Str("component", "warehouse_pool").Logger(),
		vault:   v,
		breaker: br,
		cfg:     cfg,
		dsn:     dsn,
		metrics: metrics,
		pools:   make(map[string]*pgxpool.Pool),
	}
}

// Checkout implements §4.4's GetConnection algorithm:
//  1. Ask vault for candidate identity; if preferred is given and its
//     breaker permits, use it.
//  2. If breaker rejects, ask vault for the next candidate.
//  3. Check out (or lazily create) that identity's pool.
//  4. Return (connection, identity); caller MUST call Release.
func (m *Manager) Checkout(ctx context.Context, preferred string) (*pgxpool.Conn, string, error) {
	identity := ""
	if preferred != "" && m.breaker.CanExecute(preferred) {
		if _, ok := m.vault.Get(preferred); ok {
			identity = preferred
		}
	}

	if identity == "" {
		for attempts := 0; attempts < 8; attempts++ {
			cand, ok := m.vault.NextAccount()
			if !ok {
				return nil, "", apierr.New(apierr.Unavailable, "no warehouse identity available")
			}
			if m.breaker.CanExecute(cand.Username) {
				identity = cand.Username
				break
			}
			// breaker already open for cand; nothing failed here, just skip it
		}
	}
	if identity == "" {
		return nil, "", apierr.New(apierr.Unavailable, "all warehouse identities are open-circuit")
	}

	pool, err := m.poolFor(identity)
	if err != nil {
		m.breaker.RecordFailure(identity)
		m.vault.RecordFailure(identity, err)
		return nil, "", apierr.Wrap(apierr.Unavailable, err, "acquire pool for %s", identity)
	}

	acquireCtx, cancel := context.WithTimeout(ctx, m.cfg.AcquireTimeout)
	defer cancel()

	atomic.AddInt64(&m.waits, 1)
	conn, err := pool.Acquire(acquireCtx)
	atomic.AddInt64(&m.waits, -1)
	if err != nil {
		m.breaker.RecordFailure(identity)
		m.vault.RecordFailure(identity, err)
		return nil, "", apierr.Wrap(apierr.Timeout, err, "acquire connection for %s", identity)
	}

	atomic.AddInt64(&m.checkouts, 1)
	return conn, identity, nil
}

// Release returns the connection and records the outcome to the breaker and
// vault. Callers must always invoke this, even on error paths.
func (m *Manager) Release(conn *pgxpool.Conn, identity string, err error) {
	if conn != nil {
		conn.Release()
	}
	if err != nil {
		m.breaker.RecordFailure(identity)
		m.vault.RecordFailure(identity, err)
		return
	}
	m.breaker.RecordSuccess(identity)
	m.vault.RecordSuccess(identity)
}

func (m *Manager) poolFor(identity string) (*pgxpool.Pool, error) {
	m.mu.RLock()
	if p, ok := m.pools[identity]; ok {
		m.mu.RUnlock()
		return p, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[identity]; ok {
		return p, nil
	}

	cred, ok := m.vault.Get(identity)
	if !ok {
		return nil, fmt.Errorf("unknown identity %q", identity)
	}

	maxConns := m.cfg.MaxConnsBackup
	if cred.Priority == 1 {
		maxConns = m.cfg.MaxConnsPrimary
	}
	if cred.MaxConnections > 0 {
		maxConns = cred.MaxConnections
	}

	poolCfg, err := pgxpool.ParseConfig(m.dsn(cred.Username, cred.Password))
	if err != nil {
		return nil, fmt.Errorf("parse DSN for %s: %w", identity, err)
	}
	poolCfg.MaxConns = int32(maxConns)
	poolCfg.MaxConnLifetime = m.cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = m.cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool for %s: %w", identity, err)
	}
	m.pools[identity] = pool
	return pool, nil
}

// StartLivenessProbe launches a background goroutine that periodically
// pings every open pool, evicting any that fail so the next checkout
// recreates them lazily (§4.4: "Periodic liveness probe (every 30s) evicts
// broken connections; lazy replacement on next checkout").
func (m *Manager) StartLivenessProbe(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	go func() {
		ticker := time.NewTicker(m.cfg.LivenessProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probeAll(ctx)
			}
		}
	}()
}

func (m *Manager) probeAll(ctx context.Context) {
	m.mu.RLock()
	identities := make([]string, 0, len(m.pools))
	pools := make(map[string]*pgxpool.Pool, len(m.pools))
	for name, p := range m.pools {
		identities = append(identities, name)
		pools[name] = p
	}
	m.mu.RUnlock()

	for _, name := range identities {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := pools[name].Ping(probeCtx)
		cancel()
		if err != nil {
			m.logger.Warn().Str("identity", name).Err(err).Msg("warehouse pool liveness probe failed, evicting")
			m.mu.Lock()
			delete(m.pools, name)
			m.mu.Unlock()
			pools[name].Close()
			if m.metrics != nil {
				m.metrics.SetPoolConns(name, 0)
			}
			continue
		}
		if m.metrics != nil {
			m.metrics.SetPoolConns(name, int(pools[name].Stat().TotalConns()))
		}
	}
}

// Stats summarizes checkout activity for the metrics endpoint.
type Stats struct {
	Checkouts int64          `json:"checkouts"`
	Waiting   int64          `json:"waiting"`
	Pools     map[string]int `json:"pools"` // identity -> total conns
}

// Metrics returns a snapshot of pool activity.
func (m *Manager) Metrics() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pools := make(map[string]int, len(m.pools))
	for name, p := range m.pools {
		pools[name] = int(p.Stat().TotalConns())
	}
	return Stats{
		Checkouts: atomic.LoadInt64(&m.checkouts),
		Waiting:   atomic.LoadInt64(&m.waits),
		Pools:     pools,
	}
}

// Close shuts down the liveness probe and every open pool.
func (m *Manager) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		p.Close()
	}
}
