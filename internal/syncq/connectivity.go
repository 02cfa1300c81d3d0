package syncq

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pinbridge/vault/internal/logging"
)

// DefaultPingInterval is how often the monitor pings the remote store
const DefaultPingInterval = 15 * time.Second

// Pinger checks remote reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor polls a Pinger and reports connectivity changes. The remote is
// assumed reachable until the first failed ping.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	onChange func(online bool)
	log      *logrus.Entry

	mu     sync.Mutex
	online bool
}

// NewMonitor creates a monitor calling onChange on every transition
func NewMonitor(pinger Pinger, interval time.Duration, onChange func(online bool), logger *logrus.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	timeout := interval
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Monitor{
		pinger:   pinger,
		interval: interval,
		timeout:  timeout,
		onChange: onChange,
		log:      logging.Component(logger, "syncq.monitor"),
		online:   true,
	}
}

// Online returns the last observed connectivity
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Check pings once and returns the observed connectivity
func (m *Monitor) Check(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.pinger.Ping(pingCtx)
	cancel()
	online := err == nil

	m.mu.Lock()
	changed := online != m.online
	m.online = online
	m.mu.Unlock()

	if changed {
		if online {
			m.log.Info("remote store reachable")
		} else {
			m.log.WithError(err).Warn("remote store unreachable")
		}
		if m.onChange != nil {
			m.onChange(online)
		}
	}
	return online
}

// Run pings until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
