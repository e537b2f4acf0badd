// Package netmon provides the process-wide online/offline signal.
// Waiters are event-driven: they block on the updates channel instead
// of polling the flag.
package netmon

import (
	"context"
	"errors"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultProbeTimeout = 2 * time.Second
)

var ErrProbeAddr = errors.New("cannot derive probe address")

type Monitor struct {
	logger  zerolog.Logger
	mx      *sync.Mutex
	online  bool
	updates chan bool
}

func New(logger *zerolog.Logger, initiallyOnline bool) *Monitor {
	return &Monitor{
		logger:  logger.With().Str("component", "netmon").Logger(),
		mx:      &sync.Mutex{},
		online:  initiallyOnline,
		updates: make(chan bool, 1),
	}
}

func (m *Monitor) Online() bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.online
}

// Updates delivers connectivity transitions, coalesced to the latest.
func (m *Monitor) Updates() <-chan bool {
	return m.updates
}

// Set records a connectivity transition and notifies the waiter.
// Setting the current state again is a no-op.
func (m *Monitor) Set(online bool) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	m.logger.Info().Bool("online", online).Msg("connectivity changed")

	// keep only the latest transition buffered
	select {
	case m.updates <- online:
	default:
		select {
		case <-m.updates:
		default:
		}
		m.updates <- online
	}
}

// RunProbe feeds the monitor by periodically dialing addr. The probe
// is the signal's source; consumers still wait on events, not polls.
func (m *Monitor) RunProbe(ctx context.Context, wg *sync.WaitGroup, addr string, interval time.Duration) {
	defer func() {
		m.logger.Debug().Msg("probe stopped")
		wg.Done()
	}()

	probe := func() {
		conn, err := net.DialTimeout("tcp", addr, defaultProbeTimeout)
		if err != nil {
			m.Set(false)
			return
		}
		_ = conn.Close()
		m.Set(true)
	}

	probe()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probe()
		}
	}
}

// ProbeAddrFromURL derives a host:port dial target from a ws/wss/http
// URL, filling in the scheme's default port when missing.
func ProbeAddrFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Join(ErrProbeAddr, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", ErrProbeAddr
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "wss", "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return net.JoinHostPort(host, port), nil
}
