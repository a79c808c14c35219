// Package proxypool owns the SOCKS5 proxies used for SMTP dialing. It hands
// out entries under round-robin rotation with a per-proxy cooldown, failure
// budget and concurrent-connection cap. The pool is the only shared mutable
// state in the engine; every mutation runs under one mutex.
package proxypool

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/net/proxy"

	"github.com/optimode/mailprobe/internal/metrics"
)

// Pool tuning constants.
const (
	MaxFailures    = 3
	MaxConnections = 3
	Cooldown       = 30 * time.Second

	// ConnectTimeout bounds the SOCKS5 dial, handshake included.
	ConnectTimeout = 10 * time.Second
)

// Entry is one SOCKS5 proxy with its rotation state. All fields besides the
// endpoint are guarded by the owning pool's mutex.
type Entry struct {
	Host     string
	Port     int
	Username string
	Password string

	failures    int
	activeConns int
	lastUsed    time.Time
}

// Addr returns the host:port endpoint of the proxy.
func (e *Entry) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// DialContext dials the target address through this proxy, honouring ctx
// and the pool connect timeout.
func (e *Entry) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var auth *proxy.Auth
	if e.Username != "" {
		auth = &proxy.Auth{User: e.Username, Password: e.Password}
	}

	dialer, err := proxy.SOCKS5("tcp", e.Addr(), auth, &net.Dialer{Timeout: ConnectTimeout})
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer for %s: %w", e.Addr(), err)
	}

	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	cd, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return dialer.Dial(network, addr)
	}
	conn, err := cd.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("socks5 connect via %s: %w", e.Addr(), err)
	}
	return conn, nil
}

// Pool is a thread-safe rotation over a fixed set of proxies.
type Pool struct {
	mu      sync.Mutex
	entries []*Entry
	cursor  int
	now     func() time.Time
	log     hclog.Logger
}

// New creates an empty pool. An empty pool is legal; Acquire returns nil and
// callers dial directly.
func New(log hclog.Logger) *Pool {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Pool{now: time.Now, log: log.Named("proxypool")}
}

// NewWithClock creates a pool with an injectable clock, for cooldown tests.
func NewWithClock(log hclog.Logger, now func() time.Time) *Pool {
	p := New(log)
	p.now = now
	return p
}

// Load reads proxies from a text file, one "host:port[:user[:pass]]" per
// line. Blank lines and lines starting with '#' are ignored; malformed
// lines are skipped with a warning.
func (p *Pool) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open proxies file: %w", err)
	}
	defer f.Close()

	var entries []*Entry
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := parseLine(line)
		if err != nil {
			p.log.Warn("skipping malformed proxy line", "line", lineNo, "err", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read proxies file: %w", err)
	}

	p.mu.Lock()
	p.entries = append(p.entries, entries...)
	p.mu.Unlock()

	p.log.Info("proxy pool loaded", "path", path, "proxies", len(entries))
	return nil
}

// Add appends a single proxy entry. Used by tests and programmatic setup.
func (p *Pool) Add(e *Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, e)
}

func parseLine(line string) (*Entry, error) {
	parts := strings.Split(line, ":")
	if len(parts) < 2 || len(parts) > 4 {
		return nil, fmt.Errorf("want host:port[:user[:pass]], got %d fields", len(parts))
	}
	if parts[0] == "" {
		return nil, fmt.Errorf("empty host")
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("bad port %q", parts[1])
	}
	e := &Entry{Host: parts[0], Port: port}
	if len(parts) > 2 {
		e.Username = parts[2]
	}
	if len(parts) > 3 {
		e.Password = parts[3]
	}
	return e, nil
}

// Len returns the number of proxies in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Acquire returns the next eligible proxy, marking it used, or nil when
// none is available. If every proxy has exhausted its failure budget the
// pool resets all counters once and retries the scan.
func (p *Pool) Acquire() *Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.entries) == 0 {
		return nil
	}

	if e := p.scanLocked(); e != nil {
		metrics.ProxyAcquiresTotal.WithLabelValues("ok").Inc()
		return e
	}

	if p.allFailedLocked() {
		p.log.Warn("all proxies exhausted, resetting failure counters")
		metrics.ProxyResetsTotal.Inc()
		for _, e := range p.entries {
			e.failures = 0
			e.activeConns = 0
			e.lastUsed = time.Time{}
		}
		metrics.ProxyActiveConnections.Set(0)
		if e := p.scanLocked(); e != nil {
			metrics.ProxyAcquiresTotal.WithLabelValues("ok").Inc()
			return e
		}
	}

	metrics.ProxyAcquiresTotal.WithLabelValues("exhausted").Inc()
	return nil
}

// scanLocked walks at most one full cycle from the cursor and claims the
// first eligible entry.
func (p *Pool) scanLocked() *Entry {
	now := p.now()
	for i := 0; i < len(p.entries); i++ {
		e := p.entries[p.cursor]
		p.cursor = (p.cursor + 1) % len(p.entries)

		if e.failures >= MaxFailures || e.activeConns >= MaxConnections {
			continue
		}
		if !e.lastUsed.IsZero() && now.Sub(e.lastUsed) < Cooldown {
			continue
		}

		e.lastUsed = now
		e.activeConns++
		metrics.ProxyActiveConnections.Inc()
		return e
	}
	return nil
}

func (p *Pool) allFailedLocked() bool {
	for _, e := range p.entries {
		if e.failures < MaxFailures {
			return false
		}
	}
	return len(p.entries) > 0
}

// MarkSuccess records a clean dialog on the proxy, clearing its failure
// count. The connection slot is returned separately via Release.
func (p *Pool) MarkSuccess(e *Entry) {
	if e == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e.failures = 0
}

// MarkFailure records a failed use and returns the connection slot.
func (p *Pool) MarkFailure(e *Entry) {
	if e == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	e.failures++
	if e.activeConns > 0 {
		e.activeConns--
		metrics.ProxyActiveConnections.Dec()
	}
}

// Release returns the connection slot without touching the failure count.
func (p *Pool) Release(e *Entry) {
	if e == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.activeConns > 0 {
		e.activeConns--
		metrics.ProxyActiveConnections.Dec()
	}
}

// EntryState is a read-only view of one proxy for diagnostics.
type EntryState struct {
	Addr        string
	Failures    int
	ActiveConns int
	LastUsed    time.Time
}

// Snapshot returns a consistent view of the pool state.
func (p *Pool) Snapshot() []EntryState {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EntryState, len(p.entries))
	for i, e := range p.entries {
		out[i] = EntryState{
			Addr:        e.Addr(),
			Failures:    e.failures,
			ActiveConns: e.activeConns,
			LastUsed:    e.lastUsed,
		}
	}
	return out
}
