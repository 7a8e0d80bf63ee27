// Package pool owns the outbound network handles used to reach market,
// news and inference services. Callers borrow a handle through a Lease and
// must hand it back; With is the scoped form every caller in this module uses.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"resty.dev/v3"
)

const (
	defaultCapacity       = 8
	defaultMaxIdle        = 90 * time.Second
	defaultMaxLifetime    = 10 * time.Minute
	defaultAcquireTimeout = 2 * time.Second
	defaultRequestTimeout = 15 * time.Second
)

var (
	// ErrExhausted is returned when no handle frees up within the acquire timeout.
	ErrExhausted = errors.New("pool: exhausted")
	// ErrClosed is returned by Acquire after Close.
	ErrClosed = errors.New("pool: closed")
)

// Handle is one pooled network client. HTTP and REST share a transport so a
// handle owns exactly one set of connections.
type Handle struct {
	HTTP *http.Client
	REST *resty.Client
}

// Factory opens a new Handle.
type Factory func() (*Handle, error)

type conn struct {
	id       uint64
	handle   *Handle
	created  time.Time
	lastUsed time.Time
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Open    int
	Idle    int
	InUse   int
	Created uint64
	Closed  uint64
}

type Config struct {
	Capacity       int
	MaxIdle        time.Duration
	MaxLifetime    time.Duration
	AcquireTimeout time.Duration
	RequestTimeout time.Duration
	// Retry applies to the REST client of every handle the pool opens.
	Retry Retry
	// ReapInterval controls the background sweep. Zero derives it from
	// MaxIdle; a negative value disables the sweeper.
	ReapInterval time.Duration
}

type Option func(*Pool)

// WithFactory overrides how handles are opened.
func WithFactory(f Factory) Option {
	return func(p *Pool) {
		if f != nil {
			p.factory = f
		}
	}
}

// WithClock injects the time source used for idle and lifetime checks.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

// Pool is a bounded set of network handles. Its free list and counters are
// only touched under mu; capacity is enforced by sem.
type Pool struct {
	cfg     Config
	factory Factory
	now     func() time.Time
	log     *slog.Logger
	sem     *semaphore.Weighted

	mu      sync.Mutex
	idle    []*conn
	open    int
	inUse   int
	nextID  uint64
	created uint64
	closedN uint64
	closed  bool

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// New builds a Pool. Zero config fields fall back to defaults.
func New(cfg Config, opts ...Option) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = defaultMaxIdle
	}
	if cfg.MaxLifetime <= 0 {
		cfg.MaxLifetime = defaultMaxLifetime
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	p := &Pool{
		cfg: cfg,
		now: time.Now,
		log: slog.Default(),
		sem: semaphore.NewWeighted(int64(cfg.Capacity)),
	}
	p.factory = func() (*Handle, error) { return NewHandle(cfg.RequestTimeout, cfg.Retry), nil }
	for _, opt := range opts {
		opt(p)
	}

	interval := cfg.ReapInterval
	if interval == 0 {
		interval = cfg.MaxIdle / 2
	}
	if interval > 0 {
		p.stopReaper = make(chan struct{})
		p.reaperDone = make(chan struct{})
		go p.reapLoop(interval)
	}
	return p
}

// Retry configures resty retries. A zero Count disables them. resty only
// retries idempotent requests, on transport errors, 429 and 5xx replies.
type Retry struct {
	Count int
	Wait  time.Duration
}

// NewHandle opens a handle with its own transport.
func NewHandle(timeout time.Duration, retry Retry) *Handle {
	hc := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        16,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
	rc := resty.NewWithClient(hc)
	if retry.Count > 0 {
		rc.SetRetryCount(retry.Count).
			SetRetryWaitTime(retry.Wait).
			SetRetryMaxWaitTime(retry.Wait)
	}
	return &Handle{HTTP: hc, REST: rc}
}

// Close shuts the handle's connections down.
func (h *Handle) Close() error {
	var err error
	if h.REST != nil {
		err = h.REST.Close()
	}
	if h.HTTP != nil {
		h.HTTP.CloseIdleConnections()
	}
	return err
}

// Capacity is the maximum number of simultaneously open handles.
func (p *Pool) Capacity() int { return p.cfg.Capacity }

// Acquire borrows a handle, waiting at most AcquireTimeout (or until ctx is
// done) for one to free up.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.AcquireTimeout)
	defer cancel()
	if err := p.sem.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("pool: acquire: %w", ctx.Err())
		}
		return nil, fmt.Errorf("pool: acquire after %s: %w", p.cfg.AcquireTimeout, ErrExhausted)
	}

	c, err := p.checkout()
	if err != nil {
		p.sem.Release(1)
		return nil, err
	}
	return &Lease{pool: p, conn: c}, nil
}

// Release returns a leased handle. Releasing the same lease twice is a no-op.
func (p *Pool) Release(l *Lease) {
	if l == nil {
		return
	}
	l.Release()
}

// With runs fn with a leased handle and releases it on every exit path.
func (p *Pool) With(ctx context.Context, fn func(*Lease) error) error {
	l, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer l.Release()
	return fn(l)
}

// Stats reports current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Open:    p.open,
		Idle:    len(p.idle),
		InUse:   p.inUse,
		Created: p.created,
		Closed:  p.closedN,
	}
}

// Close stops the sweeper and closes idle handles. Leased handles are closed
// as they come back.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	if p.stopReaper != nil {
		close(p.stopReaper)
		<-p.reaperDone
	}
	var errs []error
	for _, c := range idle {
		errs = append(errs, p.discard(c))
	}
	return errors.Join(errs...)
}

func (p *Pool) checkout() (*conn, error) {
	now := p.now()
	var expired []*conn

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	var picked *conn
	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if p.expired(c, now) {
			expired = append(expired, c)
			continue
		}
		picked = c
		break
	}
	if picked != nil {
		picked.lastUsed = now
		p.inUse++
		p.mu.Unlock()
		p.discardAll(expired)
		return picked, nil
	}
	p.mu.Unlock()
	// stale handles leave the open count before a replacement joins it
	p.discardAll(expired)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.nextID++
	id := p.nextID
	p.open++
	p.inUse++
	p.mu.Unlock()

	h, err := p.factory()
	if err != nil || h == nil {
		p.mu.Lock()
		p.open--
		p.inUse--
		p.mu.Unlock()
		if err == nil {
			err = errors.New("factory returned nil handle")
		}
		return nil, fmt.Errorf("pool: open handle: %w", err)
	}

	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	return &conn{id: id, handle: h, created: now, lastUsed: now}, nil
}

func (p *Pool) checkin(c *conn) {
	now := p.now()
	p.mu.Lock()
	p.inUse--
	if p.closed || now.Sub(c.created) >= p.cfg.MaxLifetime {
		p.mu.Unlock()
		_ = p.discard(c)
		p.sem.Release(1)
		return
	}
	c.lastUsed = now
	p.idle = append(p.idle, c)
	p.mu.Unlock()
	p.sem.Release(1)
}

func (p *Pool) expired(c *conn, now time.Time) bool {
	return now.Sub(c.created) >= p.cfg.MaxLifetime || now.Sub(c.lastUsed) >= p.cfg.MaxIdle
}

// discard closes c and drops it from the open count. c must not be on the
// idle list.
func (p *Pool) discard(c *conn) error {
	err := c.handle.Close()
	p.mu.Lock()
	p.open--
	p.closedN++
	p.mu.Unlock()
	if err != nil {
		p.log.Warn("pool: closing handle failed", "handle", c.id, "err", err)
	}
	return err
}

func (p *Pool) discardAll(cs []*conn) {
	for _, c := range cs {
		_ = p.discard(c)
	}
}

// Reap closes idle handles past MaxIdle or MaxLifetime and reports how many
// were closed.
func (p *Pool) Reap() int {
	now := p.now()
	p.mu.Lock()
	kept := p.idle[:0]
	var expired []*conn
	for _, c := range p.idle {
		if p.expired(c, now) {
			expired = append(expired, c)
			continue
		}
		kept = append(kept, c)
	}
	p.idle = kept
	p.mu.Unlock()

	p.discardAll(expired)
	return len(expired)
}

func (p *Pool) reapLoop(interval time.Duration) {
	defer close(p.reaperDone)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-p.stopReaper:
			return
		case <-t.C:
			if n := p.Reap(); n > 0 {
				p.log.Debug("pool: reaped idle handles", "count", n)
			}
		}
	}
}
