package pool

import (
	"net/http"
	"sync"

	"resty.dev/v3"
)

// Lease is a borrowed handle. It belongs to one caller until Release.
type Lease struct {
	pool *Pool
	conn *conn
	once sync.Once
}

// HTTP returns the plain client of the leased handle.
func (l *Lease) HTTP() *http.Client { return l.conn.handle.HTTP }

// REST returns the resty client sharing the leased handle's transport.
func (l *Lease) REST() *resty.Client { return l.conn.handle.REST }

// ID identifies the underlying handle, stable across reuse.
func (l *Lease) ID() uint64 { return l.conn.id }

// Release hands the handle back to its pool. Only the first call has effect.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.pool.checkin(l.conn)
	})
}
