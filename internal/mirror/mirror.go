package mirror

import (
	"net/url"
	"sync/atomic"
)

// Pool rotates over a fixed set of equivalent URLs. The first URL is the
// primary; Next advances a shared cursor so concurrent workers spread load
// across mirrors without coordinating.
//
// There is no health tracking. A failing mirror is not marked bad; retries
// simply advance the cursor past it.
type Pool struct {
	urls   []*url.URL
	cursor atomic.Uint64
}

func NewPool(urls []*url.URL) *Pool {
	if len(urls) == 0 {
		panic("mirror: at least one URL required")
	}
	return &Pool{urls: urls}
}

// Primary returns the first URL unchanged.
func (p *Pool) Primary() *url.URL {
	return p.urls[0]
}

// Next returns the next mirror in round-robin order.
func (p *Pool) Next() *url.URL {
	idx := p.cursor.Add(1) - 1
	return p.urls[idx%uint64(len(p.urls))]
}

// All returns a copy of the mirror list in registration order.
func (p *Pool) All() []*url.URL {
	out := make([]*url.URL, len(p.urls))
	copy(out, p.urls)
	return out
}

func (p *Pool) Len() int {
	return len(p.urls)
}
