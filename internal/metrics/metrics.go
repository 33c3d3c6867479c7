// Package metrics holds the process-wide counters exposed by the debug
// endpoints: directory request volume, retry activity, and rate-limit
// pressure.
package metrics

import "sync/atomic"

// Directory aggregates counters for all outbound directory API traffic.
// Every field is safe for concurrent use.
type Directory struct {
	requests      atomic.Int64
	retries       atomic.Int64
	rateLimitHits atomic.Int64
	pages         atomic.Int64
}

func (d *Directory) IncRequests()      { d.requests.Add(1) }
func (d *Directory) IncRetries()       { d.retries.Add(1) }
func (d *Directory) IncRateLimitHits() { d.rateLimitHits.Add(1) }
func (d *Directory) IncPages()         { d.pages.Add(1) }

// Snapshot is a point-in-time copy of the counters, suitable for JSON
// encoding on the debug endpoint.
type Snapshot struct {
	Requests      int64 `json:"requests"`
	Retries       int64 `json:"retries"`
	RateLimitHits int64 `json:"rate_limit_hits"`
	Pages         int64 `json:"pages"`
}

func (d *Directory) Snapshot() Snapshot {
	return Snapshot{
		Requests:      d.requests.Load(),
		Retries:       d.retries.Load(),
		RateLimitHits: d.rateLimitHits.Load(),
		Pages:         d.pages.Load(),
	}
}
