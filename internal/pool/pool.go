// Package pool manages the set of validated upstream proxies.
// It tracks quality measurements, filters, and round-robin rotation state.
package pool

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// Protocol identifies the wire protocol spoken by an upstream proxy.
type Protocol string

const (
	ProtocolHTTP   Protocol = "HTTP"
	ProtocolSOCKS4 Protocol = "SOCKS4"
	ProtocolSOCKS5 Protocol = "SOCKS5"
)

// Anonymity classifies how much a proxy reveals about the original client.
type Anonymity string

const (
	AnonymityTransparent Anonymity = "Transparent"
	AnonymityAnonymous   Anonymity = "Anonymous"
	AnonymityElite       Anonymity = "Elite"
	AnonymityUnknown     Anonymity = "Unknown"
)

// Status is the lifecycle state of a pool entry.
type Status string

const (
	StatusWorking     Status = "Working"
	StatusUnavailable Status = "Unavailable"
	StatusFailed      Status = "Failed"
)

// RegionAll matches every region in a Filter.
const RegionAll = "All"

// NoLatencyCap disables the latency bound in a Filter.
const NoLatencyCap = -1

// Entry is one validated upstream proxy.
//
// Entries returned by Pool methods are snapshots; callers must not expect
// later pool mutations to be visible through them, and all mutation goes
// back through Pool methods.
type Entry struct {
	Address             string    `json:"proxy"`
	Protocol            Protocol  `json:"protocol"`
	Latency             float64   `json:"latency"` // seconds
	Speed               float64   `json:"speed"`   // Mbps
	Anonymity           Anonymity `json:"anonymity"`
	Location            string    `json:"location"`
	Score               float64   `json:"score"`
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutive_failures"`

	seq uint64 // insertion order, assigned by the pool
}

// Filter is the active selection criteria for rotation.
type Filter struct {
	Region       string
	MaxLatencyMS int // NoLatencyCap for no bound
}

// Open reports whether the filter matches everything.
func (f Filter) Open() bool {
	return f.Region == RegionAll && f.MaxLatencyMS < 0
}

// indexKey is the rotation-state key: region plus latency bucket.
func (f Filter) indexKey() string {
	if f.MaxLatencyMS < 0 {
		return f.Region + "_any"
	}
	return fmt.Sprintf("%s_lt%d", f.Region, f.MaxLatencyMS)
}

func (f Filter) matches(e *Entry) bool {
	if e.Status != StatusWorking {
		return false
	}
	if f.Region != RegionAll && e.Location != f.Region {
		return false
	}
	if f.MaxLatencyMS >= 0 {
		if e.Latency*1000 > float64(f.MaxLatencyMS) {
			return false
		}
	}
	return true
}

// Patch is a partial Entry update. Nil fields are left untouched.
type Patch struct {
	Latency             *float64
	Speed               *float64
	Anonymity           *Anonymity
	Location            *string
	Score               *float64
	Status              *Status
	ConsecutiveFailures *int
}

// Pool is the thread-safe store of upstream proxies.
//
// A single mutex covers the entry list, the per-country index, the rotation
// indices, the current entry, and the active filter. Entries handed out are
// value copies, so the lock is never held while a caller uses one.
type Pool struct {
	mu        sync.Mutex
	entries   []*Entry
	byAddress map[string]*Entry
	byCountry map[string][]*Entry
	indices   map[string]int // rotation key -> last served index
	current   *Entry
	filter    Filter
	nextSeq   uint64
}

// New creates an empty pool with the open filter installed.
func New() *Pool {
	return &Pool{
		byAddress: make(map[string]*Entry),
		byCountry: make(map[string][]*Entry),
		indices:   make(map[string]int),
		filter:    Filter{Region: RegionAll, MaxLatencyMS: NoLatencyCap},
	}
}

// Clear empties the pool and resets rotation indices and the current entry.
// The installed filter is kept.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = nil
	p.byAddress = make(map[string]*Entry)
	p.byCountry = make(map[string][]*Entry)
	p.indices = make(map[string]int)
	p.current = nil
}

// Add inserts an entry if its address is not already present; otherwise it
// is a no-op. Missing status defaults to Working, missing location to
// "Unknown", and an unmeasured latency to +Inf.
func (p *Pool) Add(e Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.byAddress[e.Address]; ok {
		return
	}
	if e.Status == "" {
		e.Status = StatusWorking
	}
	if e.Location == "" {
		e.Location = "Unknown"
	}
	if e.Latency == 0 && e.Score == 0 && e.Speed == 0 {
		e.Latency = math.Inf(1)
	}
	e.seq = p.nextSeq
	p.nextSeq++

	stored := &e
	p.entries = append(p.entries, stored)
	p.byAddress[e.Address] = stored
	p.byCountry[e.Location] = append(p.byCountry[e.Location], stored)
}

// Remove deletes the entry with the given address and reports whether
// anything was removed. A removed entry that was current clears current.
func (p *Pool) Remove(address string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byAddress[address]
	if !ok {
		return false
	}
	delete(p.byAddress, address)

	for i, cand := range p.entries {
		if cand == e {
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			break
		}
	}

	list := p.byCountry[e.Location]
	for i, cand := range list {
		if cand == e {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.byCountry, e.Location)
	} else {
		p.byCountry[e.Location] = list
	}

	if p.current == e {
		p.current = nil
	}
	return true
}

// ReportFailure marks the entry Unavailable and bumps its failure counter.
// Unknown addresses are ignored. Takes effect for the very next Next call.
func (p *Pool) ReportFailure(address string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.byAddress[address]; ok {
		e.Status = StatusUnavailable
		e.ConsecutiveFailures++
	}
}

// Update applies a partial field update to the entry with the given address
// and reports whether it was found. Location changes move the entry between
// country buckets.
func (p *Pool) Update(address string, patch Patch) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byAddress[address]
	if !ok {
		return false
	}
	if patch.Latency != nil {
		e.Latency = *patch.Latency
	}
	if patch.Speed != nil {
		e.Speed = *patch.Speed
	}
	if patch.Anonymity != nil {
		e.Anonymity = *patch.Anonymity
	}
	if patch.Score != nil {
		e.Score = *patch.Score
	}
	if patch.Status != nil {
		e.Status = *patch.Status
	}
	if patch.ConsecutiveFailures != nil {
		e.ConsecutiveFailures = *patch.ConsecutiveFailures
	}
	if patch.Location != nil && *patch.Location != e.Location {
		old := p.byCountry[e.Location]
		for i, cand := range old {
			if cand == e {
				old = append(old[:i], old[i+1:]...)
				break
			}
		}
		if len(old) == 0 {
			delete(p.byCountry, e.Location)
		} else {
			p.byCountry[e.Location] = old
		}
		e.Location = *patch.Location
		p.byCountry[e.Location] = append(p.byCountry[e.Location], e)
	}
	return true
}

// SetFilter atomically replaces the active selection criteria.
// maxLatencyMS < 0 means no latency bound.
func (p *Pool) SetFilter(region string, maxLatencyMS int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if region == "" {
		region = RegionAll
	}
	if maxLatencyMS < 0 {
		maxLatencyMS = NoLatencyCap
	}
	p.filter = Filter{Region: region, MaxLatencyMS: maxLatencyMS}
}

// ActiveFilter returns the installed filter.
func (p *Pool) ActiveFilter() Filter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filter
}

// Next rotates to the next Working entry that satisfies the active filter
// and returns a snapshot of it, or nil when nothing qualifies.
//
// When the filter is non-trivial and matches nothing, selection falls back
// once to the open filter; the installed filter is untouched either way.
// Candidates are ordered by score descending with insertion order breaking
// ties, and the per-(region, latency-bucket) index advances modulo the
// candidate count.
func (p *Pool) Next() *Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := p.nextLocked(p.filter)
	if e == nil && !p.filter.Open() {
		e = p.nextLocked(Filter{Region: RegionAll, MaxLatencyMS: NoLatencyCap})
	}
	if e == nil {
		p.current = nil
		return nil
	}
	p.current = e
	out := *e
	return &out
}

func (p *Pool) nextLocked(f Filter) *Entry {
	var candidates []*Entry
	for _, e := range p.entries {
		if f.matches(e) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].seq < candidates[j].seq
	})

	key := f.indexKey()
	last, ok := p.indices[key]
	if !ok {
		last = -1
	}
	next := (last + 1) % len(candidates)
	p.indices[key] = next
	return candidates[next]
}

// Current returns a snapshot of the currently served entry, or nil. A
// current entry that has since stopped Working is dropped and nil returned.
func (p *Pool) Current() *Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current != nil && p.current.Status != StatusWorking {
		p.current = nil
	}
	if p.current == nil {
		return nil
	}
	out := *p.current
	return &out
}

// SetCurrent makes the Working entry with the given address current and
// returns its snapshot, or nil when the address is absent or not Working.
func (p *Pool) SetCurrent(address string) *Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byAddress[address]
	if !ok || e.Status != StatusWorking {
		return nil
	}
	p.current = e
	out := *e
	return &out
}

// Get returns a snapshot of the entry with the given address, or nil.
func (p *Pool) Get(address string) *Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byAddress[address]
	if !ok {
		return nil
	}
	out := *e
	return &out
}

// Snapshot returns defensive copies of all entries in insertion order.
func (p *Pool) Snapshot() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, *e)
	}
	return out
}

// Len returns the total number of entries, any status.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// CountActive returns the number of Working entries.
func (p *Pool) CountActive() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, e := range p.entries {
		if e.Status == StatusWorking {
			n++
		}
	}
	return n
}

// RegionsWithCounts returns Working-entry counts per region, optionally
// bounded by a maximum latency in milliseconds (maxLatencyMS < 0 disables
// the bound).
func (p *Pool) RegionsWithCounts(maxLatencyMS int) map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	counts := make(map[string]int)
	for _, e := range p.entries {
		if e.Status != StatusWorking {
			continue
		}
		if maxLatencyMS >= 0 && e.Latency*1000 > float64(maxLatencyMS) {
			continue
		}
		counts[e.Location]++
	}
	return counts
}
