// Package cache provides in-memory, per-key retention of canonical records.
package cache

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/tickgate/internal/schema"
	"github.com/coachpo/tickgate/internal/transport"
)

const (
	// recordOverhead approximates the fixed per-record bookkeeping cost used
	// by the memory estimate.
	recordOverhead = 96
	// healthyMemoryBytes is the soft cap below which the cache reports healthy.
	healthyMemoryBytes = 100 * 1024 * 1024
	// healthyKeyFillRatio flags keys persistently close to their entry cap.
	healthyKeyFillRatio = 0.9
)

// Config tunes retention and eviction.
type Config struct {
	// MaxEntries caps the number of records held per key.
	MaxEntries int
	// TTL expires records older than this relative to their event timestamp.
	TTL time.Duration
	// CleanupInterval schedules the background TTL sweeper.
	CleanupInterval time.Duration
	// MemoryLimit triggers a full TTL sweep when the estimate exceeds it.
	MemoryLimit int64
}

func (c Config) normalize() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 1000
	}
	if c.TTL <= 0 {
		c.TTL = 5 * time.Minute
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 30 * time.Second
	}
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = healthyMemoryBytes
	}
	return c
}

// Query filters records returned by Get.
type Query struct {
	// Limit caps the result size; zero returns every matching record.
	Limit int
	// FromTS and ToTS bound the event timestamp range (inclusive, ms).
	FromTS int64
	ToTS   int64
	// Sources restricts results to the named exchanges.
	Sources []string
}

// KeyStats summarises one key's retention state.
type KeyStats struct {
	Key         string
	Entries     int
	OldestTS    int64
	NewestTS    int64
	BytesApprox int64
}

// Stats aggregates cache-wide counters.
type Stats struct {
	Keys        int
	Entries     int
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	MemoryBytes int64
	LastCleanup time.Time
}

// Cache is a bounded, TTL-governed store of canonical records keyed by
// exchange:symbol:type.
type Cache struct {
	cfg   Config
	clock transport.Clock

	mu      sync.RWMutex
	entries map[string]*keyEntries
	memory  int64

	hits        uint64
	misses      uint64
	evictions   uint64
	lastCleanup time.Time

	shutdown chan struct{}
	once     sync.Once
}

type keyEntries struct {
	records []*schema.Record // ascending by event timestamp
	bytes   int64
	// overCapSweeps counts consecutive sweeps where the key sat above the
	// healthy fill ratio.
	overCapSweeps int
}

// New creates a cache and starts its background sweeper.
func New(cfg Config, clock transport.Clock) *Cache {
	if clock == nil {
		clock = transport.SystemClock()
	}
	c := new(Cache)
	c.cfg = cfg.normalize()
	c.clock = clock
	c.entries = make(map[string]*keyEntries)
	c.shutdown = make(chan struct{})
	go c.sweepLoop()
	return c
}

// Put appends the record under its key, applying eviction rules in order:
// per-key size cap, then the global memory trigger.
func (c *Cache) Put(rec *schema.Record) {
	if rec == nil {
		return
	}
	key := rec.Key()
	size := approxSize(rec)

	c.mu.Lock()
	ke, ok := c.entries[key]
	if !ok {
		ke = new(keyEntries)
		c.entries[key] = ke
		c.memory += int64(len(key))
	}
	ke.insert(rec)
	ke.bytes += size
	c.memory += size

	for len(ke.records) > c.cfg.MaxEntries {
		dropped := ke.records[0]
		ke.records = ke.records[1:]
		droppedSize := approxSize(dropped)
		ke.bytes -= droppedSize
		c.memory -= droppedSize
		c.evictions++
	}

	needSweep := c.memory > c.cfg.MemoryLimit
	c.mu.Unlock()

	if needSweep {
		c.sweep()
	}
}

// Get returns records for the key sorted newest-first, after lazy TTL
// filtering and query constraints.
func (c *Cache) Get(key string, q Query) []*schema.Record {
	cutoff := c.ttlCutoff()

	c.mu.RLock()
	ke, ok := c.entries[key]
	var snapshot []*schema.Record
	if ok {
		snapshot = make([]*schema.Record, len(ke.records))
		copy(snapshot, ke.records)
	}
	c.mu.RUnlock()

	if !ok || len(snapshot) == 0 {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return nil
	}

	out := make([]*schema.Record, 0, len(snapshot))
	for i := len(snapshot) - 1; i >= 0; i-- {
		rec := snapshot[i]
		if rec.EventTime < cutoff {
			continue
		}
		if q.FromTS > 0 && rec.EventTime < q.FromTS {
			continue
		}
		if q.ToTS > 0 && rec.EventTime > q.ToTS {
			continue
		}
		if len(q.Sources) > 0 && !containsFold(q.Sources, rec.Exchange) {
			continue
		}
		out = append(out, rec)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}

	c.mu.Lock()
	if len(out) == 0 {
		c.misses++
	} else {
		c.hits++
	}
	c.mu.Unlock()
	return out
}

// Latest returns the newest unexpired record for the key, or nil.
func (c *Cache) Latest(key string) *schema.Record {
	recs := c.Get(key, Query{Limit: 1})
	if len(recs) == 0 {
		return nil
	}
	return recs[0]
}

// Has reports whether the key currently holds any records.
func (c *Cache) Has(key string) bool {
	c.mu.RLock()
	ke, ok := c.entries[key]
	has := ok && len(ke.records) > 0
	c.mu.RUnlock()
	return has
}

// Keys lists all keys currently held, sorted.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	c.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// KeyStats reports retention state for one key.
func (c *Cache) KeyStats(key string) (KeyStats, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ke, ok := c.entries[key]
	if !ok || len(ke.records) == 0 {
		return KeyStats{}, false
	}
	return KeyStats{
		Key:         key,
		Entries:     len(ke.records),
		OldestTS:    ke.records[0].EventTime,
		NewestTS:    ke.records[len(ke.records)-1].EventTime,
		BytesApprox: ke.bytes,
	}, true
}

// Delete removes the key and its records.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	if ke, ok := c.entries[key]; ok {
		c.memory -= ke.bytes + int64(len(key))
		delete(c.entries, key)
	}
	c.mu.Unlock()
}

// Clear drops every key.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*keyEntries)
	c.memory = 0
	c.mu.Unlock()
}

// Stats returns cache-wide counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	for _, ke := range c.entries {
		total += len(ke.records)
	}
	return Stats{
		Keys:        len(c.entries),
		Entries:     total,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		MemoryBytes: c.memory,
		LastCleanup: c.lastCleanup,
	}
}

// Healthy reports whether memory sits under the soft cap and no key has been
// near its entry cap for more than one sweep.
func (c *Cache) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.memory >= healthyMemoryBytes {
		return false
	}
	for _, ke := range c.entries {
		if ke.overCapSweeps > 1 {
			return false
		}
	}
	return true
}

// Close stops the background sweeper.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.shutdown) })
}

func (c *Cache) sweepLoop() {
	ticker := c.clock.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C():
			c.sweep()
		}
	}
}

// sweep drops expired records from every key and refreshes health tracking.
func (c *Cache) sweep() {
	cutoff := c.ttlCutoff()
	capThreshold := int(float64(c.cfg.MaxEntries) * healthyKeyFillRatio)

	c.mu.Lock()
	for key, ke := range c.entries {
		idx := sort.Search(len(ke.records), func(i int) bool {
			return ke.records[i].EventTime >= cutoff
		})
		if idx > 0 {
			for _, rec := range ke.records[:idx] {
				size := approxSize(rec)
				ke.bytes -= size
				c.memory -= size
				c.evictions++
			}
			ke.records = ke.records[idx:]
		}
		if len(ke.records) == 0 {
			c.memory -= int64(len(key))
			delete(c.entries, key)
			continue
		}
		if len(ke.records) > capThreshold {
			ke.overCapSweeps++
		} else {
			ke.overCapSweeps = 0
		}
	}
	c.lastCleanup = c.clock.Now()
	c.mu.Unlock()
}

func (c *Cache) ttlCutoff() int64 {
	return c.clock.Now().Add(-c.cfg.TTL).UnixMilli()
}

// insert keeps records ordered by event timestamp; appends are the common
// path since exchanges deliver mostly in order.
func (ke *keyEntries) insert(rec *schema.Record) {
	n := len(ke.records)
	if n == 0 || ke.records[n-1].EventTime <= rec.EventTime {
		ke.records = append(ke.records, rec)
		return
	}
	idx := sort.Search(n, func(i int) bool {
		return ke.records[i].EventTime > rec.EventTime
	})
	ke.records = append(ke.records, nil)
	copy(ke.records[idx+1:], ke.records[idx:])
	ke.records[idx] = rec
}

func approxSize(rec *schema.Record) int64 {
	size := int64(recordOverhead)
	size += int64(len(rec.Exchange) + len(rec.Symbol) + len(rec.Type))
	switch p := rec.Payload.(type) {
	case schema.TradePayload:
		size += int64(len(p.ID) + len(p.Price) + len(p.Quantity) + len(p.Side))
	case schema.TickerPayload:
		size += int64(len(p.Last) + len(p.Bid) + len(p.Ask) + len(p.Volume24h) + len(p.High24h) + len(p.Low24h))
	case schema.KlinePayload:
		size += int64(len(p.Open) + len(p.High) + len(p.Low) + len(p.Close) + len(p.Volume) + len(p.Interval))
	case schema.DepthPayload:
		for _, lvl := range p.Bids {
			size += int64(len(lvl.Price) + len(lvl.Quantity))
		}
		for _, lvl := range p.Asks {
			size += int64(len(lvl.Price) + len(lvl.Quantity))
		}
	}
	return size
}

func containsFold(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}
