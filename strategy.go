package kelana

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Strategy selects how the cache engine picks eviction victims and, for the
// smart strategy, how it predicts TTLs.
type Strategy int

const (
	// StrategyLRU evicts the least recently used entry.
	StrategyLRU Strategy = iota
	// StrategyLFU evicts the least frequently used entry, oldest first on
	// ties.
	StrategyLFU
	// StrategyTTL performs no usage-based eviction and relies on expiry
	// alone.
	StrategyTTL
	// StrategySmart evicts in LRU order and predicts per-endpoint TTLs from
	// observed access patterns.
	StrategySmart
)

var strategyNames = map[Strategy]string{
	StrategyLRU:   "lru",
	StrategyLFU:   "lfu",
	StrategyTTL:   "ttl",
	StrategySmart: "smart",
}

// String returns the lowercase name of the strategy.
func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// ParseStrategy converts a name into a Strategy. Matching is
// case-insensitive.
func ParseStrategy(name string) (Strategy, error) {
	lower := strings.ToLower(strings.TrimSpace(name))
	for s, n := range strategyNames {
		if n == lower {
			return s, nil
		}
	}
	return StrategyLRU, fmt.Errorf("kelana: unknown cache strategy %q", name)
}

// MustParseStrategy is ParseStrategy that panics on failure. Intended for
// constants and tests.
func MustParseStrategy(name string) Strategy {
	s, err := ParseStrategy(name)
	if err != nil {
		panic(err)
	}
	return s
}

// MarshalText implements encoding.TextMarshaler.
func (s Strategy) MarshalText() ([]byte, error) {
	name, ok := strategyNames[s]
	if !ok {
		return nil, fmt.Errorf("kelana: invalid cache strategy %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// EvictionPolicy tracks key usage on behalf of the cache engine and nominates
// victims when the engine is at capacity. Implementations are safe for
// concurrent use.
type EvictionPolicy interface {
	// Touch records a read hit for key.
	Touch(key string, endpoint string)
	// Insert records a new or overwritten entry.
	Insert(key string, endpoint string)
	// Remove forgets a key after deletion or invalidation.
	Remove(key string)
	// Victim returns the key to evict next. ok is false when the policy has
	// no opinion and the engine should skip usage-based eviction.
	Victim() (key string, ok bool)
	// Reset drops all tracked state.
	Reset()
}

// NewEvictionPolicy returns the policy implementing the given strategy.
func NewEvictionPolicy(s Strategy) EvictionPolicy {
	switch s {
	case StrategyLFU:
		return newLFUPolicy()
	case StrategyTTL:
		return ttlPolicy{}
	case StrategySmart:
		return newSmartPolicy()
	default:
		return newLRUPolicy()
	}
}

// lruPolicy keeps recency order in a doubly linked list, most recent at the
// front.
type lruPolicy struct {
	mu    sync.Mutex
	order *list.List
	items map[string]*list.Element
}

func newLRUPolicy() *lruPolicy {
	return &lruPolicy{order: list.New(), items: make(map[string]*list.Element)}
}

func (p *lruPolicy) Touch(key, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if elem, ok := p.items[key]; ok {
		p.order.MoveToFront(elem)
	}
}

func (p *lruPolicy) Insert(key, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if elem, ok := p.items[key]; ok {
		p.order.MoveToFront(elem)
		return
	}
	p.items[key] = p.order.PushFront(key)
}

func (p *lruPolicy) Remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if elem, ok := p.items[key]; ok {
		p.order.Remove(elem)
		delete(p.items, key)
	}
}

func (p *lruPolicy) Victim() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	back := p.order.Back()
	if back == nil {
		return "", false
	}
	return back.Value.(string), true
}

func (p *lruPolicy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order.Init()
	p.items = make(map[string]*list.Element)
}

// lfuPolicy counts accesses per key. Victim selection scans for the minimum
// count and breaks ties by insertion order.
type lfuPolicy struct {
	mu    sync.Mutex
	freq  map[string]int
	order *list.List
	items map[string]*list.Element
}

func newLFUPolicy() *lfuPolicy {
	return &lfuPolicy{
		freq:  make(map[string]int),
		order: list.New(),
		items: make(map[string]*list.Element),
	}
}

func (p *lfuPolicy) Touch(key, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.items[key]; ok {
		p.freq[key]++
	}
}

func (p *lfuPolicy) Insert(key, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.items[key]; ok {
		p.freq[key]++
		return
	}
	p.freq[key] = 1
	p.items[key] = p.order.PushBack(key)
}

func (p *lfuPolicy) Remove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if elem, ok := p.items[key]; ok {
		p.order.Remove(elem)
		delete(p.items, key)
		delete(p.freq, key)
	}
}

func (p *lfuPolicy) Victim() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var victim string
	best := -1
	// Walk front to back so the oldest of equally cold keys wins.
	for elem := p.order.Front(); elem != nil; elem = elem.Next() {
		key := elem.Value.(string)
		if count := p.freq[key]; best == -1 || count < best {
			best = count
			victim = key
		}
	}
	if best == -1 {
		return "", false
	}
	return victim, true
}

func (p *lfuPolicy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freq = make(map[string]int)
	p.order.Init()
	p.items = make(map[string]*list.Element)
}

// ttlPolicy never nominates a victim; expiry is the only pressure valve.
type ttlPolicy struct{}

func (ttlPolicy) Touch(string, string)   {}
func (ttlPolicy) Insert(string, string)  {}
func (ttlPolicy) Remove(string)          {}
func (ttlPolicy) Victim() (string, bool) { return "", false }
func (ttlPolicy) Reset()                 {}

// smartPolicy evicts in LRU order and additionally learns per-endpoint access
// intervals to predict a TTL for fresh entries.
type smartPolicy struct {
	lru *lruPolicy

	mu    sync.Mutex
	stats map[string]*endpointStats
}

type endpointStats struct {
	hits     int
	misses   int
	lastSeen time.Time
	// interval is an exponentially weighted moving average of the gap
	// between successive accesses.
	interval time.Duration
	samples  int
}

// smartMinSamples is how many observed intervals an endpoint needs before
// its prediction is trusted over the configured default.
const smartMinSamples = 3

const smartEWMAWeight = 0.3

func newSmartPolicy() *smartPolicy {
	return &smartPolicy{lru: newLRUPolicy(), stats: make(map[string]*endpointStats)}
}

func (p *smartPolicy) Touch(key, endpoint string) {
	p.lru.Touch(key, endpoint)
	p.observe(endpoint, true)
}

func (p *smartPolicy) Insert(key, endpoint string) {
	p.lru.Insert(key, endpoint)
	p.observe(endpoint, false)
}

func (p *smartPolicy) Remove(key string) { p.lru.Remove(key) }

func (p *smartPolicy) Victim() (string, bool) { return p.lru.Victim() }

func (p *smartPolicy) Reset() {
	p.lru.Reset()
	p.mu.Lock()
	p.stats = make(map[string]*endpointStats)
	p.mu.Unlock()
}

func (p *smartPolicy) observe(endpoint string, hit bool) {
	if endpoint == "" {
		return
	}
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.stats[endpoint]
	if !ok {
		st = &endpointStats{}
		p.stats[endpoint] = st
	}
	if hit {
		st.hits++
	} else {
		st.misses++
	}
	if !st.lastSeen.IsZero() {
		gap := now.Sub(st.lastSeen)
		if st.samples == 0 {
			st.interval = gap
		} else {
			st.interval = time.Duration(
				(1-smartEWMAWeight)*float64(st.interval) + smartEWMAWeight*float64(gap))
		}
		st.samples++
	}
	st.lastSeen = now
}

// PredictTTL returns a TTL for the endpoint based on its observed access
// interval, or fallback when the endpoint has too little history. Hotter
// endpoints get longer TTLs.
func (p *smartPolicy) PredictTTL(endpoint string, fallback time.Duration) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.stats[endpoint]
	if !ok || st.samples < smartMinSamples {
		return fallback
	}

	// Keep an entry around for a few expected re-accesses.
	predicted := st.interval * 4
	total := st.hits + st.misses
	if total > 0 {
		rate := float64(st.hits) / float64(total)
		if rate > 0.8 {
			predicted *= 2
		} else if rate < 0.2 {
			predicted /= 2
		}
	}
	if predicted <= 0 {
		return fallback
	}
	return predicted
}

// ttlPredictor is implemented by policies that can suggest TTLs.
type ttlPredictor interface {
	PredictTTL(endpoint string, fallback time.Duration) time.Duration
}
