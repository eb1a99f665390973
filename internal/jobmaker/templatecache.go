package jobmaker

import (
	"sort"
	"sync"
)

// clockSkewToleranceSeconds is the maximum allowed drift between a
// template's created_at_ts and wall-clock time before it is dropped as
// clock-skew evidence.
const clockSkewToleranceSeconds = 60

// recentHashDequeSize bounds the dedupe set of recently seen gbtHash
// values.
const recentHashDequeSize = 20

// makeGbtKey packs (gbtTime, height, nonEmptyFlag) into the composite
// ordering key: gbtTime in the high 32 bits, height in the next 31, and the
// non-empty flag in bit 0 so a non-empty block outranks an empty one at the
// same height and time. height must be < 0x7FFFFFFF (spec open question
// resolution): the high bit of the 32-bit height field is reserved so the
// packed key never overflows into the time field.
func makeGbtKey(gbtTime uint32, isEmptyBlock bool, height uint32) uint64 {
	if height >= 0x7FFFFFFF {
		panic("jobmaker: height exceeds 0x7FFFFFFF, makeGbtKey cannot encode it")
	}
	nonEmpty := uint64(0)
	if !isEmptyBlock {
		nonEmpty = 1
	}
	return (uint64(gbtTime) << 32) | (uint64(height) << 1) | nonEmpty
}

func gbtKeyTime(key uint64) uint32 {
	return uint32(key >> 32)
}

func gbtKeyHeight(key uint64) uint32 {
	return uint32((key >> 1) & 0x7FFFFFFF)
}

func gbtKeyIsEmptyBlock(key uint64) bool {
	return key&1 == 0
}

// templateCache is the ordered map of pending raw templates keyed by
// makeGbtKey, guarded by a single mutex held only during mutation, per the
// shared-resource discipline: the largest key is simultaneously the newest
// template and, on ties, the non-empty one.
type templateCache struct {
	mu          sync.Mutex
	byKey       map[uint64]*rawTemplate
	recentHash  []string // ring of the last recentHashDequeSize gbtHash values
}

type rawTemplate struct {
	key      uint64
	gbtHash  string
	template *RawBlockTemplate
}

func newTemplateCache() *templateCache {
	return &templateCache{byKey: make(map[uint64]*rawTemplate)}
}

// insert adds tpl if it passes dedupe, returning false if it was rejected
// as a duplicate gbtHash. Caller is responsible for clock-skew and
// height-monotonicity checks before calling insert.
func (c *templateCache) insert(key uint64, gbtHash string, tpl *RawBlockTemplate) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, h := range c.recentHash {
		if h == gbtHash {
			return false
		}
	}

	c.byKey[key] = &rawTemplate{key: key, gbtHash: gbtHash, template: tpl}

	c.recentHash = append(c.recentHash, gbtHash)
	if len(c.recentHash) > recentHashDequeSize {
		c.recentHash = c.recentHash[len(c.recentHash)-recentHashDequeSize:]
	}
	return true
}

// best returns the template with the largest key (newest, tie-broken
// towards non-empty), or nil if the cache is empty. Caller must hold no
// lock; best acquires its own.
func (c *templateCache) best() *rawTemplate {
	c.mu.Lock()
	defer c.mu.Unlock()

	var bestKey uint64
	var bestVal *rawTemplate
	for k, v := range c.byKey {
		if bestVal == nil || k > bestKey {
			bestKey = k
			bestVal = v
		}
	}
	return bestVal
}

// evictExpired drops templates past their lifetime, always leaving at
// least one entry so a job can still be produced during an upstream
// outage.
func (c *templateCache) evictExpired(nowUnix uint32, gbtLifeTime, emptyGbtLifeTime uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.byKey) <= 1 {
		return
	}

	keys := make([]uint64, 0, len(c.byKey))
	for k := range c.byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, k := range keys {
		if len(c.byKey) <= 1 {
			break
		}
		ts := gbtKeyTime(k)
		isEmpty := gbtKeyIsEmptyBlock(k)
		lifeTime := gbtLifeTime
		if isEmpty {
			lifeTime = emptyGbtLifeTime
		}
		if ts+lifeTime <= nowUnix {
			delete(c.byKey, k)
		}
	}
}

func (c *templateCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}
