package jobmaker

import "testing"

func TestMakeGbtKeyOrdering(t *testing.T) {
	older := makeGbtKey(100, false, 50)
	newer := makeGbtKey(101, false, 50)
	if newer <= older {
		t.Fatal("a later gbtTime must produce a larger key")
	}

	empty := makeGbtKey(100, true, 50)
	nonEmpty := makeGbtKey(100, false, 50)
	if nonEmpty <= empty {
		t.Fatal("a non-empty block must outrank an empty one at the same time and height")
	}
}

func TestGbtKeyRoundtrip(t *testing.T) {
	key := makeGbtKey(123456, false, 700000)
	if gbtKeyTime(key) != 123456 {
		t.Fatalf("expected time 123456, got %d", gbtKeyTime(key))
	}
	if gbtKeyHeight(key) != 700000 {
		t.Fatalf("expected height 700000, got %d", gbtKeyHeight(key))
	}
	if gbtKeyIsEmptyBlock(key) {
		t.Fatal("expected non-empty flag to round-trip")
	}
}

func TestTemplateCacheRejectsDuplicateHash(t *testing.T) {
	c := newTemplateCache()
	tpl := &RawBlockTemplate{Height: 1}

	if !c.insert(makeGbtKey(1, false, 1), "h1", tpl) {
		t.Fatal("first insert with a fresh hash must succeed")
	}
	if c.insert(makeGbtKey(2, false, 2), "h1", tpl) {
		t.Fatal("second insert with the same hash must be rejected as a duplicate")
	}
}

func TestTemplateCacheBestPrefersLargestKey(t *testing.T) {
	c := newTemplateCache()
	low := &RawBlockTemplate{Height: 1}
	high := &RawBlockTemplate{Height: 2}

	c.insert(makeGbtKey(1, false, 1), "h1", low)
	c.insert(makeGbtKey(2, false, 2), "h2", high)

	if c.best().template != high {
		t.Fatal("best must return the template with the largest key")
	}
}

func TestEvictExpiredKeepsAtLeastOne(t *testing.T) {
	c := newTemplateCache()
	c.insert(makeGbtKey(1, false, 1), "h1", &RawBlockTemplate{Height: 1})
	c.insert(makeGbtKey(2, false, 2), "h2", &RawBlockTemplate{Height: 2})

	c.evictExpired(1000, 1, 1)

	if c.size() < 1 {
		t.Fatal("evictExpired must never empty the cache")
	}
}
