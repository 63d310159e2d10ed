package segment

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
)

func TestGenerator_Current(t *testing.T) {
	gen := New("req-123")

	if got := gen.Current(); got != "req-123-seg-000001" {
		t.Errorf("expected 'req-123-seg-000001', got %s", got)
	}
	// Current does not advance.
	if got := gen.Current(); got != "req-123-seg-000001" {
		t.Errorf("expected 'req-123-seg-000001', got %s", got)
	}
}

func TestGenerator_Next(t *testing.T) {
	gen := New("req-123")

	if seg := gen.Next(); seg != "req-123-seg-000002" {
		t.Errorf("expected 'req-123-seg-000002', got %s", seg)
	}
	if seg := gen.Next(); seg != "req-123-seg-000003" {
		t.Errorf("expected 'req-123-seg-000003', got %s", seg)
	}
	if gen.Index() != 3 {
		t.Errorf("expected index 3, got %d", gen.Index())
	}
}

func TestGenerator_IndependentStreams(t *testing.T) {
	a := New("req-A")
	b := New("req-B")

	a.Next()
	a.Next()

	if got := b.Current(); got != "req-B-seg-000001" {
		t.Errorf("generators must not share a counter, got %s", got)
	}
}

func TestGenerator_ThreadSafety(t *testing.T) {
	gen := New("req-concurrent")
	numGoroutines := 100
	resultsPerGoroutine := 10

	var wg sync.WaitGroup
	results := make(chan string, numGoroutines*resultsPerGoroutine)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < resultsPerGoroutine; j++ {
				results <- gen.Next()
			}
		}()
	}

	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	for seg := range results {
		if seen[seg] {
			t.Errorf("duplicate segment ID generated: %s", seg)
		}
		seen[seg] = true
	}

	expectedCount := numGoroutines * resultsPerGoroutine
	if len(seen) != expectedCount {
		t.Errorf("expected %d unique segment IDs, got %d", expectedCount, len(seen))
	}
}

func TestGenerator_CounterMonotonic(t *testing.T) {
	gen := New("req-test")

	var prevNum uint64
	for i := 0; i < 100; i++ {
		seg := gen.Next()
		num, err := segmentNumber(seg)
		if err != nil {
			t.Fatalf("failed to parse segment %s: %v", seg, err)
		}
		if num <= prevNum {
			t.Errorf("counter not monotonic: %d <= %d", num, prevNum)
		}
		prevNum = num
	}
}

func TestGenerator_IDsSortAsStrings(t *testing.T) {
	gen := New("req-sort")

	ids := []string{gen.Current()}
	for i := 0; i < 120; i++ {
		ids = append(ids, gen.Next())
	}
	if !sort.StringsAreSorted(ids) {
		t.Errorf("segment IDs do not sort as strings: %v", ids[8:11])
	}
	if got := ID("req-sort", 10); got != ids[9] {
		t.Errorf("expected %s, got %s", ids[9], got)
	}
}

func segmentNumber(seg string) (uint64, error) {
	i := strings.LastIndex(seg, "-seg-")
	return strconv.ParseUint(seg[i+len("-seg-"):], 10, 64)
}
