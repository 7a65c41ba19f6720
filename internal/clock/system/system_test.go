package system

import (
	"testing"
	"time"
)

func TestClockDefaultsToUTC(t *testing.T) {
	t.Parallel()

	clk := New(nil)
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	if got.Location() != time.UTC {
		t.Fatalf("expected UTC location, got %v", got.Location())
	}
	if got.Before(before) || got.After(after) {
		t.Fatalf("expected %v to be between %v and %v", got, before, after)
	}
}

func TestClockUsesLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("BRT", -3*60*60)
	clk := New(loc)
	if clk.Location() != loc {
		t.Fatalf("expected location %v, got %v", loc, clk.Location())
	}
	if got := clk.Now().Location(); got != loc {
		t.Fatalf("expected Now in %v, got %v", loc, got)
	}
	first := clk.Now()
	second := clk.Now()
	if second.Before(first) {
		t.Fatalf("expected second call %v to be >= first %v", second, first)
	}
}
