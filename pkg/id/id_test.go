package id

import (
	"testing"
	"time"
)

func TestOrderingMonotonic(t *testing.T) {
	g := NewGenerator()
	NowMs = func() int64 { return 1000 }
	defer func() { NowMs = func() int64 { return time.Now().UnixMilli() } }()

	a := g.Next()
	b := g.Next()
	if a.Compare(b) >= 0 {
		t.Fatalf("expected a<b")
	}
}

func TestClockRegressionGuard(t *testing.T) {
	g := NewGenerator()
	seq := int64(1000)
	NowMs = func() int64 { return seq }
	defer func() { NowMs = func() int64 { return time.Now().UnixMilli() } }()

	a := g.Next() // uses 1000
	seq = 900     // clock went backwards
	b := g.Next() // should still be >= a
	if a.Compare(b) >= 0 {
		t.Fatalf("expected b>a despite clock regression")
	}
}

func TestStringRoundTrip(t *testing.T) {
	g := NewGenerator()
	a := g.Next()
	parsed, err := FromString(a.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != a {
		t.Fatalf("round trip mismatch: %v vs %v", parsed, a)
	}
	if _, err := FromString("not-hex"); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestIsZero(t *testing.T) {
	if !Zero.IsZero() {
		t.Fatalf("Zero not zero")
	}
	g := NewGenerator()
	if g.Next().IsZero() {
		t.Fatalf("generated id is zero")
	}
}

func TestTimeHalf(t *testing.T) {
	NowMs = func() int64 { return 1234567 }
	defer func() { NowMs = func() int64 { return time.Now().UnixMilli() } }()
	g := NewGenerator()
	if got := g.Next().Time().UnixMilli(); got != 1234567 {
		t.Fatalf("timestamp half = %d, want 1234567", got)
	}
}
