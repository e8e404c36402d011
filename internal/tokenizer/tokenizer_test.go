package tokenizer

import (
	"errors"
	"testing"
)

var errEncodingUnavailable = errors.New("encoding unavailable")

func TestEstimate_Empty(t *testing.T) {
	e := New()
	if n := e.Estimate(""); n != 0 {
		t.Errorf("empty text = %d tokens", n)
	}
}

func TestEstimate_GrowsWithInput(t *testing.T) {
	e := New()
	short := e.Estimate("hello")
	long := e.Estimate("hello world, this is a much longer prompt with many more words in it")
	if short <= 0 {
		t.Fatalf("short = %d", short)
	}
	if long <= short {
		t.Errorf("long (%d) should exceed short (%d)", long, short)
	}
}

func TestEstimate_FallbackHeuristic(t *testing.T) {
	// Force the heuristic path regardless of whether the encoding loaded.
	e := &Estimator{}
	e.once.Do(func() {})
	e.err = errEncodingUnavailable

	if n := e.Estimate("12345678"); n != 2 {
		t.Errorf("8 bytes = %d tokens, want 2", n)
	}
	if n := e.Estimate("123456789"); n != 3 {
		t.Errorf("9 bytes = %d tokens, want 3 (rounded up)", n)
	}
	if e.Exact() {
		t.Error("heuristic path must not report exact")
	}
}
