package speculate

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hydraproject/hydra/internal/backend"
	"github.com/hydraproject/hydra/internal/fault"
)

// ---------------------------------------------------------------------------
// Test generator
// ---------------------------------------------------------------------------

type script struct {
	text  string
	delay time.Duration
	err   error
}

// scriptedGen answers per-model scripts and honors context cancellation
// during the scripted delay, like a real HTTP client would.
type scriptedGen struct {
	scripts   map[string]script
	calls     int64
	cancelled int64
}

func (g *scriptedGen) Generate(ctx context.Context, model, prompt string, _ backend.Options) (string, backend.Usage, error) {
	atomic.AddInt64(&g.calls, 1)
	s := g.scripts[model]
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			atomic.AddInt64(&g.cancelled, 1)
			return "", backend.Usage{}, fault.Cancelled(ctx.Err())
		}
	}
	if s.err != nil {
		return "", backend.Usage{}, s.err
	}
	return s.text, backend.Usage{}, nil
}

func newExecutor(scripts map[string]script) (*Executor, *scriptedGen) {
	gen := &scriptedGen{scripts: scripts}
	return New(gen, nil, backend.Options{}, 5*time.Second), gen
}

// ---------------------------------------------------------------------------
// first_valid
// ---------------------------------------------------------------------------

func TestFirstValid_SkipsInvalidFastAnswer(t *testing.T) {
	e, _ := newExecutor(map[string]script{
		"fast": {text: "A", delay: 20 * time.Millisecond},
		"slow": {text: "BBBBBBBBBBBB", delay: 120 * time.Millisecond},
	})

	res, err := e.Race(context.Background(), "P", []string{"fast", "slow"}, FirstValid, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.WinnerModel != "slow" || res.ResponseText != "BBBBBBBBBBBB" {
		t.Errorf("winner = %s %q", res.WinnerModel, res.ResponseText)
	}
	if len(res.Losers) != 1 || res.Losers[0].Model != "fast" {
		t.Fatalf("losers = %+v", res.Losers)
	}
	if !strings.Contains(res.Losers[0].Error, "validation") {
		t.Errorf("fast's loss should note the validation failure, got %q", res.Losers[0].Error)
	}
	if res.PolicyApplied != FirstValid {
		t.Errorf("policy = %s", res.PolicyApplied)
	}
}

func TestFirstValid_WinnerCancelsLosers(t *testing.T) {
	e, gen := newExecutor(map[string]script{
		"fast": {text: "a perfectly valid answer", delay: 10 * time.Millisecond},
		"slow": {text: "never delivered", delay: 5 * time.Second},
	})

	start := time.Now()
	res, err := e.Race(context.Background(), "P", []string{"fast", "slow"}, FirstValid, 0)
	if err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("race took %v; the loser was not cancelled", elapsed)
	}
	if res.WinnerModel != "fast" {
		t.Errorf("winner = %s", res.WinnerModel)
	}
	if atomic.LoadInt64(&gen.cancelled) != 1 {
		t.Errorf("cancelled calls = %d, want 1", gen.cancelled)
	}
	if len(res.Losers) != 1 || res.Losers[0].Error == "" {
		t.Errorf("slow should lose with a cancellation error, got %+v", res.Losers)
	}
}

func TestFirstValid_AllFail(t *testing.T) {
	e, _ := newExecutor(map[string]script{
		"a": {err: fault.BackendUnavailable(context.DeadlineExceeded)},
		"b": {text: "short"}, // fails validation
	})

	_, err := e.Race(context.Background(), "P", []string{"a", "b"}, FirstValid, 0)
	if !fault.IsKind(err, fault.KindAllBackendsFailed) {
		t.Fatalf("err = %v, want all_backends_failed", err)
	}
	var fe *fault.Error
	if !errors.As(err, &fe) {
		t.Fatal("expected a fault.Error")
	}
	if fe.Context["a"] == nil || fe.Context["b"] == nil {
		t.Errorf("per-model errors missing: %+v", fe.Context)
	}
}

// ---------------------------------------------------------------------------
// best_quality
// ---------------------------------------------------------------------------

func TestBestQuality_PicksLongestResponse(t *testing.T) {
	e, _ := newExecutor(map[string]script{
		"a": {text: "short one"},
		"b": {text: "this is the longest response of the three"},
		"c": {text: "middle sized answer"},
	})

	res, err := e.Race(context.Background(), "P", []string{"a", "b", "c"}, BestQuality, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.WinnerModel != "b" {
		t.Errorf("winner = %s, want b", res.WinnerModel)
	}
	if len(res.Losers) != 2 {
		t.Errorf("losers = %+v", res.Losers)
	}
}

func TestBestQuality_TieBreaksByElapsedThenOrder(t *testing.T) {
	e, _ := newExecutor(map[string]script{
		"slower": {text: "same length!", delay: 100 * time.Millisecond},
		"faster": {text: "same length?", delay: 10 * time.Millisecond},
	})

	res, err := e.Race(context.Background(), "P", []string{"slower", "faster"}, BestQuality, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.WinnerModel != "faster" {
		t.Errorf("equal lengths should break by elapsed; winner = %s", res.WinnerModel)
	}
}

func TestBestQuality_IgnoresFailedParticipants(t *testing.T) {
	e, _ := newExecutor(map[string]script{
		"broken": {err: fault.BackendHTTP(500, "boom", 0)},
		"ok":     {text: "good enough answer"},
	})

	res, err := e.Race(context.Background(), "P", []string{"broken", "ok"}, BestQuality, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.WinnerModel != "ok" {
		t.Errorf("winner = %s", res.WinnerModel)
	}
	if len(res.Losers) != 1 || res.Losers[0].Error == "" {
		t.Errorf("broken should lose with its error, got %+v", res.Losers)
	}
}

// ---------------------------------------------------------------------------
// consensus
// ---------------------------------------------------------------------------

func TestConsensus_TwoOfThreeAgree(t *testing.T) {
	e, _ := newExecutor(map[string]script{
		"a": {text: "yes"},
		"b": {text: "yes"},
		"c": {text: "no"},
	})

	res, err := e.Race(context.Background(), "P", []string{"a", "b", "c"}, Consensus, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.ResponseText != "yes" {
		t.Errorf("winner text = %q, want yes", res.ResponseText)
	}
	ci := res.Consensus
	if ci == nil || !ci.Agreed {
		t.Fatalf("consensus info = %+v, want agreed", ci)
	}
	if len(ci.Groups) != 2 || ci.Groups[0].Votes != 2 || ci.Groups[1].Votes != 1 {
		t.Errorf("groups = %+v, want sizes {2,1}", ci.Groups)
	}
}

func TestConsensus_NormalizationFoldsCaseAndWhitespace(t *testing.T) {
	e, _ := newExecutor(map[string]script{
		"a": {text: "  The Answer Is 42  "},
		"b": {text: "the answer\nis 42"},
		"c": {text: "something else entirely"},
	})

	res, err := e.Race(context.Background(), "P", []string{"a", "b", "c"}, Consensus, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Consensus.Agreed {
		t.Error("differently formatted but equivalent answers should agree")
	}
	if res.Consensus.Groups[0].Votes != 2 {
		t.Errorf("top group votes = %d, want 2", res.Consensus.Groups[0].Votes)
	}
}

func TestConsensus_SingleParticipantNeverAgrees(t *testing.T) {
	e, _ := newExecutor(map[string]script{
		"only": {text: "the lone answer"},
	})

	res, err := e.Race(context.Background(), "P", []string{"only"}, Consensus, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Consensus.Agreed {
		t.Error("n=1 must not count as agreement")
	}
	if res.ResponseText != "the lone answer" {
		t.Errorf("result should still carry the answer, got %q", res.ResponseText)
	}
}

func TestConsensus_NoMajorityTieBreaksByElapsed(t *testing.T) {
	e, _ := newExecutor(map[string]script{
		"a": {text: "alpha", delay: 80 * time.Millisecond},
		"b": {text: "bravo", delay: 10 * time.Millisecond},
		"c": {text: "charlie", delay: 40 * time.Millisecond},
	})

	res, err := e.Race(context.Background(), "P", []string{"a", "b", "c"}, Consensus, 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Consensus.Agreed {
		t.Error("three distinct answers must not agree")
	}
	if res.WinnerModel != "b" {
		t.Errorf("all-singleton tie should pick the fastest; winner = %s", res.WinnerModel)
	}
}

func TestConsensus_AllFail(t *testing.T) {
	e, _ := newExecutor(map[string]script{
		"a": {err: fault.BackendTimeout(context.DeadlineExceeded)},
		"b": {err: fault.BackendUnavailable(context.DeadlineExceeded)},
	})

	_, err := e.Race(context.Background(), "P", []string{"a", "b"}, Consensus, 0)
	if !fault.IsKind(err, fault.KindAllBackendsFailed) {
		t.Fatalf("err = %v, want all_backends_failed", err)
	}
}

// ---------------------------------------------------------------------------
// argument checks
// ---------------------------------------------------------------------------

func TestRace_RejectsBadArguments(t *testing.T) {
	e, _ := newExecutor(nil)

	if _, err := e.Race(context.Background(), "P", nil, FirstValid, 0); !fault.IsKind(err, fault.KindValidation) {
		t.Errorf("empty model list: %v", err)
	}
	if _, err := e.Race(context.Background(), "P", []string{"m"}, Policy("nope"), 0); !fault.IsKind(err, fault.KindValidation) {
		t.Errorf("unknown policy: %v", err)
	}
}

func TestRace_BudgetBoundsTheRace(t *testing.T) {
	e, _ := newExecutor(map[string]script{
		"sluggish": {text: "far too late to matter", delay: 5 * time.Second},
	})

	start := time.Now()
	_, err := e.Race(context.Background(), "P", []string{"sluggish"}, BestQuality, 50*time.Millisecond)
	if err == nil {
		t.Fatal("expected failure when the budget elapses")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("budget ignored, race took %v", elapsed)
	}
}
