// Package speculate fans one prompt out to several models in parallel and
// resolves a single winner according to a policy. Losers are cancelled, not
// abandoned: the shared context aborts their backend connections.
package speculate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/hydraproject/hydra/internal/backend"
	"github.com/hydraproject/hydra/internal/fault"
	"github.com/hydraproject/hydra/internal/tracing"
)

// Generator is the single backend call a race fans out over. *backend.Client
// satisfies it.
type Generator interface {
	Generate(ctx context.Context, model, prompt string, opts backend.Options) (string, backend.Usage, error)
}

// Validator decides whether a response is acceptable under first_valid.
type Validator func(text string) bool

// DefaultValidator accepts any response whose trimmed text is at least 10
// bytes long.
func DefaultValidator(text string) bool {
	return len(strings.TrimSpace(text)) >= 10
}

// Executor runs races over a Generator. Safe for concurrent use.
type Executor struct {
	gen      Generator
	validate Validator
	opts     backend.Options
	budget   time.Duration
}

// New builds an Executor. A nil validator falls back to DefaultValidator;
// a non-positive budget falls back to 30s.
func New(gen Generator, validate Validator, opts backend.Options, budget time.Duration) *Executor {
	if validate == nil {
		validate = DefaultValidator
	}
	if budget <= 0 {
		budget = 30 * time.Second
	}
	return &Executor{gen: gen, validate: validate, opts: opts, budget: budget}
}

// outcome is one model's finished attempt, index preserving model-list order.
type outcome struct {
	index   int
	model   string
	text    string
	elapsed time.Duration
	err     error
}

// Race sends prompt to every model at once and resolves a winner under the
// given policy. A zero budget uses the executor default. When no participant
// produces an acceptable answer the error is all_backends_failed carrying
// the last error per model.
func (e *Executor) Race(ctx context.Context, prompt string, models []string, policy Policy, budget time.Duration) (*Result, error) {
	if len(models) == 0 {
		return nil, fault.Validation("race requires at least one model")
	}
	if !ValidPolicy(policy) {
		return nil, fault.Validation("unknown race policy %q", policy)
	}
	if budget <= 0 {
		budget = e.budget
	}

	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	ctx, span := tracing.StartRaceSpan(ctx, string(policy), models)
	defer span.End()

	start := time.Now()
	results := make(chan outcome, len(models))
	for i, m := range models {
		go func(i int, model string) {
			t0 := time.Now()
			text, _, err := e.gen.Generate(ctx, model, prompt, e.opts)
			results <- outcome{index: i, model: model, text: text, elapsed: time.Since(t0), err: err}
		}(i, m)
	}

	var res *Result
	var err error
	switch policy {
	case FirstValid:
		res, err = e.firstValid(cancel, results, len(models))
	case BestQuality:
		res, err = bestQuality(results, len(models))
	case Consensus:
		res, err = consensus(results, len(models))
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, err
	}

	res.PolicyApplied = policy
	res.ElapsedMs = time.Since(start).Milliseconds()
	log.Debug().
		Str("policy", string(policy)).
		Str("winner", res.WinnerModel).
		Int("participants", len(models)).
		Dur("elapsed", time.Since(start)).
		Msg("race resolved")
	return res, nil
}

// firstValid takes the first validating response and cancels the rest. It
// keeps draining so every loser's elapsed time and error are accounted for.
func (e *Executor) firstValid(cancel context.CancelFunc, results <-chan outcome, n int) (*Result, error) {
	var winner *outcome
	collected := make([]outcome, 0, n)
	for i := 0; i < n; i++ {
		o := <-results
		collected = append(collected, o)
		if winner == nil && o.err == nil && e.validate(o.text) {
			w := o
			winner = &w
			cancel()
		}
	}
	sortByIndex(collected)

	if winner == nil {
		perModel := make(map[string]string, n)
		for _, o := range collected {
			if o.err != nil {
				perModel[o.model] = o.err.Error()
			} else {
				perModel[o.model] = "response failed validation"
			}
		}
		return nil, fault.AllBackendsFailed(perModel)
	}
	losers := make([]Loser, 0, n-1)
	for _, o := range collected {
		if o.index == winner.index {
			continue
		}
		l := Loser{Model: o.model, ElapsedMs: o.elapsed.Milliseconds()}
		switch {
		case o.err != nil:
			l.Error = o.err.Error()
		case !e.validate(o.text):
			l.Error = "response failed validation"
		}
		losers = append(losers, l)
	}
	return &Result{
		WinnerModel:  winner.model,
		ResponseText: winner.text,
		Losers:       losers,
	}, nil
}

// bestQuality waits for everyone and picks the longest successful response.
// Ties break by lowest elapsed, then model-list order.
func bestQuality(results <-chan outcome, n int) (*Result, error) {
	collected := collectAll(results, n)

	best := -1
	for i, o := range collected {
		if o.err != nil {
			continue
		}
		if best == -1 || longerOrFaster(o, collected[best]) {
			best = i
		}
	}
	if best == -1 {
		return nil, fault.AllBackendsFailed(errorsByModel(collected))
	}

	w := collected[best]
	return &Result{
		WinnerModel:  w.model,
		ResponseText: w.text,
		Losers:       losersOf(collected, w.index),
	}, nil
}

func longerOrFaster(a, b outcome) bool {
	if len(a.text) != len(b.text) {
		return len(a.text) > len(b.text)
	}
	if a.elapsed != b.elapsed {
		return a.elapsed < b.elapsed
	}
	return a.index < b.index
}

// consensus waits for everyone, groups normalized responses by signature,
// and declares agreement when the largest group holds a strict majority of
// the successful participants. A single participant never agrees with
// itself, but its answer is still returned.
func consensus(results <-chan outcome, n int) (*Result, error) {
	collected := collectAll(results, n)

	type bucket struct {
		sig     string
		members []outcome
	}
	buckets := make(map[string]*bucket)
	var order []*bucket
	succeeded := 0
	for _, o := range collected {
		if o.err != nil {
			continue
		}
		succeeded++
		sig := signature(o.text)
		b, ok := buckets[sig]
		if !ok {
			b = &bucket{sig: sig}
			buckets[sig] = b
			order = append(order, b)
		}
		b.members = append(b.members, o)
	}
	if succeeded == 0 {
		return nil, fault.AllBackendsFailed(errorsByModel(collected))
	}

	// Each bucket is represented by its fastest member.
	rep := func(b *bucket) outcome {
		r := b.members[0]
		for _, o := range b.members[1:] {
			if o.elapsed < r.elapsed || (o.elapsed == r.elapsed && o.index < r.index) {
				r = o
			}
		}
		return r
	}

	sort.SliceStable(order, func(i, j int) bool {
		if len(order[i].members) != len(order[j].members) {
			return len(order[i].members) > len(order[j].members)
		}
		ri, rj := rep(order[i]), rep(order[j])
		if ri.elapsed != rj.elapsed {
			return ri.elapsed < rj.elapsed
		}
		return ri.index < rj.index
	})

	groups := make([]Group, len(order))
	for i, b := range order {
		members := make([]string, len(b.members))
		for j, o := range b.members {
			members[j] = o.model
		}
		groups[i] = Group{Signature: b.sig, Members: members, Votes: len(b.members)}
	}

	winner := rep(order[0])
	agreed := succeeded >= 2 && groups[0].Votes >= succeeded/2+1

	return &Result{
		WinnerModel:  winner.model,
		ResponseText: winner.text,
		Losers:       losersOf(collected, winner.index),
		Consensus:    &ConsensusInfo{Groups: groups, Agreed: agreed},
	}, nil
}

// signature normalizes a response (trim, lowercase, collapse whitespace)
// and hashes it so agreement is insensitive to formatting noise.
func signature(text string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(text), " "))
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:8])
}

func collectAll(results <-chan outcome, n int) []outcome {
	out := make([]outcome, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, <-results)
	}
	sortByIndex(out)
	return out
}

func sortByIndex(outcomes []outcome) {
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].index < outcomes[j].index })
}

func errorsByModel(collected []outcome) map[string]string {
	perModel := make(map[string]string, len(collected))
	for _, o := range collected {
		if o.err != nil {
			perModel[o.model] = o.err.Error()
		}
	}
	return perModel
}

// losersOf lists every participant except the winner, in model-list order.
func losersOf(collected []outcome, winnerIndex int) []Loser {
	losers := make([]Loser, 0, len(collected)-1)
	for _, o := range collected {
		if o.index == winnerIndex {
			continue
		}
		l := Loser{Model: o.model, ElapsedMs: o.elapsed.Milliseconds()}
		if o.err != nil {
			l.Error = o.err.Error()
		}
		losers = append(losers, l)
	}
	return losers
}
