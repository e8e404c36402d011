// Package correct implements the generate-critique-refine loop: a generator
// model produces code, cheap syntactic checks and a critic model look for
// defects, and diagnostics feed a refinement prompt until the candidate is
// accepted or the attempt cap is reached.
package correct

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/hydraproject/hydra/internal/backend"
	"github.com/hydraproject/hydra/internal/tracing"
)

// Generator is the backend call the loop drives. *backend.Client satisfies it.
type Generator interface {
	Generate(ctx context.Context, model, prompt string, opts backend.Options) (string, backend.Usage, error)
}

// Config selects the models and the attempt cap for a loop.
type Config struct {
	GeneratorModel string
	CriticModel    string
	MaxAttempts    int
	Options        backend.Options
}

// Loop runs self-correction rounds. Safe for concurrent use.
type Loop struct {
	gen Generator
	cfg Config
}

// New builds a Loop. A non-positive attempt cap defaults to 3.
func New(gen Generator, cfg Config) *Loop {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Loop{gen: gen, cfg: cfg}
}

// Generate produces code for prompt, refining it until the critic is
// satisfied or attempts run out. The returned code is always the last
// candidate; the trace's terminal action says whether it was accepted.
// A prompt whose first candidate validates costs exactly one generator
// call and one critic call.
func (l *Loop) Generate(ctx context.Context, prompt string) (string, *Trace, error) {
	language := DetectLanguage(prompt)
	trace := &Trace{Language: language}

	current := prompt
	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		roundCtx, span := tracing.StartCorrectionSpan(ctx, attempt, language)

		raw, _, err := l.gen.Generate(roundCtx, l.cfg.GeneratorModel, current, l.cfg.Options)
		if err != nil {
			tracing.RecordError(roundCtx, err)
			span.End()
			return "", trace, err
		}
		code := ExtractCode(raw)

		// Syntactic failures skip the critic round: the defect list is
		// already actionable and the critic call is the expensive part.
		diags := checkSyntax(language, code)
		if len(diags) == 0 {
			diags, err = l.critique(roundCtx, language, code)
			if err != nil {
				tracing.RecordError(roundCtx, err)
				span.End()
				return "", trace, err
			}
		}
		span.End()

		step := Step{AttemptIndex: attempt, CodeProduced: code, Diagnostics: diags}
		switch {
		case len(diags) == 0:
			step.Action = ActionAccept
			trace.Steps = append(trace.Steps, step)
			log.Debug().Int("attempt", attempt).Str("language", language).Msg("correction accepted")
			return code, trace, nil
		case attempt == l.cfg.MaxAttempts:
			step.Action = ActionGiveUp
			trace.Steps = append(trace.Steps, step)
			log.Warn().
				Int("attempts", attempt).
				Int("open_defects", len(diags)).
				Msg("correction gave up, returning last candidate")
			return code, trace, nil
		default:
			step.Action = ActionRefine
			trace.Steps = append(trace.Steps, step)
			current = refinementPrompt(prompt, code, diags)
		}
	}
	// Unreachable: the loop always terminates via ACCEPT or GIVE_UP.
	return "", trace, nil
}

// Validate runs a single validation pass over existing code: syntactic
// checks when the language permits, then one critic round. No code is
// generated. The trace holds one step whose action is ACCEPT or GIVE_UP.
func (l *Loop) Validate(ctx context.Context, code, language string) (*Trace, error) {
	if language == "" {
		language = DetectLanguage(code)
	}
	trace := &Trace{Language: language}

	roundCtx, span := tracing.StartCorrectionSpan(ctx, 1, language)
	defer span.End()

	diags := checkSyntax(language, code)
	if len(diags) == 0 {
		var err error
		if diags, err = l.critique(roundCtx, language, code); err != nil {
			tracing.RecordError(roundCtx, err)
			return trace, err
		}
	}

	step := Step{AttemptIndex: 1, CodeProduced: code, Diagnostics: diags, Action: ActionAccept}
	if len(diags) > 0 {
		step.Action = ActionGiveUp
	}
	trace.Steps = append(trace.Steps, step)
	return trace, nil
}

const criticDone = "DONE"

// critique asks the critic model for defects and parses its reply into
// diagnostics. A reply of DONE, or one with no actionable lines, means the
// candidate is accepted.
func (l *Loop) critique(ctx context.Context, language, code string) ([]Diagnostic, error) {
	prompt := fmt.Sprintf(
		"You are a strict code reviewer. Review the following %s code for concrete defects: syntax errors, logic bugs, unhandled edge cases.\n"+
			"List each defect on its own line. If the code has no defects, reply with exactly %s.\n\n```\n%s\n```",
		language, criticDone, code)

	raw, _, err := l.gen.Generate(ctx, l.cfg.CriticModel, prompt, l.cfg.Options)
	if err != nil {
		return nil, err
	}
	return parseCritique(raw), nil
}

// parseCritique turns critic output into diagnostics, stripping bullet
// markers and ignoring DONE in any casing.
func parseCritique(raw string) []Diagnostic {
	trimmed := strings.TrimSpace(raw)
	if strings.EqualFold(trimmed, criticDone) {
		return nil
	}

	var diags []Diagnostic
	for _, line := range strings.Split(trimmed, "\n") {
		msg := strings.TrimSpace(line)
		msg = strings.TrimLeft(msg, "-*• \t")
		for i := 0; i < len(msg); i++ {
			if msg[i] >= '0' && msg[i] <= '9' {
				continue
			}
			if msg[i] == '.' || msg[i] == ')' {
				msg = strings.TrimSpace(msg[i+1:])
			}
			break
		}
		if msg == "" || strings.EqualFold(msg, criticDone) {
			continue
		}
		diags = append(diags, Diagnostic{Kind: "critic", Message: msg})
	}
	return diags
}

// refinementPrompt embeds the failed candidate and its diagnostics into the
// next generator round.
func refinementPrompt(original, candidate string, diags []Diagnostic) string {
	var b strings.Builder
	b.WriteString("Your previous attempt at the task below had defects.\n\nTask:\n")
	b.WriteString(original)
	b.WriteString("\n\nPrevious attempt:\n```\n")
	b.WriteString(candidate)
	b.WriteString("\n```\n\nDefects found:\n")
	for _, d := range diags {
		fmt.Fprintf(&b, "- %s\n", d.Message)
	}
	b.WriteString("\nProduce a corrected version. Reply with only the code in a fenced block.")
	return b.String()
}
