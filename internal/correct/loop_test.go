package correct

import (
	"context"
	"strings"
	"testing"

	"github.com/hydraproject/hydra/internal/backend"
)

// twoModels plays back scripted generator and critic replies and records
// every prompt it sees.
type twoModels struct {
	genReplies    []string
	criticReplies []string
	genPrompts    []string
	criticPrompts []string
}

func (m *twoModels) Generate(_ context.Context, model, prompt string, _ backend.Options) (string, backend.Usage, error) {
	switch model {
	case "gen":
		m.genPrompts = append(m.genPrompts, prompt)
		reply := m.genReplies[0]
		if len(m.genReplies) > 1 {
			m.genReplies = m.genReplies[1:]
		}
		return reply, backend.Usage{}, nil
	case "critic":
		m.criticPrompts = append(m.criticPrompts, prompt)
		reply := m.criticReplies[0]
		if len(m.criticReplies) > 1 {
			m.criticReplies = m.criticReplies[1:]
		}
		return reply, backend.Usage{}, nil
	}
	return "", backend.Usage{}, nil
}

func newLoop(m *twoModels, maxAttempts int) *Loop {
	return New(m, Config{GeneratorModel: "gen", CriticModel: "critic", MaxAttempts: maxAttempts})
}

func TestGenerate_FirstCandidateAccepted(t *testing.T) {
	m := &twoModels{
		genReplies:    []string{"Here you go:\n```py\nprint('hello')\n```"},
		criticReplies: []string{"DONE"},
	}
	loop := newLoop(m, 3)

	code, trace, err := loop.Generate(context.Background(), "write python code that prints hello")
	if err != nil {
		t.Fatal(err)
	}
	if code != "print('hello')" {
		t.Errorf("code = %q", code)
	}
	// Exactly one round trip each when the first candidate validates.
	if len(m.genPrompts) != 1 || len(m.criticPrompts) != 1 {
		t.Errorf("calls gen=%d critic=%d, want 1/1", len(m.genPrompts), len(m.criticPrompts))
	}
	if trace.Outcome() != ActionAccept {
		t.Errorf("outcome = %s", trace.Outcome())
	}
	if trace.Language != "py" {
		t.Errorf("language = %s", trace.Language)
	}
}

func TestGenerate_RefinesOnCriticDefects(t *testing.T) {
	m := &twoModels{
		genReplies: []string{
			"```js\nfunction f() { return undefinedVar }\n```",
			"```js\nfunction f() { return 42 }\n```",
		},
		criticReplies: []string{
			"- undefinedVar is never declared",
			"DONE",
		},
	}
	loop := newLoop(m, 3)

	code, trace, err := loop.Generate(context.Background(), "write a javascript function")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(code, "return 42") {
		t.Errorf("final code = %q", code)
	}
	if len(trace.Steps) != 2 {
		t.Fatalf("steps = %d", len(trace.Steps))
	}
	if trace.Steps[0].Action != ActionRefine || trace.Steps[1].Action != ActionAccept {
		t.Errorf("actions = %s, %s", trace.Steps[0].Action, trace.Steps[1].Action)
	}
	if trace.Steps[0].Diagnostics[0].Kind != "critic" {
		t.Errorf("diagnostic kind = %s", trace.Steps[0].Diagnostics[0].Kind)
	}

	// The second generator prompt embeds the failed candidate and the defect.
	refine := m.genPrompts[1]
	if !strings.Contains(refine, "undefinedVar") || !strings.Contains(refine, "Previous attempt") {
		t.Errorf("refinement prompt missing context:\n%s", refine)
	}
}

func TestGenerate_GivesUpAtAttemptCap(t *testing.T) {
	m := &twoModels{
		genReplies:    []string{"```js\nbad()\n```"},
		criticReplies: []string{"- still broken"},
	}
	loop := newLoop(m, 2)

	code, trace, err := loop.Generate(context.Background(), "write javascript")
	if err != nil {
		t.Fatal(err)
	}
	if code != "bad()" {
		t.Errorf("give-up must return the last candidate, got %q", code)
	}
	if trace.Outcome() != ActionGiveUp {
		t.Errorf("outcome = %s", trace.Outcome())
	}
	if len(m.genPrompts) != 2 {
		t.Errorf("generator calls = %d, want 2", len(m.genPrompts))
	}
}

func TestGenerate_SyntaxFailureSkipsCritic(t *testing.T) {
	m := &twoModels{
		genReplies: []string{
			"```py\ndef broken(\n```",
			"```py\ndef fixed():\n    pass\n```",
		},
		criticReplies: []string{"DONE"},
	}
	loop := newLoop(m, 3)

	_, trace, err := loop.Generate(context.Background(), "write python code")
	if err != nil {
		t.Fatal(err)
	}
	if trace.Steps[0].Diagnostics[0].Kind != "syntax" {
		t.Errorf("first round should fail syntactically, got %+v", trace.Steps[0].Diagnostics)
	}
	// Only the second, syntactically clean round consulted the critic.
	if len(m.criticPrompts) != 1 {
		t.Errorf("critic calls = %d, want 1", len(m.criticPrompts))
	}
	if trace.Outcome() != ActionAccept {
		t.Errorf("outcome = %s", trace.Outcome())
	}
}

func TestValidate_CleanCode(t *testing.T) {
	m := &twoModels{criticReplies: []string{"DONE"}, genReplies: []string{""}}
	loop := newLoop(m, 3)

	trace, err := loop.Validate(context.Background(), "func main() {}", "go")
	if err != nil {
		t.Fatal(err)
	}
	if trace.Outcome() != ActionAccept {
		t.Errorf("outcome = %s", trace.Outcome())
	}
	if len(m.genPrompts) != 0 {
		t.Error("validate must not call the generator")
	}
	if len(m.criticPrompts) != 1 {
		t.Errorf("critic calls = %d, want 1", len(m.criticPrompts))
	}
}

func TestValidate_SyntaxErrorSkipsCritic(t *testing.T) {
	m := &twoModels{criticReplies: []string{"DONE"}, genReplies: []string{""}}
	loop := newLoop(m, 3)

	trace, err := loop.Validate(context.Background(), "def f(:\n    pass", "py")
	if err != nil {
		t.Fatal(err)
	}
	if trace.Outcome() != ActionGiveUp {
		t.Errorf("outcome = %s", trace.Outcome())
	}
	if len(m.criticPrompts) != 0 {
		t.Error("syntactic failure should not reach the critic")
	}
}

func TestDetectLanguage(t *testing.T) {
	cases := []struct {
		prompt string
		want   string
	}{
		{"fix this:\n```python\nprint(1)\n```", "py"},
		{"fix this:\n```rust\nfn main() {}\n```", "rs"},
		{"write a TypeScript interface for a user", "ts"},
		{"write a bash one-liner", "sh"},
		{"summarize this essay", LanguageUnknown},
	}
	for _, tc := range cases {
		if got := DetectLanguage(tc.prompt); got != tc.want {
			t.Errorf("DetectLanguage(%q) = %s, want %s", tc.prompt, got, tc.want)
		}
	}
}

func TestExtractCode(t *testing.T) {
	fenced := "intro text\n```go\npackage main\n```\nmore text\n```go\nfunc f() {}\n```"
	got := ExtractCode(fenced)
	if !strings.Contains(got, "package main") || !strings.Contains(got, "func f() {}") {
		t.Errorf("extracted = %q", got)
	}
	if strings.Contains(got, "intro text") {
		t.Error("prose should be stripped")
	}

	bare := "  just code, no fences  "
	if got := ExtractCode(bare); got != "just code, no fences" {
		t.Errorf("bare = %q", got)
	}
}

func TestParseCritique(t *testing.T) {
	if d := parseCritique("  DONE  "); d != nil {
		t.Errorf("DONE should yield no diagnostics, got %+v", d)
	}
	if d := parseCritique("done"); d != nil {
		t.Errorf("casing must not matter, got %+v", d)
	}

	d := parseCritique("1. missing return\n- unused variable\n\nDONE")
	if len(d) != 2 {
		t.Fatalf("diagnostics = %+v", d)
	}
	if d[0].Message != "missing return" || d[1].Message != "unused variable" {
		t.Errorf("messages = %q, %q", d[0].Message, d[1].Message)
	}
}

func TestCheckSyntax(t *testing.T) {
	if d := checkSyntax("go", "func f() { return }"); d != nil {
		t.Errorf("balanced code flagged: %+v", d)
	}
	if d := checkSyntax("go", "func f() { return"); len(d) == 0 {
		t.Error("unclosed brace not flagged")
	}
	if d := checkSyntax("go", `s := "a { not a bracket"`); d != nil {
		t.Errorf("brackets inside strings flagged: %+v", d)
	}
	if d := checkSyntax("go", "x := 1 // comment with { only"); d != nil {
		t.Errorf("brackets inside comments flagged: %+v", d)
	}
	if d := checkSyntax("py", "def f()\n    pass"); len(d) == 0 {
		t.Error("missing colon not flagged")
	}
	if d := checkSyntax(LanguageUnknown, "anything goes ((("); d != nil {
		t.Errorf("unknown language must skip checks, got %+v", d)
	}
}
