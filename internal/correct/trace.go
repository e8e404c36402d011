package correct

// Action is the verdict a correction round ends with.
type Action string

const (
	// ActionAccept means the candidate passed validation.
	ActionAccept Action = "ACCEPT"
	// ActionRefine means defects were found and another round follows.
	ActionRefine Action = "REFINE"
	// ActionGiveUp means the attempt cap was reached with defects remaining.
	ActionGiveUp Action = "GIVE_UP"
)

// Diagnostic is a single defect found in a candidate, either by a cheap
// syntactic check (kind "syntax") or by the critic model (kind "critic").
type Diagnostic struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Step records one correction round.
type Step struct {
	AttemptIndex int          `json:"attempt_index"`
	CodeProduced string       `json:"code_produced"`
	Diagnostics  []Diagnostic `json:"diagnostics"`
	Action       Action       `json:"action"`
}

// Trace is the full correction history. The terminal step's action is the
// overall outcome.
type Trace struct {
	Language string `json:"language"`
	Steps    []Step `json:"steps"`
}

// Outcome returns the terminal step's action, or GIVE_UP for an empty trace.
func (t *Trace) Outcome() Action {
	if len(t.Steps) == 0 {
		return ActionGiveUp
	}
	return t.Steps[len(t.Steps)-1].Action
}
