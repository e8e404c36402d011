package speculate

// Policy selects how a race picks its winner.
type Policy string

const (
	// FirstValid returns the first response that passes the validator and
	// cancels everything else.
	FirstValid Policy = "first_valid"
	// BestQuality waits for every model and picks the longest successful
	// response.
	BestQuality Policy = "best_quality"
	// Consensus waits for every model, groups normalized responses, and
	// reports whether a majority agreed.
	Consensus Policy = "consensus"
)

// ValidPolicy reports whether p names a known race policy.
func ValidPolicy(p Policy) bool {
	switch p {
	case FirstValid, BestQuality, Consensus:
		return true
	}
	return false
}

// Loser describes a race participant that did not win.
type Loser struct {
	Model     string `json:"model"`
	ElapsedMs int64  `json:"elapsed_ms"`
	Error     string `json:"error,omitempty"`
}

// Group is one cluster of agreeing responses in consensus mode.
type Group struct {
	Signature string   `json:"signature"`
	Members   []string `json:"members"`
	Votes     int      `json:"votes"`
}

// ConsensusInfo is attached to the result only under the consensus policy.
type ConsensusInfo struct {
	Groups []Group `json:"groups"`
	Agreed bool    `json:"agreed"`
}

// Result is the outcome of one race.
type Result struct {
	WinnerModel   string         `json:"winner_model"`
	ResponseText  string         `json:"response_text"`
	Losers        []Loser        `json:"losers"`
	PolicyApplied Policy         `json:"policy_applied"`
	ElapsedMs     int64          `json:"elapsed_ms"`
	Consensus     *ConsensusInfo `json:"consensus_info,omitempty"`
}
