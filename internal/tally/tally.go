// Package tally computes vote totals and the resolution outcome of a proposal. Everything here is
// a pure function of its inputs so the per-vote path and the expiry sweep always agree.
package tally

import (
	"time"

	"orangecat/governance/internal/store"
)

// epsilon absorbs float summation error, which depends on the order weights were added in.
const epsilon = 1e-9

type Tally struct {
	Yes            float64 `json:"yes"`
	No             float64 `json:"no"`
	Abstain        float64 `json:"abstain"`
	EligibleWeight float64 `json:"eligible_weight"`
	Participation  float64 `json:"participation"`
	YesRatio       float64 `json:"yes_ratio"`
	Voters         int     `json:"voters"`
}

// Count sums stored vote weights. Participation is zero when nothing was eligible and YesRatio
// is zero when nobody voted yes or no.
func Count(votes []store.Vote, eligibleWeight float64) Tally {
	t := Tally{EligibleWeight: eligibleWeight}
	for _, vote := range votes {
		switch vote.Choice {
		case store.ChoiceYes:
			t.Yes += vote.Weight
		case store.ChoiceNo:
			t.No += vote.Weight
		case store.ChoiceAbstain:
			t.Abstain += vote.Weight
		default:
			continue
		}
		t.Voters++
	}
	if eligibleWeight > 0 {
		t.Participation = (t.Yes + t.No + t.Abstain) / eligibleWeight
	}
	if decided := t.Yes + t.No; decided > 0 {
		t.YesRatio = t.Yes / decided
	}
	return t
}

type Outcome struct {
	Tally    Tally
	Expired  bool
	Terminal bool
	// Status is Passed or Failed when Terminal, otherwise Active.
	Status store.ProposalStatus
}

// Resolve applies the resolution rule to an active proposal's frozen parameters. A proposal is
// decided once its window has ended or quorum is reached; below quorum it fails regardless of the
// yes ratio.
func Resolve(p store.Proposal, votes []store.Vote, now time.Time) Outcome {
	t := Count(votes, p.EligibleWeight)
	out := Outcome{Tally: t, Status: store.StatusActive}
	out.Expired = p.VotingEndsAt != nil && now.After(*p.VotingEndsAt)

	quorumMet := t.EligibleWeight > 0 && reaches(t.Participation, p.Quorum)
	out.Terminal = out.Expired || quorumMet
	if !out.Terminal {
		return out
	}
	switch {
	case !quorumMet:
		out.Status = store.StatusFailed
	case reaches(t.YesRatio, p.Threshold):
		out.Status = store.StatusPassed
	default:
		out.Status = store.StatusFailed
	}
	return out
}

func reaches(value, bound float64) bool {
	return value+epsilon >= bound
}
