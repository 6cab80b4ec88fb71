// Package rules holds the static governance presets: default voting parameters and the
// classification of each action kind per governance mode.
package rules

import (
	"fmt"
	"time"

	"orangecat/governance/internal/rbac"
	"orangecat/governance/internal/store"
)

const (
	KindSpendFunds       = "spend_funds"
	KindAddMember        = "add_member"
	KindRemoveMember     = "remove_member"
	KindChangeRole       = "change_role"
	KindCreateContract   = "create_contract"
	KindAssociateEntity  = "associate_entity"
	KindUpdateGovernance = "update_governance"
	KindCreateListing    = "create_listing"
	KindUpdateProfile    = "update_profile"
)

// KnownKinds lists the action kinds the registry classifies explicitly.
var KnownKinds = []string{
	KindSpendFunds,
	KindAddMember,
	KindRemoveMember,
	KindChangeRole,
	KindCreateContract,
	KindAssociateEntity,
	KindUpdateGovernance,
	KindCreateListing,
	KindUpdateProfile,
}

// Rule classifies one action kind. A Governed action always needs a proposal; otherwise members
// with at least MinRole may act directly.
type Rule struct {
	Governed bool
	MinRole  rbac.Role
}

type ModeRules struct {
	Mode           store.GovernanceMode
	Threshold      float64
	Quorum         float64
	VotingWindow   time.Duration
	ProposeMinRole rbac.Role
	VoteMinRole    rbac.Role
	Actions        map[string]Rule
}

// Classify returns the rule for actionKind. Kinds missing from the table are Governed.
func (m ModeRules) Classify(actionKind string) Rule {
	if rule, ok := m.Actions[actionKind]; ok {
		return rule
	}
	return Rule{Governed: true}
}

func (m ModeRules) CanPropose(role rbac.Role) bool {
	return rbac.AtLeast(role, m.ProposeMinRole)
}

func (m ModeRules) CanVote(role rbac.Role) bool {
	return rbac.AtLeast(role, m.VoteMinRole)
}

const week = 7 * 24 * time.Hour

var governed = Rule{Governed: true}

var registry = map[store.GovernanceMode]ModeRules{
	store.ModeConsensus: {
		Mode:           store.ModeConsensus,
		Threshold:      1.0,
		Quorum:         0.60,
		VotingWindow:   week,
		ProposeMinRole: rbac.RoleMember,
		VoteMinRole:    rbac.RoleMember,
		Actions:        map[string]Rule{},
	},
	store.ModeDemocratic: {
		Mode:           store.ModeDemocratic,
		Threshold:      0.51,
		Quorum:         0.50,
		VotingWindow:   week,
		ProposeMinRole: rbac.RoleMember,
		VoteMinRole:    rbac.RoleMember,
		Actions: map[string]Rule{
			KindSpendFunds:       governed,
			KindAddMember:        governed,
			KindRemoveMember:     governed,
			KindChangeRole:       governed,
			KindCreateContract:   governed,
			KindAssociateEntity:  governed,
			KindUpdateGovernance: governed,
			KindCreateListing:    {MinRole: rbac.RoleMember},
			KindUpdateProfile:    {MinRole: rbac.RoleMember},
		},
	},
	store.ModeHierarchical: {
		Mode:           store.ModeHierarchical,
		Threshold:      0.51,
		Quorum:         0.25,
		VotingWindow:   3 * 24 * time.Hour,
		ProposeMinRole: rbac.RoleMember,
		VoteMinRole:    rbac.RoleAdmin,
		Actions: map[string]Rule{
			KindSpendFunds:       governed,
			KindCreateContract:   governed,
			KindAddMember:        {MinRole: rbac.RoleAdmin},
			KindRemoveMember:     {MinRole: rbac.RoleAdmin},
			KindChangeRole:       {MinRole: rbac.RoleAdmin},
			KindAssociateEntity:  {MinRole: rbac.RoleAdmin},
			KindUpdateGovernance: {MinRole: rbac.RoleAdmin},
			KindCreateListing:    {MinRole: rbac.RoleAdmin},
			KindUpdateProfile:    {MinRole: rbac.RoleAdmin},
		},
	},
}

// Lookup returns the preset for mode.
func Lookup(mode store.GovernanceMode) (ModeRules, error) {
	rules, ok := registry[mode]
	if !ok {
		return ModeRules{}, fmt.Errorf("unknown governance mode %q", mode)
	}
	return rules, nil
}

func ParseMode(value string) (store.GovernanceMode, bool) {
	mode := store.GovernanceMode(value)
	_, ok := registry[mode]
	return mode, ok
}

// Parameters are the voting parameters resolved for one activation.
type Parameters struct {
	Threshold    float64
	Quorum       float64
	VotingWindow time.Duration
}

// Effective resolves activation parameters with precedence proposal override, then group
// override, then fallbackWindow (when positive, for the window only), then mode default.
func Effective(rules ModeRules, group store.Group, proposal store.Proposal, fallbackWindow time.Duration) Parameters {
	params := Parameters{Threshold: rules.Threshold, Quorum: rules.Quorum, VotingWindow: rules.VotingWindow}
	if fallbackWindow > 0 {
		params.VotingWindow = fallbackWindow
	}
	if group.Threshold != nil {
		params.Threshold = *group.Threshold
	}
	if group.Quorum != nil {
		params.Quorum = *group.Quorum
	}
	if group.VotingWindow != nil {
		params.VotingWindow = *group.VotingWindow
	}
	if proposal.ThresholdOverride != nil {
		params.Threshold = *proposal.ThresholdOverride
	}
	if proposal.QuorumOverride != nil {
		params.Quorum = *proposal.QuorumOverride
	}
	if proposal.WindowOverride != nil {
		params.VotingWindow = *proposal.WindowOverride
	}
	return params
}
