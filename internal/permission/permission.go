package permission

import (
	"context"
	"errors"
	"fmt"

	"orangecat/governance/internal/rbac"
	"orangecat/governance/internal/rules"
	"orangecat/governance/internal/store"
)

type Decision string

const (
	Allow           Decision = "allow"
	RequireProposal Decision = "require_proposal"
	Deny            Decision = "deny"
)

func ParseDecision(value string) (Decision, bool) {
	switch decision := Decision(value); decision {
	case Allow, RequireProposal, Deny:
		return decision, true
	default:
		return "", false
	}
}

type Result struct {
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason"`
}

type dataStore interface {
	GetGroup(ctx context.Context, groupID string) (store.Group, error)
	GetMember(ctx context.Context, groupID, actorID string) (store.Member, error)
}

type Resolver struct {
	store dataStore
}

func NewResolver(store dataStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve decides whether actorID may perform actionKind in groupID directly, only through a
// proposal, or not at all. Missing membership is a Deny, not an error; errors are reserved for
// store failures.
func (r *Resolver) Resolve(ctx context.Context, actorID, groupID, actionKind string) (Result, error) {
	member, err := r.store.GetMember(ctx, groupID, actorID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Decision: Deny, Reason: "not a member"}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("resolve permission: %w", err)
	}
	group, err := r.store.GetGroup(ctx, groupID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Decision: Deny, Reason: "group not found"}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("resolve permission: %w", err)
	}
	return Decide(group, member, actionKind), nil
}

// Decide is the pure decision over already-loaded records.
func Decide(group store.Group, member store.Member, actionKind string) Result {
	if raw, ok := member.Permissions[actionKind]; ok {
		if decision, ok := ParseDecision(raw); ok {
			return Result{Decision: decision, Reason: "member override"}
		}
	}

	modeRules, err := rules.Lookup(group.Mode)
	if err != nil {
		return Result{Decision: Deny, Reason: err.Error()}
	}

	rule := modeRules.Classify(actionKind)
	switch {
	case !rule.Governed && rbac.AtLeast(member.Role, rule.MinRole):
		return Result{Decision: Allow, Reason: fmt.Sprintf("%s may act directly in %s mode", member.Role, group.Mode)}
	case modeRules.CanPropose(member.Role):
		if rule.Governed {
			return Result{Decision: RequireProposal, Reason: fmt.Sprintf("%s is governed in %s mode", actionKind, group.Mode)}
		}
		return Result{Decision: RequireProposal, Reason: fmt.Sprintf("%s requires role %s to act directly", actionKind, rule.MinRole)}
	default:
		return Result{Decision: Deny, Reason: fmt.Sprintf("role %s may not propose in %s mode", member.Role, group.Mode)}
	}
}
