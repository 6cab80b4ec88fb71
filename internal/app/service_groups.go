package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"orangecat/governance/internal/permission"
	"orangecat/governance/internal/rbac"
	"orangecat/governance/internal/rules"
	"orangecat/governance/internal/store"
	"orangecat/governance/internal/util"
)

type CreateGroupInput struct {
	Name                string   `json:"name"`
	Mode                string   `json:"governance_mode"`
	Threshold           *float64 `json:"threshold,omitempty"`
	Quorum              *float64 `json:"quorum,omitempty"`
	VotingWindowSeconds *int64   `json:"voting_window_seconds,omitempty"`
	FounderName         string   `json:"founder_display_name,omitempty"`
	FounderVotingPower  *float64 `json:"founder_voting_power,omitempty"`
}

type GroupCreated struct {
	Group   GroupView  `json:"group"`
	Founder MemberView `json:"founder"`
}

// CreateGroup registers a group, its own actor, and founderID as its first member.
func (s *Service) CreateGroup(ctx context.Context, founderID string, input CreateGroupInput) (GroupCreated, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return GroupCreated{}, validation("name is required")
	}
	if strings.TrimSpace(founderID) == "" {
		return GroupCreated{}, validation("founder actor is required")
	}
	mode, ok := rules.ParseMode(strings.ToLower(strings.TrimSpace(input.Mode)))
	if !ok {
		return GroupCreated{}, validation(fmt.Sprintf("unknown governance mode %q", input.Mode))
	}
	if input.Threshold != nil && (*input.Threshold <= 0 || *input.Threshold > 1) {
		return GroupCreated{}, validation("threshold must be in (0, 1]")
	}
	if input.Quorum != nil && (*input.Quorum <= 0 || *input.Quorum > 1) {
		return GroupCreated{}, validation("quorum must be in (0, 1]")
	}
	if input.VotingWindowSeconds != nil && *input.VotingWindowSeconds <= 0 {
		return GroupCreated{}, validation("voting window must be positive")
	}
	power := 1.0
	if input.FounderVotingPower != nil {
		power = *input.FounderVotingPower
	}
	if power < 0 {
		return GroupCreated{}, validation("voting power must not be negative")
	}

	now := s.now()
	group := store.Group{
		ID:        util.NewID("grp"),
		ActorID:   util.NewID("act"),
		Name:      name,
		Mode:      mode,
		Threshold: input.Threshold,
		Quorum:    input.Quorum,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if input.VotingWindowSeconds != nil {
		window := time.Duration(*input.VotingWindowSeconds) * time.Second
		group.VotingWindow = &window
	}
	founder := store.Member{
		GroupID:     group.ID,
		ActorID:     founderID,
		Role:        rbac.RoleFounder,
		VotingPower: power,
		Permissions: map[string]string{},
		JoinedAt:    now,
	}

	err := s.store.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.CreateActor(ctx, store.Actor{ID: group.ActorID, Kind: store.ActorGroup, DisplayName: name, CreatedAt: now}); err != nil {
			return err
		}
		if err := s.store.CreateActor(ctx, store.Actor{ID: founderID, Kind: store.ActorIndividual, DisplayName: strings.TrimSpace(input.FounderName), CreatedAt: now}); err != nil {
			return err
		}
		if err := s.store.CreateGroup(ctx, group); err != nil {
			return err
		}
		return s.store.UpsertMember(ctx, founder)
	})
	if err != nil {
		return GroupCreated{}, fmt.Errorf("create group: %w", err)
	}

	s.logger.Info("group created",
		zap.String("group_id", group.ID),
		zap.String("governance_mode", string(mode)),
		zap.String("founder_actor_id", founderID),
	)
	return GroupCreated{Group: toGroupView(group), Founder: toMemberView(founder)}, nil
}

func (s *Service) GetGroup(ctx context.Context, groupID, actorID string) (GroupView, error) {
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return GroupView{}, classify(err, "group")
	}
	if err := s.requireMember(ctx, groupID, actorID); err != nil {
		return GroupView{}, err
	}
	return toGroupView(group), nil
}

type AddMemberInput struct {
	GroupID     string            `json:"-"`
	ActorID     string            `json:"actor_id"`
	DisplayName string            `json:"display_name,omitempty"`
	Role        string            `json:"role,omitempty"`
	VotingPower *float64          `json:"voting_power,omitempty"`
	Permissions map[string]string `json:"permissions,omitempty"`
}

// AddMember is the operator path for admitting or updating a member. Groups that should decide
// membership themselves do so through an add_member proposal instead.
func (s *Service) AddMember(ctx context.Context, input AddMemberInput) (MemberView, error) {
	actorID := strings.TrimSpace(input.ActorID)
	if actorID == "" {
		return MemberView{}, validation("actor_id is required")
	}
	if _, err := s.store.GetGroup(ctx, input.GroupID); err != nil {
		return MemberView{}, classify(err, "group")
	}
	power := 1.0
	if input.VotingPower != nil {
		power = *input.VotingPower
	}
	if power < 0 {
		return MemberView{}, validation("voting power must not be negative")
	}
	if input.Role != "" && !rbac.Known(input.Role) {
		return MemberView{}, validation(fmt.Sprintf("unknown role %q", input.Role))
	}
	permissions := make(map[string]string, len(input.Permissions))
	for kind, raw := range input.Permissions {
		decision, ok := permission.ParseDecision(raw)
		if !ok {
			return MemberView{}, validation(fmt.Sprintf("unknown permission %q for %s", raw, kind))
		}
		permissions[kind] = string(decision)
	}

	now := s.now()
	member := store.Member{
		GroupID:     input.GroupID,
		ActorID:     actorID,
		Role:        rbac.Normalize(input.Role),
		VotingPower: power,
		Permissions: permissions,
		JoinedAt:    now,
	}
	err := s.store.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.CreateActor(ctx, store.Actor{ID: actorID, Kind: store.ActorIndividual, DisplayName: strings.TrimSpace(input.DisplayName), CreatedAt: now}); err != nil {
			return err
		}
		return s.store.UpsertMember(ctx, member)
	})
	if err != nil {
		return MemberView{}, fmt.Errorf("add member: %w", err)
	}

	stored, err := s.store.GetMember(ctx, input.GroupID, actorID)
	if errors.Is(err, store.ErrNotFound) {
		return MemberView{}, notFound("member")
	}
	if err != nil {
		return MemberView{}, err
	}
	return toMemberView(stored), nil
}
