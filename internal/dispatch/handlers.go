package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"orangecat/governance/internal/rbac"
	"orangecat/governance/internal/rules"
	"orangecat/governance/internal/store"
	"orangecat/governance/internal/util"
)

type contractStore interface {
	CreateContract(ctx context.Context, contract store.Contract) (store.Contract, bool, error)
}

type listingStore interface {
	GetListing(ctx context.Context, listingID string) (store.Listing, error)
	ReassignListing(ctx context.Context, listingID, ownerActorID, sourceProposalID string) error
}

type memberStore interface {
	CreateActor(ctx context.Context, actor store.Actor) error
	GetMember(ctx context.Context, groupID, actorID string) (store.Member, error)
	UpsertMember(ctx context.Context, member store.Member) error
}

type builtinStore interface {
	contractStore
	listingStore
	memberStore
}

// RegisterBuiltins installs the create_contract, associate_entity and add_member handlers.
// spend_funds is left unregistered until a treasury collaborator exists.
func RegisterBuiltins(d *Dispatcher, s builtinStore) error {
	builtins := map[string]Handler{
		rules.KindCreateContract:  CreateContract(s),
		rules.KindAssociateEntity: AssociateEntity(s),
		rules.KindAddMember:       AddMember(s),
	}
	for kind, handler := range builtins {
		if err := d.Register(kind, handler); err != nil {
			return err
		}
	}
	return nil
}

func decodeParams(params map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("build params decoder: %w", err)
	}
	if err := decoder.Decode(params); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

type contractParams struct {
	CounterpartyActorID string         `mapstructure:"counterparty_actor_id"`
	PartyActorID        string         `mapstructure:"party_actor_id"`
	Title               string         `mapstructure:"title"`
	Terms               map[string]any `mapstructure:"terms"`
	Amount              *float64       `mapstructure:"amount"`
	Currency            string         `mapstructure:"currency"`
}

// CreateContract materializes an agreement between the group (or party_actor_id) and a
// counterparty. One contract exists per source proposal, so a retry returns the same record.
func CreateContract(s contractStore) Handler {
	return func(ctx context.Context, req Request) (string, error) {
		var params contractParams
		if err := decodeParams(req.Params, &params); err != nil {
			return "", err
		}
		params.CounterpartyActorID = strings.TrimSpace(params.CounterpartyActorID)
		params.Title = strings.TrimSpace(params.Title)
		if params.CounterpartyActorID == "" {
			return "", errors.New("counterparty_actor_id is required")
		}
		if params.Title == "" {
			return "", errors.New("title is required")
		}
		party := strings.TrimSpace(params.PartyActorID)
		if party == "" {
			party = req.GroupActorID
		}
		if party == params.CounterpartyActorID {
			return "", errors.New("a contract needs two distinct parties")
		}
		if params.Amount != nil && *params.Amount < 0 {
			return "", errors.New("amount must not be negative")
		}

		contract, _, err := s.CreateContract(ctx, store.Contract{
			ID:                  util.NewID("ctr"),
			GroupID:             req.GroupID,
			PartyActorID:        party,
			CounterpartyActorID: params.CounterpartyActorID,
			Title:               params.Title,
			Terms:               params.Terms,
			Amount:              params.Amount,
			Currency:            strings.ToUpper(strings.TrimSpace(params.Currency)),
			Status:              "active",
			SourceProposalID:    req.ProposalID,
			CreatedAt:           req.Now,
		})
		if err != nil {
			return "", err
		}
		return contract.ID, nil
	}
}

type associateParams struct {
	EntityID   string `mapstructure:"entity_id"`
	EntityType string `mapstructure:"entity_type"`
}

// AssociateEntity re-parents a listing owned by the proposer to the group's actor.
func AssociateEntity(s listingStore) Handler {
	return func(ctx context.Context, req Request) (string, error) {
		var params associateParams
		if err := decodeParams(req.Params, &params); err != nil {
			return "", err
		}
		params.EntityID = strings.TrimSpace(params.EntityID)
		if params.EntityID == "" {
			return "", errors.New("entity_id is required")
		}
		if params.EntityType == "" {
			params.EntityType = "listing"
		}
		if params.EntityType != "listing" {
			return "", fmt.Errorf("unsupported entity_type %q", params.EntityType)
		}

		listing, err := s.GetListing(ctx, params.EntityID)
		if err != nil {
			return "", err
		}
		if listing.OwnerActorID == req.GroupActorID && listing.SourceProposalID != nil && *listing.SourceProposalID == req.ProposalID {
			return listing.ID, nil
		}
		if listing.OwnerActorID != req.ProposerActorID && listing.OwnerActorID != req.GroupActorID {
			return "", fmt.Errorf("listing %s is not owned by the proposer", listing.ID)
		}
		if err := s.ReassignListing(ctx, listing.ID, req.GroupActorID, req.ProposalID); err != nil {
			return "", err
		}
		return listing.ID, nil
	}
}

type memberParams struct {
	ActorID     string   `mapstructure:"actor_id"`
	DisplayName string   `mapstructure:"display_name"`
	Role        string   `mapstructure:"role"`
	VotingPower *float64 `mapstructure:"voting_power"`
}

// AddMember admits an actor to the group. An existing membership is left as it is.
func AddMember(s memberStore) Handler {
	return func(ctx context.Context, req Request) (string, error) {
		var params memberParams
		if err := decodeParams(req.Params, &params); err != nil {
			return "", err
		}
		params.ActorID = strings.TrimSpace(params.ActorID)
		if params.ActorID == "" {
			return "", errors.New("actor_id is required")
		}
		power := 1.0
		if params.VotingPower != nil {
			power = *params.VotingPower
		}
		if power < 0 {
			return "", errors.New("voting_power must not be negative")
		}
		role := rbac.Normalize(params.Role)
		if role == rbac.RoleFounder {
			return "", errors.New("founders cannot be added by proposal")
		}

		_, err := s.GetMember(ctx, req.GroupID, params.ActorID)
		if err == nil {
			return params.ActorID, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return "", err
		}
		if err := s.CreateActor(ctx, store.Actor{ID: params.ActorID, Kind: store.ActorIndividual, DisplayName: params.DisplayName}); err != nil {
			return "", err
		}
		err = s.UpsertMember(ctx, store.Member{
			GroupID:     req.GroupID,
			ActorID:     params.ActorID,
			Role:        role,
			VotingPower: power,
			Permissions: map[string]string{},
			JoinedAt:    req.Now,
		})
		if err != nil {
			return "", err
		}
		return params.ActorID, nil
	}
}
