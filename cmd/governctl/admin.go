package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"orangecat/governance/internal/app"
	"orangecat/governance/internal/auth"
	"orangecat/governance/internal/platform"
)

var (
	tokenName string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <actor-id>",
	Short: "Issue an API token for an actor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ttl := tokenTTL
		if ttl <= 0 {
			ttl = cfg.TokenTTL
		}
		signed, err := auth.IssueToken([]byte(cfg.JWTSecret), auth.NewClaims(args[0], tokenName, ttl))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), signed)
		return nil
	},
}

var groupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage groups",
}

var groupInput app.CreateGroupInput
var groupFounder string

var groupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a group with its founder",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		input := groupInput
		flags := cmd.Flags()
		if !flags.Changed("threshold") {
			input.Threshold = nil
		}
		if !flags.Changed("quorum") {
			input.Quorum = nil
		}
		if !flags.Changed("window") {
			input.VotingWindowSeconds = nil
		}
		if !flags.Changed("founder-power") {
			input.FounderVotingPower = nil
		}
		return withRuntime(cmd.Context(), func(rt *platform.Runtime) error {
			created, err := rt.Service.CreateGroup(cmd.Context(), groupFounder, input)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), created)
		})
	},
}

var memberInput app.AddMemberInput

var memberCmd = &cobra.Command{
	Use:   "member",
	Short: "Manage group members",
}

var memberAddCmd = &cobra.Command{
	Use:   "add <group-id> <actor-id>",
	Short: "Add a member to a group, or update an existing one",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		input := memberInput
		input.GroupID, input.ActorID = args[0], args[1]
		if !cmd.Flags().Changed("power") {
			input.VotingPower = nil
		}
		return withRuntime(cmd.Context(), func(rt *platform.Runtime) error {
			member, err := rt.Service.AddMember(cmd.Context(), input)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), member)
		})
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "Display name carried in the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (default GOVERN_TOKEN_TTL)")
	tokenCmd.GroupID = "admin"
	rootCmd.AddCommand(tokenCmd)

	groupInput.Threshold = new(float64)
	groupInput.Quorum = new(float64)
	groupInput.VotingWindowSeconds = new(int64)
	groupInput.FounderVotingPower = new(float64)
	flags := groupCreateCmd.Flags()
	flags.StringVar(&groupInput.Name, "name", "", "Group name (required)")
	flags.StringVar(&groupInput.Mode, "mode", "democratic", "Governance mode: consensus, democratic or hierarchical")
	flags.StringVar(&groupFounder, "founder", "", "Founding actor id (required)")
	flags.StringVar(&groupInput.FounderName, "founder-name", "", "Founder display name")
	flags.Float64Var(groupInput.FounderVotingPower, "founder-power", 1, "Founder voting power")
	flags.Float64Var(groupInput.Threshold, "threshold", 0, "Override the mode's approval threshold")
	flags.Float64Var(groupInput.Quorum, "quorum", 0, "Override the mode's quorum")
	flags.Int64Var(groupInput.VotingWindowSeconds, "window", 0, "Override the voting window, in seconds")
	for _, name := range []string{"name", "founder"} {
		if err := groupCreateCmd.MarkFlagRequired(name); err != nil {
			panic(err)
		}
	}
	groupCmd.AddCommand(groupCreateCmd)
	groupCmd.GroupID = "admin"
	rootCmd.AddCommand(groupCmd)

	memberInput.VotingPower = new(float64)
	memberFlags := memberAddCmd.Flags()
	memberFlags.StringVar(&memberInput.Role, "role", "member", "Role: member, admin or founder")
	memberFlags.StringVar(&memberInput.DisplayName, "name", "", "Display name")
	memberFlags.Float64Var(memberInput.VotingPower, "power", 1, "Voting power")
	memberFlags.StringToStringVar(&memberInput.Permissions, "permission", nil, "Per-action override, e.g. spend_funds=deny")
	memberCmd.AddCommand(memberAddCmd)
	memberCmd.GroupID = "admin"
	rootCmd.AddCommand(memberCmd)
}
