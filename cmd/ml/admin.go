package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missionline/internal/domain"
	"missionline/internal/engine/auth"
	"missionline/internal/repo"
	"missionline/internal/server"
)

func orgsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "orgs", Short: "Manage organizations"}
	cmd.AddCommand(orgCreateCmd())
	cmd.AddCommand(orgListCmd())
	cmd.AddCommand(orgUpdateCmd())
	return cmd
}

func orgCreateCmd() *cobra.Command {
	var name string
	var credits int
	cmd := &cobra.Command{
		Use:   "create <id>",
		Short: "Create an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				org, err := r.CreateOrg(ctx, domain.Organization{ID: args[0], Name: name, Credits: credits})
				if err != nil {
					return err
				}
				return printOrgs([]domain.Organization{org})
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().IntVar(&credits, "credits", 0, "starting credits")
	return cmd
}

func orgListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List organizations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListOrgs(ctx)
				if err != nil {
					return err
				}
				return printOrgs(items)
			})
		},
	}
}

func orgUpdateCmd() *cobra.Command {
	var status string
	var credits int
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change an organization's status or credits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			statusPtr := optionalString(cmd, "status", status)
			if statusPtr != nil && *statusPtr != "active" && *statusPtr != "suspended" {
				return fmt.Errorf("--status must be active or suspended")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpdateOrg(ctx, args[0], statusPtr, optionalInt(cmd, "credits", credits)); err != nil {
					return err
				}
				org, err := r.GetOrg(ctx, args[0])
				if err != nil {
					return err
				}
				return printOrgs([]domain.Organization{org})
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "active or suspended")
	cmd.Flags().IntVar(&credits, "credits", 0, "credit balance")
	return cmd
}

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	cmd.AddCommand(keyCreateCmd())
	cmd.AddCommand(keyListCmd())
	cmd.AddCommand(keyDeleteCmd())
	return cmd
}

func keyCreateCmd() *cobra.Command {
	var actorID, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the org; the key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch role {
			case auth.RoleMember, auth.RoleWorker, auth.RoleAdmin:
			default:
				return fmt.Errorf("--role must be member, worker or admin")
			}
			orgID := viper.GetString("org")
			if orgID == "" {
				return fmt.Errorf("--org is required")
			}
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetOrg(ctx, orgID); err != nil {
					return fmt.Errorf("org %s: %w", orgID, err)
				}
				secret := "ml_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					OrgID:   orgID,
					Role:    role,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "key": secret})
				}
				fmt.Printf("id:  %s\nkey: %s\n", key.ID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key acts as (defaults to --actor-id)")
	cmd.Flags().StringVar(&role, "role", auth.RoleMember, "member, worker or admin")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func keyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, viper.GetString("org"))
				if err != nil {
					return err
				}
				rows := make([]table.Row, 0, len(keys))
				for _, k := range keys {
					rows = append(rows, table.Row{k.ID, k.OrgID, k.ActorID, k.Role, k.Name, k.CreatedAt})
				}
				return printTable(keys, table.Row{"ID", "Org", "Actor", "Role", "Name", "Created"}, rows)
			})
		},
	}
}

func keyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with MISSIONLINE_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID := viper.GetString("org")
			if orgID == "" {
				return fmt.Errorf("--org is required")
			}
			token, err := server.SignToken(os.Getenv("MISSIONLINE_JWT_SECRET"), viper.GetString("actor-id"), orgID, roles, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "roles claim (default member)")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
