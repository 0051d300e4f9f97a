package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fatih/color"
	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/agent-workspace/realtime/internal/auth"
	"github.com/agent-workspace/realtime/internal/config"
	"github.com/agent-workspace/realtime/internal/db"
	"github.com/agent-workspace/realtime/internal/model"
	"github.com/agent-workspace/realtime/internal/repository"
	"github.com/agent-workspace/realtime/pkg/protocol"
)

// errUnhealthy makes the process exit with status 2.
var errUnhealthy = errors.New("server is unhealthy")

func tokenCmd(configPath *string) *cobra.Command {
	var (
		workspaceID string
		userID      string
		agentID     string
		name        string
		role        string
		ttl         time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed token with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if role != string(model.RoleService) && workspaceID == "" {
				return fmt.Errorf("--workspace is required for %s tokens", role)
			}
			if ttl == 0 {
				ttl = cfg.Auth.TokenTTL
			}

			verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
			token, err := verifier.Issue(auth.Claims{
				WorkspaceID:      workspaceID,
				AgentID:          agentID,
				DisplayName:      name,
				Role:             model.Role(role),
				RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
			}, ttl)
			if err != nil {
				return fmt.Errorf("issuing token: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVarP(&workspaceID, "workspace", "w", "", "workspace id")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id (empty for anonymous customers)")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id for agent tokens")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", string(model.RoleMember), "member, customer, agent or service")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	return cmd
}

func memberCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "member",
		Short: "Manage workspace membership",
	}

	var role string
	add := &cobra.Command{
		Use:   "add <workspace> <user>",
		Short: "Grant a user access to a workspace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspaces(cmd.Context(), *configPath, func(ctx context.Context, repo *repository.WorkspaceRepository) error {
				if err := repo.AddMember(ctx, args[0], args[1], model.Role(role)); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("added %s to workspace %s", args[1], args[0]))
				return nil
			})
		},
	}
	add.Flags().StringVar(&role, "role", string(model.RoleMember), "membership role")

	remove := &cobra.Command{
		Use:   "remove <workspace> <user>",
		Short: "Revoke a user's access to a workspace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspaces(cmd.Context(), *configPath, func(ctx context.Context, repo *repository.WorkspaceRepository) error {
				if err := repo.RemoveMember(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), color.YellowString("removed %s from workspace %s", args[1], args[0]))
				return nil
			})
		},
	}

	cmd.AddCommand(add, remove)
	return cmd
}

func historyCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Manage persisted session history",
	}

	purge := &cobra.Command{
		Use:   "purge <workspace> <session>",
		Short: "Delete the stored envelopes of a session room",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd.Context(), *configPath, func(ctx context.Context, database *sql.DB) error {
				room := protocol.SessionRoom(args[0], args[1])
				if err := repository.NewEventRepository(database).DeleteRoom(ctx, room.Key()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), color.YellowString("purged stored history of %s in workspace %s", room.Name(), args[0]))
				return nil
			})
		},
	}

	cmd.AddCommand(purge)
	return cmd
}

func withWorkspaces(ctx context.Context, configPath string, fn func(context.Context, *repository.WorkspaceRepository) error) error {
	return withDatabase(ctx, configPath, func(ctx context.Context, database *sql.DB) error {
		return fn(ctx, repository.NewWorkspaceRepository(database))
	})
}

func withDatabase(ctx context.Context, configPath string, fn func(context.Context, *sql.DB) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer database.Close()

	return fn(ctx, database)
}

func healthCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Query a running server's health endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("querying %s: %w", url, err)
			}
			defer resp.Body.Close()

			var body struct {
				Status      string            `json:"status"`
				Connections int               `json:"connections"`
				Rooms       map[string]int    `json:"rooms"`
				Directory   map[string]int    `json:"directory"`
				Node        string            `json:"node"`
				Checks      map[string]string `json:"checks"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				return fmt.Errorf("decoding health response: %w", err)
			}

			out := cmd.OutOrStdout()
			status := color.New(color.FgGreen, color.Bold)
			if resp.StatusCode != http.StatusOK {
				status = color.New(color.FgRed, color.Bold)
			}
			status.Fprintln(out, body.Status)
			if body.Node != "" {
				fmt.Fprintf(out, "  node:        %s\n", body.Node)
			}
			fmt.Fprintf(out, "  connections: %d\n", body.Connections)
			fmt.Fprintf(out, "  rooms:       workspace=%d agent=%d session=%d\n",
				body.Rooms["workspace"], body.Rooms["agent"], body.Rooms["session"])
			if body.Directory != nil {
				fmt.Fprintf(out, "  directory:   agents=%d sessions=%d\n", body.Directory["agents"], body.Directory["sessions"])
			}
			for name, result := range body.Checks {
				mark := color.GreenString("✓")
				if result != "ok" {
					mark = color.RedString("✗")
				}
				fmt.Fprintf(out, "  %s %s: %s\n", mark, name, result)
			}

			if resp.StatusCode != http.StatusOK {
				return errUnhealthy
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "http://localhost:8080/health", "health endpoint")
	return cmd
}
