package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"conversation-service/internal/usecase"
)

func newTokenCmd(r *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect, revoke and exchange state tokens",
	}
	cmd.AddCommand(newTokenInspectCmd(r))
	cmd.AddCommand(newTokenRevokeCmd(r))
	cmd.AddCommand(newTokenStreamCmd(r))
	return cmd
}

func newTokenInspectCmd(r *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <state-token>",
		Short: "Verify a state token and print its claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := r.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			claims, err := a.StateTokens.Validate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), map[string]any{
				"sessionId": claims.SessionID,
				"tenantId":  claims.TenantID,
				"turn":      claims.Turn,
				"jti":       claims.ID,
				"issuedAt":  claims.IssuedAt.UTC().Format(time.RFC3339),
				"expiresAt": claims.ExpiresAt.UTC().Format(time.RFC3339),
			})
		},
	}
}

func newTokenRevokeCmd(r *runtime) *cobra.Command {
	var (
		reason string
		scope  string
	)
	cmd := &cobra.Command{
		Use:   "revoke <state-token>",
		Short: "Revoke a token or its whole session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := usecase.RevokeScope(scope)
			if s != usecase.RevokeToken && s != usecase.RevokeSession {
				return fmt.Errorf("--scope must be %q or %q", usecase.RevokeToken, usecase.RevokeSession)
			}

			a, err := r.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.Service.Revoke(cmd.Context(), usecase.RevokeInput{
				StateToken: args[0],
				Reason:     reason,
				Scope:      s,
			})
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), map[string]any{
				"sessionId": out.SessionID,
				"revoked":   out.Key,
				"expiresAt": out.ExpiresAt.UTC().Format(time.RFC3339),
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator", "reason recorded with the revocation")
	cmd.Flags().StringVar(&scope, "scope", string(usecase.RevokeSession), "token or session")
	return cmd
}

func newTokenStreamCmd(r *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "stream <state-token>",
		Short: "Exchange a state token for a short-lived stream token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := r.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			out, err := a.Service.IssueStreamToken(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), map[string]any{
				"sessionId":   out.SessionID,
				"streamToken": out.Token,
				"expiresAt":   out.ExpiresAt.UTC().Format(time.RFC3339),
			})
		},
	}
}
