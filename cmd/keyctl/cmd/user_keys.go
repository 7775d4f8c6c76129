package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MGallo-Code/portcullis/internal/apikey"
	"github.com/MGallo-Code/portcullis/internal/store"
	"github.com/spf13/cobra"
)

func newCreateUserKeyCmd() *cobra.Command {
	var (
		userID      int64
		application string
		scopes      []string
	)
	c := &cobra.Command{
		Use:   "create-user-key",
		Short: "Create a per-user API key",
		Long: `Create a User-Api-Key for one user. Scopes: read (GET/HEAD), write (any request),
session_info (GET /session/current only).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID <= 0 {
				return fmt.Errorf("--user-id is required")
			}
			return withStore(cmd, func(ctx context.Context, ks KeyStore) error {
				if _, err := ks.GetUserByID(ctx, userID); err != nil {
					return fmt.Errorf("looking up user %d: %w", userID, err)
				}
				k, raw, err := apikey.NewUserApiKey(userID, application, scopes)
				if err != nil {
					return err
				}
				if err := ks.CreateUserApiKey(ctx, k); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "id:  %s\nkey: %s\n", k.ID, raw)
				fmt.Fprintln(cmd.ErrOrStderr(), "Store the key now; it cannot be shown again.")
				return nil
			})
		},
	}
	c.Flags().Int64Var(&userID, "user-id", 0, "owning user")
	c.Flags().StringVar(&application, "application", "", "name of the client application")
	c.Flags().StringSliceVar(&scopes, "scope", []string{apikey.ScopeRead}, "scope to grant (repeatable)")
	return c
}

func newRevokeUserKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-user-key <key-id>",
		Short: "Revoke a per-user API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, ks KeyStore) error {
				if err := ks.RevokeUserApiKey(ctx, id, time.Now().UTC()); err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return fmt.Errorf("no active user key with id %s", id)
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", id)
				return nil
			})
		},
	}
}
