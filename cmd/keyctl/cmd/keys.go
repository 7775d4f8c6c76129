package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MGallo-Code/portcullis/internal/apikey"
	"github.com/MGallo-Code/portcullis/internal/store"
	"github.com/spf13/cobra"
)

func newCreateCmd() *cobra.Command {
	var (
		userID      int64
		createdByID int64
		description string
		allowedIPs  []string
	)
	c := &cobra.Command{
		Use:   "create",
		Short: "Create a server API key",
		Long: `Create a server API key. Without --user-id the key is a system key that
acts on behalf of any user named by Api-Username / Api-User-Id / Api-User-External-Id.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, ks KeyStore) error {
				var owner, creator *int64
				if userID > 0 {
					if _, err := ks.GetUserByID(ctx, userID); err != nil {
						return fmt.Errorf("looking up user %d: %w", userID, err)
					}
					owner = &userID
				}
				if createdByID > 0 {
					creator = &createdByID
				}

				k, raw, err := apikey.NewApiKey(owner, creator, description, allowedIPs)
				if err != nil {
					return err
				}
				if err := ks.CreateApiKey(ctx, k); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "id:  %s\nkey: %s\n", k.ID, raw)
				fmt.Fprintln(cmd.ErrOrStderr(), "Store the key now; it cannot be shown again.")
				return nil
			})
		},
	}
	c.Flags().Int64Var(&userID, "user-id", 0, "bind the key to this user (default: system key)")
	c.Flags().Int64Var(&createdByID, "created-by", 0, "user id recorded as the key's creator")
	c.Flags().StringVar(&description, "description", "", "free-text description")
	c.Flags().StringSliceVar(&allowedIPs, "allowed-ip", nil, "CIDR or address allowed to use the key (repeatable)")
	return c
}

func newListCmd() *cobra.Command {
	var all bool
	c := &cobra.Command{
		Use:   "list",
		Short: "List server API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, ks KeyStore) error {
				keys, err := ks.ListApiKeys(ctx, all)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tUSER\tDESCRIPTION\tALLOWED IPS\tLAST USED\tSTATUS")
				for _, k := range keys {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
						k.ID, owner(k.UserID), k.Description, strings.Join(k.AllowedIPs, ","),
						timeOrDash(k.LastUsedAt), status(k.RevokedAt))
				}
				return tw.Flush()
			})
		},
	}
	c.Flags().BoolVar(&all, "all", false, "include revoked keys")
	return c
}

func newRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke a server API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withStore(cmd, func(ctx context.Context, ks KeyStore) error {
				if err := ks.RevokeApiKey(ctx, id, time.Now().UTC()); err != nil {
					if errors.Is(err, store.ErrNotFound) {
						return fmt.Errorf("no active key with id %s", id)
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", id)
				return nil
			})
		},
	}
}

func owner(userID *int64) string {
	if userID == nil {
		return "system"
	}
	return fmt.Sprint(*userID)
}

func timeOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func status(revokedAt *time.Time) string {
	if revokedAt != nil {
		return "revoked"
	}
	return "active"
}
