package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/MGallo-Code/portcullis/internal/store"
	"github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"
)

// KeyStore is the key persistence keyctl drives. Satisfied by *store.PostgresStore.
type KeyStore interface {
	CreateApiKey(ctx context.Context, k *store.ApiKey) error
	ListApiKeys(ctx context.Context, includeRevoked bool) ([]store.ApiKey, error)
	RevokeApiKey(ctx context.Context, id uuid.UUID, at time.Time) error
	CreateUserApiKey(ctx context.Context, k *store.UserApiKey) error
	RevokeUserApiKey(ctx context.Context, id uuid.UUID, at time.Time) error
	GetUserByID(ctx context.Context, id int64) (*store.User, error)
}

// OpenStore connects to the database. Replaced in tests.
var OpenStore = func(ctx context.Context, databaseURL string) (KeyStore, func(), error) {
	ps, err := store.NewPostgresStore(ctx, databaseURL, nil)
	if err != nil {
		return nil, nil, err
	}
	return ps, ps.Close, nil
}

var databaseURL string

// NewRootCmd builds the command tree. Exposed so tests get fresh flag state.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "keyctl",
		Short: "Manage portcullis API keys",
		Long: `keyctl creates, lists and revokes server API keys and per-user API keys.
Raw keys are printed once at creation and never stored.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres URL (default $DATABASE_URL)")

	root.AddCommand(newCreateCmd())
	root.AddCommand(newListCmd())
	root.AddCommand(newRevokeCmd())
	root.AddCommand(newCreateUserKeyCmd())
	root.AddCommand(newRevokeUserKeyCmd())
	return root
}

// Execute runs the root command
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withStore opens the store for one command and closes it afterwards.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, ks KeyStore) error) error {
	if databaseURL == "" {
		return fmt.Errorf("--database-url or DATABASE_URL is required")
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	ks, closeFn, err := OpenStore(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer closeFn()
	return fn(ctx, ks)
}

func parseID(arg string) (uuid.UUID, error) {
	id, err := uuid.FromString(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid key id %q: %w", arg, err)
	}
	return id, nil
}
