package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/unioslo/spine/cmd/spinectl/internal/credentials"
	"github.com/unioslo/spine/pkg/client"
)

var serverURL string

var rootCmd = &cobra.Command{
	Use:   "spinectl",
	Short: "Spine CLI - inspect and edit the entity graph",
	Long: `spinectl is the command-line client for a spine server. Log in once, then
read, edit and traverse accounts, persons, groups and organisational units.
Every command runs in its own transaction.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !cmd.Flags().Changed("server") {
			if env := os.Getenv("SPINE_SERVER"); env != "" {
				serverURL = env
			}
		}
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// connect returns a client resuming the saved session.
func connect(cmd *cobra.Command) (*client.Client, *credentials.Credentials, error) {
	store, err := credentials.NewFileStore()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	creds, err := store.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("%w (run 'spinectl login')", err)
	}
	server := creds.Server
	if cmd.Flags().Changed("server") || server == "" {
		server = serverURL
	}
	c := client.NewClient(server, client.WithToken(creds.Token))
	if creds.Encoding != "" && creds.Encoding != "UTF-8" {
		// Refresh the encoding so request bodies match what the server expects.
		if _, err := c.Session(cmd.Context()); err != nil {
			return nil, nil, err
		}
	}
	return c, creds, nil
}

// inTransaction runs fn in a fresh transaction, committing on success and
// rolling back otherwise.
func inTransaction(cmd *cobra.Command, c *client.Client, fn func(txnID string) error) error {
	ctx := cmd.Context()
	tx, err := c.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx.ID); err != nil {
		if _, rbErr := c.Rollback(ctx, tx.ID); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if _, err := c.Commit(ctx, tx.ID); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Spine server URL (env: SPINE_SERVER)")
}
