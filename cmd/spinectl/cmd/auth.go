package cmd

import (
	"bufio"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/unioslo/spine/cmd/spinectl/internal/credentials"
	"github.com/unioslo/spine/pkg/client"
)

var (
	accountFlag  string
	passwordFlag string
	stdinFlag    bool
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Open a session and remember its token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if accountFlag == "" {
			return fmt.Errorf("--account flag is required")
		}
		password := passwordFlag
		if stdinFlag {
			scanner := bufio.NewScanner(os.Stdin)
			fmt.Print("Enter password: ")
			if scanner.Scan() {
				password = scanner.Text()
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
		}
		if password == "" {
			return fmt.Errorf("password is required (use --password or --stdin)")
		}

		store, err := credentials.NewFileStore()
		if err != nil {
			return fmt.Errorf("failed to open credential store: %w", err)
		}

		c := client.NewClient(serverURL)
		s, err := c.Login(cmd.Context(), accountFlag, password)
		if err != nil {
			return err
		}
		if err := store.Save(&credentials.Credentials{
			Server:   serverURL,
			Account:  s.Account,
			Token:    s.Token,
			Encoding: s.Encoding,
		}); err != nil {
			return fmt.Errorf("failed to save credentials: %w", err)
		}

		pterm.Success.Printf("Logged in as %s\n", s.Account)
		pterm.Info.Printf("Session %s, idle timeout %ds\n", s.ID, s.TimeoutSeconds)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session and forget its token",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := credentials.NewFileStore()
		if err != nil {
			return fmt.Errorf("failed to open credential store: %w", err)
		}
		c, _, err := connect(cmd)
		if err == nil {
			if err := c.Logout(cmd.Context()); err != nil && !client.IsUnauthenticated(err) {
				return err
			}
		}
		if err := store.Delete(); err != nil {
			return fmt.Errorf("failed to delete credentials: %w", err)
		}
		pterm.Success.Println("Logged out")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, creds, err := connect(cmd)
		if err != nil {
			return err
		}
		s, err := c.Session(cmd.Context())
		if err != nil {
			if client.IsUnauthenticated(err) {
				pterm.Warning.Println("Session expired; run 'spinectl login'")
				return nil
			}
			return err
		}

		pterm.DefaultSection.Println("Session")
		pterm.Printf("Server:   %s\n", creds.Server)
		pterm.Printf("Account:  %s (%d)\n", s.Account, s.AccountID)
		pterm.Printf("Encoding: %s\n", s.Encoding)
		pterm.Printf("Timeout:  %ds\n", s.TimeoutSeconds)
		if len(s.Transactions) > 0 {
			pterm.Printf("Open transactions: %d\n", len(s.Transactions))
		}
		return nil
	},
}

var encodingCmd = &cobra.Command{
	Use:   "encoding <name>",
	Short: "Switch the session's payload encoding",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, creds, err := connect(cmd)
		if err != nil {
			return err
		}
		s, err := c.SetEncoding(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		store, err := credentials.NewFileStore()
		if err != nil {
			return fmt.Errorf("failed to open credential store: %w", err)
		}
		creds.Encoding = s.Encoding
		if err := store.Save(creds); err != nil {
			return fmt.Errorf("failed to save credentials: %w", err)
		}
		pterm.Success.Printf("Encoding set to %s\n", s.Encoding)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVar(&accountFlag, "account", "", "Account name (required)")
	loginCmd.Flags().StringVar(&passwordFlag, "password", "", "Account password")
	loginCmd.Flags().BoolVar(&stdinFlag, "stdin", false, "Read password from stdin")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(encodingCmd)
}
