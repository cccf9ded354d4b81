package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/unioslo/spine/internal/auth"
	"github.com/unioslo/spine/internal/db/bunx"
	"github.com/unioslo/spine/internal/db/models"
	"github.com/unioslo/spine/internal/repository"
)

const dateLayout = "2006-01-02"

var (
	accountNameFlag  string
	passwordFlag     string
	stdinFlag        bool
	ownerFlag        int64
	expireFlag       string
	npTypeFlag       string
	quarantineType   string
	quarantineReason string
	quarantineStart  string
	quarantineEnd    string
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Account administration",
	Long:  `Create accounts, reset passwords and quarantine accounts directly in the database.`,
}

var accountsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a login account",
	RunE: func(cmd *cobra.Command, args []string) error {
		if accountNameFlag == "" {
			return fmt.Errorf("--name flag is required")
		}
		password, err := readPassword()
		if err != nil {
			return err
		}

		account := &models.Account{
			Name:       accountNameFlag,
			CreateDate: time.Now().UTC().Truncate(24 * time.Hour),
		}
		if cmd.Flags().Changed("owner") {
			account.OwnerID = &ownerFlag
		}
		if expireFlag != "" {
			d, err := time.Parse(dateLayout, expireFlag)
			if err != nil {
				return fmt.Errorf("invalid --expire date: %w", err)
			}
			account.ExpireDate = &d
		}
		if npTypeFlag != "" {
			account.NPType = &npTypeFlag
		}

		account.PasswordHash, err = auth.HashPassword(password)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}

		ctx := cmd.Context()
		db, err := bunx.NewDB(ctx, cfg.DatabaseURL, cfg.MaxDBConnections)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer bunx.Close(db)

		accounts := repository.NewBunAccountRepository(db)
		if _, err := accounts.GetByName(ctx, accountNameFlag); err == nil {
			return fmt.Errorf("account %q already exists", accountNameFlag)
		} else if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("failed to check name uniqueness: %w", err)
		}

		if err := accounts.Create(ctx, account); err != nil {
			return fmt.Errorf("failed to create account: %w", err)
		}

		fmt.Println("Account created successfully!")
		fmt.Println("----------------------------------------")
		fmt.Printf("Account ID: %d\n", account.ID)
		fmt.Printf("Name: %s\n", account.Name)
		if account.ExpireDate != nil {
			fmt.Printf("Expires: %s\n", account.ExpireDate.Format(dateLayout))
		}
		fmt.Println("----------------------------------------")
		return nil
	},
}

var accountsPasswordCmd = &cobra.Command{
	Use:   "set-password",
	Short: "Replace an account's password",
	RunE: func(cmd *cobra.Command, args []string) error {
		if accountNameFlag == "" {
			return fmt.Errorf("--name flag is required")
		}
		password, err := readPassword()
		if err != nil {
			return err
		}
		hash, err := auth.HashPassword(password)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}

		ctx := cmd.Context()
		db, err := bunx.NewDB(ctx, cfg.DatabaseURL, cfg.MaxDBConnections)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer bunx.Close(db)

		accounts := repository.NewBunAccountRepository(db)
		account, err := accounts.GetByName(ctx, accountNameFlag)
		if err != nil {
			return fmt.Errorf("failed to find account %q: %w", accountNameFlag, err)
		}
		if err := accounts.SetPasswordHash(ctx, account.ID, hash); err != nil {
			return fmt.Errorf("failed to set password: %w", err)
		}
		fmt.Printf("Password updated for %s\n", account.Name)
		return nil
	},
}

var accountsQuarantineCmd = &cobra.Command{
	Use:   "quarantine",
	Short: "Block logins for an account",
	Long: `Adds a quarantine to an account. Logins are refused from --start (default now)
until --end, or indefinitely when --end is omitted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if accountNameFlag == "" {
			return fmt.Errorf("--name flag is required")
		}
		if quarantineType == "" {
			return fmt.Errorf("--type flag is required")
		}

		q := &models.Quarantine{
			Type:      quarantineType,
			Reason:    quarantineReason,
			StartDate: time.Now().UTC(),
		}
		if quarantineStart != "" {
			d, err := time.Parse(dateLayout, quarantineStart)
			if err != nil {
				return fmt.Errorf("invalid --start date: %w", err)
			}
			q.StartDate = d
		}
		if quarantineEnd != "" {
			d, err := time.Parse(dateLayout, quarantineEnd)
			if err != nil {
				return fmt.Errorf("invalid --end date: %w", err)
			}
			if !d.After(q.StartDate) {
				return fmt.Errorf("--end must be after --start")
			}
			q.EndDate = &d
		}

		ctx := cmd.Context()
		db, err := bunx.NewDB(ctx, cfg.DatabaseURL, cfg.MaxDBConnections)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer bunx.Close(db)

		accounts := repository.NewBunAccountRepository(db)
		account, err := accounts.GetByName(ctx, accountNameFlag)
		if err != nil {
			return fmt.Errorf("failed to find account %q: %w", accountNameFlag, err)
		}
		q.AccountID = account.ID
		if err := accounts.AddQuarantine(ctx, q); err != nil {
			return fmt.Errorf("failed to add quarantine: %w", err)
		}

		fmt.Printf("Quarantine %d (%s) added to %s\n", q.ID, q.Type, account.Name)
		return nil
	},
}

// readPassword takes the password from --password or, with --stdin, the first input line.
func readPassword() (string, error) {
	password := passwordFlag
	if stdinFlag {
		scanner := bufio.NewScanner(os.Stdin)
		fmt.Print("Enter password: ")
		if scanner.Scan() {
			password = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
	}
	if password == "" {
		return "", fmt.Errorf("password is required (use --password or --stdin)")
	}
	return password, nil
}

func init() {
	for _, c := range []*cobra.Command{accountsCreateCmd, accountsPasswordCmd, accountsQuarantineCmd} {
		c.Flags().StringVar(&accountNameFlag, "name", "", "Account name (required)")
		accountsCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{accountsCreateCmd, accountsPasswordCmd} {
		c.Flags().StringVar(&passwordFlag, "password", "", "Account password")
		c.Flags().BoolVar(&stdinFlag, "stdin", false, "Read password from stdin")
	}

	accountsCreateCmd.Flags().Int64Var(&ownerFlag, "owner", 0, "Owning person id")
	accountsCreateCmd.Flags().StringVar(&expireFlag, "expire", "", "Expiry date (YYYY-MM-DD)")
	accountsCreateCmd.Flags().StringVar(&npTypeFlag, "np-type", "", "Non-personal account type")

	accountsQuarantineCmd.Flags().StringVar(&quarantineType, "type", "", "Quarantine type (required)")
	accountsQuarantineCmd.Flags().StringVar(&quarantineReason, "reason", "", "Free-text reason")
	accountsQuarantineCmd.Flags().StringVar(&quarantineStart, "start", "", "Start date (YYYY-MM-DD, default now)")
	accountsQuarantineCmd.Flags().StringVar(&quarantineEnd, "end", "", "End date (YYYY-MM-DD, default open-ended)")

	rootCmd.AddCommand(accountsCmd)
}
