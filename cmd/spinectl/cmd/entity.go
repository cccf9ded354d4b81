package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/unioslo/spine/pkg/client"
)

var getCmd = &cobra.Command{
	Use:   "get <id> [attribute]",
	Short: "Show an entity or one of its attributes",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		c, _, err := connect(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		return inTransaction(cmd, c, func(txnID string) error {
			if len(args) == 2 {
				v, err := c.Attribute(ctx, txnID, id, args[1])
				if err != nil {
					return err
				}
				pterm.Println(formatValue(v))
				return nil
			}

			e, err := c.Entity(ctx, txnID, id)
			if err != nil {
				return err
			}
			pterm.DefaultSection.Printf("%s %d\n", e.Type, e.ID)
			names := make([]string, 0, len(e.Attributes))
			for name := range e.Attributes {
				names = append(names, name)
			}
			sort.Strings(names)
			table := pterm.TableData{{"ATTRIBUTE", "VALUE"}}
			for _, name := range names {
				table = append(table, []string{name, formatValue(e.Attributes[name])})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
		})
	},
}

var setCmd = &cobra.Command{
	Use:   "set <id> <attribute> <value>",
	Short: "Change one attribute",
	Long: `Write-locks the entity, sets the attribute and commits. The value is parsed
as JSON when possible (numbers, true/false, null), otherwise taken as a string.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		c, _, err := connect(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		return inTransaction(cmd, c, func(txnID string) error {
			if _, err := c.AcquireLock(ctx, txnID, id, client.LockWrite); err != nil {
				if client.IsConflict(err) {
					return fmt.Errorf("entity %d is locked by another transaction: %w", id, err)
				}
				return err
			}
			v, err := c.SetAttribute(ctx, txnID, id, args[1], parseValue(args[2]))
			if err != nil {
				return err
			}
			pterm.Success.Printf("%s = %s\n", args[1], formatValue(v))
			return nil
		})
	},
}

var lockCmd = &cobra.Command{
	Use:   "locks <id>",
	Short: "Show who holds locks on an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		c, _, err := connect(cmd)
		if err != nil {
			return err
		}
		return inTransaction(cmd, c, func(txnID string) error {
			l, err := c.Lock(cmd.Context(), txnID, id)
			if err != nil {
				return err
			}
			writer := l.Writer
			if writer == "" {
				writer = "-"
			}
			pterm.Printf("Writer:  %s\n", writer)
			pterm.Printf("Readers: %d\n", len(l.Readers))
			for _, r := range l.Readers {
				pterm.Printf("  %s\n", r)
			}
			return nil
		})
	},
}

// relationCmd builds the parents/children/descendants commands.
func relationCmd(use, short string, list func(*client.Client, context.Context, string, int64) ([]client.EntityKey, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, _, err := connect(cmd)
			if err != nil {
				return err
			}
			return inTransaction(cmd, c, func(txnID string) error {
				keys, err := list(c, cmd.Context(), txnID, id)
				if err != nil {
					return err
				}
				if len(keys) == 0 {
					pterm.Info.Println("None")
					return nil
				}
				table := pterm.TableData{{"TYPE", "ID"}}
				for _, k := range keys {
					table = append(table, []string{k.Type, strconv.FormatInt(k.ID, 10)})
				}
				return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
			})
		},
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid entity id %q", s)
	}
	return id, nil
}

// parseValue reads s as a JSON scalar, falling back to the raw string.
func parseValue(s string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	switch v.(type) {
	case map[string]any, []any:
		return s
	}
	return v
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "<null>"
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func init() {
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(relationCmd("parents", "List an entity's direct parents", (*client.Client).Parents))
	rootCmd.AddCommand(relationCmd("children", "List an entity's direct children", (*client.Client).Children))
	rootCmd.AddCommand(relationCmd("descendants", "List every entity below an entity", (*client.Client).Descendants))
}
