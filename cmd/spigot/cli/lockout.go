package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/faucetdb/spigot/internal/model"
)

func newLockoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lockout",
		Short: "Inspect and clear failed-login lockouts",
	}

	cmd.AddCommand(newLockoutListCmd())
	cmd.AddCommand(newLockoutClearCmd())

	return cmd
}

func newLockoutListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List failed-login counters per identity and per origin",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				records, err := a.lockout.List(ctx)
				if err != nil {
					return err
				}

				if jsonOutput {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(records)
				}
				if len(records) == 0 {
					fmt.Println("No failed logins recorded.")
					return nil
				}

				now := time.Now()
				fmt.Printf("%-9s %-32s %-9s %s\n", "KIND", "KEY", "FAILURES", "LOCKED UNTIL")
				for _, rec := range records {
					until := "-"
					if rec.Locked(now) {
						until = rec.LockedUntil.Local().Format("2006-01-02 15:04:05")
					}
					fmt.Printf("%-9s %-32s %-9d %s\n", rec.Kind, rec.Key, rec.FailureCount, until)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newLockoutClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <identity|origin> <key>",
		Short: "Clear a failed-login counter and any lock on it",
		Example: `  spigot lockout clear identity ops@example.com
  spigot lockout clear origin 203.0.113.5`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := model.LockoutKind(args[0])
			if kind != model.LockoutIdentity && kind != model.LockoutOrigin {
				return fmt.Errorf("kind must be %q or %q", model.LockoutIdentity, model.LockoutOrigin)
			}
			return withApp(func(ctx context.Context, a *app) error {
				if err := a.lockout.Clear(ctx, kind, args[1]); err != nil {
					return err
				}
				fmt.Printf("Cleared %s lockout for %s\n", kind, args[1])
				return nil
			})
		},
	}
}
