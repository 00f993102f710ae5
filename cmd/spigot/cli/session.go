package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/faucetdb/spigot/internal/model"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect and revoke sessions",
	}

	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionRevokeCmd())

	return cmd
}

func newSessionListCmd() *cobra.Command {
	var (
		owner      string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				var (
					sessions []model.Session
					err      error
				)
				if owner != "" {
					admin, rerr := resolveAdmin(ctx, a, owner)
					if rerr != nil {
						return rerr
					}
					sessions, err = a.sessions.ListByOwner(ctx, admin.ID)
				} else {
					sessions, err = a.sessions.List(ctx)
				}
				if err != nil {
					return err
				}

				if jsonOutput {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(sessions)
				}
				if len(sessions) == 0 {
					fmt.Println("No sessions.")
					return nil
				}

				fmt.Printf("%-36s %-6s %-16s %-17s %-17s %s\n", "ID", "OWNER", "ORIGIN", "LAST ACTIVE", "EXPIRES", "USER AGENT")
				for _, s := range sessions {
					fmt.Printf("%-36s %-6d %-16s %-17s %-17s %s\n",
						s.ID, s.OwnerID, s.OriginAddress,
						s.LastActivityAt.Local().Format("2006-01-02 15:04"),
						s.ExpiresAt.Local().Format("2006-01-02 15:04"),
						s.UserAgent)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&owner, "admin", "", "Only list sessions of this administrator (id, username or email)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func newSessionRevokeCmd() *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "revoke [session-id]",
		Short: "Revoke one session, or every session of an administrator",
		Example: `  spigot session revoke 0190b6a4-5f0e-7c2b-9d1e-3a4b5c6d7e8f
  spigot session revoke --admin ops`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 1) == (owner != "") {
				return fmt.Errorf("give either a session id or --admin")
			}
			return withApp(func(ctx context.Context, a *app) error {
				if owner == "" {
					if err := a.sessions.Revoke(ctx, args[0]); err != nil {
						return err
					}
					fmt.Printf("Revoked session %s\n", args[0])
					return nil
				}

				admin, err := resolveAdmin(ctx, a, owner)
				if err != nil {
					return err
				}
				n, err := a.sessions.RevokeAll(ctx, admin.ID, "")
				if err != nil {
					return err
				}
				fmt.Printf("Revoked %d session(s) of %q\n", n, admin.Username)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&owner, "admin", "", "Revoke every session of this administrator")

	return cmd
}
