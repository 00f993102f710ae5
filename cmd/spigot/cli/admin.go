package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/faucetdb/spigot/internal/model"
	"github.com/faucetdb/spigot/internal/service"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage administrator accounts",
		Long: `Create, list and manage administrators directly against the store. These
commands act as the local operator and are not bound by rank rules, except that
the last active super_admin can never be demoted or deleted.`,
	}

	cmd.AddCommand(newAdminCreateCmd())
	cmd.AddCommand(newAdminListCmd())
	cmd.AddCommand(newAdminSetRoleCmd())
	cmd.AddCommand(newAdminDeleteCmd())
	cmd.AddCommand(newAdminPasswdCmd())

	return cmd
}

// withApp builds the components for a one-shot command with a quiet logger.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Auth.JWTSecret = "cli" // no tokens are issued by operator commands
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(context.Background(), a)
}

// resolveAdmin accepts a numeric id, a username or an email.
func resolveAdmin(ctx context.Context, a *app, ref string) (*model.Admin, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return a.admins.Get(ctx, id)
	}
	return a.admins.Lookup(ctx, ref)
}

// readSecret prompts twice for a secret without echo.
func readSecret(prompt string) (string, error) {
	fmt.Print(prompt)
	pwBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Println()

	fmt.Print("Confirm password: ")
	confirmBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read confirmation: %w", err)
	}
	fmt.Println()

	if string(pwBytes) != string(confirmBytes) {
		return "", errors.New("passwords do not match")
	}
	return string(pwBytes), nil
}

// ---------- admin create ----------

func newAdminCreateCmd() *cobra.Command {
	var (
		username string
		email    string
		password string
		name     string
		role     string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new administrator",
		Example: `  spigot admin create --username root --email root@example.com --role super_admin
  spigot admin create --username ops --email ops@example.com --password 'S3cure!Passphrase'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminCreate(username, email, password, name, role)
		},
	}

	cmd.Flags().StringVar(&username, "username", "", "Login username (required)")
	cmd.Flags().StringVar(&email, "email", "", "Email address (required)")
	cmd.Flags().StringVar(&password, "password", "", "Password (prompted if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	cmd.Flags().StringVar(&role, "role", "", "Role: viewer, editor, admin or super_admin (first account is always super_admin)")
	cmd.MarkFlagRequired("username")
	cmd.MarkFlagRequired("email")

	return cmd
}

func runAdminCreate(username, email, password, name, role string) error {
	var r model.Role
	if role != "" {
		parsed, err := model.ParseRole(role)
		if err != nil {
			return err
		}
		r = parsed
	}

	if password == "" {
		var err error
		if password, err = readSecret("Password: "); err != nil {
			return err
		}
	}

	return withApp(func(ctx context.Context, a *app) error {
		hasAdmin, err := a.store.HasAnyAdmin(ctx)
		if err != nil {
			return err
		}
		if !hasAdmin {
			r = model.RoleSuperAdmin
		}
		in := service.AdminInput{Identity: username, Email: email, Secret: password, Name: name, Role: r}

		admin, err := a.admins.Create(ctx, nil, in)
		if err != nil {
			return err
		}

		fmt.Printf("Created administrator %q (id %d, role %s)\n", admin.Username, admin.ID, admin.Role)
		return nil
	})
}

// ---------- admin list ----------

func newAdminListCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List all administrators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminList(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runAdminList(jsonOutput bool) error {
	return withApp(func(ctx context.Context, a *app) error {
		admins, err := a.admins.List(ctx)
		if err != nil {
			return err
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(admins)
		}

		if len(admins) == 0 {
			fmt.Println("No administrators. Use 'spigot admin create' to create one.")
			return nil
		}

		fmt.Printf("%-6s %-20s %-30s %-12s %-8s %-20s\n", "ID", "USERNAME", "EMAIL", "ROLE", "ACTIVE", "LAST LOGIN")
		fmt.Printf("%-6s %-20s %-30s %-12s %-8s %-20s\n", "--", "--------", "-----", "----", "------", "----------")
		for _, ad := range admins {
			last := "never"
			if ad.LastLoginAt != nil {
				last = ad.LastLoginAt.Local().Format("2006-01-02 15:04")
			}
			fmt.Printf("%-6d %-20s %-30s %-12s %-8s %-20s\n", ad.ID, ad.Username, ad.Email, ad.Role, yesNo(ad.IsActive), last)
		}
		return nil
	})
}

// ---------- admin set-role ----------

func newAdminSetRoleCmd() *cobra.Command {
	var deactivate, activate bool

	cmd := &cobra.Command{
		Use:   "set-role <id|username|email> [role]",
		Short: "Change an administrator's role or active flag",
		Example: `  spigot admin set-role ops admin
  spigot admin set-role 3 --deactivate`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var upd service.AdminUpdate
			if len(args) == 2 {
				r, err := model.ParseRole(args[1])
				if err != nil {
					return err
				}
				upd.Role = &r
			}
			if activate && deactivate {
				return errors.New("--activate and --deactivate are mutually exclusive")
			}
			if activate || deactivate {
				active := activate
				upd.IsActive = &active
			}
			if upd.Role == nil && upd.IsActive == nil {
				return errors.New("nothing to change: give a role, --activate or --deactivate")
			}
			return runAdminUpdate(args[0], upd)
		},
	}

	cmd.Flags().BoolVar(&deactivate, "deactivate", false, "Deactivate the account and revoke its sessions")
	cmd.Flags().BoolVar(&activate, "activate", false, "Reactivate the account")

	return cmd
}

func runAdminUpdate(ref string, upd service.AdminUpdate) error {
	return withApp(func(ctx context.Context, a *app) error {
		target, err := resolveAdmin(ctx, a, ref)
		if err != nil {
			return err
		}
		admin, err := a.admins.Update(ctx, nil, target.ID, upd)
		if err != nil {
			return err
		}
		fmt.Printf("Administrator %q is now %s (active: %s)\n", admin.Username, admin.Role, yesNo(admin.IsActive))
		return nil
	})
}

// ---------- admin delete ----------

func newAdminDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id|username|email>",
		Aliases: []string{"rm"},
		Short:   "Delete an administrator and all of its sessions",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				target, err := resolveAdmin(ctx, a, args[0])
				if err != nil {
					return err
				}
				if err := a.admins.Delete(ctx, nil, target.ID); err != nil {
					return err
				}
				fmt.Printf("Deleted administrator %q\n", target.Username)
				return nil
			})
		},
	}
}

// ---------- admin passwd ----------

func newAdminPasswdCmd() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "passwd <id|username|email>",
		Short: "Reset an administrator's password and revoke its sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				var err error
				if password, err = readSecret("New password: "); err != nil {
					return err
				}
			}
			return withApp(func(ctx context.Context, a *app) error {
				target, err := resolveAdmin(ctx, a, args[0])
				if err != nil {
					return err
				}
				sessions, err := a.sessions.ListByOwner(ctx, target.ID)
				if err != nil {
					return err
				}
				if err := a.admins.SetPassword(ctx, target.ID, password); err != nil {
					return err
				}
				fmt.Printf("Password updated for %q; %d session(s) revoked\n", target.Username, len(sessions))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "New password (prompted if omitted)")

	return cmd
}
