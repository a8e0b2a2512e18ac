package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/bridge-keeper/internal/api"
	"github.com/and161185/bridge-keeper/internal/config"
	"github.com/and161185/bridge-keeper/internal/migrate"
	"github.com/and161185/bridge-keeper/internal/model"
	"github.com/and161185/bridge-keeper/internal/service"
)

func (c *cli) loginCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save an access token for later commands (- reads stdin)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				token = strings.TrimSpace(string(b))
			}
			if token == "" {
				return errors.New("need --token")
			}
			st, err := saveToken(c.conn.addr, token)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok, %s as %s until %s\n", c.conn.addr, choose(st.UserID, "?"), st.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "access token")
	return cmd
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the token saved for --addr",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ok, err := forgetToken(c.conn.addr)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no token saved for %s", c.conn.addr)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forgot %s\n", c.conn.addr)
			return nil
		},
	}
}

func (c *cli) connectCmd() *cobra.Command {
	var (
		req       api.ConnectRequest
		expiresIn time.Duration
	)
	cmd := &cobra.Command{
		Use:     "connect",
		Short:   "Store platform credentials and bring the session up",
		GroupID: "session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.AccessToken == "-" {
				b, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				req.AccessToken = strings.TrimSpace(string(b))
			}
			if expiresIn > 0 {
				exp := time.Now().Add(expiresIn).UTC()
				req.ExpiresAt = &exp
			}
			return c.call(cmd, func(ctx context.Context, cl *api.BridgeClient) (any, error) {
				return cl.Connect(ctx, &req)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Platform, "platform", "matrix", "platform (matrix, bot)")
	f.StringVar(&req.HomeserverURL, "homeserver", "", "homeserver or API base URL")
	f.StringVar(&req.RemoteUserID, "remote-user", "", "remote user id, checked against the token")
	f.StringVar(&req.DeviceID, "device", "", "device id")
	f.StringVar(&req.AccessToken, "access-token", "", "platform access token (- reads stdin)")
	f.StringVar(&req.RefreshToken, "refresh-token", "", "platform refresh token")
	f.DurationVar(&expiresIn, "expires-in", 0, "access token lifetime, 0 if unknown")
	_ = cmd.MarkFlagRequired("access-token")
	return cmd
}

func (c *cli) disconnectCmd() *cobra.Command {
	var req api.SessionRequest
	cmd := &cobra.Command{
		Use:     "disconnect",
		Short:   "Stop the session",
		GroupID: "session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, func(ctx context.Context, cl *api.BridgeClient) (any, error) {
				return cl.Disconnect(ctx, &req)
			})
		},
	}
	cmd.Flags().StringVar(&req.Platform, "platform", "", "expected platform (empty matches any)")
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	var req api.SessionRequest
	cmd := &cobra.Command{
		Use:     "status",
		Short:   "Show session state, health and last error",
		GroupID: "session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, func(ctx context.Context, cl *api.BridgeClient) (any, error) {
				return cl.GetStatus(ctx, &req)
			})
		},
	}
	cmd.Flags().StringVar(&req.Platform, "platform", "", "expected platform (empty matches any)")
	return cmd
}

func (c *cli) resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "reset",
		Short:   "Clear a failed session and its error counters",
		GroupID: "session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, func(ctx context.Context, cl *api.BridgeClient) (any, error) {
				return cl.ResetSession(ctx, &api.Empty{})
			})
		},
	}
}

func (c *cli) syncCmd() *cobra.Command {
	var (
		req      api.SyncRequest
		wait     bool
		interval time.Duration
	)
	sync := &cobra.Command{
		Use:     "sync",
		Short:   "Start, inspect or cancel synchronization",
		GroupID: "sync",
	}
	sync.PersistentFlags().StringVar(&req.EntityType, "type", string(model.EntityContacts), "entity type (contacts, messages)")
	sync.PersistentFlags().StringVar(&req.EntityID, "entity", "", "contact id for messages")

	request := &cobra.Command{
		Use:   "request",
		Short: "Start a sync or join the running one",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, func(ctx context.Context, cl *api.BridgeClient) (any, error) {
				st, err := cl.RequestSync(ctx, &req)
				if err != nil || !wait {
					return st, err
				}
				return waitSync(ctx, cl, &req, interval)
			})
		},
	}
	request.Flags().BoolVar(&wait, "wait", false, "poll until the job finishes")
	request.Flags().DurationVar(&interval, "interval", time.Second, "poll interval for --wait")

	sync.AddCommand(
		request,
		&cobra.Command{
			Use:   "status",
			Short: "Show progress of the entity's sync",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.call(cmd, func(ctx context.Context, cl *api.BridgeClient) (any, error) {
					return cl.GetSyncStatus(ctx, &req)
				})
			},
		},
		&cobra.Command{
			Use:   "cancel",
			Short: "Stop the running job after the current batch",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return c.call(cmd, func(ctx context.Context, cl *api.BridgeClient) (any, error) {
					return cl.CancelSync(ctx, &req)
				})
			},
		},
	)
	return sync
}

// waitSync polls until the job leaves the active states.
func waitSync(ctx context.Context, cl *api.BridgeClient, req *api.SyncRequest, every time.Duration) (*api.SyncStatus, error) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		st, err := cl.GetSyncStatus(ctx, req)
		if err != nil {
			return nil, err
		}
		if !model.JobState(st.State).Active() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-t.C:
		}
	}
}

func (c *cli) contactsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "contacts",
		Short:   "List synchronized contacts",
		GroupID: "sync",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, func(ctx context.Context, cl *api.BridgeClient) (any, error) {
				return cl.ListContacts(ctx, &api.Empty{})
			})
		},
	}
}

func (c *cli) messagesCmd() *cobra.Command {
	var req api.ListMessagesRequest
	cmd := &cobra.Command{
		Use:     "messages",
		Short:   "List the newest synchronized messages of a contact",
		GroupID: "sync",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.call(cmd, func(ctx context.Context, cl *api.BridgeClient) (any, error) {
				return cl.ListMessages(ctx, &req)
			})
		},
	}
	cmd.Flags().StringVar(&req.ContactID, "contact", "", "contact id")
	cmd.Flags().IntVar(&req.Limit, "limit", 50, "max messages")
	_ = cmd.MarkFlagRequired("contact")
	return cmd
}

func (c *cli) tokenCmd() *cobra.Command {
	var (
		user string
		key  string
		ttl  time.Duration
		save bool
	)
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Sign an access token for a user with the server's key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			uid, err := uuid.FromString(user)
			if err != nil {
				return fmt.Errorf("--user: %w", err)
			}
			tokens, err := service.NewTokens([]byte(choose(key, os.Getenv("BRIDGE_AUTH__JWT_KEY"))), ttl)
			if err != nil {
				return err
			}
			tok, _, err := tokens.Issue(uid)
			if err != nil {
				return err
			}
			if save {
				if _, err := saveToken(c.conn.addr, tok); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	f := issue.Flags()
	f.StringVar(&user, "user", "", "user id (UUID)")
	f.StringVar(&key, "jwt-key", "", "signing key (defaults to $BRIDGE_AUTH__JWT_KEY)")
	f.DurationVar(&ttl, "ttl", 15*time.Minute, "token lifetime")
	f.BoolVar(&save, "save", false, "also save it for --addr")
	_ = issue.MarkFlagRequired("user")

	list := &cobra.Command{
		Use:   "list",
		Short: "Show saved tokens per server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openStore()
			if err != nil {
				return err
			}
			type row struct {
				Addr      string    `json:"addr"`
				UserID    string    `json:"user_id"`
				ExpiresAt time.Time `json:"expires_at"`
				Expired   bool      `json:"expired"`
			}
			rows := make([]row, 0, len(s.Tokens))
			for _, addr := range s.servers() {
				st := s.Tokens[addr]
				rows = append(rows, row{addr, st.UserID, st.ExpiresAt, time.Now().After(st.ExpiresAt)})
			}
			return printJSON(cmd.OutOrStdout(), rows)
		},
	}

	token := &cobra.Command{Use: "token", Short: "Manage access tokens", GroupID: "admin"}
	token.AddCommand(issue, list)
	return token
}

func migrateCmd() *cobra.Command {
	var dsn string
	m := &cobra.Command{Use: "migrate", Short: "Manage the database schema", GroupID: "admin"}
	m.PersistentFlags().StringVar(&dsn, "dsn", "", "PostgreSQL DSN (defaults to $BRIDGE_DATABASE__DSN)")

	run := func(fn func(ctx context.Context, m *migrate.Migrator, w io.Writer) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			log, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			mg, err := migrate.Open(choose(dsn, choose(os.Getenv("BRIDGE_DATABASE__DSN"), config.Default().Database.DSN)), log)
			if err != nil {
				return err
			}
			defer func() { _ = mg.Close() }()
			return fn(cmd.Context(), mg, cmd.OutOrStdout())
		}
	}
	m.AddCommand(
		&cobra.Command{Use: "up", Short: "Apply pending migrations", RunE: run(func(ctx context.Context, mg *migrate.Migrator, _ io.Writer) error {
			return mg.Up(ctx)
		})},
		&cobra.Command{Use: "down", Short: "Roll back the latest migration", RunE: run(func(ctx context.Context, mg *migrate.Migrator, _ io.Writer) error {
			return mg.Down(ctx)
		})},
		&cobra.Command{Use: "status", Short: "Show applied and pending migrations", RunE: run(func(ctx context.Context, mg *migrate.Migrator, _ io.Writer) error {
			return mg.Status(ctx)
		})},
		&cobra.Command{Use: "version", Short: "Print the schema version", RunE: run(func(ctx context.Context, mg *migrate.Migrator, w io.Writer) error {
			v, err := mg.Version(ctx)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(w, v)
			return err
		})},
	)
	return m
}
