// Command bridgectl is the operator and user CLI for bridge-keeper.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/status"

	"github.com/and161185/bridge-keeper/internal/api"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

type cli struct {
	conn    connOpts
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "bridgectl",
		Short:         "Control a bridge-keeper server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&c.conn.addr, "addr", "localhost:8443", "server addr")
	pf.StringVar(&c.conn.caPath, "cacert", "", "CA cert (PEM)")
	pf.BoolVar(&c.conn.insecure, "insecure", false, "skip cert verify (dev)")
	pf.BoolVar(&c.conn.plaintext, "plaintext", false, "connect without TLS (dev)")
	pf.DurationVar(&c.timeout, "timeout", 30*time.Second, "per-command timeout")

	root.AddGroup(
		&cobra.Group{ID: "session", Title: "Sessions:"},
		&cobra.Group{ID: "sync", Title: "Synchronization:"},
		&cobra.Group{ID: "admin", Title: "Administration:"},
	)
	root.AddCommand(
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "bridgectl %s (%s)\n", version, buildDate)
			},
		},
		c.loginCmd(),
		c.logoutCmd(),
		c.connectCmd(),
		c.disconnectCmd(),
		c.statusCmd(),
		c.resetCmd(),
		c.syncCmd(),
		c.contactsCmd(),
		c.messagesCmd(),
		c.tokenCmd(),
		migrateCmd(),
	)
	return root
}

// call dials with the saved token and runs fn under the command timeout.
func (c *cli) call(cmd *cobra.Command, fn func(ctx context.Context, cl *api.BridgeClient) (any, error)) error {
	token, err := loadToken(c.conn.addr)
	if err != nil {
		return err
	}
	cc, cl, err := dial(c.conn, token)
	if err != nil {
		return err
	}
	defer cc.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), c.timeout)
	defer cancel()
	out, err := fn(ctx, cl)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func errorText(err error) string {
	if st, ok := status.FromError(err); ok {
		return fmt.Sprintf("%s: %s", st.Code(), st.Message())
	}
	return err.Error()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", errorText(err))
		os.Exit(1)
	}
}
