package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/sphere/internal/client"
	"github.com/matheus3301/sphere/internal/lock"
	"github.com/matheus3301/sphere/internal/session"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Flag variables.
var (
	sessionFlag string
	jsonOut     bool
	timeout     time.Duration
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "spherectl",
	Short:         "Control a running sphered session daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides SPHERE_SESSION and config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "per-command timeout")

	rootCmd.AddCommand(
		statusCmd,
		selectCmd,
		sendCmd,
		retryCmd,
		discardCmd,
		typingCmd,
		messagesCmd,
		watchCmd,
		groupsCmd,
		contactsCmd,
		logsCmd,
		configCmd,
	)
}

func resolveSession() (string, error) {
	return session.Resolve(sessionFlag)
}

// withClient connects to the session daemon and runs fn with a bounded
// context. A zero limit leaves the context unbounded, for streams.
func withClient(cmd *cobra.Command, limit time.Duration, fn func(ctx context.Context, c *client.Client) error) error {
	name, err := resolveSession()
	if err != nil {
		return err
	}
	c, err := client.New(session.SocketPath(name))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
	}
	defer func() { _ = c.Close() }()

	ctx := cmd.Context()
	if limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}
	return explain(name, fn(ctx, c))
}

// explain adds a hint when the daemon is not reachable.
func explain(name string, err error) error {
	if err == nil || grpcstatus.Code(err) != codes.Unavailable {
		return err
	}
	if held := lock.Probe(session.LockPath(name)); held != nil {
		return fmt.Errorf("%w (daemon PID %d holds the session but is not answering)", err, held.PID)
	}
	return fmt.Errorf("%w (is sphered running for session %q?)", err, name)
}
