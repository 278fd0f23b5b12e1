package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/taskpulse/taskpulse/internal/tui/dashboard"
	"github.com/taskpulse/taskpulse/internal/watch"
	"github.com/taskpulse/taskpulse/pkg/protocol"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <task-id>...",
		Short: "Follow live status updates for one or more tasks",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runWatch,
	}
	cmd.Flags().String("server", "http://localhost:8080", "server base URL")
	cmd.Flags().String("session", "", "session cookie value (default: $TASKPULSE_SESSION)")
	cmd.Flags().String("cookie-name", "session", "session cookie name")
	cmd.Flags().String("token", "", "service token (default: $TASKPULSE_TOKEN)")
	cmd.Flags().Bool("plain", false, "print one line per update instead of the interactive view")
	cmd.Flags().Bool("insecure", false, "skip TLS certificate verification")
	return cmd
}

func runWatch(cmd *cobra.Command, args []string) error {
	server, _ := cmd.Flags().GetString("server")
	session, _ := cmd.Flags().GetString("session")
	cookieName, _ := cmd.Flags().GetString("cookie-name")
	token, _ := cmd.Flags().GetString("token")
	plain, _ := cmd.Flags().GetBool("plain")
	insecure, _ := cmd.Flags().GetBool("insecure")

	if session == "" {
		session = os.Getenv("TASKPULSE_SESSION")
	}
	if token == "" {
		token = os.Getenv("TASKPULSE_TOKEN")
	}
	if session == "" && token == "" {
		return errors.New("a session (--session) or service token (--token) is required")
	}

	wsURL, err := watch.WebSocketURL(server)
	if err != nil {
		return err
	}
	opts := watch.Options{
		URL:           wsURL,
		Credentials:   watch.Credentials{CookieName: cookieName, Session: session, Token: token},
		TaskIDs:       args,
		TLSSkipVerify: insecure,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	known, err := fetchKnown(ctx, server, args, opts.Credentials)
	if err != nil {
		return err
	}

	interactive := !plain && term.IsTerminal(int(os.Stdout.Fd()))
	if interactive {
		// Logs would corrupt the alternate screen.
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		return dashboard.Run(ctx, server, opts, known, logger)
	}
	return watchPlain(ctx, cmd.OutOrStdout(), opts, known)
}

// fetchKnown reads the stored status of each task so the first frame is not
// empty. Missing tasks are skipped.
func fetchKnown(ctx context.Context, server string, taskIDs []string, creds watch.Credentials) ([]protocol.AgentTaskRealtimeStatus, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	var known []protocol.AgentTaskRealtimeStatus
	for _, id := range taskIDs {
		st, err := watch.FetchStatus(ctx, client, server, id, creds)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", id, err)
		}
		if st != nil {
			known = append(known, *st)
		}
	}
	return known, nil
}

func watchPlain(ctx context.Context, out io.Writer, opts watch.Options, known []protocol.AgentTaskRealtimeStatus) error {
	for _, st := range known {
		printStatus(out, st)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client := watch.NewClient(opts, func(ev watch.Event) {
		switch e := ev.(type) {
		case watch.Connected:
			_, _ = fmt.Fprintf(out, "%s connected, watching %d tasks\n", time.Now().Format(time.TimeOnly), len(opts.TaskIDs))
		case watch.Disconnected:
			if e.Retry > 0 {
				_, _ = fmt.Fprintf(out, "%s disconnected (%v), retrying in %s\n", time.Now().Format(time.TimeOnly), e.Err, e.Retry)
			}
		case watch.Update:
			printStatus(out, e.Status)
		}
	}, logger)

	err := client.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printStatus(out io.Writer, st protocol.AgentTaskRealtimeStatus) {
	line := fmt.Sprintf("%s %s %s %d%%", st.UpdatedAt.Local().Format(time.TimeOnly), st.TaskID, st.Phase, st.Progress)
	if st.Message != "" {
		line += " " + st.Message
	}
	_, _ = fmt.Fprintln(out, line)
}
