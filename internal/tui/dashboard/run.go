package dashboard

import (
	"context"
	"fmt"
	"log/slog"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/taskpulse/taskpulse/internal/watch"
	"github.com/taskpulse/taskpulse/pkg/protocol"
)

// Run opens the full-screen watcher and blocks until the user quits or ctx
// is canceled.
func Run(ctx context.Context, server string, opts watch.Options, known []protocol.AgentTaskRealtimeStatus, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(NewModel(server, opts.TaskIDs, known), tea.WithAltScreen(), tea.WithContext(ctx))

	client := watch.NewClient(opts, func(ev watch.Event) {
		if msg := FromEvent(ev); msg != nil {
			p.Send(msg)
		}
	}, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Unauthorized is shown in the header; the user quits explicitly.
		_ = client.Run(ctx)
	}()

	_, err := p.Run()
	cancel()
	<-done
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
