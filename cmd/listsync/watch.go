package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/jrsteele09/go-listsync/app"
	"github.com/jrsteele09/go-listsync/internal/config"
	"github.com/jrsteele09/go-listsync/internal/errors"
	"github.com/jrsteele09/go-listsync/realtime"
	"github.com/spf13/cobra"
)

func newWatchCmd(c config.Config) *cobra.Command {
	return &cobra.Command{
		Use:       "watch <list|workspace> <id>",
		Short:     "Print live changes to a list or workspace until interrupted",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{string(realtime.KindList), string(realtime.KindWorkspace)},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := realtime.Kind(args[0])
			if kind != realtime.KindList && kind != realtime.KindWorkspace {
				return fmt.Errorf("unknown scope kind %q: %w", args[0], errors.ErrInvalidScope)
			}

			printer := &eventPrinter{w: cmd.OutOrStdout()}
			a, err := openApp(cmd.Context(), c, app.WithEventHandler(printer.print))
			if err != nil {
				return err
			}
			defer a.Close()
			if !a.Store.IsAuthenticated() {
				return fmt.Errorf("sign in first: %w", errors.ErrNotAuthenticated)
			}

			sub := a.Lists
			if kind == realtime.KindWorkspace {
				sub = a.Workspaces
			}
			sub.SetScope(args[1])
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Watching %s %s, Ctrl-C to stop\n", kind, args[1])

			<-cmd.Context().Done()
			return nil
		},
	}
}

type eventPrinter struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *eventPrinter) print(ev realtime.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	line := fmt.Sprintf("%s %s %s", ev.ChangeType, ev.EntityKind, ev.EntityID)
	if ev.Actor != "" {
		line += " by " + ev.Actor
	}
	if ev.Description != "" {
		line += ": " + ev.Description
	}
	_, _ = fmt.Fprintln(p.w, line)
}
