package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/lnops/chand/internal/domain"
)

// Status prints a summary of recent daemon activity: per-kind action
// counts, the most recent audit rows, and the most recent failures.
func (a *App) Status(ctx context.Context, opts StatusOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("store.path not configured; cannot report status")
	}
	defer closeStore()

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	lastAt, hasLast, err := store.LastActionTime(ctx)
	if err != nil {
		return err
	}
	if hasLast {
		fmt.Fprintf(os.Stdout, "last action: %s UTC\n", lastAt.UTC().Format(time.RFC3339))
	} else {
		fmt.Fprintln(os.Stdout, "last action: none recorded")
	}

	counts, err := store.CountActionsByKind(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "\nActions by kind:")
	for _, c := range counts {
		fmt.Fprintf(os.Stdout, "  %-15s %d\n", c.Kind, c.Total)
	}

	actions, err := store.ListRecentActions(ctx, limit)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, "\nRecent actions:")
	writeActionTable(actions)

	recentErrors, err := store.ListRecentErrors(ctx, limit)
	if err != nil {
		return err
	}
	if len(recentErrors) > 0 {
		fmt.Fprintln(os.Stdout, "\nRecent failures:")
		writeActionTable(recentErrors)
	}

	return nil
}

func writeActionTable(actions []domain.ActionAudit) {
	if len(actions) == 0 {
		fmt.Fprintln(os.Stdout, "  none")
		return
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tKind\tChannel\tPeer\tDry Run\tSuccess\tOutcome")

	for _, a := range actions {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%t\t%t\t%s\n",
			a.OccurredAt.UTC().Format(time.RFC3339),
			a.Kind,
			a.ChannelID,
			a.PeerID,
			a.DryRun,
			a.Success,
			a.Outcome,
		)
	}

	writer.Flush()
}
