package cli

import (
	"fmt"
	"io"
	"net/url"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/stridek/internal/syscalls"
	"github.com/me/stridek/pkg/model"
)

func newTraceCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "trace [run_id]",
		Short: "Show recorded runs, or one run's shares and exits",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return listRuns(cmd.OutOrStdout(), limit)
			}
			return showRun(cmd.OutOrStdout(), args[0])
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to list")
	return cmd
}

func listRuns(w io.Writer, limit int) error {
	var runs []model.Run
	resp, err := client.getInto(fmt.Sprintf("/api/v1/runs/?limit=%d", limit), &runs)
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTASKS\tBIG_STRIDE\tSTARTED\tDURATION")
	for _, r := range runs {
		dur := "running"
		if r.StoppedAt != nil {
			dur = r.StoppedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
			r.ID, r.Tasks, humanize.Comma(int64(r.BigStride)), humanize.Time(r.StartedAt), dur)
	}
	tw.Flush()

	if resp.Pagination != nil && resp.Pagination.HasMore {
		fmt.Fprintf(w, "\n(%d of %d shown)\n", len(runs), resp.Pagination.Total)
	}
	return nil
}

func showRun(w io.Writer, id string) error {
	base := "/api/v1/runs/" + url.PathEscape(id)

	var run model.Run
	if _, err := client.getInto(base, &run); err != nil {
		return fmt.Errorf("get run: %w", err)
	}
	var shares []model.TaskShare
	if _, err := client.getInto(base+"/shares", &shares); err != nil {
		return fmt.Errorf("get shares: %w", err)
	}
	var exits []model.ExitEvent
	if _, err := client.getInto(base+"/exits", &exits); err != nil {
		return fmt.Errorf("get exits: %w", err)
	}
	exitByPID := make(map[int]model.ExitEvent, len(exits))
	for _, ev := range exits {
		exitByPID[ev.PID] = ev
	}

	fmt.Fprintf(w, "Run:        %s\n", run.ID)
	fmt.Fprintf(w, "Started:    %s (%s)\n", run.StartedAt.Format(time.RFC3339), humanize.Time(run.StartedAt))
	fmt.Fprintf(w, "Big stride: %s\n", humanize.Comma(int64(run.BigStride)))
	fmt.Fprintf(w, "Tasks:      %d\n\n", run.Tasks)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tNAME\tPRIO\tDISPATCHES\tSHARE\tEXIT\tELAPSED\tSYSCALLS")
	for _, s := range shares {
		exit, elapsed, calls := "-", "-", "-"
		if ev, ok := exitByPID[s.PID]; ok {
			exit = fmt.Sprint(ev.ExitCode)
			elapsed = (time.Duration(ev.Elapsed) * time.Millisecond).String()
			calls = formatSyscalls(ev.Syscalls)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%.1f%%\t%s\t%s\t%s\n",
			s.PID, s.Name, s.Priority, humanize.Comma(int64(s.Dispatches)), 100*s.Share, exit, elapsed, calls)
	}
	return tw.Flush()
}

// formatSyscalls renders counters as "yield=3,exit=1" in syscall id order.
func formatSyscalls(calls map[int]uint32) string {
	if len(calls) == 0 {
		return "-"
	}
	ids := make([]int, 0, len(calls))
	for id := range calls {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		name, ok := syscalls.Names[id]
		if !ok {
			name = fmt.Sprintf("sys%d", id)
		}
		out += fmt.Sprintf("%s=%d", name, calls[id])
	}
	return out
}
