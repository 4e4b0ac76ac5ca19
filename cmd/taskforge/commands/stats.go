package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/taskforge/task"
)

func newAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List live agents and their load",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			st := newStyles(cmd)
			out := cmd.OutOrStdout()
			load := e.dispatcher.AgentLoad(ctx)
			if load.Total == 0 {
				fmt.Fprintln(out, st.Muted.Render("No live agents."))
				return nil
			}
			current := make(map[string]string, len(load.Agents))
			for _, a := range load.Agents {
				current[a.ID] = a.CurrentTask
			}
			rows := [][]string{}
			for _, w := range e.dispatcher.WorkloadDetails(ctx) {
				cur := current[w.ID]
				if cur == "" {
					cur = "-"
				}
				rows = append(rows, []string{
					w.ID,
					w.Type,
					st.agentStatus(w.Status),
					cur,
					strconv.FormatFloat(w.ErrorRate, 'f', 2, 64),
					time.Since(w.LastHeartbeat).Round(time.Second).String() + " ago",
				})
			}
			st.table(out, []string{"ID", "TYPE", "STATUS", "TASK", "ERROR RATE", "HEARTBEAT"}, rows)
			fmt.Fprintf(out, "\n%s\n", st.Muted.Render(fmt.Sprintf(
				"%d live: %d idle, %d running, %d error", load.Total, load.Idle, load.Running, load.Error)))
			return nil
		},
	}
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth per priority",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			counts, err := e.queue.Stats(ctx)
			if err != nil {
				return err
			}
			qs, err := e.dispatcher.QueueStatus(ctx)
			if err != nil {
				return err
			}
			st := newStyles(cmd)
			out := cmd.OutOrStdout()
			for _, p := range task.Priorities {
				fmt.Fprintln(out, st.row(p.String(), strconv.FormatInt(counts[p], 10)))
			}
			fmt.Fprintln(out, st.row("pending", strconv.FormatInt(qs.Pending, 10)))
			fmt.Fprintln(out, st.row("agents busy", strconv.Itoa(qs.Running)))
			return nil
		},
	}
}
