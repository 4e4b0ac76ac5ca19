package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/taskforge/task"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a task and its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			t, err := e.queue.Get(ctx, args[0])
			if err != nil {
				return err
			}
			res, err := e.queue.Result(ctx, t.ID)
			if err != nil && !errors.Is(err, task.ErrNotFound) {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					*task.Task
					Result *task.Result `json:"result,omitempty"`
				}{t, res})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTask(newStyles(cmd), t, res))
			return nil
		},
	}
	cmd.Flags().Bool("json", false, "print the record as JSON")
	return cmd
}

func renderTask(st styles, t *task.Task, res *task.Result) string {
	lines := []string{
		st.Title.Render(t.Name),
		st.row("id", t.ID),
		st.row("type", t.Type),
		st.row("priority", t.Priority.String()),
		st.row("status", st.taskStatus(t.Status)),
		st.row("created", formatTime(&t.CreatedAt)),
		st.row("started", formatTime(t.StartedAt)),
		st.row("completed", formatTime(t.CompletedAt)),
		st.row("retries", fmt.Sprintf("%d/%d", t.RetryCount, t.MaxRetries)),
	}
	if t.AssignedAgent != "" {
		lines = append(lines, st.row("agent", t.AssignedAgent))
	}
	if t.Error != "" {
		lines = append(lines, st.row("error", st.Error.Render(t.Error)))
	}
	if res != nil {
		lines = append(lines,
			st.row("duration", strconv.FormatFloat(res.ExecutionTime, 'f', 3, 64)+"s"),
			st.row("result", res.Value.String()),
		)
	}
	return st.Card.Render(strings.Join(lines, "\n"))
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task",
		Long: `Mark a task cancelled and notify every live agent. A task that has
already finished is left as it is.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, cmd)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			if _, err := e.queue.Get(ctx, args[0]); err != nil {
				return err
			}
			sent, err := e.dispatcher.Cancel(ctx, args[0])
			if err != nil {
				return err
			}
			t, err := e.queue.Get(ctx, args[0])
			if err != nil {
				return err
			}
			st := newStyles(cmd)
			fmt.Fprintln(cmd.OutOrStdout(), st.row("status", st.taskStatus(t.Status)))
			fmt.Fprintln(cmd.OutOrStdout(), st.row("notified", strconv.Itoa(sent)))
			return nil
		},
	}
}
