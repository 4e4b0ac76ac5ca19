package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/taskforge/dispatch"
	"github.com/GoCodeAlone/taskforge/task"
)

func newSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <task-type>",
		Short: "Create a task",
		Long: `Create a task of the given type.

By default the task is queued for the daemon's scheduler workers. With
--dispatch it is sent to the best live agent advertising every
--capability instead. --agent-type narrows the choice to agents of that
type (or general ones).`,
		Example: `  taskforge submit calculate --payload '{"numbers":[1,2,3]}' --priority high
  taskforge submit echo --payload '"hi"' --dispatch --capability echo`,
		Args: cobra.ExactArgs(1),
		RunE: runSubmit,
	}
	cmd.Flags().String("name", "", "task name (defaults to the task type)")
	cmd.Flags().String("payload", "null", "task payload as JSON")
	cmd.Flags().StringP("priority", "p", "normal", "low, normal, high, urgent or 1-4")
	cmd.Flags().Duration("timeout", 0, "execution timeout (0 uses the executor default)")
	cmd.Flags().Int("retries", -1, "maximum retries (-1 uses the default)")
	cmd.Flags().StringToString("meta", nil, "metadata key=value pairs")
	cmd.Flags().Bool("dispatch", false, "send to an agent instead of queueing")
	cmd.Flags().StringSlice("capability", nil, "capabilities the agent must have (with --dispatch)")
	cmd.Flags().String("agent-type", "", "agent type to dispatch to (with --dispatch)")
	return cmd
}

func runSubmit(cmd *cobra.Command, args []string) error {
	spec, err := specFromFlags(cmd, args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	e, err := openEnv(ctx, cmd)
	if err != nil {
		return err
	}
	defer func() { _ = e.Close() }()

	st := newStyles(cmd)
	out := cmd.OutOrStdout()
	if dispatchIt, _ := cmd.Flags().GetBool("dispatch"); dispatchIt {
		caps, _ := cmd.Flags().GetStringSlice("capability")
		agentType, _ := cmd.Flags().GetString("agent-type")
		a, err := e.dispatcher.Dispatch(ctx, dispatch.Request{
			Name:         spec.Name,
			Type:         spec.Type,
			Payload:      spec.Payload,
			Priority:     spec.Priority,
			Timeout:      spec.Timeout,
			MaxRetries:   spec.MaxRetries,
			Capabilities: caps,
			AgentType:    agentType,
			Metadata:     spec.Metadata,
		})
		if err != nil {
			return fmt.Errorf("dispatching task: %w", err)
		}
		fmt.Fprintln(out, st.row("task", a.TaskID))
		fmt.Fprintln(out, st.row("agent", a.AgentID))
		fmt.Fprintln(out, st.row("status", st.taskStatus(a.Status)))
		return nil
	}

	t, err := task.New(spec)
	if err != nil {
		return err
	}
	if err := e.queue.Enqueue(ctx, t); err != nil {
		return fmt.Errorf("queueing task: %w", err)
	}
	fmt.Fprintln(out, st.row("task", t.ID))
	fmt.Fprintln(out, st.row("priority", t.Priority.String()))
	fmt.Fprintln(out, st.row("status", st.taskStatus(t.Status)))
	return nil
}

func specFromFlags(cmd *cobra.Command, taskType string) (task.Spec, error) {
	name, _ := cmd.Flags().GetString("name")
	rawPayload, _ := cmd.Flags().GetString("payload")
	rawPriority, _ := cmd.Flags().GetString("priority")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	retries, _ := cmd.Flags().GetInt("retries")
	meta, _ := cmd.Flags().GetStringToString("meta")

	if strings.TrimSpace(name) == "" {
		name = taskType
	}
	spec := task.Spec{Name: name, Type: taskType, Timeout: timeout, Metadata: meta}
	if err := json.Unmarshal([]byte(rawPayload), &spec.Payload); err != nil {
		return spec, fmt.Errorf("parsing --payload: %w", err)
	}
	prio, err := task.ParsePriority(rawPriority)
	if err != nil {
		return spec, err
	}
	spec.Priority = prio
	if retries >= 0 {
		spec.MaxRetries = task.Retries(retries)
	}
	return spec, spec.Validate()
}
