package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"plexbot/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the download queue",
	}
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueStatsCommand(ctx))
	queueCmd.AddCommand(newQueueCancelCommand(ctx))
	queueCmd.AddCommand(newQueueClearCommand(ctx))
	return queueCmd
}

func withStore(ctx *commandContext, fn func(*queue.Store) error) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	store, err := queue.Open(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var all bool
	var chatID int64

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(ctx, func(store *queue.Store) error {
				statuses := []queue.Status{queue.StatusPending, queue.StatusRunning}
				if all {
					statuses = nil
				}
				tasks, err := store.List(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if chatID != 0 {
					filtered := tasks[:0]
					for _, task := range tasks {
						if task.ChatID == chatID {
							filtered = append(filtered, task)
						}
					}
					tasks = filtered
				}
				out := cmd.OutOrStdout()
				if len(tasks) == 0 {
					fmt.Fprintln(out, "Queue is empty.")
					return nil
				}
				rows := make([][]string, 0, len(tasks))
				for _, task := range tasks {
					rows = append(rows, []string{
						strconv.FormatInt(task.Seq, 10),
						shortID(task.ID),
						task.GroupLabel,
						string(task.Status),
						progressCell(task),
						task.ErrorMessage,
					})
				}
				fmt.Fprintln(out, renderTable(out,
					[]string{"#", "ID", "Title", "Status", "Progress", "Detail"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
				))
				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include finished tasks")
	cmd.Flags().Int64Var(&chatID, "chat", 0, "Only show tasks owned by this chat id")
	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func progressCell(task *queue.Task) string {
	switch task.Status {
	case queue.StatusSucceeded:
		return "100%"
	case queue.StatusRunning:
		if task.Progress.ItemsTotal > 0 {
			return fmt.Sprintf("%d/%d", task.Progress.ItemsDone, task.Progress.ItemsTotal)
		}
		if task.Progress.Known {
			return fmt.Sprintf("%.0f%%", task.Progress.Fraction*100)
		}
		return "?"
	default:
		return ""
	}
}

func newQueueStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(ctx, func(store *queue.Store) error {
				summary, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(),
					"total %d: %d pending, %d running, %d succeeded, %d failed, %d cancelled\n",
					summary.Total, summary.Pending, summary.Running,
					summary.Succeeded, summary.Failed, summary.Cancelled)
				return nil
			})
		},
	}
}

func newQueueCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a pending download",
		Long: strings.TrimSpace(`
Cancel a pending download by its id (the prefix shown by 'queue list' is
enough). Running downloads belong to the daemon; cancel those from the chat.`),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(ctx, func(store *queue.Store) error {
				task, err := findTask(cmd, store, args[0])
				if err != nil {
					return err
				}
				if task.Status != queue.StatusPending {
					return fmt.Errorf("task %s is %s; only pending tasks can be cancelled here", shortID(task.ID), task.Status)
				}
				if err := store.Transition(cmd.Context(), task.ID, queue.StatusPending, queue.StatusCancelled, "cancelled via cli"); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %s (%s)\n", shortID(task.ID), task.GroupLabel)
				return nil
			})
		},
	}
}

func findTask(cmd *cobra.Command, store *queue.Store, ref string) (*queue.Task, error) {
	ref = strings.TrimSpace(ref)
	if task, err := store.GetByID(cmd.Context(), ref); err != nil {
		return nil, err
	} else if task != nil {
		return task, nil
	}
	tasks, err := store.List(cmd.Context())
	if err != nil {
		return nil, err
	}
	var match *queue.Task
	for _, task := range tasks {
		if strings.HasPrefix(task.ID, ref) {
			if match != nil {
				return nil, fmt.Errorf("task id %q is ambiguous", ref)
			}
			match = task
		}
	}
	if match == nil {
		return nil, errors.New("no task matches " + strconv.Quote(ref))
	}
	return match, nil
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove finished tasks from the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(ctx, func(store *queue.Store) error {
				removed, err := store.Clear(cmd.Context(), all)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d tasks\n", removed)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Remove every task, including pending ones")
	return cmd
}
