// Package cmd 提供 surge 命令行工具的所有子命令实现。
// 本文件实现 task 命令组：查询、启动、取消、重试和删除压测任务。
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/oriys/surge/internal/gatewayclient"
	"github.com/spf13/cobra"
)

var taskCmd = &cobra.Command{
	Use:     "task",
	Aliases: []string{"tasks"},
	Short:   "Manage load test tasks",
}

var taskListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List tasks",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filters := map[string]string{"status": listStatus}
		if taskApplyID > 0 {
			filters["apply_id"] = fmt.Sprint(taskApplyID)
		}
		ctx, cancel := commandContext()
		defer cancel()
		page, err := newClient().ListTasks(ctx, gatewayclient.ListOptions{
			Page:     listPage,
			PageSize: listPageSize,
			Filters:  filters,
		})
		if err != nil {
			return err
		}
		return NewPrinter(cmd.OutOrStdout()).PrintTasks(page)
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()
		task, err := newClient().GetTask(ctx, id)
		if err != nil {
			return err
		}
		return NewPrinter(cmd.OutOrStdout()).PrintTask(task)
	},
}

// taskActionCmd 构造 start/cancel/retry 这类只需任务 ID 的管理员命令。
func taskActionCmd(use, short, past string, action func(*gatewayclient.Client, context.Context, int64) (*gatewayclient.TaskResult, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()
			res, err := action(newClient(), ctx, id)
			if err != nil {
				return err
			}
			return NewPrinter(cmd.OutOrStdout()).PrintTaskResult(past, res)
		},
	}
}

var taskDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a finished task and its logs (admin)",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		if !taskForce {
			fmt.Fprintf(cmd.OutOrStdout(), "Delete task %d and its logs? [y/N]: ", id)
			answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			answer = strings.ToLower(strings.TrimSpace(answer))
			if answer != "y" && answer != "yes" {
				fmt.Fprintln(cmd.OutOrStdout(), "Aborted.")
				return nil
			}
		}
		ctx, cancel := commandContext()
		defer cancel()
		if err := newClient().DeleteTask(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Task %d deleted\n", id)
		return nil
	},
}

var (
	taskApplyID int64
	taskForce   bool
)

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(
		taskListCmd,
		taskGetCmd,
		taskActionCmd("start", "Start a pending task (admin)", "started", (*gatewayclient.Client).StartTask),
		taskActionCmd("cancel", "Cancel a running or queued task (admin)", "cancelled", (*gatewayclient.Client).CancelTask),
		taskActionCmd("retry", "Re-run a finished task (admin)", "restarted", (*gatewayclient.Client).RetryTask),
		taskDeleteCmd,
	)

	taskListCmd.Flags().Int64Var(&taskApplyID, "apply", 0, "Filter by application ID")
	addListFlags(taskListCmd)
	taskDeleteCmd.Flags().BoolVarP(&taskForce, "force", "f", false, "Delete without confirmation")
}
