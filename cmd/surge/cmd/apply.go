// Package cmd 提供 surge 命令行工具的所有子命令实现。
// 本文件实现 apply 命令组：提交、查询、审核和撤回压测申请。
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/oriys/surge/internal/gatewayclient"
	"github.com/oriys/surge/internal/registry"
	"github.com/spf13/cobra"
)

var applyCmd = &cobra.Command{
	Use:     "apply",
	Aliases: []string{"application", "app"},
	Short:   "Manage load test applications",
}

var applySubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a load test application",
	Long: `Submit a load test application for review.

Examples:
  surge apply submit --domain api.example.com --url /orders --method POST \
    --body-file order.json --record "checkout capacity" -c 1000 -d 60s --qps 500`,
	Args: cobra.NoArgs,
	RunE: runApplySubmit,
}

var applyListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List applications",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		page, err := newClient().ListApplications(ctx, gatewayclient.ListOptions{
			Page:     listPage,
			PageSize: listPageSize,
			Filters: map[string]string{
				"audit_status": listStatus,
				"keyword":      applyKeyword,
			},
		})
		if err != nil {
			return err
		}
		return NewPrinter(cmd.OutOrStdout()).PrintApplications(page)
	},
}

var applyGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show an application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()
		app, err := newClient().GetApplication(ctx, id)
		if err != nil {
			return err
		}
		return NewPrinter(cmd.OutOrStdout()).PrintApplication(app)
	},
}

var applyAuditCmd = &cobra.Command{
	Use:   "audit <id>",
	Short: "Approve or reject an application (admin)",
	Long: `Approve or reject a pending application. Approval creates a task.

Examples:
  surge apply audit 12 --approve
  surge apply audit 12 --reject --comment "target is production"`,
	Args: cobra.ExactArgs(1),
	RunE: runApplyAudit,
}

var applyCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Withdraw a pending application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()
		app, err := newClient().CancelApplication(ctx, id)
		if err != nil {
			return err
		}
		return NewPrinter(cmd.OutOrStdout()).PrintApplication(app)
	},
}

var (
	applyInput    registry.SubmitInput
	applyBodyFile string
	applyKeyword  string
	auditApprove  bool
	auditReject   bool
	auditComment  string

	// 列表命令共用的分页和状态过滤
	listPage     int
	listPageSize int
	listStatus   string
)

func init() {
	rootCmd.AddCommand(applyCmd)
	applyCmd.AddCommand(applySubmitCmd, applyListCmd, applyGetCmd, applyAuditCmd, applyCancelCmd)

	f := applySubmitCmd.Flags()
	f.StringVar(&applyInput.ApplicationName, "name", "", "Application name")
	f.StringVar(&applyInput.Domain, "domain", "", "Target domain, optionally with scheme and port")
	f.StringVar(&applyInput.URL, "url", "", "Request path on the target")
	f.StringVarP(&applyInput.Method, "method", "X", "GET", "HTTP method")
	f.StringVar(&applyInput.RequestBody, "body", "", "Request body")
	f.StringVar(&applyBodyFile, "body-file", "", "Read the request body from a file")
	f.StringVar(&applyInput.RecordInfo, "record", "", "Filing note (required)")
	f.StringVar(&applyInput.Description, "description", "", "Description")
	f.IntVarP(&applyInput.Concurrency, "concurrency", "c", 0, "Concurrent clients (see /apply/options)")
	f.StringVarP(&applyInput.Duration, "duration", "d", "", "Test duration, e.g. 30s")
	f.IntVar(&applyInput.ExpectedQPS, "qps", 0, "Expected total QPS, 0 for unlimited")

	applyListCmd.Flags().StringVar(&applyKeyword, "keyword", "", "Search name, domain and record")
	addListFlags(applyListCmd)

	applyAuditCmd.Flags().BoolVar(&auditApprove, "approve", false, "Approve the application")
	applyAuditCmd.Flags().BoolVar(&auditReject, "reject", false, "Reject the application")
	applyAuditCmd.Flags().StringVar(&auditComment, "comment", "", "Audit comment")
}

// addListFlags 注册分页和状态过滤标志。
func addListFlags(c *cobra.Command) {
	c.Flags().IntVar(&listPage, "page", 1, "Page number")
	c.Flags().IntVar(&listPageSize, "page-size", 20, "Page size")
	c.Flags().StringVar(&listStatus, "status", "", "Filter by status")
}

func runApplySubmit(cmd *cobra.Command, args []string) error {
	in := applyInput
	if applyBodyFile != "" {
		data, err := os.ReadFile(applyBodyFile)
		if err != nil {
			return fmt.Errorf("read body file: %w", err)
		}
		in.RequestBody = string(data)
	}

	ctx, cancel := commandContext()
	defer cancel()
	app, err := newClient().SubmitApplication(ctx, in)
	if err != nil {
		return err
	}
	return NewPrinter(cmd.OutOrStdout()).PrintApplication(app)
}

func runApplyAudit(cmd *cobra.Command, args []string) error {
	if auditApprove == auditReject {
		return errors.New("exactly one of --approve or --reject is required")
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()
	res, err := newClient().AuditApplication(ctx, id, auditApprove, auditComment)
	if err != nil {
		return err
	}
	p := NewPrinter(cmd.OutOrStdout())
	if p.format != "table" {
		return p.print(res, nil)
	}
	if err := p.PrintApplication(res.Application); err != nil {
		return err
	}
	if res.Task != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "\nTask %d created. Start it with: surge task start %d\n", res.Task.ID, res.Task.ID)
	}
	return nil
}
