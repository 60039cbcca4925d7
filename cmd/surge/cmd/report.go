// Package cmd 提供 surge 命令行工具的所有子命令实现。
// 本文件实现 report 命令组：查看、重新生成和导出压测报告。
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/oriys/surge/internal/gatewayclient"
	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:     "report",
	Aliases: []string{"reports"},
	Short:   "View and export load test reports",
}

var reportListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List reports",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filters := map[string]string{"status": listStatus}
		if reportApplyID > 0 {
			filters["apply_id"] = fmt.Sprint(reportApplyID)
		}
		ctx, cancel := commandContext()
		defer cancel()
		page, err := newClient().ListReports(ctx, gatewayclient.ListOptions{
			Page:     listPage,
			PageSize: listPageSize,
			Filters:  filters,
		})
		if err != nil {
			return err
		}
		return NewPrinter(cmd.OutOrStdout()).PrintReports(page)
	},
}

var reportGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show the report of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()
		r, err := newClient().GetReportByTask(ctx, taskID)
		if err != nil {
			return err
		}
		return NewPrinter(cmd.OutOrStdout()).PrintReport(r)
	},
}

var reportGenerateCmd = &cobra.Command{
	Use:   "generate <task-id>",
	Short: "Regenerate the report of a finished task (admin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, err := parseID(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()
		r, err := newClient().GenerateReport(ctx, taskID)
		if err != nil {
			return err
		}
		return NewPrinter(cmd.OutOrStdout()).PrintReport(r)
	},
}

var reportExportCmd = &cobra.Command{
	Use:   "export <task-id>",
	Short: "Export the report of a task as csv, xlsx or pdf",
	Long: `Export the report of a task.

Examples:
  surge report export 34 --format xlsx
  surge report export 34 --format pdf --file q3-capacity.pdf`,
	Args: cobra.ExactArgs(1),
	RunE: runReportExport,
}

var (
	reportApplyID    int64
	reportFormat     string
	reportOutputFile string
)

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.AddCommand(reportListCmd, reportGetCmd, reportGenerateCmd, reportExportCmd)

	reportListCmd.Flags().Int64Var(&reportApplyID, "apply", 0, "Filter by application ID")
	addListFlags(reportListCmd)

	reportExportCmd.Flags().StringVar(&reportFormat, "format", "csv", "Export format: csv, xlsx or pdf")
	reportExportCmd.Flags().StringVar(&reportOutputFile, "file", "", "Output file (default: name suggested by the server)")
}

func runReportExport(cmd *cobra.Command, args []string) error {
	taskID, err := parseID(args[0])
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	client := newClient()
	r, err := client.GetReportByTask(ctx, taskID)
	if err != nil {
		return err
	}

	// 先写临时文件，导出失败时不留下残缺文件
	tmp, err := os.CreateTemp(filepath.Dir(reportOutputFile), ".surge-export-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	name, err := client.ExportReport(ctx, r.ID, reportFormat, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	path := reportOutputFile
	if path == "" {
		path = name
	}
	if path == "" {
		path = fmt.Sprintf("report-%d.%s", r.ID, reportFormat)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Report %d exported to %s\n", r.ID, path)
	return nil
}
