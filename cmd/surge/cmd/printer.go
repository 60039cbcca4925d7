// Package cmd 提供 surge 命令行工具的所有子命令实现。
// 本文件实现输出格式化打印功能，支持 table、json、yaml 三种格式。
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/oriys/surge/internal/domain"
	"github.com/oriys/surge/internal/gatewayclient"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Printer 是格式化输出的处理器。
type Printer struct {
	format string    // 输出格式：table、json 或 yaml
	writer io.Writer // 输出目标
}

// NewPrinter 创建打印器，输出格式取自 viper 配置。
func NewPrinter(w io.Writer) *Printer {
	format := viper.GetString("output")
	if format == "" {
		format = "table"
	}
	return &Printer{format: format, writer: w}
}

// print 以 json/yaml 输出 v，table 格式时调用 table。
func (p *Printer) print(v any, table func() error) error {
	switch p.format {
	case "json":
		return p.printJSON(v)
	case "yaml":
		return p.printYAML(v)
	default:
		return table()
	}
}

// printJSON 以 JSON 格式输出数据。
func (p *Printer) printJSON(v any) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printYAML 以 YAML 格式输出数据。
// 先经过 JSON 转换，保证字段名与 API 一致。
func (p *Printer) printYAML(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(p.writer)
	enc.SetIndent(2)
	return enc.Encode(generic)
}

// PrintApplications 打印申请列表。
func (p *Printer) PrintApplications(page *gatewayclient.Page[*domain.Application]) error {
	return p.print(page, func() error {
		if len(page.Items) == 0 {
			fmt.Fprintln(p.writer, "No applications found.")
			return nil
		}
		w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTARGET\tCONCURRENCY\tDURATION\tSTATUS\tCREATED")
		for _, a := range page.Items {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
				a.ID,
				truncate(a.ApplicationName, 24),
				truncate(a.TargetURL(), 40),
				a.Concurrency,
				a.Duration,
				colorStatus(string(a.AuditStatus)),
				timeAgo(a.CreatedAt),
			)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		p.printPageFooter(len(page.Items), page.Total)
		return nil
	})
}

// PrintApplication 打印单个申请详情。
func (p *Printer) PrintApplication(a *domain.Application) error {
	return p.print(a, func() error {
		fmt.Fprintf(p.writer, "ID:          %d\n", a.ID)
		fmt.Fprintf(p.writer, "Name:        %s\n", a.ApplicationName)
		fmt.Fprintf(p.writer, "Target:      %s %s\n", a.Method, a.TargetURL())
		fmt.Fprintf(p.writer, "Concurrency: %d\n", a.Concurrency)
		fmt.Fprintf(p.writer, "Duration:    %s\n", a.Duration)
		if a.ExpectedQPS > 0 {
			fmt.Fprintf(p.writer, "QPS:         %d\n", a.ExpectedQPS)
		}
		fmt.Fprintf(p.writer, "Record:      %s\n", a.RecordInfo)
		fmt.Fprintf(p.writer, "Status:      %s\n", colorStatus(string(a.AuditStatus)))
		if a.AuditComment != "" {
			fmt.Fprintf(p.writer, "Comment:     %s\n", a.AuditComment)
		}
		fmt.Fprintf(p.writer, "Created:     %s\n", a.CreatedAt.Format(time.RFC3339))
		return nil
	})
}

// PrintTasks 打印任务列表。
func (p *Printer) PrintTasks(page *gatewayclient.Page[*domain.Task]) error {
	return p.print(page, func() error {
		if len(page.Items) == 0 {
			fmt.Fprintln(p.writer, "No tasks found.")
			return nil
		}
		w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tAPPLY\tTARGET\tCLIENTS\tTHREADS\tDURATION\tSTATUS\tCREATED")
		for _, t := range page.Items {
			fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%d\t%s\t%s\t%s\n",
				t.ID,
				t.ApplyID,
				truncate(t.TargetURL, 40),
				t.Concurrency,
				t.Threads,
				t.Duration,
				colorStatus(string(t.Status)),
				timeAgo(t.CreatedAt),
			)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		p.printPageFooter(len(page.Items), page.Total)
		return nil
	})
}

// PrintTask 打印单个任务详情。
func (p *Printer) PrintTask(t *domain.Task) error {
	return p.print(t, func() error {
		fmt.Fprintf(p.writer, "ID:          %d\n", t.ID)
		fmt.Fprintf(p.writer, "Apply:       %d\n", t.ApplyID)
		fmt.Fprintf(p.writer, "Target:      %s %s\n", t.Method, t.TargetURL)
		fmt.Fprintf(p.writer, "Clients:     %d (%d threads)\n", t.Concurrency, t.Threads)
		fmt.Fprintf(p.writer, "Duration:    %s\n", t.Duration)
		fmt.Fprintf(p.writer, "Status:      %s\n", colorStatus(string(t.Status)))
		if t.StartTime != nil {
			fmt.Fprintf(p.writer, "Started:     %s\n", t.StartTime.Format(time.RFC3339))
		}
		if t.EndTime != nil {
			fmt.Fprintf(p.writer, "Ended:       %s\n", t.EndTime.Format(time.RFC3339))
		}
		if t.ErrorMsg != "" {
			fmt.Fprintf(p.writer, "Error:       %s\n", t.ErrorMsg)
		}
		return nil
	})
}

// PrintTaskResult 打印任务操作结果。
func (p *Printer) PrintTaskResult(action string, res *gatewayclient.TaskResult) error {
	return p.print(res, func() error {
		if res.Queued {
			fmt.Fprintf(p.writer, "Task %d queued, waiting for capacity\n", res.ID)
			return nil
		}
		fmt.Fprintf(p.writer, "Task %d %s: %s\n", res.ID, action, colorStatus(string(res.Status)))
		return nil
	})
}

// PrintLog 打印一条日志，json/yaml 格式时逐条输出。
func (p *Printer) PrintLog(e *domain.LogEntry) error {
	switch p.format {
	case "json":
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(p.writer, string(data))
		return err
	case "yaml":
		fmt.Fprintln(p.writer, "---")
		return p.printYAML(e)
	default:
		_, err := fmt.Fprintf(p.writer, "%s  %-7s %s\n",
			e.CreatedAt.Local().Format("15:04:05"),
			strings.ToUpper(string(e.Level)),
			e.Message,
		)
		return err
	}
}

// PrintReport 打印报告详情。
func (p *Printer) PrintReport(r *domain.Report) error {
	return p.print(r, func() error {
		fmt.Fprintf(p.writer, "Report:      %d (task %d)\n", r.ID, r.TaskID)
		fmt.Fprintf(p.writer, "Status:      %s\n", colorStatus(string(r.Status)))
		fmt.Fprintf(p.writer, "Target:      %s\n", r.TargetURL)
		fmt.Fprintf(p.writer, "Clients:     %d (%d threads), %s\n", r.Concurrency, r.Threads, r.Duration)
		if r.ErrorMsg != "" {
			fmt.Fprintf(p.writer, "Error:       %s\n", r.ErrorMsg)
		}
		if r.Status != domain.ReportStatusCompleted {
			return nil
		}
		fmt.Fprintln(p.writer)
		fmt.Fprintf(p.writer, "Requests:    %d total, %d ok, %d failed\n", r.TotalRequests, r.SuccessfulRequests, r.FailedRequests)
		fmt.Fprintf(p.writer, "Throughput:  %.2f req/s\n", r.RequestsPerSecond)
		fmt.Fprintf(p.writer, "Error rate:  %.2f%%\n", r.ErrorRate)
		fmt.Fprintf(p.writer, "Latency:     min %.2fms  avg %.2fms  max %.2fms  stdev %.2fms\n",
			r.LatencyMin, r.LatencyAvg, r.LatencyMax, r.LatencyStdev)

		w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
		if len(r.LatencyPercentiles) > 0 {
			fmt.Fprintln(w, "\nPERCENTILE\tLATENCY")
			for _, k := range sortedKeys(r.LatencyPercentiles) {
				fmt.Fprintf(w, "%s\t%.2fms\n", k, r.LatencyPercentiles[k])
			}
		}
		if len(r.StatusCodes) > 0 {
			fmt.Fprintln(w, "\nSTATUS\tCOUNT")
			for _, k := range sortedKeys(r.StatusCodes) {
				fmt.Fprintf(w, "%s\t%d\n", k, r.StatusCodes[k])
			}
		}
		return w.Flush()
	})
}

// PrintReports 打印报告列表。
func (p *Printer) PrintReports(page *gatewayclient.Page[*domain.Report]) error {
	return p.print(page, func() error {
		if len(page.Items) == 0 {
			fmt.Fprintln(p.writer, "No reports found.")
			return nil
		}
		w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTASK\tSTATUS\tREQUESTS\tRPS\tERRORS\tP99\tCREATED")
		for _, r := range page.Items {
			fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%.1f\t%.2f%%\t%.2fms\t%s\n",
				r.ID,
				r.TaskID,
				colorStatus(string(r.Status)),
				r.TotalRequests,
				r.RequestsPerSecond,
				r.ErrorRate,
				r.LatencyPercentiles["p99"],
				timeAgo(r.CreatedAt),
			)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		p.printPageFooter(len(page.Items), page.Total)
		return nil
	})
}

// PrintUsers 打印用户列表。
func (p *Printer) PrintUsers(page *gatewayclient.Page[*domain.User]) error {
	return p.print(page, func() error {
		if len(page.Items) == 0 {
			fmt.Fprintln(p.writer, "No users found.")
			return nil
		}
		w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSERNAME\tEMAIL\tROLE\tSTATUS\tLAST LOGIN")
		for _, u := range page.Items {
			last := "-"
			if u.LastLoginAt != nil {
				last = timeAgo(*u.LastLoginAt)
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", u.ID, u.Username, u.Email, u.Role, userStatus(u.Status), last)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		p.printPageFooter(len(page.Items), page.Total)
		return nil
	})
}

// PrintUser 打印单个用户。
func (p *Printer) PrintUser(u *domain.User) error {
	return p.print(u, func() error {
		fmt.Fprintf(p.writer, "ID:       %d\n", u.ID)
		fmt.Fprintf(p.writer, "Username: %s\n", u.Username)
		fmt.Fprintf(p.writer, "Email:    %s\n", u.Email)
		if u.FullName != "" {
			fmt.Fprintf(p.writer, "Name:     %s\n", u.FullName)
		}
		fmt.Fprintf(p.writer, "Role:     %s\n", u.Role)
		fmt.Fprintf(p.writer, "Status:   %s\n", userStatus(u.Status))
		return nil
	})
}

// PrintStats 打印平台统计。
func (p *Printer) PrintStats(s *gatewayclient.Stats) error {
	return p.print(s, func() error {
		fmt.Fprintf(p.writer, "Users:        %d\n", s.Users)
		fmt.Fprintf(p.writer, "Running:      %d\n", s.Running)
		fmt.Fprintf(p.writer, "Queued:       %d\n", s.Queued)
		w := tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "\nKIND\tSTATUS\tCOUNT")
		for _, k := range sortedKeys(s.Applications) {
			fmt.Fprintf(w, "applications\t%s\t%d\n", k, s.Applications[k])
		}
		for _, k := range sortedKeys(s.Tasks) {
			fmt.Fprintf(w, "tasks\t%s\t%d\n", k, s.Tasks[k])
		}
		for _, k := range sortedKeys(s.Reports) {
			fmt.Fprintf(w, "reports\t%s\t%d\n", k, s.Reports[k])
		}
		return w.Flush()
	})
}

func (p *Printer) printPageFooter(shown int, total int64) {
	if int64(shown) < total {
		fmt.Fprintf(p.writer, "\nShowing %d of %d. Use --page to see more.\n", shown, total)
	}
}

// ====== 辅助函数 ======

// colorStatus 根据状态值返回带颜色的字符串。
//   - 绿色: approved、completed、running
//   - 黄色: pending、generating
//   - 红色: rejected、failed、cancelled
func colorStatus(status string) string {
	switch strings.ToLower(status) {
	case "approved", "completed", "running":
		return "\033[32m" + status + "\033[0m"
	case "pending", "generating":
		return "\033[33m" + status + "\033[0m"
	case "rejected", "failed", "cancelled":
		return "\033[31m" + status + "\033[0m"
	default:
		return status
	}
}

func userStatus(s domain.UserStatus) string {
	if s == domain.UserStatusEnabled {
		return "enabled"
	}
	return "disabled"
}

// timeAgo 将时间转换为相对时间字符串，如 "5s ago"、"3m ago"。
func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}

	d := time.Since(t)

	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// truncate 截断字符串到指定长度。
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
