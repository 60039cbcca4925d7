// Package cmd 提供 surge 命令行工具的所有子命令实现。
// 本文件实现 logs 命令，用于查看和跟随压测任务的执行日志。
//
// 默认分页读取已有日志；--follow 通过 SSE 订阅实时日志，断线后从最后的序号续传，
// 任务结束时服务端关闭流，命令随之退出。--ws 改用 WebSocket 订阅。
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"
	"github.com/oriys/surge/internal/domain"
	"github.com/oriys/surge/internal/gatewayclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var logsCmd = &cobra.Command{
	Use:   "logs <task-id>",
	Short: "View task execution logs",
	Long: `View the execution logs of a task.

Examples:
  # First 100 lines
  surge logs 34

  # Skip the first 200 lines
  surge logs 34 --skip 200 --limit 50

  # Follow realtime logs until the task finishes
  surge logs 34 --follow

  # Follow over WebSocket
  surge logs 34 --follow --ws`,
	Args: cobra.ExactArgs(1),
	RunE: runLogs,
}

var (
	logsSkip   int
	logsLimit  int
	logsFollow bool
	logsWS     bool
)

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().IntVar(&logsSkip, "skip", 0, "Number of lines to skip")
	logsCmd.Flags().IntVarP(&logsLimit, "limit", "n", 100, "Number of lines to show")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow realtime logs")
	logsCmd.Flags().BoolVar(&logsWS, "ws", false, "Use the WebSocket stream instead of SSE")
}

func runLogs(cmd *cobra.Command, args []string) error {
	taskID, err := parseID(args[0])
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	client := newClient()
	printer := NewPrinter(cmd.OutOrStdout())

	if logsFollow {
		if logsWS {
			err = followLogsWS(ctx, client.BaseURL(), taskID, printer)
		} else {
			err = followLogs(ctx, client, taskID, printer)
		}
		// Ctrl+C 视为正常退出
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	page, err := client.ReadLogs(ctx, taskID, logsSkip, logsLimit)
	if err != nil {
		return err
	}
	if printer.format != "table" {
		return printer.print(page, nil)
	}
	if len(page.Logs) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No logs for task %d.\n", taskID)
		return nil
	}
	for _, e := range page.Logs {
		if err := printer.PrintLog(e); err != nil {
			return err
		}
	}
	if shown := int64(logsSkip + len(page.Logs)); shown < page.Total {
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d of %d lines. Use --skip %d to continue.\n", shown, page.Total, shown)
	}
	return nil
}

// followLogs 订阅 SSE 日志流，连接中断时退避重连并从最后的序号续传。
// 鉴权失败或任务不存在时不重试。
func followLogs(ctx context.Context, client *gatewayclient.Client, taskID int64, printer *Printer) error {
	var last int64
	return retry.Do(
		func() error {
			seq, err := client.StreamLogs(ctx, taskID, last, func(e *domain.LogEntry) error {
				return printer.PrintLog(e)
			})
			last = seq
			var apiErr *gatewayclient.APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(10),
		retry.Delay(500*time.Millisecond),
		retry.MaxDelay(10*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}

// followLogsWS 通过 WebSocket 订阅日志，令牌放在 access_token 查询参数中。
func followLogsWS(ctx context.Context, baseURL string, taskID int64, printer *Printer) error {
	wsURL, err := buildWebSocketURL(baseURL, fmt.Sprintf("/api/v1/tasks/%d/logs/ws", taskID))
	if err != nil {
		return err
	}
	if token := viper.GetString("token"); token != "" {
		wsURL += "?access_token=" + url.QueryEscape(token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect log stream: %s", resp.Status)
		}
		return fmt.Errorf("failed to connect log stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("log stream closed: %w", err)
		}
		var entry domain.LogEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		if err := printer.PrintLog(&entry); err != nil {
			return err
		}
	}
}

func buildWebSocketURL(baseURL, path string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid api url: %w", err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported api url scheme: %s", u.Scheme)
	}

	u.Path = path
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
