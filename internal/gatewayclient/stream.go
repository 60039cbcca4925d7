package gatewayclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/oriys/surge/internal/domain"
)

// LogHandler 处理日志流中的一条日志，返回错误时停止订阅。
type LogHandler func(*domain.LogEntry) error

// sseEvent 是一个服务端推送事件。
type sseEvent struct {
	id    string
	event string
	data  string
}

// StreamLogs 通过 SSE 订阅任务日志，afterSeq 之后的日志依次交给 fn。
// 服务端发送 end 事件（任务结束）时返回 nil；ctx 取消时返回 ctx.Err()。
// 连接中断时返回错误和最后收到的序号，调用方可据此续传。
func (c *Client) StreamLogs(ctx context.Context, taskID, afterSeq int64, fn LogHandler) (int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, idPath("/api/v1/tasks/%d/logs/stream", taskID), nil, nil)
	if err != nil {
		return afterSeq, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if afterSeq > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(afterSeq, 10))
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return afterSeq, fmt.Errorf("connect log stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return afterSeq, decodeError(resp.StatusCode, body)
	}

	last := afterSeq
	err = readEvents(resp.Body, func(ev sseEvent) (bool, error) {
		switch ev.event {
		case "end":
			return true, nil
		case "log", "":
			var entry domain.LogEntry
			if err := json.Unmarshal([]byte(ev.data), &entry); err != nil {
				return false, fmt.Errorf("parse log event: %w", err)
			}
			if err := fn(&entry); err != nil {
				return false, err
			}
			last = entry.Seq
		}
		return false, nil
	})
	if ctx.Err() != nil {
		return last, ctx.Err()
	}
	return last, err
}

// readEvents 按 SSE 帧格式解析事件，注释行（心跳）被忽略。
// handle 返回 true 时停止读取。流在 end 之前结束返回 io.ErrUnexpectedEOF。
func readEvents(r io.Reader, handle func(sseEvent) (bool, error)) error {
	reader := bufio.NewReader(r)
	var ev sseEvent
	var data []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(data) == 0 && ev.event == "" {
				continue
			}
			ev.data = strings.Join(data, "\n")
			done, err := handle(ev)
			if err != nil || done {
				return err
			}
			ev, data = sseEvent{}, nil
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.id = value
		case "event":
			ev.event = value
		case "data":
			data = append(data, value)
		}
	}
}
