package domain

import "time"

// LogLevel 表示任务日志级别。
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// Valid 判断日志级别是否为已知取值。
func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	}
	return false
}

// LogEntry 表示一条任务执行日志。
// 日志只追加不修改，Seq 在同一任务内单调递增且从 1 开始。
// Terminal 标记任务进入终态后写入的最后一条日志。
type LogEntry struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	Seq       int64     `json:"seq"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Terminal  bool      `json:"terminal,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// LogPage 是日志分页读取结果。
type LogPage struct {
	Logs  []*LogEntry `json:"logs"`
	Total int64       `json:"total"`
}
