// Package main 是 surge 命令行工具的入口点。
// surge 用于提交压测申请、审核并执行压测任务、跟随日志和导出报告。
package main

import (
	"os"

	"github.com/oriys/surge/cmd/surge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
