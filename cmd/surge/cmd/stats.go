package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// 版本信息变量，在构建时通过 ldflags 设置。
// 例如: go build -ldflags "-X github.com/oriys/surge/cmd/surge/cmd.Version=1.0.0"
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "surge version %s\n", Version)
		fmt.Fprintf(out, "  Git commit: %s\n", GitCommit)
		fmt.Fprintf(out, "  Build date: %s\n", BuildDate)
		fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
		fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

// statsCmd 显示平台统计，仅管理员可用。
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show platform statistics (admin)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		s, err := newClient().Stats(ctx)
		if err != nil {
			return err
		}
		return NewPrinter(cmd.OutOrStdout()).PrintStats(s)
	},
}

// statusCmd 检查网关及其依赖是否就绪。
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the gateway is ready",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()
		client := newClient()
		if err := client.Ready(ctx); err != nil {
			return fmt.Errorf("gateway %s not ready: %w", client.BaseURL(), err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Gateway %s is ready\n", client.BaseURL())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(versionCmd, statsCmd, statusCmd)
}
