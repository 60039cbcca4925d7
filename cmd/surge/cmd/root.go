// Package cmd 包含 surge CLI 工具的所有命令实现
// 使用 cobra 框架构建命令行接口，viper 管理配置和登录凭据
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/oriys/surge/internal/gatewayclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// 全局命令行标志变量
var (
	cfgFile   string // 配置文件路径
	apiURL    string // API 服务器地址
	outputFmt string // 输出格式（table/json/yaml）
)

// rootCmd 是 CLI 的根命令
var rootCmd = &cobra.Command{
	Use:   "surge",
	Short: "Surge - load test platform CLI",
	Long: `surge 是压测平台的命令行工具。

使用示例:
  # 登录
  surge login -u alice

  # 提交压测申请
  surge apply submit --domain api.example.com --url /health --record "release 1.2" -c 100 -d 30s

  # 审核通过并启动任务（管理员）
  surge apply audit 12 --approve
  surge task start 34

  # 跟随任务日志
  surge logs 34 --follow

  # 导出报告
  surge report export 34 --format xlsx`,
	SilenceUsage: true,
}

// Execute 执行根命令，由 main 包调用。
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径（默认为 $HOME/.surge.yaml）")
	rootCmd.PersistentFlags().StringVarP(&apiURL, "api-url", "u", "http://localhost:8080", "API 服务器地址")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "输出格式（table、json、yaml）")

	viper.BindPFlag("api_url", rootCmd.PersistentFlags().Lookup("api-url"))
	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
}

// initConfig 按优先级加载配置：命令行标志 > 环境变量 > 配置文件
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".surge")
	}

	// 环境变量格式：SURGE_<KEY>，如 SURGE_API_URL、SURGE_TOKEN
	viper.SetEnvPrefix("SURGE")
	viper.AutomaticEnv()

	_ = viper.ReadInConfig()
}

// getConfigPath 返回保存登录凭据的配置文件路径。
func getConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".surge.yaml")
}

// newClient 使用配置中的地址和访问令牌创建 API 客户端。
func newClient() *gatewayclient.Client {
	return gatewayclient.New(viper.GetString("api_url"),
		gatewayclient.WithToken(viper.GetString("token")))
}

// commandContext 返回收到 Ctrl+C 时取消的上下文。
func commandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// parseID 解析位置参数中的数字 ID。
func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}
