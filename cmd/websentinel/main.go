package main

import (
	"fmt"
	"os"

	"github.com/RecoveryAshes/WebSentinel/internal/core"
	"github.com/RecoveryAshes/WebSentinel/internal/utils"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

// 命令行参数
var (
	// 全局参数
	configFile        string
	verbose           bool
	logLevel          string
	dbPath            string
	wsURL             string
	maxConcurrent     int
	allowPrivateHosts bool
)

// appConfig 由PersistentPreRunE加载,供各子命令复用
var appConfig *core.Config

var rootCmd = &cobra.Command{
	Use:   "websentinel",
	Short: "网页值变化监控工具",
	Long: `WebSentinel - 网页值变化监控工具 (Go版本)

持续盯住页面上的一个CSS选择器,值变了就通知你,支持:
  • 静态抓取与远程浏览器渲染两级提取
  • 反爬拦截页识别
  • 选择器失效自愈
  • 连续失败自动暂停
  • 按套餐的渲染配额闸门
  • 定时调度与一次性全量检查

使用示例:
  # 添加一个监控项
  websentinel add -u https://example.com/item -s "#price" --frequency hourly

  # 前台跑调度器
  websentinel run

  # 一次性检查全部监控项并输出报告
  websentinel check --all --report report.json

  # 不入库的临时检查
  websentinel check -u https://example.com/item -s "#price"

版本: ` + Version + `
构建时间: ` + BuildTime,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 加载配置
		config, err := core.LoadConfig(configFile)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}

		// 命令行参数覆盖配置文件
		config.MergeCLIFlags(wsURL, dbPath, logLevel, maxConcurrent, allowPrivateHosts)

		// 初始化日志系统
		logConfig := config.LogOptions()
		if verbose && logLevel == "" {
			logConfig.Level = "debug"
		}
		if err := utils.InitLogger(logConfig); err != nil {
			return fmt.Errorf("初始化日志系统失败: %w", err)
		}

		if verbose {
			utils.Info("详细模式已启用")
		}

		appConfig = config
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// 不带子命令时显示帮助信息
		return cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "显示版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("WebSentinel %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
		fmt.Println("Go实现版本 - 网页值变化监控工具")
	},
}

func init() {
	// 全局参数
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "配置文件路径")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "详细输出模式")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "日志级别 (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite数据库文件路径")
	rootCmd.PersistentFlags().StringVar(&wsURL, "ws-url", "", "远程浏览器WebSocket地址,空表示不启用渲染")
	rootCmd.PersistentFlags().IntVar(&maxConcurrent, "max-concurrent", 0, "并发检查上限,0使用配置文件值")
	rootCmd.PersistentFlags().BoolVar(&allowPrivateHosts, "allow-private-hosts", false, "允许抓取内网地址(仅限本地调试)")

	// 添加子命令
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}
