package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/RecoveryAshes/WebSentinel/internal/core"
	"github.com/RecoveryAshes/WebSentinel/internal/models"
	"github.com/RecoveryAshes/WebSentinel/internal/store"
	"github.com/RecoveryAshes/WebSentinel/internal/utils"
	"github.com/spf13/cobra"
)

// check 命令参数
var (
	checkMonitorID string
	checkAll       bool
	checkURL       string
	checkSelector  string
	reportPath     string
	sweepDelay     int
	continueOnErr  bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "立即执行检查",
	Long: `立即执行一次检查,三种模式:

  # 检查库里的单个监控项
  websentinel check --monitor-id <ID>

  # 全量检查所有激活的监控项,可输出JSON报告
  websentinel check --all --report report.json

  # 临时检查一个URL,不入库不通知
  websentinel check -u https://example.com/item -s "#price"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := ValidateCheckFlags(checkMonitorID, checkAll, checkURL, checkSelector); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// 临时检查走内存存储,不落盘
		if checkURL != "" {
			return checkAdhoc(ctx, checkURL, checkSelector)
		}

		st, err := store.Open(appConfig.Storage.Path)
		if err != nil {
			return fmt.Errorf("打开数据库失败: %w", err)
		}
		defer st.Close()

		telemetry := store.NewAsyncTelemetry(st)
		defer telemetry.Close()

		engine, renderClient, err := buildEngine(appConfig, st, telemetry)
		if err != nil {
			return err
		}
		defer renderClient.Close()

		if checkAll {
			return checkSweep(ctx, engine, st)
		}
		return checkOne(ctx, engine, st, checkMonitorID)
	},
}

// checkOne 检查库里的单个监控项
func checkOne(ctx context.Context, engine *core.Engine, st core.Store, monitorID string) error {
	monitor, err := st.GetMonitor(ctx, monitorID)
	if err != nil {
		return err
	}

	start := time.Now()
	outcome, err := engine.CheckMonitor(ctx, monitor)
	printOutcome(monitor, outcome, time.Since(start))
	if err != nil {
		return fmt.Errorf("检查结果持久化失败: %w", err)
	}
	return nil
}

// checkSweep 全量检查所有激活的监控项
func checkSweep(ctx context.Context, engine *core.Engine, st core.Store) error {
	runner := core.NewSweepRunner(engine, st, time.Duration(sweepDelay)*time.Second, continueOnErr)

	report, sweepErr := runner.Sweep(ctx)
	if report != nil && reportPath != "" {
		if err := runner.WriteReport(report, reportPath); err != nil {
			utils.Errorf("写入报告失败: %v", err)
		}
	}
	if sweepErr != nil {
		return fmt.Errorf("全量检查失败: %w", sweepErr)
	}

	utils.Info("✨ 全量检查完成!")
	return nil
}

// checkAdhoc 临时检查一个URL,监控项只存在于内存里
func checkAdhoc(ctx context.Context, targetURL, selector string) error {
	monitor, err := models.NewMonitor("adhoc", targetURL, selector, models.FrequencyHourly)
	if err != nil {
		return fmt.Errorf("无效的监控定义: %w", err)
	}
	monitor.EmailEnabled = false

	mem := store.NewMemoryStore()
	if err := mem.CreateMonitor(ctx, monitor); err != nil {
		return fmt.Errorf("初始化临时监控项失败: %w", err)
	}

	engine, renderClient, err := buildEngine(appConfig, mem, nil)
	if err != nil {
		return err
	}
	defer renderClient.Close()

	start := time.Now()
	outcome, err := engine.CheckMonitor(ctx, monitor)
	printOutcome(monitor, outcome, time.Since(start))
	if err != nil {
		return fmt.Errorf("检查结果持久化失败: %w", err)
	}
	return nil
}

// printOutcome 打印单次检查的结果块
func printOutcome(monitor *models.Monitor, outcome *models.CheckOutcome, elapsed time.Duration) {
	fmt.Println("\n==================================================")
	fmt.Println("📊 检查结果")
	fmt.Println("==================================================")
	fmt.Printf("🌐 页面: %s\n", monitor.URL)
	fmt.Printf("🔍 选择器: %s\n", monitor.Selector)
	fmt.Printf("📋 状态: %s\n", outcome.Status)
	if outcome.CurrentValue != nil {
		fmt.Printf("✅ 当前值: %q\n", *outcome.CurrentValue)
	}
	if outcome.Changed {
		if outcome.PreviousValue != nil {
			fmt.Printf("🔁 检测到变化: %q → %q\n", *outcome.PreviousValue, *outcome.CurrentValue)
		} else {
			fmt.Println("🔁 首次取值")
		}
	}
	if outcome.Error != nil {
		fmt.Printf("❌ 错误: %s\n", *outcome.Error)
	}
	fmt.Printf("⏱️  耗时: %.2f秒\n", elapsed.Seconds())
	fmt.Println("==================================================")
}

func init() {
	checkCmd.Flags().StringVar(&checkMonitorID, "monitor-id", "", "要检查的监控项ID")
	checkCmd.Flags().BoolVar(&checkAll, "all", false, "检查所有激活的监控项")
	checkCmd.Flags().StringVarP(&checkURL, "url", "u", "", "临时检查的目标URL")
	checkCmd.Flags().StringVarP(&checkSelector, "selector", "s", "", "临时检查的CSS选择器")
	checkCmd.Flags().StringVar(&reportPath, "report", "", "全量检查的JSON报告输出路径")
	checkCmd.Flags().IntVar(&sweepDelay, "sweep-delay", 1, "全量检查时监控项间的延迟(秒)")
	checkCmd.Flags().BoolVar(&continueOnErr, "continue-on-error", true, "持久化失败时继续检查后续监控项")

	rootCmd.AddCommand(checkCmd)
}
