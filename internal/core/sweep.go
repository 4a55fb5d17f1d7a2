package core

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/RecoveryAshes/WebSentinel/internal/models"
	"github.com/RecoveryAshes/WebSentinel/internal/utils"
)

// SweepRunner 一次性检查全部活跃监控项
// 供check --all人工巡检使用,顺序执行,结束后输出汇总
type SweepRunner struct {
	engine *Engine
	store  Store

	// sweepDelay 两次检查之间的间隔,给目标站点留喘息时间
	sweepDelay time.Duration
	// continueOnErr 单项持久化失败后是否继续后面的监控项
	continueOnErr bool
	// showProgress 是否渲染终端进度条
	showProgress bool
}

// NewSweepRunner 创建全量检查执行器
func NewSweepRunner(engine *Engine, store Store, sweepDelay time.Duration, continueOnErr bool) *SweepRunner {
	return &SweepRunner{
		engine:        engine,
		store:         store,
		sweepDelay:    sweepDelay,
		continueOnErr: continueOnErr,
		showProgress:  true,
	}
}

// Sweep 依次检查全部活跃监控项并生成报告
func (sr *SweepRunner) Sweep(ctx context.Context) (*models.SweepReport, error) {
	monitors, err := sr.store.ListMonitors(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("读取监控项列表失败: %w", err)
	}

	report := &models.SweepReport{StartTime: time.Now()}
	if len(monitors) == 0 {
		utils.Warn("没有活跃的监控项")
		sr.finalize(report)
		return report, nil
	}

	utils.Infof("🚀 开始全量检查, 共 %d 个监控项", len(monitors))

	var bar *progressbar.ProgressBar
	if sr.showProgress {
		bar = utils.NewProgressBar(len(monitors), "检查监控项")
	}

	for i, monitor := range monitors {
		select {
		case <-ctx.Done():
			utils.Warnf("全量检查被中断, 已完成 %d/%d", i, len(monitors))
			sr.finalize(report)
			return report, ctx.Err()
		default:
		}

		utils.Infof("==================== [%d/%d] %s ====================",
			i+1, len(monitors), monitor.URL)

		start := time.Now()
		outcome, checkErr := sr.engine.CheckMonitor(ctx, monitor)

		result := models.SweepResult{
			MonitorID:  monitor.ID,
			URL:        monitor.URL,
			Selector:   monitor.Selector,
			DurationMs: time.Since(start).Milliseconds(),
		}
		if outcome != nil {
			result.Status = outcome.Status
			result.Changed = outcome.Changed
			result.Value = outcome.CurrentValue
			result.Error = outcome.Error
		}
		if checkErr != nil {
			utils.Errorf("结果持久化失败 [%s]: %v", monitor.ID, checkErr)
			if result.Error == nil {
				msg := checkErr.Error()
				result.Status = models.StatusError
				result.Error = &msg
			}
			if !sr.continueOnErr {
				report.Add(result)
				sr.finalize(report)
				return report, checkErr
			}
		}
		report.Add(result)

		if bar != nil {
			_ = bar.Add(1)
		}
		if sr.sweepDelay > 0 && i < len(monitors)-1 {
			select {
			case <-time.After(sr.sweepDelay):
			case <-ctx.Done():
			}
		}
	}

	sr.finalize(report)
	sr.printSummary(report)
	return report, nil
}

// finalize 补齐报告的结束时间与总耗时
func (sr *SweepRunner) finalize(report *models.SweepReport) {
	report.EndTime = time.Now()
	report.Summary.Duration = report.EndTime.Sub(report.StartTime).Seconds()
}

// printSummary 输出汇总信息
func (sr *SweepRunner) printSummary(report *models.SweepReport) {
	s := report.Summary
	utils.Info("")
	utils.Info("📊 ==================== 检查汇总 ====================")
	utils.Infof("📦 总计: %d", s.Total)
	utils.Infof("✅ 成功: %d (其中 %d 项有变化)", s.OK, s.Changed)
	if s.Blocked > 0 {
		utils.Infof("🛡️ 被拦截: %d", s.Blocked)
	}
	if s.SelectorMissing > 0 {
		utils.Infof("🔍 选择器失效: %d", s.SelectorMissing)
	}
	if s.Errors > 0 {
		utils.Infof("❌ 错误: %d", s.Errors)
	}
	utils.Infof("⏱️ 总耗时: %.2f秒", s.Duration)

	// 列出未成功的监控项,方便直接排查
	for _, r := range report.Results {
		if r.Status == models.StatusOK {
			continue
		}
		errText := ""
		if r.Error != nil {
			errText = *r.Error
		}
		utils.Warnf("  - [%s] %s: %s", r.Status, r.URL, errText)
	}
	utils.Info("====================================================")
}

// WriteReport 把报告写入JSON文件
func (sr *SweepRunner) WriteReport(report *models.SweepReport, path string) error {
	data, err := report.ToJSON()
	if err != nil {
		return fmt.Errorf("序列化报告失败: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("写入报告失败: %w", err)
	}
	utils.Infof("📄 检查报告已写入 %s", path)
	return nil
}
