package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/RecoveryAshes/WebSentinel/internal/heal"
	"github.com/RecoveryAshes/WebSentinel/internal/models"
	"github.com/RecoveryAshes/WebSentinel/internal/render"
	"github.com/RecoveryAshes/WebSentinel/internal/scraper"
	"github.com/RecoveryAshes/WebSentinel/internal/utils"
)

// missingSelectorMessage 选择器未命中时入库的错误信息
const missingSelectorMessage = "Selector not found"

// Engine 单监控项的多阶段检查引擎
//
// 阶段顺序: 静态抓取 → 远程渲染 → 选择器自愈,
// 任一阶段提取到值即收尾。检查本身的失败全部折叠进
// CheckOutcome,不会作为error冒给调用方
type Engine struct {
	fetcher   Fetcher
	renderer  Renderer
	gate      CapacityGate
	healer    *heal.Healer
	store     Store
	notifier  Notifier
	telemetry TelemetryRecorder
	tracker   *FailureTracker
}

// EngineOptions 检查引擎的装配参数
type EngineOptions struct {
	Fetcher    Fetcher           // 必填
	Store      Store             // 必填
	Renderer   Renderer          // nil表示未配置渲染后端
	Gate       CapacityGate      // nil表示不设容量限制
	Notifier   Notifier          // nil表示不发通知
	Telemetry  TelemetryRecorder // nil表示不记遥测
	Thresholds PauseThresholds
}

// NewEngine 装配检查引擎
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Fetcher == nil {
		return nil, fmt.Errorf("fetcher不能为空")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store不能为空")
	}
	return &Engine{
		fetcher:   opts.Fetcher,
		renderer:  opts.Renderer,
		gate:      opts.Gate,
		healer:    heal.NewHealer(),
		store:     opts.Store,
		notifier:  opts.Notifier,
		telemetry: opts.Telemetry,
		tracker:   NewFailureTracker(opts.Thresholds, opts.Store, opts.Notifier),
	}, nil
}

// pipelineResult 三个阶段跑完后的中间结论
type pipelineResult struct {
	status      models.Status
	value       *string // 仅status==ok时非nil
	newSelector string  // 自愈成功换上的新选择器
	errMsg      string  // 非ok状态的用户可见错误信息
	infra       bool    // 渲染基础设施故障,不计入失败计数
}

// CheckMonitor 执行一次完整检查并持久化结果。
// 返回的error只代表持久化失败,检查自身的失败都体现在outcome里
func (e *Engine) CheckMonitor(ctx context.Context, monitor *models.Monitor) (*models.CheckOutcome, error) {
	start := time.Now()
	utils.Infof("🔍 开始检查 [%s] %s", monitor.ID, monitor.URL)

	res := e.runPipeline(ctx, monitor)
	outcome, err := e.persistResult(ctx, monitor, res)

	if e.telemetry != nil {
		e.telemetry.RecordCheck(models.CheckEvent{
			MonitorID:  monitor.ID,
			Status:     outcome.Status,
			DurationMs: time.Since(start).Milliseconds(),
			At:         time.Now(),
		})
	}

	elapsed := time.Since(start).Round(time.Millisecond)
	if outcome.Status == models.StatusOK {
		utils.Infof("✅ 检查完成 [%s] 状态=%s 变化=%v 耗时=%v",
			monitor.ID, outcome.Status, outcome.Changed, elapsed)
	} else {
		utils.Warnf("❌ 检查完成 [%s] 状态=%s 错误=%q 耗时=%v",
			monitor.ID, outcome.Status, res.errMsg, elapsed)
	}
	return outcome, err
}

// runPipeline 依次执行静态、渲染、自愈三个阶段
// 顶层recover保证任何panic都折叠成error状态而不是炸掉调度器
func (e *Engine) runPipeline(ctx context.Context, monitor *models.Monitor) (res pipelineResult) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprint(r)
			if msg == "" {
				msg = "Unknown error"
			}
			utils.Errorf("💥 检查流程panic [%s]: %v", monitor.ID, r)
			res = pipelineResult{status: models.StatusError, errMsg: msg}
		}
	}()

	// 阶段一: 静态抓取 + 拦截识别 + 提取
	var (
		staticHTML  string
		staticBlock string
	)
	fetchRes, fetchErr := e.fetcher.Fetch(ctx, monitor.URL)
	if fetchErr != nil {
		utils.Debugf("静态抓取失败 [%s]: %v", monitor.ID, fetchErr)
	} else {
		staticHTML = fetchRes.HTML
		if block := scraper.DetectPageBlockReason(staticHTML); block.Blocked {
			staticBlock = block.Reason
			utils.Debugf("🛡️ 静态页面被拦截 [%s]: %s", monitor.ID, block.Reason)
		} else if v := scraper.ExtractValueFromHTML(staticHTML, monitor.Selector); v != nil {
			return pipelineResult{status: models.StatusOK, value: v}
		}
	}

	// 阶段二: 远程渲染
	if e.renderer == nil || !e.renderer.Enabled() {
		return staticVerdict(fetchErr, staticBlock)
	}
	if e.gate != nil {
		if allowed, reason := e.gate.CanRender(ctx, monitor.UserID, monitor.Tier); !allowed {
			utils.Warnf("🚧 渲染被容量闸门拒绝 [%s]: %s", monitor.ID, reason)
			return staticVerdict(fetchErr, staticBlock)
		}
	}

	renderStart := time.Now()
	session, renderErr := e.openSessionWithRetry(ctx, monitor.URL)
	e.recordRenderUsage(monitor, renderStart, renderErr == nil)

	if renderErr != nil {
		if render.Classify(renderErr) == render.FailureInfrastructure {
			// 渲染后端自身不可用,与监控项无关,不重试也不计入失败
			utils.Errorf("🔌 渲染服务不可用 [%s]: %v", monitor.ID, renderErr)
			return pipelineResult{
				status: models.StatusError,
				errMsg: render.ErrServiceUnavailable.Error(),
				infra:  true,
			}
		}
		utils.Warnf("渲染阶段失败 [%s]: %v", monitor.ID, renderErr)
	} else {
		defer session.Close()
	}

	var (
		renderedHTML  string
		renderedBlock string
	)
	if renderErr == nil {
		html, err := session.HTML(ctx)
		if err != nil {
			utils.Warnf("读取渲染文档失败 [%s]: %v", monitor.ID, err)
		} else {
			renderedHTML = html
			if block := scraper.DetectPageBlockReason(renderedHTML); block.Blocked {
				renderedBlock = block.Reason
				utils.Debugf("🛡️ 渲染页面被拦截 [%s]: %s", monitor.ID, block.Reason)
			} else if v := scraper.ExtractValueFromHTML(renderedHTML, monitor.Selector); v != nil {
				return pipelineResult{status: models.StatusOK, value: v}
			}
		}
	}

	// 渲染页的拦截结论比静态页新鲜,优先采信
	if renderedBlock != "" {
		return pipelineResult{status: models.StatusBlocked, errMsg: renderedBlock}
	}
	if staticBlock != "" {
		return pipelineResult{status: models.StatusBlocked, errMsg: staticBlock}
	}
	if fetchErr != nil && renderedHTML == "" {
		// 两个阶段都没拿到文档
		return pipelineResult{status: models.StatusError, errMsg: fetchErr.Error()}
	}

	// 阶段三: 选择器自愈
	return e.attemptHeal(ctx, monitor, session, staticHTML, renderedHTML)
}

// staticVerdict 渲染不可用时以静态阶段的结论收尾
func staticVerdict(fetchErr error, blockReason string) pipelineResult {
	if blockReason != "" {
		return pipelineResult{status: models.StatusBlocked, errMsg: blockReason}
	}
	if fetchErr != nil {
		return pipelineResult{status: models.StatusError, errMsg: fetchErr.Error()}
	}
	return pipelineResult{status: models.StatusSelectorMissing, errMsg: missingSelectorMessage}
}

// openSessionWithRetry 打开渲染会话,瞬时失败重试一次,
// 基础设施失败直接放弃
func (e *Engine) openSessionWithRetry(ctx context.Context, targetURL string) (RenderSession, error) {
	session, err := e.renderer.OpenSession(ctx, targetURL)
	if err == nil {
		return session, nil
	}
	if !render.Classify(err).Retryable() {
		return nil, err
	}
	utils.Debugf("🔁 渲染瞬时失败,重试一次: %v", err)
	return e.renderer.OpenSession(ctx, targetURL)
}

// attemptHeal 选择器自愈,只在有历史值时尝试
// 渲染阶段没留下会话时补开一次(不再重试),失败则照常按未命中收尾
func (e *Engine) attemptHeal(ctx context.Context, monitor *models.Monitor, session RenderSession, staticHTML, renderedHTML string) pipelineResult {
	missed := pipelineResult{status: models.StatusSelectorMissing, errMsg: missingSelectorMessage}

	if monitor.CurrentValue == nil || *monitor.CurrentValue == "" {
		return missed
	}

	if session == nil {
		healStart := time.Now()
		s, err := e.renderer.OpenSession(ctx, monitor.URL)
		e.recordRenderUsage(monitor, healStart, err == nil)
		if err != nil {
			utils.Debugf("自愈补开会话失败 [%s]: %v", monitor.ID, err)
			missed.errMsg = healFailureMessage(missed.errMsg, err)
			return missed
		}
		session = s
		defer session.Close()
	}

	outcome, err := e.healer.Heal(ctx, session, staticHTML, renderedHTML, *monitor.CurrentValue)
	if err != nil {
		missed.errMsg = healFailureMessage(missed.errMsg, err)
		return missed
	}
	if outcome.Value == nil {
		missed.errMsg = healFailureMessage(missed.errMsg, heal.ErrNoCandidates)
		return missed
	}

	utils.Infof("🔧 选择器自愈成功 [%s]: %q → %q", monitor.ID, monitor.Selector, outcome.Selector)
	return pipelineResult{
		status:      models.StatusOK,
		value:       outcome.Value,
		newSelector: outcome.Selector,
	}
}

// healFailureMessage 自愈失败时在原错误后追加说明,不整条替换。
// 只有无候选这类可解释的失败才暴露原因
func healFailureMessage(base string, healErr error) string {
	if errors.Is(healErr, heal.ErrNoCandidates) || errors.Is(healErr, heal.ErrNoReference) {
		return base + " (auto-recovery failed: " + healErr.Error() + ")"
	}
	return base + " (auto-recovery failed)"
}

// persistResult 把检查结论写回存储并装配CheckOutcome
// ok时写入新值、清空错误并归零失败计数;其余状态不碰已存值,
// 只更新状态与错误,并把失败计数交给跟踪器(基础设施故障除外)
func (e *Engine) persistResult(ctx context.Context, monitor *models.Monitor, res pipelineResult) (*models.CheckOutcome, error) {
	now := time.Now()
	status := res.status
	outcome := &models.CheckOutcome{
		Status:        status,
		PreviousValue: monitor.CurrentValue,
	}
	update := &models.MonitorUpdate{
		LastChecked: &now,
		LastStatus:  &status,
	}

	if status == models.StatusOK {
		newValue := *res.value
		changed := monitor.CurrentValue == nil || *monitor.CurrentValue != newValue
		outcome.Changed = changed
		outcome.CurrentValue = res.value

		update.CurrentValue = res.value
		update.ClearError = true
		update.FailureMode = models.FailureReset
		if res.newSelector != "" && res.newSelector != monitor.Selector {
			update.Selector = &res.newSelector
		}

		if changed {
			update.LastChanged = &now
			record := models.NewChangeRecord(monitor.ID, monitor.CurrentValue, newValue)
			if err := e.store.AddChangeRecord(ctx, record); err != nil {
				utils.Errorf("写入变化记录失败 [%s]: %v", monitor.ID, err)
			}
			utils.Infof("📈 检测到值变化 [%s]: %s → %q",
				monitor.ID, formatPrior(monitor.CurrentValue), newValue)
			if monitor.EmailEnabled && e.notifier != nil {
				if nerr := e.notifier.NotifyChange(ctx, monitor, record); nerr != nil {
					utils.Warnf("变化通知发送失败 [%s]: %v", monitor.ID, nerr)
				}
			}
		}

		if _, err := e.store.UpdateMonitor(ctx, monitor.ID, update); err != nil {
			return outcome, fmt.Errorf("持久化检查结果: %w", err)
		}
		return outcome, nil
	}

	errMsg := scraper.TruncateErrorMessage(res.errMsg)
	update.LastError = &errMsg
	outcome.Error = &errMsg

	if res.infra {
		update.FailureMode = models.FailureNone
		if _, err := e.store.UpdateMonitor(ctx, monitor.ID, update); err != nil {
			return outcome, fmt.Errorf("持久化检查结果: %w", err)
		}
		return outcome, nil
	}

	if err := e.tracker.RecordFailure(ctx, monitor, update); err != nil {
		return outcome, fmt.Errorf("持久化检查结果: %w", err)
	}
	return outcome, nil
}

// recordRenderUsage 每次渲染尝试结束后记一条用量
func (e *Engine) recordRenderUsage(monitor *models.Monitor, start time.Time, success bool) {
	if e.telemetry == nil {
		return
	}
	e.telemetry.RecordRenderUsage(models.RenderUsage{
		UserID:     monitor.UserID,
		MonitorID:  monitor.ID,
		DurationMs: time.Since(start).Milliseconds(),
		Success:    success,
		At:         time.Now(),
	})
}

func formatPrior(v *string) string {
	if v == nil {
		return "<首次取值>"
	}
	return fmt.Sprintf("%q", *v)
}
