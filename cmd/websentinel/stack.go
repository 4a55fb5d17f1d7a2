package main

import (
	"fmt"
	"time"

	"github.com/RecoveryAshes/WebSentinel/internal/core"
	"github.com/RecoveryAshes/WebSentinel/internal/notify"
	"github.com/RecoveryAshes/WebSentinel/internal/render"
	"github.com/RecoveryAshes/WebSentinel/internal/scraper"
	"github.com/RecoveryAshes/WebSentinel/internal/utils"
)

// engineBackend 检查引擎依赖的存储能力: 监控项持久化加渲染用量统计
type engineBackend interface {
	core.Store
	render.UsageCounter
}

// buildEngine 按配置装配一台完整的检查引擎。
// 渲染客户端单独返回,调用方负责在退出前Close释放浏览器连接
func buildEngine(cfg *core.Config, backend engineBackend, telemetry core.TelemetryRecorder) (*core.Engine, *render.Client, error) {
	fetcher, err := scraper.NewFetcher(cfg.FetchOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("创建抓取器失败: %w", err)
	}

	renderClient := render.NewClient(cfg.RenderOptions())
	if renderClient.Enabled() {
		utils.Infof("🌐 远程渲染已启用: %s", cfg.Render.WSURL)
	} else {
		utils.Info("🌐 远程渲染未配置, 只做静态抓取")
	}

	engine, err := core.NewEngine(core.EngineOptions{
		Fetcher:    fetcher,
		Store:      backend,
		Renderer:   core.NewRodRenderer(renderClient),
		Gate:       render.NewCapacityGate(cfg.CapacityOptions(), backend),
		Notifier:   buildNotifier(cfg),
		Telemetry:  telemetry,
		Thresholds: cfg.Pause,
	})
	if err != nil {
		renderClient.Close()
		return nil, nil, fmt.Errorf("装配检查引擎失败: %w", err)
	}
	return engine, renderClient, nil
}

// buildNotifier Webhook地址配置了就外发,否则只写日志
func buildNotifier(cfg *core.Config) core.Notifier {
	if cfg.Notify.WebhookURL == "" {
		return notify.LogNotifier{}
	}
	timeout := time.Duration(cfg.Notify.TimeoutSeconds) * time.Second
	utils.Infof("📧 Webhook通知已启用: %s", cfg.Notify.WebhookURL)
	return notify.NewWebhookNotifier(cfg.Notify.WebhookURL, timeout)
}
