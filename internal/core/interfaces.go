package core

import (
	"context"
	"time"

	"github.com/RecoveryAshes/WebSentinel/internal/models"
	"github.com/RecoveryAshes/WebSentinel/internal/render"
	"github.com/RecoveryAshes/WebSentinel/internal/scraper"
)

// Store 监控项与检查记录的持久化接口
type Store interface {
	// CreateMonitor 新建监控项
	CreateMonitor(ctx context.Context, monitor *models.Monitor) error

	// GetMonitor 按ID读取监控项,不存在时返回错误
	GetMonitor(ctx context.Context, id string) (*models.Monitor, error)

	// ListMonitors 列出监控项,activeOnly为true时只返回未暂停的
	ListMonitors(ctx context.Context, activeOnly bool) ([]*models.Monitor, error)

	// GetUserTier 查询用户套餐,未知用户返回free
	GetUserTier(ctx context.Context, userID string) (models.Tier, error)

	// UpdateMonitor 原子应用一次检查结果并返回更新后的监控项。
	// 行已不存在或驱动不支持回读时返回 (nil, nil),调用方自行兜底。
	UpdateMonitor(ctx context.Context, id string, update *models.MonitorUpdate) (*models.Monitor, error)

	// AddChangeRecord 追加一条值变化记录
	AddChangeRecord(ctx context.Context, record *models.ChangeRecord) error

	// ListChangeRecords 按时间倒序返回监控项的变化历史
	ListChangeRecords(ctx context.Context, monitorID string, limit int) ([]*models.ChangeRecord, error)

	// PruneTelemetry 删除cutoff之前的遥测记录,返回删除行数
	PruneTelemetry(ctx context.Context, cutoff time.Time) (int64, error)
}

// Notifier 检查结果的外发通知接口
type Notifier interface {
	// NotifyChange 值发生变化时通知用户
	NotifyChange(ctx context.Context, monitor *models.Monitor, record *models.ChangeRecord) error

	// NotifyPaused 连续失败达到阈值、监控项被自动暂停时通知用户。
	// lastError 已截断到200字符
	NotifyPaused(ctx context.Context, monitor *models.Monitor, failCount int, lastError string) error
}

// TelemetryRecorder 遥测记录接口,实现必须非阻塞
type TelemetryRecorder interface {
	RecordCheck(event models.CheckEvent)
	RecordRenderUsage(usage models.RenderUsage)
}

// Fetcher 静态HTML抓取接口
type Fetcher interface {
	Fetch(ctx context.Context, targetURL string) (*scraper.FetchResult, error)
}

// RenderSession 一次渲染会话,暴露自愈所需的DOM访问能力
type RenderSession interface {
	HTML(ctx context.Context) (string, error)
	PageTitle(ctx context.Context) (string, error)
	CountMatches(ctx context.Context, selector string) (int, error)
	ScanVisibleElements(ctx context.Context) ([]models.ElementCandidate, error)
	Close()
}

// Renderer 远程浏览器渲染接口
type Renderer interface {
	// Enabled 渲染服务是否已配置
	Enabled() bool

	// OpenSession 打开页面并等待渲染稳定
	OpenSession(ctx context.Context, targetURL string) (RenderSession, error)
}

// CapacityGate 渲染容量闸门,按配额与系统资源决定是否放行
type CapacityGate interface {
	CanRender(ctx context.Context, userID string, tier models.Tier) (bool, string)
}

// rodRenderer 把render.Client适配成Renderer接口
type rodRenderer struct {
	client *render.Client
}

// NewRodRenderer 包装远程浏览器客户端供检查引擎使用
func NewRodRenderer(client *render.Client) Renderer {
	return &rodRenderer{client: client}
}

func (r *rodRenderer) Enabled() bool {
	return r.client != nil && r.client.Enabled()
}

func (r *rodRenderer) OpenSession(ctx context.Context, targetURL string) (RenderSession, error) {
	session, err := r.client.OpenSession(ctx, targetURL)
	if err != nil {
		return nil, err
	}
	return session, nil
}
