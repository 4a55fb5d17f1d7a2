package render

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RecoveryAshes/WebSentinel/internal/models"
	"github.com/RecoveryAshes/WebSentinel/internal/utils"
	"github.com/shirou/gopsutil/v3/mem"
)

// UsageCounter 报告用户自某时刻起的渲染会话数
type UsageCounter interface {
	CountRenderUsageSince(ctx context.Context, userID string, since time.Time) (int, error)
}

// CapacityConfig 渲染容量配置
type CapacityConfig struct {
	FreeQuota  int // free套餐每月渲染次数 (默认:50)
	ProQuota   int // pro套餐每月渲染次数 (默认:500)
	PowerQuota int // power套餐每月渲染次数 (默认:2000)

	// MinAvailableMemory 系统可用内存地板(字节),低于该值拒绝渲染
	// 置0关闭内存检查 (默认:256MB)
	MinAvailableMemory uint64
}

// DefaultCapacityConfig 默认容量配置
func DefaultCapacityConfig() CapacityConfig {
	return CapacityConfig{
		FreeQuota:          50,
		ProQuota:           500,
		PowerQuota:         2000,
		MinAvailableMemory: 256 * 1024 * 1024,
	}
}

// CapacityGate 渲染准入闸门
// 渲染是最贵的阶段,入口处同时卡两道: 宿主机内存余量和用户月度配额。
// 配额按自然月(UTC)从每月1日零点起算
type CapacityGate struct {
	config CapacityConfig
	usage  UsageCounter

	// 内存采样结果缓存1秒,避免每次检查都打系统调用
	memMu        sync.Mutex
	memOK        bool
	memReason    string
	memCheckedAt time.Time
}

// NewCapacityGate 创建准入闸门
func NewCapacityGate(config CapacityConfig, usage UsageCounter) *CapacityGate {
	if config.FreeQuota <= 0 {
		config.FreeQuota = 50
	}
	if config.ProQuota <= 0 {
		config.ProQuota = 500
	}
	if config.PowerQuota <= 0 {
		config.PowerQuota = 2000
	}
	return &CapacityGate{config: config, usage: usage}
}

// QuotaFor 套餐对应的月度渲染配额
func (g *CapacityGate) QuotaFor(tier models.Tier) int {
	switch tier {
	case models.TierPower:
		return g.config.PowerQuota
	case models.TierPro:
		return g.config.ProQuota
	default:
		return g.config.FreeQuota
	}
}

// CanRender 判断当前是否允许为该用户启动渲染会话
// 返回不允许时的原因。用量计数不可用时放行并告警,
// 配额是成本防线不是正确性防线,统计故障不应拖垮检查
func (g *CapacityGate) CanRender(ctx context.Context, userID string, tier models.Tier) (bool, string) {
	if ok, reason := g.memoryHeadroom(); !ok {
		return false, reason
	}

	if g.usage == nil {
		return true, ""
	}

	quota := g.QuotaFor(tier)
	used, err := g.usage.CountRenderUsageSince(ctx, userID, monthStart(time.Now().UTC()))
	if err != nil {
		utils.Warnf("读取渲染用量失败 [用户=%s]: %v", userID, err)
		return true, ""
	}
	if used >= quota {
		return false, fmt.Sprintf("渲染配额已用尽 (%d/%d)", used, quota)
	}
	return true, ""
}

// memoryHeadroom 检查宿主机可用内存是否高于地板
func (g *CapacityGate) memoryHeadroom() (bool, string) {
	if g.config.MinAvailableMemory == 0 {
		return true, ""
	}

	g.memMu.Lock()
	defer g.memMu.Unlock()

	if time.Since(g.memCheckedAt) < time.Second {
		return g.memOK, g.memReason
	}

	g.memOK, g.memReason = true, ""
	g.memCheckedAt = time.Now()

	vmStat, err := mem.VirtualMemory()
	if err != nil {
		utils.Warnf("获取系统内存失败: %v", err)
		return true, ""
	}
	if vmStat.Available < g.config.MinAvailableMemory {
		g.memOK = false
		g.memReason = fmt.Sprintf("系统可用内存不足 (%dMB)", vmStat.Available/(1024*1024))
		utils.Warnf("可用内存低于地板,渲染受限: %s", g.memReason)
	}
	return g.memOK, g.memReason
}

// monthStart 所在自然月的起点
func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}
