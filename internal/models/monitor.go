package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status 检查状态
type Status string

const (
	StatusOK              Status = "ok"               // 成功提取到值
	StatusBlocked         Status = "blocked"          // 被反爬/验证页拦截
	StatusSelectorMissing Status = "selector_missing" // 选择器未命中
	StatusError           Status = "error"            // 抓取或基础设施错误
)

// Frequency 监控频率
type Frequency string

const (
	FrequencyHourly Frequency = "hourly" // 每小时
	FrequencyDaily  Frequency = "daily"  // 每天
)

// Interval 返回该频率对应的最小检查间隔
func (f Frequency) Interval() time.Duration {
	if f == FrequencyDaily {
		return 24 * time.Hour
	}
	return time.Hour
}

// Tier 用户套餐等级
type Tier string

const (
	TierFree  Tier = "free"
	TierPro   Tier = "pro"
	TierPower Tier = "power"
)

// ParseTier 解析套餐等级,未知值回落到free
func ParseTier(s string) Tier {
	switch Tier(s) {
	case TierPro:
		return TierPro
	case TierPower:
		return TierPower
	default:
		return TierFree
	}
}

// Monitor 页面值监控项
type Monitor struct {
	// 基本信息
	ID        string    `json:"id"`         // 唯一ID (UUID)
	UserID    string    `json:"user_id"`    // 所属用户
	Tier      Tier      `json:"tier"`       // 用户套餐,决定暂停阈值与渲染配额
	URL       string    `json:"url"`        // 目标页面URL
	Selector  string    `json:"selector"`   // CSS选择器
	Frequency Frequency `json:"frequency"`  // 检查频率
	CreatedAt time.Time `json:"created_at"` // 创建时间

	// 检查状态
	CurrentValue *string    `json:"current_value,omitempty"` // 最近一次接受的提取值
	LastChecked  *time.Time `json:"last_checked,omitempty"`  // 最近检查时间
	LastChanged  *time.Time `json:"last_changed,omitempty"`  // 最近变化时间
	LastStatus   Status     `json:"last_status,omitempty"`   // 最近检查状态
	LastError    *string    `json:"last_error,omitempty"`    // 最近错误(<=200字符)

	// 生命周期
	Active              bool    `json:"active"`                 // 是否参与调度
	EmailEnabled        bool    `json:"email_enabled"`          // 是否发送变化通知
	ConsecutiveFailures int     `json:"consecutive_failures"`   // 连续失败计数
	PauseReason         *string `json:"pause_reason,omitempty"` // 自动暂停原因
}

// NewMonitor 创建新监控项
func NewMonitor(userID, targetURL, selector string, freq Frequency) (*Monitor, error) {
	if err := ValidateURL(targetURL); err != nil {
		return nil, err
	}
	if selector == "" {
		return nil, fmt.Errorf("选择器不能为空")
	}
	if freq != FrequencyHourly && freq != FrequencyDaily {
		return nil, fmt.Errorf("频率必须是hourly或daily")
	}

	return &Monitor{
		ID:           generateID(),
		UserID:       userID,
		Tier:         TierFree,
		URL:          targetURL,
		Selector:     selector,
		Frequency:    freq,
		CreatedAt:    time.Now(),
		Active:       true,
		EmailEnabled: true,
	}, nil
}

// IsDue 判断该监控项在now时刻是否到期
// 从未检查过的监控项立即到期
func (m *Monitor) IsDue(now time.Time) bool {
	if m.LastChecked == nil {
		return true
	}
	return now.Sub(*m.LastChecked) >= m.Frequency.Interval()
}

// ToJSON 序列化为JSON
func (m *Monitor) ToJSON() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// FailureMode 失败计数的更新方式
type FailureMode int

const (
	FailureNone      FailureMode = iota // 不动计数
	FailureIncrement                    // 原子加一
	FailureReset                        // 归零
)

// MonitorUpdate 检查结束后提交给存储层的部分更新
// 所有指针字段为nil表示不修改该列
// FailureMode与状态写入必须在同一条更新语句内生效,
// 两个并发检查不能丢失一次递增或一次归零
type MonitorUpdate struct {
	Selector     *string    `json:"selector,omitempty"`
	CurrentValue *string    `json:"current_value,omitempty"`
	LastChecked  *time.Time `json:"last_checked,omitempty"`
	LastChanged  *time.Time `json:"last_changed,omitempty"`
	LastStatus   *Status    `json:"last_status,omitempty"`
	LastError    *string    `json:"last_error,omitempty"`
	ClearError   bool       `json:"clear_error,omitempty"` // 置空last_error
	Active       *bool      `json:"active,omitempty"`
	PauseReason  *string    `json:"pause_reason,omitempty"`

	FailureMode FailureMode `json:"failure_mode,omitempty"`
	// PauseThreshold 大于0时,递增后计数达到该值的同一条更新
	// 顺带把active置false并写入pause_reason
	PauseThreshold int     `json:"pause_threshold,omitempty"`
	PauseMessage   *string `json:"pause_message,omitempty"`
}

// ChangeRecord 值变化记录,只追加不修改
type ChangeRecord struct {
	ID         string    `json:"id"`
	MonitorID  string    `json:"monitor_id"`
	OldValue   *string   `json:"old_value,omitempty"` // nil表示首次取值
	NewValue   string    `json:"new_value"`
	DetectedAt time.Time `json:"detected_at"`
}

// NewChangeRecord 创建变化记录
func NewChangeRecord(monitorID string, oldValue *string, newValue string) *ChangeRecord {
	return &ChangeRecord{
		ID:         generateID(),
		MonitorID:  monitorID,
		OldValue:   oldValue,
		NewValue:   newValue,
		DetectedAt: time.Now(),
	}
}

// CheckOutcome 单次检查的最终结论,引擎与调用方之间的契约
// CurrentValue 仅在Status==ok时非nil
type CheckOutcome struct {
	Changed       bool    `json:"changed"`
	CurrentValue  *string `json:"current_value,omitempty"`
	PreviousValue *string `json:"previous_value,omitempty"`
	Status        Status  `json:"status"`
	Error         *string `json:"error,omitempty"`
}

// SelectorSuggestion 自愈扫描产出的候选选择器
type SelectorSuggestion struct {
	Selector   string `json:"selector"`
	MatchCount int    `json:"match_count"` // 该选择器在渲染DOM中的命中数
	SampleText string `json:"sample_text"` // 扫描时采集的样本文本(可能被截断)
}

// ElementCandidate 渲染DOM扫描采集到的可见元素样本
type ElementCandidate struct {
	Selector string `json:"selector"` // 按稳定性优先级生成的选择器
	Text     string `json:"text"`     // 元素可见文本(截断后)
}

// RenderUsage 渲染会话用量记录
type RenderUsage struct {
	UserID     string    `json:"user_id"`
	MonitorID  string    `json:"monitor_id"`
	DurationMs int64     `json:"duration_ms"`
	Success    bool      `json:"success"`
	At         time.Time `json:"at"`
}

// CheckEvent 单次检查的遥测事件
type CheckEvent struct {
	MonitorID  string    `json:"monitor_id"`
	Status     Status    `json:"status"`
	DurationMs int64     `json:"duration_ms"`
	At         time.Time `json:"at"`
}
