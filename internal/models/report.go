package models

import (
	"encoding/json"
	"time"
)

// SweepResult 一次性全量检查中单个监控项的结果
type SweepResult struct {
	MonitorID  string  `json:"monitor_id"`
	URL        string  `json:"url"`
	Selector   string  `json:"selector"`
	Status     Status  `json:"status"`
	Changed    bool    `json:"changed"`
	Value      *string `json:"value,omitempty"`
	Error      *string `json:"error,omitempty"`
	DurationMs int64   `json:"duration_ms"`
}

// SweepSummary 全量检查汇总
type SweepSummary struct {
	Total           int     `json:"total"`            // 检查总数
	OK              int     `json:"ok"`               // 成功数
	Changed         int     `json:"changed"`          // 检出变化数
	Blocked         int     `json:"blocked"`          // 被拦截数
	SelectorMissing int     `json:"selector_missing"` // 选择器失效数
	Errors          int     `json:"errors"`           // 错误数
	Duration        float64 `json:"duration"`         // 总耗时(秒)
}

// SweepReport 全量检查报告
type SweepReport struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Summary   SweepSummary  `json:"summary"`
	Results   []SweepResult `json:"results"`
}

// Add 记录一条结果并更新汇总
func (r *SweepReport) Add(res SweepResult) {
	r.Results = append(r.Results, res)
	r.Summary.Total++
	switch res.Status {
	case StatusOK:
		r.Summary.OK++
	case StatusBlocked:
		r.Summary.Blocked++
	case StatusSelectorMissing:
		r.Summary.SelectorMissing++
	case StatusError:
		r.Summary.Errors++
	}
	if res.Changed {
		r.Summary.Changed++
	}
}

// ToJSON 序列化为JSON
func (r *SweepReport) ToJSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// FromJSON 从JSON反序列化
func (r *SweepReport) FromJSON(data []byte) error {
	return json.Unmarshal(data, r)
}
