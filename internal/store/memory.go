package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/RecoveryAshes/WebSentinel/internal/models"
)

// MemoryStore 内存存储
//
// 供--url一次性检查和测试使用,语义与SQLiteStore保持一致:
// UpdateMonitor的递增与暂停翻转在锁内一次完成,返回更新后的快照
type MemoryStore struct {
	mu       sync.RWMutex
	monitors map[string]*models.Monitor
	users    map[string]models.Tier
	records  []*models.ChangeRecord
	usages   []models.RenderUsage
	events   []models.CheckEvent
}

// NewMemoryStore 创建空的内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		monitors: make(map[string]*models.Monitor),
		users:    make(map[string]models.Tier),
	}
}

// UpsertUser 写入或更新用户套餐
func (s *MemoryStore) UpsertUser(_ context.Context, userID string, tier models.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = models.ParseTier(string(tier))
	return nil
}

// GetUserTier 查询用户套餐,无记录的用户按free处理
func (s *MemoryStore) GetUserTier(_ context.Context, userID string) (models.Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if tier, ok := s.users[userID]; ok {
		return tier, nil
	}
	return models.TierFree, nil
}

// CreateMonitor 写入新监控项
func (s *MemoryStore) CreateMonitor(_ context.Context, m *models.Monitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.monitors[m.ID]; exists {
		return fmt.Errorf("监控项已存在: %s", m.ID)
	}
	if _, ok := s.users[m.UserID]; !ok {
		s.users[m.UserID] = models.ParseTier(string(m.Tier))
	}
	clone := *m
	s.monitors[m.ID] = &clone
	return nil
}

// GetMonitor 按ID读取监控项
func (s *MemoryStore) GetMonitor(_ context.Context, id string) (*models.Monitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.monitors[id]
	if !ok {
		return nil, fmt.Errorf("监控项不存在: %s", id)
	}
	return s.snapshot(m), nil
}

// ListMonitors 按创建时间列出监控项
func (s *MemoryStore) ListMonitors(_ context.Context, activeOnly bool) ([]*models.Monitor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Monitor
	for _, m := range s.monitors {
		if activeOnly && !m.Active {
			continue
		}
		out = append(out, s.snapshot(m))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// UpdateMonitor 在锁内应用部分更新,语义与SQLite版一致。
// 行不存在时返回 (nil, nil)
func (s *MemoryStore) UpdateMonitor(_ context.Context, id string, update *models.MonitorUpdate) (*models.Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.monitors[id]
	if !ok {
		return nil, nil
	}

	switch update.FailureMode {
	case models.FailureIncrement:
		m.ConsecutiveFailures++
		if update.PauseThreshold > 0 && m.ConsecutiveFailures >= update.PauseThreshold {
			m.Active = false
			if update.PauseMessage != nil {
				msg := *update.PauseMessage
				m.PauseReason = &msg
			}
		}
	case models.FailureReset:
		m.ConsecutiveFailures = 0
	}

	if update.Selector != nil {
		m.Selector = *update.Selector
	}
	if update.CurrentValue != nil {
		v := *update.CurrentValue
		m.CurrentValue = &v
	}
	if update.LastChecked != nil {
		t := *update.LastChecked
		m.LastChecked = &t
	}
	if update.LastChanged != nil {
		t := *update.LastChanged
		m.LastChanged = &t
	}
	if update.LastStatus != nil {
		m.LastStatus = *update.LastStatus
	}
	if update.LastError != nil {
		v := *update.LastError
		m.LastError = &v
	}
	if update.ClearError {
		m.LastError = nil
	}
	if update.Active != nil {
		m.Active = *update.Active
	}
	if update.PauseReason != nil {
		v := *update.PauseReason
		m.PauseReason = &v
	}

	return s.snapshot(m), nil
}

// AddChangeRecord 追加一条值变化记录
func (s *MemoryStore) AddChangeRecord(_ context.Context, record *models.ChangeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *record
	s.records = append(s.records, &clone)
	return nil
}

// ListChangeRecords 按时间倒序列出变化记录,limit不大于0时取50
func (s *MemoryStore) ListChangeRecords(_ context.Context, monitorID string, limit int) ([]*models.ChangeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ChangeRecord
	for _, r := range s.records {
		if r.MonitorID != monitorID {
			continue
		}
		clone := *r
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AddRenderUsage 批量记录渲染用量
func (s *MemoryStore) AddRenderUsage(_ context.Context, usages []models.RenderUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usages = append(s.usages, usages...)
	return nil
}

// AddCheckEvents 批量记录检查事件
func (s *MemoryStore) AddCheckEvents(_ context.Context, events []models.CheckEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

// CountRenderUsageSince 统计用户自since起的渲染会话数
func (s *MemoryStore) CountRenderUsageSince(_ context.Context, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, u := range s.usages {
		if u.UserID == userID && !u.At.Before(since) {
			count++
		}
	}
	return count, nil
}

// PruneTelemetry 删除cutoff之前的遥测行,返回删除总数
func (s *MemoryStore) PruneTelemetry(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int64
	keptUsages := s.usages[:0]
	for _, u := range s.usages {
		if u.At.Before(cutoff) {
			pruned++
			continue
		}
		keptUsages = append(keptUsages, u)
	}
	s.usages = keptUsages

	keptEvents := s.events[:0]
	for _, e := range s.events {
		if e.At.Before(cutoff) {
			pruned++
			continue
		}
		keptEvents = append(keptEvents, e)
	}
	s.events = keptEvents

	return pruned, nil
}

// snapshot 深拷贝一行并补齐套餐,调用方改返回值不影响库内状态
func (s *MemoryStore) snapshot(m *models.Monitor) *models.Monitor {
	clone := *m
	if tier, ok := s.users[m.UserID]; ok {
		clone.Tier = tier
	} else {
		clone.Tier = models.TierFree
	}
	if m.CurrentValue != nil {
		v := *m.CurrentValue
		clone.CurrentValue = &v
	}
	if m.LastChecked != nil {
		t := *m.LastChecked
		clone.LastChecked = &t
	}
	if m.LastChanged != nil {
		t := *m.LastChanged
		clone.LastChanged = &t
	}
	if m.LastError != nil {
		v := *m.LastError
		clone.LastError = &v
	}
	if m.PauseReason != nil {
		v := *m.PauseReason
		clone.PauseReason = &v
	}
	return &clone
}
