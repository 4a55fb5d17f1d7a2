package core

import (
	"context"
	"fmt"

	"github.com/RecoveryAshes/WebSentinel/internal/models"
	"github.com/RecoveryAshes/WebSentinel/internal/utils"
)

// PauseThresholds 各套餐允许的连续失败次数,达到即自动暂停
type PauseThresholds struct {
	Free  int `mapstructure:"free" json:"free"`
	Pro   int `mapstructure:"pro" json:"pro"`
	Power int `mapstructure:"power" json:"power"`
}

// DefaultPauseThresholds 返回默认阈值
func DefaultPauseThresholds() PauseThresholds {
	return PauseThresholds{
		Free:  5,
		Pro:   10,
		Power: 20,
	}
}

// ForTier 返回套餐对应的阈值,未知套餐按free处理
func (p PauseThresholds) ForTier(tier models.Tier) int {
	switch tier {
	case models.TierPower:
		return p.Power
	case models.TierPro:
		return p.Pro
	default:
		return p.Free
	}
}

// FailureTracker 连续失败计数与自动暂停
//
// 递增与暂停翻转由存储层在同一条更新内原子完成,
// 这里只负责挑选阈值、兜底和发出那条唯一的暂停通知
type FailureTracker struct {
	thresholds PauseThresholds
	store      Store
	notifier   Notifier
}

// NewFailureTracker 创建失败跟踪器,非法阈值回落到默认值
func NewFailureTracker(thresholds PauseThresholds, store Store, notifier Notifier) *FailureTracker {
	def := DefaultPauseThresholds()
	if thresholds.Free <= 0 {
		thresholds.Free = def.Free
	}
	if thresholds.Pro <= 0 {
		thresholds.Pro = def.Pro
	}
	if thresholds.Power <= 0 {
		thresholds.Power = def.Power
	}
	return &FailureTracker{
		thresholds: thresholds,
		store:      store,
		notifier:   notifier,
	}
}

// RecordFailure 提交一次失败检查的更新并处理自动暂停。
// update中除失败计数相关字段外的内容(状态、错误信息、检查时间)由调用方填好,
// 这里补上FailureIncrement与阈值后一次性写入
func (ft *FailureTracker) RecordFailure(ctx context.Context, monitor *models.Monitor, update *models.MonitorUpdate) error {
	threshold := ft.thresholds.ForTier(monitor.Tier)
	message := pauseMessage(threshold)

	update.FailureMode = models.FailureIncrement
	update.PauseThreshold = threshold
	update.PauseMessage = &message

	updated, err := ft.store.UpdateMonitor(ctx, monitor.ID, update)
	if err != nil {
		return fmt.Errorf("更新失败计数: %w", err)
	}

	postCount := 0
	if updated != nil {
		postCount = updated.ConsecutiveFailures
	} else {
		// 存储层没有回读到行,按本地计数+1兜底,暂停不能因此漏掉
		postCount = monitor.ConsecutiveFailures + 1
		if postCount >= threshold {
			if perr := ft.pauseExplicitly(ctx, monitor.ID, message); perr != nil {
				utils.Errorf("兜底暂停更新失败 [%s]: %v", monitor.ID, perr)
			}
		}
	}

	if postCount < threshold {
		utils.Debugf("监控项连续失败 %d/%d [%s]", postCount, threshold, monitor.ID)
		return nil
	}
	if postCount > threshold {
		// 阈值那次已经通知过了
		return nil
	}

	utils.Warnf("⏸️ 连续失败%d次,监控项已自动暂停 [%s] %s", postCount, monitor.ID, monitor.URL)
	if monitor.EmailEnabled && ft.notifier != nil {
		lastError := ""
		if update.LastError != nil {
			lastError = *update.LastError
		}
		if nerr := ft.notifier.NotifyPaused(ctx, monitor, postCount, lastError); nerr != nil {
			utils.Warnf("暂停通知发送失败 [%s]: %v", monitor.ID, nerr)
		}
	}
	return nil
}

// pauseExplicitly 显式把监控项置为暂停,仅用于存储层未回读行的兜底路径
func (ft *FailureTracker) pauseExplicitly(ctx context.Context, monitorID, reason string) error {
	inactive := false
	_, err := ft.store.UpdateMonitor(ctx, monitorID, &models.MonitorUpdate{
		Active:      &inactive,
		PauseReason: &reason,
	})
	return err
}

func pauseMessage(threshold int) string {
	return fmt.Sprintf("Auto-paused after %d consecutive failed checks", threshold)
}
