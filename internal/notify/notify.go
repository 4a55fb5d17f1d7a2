// Package notify 实现检查引擎的两类外发通知: 值变化与自动暂停。
//
// WebhookNotifier 把通知POST到配置的URL,LogNotifier在未配置
// webhook时兜底,只写日志。两者都实现core.Notifier
package notify

import (
	"context"

	"github.com/RecoveryAshes/WebSentinel/internal/models"
	"github.com/RecoveryAshes/WebSentinel/internal/utils"
)

// LogNotifier 把通知写进日志
type LogNotifier struct{}

// NotifyChange 记录一条值变化通知
func (LogNotifier) NotifyChange(_ context.Context, m *models.Monitor, record *models.ChangeRecord) error {
	utils.Infof("📧 值变化通知 [%s] %s: %s → %q",
		m.ID, m.URL, formatOld(record.OldValue), record.NewValue)
	return nil
}

// NotifyPaused 记录一条自动暂停通知
func (LogNotifier) NotifyPaused(_ context.Context, m *models.Monitor, failCount int, lastError string) error {
	utils.Warnf("📧 暂停通知 [%s] %s: 连续失败%d次, 最后错误: %s",
		m.ID, m.URL, failCount, lastError)
	return nil
}

func formatOld(v *string) string {
	if v == nil {
		return "<首次取值>"
	}
	return *v
}
