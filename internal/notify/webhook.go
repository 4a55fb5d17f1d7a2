package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/RecoveryAshes/WebSentinel/internal/models"
	"github.com/RecoveryAshes/WebSentinel/internal/utils"
)

// envelope webhook请求体的外层结构
type envelope struct {
	Type   string    `json:"type"` // "change" 或 "paused"
	SentAt time.Time `json:"sent_at"`
	Data   any       `json:"data"`
}

type changePayload struct {
	MonitorID  string    `json:"monitor_id"`
	URL        string    `json:"url"`
	Selector   string    `json:"selector"`
	OldValue   *string   `json:"old_value,omitempty"`
	NewValue   string    `json:"new_value"`
	DetectedAt time.Time `json:"detected_at"`
}

type pausePayload struct {
	MonitorID string `json:"monitor_id"`
	URL       string `json:"url"`
	FailCount int    `json:"fail_count"`
	LastError string `json:"last_error,omitempty"`
}

// WebhookNotifier 把通知POST到固定URL
//
// 非2xx与网络错误按指数退避重试两次,全部失败才向调用方报错,
// 调用方(引擎与失败跟踪器)只告警不中断检查
type WebhookNotifier struct {
	url        string
	client     *http.Client
	maxRetries int
}

// NewWebhookNotifier 创建webhook通知器,timeout不大于0时取10秒
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:        url,
		client:     &http.Client{Timeout: timeout},
		maxRetries: 2,
	}
}

// NotifyChange 发送值变化通知
func (w *WebhookNotifier) NotifyChange(ctx context.Context, m *models.Monitor, record *models.ChangeRecord) error {
	return w.post(ctx, "change", changePayload{
		MonitorID:  m.ID,
		URL:        m.URL,
		Selector:   m.Selector,
		OldValue:   record.OldValue,
		NewValue:   record.NewValue,
		DetectedAt: record.DetectedAt,
	})
}

// NotifyPaused 发送自动暂停通知
func (w *WebhookNotifier) NotifyPaused(ctx context.Context, m *models.Monitor, failCount int, lastError string) error {
	return w.post(ctx, "paused", pausePayload{
		MonitorID: m.ID,
		URL:       m.URL,
		FailCount: failCount,
		LastError: lastError,
	})
}

func (w *WebhookNotifier) post(ctx context.Context, typ string, data any) error {
	body, err := json.Marshal(envelope{Type: typ, SentAt: time.Now(), Data: data})
	if err != nil {
		return fmt.Errorf("序列化通知失败: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("构造通知请求失败: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			utils.Debugf("通知请求失败 (第%d次): %v", attempt+1, err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook返回状态 %d", resp.StatusCode)
		utils.Debugf("通知被拒绝 (第%d次): 状态 %d", attempt+1, resp.StatusCode)
	}
	return fmt.Errorf("通知重试耗尽: %w", lastErr)
}
