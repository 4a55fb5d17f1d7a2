package models

import (
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// ValidateURL 验证监控目标URL
func ValidateURL(urlStr string) error {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("无效的URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("URL必须是HTTP或HTTPS协议")
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL必须包含主机名")
	}
	return nil
}

// generateID 生成唯一ID
func generateID() string {
	return uuid.New().String()
}

// StrPtr 返回字符串指针,部分更新字段常用
func StrPtr(s string) *string { return &s }

// TimePtr 返回时间指针
func TimePtr(t time.Time) *time.Time { return &t }

// StatusPtr 返回状态指针
func StatusPtr(s Status) *Status { return &s }
