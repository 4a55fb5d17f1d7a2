package utils

import (
	"net/http"
	"strings"
	"testing"
)

func TestHeaderRedactor_Redact(t *testing.T) {
	redactor := NewHeaderRedactor()

	t.Run("敏感头部被脱敏", func(t *testing.T) {
		tests := []struct {
			name  string
			value string
		}{
			{"Authorization", "Bearer token123"},
			{"X-Token", "longtoken123456789"},
			{"X-Api-Key", "key12345678"},
			{"X-Secret", "password123456"},
		}

		for _, tt := range tests {
			headers := http.Header{}
			headers.Set(tt.name, tt.value)
			redacted := redactor.Redact(headers)

			if !redactor.IsSensitiveHeader(tt.name) {
				t.Errorf("应该被识别为敏感头部: %s", tt.name)
				continue
			}

			redactedValue, exists := redacted[tt.name]
			if !exists {
				t.Errorf("头部应该存在于脱敏结果中: %s", tt.name)
				continue
			}

			if redactedValue == tt.value {
				t.Errorf("敏感头部应该被脱敏: %s (原值: %s, 脱敏后: %s)", tt.name, tt.value, redactedValue)
			}
			if !strings.Contains(redactedValue, "*") {
				t.Errorf("脱敏后应该包含星号: %s -> %s", tt.value, redactedValue)
			}
		}
	})

	t.Run("非敏感头部不应脱敏", func(t *testing.T) {
		tests := []struct {
			name  string
			value string
		}{
			{"User-Agent", "Mozilla/5.0"},
			{"Accept", "*/*"},
			{"X-Custom", "value"},
		}

		for _, tt := range tests {
			headers := http.Header{}
			headers.Set(tt.name, tt.value)
			redacted := redactor.Redact(headers)
			redactedValue := redacted[tt.name]

			if redactedValue != tt.value {
				t.Errorf("非敏感头部不应被脱敏: %s", tt.name)
			}
		}
	})

	t.Run("空值脱敏", func(t *testing.T) {
		headers := http.Header{}
		headers.Set("Authorization", "")
		redacted := redactor.Redact(headers)
		redactedValue := redacted["Authorization"]

		if redactedValue != "***" {
			t.Errorf("空敏感头部应该显示为***, 得到: %s", redactedValue)
		}
	})
}

func TestHeaderRedactor_RedactHeaderValue(t *testing.T) {
	redactor := NewHeaderRedactor()

	tests := []struct {
		name       string
		headerName string
		value      string
		want       string
	}{
		{
			name:       "Bearer只留前缀",
			headerName: "Authorization",
			value:      "Bearer abcdef123456",
			want:       "Bearer ***",
		},
		{
			name:       "长密钥留首尾各四位",
			headerName: "X-Api-Key",
			value:      "sk-abcdef123456",
			want:       "sk-a***3456",
		},
		{
			name:       "短密钥完全隐藏",
			headerName: "X-Token",
			value:      "short",
			want:       "***",
		},
		{
			name:       "非敏感头部原样返回",
			headerName: "Accept",
			value:      "text/html",
			want:       "text/html",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := redactor.RedactHeaderValue(tt.headerName, tt.value)
			if got != tt.want {
				t.Errorf("RedactHeaderValue(%s) = %q, 期望 %q", tt.headerName, got, tt.want)
			}
		})
	}
}

func TestHeaderRedactor_RedactURL(t *testing.T) {
	redactor := NewHeaderRedactor()

	tests := []struct {
		name   string
		rawURL string
		want   string
	}{
		{
			name:   "token参数被脱敏",
			rawURL: "https://example.com/item?token=abc123&page=2",
			want:   "https://example.com/item?page=2&token=%2A%2A%2A",
		},
		{
			name:   "无敏感参数原样返回",
			rawURL: "https://example.com/item?page=2&sort=asc",
			want:   "https://example.com/item?page=2&sort=asc",
		},
		{
			name:   "无查询串原样返回",
			rawURL: "https://example.com/item",
			want:   "https://example.com/item",
		},
		{
			name:   "api_key参数被脱敏",
			rawURL: "https://example.com/feed?api_key=secret99",
			want:   "https://example.com/feed?api_key=%2A%2A%2A",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := redactor.RedactURL(tt.rawURL)
			if got != tt.want {
				t.Errorf("RedactURL(%q) = %q, 期望 %q", tt.rawURL, got, tt.want)
			}
		})
	}
}
