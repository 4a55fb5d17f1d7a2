package main

import (
	"strings"
	"testing"
)

func TestValidateCheckFlags(t *testing.T) {
	tests := []struct {
		name      string
		monitorID string
		all       bool
		url       string
		selector  string
		wantErr   string // 空表示期望通过
	}{
		{
			name:    "没有指定任何模式",
			wantErr: "需要指定检查模式",
		},
		{
			name:      "同时指定多个模式",
			monitorID: "mon-1",
			all:       true,
			wantErr:   "只能指定一个",
		},
		{
			name:      "单监控项模式",
			monitorID: "mon-1",
		},
		{
			name: "全量模式",
			all:  true,
		},
		{
			name:     "临时检查模式",
			url:      "https://example.com/item",
			selector: "#price",
		},
		{
			name:    "临时检查缺少选择器",
			url:     "https://example.com/item",
			wantErr: "--selector",
		},
		{
			name:     "非URL模式带了选择器",
			all:      true,
			selector: "#price",
			wantErr:  "--url 模式下有效",
		},
		{
			name:     "无效的URL",
			url:      "ftp://example.com",
			selector: "#price",
			wantErr:  "无效的目标URL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCheckFlags(tt.monitorID, tt.all, tt.url, tt.selector)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("期望校验通过, 实际报错: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("期望报错 %q, 实际通过", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("错误信息 = %q, 期望包含 %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestValidateAddFlags(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		selector  string
		frequency string
		tier      string
		fromFile  string
		wantErr   string
	}{
		{
			name:      "单个添加",
			url:       "https://example.com",
			selector:  "#price",
			frequency: "hourly",
		},
		{
			name:      "批量导入",
			fromFile:  "monitors.txt",
			frequency: "daily",
		},
		{
			name:      "批量导入不能带URL",
			fromFile:  "monitors.txt",
			url:       "https://example.com",
			frequency: "hourly",
			wantErr:   "--from-file 不能与",
		},
		{
			name:      "缺少URL",
			selector:  "#price",
			frequency: "hourly",
			wantErr:   "需要指定 --url",
		},
		{
			name:      "缺少选择器",
			url:       "https://example.com",
			frequency: "hourly",
			wantErr:   "选择器不能为空",
		},
		{
			name:      "无效频率",
			url:       "https://example.com",
			selector:  "#price",
			frequency: "weekly",
			wantErr:   "无效的检查频率",
		},
		{
			name:      "无效套餐",
			url:       "https://example.com",
			selector:  "#price",
			frequency: "hourly",
			tier:      "gold",
			wantErr:   "无效的用户套餐",
		},
		{
			name:      "合法套餐",
			url:       "https://example.com",
			selector:  "#price",
			frequency: "daily",
			tier:      "power",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddFlags(tt.url, tt.selector, tt.frequency, tt.tier, tt.fromFile)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("期望校验通过, 实际报错: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("期望报错 %q, 实际通过", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("错误信息 = %q, 期望包含 %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "完整URL保持不变",
			input: "https://example.com/item",
			want:  "https://example.com/item",
		},
		{
			name:  "缺少协议时补https",
			input: "example.com/item",
			want:  "https://example.com/item",
		},
		{
			name:  "http协议保留",
			input: "http://example.com",
			want:  "http://example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeURL(tt.input)
			if err != nil {
				t.Fatalf("NormalizeURL(%q) 报错: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeURL(%q) = %q, 期望 %q", tt.input, got, tt.want)
			}
		})
	}
}
