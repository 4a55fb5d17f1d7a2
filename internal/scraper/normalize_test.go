package scraper

import (
	"strings"
	"testing"
	"unicode/utf8"
)

// TestNormalizeValue 测试提取值规范化
func TestNormalizeValue(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "普通文本保持不变",
			input:    "In Stock",
			expected: "In Stock",
		},
		{
			name:     "首尾空白被去除",
			input:    "  $19.99  ",
			expected: "$19.99",
		},
		{
			name:     "连续空白压成单个空格",
			input:    "In \t Stock\n\nNow",
			expected: "In Stock Now",
		},
		{
			name:     "零宽字符被剥离",
			input:    "$1​9.9‌9",
			expected: "$19.99",
		},
		{
			name:     "BOM和软连字符被剥离",
			input:    "\uFEFFPrice­: 10",
			expected: "Price: 10",
		},
		{
			name:     "方向标记被剥离",
			input:    "‎$25.00‏",
			expected: "$25.00",
		},
		{
			name:     "纯空白返回空串",
			input:    " \t\n ",
			expected: "",
		},
		{
			name:     "空串返回空串",
			input:    "",
			expected: "",
		},
		{
			name:     "中文内容不受影响",
			input:    "现货 ¥199",
			expected: "现货 ¥199",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeValue(tt.input); got != tt.expected {
				t.Errorf("NormalizeValue(%q) = %q, 期望 %q", tt.input, got, tt.expected)
			}
		})
	}
}

// TestNormalizeTextForMatch 测试模糊匹配规范化
func TestNormalizeTextForMatch(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "小写化",
			input:    "In Stock",
			expected: "instock",
		},
		{
			name:     "剥离美元符号和逗号",
			input:    "$1,234.00",
			expected: "1234.00",
		},
		{
			name:     "欧元英镑同样剥离",
			input:    "€99 / £88",
			expected: "99/88",
		},
		{
			name:     "千分位逗号被去除",
			input:    "1,234,567",
			expected: "1234567",
		},
		{
			name:     "所有空白被去除",
			input:    " a b\tc\n",
			expected: "abc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeTextForMatch(tt.input); got != tt.expected {
				t.Errorf("NormalizeTextForMatch(%q) = %q, 期望 %q", tt.input, got, tt.expected)
			}
		})
	}
}

// TestExtractDigits 测试纯数字提取
func TestExtractDigits(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"价格提取", "$1,234.56", "1234.56"},
		{"无数字返回空串", "hello world", ""},
		{"混合文本", "Price: 42 USD", "42"},
		{"保留小数点", "v1.2.3", "1.2.3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractDigits(tt.input); got != tt.expected {
				t.Errorf("ExtractDigits(%q) = %q, 期望 %q", tt.input, got, tt.expected)
			}
		})
	}
}

// TestTextMatches 测试候选文本与期望值的匹配
func TestTextMatches(t *testing.T) {
	tests := []struct {
		name      string
		candidate string
		expected  string
		want      bool
		reason    string
	}{
		{
			name:      "规范化后子串匹配",
			candidate: "Special Offer — In Stock",
			expected:  "in stock",
			want:      true,
			reason:    "大小写和空白差异在规范化中消除",
		},
		{
			name:      "千分位与纯数字互匹",
			candidate: "1,234,567",
			expected:  "1234567",
			want:      true,
			reason:    "逗号在规范化中被去除",
		},
		{
			name:      "货币符号不影响匹配",
			candidate: "Price: $1,234.00 today",
			expected:  "1,234.00",
			want:      true,
			reason:    "货币符号和逗号都被剥离",
		},
		{
			name:      "数字回退:前缀不同但数值相同",
			candidate: "$ 1234.00",
			expected:  "USD 1,234.00",
			want:      true,
			reason:    "子串匹配失败后纯数字形式一致",
		},
		{
			name:      "期望值太短禁用数字回退",
			candidate: "9-7",
			expected:  "9 7",
			want:      false,
			reason:    "期望值不足4个字符,不做数字回退",
		},
		{
			name:      "纯数字形式太短禁用回退",
			candidate: "1x2",
			expected:  "ab12",
			want:      false,
			reason:    "纯数字形式不足3个字符",
		},
		{
			name:      "完全不匹配",
			candidate: "Out of stock",
			expected:  "available",
			want:      false,
			reason:    "无公共内容",
		},
		{
			name:      "空期望值不匹配",
			candidate: "anything",
			expected:  "",
			want:      false,
			reason:    "空期望值匹配任何文本都没有意义",
		},
		{
			name:      "期望值规范化后为空不匹配",
			candidate: "anything",
			expected:  " , $ ",
			want:      false,
			reason:    "只剩被剥离字符的期望值视同为空",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TextMatches(tt.candidate, tt.expected); got != tt.want {
				t.Errorf("TextMatches(%q, %q) = %v, 期望 %v\n原因: %s",
					tt.candidate, tt.expected, got, tt.want, tt.reason)
			}
		})
	}
}

// TestTruncateErrorMessage 测试错误消息截断
func TestTruncateErrorMessage(t *testing.T) {
	t.Run("短消息原样返回", func(t *testing.T) {
		msg := "connection refused"
		if got := TruncateErrorMessage(msg); got != msg {
			t.Errorf("短消息被意外修改: %q", got)
		}
	})

	t.Run("恰好200字符不截断", func(t *testing.T) {
		msg := strings.Repeat("a", MaxErrorMessageLength)
		if got := TruncateErrorMessage(msg); got != msg {
			t.Errorf("恰好达到上限的消息不应被截断")
		}
	})

	t.Run("超长消息截断到200字符", func(t *testing.T) {
		msg := strings.Repeat("x", 250)
		got := TruncateErrorMessage(msg)
		if n := len([]rune(got)); n != MaxErrorMessageLength {
			t.Errorf("截断后长度 = %d, 期望 %d", n, MaxErrorMessageLength)
		}
		if !strings.HasPrefix(msg, got) {
			t.Errorf("截断结果不是原消息的前缀")
		}
	})

	t.Run("多字节字符按字符数截断", func(t *testing.T) {
		msg := strings.Repeat("错", 250)
		got := TruncateErrorMessage(msg)
		if n := len([]rune(got)); n != MaxErrorMessageLength {
			t.Errorf("截断后字符数 = %d, 期望 %d", n, MaxErrorMessageLength)
		}
		if !utf8.ValidString(got) {
			t.Errorf("截断破坏了UTF-8编码")
		}
	})
}
