package main

import (
	"fmt"
	"net/url"

	"github.com/RecoveryAshes/WebSentinel/internal/models"
)

// ValidateURL 验证URL格式
func ValidateURL(urlStr string) error {
	return models.ValidateURL(urlStr)
}

// ValidateCheckFlags 验证check命令的标志组合
func ValidateCheckFlags(monitorID string, all bool, targetURL, selector string) error {
	modes := 0
	if monitorID != "" {
		modes++
	}
	if all {
		modes++
	}
	if targetURL != "" {
		modes++
	}

	if modes == 0 {
		return fmt.Errorf("需要指定检查模式: --monitor-id、--all 或 --url")
	}
	if modes > 1 {
		return fmt.Errorf("--monitor-id、--all 和 --url 只能指定一个")
	}

	// 临时检查模式
	if targetURL != "" {
		if err := ValidateURL(targetURL); err != nil {
			return fmt.Errorf("无效的目标URL: %w", err)
		}
		if selector == "" {
			return fmt.Errorf("--url 需要配合 --selector 使用")
		}
	} else if selector != "" {
		return fmt.Errorf("--selector 只在 --url 模式下有效")
	}

	return nil
}

// ValidateAddFlags 验证add命令的标志组合
func ValidateAddFlags(targetURL, selector, frequency, tier, fromFile string) error {
	// 批量导入与单个添加互斥
	if fromFile != "" {
		if targetURL != "" || selector != "" {
			return fmt.Errorf("--from-file 不能与 --url/--selector 同时使用")
		}
	} else {
		if targetURL == "" {
			return fmt.Errorf("需要指定 --url 或 --from-file")
		}
		if selector == "" {
			return fmt.Errorf("选择器不能为空")
		}
	}

	// 验证频率
	if frequency != string(models.FrequencyHourly) && frequency != string(models.FrequencyDaily) {
		return fmt.Errorf("无效的检查频率: %s (有效值: hourly, daily)", frequency)
	}

	// 验证套餐
	validTiers := map[string]bool{
		"":      true, // 不修改
		"free":  true,
		"pro":   true,
		"power": true,
	}
	if !validTiers[tier] {
		return fmt.Errorf("无效的用户套餐: %s (有效值: free, pro, power)", tier)
	}

	return nil
}

// NormalizeURL 规范化URL
func NormalizeURL(urlStr string) (string, error) {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return "", err
	}

	// 如果没有协议,默认使用https
	if parsed.Scheme == "" {
		urlStr = "https://" + urlStr
		parsed, err = url.Parse(urlStr)
		if err != nil {
			return "", err
		}
	}

	return parsed.String(), nil
}
