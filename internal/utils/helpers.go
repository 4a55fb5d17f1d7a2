package utils

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// MonitorSeed 从种子文件解析出的一行监控定义
type MonitorSeed struct {
	URL       string
	Selector  string
	Frequency string
}

// ReadMonitorSeedsFromFile 从种子文件读取监控定义列表
// 每行格式: URL|选择器|频率(可选,默认hourly),支持#注释和空行
func ReadMonitorSeedsFromFile(filepath string) ([]MonitorSeed, error) {
	file, err := os.Open(filepath)
	if err != nil {
		return nil, fmt.Errorf("打开种子文件失败: %w", err)
	}
	defer file.Close()

	seeds := make([]MonitorSeed, 0)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// 跳过空行和注释行
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.Split(line, "|")
		if len(parts) < 2 {
			Warnf("跳过格式错误的行 (行 %d): 应为 'URL|选择器[|频率]'", lineNum)
			continue
		}

		seed := MonitorSeed{
			URL:       strings.TrimSpace(parts[0]),
			Selector:  strings.TrimSpace(parts[1]),
			Frequency: "hourly",
		}
		if len(parts) >= 3 && strings.TrimSpace(parts[2]) != "" {
			seed.Frequency = strings.TrimSpace(parts[2])
		}

		// 验证URL格式
		if err := ValidateURL(seed.URL); err != nil {
			Warnf("跳过无效URL (行 %d): %s - %v", lineNum, seed.URL, err)
			continue
		}
		if seed.Selector == "" {
			Warnf("跳过空选择器 (行 %d): %s", lineNum, seed.URL)
			continue
		}

		seeds = append(seeds, seed)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("读取种子文件失败: %w", err)
	}

	if len(seeds) == 0 {
		return nil, fmt.Errorf("种子文件中没有有效的监控定义")
	}

	Infof("从文件加载了 %d 个监控定义", len(seeds))
	return seeds, nil
}

// ValidateURL 验证URL格式
func ValidateURL(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("URL格式无效: %w", err)
	}

	if parsed.Scheme == "" {
		return fmt.Errorf("URL缺少协议(http/https)")
	}

	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("URL协议必须是http或https")
	}

	if parsed.Host == "" {
		return fmt.Errorf("URL缺少主机名")
	}

	return nil
}
