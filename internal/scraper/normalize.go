package scraper

import (
	"strings"
	"unicode"
)

const (
	// MaxErrorMessageLength 持久化错误消息的最大长度
	MaxErrorMessageLength = 200

	// digitFallbackMinExpectedLen 数字回退匹配要求的原始期望值最小长度
	digitFallbackMinExpectedLen = 4

	// digitFallbackMinDigitLen 数字回退匹配要求的纯数字形式最小长度
	digitFallbackMinDigitLen = 3
)

// invisibleRunes 零宽/不可见Unicode字符表
// 电商页面常在价格里夹杂零宽字符做反爬干扰
var invisibleRunes = map[rune]bool{
	'​': true, // 零宽空格
	'‌': true, // 零宽不连字
	'‍': true, // 零宽连字
	'‎': true, // 从左到右标记
	'‏': true, // 从右到左标记
	'⁠': true, // 文字连接符
	'\uFEFF': true, // BOM
	'­': true, // 软连字符
	'᠎': true, // 蒙古文元音分隔符
}

// currencyRunes 模糊匹配时剥离的货币符号
var currencyRunes = map[rune]bool{
	'$': true,
	'€': true,
	'£': true,
	'¥': true,
	'₹': true,
}

// NormalizeValue 规范化提取值
// 剥离不可见字符,把所有空白串(含制表符/换行)压成单个空格,去首尾空白
// 每个提取值在比较和存储前都必须经过这里
func NormalizeValue(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if invisibleRunes[r] || unicode.Is(unicode.Cf, r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// NormalizeTextForMatch 规范化为模糊匹配形式
// 小写化,去掉所有空白和逗号,剥离货币符号,仅用于自愈扫描的文本比对
func NormalizeTextForMatch(text string) string {
	lowered := strings.ToLower(text)
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == ',' || currencyRunes[r] || invisibleRunes[r] {
			return -1
		}
		return r
	}, lowered)
}

// ExtractDigits 只保留数字和小数点
func ExtractDigits(text string) string {
	return strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' {
			return r
		}
		return -1
	}, text)
}

// TextMatches 判断候选文本是否匹配期望值
// 先做规范化后的子串匹配;失败时,当期望值长度>=4且其纯数字
// 形式长度>=3,回退到纯数字形式的包含比较,
// 让"$1,234.00"能匹配记录为"Price: 1234"的旧值
func TextMatches(candidate, expected string) bool {
	normExpected := NormalizeTextForMatch(expected)
	if normExpected == "" {
		return false
	}
	if strings.Contains(NormalizeTextForMatch(candidate), normExpected) {
		return true
	}

	// 数字回退: 期望值太短时禁用,避免把无关短文本硬凑成匹配
	if len([]rune(expected)) < digitFallbackMinExpectedLen {
		return false
	}
	digitExpected := ExtractDigits(expected)
	if len([]rune(digitExpected)) < digitFallbackMinDigitLen {
		return false
	}
	return strings.Contains(ExtractDigits(candidate), digitExpected)
}

// TruncateErrorMessage 把错误消息截断到持久化上限
func TruncateErrorMessage(msg string) string {
	runes := []rune(msg)
	if len(runes) <= MaxErrorMessageLength {
		return msg
	}
	return string(runes[:MaxErrorMessageLength])
}
