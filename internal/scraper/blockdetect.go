package scraper

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

const (
	// titleCheckLimit 标题参与匹配的最大字符数
	titleCheckLimit = 120

	// largePageThreshold 大页面阈值(可见文本字符数)
	// 超过该长度的页面,正文命中必须满足出现次数条件才算拦截,
	// 避免正常长文里偶然提到"enable javascript"被误判
	largePageThreshold = 4000

	// bodyOccurrenceLimit 大页面上正文命中允许的最大出现次数
	bodyOccurrenceLimit = 2
)

// BlockResult 拦截页分类结果
type BlockResult struct {
	Blocked bool   `json:"blocked"`
	Reason  string `json:"reason,omitempty"`
}

// blockPattern 拦截页特征
// 列表顺序即检查顺序,越靠前的特征越明确
type blockPattern struct {
	reason  string
	phrases []string
}

// blockPatterns 按序检查的拦截特征表
// 标题命中直接判定;正文命中要过大页面误报防护
var blockPatterns = []blockPattern{
	{
		reason: "Page requires JavaScript",
		phrases: []string{
			"enable javascript",
			"javascript is required",
			"javascript is disabled",
			"requires javascript",
			"turn on javascript",
		},
	},
	{
		reason: "Page requires cookies",
		phrases: []string{
			"enable cookies",
			"cookies are required",
			"cookies disabled",
		},
	},
	{
		reason: "Access denied",
		phrases: []string{
			"access denied",
			"access to this page has been denied",
			"you have been blocked",
			"403 forbidden",
			"request unsuccessful",
		},
	},
	{
		reason: "Human verification required",
		phrases: []string{
			"verify you are human",
			"verifying you are human",
			"are you a robot",
			"prove you are human",
			"confirm you are human",
			"not a robot",
		},
	},
	{
		reason: "Browser check in progress",
		phrases: []string{
			"checking your browser",
			"checking if the site connection is secure",
			"attention required",
			"cloudflare",
			"ddos protection by",
		},
	},
	{
		reason: "Interstitial page",
		phrases: []string{
			"just a moment",
		},
	},
	{
		reason: "Rate limited",
		phrases: []string{
			"too many requests",
			"rate limit exceeded",
		},
	},
	{
		reason: "CAPTCHA challenge",
		phrases: []string{
			"captcha",
			"recaptcha",
			"hcaptcha",
		},
	},
}

// domChallengeMarkers 验证/挑战组件的DOM标记
// 任意一个命中都视为拦截页
var domChallengeMarkers = []string{
	`[id*="captcha"]`,
	`[class*="captcha"]`,
	`[id*="challenge"]`,
	`[class*="challenge"]`,
	`[class*="cf-"]`,
	`.turnstile`,
	`.h-captcha`,
	`.g-recaptcha`,
}

// DetectPageBlockReason 判断文档是否为反爬/验证拦截页
// 文本来源: <title>前120字符 + 可见正文(剔除script/style/
// noscript/iframe/link/meta后压缩空白)。特征表按序检查,
// 标题命中立即返回;正文命中仅在页面较短或特征反复出现时返回。
// 文本特征之后再做一轮DOM标记扫描
func DetectPageBlockReason(htmlStr string) BlockResult {
	title, visibleText := extractTitleAndVisibleText(htmlStr)

	titleRunes := []rune(title)
	if len(titleRunes) > titleCheckLimit {
		title = string(titleRunes[:titleCheckLimit])
	}
	titleLower := strings.ToLower(title)
	visibleLower := strings.ToLower(visibleText)
	visibleLen := len([]rune(visibleText))

	for _, p := range blockPatterns {
		for _, phrase := range p.phrases {
			// 标题命中无条件拦截
			if titleLower != "" && strings.Contains(titleLower, phrase) {
				return BlockResult{Blocked: true, Reason: p.reason}
			}

			if !strings.Contains(visibleLower, phrase) {
				continue
			}
			// 大页面误报防护: 页面足够短,或特征出现超过2次
			if visibleLen < largePageThreshold || strings.Count(visibleLower, phrase) > bodyOccurrenceLimit {
				return BlockResult{Blocked: true, Reason: p.reason}
			}
		}
	}

	if reason := detectChallengeMarkers(htmlStr); reason != "" {
		return BlockResult{Blocked: true, Reason: reason}
	}

	return BlockResult{}
}

// detectChallengeMarkers 扫描验证组件DOM标记
func detectChallengeMarkers(htmlStr string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlStr))
	if err != nil {
		return ""
	}
	for _, marker := range domChallengeMarkers {
		if doc.Find(marker).Length() > 0 {
			return "Challenge widget detected (" + marker + ")"
		}
	}
	return ""
}

// nonVisibleTags 不计入可见文本的标签
var nonVisibleTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"iframe":   true,
	"link":     true,
	"meta":     true,
}

// extractTitleAndVisibleText 提取<title>文本和body可见文本
// 可见文本已做空白压缩
func extractTitleAndVisibleText(htmlStr string) (string, string) {
	doc, err := html.Parse(strings.NewReader(htmlStr))
	if err != nil {
		return "", ""
	}

	var titleNode, bodyNode *html.Node
	var findStructure func(*html.Node)
	findStructure = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "title":
				if titleNode == nil {
					titleNode = n
				}
			case "body":
				if bodyNode == nil {
					bodyNode = n
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			findStructure(c)
		}
	}
	findStructure(doc)

	title := ""
	if titleNode != nil {
		title = NormalizeValue(collectText(titleNode))
	}

	visible := ""
	if bodyNode != nil {
		visible = NormalizeValue(collectText(bodyNode))
	}
	return title, visible
}

// collectText 收集节点下所有可见文本
func collectText(root *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && nonVisibleTags[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteString(" ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return b.String()
}
