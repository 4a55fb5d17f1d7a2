package scraper

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// NormalizeSelector 规范化选择器
// 不带前导./#且不含空格的裸token按类名处理,自动补上"."前缀
//
// 已知限制: 裸属性选择器(如 [itemprop="price"])不会被识别,
// 补前缀后成为非法选择器而永远不命中。这是既有监控项依赖的
// 稳定行为,属性匹配必须由调用方显式写成 ./#/复合选择器
func NormalizeSelector(selector string) string {
	s := strings.TrimSpace(selector)
	if s == "" {
		return s
	}
	if !strings.HasPrefix(s, ".") && !strings.HasPrefix(s, "#") && !strings.Contains(s, " ") {
		return "." + s
	}
	return s
}

// ExtractValueFromHTML 从HTML文档中按选择器提取值
// 取文档顺序的第一个命中元素;文本内容规范化后为空时
// 回退读取content属性;最终仍为空返回nil表示无值
// 非法选择器(含补前缀后变非法的)不会命中任何元素
func ExtractValueFromHTML(htmlStr, selector string) *string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlStr))
	if err != nil {
		return nil
	}

	node := doc.Find(NormalizeSelector(selector)).First()
	if node.Length() == 0 {
		return nil
	}

	if value := NormalizeValue(node.Text()); value != "" {
		return &value
	}

	// meta/itemprop类元素没有文本,值挂在content属性上
	if content, ok := node.Attr("content"); ok {
		if value := NormalizeValue(content); value != "" {
			return &value
		}
	}

	return nil
}
