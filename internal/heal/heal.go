// Package heal 选择器自愈
// 页面改版后原选择器不再命中时,扫描渲染DOM里的可见元素,
// 找出文本仍然匹配上次已知值的元素,为它们生成稳定选择器
// 作为候选。自愈只在有历史值可参照时才有意义
package heal

import (
	"context"
	"errors"
	"fmt"

	"github.com/RecoveryAshes/WebSentinel/internal/models"
	"github.com/RecoveryAshes/WebSentinel/internal/scraper"
	"github.com/RecoveryAshes/WebSentinel/internal/utils"
)

// 哨兵错误的文本会拼进用户可见的lastError后缀,保持英文
var (
	// ErrNoReference 没有历史值,无法判断哪个元素是目标
	ErrNoReference = errors.New("no previous value to match against")

	// ErrNoCandidates 扫描完成但没有任何候选通过匹配与验证
	ErrNoCandidates = errors.New("no candidates matched the previous value")
)

// commonValueSelectors 无候选时用来探测页面形态的常见取值选择器,
// 探测结果只进诊断日志,不会变成候选
var commonValueSelectors = []string{
	`[data-testid*="price"]`,
	`[data-test*="price"]`,
	`[itemprop="price"]`,
	".price",
	".product-price",
	".current-price",
	".sale-price",
	".amount",
	".value",
	"#price",
}

// DOMScanner 渲染DOM的扫描能力,由渲染会话提供
type DOMScanner interface {
	// ScanVisibleElements 采集可见元素及其生成的选择器
	ScanVisibleElements(ctx context.Context) ([]models.ElementCandidate, error)

	// CountMatches 统计选择器在当前DOM中的命中数
	CountMatches(ctx context.Context, selector string) (int, error)

	// PageTitle 当前页面标题,用于无候选时的诊断日志
	PageTitle(ctx context.Context) (string, error)
}

// Outcome 自愈结论
type Outcome struct {
	Selector    string                      // 选中的新选择器
	Value       *string                     // 用新选择器恢复出的当前值
	Suggestions []models.SelectorSuggestion // 全部通过验证的候选(含选中项)
}

// Healer 选择器自愈器
type Healer struct {
	// maxSuggestions 候选数量上限
	maxSuggestions int
}

// NewHealer 创建自愈器
func NewHealer() *Healer {
	return &Healer{maxSuggestions: 10}
}

// Heal 执行一轮自愈
// staticHTML/renderedHTML是本次检查已经取到的文档,重新提取按
// 静态文档、渲染文档、扫描样本文本的顺序回退,不发起新请求
func (h *Healer) Heal(ctx context.Context, scanner DOMScanner, staticHTML, renderedHTML, priorValue string) (outcome *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			utils.Errorf("自愈panic: %v", r)
			outcome = nil
			err = fmt.Errorf("自愈panic: %v", r)
		}
	}()

	if priorValue == "" {
		return nil, ErrNoReference
	}

	candidates, err := scanner.ScanVisibleElements(ctx)
	if err != nil {
		return nil, fmt.Errorf("扫描可见元素失败: %w", err)
	}

	suggestions := h.filterAndVerify(ctx, scanner, candidates, priorValue)
	if len(suggestions) == 0 {
		title, _ := scanner.PageTitle(ctx)
		utils.Debugf("🔍 自愈无匹配候选 [标题=%q, 参考值=%q, 可见元素=%d, 常见选择器=%v]",
			title, priorValue, len(candidates), probeCommonSelectors(ctx, scanner))
		return nil, ErrNoCandidates
	}

	best := pickBest(suggestions)
	value := recoverValue(best.Selector, best.SampleText, staticHTML, renderedHTML)

	utils.Debugf("自愈选中候选 %s (命中=%d, 候选=%d)",
		best.Selector, best.MatchCount, len(suggestions))

	return &Outcome{
		Selector:    best.Selector,
		Value:       value,
		Suggestions: suggestions,
	}, nil
}

// probeCommonSelectors 统计常见取值选择器在当前DOM的命中情况
func probeCommonSelectors(ctx context.Context, scanner DOMScanner) []string {
	var hits []string
	for _, sel := range commonValueSelectors {
		count, err := scanner.CountMatches(ctx, sel)
		if err != nil || count == 0 {
			continue
		}
		hits = append(hits, fmt.Sprintf("%s=%d", sel, count))
	}
	return hits
}

// filterAndVerify 过滤文本匹配的候选并验证选择器确实命中
// 验证挡掉两类坏候选: 生成的选择器语法不可用,或者命中的
// 是别的元素(扫描与验证之间DOM又变了)
func (h *Healer) filterAndVerify(ctx context.Context, scanner DOMScanner, candidates []models.ElementCandidate, priorValue string) []models.SelectorSuggestion {
	seen := make(map[string]bool)
	var out []models.SelectorSuggestion

	for _, cand := range candidates {
		if len(out) >= h.maxSuggestions {
			break
		}
		if cand.Selector == "" || seen[cand.Selector] {
			continue
		}
		if !scraper.TextMatches(cand.Text, priorValue) {
			continue
		}
		seen[cand.Selector] = true

		count, err := scanner.CountMatches(ctx, cand.Selector)
		if err != nil {
			utils.Debugf("候选选择器验证失败 [%s]: %v", cand.Selector, err)
			continue
		}
		if count == 0 {
			continue
		}

		out = append(out, models.SelectorSuggestion{
			Selector:   cand.Selector,
			MatchCount: count,
			SampleText: cand.Text,
		})
	}
	return out
}

// pickBest 在候选中选最优
// 命中数越少选择器越专一;数量相同时选更短的;再相同按字典序,
// 保证同一页面每次自愈选出同一个选择器
func pickBest(suggestions []models.SelectorSuggestion) models.SelectorSuggestion {
	best := suggestions[0]
	for _, s := range suggestions[1:] {
		if suggestionLess(s, best) {
			best = s
		}
	}
	return best
}

// suggestionLess 候选排序: 命中数升序, 选择器长度升序, 字典序
func suggestionLess(a, b models.SelectorSuggestion) bool {
	if a.MatchCount != b.MatchCount {
		return a.MatchCount < b.MatchCount
	}
	if len(a.Selector) != len(b.Selector) {
		return len(a.Selector) < len(b.Selector)
	}
	return a.Selector < b.Selector
}

// recoverValue 用新选择器恢复当前值
// 静态文档优先,其次渲染文档,最后退回扫描时采到的样本文本
func recoverValue(selector, sampleText, staticHTML, renderedHTML string) *string {
	if staticHTML != "" {
		if v := scraper.ExtractValueFromHTML(staticHTML, selector); v != nil {
			return v
		}
	}
	if renderedHTML != "" {
		if v := scraper.ExtractValueFromHTML(renderedHTML, selector); v != nil {
			return v
		}
	}
	if v := scraper.NormalizeValue(sampleText); v != "" {
		return &v
	}
	return nil
}
