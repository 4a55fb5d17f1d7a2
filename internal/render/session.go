package render

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/RecoveryAshes/WebSentinel/internal/models"
	"github.com/RecoveryAshes/WebSentinel/internal/utils"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// maxScanCandidates 单次DOM扫描采集的元素上限
const maxScanCandidates = 300

// consentSelectors 同意/Cookie弹窗的接受按钮选择器
// 按命中率排序,点掉弹窗能避免遮挡目标元素的文本
var consentSelectors = []string{
	`#onetrust-accept-btn-handler`,
	`button[id*="accept"]`,
	`button[class*="accept"]`,
	`button[class*="agree"]`,
	`.fc-cta-consent`,
	`.cc-allow`,
	`[id*="cookie"] button`,
}

// Session 打开中的渲染会话
// 自愈扫描在同一个会话里跑,避免二次导航
type Session struct {
	page *rod.Page
	url  string
}

// URL 会话对应的目标地址
func (s *Session) URL() string {
	return s.url
}

// Snapshot 取当前DOM快照
func (s *Session) Snapshot(ctx context.Context) (*Snapshot, error) {
	html, err := s.HTML(ctx)
	if err != nil {
		return nil, err
	}
	title, err := s.PageTitle(ctx)
	if err != nil {
		title = ""
	}
	return &Snapshot{HTML: html, Title: title}, nil
}

// HTML 序列化当前完整DOM
func (s *Session) HTML(ctx context.Context) (html string, err error) {
	defer recoverToError(&err, "序列化DOM")
	html, err = s.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("序列化DOM失败: %w", err)
	}
	return html, nil
}

// PageTitle 取document.title
func (s *Session) PageTitle(ctx context.Context) (title string, err error) {
	defer recoverToError(&err, "读取标题")
	res, err := s.page.Context(ctx).Eval(`() => document.title`)
	if err != nil {
		return "", fmt.Errorf("读取标题失败: %w", err)
	}
	return res.Value.Str(), nil
}

// CountMatches 统计选择器在渲染DOM中的命中数
// 无法解析的选择器返回错误而不是0,两者对自愈的含义不同
func (s *Session) CountMatches(ctx context.Context, selector string) (count int, err error) {
	defer recoverToError(&err, "统计命中数")
	res, err := s.page.Context(ctx).Eval(jsCountMatches, selector)
	if err != nil {
		return 0, fmt.Errorf("统计命中数失败: %w", err)
	}
	n := res.Value.Int()
	if n < 0 {
		return 0, fmt.Errorf("选择器无法解析: %s", selector)
	}
	return n, nil
}

// ScanVisibleElements 扫描可见元素并为每个元素生成稳定选择器
// 返回的候选按文档顺序排列,上限见maxScanCandidates
func (s *Session) ScanVisibleElements(ctx context.Context) (candidates []models.ElementCandidate, err error) {
	defer recoverToError(&err, "扫描可见元素")
	res, err := s.page.Context(ctx).Eval(jsScanVisibleElements)
	if err != nil {
		return nil, fmt.Errorf("扫描可见元素失败: %w", err)
	}
	if unmarshalErr := json.Unmarshal([]byte(res.Value.Str()), &candidates); unmarshalErr != nil {
		return nil, fmt.Errorf("解析扫描结果失败: %w", unmarshalErr)
	}
	return candidates, nil
}

// Close 关闭会话页面
func (s *Session) Close() {
	if s.page == nil {
		return
	}
	if err := s.page.Close(); err != nil {
		utils.Debugf("关闭渲染页面失败 [%s]: %v", s.url, err)
	}
}

// dismissConsent 尝试点掉同意/Cookie弹窗,主框架优先,再扫iframe
// 点不掉不算错误,只影响后续提取有没有被遮挡
func (s *Session) dismissConsent(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			utils.Debugf("关闭同意弹窗panic [%s]: %v", s.url, r)
		}
	}()

	page := s.page.Context(ctx)
	if s.clickConsentIn(page) {
		return
	}

	iframes, err := page.Elements("iframe")
	if err != nil {
		return
	}
	for _, frameEl := range iframes {
		framePage, frameErr := frameEl.Frame()
		if frameErr != nil {
			continue
		}
		if s.clickConsentIn(framePage.Context(ctx)) {
			return
		}
	}
}

// clickConsentIn 在给定页面/框架内尝试点击接受按钮
func (s *Session) clickConsentIn(page *rod.Page) bool {
	for _, sel := range consentSelectors {
		els, err := page.Elements(sel)
		if err != nil || len(els) == 0 {
			continue
		}
		for _, el := range els {
			visible, visErr := el.Visible()
			if visErr != nil || !visible {
				continue
			}
			if clickErr := el.Click(proto.InputMouseButtonLeft, 1); clickErr != nil {
				utils.Debugf("点击同意按钮失败 [%s]: %v", sel, clickErr)
				continue
			}
			utils.Debugf("🍪 已关闭同意弹窗 [%s]: %s", s.url, sel)
			return true
		}
	}
	return false
}

// recoverToError 把rod的panic折叠成普通错误
func recoverToError(err *error, op string) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%spanic: %v", op, r)
	}
}

// jsCountMatches 统计选择器命中数,非法选择器返回-1
const jsCountMatches = `(sel) => {
	try {
		return document.querySelectorAll(sel).length;
	} catch (e) {
		return -1;
	}
}`

// jsScanVisibleElements 采集可见短文本元素并生成稳定选择器
// 选择器生成优先级: 测试属性 > itemprop > 短id > 非易变类名(可带
// 主内容容器限定) > aria-label;全部不可用时跳过该元素
const jsScanVisibleElements = `() => {
	const MAX = 300;
	const out = [];
	const frameworkClass = /^(css|jss|sc|emotion|chakra|mui|ant|tw)-|^_|\d{3,}/;
	const volatileClass = /(^|-)(active|selected|open|hover|focus|visible|hidden|loading|disabled|current)($|-)/;
	const stableAttrs = ['data-testid', 'data-test', 'data-qa'];

	const esc = (v) => (window.CSS && CSS.escape) ? CSS.escape(v) : v.replace(/([^\w-])/g, '\\$1');
	const quote = (v) => v.replace(/\\/g, '\\\\').replace(/"/g, '\\"');

	function classSelector(el) {
		const picked = [];
		for (const cls of el.classList) {
			if (!cls || cls.length > 30) continue;
			if (frameworkClass.test(cls)) continue;
			if (volatileClass.test(cls)) continue;
			picked.push(esc(cls));
			if (picked.length === 2) break;
		}
		return picked.length ? '.' + picked.join('.') : null;
	}

	function scopePrefix(el) {
		const scope = el.closest('main, article, #content, [role="main"]');
		if (!scope || scope === el) return '';
		if (scope.tagName === 'MAIN') return 'main ';
		if (scope.tagName === 'ARTICLE') return 'article ';
		if (scope.id === 'content') return '#content ';
		return '[role="main"] ';
	}

	function selectorFor(el) {
		for (const attr of stableAttrs) {
			const v = el.getAttribute(attr);
			if (v) return '[' + attr + '="' + quote(v) + '"]';
		}
		const itemprop = el.getAttribute('itemprop');
		if (itemprop) return '[itemprop="' + quote(itemprop) + '"]';
		const id = el.id;
		if (id && id.length <= 40 && !/\d{3,}/.test(id) && !frameworkClass.test(id)) {
			return '#' + esc(id);
		}
		const cls = classSelector(el);
		if (cls) return scopePrefix(el) + cls;
		const aria = el.getAttribute('aria-label');
		if (aria && aria.length <= 50) return '[aria-label="' + quote(aria) + '"]';
		return null;
	}

	const root = document.body || document.documentElement;
	const walker = document.createTreeWalker(root, NodeFilter.SHOW_ELEMENT);
	let node;
	while ((node = walker.nextNode()) && out.length < MAX) {
		const tag = node.tagName;
		if (tag === 'SCRIPT' || tag === 'STYLE' || tag === 'NOSCRIPT' || tag === 'IFRAME') continue;
		if (node.children.length > 3) continue;
		const rect = node.getBoundingClientRect();
		if (rect.width === 0 && rect.height === 0) continue;
		const style = window.getComputedStyle(node);
		if (style.display === 'none' || style.visibility === 'hidden') continue;
		const text = (node.innerText || '').trim();
		if (!text || text.length > 200) continue;
		const sel = selectorFor(node);
		if (!sel) continue;
		out.push({selector: sel, text: text.slice(0, 120)});
	}
	return JSON.stringify(out);
}`
