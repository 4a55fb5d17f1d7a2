package render

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RecoveryAshes/WebSentinel/internal/utils"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Config 渲染客户端配置
type Config struct {
	// WSURL 远程浏览器服务的WebSocket控制地址
	// 例如 ws://browserless:3000?token=xxx
	WSURL string

	// Enabled 渲染阶段总开关,关闭后所有渲染请求直接失败
	Enabled bool

	// Stealth 使用反检测页面
	Stealth bool

	// NavigationTimeout 导航+加载的总超时 (默认:30秒)
	NavigationTimeout time.Duration

	// RequestIdleWindow 网络静默判定窗口 (默认:300毫秒)
	RequestIdleWindow time.Duration

	// SettleDelay 加载完成后的额外等待,给动态内容留时间 (默认:2秒)
	SettleDelay time.Duration

	// UserAgent 页面UA伪装,空值使用浏览器默认
	UserAgent string

	// AcceptLanguage 页面语言伪装 (默认:en-US)
	AcceptLanguage string
}

// DefaultConfig 默认渲染配置
func DefaultConfig(wsURL string) Config {
	return Config{
		WSURL:             wsURL,
		Enabled:           wsURL != "",
		Stealth:           true,
		NavigationTimeout: 30 * time.Second,
		RequestIdleWindow: 300 * time.Millisecond,
		SettleDelay:       2 * time.Second,
		AcceptLanguage:    "en-US",
	}
}

// Snapshot 渲染后的页面快照
type Snapshot struct {
	HTML  string // 渲染后的完整DOM
	Title string // document.title
}

// Client 远程浏览器渲染客户端
// 连接在首次使用时建立并跨检查复用,连接类失败会使句柄失效,
// 下一次渲染重新连接。连接失败属于基础设施故障,调用方
// 不应重试也不应计入监控项的失败计数
type Client struct {
	config Config

	mu      sync.Mutex
	browser *rod.Browser
}

// NewClient 创建渲染客户端
func NewClient(config Config) *Client {
	if config.NavigationTimeout <= 0 {
		config.NavigationTimeout = 30 * time.Second
	}
	if config.RequestIdleWindow <= 0 {
		config.RequestIdleWindow = 300 * time.Millisecond
	}
	if config.AcceptLanguage == "" {
		config.AcceptLanguage = "en-US"
	}
	return &Client{config: config}
}

// Enabled 渲染阶段是否可用
func (c *Client) Enabled() bool {
	return c.config.Enabled && c.config.WSURL != ""
}

// browserHandle 返回已连接的浏览器句柄,必要时建立连接
func (c *Client) browserHandle() (*rod.Browser, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("%w: 渲染服务未启用", ErrServiceUnavailable)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.browser != nil {
		return c.browser, nil
	}

	utils.Debugf("🌐 连接远程浏览器: %s", c.config.WSURL)
	browser := rod.New().ControlURL(c.config.WSURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}
	c.browser = browser
	return browser, nil
}

// invalidate 丢弃当前浏览器句柄,下次渲染重新连接
func (c *Client) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.browser = nil
}

// Render 渲染页面并返回快照,一次性会话
func (c *Client) Render(ctx context.Context, targetURL string) (*Snapshot, error) {
	session, err := c.OpenSession(ctx, targetURL)
	if err != nil {
		return nil, err
	}
	defer session.Close()
	return session.Snapshot(ctx)
}

// OpenSession 渲染页面并保持会话打开,供自愈扫描继续使用
// 调用方负责Close
func (c *Client) OpenSession(ctx context.Context, targetURL string) (session *Session, err error) {
	// rod在协议错误时会panic,统一转换为错误返回
	defer func() {
		if r := recover(); r != nil {
			utils.Errorf("渲染会话panic [%s]: %v", targetURL, r)
			session = nil
			err = fmt.Errorf("渲染页面panic: %v", r)
		}
	}()

	browser, err := c.browserHandle()
	if err != nil {
		return nil, err
	}

	start := time.Now()

	var page *rod.Page
	if c.config.Stealth {
		page, err = stealth.Page(browser)
	} else {
		page, err = browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		// 建页失败通常意味着连接已坏,丢弃句柄
		c.invalidate()
		return nil, fmt.Errorf("创建渲染页面失败: %w", err)
	}

	defer func() {
		if err != nil && page != nil {
			page.Close()
		}
	}()

	if c.config.UserAgent != "" {
		override := &proto.NetworkSetUserAgentOverride{
			UserAgent:      c.config.UserAgent,
			AcceptLanguage: c.config.AcceptLanguage,
		}
		if uaErr := page.SetUserAgent(override); uaErr != nil {
			utils.Warnf("设置UA失败 [%s]: %v", targetURL, uaErr)
		}
	}

	navCtx, cancel := context.WithTimeout(ctx, c.config.NavigationTimeout)
	defer cancel()

	if navErr := page.Context(navCtx).Navigate(targetURL); navErr != nil {
		return nil, fmt.Errorf("导航失败: %w", navErr)
	}

	// 加载事件超时不算失败,继续用当前DOM
	if loadErr := page.Context(navCtx).WaitLoad(); loadErr != nil {
		utils.Warnf("等待页面加载超时 [%s]: %v", targetURL, loadErr)
	}

	// 等网络静默,尽力而为
	waitIdle := page.Context(navCtx).WaitRequestIdle(c.config.RequestIdleWindow, nil, nil, nil)
	waitIdle()

	s := &Session{page: page, url: targetURL}

	// 关掉同意弹窗后给动态内容留一段稳定时间,
	// 点击可能触发新请求,结束后再等一轮网络静默
	s.dismissConsent(navCtx)

	if c.config.SettleDelay > 0 {
		select {
		case <-time.After(c.config.SettleDelay):
		case <-ctx.Done():
		}
	}

	waitIdle = page.Context(navCtx).WaitRequestIdle(c.config.RequestIdleWindow, nil, nil, nil)
	waitIdle()

	utils.Debugf("✅ 页面渲染完成 [%s], 耗时: %.2f秒", targetURL, time.Since(start).Seconds())
	return s, nil
}

// Close 断开浏览器连接
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browser != nil {
		if err := c.browser.Close(); err != nil {
			utils.Debugf("关闭浏览器连接失败: %v", err)
		}
		c.browser = nil
	}
}
