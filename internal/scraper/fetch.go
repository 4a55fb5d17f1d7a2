package scraper

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/RecoveryAshes/WebSentinel/internal/utils"
	"github.com/andybalholm/brotli"
	"github.com/gocolly/colly/v2"
)

// DefaultUserAgent 默认浏览器User-Agent
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

const fetchStateKey = "fetch_state"

// FetchConfig 抓取配置
type FetchConfig struct {
	Timeout             time.Duration     // 单次请求超时 (默认:20秒)
	MaxRedirects        int               // 最大重定向跳数 (默认:5)
	MaxBodySize         int               // 响应体大小上限 (默认:10MB)
	MaxHeaderBytes      int64             // 主传输层响应头上限 (默认:64KB)
	FallbackHeaderBytes int64             // 兜底客户端响应头上限 (默认:1MB)
	Parallelism         int               // 并发请求数上限 (默认:10)
	UserAgent           string            // User-Agent (默认:Chrome)
	AcceptLanguage      string            // Accept-Language (默认:en-US)
	CustomHeaders       map[string]string // 自定义头部 (经过验证)
	AllowPrivateHosts   bool              // 放行内网地址 (仅测试)
	InsecureSkipVerify  bool              // 跳过TLS证书验证
}

// DefaultFetchConfig 默认抓取配置
func DefaultFetchConfig() FetchConfig {
	return FetchConfig{
		Timeout:             20 * time.Second,
		MaxRedirects:        5,
		MaxBodySize:         10 * 1024 * 1024,
		MaxHeaderBytes:      64 * 1024,
		FallbackHeaderBytes: 1024 * 1024,
		Parallelism:         10,
		UserAgent:           DefaultUserAgent,
		AcceptLanguage:      "en-US,en;q=0.9",
		InsecureSkipVerify:  true,
	}
}

// FetchResult 抓取结果
type FetchResult struct {
	HTML         string // 解压后的响应体
	StatusCode   int    // HTTP状态码
	ContentType  string // Content-Type头部
	FinalURL     string // 重定向后的最终URL
	UsedFallback bool   // 是否经由兜底客户端取回
}

// fetchState 单次请求在回调间传递的状态
type fetchState struct {
	result *FetchResult
	err    error
}

// Fetcher 页面抓取器(基于Colly)
// 出站地址经SSRF防护验证,重定向每一跳在拨号时复检;
// 某些CDN的响应头(超长CSP/Set-Cookie)会超出主传输层上限,
// 这类失败改走进程级兜底客户端重试一次
type Fetcher struct {
	config    FetchConfig
	guard     *utils.SSRFGuard
	redactor  *utils.HeaderRedactor
	collector *colly.Collector
	headers   http.Header

	// fallback 进程级兜底HTTP客户端,响应头上限放宽
	fallback *http.Client
}

// NewFetcher 创建页面抓取器
func NewFetcher(config FetchConfig) (*Fetcher, error) {
	if config.Timeout <= 0 {
		config.Timeout = 20 * time.Second
	}
	if config.MaxRedirects <= 0 {
		config.MaxRedirects = 5
	}
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = 10 * 1024 * 1024
	}
	if config.MaxHeaderBytes <= 0 {
		config.MaxHeaderBytes = 64 * 1024
	}
	if config.FallbackHeaderBytes <= 0 {
		config.FallbackHeaderBytes = 1024 * 1024
	}
	if config.Parallelism <= 0 {
		config.Parallelism = 10
	}
	if config.UserAgent == "" {
		config.UserAgent = DefaultUserAgent
	}
	if config.AcceptLanguage == "" {
		config.AcceptLanguage = "en-US,en;q=0.9"
	}

	// 验证自定义头部
	validator := utils.NewHeaderValidator()
	for name, value := range config.CustomHeaders {
		if err := validator.ValidateHeader(name, value); err != nil {
			return nil, fmt.Errorf("自定义头部无效: %w", err)
		}
	}

	guard := utils.NewSSRFGuard(config.AllowPrivateHosts)

	f := &Fetcher{
		config:   config,
		guard:    guard,
		redactor: utils.NewHeaderRedactor(),
		headers:  buildBrowserHeaders(config),
		fallback: &http.Client{
			Transport: &http.Transport{
				DialContext: guard.DialContext,
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: config.InsecureSkipVerify,
				},
				MaxResponseHeaderBytes: config.FallbackHeaderBytes,
				Proxy:                  http.ProxyFromEnvironment,
			},
			Timeout: config.Timeout,
		},
	}
	f.fallback.CheckRedirect = f.checkRedirect

	f.setupCollector()
	return f, nil
}

// setupCollector 构建Colly collector并挂接回调
func (f *Fetcher) setupCollector() {
	c := colly.NewCollector(
		colly.MaxBodySize(f.config.MaxBodySize),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.AllowURLRevisit(),
	)

	// 自定义HTTP客户端: SSRF防护拨号 + 响应头上限 + TLS配置
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: f.guard.DialContext,
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: f.config.InsecureSkipVerify,
			},
			MaxResponseHeaderBytes: f.config.MaxHeaderBytes,
			Proxy:                  http.ProxyFromEnvironment,
		},
		Timeout: f.config.Timeout,
	}
	c.SetClient(httpClient)
	c.SetRequestTimeout(f.config.Timeout)

	// 重定向跳数上限 + 每一跳复检目标地址
	c.SetRedirectHandler(f.checkRedirect)

	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: f.config.Parallelism,
		Delay:       0,
	}); err != nil {
		utils.Warnf("设置抓取并发限制失败: %v", err)
	}

	c.OnRequest(func(r *colly.Request) {
		for name, values := range f.headers {
			if len(values) > 0 {
				r.Headers.Set(name, values[0])
			}
		}
		utils.Debugf("🌐 抓取: %s [%s]", f.redactor.RedactURL(r.URL.String()), f.redactor.RedactToString(f.headers))
	})

	c.OnResponse(func(r *colly.Response) {
		state, ok := r.Ctx.GetAny(fetchStateKey).(*fetchState)
		if !ok {
			return
		}

		body := r.Body
		if encoding := r.Headers.Get("Content-Encoding"); encoding != "" {
			decompressed, err := decompressResponse(encoding, r.Body)
			if err != nil {
				utils.Warnf("解压响应失败 [%s] (编码=%s): %v", r.Request.URL, encoding, err)
				// 解压失败时仍然尝试使用原始body
			} else {
				body = decompressed
			}
		}

		state.result.HTML = string(body)
		state.result.StatusCode = r.StatusCode
		state.result.ContentType = r.Headers.Get("Content-Type")
		state.result.FinalURL = r.Request.URL.String()
	})

	c.OnError(func(r *colly.Response, err error) {
		if state, ok := r.Ctx.GetAny(fetchStateKey).(*fetchState); ok {
			state.err = err
		}
	})

	f.collector = c
}

// checkRedirect 重定向策略: 跳数封顶,每一跳的目标都重新过SSRF验证
func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= f.config.MaxRedirects {
		return fmt.Errorf("重定向次数超过上限 (%d)", f.config.MaxRedirects)
	}
	return f.guard.ValidateURL(req.Context(), req.URL.String())
}

// Fetch 抓取单个页面
// 4xx/5xx的响应体照常返回,拦截页分类需要读到403页面的内容;
// 传输层因响应头超限失败时自动改走兜底客户端
func (f *Fetcher) Fetch(ctx context.Context, targetURL string) (*FetchResult, error) {
	// 请求前预检目标地址
	if err := f.guard.ValidateURL(ctx, targetURL); err != nil {
		return nil, err
	}

	state := &fetchState{result: &FetchResult{}}
	cctx := colly.NewContext()
	cctx.Put(fetchStateKey, state)

	err := f.collector.Request("GET", targetURL, nil, cctx, nil)
	if err == nil {
		err = state.err
	}

	if err != nil {
		if isHeaderOverflow(err) {
			utils.Warnf("📥 响应头超限,改用兜底客户端重试: %s", f.redactor.RedactURL(targetURL))
			return f.fetchWithFallback(ctx, targetURL)
		}
		return nil, fmt.Errorf("页面抓取失败: %w", err)
	}

	return state.result, nil
}

// fetchWithFallback 经兜底客户端抓取
func (f *Fetcher) fetchWithFallback(ctx context.Context, targetURL string) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, fmt.Errorf("构造兜底请求失败: %w", err)
	}
	for name, values := range f.headers {
		if len(values) > 0 {
			req.Header.Set(name, values[0])
		}
	}

	resp, err := f.fallback.Do(req)
	if err != nil {
		return nil, fmt.Errorf("兜底抓取失败: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, int64(f.config.MaxBodySize)))
	if err != nil {
		return nil, fmt.Errorf("读取兜底响应失败: %w", err)
	}

	body := raw
	if encoding := resp.Header.Get("Content-Encoding"); encoding != "" {
		if decompressed, derr := decompressResponse(encoding, raw); derr == nil {
			body = decompressed
		}
	}

	finalURL := targetURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	return &FetchResult{
		HTML:         string(body),
		StatusCode:   resp.StatusCode,
		ContentType:  resp.Header.Get("Content-Type"),
		FinalURL:     finalURL,
		UsedFallback: true,
	}, nil
}

// buildBrowserHeaders 构造浏览器化的请求头
// 优先级: 默认头 < 自定义头
func buildBrowserHeaders(config FetchConfig) http.Header {
	h := make(http.Header)
	h.Set("User-Agent", config.UserAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", config.AcceptLanguage)
	h.Set("Accept-Encoding", "gzip, deflate, br")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Fetch-User", "?1")
	h.Set("Sec-Ch-Ua", `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`)
	h.Set("Sec-Ch-Ua-Mobile", "?0")
	h.Set("Sec-Ch-Ua-Platform", `"Windows"`)
	h.Set("Cache-Control", "no-cache")

	for name, value := range config.CustomHeaders {
		h.Set(name, value)
	}
	return h
}

// isHeaderOverflow 判断错误是否为响应头超限
// net/http对HTTP/1.x和HTTP/2给出不同的错误文案
func isHeaderOverflow(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "read limit of") ||
		strings.Contains(msg, "server response headers exceeded") ||
		strings.Contains(msg, "header list larger than")
}

// decompressResponse 根据Content-Encoding头部解压响应体
// 支持 gzip, deflate, br (Brotli) 三种压缩格式
func decompressResponse(contentEncoding string, body []byte) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(contentEncoding))

	switch encoding {
	case "gzip":
		reader, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip解压失败: %w", err)
		}
		defer reader.Close()

		decompressed, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("gzip读取失败: %w", err)
		}
		return decompressed, nil

	case "deflate":
		reader := flate.NewReader(bytes.NewReader(body))
		defer reader.Close()

		decompressed, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("deflate读取失败: %w", err)
		}
		return decompressed, nil

	case "br":
		reader := brotli.NewReader(bytes.NewReader(body))
		decompressed, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("brotli读取失败: %w", err)
		}
		return decompressed, nil

	case "":
		return body, nil

	default:
		// 未知编码,原样返回
		utils.Warnf("未知的Content-Encoding: %s", contentEncoding)
		return body, nil
	}
}
