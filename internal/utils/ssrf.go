package utils

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

var (
	// DefaultBlockedHostnames 默认禁止访问的主机名
	// 云厂商元数据服务和本机别名,解析前就直接拒绝
	DefaultBlockedHostnames = []string{
		"localhost",
		"metadata.google.internal",
		"metadata.goog",
	}

	// cgnatNet 运营商级NAT地址段 100.64.0.0/10 (RFC 6598)
	cgnatNet = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}
)

// SSRFGuard 出站请求地址防护
// 拒绝解析到内网/回环/链路本地/元数据地址的请求,
// 重定向的每一跳都必须重新经过验证
type SSRFGuard struct {
	// allowPrivate 允许内网地址 (仅用于测试环境)
	allowPrivate bool

	// blockedHosts 禁止的主机名 (小写)
	blockedHosts map[string]bool

	// dialer 底层拨号器
	dialer *net.Dialer
}

// NewSSRFGuard 创建地址防护
func NewSSRFGuard(allowPrivate bool) *SSRFGuard {
	blocked := make(map[string]bool)
	for _, h := range DefaultBlockedHostnames {
		blocked[h] = true
	}

	return &SSRFGuard{
		allowPrivate: allowPrivate,
		blockedHosts: blocked,
		dialer: &net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		},
	}
}

// CheckHost 检查主机名是否在禁止名单中
func (g *SSRFGuard) CheckHost(host string) error {
	if g.allowPrivate {
		return nil
	}

	h := strings.ToLower(strings.TrimSuffix(host, "."))
	if g.blockedHosts[h] {
		return fmt.Errorf("主机名被禁止访问: %s", host)
	}
	// .internal 域通常指向云内网服务
	if strings.HasSuffix(h, ".internal") {
		return fmt.Errorf("主机名被禁止访问: %s", host)
	}
	return nil
}

// CheckIP 检查IP是否属于禁止访问的地址段
func (g *SSRFGuard) CheckIP(ip net.IP) error {
	if g.allowPrivate {
		return nil
	}

	switch {
	case ip.IsLoopback():
		return fmt.Errorf("禁止访问回环地址: %s", ip)
	case ip.IsPrivate():
		return fmt.Errorf("禁止访问内网地址: %s", ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		// 169.254.0.0/16 覆盖了云元数据服务 169.254.169.254
		return fmt.Errorf("禁止访问链路本地地址: %s", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("禁止访问未指定地址: %s", ip)
	case ip.IsMulticast():
		return fmt.Errorf("禁止访问组播地址: %s", ip)
	case ip.To4() != nil && cgnatNet.Contains(ip.To4()):
		return fmt.Errorf("禁止访问CGNAT地址: %s", ip)
	}
	return nil
}

// ValidateURL 解析URL并验证主机名与全部解析结果
// 用于请求前的预检和重定向每一跳的复检
func (g *SSRFGuard) ValidateURL(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("URL解析失败: %w", err)
	}
	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("URL缺少主机名: %s", rawURL)
	}

	if err := g.CheckHost(host); err != nil {
		return err
	}

	// 字面量IP直接检查,不走DNS
	if ip := net.ParseIP(host); ip != nil {
		return g.CheckIP(ip)
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("域名解析失败 %s: %w", host, err)
	}
	for _, addr := range addrs {
		if err := g.CheckIP(addr.IP); err != nil {
			return err
		}
	}
	return nil
}

// DialContext 带地址验证的拨号函数,挂到http.Transport上
// 解析和验证在同一次调用内完成,连接只会建立到已验证过的IP,
// 避免验证与拨号之间的DNS重绑定
func (g *SSRFGuard) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("地址解析失败 %s: %w", addr, err)
	}

	if err := g.CheckHost(host); err != nil {
		return nil, err
	}

	// 字面量IP: 验证后直接拨号
	if ip := net.ParseIP(host); ip != nil {
		if err := g.CheckIP(ip); err != nil {
			return nil, err
		}
		return g.dialer.DialContext(ctx, network, addr)
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("域名解析失败 %s: %w", host, err)
	}

	var lastErr error
	for _, a := range addrs {
		if err := g.CheckIP(a.IP); err != nil {
			return nil, err
		}
	}
	for _, a := range addrs {
		conn, err := g.dialer.DialContext(ctx, network, net.JoinHostPort(a.IP.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("没有可用的解析结果: %s", host)
	}
	return nil, lastErr
}
