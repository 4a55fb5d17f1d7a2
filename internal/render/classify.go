package render

import (
	"errors"
	"strings"
)

// ErrServiceUnavailable 渲染基础设施不可用
// 该错误的文本会原样落库,调用方不得改写
var ErrServiceUnavailable = errors.New("Browserless service unavailable")

// FailureClass 渲染失败的类别,决定重试和失败计数行为
type FailureClass int

const (
	// FailurePermanent 页面自身的问题,不重试,计入失败
	FailurePermanent FailureClass = iota

	// FailureTransient 瞬时故障,重试一次,仍失败则计入失败
	FailureTransient

	// FailureInfrastructure 渲染服务不可用,不重试,不计入失败
	// 服务中断是我们的问题,不能连累用户的监控项被暂停
	FailureInfrastructure
)

// String 类别名称
func (fc FailureClass) String() string {
	switch fc {
	case FailureInfrastructure:
		return "infrastructure"
	case FailureTransient:
		return "transient"
	default:
		return "permanent"
	}
}

// Retryable 是否允许单次重试
func (fc FailureClass) Retryable() bool {
	return fc == FailureTransient
}

// CountsTowardFailures 是否计入监控项的连续失败计数
func (fc FailureClass) CountsTowardFailures() bool {
	return fc != FailureInfrastructure
}

// infrastructureMarkers 基础设施故障的错误特征(小写)
// 覆盖连接建立失败和websocket握手失败的各种文案
var infrastructureMarkers = []string{
	"connectovercdp",
	"econnrefused",
	"connection refused",
	"websocket bad handshake",
	"cannot connect to the browser",
}

// transientMarkers 瞬时故障的错误特征(小写)
var transientMarkers = []string{
	"timeout",
	"deadline",
	"crash",
	"target closed",
}

// Classify 按错误文本归类渲染失败
// 先认哨兵错误,再查特征表;两张表都不命中归为永久失败
func Classify(err error) FailureClass {
	if err == nil {
		return FailurePermanent
	}
	if errors.Is(err, ErrServiceUnavailable) {
		return FailureInfrastructure
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range infrastructureMarkers {
		if strings.Contains(msg, marker) {
			return FailureInfrastructure
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return FailureTransient
		}
	}
	return FailurePermanent
}
