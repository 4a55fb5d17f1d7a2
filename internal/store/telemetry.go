package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/WebSentinel/internal/models"
	"github.com/RecoveryAshes/WebSentinel/internal/utils"
)

// TelemetrySink 遥测批量落库接口,SQLiteStore与MemoryStore都实现
type TelemetrySink interface {
	AddRenderUsage(ctx context.Context, usages []models.RenderUsage) error
	AddCheckEvents(ctx context.Context, events []models.CheckEvent) error
}

const (
	telemetryBuffer    = 1024
	telemetryBatchSize = 64
	telemetryFlushTick = time.Second
	telemetryFlushWait = 5 * time.Second
)

// telemetryEvent 两类遥测共用一条通道,恰有一个字段非nil
type telemetryEvent struct {
	usage *models.RenderUsage
	check *models.CheckEvent
}

// AsyncTelemetry 异步遥测写入器
//
// 检查路径上的记录调用永不阻塞: 事件进1024容量的通道,
// 后台goroutine攒满64条或每秒落库一次,通道满时直接丢弃。
// 容量闸门对读不到的用量本就放行,丢几条遥测不影响正确性
type AsyncTelemetry struct {
	sink    TelemetrySink
	ch      chan telemetryEvent
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// NewAsyncTelemetry 创建并启动异步写入器,用完需Close
func NewAsyncTelemetry(sink TelemetrySink) *AsyncTelemetry {
	t := &AsyncTelemetry{
		sink: sink,
		ch:   make(chan telemetryEvent, telemetryBuffer),
		done: make(chan struct{}),
	}
	go t.flushLoop()
	return t
}

// RecordCheck 排队一条检查事件,非阻塞
func (t *AsyncTelemetry) RecordCheck(e models.CheckEvent) {
	select {
	case t.ch <- telemetryEvent{check: &e}:
	default:
		t.dropped.Add(1)
	}
}

// RecordRenderUsage 排队一条渲染用量,非阻塞
func (t *AsyncTelemetry) RecordRenderUsage(u models.RenderUsage) {
	select {
	case t.ch <- telemetryEvent{usage: &u}:
	default:
		t.dropped.Add(1)
	}
}

// Close 排空缓冲并停止后台goroutine
func (t *AsyncTelemetry) Close() error {
	t.once.Do(func() {
		close(t.ch)
		<-t.done
	})
	return nil
}

func (t *AsyncTelemetry) flushLoop() {
	defer close(t.done)

	usages := make([]models.RenderUsage, 0, telemetryBatchSize)
	checks := make([]models.CheckEvent, 0, telemetryBatchSize)
	ticker := time.NewTicker(telemetryFlushTick)
	defer ticker.Stop()

	flush := func() {
		if len(usages) == 0 && len(checks) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), telemetryFlushWait)
		defer cancel()

		if len(usages) > 0 {
			if err := t.sink.AddRenderUsage(ctx, usages); err != nil {
				utils.Warnf("渲染用量落库失败, 丢弃 %d 条: %v", len(usages), err)
			}
			usages = usages[:0]
		}
		if len(checks) > 0 {
			if err := t.sink.AddCheckEvents(ctx, checks); err != nil {
				utils.Warnf("检查事件落库失败, 丢弃 %d 条: %v", len(checks), err)
			}
			checks = checks[:0]
		}
	}

	for {
		select {
		case e, ok := <-t.ch:
			if !ok {
				flush()
				return
			}
			if e.usage != nil {
				usages = append(usages, *e.usage)
			}
			if e.check != nil {
				checks = append(checks, *e.check)
			}
			if len(usages)+len(checks) >= telemetryBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
			if n := t.dropped.Swap(0); n > 0 {
				utils.Warnf("遥测缓冲已满, 期间丢弃 %d 条", n)
			}
		}
	}
}
