// Package scheduler 周期扫描监控项,把到期检查派发进固定大小的worker池。
package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RecoveryAshes/WebSentinel/internal/core"
	"github.com/RecoveryAshes/WebSentinel/internal/models"
	"github.com/RecoveryAshes/WebSentinel/internal/utils"
)

// CheckRunner 对单个监控项执行一次完整检查
type CheckRunner interface {
	CheckMonitor(ctx context.Context, monitor *models.Monitor) (*models.CheckOutcome, error)
}

// Options 调度器参数
type Options struct {
	Store  core.Store  // 必填
	Runner CheckRunner // 必填

	Tick          time.Duration // 扫描间隔,默认1分钟
	JitterMax     time.Duration // 派发前的最大随机延迟,不大于0时不抖动
	MaxWorkers    int           // 并发检查上限,默认10
	Retention     time.Duration // 遥测保留窗口,默认30天
	PruneInterval time.Duration // 遥测清理周期,默认24小时

	// Now与Jitter供测试注入,nil时用真实时钟与均匀随机
	Now    func() time.Time
	Jitter func(max time.Duration) time.Duration
}

// Scheduler 固定tick的检查调度器
//
// worker池从无缓冲通道领任务: 池满时派发端的try-send直接失败,
// 该监控项本轮静默放弃。lastChecked没有动,下个tick它仍然到期,
// 所以丢弃不会造成漏检,只是推迟
type Scheduler struct {
	store  core.Store
	runner CheckRunner

	tick          time.Duration
	jitterMax     time.Duration
	maxWorkers    int
	retention     time.Duration
	pruneInterval time.Duration

	now    func() time.Time
	jitter func(max time.Duration) time.Duration

	dispatched atomic.Int64
	skipped    atomic.Int64
}

// New 创建调度器
func New(opts Options) (*Scheduler, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store不能为空")
	}
	if opts.Runner == nil {
		return nil, fmt.Errorf("runner不能为空")
	}

	s := &Scheduler{
		store:         opts.Store,
		runner:        opts.Runner,
		tick:          opts.Tick,
		jitterMax:     opts.JitterMax,
		maxWorkers:    opts.MaxWorkers,
		retention:     opts.Retention,
		pruneInterval: opts.PruneInterval,
		now:           opts.Now,
		jitter:        opts.Jitter,
	}
	if s.tick <= 0 {
		s.tick = time.Minute
	}
	if s.jitterMax < 0 {
		s.jitterMax = 0
	}
	if s.maxWorkers <= 0 {
		s.maxWorkers = 10
	}
	if s.retention <= 0 {
		s.retention = 30 * 24 * time.Hour
	}
	if s.pruneInterval <= 0 {
		s.pruneInterval = 24 * time.Hour
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.jitter == nil {
		s.jitter = defaultJitter
	}
	return s, nil
}

func defaultJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// Run 阻塞运行调度循环直到ctx取消。
// 取消后等待已派发的检查收尾,进行中的检查不会被打断
func (s *Scheduler) Run(ctx context.Context) {
	utils.Infof("🚀 调度器启动: tick=%v 并发上限=%d 抖动上限=%v",
		s.tick, s.maxWorkers, s.jitterMax)

	tasks := make(chan *models.Monitor)
	var workers sync.WaitGroup
	for i := 0; i < s.maxWorkers; i++ {
		workers.Add(1)
		go s.worker(ctx, &workers, tasks)
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	pruner := time.NewTicker(s.pruneInterval)
	defer pruner.Stop()

	// 启动时先清一轮,短命进程也能享受到保留窗口
	s.prune(ctx)

	var dispatchers sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			utils.Info("调度器停止, 等待进行中的检查收尾")
			dispatchers.Wait()
			workers.Wait()
			utils.Infof("📊 调度器已退出: 累计派发=%d 跳过=%d",
				s.dispatched.Load(), s.skipped.Load())
			return
		case <-ticker.C:
			s.tickOnce(ctx, &dispatchers, tasks)
		case <-pruner.C:
			s.prune(ctx)
		}
	}
}

// tickOnce 扫描一轮,为每个到期监控项启动一个带抖动的派发goroutine
func (s *Scheduler) tickOnce(ctx context.Context, dispatchers *sync.WaitGroup, tasks chan<- *models.Monitor) {
	monitors, err := s.store.ListMonitors(ctx, true)
	if err != nil {
		utils.Errorf("读取监控项列表失败: %v", err)
		return
	}

	now := s.now()
	due := 0
	for _, m := range monitors {
		if !m.IsDue(now) {
			continue
		}
		due++
		dispatchers.Add(1)
		go s.dispatchAfterJitter(ctx, dispatchers, tasks, m)
	}
	if due > 0 {
		utils.Debugf("📊 本轮到期 %d/%d 个监控项", due, len(monitors))
	}
}

func (s *Scheduler) dispatchAfterJitter(ctx context.Context, wg *sync.WaitGroup, tasks chan<- *models.Monitor, m *models.Monitor) {
	defer wg.Done()

	if delay := s.jitter(s.jitterMax); delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}

	select {
	case tasks <- m:
		s.dispatched.Add(1)
	default:
		s.skipped.Add(1)
		utils.Debugf("🚧 并发已满, 本轮跳过 [%s] %s", m.ID, m.URL)
	}
}

func (s *Scheduler) worker(ctx context.Context, wg *sync.WaitGroup, tasks <-chan *models.Monitor) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-tasks:
			// 已领取的检查不随调度器关停中断,靠各阶段自身的超时收尾
			if _, err := s.runner.CheckMonitor(context.WithoutCancel(ctx), m); err != nil {
				utils.Errorf("检查结果持久化失败 [%s]: %v", m.ID, err)
			}
		}
	}
}

// prune 清理保留窗口之外的遥测,失败只告警,不影响调度
func (s *Scheduler) prune(ctx context.Context) {
	cutoff := s.now().Add(-s.retention)
	pruned, err := s.store.PruneTelemetry(ctx, cutoff)
	if err != nil {
		utils.Warnf("遥测清理失败: %v", err)
		return
	}
	if pruned > 0 {
		utils.Infof("遥测清理完成, 删除 %d 行", pruned)
	}
}
