package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RecoveryAshes/WebSentinel/internal/models"
)

// schedStore 只实现调度器触达的操作,其余为空壳
type schedStore struct {
	mu       sync.Mutex
	monitors []*models.Monitor
	listErr  error

	pruneErr   error
	pruneCalls atomic.Int32
	lastCutoff atomic.Int64 // 毫秒时间戳
}

func (s *schedStore) ListMonitors(_ context.Context, activeOnly bool) ([]*models.Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*models.Monitor
	for _, m := range s.monitors {
		if activeOnly && !m.Active {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *schedStore) PruneTelemetry(_ context.Context, cutoff time.Time) (int64, error) {
	s.pruneCalls.Add(1)
	s.lastCutoff.Store(cutoff.UnixMilli())
	if s.pruneErr != nil {
		return 0, s.pruneErr
	}
	return 3, nil
}

func (s *schedStore) CreateMonitor(context.Context, *models.Monitor) error { return nil }
func (s *schedStore) GetMonitor(context.Context, string) (*models.Monitor, error) {
	return nil, errors.New("测试替身未实现")
}
func (s *schedStore) GetUserTier(context.Context, string) (models.Tier, error) {
	return models.TierFree, nil
}
func (s *schedStore) UpdateMonitor(context.Context, string, *models.MonitorUpdate) (*models.Monitor, error) {
	return nil, nil
}
func (s *schedStore) AddChangeRecord(context.Context, *models.ChangeRecord) error { return nil }
func (s *schedStore) ListChangeRecords(context.Context, string, int) ([]*models.ChangeRecord, error) {
	return nil, nil
}

// recordingRunner 记录每个监控项被检查的次数,可选地阻塞到放行
type recordingRunner struct {
	mu      sync.Mutex
	seen    map[string]int
	started atomic.Int32
	release chan struct{}
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{seen: make(map[string]int)}
}

func (r *recordingRunner) CheckMonitor(_ context.Context, m *models.Monitor) (*models.CheckOutcome, error) {
	r.started.Add(1)
	r.mu.Lock()
	r.seen[m.ID]++
	r.mu.Unlock()
	if r.release != nil {
		<-r.release
	}
	return &models.CheckOutcome{Status: models.StatusOK}, nil
}

func (r *recordingRunner) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[id]
}

func (r *recordingRunner) distinct() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func dueMonitor(id string, lastChecked *time.Time, freq models.Frequency) *models.Monitor {
	return &models.Monitor{
		ID:          id,
		UserID:      "user-1",
		URL:         "https://shop.example.com/" + id,
		Selector:    ".price",
		Frequency:   freq,
		Active:      true,
		LastChecked: lastChecked,
	}
}

func noJitter(time.Duration) time.Duration { return 0 }

func waitUntil(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("等待超时: %s", what)
}

func startScheduler(t *testing.T, opts Options) {
	t.Helper()
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New失败: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("调度器未在期限内退出")
		}
	})
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Options{Runner: newRecordingRunner()}); err == nil {
		t.Error("缺store期望报错")
	}
	if _, err := New(Options{Store: &schedStore{}}); err == nil {
		t.Error("缺runner期望报错")
	}
}

func TestScheduler_DueSelection(t *testing.T) {
	now := time.Now()
	halfHour := now.Add(-30 * time.Minute)
	overHour := now.Add(-61 * time.Minute)

	paused := dueMonitor("mon-paused", nil, models.FrequencyHourly)
	paused.Active = false

	store := &schedStore{monitors: []*models.Monitor{
		dueMonitor("mon-fresh", nil, models.FrequencyHourly),
		dueMonitor("mon-due", &overHour, models.FrequencyHourly),
		dueMonitor("mon-early", &halfHour, models.FrequencyHourly),
		paused,
	}}
	runner := newRecordingRunner()

	startScheduler(t, Options{
		Store:         store,
		Runner:        runner,
		Tick:          10 * time.Millisecond,
		Jitter:        noJitter,
		PruneInterval: time.Hour,
	})

	// 等过若干个tick,到期项被反复派发
	waitUntil(t, 2*time.Second, "到期项被检查", func() bool {
		return runner.count("mon-fresh") >= 2 && runner.count("mon-due") >= 2
	})

	if got := runner.count("mon-early"); got != 0 {
		t.Errorf("未到期项被检查了 %d 次\n原因: hourly间隔三十分钟还不到期", got)
	}
	if got := runner.count("mon-paused"); got != 0 {
		t.Errorf("已暂停项被检查了 %d 次", got)
	}
}

func TestScheduler_DropWhenSaturated(t *testing.T) {
	var monitors []*models.Monitor
	for _, id := range []string{"m1", "m2", "m3", "m4", "m5"} {
		monitors = append(monitors, dueMonitor(id, nil, models.FrequencyHourly))
	}
	store := &schedStore{monitors: monitors}
	runner := newRecordingRunner()
	runner.release = make(chan struct{})

	startScheduler(t, Options{
		Store:         store,
		Runner:        runner,
		Tick:          10 * time.Millisecond,
		Jitter:        noJitter,
		MaxWorkers:    2,
		PruneInterval: time.Hour,
	})

	waitUntil(t, 2*time.Second, "两个worker开工", func() bool {
		return runner.started.Load() == 2
	})

	// worker一直被占着,之后几个tick的派发都应被丢弃
	time.Sleep(80 * time.Millisecond)
	if got := runner.started.Load(); got != 2 {
		t.Fatalf("占满期间启动了 %d 个检查, 期望 2\n原因: 超出上限的派发应丢弃而不是排队", got)
	}

	close(runner.release)
	waitUntil(t, 2*time.Second, "被丢弃的监控项由后续tick补上", func() bool {
		return runner.distinct() == 5
	})
}

func TestScheduler_JitterBound(t *testing.T) {
	store := &schedStore{monitors: []*models.Monitor{
		dueMonitor("mon-1", nil, models.FrequencyHourly),
	}}
	runner := newRecordingRunner()

	var maxArg atomic.Int64
	jitter := func(max time.Duration) time.Duration {
		maxArg.Store(int64(max))
		return 0
	}

	startScheduler(t, Options{
		Store:         store,
		Runner:        runner,
		Tick:          10 * time.Millisecond,
		JitterMax:     17 * time.Second,
		Jitter:        jitter,
		PruneInterval: time.Hour,
	})

	waitUntil(t, 2*time.Second, "完成一次派发", func() bool {
		return runner.started.Load() >= 1
	})
	if got := time.Duration(maxArg.Load()); got != 17*time.Second {
		t.Errorf("抖动上限 %v, 期望 17s", got)
	}
}

func TestScheduler_TelemetryPrune(t *testing.T) {
	t.Run("启动即清理且截止时间按保留窗口推算", func(t *testing.T) {
		store := &schedStore{}
		runner := newRecordingRunner()
		retention := 7 * 24 * time.Hour

		startScheduler(t, Options{
			Store:         store,
			Runner:        runner,
			Tick:          time.Hour,
			Jitter:        noJitter,
			Retention:     retention,
			PruneInterval: time.Hour,
		})

		waitUntil(t, 2*time.Second, "启动清理执行", func() bool {
			return store.pruneCalls.Load() >= 1
		})
		cutoff := time.UnixMilli(store.lastCutoff.Load())
		want := time.Now().Add(-retention)
		if d := cutoff.Sub(want); d < -time.Minute || d > time.Minute {
			t.Errorf("清理截止 %v, 期望约 %v", cutoff, want)
		}
	})

	t.Run("清理失败不影响派发", func(t *testing.T) {
		store := &schedStore{
			monitors: []*models.Monitor{dueMonitor("mon-1", nil, models.FrequencyHourly)},
			pruneErr: errors.New("数据库只读"),
		}
		runner := newRecordingRunner()

		startScheduler(t, Options{
			Store:         store,
			Runner:        runner,
			Tick:          10 * time.Millisecond,
			Jitter:        noJitter,
			PruneInterval: 15 * time.Millisecond,
		})

		waitUntil(t, 2*time.Second, "清理反复失败后调度仍在运转", func() bool {
			return store.pruneCalls.Load() >= 3 && runner.started.Load() >= 2
		})
	})
}

func TestScheduler_GracefulShutdown(t *testing.T) {
	store := &schedStore{monitors: []*models.Monitor{
		dueMonitor("mon-1", nil, models.FrequencyHourly),
	}}
	runner := newRecordingRunner()
	runner.release = make(chan struct{})

	s, err := New(Options{
		Store:         store,
		Runner:        runner,
		Tick:          10 * time.Millisecond,
		Jitter:        noJitter,
		PruneInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New失败: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitUntil(t, 2*time.Second, "检查开工", func() bool {
		return runner.started.Load() >= 1
	})
	cancel()

	select {
	case <-done:
		t.Fatal("在途检查未结束调度器就退出了")
	case <-time.After(50 * time.Millisecond):
	}

	close(runner.release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("放行后调度器仍未退出")
	}
}
