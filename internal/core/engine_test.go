package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/RecoveryAshes/WebSentinel/internal/models"
	"github.com/RecoveryAshes/WebSentinel/internal/render"
	"github.com/RecoveryAshes/WebSentinel/internal/scraper"
)

// ---- 测试替身 ----

type fakeFetcher struct {
	html     string
	err      error
	panicMsg string
	calls    int
}

func (f *fakeFetcher) Fetch(_ context.Context, targetURL string) (*scraper.FetchResult, error) {
	f.calls++
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.err != nil {
		return nil, f.err
	}
	return &scraper.FetchResult{
		HTML:       f.html,
		StatusCode: 200,
		FinalURL:   targetURL,
	}, nil
}

type fakeSession struct {
	html       string
	htmlErr    error
	title      string
	candidates []models.ElementCandidate
	counts     map[string]int
	closed     int
}

func (s *fakeSession) HTML(_ context.Context) (string, error) { return s.html, s.htmlErr }

func (s *fakeSession) PageTitle(_ context.Context) (string, error) { return s.title, nil }

func (s *fakeSession) CountMatches(_ context.Context, selector string) (int, error) {
	return s.counts[selector], nil
}

func (s *fakeSession) ScanVisibleElements(_ context.Context) ([]models.ElementCandidate, error) {
	return s.candidates, nil
}

func (s *fakeSession) Close() { s.closed++ }

type fakeRenderer struct {
	enabled bool
	session *fakeSession
	// errs 按调用次序返回的错误,越界后返回session
	errs  []error
	calls int
}

func (r *fakeRenderer) Enabled() bool { return r.enabled }

func (r *fakeRenderer) OpenSession(_ context.Context, _ string) (RenderSession, error) {
	idx := r.calls
	r.calls++
	if idx < len(r.errs) && r.errs[idx] != nil {
		return nil, r.errs[idx]
	}
	if r.session == nil {
		return nil, errors.New("测试替身未配置会话")
	}
	return r.session, nil
}

type fakeGate struct {
	allowed bool
	reason  string
	calls   int
}

func (g *fakeGate) CanRender(_ context.Context, _ string, _ models.Tier) (bool, string) {
	g.calls++
	return g.allowed, g.reason
}

type pauseCall struct {
	monitorID string
	failCount int
	lastError string
}

type fakeNotifier struct {
	changes []string
	pauses  []pauseCall
	err     error
}

func (n *fakeNotifier) NotifyChange(_ context.Context, m *models.Monitor, _ *models.ChangeRecord) error {
	n.changes = append(n.changes, m.ID)
	return n.err
}

func (n *fakeNotifier) NotifyPaused(_ context.Context, m *models.Monitor, failCount int, lastError string) error {
	n.pauses = append(n.pauses, pauseCall{monitorID: m.ID, failCount: failCount, lastError: lastError})
	return n.err
}

type fakeTelemetry struct {
	checks []models.CheckEvent
	usages []models.RenderUsage
}

func (t *fakeTelemetry) RecordCheck(e models.CheckEvent) {
	t.checks = append(t.checks, e)
}

func (t *fakeTelemetry) RecordRenderUsage(u models.RenderUsage) {
	t.usages = append(t.usages, u)
}

// fakeStore 模拟存储层的原子CASE更新语义
type fakeStore struct {
	monitors     map[string]*models.Monitor
	updates      []*models.MonitorUpdate
	records      []*models.ChangeRecord
	updateErr    error
	returnNilRow bool
}

func newFakeStore(monitors ...*models.Monitor) *fakeStore {
	s := &fakeStore{monitors: make(map[string]*models.Monitor)}
	for _, m := range monitors {
		s.monitors[m.ID] = m
	}
	return s
}

func (f *fakeStore) CreateMonitor(_ context.Context, m *models.Monitor) error {
	f.monitors[m.ID] = m
	return nil
}

func (f *fakeStore) GetMonitor(_ context.Context, id string) (*models.Monitor, error) {
	m, ok := f.monitors[id]
	if !ok {
		return nil, errors.New("监控项不存在")
	}
	return m, nil
}

func (f *fakeStore) ListMonitors(_ context.Context, activeOnly bool) ([]*models.Monitor, error) {
	var out []*models.Monitor
	for _, m := range f.monitors {
		if activeOnly && !m.Active {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeStore) GetUserTier(_ context.Context, _ string) (models.Tier, error) {
	return models.TierFree, nil
}

func (f *fakeStore) UpdateMonitor(_ context.Context, id string, update *models.MonitorUpdate) (*models.Monitor, error) {
	f.updates = append(f.updates, update)
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	if f.returnNilRow {
		return nil, nil
	}
	m, ok := f.monitors[id]
	if !ok {
		return nil, nil
	}

	next := *m
	switch update.FailureMode {
	case models.FailureIncrement:
		next.ConsecutiveFailures++
		if update.PauseThreshold > 0 && next.ConsecutiveFailures >= update.PauseThreshold {
			next.Active = false
			next.PauseReason = update.PauseMessage
		}
	case models.FailureReset:
		next.ConsecutiveFailures = 0
	}
	if update.Selector != nil {
		next.Selector = *update.Selector
	}
	if update.CurrentValue != nil {
		next.CurrentValue = update.CurrentValue
	}
	if update.LastChecked != nil {
		next.LastChecked = update.LastChecked
	}
	if update.LastChanged != nil {
		next.LastChanged = update.LastChanged
	}
	if update.LastStatus != nil {
		next.LastStatus = *update.LastStatus
	}
	if update.LastError != nil {
		next.LastError = update.LastError
	}
	if update.ClearError {
		next.LastError = nil
	}
	if update.Active != nil {
		next.Active = *update.Active
	}
	if update.PauseReason != nil {
		next.PauseReason = update.PauseReason
	}
	f.monitors[id] = &next
	return &next, nil
}

func (f *fakeStore) AddChangeRecord(_ context.Context, record *models.ChangeRecord) error {
	f.records = append(f.records, record)
	return nil
}

func (f *fakeStore) ListChangeRecords(_ context.Context, monitorID string, _ int) ([]*models.ChangeRecord, error) {
	var out []*models.ChangeRecord
	for _, r := range f.records {
		if r.MonitorID == monitorID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) PruneTelemetry(_ context.Context, _ time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStore) lastUpdate() *models.MonitorUpdate {
	if len(f.updates) == 0 {
		return nil
	}
	return f.updates[len(f.updates)-1]
}

// ---- 测试数据 ----

const productPage = `<html><head><title>商品详情</title></head><body>
<nav>首页</nav>
<div class="price">$19.99</div>
<footer>页脚</footer>
</body></html>`

const noPricePage = `<html><head><title>商品详情</title></head><body>
<nav>首页</nav>
<div class="amount-new">$19.99</div>
</body></html>`

const interstitialPage = `<html><head><title>Just a moment...</title></head><body>
<p>Checking your browser before accessing the site.</p>
</body></html>`

const deniedPage = `<html><head><title>403</title></head><body>
<h1>Access denied</h1><p>You don't have permission to view this page.</p>
</body></html>`

func strPtr(s string) *string { return &s }

func testMonitor(value *string) *models.Monitor {
	return &models.Monitor{
		ID:           "mon-1",
		UserID:       "user-1",
		Tier:         models.TierFree,
		URL:          "https://shop.example.com/item/42",
		Selector:     ".price",
		Frequency:    models.FrequencyHourly,
		CreatedAt:    time.Now(),
		CurrentValue: value,
		Active:       true,
		EmailEnabled: true,
	}
}

func newTestEngine(t *testing.T, opts EngineOptions) *Engine {
	t.Helper()
	engine, err := NewEngine(opts)
	if err != nil {
		t.Fatalf("NewEngine失败: %v", err)
	}
	return engine
}

// ---- 用例 ----

func TestEngine_CheckMonitor_StaticOK(t *testing.T) {
	t.Run("首次取值算作变化", func(t *testing.T) {
		monitor := testMonitor(nil)
		store := newFakeStore(monitor)
		notifier := &fakeNotifier{}
		renderer := &fakeRenderer{enabled: true, session: &fakeSession{}}
		telemetry := &fakeTelemetry{}
		engine := newTestEngine(t, EngineOptions{
			Fetcher:   &fakeFetcher{html: productPage},
			Store:     store,
			Renderer:  renderer,
			Notifier:  notifier,
			Telemetry: telemetry,
		})

		outcome, err := engine.CheckMonitor(context.Background(), monitor)
		if err != nil {
			t.Fatalf("CheckMonitor返回错误: %v", err)
		}

		if outcome.Status != models.StatusOK {
			t.Errorf("状态 %v, 期望 ok", outcome.Status)
		}
		if !outcome.Changed {
			t.Error("changed=false, 期望 true\n原因: null到值的转变也算一次变化")
		}
		if outcome.PreviousValue != nil {
			t.Errorf("previousValue %v, 期望 nil", *outcome.PreviousValue)
		}
		if outcome.CurrentValue == nil || *outcome.CurrentValue != "$19.99" {
			t.Errorf("currentValue %v, 期望 $19.99", outcome.CurrentValue)
		}
		if len(store.records) != 1 {
			t.Fatalf("变化记录 %d 条, 期望恰好1条", len(store.records))
		}
		if store.records[0].OldValue != nil || store.records[0].NewValue != "$19.99" {
			t.Errorf("变化记录 %+v, 期望 old=nil new=$19.99", store.records[0])
		}
		if len(notifier.changes) != 1 {
			t.Errorf("变化通知 %d 次, 期望 1 次", len(notifier.changes))
		}
		if renderer.calls != 0 {
			t.Errorf("渲染被调用 %d 次, 期望 0\n原因: 静态阶段已拿到值", renderer.calls)
		}

		update := store.lastUpdate()
		if update.FailureMode != models.FailureReset {
			t.Errorf("FailureMode %v, 期望 FailureReset", update.FailureMode)
		}
		if !update.ClearError {
			t.Error("ClearError=false, 期望成功检查清空lastError")
		}
		if update.LastChanged == nil {
			t.Error("LastChanged未设置")
		}
		if len(telemetry.checks) != 1 || telemetry.checks[0].Status != models.StatusOK {
			t.Errorf("遥测事件 %+v, 期望1条ok", telemetry.checks)
		}
	})

	t.Run("值未变化时不产生记录", func(t *testing.T) {
		monitor := testMonitor(strPtr("$19.99"))
		store := newFakeStore(monitor)
		notifier := &fakeNotifier{}
		engine := newTestEngine(t, EngineOptions{
			Fetcher:  &fakeFetcher{html: productPage},
			Store:    store,
			Notifier: notifier,
		})

		outcome, _ := engine.CheckMonitor(context.Background(), monitor)

		if outcome.Changed {
			t.Error("changed=true, 期望 false")
		}
		if len(store.records) != 0 {
			t.Errorf("变化记录 %d 条, 期望 0", len(store.records))
		}
		if len(notifier.changes) != 0 {
			t.Errorf("变化通知 %d 次, 期望 0", len(notifier.changes))
		}
		if store.lastUpdate().LastChanged != nil {
			t.Error("LastChanged被设置, 期望值未变时不更新")
		}
	})

	t.Run("通知关闭时只记录不通知", func(t *testing.T) {
		monitor := testMonitor(strPtr("$18.99"))
		monitor.EmailEnabled = false
		store := newFakeStore(monitor)
		notifier := &fakeNotifier{}
		engine := newTestEngine(t, EngineOptions{
			Fetcher:  &fakeFetcher{html: productPage},
			Store:    store,
			Notifier: notifier,
		})

		outcome, _ := engine.CheckMonitor(context.Background(), monitor)

		if !outcome.Changed {
			t.Error("changed=false, 期望 true")
		}
		if len(store.records) != 1 {
			t.Errorf("变化记录 %d 条, 期望 1\n原因: 记录不受通知开关影响", len(store.records))
		}
		if len(notifier.changes) != 0 {
			t.Errorf("变化通知 %d 次, 期望 0\n原因: EmailEnabled=false", len(notifier.changes))
		}
	})
}

func TestEngine_CheckMonitor_Render(t *testing.T) {
	t.Run("静态未命中时渲染页提取成功", func(t *testing.T) {
		monitor := testMonitor(nil)
		store := newFakeStore(monitor)
		session := &fakeSession{html: productPage}
		renderer := &fakeRenderer{enabled: true, session: session}
		telemetry := &fakeTelemetry{}
		engine := newTestEngine(t, EngineOptions{
			Fetcher:   &fakeFetcher{html: noPricePage},
			Store:     store,
			Renderer:  renderer,
			Gate:      &fakeGate{allowed: true},
			Telemetry: telemetry,
		})

		outcome, _ := engine.CheckMonitor(context.Background(), monitor)

		if outcome.Status != models.StatusOK {
			t.Fatalf("状态 %v, 期望 ok", outcome.Status)
		}
		if *outcome.CurrentValue != "$19.99" {
			t.Errorf("currentValue %q, 期望 $19.99", *outcome.CurrentValue)
		}
		if renderer.calls != 1 {
			t.Errorf("渲染调用 %d 次, 期望 1", renderer.calls)
		}
		if session.closed == 0 {
			t.Error("会话未关闭")
		}
		if len(telemetry.usages) != 1 || !telemetry.usages[0].Success {
			t.Errorf("渲染用量 %+v, 期望1条成功记录", telemetry.usages)
		}
	})

	t.Run("基础设施故障不重试不计失败", func(t *testing.T) {
		monitor := testMonitor(strPtr("$10.00"))
		store := newFakeStore(monitor)
		renderer := &fakeRenderer{
			enabled: true,
			errs:    []error{errors.New("websocket连接失败: connection refused")},
		}
		telemetry := &fakeTelemetry{}
		engine := newTestEngine(t, EngineOptions{
			Fetcher:   &fakeFetcher{html: noPricePage},
			Store:     store,
			Renderer:  renderer,
			Telemetry: telemetry,
		})

		outcome, _ := engine.CheckMonitor(context.Background(), monitor)

		if outcome.Status != models.StatusError {
			t.Errorf("状态 %v, 期望 error", outcome.Status)
		}
		if outcome.Error == nil || *outcome.Error != render.ErrServiceUnavailable.Error() {
			t.Errorf("错误 %v, 期望 %q", outcome.Error, render.ErrServiceUnavailable.Error())
		}
		if renderer.calls != 1 {
			t.Errorf("渲染调用 %d 次, 期望 1\n原因: 基础设施故障不重试", renderer.calls)
		}
		if store.lastUpdate().FailureMode != models.FailureNone {
			t.Errorf("FailureMode %v, 期望 FailureNone\n原因: 后端故障不计入监控项失败",
				store.lastUpdate().FailureMode)
		}
		if store.monitors[monitor.ID].ConsecutiveFailures != 0 {
			t.Errorf("失败计数 %d, 期望 0", store.monitors[monitor.ID].ConsecutiveFailures)
		}
		if store.monitors[monitor.ID].CurrentValue == nil || *store.monitors[monitor.ID].CurrentValue != "$10.00" {
			t.Error("已存值被改动, 期望保持$10.00")
		}
		if len(telemetry.usages) != 1 || telemetry.usages[0].Success {
			t.Errorf("渲染用量 %+v, 期望1条失败记录", telemetry.usages)
		}
	})

	t.Run("瞬时故障恰好重试一次", func(t *testing.T) {
		monitor := testMonitor(nil)
		store := newFakeStore(monitor)
		renderer := &fakeRenderer{
			enabled: true,
			errs:    []error{errors.New("navigation timeout exceeded")},
			session: &fakeSession{html: productPage},
		}
		engine := newTestEngine(t, EngineOptions{
			Fetcher:  &fakeFetcher{html: noPricePage},
			Store:    store,
			Renderer: renderer,
		})

		outcome, _ := engine.CheckMonitor(context.Background(), monitor)

		if outcome.Status != models.StatusOK {
			t.Errorf("状态 %v, 期望 ok\n原因: 重试的第二次应成功", outcome.Status)
		}
		if renderer.calls != 2 {
			t.Errorf("渲染调用 %d 次, 期望恰好 2", renderer.calls)
		}
	})

	t.Run("瞬时故障两次后按静态结论收尾", func(t *testing.T) {
		monitor := testMonitor(nil)
		store := newFakeStore(monitor)
		renderer := &fakeRenderer{
			enabled: true,
			errs: []error{
				errors.New("navigation timeout exceeded"),
				errors.New("navigation timeout exceeded"),
			},
		}
		engine := newTestEngine(t, EngineOptions{
			Fetcher:  &fakeFetcher{html: noPricePage},
			Store:    store,
			Renderer: renderer,
		})

		outcome, _ := engine.CheckMonitor(context.Background(), monitor)

		if outcome.Status != models.StatusSelectorMissing {
			t.Errorf("状态 %v, 期望 selector_missing", outcome.Status)
		}
		if renderer.calls != 2 {
			t.Errorf("渲染调用 %d 次, 期望 2\n原因: 无历史值时不会为自愈补开会话", renderer.calls)
		}
		if store.monitors[monitor.ID].ConsecutiveFailures != 1 {
			t.Errorf("失败计数 %d, 期望 1\n原因: 瞬时渲染失败计入失败",
				store.monitors[monitor.ID].ConsecutiveFailures)
		}
	})

	t.Run("容量闸门拒绝时跳过渲染", func(t *testing.T) {
		monitor := testMonitor(nil)
		store := newFakeStore(monitor)
		renderer := &fakeRenderer{enabled: true, session: &fakeSession{html: productPage}}
		gate := &fakeGate{allowed: false, reason: "渲染配额已用尽 (50/50)"}
		engine := newTestEngine(t, EngineOptions{
			Fetcher:  &fakeFetcher{html: noPricePage},
			Store:    store,
			Renderer: renderer,
			Gate:     gate,
		})

		outcome, _ := engine.CheckMonitor(context.Background(), monitor)

		if outcome.Status != models.StatusSelectorMissing {
			t.Errorf("状态 %v, 期望 selector_missing", outcome.Status)
		}
		if renderer.calls != 0 {
			t.Errorf("渲染调用 %d 次, 期望 0\n原因: 闸门已拒绝", renderer.calls)
		}
		if gate.calls != 1 {
			t.Errorf("闸门调用 %d 次, 期望 1", gate.calls)
		}
	})
}

func TestEngine_CheckMonitor_Blocked(t *testing.T) {
	t.Run("静态拦截页且无渲染后端", func(t *testing.T) {
		monitor := testMonitor(nil)
		store := newFakeStore(monitor)
		engine := newTestEngine(t, EngineOptions{
			Fetcher: &fakeFetcher{html: deniedPage},
			Store:   store,
		})

		outcome, _ := engine.CheckMonitor(context.Background(), monitor)

		if outcome.Status != models.StatusBlocked {
			t.Errorf("状态 %v, 期望 blocked", outcome.Status)
		}
		if outcome.Error == nil || *outcome.Error != "Access denied" {
			t.Errorf("错误 %v, 期望 Access denied", outcome.Error)
		}
		if store.monitors[monitor.ID].ConsecutiveFailures != 1 {
			t.Errorf("失败计数 %d, 期望 1", store.monitors[monitor.ID].ConsecutiveFailures)
		}
	})

	t.Run("渲染页仍被拦截时采信渲染结论", func(t *testing.T) {
		monitor := testMonitor(nil)
		store := newFakeStore(monitor)
		renderer := &fakeRenderer{enabled: true, session: &fakeSession{html: interstitialPage}}
		engine := newTestEngine(t, EngineOptions{
			Fetcher:  &fakeFetcher{html: deniedPage},
			Store:    store,
			Renderer: renderer,
		})

		outcome, _ := engine.CheckMonitor(context.Background(), monitor)

		if outcome.Status != models.StatusBlocked {
			t.Errorf("状态 %v, 期望 blocked", outcome.Status)
		}
		if outcome.Error == nil || *outcome.Error != "Interstitial page" {
			t.Errorf("错误 %v, 期望渲染页的拦截原因 Interstitial page", outcome.Error)
		}
	})

	t.Run("静态拦截渲染正常时照常提取", func(t *testing.T) {
		monitor := testMonitor(nil)
		store := newFakeStore(monitor)
		renderer := &fakeRenderer{enabled: true, session: &fakeSession{html: productPage}}
		engine := newTestEngine(t, EngineOptions{
			Fetcher:  &fakeFetcher{html: interstitialPage},
			Store:    store,
			Renderer: renderer,
		})

		outcome, _ := engine.CheckMonitor(context.Background(), monitor)

		if outcome.Status != models.StatusOK {
			t.Errorf("状态 %v, 期望 ok\n原因: 渲染页已绕过拦截", outcome.Status)
		}
	})
}

func TestEngine_CheckMonitor_Errors(t *testing.T) {
	t.Run("抓取失败且无渲染后端", func(t *testing.T) {
		monitor := testMonitor(nil)
		store := newFakeStore(monitor)
		engine := newTestEngine(t, EngineOptions{
			Fetcher: &fakeFetcher{err: errors.New("连接被重置")},
			Store:   store,
		})

		outcome, _ := engine.CheckMonitor(context.Background(), monitor)

		if outcome.Status != models.StatusError {
			t.Errorf("状态 %v, 期望 error", outcome.Status)
		}
		if outcome.Error == nil || *outcome.Error != "连接被重置" {
			t.Errorf("错误 %v, 期望抓取错误原文", outcome.Error)
		}
	})

	t.Run("超长错误信息截断到200字符", func(t *testing.T) {
		monitor := testMonitor(nil)
		store := newFakeStore(monitor)
		longErr := strings.Repeat("x", 250)
		engine := newTestEngine(t, EngineOptions{
			Fetcher: &fakeFetcher{err: errors.New(longErr)},
			Store:   store,
		})

		outcome, _ := engine.CheckMonitor(context.Background(), monitor)

		if outcome.Error == nil {
			t.Fatal("错误为nil")
		}
		if len(*outcome.Error) != 200 {
			t.Errorf("错误长度 %d, 期望恰好 200", len(*outcome.Error))
		}
		stored := store.lastUpdate().LastError
		if stored == nil || len(*stored) != 200 {
			t.Error("入库的lastError未截断到200字符")
		}
	})

	t.Run("流程panic折叠为error状态", func(t *testing.T) {
		monitor := testMonitor(nil)
		store := newFakeStore(monitor)
		engine := newTestEngine(t, EngineOptions{
			Fetcher: &fakeFetcher{panicMsg: "selector引擎内部错误"},
			Store:   store,
		})

		outcome, err := engine.CheckMonitor(context.Background(), monitor)
		if err != nil {
			t.Fatalf("CheckMonitor不应向上抛错误: %v", err)
		}
		if outcome.Status != models.StatusError {
			t.Errorf("状态 %v, 期望 error", outcome.Status)
		}
		if outcome.Error == nil || *outcome.Error != "selector引擎内部错误" {
			t.Errorf("错误 %v, 期望panic信息", outcome.Error)
		}
		if store.monitors[monitor.ID].ConsecutiveFailures != 1 {
			t.Errorf("失败计数 %d, 期望 1\n原因: panic是真实失败,计入计数",
				store.monitors[monitor.ID].ConsecutiveFailures)
		}
	})

	t.Run("失败时不覆盖已存值", func(t *testing.T) {
		monitor := testMonitor(strPtr("$10.00"))
		store := newFakeStore(monitor)
		engine := newTestEngine(t, EngineOptions{
			Fetcher: &fakeFetcher{html: deniedPage},
			Store:   store,
		})

		outcome, _ := engine.CheckMonitor(context.Background(), monitor)

		if outcome.CurrentValue != nil {
			t.Errorf("outcome.CurrentValue %v, 期望 nil\n原因: 仅ok状态携带当前值", *outcome.CurrentValue)
		}
		if store.lastUpdate().CurrentValue != nil {
			t.Error("更新中包含CurrentValue, 期望失败检查不碰已存值")
		}
		kept := store.monitors[monitor.ID].CurrentValue
		if kept == nil || *kept != "$10.00" {
			t.Errorf("已存值 %v, 期望保持 $10.00", kept)
		}
	})
}

func TestEngine_CheckMonitor_Heal(t *testing.T) {
	t.Run("命中数更少的候选被选中并落库", func(t *testing.T) {
		monitor := testMonitor(strPtr("$50.00"))
		store := newFakeStore(monitor)
		renderedPage := `<html><body>
<div class="cost">$50.00</div><div class="cost">$50.00</div>
<div class="price-new">$50.00</div>
</body></html>`
		session := &fakeSession{
			html: renderedPage,
			candidates: []models.ElementCandidate{
				{Selector: ".cost", Text: "$50.00"},
				{Selector: ".price-new", Text: "$50.00"},
			},
			counts: map[string]int{".cost": 2, ".price-new": 1},
		}
		renderer := &fakeRenderer{enabled: true, session: session}
		engine := newTestEngine(t, EngineOptions{
			Fetcher:  &fakeFetcher{html: noPricePage},
			Store:    store,
			Renderer: renderer,
		})

		outcome, _ := engine.CheckMonitor(context.Background(), monitor)

		if outcome.Status != models.StatusOK {
			t.Fatalf("状态 %v, 期望 ok", outcome.Status)
		}
		if outcome.CurrentValue == nil || *outcome.CurrentValue != "$50.00" {
			t.Errorf("currentValue %v, 期望 $50.00", outcome.CurrentValue)
		}
		if outcome.Changed {
			t.Error("changed=true, 期望 false\n原因: 自愈恢复出的值与历史值相同")
		}
		update := store.lastUpdate()
		if update.Selector == nil || *update.Selector != ".price-new" {
			t.Errorf("落库选择器 %v, 期望命中数更少的 .price-new", update.Selector)
		}
		if store.monitors[monitor.ID].Selector != ".price-new" {
			t.Error("监控项选择器未更新")
		}
	})

	t.Run("无匹配候选时错误带自愈后缀", func(t *testing.T) {
		monitor := testMonitor(strPtr("$50.00"))
		store := newFakeStore(monitor)
		session := &fakeSession{
			html: `<html><body><div class="other">无关内容</div></body></html>`,
			candidates: []models.ElementCandidate{
				{Selector: ".other", Text: "无关内容"},
			},
			counts: map[string]int{".other": 1},
		}
		renderer := &fakeRenderer{enabled: true, session: session}
		engine := newTestEngine(t, EngineOptions{
			Fetcher:  &fakeFetcher{html: noPricePage},
			Store:    store,
			Renderer: renderer,
		})

		outcome, _ := engine.CheckMonitor(context.Background(), monitor)

		if outcome.Status != models.StatusSelectorMissing {
			t.Fatalf("状态 %v, 期望 selector_missing", outcome.Status)
		}
		want := "Selector not found (auto-recovery failed: no candidates matched the previous value)"
		if outcome.Error == nil || *outcome.Error != want {
			t.Errorf("错误 %v,\n期望 %q\n原因: 自愈失败追加后缀而不是整条替换", outcome.Error, want)
		}
	})

	t.Run("无历史值时不尝试自愈", func(t *testing.T) {
		monitor := testMonitor(nil)
		store := newFakeStore(monitor)
		session := &fakeSession{
			html: `<html><body><div class="p">$1.00</div></body></html>`,
			candidates: []models.ElementCandidate{
				{Selector: ".p", Text: "$1.00"},
			},
			counts: map[string]int{".p": 1},
		}
		renderer := &fakeRenderer{enabled: true, session: session}
		engine := newTestEngine(t, EngineOptions{
			Fetcher:  &fakeFetcher{html: noPricePage},
			Store:    store,
			Renderer: renderer,
		})

		outcome, _ := engine.CheckMonitor(context.Background(), monitor)

		if outcome.Status != models.StatusSelectorMissing {
			t.Errorf("状态 %v, 期望 selector_missing", outcome.Status)
		}
		if outcome.Error == nil || *outcome.Error != "Selector not found" {
			t.Errorf("错误 %v, 期望不带自愈后缀的 Selector not found", outcome.Error)
		}
	})
}
