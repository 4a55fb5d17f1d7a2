// Package store 提供监控项与遥测数据的持久化实现。
//
// SQLiteStore 是生产用的单文件存储,MemoryStore 供一次性检查与测试使用,
// AsyncTelemetry 把遥测写入从检查路径上摘出来异步落库。
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/RecoveryAshes/WebSentinel/internal/models"
	"github.com/RecoveryAshes/WebSentinel/internal/utils"
)

// schema 全部表结构,时间戳统一存毫秒时间戳
//
// users 表独立于monitors存套餐等级,同一用户的多个监控项共享一份;
// change_records 只追加;render_usage/check_events 是遥测表,会被定期清理
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id   TEXT PRIMARY KEY,
    tier TEXT NOT NULL DEFAULT 'free' CHECK(tier IN ('free','pro','power'))
);

CREATE TABLE IF NOT EXISTS monitors (
    id                   TEXT PRIMARY KEY,
    user_id              TEXT NOT NULL REFERENCES users(id),
    url                  TEXT NOT NULL,
    selector             TEXT NOT NULL,
    frequency            TEXT NOT NULL DEFAULT 'daily' CHECK(frequency IN ('hourly','daily')),
    created_at           INTEGER NOT NULL,
    current_value        TEXT,
    last_checked         INTEGER,
    last_changed         INTEGER,
    last_status          TEXT,
    last_error           TEXT,
    active               INTEGER NOT NULL DEFAULT 1 CHECK(active IN (0, 1)),
    email_enabled        INTEGER NOT NULL DEFAULT 1 CHECK(email_enabled IN (0, 1)),
    consecutive_failures INTEGER NOT NULL DEFAULT 0,
    pause_reason         TEXT
);

CREATE INDEX IF NOT EXISTS idx_monitors_active ON monitors(active);
CREATE INDEX IF NOT EXISTS idx_monitors_user ON monitors(user_id);

CREATE TABLE IF NOT EXISTS change_records (
    id          TEXT PRIMARY KEY,
    monitor_id  TEXT NOT NULL REFERENCES monitors(id) ON DELETE CASCADE,
    old_value   TEXT,
    new_value   TEXT NOT NULL,
    detected_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_change_records_monitor ON change_records(monitor_id, detected_at DESC);

CREATE TABLE IF NOT EXISTS render_usage (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id     TEXT NOT NULL,
    monitor_id  TEXT NOT NULL,
    duration_ms INTEGER NOT NULL,
    success     INTEGER NOT NULL CHECK(success IN (0, 1)),
    at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_render_usage_user ON render_usage(user_id, at);
CREATE INDEX IF NOT EXISTS idx_render_usage_at ON render_usage(at);

CREATE TABLE IF NOT EXISTS check_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    monitor_id  TEXT NOT NULL,
    status      TEXT NOT NULL,
    duration_ms INTEGER NOT NULL,
    at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_check_events_at ON check_events(at);
`

// monitorCols UPDATE ... RETURNING 能拿到的列,不含users联查出的tier
const monitorCols = `id, user_id, url, selector, frequency, created_at,
	current_value, last_checked, last_changed, last_status, last_error,
	active, email_enabled, consecutive_failures, pause_reason`

// monitorSelect 带tier联查的读取语句,缺users行时回落free
const monitorSelect = `
SELECT m.id, m.user_id, m.url, m.selector, m.frequency, m.created_at,
       m.current_value, m.last_checked, m.last_changed, m.last_status, m.last_error,
       m.active, m.email_enabled, m.consecutive_failures, m.pause_reason,
       COALESCE(u.tier, 'free')
FROM monitors m
LEFT JOIN users u ON u.id = m.user_id`

// SQLiteStore 单文件SQLite存储
//
// 同时实现检查引擎的存储接口与容量闸门的用量计数接口,
// 写入路径依赖WAL与busy_timeout支撑调度器的并发检查
type SQLiteStore struct {
	db *sql.DB
}

// Open 打开(必要时创建)path处的数据库并初始化表结构
func Open(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("创建数据目录失败: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	if path == ":memory:" {
		// 每条新连接都是一个独立的内存库,必须收敛到单连接
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化表结构失败: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连通性检查失败: %w", err)
	}

	utils.Debugf("💾 数据库已就绪: %s", path)
	return &SQLiteStore{db: db}, nil
}

// Close 关闭底层连接池
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertUser 写入或更新用户套餐
func (s *SQLiteStore) UpsertUser(ctx context.Context, userID string, tier models.Tier) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, tier) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET tier = excluded.tier`,
		userID, string(models.ParseTier(string(tier))),
	)
	if err != nil {
		return fmt.Errorf("写入用户失败: %w", err)
	}
	return nil
}

// GetUserTier 查询用户套餐,无记录的用户按free处理
func (s *SQLiteStore) GetUserTier(ctx context.Context, userID string) (models.Tier, error) {
	var tier string
	err := s.db.QueryRowContext(ctx,
		`SELECT tier FROM users WHERE id = ?`, userID,
	).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TierFree, nil
	}
	if err != nil {
		return models.TierFree, fmt.Errorf("查询用户套餐失败: %w", err)
	}
	return models.ParseTier(tier), nil
}

// CreateMonitor 写入新监控项,用户行不存在时顺带以free档补建
func (s *SQLiteStore) CreateMonitor(ctx context.Context, m *models.Monitor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	tier := models.ParseTier(string(m.Tier))
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, tier) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING`,
		m.UserID, string(tier),
	); err != nil {
		return fmt.Errorf("补建用户失败: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO monitors (id, user_id, url, selector, frequency, created_at,
			current_value, last_checked, last_changed, last_status, last_error,
			active, email_enabled, consecutive_failures, pause_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.URL, m.Selector, string(m.Frequency), m.CreatedAt.UnixMilli(),
		nullableString(m.CurrentValue), nullableTime(m.LastChecked), nullableTime(m.LastChanged),
		nullableStatus(m.LastStatus), nullableString(m.LastError),
		m.Active, m.EmailEnabled, m.ConsecutiveFailures, nullableString(m.PauseReason),
	); err != nil {
		return fmt.Errorf("写入监控项失败: %w", err)
	}

	return tx.Commit()
}

// GetMonitor 按ID读取监控项
func (s *SQLiteStore) GetMonitor(ctx context.Context, id string) (*models.Monitor, error) {
	row := s.db.QueryRowContext(ctx, monitorSelect+` WHERE m.id = ?`, id)
	m, err := scanMonitor(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("监控项不存在: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("读取监控项失败: %w", err)
	}
	return m, nil
}

// ListMonitors 列出监控项,activeOnly为true时只返回参与调度的
func (s *SQLiteStore) ListMonitors(ctx context.Context, activeOnly bool) ([]*models.Monitor, error) {
	query := monitorSelect
	if activeOnly {
		query += ` WHERE m.active = 1`
	}
	query += ` ORDER BY m.created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("列出监控项失败: %w", err)
	}
	defer rows.Close()

	var out []*models.Monitor
	for rows.Next() {
		m, err := scanMonitor(rows, true)
		if err != nil {
			return nil, fmt.Errorf("解析监控项失败: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMonitor 在一条UPDATE里完成本次检查的全部写入并回读更新后的行。
//
// FailureIncrement带PauseThreshold时,暂停翻转通过CASE表达式和
// 计数递增发生在同一条语句内: SET子句读到的都是更新前的列值,
// consecutive_failures + 1 即本次递增后的计数,两个并发检查
// 不会丢失递增,也不会把同一次达标翻转做两遍。
// 行不存在时返回 (nil, nil)
func (s *SQLiteStore) UpdateMonitor(ctx context.Context, id string, update *models.MonitorUpdate) (*models.Monitor, error) {
	var (
		sets []string
		args []any
	)

	switch update.FailureMode {
	case models.FailureIncrement:
		sets = append(sets, "consecutive_failures = consecutive_failures + 1")
		if update.PauseThreshold > 0 {
			sets = append(sets,
				"active = CASE WHEN consecutive_failures + 1 >= ? THEN 0 ELSE active END",
				"pause_reason = CASE WHEN consecutive_failures + 1 >= ? THEN ? ELSE pause_reason END",
			)
			args = append(args, update.PauseThreshold, update.PauseThreshold,
				nullableString(update.PauseMessage))
		}
	case models.FailureReset:
		sets = append(sets, "consecutive_failures = 0")
	}

	// 显式赋值排在CASE之后,SQLite对重复列取最右侧的赋值
	if update.Selector != nil {
		sets = append(sets, "selector = ?")
		args = append(args, *update.Selector)
	}
	if update.CurrentValue != nil {
		sets = append(sets, "current_value = ?")
		args = append(args, *update.CurrentValue)
	}
	if update.LastChecked != nil {
		sets = append(sets, "last_checked = ?")
		args = append(args, update.LastChecked.UnixMilli())
	}
	if update.LastChanged != nil {
		sets = append(sets, "last_changed = ?")
		args = append(args, update.LastChanged.UnixMilli())
	}
	if update.LastStatus != nil {
		sets = append(sets, "last_status = ?")
		args = append(args, string(*update.LastStatus))
	}
	if update.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, *update.LastError)
	}
	if update.ClearError {
		sets = append(sets, "last_error = NULL")
	}
	if update.Active != nil {
		sets = append(sets, "active = ?")
		args = append(args, *update.Active)
	}
	if update.PauseReason != nil {
		sets = append(sets, "pause_reason = ?")
		args = append(args, *update.PauseReason)
	}

	if len(sets) == 0 {
		// 空更新也走同一条语句,保住行不存在时 (nil, nil) 的约定
		sets = append(sets, "id = id")
	}

	query := fmt.Sprintf("UPDATE monitors SET %s WHERE id = ? RETURNING %s",
		strings.Join(sets, ", "), monitorCols)
	args = append(args, id)

	row := s.db.QueryRowContext(ctx, query, args...)
	m, err := scanMonitor(row, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("更新监控项失败: %w", err)
	}

	// RETURNING拿不到联查的tier,更新成功后单独补齐
	tier, err := s.GetUserTier(ctx, m.UserID)
	if err != nil {
		utils.Debugf("回读用户套餐失败, 按free处理: %v", err)
		tier = models.TierFree
	}
	m.Tier = tier
	return m, nil
}

// AddChangeRecord 追加一条值变化记录
func (s *SQLiteStore) AddChangeRecord(ctx context.Context, record *models.ChangeRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO change_records (id, monitor_id, old_value, new_value, detected_at)
		VALUES (?, ?, ?, ?, ?)`,
		record.ID, record.MonitorID, nullableString(record.OldValue),
		record.NewValue, record.DetectedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("写入变化记录失败: %w", err)
	}
	return nil
}

// ListChangeRecords 按时间倒序列出变化记录,limit不大于0时取50
func (s *SQLiteStore) ListChangeRecords(ctx context.Context, monitorID string, limit int) ([]*models.ChangeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, monitor_id, old_value, new_value, detected_at
		FROM change_records
		WHERE monitor_id = ?
		ORDER BY detected_at DESC, id DESC
		LIMIT ?`,
		monitorID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("读取变化记录失败: %w", err)
	}
	defer rows.Close()

	var out []*models.ChangeRecord
	for rows.Next() {
		var (
			r        models.ChangeRecord
			oldValue sql.NullString
			at       int64
		)
		if err := rows.Scan(&r.ID, &r.MonitorID, &oldValue, &r.NewValue, &at); err != nil {
			return nil, fmt.Errorf("解析变化记录失败: %w", err)
		}
		if oldValue.Valid {
			v := oldValue.String
			r.OldValue = &v
		}
		r.DetectedAt = time.UnixMilli(at)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// AddRenderUsage 批量落库渲染用量
func (s *SQLiteStore) AddRenderUsage(ctx context.Context, usages []models.RenderUsage) error {
	if len(usages) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO render_usage (user_id, monitor_id, duration_ms, success, at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("准备用量写入失败: %w", err)
	}
	defer stmt.Close()

	for _, u := range usages {
		if _, err := stmt.ExecContext(ctx,
			u.UserID, u.MonitorID, u.DurationMs, u.Success, u.At.UnixMilli(),
		); err != nil {
			return fmt.Errorf("写入渲染用量失败: %w", err)
		}
	}
	return tx.Commit()
}

// AddCheckEvents 批量落库检查事件
func (s *SQLiteStore) AddCheckEvents(ctx context.Context, events []models.CheckEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO check_events (monitor_id, status, duration_ms, at)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("准备事件写入失败: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx,
			e.MonitorID, string(e.Status), e.DurationMs, e.At.UnixMilli(),
		); err != nil {
			return fmt.Errorf("写入检查事件失败: %w", err)
		}
	}
	return tx.Commit()
}

// CountRenderUsageSince 统计用户自since起的渲染会话数,供容量闸门用
func (s *SQLiteStore) CountRenderUsageSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM render_usage WHERE user_id = ? AND at >= ?`,
		userID, since.UnixMilli(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("统计渲染用量失败: %w", err)
	}
	return count, nil
}

// PruneTelemetry 删除cutoff之前的遥测行,返回删除总数。
// 变化记录是用户数据,不在清理范围内
func (s *SQLiteStore) PruneTelemetry(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"render_usage", "check_events"} {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE at < ?", table), cutoff.UnixMilli(),
		)
		if err != nil {
			return total, fmt.Errorf("清理%s失败: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// rowScanner 同时适配*sql.Row与*sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMonitor(rs rowScanner, withTier bool) (*models.Monitor, error) {
	var (
		m         models.Monitor
		createdAt int64
		curVal    sql.NullString
		checked   sql.NullInt64
		changed   sql.NullInt64
		status    sql.NullString
		lastErr   sql.NullString
		pauseWhy  sql.NullString
		tier      string
	)

	dest := []any{
		&m.ID, &m.UserID, &m.URL, &m.Selector, &m.Frequency, &createdAt,
		&curVal, &checked, &changed, &status, &lastErr,
		&m.Active, &m.EmailEnabled, &m.ConsecutiveFailures, &pauseWhy,
	}
	if withTier {
		dest = append(dest, &tier)
	}
	if err := rs.Scan(dest...); err != nil {
		return nil, err
	}

	m.CreatedAt = time.UnixMilli(createdAt)
	if curVal.Valid {
		v := curVal.String
		m.CurrentValue = &v
	}
	if checked.Valid {
		t := time.UnixMilli(checked.Int64)
		m.LastChecked = &t
	}
	if changed.Valid {
		t := time.UnixMilli(changed.Int64)
		m.LastChanged = &t
	}
	if status.Valid {
		m.LastStatus = models.Status(status.String)
	}
	if lastErr.Valid {
		v := lastErr.String
		m.LastError = &v
	}
	if pauseWhy.Valid {
		v := pauseWhy.String
		m.PauseReason = &v
	}
	if withTier {
		m.Tier = models.ParseTier(tier)
	}
	return &m, nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullableStatus(s models.Status) any {
	if s == "" {
		return nil
	}
	return string(s)
}
