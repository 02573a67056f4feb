package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"riskd/internal/store"
)

// Entry 为一条审计记录。
type Entry struct {
	ID        int64     `json:"id"`
	AccountID string    `json:"accountId"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	Path      string    `json:"path,omitempty"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service 负责持久化操作审计日志，只追加不修改。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化审计服务，创建所需表结构。
func NewService(st *store.Store, logger *zap.Logger) (*Service, error) {
	if st == nil {
		return nil, errors.New("audit: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     st.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS audit_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	account_id TEXT,
	event TEXT NOT NULL,
	detail TEXT,
	path TEXT,
	success INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_logs_account ON audit_logs(account_id);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("audit: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入一条审计记录。
func (s *Service) Record(ctx context.Context, entry Entry) error {
	if entry.Event == "" {
		return errors.New("audit: event 不能为空")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	success := 0
	if entry.Success {
		success = 1
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (account_id, event, detail, path, success, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.AccountID, entry.Event, entry.Detail, entry.Path, success,
		entry.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("audit: 写入审计日志失败: %w", err)
	}

	return nil
}

// RecordBestEffort 写入审计记录，失败时只记日志不向上传播。
func (s *Service) RecordBestEffort(ctx context.Context, entry Entry) {
	if err := s.Record(ctx, entry); err != nil {
		s.logger.Warn("写入审计日志失败", zap.String("event", entry.Event), zap.Error(err))
	}
}

// List 返回最近的审计记录，event 为空时不按类型过滤。
func (s *Service) List(ctx context.Context, event string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	query := `SELECT id, account_id, event, detail, path, success, created_at
		FROM audit_logs`
	args := make([]interface{}, 0, 2)
	if event != "" {
		query += ` WHERE event = ?`
		args = append(args, event)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: 查询审计日志失败: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			accountID sql.NullString
			detail    sql.NullString
			path      sql.NullString
			success   int
			createdAt string
		)
		if err := rows.Scan(&e.ID, &accountID, &e.Event, &detail, &path, &success, &createdAt); err != nil {
			return nil, fmt.Errorf("audit: 扫描审计日志失败: %w", err)
		}
		e.AccountID = accountID.String
		e.Detail = detail.String
		e.Path = path.String
		e.Success = success == 1
		if ts, parseErr := time.Parse(time.RFC3339, createdAt); parseErr == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
