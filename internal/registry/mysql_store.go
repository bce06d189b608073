package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	xerrors "SwarmMarket/internal/errors"
)

// MySQLStore 使用 MySQL 记录智能体档案。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS agents (
        address VARCHAR(64) PRIMARY KEY,
        agent_id VARCHAR(128) NOT NULL,
        capabilities TEXT NOT NULL,
        reputation BIGINT NOT NULL,
        tasks_completed BIGINT NOT NULL DEFAULT 0,
        tasks_failed BIGINT NOT NULL DEFAULT 0,
        active TINYINT(1) NOT NULL DEFAULT 1,
        registered_at BIGINT NOT NULL,
        last_active_at BIGINT NOT NULL,
        UNIQUE KEY uniq_agent_id (agent_id),
        INDEX idx_agent_active (active)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 agents 表失败")
	}
	return nil
}

// Create 插入新的档案。地址或可读 ID 冲突均映射为 ErrDuplicateIdentity。
func (s *MySQLStore) Create(ctx context.Context, agent *Agent) error {
	if agent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	capabilities, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码能力向量失败")
	}

	const stmt = `INSERT INTO agents
        (address, agent_id, capabilities, reputation, tasks_completed, tasks_failed, active, registered_at, last_active_at)
        VALUES (?, ?, ?, ?, 0, 0, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		agent.Address,
		agent.AgentID,
		string(capabilities),
		agent.Reputation,
		agent.Active,
		agent.RegisteredAt,
		agent.LastActiveAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrDuplicateIdentity
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入档案失败")
	}
	return nil
}

// Get 查询指定地址的档案。
func (s *MySQLStore) Get(ctx context.Context, address string) (*Agent, error) {
	const stmt = `SELECT address, agent_id, capabilities, reputation, tasks_completed, tasks_failed, active, registered_at, last_active_at
        FROM agents WHERE address = ?`

	return scanAgent(s.db.QueryRowContext(ctx, stmt, address))
}

// UpdateCapabilities 覆盖能力向量。
func (s *MySQLStore) UpdateCapabilities(ctx context.Context, address string, capabilities []int64, ts int64) error {
	encoded, err := json.Marshal(capabilities)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码能力向量失败")
	}
	const stmt = `UPDATE agents SET capabilities = ?, last_active_at = ? WHERE address = ?`
	res, err := s.db.ExecContext(ctx, stmt, string(encoded), ts, address)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新能力向量失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotRegistered
	}
	return nil
}

// SetActive 条件式切换活跃标志。
func (s *MySQLStore) SetActive(ctx context.Context, address string, active bool, ts int64) error {
	const stmt = `UPDATE agents SET active = ?, last_active_at = ? WHERE address = ? AND active = ?`
	res, err := s.db.ExecContext(ctx, stmt, active, ts, address, !active)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "切换活跃状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, address); getErr != nil {
			return getErr
		}
		return ErrStateUnchanged
	}
	return nil
}

// ApplyOutcome 写入结算反馈。
func (s *MySQLStore) ApplyOutcome(ctx context.Context, address string, reputation int64, success bool, ts int64) error {
	stmt := `UPDATE agents SET reputation = ?, tasks_failed = tasks_failed + 1, last_active_at = ? WHERE address = ?`
	if success {
		stmt = `UPDATE agents SET reputation = ?, tasks_completed = tasks_completed + 1, last_active_at = ? WHERE address = ?`
	}
	res, err := s.db.ExecContext(ctx, stmt, reputation, ts, address)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入结算反馈失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotRegistered
	}
	return nil
}

// List 返回档案列表。
func (s *MySQLStore) List(ctx context.Context, activeOnly bool) ([]*Agent, error) {
	query := `SELECT address, agent_id, capabilities, reputation, tasks_completed, tasks_failed, active, registered_at, last_active_at
        FROM agents`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY registered_at ASC, address ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询档案列表失败")
	}
	defer rows.Close()

	agents := make([]*Agent, 0, 16)
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历档案失败")
	}
	return agents, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	var agent Agent
	var capabilities string
	if err := row.Scan(
		&agent.Address,
		&agent.AgentID,
		&capabilities,
		&agent.Reputation,
		&agent.TasksCompleted,
		&agent.TasksFailed,
		&agent.Active,
		&agent.RegisteredAt,
		&agent.LastActiveAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotRegistered
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析档案记录失败")
	}
	if err := json.Unmarshal([]byte(capabilities), &agent.Capabilities); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析能力向量失败")
	}
	return &agent, nil
}

var _ Store = (*MySQLStore)(nil)
