package auction

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "SwarmMarket/internal/errors"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 持久化竞拍账本，所有资金移动在事务内完成。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建账本的 MySQL 存储。
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
	statements := []string{
		`CREATE TABLE IF NOT EXISTS market_tasks (
        id BIGINT PRIMARY KEY AUTO_INCREMENT,
        mission_id VARCHAR(128) DEFAULT '',
        sponsor VARCHAR(128) NOT NULL,
        task_type VARCHAR(64) DEFAULT '',
        description TEXT,
        location_x BIGINT NOT NULL DEFAULT 0,
        location_y BIGINT NOT NULL DEFAULT 0,
        required_caps TEXT,
        budget BIGINT NOT NULL,
        state VARCHAR(32) NOT NULL,
        auction_deadline BIGINT NOT NULL,
        completion_deadline BIGINT NOT NULL DEFAULT 0,
        assigned_agent VARCHAR(128) DEFAULT '',
        winning_bid BIGINT NOT NULL DEFAULT 0,
        escrowed_amount BIGINT NOT NULL DEFAULT 0,
        released_amount BIGINT NOT NULL DEFAULT 0,
        refunded_amount BIGINT NOT NULL DEFAULT 0,
        proof_hash VARCHAR(128) DEFAULT '',
        anchor_ref VARCHAR(128) DEFAULT '',
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        settled_at BIGINT NOT NULL DEFAULT 0,
        INDEX idx_market_task_state (state),
        INDEX idx_market_task_sponsor (sponsor)
)`,
		`CREATE TABLE IF NOT EXISTS market_bids (
        task_id BIGINT NOT NULL,
        bidder VARCHAR(128) NOT NULL,
        amount BIGINT NOT NULL,
        estimated_time BIGINT NOT NULL,
        capability_match BIGINT NOT NULL,
        reputation BIGINT NOT NULL,
        bid_ts BIGINT NOT NULL,
        seq BIGINT PRIMARY KEY AUTO_INCREMENT,
        UNIQUE KEY uniq_task_bidder (task_id, bidder),
        INDEX idx_market_bid_task (task_id)
)`,
		`CREATE TABLE IF NOT EXISTS market_balances (
        account VARCHAR(128) PRIMARY KEY,
        balance BIGINT NOT NULL DEFAULT 0
)`,
		`CREATE TABLE IF NOT EXISTS market_funds (
        id TINYINT PRIMARY KEY,
        deposited BIGINT NOT NULL DEFAULT 0,
        withdrawn BIGINT NOT NULL DEFAULT 0
)`,
		`INSERT IGNORE INTO market_funds (id, deposited, withdrawn) VALUES (1, 0, 0)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化账本表失败")
		}
	}
	return nil
}

// CreateTask 在同一事务内登记任务、累计入金并退还超额押金。
func (s *MySQLStore) CreateTask(ctx context.Context, task Task, deposit int64) (Task, error) {
	caps, err := json.Marshal(task.RequiredCapabilities)
	if err != nil {
		return Task{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码能力需求失败")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	const stmt = `INSERT INTO market_tasks
        (mission_id, sponsor, task_type, description, location_x, location_y, required_caps, budget, state,
         auction_deadline, completion_deadline, assigned_agent, winning_bid, escrowed_amount,
         released_amount, refunded_amount, proof_hash, anchor_ref, created_at, updated_at, settled_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0, ?, 0, 0, '', '', ?, ?, 0)`

	res, err := tx.ExecContext(ctx, stmt,
		task.MissionID,
		task.Sponsor,
		task.TaskType,
		task.Description,
		task.Location[0],
		task.Location[1],
		string(caps),
		task.Budget,
		string(task.State),
		task.AuctionDeadline,
		task.CompletionDeadline,
		task.EscrowedAmount,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return Task{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Task{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取任务 ID 失败")
	}
	task.ID = id

	if _, err := tx.ExecContext(ctx, `UPDATE market_funds SET deposited = deposited + ? WHERE id = 1`, deposit); err != nil {
		return Task{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "累计入金失败")
	}
	if excess := deposit - task.EscrowedAmount; excess > 0 {
		if err := creditBalanceTx(ctx, tx, task.Sponsor, excess); err != nil {
			return Task{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Task{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交任务创建失败")
	}
	return task, nil
}

// GetTask 查询任务详情。
func (s *MySQLStore) GetTask(ctx context.Context, id int64) (Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	return scanTask(row)
}

// ListTasks 返回处于指定状态的任务，按 ID 升序。
func (s *MySQLStore) ListTasks(ctx context.Context, states ...State) ([]Task, error) {
	query := taskSelect
	args := make([]any, 0, len(states))
	if len(states) > 0 {
		placeholders := make([]string, len(states))
		for i, state := range states {
			placeholders[i] = "?"
			args = append(args, string(state))
		}
		query += ` WHERE state IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// AppendBid 追加报价，唯一键冲突映射为重复报价错误。
func (s *MySQLStore) AppendBid(ctx context.Context, bid Bid) error {
	if _, err := s.GetTask(ctx, bid.TaskID); err != nil {
		return err
	}
	const stmt = `INSERT INTO market_bids
        (task_id, bidder, amount, estimated_time, capability_match, reputation, bid_ts)
        VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		bid.TaskID,
		bid.Bidder,
		bid.Amount,
		bid.EstimatedTime,
		bid.CapabilityMatch,
		bid.Reputation,
		bid.Timestamp,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrDuplicateBid
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入报价失败")
	}
	return nil
}

// ListBids 按报价先后顺序返回任务的全部报价。
func (s *MySQLStore) ListBids(ctx context.Context, taskID int64) ([]Bid, error) {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	const stmt = `SELECT task_id, bidder, amount, estimated_time, capability_match, reputation, bid_ts
        FROM market_bids WHERE task_id = ? ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, stmt, taskID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询报价失败")
	}
	defer rows.Close()

	var bids []Bid
	for rows.Next() {
		var bid Bid
		if err := rows.Scan(
			&bid.TaskID,
			&bid.Bidder,
			&bid.Amount,
			&bid.EstimatedTime,
			&bid.CapabilityMatch,
			&bid.Reputation,
			&bid.Timestamp,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析报价失败")
		}
		bid.Valid = true
		bids = append(bids, bid)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历报价失败")
	}
	return bids, nil
}

// AssignWinner 条件迁移到 ASSIGNED，并在同一事务内退还差额。
func (s *MySQLStore) AssignWinner(ctx context.Context, taskID int64, winner Bid, sponsorRefund int64, completionDeadline int64, ts int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	const stmt = `UPDATE market_tasks
        SET state = ?, assigned_agent = ?, winning_bid = ?, escrowed_amount = ?,
            refunded_amount = refunded_amount + ?, completion_deadline = ?, updated_at = ?
        WHERE id = ? AND state = ?`
	res, err := tx.ExecContext(ctx, stmt,
		string(StateAssigned),
		winner.Bidder,
		winner.Amount,
		winner.Amount,
		sponsorRefund,
		completionDeadline,
		ts,
		taskID,
		string(StateAuctionOpen),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "指派中标者失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return s.conditionFailure(ctx, taskID)
	}

	if sponsorRefund > 0 {
		var sponsor string
		if err := tx.QueryRowContext(ctx, `SELECT sponsor FROM market_tasks WHERE id = ?`, taskID).Scan(&sponsor); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询发起方失败")
		}
		if err := creditBalanceTx(ctx, tx, sponsor, sponsorRefund); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交指派失败")
	}
	return nil
}

// Settle 条件执行终态迁移并把托管资金记入受益方余额。
func (s *MySQLStore) Settle(ctx context.Context, settlement Settlement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	releaseDelta := int64(0)
	refundDelta := int64(0)
	if settlement.Release {
		releaseDelta = settlement.Amount
	} else {
		refundDelta = settlement.Amount
	}

	const stmt = `UPDATE market_tasks
        SET state = ?, escrowed_amount = escrowed_amount - ?,
            released_amount = released_amount + ?, refunded_amount = refunded_amount + ?,
            proof_hash = IF(? = '', proof_hash, ?), anchor_ref = IF(? = '', anchor_ref, ?),
            updated_at = ?, settled_at = ?
        WHERE id = ? AND state = ?`
	res, err := tx.ExecContext(ctx, stmt,
		string(settlement.ToState),
		settlement.Amount,
		releaseDelta,
		refundDelta,
		settlement.ProofHash,
		settlement.ProofHash,
		settlement.AnchorRef,
		settlement.AnchorRef,
		settlement.SettledAt,
		settlement.SettledAt,
		settlement.TaskID,
		string(settlement.FromState),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "结算任务失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return s.conditionFailure(ctx, settlement.TaskID)
	}

	if settlement.Amount > 0 {
		if err := creditBalanceTx(ctx, tx, settlement.Beneficiary, settlement.Amount); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交结算失败")
	}
	return nil
}

// Balance 返回账户的可提取余额。
func (s *MySQLStore) Balance(ctx context.Context, account string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM market_balances WHERE account = ?`, account).Scan(&balance)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询余额失败")
	}
	return balance, nil
}

// WithdrawAll 在事务内先清零再返回余额。
func (s *MySQLStore) WithdrawAll(ctx context.Context, account string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx, `SELECT balance FROM market_balances WHERE account = ? FOR UPDATE`, account).Scan(&balance)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return 0, ErrInsufficientFunds
		}
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询余额失败")
	}
	if balance <= 0 {
		return 0, ErrInsufficientFunds
	}
	if _, err := tx.ExecContext(ctx, `UPDATE market_balances SET balance = 0 WHERE account = ?`, account); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清零余额失败")
	}
	if _, err := tx.ExecContext(ctx, `UPDATE market_funds SET withdrawn = withdrawn + ? WHERE id = 1`, balance); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "累计出金失败")
	}
	if err := tx.Commit(); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交提现失败")
	}
	return balance, nil
}

// RestoreBalance 在外部转账失败后回补余额。
func (s *MySQLStore) RestoreBalance(ctx context.Context, account string, amount int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	if err := creditBalanceTx(ctx, tx, account, amount); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE market_funds SET withdrawn = withdrawn - ? WHERE id = 1`, amount); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回滚出金累计失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交余额回补失败")
	}
	return nil
}

// FundsSummary 汇总资金去向。
func (s *MySQLStore) FundsSummary(ctx context.Context) (FundsSummary, error) {
	var summary FundsSummary
	err := s.db.QueryRowContext(ctx, `SELECT deposited, withdrawn FROM market_funds WHERE id = 1`).
		Scan(&summary.Deposited, &summary.Withdrawn)
	if err != nil {
		return FundsSummary{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询资金汇总失败")
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(escrowed_amount), 0) FROM market_tasks`).
		Scan(&summary.Escrowed); err != nil {
		return FundsSummary{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "汇总托管资金失败")
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(balance), 0) FROM market_balances`).
		Scan(&summary.Balances); err != nil {
		return FundsSummary{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "汇总账户余额失败")
	}
	return summary, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// conditionFailure 把条件更新未命中翻译成领域错误。
func (s *MySQLStore) conditionFailure(ctx context.Context, taskID int64) error {
	if _, err := s.GetTask(ctx, taskID); err != nil {
		return err
	}
	return ErrWrongState
}

func creditBalanceTx(ctx context.Context, tx *sql.Tx, account string, amount int64) error {
	const stmt = `INSERT INTO market_balances (account, balance) VALUES (?, ?)
        ON DUPLICATE KEY UPDATE balance = balance + VALUES(balance)`
	if _, err := tx.ExecContext(ctx, stmt, account, amount); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "入账失败")
	}
	return nil
}

const taskSelect = `SELECT id, mission_id, sponsor, task_type, description, location_x, location_y,
        required_caps, budget, state, auction_deadline, completion_deadline, assigned_agent,
        winning_bid, escrowed_amount, released_amount, refunded_amount, proof_hash, anchor_ref,
        created_at, updated_at, settled_at FROM market_tasks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var task Task
	var caps string
	var state string
	if err := row.Scan(
		&task.ID,
		&task.MissionID,
		&task.Sponsor,
		&task.TaskType,
		&task.Description,
		&task.Location[0],
		&task.Location[1],
		&caps,
		&task.Budget,
		&state,
		&task.AuctionDeadline,
		&task.CompletionDeadline,
		&task.AssignedAgent,
		&task.WinningBid,
		&task.EscrowedAmount,
		&task.ReleasedAmount,
		&task.RefundedAmount,
		&task.ProofHash,
		&task.AnchorRef,
		&task.CreatedAt,
		&task.UpdatedAt,
		&task.SettledAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
	}
	task.State = State(state)
	if caps != "" {
		if err := json.Unmarshal([]byte(caps), &task.RequiredCapabilities); err != nil {
			return Task{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析能力需求失败")
		}
	}
	return task, nil
}

var _ Store = (*MySQLStore)(nil)
