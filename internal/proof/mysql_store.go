package proof

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

// MySQLStore 使用 MySQL 持久化证明提交与重放集合。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建证明的 MySQL 存储。
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
		`CREATE TABLE IF NOT EXISTS proof_submissions (
        task_id BIGINT PRIMARY KEY,
        agent VARCHAR(128) NOT NULL,
        waypoints_hash VARCHAR(128) DEFAULT '',
        evidence_hashes TEXT,
        bundle_hash VARCHAR(128) NOT NULL,
        submitted_at BIGINT NOT NULL,
        claimed_completed_at BIGINT NOT NULL,
        state VARCHAR(32) NOT NULL,
        verified TINYINT NOT NULL DEFAULT 0,
        failed_criterion VARCHAR(64) DEFAULT '',
        decided_at BIGINT NOT NULL DEFAULT 0,
        INDEX idx_proof_state (state)
)`,
		`CREATE TABLE IF NOT EXISTS proof_bundles (
        bundle_hash VARCHAR(128) PRIMARY KEY,
        task_id BIGINT NOT NULL,
        seen_at BIGINT NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS proof_criteria (
        task_id BIGINT PRIMARY KEY,
        location_tolerance BIGINT NOT NULL,
        max_completion_time BIGINT NOT NULL,
        min_evidence_count INT NOT NULL,
        require_waypoints TINYINT NOT NULL
)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化证明表失败")
		}
	}
	return nil
}

// CreateSubmission 在同一事务内登记提交与指纹。
func (s *MySQLStore) CreateSubmission(ctx context.Context, submission Submission) error {
	evidence, err := json.Marshal(submission.EvidenceHashes)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码证据摘要失败")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	const bundleStmt = `INSERT INTO proof_bundles (bundle_hash, task_id, seen_at) VALUES (?, ?, ?)`
	if _, err := tx.ExecContext(ctx, bundleStmt, submission.BundleHash, submission.TaskID, submission.SubmittedAt); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrReplayedProof
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "登记证明指纹失败")
	}

	const stmt = `INSERT INTO proof_submissions
        (task_id, agent, waypoints_hash, evidence_hashes, bundle_hash, submitted_at, claimed_completed_at, state)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, stmt,
		submission.TaskID,
		submission.Agent,
		submission.WaypointsHash,
		string(evidence),
		submission.BundleHash,
		submission.SubmittedAt,
		submission.ClaimedCompletedAt,
		string(submission.State),
	); err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrAlreadySubmitted
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入证明提交失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交证明登记失败")
	}
	return nil
}

// GetByTask 返回任务的证明提交。
func (s *MySQLStore) GetByTask(ctx context.Context, taskID int64) (Submission, error) {
	row := s.db.QueryRowContext(ctx, submissionSelect+` WHERE task_id = ?`, taskID)
	return scanSubmission(row)
}

// ListByState 返回处于指定状态的提交。
func (s *MySQLStore) ListByState(ctx context.Context, state State) ([]Submission, error) {
	rows, err := s.db.QueryContext(ctx, submissionSelect+` WHERE state = ? ORDER BY task_id ASC`, string(state))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询证明列表失败")
	}
	defer rows.Close()

	var submissions []Submission
	for rows.Next() {
		submission, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		submissions = append(submissions, submission)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历证明失败")
	}
	return submissions, nil
}

// RecordVerdict 条件迁移待裁决的提交。
func (s *MySQLStore) RecordVerdict(ctx context.Context, taskID int64, state State, result Result, ts int64) error {
	const stmt = `UPDATE proof_submissions
        SET state = ?, verified = ?, failed_criterion = ?, decided_at = ?
        WHERE task_id = ? AND state = ?`
	verified := 0
	if result.Verified {
		verified = 1
	}
	res, err := s.db.ExecContext(ctx, stmt,
		string(state),
		verified,
		result.FailedCriterion,
		ts,
		taskID,
		string(StateVerifying),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录裁决失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, err := s.GetByTask(ctx, taskID); err != nil {
			return err
		}
		return ErrNotVerifying
	}
	return nil
}

// SetCriteria 覆盖任务级判据。
func (s *MySQLStore) SetCriteria(ctx context.Context, taskID int64, criteria Criteria) error {
	const stmt = `INSERT INTO proof_criteria
        (task_id, location_tolerance, max_completion_time, min_evidence_count, require_waypoints)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE location_tolerance = VALUES(location_tolerance),
            max_completion_time = VALUES(max_completion_time),
            min_evidence_count = VALUES(min_evidence_count),
            require_waypoints = VALUES(require_waypoints)`
	requireWaypoints := 0
	if criteria.RequireWaypoints {
		requireWaypoints = 1
	}
	if _, err := s.db.ExecContext(ctx, stmt,
		taskID,
		criteria.LocationTolerance,
		criteria.MaxCompletionTime,
		criteria.MinEvidenceCount,
		requireWaypoints,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存判据失败")
	}
	return nil
}

// GetCriteria 返回任务级判据。
func (s *MySQLStore) GetCriteria(ctx context.Context, taskID int64) (Criteria, bool, error) {
	const stmt = `SELECT location_tolerance, max_completion_time, min_evidence_count, require_waypoints
        FROM proof_criteria WHERE task_id = ?`
	var criteria Criteria
	var requireWaypoints int
	err := s.db.QueryRowContext(ctx, stmt, taskID).Scan(
		&criteria.LocationTolerance,
		&criteria.MaxCompletionTime,
		&criteria.MinEvidenceCount,
		&requireWaypoints,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return Criteria{}, false, nil
		}
		return Criteria{}, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询判据失败")
	}
	criteria.RequireWaypoints = requireWaypoints != 0
	return criteria, true, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const submissionSelect = `SELECT task_id, agent, waypoints_hash, evidence_hashes, bundle_hash,
        submitted_at, claimed_completed_at, state, verified, failed_criterion, decided_at
        FROM proof_submissions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (Submission, error) {
	var submission Submission
	var evidence string
	var state string
	var verified int
	var failedCriterion string
	if err := row.Scan(
		&submission.TaskID,
		&submission.Agent,
		&submission.WaypointsHash,
		&evidence,
		&submission.BundleHash,
		&submission.SubmittedAt,
		&submission.ClaimedCompletedAt,
		&state,
		&verified,
		&failedCriterion,
		&submission.DecidedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return Submission{}, ErrProofNotFound
		}
		return Submission{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析证明记录失败")
	}
	submission.State = State(state)
	if evidence != "" {
		if err := json.Unmarshal([]byte(evidence), &submission.EvidenceHashes); err != nil {
			return Submission{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析证据摘要失败")
		}
	}
	if State(state).Terminal() {
		submission.Result = &Result{Verified: verified != 0, FailedCriterion: failedCriterion}
	}
	return submission, nil
}

var _ Store = (*MySQLStore)(nil)
