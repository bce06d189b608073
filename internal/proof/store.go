package proof

import "context"

// Store 定义证明提交与判据的持久化接口。证明指纹永久保留，
// 即使提交已经进入终态。
type Store interface {
	// CreateSubmission 登记提交；任务二次提交返回 ErrAlreadySubmitted，
	// 指纹重复返回 ErrReplayedProof。
	CreateSubmission(ctx context.Context, submission Submission) error
	GetByTask(ctx context.Context, taskID int64) (Submission, error)
	ListByState(ctx context.Context, state State) ([]Submission, error)
	// RecordVerdict 将 VERIFYING 的提交迁移到终态；状态不符返回
	// ErrNotVerifying。
	RecordVerdict(ctx context.Context, taskID int64, state State, result Result, ts int64) error
	SetCriteria(ctx context.Context, taskID int64, criteria Criteria) error
	GetCriteria(ctx context.Context, taskID int64) (Criteria, bool, error)
	Close() error
}
