package proof

import (
	"context"
	"fmt"
	"time"

	"SwarmMarket/internal/auction"
	"SwarmMarket/internal/auth"
	"SwarmMarket/pkg/logger"
)

// SettlementLedger 是校验器需要的账本子集。
type SettlementLedger interface {
	GetTask(ctx context.Context, taskID int64) (auction.Task, error)
	ReportCompletion(ctx context.Context, caller string, taskID int64, agent string, success bool, proofHash string) (auction.Task, error)
}

// Verifier 接收履约证明并把终态裁决回传给账本，每个终态裁决
// 恰好触发一次结算。
type Verifier struct {
	store     Store
	ledger    SettlementLedger
	attestor  Attestor
	catalogue *Catalogue
	auth      auth.Authorizer
	// identity 是校验器向账本上报时使用的身份。
	identity string
	window   int64
	now      func() time.Time
}

// Option 定制校验器行为。
type Option func(*Verifier)

// WithAuthorizer 指定权限校验器。
func WithAuthorizer(authorizer auth.Authorizer) Option {
	return func(v *Verifier) { v.auth = authorizer }
}

// WithAttestor 指定证明审查器。
func WithAttestor(attestor Attestor) Option {
	return func(v *Verifier) { v.attestor = attestor }
}

// WithCatalogue 指定判据目录。
func WithCatalogue(catalogue *Catalogue) Option {
	return func(v *Verifier) { v.catalogue = catalogue }
}

// WithIdentity 指定上报身份地址。
func WithIdentity(identity string) Option {
	return func(v *Verifier) { v.identity = identity }
}

// WithWindow 指定校验窗口秒数。
func WithWindow(seconds int64) Option {
	return func(v *Verifier) {
		if seconds > 0 {
			v.window = seconds
		}
	}
}

// WithClock 覆盖时钟，便于测试。
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier 创建证明校验器。
func NewVerifier(store Store, ledger SettlementLedger, opts ...Option) *Verifier {
	verifier := &Verifier{
		store:    store,
		ledger:   ledger,
		attestor: InternalChecker{},
		auth:     auth.AllowAll{},
		identity: "verifier",
		window:   60,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(verifier)
	}
	return verifier
}

// SubmitProof 登记履约证明并立即进入校验流程。同一指纹永远只接受一次。
func (v *Verifier) SubmitProof(ctx context.Context, agent string, taskID int64, waypointsHash string, evidenceHashes []string, claimedCompletedAt int64) (Submission, error) {
	task, err := v.ledger.GetTask(ctx, taskID)
	if err != nil {
		return Submission{}, err
	}
	if task.State != auction.StateAssigned {
		return Submission{}, auction.ErrWrongState
	}
	if agent != task.AssignedAgent {
		return Submission{}, auction.ErrNotAssignedAgent
	}

	now := v.now().Unix()
	submission := Submission{
		TaskID:             taskID,
		Agent:              agent,
		WaypointsHash:      waypointsHash,
		EvidenceHashes:     cloneEvidence(evidenceHashes),
		BundleHash:         BundleHash(taskID, agent, waypointsHash, evidenceHashes, claimedCompletedAt),
		SubmittedAt:        now,
		ClaimedCompletedAt: claimedCompletedAt,
		State:              StateVerifying,
	}
	if err := v.store.CreateSubmission(ctx, submission); err != nil {
		return Submission{}, err
	}
	logger.Audit().Info("proof submitted",
		"task_id", taskID,
		"agent", agent,
		"bundle_hash", submission.BundleHash,
	)

	criteria, err := v.criteriaFor(ctx, taskID, task.TaskType)
	if err != nil {
		return Submission{}, err
	}
	result, err := v.attestor.Review(ctx, submission, criteria, task)
	if err != nil {
		return Submission{}, fmt.Errorf("证明审查失败: %w", err)
	}
	if result == nil {
		// 留待外部裁决。
		return submission, nil
	}
	return v.finalize(ctx, submission, *result, verdictState(*result))
}

// SetCriteria 覆盖任务的校验判据。
func (v *Verifier) SetCriteria(ctx context.Context, caller string, taskID int64, criteria Criteria) error {
	if !v.auth.Allow(caller, auth.PermCriteriaSet) {
		return fmt.Errorf("调用方 %s 无判据设置权限: %w", caller, auth.ErrPermissionDenied)
	}
	if _, err := v.ledger.GetTask(ctx, taskID); err != nil {
		return err
	}
	return v.store.SetCriteria(ctx, taskID, criteria)
}

// SubmitVerdict 接受外部审查方的裁决，仅对待裁决的提交有效。
func (v *Verifier) SubmitVerdict(ctx context.Context, caller string, taskID int64, verified bool, failedCriterion string) (Submission, error) {
	if !v.auth.Allow(caller, auth.PermVerdictSubmit) {
		return Submission{}, fmt.Errorf("调用方 %s 无裁决权限: %w", caller, auth.ErrPermissionDenied)
	}
	submission, err := v.store.GetByTask(ctx, taskID)
	if err != nil {
		return Submission{}, err
	}
	result := Result{Verified: verified, FailedCriterion: failedCriterion}
	return v.finalize(ctx, submission, result, verdictState(result))
}

// HandleVerificationTimeout 在校验窗口到期后把沉默视为失败。
func (v *Verifier) HandleVerificationTimeout(ctx context.Context, caller string, taskID int64) (Submission, error) {
	if !v.auth.Allow(caller, auth.PermVerifyTimeout) {
		return Submission{}, fmt.Errorf("调用方 %s 无校验超时处理权限: %w", caller, auth.ErrPermissionDenied)
	}
	submission, err := v.store.GetByTask(ctx, taskID)
	if err != nil {
		return Submission{}, err
	}
	if submission.State != StateVerifying {
		return Submission{}, ErrNotVerifying
	}
	if v.now().Unix() <= submission.SubmittedAt+v.window {
		return Submission{}, ErrVerificationPending
	}
	return v.finalize(ctx, submission, Result{Verified: false}, StateExpired)
}

// GetSubmission 返回任务的证明提交。
func (v *Verifier) GetSubmission(ctx context.Context, taskID int64) (Submission, error) {
	return v.store.GetByTask(ctx, taskID)
}

// CriteriaFor 返回任务生效的判据（任务级覆盖优先于类型默认值）。
func (v *Verifier) CriteriaFor(ctx context.Context, taskID int64, taskType string) (Criteria, error) {
	return v.criteriaFor(ctx, taskID, taskType)
}

// PendingVerifications 返回全部待裁决的提交，供巡检循环使用。
func (v *Verifier) PendingVerifications(ctx context.Context) ([]Submission, error) {
	return v.store.ListByState(ctx, StateVerifying)
}

// Window 返回校验窗口秒数。
func (v *Verifier) Window() int64 {
	return v.window
}

func (v *Verifier) criteriaFor(ctx context.Context, taskID int64, taskType string) (Criteria, error) {
	criteria, found, err := v.store.GetCriteria(ctx, taskID)
	if err != nil {
		return Criteria{}, err
	}
	if found {
		return criteria, nil
	}
	return v.catalogue.For(taskType), nil
}

// finalize 记录终态裁决并把结果回传账本，恰好一次。
func (v *Verifier) finalize(ctx context.Context, submission Submission, result Result, state State) (Submission, error) {
	now := v.now().Unix()
	if err := v.store.RecordVerdict(ctx, submission.TaskID, state, result, now); err != nil {
		return Submission{}, err
	}

	logger.Audit().Info("proof verdict",
		"task_id", submission.TaskID,
		"agent", submission.Agent,
		"state", string(state),
		"failed_criterion", result.FailedCriterion,
	)
	if _, err := v.ledger.ReportCompletion(ctx, v.identity, submission.TaskID, submission.Agent, result.Verified, submission.BundleHash); err != nil {
		return Submission{}, fmt.Errorf("结算回传失败: %w", err)
	}

	resultCopy := result
	submission.Result = &resultCopy
	submission.State = state
	submission.DecidedAt = now
	return submission, nil
}

func verdictState(result Result) State {
	if result.Verified {
		return StateVerified
	}
	return StateRejected
}
