package proof

import (
	"context"

	"SwarmMarket/internal/auction"
)

// Attestor 审查证明并给出裁决。返回 nil 结果表示留待外部裁决。
type Attestor interface {
	Review(ctx context.Context, submission Submission, criteria Criteria, task auction.Task) (*Result, error)
}

// InternalChecker 是确定性的内置审查器，按固定顺序检查判据，
// 第一个未通过的判据即为失败原因。
type InternalChecker struct{}

// Review 依次检查航点、证据数量、完成期限与最长用时。
func (InternalChecker) Review(_ context.Context, submission Submission, criteria Criteria, task auction.Task) (*Result, error) {
	if criteria.RequireWaypoints && submission.WaypointsHash == "" {
		return &Result{Verified: false, FailedCriterion: CriterionWaypoints}, nil
	}
	if len(submission.EvidenceHashes) < criteria.MinEvidenceCount {
		return &Result{Verified: false, FailedCriterion: CriterionEvidenceCount}, nil
	}
	if task.CompletionDeadline > 0 && submission.ClaimedCompletedAt > task.CompletionDeadline {
		return &Result{Verified: false, FailedCriterion: CriterionDeadline}, nil
	}
	if criteria.MaxCompletionTime > 0 && task.CreatedAt > 0 &&
		submission.ClaimedCompletedAt-task.CreatedAt > criteria.MaxCompletionTime {
		return &Result{Verified: false, FailedCriterion: CriterionCompletionTime}, nil
	}
	return &Result{Verified: true}, nil
}

var _ Attestor = InternalChecker{}

// Passthrough 不做任何内部审查，证明停留在待裁决状态，
// 直到外部裁决或校验窗口超时。
type Passthrough struct{}

// Review 始终不给出结论。
func (Passthrough) Review(context.Context, Submission, Criteria, auction.Task) (*Result, error) {
	return nil, nil
}

var _ Attestor = Passthrough{}
