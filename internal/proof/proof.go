// Package proof 实现履约证明的提交、校验与裁决回传。
package proof

import (
	"encoding/binary"
	"encoding/hex"

	xerrors "SwarmMarket/internal/errors"

	"github.com/ethereum/go-ethereum/crypto"
)

// State 表示证明在校验流程中的状态。
type State string

const (
	StateSubmitted State = "submitted"
	StateVerifying State = "verifying"
	StateVerified  State = "verified"
	StateRejected  State = "rejected"
	StateExpired   State = "expired"
)

// Terminal 判断该状态是否为终态。
func (s State) Terminal() bool {
	switch s {
	case StateVerified, StateRejected, StateExpired:
		return true
	default:
		return false
	}
}

// Result 记录一次终态裁决。
type Result struct {
	Verified        bool   `json:"verified"`
	FailedCriterion string `json:"failed_criterion,omitempty"`
}

// Submission 描述一次履约证明提交。
type Submission struct {
	TaskID             int64    `json:"task_id"`
	Agent              string   `json:"agent"`
	WaypointsHash      string   `json:"waypoints_hash,omitempty"`
	EvidenceHashes     []string `json:"evidence_hashes,omitempty"`
	BundleHash         string   `json:"bundle_hash"`
	SubmittedAt        int64    `json:"submitted_at"`
	ClaimedCompletedAt int64    `json:"claimed_completed_at"`
	State              State    `json:"state"`
	Result             *Result  `json:"result,omitempty"`
	DecidedAt          int64    `json:"decided_at,omitempty"`
}

// BundleHash 对任务号、智能体、航点摘要、有序证据摘要与声称完成时间
// 计算 Keccak-256，作为全局唯一的证明指纹。
// 变长字段先写入长度前缀，保证字段边界不同的输入不会串拼成同一串字节。
func BundleHash(taskID int64, agent, waypointsHash string, evidenceHashes []string, claimedCompletedAt int64) string {
	buf := make([]byte, 0, 256)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(taskID))
	buf = append(buf, tmp[:]...)
	buf = appendLenPrefixed(buf, agent)
	buf = appendLenPrefixed(buf, waypointsHash)
	binary.BigEndian.PutUint64(tmp[:], uint64(len(evidenceHashes)))
	buf = append(buf, tmp[:]...)
	for _, evidence := range evidenceHashes {
		buf = appendLenPrefixed(buf, evidence)
	}
	binary.BigEndian.PutUint64(tmp[:], uint64(claimedCompletedAt))
	buf = append(buf, tmp[:]...)
	return "0x" + hex.EncodeToString(crypto.Keccak256(buf))
}

func appendLenPrefixed(buf []byte, field string) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(len(field)))
	buf = append(buf, tmp[:]...)
	return append(buf, field...)
}

var (
	// ErrProofNotFound 表示任务没有对应的证明提交。
	ErrProofNotFound = xerrors.New(CodeProofNotFound, "proof submission not found")
	// ErrReplayedProof 表示证明指纹曾经出现过。
	ErrReplayedProof = xerrors.New(CodeReplayedProof, "proof bundle already seen", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrAlreadySubmitted 表示任务已经收到过证明。
	ErrAlreadySubmitted = xerrors.New(CodeAlreadySubmitted, "task already has a proof submission")
	// ErrNotVerifying 表示证明当前不在待裁决状态。
	ErrNotVerifying = xerrors.New(CodeNotVerifying, "submission is not awaiting a verdict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrVerificationPending 表示校验窗口尚未到期。
	ErrVerificationPending = xerrors.New(CodeVerificationPending, "verification window still open")
)

const (
	CodeProofNotFound       xerrors.Code = "PROOF_NOT_FOUND"
	CodeReplayedProof       xerrors.Code = "REPLAYED_PROOF"
	CodeAlreadySubmitted    xerrors.Code = "PROOF_ALREADY_SUBMITTED"
	CodeNotVerifying        xerrors.Code = "PROOF_NOT_VERIFYING"
	CodeVerificationPending xerrors.Code = "VERIFICATION_PENDING"
)

func init() {
	xerrors.Register(CodeProofNotFound, xerrors.Attributes{
		Message:   "proof submission not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeReplayedProof, xerrors.Attributes{
		Message:   "proof bundle already seen",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAlreadySubmitted, xerrors.Attributes{
		Message:   "task already has a proof submission",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNotVerifying, xerrors.Attributes{
		Message:   "submission is not awaiting a verdict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeVerificationPending, xerrors.Attributes{
		Message:   "verification window still open",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
}

func cloneEvidence(hashes []string) []string {
	if hashes == nil {
		return nil
	}
	cloned := make([]string, len(hashes))
	copy(cloned, hashes)
	return cloned
}
