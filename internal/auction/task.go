package auction

import (
	xerrors "SwarmMarket/internal/errors"
)

// State 表示任务在市场生命周期中的状态。
type State string

const (
	StateAuctionOpen State = "auction_open"
	StateAssigned    State = "assigned"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateExpired     State = "expired"
)

// IsValidState 检查给定的任务状态是否为支持的枚举值。
func IsValidState(state State) bool {
	switch state {
	case StateAuctionOpen, StateAssigned, StateCompleted, StateFailed, StateExpired:
		return true
	default:
		return false
	}
}

// Terminal 判断该状态是否为终态。
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateExpired:
		return true
	default:
		return false
	}
}

// Task 描述一个托管了预算的竞拍任务。
type Task struct {
	ID                   int64    `json:"id"`
	MissionID            string   `json:"mission_id,omitempty"`
	Sponsor              string   `json:"sponsor"`
	TaskType             string   `json:"task_type"`
	Description          string   `json:"description"`
	Location             [2]int64 `json:"location"`
	RequiredCapabilities []int64  `json:"required_capabilities"`
	Budget               int64    `json:"budget"`
	State                State    `json:"state"`
	AuctionDeadline      int64    `json:"auction_deadline"`
	CompletionDeadline   int64    `json:"completion_deadline,omitempty"`
	AssignedAgent        string   `json:"assigned_agent,omitempty"`
	WinningBid           int64    `json:"winning_bid,omitempty"`
	EscrowedAmount       int64    `json:"escrowed_amount"`
	ReleasedAmount       int64    `json:"released_amount"`
	RefundedAmount       int64    `json:"refunded_amount"`
	ProofHash            string   `json:"proof_hash,omitempty"`
	AnchorRef            string   `json:"anchor_ref,omitempty"`
	CreatedAt            int64    `json:"created_at"`
	UpdatedAt            int64    `json:"updated_at"`
	SettledAt            int64    `json:"settled_at,omitempty"`
}

// Bid 描述一个智能体对任务的报价。
type Bid struct {
	TaskID          int64  `json:"task_id"`
	Bidder          string `json:"bidder"`
	Amount          int64  `json:"amount"`
	EstimatedTime   int64  `json:"estimated_time"`
	CapabilityMatch int64  `json:"capability_match"`
	Reputation      int64  `json:"reputation"`
	Timestamp       int64  `json:"timestamp"`
	Valid           bool   `json:"valid"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrAuctionClosed 表示竞拍窗口已经截止。
	ErrAuctionClosed = xerrors.New(CodeAuctionClosed, "auction window closed", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrAuctionNotYetClosed 表示竞拍窗口尚未截止。
	ErrAuctionNotYetClosed = xerrors.New(CodeAuctionNotYetClosed, "auction window still open", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrInsufficientCapability 表示竞拍者的能力匹配度低于准入门槛。
	ErrInsufficientCapability = xerrors.New(CodeInsufficientCapability, "capability match below bidding floor")
	// ErrBudgetExceeded 表示报价超出任务预算。
	ErrBudgetExceeded = xerrors.New(CodeBudgetExceeded, "bid exceeds task budget")
	// ErrDuplicateBid 表示同一智能体重复报价。
	ErrDuplicateBid = xerrors.New(CodeDuplicateBid, "agent already bid on this task")
	// ErrNoBids 表示任务在截止时没有收到任何报价。
	ErrNoBids = xerrors.New(CodeNoBids, "no bids received", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrWrongState 表示任务当前状态不允许该操作。
	ErrWrongState = xerrors.New(CodeWrongState, "operation not allowed in current state", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrNotAssignedAgent 表示操作方不是任务的中标智能体。
	ErrNotAssignedAgent = xerrors.New(CodeNotAssignedAgent, "caller is not the assigned agent")
	// ErrNotYetExpired 表示履约窗口尚未到期。
	ErrNotYetExpired = xerrors.New(CodeNotYetExpired, "completion window not yet expired", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrInsufficientFunds 表示账户余额为零，无可提取资金。
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "no withdrawable balance")
)

const (
	CodeTaskNotFound           xerrors.Code = "TASK_NOT_FOUND"
	CodeAuctionClosed          xerrors.Code = "AUCTION_CLOSED"
	CodeAuctionNotYetClosed    xerrors.Code = "AUCTION_NOT_YET_CLOSED"
	CodeInsufficientCapability xerrors.Code = "INSUFFICIENT_CAPABILITY"
	CodeBudgetExceeded         xerrors.Code = "BUDGET_EXCEEDED"
	CodeDuplicateBid           xerrors.Code = "DUPLICATE_BID"
	CodeNoBids                 xerrors.Code = "NO_BIDS"
	CodeWrongState             xerrors.Code = "WRONG_STATE"
	CodeNotAssignedAgent       xerrors.Code = "NOT_ASSIGNED_AGENT"
	CodeNotYetExpired          xerrors.Code = "NOT_YET_EXPIRED"
	CodeInsufficientFunds      xerrors.Code = "INSUFFICIENT_FUNDS"
	CodeSettlementFailed       xerrors.Code = "SETTLEMENT_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAuctionClosed, xerrors.Attributes{
		Message:   "auction window closed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeAuctionNotYetClosed, xerrors.Attributes{
		Message:   "auction window still open",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientCapability, xerrors.Attributes{
		Message:   "capability match below bidding floor",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeBudgetExceeded, xerrors.Attributes{
		Message:   "bid exceeds task budget",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDuplicateBid, xerrors.Attributes{
		Message:   "agent already bid on this task",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNoBids, xerrors.Attributes{
		Message:   "no bids received",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeWrongState, xerrors.Attributes{
		Message:   "operation not allowed in current state",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNotAssignedAgent, xerrors.Attributes{
		Message:   "caller is not the assigned agent",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNotYetExpired, xerrors.Attributes{
		Message:   "completion window not yet expired",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{
		Message:   "no withdrawable balance",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSettlementFailed, xerrors.Attributes{
		Message:   "task settlement failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

func cloneCaps(caps []int64) []int64 {
	if caps == nil {
		return nil
	}
	cloned := make([]int64, len(caps))
	copy(cloned, caps)
	return cloned
}
