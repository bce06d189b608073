package auction

import "context"

// Settlement 描述一次终态结算的全部入账信息。
type Settlement struct {
	TaskID      int64
	FromState   State
	ToState     State
	Beneficiary string
	Amount      int64
	// Release 为 true 时资金支付给智能体，否则退还发起方。
	Release   bool
	ProofHash string
	AnchorRef string
	SettledAt int64
}

// FundsSummary 汇总账本中的资金去向，用于守恒校验。
type FundsSummary struct {
	Deposited int64 `json:"deposited"`
	Escrowed  int64 `json:"escrowed"`
	Balances  int64 `json:"balances"`
	Withdrawn int64 `json:"withdrawn"`
}

// Store 定义竞拍账本的持久化接口，状态迁移检查在实现内部完成。
type Store interface {
	// CreateTask 持久化任务并分配单调递增 ID；押金超出预算的部分
	// 记入发起方的可提取余额。
	CreateTask(ctx context.Context, task Task, deposit int64) (Task, error)
	GetTask(ctx context.Context, id int64) (Task, error)
	ListTasks(ctx context.Context, states ...State) ([]Task, error)
	// AppendBid 追加报价，同一智能体重复报价返回 ErrDuplicateBid。
	AppendBid(ctx context.Context, bid Bid) error
	ListBids(ctx context.Context, taskID int64) ([]Bid, error)
	// AssignWinner 将任务从 AUCTION_OPEN 迁移到 ASSIGNED，托管额降为
	// 中标价，差额退入发起方余额。
	AssignWinner(ctx context.Context, taskID int64, winner Bid, sponsorRefund int64, completionDeadline int64, ts int64) error
	// Settle 执行终态迁移并入账；当前状态与 FromState 不符时返回
	// ErrWrongState。
	Settle(ctx context.Context, settlement Settlement) error
	Balance(ctx context.Context, account string) (int64, error)
	// WithdrawAll 先清零再返回余额；余额为零返回 ErrInsufficientFunds。
	WithdrawAll(ctx context.Context, account string) (int64, error)
	// RestoreBalance 在外部转账失败后回补余额。
	RestoreBalance(ctx context.Context, account string, amount int64) error
	FundsSummary(ctx context.Context) (FundsSummary, error)
	Close() error
}
