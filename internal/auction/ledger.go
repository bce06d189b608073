package auction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"SwarmMarket/internal/anchor"
	"SwarmMarket/internal/auth"
	"SwarmMarket/internal/notify"
	"SwarmMarket/internal/observability/metrics"
	"SwarmMarket/internal/registry"
	"SwarmMarket/pkg/logger"
)

// Windows 汇总市场的三个时间窗口（秒）。
type Windows struct {
	Auction      int64
	Completion   int64
	Verification int64
}

// DefaultWindows 返回默认的市场时间窗口。
func DefaultWindows() Windows {
	return Windows{Auction: 30, Completion: 300, Verification: 60}
}

// TransferSink 把提取的资金转出账本；返回错误时余额会被回补。
type TransferSink func(ctx context.Context, account string, amount int64) error

// Ledger 是竞拍与托管账本，所有对外操作串行执行。
type Ledger struct {
	mu sync.Mutex

	store    Store
	registry *registry.Service
	auth     auth.Authorizer
	producer notify.Producer
	anchorer anchor.Anchorer
	sink     TransferSink
	windows  Windows
	// identity 是账本在调整信誉时使用的结算身份。
	identity string
	now      func() time.Time
}

// Option 定制账本行为。
type Option func(*Ledger)

// WithAuthorizer 指定权限校验器。
func WithAuthorizer(authorizer auth.Authorizer) Option {
	return func(l *Ledger) { l.auth = authorizer }
}

// WithProducer 指定生命周期事件的投递队列。
func WithProducer(producer notify.Producer) Option {
	return func(l *Ledger) { l.producer = producer }
}

// WithAnchorer 指定结算锚定客户端。
func WithAnchorer(anchorer anchor.Anchorer) Option {
	return func(l *Ledger) { l.anchorer = anchorer }
}

// WithTransferSink 指定提现出口。
func WithTransferSink(sink TransferSink) Option {
	return func(l *Ledger) { l.sink = sink }
}

// WithWindows 覆盖默认时间窗口。
func WithWindows(windows Windows) Option {
	return func(l *Ledger) {
		if windows.Auction > 0 {
			l.windows.Auction = windows.Auction
		}
		if windows.Completion > 0 {
			l.windows.Completion = windows.Completion
		}
		if windows.Verification > 0 {
			l.windows.Verification = windows.Verification
		}
	}
}

// WithIdentity 指定结算身份地址。
func WithIdentity(identity string) Option {
	return func(l *Ledger) { l.identity = identity }
}

// WithClock 覆盖时钟，便于测试。
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger 创建竞拍账本。
func NewLedger(store Store, reg *registry.Service, opts ...Option) *Ledger {
	ledger := &Ledger{
		store:    store,
		registry: reg,
		auth:     auth.AllowAll{},
		anchorer: anchor.Noop{},
		windows:  DefaultWindows(),
		identity: "ledger",
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(ledger)
	}
	return ledger
}

// CreateTask 托管预算并开启竞拍，押金超出预算的部分记入发起方余额。
func (l *Ledger) CreateTask(ctx context.Context, sponsor string, task Task, deposit int64) (Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.auth.Allow(sponsor, auth.PermTaskCreate) {
		return Task{}, fmt.Errorf("发起方 %s 无创建任务权限: %w", sponsor, auth.ErrPermissionDenied)
	}
	if task.Budget <= 0 {
		return Task{}, fmt.Errorf("任务预算必须为正数: %w", ErrWrongState)
	}
	if deposit < task.Budget {
		return Task{}, fmt.Errorf("押金 %d 低于预算 %d: %w", deposit, task.Budget, ErrInsufficientFunds)
	}
	if err := registry.ValidateCapabilities(task.RequiredCapabilities); err != nil {
		return Task{}, err
	}

	now := l.now().Unix()
	task.Sponsor = sponsor
	task.State = StateAuctionOpen
	task.AuctionDeadline = now + l.windows.Auction
	// 交付期限从创建时刻起算，竞拍耗时计入交付窗口。
	task.CompletionDeadline = now + l.windows.Completion
	task.EscrowedAmount = task.Budget
	task.ReleasedAmount = 0
	task.RefundedAmount = 0
	task.CreatedAt = now
	task.UpdatedAt = now

	created, err := l.store.CreateTask(ctx, task, deposit)
	if err != nil {
		return Task{}, err
	}

	logger.Audit().Info("task escrowed",
		"task_id", created.ID,
		"sponsor", sponsor,
		"budget", created.Budget,
		"deposit", deposit,
	)
	l.publish(ctx, notify.EventTaskCreated, created)
	return created, nil
}

// PlaceBid 以智能体当前画像计算报价并登记。
func (l *Ledger) PlaceBid(ctx context.Context, bidder string, taskID, estimatedTime int64) (Bid, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return Bid{}, err
	}
	now := l.now().Unix()
	if task.State != StateAuctionOpen {
		return Bid{}, ErrWrongState
	}
	if now >= task.AuctionDeadline {
		return Bid{}, ErrAuctionClosed
	}

	agent, err := l.registry.Get(ctx, bidder)
	if err != nil {
		return Bid{}, err
	}
	if !agent.Active {
		return Bid{}, registry.ErrInactive
	}
	match := registry.ScoreCapabilities(agent.Capabilities, task.RequiredCapabilities)
	if match < MatchFloor {
		return Bid{}, fmt.Errorf("匹配分 %d 低于门槛 %d: %w", match, int64(MatchFloor), ErrInsufficientCapability)
	}

	amount := ComputeBidAmount(task.Budget, estimatedTime, l.windows.Completion, match, agent.Reputation, agent.SuccessRate())
	if amount > task.Budget {
		return Bid{}, ErrBudgetExceeded
	}

	bid := Bid{
		TaskID:          taskID,
		Bidder:          bidder,
		Amount:          amount,
		EstimatedTime:   estimatedTime,
		CapabilityMatch: match,
		Reputation:      agent.Reputation,
		Timestamp:       now,
		Valid:           true,
	}
	if err := l.store.AppendBid(ctx, bid); err != nil {
		return Bid{}, err
	}

	event := notify.NewEvent(notify.EventBidPlaced, taskID)
	event.Agent = bidder
	event.Amount = amount
	l.publishEvent(ctx, event)
	return bid, nil
}

// CloseAuction 在竞拍截止后选出中标者；报价者在竞拍期间被停用则跳过。
func (l *Ledger) CloseAuction(ctx context.Context, caller string, taskID int64) (Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.auth.Allow(caller, auth.PermAuctionClose) {
		return Task{}, fmt.Errorf("调用方 %s 无结拍权限: %w", caller, auth.ErrPermissionDenied)
	}
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if task.State != StateAuctionOpen {
		return Task{}, ErrWrongState
	}
	now := l.now().Unix()
	if now < task.AuctionDeadline {
		return Task{}, ErrAuctionNotYetClosed
	}

	bids, err := l.store.ListBids(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if len(bids) == 0 {
		return Task{}, ErrNoBids
	}

	alive := make([]Bid, 0, len(bids))
	for _, bid := range bids {
		agent, err := l.registry.Get(ctx, bid.Bidder)
		if err != nil || !agent.Active {
			continue
		}
		alive = append(alive, bid)
	}
	if len(alive) == 0 {
		// 全部报价者在竞拍期间失效，任务失败并退款。
		return l.settle(ctx, task, Settlement{
			TaskID:      taskID,
			FromState:   StateAuctionOpen,
			ToState:     StateFailed,
			Beneficiary: task.Sponsor,
			Amount:      task.EscrowedAmount,
			Release:     false,
			SettledAt:   now,
		})
	}

	winner := alive[SelectWinner(task.Budget, alive)]
	refund := task.Budget - winner.Amount
	if err := l.store.AssignWinner(ctx, taskID, winner, refund, task.CompletionDeadline, now); err != nil {
		return Task{}, err
	}

	logger.Audit().Info("task assigned",
		"task_id", taskID,
		"agent", winner.Bidder,
		"amount", winner.Amount,
		"refund", refund,
	)
	assigned, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	l.publish(ctx, notify.EventTaskAssigned, assigned)
	return assigned, nil
}

// CancelAuction 在竞拍截止且无任何报价时退款并关闭任务。
func (l *Ledger) CancelAuction(ctx context.Context, caller string, taskID int64) (Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if caller != task.Sponsor && !l.auth.Allow(caller, auth.PermAuctionClose) {
		return Task{}, fmt.Errorf("调用方 %s 无取消权限: %w", caller, auth.ErrPermissionDenied)
	}
	if task.State != StateAuctionOpen {
		return Task{}, ErrWrongState
	}
	now := l.now().Unix()
	if now < task.AuctionDeadline {
		return Task{}, ErrAuctionNotYetClosed
	}
	bids, err := l.store.ListBids(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if len(bids) > 0 {
		return Task{}, ErrWrongState
	}

	return l.settle(ctx, task, Settlement{
		TaskID:      taskID,
		FromState:   StateAuctionOpen,
		ToState:     StateFailed,
		Beneficiary: task.Sponsor,
		Amount:      task.EscrowedAmount,
		Release:     false,
		SettledAt:   now,
	})
}

// ReportCompletion 记录履约结果：成功支付给智能体，失败退款给发起方，
// 两种结果都会反馈到信誉。重复回调会被 ASSIGNED 状态检查拒绝。
func (l *Ledger) ReportCompletion(ctx context.Context, caller string, taskID int64, agentAddr string, success bool, proofHash string) (Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.auth.Allow(caller, auth.PermCompletionReport) {
		return Task{}, fmt.Errorf("调用方 %s 无履约上报权限: %w", caller, auth.ErrPermissionDenied)
	}
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if task.State != StateAssigned {
		return Task{}, ErrWrongState
	}
	if agentAddr != task.AssignedAgent {
		return Task{}, ErrNotAssignedAgent
	}

	now := l.now().Unix()
	settlement := Settlement{
		TaskID:    taskID,
		FromState: StateAssigned,
		ProofHash: proofHash,
		SettledAt: now,
	}
	if success {
		settlement.ToState = StateCompleted
		settlement.Beneficiary = agentAddr
		settlement.Amount = task.EscrowedAmount
		settlement.Release = true
	} else {
		settlement.ToState = StateFailed
		settlement.Beneficiary = task.Sponsor
		settlement.Amount = task.EscrowedAmount
		settlement.Release = false
	}

	settled, err := l.settle(ctx, task, settlement)
	if err != nil {
		return Task{}, err
	}
	if err := l.registry.AdjustReputation(ctx, l.identity, agentAddr, success); err != nil {
		logger.L().Warn("信誉调整失败", "task_id", taskID, "agent", agentAddr, "error", err)
	}
	return settled, nil
}

// HandleTimeout 在履约窗口到期后将任务置为过期并退款。
func (l *Ledger) HandleTimeout(ctx context.Context, caller string, taskID int64) (Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.auth.Allow(caller, auth.PermTaskTimeout) {
		return Task{}, fmt.Errorf("调用方 %s 无超时处理权限: %w", caller, auth.ErrPermissionDenied)
	}
	task, err := l.store.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	if task.State != StateAssigned {
		return Task{}, ErrWrongState
	}
	now := l.now().Unix()
	if now <= task.CompletionDeadline {
		return Task{}, ErrNotYetExpired
	}

	settled, err := l.settle(ctx, task, Settlement{
		TaskID:      taskID,
		FromState:   StateAssigned,
		ToState:     StateExpired,
		Beneficiary: task.Sponsor,
		Amount:      task.EscrowedAmount,
		Release:     false,
		SettledAt:   now,
	})
	if err != nil {
		return Task{}, err
	}
	if err := l.registry.AdjustReputation(ctx, l.identity, task.AssignedAgent, false); err != nil {
		logger.L().Warn("信誉调整失败", "task_id", taskID, "agent", task.AssignedAgent, "error", err)
	}
	return settled, nil
}

// Withdraw 提取账户全部余额：先清零，转账失败再回补。
func (l *Ledger) Withdraw(ctx context.Context, account string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	amount, err := l.store.WithdrawAll(ctx, account)
	if err != nil {
		return 0, err
	}
	if l.sink != nil {
		if err := l.sink(ctx, account, amount); err != nil {
			if restoreErr := l.store.RestoreBalance(ctx, account, amount); restoreErr != nil {
				logger.L().Error("余额回补失败", "account", account, "amount", amount, "error", restoreErr)
			}
			return 0, fmt.Errorf("资金转出失败: %w", err)
		}
	}
	logger.Audit().Info("balance withdrawn", "account", account, "amount", amount)
	return amount, nil
}

// GetTask 返回任务详情。
func (l *Ledger) GetTask(ctx context.Context, taskID int64) (Task, error) {
	return l.store.GetTask(ctx, taskID)
}

// ListTasks 返回指定状态的任务列表。
func (l *Ledger) ListTasks(ctx context.Context, states ...State) ([]Task, error) {
	return l.store.ListTasks(ctx, states...)
}

// ListBids 返回任务的报价历史。
func (l *Ledger) ListBids(ctx context.Context, taskID int64) ([]Bid, error) {
	return l.store.ListBids(ctx, taskID)
}

// Balance 返回账户的可提取余额。
func (l *Ledger) Balance(ctx context.Context, account string) (int64, error) {
	return l.store.Balance(ctx, account)
}

// FundsSummary 返回资金守恒汇总。
func (l *Ledger) FundsSummary(ctx context.Context) (FundsSummary, error) {
	return l.store.FundsSummary(ctx)
}

// Windows 返回账本当前的时间窗口配置。
func (l *Ledger) Windows() Windows {
	return l.windows
}

// settle 先尝试锚定（失败仅记录），再执行终态迁移并广播事件。
func (l *Ledger) settle(ctx context.Context, task Task, settlement Settlement) (Task, error) {
	ref, err := l.anchorer.AnchorSettlement(ctx, anchor.Receipt{
		TaskID:    settlement.TaskID,
		Sponsor:   task.Sponsor,
		Agent:     task.AssignedAgent,
		Amount:    settlement.Amount,
		State:     string(settlement.ToState),
		ProofHash: settlement.ProofHash,
		SettledAt: settlement.SettledAt,
	})
	if err != nil {
		logger.L().Warn("结算锚定失败", "task_id", settlement.TaskID, "error", err)
	} else {
		settlement.AnchorRef = ref
	}

	if err := l.store.Settle(ctx, settlement); err != nil {
		return Task{}, err
	}
	metrics.ObserveSettlement(string(settlement.ToState))

	logger.Audit().Info("task settled",
		"task_id", settlement.TaskID,
		"state", string(settlement.ToState),
		"beneficiary", settlement.Beneficiary,
		"amount", settlement.Amount,
		"released", settlement.Release,
	)
	settled, err := l.store.GetTask(ctx, settlement.TaskID)
	if err != nil {
		return Task{}, err
	}
	l.publish(ctx, notify.EventTaskSettled, settled)
	return settled, nil
}

func (l *Ledger) publish(ctx context.Context, eventType notify.EventType, task Task) {
	event := notify.NewEvent(eventType, task.ID)
	event.Sponsor = task.Sponsor
	event.Agent = task.AssignedAgent
	event.Amount = task.EscrowedAmount
	event.State = string(task.State)
	l.publishEvent(ctx, event)
}

func (l *Ledger) publishEvent(ctx context.Context, event notify.Event) {
	if l.producer == nil {
		return
	}
	if err := l.producer.Publish(ctx, event); err != nil {
		logger.L().Warn("事件投递失败", "event", string(event.Type), "task_id", event.TaskID, "error", err)
	}
}
