package auction

import (
	"context"
	"errors"
	"testing"
	"time"

	"SwarmMarket/internal/registry"
)

type marketFixture struct {
	ledger   *Ledger
	registry *registry.Service
	store    *MemoryStore
	now      time.Time
}

func newMarketFixture(t *testing.T) *marketFixture {
	t.Helper()
	fixture := &marketFixture{now: time.Unix(1700000000, 0)}
	clock := func() time.Time { return fixture.now }
	fixture.registry = registry.NewService(registry.NewMemoryStore(), registry.WithClock(clock))
	fixture.store = NewMemoryStore()
	fixture.ledger = NewLedger(fixture.store, fixture.registry, WithClock(clock))
	return fixture
}

func (f *marketFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *marketFixture) registerAgent(t *testing.T, address string, caps []int64) {
	t.Helper()
	if _, err := f.registry.Register(context.Background(), address, "agent-"+address, caps); err != nil {
		t.Fatalf("注册智能体 %s 失败: %v", address, err)
	}
}

func (f *marketFixture) createTask(t *testing.T, budget, deposit int64) Task {
	t.Helper()
	task, err := f.ledger.CreateTask(context.Background(), "sponsor-1", Task{
		Description:          "survey sector 7",
		TaskType:             "survey",
		RequiredCapabilities: []int64{100, 100, 100, 100, 100},
		Budget:               budget,
	}, deposit)
	if err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	return task
}

func (f *marketFixture) checkConservation(t *testing.T) {
	t.Helper()
	summary, err := f.store.FundsSummary(context.Background())
	if err != nil {
		t.Fatalf("查询资金汇总失败: %v", err)
	}
	if summary.Deposited != summary.Escrowed+summary.Balances+summary.Withdrawn {
		t.Fatalf("资金守恒被破坏: %+v", summary)
	}
}

func TestLedgerCompletionDeadlineAnchoredAtCreation(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	f.registerAgent(t, "robot-a", []int64{200, 200, 200, 200, 200})

	task := f.createTask(t, 1000, 1000)
	wantDeadline := f.now.Unix() + DefaultWindows().Completion
	if task.CompletionDeadline != wantDeadline {
		t.Fatalf("交付期限 = %d, 期望创建时刻起算的 %d", task.CompletionDeadline, wantDeadline)
	}

	if _, err := f.ledger.PlaceBid(ctx, "robot-a", task.ID, 60); err != nil {
		t.Fatalf("报价失败: %v", err)
	}
	f.advance(31 * time.Second)
	assigned, err := f.ledger.CloseAuction(ctx, "admin", task.ID)
	if err != nil {
		t.Fatalf("结拍失败: %v", err)
	}
	if assigned.CompletionDeadline != wantDeadline {
		t.Fatalf("结拍后交付期限 = %d, 竞拍耗时不应顺延至 %d 之后", assigned.CompletionDeadline, wantDeadline)
	}
}

func TestLedgerFullLifecycle(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	f.registerAgent(t, "robot-a", []int64{200, 200, 200, 200, 200})

	task := f.createTask(t, 1000, 1200)
	if task.State != StateAuctionOpen {
		t.Fatalf("新任务状态 = %s, 期望 %s", task.State, StateAuctionOpen)
	}
	if balance, _ := f.ledger.Balance(ctx, "sponsor-1"); balance != 200 {
		t.Fatalf("超额押金未退回: %d", balance)
	}
	f.checkConservation(t)

	bid, err := f.ledger.PlaceBid(ctx, "robot-a", task.ID, 60)
	if err != nil {
		t.Fatalf("报价失败: %v", err)
	}
	if bid.Amount < 100 || bid.Amount > 900 {
		t.Fatalf("报价 %d 超出预算约束区间", bid.Amount)
	}
	if bid.CapabilityMatch != 1000 {
		t.Fatalf("满配能力匹配分 = %d, 期望 1000", bid.CapabilityMatch)
	}

	if _, err := f.ledger.PlaceBid(ctx, "robot-a", task.ID, 50); !errors.Is(err, ErrDuplicateBid) {
		t.Fatalf("重复报价应被拒绝, got %v", err)
	}
	if _, err := f.ledger.CloseAuction(ctx, "admin", task.ID); !errors.Is(err, ErrAuctionNotYetClosed) {
		t.Fatalf("提前结拍应被拒绝, got %v", err)
	}

	f.advance(31 * time.Second)
	if _, err := f.ledger.PlaceBid(ctx, "robot-a", task.ID, 60); !errors.Is(err, ErrAuctionClosed) {
		t.Fatalf("截止后的报价应被拒绝, got %v", err)
	}

	assigned, err := f.ledger.CloseAuction(ctx, "admin", task.ID)
	if err != nil {
		t.Fatalf("结拍失败: %v", err)
	}
	if assigned.State != StateAssigned || assigned.AssignedAgent != "robot-a" {
		t.Fatalf("指派结果异常: %+v", assigned)
	}
	if assigned.EscrowedAmount != bid.Amount {
		t.Fatalf("托管额 = %d, 期望中标价 %d", assigned.EscrowedAmount, bid.Amount)
	}
	refund := task.Budget - bid.Amount
	if balance, _ := f.ledger.Balance(ctx, "sponsor-1"); balance != 200+refund {
		t.Fatalf("结拍差额退款异常: balance = %d", balance)
	}
	f.checkConservation(t)

	settled, err := f.ledger.ReportCompletion(ctx, "verifier", task.ID, "robot-a", true, "0xproof")
	if err != nil {
		t.Fatalf("履约上报失败: %v", err)
	}
	if settled.State != StateCompleted || settled.ReleasedAmount != bid.Amount {
		t.Fatalf("结算结果异常: %+v", settled)
	}
	if balance, _ := f.ledger.Balance(ctx, "robot-a"); balance != bid.Amount {
		t.Fatalf("智能体未收到结算款: %d", balance)
	}

	agent, err := f.registry.Get(ctx, "robot-a")
	if err != nil {
		t.Fatalf("查询智能体失败: %v", err)
	}
	if agent.Reputation != 525 || agent.TasksCompleted != 1 {
		t.Fatalf("信誉反馈异常: rep=%d completed=%d", agent.Reputation, agent.TasksCompleted)
	}

	// 第二次回调必须被状态检查拒绝。
	if _, err := f.ledger.ReportCompletion(ctx, "verifier", task.ID, "robot-a", false, ""); !errors.Is(err, ErrWrongState) {
		t.Fatalf("重复结算应被拒绝, got %v", err)
	}
	f.checkConservation(t)
}

func TestLedgerCreateTaskValidation(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()

	if _, err := f.ledger.CreateTask(ctx, "sponsor-1", Task{Budget: 0, RequiredCapabilities: []int64{0, 0, 0, 0, 0}}, 100); err == nil {
		t.Fatal("零预算任务应被拒绝")
	}
	if _, err := f.ledger.CreateTask(ctx, "sponsor-1", Task{Budget: 500, RequiredCapabilities: []int64{0, 0, 0, 0, 0}}, 400); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("押金不足应被拒绝, got %v", err)
	}
	if _, err := f.ledger.CreateTask(ctx, "sponsor-1", Task{Budget: 500, RequiredCapabilities: []int64{0, 0}}, 500); err == nil {
		t.Fatal("维度数错误的能力需求应被拒绝")
	}
}

func TestLedgerBidGating(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	task := f.createTask(t, 1000, 1000)

	if _, err := f.ledger.PlaceBid(ctx, "ghost", task.ID, 60); !errors.Is(err, registry.ErrNotRegistered) {
		t.Fatalf("未注册的报价者应被拒绝, got %v", err)
	}

	f.registerAgent(t, "robot-idle", []int64{200, 200, 200, 200, 200})
	if err := f.registry.Deactivate(ctx, "robot-idle"); err != nil {
		t.Fatalf("停用智能体失败: %v", err)
	}
	if _, err := f.ledger.PlaceBid(ctx, "robot-idle", task.ID, 60); !errors.Is(err, registry.ErrInactive) {
		t.Fatalf("停用的报价者应被拒绝, got %v", err)
	}

	// 能力严重不足，匹配分低于门槛。
	f.registerAgent(t, "robot-weak", []int64{10, 10, 10, 10, 10})
	if _, err := f.ledger.PlaceBid(ctx, "robot-weak", task.ID, 60); !errors.Is(err, ErrInsufficientCapability) {
		t.Fatalf("低匹配分报价应被拒绝, got %v", err)
	}
}

func TestLedgerCloseAuctionNoBids(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	task := f.createTask(t, 1000, 1000)

	f.advance(31 * time.Second)
	if _, err := f.ledger.CloseAuction(ctx, "admin", task.ID); !errors.Is(err, ErrNoBids) {
		t.Fatalf("无报价结拍应返回 NO_BIDS, got %v", err)
	}

	cancelled, err := f.ledger.CancelAuction(ctx, "sponsor-1", task.ID)
	if err != nil {
		t.Fatalf("取消竞拍失败: %v", err)
	}
	if cancelled.State != StateFailed || cancelled.RefundedAmount != 1000 {
		t.Fatalf("取消结果异常: %+v", cancelled)
	}
	if balance, _ := f.ledger.Balance(ctx, "sponsor-1"); balance != 1000 {
		t.Fatalf("取消后预算未全额退款: %d", balance)
	}
	f.checkConservation(t)
}

func TestLedgerCancelAuctionRejectedWithBids(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	f.registerAgent(t, "robot-a", []int64{200, 200, 200, 200, 200})
	task := f.createTask(t, 1000, 1000)

	if _, err := f.ledger.PlaceBid(ctx, "robot-a", task.ID, 60); err != nil {
		t.Fatalf("报价失败: %v", err)
	}
	f.advance(31 * time.Second)
	if _, err := f.ledger.CancelAuction(ctx, "sponsor-1", task.ID); !errors.Is(err, ErrWrongState) {
		t.Fatalf("有报价时取消应被拒绝, got %v", err)
	}
}

func TestLedgerCloseAuctionSkipsDeactivatedBidders(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	f.registerAgent(t, "robot-a", []int64{200, 200, 200, 200, 200})
	task := f.createTask(t, 1000, 1000)

	if _, err := f.ledger.PlaceBid(ctx, "robot-a", task.ID, 60); err != nil {
		t.Fatalf("报价失败: %v", err)
	}
	if err := f.registry.Deactivate(ctx, "robot-a"); err != nil {
		t.Fatalf("停用智能体失败: %v", err)
	}

	f.advance(31 * time.Second)
	settled, err := f.ledger.CloseAuction(ctx, "admin", task.ID)
	if err != nil {
		t.Fatalf("结拍失败: %v", err)
	}
	if settled.State != StateFailed {
		t.Fatalf("全部报价者失效时任务应失败, got %s", settled.State)
	}
	if balance, _ := f.ledger.Balance(ctx, "sponsor-1"); balance != 1000 {
		t.Fatalf("失败任务未全额退款: %d", balance)
	}
	f.checkConservation(t)
}

func TestLedgerWinnerSelection(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	// strong 的匹配分和信誉更高，报价也更有竞争力。
	f.registerAgent(t, "robot-strong", []int64{200, 200, 200, 200, 200})
	f.registerAgent(t, "robot-mid", []int64{120, 120, 120, 120, 120})
	task := f.createTask(t, 1000, 1000)

	if _, err := f.ledger.PlaceBid(ctx, "robot-strong", task.ID, 60); err != nil {
		t.Fatalf("报价失败: %v", err)
	}
	if _, err := f.ledger.PlaceBid(ctx, "robot-mid", task.ID, 60); err != nil {
		t.Fatalf("报价失败: %v", err)
	}

	f.advance(31 * time.Second)
	assigned, err := f.ledger.CloseAuction(ctx, "admin", task.ID)
	if err != nil {
		t.Fatalf("结拍失败: %v", err)
	}
	if assigned.AssignedAgent != "robot-strong" {
		t.Fatalf("中标者 = %s, 期望 robot-strong", assigned.AssignedAgent)
	}
}

func TestLedgerReportCompletionGuards(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	f.registerAgent(t, "robot-a", []int64{200, 200, 200, 200, 200})
	task := f.createTask(t, 1000, 1000)

	// 竞拍阶段不允许上报履约。
	if _, err := f.ledger.ReportCompletion(ctx, "verifier", task.ID, "robot-a", true, ""); !errors.Is(err, ErrWrongState) {
		t.Fatalf("竞拍中上报应被拒绝, got %v", err)
	}

	if _, err := f.ledger.PlaceBid(ctx, "robot-a", task.ID, 60); err != nil {
		t.Fatalf("报价失败: %v", err)
	}
	f.advance(31 * time.Second)
	if _, err := f.ledger.CloseAuction(ctx, "admin", task.ID); err != nil {
		t.Fatalf("结拍失败: %v", err)
	}

	if _, err := f.ledger.ReportCompletion(ctx, "verifier", task.ID, "robot-other", true, ""); !errors.Is(err, ErrNotAssignedAgent) {
		t.Fatalf("非中标者的履约上报应被拒绝, got %v", err)
	}

	failed, err := f.ledger.ReportCompletion(ctx, "verifier", task.ID, "robot-a", false, "")
	if err != nil {
		t.Fatalf("失败上报出错: %v", err)
	}
	if failed.State != StateFailed {
		t.Fatalf("失败上报后的状态 = %s", failed.State)
	}
	agent, _ := f.registry.Get(ctx, "robot-a")
	if agent.Reputation != 425 || agent.TasksFailed != 1 {
		t.Fatalf("失败惩罚异常: rep=%d failed=%d", agent.Reputation, agent.TasksFailed)
	}
	f.checkConservation(t)
}

func TestLedgerHandleTimeout(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	f.registerAgent(t, "robot-a", []int64{200, 200, 200, 200, 200})
	task := f.createTask(t, 1000, 1000)

	if _, err := f.ledger.PlaceBid(ctx, "robot-a", task.ID, 60); err != nil {
		t.Fatalf("报价失败: %v", err)
	}
	f.advance(31 * time.Second)
	if _, err := f.ledger.CloseAuction(ctx, "admin", task.ID); err != nil {
		t.Fatalf("结拍失败: %v", err)
	}

	if _, err := f.ledger.HandleTimeout(ctx, "admin", task.ID); !errors.Is(err, ErrNotYetExpired) {
		t.Fatalf("履约窗口内的超时处理应被拒绝, got %v", err)
	}

	f.advance(301 * time.Second)
	expired, err := f.ledger.HandleTimeout(ctx, "admin", task.ID)
	if err != nil {
		t.Fatalf("超时处理失败: %v", err)
	}
	if expired.State != StateExpired {
		t.Fatalf("超时后的状态 = %s", expired.State)
	}
	agent, _ := f.registry.Get(ctx, "robot-a")
	if agent.Reputation != 425 {
		t.Fatalf("超时应按失败扣分: rep=%d", agent.Reputation)
	}
	if balance, _ := f.ledger.Balance(ctx, "sponsor-1"); balance != 1000 {
		t.Fatalf("超时退款异常: %d", balance)
	}
	f.checkConservation(t)
}

func TestLedgerWithdraw(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	f.createTask(t, 500, 800)

	amount, err := f.ledger.Withdraw(ctx, "sponsor-1")
	if err != nil {
		t.Fatalf("提现失败: %v", err)
	}
	if amount != 300 {
		t.Fatalf("提现金额 = %d, 期望 300", amount)
	}
	if _, err := f.ledger.Withdraw(ctx, "sponsor-1"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("零余额提现应被拒绝, got %v", err)
	}
	f.checkConservation(t)
}

func TestLedgerWithdrawSinkFailureRestoresBalance(t *testing.T) {
	f := newMarketFixture(t)
	ctx := context.Background()
	sinkErr := errors.New("wire transfer refused")
	f.ledger = NewLedger(f.store, f.registry,
		WithClock(func() time.Time { return f.now }),
		WithTransferSink(func(context.Context, string, int64) error { return sinkErr }),
	)
	f.createTask(t, 500, 800)

	if _, err := f.ledger.Withdraw(ctx, "sponsor-1"); !errors.Is(err, sinkErr) {
		t.Fatalf("转账失败应向上传递, got %v", err)
	}
	if balance, _ := f.ledger.Balance(ctx, "sponsor-1"); balance != 300 {
		t.Fatalf("转账失败后余额未回补: %d", balance)
	}
	f.checkConservation(t)
}
