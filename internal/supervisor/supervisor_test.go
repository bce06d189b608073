package supervisor

import (
	"context"
	"testing"
	"time"

	"SwarmMarket/internal/auction"
	"SwarmMarket/internal/proof"
	"SwarmMarket/internal/registry"
)

type sweepFixture struct {
	supervisor *Supervisor
	ledger     *auction.Ledger
	verifier   *proof.Verifier
	registry   *registry.Service
	now        time.Time
}

func newSweepFixture(t *testing.T, verifierOpts ...proof.Option) *sweepFixture {
	t.Helper()
	fixture := &sweepFixture{now: time.Unix(1700000000, 0)}
	clock := func() time.Time { return fixture.now }
	fixture.registry = registry.NewService(registry.NewMemoryStore(), registry.WithClock(clock))
	fixture.ledger = auction.NewLedger(auction.NewMemoryStore(), fixture.registry, auction.WithClock(clock))
	verifierOpts = append([]proof.Option{proof.WithClock(clock)}, verifierOpts...)
	fixture.verifier = proof.NewVerifier(proof.NewMemoryStore(), fixture.ledger, verifierOpts...)
	fixture.supervisor = New(fixture.ledger, fixture.verifier, WithClock(clock))
	return fixture
}

func (f *sweepFixture) openTask(t *testing.T) auction.Task {
	t.Helper()
	ctx := context.Background()
	task, err := f.ledger.CreateTask(ctx, "sponsor-1", auction.Task{
		Description:          "survey sector 7",
		TaskType:             "survey",
		RequiredCapabilities: []int64{100, 100, 100, 100, 100},
		Budget:               1000,
	}, 1000)
	if err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	return task
}

func (f *sweepFixture) registerAgent(t *testing.T, address string) {
	t.Helper()
	if _, err := f.registry.Register(context.Background(), address, "scout-1", []int64{200, 200, 200, 200, 200}); err != nil {
		t.Fatalf("注册智能体失败: %v", err)
	}
}

func TestSweepClosesExpiredAuction(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	f.registerAgent(t, "robot-a")
	task := f.openTask(t)
	if _, err := f.ledger.PlaceBid(ctx, "robot-a", task.ID, 60); err != nil {
		t.Fatalf("报价失败: %v", err)
	}

	report := f.supervisor.Sweep(ctx)
	if report.AuctionsClosed != 0 {
		t.Fatalf("截标前不应结拍, 报告 %+v", report)
	}

	f.now = f.now.Add(31 * time.Second)
	report = f.supervisor.Sweep(ctx)
	if report.AuctionsClosed != 1 || report.Failures != 0 {
		t.Fatalf("扫描报告 = %+v, 期望结拍 1 次", report)
	}
	got, err := f.ledger.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("查询任务失败: %v", err)
	}
	if got.State != auction.StateAssigned || got.AssignedAgent != "robot-a" {
		t.Fatalf("任务状态 = %s/%s, 期望已指派给 robot-a", got.State, got.AssignedAgent)
	}
}

func TestSweepCancelsAuctionWithoutBids(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	task := f.openTask(t)

	f.now = f.now.Add(31 * time.Second)
	report := f.supervisor.Sweep(ctx)
	if report.AuctionsCancelled != 1 || report.Failures != 0 {
		t.Fatalf("扫描报告 = %+v, 期望取消 1 次", report)
	}
	got, err := f.ledger.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("查询任务失败: %v", err)
	}
	if got.State != auction.StateFailed {
		t.Fatalf("任务状态 = %s, 期望 %s", got.State, auction.StateFailed)
	}
	balance, err := f.ledger.Balance(ctx, "sponsor-1")
	if err != nil {
		t.Fatalf("查询余额失败: %v", err)
	}
	if balance != 1000 {
		t.Fatalf("发起方余额 = %d, 期望全额退回 1000", balance)
	}
}

func TestSweepExpiresOverdueTask(t *testing.T) {
	f := newSweepFixture(t)
	ctx := context.Background()
	f.registerAgent(t, "robot-a")
	task := f.openTask(t)
	if _, err := f.ledger.PlaceBid(ctx, "robot-a", task.ID, 60); err != nil {
		t.Fatalf("报价失败: %v", err)
	}
	f.now = f.now.Add(31 * time.Second)
	if report := f.supervisor.Sweep(ctx); report.AuctionsClosed != 1 {
		t.Fatalf("结拍失败, 报告 %+v", report)
	}

	f.now = f.now.Add(301 * time.Second)
	report := f.supervisor.Sweep(ctx)
	if report.TasksExpired != 1 || report.Failures != 0 {
		t.Fatalf("扫描报告 = %+v, 期望超时 1 次", report)
	}
	got, err := f.ledger.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("查询任务失败: %v", err)
	}
	if got.State != auction.StateExpired {
		t.Fatalf("任务状态 = %s, 期望 %s", got.State, auction.StateExpired)
	}
}

func TestSweepSkipsTaskUnderVerification(t *testing.T) {
	f := newSweepFixture(t, proof.WithAttestor(proof.Passthrough{}))
	ctx := context.Background()
	f.registerAgent(t, "robot-a")
	task := f.openTask(t)
	if _, err := f.ledger.PlaceBid(ctx, "robot-a", task.ID, 60); err != nil {
		t.Fatalf("报价失败: %v", err)
	}
	f.now = f.now.Add(31 * time.Second)
	if report := f.supervisor.Sweep(ctx); report.AuctionsClosed != 1 {
		t.Fatalf("结拍失败, 报告 %+v", report)
	}

	// 在交付截止前最后一刻提交证明，验证窗口跨过交付截止时间。
	f.now = f.now.Add(299 * time.Second)
	evidence := []string{"0xe1", "0xe2", "0xe3"}
	if _, err := f.verifier.SubmitProof(ctx, "robot-a", task.ID, "0xwaypoints", evidence, f.now.Unix()); err != nil {
		t.Fatalf("提交证明失败: %v", err)
	}

	f.now = f.now.Add(2 * time.Second)
	report := f.supervisor.Sweep(ctx)
	if report.TasksExpired != 0 || report.ProofsExpired != 0 {
		t.Fatalf("验证期内不应触发超时, 报告 %+v", report)
	}
	got, err := f.ledger.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("查询任务失败: %v", err)
	}
	if got.State != auction.StateAssigned {
		t.Fatalf("任务状态 = %s, 期望保持 %s", got.State, auction.StateAssigned)
	}

	f.now = f.now.Add(60 * time.Second)
	report = f.supervisor.Sweep(ctx)
	if report.ProofsExpired != 1 || report.Failures != 0 {
		t.Fatalf("扫描报告 = %+v, 期望验证超时 1 次", report)
	}
	submission, err := f.verifier.GetSubmission(ctx, task.ID)
	if err != nil {
		t.Fatalf("查询证明失败: %v", err)
	}
	if submission.State != proof.StateExpired {
		t.Fatalf("证明状态 = %s, 期望 %s", submission.State, proof.StateExpired)
	}
	got, err = f.ledger.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("查询任务失败: %v", err)
	}
	if got.State != auction.StateFailed {
		t.Fatalf("任务状态 = %s, 期望 %s", got.State, auction.StateFailed)
	}
}
