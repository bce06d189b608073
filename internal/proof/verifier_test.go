package proof

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"SwarmMarket/internal/auction"
	"SwarmMarket/internal/registry"
)

type verifierFixture struct {
	verifier *Verifier
	ledger   *auction.Ledger
	registry *registry.Service
	store    *MemoryStore
	now      time.Time
}

func newVerifierFixture(t *testing.T, opts ...Option) *verifierFixture {
	t.Helper()
	fixture := &verifierFixture{now: time.Unix(1700000000, 0)}
	clock := func() time.Time { return fixture.now }
	fixture.registry = registry.NewService(registry.NewMemoryStore(), registry.WithClock(clock))
	fixture.ledger = auction.NewLedger(auction.NewMemoryStore(), fixture.registry, auction.WithClock(clock))
	fixture.store = NewMemoryStore()
	opts = append([]Option{WithClock(clock)}, opts...)
	fixture.verifier = NewVerifier(fixture.store, fixture.ledger, opts...)
	return fixture
}

// assignedTask 走完注册、托管、报价、结拍，返回已指派的任务。
func (f *verifierFixture) assignedTask(t *testing.T) auction.Task {
	t.Helper()
	ctx := context.Background()
	if _, err := f.registry.Register(ctx, "robot-a", "scout-1", []int64{200, 200, 200, 200, 200}); err != nil {
		t.Fatalf("注册智能体失败: %v", err)
	}
	task, err := f.ledger.CreateTask(ctx, "sponsor-1", auction.Task{
		Description:          "deliver payload",
		TaskType:             "delivery",
		RequiredCapabilities: []int64{100, 100, 100, 100, 100},
		Budget:               1000,
	}, 1000)
	if err != nil {
		t.Fatalf("创建任务失败: %v", err)
	}
	if _, err := f.ledger.PlaceBid(ctx, "robot-a", task.ID, 60); err != nil {
		t.Fatalf("报价失败: %v", err)
	}
	f.now = f.now.Add(31 * time.Second)
	assigned, err := f.ledger.CloseAuction(ctx, "admin", task.ID)
	if err != nil {
		t.Fatalf("结拍失败: %v", err)
	}
	return assigned
}

func TestSubmitProofVerified(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()
	task := f.assignedTask(t)

	evidence := []string{"0xe1", "0xe2", "0xe3"}
	submission, err := f.verifier.SubmitProof(ctx, "robot-a", task.ID, "0xwaypoints", evidence, f.now.Unix())
	if err != nil {
		t.Fatalf("提交证明失败: %v", err)
	}
	if submission.State != StateVerified {
		t.Fatalf("证明状态 = %s, 期望 %s", submission.State, StateVerified)
	}
	if submission.Result == nil || !submission.Result.Verified {
		t.Fatalf("裁决结果异常: %+v", submission.Result)
	}

	settled, err := f.ledger.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("查询任务失败: %v", err)
	}
	if settled.State != auction.StateCompleted {
		t.Fatalf("任务状态 = %s, 期望 %s", settled.State, auction.StateCompleted)
	}
	if settled.ProofHash != submission.BundleHash {
		t.Fatalf("结算未记录证明指纹: %s", settled.ProofHash)
	}
}

func checkRejectedWith(t *testing.T, f *verifierFixture, taskID int64, submission Submission, criterion string) {
	t.Helper()
	if submission.State != StateRejected {
		t.Fatalf("证明状态 = %s, 期望 %s", submission.State, StateRejected)
	}
	if submission.Result.FailedCriterion != criterion {
		t.Fatalf("失败判据 = %s, 期望 %s", submission.Result.FailedCriterion, criterion)
	}
	settled, _ := f.ledger.GetTask(context.Background(), taskID)
	if settled.State != auction.StateFailed {
		t.Fatalf("拒绝后任务状态 = %s, 期望 %s", settled.State, auction.StateFailed)
	}
}

func TestSubmitProofMissingWaypoints(t *testing.T) {
	f := newVerifierFixture(t)
	task := f.assignedTask(t)

	submission, err := f.verifier.SubmitProof(context.Background(), "robot-a", task.ID, "", []string{"0xe1", "0xe2", "0xe3"}, f.now.Unix())
	if err != nil {
		t.Fatalf("提交证明失败: %v", err)
	}
	checkRejectedWith(t, f, task.ID, submission, CriterionWaypoints)
}

func TestSubmitProofTooFewEvidence(t *testing.T) {
	f := newVerifierFixture(t)
	task := f.assignedTask(t)

	submission, err := f.verifier.SubmitProof(context.Background(), "robot-a", task.ID, "0xw", []string{"0xe1"}, f.now.Unix())
	if err != nil {
		t.Fatalf("提交证明失败: %v", err)
	}
	checkRejectedWith(t, f, task.ID, submission, CriterionEvidenceCount)
}

func TestSubmitProofLateCompletion(t *testing.T) {
	f := newVerifierFixture(t)
	task := f.assignedTask(t)

	submission, err := f.verifier.SubmitProof(context.Background(), "robot-a", task.ID, "0xw", []string{"0xe1", "0xe2", "0xe3"}, task.CompletionDeadline+10)
	if err != nil {
		t.Fatalf("提交证明失败: %v", err)
	}
	checkRejectedWith(t, f, task.ID, submission, CriterionDeadline)
}

func TestSubmitProofGuards(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()
	task := f.assignedTask(t)

	if _, err := f.verifier.SubmitProof(ctx, "robot-other", task.ID, "0xw", nil, f.now.Unix()); !errors.Is(err, auction.ErrNotAssignedAgent) {
		t.Fatalf("非中标者提交应被拒绝, got %v", err)
	}

	// 已结算的任务不再接受证明。
	if _, err := f.verifier.SubmitProof(ctx, "robot-a", task.ID, "0xw", []string{"0xe1", "0xe2", "0xe3"}, f.now.Unix()); err != nil {
		t.Fatalf("提交证明失败: %v", err)
	}
	if _, err := f.verifier.SubmitProof(ctx, "robot-a", task.ID, "0xw2", []string{"0xe1", "0xe2", "0xe3"}, f.now.Unix()); !errors.Is(err, auction.ErrWrongState) {
		t.Fatalf("结算后的提交应被拒绝, got %v", err)
	}
}

func TestReplayedBundleRejected(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	submission := Submission{
		TaskID:     7,
		Agent:      "robot-a",
		BundleHash: BundleHash(7, "robot-a", "0xw", []string{"0xe1"}, 100),
		State:      StateVerifying,
	}
	if err := store.CreateSubmission(ctx, submission); err != nil {
		t.Fatalf("首次登记失败: %v", err)
	}
	replay := submission
	replay.TaskID = 8
	if err := store.CreateSubmission(ctx, replay); !errors.Is(err, ErrReplayedProof) {
		t.Fatalf("重复指纹应被拒绝, got %v", err)
	}
	second := submission
	second.BundleHash = BundleHash(7, "robot-a", "0xw2", []string{"0xe1"}, 100)
	if err := store.CreateSubmission(ctx, second); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("同任务二次提交应被拒绝, got %v", err)
	}
}

func TestPassthroughVerdictFlow(t *testing.T) {
	f := newVerifierFixture(t, WithAttestor(Passthrough{}))
	ctx := context.Background()
	task := f.assignedTask(t)

	submission, err := f.verifier.SubmitProof(ctx, "robot-a", task.ID, "0xw", []string{"0xe1", "0xe2", "0xe3"}, f.now.Unix())
	if err != nil {
		t.Fatalf("提交证明失败: %v", err)
	}
	if submission.State != StateVerifying {
		t.Fatalf("透传模式下状态 = %s, 期望 %s", submission.State, StateVerifying)
	}
	open, _ := f.ledger.GetTask(ctx, task.ID)
	if open.State != auction.StateAssigned {
		t.Fatalf("裁决前任务不应结算: %s", open.State)
	}

	decided, err := f.verifier.SubmitVerdict(ctx, "attestor-1", task.ID, true, "")
	if err != nil {
		t.Fatalf("裁决失败: %v", err)
	}
	if decided.State != StateVerified {
		t.Fatalf("裁决后状态 = %s", decided.State)
	}
	settled, _ := f.ledger.GetTask(ctx, task.ID)
	if settled.State != auction.StateCompleted {
		t.Fatalf("裁决后任务状态 = %s", settled.State)
	}

	// 第二次裁决被明确拒绝。
	if _, err := f.verifier.SubmitVerdict(ctx, "attestor-1", task.ID, false, "deadline"); !errors.Is(err, ErrNotVerifying) {
		t.Fatalf("重复裁决应被拒绝, got %v", err)
	}
}

func TestHandleVerificationTimeout(t *testing.T) {
	f := newVerifierFixture(t, WithAttestor(Passthrough{}))
	ctx := context.Background()
	task := f.assignedTask(t)

	if _, err := f.verifier.SubmitProof(ctx, "robot-a", task.ID, "0xw", []string{"0xe1", "0xe2", "0xe3"}, f.now.Unix()); err != nil {
		t.Fatalf("提交证明失败: %v", err)
	}
	if _, err := f.verifier.HandleVerificationTimeout(ctx, "admin", task.ID); !errors.Is(err, ErrVerificationPending) {
		t.Fatalf("窗口内的超时处理应被拒绝, got %v", err)
	}

	f.now = f.now.Add(61 * time.Second)
	expired, err := f.verifier.HandleVerificationTimeout(ctx, "admin", task.ID)
	if err != nil {
		t.Fatalf("超时处理失败: %v", err)
	}
	if expired.State != StateExpired {
		t.Fatalf("超时后的状态 = %s", expired.State)
	}
	settled, _ := f.ledger.GetTask(ctx, task.ID)
	if settled.State != auction.StateFailed {
		t.Fatalf("沉默应视为失败, 任务状态 = %s", settled.State)
	}
}

func TestCriteriaCatalogue(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "criteria.yaml")
	content := `default:
  location_tolerance: 400
  max_completion_time: 200
  min_evidence_count: 2
  require_waypoints: true
task_types:
  survey:
    location_tolerance: 800
    max_completion_time: 600
    min_evidence_count: 5
    require_waypoints: false
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入目录文件失败: %v", err)
	}

	catalogue, err := LoadCatalogue(path)
	if err != nil {
		t.Fatalf("加载判据目录失败: %v", err)
	}
	survey := catalogue.For("survey")
	if survey.MinEvidenceCount != 5 || survey.RequireWaypoints {
		t.Fatalf("survey 判据异常: %+v", survey)
	}
	fallback := catalogue.For("unknown-type")
	if fallback.MinEvidenceCount != 2 || fallback.LocationTolerance != 400 {
		t.Fatalf("默认判据异常: %+v", fallback)
	}

	empty, err := LoadCatalogue("")
	if err != nil {
		t.Fatalf("空路径应返回内置默认: %v", err)
	}
	builtin := empty.For("anything")
	if builtin != DefaultCriteria() {
		t.Fatalf("内置默认判据异常: %+v", builtin)
	}
}

func TestSetCriteriaOverride(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()
	task := f.assignedTask(t)

	override := Criteria{LocationTolerance: 100, MaxCompletionTime: 60, MinEvidenceCount: 1, RequireWaypoints: false}
	if err := f.verifier.SetCriteria(ctx, "admin", task.ID, override); err != nil {
		t.Fatalf("设置判据失败: %v", err)
	}
	effective, err := f.verifier.CriteriaFor(ctx, task.ID, task.TaskType)
	if err != nil {
		t.Fatalf("查询判据失败: %v", err)
	}
	if effective != override {
		t.Fatalf("任务级判据未生效: %+v", effective)
	}

	// 单份低要求证据在覆盖后即可通过。
	submission, err := f.verifier.SubmitProof(ctx, "robot-a", task.ID, "", []string{"0xe1"}, f.now.Unix())
	if err != nil {
		t.Fatalf("提交证明失败: %v", err)
	}
	if submission.State != StateVerified {
		t.Fatalf("覆盖判据后状态 = %s, 期望 %s", submission.State, StateVerified)
	}
}

func TestSubmitProofExceedsMaxCompletionTime(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()
	task := f.assignedTask(t)

	override := Criteria{MaxCompletionTime: 60, MinEvidenceCount: 1, RequireWaypoints: false}
	if err := f.verifier.SetCriteria(ctx, "admin", task.ID, override); err != nil {
		t.Fatalf("设置判据失败: %v", err)
	}

	// 声称完成时间仍在交付期限内，但超过判据允许的最长用时。
	claimed := task.CreatedAt + 120
	submission, err := f.verifier.SubmitProof(ctx, "robot-a", task.ID, "", []string{"0xe1"}, claimed)
	if err != nil {
		t.Fatalf("提交证明失败: %v", err)
	}
	checkRejectedWith(t, f, task.ID, submission, CriterionCompletionTime)
}
