package auction

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore 基于内存实现账本存储，主要用于测试与单机部署。
type MemoryStore struct {
	mu        sync.RWMutex
	nextID    int64
	tasks     map[int64]Task
	bids      map[int64][]Bid
	balances  map[string]int64
	deposited int64
	withdrawn int64
}

// NewMemoryStore 创建内存账本存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:   1,
		tasks:    make(map[int64]Task),
		bids:     make(map[int64][]Bid),
		balances: make(map[string]int64),
	}
}

// CreateTask 持久化任务并分配单调递增 ID。
func (s *MemoryStore) CreateTask(_ context.Context, task Task, deposit int64) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task.ID = s.nextID
	s.nextID++
	task.RequiredCapabilities = cloneCaps(task.RequiredCapabilities)
	s.tasks[task.ID] = task
	s.deposited += deposit
	if excess := deposit - task.EscrowedAmount; excess > 0 {
		s.balances[task.Sponsor] += excess
	}
	return cloneTask(task), nil
}

// GetTask 返回任务快照。
func (s *MemoryStore) GetTask(_ context.Context, id int64) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// ListTasks 返回处于指定状态的任务，按 ID 升序；无过滤时返回全部。
func (s *MemoryStore) ListTasks(_ context.Context, states ...State) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[State]bool, len(states))
	for _, state := range states {
		wanted[state] = true
	}

	tasks := make([]Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if len(wanted) > 0 && !wanted[task.State] {
			continue
		}
		tasks = append(tasks, cloneTask(task))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// AppendBid 追加报价；同一智能体重复报价返回 ErrDuplicateBid。
func (s *MemoryStore) AppendBid(_ context.Context, bid Bid) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[bid.TaskID]; !ok {
		return ErrTaskNotFound
	}
	for _, existing := range s.bids[bid.TaskID] {
		if existing.Bidder == bid.Bidder {
			return ErrDuplicateBid
		}
	}
	s.bids[bid.TaskID] = append(s.bids[bid.TaskID], bid)
	return nil
}

// ListBids 按报价先后顺序返回任务的全部报价。
func (s *MemoryStore) ListBids(_ context.Context, taskID int64) ([]Bid, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.tasks[taskID]; !ok {
		return nil, ErrTaskNotFound
	}
	bids := make([]Bid, len(s.bids[taskID]))
	copy(bids, s.bids[taskID])
	return bids, nil
}

// AssignWinner 将任务迁移到 ASSIGNED 并退还差额。
func (s *MemoryStore) AssignWinner(_ context.Context, taskID int64, winner Bid, sponsorRefund int64, completionDeadline int64, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if task.State != StateAuctionOpen {
		return ErrWrongState
	}

	task.State = StateAssigned
	task.AssignedAgent = winner.Bidder
	task.WinningBid = winner.Amount
	task.EscrowedAmount = winner.Amount
	task.RefundedAmount += sponsorRefund
	task.CompletionDeadline = completionDeadline
	task.UpdatedAt = ts
	s.tasks[taskID] = task
	if sponsorRefund > 0 {
		s.balances[task.Sponsor] += sponsorRefund
	}
	return nil
}

// Settle 执行终态迁移并把托管资金记入受益方余额。
func (s *MemoryStore) Settle(_ context.Context, settlement Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[settlement.TaskID]
	if !ok {
		return ErrTaskNotFound
	}
	if task.State != settlement.FromState {
		return ErrWrongState
	}

	task.State = settlement.ToState
	task.EscrowedAmount -= settlement.Amount
	if settlement.Release {
		task.ReleasedAmount += settlement.Amount
	} else {
		task.RefundedAmount += settlement.Amount
	}
	if settlement.ProofHash != "" {
		task.ProofHash = settlement.ProofHash
	}
	if settlement.AnchorRef != "" {
		task.AnchorRef = settlement.AnchorRef
	}
	task.UpdatedAt = settlement.SettledAt
	task.SettledAt = settlement.SettledAt
	s.tasks[settlement.TaskID] = task
	if settlement.Amount > 0 {
		s.balances[settlement.Beneficiary] += settlement.Amount
	}
	return nil
}

// Balance 返回账户的可提取余额。
func (s *MemoryStore) Balance(_ context.Context, account string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[account], nil
}

// WithdrawAll 先清零再返回余额。
func (s *MemoryStore) WithdrawAll(_ context.Context, account string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	amount := s.balances[account]
	if amount <= 0 {
		return 0, ErrInsufficientFunds
	}
	s.balances[account] = 0
	s.withdrawn += amount
	return amount, nil
}

// RestoreBalance 在外部转账失败后回补余额。
func (s *MemoryStore) RestoreBalance(_ context.Context, account string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.balances[account] += amount
	s.withdrawn -= amount
	return nil
}

// FundsSummary 汇总资金去向。
func (s *MemoryStore) FundsSummary(_ context.Context) (FundsSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := FundsSummary{
		Deposited: s.deposited,
		Withdrawn: s.withdrawn,
	}
	for _, task := range s.tasks {
		summary.Escrowed += task.EscrowedAmount
	}
	for _, balance := range s.balances {
		summary.Balances += balance
	}
	return summary, nil
}

// Close 无资源可释放。
func (s *MemoryStore) Close() error { return nil }

func cloneTask(task Task) Task {
	task.RequiredCapabilities = cloneCaps(task.RequiredCapabilities)
	return task
}

var _ Store = (*MemoryStore)(nil)
