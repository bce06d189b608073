package proof

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore 基于内存实现证明存储，主要用于测试与单机部署。
type MemoryStore struct {
	mu          sync.RWMutex
	submissions map[int64]Submission
	seenBundles map[string]bool
	criteria    map[int64]Criteria
}

// NewMemoryStore 创建内存证明存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		submissions: make(map[int64]Submission),
		seenBundles: make(map[string]bool),
		criteria:    make(map[int64]Criteria),
	}
}

// CreateSubmission 登记提交并把指纹加入重放集合。
func (s *MemoryStore) CreateSubmission(_ context.Context, submission Submission) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.submissions[submission.TaskID]; ok {
		return ErrAlreadySubmitted
	}
	if s.seenBundles[submission.BundleHash] {
		return ErrReplayedProof
	}
	submission.EvidenceHashes = cloneEvidence(submission.EvidenceHashes)
	s.submissions[submission.TaskID] = submission
	s.seenBundles[submission.BundleHash] = true
	return nil
}

// GetByTask 返回任务的证明提交。
func (s *MemoryStore) GetByTask(_ context.Context, taskID int64) (Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	submission, ok := s.submissions[taskID]
	if !ok {
		return Submission{}, ErrProofNotFound
	}
	return cloneSubmission(submission), nil
}

// ListByState 返回处于指定状态的提交，按任务 ID 升序。
func (s *MemoryStore) ListByState(_ context.Context, state State) ([]Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var submissions []Submission
	for _, submission := range s.submissions {
		if submission.State == state {
			submissions = append(submissions, cloneSubmission(submission))
		}
	}
	sort.Slice(submissions, func(i, j int) bool { return submissions[i].TaskID < submissions[j].TaskID })
	return submissions, nil
}

// RecordVerdict 将待裁决的提交迁移到终态。
func (s *MemoryStore) RecordVerdict(_ context.Context, taskID int64, state State, result Result, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	submission, ok := s.submissions[taskID]
	if !ok {
		return ErrProofNotFound
	}
	if submission.State != StateVerifying {
		return ErrNotVerifying
	}
	submission.State = state
	resultCopy := result
	submission.Result = &resultCopy
	submission.DecidedAt = ts
	s.submissions[taskID] = submission
	return nil
}

// SetCriteria 覆盖任务级判据。
func (s *MemoryStore) SetCriteria(_ context.Context, taskID int64, criteria Criteria) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.criteria[taskID] = criteria
	return nil
}

// GetCriteria 返回任务级判据，未设置时 found 为 false。
func (s *MemoryStore) GetCriteria(_ context.Context, taskID int64) (Criteria, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	criteria, ok := s.criteria[taskID]
	return criteria, ok, nil
}

// Close 无资源可释放。
func (s *MemoryStore) Close() error { return nil }

func cloneSubmission(submission Submission) Submission {
	submission.EvidenceHashes = cloneEvidence(submission.EvidenceHashes)
	if submission.Result != nil {
		result := *submission.Result
		submission.Result = &result
	}
	return submission
}

var _ Store = (*MemoryStore)(nil)
