package registry

import (
	"context"
	"sort"
	"sync"

	xerrors "SwarmMarket/internal/errors"
)

// MemoryStore 以内存方式保存智能体档案，主要用于测试与单机部署。
type MemoryStore struct {
	mu       sync.RWMutex
	agents   map[string]*Agent
	agentIDs map[string]string
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   make(map[string]*Agent),
		agentIDs: make(map[string]string),
	}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, agent *Agent) error {
	if agent == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agent.Address]; ok {
		return ErrDuplicateIdentity
	}
	if _, ok := m.agentIDs[agent.AgentID]; ok {
		return ErrDuplicateIdentity
	}
	m.agents[agent.Address] = cloneAgent(agent)
	m.agentIDs[agent.AgentID] = agent.Address
	return nil
}

// Get 返回档案副本。
func (m *MemoryStore) Get(_ context.Context, address string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[address]
	if !ok {
		return nil, ErrNotRegistered
	}
	return cloneAgent(agent), nil
}

// UpdateCapabilities 覆盖整个能力向量。
func (m *MemoryStore) UpdateCapabilities(_ context.Context, address string, capabilities []int64, ts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[address]
	if !ok {
		return ErrNotRegistered
	}
	agent.Capabilities = cloneCapabilities(capabilities)
	agent.LastActiveAt = ts
	return nil
}

// SetActive 切换活跃标志。重复切换到当前状态会被显式拒绝。
func (m *MemoryStore) SetActive(_ context.Context, address string, active bool, ts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[address]
	if !ok {
		return ErrNotRegistered
	}
	if agent.Active == active {
		return ErrStateUnchanged
	}
	agent.Active = active
	agent.LastActiveAt = ts
	return nil
}

// ApplyOutcome 写入结算反馈：新的信誉分与对应计数。
func (m *MemoryStore) ApplyOutcome(_ context.Context, address string, reputation int64, success bool, ts int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[address]
	if !ok {
		return ErrNotRegistered
	}
	agent.Reputation = reputation
	if success {
		agent.TasksCompleted++
	} else {
		agent.TasksFailed++
	}
	agent.LastActiveAt = ts
	return nil
}

// List 返回档案列表，按注册时间排序保证输出稳定。
func (m *MemoryStore) List(_ context.Context, activeOnly bool) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agents := make([]*Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		if activeOnly && !agent.Active {
			continue
		}
		agents = append(agents, cloneAgent(agent))
	}
	sort.Slice(agents, func(i, j int) bool {
		if agents[i].RegisteredAt == agents[j].RegisteredAt {
			return agents[i].Address < agents[j].Address
		}
		return agents[i].RegisteredAt < agents[j].RegisteredAt
	})
	return agents, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func cloneAgent(agent *Agent) *Agent {
	clone := *agent
	clone.Capabilities = cloneCapabilities(agent.Capabilities)
	return &clone
}

var _ Store = (*MemoryStore)(nil)
