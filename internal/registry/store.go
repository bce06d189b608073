package registry

import "context"

// Store 抽象了智能体档案的持久化接口。所有方法都必须是原子的条件变迁：
// 前置条件不满足时返回具名错误，绝不留下部分更新的档案。
type Store interface {
	Create(ctx context.Context, agent *Agent) error
	Get(ctx context.Context, address string) (*Agent, error)
	UpdateCapabilities(ctx context.Context, address string, capabilities []int64, ts int64) error
	SetActive(ctx context.Context, address string, active bool, ts int64) error
	ApplyOutcome(ctx context.Context, address string, reputation int64, success bool, ts int64) error
	List(ctx context.Context, activeOnly bool) ([]*Agent, error)
	Close() error
}
