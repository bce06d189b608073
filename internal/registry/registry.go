package registry

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"SwarmMarket/internal/auth"
	xerrors "SwarmMarket/internal/errors"
	"SwarmMarket/pkg/logger"
)

// 能力向量与信誉分的公开边界。
const (
	// CapabilityDimensions 是能力向量的固定维度数。
	CapabilityDimensions = 5
	// CapabilityMin 与 CapabilityMax 界定每个维度的合法取值。
	CapabilityMin int64 = 0
	CapabilityMax int64 = 200

	// ReputationMax 是信誉分的上界，下界恒为 0。
	ReputationMax int64 = 1000
	// ReputationNeutral 是注册时的初始信誉分（量表中点）。
	ReputationNeutral int64 = 500
	// MatchScoreMax 是能力匹配得分的满分刻度。
	MatchScoreMax int64 = 1000

	// strugglingThreshold 以下的智能体在成功后获得加速恢复的增量。
	strugglingThreshold int64 = 300
	successIncrement    int64 = 25
	recoveryIncrement   int64 = 50
	failurePenalty      int64 = 75
)

// Agent 描述注册到市场的智能体档案。档案只会被停用，永不删除。
type Agent struct {
	Address        string  `json:"address"`
	AgentID        string  `json:"agent_id"`
	Capabilities   []int64 `json:"capabilities"`
	Reputation     int64   `json:"reputation"`
	TasksCompleted int64   `json:"tasks_completed"`
	TasksFailed    int64   `json:"tasks_failed"`
	Active         bool    `json:"active"`
	RegisteredAt   int64   `json:"registered_at"`
	LastActiveAt   int64   `json:"last_active_at"`
}

// SuccessRate 返回历史成功率（百分比）。没有任何历史时视为中性的 50。
func (a *Agent) SuccessRate() int64 {
	total := a.TasksCompleted + a.TasksFailed
	if total == 0 {
		return 50
	}
	return a.TasksCompleted * 100 / total
}

var (
	// ErrDuplicateIdentity 表示地址或可读 ID 已被占用。
	ErrDuplicateIdentity = xerrors.New(CodeDuplicateIdentity, "identity already claimed")
	// ErrOutOfRange 表示能力向量维度数或取值超出公开边界。
	ErrOutOfRange = xerrors.New(CodeOutOfRange, "capability out of range")
	// ErrNotRegistered 表示地址尚未注册档案。
	ErrNotRegistered = xerrors.New(CodeNotRegistered, "agent not registered")
	// ErrInactive 表示档案已被停用。
	ErrInactive = xerrors.New(CodeInactive, "agent is deactivated")
	// ErrStateUnchanged 表示激活/停用操作没有改变任何状态。
	ErrStateUnchanged = xerrors.New(CodeStateUnchanged, "active flag unchanged", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeDuplicateIdentity xerrors.Code = "DUPLICATE_IDENTITY"
	CodeOutOfRange        xerrors.Code = "OUT_OF_RANGE"
	CodeNotRegistered     xerrors.Code = "NOT_REGISTERED"
	CodeInactive          xerrors.Code = "INACTIVE"
	CodeStateUnchanged    xerrors.Code = "STATE_UNCHANGED"
)

func init() {
	xerrors.Register(CodeDuplicateIdentity, xerrors.Attributes{
		Message:   "identity already claimed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeOutOfRange, xerrors.Attributes{
		Message:   "capability out of range",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeNotRegistered, xerrors.Attributes{
		Message:   "agent not registered",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInactive, xerrors.Attributes{
		Message:   "agent is deactivated",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStateUnchanged, xerrors.Attributes{
		Message:   "active flag unchanged",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Service 实现能力注册表：档案管理、能力匹配与信誉反馈。
type Service struct {
	store Store
	auth  auth.Authorizer
	now   func() time.Time
}

// Option 定义可选的 Service 配置。
type Option func(*Service)

// WithAuthorizer 配置特权操作的权限断言。
func WithAuthorizer(authorizer auth.Authorizer) Option {
	return func(s *Service) {
		s.auth = authorizer
	}
}

// WithClock 覆盖时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 构造能力注册表服务。
func NewService(store Store, opts ...Option) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Register 创建新的智能体档案。一个地址至多持有一份档案，可读 ID 全局唯一。
func (s *Service) Register(ctx context.Context, address, agentID string, capabilities []int64) (*Agent, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "注册表存储未初始化")
	}
	address = strings.TrimSpace(address)
	agentID = strings.TrimSpace(agentID)
	if address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "地址不能为空")
	}
	if agentID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "智能体 ID 不能为空")
	}
	if err := ValidateCapabilities(capabilities); err != nil {
		return nil, err
	}

	now := s.now().Unix()
	agent := &Agent{
		Address:      address,
		AgentID:      agentID,
		Capabilities: cloneCapabilities(capabilities),
		Reputation:   ReputationNeutral,
		Active:       true,
		RegisteredAt: now,
		LastActiveAt: now,
	}
	if err := s.store.Create(ctx, agent); err != nil {
		return nil, err
	}
	logger.Audit().Info("智能体注册成功",
		slog.String("address", address),
		slog.String("agent_id", agentID),
		slog.Int64("reputation", agent.Reputation),
	)
	return agent, nil
}

// UpdateCapabilities 原子地覆盖整个能力向量，不支持部分更新。
func (s *Service) UpdateCapabilities(ctx context.Context, address string, capabilities []int64) error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "注册表存储未初始化")
	}
	if err := ValidateCapabilities(capabilities); err != nil {
		return err
	}
	return s.store.UpdateCapabilities(ctx, address, cloneCapabilities(capabilities), s.now().Unix())
}

// Activate 重新激活档案。重复激活会被显式拒绝。
func (s *Service) Activate(ctx context.Context, address string) error {
	return s.setActive(ctx, address, true)
}

// Deactivate 停用档案。停用后不再出现在活跃列表，也无法出价。
func (s *Service) Deactivate(ctx context.Context, address string) error {
	return s.setActive(ctx, address, false)
}

func (s *Service) setActive(ctx context.Context, address string, active bool) error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "注册表存储未初始化")
	}
	if err := s.store.SetActive(ctx, address, active, s.now().Unix()); err != nil {
		return err
	}
	logger.Audit().Info("智能体状态变更",
		slog.String("address", address),
		slog.Bool("active", active),
	)
	return nil
}

// AdjustReputation 是结算权限专用的信誉反馈入口：成功加分（低谷时加速恢复），
// 失败扣除固定罚分，并同步更新完成/失败计数与最近活跃时间。
func (s *Service) AdjustReputation(ctx context.Context, caller, address string, success bool) error {
	if s.store == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "注册表存储未初始化")
	}
	if s.auth != nil && !s.auth.Allow(caller, auth.PermReputationAdjust) {
		return xerrors.New(xerrors.CodePermissionDenied, "调用方无权调整信誉分")
	}

	agent, err := s.store.Get(ctx, address)
	if err != nil {
		return err
	}

	reputation := agent.Reputation
	if success {
		increment := successIncrement
		if reputation < strugglingThreshold {
			increment = recoveryIncrement
		}
		reputation += increment
	} else {
		reputation -= failurePenalty
	}
	if reputation > ReputationMax {
		reputation = ReputationMax
	}
	if reputation < 0 {
		reputation = 0
	}

	if err := s.store.ApplyOutcome(ctx, address, reputation, success, s.now().Unix()); err != nil {
		return err
	}
	logger.Audit().Info("信誉分已调整",
		slog.String("address", address),
		slog.Bool("success", success),
		slog.Int64("reputation", reputation),
	)
	return nil
}

// MatchScore 计算智能体能力对任务需求的匹配度（0-1000）。
// 达标维度按其在公开范围内的位置给满额学分，未达标维度在位置学分上再按
// 差额比例折减，因此欠缺不会直接出局，硬性门槛由账本另行执行。
func (s *Service) MatchScore(ctx context.Context, address string, required []int64) (int64, error) {
	if s.store == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "注册表存储未初始化")
	}
	if err := ValidateCapabilities(required); err != nil {
		return 0, err
	}
	agent, err := s.store.Get(ctx, address)
	if err != nil {
		return 0, err
	}
	return ScoreCapabilities(agent.Capabilities, required), nil
}

// ScoreCapabilities 是匹配度计算的纯函数形式，便于账本与测试复用。
func ScoreCapabilities(capabilities, required []int64) int64 {
	var total int64
	for i := 0; i < CapabilityDimensions; i++ {
		have := capabilities[i]
		req := required[i]
		position := have * MatchScoreMax / CapabilityMax
		if have >= req || req == 0 {
			total += position
			continue
		}
		total += position * have / req
	}
	return total / CapabilityDimensions
}

// Get 返回指定地址的档案。
func (s *Service) Get(ctx context.Context, address string) (*Agent, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "注册表存储未初始化")
	}
	return s.store.Get(ctx, address)
}

// ActiveAgents 返回所有活跃档案。
func (s *Service) ActiveAgents(ctx context.Context) ([]*Agent, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "注册表存储未初始化")
	}
	return s.store.List(ctx, true)
}

// ValidateCapabilities 校验向量维度与每个维度的取值范围。
// 账本在接受任务需求向量时复用同一套边界。
func ValidateCapabilities(capabilities []int64) error {
	if len(capabilities) != CapabilityDimensions {
		return xerrors.New(CodeOutOfRange, "能力向量维度数不正确")
	}
	for _, value := range capabilities {
		if value < CapabilityMin || value > CapabilityMax {
			return ErrOutOfRange
		}
	}
	return nil
}

func cloneCapabilities(capabilities []int64) []int64 {
	cloned := make([]int64, len(capabilities))
	copy(cloned, capabilities)
	return cloned
}
