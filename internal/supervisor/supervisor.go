// Package supervisor 周期性扫描市场中超时的拍卖、任务与验证，推动其进入终态。
package supervisor

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"SwarmMarket/internal/auction"
	xerrors "SwarmMarket/internal/errors"
	"SwarmMarket/internal/observability/alerting"
	"SwarmMarket/internal/proof"
	"SwarmMarket/pkg/logger"
)

// SweepReport 汇总一轮扫描的处理结果。
type SweepReport struct {
	AuctionsClosed    int
	AuctionsCancelled int
	TasksExpired      int
	ProofsExpired     int
	Failures          int
}

// Supervisor 驱动账本与验证器的超时流转。
type Supervisor struct {
	ledger   *auction.Ledger
	verifier *proof.Verifier
	identity string
	interval time.Duration
	alerter  alerting.Dispatcher
	now      func() time.Time
}

// Option 定义可选配置。
type Option func(*Supervisor)

// WithIdentity 指定扫描器在权限校验中使用的身份。
func WithIdentity(identity string) Option {
	return func(s *Supervisor) {
		if identity != "" {
			s.identity = identity
		}
	}
}

// WithInterval 设置扫描间隔。
func WithInterval(interval time.Duration) Option {
	return func(s *Supervisor) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) Option {
	return func(s *Supervisor) {
		s.alerter = dispatcher
	}
}

// WithClock 注入时间源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// New 构造 Supervisor。verifier 可以为 nil，此时仅处理账本侧的超时。
func New(ledger *auction.Ledger, verifier *proof.Verifier, opts ...Option) *Supervisor {
	s := &Supervisor{
		ledger:   ledger,
		verifier: verifier,
		identity: "supervisor",
		interval: 5 * time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run 启动扫描循环，直到上下文取消。
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			report := s.Sweep(ctx)
			if report.Failures > 0 {
				logger.L().Warn("市场扫描存在失败项",
					slog.Int("failures", report.Failures),
					slog.Int("auctions_closed", report.AuctionsClosed),
					slog.Int("tasks_expired", report.TasksExpired),
				)
			}
		}
	}
}

// Sweep 执行一轮扫描：截标到期的拍卖、验证超时的证明、逾期未交付的任务。
func (s *Supervisor) Sweep(ctx context.Context) SweepReport {
	var report SweepReport
	pending := s.sweepVerifications(ctx, &report)
	s.sweepAuctions(ctx, &report)
	s.sweepAssignments(ctx, pending, &report)
	return report
}

func (s *Supervisor) sweepAuctions(ctx context.Context, report *SweepReport) {
	tasks, err := s.ledger.ListTasks(ctx, auction.StateAuctionOpen)
	if err != nil {
		report.Failures++
		s.fail(ctx, 0, "list_auctions", err)
		return
	}
	now := s.now().Unix()
	for _, task := range tasks {
		if now <= task.AuctionDeadline {
			continue
		}
		if _, err := s.ledger.CloseAuction(ctx, s.identity, task.ID); err != nil {
			if stdErrors.Is(err, auction.ErrNoBids) {
				if _, cancelErr := s.ledger.CancelAuction(ctx, s.identity, task.ID); cancelErr != nil {
					report.Failures++
					s.fail(ctx, task.ID, "cancel_auction", cancelErr)
					continue
				}
				report.AuctionsCancelled++
				continue
			}
			if stdErrors.Is(err, auction.ErrAuctionNotYetClosed) || stdErrors.Is(err, auction.ErrWrongState) {
				continue
			}
			report.Failures++
			s.fail(ctx, task.ID, "close_auction", err)
			continue
		}
		report.AuctionsClosed++
	}
}

// sweepVerifications 返回仍在验证中的任务集合，供交付超时扫描跳过。
func (s *Supervisor) sweepVerifications(ctx context.Context, report *SweepReport) map[int64]bool {
	if s.verifier == nil {
		return nil
	}
	submissions, err := s.verifier.PendingVerifications(ctx)
	if err != nil {
		report.Failures++
		s.fail(ctx, 0, "list_verifications", err)
		return nil
	}
	pending := make(map[int64]bool, len(submissions))
	now := s.now().Unix()
	window := s.verifier.Window()
	for _, sub := range submissions {
		pending[sub.TaskID] = true
		if now <= sub.SubmittedAt+window {
			continue
		}
		if _, err := s.verifier.HandleVerificationTimeout(ctx, s.identity, sub.TaskID); err != nil {
			if stdErrors.Is(err, proof.ErrVerificationPending) || stdErrors.Is(err, proof.ErrNotVerifying) {
				continue
			}
			report.Failures++
			s.fail(ctx, sub.TaskID, "verification_timeout", err)
			continue
		}
		report.ProofsExpired++
	}
	return pending
}

func (s *Supervisor) sweepAssignments(ctx context.Context, pending map[int64]bool, report *SweepReport) {
	tasks, err := s.ledger.ListTasks(ctx, auction.StateAssigned)
	if err != nil {
		report.Failures++
		s.fail(ctx, 0, "list_assignments", err)
		return
	}
	now := s.now().Unix()
	for _, task := range tasks {
		if pending[task.ID] {
			// 证明仍在验证窗口内，由验证器决定任务去向。
			continue
		}
		if now <= task.CompletionDeadline {
			continue
		}
		if _, err := s.ledger.HandleTimeout(ctx, s.identity, task.ID); err != nil {
			if stdErrors.Is(err, auction.ErrNotYetExpired) || stdErrors.Is(err, auction.ErrWrongState) {
				continue
			}
			report.Failures++
			s.fail(ctx, task.ID, "task_timeout", err)
			continue
		}
		report.TasksExpired++
	}
}

func (s *Supervisor) fail(ctx context.Context, taskID int64, operation string, cause error) {
	logger.L().Error("扫描处理失败",
		slog.Any("error", cause),
		slog.Int64("task_id", taskID),
		slog.String("operation", operation),
	)
	if s.alerter == nil || !xerrors.ShouldAlert(cause) {
		return
	}
	code := xerrors.CodeOf(cause)
	event := alerting.Event{
		Code:       code,
		Message:    cause.Error(),
		Severity:   xerrors.SeverityOf(cause),
		TaskID:     taskID,
		Operation:  operation,
		Metadata:   map[string]string{"cause": cause.Error()},
		OccurredAt: s.now(),
	}
	if err := s.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.Int64("task_id", taskID),
			slog.String("operation", operation),
		)
	}
}
