package killswitch

import (
	"context"
	"fmt"

	xerrors "AgentVault-Chain/internal/errors"
	"AgentVault-Chain/pkg/logger"
)

// SideEffect 是级联中尽力而为的一步，彼此独立、互不阻断。
type SideEffect struct {
	Name string
	Run  func(ctx context.Context) error
}

// CascadeResult 描述一次带级联的熔断结果。
type CascadeResult struct {
	Success         bool     `json:"success"`
	Error           string   `json:"error,omitempty"`
	SessionsRevoked int64    `json:"sessions_revoked"`
	TxsCancelled    int64    `json:"txs_cancelled"`
	SideEffectFails []string `json:"side_effect_failures,omitempty"`
}

// Service 是三态熔断器：ACTIVE → SUSPENDED → LOCKED → ACTIVE，
// 每次切换都由存储层的条件更新保证恰有一个赢家。
type Service struct {
	store   Store
	cascade CascadeCore
	effects []SideEffect
}

// Option 调整 Service 的可选配置。
type Option func(*Service)

// WithSideEffect 注册一个级联副作用（钱包暂停、事件、通知、审计）。
func WithSideEffect(name string, run func(ctx context.Context) error) Option {
	return func(s *Service) {
		s.effects = append(s.effects, SideEffect{Name: name, Run: run})
	}
}

// NewService 创建熔断服务。cascade 可为 nil，此时 ActivateWithCascade 只切换状态。
func NewService(store Store, cascade CascadeCore, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "熔断存储不能为空")
	}
	svc := &Service{store: store, cascade: cascade}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Current 返回当前熔断状态。
func (s *Service) Current(ctx context.Context) (*Record, error) {
	return s.store.Current(ctx)
}

// Locked 判断系统是否处于拦截状态。
func (s *Service) Locked(ctx context.Context) (bool, error) {
	record, err := s.store.Current(ctx)
	if err != nil {
		return false, err
	}
	return record.State != StateActive, nil
}

// Activate 执行 ACTIVE→SUSPENDED，状态不匹配返回 false 且无副作用。
func (s *Service) Activate(ctx context.Context, by string) (bool, error) {
	return s.transition(ctx, StateActive, StateSuspended, by)
}

// Escalate 执行 SUSPENDED→LOCKED。
func (s *Service) Escalate(ctx context.Context, by string) (bool, error) {
	return s.transition(ctx, StateSuspended, StateLocked, by)
}

// RecoverFromSuspended 执行 SUSPENDED→ACTIVE。
// 恢复只切换状态，熔断时吊销的会话绝不复活。
func (s *Service) RecoverFromSuspended(ctx context.Context) (bool, error) {
	return s.transition(ctx, StateSuspended, StateActive, "")
}

// RecoverFromLocked 执行 LOCKED→ACTIVE，供所有者认证后的独立逃生通道。
func (s *Service) RecoverFromLocked(ctx context.Context) (bool, error) {
	return s.transition(ctx, StateLocked, StateActive, "")
}

func (s *Service) transition(ctx context.Context, expected, next State, by string) (bool, error) {
	swapped, err := s.store.CompareAndSwap(ctx, expected, next, by)
	if err != nil {
		return false, err
	}
	if swapped {
		logger.Audit().Warn("熔断状态切换",
			"from", string(expected), "to", string(next), "by", by)
	}
	return swapped, nil
}

const cascadeReason = "kill switch activated"

// ActivateWithCascade 触发熔断并执行级联。
// CAS 失败时返回 Success=false 与描述性错误，而不是抛出异常。
// 级联核心（吊销会话 + 取消交易）与状态切换视为一个整体：
// 核心支持 AtomicActivator 时两者共用一个数据库事务；
// 其余副作用尽力而为，单步失败只收集不中断。
func (s *Service) ActivateWithCascade(ctx context.Context, by string) (*CascadeResult, error) {
	result, err := s.activateCore(ctx, by)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return result, nil
	}

	for _, effect := range s.effects {
		if err := s.runEffect(ctx, effect); err != nil {
			result.SideEffectFails = append(result.SideEffectFails, effect.Name+": "+err.Error())
		}
	}

	logger.Audit().Warn("熔断级联完成",
		"by", by,
		"sessions_revoked", result.SessionsRevoked,
		"txs_cancelled", result.TxsCancelled,
		"side_effect_failures", len(result.SideEffectFails))
	return result, nil
}

// activateCore 完成状态切换与级联核心。
func (s *Service) activateCore(ctx context.Context, by string) (*CascadeResult, error) {
	if atomic, ok := s.cascade.(AtomicActivator); ok {
		swapped, revoked, cancelled, err := atomic.ActivateAndCascade(ctx, by, cascadeReason)
		if err != nil {
			// 切换随核心一并回滚，熔断器仍为 ACTIVE。
			return nil, err
		}
		if !swapped {
			return s.notTriggered(ctx)
		}
		logger.Audit().Warn("熔断状态切换",
			"from", string(StateActive), "to", string(StateSuspended), "by", by)
		return &CascadeResult{Success: true, SessionsRevoked: revoked, TxsCancelled: cancelled}, nil
	}

	swapped, err := s.Activate(ctx, by)
	if err != nil {
		return nil, err
	}
	if !swapped {
		return s.notTriggered(ctx)
	}

	result := &CascadeResult{Success: true}
	if s.cascade != nil {
		revoked, cancelled, err := s.cascade.RevokeAndCancel(ctx, cascadeReason)
		if err != nil {
			// 状态已切换，级联核心失败必须显式上报。
			result.Error = err.Error()
			logger.Audit().Error("熔断级联核心失败", "error", err)
		}
		result.SessionsRevoked = revoked
		result.TxsCancelled = cancelled
	}
	return result, nil
}

func (s *Service) notTriggered(ctx context.Context) (*CascadeResult, error) {
	record, err := s.store.Current(ctx)
	state := "unknown"
	if err == nil {
		state = string(record.State)
	}
	return &CascadeResult{
		Success: false,
		Error:   fmt.Sprintf("熔断未触发：当前状态为 %s，期望 ACTIVE", state),
	}, nil
}

func (s *Service) runEffect(ctx context.Context, effect SideEffect) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("side effect panic: %v", r)
		}
	}()
	if runErr := effect.Run(ctx); runErr != nil {
		logger.Named("killswitch").Warn("级联副作用失败", "name", effect.Name, "error", runErr)
		return runErr
	}
	return nil
}
