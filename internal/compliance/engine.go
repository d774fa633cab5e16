// Package compliance 托管动作合规引擎：顺序检查、规则校验、状态推进、审计写入与凭证签发
package compliance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"custodychain/internal/audit"
	"custodychain/internal/ledger"
	"custodychain/internal/logger"
	"custodychain/internal/metrics"
	"custodychain/internal/rules"
	"custodychain/internal/workflow/state"
	"custodychain/pkg/types"
)

// RuleLoader 规则目录
type RuleLoader interface {
	LoadRules(ctx context.Context, role types.Role, action string) ([]rules.ComplianceRule, error)
	RulesByID(ctx context.Context, ids []string) ([]rules.ComplianceRule, error)
}

// StateStore 工作流状态存储
type StateStore interface {
	Get(ctx context.Context, entityID string) (*state.WorkflowState, error)
	Update(ctx context.Context, entityID string, fn func(*state.WorkflowState) error) (*state.WorkflowState, error)
}

// AuditPublisher 审计记录写入路径
type AuditPublisher interface {
	Publish(ctx context.Context, rec *audit.Record) ledger.Outcome
}

// CredentialStore 凭证存储
type CredentialStore interface {
	Issue(ctx context.Context, meta *CredentialMetadata) (*CredentialMetadata, bool, error)
	Get(ctx context.Context, entityID string) (*CredentialMetadata, error)
}

// Options 引擎参数
type Options struct {
	MinStepsBeforeVerify int
	Issuer               string
	CredentialValidity   time.Duration
	RenewalRequirements  []string
}

// Engine 合规引擎
type Engine struct {
	rules       RuleLoader
	states      StateStore
	publisher   AuditPublisher
	credentials CredentialStore
	exprs       *rules.ExpressionCache
	opts        Options
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewEngine 创建引擎
func NewEngine(
	ruleLoader RuleLoader,
	states StateStore,
	publisher AuditPublisher,
	credentials CredentialStore,
	opts Options,
	log *zap.Logger,
) *Engine {
	if opts.MinStepsBeforeVerify <= 0 {
		opts.MinStepsBeforeVerify = 2
	}
	if opts.Issuer == "" {
		opts.Issuer = "custodychain"
	}
	if opts.CredentialValidity <= 0 {
		opts.CredentialValidity = 365 * 24 * time.Hour
	}
	return &Engine{
		rules:       ruleLoader,
		states:      states,
		publisher:   publisher,
		credentials: credentials,
		exprs:       rules.NewExpressionCache(),
		opts:        opts,
		logger:      log.Named("compliance"),
		tracer:      otel.Tracer("custodychain/compliance"),
		now:         time.Now,
	}
}

// LoadRules 加载 (role, action) 适用的规则；ruleIDs 非空时按 id 取规则
func (e *Engine) LoadRules(ctx context.Context, role types.Role, action string, ruleIDs []string) ([]rules.ComplianceRule, error) {
	if len(ruleIDs) > 0 {
		set, err := e.rules.RulesByID(ctx, ruleIDs)
		if err != nil {
			return nil, err
		}
		out := set[:0:0]
		for _, r := range set {
			if r.Role == role {
				out = append(out, r)
			}
		}
		return out, nil
	}
	return e.rules.LoadRules(ctx, role, action)
}

// pipelineOutcome 状态更新闭包内的判定结果；冲突重试时重置
type pipelineOutcome struct {
	sequence      []string
	violations    []string
	justCompleted bool
}

// ValidateAction 校验一次托管动作，任何失败都以结果返回
func (e *Engine) ValidateAction(ctx context.Context, req *ActionValidationRequest) (res *ValidationResult) {
	start := e.now()
	role := req.Actor.Role

	ctx, span := e.tracer.Start(ctx, "compliance.ValidateAction", trace.WithAttributes(
		attribute.String("entity_id", req.EntityID),
		attribute.String("role", string(role)),
		attribute.String("action", req.Action),
	))
	defer span.End()

	res = &ValidationResult{
		CorrelationID: uuid.NewString(),
		Timestamp:     start.UTC(),
		Violations:    []string{},
	}
	ctx = logger.WithEntityID(ctx, req.EntityID)
	log := logger.WithContext(ctx, e.logger).With(zap.String("correlation_id", res.CorrelationID))

	step := 0
	defer func() {
		if r := recover(); r != nil {
			log.Error("校验流程异常", zap.Any("panic", r), zap.Stack("stack"))
			e.fail(res, CodeInternalError, "internal error while validating action", "internal validation error")
		}
		if res.Code != "" {
			span.SetStatus(otelcodes.Error, res.Code)
		}
		span.SetAttributes(attribute.Bool("valid", res.Valid))

		res.Delivery = e.publish(ctx, req, res, step, log)

		code := res.Code
		if code == "" {
			code = "OK"
		}
		metrics.ValidationsTotal.WithLabelValues(string(role), resultLabel(res.Valid), code).Inc()
		metrics.ValidationDuration.WithLabelValues(string(role)).Observe(e.now().Sub(start).Seconds())
	}()

	if msgs := validateRequest(req); len(msgs) > 0 {
		e.fail(res, CodeValidationFailed, "malformed request", msgs...)
		return res
	}

	ruleSet, err := e.LoadRules(ctx, role, req.Action, req.RuleIDs)
	if err != nil {
		log.Error("加载规则失败", zap.Error(err))
		e.fail(res, CodeInternalError, "failed to load rules", "internal validation error")
		return res
	}
	if len(ruleSet) == 0 {
		e.fail(res, CodeRulesNotFound, "no applicable rules",
			fmt.Sprintf("no compliance rules found for role %s and action %s", role, req.Action))
		return res
	}

	var out pipelineOutcome
	now := start.UTC()
	st, err := e.states.Update(ctx, req.EntityID, func(st *state.WorkflowState) error {
		out = pipelineOutcome{}

		if v := checkSequence(st, role, e.opts.MinStepsBeforeVerify); len(v) > 0 {
			out.sequence = v
			return state.ErrNoChange
		}
		ec := &evalContext{action: req.Action, data: req.Data, state: st, now: now, exprs: e.exprs}
		if v := evaluateRules(ruleSet, ec); len(v) > 0 {
			out.violations = v
			return state.ErrNoChange
		}

		wasCompleted := st.Status == state.StatusCompleted
		if err := st.CompleteStage(role, req.Actor.Address, now); err != nil {
			return err
		}
		out.justCompleted = !wasCompleted && st.Status == state.StatusCompleted
		return nil
	})
	if err != nil {
		log.Error("更新工作流状态失败", zap.Error(err))
		e.fail(res, CodeInternalError, "failed to update workflow state", "internal validation error")
		return res
	}
	step = st.CurrentStep

	switch {
	case len(out.sequence) > 0:
		e.fail(res, CodeSequenceViolation, "sequence violation", out.sequence...)
		return res
	case len(out.violations) > 0:
		e.fail(res, CodeValidationFailed, "business rule violation", out.violations...)
		return res
	}

	res.Valid = true
	res.Reason = fmt.Sprintf("%s approved for %s", req.Action, role.StageLabel())
	res.Metadata = &ValidationMetadata{
		SequencePosition: st.CurrentStep,
		CompletedStages:  st.CompletedStages,
		WorkflowStatus:   string(st.Status),
	}
	if next := role.Next(); next != "" {
		res.Metadata.NextRequiredAction = next.StageLabel()
	}

	if out.justCompleted {
		res.Credential = e.issueCredential(ctx, st, res.CorrelationID, log)
	}

	log.Info("动作校验通过",
		zap.String("action", req.Action),
		zap.String("role", string(role)),
		zap.Int("step", st.CurrentStep),
		zap.String("status", string(st.Status)),
	)
	return res
}

func (e *Engine) fail(res *ValidationResult, code, reason string, violations ...string) {
	res.Valid = false
	res.Code = code
	res.Reason = reason
	res.Violations = append(res.Violations[:0], violations...)
	res.Metadata = nil
	res.Credential = nil
}

func validateRequest(req *ActionValidationRequest) []string {
	var msgs []string
	if req.EntityID == "" {
		msgs = append(msgs, "entityId is required")
	}
	if req.Action == "" {
		msgs = append(msgs, "action is required")
	}
	if !req.Actor.Role.Valid() {
		msgs = append(msgs, fmt.Sprintf("unknown role %q", req.Actor.Role))
	}
	return msgs
}

// publish 每次校验尝试都写一条审计记录；写入失败不影响校验结果
func (e *Engine) publish(ctx context.Context, req *ActionValidationRequest, res *ValidationResult, step int, log *zap.Logger) *DeliveryStatus {
	if e.publisher == nil {
		return nil
	}
	rec := &audit.Record{
		Action:        req.Action,
		EntityID:      req.EntityID,
		EventType:     audit.EventTypeFor(req.Actor.Role, res.Valid),
		Result:        audit.ResultRejected,
		Actor:         req.Actor.Address,
		Role:          req.Actor.Role,
		CorrelationID: res.CorrelationID,
		SequenceStep:  step,
		Timestamp:     res.Timestamp,
	}
	if res.Valid {
		rec.Result = audit.ResultApproved
	} else {
		rec.Violations = res.Violations
	}

	outcome := e.publisher.Publish(ctx, rec)
	status := &DeliveryStatus{Delivered: outcome.Delivered, FailureID: outcome.FailureID}
	if outcome.Receipt != nil {
		status.MessageID = outcome.Receipt.MessageID
	}
	if outcome.Err != nil {
		status.ErrorCode = outcome.Err.Code
		log.Warn("审计记录未写入账本", zap.String("code", outcome.Err.Code), zap.String("failure_id", outcome.FailureID))
	}
	return status
}

// issueCredential 工作流进入 completed 时签发；重复签发返回已有凭证
func (e *Engine) issueCredential(ctx context.Context, st *state.WorkflowState, correlationID string, log *zap.Logger) *CredentialMetadata {
	if e.credentials == nil {
		return nil
	}
	meta := e.newCredential(st, correlationID)
	stored, created, err := e.credentials.Issue(ctx, meta)
	if err != nil {
		log.Error("签发凭证失败", zap.Error(err))
		return nil
	}
	if created {
		metrics.CredentialsIssuedTotal.Inc()
		log.Info("凭证已签发", zap.Time("expires_at", stored.ExpiresAt))
	}
	return stored
}

func (e *Engine) newCredential(st *state.WorkflowState, correlationID string) *CredentialMetadata {
	issuedAt := e.now().UTC()
	completion := make(map[types.Role]bool, len(types.StageOrder))
	for _, r := range types.StageOrder {
		completion[r] = st.HasStage(r)
	}
	return &CredentialMetadata{
		EntityID:            st.EntityID,
		Issuer:              e.opts.Issuer,
		IssuedAt:            issuedAt,
		ExpiresAt:           issuedAt.Add(e.opts.CredentialValidity),
		Completion:          completion,
		RenewalRequirements: e.opts.RenewalRequirements,
		CorrelationID:       correlationID,
	}
}

// Credential 读取实体凭证；流程已完成但凭证缺失时补签
func (e *Engine) Credential(ctx context.Context, entityID string) (*CredentialMetadata, error) {
	if e.credentials == nil {
		return nil, ErrCredentialNotFound
	}
	meta, err := e.credentials.Get(ctx, entityID)
	if !errors.Is(err, ErrCredentialNotFound) {
		return meta, err
	}

	st, err := e.states.Get(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if st.Status != state.StatusCompleted {
		return nil, ErrCredentialNotFound
	}
	stored, created, err := e.credentials.Issue(ctx, e.newCredential(st, uuid.NewString()))
	if err != nil {
		return nil, err
	}
	if created {
		metrics.CredentialsIssuedTotal.Inc()
		e.logger.Warn("补签缺失的凭证", zap.String("entity_id", entityID))
	}
	return stored, nil
}

// State 读取实体工作流状态
func (e *Engine) State(ctx context.Context, entityID string) (*state.WorkflowState, error) {
	return e.states.Get(ctx, entityID)
}

// SetBlocked 设置或解除行政冻结；冻结只阻止终端核验
func (e *Engine) SetBlocked(ctx context.Context, entityID string, blocked bool, reason string) (*state.WorkflowState, error) {
	st, err := e.states.Update(ctx, entityID, func(st *state.WorkflowState) error {
		isBlocked := st.Status == state.StatusBlocked
		switch {
		case blocked && isBlocked && st.BlockedReason == reason:
			return state.ErrNoChange
		case blocked:
			st.Block(reason)
		case !isBlocked:
			return state.ErrNoChange
		default:
			st.Unblock()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("更新冻结状态失败: %w", err)
	}
	e.logger.Info("实体冻结状态已更新",
		zap.String("entity_id", entityID),
		zap.Bool("blocked", blocked),
		zap.String("reason", reason),
	)
	return st, nil
}

func resultLabel(valid bool) string {
	if valid {
		return "approved"
	}
	return "rejected"
}
