// Package rules 业务规则目录：规则模型、配置源与缓存
package rules

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Knetic/govaluate"

	"custodychain/pkg/types"
)

// FieldKind 字段校验类型（标签）
type FieldKind string

const (
	FieldEnum    FieldKind = "enum"
	FieldNumeric FieldKind = "numeric"
	FieldObject  FieldKind = "object"
)

// ConstraintKind 业务约束类型（标签）
type ConstraintKind string

const (
	ConstraintMaxPerPeriod ConstraintKind = "max_per_period"
	ConstraintMaxElapsed   ConstraintKind = "max_elapsed"
	ConstraintExpression   ConstraintKind = "expression"
)

// EnumSpec 枚举取值
type EnumSpec struct {
	Values []string `yaml:"values" json:"values"`
}

// NumericSpec 数值范围，Unit 用于提示信息
type NumericSpec struct {
	Min  *float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max  *float64 `yaml:"max,omitempty" json:"max,omitempty"`
	Unit string   `yaml:"unit,omitempty" json:"unit,omitempty"`
}

// ObjectSpec 嵌套对象必填字段
type ObjectSpec struct {
	RequiredFields []string `yaml:"required_fields" json:"required_fields"`
}

// FieldValidation 单字段校验，Kind 决定哪个载荷有效
type FieldValidation struct {
	Field   string       `yaml:"field" json:"field"`
	Kind    FieldKind    `yaml:"kind" json:"kind"`
	Enum    *EnumSpec    `yaml:"enum,omitempty" json:"enum,omitempty"`
	Numeric *NumericSpec `yaml:"numeric,omitempty" json:"numeric,omitempty"`
	Object  *ObjectSpec  `yaml:"object,omitempty" json:"object,omitempty"`
}

// MaxPerPeriodSpec 周期内数量上限
type MaxPerPeriodSpec struct {
	Field  string  `yaml:"field" json:"field"`
	Max    float64 `yaml:"max" json:"max"`
	Unit   string  `yaml:"unit,omitempty" json:"unit,omitempty"`
	Period string  `yaml:"period" json:"period"`
}

// MaxElapsedSpec 距某阶段完成的最长时间窗口
// Field 为数据中的时间字段，缺省时使用工作流状态里 Since 阶段的完成时间
type MaxElapsedSpec struct {
	Since types.Role    `yaml:"since,omitempty" json:"since,omitempty"`
	Field string        `yaml:"field,omitempty" json:"field,omitempty"`
	Max   time.Duration `yaml:"max" json:"max"`
}

// ExpressionSpec 布尔表达式约束，变量取自动作数据
type ExpressionSpec struct {
	Expr    string `yaml:"expr" json:"expr"`
	Message string `yaml:"message" json:"message"`
}

// ExpressionCache 已编译表达式，按表达式文本索引；规则经缓存反序列化后仍可命中
type ExpressionCache struct {
	compiled sync.Map
}

// NewExpressionCache 创建表达式缓存
func NewExpressionCache() *ExpressionCache {
	return &ExpressionCache{}
}

// Compile 返回编译后的表达式，同一文本只解析一次
func (c *ExpressionCache) Compile(e *ExpressionSpec) (*govaluate.EvaluableExpression, error) {
	if v, ok := c.compiled.Load(e.Expr); ok {
		return v.(*govaluate.EvaluableExpression), nil
	}
	expr, err := govaluate.NewEvaluableExpression(e.Expr)
	if err != nil {
		return nil, err
	}
	actual, _ := c.compiled.LoadOrStore(e.Expr, expr)
	return actual.(*govaluate.EvaluableExpression), nil
}

// BusinessConstraint 业务约束，Kind 决定哪个载荷有效
type BusinessConstraint struct {
	Name         string            `yaml:"name" json:"name"`
	Kind         ConstraintKind    `yaml:"kind" json:"kind"`
	MaxPerPeriod *MaxPerPeriodSpec `yaml:"max_per_period,omitempty" json:"max_per_period,omitempty"`
	MaxElapsed   *MaxElapsedSpec   `yaml:"max_elapsed,omitempty" json:"max_elapsed,omitempty"`
	Expression   *ExpressionSpec   `yaml:"expression,omitempty" json:"expression,omitempty"`
}

// ComplianceRule 合规规则，加载后不可变
type ComplianceRule struct {
	ID                  string               `yaml:"id" json:"id"`
	Name                string               `yaml:"name" json:"name"`
	Role                types.Role           `yaml:"role" json:"role"`
	RequiredFields      []string             `yaml:"required_fields" json:"required_fields"`
	AllowedActions      []string             `yaml:"allowed_actions" json:"allowed_actions"`
	FieldValidations    []FieldValidation    `yaml:"field_validations" json:"field_validations"`
	BusinessConstraints []BusinessConstraint `yaml:"business_constraints" json:"business_constraints"`
	SequencePosition    int                  `yaml:"sequence_position" json:"sequence_position"`
	Dependencies        []string             `yaml:"dependencies" json:"dependencies"`
}

// AppliesTo 规则是否适用于 (role, action)；未声明动作的规则适用于该角色全部动作
func (r *ComplianceRule) AppliesTo(role types.Role, action string) bool {
	if r.Role != role {
		return false
	}
	return len(r.AllowedActions) == 0 || slices.Contains(r.AllowedActions, action)
}

// Validate 校验规则定义，标签与载荷不一致时报错
func (r *ComplianceRule) Validate() error {
	if r.ID == "" {
		return errors.New("规则缺少 id")
	}
	if !r.Role.Valid() {
		return fmt.Errorf("规则 %s: 未知角色 %q", r.ID, r.Role)
	}
	for i, fv := range r.FieldValidations {
		if err := fv.validate(); err != nil {
			return fmt.Errorf("规则 %s: field_validations[%d]: %w", r.ID, i, err)
		}
	}
	for i, bc := range r.BusinessConstraints {
		if err := bc.validate(); err != nil {
			return fmt.Errorf("规则 %s: business_constraints[%d]: %w", r.ID, i, err)
		}
	}
	return nil
}

func (fv *FieldValidation) validate() error {
	if fv.Field == "" {
		return errors.New("缺少 field")
	}
	switch fv.Kind {
	case FieldEnum:
		if fv.Enum == nil || len(fv.Enum.Values) == 0 {
			return fmt.Errorf("%s: enum 取值为空", fv.Field)
		}
	case FieldNumeric:
		if fv.Numeric == nil {
			return fmt.Errorf("%s: 缺少 numeric 定义", fv.Field)
		}
		if fv.Numeric.Min != nil && fv.Numeric.Max != nil && *fv.Numeric.Min > *fv.Numeric.Max {
			return fmt.Errorf("%s: min 大于 max", fv.Field)
		}
	case FieldObject:
		if fv.Object == nil || len(fv.Object.RequiredFields) == 0 {
			return fmt.Errorf("%s: object 必填字段为空", fv.Field)
		}
	default:
		return fmt.Errorf("%s: 未知校验类型 %q", fv.Field, fv.Kind)
	}
	return nil
}

func (bc *BusinessConstraint) validate() error {
	switch bc.Kind {
	case ConstraintMaxPerPeriod:
		if bc.MaxPerPeriod == nil || bc.MaxPerPeriod.Field == "" || bc.MaxPerPeriod.Max <= 0 {
			return fmt.Errorf("%s: max_per_period 定义不完整", bc.Name)
		}
	case ConstraintMaxElapsed:
		if bc.MaxElapsed == nil || bc.MaxElapsed.Max <= 0 {
			return fmt.Errorf("%s: max_elapsed 定义不完整", bc.Name)
		}
		if bc.MaxElapsed.Since != "" && !bc.MaxElapsed.Since.Valid() {
			return fmt.Errorf("%s: 未知阶段 %q", bc.Name, bc.MaxElapsed.Since)
		}
	case ConstraintExpression:
		if bc.Expression == nil || bc.Expression.Expr == "" {
			return fmt.Errorf("%s: expression 为空", bc.Name)
		}
		if _, err := govaluate.NewEvaluableExpression(bc.Expression.Expr); err != nil {
			return fmt.Errorf("%s: 解析表达式失败: %w", bc.Name, err)
		}
	default:
		return fmt.Errorf("%s: 未知约束类型 %q", bc.Name, bc.Kind)
	}
	return nil
}

// SinceRole 时间窗口的起点阶段，默认源头阶段
func (s *MaxElapsedSpec) SinceRole() types.Role {
	if s.Since == "" {
		return types.RoleOrigin
	}
	return s.Since
}

// validateSet 校验规则集：id 唯一、依赖存在
func validateSet(set []ComplianceRule) error {
	ids := make(map[string]struct{}, len(set))
	for i := range set {
		if err := set[i].Validate(); err != nil {
			return err
		}
		if _, dup := ids[set[i].ID]; dup {
			return fmt.Errorf("规则 id 重复: %s", set[i].ID)
		}
		ids[set[i].ID] = struct{}{}
	}
	for _, r := range set {
		for _, dep := range r.Dependencies {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("规则 %s 依赖不存在的规则 %s", r.ID, dep)
			}
		}
	}
	return nil
}

// sortBySequence 按 SequencePosition 稳定排序
func sortBySequence(set []ComplianceRule) {
	slices.SortStableFunc(set, func(a, b ComplianceRule) int {
		return a.SequencePosition - b.SequencePosition
	})
}
