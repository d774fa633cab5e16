package compliance

import (
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"custodychain/internal/rules"
	"custodychain/internal/workflow/state"
	"custodychain/pkg/types"
)

// evalContext 单次校验的输入
type evalContext struct {
	action string
	data   map[string]any
	state  *state.WorkflowState
	now    time.Time
	exprs  *rules.ExpressionCache
}

// checkSequence 状态机检查，返回违规描述
func checkSequence(st *state.WorkflowState, role types.Role, minStepsBeforeVerify int) []string {
	if missing := st.MissingPrerequisites(role); len(missing) > 0 {
		out := make([]string, 0, len(missing))
		for _, m := range missing {
			out = append(out, fmt.Sprintf("%s action attempted before %s was completed", role, m.StageLabel()))
		}
		return out
	}

	if st.HasStage(role) && !reopened(st, role) {
		return []string{fmt.Sprintf("%s already completed; repeating it requires progress in a later stage", role.StageLabel())}
	}

	if role.IsTerminal() {
		var out []string
		if st.Status == state.StatusBlocked {
			reason := st.BlockedReason
			if reason == "" {
				reason = "administrative hold"
			}
			out = append(out, fmt.Sprintf("entity %s is blocked: %s", st.EntityID, reason))
		}
		if st.CurrentStep < minStepsBeforeVerify {
			out = append(out, fmt.Sprintf("%s requires at least %d completed steps, entity has %d", role.StageLabel(), minStepsBeforeVerify, st.CurrentStep))
		}
		return out
	}
	return nil
}

// reopened 角色最近一次完成之后是否有更后面的阶段也完成过
func reopened(st *state.WorkflowState, role types.Role) bool {
	for _, later := range types.StageOrder[role.Index()+1:] {
		if st.CompletedAfter(later, role) {
			return true
		}
	}
	return false
}

// evaluateRules 依次执行规则，累积所有违规；
// 依赖规则失败时只检查必填字段，其余校验跳过
func evaluateRules(set []rules.ComplianceRule, ec *evalContext) []string {
	var violations []string
	failed := make(map[string]bool, len(set))

	for i := range set {
		rule := &set[i]
		if slices.ContainsFunc(rule.Dependencies, func(dep string) bool { return failed[dep] }) {
			failed[rule.ID] = true
			violations = append(violations, missingFields(rule, ec.data)...)
			continue
		}
		v := evaluateRule(rule, ec)
		if len(v) > 0 {
			failed[rule.ID] = true
			violations = append(violations, v...)
		}
	}
	return violations
}

func missingFields(rule *rules.ComplianceRule, data map[string]any) []string {
	var out []string
	for _, f := range rule.RequiredFields {
		if isEmpty(lookup(data, f)) {
			out = append(out, fmt.Sprintf("missing required field: %s", f))
		}
	}
	return out
}

func evaluateRule(rule *rules.ComplianceRule, ec *evalContext) []string {
	out := missingFields(rule, ec.data)

	if len(rule.AllowedActions) > 0 && !slices.Contains(rule.AllowedActions, ec.action) {
		out = append(out, fmt.Sprintf("action %q is not allowed by rule %s", ec.action, rule.ID))
	}

	for i := range rule.FieldValidations {
		if msg := validateField(&rule.FieldValidations[i], ec.data); msg != "" {
			out = append(out, msg)
		}
	}

	for i := range rule.BusinessConstraints {
		if msg := checkConstraint(&rule.BusinessConstraints[i], ec); msg != "" {
			out = append(out, msg)
		}
	}
	return out
}

// validateField 按标签分派；字段缺失由必填检查负责
func validateField(fv *rules.FieldValidation, data map[string]any) string {
	v := lookup(data, fv.Field)
	if v == nil {
		return ""
	}
	switch fv.Kind {
	case rules.FieldEnum:
		return validateEnum(fv.Field, fv.Enum, v)
	case rules.FieldNumeric:
		return validateNumeric(fv.Field, fv.Numeric, v)
	case rules.FieldObject:
		return validateObject(fv.Field, fv.Object, v)
	}
	return fmt.Sprintf("%s: unsupported validation kind %q", fv.Field, fv.Kind)
}

func validateEnum(field string, spec *rules.EnumSpec, v any) string {
	s := fmt.Sprint(v)
	if slices.Contains(spec.Values, s) {
		return ""
	}
	return fmt.Sprintf("%s %q is not one of [%s]", field, s, strings.Join(spec.Values, ", "))
}

func validateNumeric(field string, spec *rules.NumericSpec, v any) string {
	n, ok := toFloat(v)
	if !ok {
		return fmt.Sprintf("%s must be numeric", field)
	}
	if spec.Min != nil && n < *spec.Min {
		return fmt.Sprintf("%s %s is below minimum of %s", field, withUnit(n, spec.Unit), withUnit(*spec.Min, spec.Unit))
	}
	if spec.Max != nil && n > *spec.Max {
		return fmt.Sprintf("%s %s exceeds maximum of %s", field, withUnit(n, spec.Unit), withUnit(*spec.Max, spec.Unit))
	}
	return ""
}

func validateObject(field string, spec *rules.ObjectSpec, v any) string {
	obj, ok := v.(map[string]any)
	if !ok {
		return fmt.Sprintf("%s must be an object", field)
	}
	var missing []string
	for _, f := range spec.RequiredFields {
		if isEmpty(obj[f]) {
			missing = append(missing, field+"."+f)
		}
	}
	if len(missing) > 0 {
		return fmt.Sprintf("missing required field: %s", strings.Join(missing, ", "))
	}
	return ""
}

// checkConstraint 业务约束，按标签分派
func checkConstraint(bc *rules.BusinessConstraint, ec *evalContext) string {
	switch bc.Kind {
	case rules.ConstraintMaxPerPeriod:
		return checkMaxPerPeriod(bc.MaxPerPeriod, ec.data)
	case rules.ConstraintMaxElapsed:
		return checkMaxElapsed(bc.MaxElapsed, ec)
	case rules.ConstraintExpression:
		return checkExpression(ec.exprs, bc, ec.data)
	}
	return fmt.Sprintf("%s: unsupported constraint kind %q", bc.Name, bc.Kind)
}

func checkMaxPerPeriod(spec *rules.MaxPerPeriodSpec, data map[string]any) string {
	v := lookup(data, spec.Field)
	if v == nil {
		return ""
	}
	n, ok := toFloat(v)
	if !ok {
		return fmt.Sprintf("%s must be numeric", spec.Field)
	}
	if n > spec.Max {
		return fmt.Sprintf("%s %s exceeds per-%s limit of %s", spec.Field, withUnit(n, spec.Unit), spec.Period, withUnit(spec.Max, spec.Unit))
	}
	return ""
}

func checkMaxElapsed(spec *rules.MaxElapsedSpec, ec *evalContext) string {
	if spec.Field != "" {
		v := lookup(ec.data, spec.Field)
		if v == nil {
			return ""
		}
		ts, ok := parseTime(v)
		if !ok {
			return fmt.Sprintf("%s is not a valid timestamp", spec.Field)
		}
		if elapsed := ec.now.Sub(ts); elapsed > spec.Max {
			return fmt.Sprintf("%s is %s old, exceeds window of %s", spec.Field, elapsed.Truncate(time.Hour), spec.Max)
		}
		return ""
	}

	since := spec.SinceRole()
	doneAt, ok := ec.state.StageCompletedAt[since]
	if !ok {
		return ""
	}
	if elapsed := ec.now.Sub(doneAt); elapsed > spec.Max {
		return fmt.Sprintf("%s elapsed since %s, exceeds window of %s", elapsed.Truncate(time.Hour), since.StageLabel(), spec.Max)
	}
	return ""
}

// checkExpression 表达式约束；引用的字段缺失时不判定
func checkExpression(exprs *rules.ExpressionCache, bc *rules.BusinessConstraint, data map[string]any) string {
	expr, err := exprs.Compile(bc.Expression)
	if err != nil {
		return fmt.Sprintf("%s: invalid expression", bc.Name)
	}

	params := make(map[string]any, len(data))
	for _, name := range expr.Vars() {
		v := lookup(data, name)
		if v == nil {
			return ""
		}
		if n, ok := toFloat(v); ok {
			params[name] = n
		} else {
			params[name] = v
		}
	}

	out, err := expr.Evaluate(params)
	if err != nil {
		return fmt.Sprintf("%s: %v", bc.Name, err)
	}
	if ok, _ := out.(bool); ok {
		return ""
	}
	if bc.Expression.Message != "" {
		return bc.Expression.Message
	}
	return fmt.Sprintf("constraint %s not satisfied", bc.Name)
}

// lookup 支持 a.b 形式的嵌套路径
func lookup(data map[string]any, path string) any {
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func withUnit(n float64, unit string) string {
	s := strconv.FormatFloat(n, 'f', -1, 64)
	if unit == "" {
		return s
	}
	return s + " " + unit
}

func parseTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.DateOnly} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
