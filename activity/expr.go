package activity

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/waypointhq/waypoint/core"
)

// The calculate and compare primitives share a small left-to-right
// expression grammar over numeric literals, the special token "time"
// (current Unix epoch seconds), and knowledge keys.
//
// Operator quirk, preserved for script compatibility: "!" is TRUE division
// and "/" is FLOOR division. Behaviour scripts in the wild depend on this
// mapping, so it must not be "fixed".

// execCompare evaluates two arithmetic operands against a comparison
// operator and chains the matching true or false action.
func (m *Manager) execCompare(a core.Actionlet, tag string) {
	details, ok := a.Argument.(map[string]any)
	if !ok {
		m.logger.Error("compare argument must be a map with operand1, operand2, comparison_operator")
		m.fail(tag, nil)
		return
	}
	failedAction := details["failed_action"]

	opStr, _ := details["comparison_operator"].(string)
	if !validCompareOp(opStr) {
		m.logger.Error("invalid comparison operator", "operator", opStr)
		m.fail(tag, failedAction)
		return
	}

	op1, err1 := m.operandOf(details["operand1"])
	op2, err2 := m.operandOf(details["operand2"])
	if err1 != nil || err2 != nil {
		m.logger.Error("invalid compare operand", "operand1_error", err1, "operand2_error", err2)
		m.fail(tag, failedAction)
		return
	}

	result, err := compareValues(opStr, op1, op2)
	if err != nil {
		m.logger.Error("compare evaluation failed", "error", err)
		m.fail(tag, failedAction)
		return
	}
	m.logger.Debug("compare evaluated", "operator", opStr, "result", result)

	var next any
	if result {
		next = details["true_action"]
	} else {
		next = details["false_action"]
	}
	if next == nil {
		next = details["success_action"]
	}
	m.complete(tag, next)
}

// execCalculate evaluates an expression and stores the numeric result:
// ["calculate", [targetKey, expression]].
func (m *Manager) execCalculate(a core.Actionlet, tag string) {
	arg, ok := a.Argument.([]any)
	if !ok || len(arg) != 2 {
		m.logger.Error("calculate expects [targetKey, expression]", "argument", a.Argument)
		m.fail(tag, nil)
		return
	}
	key, keyOK := arg[0].(string)
	if !keyOK {
		m.logger.Error("calculate target key must be a string")
		m.fail(tag, nil)
		return
	}

	result, err := m.operandOf(arg[1])
	if err != nil {
		m.logger.Error("calculate evaluation failed", "error", err)
		m.fail(tag, nil)
		return
	}
	if err := m.kb.Set(key, result); err != nil {
		m.logger.Error("calculate target is a reserved key", "key", key)
		m.fail(tag, nil)
		return
	}
	m.complete(tag, nil)
}

// operandOf evaluates an operand value: numbers pass through, strings run
// through the expression grammar.
func (m *Manager) operandOf(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return evalExpr(m.kb, t)
	case float64, int, int64:
		f, _ := asFloat(t)
		return f, nil
	default:
		return nil, fmt.Errorf("%w: invalid operand %v", core.ErrScript, v)
	}
}

// evalExpr evaluates a purely arithmetic expression. Comparison operators
// inside an operand are a hard error.
func evalExpr(kb *core.Knowledge, expr string) (any, error) {
	if strings.ContainsAny(expr, "<>=") {
		return nil, fmt.Errorf("%w: only arithmetic operators allowed in operands, got %q", core.ErrScript, expr)
	}
	return evalArith(kb, expr)
}

func isArithOp(c byte) bool {
	switch c {
	case '+', '-', '*', '/', '%', '!':
		return true
	}
	return false
}

// evalArith scans the expression left to right, splitting on each operator
// in order of appearance and folding the results.
func evalArith(kb *core.Knowledge, arg string) (any, error) {
	var ops []byte
	for i := 0; i < len(arg); i++ {
		if isArithOp(arg[i]) {
			ops = append(ops, arg[i])
		}
	}
	if len(ops) == 0 {
		return atom(kb, arg), nil
	}

	parts := strings.SplitN(arg, string(ops[0]), 2)
	result, err := evalArith(kb, parts[0])
	if err != nil {
		return nil, err
	}
	rest := parts[1]
	for i, op := range ops {
		var operandStr string
		if i+1 < len(ops) {
			sp := strings.SplitN(rest, string(ops[i+1]), 2)
			operandStr, rest = sp[0], sp[1]
		} else {
			operandStr = rest
		}
		operand, err := evalArith(kb, operandStr)
		if err != nil {
			return nil, err
		}
		result, err = applyArith(op, result, operand)
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// atom resolves a leaf operand: the time token, a knowledge key (coerced to
// float when it contains a dot, else int, else kept raw), or a literal.
func atom(kb *core.Knowledge, arg string) any {
	trimmed := strings.TrimSpace(arg)
	if strings.EqualFold(trimmed, "time") {
		return float64(time.Now().Unix())
	}
	if v, ok := kb.Get(trimmed); ok {
		if s, isStr := v.(string); isStr {
			return coerceLiteral(s)
		}
		if f, isNum := asFloat(v); isNum {
			return f
		}
		return v
	}
	return coerceLiteral(trimmed)
}

func coerceLiteral(s string) any {
	if strings.Contains(s, ".") {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	} else if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return float64(n)
	}
	return s
}

// applyArith folds one arithmetic operation. Remember: '!' divides, '/'
// floor-divides.
func applyArith(op byte, a, b any) (any, error) {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if !aok || !bok {
		return nil, fmt.Errorf("%w: non-numeric operand in %v %c %v", core.ErrScript, a, op, b)
	}
	switch op {
	case '+':
		return af + bf, nil
	case '-':
		return af - bf, nil
	case '*':
		return af * bf, nil
	case '!':
		if bf == 0 {
			return nil, fmt.Errorf("%w: division by zero", core.ErrScript)
		}
		return af / bf, nil
	case '/':
		if bf == 0 {
			return nil, fmt.Errorf("%w: division by zero", core.ErrScript)
		}
		return math.Floor(af / bf), nil
	case '%':
		if bf == 0 {
			return nil, fmt.Errorf("%w: division by zero", core.ErrScript)
		}
		return math.Mod(af, bf), nil
	}
	return nil, fmt.Errorf("%w: unknown operator %c", core.ErrScript, op)
}

func validCompareOp(op string) bool {
	switch op {
	case "<", ">", "=", "!=", "<=", ">=":
		return true
	}
	return false
}

// compareValues applies a comparison operator over two evaluated operands.
// Numbers compare numerically, strings lexicographically; mixing the two is
// an error.
func compareValues(op string, a, b any) (bool, error) {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		switch op {
		case "<":
			return af < bf, nil
		case ">":
			return af > bf, nil
		case "=":
			return af == bf, nil
		case "!=":
			return af != bf, nil
		case "<=":
			return af <= bf, nil
		case ">=":
			return af >= bf, nil
		}
	}
	as, aIsStr := a.(string)
	bs, bIsStr := b.(string)
	if aIsStr && bIsStr {
		switch op {
		case "<":
			return as < bs, nil
		case ">":
			return as > bs, nil
		case "=":
			return as == bs, nil
		case "!=":
			return as != bs, nil
		case "<=":
			return as <= bs, nil
		case ">=":
			return as >= bs, nil
		}
	}
	return false, fmt.Errorf("%w: cannot compare %T with %T", core.ErrScript, a, b)
}
