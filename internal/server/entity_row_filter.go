package server

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/jacksonlee411/payroll-console/modules/upstream"
	"github.com/jacksonlee411/payroll-console/pkg/navigation"
)

// Row filters are CEL expressions over `row` (the upstream record) and `ctx`
// (the working context; unselected fields read as 0).
var newRowFilterCELEnv = func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("row", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("ctx", cel.MapType(cel.StringType, cel.IntType)),
	)
}

var rowFilterProgramCache sync.Map

func compileRowFilter(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("expression required")
	}
	if cached, ok := rowFilterProgramCache.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	env, err := newRowFilterCELEnv()
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if ast.OutputType() != cel.BoolType {
		return nil, errors.New("expression output type mismatch")
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	rowFilterProgramCache.Store(expr, program)
	return program, nil
}

func evalRowFilter(expr string, rec upstream.Record, wc navigation.WorkingContext) (bool, error) {
	program, err := compileRowFilter(expr)
	if err != nil {
		return false, err
	}
	out, _, err := program.Eval(map[string]any{
		"row": celValue(map[string]any(rec)),
		"ctx": celContextMap(wc),
	})
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, errors.New("expression did not yield a bool")
	}
	return v, nil
}

func celContextMap(wc navigation.WorkingContext) map[string]int64 {
	return map[string]int64{
		"company_id":     wc.CompanyID,
		"payroll_run_id": wc.PayrollRunID,
		"year":           int64(wc.Period.Year),
		"month":          int64(wc.Period.Month),
		"sequence":       int64(wc.Period.Sequence),
	}
}

// celValue converts decoded JSON into values CEL understands; json.Number
// becomes int64 when integral and float64 otherwise.
func celValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, x := range t {
			out[k] = celValue(x)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = celValue(x)
		}
		return out
	default:
		return v
	}
}

// filterRows applies the free-text query and the entity's row filter. Rows
// the filter cannot evaluate are dropped and counted.
func filterRows(e *entityDef, rows []upstream.Record, q string, wc navigation.WorkingContext) (kept []upstream.Record, dropped int) {
	kept = make([]upstream.Record, 0, len(rows))
	for _, rec := range rows {
		if !e.matches(rec, q) {
			continue
		}
		if strings.TrimSpace(e.RowFilter) != "" {
			ok, err := evalRowFilter(e.RowFilter, rec, wc)
			if err != nil {
				dropped++
				continue
			}
			if !ok {
				continue
			}
		}
		kept = append(kept, rec)
	}
	return kept, dropped
}
