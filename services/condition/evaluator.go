package condition

import (
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"metapilot-automation/pkg/errutil"
	"metapilot-automation/services/task"
)

// ErrNotApplicable marks conditions that are not evaluated against fetched
// data. Time-based conditions are driven by the scheduler cadence directly.
var ErrNotApplicable = errors.New("condition is not data-driven")

// Snapshot is the externally fetched data a condition is checked against.
// Only the fields a condition needs have to be populated.
type Snapshot struct {
	Price     float64
	PriceAsOf time.Time
	Balance   *big.Int
	GasPrice  *big.Int
}

// Result is the outcome of one condition check.
type Result struct {
	Met    bool
	Reason string
}

// Evaluator decides whether a condition holds for a data snapshot. It is
// pure: no I/O, no mutation, identical inputs yield identical results. The
// internal program cache is memoization of CEL compilation only.
type Evaluator struct {
	env      *cel.Env
	programs sync.Map // expression -> cel.Program
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("price", cel.DoubleType),
		cel.Variable("balance", cel.DoubleType),
		cel.Variable("gas_price", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Evaluate checks a single condition against the snapshot.
//
// Price and percentage comparisons use float64 and are inherently
// approximate. Balance and gas comparisons parse decimal strings into
// big.Int so on-chain amounts are compared exactly.
func (e *Evaluator) Evaluate(cond task.Condition, data Snapshot) (Result, error) {
	switch cond.Type {
	case task.ConditionPriceThreshold:
		return evaluatePrice(cond, data)
	case task.ConditionBalanceThreshold:
		return evaluateBalance(cond, data)
	case task.ConditionGasPrice:
		return evaluateGasPrice(cond, data)
	case task.ConditionTimeBased:
		return Result{Met: false, Reason: "time-based condition is driven by the schedule"}, ErrNotApplicable
	case task.ConditionCustom:
		return e.evaluateCustom(cond, data)
	default:
		return Result{}, errutil.Unrecoverable(fmt.Sprintf("unknown condition type %q", cond.Type))
	}
}

func evaluatePrice(cond task.Condition, data Snapshot) (Result, error) {
	if cond.ChangePercent > 0 {
		if cond.ReferencePrice <= 0 {
			return Result{}, errutil.Unrecoverable("percentage condition requires a positive reference price")
		}
		change := (data.Price - cond.ReferencePrice) / cond.ReferencePrice * 100
		switch cond.Direction {
		case task.DirectionAbove:
			if change >= cond.ChangePercent {
				return Result{Met: true, Reason: fmt.Sprintf("price %.2f is up %.2f%% from reference %.2f (target +%.2f%%)", data.Price, change, cond.ReferencePrice, cond.ChangePercent)}, nil
			}
			return Result{Reason: fmt.Sprintf("price %.2f changed %.2f%% from reference %.2f, below target +%.2f%%", data.Price, change, cond.ReferencePrice, cond.ChangePercent)}, nil
		case task.DirectionBelow:
			if change <= -cond.ChangePercent {
				return Result{Met: true, Reason: fmt.Sprintf("price %.2f is down %.2f%% from reference %.2f (target -%.2f%%)", data.Price, -change, cond.ReferencePrice, cond.ChangePercent)}, nil
			}
			return Result{Reason: fmt.Sprintf("price %.2f changed %.2f%% from reference %.2f, above target -%.2f%%", data.Price, change, cond.ReferencePrice, cond.ChangePercent)}, nil
		default:
			return Result{}, errutil.Unrecoverable(fmt.Sprintf("invalid direction %q for price condition", cond.Direction))
		}
	}

	switch cond.Direction {
	case task.DirectionAbove:
		if data.Price > cond.PriceThreshold {
			return Result{Met: true, Reason: fmt.Sprintf("price %.2f is above threshold %.2f", data.Price, cond.PriceThreshold)}, nil
		}
		return Result{Reason: fmt.Sprintf("price %.2f is not above threshold %.2f", data.Price, cond.PriceThreshold)}, nil
	case task.DirectionBelow:
		if data.Price < cond.PriceThreshold {
			return Result{Met: true, Reason: fmt.Sprintf("price %.2f is below threshold %.2f", data.Price, cond.PriceThreshold)}, nil
		}
		return Result{Reason: fmt.Sprintf("price %.2f is not below threshold %.2f", data.Price, cond.PriceThreshold)}, nil
	default:
		return Result{}, errutil.Unrecoverable(fmt.Sprintf("invalid direction %q for price condition", cond.Direction))
	}
}

func evaluateBalance(cond task.Condition, data Snapshot) (Result, error) {
	threshold, err := parseAmount(cond.BalanceThreshold)
	if err != nil {
		return Result{}, errutil.Unrecoverable(fmt.Sprintf("invalid balance threshold %q", cond.BalanceThreshold))
	}
	if data.Balance == nil {
		return Result{}, errutil.Internal("balance snapshot missing", nil)
	}

	switch cond.Direction {
	case task.DirectionAbove:
		if data.Balance.Cmp(threshold) > 0 {
			return Result{Met: true, Reason: fmt.Sprintf("balance %s is above threshold %s", data.Balance, threshold)}, nil
		}
		return Result{Reason: fmt.Sprintf("balance %s is not above threshold %s", data.Balance, threshold)}, nil
	case task.DirectionBelow:
		if data.Balance.Cmp(threshold) < 0 {
			return Result{Met: true, Reason: fmt.Sprintf("balance %s is below threshold %s", data.Balance, threshold)}, nil
		}
		return Result{Reason: fmt.Sprintf("balance %s is not below threshold %s", data.Balance, threshold)}, nil
	default:
		return Result{}, errutil.Unrecoverable(fmt.Sprintf("invalid direction %q for balance condition", cond.Direction))
	}
}

func evaluateGasPrice(cond task.Condition, data Snapshot) (Result, error) {
	// Only "below" makes sense for gas: nobody wants to trigger on gas
	// being expensive.
	if cond.Direction != "" && cond.Direction != task.DirectionBelow {
		return Result{}, errutil.Unrecoverable(fmt.Sprintf("gas price condition only supports direction %q", task.DirectionBelow))
	}

	threshold, err := parseAmount(cond.GasPriceThreshold)
	if err != nil {
		return Result{}, errutil.Unrecoverable(fmt.Sprintf("invalid gas price threshold %q", cond.GasPriceThreshold))
	}
	if data.GasPrice == nil {
		return Result{}, errutil.Internal("gas price snapshot missing", nil)
	}

	if data.GasPrice.Cmp(threshold) < 0 {
		return Result{Met: true, Reason: fmt.Sprintf("gas price %s wei is below threshold %s wei", data.GasPrice, threshold)}, nil
	}
	return Result{Reason: fmt.Sprintf("gas price %s wei is not below threshold %s wei", data.GasPrice, threshold)}, nil
}

func (e *Evaluator) evaluateCustom(cond task.Condition, data Snapshot) (Result, error) {
	program, err := e.compile(cond.Expression)
	if err != nil {
		return Result{}, err
	}

	vars := map[string]any{
		"price":     data.Price,
		"balance":   0.0,
		"gas_price": 0.0,
	}
	// Custom expressions see balance and gas as float64 and are therefore
	// approximate for very large on-chain amounts.
	if data.Balance != nil {
		vars["balance"], _ = new(big.Float).SetInt(data.Balance).Float64()
	}
	if data.GasPrice != nil {
		vars["gas_price"], _ = new(big.Float).SetInt(data.GasPrice).Float64()
	}

	out, _, err := program.Eval(vars)
	if err != nil {
		return Result{}, errutil.Unrecoverable(fmt.Sprintf("failed to evaluate expression: %v", err))
	}

	met, ok := out.Value().(bool)
	if !ok {
		return Result{}, errutil.Unrecoverable(fmt.Sprintf("expression must return a boolean, got %T", out.Value()))
	}

	if met {
		return Result{Met: true, Reason: fmt.Sprintf("expression %q holds", cond.Expression)}, nil
	}
	return Result{Reason: fmt.Sprintf("expression %q does not hold", cond.Expression)}, nil
}

func (e *Evaluator) compile(expression string) (cel.Program, error) {
	if expression == "" {
		return nil, errutil.Unrecoverable("custom condition has an empty expression")
	}
	if cached, ok := e.programs.Load(expression); ok {
		return cached.(cel.Program), nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, errutil.Unrecoverable(fmt.Sprintf("failed to compile expression: %v", issues.Err()))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, errutil.Unrecoverable(fmt.Sprintf("failed to create CEL program: %v", err))
	}

	e.programs.Store(expression, program)
	return program, nil
}

// Validate rejects malformed conditions at task creation time so bad rules
// never reach the scheduler.
func (e *Evaluator) Validate(cond task.Condition) error {
	switch cond.Type {
	case task.ConditionPriceThreshold:
		if cond.Direction != task.DirectionAbove && cond.Direction != task.DirectionBelow {
			return errutil.Validation("price condition requires direction above or below")
		}
		if cond.ChangePercent > 0 && cond.ReferencePrice <= 0 {
			return errutil.Validation("percentage price condition requires a positive reference price")
		}
		if cond.ChangePercent == 0 && cond.PriceThreshold <= 0 {
			return errutil.Validation("price condition requires a positive threshold")
		}
	case task.ConditionBalanceThreshold:
		if cond.Direction != task.DirectionAbove && cond.Direction != task.DirectionBelow {
			return errutil.Validation("balance condition requires direction above or below")
		}
		if _, err := parseAmount(cond.BalanceThreshold); err != nil {
			return errutil.Validation("balance threshold must be a decimal integer in the smallest unit")
		}
	case task.ConditionGasPrice:
		if cond.Direction != "" && cond.Direction != task.DirectionBelow {
			return errutil.Validation("gas price condition only supports direction below")
		}
		if _, err := parseAmount(cond.GasPriceThreshold); err != nil {
			return errutil.Validation("gas price threshold must be a decimal integer in wei")
		}
	case task.ConditionTimeBased:
		// Cadence-driven, nothing to validate beyond the type itself.
	case task.ConditionCustom:
		if _, err := e.compile(cond.Expression); err != nil {
			return errutil.Validation(fmt.Sprintf("invalid custom expression: %v", err))
		}
	default:
		return errutil.Validation(fmt.Sprintf("unknown condition type %q", cond.Type))
	}
	return nil
}

func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, errors.New("empty amount")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}
