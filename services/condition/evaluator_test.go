package condition

import (
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"metapilot-automation/pkg/errutil"
	"metapilot-automation/services/task"
)

func newEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	eval, err := NewEvaluator()
	require.NoError(t, err)
	return eval
}

func TestPriceThresholdBelow(t *testing.T) {
	eval := newEvaluator(t)
	cond := task.Condition{
		Type:           task.ConditionPriceThreshold,
		Direction:      task.DirectionBelow,
		PriceThreshold: 3000,
		ReferencePrice: 3150,
	}

	res, err := eval.Evaluate(cond, Snapshot{Price: 2900})
	require.NoError(t, err)
	require.True(t, res.Met)
	require.NotEmpty(t, res.Reason)

	res, err = eval.Evaluate(cond, Snapshot{Price: 3100})
	require.NoError(t, err)
	require.False(t, res.Met)
}

func TestPriceThresholdAbove(t *testing.T) {
	eval := newEvaluator(t)
	cond := task.Condition{
		Type:           task.ConditionPriceThreshold,
		Direction:      task.DirectionAbove,
		PriceThreshold: 2000,
	}

	res, err := eval.Evaluate(cond, Snapshot{Price: 2500})
	require.NoError(t, err)
	require.True(t, res.Met)

	res, err = eval.Evaluate(cond, Snapshot{Price: 1500})
	require.NoError(t, err)
	require.False(t, res.Met)
}

func TestPricePercentageChange(t *testing.T) {
	eval := newEvaluator(t)
	cond := task.Condition{
		Type:           task.ConditionPriceThreshold,
		Direction:      task.DirectionAbove,
		ReferencePrice: 3000,
		ChangePercent:  5,
	}

	// +6.67% from reference.
	res, err := eval.Evaluate(cond, Snapshot{Price: 3200})
	require.NoError(t, err)
	require.True(t, res.Met)

	// +3.33% from reference.
	res, err = eval.Evaluate(cond, Snapshot{Price: 3100})
	require.NoError(t, err)
	require.False(t, res.Met)

	cond.Direction = task.DirectionBelow
	res, err = eval.Evaluate(cond, Snapshot{Price: 2800})
	require.NoError(t, err)
	require.True(t, res.Met)
}

func TestGasPriceBelow(t *testing.T) {
	eval := newEvaluator(t)
	cond := task.Condition{
		Type:              task.ConditionGasPrice,
		Direction:         task.DirectionBelow,
		GasPriceThreshold: "20000000000", // 20 gwei
	}

	res, err := eval.Evaluate(cond, Snapshot{GasPrice: big.NewInt(15_000_000_000)})
	require.NoError(t, err)
	require.True(t, res.Met)

	res, err = eval.Evaluate(cond, Snapshot{GasPrice: big.NewInt(25_000_000_000)})
	require.NoError(t, err)
	require.False(t, res.Met)
}

func TestGasPriceAboveRejected(t *testing.T) {
	eval := newEvaluator(t)
	cond := task.Condition{
		Type:              task.ConditionGasPrice,
		Direction:         task.DirectionAbove,
		GasPriceThreshold: "20000000000",
	}

	_, err := eval.Evaluate(cond, Snapshot{GasPrice: big.NewInt(10)})
	require.Error(t, err)
	require.True(t, errutil.IsKind(err, errutil.KindUnrecoverable))
}

func TestBalanceThresholdExactArithmetic(t *testing.T) {
	eval := newEvaluator(t)

	// 100 ETH in wei exceeds int64 range; comparisons must stay exact.
	threshold := "100000000000000000000"
	above, ok := new(big.Int).SetString("100000000000000000001", 10)
	require.True(t, ok)
	below, ok := new(big.Int).SetString("99999999999999999999", 10)
	require.True(t, ok)

	cond := task.Condition{
		Type:             task.ConditionBalanceThreshold,
		Direction:        task.DirectionAbove,
		BalanceThreshold: threshold,
	}

	res, err := eval.Evaluate(cond, Snapshot{Balance: above})
	require.NoError(t, err)
	require.True(t, res.Met)

	res, err = eval.Evaluate(cond, Snapshot{Balance: below})
	require.NoError(t, err)
	require.False(t, res.Met)

	cond.Direction = task.DirectionBelow
	res, err = eval.Evaluate(cond, Snapshot{Balance: below})
	require.NoError(t, err)
	require.True(t, res.Met)
}

func TestTimeBasedNotApplicable(t *testing.T) {
	eval := newEvaluator(t)
	cond := task.Condition{Type: task.ConditionTimeBased, Frequency: "daily"}

	res, err := eval.Evaluate(cond, Snapshot{})
	require.ErrorIs(t, err, ErrNotApplicable)
	require.False(t, res.Met)
}

func TestCustomExpression(t *testing.T) {
	eval := newEvaluator(t)
	cond := task.Condition{
		Type:       task.ConditionCustom,
		Expression: "price > 1000.0 && gas_price < 30000000000.0",
	}

	res, err := eval.Evaluate(cond, Snapshot{Price: 1500, GasPrice: big.NewInt(20_000_000_000)})
	require.NoError(t, err)
	require.True(t, res.Met)

	res, err = eval.Evaluate(cond, Snapshot{Price: 900, GasPrice: big.NewInt(20_000_000_000)})
	require.NoError(t, err)
	require.False(t, res.Met)
}

func TestCustomExpressionMustBeBoolean(t *testing.T) {
	eval := newEvaluator(t)
	cond := task.Condition{Type: task.ConditionCustom, Expression: "price + 1.0"}

	_, err := eval.Evaluate(cond, Snapshot{Price: 1})
	require.Error(t, err)
	require.True(t, errutil.IsKind(err, errutil.KindUnrecoverable))
}

func TestUnknownConditionType(t *testing.T) {
	eval := newEvaluator(t)
	cond := task.Condition{Type: "moon_phase"}

	_, err := eval.Evaluate(cond, Snapshot{})
	require.Error(t, err)
	require.True(t, errutil.IsKind(err, errutil.KindUnrecoverable))
}

func TestEvaluateIsPure(t *testing.T) {
	eval := newEvaluator(t)
	cond := task.Condition{
		Type:           task.ConditionPriceThreshold,
		Direction:      task.DirectionBelow,
		PriceThreshold: 3000,
	}
	snap := Snapshot{Price: 2900}

	first, err := eval.Evaluate(cond, snap)
	require.NoError(t, err)
	second, err := eval.Evaluate(cond, snap)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestValidate(t *testing.T) {
	eval := newEvaluator(t)

	cases := []struct {
		name    string
		cond    task.Condition
		wantErr bool
	}{
		{
			name:    "valid price condition",
			cond:    task.Condition{Type: task.ConditionPriceThreshold, Direction: task.DirectionBelow, PriceThreshold: 3000},
			wantErr: false,
		},
		{
			name:    "price condition without direction",
			cond:    task.Condition{Type: task.ConditionPriceThreshold, PriceThreshold: 3000},
			wantErr: true,
		},
		{
			name:    "gas condition above",
			cond:    task.Condition{Type: task.ConditionGasPrice, Direction: task.DirectionAbove, GasPriceThreshold: "1"},
			wantErr: true,
		},
		{
			name:    "balance threshold not an integer",
			cond:    task.Condition{Type: task.ConditionBalanceThreshold, Direction: task.DirectionAbove, BalanceThreshold: "1.5"},
			wantErr: true,
		},
		{
			name:    "custom expression does not compile",
			cond:    task.Condition{Type: task.ConditionCustom, Expression: "price >"},
			wantErr: true,
		},
		{
			name:    "time based",
			cond:    task.Condition{Type: task.ConditionTimeBased},
			wantErr: false,
		},
		{
			name:    "unknown type",
			cond:    task.Condition{Type: "weather"},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := eval.Validate(tc.cond)
			if tc.wantErr {
				require.Error(t, err)
				var be errutil.BaseError
				require.True(t, errors.As(err, &be))
				require.Equal(t, errutil.KindValidation, be.Code)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
