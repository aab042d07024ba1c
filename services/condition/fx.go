package condition

import (
	"go.uber.org/fx"

	"metapilot-automation/services/task"
)

var Module = fx.Module("condition",
	fx.Provide(
		NewEvaluator,
		func(e *Evaluator) task.ConditionValidator { return e },
	),
)
