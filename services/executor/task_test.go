package executor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewExecutionTask(t *testing.T) {
	job := NewExecutionTask(Payload{
		TaskID:   "task_1",
		TaskType: "eth-transfer",
		Network:  "sepolia",
	}, 5, 2*time.Minute)

	require.Equal(t, TaskExecute, job.Type())

	var decoded Payload
	require.NoError(t, json.Unmarshal(job.Payload(), &decoded))
	require.Equal(t, "task_1", decoded.TaskID)
	require.Equal(t, "eth-transfer", decoded.TaskType)
	require.Equal(t, "sepolia", decoded.Network)
}
