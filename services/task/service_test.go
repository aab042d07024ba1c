package task

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"

	"metapilot-automation/pkg/errutil"
	"metapilot-automation/services/testutil"
)

type stubValidator struct {
	err error
}

func (v stubValidator) Validate(Condition) error { return v.err }

func newTestService(t *testing.T) (*Service, Store) {
	t.Helper()
	db := testutil.NewTestDB(t, &Task{}, &ExecutionRecord{})
	store := NewStore(db)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := NewService(ServiceParams{
		Store:     store,
		Node:      node,
		Validator: stubValidator{},
	})
	return svc, store
}

func validCreateInput() CreateTaskInput {
	return CreateTaskInput{
		UserID:            "user_1",
		WalletAddress:     "0x1234567890AbcdEF1234567890aBcdef12345678",
		SessionKeyAddress: "0x00000000000000000000000000000000000000bb",
		Type:              TypeEthTransfer,
		Recurring:         false,
		Conditions: []Condition{{
			Type:              ConditionGasPrice,
			Direction:         DirectionBelow,
			GasPriceThreshold: "20000000000",
		}},
		Configuration: Configuration{
			Network:   "sepolia",
			Recipient: "0x00000000000000000000000000000000000000cc",
			Amount:    "1000000000000000000",
		},
	}
}

func TestCreateTaskActivatesWithSessionKey(t *testing.T) {
	svc, _ := newTestService(t)

	created, err := svc.CreateTask(context.Background(), validCreateInput())
	require.NoError(t, err)
	require.Equal(t, StatusActive, created.Status)
	require.NotNil(t, created.NextCheckAt)
	require.True(t, created.OneTime)
	// Wallet must be normalized to lowercase.
	require.Equal(t, "0x1234567890abcdef1234567890abcdef12345678", created.WalletAddress)
}

func TestCreateTaskWithoutSessionKeyStaysPending(t *testing.T) {
	svc, _ := newTestService(t)

	in := validCreateInput()
	in.SessionKeyAddress = ""
	created, err := svc.CreateTask(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, StatusPending, created.Status)
	require.Nil(t, created.NextCheckAt)
}

func TestCreateTaskValidation(t *testing.T) {
	svc, _ := newTestService(t)

	in := validCreateInput()
	in.Conditions = nil
	_, err := svc.CreateTask(context.Background(), in)
	require.Error(t, err)
	require.True(t, errutil.IsKind(err, errutil.KindValidation))

	in = validCreateInput()
	in.WalletAddress = "not-an-address"
	_, err = svc.CreateTask(context.Background(), in)
	require.Error(t, err)
	require.True(t, errutil.IsKind(err, errutil.KindValidation))

	in = validCreateInput()
	in.Type = "mystery"
	_, err = svc.CreateTask(context.Background(), in)
	require.Error(t, err)
	require.True(t, errutil.IsKind(err, errutil.KindValidation))
}

func TestCreateTaskWithRawRuleOnlyStaysPending(t *testing.T) {
	svc, _ := newTestService(t)

	in := validCreateInput()
	in.Conditions = nil
	in.Configuration.RawRule = "buy when ETH dips below 3000"
	created, err := svc.CreateTask(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, StatusPending, created.Status)
}

func TestBindingSessionKeyActivatesPendingTask(t *testing.T) {
	svc, _ := newTestService(t)

	in := validCreateInput()
	in.SessionKeyAddress = ""
	created, err := svc.CreateTask(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, StatusPending, created.Status)

	key := "0x00000000000000000000000000000000000000dd"
	updated, err := svc.UpdateTask(context.Background(), created.ID, UpdateTaskInput{
		SessionKeyAddress: &key,
	})
	require.NoError(t, err)
	require.Equal(t, StatusActive, updated.Status)
	require.NotNil(t, updated.NextCheckAt)
}

// raceStore lets a test run a hook right after the service reads a task,
// simulating a concurrent writer landing between read and write.
type raceStore struct {
	Store
	onGet func()
}

func (s *raceStore) Get(ctx context.Context, id string) (*Task, error) {
	t, err := s.Store.Get(ctx, id)
	if s.onGet != nil {
		s.onGet()
	}
	return t, err
}

func TestUpdateTaskDoesNotOverwriteConcurrentPause(t *testing.T) {
	db := testutil.NewTestDB(t, &Task{}, &ExecutionRecord{})
	store := NewStore(db)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	rs := &raceStore{Store: store}
	svc := NewService(ServiceParams{
		Store:     rs,
		Node:      node,
		Validator: stubValidator{},
	})

	created, err := svc.CreateTask(context.Background(), validCreateInput())
	require.NoError(t, err)
	require.Equal(t, StatusActive, created.Status)

	// The pause lands between the update's read and its write.
	rs.onGet = func() {
		rs.onGet = nil
		require.NoError(t, store.TransitionStatus(context.Background(), created.ID, StatusActive, StatusPaused))
	}

	newConds := []Condition{{
		Type:              ConditionGasPrice,
		Direction:         DirectionBelow,
		GasPriceThreshold: "10000000000",
	}}
	_, err = svc.UpdateTask(context.Background(), created.ID, UpdateTaskInput{Conditions: newConds})
	require.NoError(t, err)

	got, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaused, got.Status)

	conds, err := got.ParseConditions()
	require.NoError(t, err)
	require.Len(t, conds, 1)
	require.Equal(t, "10000000000", conds[0].GasPriceThreshold)
}

func TestUpdateActiveTaskCannotDropAllConditions(t *testing.T) {
	svc, store := newTestService(t)

	created, err := svc.CreateTask(context.Background(), validCreateInput())
	require.NoError(t, err)
	require.Equal(t, StatusActive, created.Status)

	cfg := Configuration{Network: "sepolia", RawRule: "buy when ETH dips below 3000"}
	_, err = svc.UpdateTask(context.Background(), created.ID, UpdateTaskInput{
		Conditions:    []Condition{},
		Configuration: &cfg,
	})
	require.Error(t, err)
	require.True(t, errutil.IsKind(err, errutil.KindValidation))

	got, err := store.Get(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, got.Status)

	conds, err := got.ParseConditions()
	require.NoError(t, err)
	require.NotEmpty(t, conds)
}

func TestPauseRemovesFromDueAndResumeMakesDue(t *testing.T) {
	svc, store := newTestService(t)

	created, err := svc.CreateTask(context.Background(), validCreateInput())
	require.NoError(t, err)
	require.Equal(t, StatusActive, created.Status)

	now := time.Now().UTC().Add(time.Second)
	due, err := store.FindDueTasks(context.Background(), TypeEthTransfer, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 1)

	paused, err := svc.PauseTask(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaused, paused.Status)

	due, err = store.FindDueTasks(context.Background(), TypeEthTransfer, now, 0)
	require.NoError(t, err)
	require.Empty(t, due)

	resumed, err := svc.ResumeTask(context.Background(), created.ID)
	require.NoError(t, err)
	require.Equal(t, StatusActive, resumed.Status)
	require.NotNil(t, resumed.NextCheckAt)
	require.False(t, resumed.NextCheckAt.After(time.Now().UTC()))

	due, err = store.FindDueTasks(context.Background(), TypeEthTransfer, time.Now().UTC().Add(time.Second), 0)
	require.NoError(t, err)
	require.Len(t, due, 1)
}

func TestPauseNonActiveTaskConflicts(t *testing.T) {
	svc, _ := newTestService(t)

	in := validCreateInput()
	in.SessionKeyAddress = ""
	created, err := svc.CreateTask(context.Background(), in)
	require.NoError(t, err)

	_, err = svc.PauseTask(context.Background(), created.ID)
	require.Error(t, err)
	require.True(t, errutil.IsKind(err, errutil.KindConflict))
}

func TestDeleteTask(t *testing.T) {
	svc, _ := newTestService(t)

	created, err := svc.CreateTask(context.Background(), validCreateInput())
	require.NoError(t, err)

	require.NoError(t, svc.DeleteTask(context.Background(), created.ID))

	_, err = svc.GetTask(context.Background(), created.ID)
	require.Error(t, err)
	require.True(t, errutil.IsKind(err, errutil.KindNotFound))
}
