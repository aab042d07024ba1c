package task

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Type enumerates the automation kinds a task can carry. Types beyond the
// price/balance/gas-driven ones are accepted for storage but rejected by the
// evaluator and executor until they grow real integrations.
type Type string

const (
	TypeEthTransfer        Type = "eth-transfer"
	TypeDAOVote            Type = "dao-vote"
	TypeTokenPurchase      Type = "token-purchase"
	TypeTokenSwap          Type = "token-swap"
	TypeStaking            Type = "staking"
	TypeLiquidityProvision Type = "liquidity-provision"
	TypeNFTPurchase        Type = "nft-purchase"
	TypeYieldOptimization  Type = "yield-optimization"
	TypeRewardClaim        Type = "reward-claim"
)

// KnownTypes lists every accepted task type.
var KnownTypes = []Type{
	TypeEthTransfer,
	TypeDAOVote,
	TypeTokenPurchase,
	TypeTokenSwap,
	TypeStaking,
	TypeLiquidityProvision,
	TypeNFTPurchase,
	TypeYieldOptimization,
	TypeRewardClaim,
}

// ExecutableTypes are the types the execution worker knows how to act on.
var ExecutableTypes = map[Type]bool{
	TypeEthTransfer:   true,
	TypeDAOVote:       true,
	TypeTokenPurchase: true,
	TypeTokenSwap:     true,
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type ConditionType string

const (
	ConditionPriceThreshold   ConditionType = "price_threshold"
	ConditionBalanceThreshold ConditionType = "balance_threshold"
	ConditionGasPrice         ConditionType = "gas_price"
	ConditionTimeBased        ConditionType = "time_based"
	ConditionCustom           ConditionType = "custom"
)

const (
	DirectionAbove = "above"
	DirectionBelow = "below"
)

// Condition is one structured trigger descriptor. Free-text rules are
// normalized into one of these (custom conditions get a CEL expression) at
// creation time; the evaluator never parses natural language.
type Condition struct {
	Type      ConditionType `json:"conditionType"`
	Direction string        `json:"direction,omitempty"`
	Asset     string        `json:"asset,omitempty"`

	// Price comparisons are float64 and therefore approximate; on-chain
	// amounts below are decimal strings compared with big.Int.
	PriceThreshold float64 `json:"priceThreshold,omitempty"`
	ReferencePrice float64 `json:"referencePrice,omitempty"`
	ChangePercent  float64 `json:"changePercent,omitempty"`

	BalanceThreshold  string `json:"balanceThreshold,omitempty"`
	GasPriceThreshold string `json:"gasPriceThreshold,omitempty"`

	// Frequency applies to time_based conditions only; the scheduler's
	// cadence drives them, the evaluator does not compare data.
	Frequency string `json:"frequency,omitempty"`

	// Expression is a CEL expression over price, balance and gas_price,
	// produced by the external rule-extraction step for custom conditions.
	Expression string `json:"expression,omitempty"`
}

// Configuration carries the type-specific execution parameters.
type Configuration struct {
	Network      string `json:"network,omitempty"`
	Recipient    string `json:"recipient,omitempty"`
	Amount       string `json:"amount,omitempty"`
	TokenAddress string `json:"tokenAddress,omitempty"`
	SlippageBps  int    `json:"slippageBps,omitempty"`
	ProposalID   string `json:"proposalId,omitempty"`
	VoteSupport  bool   `json:"voteSupport,omitempty"`
	// RawRule holds the user's original free-text rule until the external
	// enrichment step replaces it with structured conditions.
	RawRule string `json:"rawRule,omitempty"`
}

type Task struct {
	ID            string `gorm:"column:id;primaryKey;type:varchar(32)"`
	UserID        string `gorm:"column:user_id;index;not null"`
	WalletAddress string `gorm:"column:wallet_address;index;not null"`
	// SessionKeyAddress references the delegation credential owned by the
	// user; empty means the task cannot execute yet.
	SessionKeyAddress string `gorm:"column:session_key_address"`

	Type    Type   `gorm:"column:type;type:varchar(32);index;not null"`
	Status  Status `gorm:"column:status;type:varchar(16);index;default:'pending'"`
	OneTime bool   `gorm:"column:one_time;default:true"`

	Conditions    datatypes.JSON `gorm:"column:conditions"`
	Configuration datatypes.JSON `gorm:"column:configuration"`

	LastCheckedAt  *time.Time `gorm:"column:last_checked_at"`
	LastExecutedAt *time.Time `gorm:"column:last_executed_at"`
	NextCheckAt    *time.Time `gorm:"column:next_check_at;index"`
	// Misses counts consecutive non-matching checks; the scheduler uses it
	// to stretch the next check time.
	Misses int `gorm:"column:misses;default:0"`

	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

func (Task) TableName() string { return "tasks" }

func (t *Task) SetConditions(conds []Condition) error {
	raw, err := json.Marshal(conds)
	if err != nil {
		return err
	}
	t.Conditions = datatypes.JSON(raw)
	return nil
}

func (t *Task) ParseConditions() ([]Condition, error) {
	if len(t.Conditions) == 0 {
		return nil, nil
	}
	var conds []Condition
	if err := json.Unmarshal(t.Conditions, &conds); err != nil {
		return nil, err
	}
	return conds, nil
}

func (t *Task) SetConfiguration(cfg Configuration) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	t.Configuration = datatypes.JSON(raw)
	return nil
}

func (t *Task) ParseConfiguration() (Configuration, error) {
	var cfg Configuration
	if len(t.Configuration) == 0 {
		return cfg, nil
	}
	err := json.Unmarshal(t.Configuration, &cfg)
	return cfg, err
}

type ExecStatus string

const (
	ExecSuccess ExecStatus = "success"
	ExecFailed  ExecStatus = "failed"
	ExecPending ExecStatus = "pending"
)

// ExecutionRecord is one append-only entry in a task's execution history.
type ExecutionRecord struct {
	ID              string         `gorm:"column:id;primaryKey;type:varchar(32)"`
	TaskID          string         `gorm:"column:task_id;index;not null"`
	Status          ExecStatus     `gorm:"column:status;type:varchar(16);not null"`
	TransactionHash string         `gorm:"column:transaction_hash"`
	Error           string         `gorm:"column:error;type:text"`
	Details         datatypes.JSON `gorm:"column:details"`
	CreatedAt       time.Time      `gorm:"column:created_at;autoCreateTime;index"`
}

func (ExecutionRecord) TableName() string { return "execution_records" }
