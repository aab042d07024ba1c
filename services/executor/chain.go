package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"metapilot-automation/internal/config"
	"metapilot-automation/pkg/errutil"
	"metapilot-automation/services/task"
)

// ChainClient performs the on-chain action for a matched task. Signing and
// broadcasting live behind the delegation relayer; the worker only
// orchestrates and bookkeeps.
type ChainClient interface {
	Execute(ctx context.Context, t *task.Task) (txHash string, err error)
}

// relayerClient submits execution requests to the delegation relayer, which
// holds the session-key material and broadcasts the transaction.
type relayerClient struct {
	client *http.Client
	url    string
	logger *zap.Logger
}

func NewRelayerClient(cfg *config.Config, logger *zap.Logger) ChainClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &relayerClient{
		client: &http.Client{Timeout: cfg.Gateway.Timeout},
		url:    cfg.Gateway.RelayerURL,
		logger: logger,
	}
}

type relayerRequest struct {
	TaskType          string             `json:"taskType"`
	WalletAddress     string             `json:"walletAddress"`
	SessionKeyAddress string             `json:"sessionKeyAddress"`
	Configuration     task.Configuration `json:"configuration"`
}

type relayerResponse struct {
	TransactionHash string `json:"transactionHash"`
	Error           string `json:"error"`
}

func (r *relayerClient) Execute(ctx context.Context, t *task.Task) (string, error) {
	cfg, err := t.ParseConfiguration()
	if err != nil {
		return "", errutil.Unrecoverable("task configuration is not decodable")
	}

	payload, err := json.Marshal(relayerRequest{
		TaskType:          string(t.Type),
		WalletAddress:     t.WalletAddress,
		SessionKeyAddress: t.SessionKeyAddress,
		Configuration:     cfg,
	})
	if err != nil {
		return "", errutil.Internal("failed to encode relayer request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return "", errutil.Internal("failed to build relayer request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", errutil.Transient("relayer call failed", err)
	}
	defer resp.Body.Close()

	var body relayerResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errutil.Internal("failed to decode relayer response", err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return "", errutil.Transient(fmt.Sprintf("relayer returned status %d", resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK || body.Error != "" {
		return "", errutil.Execution(fmt.Sprintf("execution rejected: %s", body.Error), nil)
	}

	return body.TransactionHash, nil
}
