package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"metapilot-automation/internal/config"
	"metapilot-automation/pkg/errutil"
)

// rpcGateway talks JSON-RPC to an Ethereum node for gas price and balances
// and to a price API for asset quotes.
type rpcGateway struct {
	client      *http.Client
	rpcEndpoint string
	priceAPIURL string
	priceAPIKey string
	logger      *zap.Logger
}

func NewRPCGateway(cfg *config.Config, logger *zap.Logger) DataGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &rpcGateway{
		client:      &http.Client{Timeout: cfg.Gateway.Timeout},
		rpcEndpoint: cfg.Gateway.RPCEndpoint,
		priceAPIURL: cfg.Gateway.PriceAPIURL,
		priceAPIKey: cfg.Gateway.PriceAPIKey,
		logger:      logger,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result string `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g *rpcGateway) CurrentPrice(ctx context.Context, asset string) (PricePoint, error) {
	endpoint := fmt.Sprintf("%s?asset=%s", g.priceAPIURL, url.QueryEscape(asset))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return PricePoint{}, errutil.Internal("failed to build price request", err)
	}
	if g.priceAPIKey != "" {
		req.Header.Set("X-API-Key", g.priceAPIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return PricePoint{}, classifyTransportError("price fetch failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return PricePoint{}, errutil.Transient(fmt.Sprintf("price API returned status %d", resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return PricePoint{}, errutil.Internal(fmt.Sprintf("price API returned status %d", resp.StatusCode), nil)
	}

	var body struct {
		Price     float64 `json:"price"`
		Timestamp int64   `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return PricePoint{}, errutil.Internal("failed to decode price response", err)
	}

	asOf := time.Now().UTC()
	if body.Timestamp > 0 {
		asOf = time.Unix(body.Timestamp, 0).UTC()
	}
	return PricePoint{Value: body.Price, AsOf: asOf}, nil
}

func (g *rpcGateway) GasPrice(ctx context.Context) (*big.Int, error) {
	result, err := g.call(ctx, "eth_gasPrice")
	if err != nil {
		return nil, err
	}
	return parseHexQuantity(result)
}

func (g *rpcGateway) Balance(ctx context.Context, address string) (*big.Int, error) {
	result, err := g.call(ctx, "eth_getBalance", address, "latest")
	if err != nil {
		return nil, err
	}
	return parseHexQuantity(result)
}

func (g *rpcGateway) call(ctx context.Context, method string, params ...any) (string, error) {
	if params == nil {
		params = []any{}
	}
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return "", errutil.Internal("failed to encode rpc request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.rpcEndpoint, bytes.NewReader(payload))
	if err != nil {
		return "", errutil.Internal("failed to build rpc request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", classifyTransportError(fmt.Sprintf("%s call failed", method), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return "", errutil.Transient(fmt.Sprintf("%s returned status %d", method, resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return "", errutil.Internal(fmt.Sprintf("%s returned status %d", method, resp.StatusCode), nil)
	}

	var body rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errutil.Internal("failed to decode rpc response", err)
	}
	if body.Error != nil {
		return "", errutil.Internal(fmt.Sprintf("%s failed: %s", method, body.Error.Message), nil)
	}
	return body.Result, nil
}

func classifyTransportError(msg string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errutil.Transient(msg+": timeout", err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errutil.Transient(msg+": timeout", err)
	}
	return errutil.Transient(msg, err)
}

func parseHexQuantity(s string) (*big.Int, error) {
	trimmed := strings.TrimPrefix(s, "0x")
	if trimmed == "" {
		return nil, errutil.Internal(fmt.Sprintf("invalid hex quantity %q", s), nil)
	}
	v, ok := new(big.Int).SetString(trimmed, 16)
	if !ok {
		return nil, errutil.Internal(fmt.Sprintf("invalid hex quantity %q", s), nil)
	}
	return v, nil
}
