package cosmos

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

var errTxNotFound = errors.New("tx not found")

// cometRPC speaks the CometBFT JSON-RPC dialect. CometBFT wants every
// positional parameter present, so optional ones are sent with zero values.
type cometRPC struct {
	client *rpc.Client
}

type statusResult struct {
	NodeInfo struct {
		Network string `json:"network"`
	} `json:"node_info"`
	SyncInfo struct {
		LatestBlockHeight string `json:"latest_block_height"`
		CatchingUp        bool   `json:"catching_up"`
	} `json:"sync_info"`
}

type abciQueryResult struct {
	Response struct {
		Code      uint32 `json:"code"`
		Log       string `json:"log"`
		Codespace string `json:"codespace"`
		Value     []byte `json:"value"`
		Height    string `json:"height"`
	} `json:"response"`
}

type broadcastResult struct {
	Code      uint32 `json:"code"`
	Data      string `json:"data"`
	Log       string `json:"log"`
	Codespace string `json:"codespace"`
	Hash      string `json:"hash"`
}

type txResult struct {
	Hash     string `json:"hash"`
	Height   string `json:"height"`
	TxResult struct {
		Code      uint32 `json:"code"`
		Log       string `json:"log"`
		Codespace string `json:"codespace"`
		GasWanted string `json:"gas_wanted"`
		GasUsed   string `json:"gas_used"`
	} `json:"tx_result"`
}

func dialComet(ctx context.Context, endpoint string) (*cometRPC, error) {
	client, err := rpc.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return &cometRPC{client: client}, nil
}

func (c *cometRPC) close() {
	c.client.Close()
}

func (c *cometRPC) status(ctx context.Context) (statusResult, error) {
	var res statusResult
	if err := c.client.CallContext(ctx, &res, "status"); err != nil {
		return statusResult{}, fmt.Errorf("status: %w", err)
	}
	return res, nil
}

func (c *cometRPC) abciQuery(ctx context.Context, path string, data []byte) ([]byte, error) {
	var res abciQueryResult
	if err := c.client.CallContext(ctx, &res, "abci_query", path, hex.EncodeToString(data), "0", false); err != nil {
		return nil, fmt.Errorf("abci_query %s: %w", path, err)
	}
	if res.Response.Code != 0 {
		return nil, &QueryError{
			Path:      path,
			Code:      res.Response.Code,
			Codespace: res.Response.Codespace,
			Log:       res.Response.Log,
		}
	}
	return res.Response.Value, nil
}

func (c *cometRPC) broadcastTxSync(ctx context.Context, tx []byte) (broadcastResult, error) {
	var res broadcastResult
	if err := c.client.CallContext(ctx, &res, "broadcast_tx_sync", tx); err != nil {
		return broadcastResult{}, fmt.Errorf("broadcast_tx_sync: %w", err)
	}
	return res, nil
}

func (c *cometRPC) tx(ctx context.Context, hash []byte) (txResult, error) {
	var res txResult
	if err := c.client.CallContext(ctx, &res, "tx", hash, false); err != nil {
		if isNotFound(err) {
			return txResult{}, errTxNotFound
		}
		return txResult{}, fmt.Errorf("tx: %w", err)
	}
	return res, nil
}

func isNotFound(err error) bool {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if strings.Contains(fmt.Sprint(dataErr.ErrorData()), "not found") {
			return true
		}
	}
	return strings.Contains(err.Error(), "not found")
}
