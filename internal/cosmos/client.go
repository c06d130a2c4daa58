package cosmos

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const defaultPollInterval = 3 * time.Second

// QueryError is a non-zero ABCI query response.
type QueryError struct {
	Path      string
	Code      uint32
	Codespace string
	Log       string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %s failed with code %d (%s): %s", e.Path, e.Code, e.Codespace, e.Log)
}

// BroadcastError means the node rejected the transaction at CheckTx.
type BroadcastError struct {
	Code      uint32
	Codespace string
	Log       string
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast rejected with code %d (%s): %s", e.Code, e.Codespace, e.Log)
}

// DeliverError means the transaction was included in a block but failed.
type DeliverError struct {
	TxHash string
	Height int64
	Code   uint32
	Log    string
}

func (e *DeliverError) Error() string {
	return fmt.Sprintf("transaction %s failed at height %d with code %d: %s", e.TxHash, e.Height, e.Code, e.Log)
}

// ErrNotConfirmed marks a broadcast whose inclusion could not be observed.
// The transfer may still land on chain.
var ErrNotConfirmed = errors.New("transaction not confirmed")

type ConfirmationError struct {
	TxHash string
	Err    error
}

func (e *ConfirmationError) Error() string {
	return fmt.Sprintf("transaction %s was broadcast but not confirmed: %v", e.TxHash, e.Err)
}

func (e *ConfirmationError) Is(target error) bool {
	return target == ErrNotConfirmed
}

func (e *ConfirmationError) Unwrap() error {
	return e.Err
}

// Options configures fee estimation and confirmation polling.
type Options struct {
	GasPrice       GasPrice
	GasAdjustment  float64
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// DeliverResult describes a transaction included in a block.
type DeliverResult struct {
	TxHash    string
	Height    int64
	GasWanted uint64
	GasUsed   uint64
}

// SigningClient builds, signs and broadcasts bank transfers.
type SigningClient struct {
	rpc     *cometRPC
	signer  OfflineSigner
	chainID string
	opts    Options
}

// ConnectWithSigner dials the RPC endpoint and reads the chain id.
func ConnectWithSigner(ctx context.Context, endpoint string, signer OfflineSigner, opts Options) (*SigningClient, error) {
	if endpoint == "" {
		return nil, errors.New("rpc endpoint is required")
	}
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if opts.GasPrice.Amount == nil {
		return nil, errors.New("gas price is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	conn, err := dialComet(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	status, err := conn.status(ctx)
	if err != nil {
		conn.close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	if status.NodeInfo.Network == "" {
		conn.close()
		return nil, errors.New("node reported an empty chain id")
	}

	return &SigningClient{
		rpc:     conn,
		signer:  signer,
		chainID: status.NodeInfo.Network,
		opts:    opts,
	}, nil
}

func (c *SigningClient) ChainID() string {
	return c.chainID
}

func (c *SigningClient) Close() {
	c.rpc.close()
}

// Ping checks that the node answers.
func (c *SigningClient) Ping(ctx context.Context) error {
	_, err := c.rpc.status(ctx)
	return err
}

// Account fetches the account number and sequence for addr.
func (c *SigningClient) Account(ctx context.Context, addr string) (AccountInfo, error) {
	raw, err := c.rpc.abciQuery(ctx, "/cosmos.auth.v1beta1.Query/Account", encodeQueryAccountRequest(addr))
	if err != nil {
		return AccountInfo{}, fmt.Errorf("account %s: %w", addr, err)
	}
	return decodeQueryAccountResponse(raw)
}

// SendTokens transfers amount from a signer account to recipient, estimating
// the fee by simulation, and waits until the transaction is in a block.
func (c *SigningClient) SendTokens(ctx context.Context, from, to string, amount []Coin, memo string) (DeliverResult, error) {
	pubKey, err := c.pubKeyFor(from)
	if err != nil {
		return DeliverResult{}, err
	}

	acc, err := c.Account(ctx, from)
	if err != nil {
		return DeliverResult{}, err
	}

	body := encodeTxBody([]anyMsg{encodeMsgSend(from, to, amount)}, memo)

	gasUsed, err := c.simulate(ctx, body, pubKey, acc.Sequence)
	if err != nil {
		return DeliverResult{}, err
	}
	fee := CalculateFee(adjustGas(gasUsed, c.opts.GasAdjustment), c.opts.GasPrice)

	authInfo := encodeAuthInfo(pubKey, acc.Sequence, fee)
	sig, err := c.signer.SignDirect(ctx, from, encodeSignDoc(body, authInfo, c.chainID, acc.AccountNumber))
	if err != nil {
		return DeliverResult{}, fmt.Errorf("sign tx: %w", err)
	}
	txBytes := encodeTxRaw(body, authInfo, sig)

	res, err := c.rpc.broadcastTxSync(ctx, txBytes)
	if err != nil {
		return DeliverResult{}, err
	}
	if res.Code != 0 {
		return DeliverResult{}, &BroadcastError{Code: res.Code, Codespace: res.Codespace, Log: res.Log}
	}

	hash := txHash(txBytes)
	if res.Hash != "" {
		hash = strings.ToUpper(res.Hash)
	}
	return c.WaitForTx(ctx, hash)
}

func (c *SigningClient) simulate(ctx context.Context, body, pubKey []byte, sequence uint64) (uint64, error) {
	authInfo := encodeAuthInfo(pubKey, sequence, StdFee{})
	tx := encodeTxRaw(body, authInfo, []byte{})

	raw, err := c.rpc.abciQuery(ctx, "/cosmos.tx.v1beta1.Service/Simulate", encodeSimulateRequest(tx))
	if err != nil {
		return 0, fmt.Errorf("simulate: %w", err)
	}
	return decodeSimulateResponse(raw)
}

// WaitForTx polls until the transaction is found, the confirm timeout elapses
// or ctx is cancelled.
func (c *SigningClient) WaitForTx(ctx context.Context, hash string) (DeliverResult, error) {
	hashBytes, err := hex.DecodeString(hash)
	if err != nil {
		return DeliverResult{}, fmt.Errorf("invalid tx hash %q: %w", hash, err)
	}

	waitCtx := ctx
	if c.opts.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, c.opts.ConfirmTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		res, err := c.rpc.tx(waitCtx, hashBytes)
		if err == nil {
			height, _ := strconv.ParseInt(res.Height, 10, 64)
			if res.TxResult.Code != 0 {
				return DeliverResult{}, &DeliverError{TxHash: hash, Height: height, Code: res.TxResult.Code, Log: res.TxResult.Log}
			}
			wanted, _ := strconv.ParseUint(res.TxResult.GasWanted, 10, 64)
			used, _ := strconv.ParseUint(res.TxResult.GasUsed, 10, 64)
			return DeliverResult{TxHash: hash, Height: height, GasWanted: wanted, GasUsed: used}, nil
		}
		// Lookup errors are transient here: the node already accepted the tx.
		if !errors.Is(err, errTxNotFound) {
			lastErr = err
		}

		select {
		case <-waitCtx.Done():
			cause := waitCtx.Err()
			if lastErr != nil {
				cause = fmt.Errorf("%w (last lookup error: %v)", cause, lastErr)
			}
			return DeliverResult{}, &ConfirmationError{TxHash: hash, Err: cause}
		case <-ticker.C:
		}
	}
}

func (c *SigningClient) pubKeyFor(addr string) ([]byte, error) {
	for _, acc := range c.signer.Accounts() {
		if acc.Address == addr {
			return acc.PubKey, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownSigner, addr)
}

func txHash(tx []byte) string {
	sum := sha256.Sum256(tx)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
