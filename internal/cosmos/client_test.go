package cosmos

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

// fakeNode emulates the subset of the CometBFT RPC the signing client uses.
type fakeNode struct {
	t             *testing.T
	chainID       string
	accountNumber uint64
	sequence      uint64
	gasUsed       uint64
	broadcastCode uint32
	notFoundPolls int
	deliverCode   uint32

	mu         sync.Mutex
	broadcasts [][]byte
	txPolls    int
}

func (n *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		n.t.Errorf("decode rpc request: %v", err)
		return
	}

	result, rpcErr := n.handle(req)
	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (n *fakeNode) handle(req rpcRequest) (any, *rpcError) {
	n.mu.Lock()
	defer n.mu.Unlock()

	switch req.Method {
	case "status":
		return map[string]any{
			"node_info": map[string]any{"network": n.chainID},
			"sync_info": map[string]any{"latest_block_height": "41", "catching_up": false},
		}, nil
	case "abci_query":
		if len(req.Params) != 4 {
			n.t.Errorf("abci_query expects 4 params, got %d", len(req.Params))
		}
		var path string
		_ = json.Unmarshal(req.Params[0], &path)
		return n.query(path), nil
	case "broadcast_tx_sync":
		var tx []byte
		if err := json.Unmarshal(req.Params[0], &tx); err != nil {
			n.t.Errorf("decode tx: %v", err)
		}
		n.broadcasts = append(n.broadcasts, tx)
		return map[string]any{
			"code":      n.broadcastCode,
			"log":       "insufficient funds",
			"codespace": "sdk",
			"hash":      txHash(tx),
		}, nil
	case "tx":
		n.txPolls++
		if n.txPolls <= n.notFoundPolls {
			return nil, &rpcError{Code: -32603, Message: "Internal error", Data: "tx (ABCD) not found"}
		}
		return map[string]any{
			"hash":   "ABCD",
			"height": "42",
			"tx_result": map[string]any{
				"code":       n.deliverCode,
				"log":        "out of gas",
				"gas_wanted": "112000",
				"gas_used":   "80000",
			},
		}, nil
	}
	return nil, &rpcError{Code: -32601, Message: "Method not found"}
}

func (n *fakeNode) query(path string) map[string]any {
	var value []byte
	switch path {
	case "/cosmos.auth.v1beta1.Query/Account":
		base := appendString(nil, 1, "bitsong1sender")
		base = appendUint64(base, 3, n.accountNumber)
		base = appendUint64(base, 4, n.sequence)
		value = appendEmbedded(nil, 1, encodeAny(anyMsg{TypeURL: typeURLBaseAccount, Value: base}))
	case "/cosmos.tx.v1beta1.Service/Simulate":
		gasInfo := appendUint64(nil, 2, n.gasUsed)
		value = appendEmbedded(nil, 1, gasInfo)
	default:
		n.t.Errorf("unexpected query path %s", path)
	}
	return map[string]any{"response": map[string]any{"code": 0, "value": value, "height": "41"}}
}

func newTestClient(t *testing.T, node *fakeNode) (*SigningClient, *Wallet) {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)

	wallet, err := NewWalletFromMnemonic(testMnemonic, HDPath("639"), "bitsong")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	gp, err := ParseGasPrice("0.025ubtsg")
	if err != nil {
		t.Fatalf("gas price: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := ConnectWithSigner(ctx, srv.URL, wallet, Options{
		GasPrice:       gp,
		GasAdjustment:  1.4,
		ConfirmTimeout: 2 * time.Second,
		PollInterval:   10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client, wallet
}

func TestConnectReadsChainID(t *testing.T) {
	client, _ := newTestClient(t, &fakeNode{t: t, chainID: "bitsong-2b"})
	if client.ChainID() != "bitsong-2b" {
		t.Fatalf("unexpected chain id %s", client.ChainID())
	}
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestSendTokensSignsAndWaits(t *testing.T) {
	node := &fakeNode{t: t, chainID: "bitsong-2b", accountNumber: 7, sequence: 3, gasUsed: 80000, notFoundPolls: 2}
	client, wallet := newTestClient(t, node)
	sender := wallet.Accounts()[0]

	res, err := client.SendTokens(context.Background(), sender.Address, "bitsong1recipient",
		[]Coin{{Denom: "ubtsg", Amount: "1000000"}}, "")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Height != 42 || res.GasUsed != 80000 {
		t.Fatalf("unexpected result %+v", res)
	}

	node.mu.Lock()
	defer node.mu.Unlock()
	if len(node.broadcasts) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(node.broadcasts))
	}
	tx := node.broadcasts[0]
	if res.TxHash != txHash(tx) {
		t.Fatalf("hash mismatch %s vs %s", res.TxHash, txHash(tx))
	}

	var body, authInfo []byte
	var sigs [][]byte
	err = walkFields(tx, func(f field) error {
		switch f.num {
		case 1:
			body = f.bytes
		case 2:
			authInfo = f.bytes
		case 3:
			sigs = append(sigs, f.bytes)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("decode tx: %v", err)
	}
	if len(sigs) != 1 || len(sigs[0]) != 64 {
		t.Fatalf("expected one 64-byte signature")
	}

	doc := encodeSignDoc(body, authInfo, "bitsong-2b", 7)
	digest := sha256.Sum256(doc)
	if !crypto.VerifySignature(sender.PubKey, digest[:], sigs[0]) {
		t.Fatalf("signature does not verify against sign doc")
	}

	wantAuth := encodeAuthInfo(sender.PubKey, 3, StdFee{Amount: []Coin{{Denom: "ubtsg", Amount: "2800"}}, Gas: 112000})
	if hex.EncodeToString(authInfo) != hex.EncodeToString(wantAuth) {
		t.Fatalf("unexpected auth info encoding")
	}
	if !strings.Contains(string(body), "bitsong1recipient") || !strings.Contains(string(body), typeURLMsgSend) {
		t.Fatalf("body does not carry the transfer")
	}
}

func TestSendTokensBroadcastRejected(t *testing.T) {
	node := &fakeNode{t: t, chainID: "bitsong-2b", gasUsed: 80000, broadcastCode: 5}
	client, wallet := newTestClient(t, node)

	_, err := client.SendTokens(context.Background(), wallet.Accounts()[0].Address, "bitsong1recipient",
		[]Coin{{Denom: "ubtsg", Amount: "1"}}, "")
	var bErr *BroadcastError
	if !errors.As(err, &bErr) || bErr.Code != 5 {
		t.Fatalf("expected broadcast error, got %v", err)
	}
	if !strings.Contains(err.Error(), "insufficient funds") {
		t.Fatalf("expected node log in error: %v", err)
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	if node.txPolls != 0 {
		t.Fatalf("rejected tx must not be polled")
	}
}

func TestSendTokensDeliverFailure(t *testing.T) {
	node := &fakeNode{t: t, chainID: "bitsong-2b", gasUsed: 80000, deliverCode: 11}
	client, wallet := newTestClient(t, node)

	_, err := client.SendTokens(context.Background(), wallet.Accounts()[0].Address, "bitsong1recipient",
		[]Coin{{Denom: "ubtsg", Amount: "1"}}, "")
	var dErr *DeliverError
	if !errors.As(err, &dErr) || dErr.Code != 11 || dErr.Height != 42 {
		t.Fatalf("expected deliver error, got %v", err)
	}
}

func TestWaitForTxTimesOut(t *testing.T) {
	node := &fakeNode{t: t, chainID: "bitsong-2b", gasUsed: 80000, notFoundPolls: 1 << 30}
	client, wallet := newTestClient(t, node)
	client.opts.ConfirmTimeout = 50 * time.Millisecond

	_, err := client.SendTokens(context.Background(), wallet.Accounts()[0].Address, "bitsong1recipient",
		[]Coin{{Denom: "ubtsg", Amount: "1"}}, "")
	if !errors.Is(err, ErrNotConfirmed) {
		t.Fatalf("expected not confirmed, got %v", err)
	}
	var cErr *ConfirmationError
	if !errors.As(err, &cErr) || cErr.TxHash == "" {
		t.Fatalf("expected tx hash on confirmation error, got %v", err)
	}
}

func TestSendTokensUnknownSender(t *testing.T) {
	client, _ := newTestClient(t, &fakeNode{t: t, chainID: "bitsong-2b"})
	_, err := client.SendTokens(context.Background(), "bitsong1notmine", "bitsong1recipient", nil, "")
	if !errors.Is(err, ErrUnknownSigner) {
		t.Fatalf("expected unknown signer, got %v", err)
	}
}

func TestConnectFailsWithoutNode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	wallet, err := NewWalletFromMnemonic(testMnemonic, HDPath("118"), "bitsong")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	gp, _ := ParseGasPrice("0.025ubtsg")
	if _, err := ConnectWithSigner(context.Background(), srv.URL, wallet, Options{GasPrice: gp}); err == nil {
		t.Fatalf("expected connect error")
	}
}
