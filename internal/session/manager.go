// Package session owns the process-wide signing connection to the chain.
//
// The first caller of Manager.Session derives the custodial wallet and dials
// the RPC endpoint; concurrent callers wait on that same attempt. A
// successful session is kept for the life of the process. A failed attempt
// is dropped so the next caller starts a fresh one.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/bitsongofficial/faucet/internal/config"
	"github.com/bitsongofficial/faucet/internal/cosmos"
	"github.com/bitsongofficial/faucet/internal/logging"
)

var (
	ErrConfiguration    = errors.New("signing session configuration error")
	ErrWalletDerivation = errors.New("wallet derivation failed")
	ErrConnection       = errors.New("rpc connection failed")
)

const flightKey = "signing-session"

// Sender is the chain-facing half of a session.
type Sender interface {
	SendTokens(ctx context.Context, from, to string, amount []cosmos.Coin, memo string) (cosmos.DeliverResult, error)
	Ping(ctx context.Context) error
}

// Connector performs the two expensive initialization steps.
type Connector interface {
	DeriveWallet(ctx context.Context, mnemonic, hdPath, prefix string) (cosmos.OfflineSigner, error)
	Connect(ctx context.Context, endpoint string, signer cosmos.OfflineSigner, opts cosmos.Options) (Sender, error)
}

// ChainConnector derives real wallets and dials real nodes.
type ChainConnector struct{}

func (ChainConnector) DeriveWallet(_ context.Context, mnemonic, hdPath, prefix string) (cosmos.OfflineSigner, error) {
	w, err := cosmos.NewWalletFromMnemonic(mnemonic, hdPath, prefix)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (ChainConnector) Connect(ctx context.Context, endpoint string, signer cosmos.OfflineSigner, opts cosmos.Options) (Sender, error) {
	client, err := cosmos.ConnectWithSigner(ctx, endpoint, signer, opts)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Session is an established signing connection and its sender address.
type Session struct {
	client Sender
	sender string
}

func (s *Session) Client() Sender {
	return s.client
}

func (s *Session) SenderAddress() string {
	return s.sender
}

type Manager struct {
	connector Connector
	logger    *slog.Logger
	onInit    func(result string)

	flight  singleflight.Group
	current atomic.Pointer[Session]
}

func NewManager(connector Connector, logger *slog.Logger) *Manager {
	if connector == nil {
		connector = ChainConnector{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		connector: connector,
		logger:    logger,
		onInit:    func(string) {},
	}
}

// WithInitHook registers a callback receiving "success" or "failure" for
// every initialization attempt.
func (m *Manager) WithInitHook(fn func(result string)) *Manager {
	if fn != nil {
		m.onInit = fn
	}
	return m
}

// Session returns the process-wide session, establishing it on first use.
// Callers that give up via ctx do not cancel an attempt others are waiting on.
func (m *Manager) Session(ctx context.Context, cfg config.Chain) (*Session, error) {
	if s := m.current.Load(); s != nil {
		return s, nil
	}

	ch := m.flight.DoChan(flightKey, func() (any, error) {
		if s := m.current.Load(); s != nil {
			return s, nil
		}

		initCtx := context.WithoutCancel(ctx)
		if cfg.RPCTimeout > 0 {
			var cancel context.CancelFunc
			initCtx, cancel = context.WithTimeout(initCtx, cfg.RPCTimeout)
			defer cancel()
		}

		s, err := m.attempt(initCtx, cfg)
		if err != nil {
			m.onInit("failure")
			m.logger.Warn("signing session initialization failed", "error", err)
			return nil, err
		}
		m.current.Store(s)
		m.onInit("success")
		m.logger.Info("signing session established", "sender", s.sender, "rpc_endpoint", cfg.RPCEndpoint)
		return s, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Established returns the session without initializing one.
func (m *Manager) Established() (*Session, bool) {
	s := m.current.Load()
	return s, s != nil
}

// Close releases the connection if the client supports it.
func (m *Manager) Close() {
	s := m.current.Load()
	if s == nil {
		return
	}
	if closer, ok := s.client.(interface{ Close() }); ok {
		closer.Close()
	}
}

// attempt runs establish, reporting a panic as ErrConnection. singleflight
// would re-panic it on a goroutine nothing recovers.
func (m *Manager) attempt(ctx context.Context, cfg config.Chain) (s *Session, err error) {
	defer func() {
		if r := recover(); r != nil {
			s = nil
			err = fmt.Errorf("%w: panic: %v", ErrConnection, r)
		}
	}()
	return m.establish(ctx, cfg)
}

func (m *Manager) establish(ctx context.Context, cfg config.Chain) (*Session, error) {
	gasPrice, err := ParseChainConfig(cfg)
	if err != nil {
		return nil, err
	}

	signer, err := m.connector.DeriveWallet(ctx, cfg.Mnemonic, cosmos.HDPath(coinType(cfg)), cfg.Bech32Prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrWalletDerivation, err)
	}
	accounts := signer.Accounts()
	if len(accounts) == 0 || accounts[0].Address == "" {
		return nil, fmt.Errorf("%w: no accounts derived from mnemonic", ErrWalletDerivation)
	}

	client, err := m.connector.Connect(ctx, cfg.RPCEndpoint, signer, cosmos.Options{
		GasPrice:       gasPrice,
		GasAdjustment:  cfg.GasAdjustment,
		ConfirmTimeout: cfg.ConfirmTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	return &Session{client: client, sender: accounts[0].Address}, nil
}

// ParseChainConfig checks the settings a session needs without touching the
// network and returns the parsed gas price.
func ParseChainConfig(cfg config.Chain) (cosmos.GasPrice, error) {
	missing := make([]string, 0, 4)
	if strings.TrimSpace(cfg.Mnemonic) == "" {
		missing = append(missing, "mnemonic")
	}
	if strings.TrimSpace(cfg.RPCEndpoint) == "" {
		missing = append(missing, "rpc endpoint")
	}
	if strings.TrimSpace(cfg.Bech32Prefix) == "" {
		missing = append(missing, "bech32 prefix")
	}
	if strings.TrimSpace(cfg.GasPrice) == "" {
		missing = append(missing, "gas price")
	}
	if len(missing) > 0 {
		return cosmos.GasPrice{}, fmt.Errorf("%w: %s required", ErrConfiguration, strings.Join(missing, ", "))
	}

	if _, err := strconv.ParseUint(coinType(cfg), 10, 31); err != nil {
		return cosmos.GasPrice{}, fmt.Errorf("%w: invalid coin type %q", ErrConfiguration, cfg.CoinType)
	}
	gasPrice, err := cosmos.ParseGasPrice(cfg.GasPrice)
	if err != nil {
		return cosmos.GasPrice{}, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	return gasPrice, nil
}

func coinType(cfg config.Chain) string {
	if ct := strings.TrimSpace(cfg.CoinType); ct != "" {
		return ct
	}
	return config.DefaultCoinType
}
