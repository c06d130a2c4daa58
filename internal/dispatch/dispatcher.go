// Package dispatch runs faucet transfers in the background and reports
// their outcome by run id.
//
// A run is created pending and resolved exactly once, to completed or
// failed. A transfer is attempted once; nothing here retries it, since a
// resubmitted transfer could pay the recipient twice.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bitsongofficial/faucet/internal/address"
	"github.com/bitsongofficial/faucet/internal/config"
	"github.com/bitsongofficial/faucet/internal/cosmos"
	"github.com/bitsongofficial/faucet/internal/logging"
	"github.com/bitsongofficial/faucet/internal/runs"
	"github.com/bitsongofficial/faucet/internal/session"
)

// MaxAttempts is the number of transfer attempts per run.
const MaxAttempts = 1

const (
	defaultRetention = 24 * time.Hour
	storeTimeout     = 10 * time.Second
)

var ErrUnknownRun = errors.New("unknown run")

// Failure is the single error type a failed run records.
type Failure struct {
	Err error
}

func (f *Failure) Error() string {
	return "failed to send tokens: " + f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// SessionProvider hands out the shared signing session.
type SessionProvider interface {
	Session(ctx context.Context, cfg config.Chain) (*session.Session, error)
}

// Observer is told about every run that starts and finishes.
type Observer interface {
	DispatchStarted()
	DispatchFinished(state runs.State, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) DispatchStarted()                           {}
func (nopObserver) DispatchFinished(runs.State, time.Duration) {}

// Request is one drip.
type Request struct {
	Recipient string
	Denom     string
	Amount    string
	Chain     config.Chain
}

// Status is what pollers see.
type Status struct {
	Status string       `json:"status"`
	Result *runs.Result `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`
}

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type Dispatcher struct {
	sessions  SessionProvider
	store     runs.Store
	logger    *slog.Logger
	observer  Observer
	newID     func() string
	now       func() time.Time
	retention time.Duration

	wg sync.WaitGroup
}

func NewDispatcher(sessions SessionProvider, store runs.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		sessions:  sessions,
		store:     store,
		logger:    logger,
		observer:  nopObserver{},
		newID:     uuid.NewString,
		now:       time.Now,
		retention: defaultRetention,
	}
}

func (d *Dispatcher) WithObserver(o Observer) *Dispatcher {
	if o != nil {
		d.observer = o
	}
	return d
}

func (d *Dispatcher) WithIDGenerator(fn func() string) *Dispatcher {
	if fn != nil {
		d.newID = fn
	}
	return d
}

func (d *Dispatcher) WithClock(fn func() time.Time) *Dispatcher {
	if fn != nil {
		d.now = fn
	}
	return d
}

// WithRetention sets how long finished runs stay queryable.
func (d *Dispatcher) WithRetention(ttl time.Duration) *Dispatcher {
	if ttl > 0 {
		d.retention = ttl
	}
	return d
}

// Start validates req, records a pending run and sends the transfer in the
// background. The returned id is valid as soon as Start returns.
// Configuration and address errors are returned here; transfer errors only
// ever show up through Status.
func (d *Dispatcher) Start(ctx context.Context, req Request) (string, error) {
	if err := (config.Drip{Denom: req.Denom, Amount: req.Amount}).Validate(); err != nil {
		return "", err
	}
	if _, err := session.ParseChainConfig(req.Chain); err != nil {
		return "", err
	}
	if _, err := address.Validate(req.Recipient, req.Chain.Bech32Prefix); err != nil {
		return "", err
	}

	id := d.newID()
	now := d.now().UTC()
	err := d.store.Create(ctx, runs.Record{
		ID:        id,
		State:     runs.StatePending,
		Recipient: req.Recipient,
		Denom:     req.Denom,
		Amount:    req.Amount,
		CreatedAt: now,
	})
	if err != nil {
		return "", fmt.Errorf("record run: %w", err)
	}

	d.wg.Add(1)
	go d.run(id, req)

	d.logger.Info("dispatch started", "run_id", id, "recipient", req.Recipient, "amount", req.Amount, "denom", req.Denom)
	return id, nil
}

func (d *Dispatcher) run(id string, req Request) {
	defer d.wg.Done()

	started := d.now()
	d.observer.DispatchStarted()

	ctx := context.Background()
	if req.Chain.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Chain.DispatchTimeout)
		defer cancel()
	}

	result, err := d.execute(ctx, req)
	resolvedAt := d.now().UTC()
	res := runs.Resolution{
		State:      runs.StateCompleted,
		Result:     result,
		ResolvedAt: resolvedAt,
		ExpiresAt:  resolvedAt.Add(d.retention),
	}
	if err != nil {
		failure := &Failure{Err: err}
		res.State = runs.StateFailed
		res.Result = nil
		res.Error = failure.Error()
		d.logger.Warn("dispatch failed", "run_id", id, "recipient", req.Recipient, "error", failure)
	} else {
		d.logger.Info("dispatch completed", "run_id", id, "recipient", req.Recipient, "tx_hash", result.TransactionHash)
	}

	storeCtx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := d.store.Resolve(storeCtx, id, res); err != nil {
		d.logger.Error("record dispatch outcome", "run_id", id, "state", res.State, "error", err)
	}
	d.observer.DispatchFinished(res.State, d.now().Sub(started))
}

// execute is the single catch point: any error or panic becomes the run's
// failure cause.
func (d *Dispatcher) execute(ctx context.Context, req Request) (result *runs.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	s, err := d.sessions.Session(ctx, req.Chain)
	if err != nil {
		return nil, err
	}

	amount := []cosmos.Coin{{Denom: req.Denom, Amount: req.Amount}}
	out, err := s.Client().SendTokens(ctx, s.SenderAddress(), req.Recipient, amount, "")
	if err != nil {
		return nil, err
	}
	return &runs.Result{
		TransactionHash: out.TxHash,
		Amount:          req.Amount,
		Denom:           req.Denom,
		Recipient:       req.Recipient,
	}, nil
}

// Status reports a run without side effects.
// Any id the store does not know, whatever its format, is ErrUnknownRun.
func (d *Dispatcher) Status(ctx context.Context, id string) (Status, error) {
	if id == "" {
		return Status{}, ErrUnknownRun
	}
	rec, err := d.store.Get(ctx, id)
	if errors.Is(err, runs.ErrNotFound) {
		return Status{}, ErrUnknownRun
	}
	if err != nil {
		return Status{}, err
	}

	switch rec.State {
	case runs.StateCompleted:
		return Status{Status: StatusCompleted, Result: rec.Result}, nil
	case runs.StateFailed:
		return Status{Status: StatusFailed, Error: rec.Error}, nil
	default:
		return Status{Status: StatusRunning}, nil
	}
}

// Drain waits for in-flight runs or until ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecoverInterrupted fails pending runs created more than maxAge plus the
// store timeout ago. maxAge must bound every dispatch; a non-positive maxAge
// leaves every run alone.
func (d *Dispatcher) RecoverInterrupted(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	now := d.now().UTC()
	return d.store.FailPending(ctx, now.Add(-(maxAge + storeTimeout)), runs.Resolution{
		State:      runs.StateFailed,
		Error:      (&Failure{Err: errors.New("interrupted before completion")}).Error(),
		ResolvedAt: now,
		ExpiresAt:  now.Add(d.retention),
	})
}

// Sweep deletes expired runs and fails interrupted ones.
func (d *Dispatcher) Sweep(ctx context.Context, maxAge time.Duration) {
	if n, err := d.store.PruneExpired(ctx); err != nil {
		d.logger.Warn("prune expired runs", "error", err)
	} else if n > 0 {
		d.logger.Info("pruned expired runs", "count", n)
	}
	if n, err := d.RecoverInterrupted(ctx, maxAge); err != nil {
		d.logger.Warn("fail interrupted runs", "error", err)
	} else if n > 0 {
		d.logger.Warn("failed interrupted runs", "count", n)
	}
}

// Maintain sweeps the store every interval until ctx is done.
func (d *Dispatcher) Maintain(ctx context.Context, every, maxAge time.Duration) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, storeTimeout)
			d.Sweep(sweepCtx, maxAge)
			cancel()
		}
	}
}
