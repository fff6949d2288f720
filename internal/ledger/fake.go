package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Payout records one payout submitted to the fake ledger.
type Payout struct {
	Recipient string
	Amount    int64
}

// Fake is an in-memory Adapter for tests and local runs. By default every
// transaction confirms on the first poll; tests can script submission
// failures, delayed confirmation, or terminal transaction failure.
type Fake struct {
	mu sync.Mutex

	seq          int
	txs          map[TxRef]*fakeTx
	payouts      []Payout
	failSubmits  int
	confirmAfter int
	failTx       bool
	down         bool
}

type fakeTx struct {
	polls     int
	readyAt   int
	willFail  bool
	confirmed bool
}

// NewFake creates a fake adapter that confirms instantly.
func NewFake() *Fake {
	return &Fake{txs: make(map[TxRef]*fakeTx)}
}

// FailSubmissions makes the next n submissions return a transient error.
func (f *Fake) FailSubmissions(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSubmits = n
}

// ConfirmAfter makes new transactions stay Pending for n polls.
func (f *Fake) ConfirmAfter(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmAfter = n
}

// FailTransactions makes new transactions reach the Failed status.
func (f *Fake) FailTransactions(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failTx = fail
}

// SetDown toggles adapter unavailability.
func (f *Fake) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

// Payouts returns every payout submitted so far.
func (f *Fake) Payouts() []Payout {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Payout(nil), f.payouts...)
}

func (f *Fake) newTx(kind string) (TxRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return "", errors.New("fake ledger unavailable")
	}
	if f.failSubmits > 0 {
		f.failSubmits--
		return "", errors.New("fake ledger transient submit failure")
	}
	f.seq++
	ref := TxRef(fmt.Sprintf("%s-%d", kind, f.seq))
	f.txs[ref] = &fakeTx{readyAt: f.confirmAfter, willFail: f.failTx}
	return ref, nil
}

func (f *Fake) SubmitStake(ctx context.Context, agentID string, amount int64) (TxRef, error) {
	return f.newTx("stake")
}

func (f *Fake) SubmitDeposit(ctx context.Context, buyerID string, amount int64) (TxRef, error) {
	return f.newTx("deposit")
}

func (f *Fake) SubmitPayout(ctx context.Context, recipient string, amount int64) (TxRef, error) {
	ref, err := f.newTx("payout")
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	f.payouts = append(f.payouts, Payout{Recipient: recipient, Amount: amount})
	f.mu.Unlock()
	return ref, nil
}

func (f *Fake) QueryConfirmation(ctx context.Context, ref TxRef) (TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return StatusPending, errors.New("fake ledger unavailable")
	}
	tx, ok := f.txs[ref]
	if !ok {
		return StatusPending, fmt.Errorf("unknown tx %s", ref)
	}
	tx.polls++
	if tx.polls <= tx.readyAt {
		return StatusPending, nil
	}
	if tx.willFail {
		return StatusFailed, nil
	}
	tx.confirmed = true
	return StatusConfirmed, nil
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errors.New("fake ledger unavailable")
	}
	return nil
}
