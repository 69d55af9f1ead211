// Package bankaccount is the illustrative event-sourced aggregate: an
// account whose balance is a fold over deposits and withdrawals.
// Commands validate invariants and raise events; state changes only
// through the transition function, so replay always reproduces it.
package bankaccount

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	es "github.com/openledger/eventsourcing"
)

// BankAccount is the aggregate root.
type BankAccount struct {
	*es.AggregateBase

	owner   string
	balance decimal.Decimal
	open    bool
}

var (
	_ es.Aggregate   = (*BankAccount)(nil)
	_ es.Snapshotter = (*BankAccount)(nil)
)

// New creates a blank account aggregate for the given id.
func New(id string) *BankAccount {
	a := &BankAccount{}
	a.AggregateBase = es.NewAggregateBase(id, a.apply)
	return a
}

// Owner returns the account owner.
func (a *BankAccount) Owner() string { return a.owner }

// Balance returns the current balance.
func (a *BankAccount) Balance() decimal.Decimal { return a.balance }

// IsOpen reports whether the account is open.
func (a *BankAccount) IsOpen() bool { return a.open }

// Open opens the account with an initial balance.
func (a *BankAccount) Open(owner string, initialBalance decimal.Decimal) error {
	if a.open {
		return &es.DomainValidationError{Rule: "account-not-open", Msg: "account is already open"}
	}
	if a.AggregateVersion() > 0 {
		return &es.DomainValidationError{Rule: "account-not-open", Msg: "account already has history"}
	}
	if owner == "" {
		return &es.DomainValidationError{Rule: "owner-required", Msg: "owner must not be empty"}
	}
	if initialBalance.IsNegative() {
		return &es.DomainValidationError{Rule: "non-negative-balance", Msg: "initial balance must not be negative"}
	}

	a.Raise(&AccountOpened{AccountID: a.EntityID(), Owner: owner, InitialBalance: initialBalance})
	return nil
}

// Deposit adds a positive amount to the balance.
func (a *BankAccount) Deposit(amount decimal.Decimal) error {
	if !a.open {
		return &es.DomainValidationError{Rule: "account-open", Msg: "account is not open"}
	}
	if !amount.IsPositive() {
		return &es.DomainValidationError{Rule: "positive-amount", Msg: "deposit amount must be positive"}
	}

	a.Raise(&MoneyDeposited{AccountID: a.EntityID(), Amount: amount})
	return nil
}

// Withdraw removes a positive amount not exceeding the balance.
func (a *BankAccount) Withdraw(amount decimal.Decimal) error {
	if !a.open {
		return &es.DomainValidationError{Rule: "account-open", Msg: "account is not open"}
	}
	if !amount.IsPositive() {
		return &es.DomainValidationError{Rule: "positive-amount", Msg: "withdrawal amount must be positive"}
	}
	if amount.GreaterThan(a.balance) {
		return &es.DomainValidationError{Rule: "sufficient-balance", Msg: "insufficient balance"}
	}

	a.Raise(&MoneyWithdrawn{AccountID: a.EntityID(), Amount: amount})
	return nil
}

// Close closes an open account.
func (a *BankAccount) Close() error {
	if !a.open {
		return &es.DomainValidationError{Rule: "account-open", Msg: "account is not open"}
	}

	a.Raise(&AccountClosed{AccountID: a.EntityID()})
	return nil
}

// apply is the pure transition function; it is the only place state
// changes, for live raises and replay alike.
func (a *BankAccount) apply(env *es.Envelope) {
	switch e := env.Event.(type) {
	case *AccountOpened:
		a.owner = e.Owner
		a.balance = e.InitialBalance
		a.open = true
	case *MoneyDeposited:
		a.balance = a.balance.Add(e.Amount)
	case *MoneyWithdrawn:
		a.balance = a.balance.Sub(e.Amount)
	case *AccountClosed:
		a.open = false
	}
}

// memento is the snapshot form of the account state.
type memento struct {
	Owner   string          `json:"owner"`
	Balance decimal.Decimal `json:"balance"`
	Open    bool            `json:"open"`
}

// SnapshotState implements Snapshotter.
func (a *BankAccount) SnapshotState() ([]byte, error) {
	return json.Marshal(memento{Owner: a.owner, Balance: a.balance, Open: a.open})
}

// RestoreSnapshot implements Snapshotter.
func (a *BankAccount) RestoreSnapshot(state []byte) error {
	var m memento
	if err := json.Unmarshal(state, &m); err != nil {
		return err
	}
	a.owner = m.Owner
	a.balance = m.Balance
	a.open = m.Open
	return nil
}
