package bankaccount

import (
	"github.com/shopspring/decimal"

	es "github.com/openledger/eventsourcing"
)

// Event type tags, also the registry keys for serializing backends.
const (
	EventAccountOpened  = "AccountOpened"
	EventMoneyDeposited = "MoneyDeposited"
	EventMoneyWithdrawn = "MoneyWithdrawn"
	EventAccountClosed  = "AccountClosed"
)

type AccountOpened struct {
	AccountID      string          `json:"account_id"`
	Owner          string          `json:"owner"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

func (e *AccountOpened) AggregateID() string { return e.AccountID }
func (e *AccountOpened) EventType() string   { return EventAccountOpened }

type MoneyDeposited struct {
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
}

func (e *MoneyDeposited) AggregateID() string { return e.AccountID }
func (e *MoneyDeposited) EventType() string   { return EventMoneyDeposited }

type MoneyWithdrawn struct {
	AccountID string          `json:"account_id"`
	Amount    decimal.Decimal `json:"amount"`
}

func (e *MoneyWithdrawn) AggregateID() string { return e.AccountID }
func (e *MoneyWithdrawn) EventType() string   { return EventMoneyWithdrawn }

type AccountClosed struct {
	AccountID string `json:"account_id"`
}

func (e *AccountClosed) AggregateID() string { return e.AccountID }
func (e *AccountClosed) EventType() string   { return EventAccountClosed }

func init() {
	es.RegisterEventByType(func() es.Event { return &AccountOpened{} })
	es.RegisterEventByType(func() es.Event { return &MoneyDeposited{} })
	es.RegisterEventByType(func() es.Event { return &MoneyWithdrawn{} })
	es.RegisterEventByType(func() es.Event { return &AccountClosed{} })
}
