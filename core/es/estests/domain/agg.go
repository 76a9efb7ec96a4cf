package domain

import (
	"encoding/json"
	"fmt"

	"github.com/liamwh/sourcerer/core/es"
	"github.com/liamwh/sourcerer/core/es/assert"
)

type (
	Account struct {
		es.BaseAggregate

		Owner          string `json:"owner"`
		Balance        int64  `json:"balance"`
		NumDeposits    int    `json:"num_deposits"`
		NumWithdrawals int    `json:"num_withdrawals"`
	}

	Opened struct {
		Owner string `json:"owner"`
	}

	Deposited struct {
		Amount int64 `json:"amount"`
	}

	Withdrawn struct {
		Amount int64 `json:"amount"`
	}
)

func (e Opened) Validate() error {
	if e.Owner == "" {
		return fmt.Errorf("owner is required")
	}
	return nil
}

func (e Deposited) Validate() error {
	if e.Amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	return nil
}

func (e Withdrawn) Validate() error {
	if e.Amount <= 0 {
		return fmt.Errorf("amount must be positive")
	}
	return nil
}

func (a *Account) Snapshot() (data []byte, err error) { return json.Marshal(a) }
func (a *Account) RestoreSnapshot(data []byte) error  { return json.Unmarshal(data, a) }
func (a *Account) GetAggType() string                 { return "account" }
func (a *Account) Register(r es.Registrar) {
	es.RegisterEvents(r, es.Event[Opened](), es.Event[Deposited](), es.Event[Withdrawn]())
}

func (a *Account) Apply(event any) error {
	switch e := event.(type) {
	case *Opened:
		a.Owner = e.Owner
		return nil
	case *Deposited:
		a.Balance += e.Amount
		a.NumDeposits++
		return nil
	case *Withdrawn:
		a.Balance -= e.Amount
		a.NumWithdrawals++
		return nil
	}
	return fmt.Errorf("unknown event: %T", event)
}

var _ es.Snapshottable = &Account{}

// === Commands ===

func (a *Account) Open(owner string) error {
	return a.Checked(
		assert.True(a.Owner == "", "account not yet opened"),
		es.RaiseAndApplyD(a, &Opened{Owner: owner}),
	)
}

func (a *Account) Deposit(amount int64) error {
	return es.RaiseAndApply(a, &Deposited{Amount: amount})
}

func (a *Account) Withdraw(amount int64) error {
	return a.Checked(
		assert.True(a.Balance >= amount, "sufficient funds"),
		es.RaiseAndApplyD(a, &Withdrawn{Amount: amount}),
	)
}

func NewAccount(id string) *Account {
	a := &Account{}
	a.SetID(id)
	return a
}
