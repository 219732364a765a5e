// Package bank holds the banking domain: an in-memory account store and
// the operations the dispatcher invokes. All money is in minor units
// (cents) as signed 64-bit integers. State does not survive a restart.
package bank

import (
	"fmt"
	"sync"

	"github.com/bankd/bankd/wire"
)

// Account is one bank account. The mutex guards the balance; identity
// fields are immutable after creation.
type Account struct {
	mu sync.Mutex

	accountNo string
	username  string
	password  string
	currency  wire.Currency
	balance   int64
}

func (a *Account) AccountNo() string       { return a.accountNo }
func (a *Account) Username() string        { return a.username }
func (a *Account) Currency() wire.Currency { return a.currency }

// Balance returns the current balance in cents.
func (a *Account) Balance() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance
}

func (a *Account) verifyPassword(password string) bool {
	return a.password == password
}

func (a *Account) deposit(amount int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balance += amount
	return a.balance
}

// withdraw fails without side effects when funds are insufficient.
func (a *Account) withdraw(amount int64) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.balance < amount {
		return a.balance, false
	}
	a.balance -= amount
	return a.balance, true
}

func (a *Account) String() string {
	return fmt.Sprintf("Account{no=%s, user=%s, currency=%v, balance=%d}",
		a.accountNo, a.username, a.currency, a.Balance())
}
