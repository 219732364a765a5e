package bank

import (
	"fmt"
	"sync"

	"github.com/bankd/bankd/wire"
)

// Store is the in-memory account index, keyed both by account number and
// by username. Usernames are globally unique.
type Store struct {
	mu      sync.RWMutex
	byNo    map[string]*Account
	byUser  map[string]*Account
	counter uint64
}

// NewStore creates an empty store. Account numbers start at ACC-1001.
func NewStore() *Store {
	return &Store{
		byNo:    make(map[string]*Account),
		byUser:  make(map[string]*Account),
		counter: 1000,
	}
}

// Create allocates a new account number and inserts the account. It
// returns nil when the username is already taken.
func (s *Store) Create(username, password string, currency wire.Currency, initialBalance int64) *Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byUser[username]; exists {
		return nil
	}
	s.counter++
	acct := &Account{
		accountNo: fmt.Sprintf("ACC-%d", s.counter),
		username:  username,
		password:  password,
		currency:  currency,
		balance:   initialBalance,
	}
	s.byUser[username] = acct
	s.byNo[acct.accountNo] = acct
	return acct
}

// ByAccountNo returns the account with the given number, or nil.
func (s *Store) ByAccountNo(accountNo string) *Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byNo[accountNo]
}

// ByUsername returns the account owned by username, or nil.
func (s *Store) ByUsername(username string) *Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byUser[username]
}

// Delete removes the account and returns it, or nil when absent.
func (s *Store) Delete(accountNo string) *Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.byNo[accountNo]
	if !ok {
		return nil
	}
	delete(s.byNo, accountNo)
	delete(s.byUser, acct.username)
	return acct
}

// Len returns the number of open accounts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byNo)
}
