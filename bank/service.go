package bank

import (
	"github.com/ethereum/go-ethereum/log"

	"github.com/bankd/bankd/wire"
)

// Service implements the banking operations behind the dispatcher.
// Authentication is a direct password comparison against the account
// owner; an ownership mismatch and a wrong password both yield AUTH_FAIL
// so the caller cannot tell which was at fault.
type Service struct {
	store *Store
	log   log.Logger
}

// NewService wraps a store.
func NewService(store *Store) *Service {
	return &Service{store: store, log: log.New("component", "bank")}
}

// Store exposes the underlying account store.
func (s *Service) Store() *Store { return s.store }

// authenticate resolves the account and checks ownership and password.
func (s *Service) authenticate(username, password, accountNo string) (*Account, wire.Status) {
	acct := s.store.ByAccountNo(accountNo)
	if acct == nil {
		return nil, wire.StatusNotFound
	}
	if acct.username != username || !acct.verifyPassword(password) {
		return nil, wire.StatusAuthFail
	}
	return acct, wire.StatusOK
}

// OpenAccount creates an account with the given initial balance. The
// username must be globally unique.
func (s *Service) OpenAccount(username, password string, currency wire.Currency, initialCents int64) (string, int64, wire.Status) {
	if username == "" || password == "" || !currency.Valid() || initialCents < 0 {
		return "", 0, wire.StatusBadRequest
	}
	acct := s.store.Create(username, password, currency, initialCents)
	if acct == nil {
		return "", 0, wire.StatusAlreadyExists
	}
	s.log.Info("Account opened", "account", acct.accountNo, "user", username, "currency", currency)
	return acct.accountNo, initialCents, wire.StatusOK
}

// CloseAccount removes the account and returns its final balance.
func (s *Service) CloseAccount(username, password, accountNo string) (int64, wire.Status) {
	acct, st := s.authenticate(username, password, accountNo)
	if st != wire.StatusOK {
		return 0, st
	}
	final := acct.Balance()
	s.store.Delete(accountNo)
	s.log.Info("Account closed", "account", accountNo, "finalBalance", final)
	return final, wire.StatusOK
}

// Deposit adds funds. When hasCurrency is set, the stated currency must
// match the account's.
func (s *Service) Deposit(username, password, accountNo string, currency wire.Currency, hasCurrency bool, amountCents int64) (int64, wire.Status) {
	if amountCents <= 0 {
		return 0, wire.StatusBadRequest
	}
	acct, st := s.authenticate(username, password, accountNo)
	if st != wire.StatusOK {
		return 0, st
	}
	if hasCurrency && currency != acct.currency {
		return 0, wire.StatusCurrencyMismatch
	}
	return acct.deposit(amountCents), wire.StatusOK
}

// Withdraw removes funds, failing with INSUFFICIENT_FUNDS when the
// balance cannot cover the amount.
func (s *Service) Withdraw(username, password, accountNo string, currency wire.Currency, hasCurrency bool, amountCents int64) (int64, wire.Status) {
	if amountCents <= 0 {
		return 0, wire.StatusBadRequest
	}
	acct, st := s.authenticate(username, password, accountNo)
	if st != wire.StatusOK {
		return 0, st
	}
	if hasCurrency && currency != acct.currency {
		return 0, wire.StatusCurrencyMismatch
	}
	balance, ok := acct.withdraw(amountCents)
	if !ok {
		return balance, wire.StatusInsufficientFunds
	}
	return balance, wire.StatusOK
}

// QueryBalance returns the balance and currency of the account.
func (s *Service) QueryBalance(username, password, accountNo string) (int64, wire.Currency, wire.Status) {
	acct, st := s.authenticate(username, password, accountNo)
	if st != wire.StatusOK {
		return 0, 0, st
	}
	return acct.Balance(), acct.currency, wire.StatusOK
}

// Transfer moves funds between two accounts of the same currency. Either
// both balances change or neither does. Locks are taken in account-number
// order so concurrent opposing transfers cannot deadlock.
func (s *Service) Transfer(username, password, fromNo, toNo string, amountCents int64) (int64, int64, wire.Status) {
	if amountCents <= 0 || fromNo == toNo {
		return 0, 0, wire.StatusBadRequest
	}
	from, st := s.authenticate(username, password, fromNo)
	if st != wire.StatusOK {
		return 0, 0, st
	}
	to := s.store.ByAccountNo(toNo)
	if to == nil {
		return 0, 0, wire.StatusNotFound
	}
	if from.currency != to.currency {
		return 0, 0, wire.StatusCurrencyMismatch
	}

	first, second := from, to
	if second.accountNo < first.accountNo {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if from.balance < amountCents {
		return from.balance, to.balance, wire.StatusInsufficientFunds
	}
	from.balance -= amountCents
	to.balance += amountCents
	s.log.Info("Transfer", "from", fromNo, "to", toNo, "amount", amountCents)
	return from.balance, to.balance, wire.StatusOK
}
