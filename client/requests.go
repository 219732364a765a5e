package client

import (
	"fmt"

	"github.com/bankd/bankd/wire"
)

// StatusError carries a non-OK reply status to the caller. The reply
// itself is still returned by the raw SendRequest API; the typed helpers
// below fold it into an error.
type StatusError struct {
	Status wire.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %v", e.Status)
}

func statusErr(rep *wire.Message) error {
	if rep.Header.Status == wire.StatusOK {
		return nil
	}
	return &StatusError{Status: rep.Header.Status}
}

// OpenAccount creates an account and returns its number and starting
// balance. A negative initialCents is rejected by the server; zero means
// an empty account.
func (c *Client) OpenAccount(username, password string, currency wire.Currency, initialCents int64) (string, int64, error) {
	var p wire.Payload
	p.SetString(wire.FieldUsername, username).
		SetString(wire.FieldPassword, password).
		SetUint8(wire.FieldCurrency, uint8(currency))
	if initialCents > 0 {
		p.SetInt64(wire.FieldAmountCents, initialCents)
	}
	rep, err := c.SendRequest(wire.OpOpenAccount, p)
	if err != nil {
		return "", 0, err
	}
	if err := statusErr(rep); err != nil {
		return "", 0, err
	}
	accountNo, _ := rep.Payload.AccountNo()
	balance, _ := rep.Payload.AmountCents()
	return accountNo, balance, nil
}

// CloseAccount deletes the account and returns its final balance.
func (c *Client) CloseAccount(username, password, accountNo string) (int64, error) {
	var p wire.Payload
	p.SetString(wire.FieldUsername, username).
		SetString(wire.FieldPassword, password).
		SetString(wire.FieldAccountNo, accountNo)
	rep, err := c.SendRequest(wire.OpCloseAccount, p)
	if err != nil {
		return 0, err
	}
	if err := statusErr(rep); err != nil {
		return 0, err
	}
	final, _ := rep.Payload.AmountCents()
	return final, nil
}

// Deposit credits the account and returns the new balance. Pass
// hasCurrency=true to have the server check the account's currency.
func (c *Client) Deposit(username, password, accountNo string, amountCents int64, currency wire.Currency, hasCurrency bool) (int64, error) {
	return c.move(wire.OpDeposit, username, password, accountNo, amountCents, currency, hasCurrency)
}

// Withdraw debits the account and returns the new balance.
func (c *Client) Withdraw(username, password, accountNo string, amountCents int64, currency wire.Currency, hasCurrency bool) (int64, error) {
	return c.move(wire.OpWithdraw, username, password, accountNo, amountCents, currency, hasCurrency)
}

func (c *Client) move(op wire.OpCode, username, password, accountNo string, amountCents int64, currency wire.Currency, hasCurrency bool) (int64, error) {
	var p wire.Payload
	p.SetString(wire.FieldUsername, username).
		SetString(wire.FieldPassword, password).
		SetString(wire.FieldAccountNo, accountNo).
		SetInt64(wire.FieldAmountCents, amountCents)
	if hasCurrency {
		p.SetUint8(wire.FieldCurrency, uint8(currency))
	}
	rep, err := c.SendRequest(op, p)
	if err != nil {
		return 0, err
	}
	if err := statusErr(rep); err != nil {
		return 0, err
	}
	balance, _ := rep.Payload.AmountCents()
	return balance, nil
}

// QueryBalance returns the balance and currency of the account.
func (c *Client) QueryBalance(username, password, accountNo string) (int64, wire.Currency, error) {
	var p wire.Payload
	p.SetString(wire.FieldUsername, username).
		SetString(wire.FieldPassword, password).
		SetString(wire.FieldAccountNo, accountNo)
	rep, err := c.SendRequest(wire.OpQueryBalance, p)
	if err != nil {
		return 0, 0, err
	}
	if err := statusErr(rep); err != nil {
		return 0, 0, err
	}
	balance, _ := rep.Payload.AmountCents()
	currency, _ := rep.Payload.Currency()
	return balance, currency, nil
}

// Transfer moves funds between two accounts owned by the same user and
// returns the source account's new balance.
func (c *Client) Transfer(username, password, fromNo, toNo string, amountCents int64) (int64, error) {
	var p wire.Payload
	p.SetString(wire.FieldUsername, username).
		SetString(wire.FieldPassword, password).
		SetString(wire.FieldAccountNo, fromNo).
		SetString(wire.FieldToAccountNo, toNo).
		SetInt64(wire.FieldAmountCents, amountCents)
	rep, err := c.SendRequest(wire.OpTransfer, p)
	if err != nil {
		return 0, err
	}
	if err := statusErr(rep); err != nil {
		return 0, err
	}
	balance, _ := rep.Payload.AmountCents()
	return balance, nil
}

// RegisterCallback subscribes this client's source address to account
// update notifications for ttlSeconds.
func (c *Client) RegisterCallback(ttlSeconds uint32) error {
	var p wire.Payload
	p.SetUint32(wire.FieldTTLSeconds, ttlSeconds)
	rep, err := c.SendRequest(wire.OpRegisterCallback, p)
	if err != nil {
		return err
	}
	return statusErr(rep)
}

// UnregisterCallback cancels this client's subscription.
func (c *Client) UnregisterCallback() error {
	rep, err := c.SendRequest(wire.OpUnregisterCallback, wire.Payload{})
	if err != nil {
		return err
	}
	return statusErr(rep)
}
