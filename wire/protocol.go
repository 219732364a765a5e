// Package wire implements the binary framing of the banking protocol:
// a fixed 32-byte big-endian header, a TLV payload, and an optional
// CRC32 trailer. Byte offsets are contractual; see the field tables below.
package wire

import (
	"errors"
	"fmt"
)

const (
	// Magic identifies protocol datagrams. Anything else is rejected.
	Magic uint16 = 0xD5D5

	// Version is the only protocol version this codec speaks.
	Version uint8 = 1

	// HeaderLen is the fixed header size in bytes.
	HeaderLen = 32

	// MaxPayload bounds the TLV payload of a single datagram.
	MaxPayload = 65000

	// ChecksumLen is the size of the optional CRC32 trailer.
	ChecksumLen = 4
)

// Header flag bits. The remaining bits are reserved and must be zero.
const (
	FlagChecksum uint8 = 0x01 // CRC32 trailer present
	FlagError    uint8 = 0x02 // set iff status != OK
)

// MsgType distinguishes requests, replies and server-initiated callbacks.
type MsgType uint8

const (
	MsgRequest  MsgType = 0
	MsgReply    MsgType = 1
	MsgCallback MsgType = 2
)

func (t MsgType) valid() bool { return t <= MsgCallback }

func (t MsgType) String() string {
	switch t {
	case MsgRequest:
		return "REQ"
	case MsgReply:
		return "REP"
	case MsgCallback:
		return "CBK"
	default:
		return fmt.Sprintf("MsgType(%d)", uint8(t))
	}
}

// Semantics selects the delivery contract for a request.
type Semantics uint8

const (
	AtLeastOnce Semantics = 0 // every received request executes
	AtMostOnce  Semantics = 1 // duplicates suppressed by the reply cache
)

func (s Semantics) valid() bool { return s <= AtMostOnce }

func (s Semantics) String() string {
	switch s {
	case AtLeastOnce:
		return "ALO"
	case AtMostOnce:
		return "AMO"
	default:
		return fmt.Sprintf("Semantics(%d)", uint8(s))
	}
}

// OpCode identifies the requested operation.
type OpCode uint16

const (
	OpOpenAccount        OpCode = 0x0001
	OpCloseAccount       OpCode = 0x0002
	OpDeposit            OpCode = 0x0003
	OpWithdraw           OpCode = 0x0004
	OpRegisterCallback   OpCode = 0x0005
	OpUnregisterCallback OpCode = 0x0006
	OpQueryBalance       OpCode = 0x0101
	OpTransfer           OpCode = 0x0102
	OpAccountUpdate      OpCode = 0x8001 // server -> client only
)

var opNames = map[OpCode]string{
	OpOpenAccount:        "OPEN_ACCOUNT",
	OpCloseAccount:       "CLOSE_ACCOUNT",
	OpDeposit:            "DEPOSIT",
	OpWithdraw:           "WITHDRAW",
	OpRegisterCallback:   "REGISTER_CALLBACK",
	OpUnregisterCallback: "UNREGISTER_CALLBACK",
	OpQueryBalance:       "QUERY_BALANCE",
	OpTransfer:           "TRANSFER",
	OpAccountUpdate:      "ACCOUNT_UPDATE",
}

func (op OpCode) valid() bool {
	_, ok := opNames[op]
	return ok
}

// Idempotent reports whether re-executing the operation is harmless.
// Clients may use it to pick semantics automatically.
func (op OpCode) Idempotent() bool {
	switch op {
	case OpRegisterCallback, OpUnregisterCallback, OpQueryBalance:
		return true
	default:
		return false
	}
}

func (op OpCode) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return fmt.Sprintf("OpCode(%#04x)", uint16(op))
}

// Status is the outcome of an operation, carried in reply headers.
type Status uint16

const (
	StatusOK                Status = 0
	StatusBadRequest        Status = 1
	StatusAuthFail          Status = 2
	StatusNotFound          Status = 3
	StatusInsufficientFunds Status = 4
	StatusCurrencyMismatch  Status = 5
	StatusAlreadyExists     Status = 6
	StatusInternalError     Status = 7
)

var statusNames = [...]string{
	"OK", "BAD_REQUEST", "AUTH_FAIL", "NOT_FOUND",
	"INSUFFICIENT_FUNDS", "CURRENCY_MISMATCH", "ALREADY_EXISTS", "INTERNAL_ERROR",
}

func (s Status) valid() bool { return int(s) < len(statusNames) }

func (s Status) String() string {
	if s.valid() {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint16(s))
}

// Currency is the ISO-like currency enum carried in the currency TLV.
type Currency uint8

const (
	SGD Currency = 0
	USD Currency = 1
	EUR Currency = 2
	GBP Currency = 3
	JPY Currency = 4
	CNY Currency = 5
)

var currencyNames = [...]string{"SGD", "USD", "EUR", "GBP", "JPY", "CNY"}

// Valid reports whether c is a recognised currency code.
func (c Currency) Valid() bool { return int(c) < len(currencyNames) }

func (c Currency) String() string {
	if c.Valid() {
		return currencyNames[c]
	}
	return fmt.Sprintf("Currency(%d)", uint8(c))
}

// ParseCurrency maps a symbol like "SGD" to its enum value.
func ParseCurrency(s string) (Currency, error) {
	for i, name := range currencyNames {
		if name == s {
			return Currency(i), nil
		}
	}
	return 0, fmt.Errorf("unknown currency %q", s)
}

// Decode errors. All of them are BAD_REQUEST-class protocol violations.
var (
	ErrTooShort      = errors.New("message too short")
	ErrBadMagic      = errors.New("bad magic")
	ErrBadVersion    = errors.New("unsupported version")
	ErrBadHeaderLen  = errors.New("bad header length")
	ErrBadMsgType    = errors.New("unknown message type")
	ErrBadOpCode     = errors.New("unknown op code")
	ErrBadSemantics  = errors.New("unknown semantics")
	ErrBadFlags      = errors.New("reserved flag bits set")
	ErrBadStatus     = errors.New("unknown status code")
	ErrErrorFlag     = errors.New("error flag inconsistent with status")
	ErrBadPayloadLen = errors.New("payload length exceeds datagram")
	ErrTrailingBytes = errors.New("trailing bytes after message")
	ErrBadChecksum   = errors.New("checksum mismatch")
	ErrBadTLV        = errors.New("malformed TLV field")
	ErrMissingField  = errors.New("missing required field")
)

// RequestID composes the 64-bit request identifier: clientId in the high
// 32 bits, seqNo in the low 32. It is stable across retransmissions.
func RequestID(clientID, seqNo uint32) uint64 {
	return uint64(clientID)<<32 | uint64(seqNo)
}
