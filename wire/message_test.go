package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func depositRequest() *Message {
	msg := NewRequest(OpDeposit, 7, 42, AtMostOnce)
	msg.Payload.SetString(FieldUsername, "alice").
		SetString(FieldPassword, "s3cret").
		SetString(FieldAccountNo, "ACC-1001").
		SetInt64(FieldAmountCents, 2500)
	return msg
}

func TestHeaderLayout(t *testing.T) {
	msg := NewRequest(OpOpenAccount, 0x01020304, 0x0A0B0C0D, AtLeastOnce)
	msg.Payload.SetString(FieldUsername, "u").
		SetString(FieldPassword, "p").
		SetUint8(FieldCurrency, uint8(SGD))
	data, err := msg.Encode()
	require.NoError(t, err)

	// Fixed constants at their contractual offsets.
	assert.Equal(t, []byte{0xD5, 0xD5}, data[0:2], "magic")
	assert.Equal(t, byte(1), data[2], "version")
	assert.Equal(t, byte(0), data[3], "msgType REQ")
	assert.Equal(t, []byte{0x00, 0x20}, data[4:6], "headerLen")
	assert.Equal(t, []byte{0x00, 0x01}, data[6:8], "opCode OPEN_ACCOUNT")
	assert.Equal(t, byte(0), data[8], "semantics ALO")
	assert.Equal(t, byte(0), data[9], "flags")
	assert.Equal(t, []byte{0x00, 0x00}, data[10:12], "status")
	// requestId = clientId<<32 | seqNo.
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x0A, 0x0B, 0x0C, 0x0D}, data[12:20])
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, data[20:24], "clientId")
	assert.Equal(t, []byte{0x0A, 0x0B, 0x0C, 0x0D}, data[24:28], "seqNo")
}

func TestRequestID(t *testing.T) {
	assert.Equal(t, uint64(0), RequestID(0, 0))
	assert.Equal(t, uint64(1), RequestID(0, 1))
	assert.Equal(t, uint64(1)<<32, RequestID(1, 0))
	assert.Equal(t, uint64(0xDEADBEEF00000007), RequestID(0xDEADBEEF, 7))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := depositRequest()
	data, err := msg.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, msg.Header, got.Header)

	user, ok := got.Payload.Username()
	require.True(t, ok)
	assert.Equal(t, "alice", user)
	amount, ok := got.Payload.AmountCents()
	require.True(t, ok)
	assert.Equal(t, int64(2500), amount)
}

func TestRetransmitIdentity(t *testing.T) {
	msg := depositRequest()
	first, err := msg.Encode()
	require.NoError(t, err)
	second, err := msg.Encode()
	require.NoError(t, err)
	assert.Equal(t, first, second, "retransmission must be byte-identical")
}

func TestErrorFlagTracksStatus(t *testing.T) {
	req := depositRequest()

	rep := NewReply(req, StatusInsufficientFunds)
	data, err := rep.Encode()
	require.NoError(t, err)
	assert.Equal(t, FlagError, data[9]&FlagError, "error flag set for non-OK status")

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, StatusInsufficientFunds, got.Header.Status)
	assert.True(t, got.Header.HasError())

	// Encode clears a stale error flag when the status is OK.
	rep = NewReply(req, StatusOK)
	rep.Header.Flags |= FlagError
	data, err = rep.Encode()
	require.NoError(t, err)
	assert.Zero(t, data[9]&FlagError)
}

func TestChecksumRoundTrip(t *testing.T) {
	msg := depositRequest()
	msg.Header.Flags |= FlagChecksum
	data, err := msg.Encode()
	require.NoError(t, err)
	assert.Equal(t, HeaderLen+int(msg.Header.PayloadLen)+ChecksumLen, len(data))

	got, err := Decode(data)
	require.NoError(t, err)
	assert.True(t, got.Header.HasChecksum())
}

func TestChecksumDetectsEveryBitFlip(t *testing.T) {
	msg := depositRequest()
	msg.Header.Flags |= FlagChecksum
	data, err := msg.Encode()
	require.NoError(t, err)

	for i := range data {
		for bit := 0; bit < 8; bit++ {
			corrupted := make([]byte, len(data))
			copy(corrupted, data)
			corrupted[i] ^= 1 << bit
			if _, err := Decode(corrupted); err == nil {
				t.Fatalf("bit %d of byte %d flipped undetected", bit, i)
			}
		}
	}
}

func TestDecodeRejects(t *testing.T) {
	base := func() []byte {
		data, err := depositRequest().Encode()
		require.NoError(t, err)
		return data
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		err    error
	}{
		{"short datagram", func(d []byte) []byte { return d[:HeaderLen-1] }, ErrTooShort},
		{"bad magic", func(d []byte) []byte { d[0] = 0xFF; return d }, ErrBadMagic},
		{"bad version", func(d []byte) []byte { d[2] = 9; return d }, ErrBadVersion},
		{"bad msgType", func(d []byte) []byte { d[3] = 3; return d }, ErrBadMsgType},
		{"bad headerLen", func(d []byte) []byte { d[5] = 0x21; return d }, ErrBadHeaderLen},
		{"bad opCode", func(d []byte) []byte { d[6], d[7] = 0x7F, 0x7F; return d }, ErrBadOpCode},
		{"bad semantics", func(d []byte) []byte { d[8] = 2; return d }, ErrBadSemantics},
		{"reserved flag", func(d []byte) []byte { d[9] |= 0x80; return d }, ErrBadFlags},
		{"bad status", func(d []byte) []byte { d[10], d[11] = 0xFF, 0xFF; return d }, ErrBadStatus},
		{"error flag without status", func(d []byte) []byte { d[9] |= FlagError; return d }, ErrErrorFlag},
		{"status in request", func(d []byte) []byte {
			d[11] = byte(StatusNotFound)
			d[9] |= FlagError
			return d
		}, ErrBadStatus},
		{"payloadLen beyond datagram", func(d []byte) []byte { d[28] = 0xFF; return d }, ErrBadPayloadLen},
		{"trailing bytes", func(d []byte) []byte { return append(d, 0x00) }, ErrTrailingBytes},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.mutate(base()))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestDecodeHeaderPeeksDespiteBadPayload(t *testing.T) {
	msg := depositRequest()
	data, err := msg.Encode()
	require.NoError(t, err)
	// Corrupt a TLV type inside the payload: the full decode fails but the
	// header peek still yields the request identity.
	data[HeaderLen] = 0x7F

	_, err = Decode(data)
	assert.ErrorIs(t, err, ErrBadTLV)

	h, err := DecodeHeader(data)
	require.NoError(t, err)
	assert.Equal(t, msg.Header.RequestID, h.RequestID)
}

func TestReplyMirrorsRequestIdentity(t *testing.T) {
	req := depositRequest()
	rep := NewReply(req, StatusOK)
	assert.Equal(t, MsgReply, rep.Header.Type)
	assert.Equal(t, req.Header.Op, rep.Header.Op)
	assert.Equal(t, req.Header.Semantics, rep.Header.Semantics)
	assert.Equal(t, req.Header.RequestID, rep.Header.RequestID)
	assert.Equal(t, req.Header.ClientID, rep.Header.ClientID)
	assert.Equal(t, req.Header.SeqNo, rep.Header.SeqNo)
}

func TestCallbackRoundTrip(t *testing.T) {
	cbk := NewCallback(OpAccountUpdate)
	cbk.Payload.SetString(FieldAccountNo, "ACC-1002")
	cbk.Payload.SetInt64(FieldAmountCents, 9900)
	data, err := cbk.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, MsgCallback, got.Header.Type)
	assert.Equal(t, OpAccountUpdate, got.Header.Op)
	no, _ := got.Payload.AccountNo()
	assert.Equal(t, "ACC-1002", no)
}
