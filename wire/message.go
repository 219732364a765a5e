package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// Header is the fixed 32-byte message header.
//
//	Offset | Width | Field
//	   0   |   2   | magic      (0xD5D5)
//	   2   |   1   | version    (1)
//	   3   |   1   | msgType    0=REQ 1=REP 2=CBK
//	   4   |   2   | headerLen  (32)
//	   6   |   2   | opCode
//	   8   |   1   | semantics  0=ALO 1=AMO
//	   9   |   1   | flags      bit0=checksum bit1=error
//	  10   |   2   | status
//	  12   |   8   | requestId
//	  20   |   4   | clientId
//	  24   |   4   | seqNo
//	  28   |   4   | payloadLen
type Header struct {
	Type       MsgType
	Op         OpCode
	Semantics  Semantics
	Flags      uint8
	Status     Status
	RequestID  uint64
	ClientID   uint32
	SeqNo      uint32
	PayloadLen uint32
}

// HasChecksum reports whether the CRC32 trailer flag is set.
func (h *Header) HasChecksum() bool { return h.Flags&FlagChecksum != 0 }

// HasError reports whether the error flag is set.
func (h *Header) HasError() bool { return h.Flags&FlagError != 0 }

// Message is one unit of wire traffic.
type Message struct {
	Header  Header
	Payload Payload
}

// NewRequest builds a request message for the given operation. RequestID
// is derived from clientID and seqNo and stays fixed across retransmits.
func NewRequest(op OpCode, clientID, seqNo uint32, sem Semantics) *Message {
	return &Message{Header: Header{
		Type:      MsgRequest,
		Op:        op,
		Semantics: sem,
		ClientID:  clientID,
		SeqNo:     seqNo,
		RequestID: RequestID(clientID, seqNo),
	}}
}

// NewReply builds a reply mirroring the request's identity fields.
func NewReply(req *Message, status Status) *Message {
	return &Message{Header: Header{
		Type:      MsgReply,
		Op:        req.Header.Op,
		Semantics: req.Header.Semantics,
		Status:    status,
		RequestID: req.Header.RequestID,
		ClientID:  req.Header.ClientID,
		SeqNo:     req.Header.SeqNo,
	}}
}

// NewCallback builds a server-initiated notification.
func NewCallback(op OpCode) *Message {
	return &Message{Header: Header{Type: MsgCallback, Op: op}}
}

// Encode serialises the message. PayloadLen is recomputed from the
// payload and the error flag is forced to (status != OK). When the
// checksum flag is set, a big-endian CRC32 of header||payload is
// appended; the trailer is not counted in payloadLen.
func (m *Message) Encode() ([]byte, error) {
	plen := m.Payload.encodedLen()
	if plen > MaxPayload {
		return nil, fmt.Errorf("payload too large: %d bytes", plen)
	}
	m.Header.PayloadLen = uint32(plen)
	if m.Header.Status != StatusOK {
		m.Header.Flags |= FlagError
	} else {
		m.Header.Flags &^= FlagError
	}

	total := HeaderLen + plen
	if m.Header.HasChecksum() {
		total += ChecksumLen
	}
	buf := make([]byte, HeaderLen, total)

	h := &m.Header
	binary.BigEndian.PutUint16(buf[0:2], Magic)
	buf[2] = Version
	buf[3] = uint8(h.Type)
	binary.BigEndian.PutUint16(buf[4:6], HeaderLen)
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Op))
	buf[8] = uint8(h.Semantics)
	buf[9] = h.Flags
	binary.BigEndian.PutUint16(buf[10:12], uint16(h.Status))
	binary.BigEndian.PutUint64(buf[12:20], h.RequestID)
	binary.BigEndian.PutUint32(buf[20:24], h.ClientID)
	binary.BigEndian.PutUint32(buf[24:28], h.SeqNo)
	binary.BigEndian.PutUint32(buf[28:32], h.PayloadLen)

	buf = m.Payload.encode(buf)

	if h.HasChecksum() {
		var sum [ChecksumLen]byte
		binary.BigEndian.PutUint32(sum[:], crc32.ChecksumIEEE(buf))
		buf = append(buf, sum[:]...)
	}
	return buf, nil
}

// DecodeHeader parses and validates the fixed header only. The payload is
// not touched, so it can be used to peek at the identity of a datagram
// that will be dropped or rejected.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrTooShort, len(data))
	}
	if m := binary.BigEndian.Uint16(data[0:2]); m != Magic {
		return Header{}, fmt.Errorf("%w: %#04x", ErrBadMagic, m)
	}
	if data[2] != Version {
		return Header{}, fmt.Errorf("%w: %d", ErrBadVersion, data[2])
	}
	if hl := binary.BigEndian.Uint16(data[4:6]); hl != HeaderLen {
		return Header{}, fmt.Errorf("%w: %d", ErrBadHeaderLen, hl)
	}
	h := Header{
		Type:       MsgType(data[3]),
		Op:         OpCode(binary.BigEndian.Uint16(data[6:8])),
		Semantics:  Semantics(data[8]),
		Flags:      data[9],
		Status:     Status(binary.BigEndian.Uint16(data[10:12])),
		RequestID:  binary.BigEndian.Uint64(data[12:20]),
		ClientID:   binary.BigEndian.Uint32(data[20:24]),
		SeqNo:      binary.BigEndian.Uint32(data[24:28]),
		PayloadLen: binary.BigEndian.Uint32(data[28:32]),
	}
	if !h.Type.valid() {
		return Header{}, fmt.Errorf("%w: %d", ErrBadMsgType, data[3])
	}
	if !h.Op.valid() {
		return Header{}, fmt.Errorf("%w: %#04x", ErrBadOpCode, uint16(h.Op))
	}
	if !h.Semantics.valid() {
		return Header{}, fmt.Errorf("%w: %d", ErrBadSemantics, data[8])
	}
	if h.Flags&^(FlagChecksum|FlagError) != 0 {
		return Header{}, fmt.Errorf("%w: %#02x", ErrBadFlags, h.Flags)
	}
	if !h.Status.valid() {
		return Header{}, fmt.Errorf("%w: %d", ErrBadStatus, uint16(h.Status))
	}
	if h.HasError() != (h.Status != StatusOK) {
		return Header{}, fmt.Errorf("%w: flags %#02x status %v", ErrErrorFlag, h.Flags, h.Status)
	}
	if h.Type != MsgReply && h.Status != StatusOK {
		return Header{}, fmt.Errorf("%w: non-zero status in %v", ErrBadStatus, h.Type)
	}
	return h, nil
}

// Decode parses and validates a complete datagram: header constants, a
// TLV scan consuming payloadLen exactly, and the CRC32 trailer when the
// checksum flag is set. Trailing bytes beyond the declared message fail.
func Decode(data []byte) (*Message, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	total := HeaderLen + int(h.PayloadLen)
	if h.HasChecksum() {
		total += ChecksumLen
	}
	if len(data) < total {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrBadPayloadLen, total, len(data))
	}
	if len(data) > total {
		return nil, fmt.Errorf("%w: %d extra", ErrTrailingBytes, len(data)-total)
	}
	if h.HasChecksum() {
		body := HeaderLen + int(h.PayloadLen)
		want := binary.BigEndian.Uint32(data[body : body+ChecksumLen])
		if got := crc32.ChecksumIEEE(data[:body]); got != want {
			return nil, fmt.Errorf("%w: got %#08x, want %#08x", ErrBadChecksum, got, want)
		}
	}
	p, err := decodePayload(data[HeaderLen : HeaderLen+int(h.PayloadLen)])
	if err != nil {
		return nil, err
	}
	return &Message{Header: h, Payload: p}, nil
}
