package nexus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// messageVersion is the first byte of every encoded message.
const messageVersion = 1

// messageHeaderSize is the fixed prefix of an encoded message:
// version(1) | flags(1) | timestamp(8) | key len(4) | value len(4) | header count(2).
const messageHeaderSize = 1 + 1 + 8 + 4 + 4 + 2

const flagHasKey = 0x01

// ErrMessageTruncated is returned when decoding a short buffer.
var ErrMessageTruncated = errors.New("message truncated")

// Message is a single record produced to a topic.
//
// Offset is not part of the encoded form; it is the index of the log entry
// that carries the message and is assigned by the partition leader.
type Message struct {
	Key       []byte // nil when absent
	Value     []byte
	Headers   map[string]string
	Timestamp int64 // unix milliseconds
	Offset    uint64
}

// MarshalBinary encodes the message into a binary format. Headers are written
// sorted by name so equal messages always encode identically.
func (m *Message) MarshalBinary() ([]byte, error) {
	names := make([]string, 0, len(m.Headers))
	sz := messageHeaderSize + len(m.Key) + len(m.Value)
	for k, v := range m.Headers {
		if len(k) > 0xFFFF {
			return nil, fmt.Errorf("header name too long: %d bytes", len(k))
		}
		names = append(names, k)
		sz += 2 + len(k) + 4 + len(v)
	}
	if len(m.Headers) > 0xFFFF {
		return nil, fmt.Errorf("too many headers: %d", len(m.Headers))
	}
	sort.Strings(names)

	b := make([]byte, sz)
	b[0] = messageVersion
	if m.Key != nil {
		b[1] |= flagHasKey
	}
	binary.BigEndian.PutUint64(b[2:10], uint64(m.Timestamp))
	binary.BigEndian.PutUint32(b[10:14], uint32(len(m.Key)))
	binary.BigEndian.PutUint32(b[14:18], uint32(len(m.Value)))
	binary.BigEndian.PutUint16(b[18:20], uint16(len(names)))

	n := messageHeaderSize
	n += copy(b[n:], m.Key)
	n += copy(b[n:], m.Value)
	for _, k := range names {
		v := m.Headers[k]
		binary.BigEndian.PutUint16(b[n:], uint16(len(k)))
		n += 2
		n += copy(b[n:], k)
		binary.BigEndian.PutUint32(b[n:], uint32(len(v)))
		n += 4
		n += copy(b[n:], v)
	}
	return b, nil
}

// UnmarshalBinary decodes data into the message. Offset is left untouched.
func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) < messageHeaderSize {
		return ErrMessageTruncated
	}
	if data[0] != messageVersion {
		return fmt.Errorf("unsupported message version: %d", data[0])
	}
	hasKey := data[1]&flagHasKey != 0
	m.Timestamp = int64(binary.BigEndian.Uint64(data[2:10]))
	klen := int(binary.BigEndian.Uint32(data[10:14]))
	vlen := int(binary.BigEndian.Uint32(data[14:18]))
	hcount := int(binary.BigEndian.Uint16(data[18:20]))

	buf := data[messageHeaderSize:]
	if len(buf) < klen+vlen {
		return ErrMessageTruncated
	}
	m.Key = nil
	if hasKey {
		m.Key = append([]byte{}, buf[:klen]...)
	}
	m.Value = append([]byte{}, buf[klen:klen+vlen]...)
	buf = buf[klen+vlen:]

	m.Headers = nil
	if hcount > 0 {
		m.Headers = make(map[string]string, hcount)
	}
	for i := 0; i < hcount; i++ {
		if len(buf) < 2 {
			return ErrMessageTruncated
		}
		n := int(binary.BigEndian.Uint16(buf))
		buf = buf[2:]
		if len(buf) < n+4 {
			return ErrMessageTruncated
		}
		k := string(buf[:n])
		buf = buf[n:]
		vn := int(binary.BigEndian.Uint32(buf))
		buf = buf[4:]
		if len(buf) < vn {
			return ErrMessageTruncated
		}
		m.Headers[k] = string(buf[:vn])
		buf = buf[vn:]
	}
	return nil
}
