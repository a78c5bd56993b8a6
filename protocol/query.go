package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/jackc/pgx/pgio"
)

// fixed empty-payload frontend messages
var (
	TerminateMessage = Message{Terminate, 0, 0, 0, 4}
	SyncMessage      = Message{Sync, 0, 0, 0, 4}
	FlushMessage     = Message{Flush, 0, 0, 0, 4}
	CopyDoneMessage  = Message{CopyDone, 0, 0, 0, 4}
)

// SimpleQuery builds a Query message carrying the NUL-terminated SQL text
func SimpleQuery(sql string) Message {
	msg := []byte{Query}
	sp := len(msg)
	msg = pgio.AppendInt32(msg, -1)
	msg = append(msg, sql...)
	msg = append(msg, 0)

	pgio.SetInt32(msg[sp:], int32(len(msg[sp:])))
	return Message(msg)
}

// CopyDataMessage builds a CopyData frame around raw copy bytes. The payload
// is carried verbatim: no row framing and no trailing NUL.
func CopyDataMessage(data []byte) Message {
	msg := []byte{CopyData}
	sp := len(msg)
	msg = pgio.AppendInt32(msg, -1)
	msg = append(msg, data...)

	pgio.SetInt32(msg[sp:], int32(len(msg[sp:])))
	return Message(msg)
}

// CopyFailMessage builds a CopyFail message carrying a NUL-terminated
// human-readable cause
func CopyFailMessage(reason string) Message {
	msg := []byte{CopyFail}
	sp := len(msg)
	msg = pgio.AppendInt32(msg, -1)
	msg = append(msg, reason...)
	msg = append(msg, 0)

	pgio.SetInt32(msg[sp:], int32(len(msg[sp:])))
	return Message(msg)
}

// FieldDescription describes a single column of the upcoming result set, as
// declared by a RowDescription message.
type FieldDescription struct {
	Name            string
	TableOID        int32 // zero when not a table column
	AttributeNumber int16 // zero when not a table column
	DataTypeOID     int32
	DataTypeSize    int16 // negative means variable width
	TypeModifier    int32
	Format          int16 // 0 text, 1 binary
}

// Binary reports whether values of this column arrive in binary format
func (fd FieldDescription) Binary() bool {
	return fd.Format == 1
}

// RowFields parses a RowDescription message: a 2-byte field count followed,
// per field, by a NUL-terminated column name and 18 bytes of big-endian
// descriptor values.
func (m Message) RowFields() ([]FieldDescription, error) {
	if m.Type() != RowDescription {
		return nil, fmt.Errorf("not a row description: %q", m.Type())
	}
	buf := m.Payload()
	if len(buf) < 2 {
		return nil, fmt.Errorf("row description too short: %d bytes", len(buf))
	}
	n := int(readInt16(buf))
	buf = buf[2:]

	fields := make([]FieldDescription, 0, n)
	for i := 0; i < n; i++ {
		name, rest, err := readCString(buf)
		if err != nil {
			return nil, fmt.Errorf("field %d: %v", i, err)
		}
		if len(rest) < 18 {
			return nil, fmt.Errorf("field %d: truncated descriptor", i)
		}
		fields = append(fields, FieldDescription{
			Name:            name,
			TableOID:        readInt32(rest),
			AttributeNumber: readInt16(rest[4:]),
			DataTypeOID:     readInt32(rest[6:]),
			DataTypeSize:    readInt16(rest[10:]),
			TypeModifier:    readInt32(rest[12:]),
			Format:          readInt16(rest[16:]),
		})
		buf = rest[18:]
	}
	return fields, nil
}

// SplitDataRow splits a stored DataRow payload into per-column byte slices.
// The payload is a 2-byte column count followed, per column, by a 4-byte
// signed length and that many data bytes. A length of -1 marks SQL NULL and
// yields a nil slice consuming no further bytes.
func SplitDataRow(payload []byte) ([][]byte, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("data row too short: %d bytes", len(payload))
	}
	n := int(readInt16(payload))
	buf := payload[2:]

	cols := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		if len(buf) < 4 {
			return nil, fmt.Errorf("column %d: truncated length", i)
		}
		sz := int(readInt32(buf))
		buf = buf[4:]
		if sz == -1 {
			cols = append(cols, nil)
			continue
		}
		if sz < 0 || sz > len(buf) {
			return nil, fmt.Errorf("column %d: bad length %d", i, sz)
		}
		val := make([]byte, sz)
		copy(val, buf[:sz])
		cols = append(cols, val)
		buf = buf[sz:]
	}
	return cols, nil
}

// CommandTag returns the completion tag of a CommandComplete message,
// e.g. "SELECT 3"
func (m Message) CommandTag() (string, error) {
	if m.Type() != CommandComplete {
		return "", fmt.Errorf("not a command completion: %q", m.Type())
	}
	tag, _, err := readCString(m.Payload())
	return tag, err
}

// NoticeText assembles the human-readable form of an ErrorResponse,
// NoticeResponse or NotificationResponse: "<severity>: <message>". The
// payload is a list of single-byte field tags each followed by a
// NUL-terminated value, terminated by a zero tag; fields other than severity
// and message are consumed and dropped.
func (m Message) NoticeText() (string, error) {
	t := m.Type()
	if t != ErrorResponse && t != NoticeResponse && t != NotificationResponse {
		return "", fmt.Errorf("not a notice-style response: %q", t)
	}

	var severity, text string
	buf := m.Payload()
	for len(buf) > 0 && buf[0] != 0 {
		tag := buf[0]
		value, rest, err := readCString(buf[1:])
		if err != nil {
			return "", err
		}
		switch tag {
		case 'S':
			severity = value
		case 'M':
			text = value
		}
		buf = rest
	}
	return severity + ": " + text, nil
}

// CopyFormat returns the overall format byte of a CopyInResponse or
// CopyOutResponse: zero for textual copy, non-zero for binary.
func (m Message) CopyFormat() (byte, error) {
	t := m.Type()
	if t != CopyInResponse && t != CopyOutResponse {
		return 0, fmt.Errorf("not a copy response: %q", t)
	}
	payload := m.Payload()
	if len(payload) < 1 {
		return 0, fmt.Errorf("copy response carries no format byte")
	}
	return payload[0], nil
}

func readInt16(b []byte) int16 {
	return int16(binary.BigEndian.Uint16(b))
}

func readInt32(b []byte) int32 {
	return int32(binary.BigEndian.Uint32(b))
}

func readCString(b []byte) (string, []byte, error) {
	idx := bytes.IndexByte(b, 0)
	if idx == -1 {
		return "", nil, fmt.Errorf("unterminated string")
	}
	return string(b[:idx]), b[idx+1:], nil
}
