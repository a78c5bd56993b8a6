package protocol

import (
	"fmt"

	"github.com/jackc/pgx/pgio"
)

// ProtocolVersion is the only frontend/backend protocol version spoken by
// this package, encoded as major<<16 | minor.
const ProtocolVersion = 3 << 16

// CancelRequestCode is the special version-slot value identifying a
// CancelRequest packet: major 1234, minor 5678.
const CancelRequestCode = 1234<<16 | 5678

// StartupMessage builds the initial (untyped) packet of a session: the
// protocol version followed by NUL-terminated key/value pairs. An empty
// database name defaults to the user name, matching backend behaviour.
func StartupMessage(user, database string) Message {
	if database == "" {
		database = user
	}

	msg := make([]byte, 4)
	msg = pgio.AppendInt32(msg, ProtocolVersion)
	msg = append(msg, "user"...)
	msg = append(msg, 0)
	msg = append(msg, user...)
	msg = append(msg, 0)
	msg = append(msg, "database"...)
	msg = append(msg, 0)
	msg = append(msg, database...)
	msg = append(msg, 0, 0)

	pgio.SetInt32(msg, int32(len(msg)))
	return Message(msg)
}

// CancelRequest builds the out-of-band cancellation packet. It is a fixed
// 16-byte untyped message bearing the pid and secret key received in
// BackendKeyData, and must be sent on a fresh connection, never on the
// session's own socket.
func CancelRequest(pid, secret int32) Message {
	msg := make([]byte, 0, 16)
	msg = pgio.AppendInt32(msg, 16)
	msg = pgio.AppendInt32(msg, CancelRequestCode)
	msg = pgio.AppendInt32(msg, pid)
	msg = pgio.AppendInt32(msg, secret)
	return Message(msg)
}

// AuthenticationCode returns the sub-code of an Authentication response.
// Zero is AuthenticationOk; every other value names a scheme (cleartext,
// md5, SASL, ...) this library does not speak.
func (m Message) AuthenticationCode() (int32, error) {
	if m.Type() != Authentication {
		return 0, fmt.Errorf("not an authentication response: %q", m.Type())
	}
	payload := m.Payload()
	if len(payload) < 4 {
		return 0, fmt.Errorf("authentication response too short: %d bytes", len(payload))
	}
	return readInt32(payload), nil
}

// ParameterValue parses a ParameterStatus message into its name and value
// strings.
func (m Message) ParameterValue() (name, value string, err error) {
	if m.Type() != ParameterStatus {
		return "", "", fmt.Errorf("not a parameter status: %q", m.Type())
	}
	buf := m.Payload()
	name, buf, err = readCString(buf)
	if err != nil {
		return "", "", err
	}
	value, _, err = readCString(buf)
	if err != nil {
		return "", "", err
	}
	return name, value, nil
}

// KeyData parses a BackendKeyData message into the (pid, secret) pair
// required to authenticate a later CancelRequest.
func (m Message) KeyData() (pid, secret int32, err error) {
	if m.Type() != BackendKeyData {
		return 0, 0, fmt.Errorf("not backend key data: %q", m.Type())
	}
	payload := m.Payload()
	if len(payload) != 8 {
		return 0, 0, fmt.Errorf("backend key data must carry 8 bytes, got %d", len(payload))
	}
	return readInt32(payload), readInt32(payload[4:]), nil
}

// TransactionStatus returns the single status byte of a ReadyForQuery
// message: 'I' idle, 'T' in transaction, 'E' failed transaction. Any other
// byte is a protocol violation.
func (m Message) TransactionStatus() (byte, error) {
	if m.Type() != ReadyForQuery {
		return 0, fmt.Errorf("not a ready-for-query message: %q", m.Type())
	}
	payload := m.Payload()
	if len(payload) != 1 {
		return 0, fmt.Errorf("ready-for-query must carry 1 byte, got %d", len(payload))
	}
	switch payload[0] {
	case 'I', 'T', 'E':
		return payload[0], nil
	}
	return 0, fmt.Errorf("invalid transaction status %q", payload[0])
}
