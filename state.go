package pgclientlib

// SessionState enumerates the positions of the session state machine.
// ReadyForQuery is the only state in which a new simple query may be
// submitted, and receiving a ReadyForQuery message is the sole way in.
type SessionState int

const (
	StateNotConnected SessionState = iota
	StateNotStarted
	StateReadyForQuery
	StateInQuery
	StateCopyIn
	StateCopyOut
	StateCopyDone
	StateComplete
)

func (s SessionState) String() string {
	switch s {
	case StateNotConnected:
		return "NotConnected"
	case StateNotStarted:
		return "NotStarted"
	case StateReadyForQuery:
		return "ReadyForQuery"
	case StateInQuery:
		return "InQuery"
	case StateCopyIn:
		return "CopyIn"
	case StateCopyOut:
		return "CopyOut"
	case StateCopyDone:
		return "CopyDone"
	case StateComplete:
		return "Complete"
	}
	return "Invalid"
}

// TransactionStatus mirrors the status byte of the last ReadyForQuery
// message received from the backend.
type TransactionStatus int

const (
	TxIdle TransactionStatus = iota
	TxActive
	TxError
)

func (t TransactionStatus) String() string {
	switch t {
	case TxIdle:
		return "Idle"
	case TxActive:
		return "Active"
	case TxError:
		return "Error"
	}
	return "Invalid"
}

// BufferFormat tags how the payloads currently sitting in the row queue
// should be split and rendered. It changes when a RowDescription or a copy
// response arrives, both of which also reset the queue as needed, and is
// reset to None when a new connection is attached.
type BufferFormat int

const (
	FormatNone BufferFormat = iota
	FormatQuery
	FormatCopyText
	FormatCopyBinary
)

func (f BufferFormat) String() string {
	switch f {
	case FormatNone:
		return "None"
	case FormatQuery:
		return "Query"
	case FormatCopyText:
		return "CopyText"
	case FormatCopyBinary:
		return "CopyBinary"
	}
	return "Invalid"
}
