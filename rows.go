package pgclientlib

import (
	"github.com/thk686/pgclientlib/protocol"
)

// QueuedRows returns the number of rows waiting in the row queue.
func (s *Session) QueuedRows() int { return len(s.rows) }

// QueuedNotifications returns the number of notifications waiting.
func (s *Session) QueuedNotifications() int { return len(s.notifications) }

// RawRow returns a copy of the front row payload without removing it from
// the queue.
func (s *Session) RawRow() ([]byte, error) {
	if len(s.rows) == 0 {
		return nil, StateErr("row queue is empty")
	}
	row := make([]byte, len(s.rows[0]))
	copy(row, s.rows[0])
	return row, nil
}

// NextRawRow removes and returns the front row payload: the bytes of the
// server message absent its tag and length header. How to split them is
// governed by BufferFormat.
func (s *Session) NextRawRow() ([]byte, error) {
	row, err := s.RawRow()
	if err != nil {
		return nil, err
	}
	s.rows = s.rows[1:]
	return row, nil
}

// Row renders the front row as strings without removing it from the queue.
func (s *Session) Row() ([]string, error) {
	if len(s.rows) == 0 {
		return nil, StateErr("row queue is empty")
	}
	return s.decodeRow(s.rows[0])
}

// NextRow removes the front row and renders it as strings. Query tuples
// yield one string per column, with NULL as the empty string and binary
// columns rendered byte-by-byte with non-printables replaced by '.'. Copy
// rows yield a single-element slice holding the whole payload.
func (s *Session) NextRow() ([]string, error) {
	row, err := s.Row()
	if err != nil {
		return nil, err
	}
	s.rows = s.rows[1:]
	return row, nil
}

// ClearRows drops everything in the row queue.
func (s *Session) ClearRows() {
	s.rows = nil
}

// NextNotification removes and returns the oldest queued notification.
func (s *Session) NextNotification() (string, error) {
	if len(s.notifications) == 0 {
		return "", StateErr("notification queue is empty")
	}
	n := s.notifications[0]
	s.notifications = s.notifications[1:]
	return n, nil
}

func (s *Session) decodeRow(payload []byte) ([]string, error) {
	switch s.format {
	case FormatQuery:
		cols, err := protocol.SplitDataRow(payload)
		if err != nil {
			return nil, ProtocolErr("%v", err)
		}
		out := make([]string, len(cols))
		for i, col := range cols {
			if col == nil {
				continue // NULL renders as the empty string
			}
			if i < len(s.fields) && s.fields[i].Binary() {
				out[i] = renderBinary(col)
			} else {
				out[i] = string(col)
			}
		}
		return out, nil

	case FormatCopyText:
		return []string{string(payload)}, nil

	case FormatCopyBinary:
		return []string{renderBinary(payload)}, nil
	}
	return nil, StateErr("no buffer format governs the queued rows")
}

// renderBinary spells a binary value with printable bytes kept as-is and
// everything else replaced by '.'.
func renderBinary(b []byte) string {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= ' ' && c <= '~' {
			out[i] = c
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}
