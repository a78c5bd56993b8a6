package pgclientlib

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/pgproto3"
	"github.com/stretchr/testify/require"
	"github.com/thk686/pgclientlib/protocol"
)

// pipeSession attaches a session to one end of an in-memory pipe and hands
// the test the other end to play the backend.
func pipeSession(t *testing.T) (*Session, net.Conn) {
	client, server := net.Pipe()
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	require.NoError(t, server.SetDeadline(time.Now().Add(5*time.Second)))

	s := NewSession()
	s.Attach(client, "", "")
	return s, server
}

// startReady drives a minimal startup so the session under test begins in
// ReadyForQuery.
func startReady(t *testing.T) (*Session, net.Conn) {
	s, server := pipeSession(t)
	go func() {
		readStartup(t, server)
		writeAll(t, server, authOK(), ready('I'))
	}()
	require.NoError(t, s.Startup("alice", ""))
	return s, server
}

func TestStartup(t *testing.T) {
	t.Run("trivial startup", func(t *testing.T) {
		s, server := pipeSession(t)

		go func() {
			msg := readStartup(t, server)
			expected := []byte{
				0, 0, 0, 35,
				0, 3, 0, 0,
				'u', 's', 'e', 'r', 0,
				'a', 'l', 'i', 'c', 'e', 0,
				'd', 'a', 't', 'a', 'b', 'a', 's', 'e', 0,
				'a', 'l', 'i', 'c', 'e', 0,
				0,
			}
			require.Equal(t, expected, msg)

			writeAll(t, server,
				authOK(),
				paramStatus("server_version", "9.6"),
				srvMsg('K', 0, 0, 0x04, 0xD2, 0, 0, 0x16, 0x2E),
				ready('I'),
			)
		}()

		require.NoError(t, s.Startup("alice", ""))

		require.Equal(t, StateReadyForQuery, s.State())
		require.Equal(t, TxIdle, s.TransactionStatus())

		version, ok := s.Parameter("server_version")
		require.True(t, ok)
		require.Equal(t, "9.6", version)

		pid, secret := s.BackendKey()
		require.Equal(t, int32(1234), pid)
		require.Equal(t, int32(5678), secret)
	})

	t.Run("notice during startup", func(t *testing.T) {
		s, server := pipeSession(t)

		go func() {
			readStartup(t, server)
			writeAll(t, server,
				authOK(),
				srvMsg('N', concat([]byte{'S'}, cstr("NOTICE"), []byte{'M'}, cstr("hello"), []byte{0})...),
				ready('I'),
			)
		}()

		require.NoError(t, s.Startup("alice", ""))
		require.Equal(t, StateReadyForQuery, s.State())

		n, err := s.NextNotification()
		require.NoError(t, err)
		require.Equal(t, "NOTICE: hello", n)
	})

	t.Run("unsupported authentication scheme", func(t *testing.T) {
		s, server := pipeSession(t)

		go func() {
			readStartup(t, server)
			writeAll(t, server, srvMsg('R', 0, 0, 0, 5)) // md5 challenge
		}()

		err := s.Startup("alice", "")
		require.Error(t, err)
		require.Equal(t, KindAuth, err.(Err).Kind())
	})

	t.Run("not idempotent", func(t *testing.T) {
		s, _ := startReady(t)

		err := s.Startup("alice", "")
		require.Error(t, err)
		require.Equal(t, KindState, err.(Err).Kind())
		require.Equal(t, StateReadyForQuery, s.State())
	})

	t.Run("requires a connection", func(t *testing.T) {
		s := NewSession()
		err := s.Startup("alice", "")
		require.Error(t, err)
		require.Equal(t, KindState, err.(Err).Kind())
	})
}

func TestQuery(t *testing.T) {
	t.Run("single row", func(t *testing.T) {
		s, server := startReady(t)

		go func() {
			parsed := receiveQuery(t, server)
			require.Equal(t, "SELECT 1;", parsed)

			writeAll(t, server,
				rowDescription("?column?"),
				dataRow("1"),
				commandComplete("SELECT 1"),
				ready('I'),
			)
		}()

		require.NoError(t, s.Query("SELECT 1;"))

		require.Equal(t, StateReadyForQuery, s.State())
		require.Equal(t, FormatQuery, s.BufferFormat())
		require.Equal(t, 1, s.QueuedRows())

		row, err := s.NextRow()
		require.NoError(t, err)
		require.Equal(t, []string{"1"}, row)

		n, err := s.NextNotification()
		require.NoError(t, err)
		require.Equal(t, "SELECT 1", n)

		fields := s.FieldDescriptors()
		require.Len(t, fields, 1)
		require.Equal(t, "?column?", fields[0].Name)
		require.Equal(t, int32(23), fields[0].DataTypeOID)
	})

	t.Run("empty query", func(t *testing.T) {
		s, server := startReady(t)

		go func() {
			receiveQuery(t, server)
			writeAll(t, server, srvMsg('I'), ready('I'))
		}()

		require.NoError(t, s.Query(";"))
		require.Zero(t, s.QueuedRows())

		n, err := s.NextNotification()
		require.NoError(t, err)
		require.Equal(t, "[Empty request]", n)
	})

	t.Run("server error", func(t *testing.T) {
		s, server := startReady(t)

		go func() {
			receiveQuery(t, server)
			writeAll(t, server,
				srvMsg('E', concat(
					[]byte{'S'}, cstr("ERROR"),
					[]byte{'M'}, cstr(`column "bad" does not exist`),
					[]byte{0},
				)...),
				ready('E'),
			)
		}()

		require.NoError(t, s.Query("SELECT bad;"))

		require.Equal(t, StateReadyForQuery, s.State())
		require.Equal(t, TxError, s.TransactionStatus())

		n, err := s.NextNotification()
		require.NoError(t, err)
		require.Equal(t, `ERROR: column "bad" does not exist`, n)
	})

	t.Run("rows keep arrival order", func(t *testing.T) {
		s, server := startReady(t)

		go func() {
			receiveQuery(t, server)
			writeAll(t, server,
				rowDescription("name"),
				dataRow("a"), dataRow("b"), dataRow("c"),
				commandComplete("SELECT 3"),
				ready('I'),
			)
		}()

		require.NoError(t, s.Query("SELECT name FROM t;"))
		require.Equal(t, 3, s.QueuedRows())

		for _, want := range []string{"a", "b", "c"} {
			row, err := s.NextRow()
			require.NoError(t, err)
			require.Equal(t, []string{want}, row)
		}
	})

	t.Run("row description resets the queue", func(t *testing.T) {
		s, server := startReady(t)

		go func() {
			receiveQuery(t, server)
			writeAll(t, server,
				rowDescription("first"),
				dataRow("stale"),
				rowDescription("second"),
				dataRow("fresh"),
				commandComplete("SELECT 1"),
				ready('I'),
			)
		}()

		require.NoError(t, s.Query("SELECT 1; SELECT 2;"))

		require.Equal(t, 1, s.QueuedRows())
		fields := s.FieldDescriptors()
		require.Len(t, fields, 1)
		require.Equal(t, "second", fields[0].Name)

		row, err := s.NextRow()
		require.NoError(t, err)
		require.Equal(t, []string{"fresh"}, row)
	})

	t.Run("parameter updates are last-writer-wins", func(t *testing.T) {
		s, server := startReady(t)

		go func() {
			receiveQuery(t, server)
			writeAll(t, server,
				paramStatus("TimeZone", "UTC"),
				paramStatus("TimeZone", "PST8PDT"),
				commandComplete("SET"),
				ready('I'),
			)
		}()

		require.NoError(t, s.Query("SET timezone TO 'PST8PDT';"))

		tz, ok := s.Parameter("TimeZone")
		require.True(t, ok)
		require.Equal(t, "PST8PDT", tz)
	})

	t.Run("requires ReadyForQuery", func(t *testing.T) {
		s, _ := pipeSession(t)

		err := s.Query("SELECT 1;")
		require.Error(t, err)
		require.Equal(t, KindState, err.(Err).Kind())
	})

	t.Run("unknown tag fails the session", func(t *testing.T) {
		s, server := startReady(t)

		go func() {
			receiveQuery(t, server)
			writeAll(t, server, srvMsg('?', 'x', 'y'))
		}()

		err := s.Query("SELECT 1;")
		require.Error(t, err)
		require.Equal(t, KindProtocol, err.(Err).Kind())
	})

	t.Run("invalid ready status byte", func(t *testing.T) {
		s, server := startReady(t)

		go func() {
			receiveQuery(t, server)
			writeAll(t, server, commandComplete("SELECT 0"), ready('X'))
		}()

		err := s.Query("SELECT 1;")
		require.Error(t, err)
		require.Equal(t, KindProtocol, err.(Err).Kind())
	})
}

func TestCopyOut(t *testing.T) {
	s, server := startReady(t)

	go func() {
		receiveQuery(t, server)
		writeAll(t, server,
			srvMsg('H', 0, 0, 2, 0, 0, 0, 0), // text format, two columns
			srvMsg('d', []byte("a\tb\n")...),
			srvMsg('d', []byte("c\td\n")...),
			srvMsg('c'),
			commandComplete("COPY 2"),
			ready('I'),
		)
	}()

	require.NoError(t, s.Query("COPY t TO STDOUT;"))

	require.Equal(t, StateReadyForQuery, s.State())
	require.Equal(t, FormatCopyText, s.BufferFormat())
	require.Equal(t, 2, s.QueuedRows())

	row, err := s.NextRow()
	require.NoError(t, err)
	require.Equal(t, []string{"a\tb\n"}, row)

	raw, err := s.NextRawRow()
	require.NoError(t, err)
	require.Equal(t, []byte("c\td\n"), raw)

	n, err := s.NextNotification()
	require.NoError(t, err)
	require.Equal(t, "COPY 2", n)
}

func TestCopyIn(t *testing.T) {
	t.Run("data then done", func(t *testing.T) {
		s, server := startReady(t)

		go func() {
			receiveQuery(t, server)
			writeAll(t, server, srvMsg('G', 0, 0, 1, 0, 0))
		}()

		require.NoError(t, s.Query("COPY t FROM STDIN;"))
		require.Equal(t, StateCopyIn, s.State())
		require.Equal(t, FormatCopyText, s.BufferFormat())

		go func() {
			data := readTyped(t, server)
			require.Equal(t, []byte(protocol.CopyDataMessage([]byte("1\tx\n"))), data)

			done := readTyped(t, server)
			require.Equal(t, []byte(protocol.CopyDoneMessage), done)

			writeAll(t, server, commandComplete("COPY 1"), ready('I'))
		}()

		require.NoError(t, s.CopyData([]byte("1\tx\n")))
		require.NoError(t, s.CopyDone())
		require.Equal(t, StateReadyForQuery, s.State())

		n, err := s.NextNotification()
		require.NoError(t, err)
		require.Equal(t, "COPY 1", n)
	})

	t.Run("fail aborts the copy", func(t *testing.T) {
		s, server := startReady(t)

		go func() {
			receiveQuery(t, server)
			writeAll(t, server, srvMsg('G', 0, 0, 1, 0, 0))
		}()

		require.NoError(t, s.Query("COPY t FROM STDIN;"))
		require.Equal(t, StateCopyIn, s.State())

		go func() {
			fail := readTyped(t, server)
			require.Equal(t, byte('f'), fail[0])

			writeAll(t, server,
				srvMsg('E', concat([]byte{'S'}, cstr("ERROR"), []byte{'M'}, cstr("COPY from stdin failed: nope"), []byte{0})...),
				ready('E'),
			)
		}()

		require.NoError(t, s.CopyFail("nope"))
		require.Equal(t, StateReadyForQuery, s.State())
		require.Equal(t, TxError, s.TransactionStatus())
	})

	t.Run("copy data outside CopyIn", func(t *testing.T) {
		s, _ := startReady(t)

		err := s.CopyData([]byte("1\n"))
		require.Error(t, err)
		require.Equal(t, KindState, err.(Err).Kind())
	})
}

func TestCancel(t *testing.T) {
	t.Run("rides a fresh connection", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		got := make(chan []byte, 1)
		go func() {
			conn, err := ln.Accept()
			require.NoError(t, err)
			defer conn.Close()

			buf := make([]byte, 16)
			_, err = io.ReadFull(conn, buf)
			require.NoError(t, err)
			got <- buf
		}()

		s, server := pipeSession(t)
		go func() {
			readStartup(t, server)
			writeAll(t, server,
				authOK(),
				srvMsg('K', 0, 0, 0x04, 0xD2, 0, 0, 0x16, 0x2E),
				ready('I'),
			)
		}()
		require.NoError(t, s.Startup("alice", ""))

		// point the cancel channel at the listener instead of the pipe
		s.network = "tcp"
		s.address = ln.Addr().String()

		stateBefore := s.State()
		paramsBefore := s.Parameters()

		require.NoError(t, s.Cancel())

		select {
		case buf := <-got:
			require.Equal(t, []byte(protocol.CancelRequest(1234, 5678)), buf)
		case <-time.After(2 * time.Second):
			t.Fatal("cancel request never arrived")
		}

		require.Equal(t, stateBefore, s.State())
		require.Equal(t, paramsBefore, s.Parameters())
		require.Zero(t, s.QueuedRows())
	})

	t.Run("requires backend key data", func(t *testing.T) {
		s, _ := pipeSession(t)

		err := s.Cancel()
		require.Error(t, err)
		require.Equal(t, KindState, err.(Err).Kind())
	})
}

func TestTerminate(t *testing.T) {
	s, server := startReady(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		msg := readTyped(t, server)
		require.Equal(t, []byte(protocol.TerminateMessage), msg)
	}()

	require.NoError(t, s.Terminate())
	<-done

	require.Equal(t, StateNotConnected, s.State())
	require.False(t, s.Connected())

	err := s.Query("SELECT 1;")
	require.Error(t, err)
	require.Equal(t, KindState, err.(Err).Kind())
}

// --- backend-side helpers ---

// readStartup reads the untyped startup packet the session sends first.
func readStartup(t *testing.T, conn net.Conn) []byte {
	lenBytes := make([]byte, 4)
	_, err := io.ReadFull(conn, lenBytes)
	require.NoError(t, err)

	length := binary.BigEndian.Uint32(lenBytes)
	msg := make([]byte, length)
	copy(msg, lenBytes)
	_, err = io.ReadFull(conn, msg[4:])
	require.NoError(t, err)
	return msg
}

// readTyped reads one typed frontend message off the wire.
func readTyped(t *testing.T, conn net.Conn) []byte {
	head := make([]byte, 5)
	_, err := io.ReadFull(conn, head)
	require.NoError(t, err)

	length := binary.BigEndian.Uint32(head[1:5])
	msg := make([]byte, 1+length)
	copy(msg, head)
	_, err = io.ReadFull(conn, msg[5:])
	require.NoError(t, err)
	return msg
}

// receiveQuery decodes the next frontend message with the reference backend
// implementation and returns the query text it carried.
func receiveQuery(t *testing.T, conn net.Conn) string {
	backend, err := pgproto3.NewBackend(conn, nil)
	require.NoError(t, err)

	msg, err := backend.Receive()
	require.NoError(t, err)

	q, ok := msg.(*pgproto3.Query)
	require.True(t, ok, "expected a Query message, got %T", msg)
	return q.String
}

func writeAll(t *testing.T, conn net.Conn, msgs ...[]byte) {
	_, err := conn.Write(concat(msgs...))
	require.NoError(t, err)
}

func srvMsg(tag byte, payload ...byte) []byte {
	msg := make([]byte, 5+len(payload))
	msg[0] = tag
	binary.BigEndian.PutUint32(msg[1:5], uint32(4+len(payload)))
	copy(msg[5:], payload)
	return msg
}

func authOK() []byte {
	return srvMsg('R', 0, 0, 0, 0)
}

func ready(status byte) []byte {
	return srvMsg('Z', status)
}

func paramStatus(name, value string) []byte {
	return srvMsg('S', concat(cstr(name), cstr(value))...)
}

func commandComplete(tag string) []byte {
	return srvMsg('C', cstr(tag)...)
}

// rowDescription describes a single int4 text-format column.
func rowDescription(name string) []byte {
	payload := concat(
		[]byte{0, 1},
		cstr(name),
		[]byte{
			0, 0, 0, 0, // table oid
			0, 0, // attribute number
			0, 0, 0, 23, // int4
			0, 4, // size
			0xFF, 0xFF, 0xFF, 0xFF, // modifier
			0, 0, // text format
		},
	)
	return srvMsg('T', payload...)
}

func dataRow(value string) []byte {
	payload := concat(
		[]byte{0, 1},
		[]byte{0, 0, 0, byte(len(value))},
		[]byte(value),
	)
	return srvMsg('D', payload...)
}

func cstr(s string) []byte {
	return append([]byte(s), 0)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
