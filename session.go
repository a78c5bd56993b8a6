package pgclientlib

import (
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/thk686/pgclientlib/protocol"
)

// defaults for the two transport flavours
const (
	DefaultPort       = "5432"
	DefaultSocketDir  = "/private/tmp"
	DefaultSocketName = ".s.PGSQL."
	DefaultHost       = "localhost"
	DefaultService    = "postgresql"
)

// Session represents a single client connection, and handles all of the
// communications with the backend: framing, the reply state machine, and the
// row and notification queues exposed to the caller.
//
// A Session is not safe for concurrent use; callers that share one across
// goroutines must serialize access externally.
//
// see: https://www.postgresql.org/docs/current/protocol.html
// for postgres protocol and startup handshake process
type Session struct {
	conn net.Conn
	t    *protocol.Transport
	log  logrus.FieldLogger

	// endpoint of the current connection, kept for the cancel channel
	network string
	address string

	state    SessionState
	txStatus TransactionStatus
	format   BufferFormat

	// cancellation key data received at startup
	pid    int32
	secret int32

	params        map[string]string
	fields        []protocol.FieldDescription
	rows          [][]byte
	notifications []string
}

// NewSession creates an unconnected session. The embedded logger only emits
// warnings; replace it with SetLogger to watch protocol traffic.
func NewSession() *Session {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return &Session{
		state:  StateNotConnected,
		log:    logger.WithField("session_id", uuid.New()),
		params: map[string]string{},
	}
}

// SetLogger replaces the session logger. Protocol traffic is logged at
// Debug level, one entry per message tag in each direction.
func (s *Session) SetLogger(log logrus.FieldLogger) {
	s.log = log.WithField("session_id", uuid.New())
}

// ConnectLocal connects over a Unix-domain socket. The socket path is
// assembled as path + "/" + prefix + port; empty arguments fall back to the
// postgres defaults. Any previous connection is closed once the new one is
// established; it stays open when the new connection fails.
func (s *Session) ConnectLocal(port, path, prefix string) error {
	if port == "" {
		port = DefaultPort
	}
	if path == "" {
		path = DefaultSocketDir
	}
	if prefix == "" {
		prefix = DefaultSocketName
	}

	ep := path + "/" + prefix + port
	conn, err := net.Dial("unix", ep)
	if err != nil {
		return TransportErr(err, "connecting to %s", ep)
	}
	s.attach(conn, "unix", ep)
	return nil
}

// ConnectTCP connects over TCP. The service argument is resolved as a
// service name or port number, the host to one or more addresses; endpoints
// are tried in order until one accepts. Any previous connection is closed
// once the new one is established; it stays open when the new connection
// fails.
func (s *Session) ConnectTCP(host, service string) error {
	if host == "" {
		host = DefaultHost
	}
	if service == "" {
		service = DefaultService
	}

	port, err := net.LookupPort("tcp", service)
	if err != nil {
		return TransportErr(err, "resolving service %q", service)
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		return TransportErr(err, "resolving host %q", host)
	}

	var conn net.Conn
	var address string
	for _, addr := range addrs {
		address = net.JoinHostPort(addr, strconv.Itoa(port))
		conn, err = net.Dial("tcp", address)
		if err == nil {
			break
		}
	}
	if conn == nil {
		return TransportErr(err, "connecting to %s:%d", host, port)
	}
	s.attach(conn, "tcp", address)
	return nil
}

// Attach hands the session an already-established connection, such as one
// end of a net.Pipe. The endpoint is remembered for the cancel channel when
// network is non-empty.
func (s *Session) Attach(conn net.Conn, network, address string) {
	s.attach(conn, network, address)
}

// attach swaps in a new transport and resets every piece of per-connection
// state: parameters, field map, key data and both queues.
func (s *Session) attach(conn net.Conn, network, address string) {
	if s.conn != nil {
		_ = s.conn.Close()
	}
	s.conn = conn
	s.t = protocol.NewTransport(conn)
	s.network = network
	s.address = address

	s.state = StateNotStarted
	s.txStatus = TxIdle
	s.format = FormatNone
	s.pid = 0
	s.secret = 0
	s.params = map[string]string{}
	s.fields = nil
	s.rows = nil
	s.notifications = nil

	s.log.WithFields(logrus.Fields{"network": network, "address": address}).
		Debug("connected")
}

// Startup initiates the dialog with the backend. It sends the startup packet
// and processes replies until the backend is ready for input. The parameter
// map is cleared first; an empty database name defaults to the user name.
//
// Startup is not idempotent: it requires a freshly-connected session.
func (s *Session) Startup(user, database string) error {
	if s.state != StateNotStarted {
		return StateErr("startup requires a fresh connection, state is %s", s.state)
	}
	s.params = map[string]string{}

	if err := s.send(protocol.StartupMessage(user, database)); err != nil {
		return err
	}
	return s.replyLoop()
}

// Query submits a simple query and processes replies until the backend is
// again ready for input, or until it requests copy-in data. On return the
// session state is ReadyForQuery, or CopyIn when the statement was a
// COPY ... FROM STDIN; in the latter case feed it with CopyData and finish
// with CopyDone or CopyFail.
func (s *Session) Query(sql string) error {
	if s.state != StateReadyForQuery {
		return StateErr("query requires state ReadyForQuery, state is %s", s.state)
	}

	if err := s.send(protocol.SimpleQuery(sql)); err != nil {
		return err
	}
	s.state = StateInQuery
	return s.replyLoop()
}

// CopyData sends a single CopyData frame. Only legal while the session is in
// the CopyIn state.
func (s *Session) CopyData(data []byte) error {
	if s.state != StateCopyIn {
		return StateErr("copy data requires state CopyIn, state is %s", s.state)
	}
	return s.send(protocol.CopyDataMessage(data))
}

// CopyDone ends a copy-in stream and processes replies until the backend is
// again ready for input.
func (s *Session) CopyDone() error {
	if s.state != StateCopyIn {
		return StateErr("copy done requires state CopyIn, state is %s", s.state)
	}
	if err := s.send(protocol.CopyDoneMessage); err != nil {
		return err
	}
	s.state = StateInQuery
	return s.replyLoop()
}

// CopyFail aborts a copy-in stream with the given cause and processes
// replies until the backend is again ready for input. The backend answers
// with an ErrorResponse, which lands in the notification queue.
func (s *Session) CopyFail(reason string) error {
	if s.state != StateCopyIn {
		return StateErr("copy fail requires state CopyIn, state is %s", s.state)
	}
	if err := s.send(protocol.CopyFailMessage(reason)); err != nil {
		return err
	}
	s.state = StateInQuery
	return s.replyLoop()
}

// Sync sends a Sync message.
func (s *Session) Sync() error {
	return s.send(protocol.SyncMessage)
}

// Flush sends a Flush message.
func (s *Session) Flush() error {
	return s.send(protocol.FlushMessage)
}

// Cancel asks the backend to abandon the current query. The request rides a
// fresh connection to the same endpoint, bearing the key data received at
// startup, and is advisory: the backend is free to ignore it. The session
// itself - state, queues, field map - is left untouched.
func (s *Session) Cancel() error {
	if s.pid == 0 && s.secret == 0 {
		return StateErr("no backend key data; cancel requires a started session")
	}

	conn, err := net.Dial(s.network, s.address)
	if err != nil {
		return TransportErr(err, "opening cancel channel to %s", s.address)
	}
	defer conn.Close()

	s.log.WithFields(logrus.Fields{"pid": s.pid}).Debug("sending cancel request")
	if _, err = conn.Write(protocol.CancelRequest(s.pid, s.secret)); err != nil {
		return TransportErr(err, "writing cancel request")
	}
	return nil
}

// Terminate sends the Terminate message and closes the connection. Write
// failures are ignored: the point of terminating is to drop the line.
func (s *Session) Terminate() error {
	if s.conn == nil {
		s.state = StateNotConnected
		return nil
	}
	if s.state != StateNotConnected {
		_ = s.t.Write(protocol.TerminateMessage)
		s.log.Debug("terminated")
	}
	err := s.conn.Close()
	s.conn = nil
	s.t = nil
	s.state = StateNotConnected
	if err != nil {
		return TransportErr(err, "closing connection")
	}
	return nil
}

// Close implements io.Closer as an alias for Terminate, so a session can be
// handed to defer.
func (s *Session) Close() error {
	return s.Terminate()
}

// State returns the current session state.
func (s *Session) State() SessionState { return s.state }

// TransactionStatus returns the status reported by the last ReadyForQuery.
func (s *Session) TransactionStatus() TransactionStatus { return s.txStatus }

// BufferFormat returns the format governing the rows currently queued.
func (s *Session) BufferFormat() BufferFormat { return s.format }

// Connected reports whether the session holds an open transport.
func (s *Session) Connected() bool { return s.state != StateNotConnected }

// Ready reports whether the backend is ready for a new query.
func (s *Session) Ready() bool { return s.state == StateReadyForQuery }

// BackendKey returns the (pid, secret) pair received at startup; both are
// zero before BackendKeyData has arrived on the current connection.
func (s *Session) BackendKey() (pid, secret int32) {
	return s.pid, s.secret
}

// Parameter looks up a single backend-reported session parameter.
func (s *Session) Parameter(name string) (string, bool) {
	v, ok := s.params[name]
	return v, ok
}

// Parameters returns a snapshot of the backend-reported session parameters.
func (s *Session) Parameters() map[string]string {
	out := make(map[string]string, len(s.params))
	for k, v := range s.params {
		out[k] = v
	}
	return out
}

// FieldDescriptors returns a snapshot of the current field map: one
// descriptor per column of the most recent RowDescription, in column order.
func (s *Session) FieldDescriptors() []protocol.FieldDescription {
	out := make([]protocol.FieldDescription, len(s.fields))
	copy(out, s.fields)
	return out
}

func (s *Session) send(m protocol.Message) error {
	if s.t == nil {
		return StateErr("not connected")
	}
	s.log.WithField("tag", tagName(m.Type())).Debug("send")
	if err := s.t.Write(m); err != nil {
		s.state = StateNotConnected
		return TransportErr(err, "writing %s", tagName(m.Type()))
	}
	return nil
}

// replyLoop consumes backend messages in arrival order until the backend
// reports ReadyForQuery or hands control to the caller for copy-in.
func (s *Session) replyLoop() error {
	for {
		msg, err := s.t.Read()
		if err != nil {
			if protocol.IsMalformed(err) {
				return ProtocolErr("%v", err)
			}
			s.state = StateNotConnected
			return TransportErr(err, "reading server reply")
		}
		s.log.WithField("tag", tagName(msg.Type())).Debug("recv")

		if err := s.dispatch(msg); err != nil {
			return err
		}
		if s.state == StateReadyForQuery || s.state == StateCopyIn {
			return nil
		}
	}
}

// dispatch applies a single backend message to the session: state
// transitions, queue updates, parameter and field map maintenance. The
// transport has already consumed the full payload, so even a rejected
// message leaves the stream synchronized.
func (s *Session) dispatch(msg protocol.Message) error {
	switch msg.Type() {
	case protocol.Authentication:
		code, err := msg.AuthenticationCode()
		if err != nil {
			return ProtocolErr("%v", err)
		}
		if code != 0 {
			return AuthErr("authentication scheme %d not supported", code)
		}

	case protocol.ParameterStatus:
		name, value, err := msg.ParameterValue()
		if err != nil {
			return ProtocolErr("%v", err)
		}
		s.params[name] = value

	case protocol.BackendKeyData:
		pid, secret, err := msg.KeyData()
		if err != nil {
			return ProtocolErr("%v", err)
		}
		s.pid, s.secret = pid, secret

	case protocol.ReadyForQuery:
		status, err := msg.TransactionStatus()
		if err != nil {
			return ProtocolErr("%v", err)
		}
		switch status {
		case 'I':
			s.txStatus = TxIdle
		case 'T':
			s.txStatus = TxActive
		case 'E':
			s.txStatus = TxError
		}
		s.state = StateReadyForQuery

	case protocol.RowDescription:
		fields, err := msg.RowFields()
		if err != nil {
			return ProtocolErr("%v", err)
		}
		s.fields = fields
		s.format = FormatQuery
		s.rows = nil

	case protocol.DataRow:
		s.rows = append(s.rows, msg.Payload())

	case protocol.CommandComplete:
		tag, err := msg.CommandTag()
		if err != nil {
			return ProtocolErr("%v", err)
		}
		s.notifications = append(s.notifications, tag)
		s.state = StateComplete

	case protocol.EmptyQueryResponse:
		s.notifications = append(s.notifications, "[Empty request]")

	case protocol.ErrorResponse, protocol.NoticeResponse, protocol.NotificationResponse:
		text, err := msg.NoticeText()
		if err != nil {
			return ProtocolErr("%v", err)
		}
		s.notifications = append(s.notifications, text)

	case protocol.CopyInResponse:
		format, err := msg.CopyFormat()
		if err != nil {
			return ProtocolErr("%v", err)
		}
		s.format = copyFormat(format)
		s.state = StateCopyIn

	case protocol.CopyOutResponse:
		format, err := msg.CopyFormat()
		if err != nil {
			return ProtocolErr("%v", err)
		}
		s.format = copyFormat(format)
		s.rows = nil
		s.state = StateCopyOut

	case protocol.CopyData:
		s.rows = append(s.rows, msg.Payload())

	case protocol.CopyDone:
		s.state = StateCopyDone

	default:
		return ProtocolErr("cannot handle server response %q", msg.Type())
	}
	return nil
}

func copyFormat(b byte) BufferFormat {
	if b != 0 {
		return FormatCopyBinary
	}
	return FormatCopyText
}

// tagName spells a message tag for logging without mangling non-printable
// bytes.
func tagName(t byte) string {
	if t >= ' ' && t <= '~' {
		return string(t)
	}
	return strconv.Itoa(int(t))
}
