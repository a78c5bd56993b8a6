package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// maxMessageLen bounds the length header of an incoming message. Anything
// larger means the stream is desynchronized rather than a legitimate reply.
const maxMessageLen = 1 << 30

// ErrMalformed marks framing violations: a length header that cannot
// describe a real message. Distinct from plain I/O errors so callers can
// classify the failure.
var ErrMalformed = errors.New("malformed message")

// IsMalformed reports whether err is a framing violation rather than an I/O
// failure.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformed)
}

// NewTransport creates a Transport speaking the frontend side of the
// protocol over rw
func NewTransport(rw io.ReadWriter) *Transport {
	return &Transport{
		w: rw,
		r: newReader(rw),
	}
}

// Transport manages the underlying wire protocol between backend and frontend.
type Transport struct {
	w io.Writer
	r *reader
}

// Write writes the provided message to the backend connection
func (t *Transport) Write(m Message) error {
	_, err := t.w.Write(m)
	return err
}

// Read reads and returns a single typed backend message from the connection.
// Every message the backend sends after the startup packet is typed, so
// unlike the frontend side there is no untyped variant to consider.
func (t *Transport) Read() (Message, error) {
	return t.r.readTypedMessage()
}

func newReader(r io.Reader) *reader {
	return &reader{r: r}
}

type reader struct {
	r io.Reader
}

func (r *reader) readTypedMessage() (Message, error) {
	msgType := Message(make([]byte, 1))
	_, err := io.ReadFull(r.r, msgType)
	if err != nil {
		return nil, err
	}

	body, err := r.readRawMessage()
	if err != nil {
		return nil, err
	}
	return append(msgType, body...), nil
}

// readRawMessage reads an un-typed message from the connection. The message
// is comprised of an Int32 body-length (N), inclusive of the length itself,
// followed by N-4 bytes of the actual body.
func (r *reader) readRawMessage() ([]byte, error) {
	// messages starts with an Int32 Length of message contents in bytes,
	// including self.
	lenBytes := make([]byte, 4)
	_, err := io.ReadFull(r.r, lenBytes)
	if err != nil {
		return nil, err
	}

	// convert the 4-bytes to int
	length := int(int32(binary.BigEndian.Uint32(lenBytes)))
	if length < 4 || length > maxMessageLen {
		return nil, fmt.Errorf("%w: length %d", ErrMalformed, length)
	}

	// read the remaining bytes in the message
	msg := make([]byte, length)
	_, err = io.ReadFull(r.r, msg[4:]) // keep 4 bytes for the length
	if err != nil {
		return nil, err
	}

	// append the message content to the length bytes in order to rebuild the
	// original message in its entirety
	copy(msg[:4], lenBytes)
	return msg, nil
}
