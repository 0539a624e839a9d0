package plcconn

import (
	"errors"
	"io"
	"net"
	"syscall"
)

var (
	// ErrConnConfigNil indicates that a nil ConnectionConfig was provided.
	ErrConnConfigNil = errors.New("connection config is nil")

	// ErrRuntimeOption indicates an option that can't be changed while the connection exists.
	ErrRuntimeOption = errors.New("option can't be changed at runtime")
)

var (
	// ErrTransport indicates a socket failure or timeout. It always leads to a reconnect.
	ErrTransport = errors.New("transport error")

	// ErrNotStreaming indicates that a telegram was sent while the connection is not streaming.
	ErrNotStreaming = errors.New("connection is not streaming")

	// ErrConnClosed indicates that the connection is closed.
	ErrConnClosed = errors.New("connection closed")
)

var (
	// ErrHandshake indicates that the PLC did not follow the CONNECTED/READY/ACK sequence.
	ErrHandshake = errors.New("handshake failed")

	errHandlerPanic = errors.New("telegram handler panicked")
)

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
