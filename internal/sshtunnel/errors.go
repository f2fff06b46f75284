package sshtunnel

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/go-sql-driver/mysql"
)

var (
	// ErrTransportConnection wraps failures to establish the SSH session.
	ErrTransportConnection = errors.New("ssh connection error")

	// ErrTunnelForwarding wraps failures to forward the database port over
	// an established session.
	ErrTunnelForwarding = errors.New("ssh tunnel error")

	// ErrDatabaseConnection wraps failures to reach the database through a
	// working tunnel.
	ErrDatabaseConnection = errors.New("database connection error")

	// ErrReleased is returned to acquisitions that were in flight when
	// Release was called.
	ErrReleased = errors.New("connection provider released")
)

// IsConnectionLost reports whether err means the path to the database is
// gone rather than that a single statement failed.
func IsConnectionLost(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE)
}
