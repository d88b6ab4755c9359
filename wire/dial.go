package wire

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

// DialTimeout bounds how long Dial waits for the TCP handshake.
const DialTimeout = 10 * time.Second

// Dial opens a plain TCP connection to addr and wraps it as a Conn. This is
// the real-transport counterpart to NewPipe: a deliberately thin stand-in
// for BLIP's actual WebSocket/HTTP-upgrade framing, since the wire codec
// itself is an out-of-scope collaborator here — only its request/response
// contract is implemented.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	dialer := &net.Dialer{Timeout: DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "dialing replication peer")
	}
	return NewConn(conn), nil
}
