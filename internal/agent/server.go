//go:build linux

package agent

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
	"github.com/containerd/otelttrpc"
	"github.com/containerd/ttrpc"

	"github.com/spin-stack/hvagent/internal/paths"
)

// NewServer returns a ttrpc server with svc registered. Only peers running
// as the agent's own user may connect.
func NewServer(svc *Service) (*ttrpc.Server, error) {
	server, err := ttrpc.NewServer(
		ttrpc.WithServerHandshaker(ttrpc.UnixSocketRequireSameUser()),
		ttrpc.WithUnaryServerInterceptor(otelttrpc.UnaryServerInterceptor()),
	)
	if err != nil {
		return nil, err
	}
	if err := svc.RegisterTTRPC(server); err != nil {
		return nil, err
	}
	return server, nil
}

// Listen binds the agent socket. A socket left behind by a dead agent is
// replaced; one a live agent still answers on is not.
func Listen(ctx context.Context, path string) (net.Listener, error) {
	if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
		alive := ping(conn, time.Second) == nil
		conn.Close()
		if alive {
			return nil, fmt.Errorf("agent already serving on %s: %w", path, errdefs.ErrAlreadyExists)
		}
	}
	if err := paths.RemoveStaleSocket(path); err != nil {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		l.Close()
		return nil, err
	}
	log.G(ctx).WithField("socket", path).Info("listening for provisioning requests")
	return l, nil
}

// ping writes a frame with stream id 0, which a ttrpc server always
// rejects, and waits for the rejection.
func ping(conn net.Conn, timeout time.Duration) error {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	n, err := conn.Write([]byte{
		0, 0, 0, 0, // length
		0, 0, 0, 0, // stream id
		0, 0, // type, flags
	})
	if err != nil {
		return fmt.Errorf("write ping: %w", err)
	}
	if n != 10 {
		return fmt.Errorf("short ping write: %d bytes", n)
	}

	hdr := make([]byte, 10)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return err
	}
	length := binary.BigEndian.Uint32(hdr[:4])
	if sid := binary.BigEndian.Uint32(hdr[4:8]); sid != 0 {
		return fmt.Errorf("unexpected stream id %d", sid)
	}
	if length == 0 {
		return errors.New("expected an error response")
	}
	_, err = io.Copy(io.Discard, io.LimitReader(conn, int64(length)))
	return err
}
