package dpt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"
)

// MaxFrameSize bounds a single response. Screenshots of the largest known
// panels are a few megabytes.
const MaxFrameSize = 32 << 20

const (
	DefaultDialTimeout = 2 * time.Second
	DefaultReadTimeout = 5 * time.Second
)

// ContextDialer is satisfied by *net.Dialer.
type ContextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type FetchOptions struct {
	DialTimeout time.Duration
	// ReadTimeout bounds the whole read, not each Read call.
	ReadTimeout time.Duration
	Dialer      ContextDialer
}

func (o FetchOptions) withDefaults() FetchOptions {
	if o.DialTimeout <= 0 {
		o.DialTimeout = DefaultDialTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.Dialer == nil {
		o.Dialer = &net.Dialer{}
	}
	return o
}

// Fetch connects to the device and reads one screenshot response. The device
// starts streaming as soon as the connection is accepted, so nothing is
// written. An empty response is returned as an empty RawFrame.
func Fetch(ctx context.Context, endpoint DeviceEndpoint, opts FetchOptions) (RawFrame, error) {
	opts = opts.withDefaults()

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	conn, err := opts.Dialer.DialContext(dialCtx, "tcp", endpoint.String())
	cancel()
	if err != nil {
		return nil, &ConnectionError{Endpoint: endpoint, Err: err}
	}
	defer conn.Close()

	// Unblock the read if the caller gives up.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout)); err != nil {
		return nil, &ConnectionError{Endpoint: endpoint, Err: err}
	}

	data, err := io.ReadAll(io.LimitReader(conn, MaxFrameSize+1))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &ConnectionError{Endpoint: endpoint, Err: ctxErr}
		}
		// Some firmware resets instead of closing once the image is sent.
		if len(data) > 0 && isResetAfterData(err) {
			return data, nil
		}
		return nil, &ConnectionError{Endpoint: endpoint, Err: err}
	}
	if len(data) > MaxFrameSize {
		return nil, &ConnectionError{Endpoint: endpoint, Err: fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, MaxFrameSize)}
	}
	return data, nil
}

func isResetAfterData(err error) bool {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.ECONNRESET || errno == syscall.EPIPE
	}
	return false
}
