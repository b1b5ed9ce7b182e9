package socket

import (
	"context"
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"
)

// Listener accepts peer connections and promotes them to signed connections.
type Listener struct {
	listener  net.Listener
	local     Identity
	validator Validator
	opts      Options
	logger    *zap.Logger
	wg        sync.WaitGroup
}

func Listen(address string, local Identity, validator Validator, opts Options, logger *zap.Logger) (*Listener, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		listener:  listener,
		local:     local,
		validator: validator,
		opts:      opts.withDefaults(),
		logger:    logger,
	}, nil
}

func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Serve accepts connections until ctx is done or the listener is closed.
// Each handshake runs on its own goroutine and successful connections are
// handed to handle.
func (l *Listener) Serve(ctx context.Context, handle func(*SignedConnection)) error {
	go func() {
		<-ctx.Done()
		l.listener.Close()
	}()
	defer l.wg.Wait()
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			signed, err := PromoteConnection(conn, l.local, l.validator, l.opts)
			if err != nil {
				conn.Close()
				fields := []zap.Field{zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err)}
				if errors.Is(err, ErrAuthentication) {
					l.logger.Error("peer failed authentication", fields...)
				} else {
					l.logger.Warn("handshake failed", fields...)
				}
				return
			}
			l.logger.Info("peer connected", zap.Uint32("server", signed.Server), zap.Stringer("remote", conn.RemoteAddr()))
			handle(signed)
		}()
	}
}

func (l *Listener) Close() error {
	return l.listener.Close()
}
