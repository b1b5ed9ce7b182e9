package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/freehandle/ledger/wire"
)

const (
	writeWait      = 10 * time.Second
	maxClientFrame = 4 << 10
)

// Server upgrades HTTP requests to websocket push sessions. Every binary
// message is one envelope: clients send MsgPushSubscribe and
// MsgPushUnsubscribe with a Filter payload and receive MsgPush events or a
// MsgPushError with the reason a request was refused.
type Server struct {
	hub      *Hub
	pool     *wire.Pool
	upgrader websocket.Upgrader
	logger   *zap.Logger
	wg       sync.WaitGroup
}

func NewServer(hub *Hub, pool *wire.Pool, logger *zap.Logger) *Server {
	if pool == nil {
		pool = wire.Default
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub:  hub,
		pool: pool,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	session := &session{
		ws:         ws,
		pool:       s.pool,
		subscriber: s.hub.Subscribe(),
		logger:     s.logger.With(zap.String("remote", r.RemoteAddr)),
	}
	session.logger.Debug("push subscriber connected", zap.Stringer("subscriber", session.subscriber.ID))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		session.run()
	}()
}

// Wait returns once every session has ended.
func (s *Server) Wait() {
	s.wg.Wait()
}

type session struct {
	ws         *websocket.Conn
	pool       *wire.Pool
	subscriber *Subscriber
	logger     *zap.Logger
	wmu        sync.Mutex
}

func (s *session) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.read(cancel)
	defer func() {
		s.subscriber.Close()
		s.ws.Close()
	}()
	for {
		event, ok := s.subscriber.Next(ctx)
		if !ok {
			if ctx.Err() == nil {
				s.logger.Info("push subscriber closed", zap.Stringer("subscriber", s.subscriber.ID))
			}
			return
		}
		if err := s.write(wire.MsgPush, event.Encode); err != nil {
			s.logger.Debug("push write failed", zap.Error(err))
			return
		}
	}
}

func (s *session) read(cancel context.CancelFunc) {
	defer cancel()
	s.ws.SetReadLimit(maxClientFrame)
	for {
		kind, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			s.refuse("expected binary envelope")
			continue
		}
		envelope, err := wire.ParseEnvelope(data)
		if err != nil {
			s.refuse(err.Error())
			continue
		}
		filter, err := ParseFilter(envelope.Payload)
		if err != nil {
			s.refuse(err.Error())
			continue
		}
		switch envelope.Kind {
		case wire.MsgPushSubscribe:
			s.subscriber.AddFilter(filter)
		case wire.MsgPushUnsubscribe:
			s.subscriber.RemoveFilter(filter)
		default:
			s.refuse("unexpected message kind")
		}
	}
}

func (s *session) refuse(reason string) {
	err := s.write(wire.MsgPushError, func(w *wire.Writer) error {
		w.PutString(reason)
		return nil
	})
	if err != nil {
		s.logger.Debug("push error write failed", zap.Error(err))
	}
}

func (s *session) write(kind byte, fn func(*wire.Writer) error) error {
	data, err := s.pool.EncodeEnvelope(kind, fn)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.BinaryMessage, data)
}
