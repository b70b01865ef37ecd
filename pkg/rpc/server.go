package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/chromakey/chromakey/pkg/wire"
)

// Handler serves one request method. The returned value is marshaled into
// the response result; a returned error becomes a response error with the
// generic handler-failure code.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// NotifyHandler serves one inbound notification method. Notifications
// require no reply.
type NotifyHandler func(ctx context.Context, params json.RawMessage)

// Server is the worker half of the protocol. It reads request and
// notification frames from r (typically stdin), dispatches them to
// registered handlers, and writes responses and outbound notifications to
// w (typically stdout).
type Server struct {
	enc    *wire.Encoder
	dec    *wire.Decoder
	logger *zap.Logger

	mu             sync.Mutex
	handlers       map[string]Handler
	notifyHandlers map[string]NotifyHandler

	wg sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger attaches a logger for protocol diagnostics.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a server endpoint over the given streams.
func NewServer(r io.Reader, w io.Writer, opts ...ServerOption) *Server {
	s := &Server{
		logger:         zap.NewNop(),
		handlers:       make(map[string]Handler),
		notifyHandlers: make(map[string]NotifyHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.enc = wire.NewEncoder(w, wire.WithLogger(s.logger))
	s.dec = wire.NewDecoder(r, wire.WithLogger(s.logger))
	return s
}

// Handle registers the handler for a request method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// HandleNotify registers the handler for an inbound notification method.
// Notifications for unregistered methods are ignored, not errored. Handlers
// run on their own goroutine, so ordering across notifications is not
// guaranteed; Serve waits for them before returning.
func (s *Server) HandleNotify(method string, h NotifyHandler) {
	s.mu.Lock()
	s.notifyHandlers[method] = h
	s.mu.Unlock()
}

// Ready emits the reserved ready notification. Call it once startup work
// (manifest load, engine warmup) is complete; the host blocks its first
// request on it.
func (s *Server) Ready() error {
	return s.enc.Encode(newNotification(MethodReady, nil))
}

// Notify emits an outbound notification, e.g. progress or result events.
func (s *Server) Notify(method string, params any) error {
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return s.enc.Encode(newNotification(method, raw))
}

// Serve reads and dispatches frames until the stream ends or ctx is
// cancelled. Each request is handled on its own goroutine so a slow handler
// (a full run) never blocks cancel or status requests. Serve waits for
// in-flight handlers before returning.
//
// Between frames Serve blocks in a stream read, where context cancellation
// cannot reach it; a host that wants the server gone closes the stream and
// Serve returns nil on the resulting EOF. The Supervisor's Stop does
// exactly that with the worker's stdin.
func (s *Server) Serve(ctx context.Context) error {
	defer s.wg.Wait()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		frame, err := s.dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		s.dispatch(ctx, frame)
	}
}

func (s *Server) dispatch(ctx context.Context, frame json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		s.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	switch {
	case msg.IsRequest():
		s.mu.Lock()
		h, ok := s.handlers[msg.Method]
		s.mu.Unlock()
		if !ok {
			s.reply(newError(*msg.ID, CodeMethodNotFound, "method not found: "+msg.Method))
			return
		}
		id := *msg.ID
		params := msg.Params
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveRequest(ctx, id, msg.Method, h, params)
		}()

	case msg.IsNotification():
		s.mu.Lock()
		h, ok := s.notifyHandlers[msg.Method]
		s.mu.Unlock()
		if !ok {
			s.logger.Debug("ignoring notification with no handler", zap.String("method", msg.Method))
			return
		}
		// Same treatment as requests: a slow notification handler must
		// not stall the read loop that dispatches cancel and status.
		params := msg.Params
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			h(ctx, params)
		}()

	default:
		s.logger.Warn("dropping unexpected frame", zap.String("method", msg.Method))
	}
}

func (s *Server) serveRequest(ctx context.Context, id int64, method string, h Handler, params json.RawMessage) {
	result, err := h(ctx, params)
	if err != nil {
		s.reply(newError(id, CodeHandlerFailure, err.Error()))
		return
	}

	raw, err := marshalParams(result)
	if err != nil {
		s.logger.Error("failed to marshal handler result",
			zap.String("method", method),
			zap.Error(err))
		s.reply(newError(id, CodeHandlerFailure, "failed to encode result"))
		return
	}
	s.reply(newResult(id, raw))
}

func (s *Server) reply(msg Message) {
	if err := s.enc.Encode(msg); err != nil {
		s.logger.Warn("failed to write response", zap.Error(err))
	}
}
