package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chromakey/chromakey/pkg/wire"
)

// State is the lifecycle state of a client endpoint.
type State int32

const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	StateStopping
	StateStopped
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Default deadlines. Call deadlines are per request; the ready wait is a
// separate process-level window covering worker startup.
const (
	DefaultCallTimeout = 30 * time.Second
	DefaultReadyWait   = 60 * time.Second
)

const subscriptionBuffer = 16

type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall tracks one in-flight request. It is settled exactly once: by
// a matching response, by deadline expiry, or by endpoint termination.
type pendingCall struct {
	ch chan callResult
}

type subscription struct {
	ch chan json.RawMessage
}

// Endpoint is the client half of the protocol: it assigns monotonically
// increasing ids, correlates responses to pending calls, and forwards
// notifications to subscribers.
//
// An Endpoint reads worker output from r and writes worker input to w,
// which are typically the stdout and stdin pipes owned by a Supervisor.
type Endpoint struct {
	enc    *wire.Encoder
	dec    *wire.Decoder
	logger *zap.Logger

	readyWait time.Duration

	mu      sync.Mutex
	pending map[int64]*pendingCall
	subs    map[string]map[int64]subscription
	nextSub int64

	nextID atomic.Int64
	state  atomic.Int32

	ready     chan struct{}
	readyOnce sync.Once

	done     chan struct{}
	stopOnce sync.Once
	termErr  error
}

// EndpointOption configures an Endpoint.
type EndpointOption func(*Endpoint)

// WithReadyWait overrides the bounded window a call blocks waiting for the
// worker's ready notification.
func WithReadyWait(d time.Duration) EndpointOption {
	return func(e *Endpoint) {
		if d > 0 {
			e.readyWait = d
		}
	}
}

// WithEndpointLogger attaches a logger for protocol diagnostics.
func WithEndpointLogger(l *zap.Logger) EndpointOption {
	return func(e *Endpoint) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEndpoint creates a client endpoint over the given streams. Call Start
// to begin dispatching inbound frames.
func NewEndpoint(r io.Reader, w io.Writer, opts ...EndpointOption) *Endpoint {
	e := &Endpoint{
		logger:    zap.NewNop(),
		readyWait: DefaultReadyWait,
		pending:   make(map[int64]*pendingCall),
		subs:      make(map[string]map[int64]subscription),
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.enc = wire.NewEncoder(w, wire.WithLogger(e.logger))
	e.dec = wire.NewDecoder(r, wire.WithLogger(e.logger))
	return e
}

// Start begins reading inbound frames. The endpoint moves to Starting and
// stays there until the worker's ready notification arrives.
func (e *Endpoint) Start() {
	if !e.state.CompareAndSwap(int32(StateNotStarted), int32(StateStarting)) {
		return
	}
	go e.readLoop()
}

// State returns the current lifecycle state.
func (e *Endpoint) State() State {
	return State(e.state.Load())
}

// WaitReady blocks until the worker signals readiness, the wait window
// elapses, the context is cancelled, or the endpoint terminates.
func (e *Endpoint) WaitReady(ctx context.Context) error {
	timer := time.NewTimer(e.readyWait)
	defer timer.Stop()

	select {
	case <-e.ready:
		return nil
	case <-e.done:
		return e.terminationError()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrNotReady
	}
}

// Call sends a request and blocks until a matching response arrives or the
// deadline elapses. A timeout fails only this call; a late response for the
// expired id is dropped silently. A call issued before readiness blocks,
// bounded by the ready wait window, and writes nothing until readiness is
// observed.
func (e *Endpoint) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if e.State() >= StateStopping {
		return nil, e.terminationError()
	}
	if err := e.WaitReady(ctx); err != nil {
		return nil, err
	}

	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	id := e.nextID.Add(1)
	pc := &pendingCall{ch: make(chan callResult, 1)}

	e.mu.Lock()
	e.pending[id] = pc
	e.mu.Unlock()

	if err := e.enc.Encode(newRequest(id, method, raw)); err != nil {
		e.remove(id)
		return nil, err
	}

	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pc.ch:
		return res.result, res.err
	case <-timer.C:
		// Expiry removes only this entry; other pending calls are
		// unaffected.
		e.remove(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		e.remove(id)
		return nil, ctx.Err()
	case <-e.done:
		return nil, e.terminationError()
	}
}

// Notify sends a fire-and-forget notification with no correlation id.
func (e *Endpoint) Notify(method string, params any) error {
	if e.State() >= StateStopping {
		return e.terminationError()
	}
	raw, err := marshalParams(params)
	if err != nil {
		return err
	}
	return e.enc.Encode(newNotification(method, raw))
}

// Subscribe registers a listener for a notification method. The returned
// cancel function removes exactly this subscription; calling it twice is
// harmless. Notifications for methods with no subscribers are ignored.
func (e *Endpoint) Subscribe(method string) (<-chan json.RawMessage, func()) {
	ch := make(chan json.RawMessage, subscriptionBuffer)

	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	if e.subs[method] == nil {
		e.subs[method] = make(map[int64]subscription)
	}
	e.subs[method][id] = subscription{ch: ch}
	e.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			e.mu.Lock()
			if m := e.subs[method]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(e.subs, method)
				}
			}
			e.mu.Unlock()
		})
	}
	return ch, cancel
}

// BeginStop marks the endpoint as stopping. New calls fail immediately;
// in-flight reads continue until Terminate.
func (e *Endpoint) BeginStop() {
	for {
		cur := e.state.Load()
		if cur >= int32(StateStopping) {
			return
		}
		if e.state.CompareAndSwap(cur, int32(StateStopping)) {
			return
		}
	}
}

// Terminate moves the endpoint to Stopped and rejects every still-pending
// call with cause (ErrProcessTerminated when cause is nil). Safe to call
// more than once.
func (e *Endpoint) Terminate(cause error) {
	e.stopOnce.Do(func() {
		if cause == nil {
			cause = ErrProcessTerminated
		}
		e.termErr = cause
		e.state.Store(int32(StateStopped))
		close(e.done)

		e.mu.Lock()
		pending := e.pending
		e.pending = make(map[int64]*pendingCall)
		e.mu.Unlock()

		for _, pc := range pending {
			pc.ch <- callResult{err: cause}
		}
	})
}

func (e *Endpoint) terminationError() error {
	select {
	case <-e.done:
		if e.termErr != nil {
			return e.termErr
		}
		return ErrProcessTerminated
	default:
		return ErrEndpointClosed
	}
}

func (e *Endpoint) remove(id int64) {
	e.mu.Lock()
	delete(e.pending, id)
	e.mu.Unlock()
}

// settle resolves the pending call for id at most once. Responses for
// unknown or already-expired ids are dropped without affecting other calls.
func (e *Endpoint) settle(id int64, res callResult) {
	e.mu.Lock()
	pc, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.mu.Unlock()

	if !ok {
		e.logger.Debug("dropping response for unknown or expired id", zap.Int64("id", id))
		return
	}
	pc.ch <- res
}

func (e *Endpoint) markReady() {
	e.readyOnce.Do(func() {
		e.state.CompareAndSwap(int32(StateStarting), int32(StateReady))
		close(e.ready)
	})
}

func (e *Endpoint) readLoop() {
	for {
		frame, err := e.dec.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.logger.Debug("endpoint read failed", zap.Error(err))
			}
			e.Terminate(ErrProcessTerminated)
			return
		}
		e.dispatch(frame)
	}
}

func (e *Endpoint) dispatch(frame json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		// Framing already validated JSON syntax; a shape mismatch is
		// still non-fatal.
		e.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	switch {
	case msg.IsResponse():
		res := callResult{result: msg.Result}
		if msg.Error != nil {
			res.err = msg.Error
		}
		e.settle(*msg.ID, res)

	case msg.IsNotification():
		if msg.Method == MethodReady {
			e.markReady()
			return
		}
		e.fanout(msg.Method, msg.Params)

	case msg.IsRequest():
		// The client half serves no methods.
		_ = e.enc.Encode(newError(*msg.ID, CodeMethodNotFound, "method not found: "+msg.Method))

	default:
		e.logger.Warn("dropping frame with no id and no method")
	}
}

func (e *Endpoint) fanout(method string, params json.RawMessage) {
	e.mu.Lock()
	subs := make([]subscription, 0, len(e.subs[method]))
	for _, s := range e.subs[method] {
		subs = append(subs, s)
	}
	e.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- params:
		default:
			e.logger.Warn("subscriber lagging, dropping notification", zap.String("method", method))
		}
	}
}
