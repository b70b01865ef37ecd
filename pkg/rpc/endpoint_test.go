package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chromakey/chromakey/pkg/wire"
)

// fakeWorker is the far side of an endpoint: it records inbound frames and
// lets tests script outbound ones.
type fakeWorker struct {
	enc *wire.Encoder
	dec *wire.Decoder

	mu       sync.Mutex
	requests []Message
}

func newEndpointPair(t *testing.T, opts ...EndpointOption) (*Endpoint, *fakeWorker) {
	t.Helper()

	toClient, fromWorker := io.Pipe()
	toWorker, fromClient := io.Pipe()
	t.Cleanup(func() {
		_ = toClient.Close()
		_ = toWorker.Close()
	})

	e := NewEndpoint(toClient, fromClient, opts...)
	e.Start()

	w := &fakeWorker{
		enc: wire.NewEncoder(fromWorker),
		dec: wire.NewDecoder(toWorker),
	}
	go func() {
		for {
			frame, err := w.dec.Next()
			if err != nil {
				return
			}
			var msg Message
			if json.Unmarshal(frame, &msg) == nil {
				w.mu.Lock()
				w.requests = append(w.requests, msg)
				w.mu.Unlock()
			}
		}
	}()
	return e, w
}

func (w *fakeWorker) ready(t *testing.T) {
	t.Helper()
	require.NoError(t, w.enc.Encode(newNotification(MethodReady, nil)))
}

func (w *fakeWorker) respond(t *testing.T, id int64, result string) {
	t.Helper()
	require.NoError(t, w.enc.Encode(newResult(id, json.RawMessage(result))))
}

func (w *fakeWorker) notify(t *testing.T, method, params string) {
	t.Helper()
	require.NoError(t, w.enc.Encode(newNotification(method, json.RawMessage(params))))
}

func (w *fakeWorker) waitRequest(t *testing.T, method string) Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		for _, m := range w.requests {
			if m.Method == method {
				w.mu.Unlock()
				return m
			}
		}
		w.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no request for method %s arrived", method)
	return Message{}
}

func TestCallResolvesOnMatchingResponse(t *testing.T) {
	e, w := newEndpointPair(t)
	w.ready(t)

	done := make(chan struct{})
	var result json.RawMessage
	var callErr error
	go func() {
		defer close(done)
		result, callErr = e.Call(context.Background(), "getStatus", nil, time.Second)
	}()

	req := w.waitRequest(t, "getStatus")
	require.NotNil(t, req.ID)
	w.respond(t, *req.ID, `{"running":true}`)

	<-done
	require.NoError(t, callErr)
	assert.JSONEq(t, `{"running":true}`, string(result))
	assert.Equal(t, StateReady, e.State())
}

func TestUnknownResponseIsDroppedWithoutDisturbingPendingCalls(t *testing.T) {
	e, w := newEndpointPair(t)
	w.ready(t)

	done := make(chan error, 1)
	go func() {
		_, err := e.Call(context.Background(), "getResults", nil, time.Second)
		done <- err
	}()

	req := w.waitRequest(t, "getResults")

	// A response for an id nobody is waiting on must vanish silently.
	w.respond(t, *req.ID+1000, `"stray"`)
	time.Sleep(20 * time.Millisecond)

	w.respond(t, *req.ID, `"real"`)
	assert.NoError(t, <-done)
}

func TestIndependentDeadlines(t *testing.T) {
	e, w := newEndpointPair(t)
	w.ready(t)

	slowErr := make(chan error, 1)
	go func() {
		_, err := e.Call(context.Background(), "slow", nil, 50*time.Millisecond)
		slowErr <- err
	}()
	okDone := make(chan error, 1)
	go func() {
		_, err := e.Call(context.Background(), "ok", nil, 2*time.Second)
		okDone <- err
	}()

	okReq := w.waitRequest(t, "ok")
	_ = w.waitRequest(t, "slow")

	// Let the slow call expire, then answer the other one.
	assert.ErrorIs(t, <-slowErr, ErrTimeout)
	w.respond(t, *okReq.ID, `true`)
	assert.NoError(t, <-okDone)
}

func TestLateResponseForExpiredIDIsDropped(t *testing.T) {
	e, w := newEndpointPair(t)
	w.ready(t)

	_, err := e.Call(context.Background(), "slow", nil, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)

	req := w.waitRequest(t, "slow")
	w.respond(t, *req.ID, `"too late"`)
	time.Sleep(20 * time.Millisecond)

	// The endpoint still works afterwards.
	done := make(chan error, 1)
	go func() {
		_, err := e.Call(context.Background(), "after", nil, time.Second)
		done <- err
	}()
	after := w.waitRequest(t, "after")
	w.respond(t, *after.ID, `1`)
	assert.NoError(t, <-done)
}

func TestCallBeforeReadyBlocksAndWritesNothing(t *testing.T) {
	var out lockedBuffer
	in, _ := io.Pipe()
	e := NewEndpoint(in, &out, WithReadyWait(80*time.Millisecond))
	e.Start()
	t.Cleanup(func() { _ = in.Close() })

	_, err := e.Call(context.Background(), "run", nil, time.Second)
	assert.ErrorIs(t, err, ErrNotReady)

	// The worker never became ready, so no request bytes were written.
	assert.Zero(t, out.Len())
}

func TestCallIssuedBeforeReadyIsWrittenAfterReady(t *testing.T) {
	e, w := newEndpointPair(t, WithReadyWait(2*time.Second))

	done := make(chan error, 1)
	go func() {
		_, err := e.Call(context.Background(), "run", nil, time.Second)
		done <- err
	}()

	// Before readiness the request must not have been sent.
	time.Sleep(50 * time.Millisecond)
	w.mu.Lock()
	assert.Empty(t, w.requests)
	w.mu.Unlock()

	w.ready(t)
	req := w.waitRequest(t, "run")
	w.respond(t, *req.ID, `"ok"`)
	assert.NoError(t, <-done)
}

func TestTerminateRejectsAllPendingCalls(t *testing.T) {
	e, w := newEndpointPair(t)
	w.ready(t)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := e.Call(context.Background(), "hang", nil, 5*time.Second)
			errs <- err
		}()
	}
	_ = w.waitRequest(t, "hang")

	e.Terminate(nil)
	assert.ErrorIs(t, <-errs, ErrProcessTerminated)
	assert.ErrorIs(t, <-errs, ErrProcessTerminated)
	assert.Equal(t, StateStopped, e.State())

	// New calls fail fast once stopped.
	_, err := e.Call(context.Background(), "more", nil, time.Second)
	assert.ErrorIs(t, err, ErrProcessTerminated)
}

func TestMonotonicIDs(t *testing.T) {
	e, w := newEndpointPair(t)
	w.ready(t)

	var ids []int64
	for i := 0; i < 3; i++ {
		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = e.Call(context.Background(), "ping", nil, time.Second)
		}()
		req := w.waitRequest(t, "ping")
		ids = append(ids, *req.ID)
		w.respond(t, *req.ID, `null`)
		<-done
		w.mu.Lock()
		w.requests = nil
		w.mu.Unlock()
	}

	assert.Less(t, ids[0], ids[1])
	assert.Less(t, ids[1], ids[2])
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	e, w := newEndpointPair(t)
	w.ready(t)

	progress, cancel := e.Subscribe("progress")

	w.notify(t, "progress", `{"completed":1}`)
	select {
	case params := <-progress:
		assert.JSONEq(t, `{"completed":1}`, string(params))
	case <-time.After(time.Second):
		t.Fatal("no progress notification received")
	}

	// Unmatched methods are ignored, not errored.
	w.notify(t, "unheard-of", `{}`)

	cancel()
	cancel() // second cancel is harmless
	w.notify(t, "progress", `{"completed":2}`)
	time.Sleep(30 * time.Millisecond)
	select {
	case <-progress:
		t.Fatal("received notification after unsubscribe")
	default:
	}
}

func TestReadyTransitionsExactlyOnce(t *testing.T) {
	e, w := newEndpointPair(t)

	w.ready(t)
	w.ready(t) // duplicate ready frames must be harmless
	require.NoError(t, e.WaitReady(context.Background()))
	assert.Equal(t, StateReady, e.State())
}

func TestMalformedFrameIsNonFatal(t *testing.T) {
	toClient, fromWorker := io.Pipe()
	_, fromClient := io.Pipe()
	e := NewEndpoint(toClient, fromClient)
	e.Start()
	t.Cleanup(func() { _ = toClient.Close() })

	go func() {
		_, _ = fromWorker.Write([]byte("this is not json\n"))
		enc := wire.NewEncoder(fromWorker)
		_ = enc.Encode(newNotification(MethodReady, nil))
	}()

	ctx, cancelCtx := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelCtx()
	assert.NoError(t, e.WaitReady(ctx))
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Len()
}
