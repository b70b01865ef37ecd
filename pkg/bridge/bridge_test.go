package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chromakey/chromakey/pkg/rpc"
	"github.com/chromakey/chromakey/pkg/runmanifest"
	"github.com/chromakey/chromakey/pkg/supervisor"
)

// fakeEndpoint scripts responses per method and records calls.
type fakeEndpoint struct {
	responses map[string]json.RawMessage
	errs      map[string]error
	calls     []string
	params    map[string]any
	state     rpc.State

	subCh     chan json.RawMessage
	cancelled bool
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{
		responses: make(map[string]json.RawMessage),
		errs:      make(map[string]error),
		params:    make(map[string]any),
		state:     rpc.StateReady,
		subCh:     make(chan json.RawMessage, 4),
	}
}

func (f *fakeEndpoint) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	f.calls = append(f.calls, method)
	f.params[method] = params
	if err := f.errs[method]; err != nil {
		return nil, err
	}
	return f.responses[method], nil
}

func (f *fakeEndpoint) Subscribe(method string) (<-chan json.RawMessage, func()) {
	return f.subCh, func() { f.cancelled = true }
}

func (f *fakeEndpoint) State() rpc.State {
	return f.state
}

func newTestBridge(fake *fakeEndpoint) *Bridge {
	b := New(supervisor.Config{Command: "worker"}, nil)
	b.ep = fake
	return b
}

func TestBridgeRequiresStart(t *testing.T) {
	b := New(supervisor.Config{Command: "worker"}, nil)

	_, err := b.Status(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not started")

	_, _, err = b.Subscribe(NotifyProgress)
	assert.Error(t, err)
	assert.False(t, b.Alive())
	assert.NoError(t, b.Close(context.Background()))
}

func TestBridgeRun(t *testing.T) {
	fake := newFakeEndpoint()
	fake.responses[MethodRun] = json.RawMessage(`{"runId":"run-42"}`)
	b := newTestBridge(fake)

	m := &runmanifest.Manifest{Version: runmanifest.Version, RunID: "run-42"}
	ack, err := b.Run(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, "run-42", ack.RunID)
	assert.Equal(t, []string{MethodRun}, fake.calls)
	assert.Same(t, m, fake.params[MethodRun], "manifest passed through as params")
}

func TestBridgeStatus(t *testing.T) {
	fake := newFakeEndpoint()
	fake.responses[MethodGetStatus] = json.RawMessage(
		`{"running":true,"runId":"run-1","progress":{"completed":3,"total":10,"failed":1}}`)
	b := newTestBridge(fake)

	st, err := b.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, "run-1", st.RunID)
	assert.Equal(t, int64(3), st.Progress.Completed)
	assert.Equal(t, int64(10), st.Progress.Total)
}

func TestBridgeCancelPropagatesWorkerError(t *testing.T) {
	fake := newFakeEndpoint()
	fake.errs[MethodCancel] = &rpc.Error{Code: rpc.CodeHandlerFailure, Message: "no active run"}
	b := newTestBridge(fake)

	err := b.Cancel(context.Background())
	require.Error(t, err)

	var rpcErr *rpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, rpc.CodeHandlerFailure, rpcErr.Code)
}

func TestBridgeGetSetConfig(t *testing.T) {
	fake := newFakeEndpoint()
	fake.responses[MethodGetConfig] = json.RawMessage(`{"outputRoot":"/tmp/ck","concurrency":2}`)
	b := newTestBridge(fake)

	cfg, err := b.GetConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ck", cfg.OutputRoot)
	assert.Equal(t, 2, cfg.Concurrency)

	require.NoError(t, b.SetConfig(context.Background(), cfg))
	assert.Equal(t, []string{MethodGetConfig, MethodSetConfig}, fake.calls)
}

func TestBridgeResults(t *testing.T) {
	fake := newFakeEndpoint()
	fake.responses[MethodGetResults] = json.RawMessage(
		`[{"task":{"storyId":"a","browser":"chromium","viewportName":"desktop"},"outcome":{"status":"passed"}}]`)
	b := newTestBridge(fake)

	results, err := b.Results(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].Task.StoryID)
}

func TestBridgeSubscribe(t *testing.T) {
	fake := newFakeEndpoint()
	b := newTestBridge(fake)

	ch, cancel, err := b.Subscribe(NotifyProgress)
	require.NoError(t, err)

	fake.subCh <- json.RawMessage(`{"completed":1}`)
	raw := <-ch
	assert.JSONEq(t, `{"completed":1}`, string(raw))

	cancel()
	assert.True(t, fake.cancelled)
}

func TestBridgeAlive(t *testing.T) {
	fake := newFakeEndpoint()
	b := newTestBridge(fake)

	// Endpoint is set but the supervisor never spawned a process.
	assert.False(t, b.Alive())
}
