package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chromakey/chromakey/pkg/rpc"
)

func TestFindProjectRoot(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "chromakey.yaml"), []byte("{}\n"), 0o644))

	nested := filepath.Join(root, "src", "components", "button")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	found, err := FindProjectRoot(nested, DefaultMarkers, DefaultMaxHops)
	require.NoError(t, err)
	assert.Equal(t, root, found)
}

func TestFindProjectRootHopCap(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "package.json"), []byte("{}\n"), 0o644))

	deep := root
	for i := 0; i < 5; i++ {
		deep = filepath.Join(deep, "d")
	}
	require.NoError(t, os.MkdirAll(deep, 0o755))

	// Marker is 5 hops up but the budget only allows 3.
	_, err := FindProjectRoot(deep, DefaultMarkers, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProjectRootNotFound)

	found, err := FindProjectRoot(deep, DefaultMarkers, 6)
	require.NoError(t, err)
	assert.Equal(t, root, found)
}

func TestFindProjectRootNoMarker(t *testing.T) {
	dir := t.TempDir()
	_, err := FindProjectRoot(dir, []string{"definitely-not-present.xyz"}, 4)
	assert.ErrorIs(t, err, ErrProjectRootNotFound)
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.applyDefaults()

	assert.Equal(t, DefaultControlFlag, cfg.ControlFlag)
	assert.Equal(t, DefaultMarkers, cfg.Markers)
	assert.Equal(t, DefaultMaxHops, cfg.MaxHops)
	assert.Equal(t, DefaultReadyTimeout, cfg.ReadyTimeout)
	assert.Equal(t, DefaultStopGrace, cfg.StopGrace)
}

func TestProfileEnviron(t *testing.T) {
	p := DeterministicProfile()
	p.Extra = map[string]string{"TZ": "UTC"}

	base := []string{"PATH=/usr/bin", "NO_COLOR=0", "HOME=/home/u"}
	env := p.Environ(base)

	got := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		require.True(t, ok)
		got[k] = v
	}

	assert.Equal(t, "/usr/bin", got["PATH"], "untouched vars pass through")
	assert.Equal(t, "1", got["NO_COLOR"], "profile wins over base")
	assert.Equal(t, "0", got["FORCE_COLOR"])
	assert.Equal(t, "0", got["CHROMAKEY_WATCH"])
	assert.Equal(t, "0", got["CHROMAKEY_TELEMETRY"])
	assert.Equal(t, "1", got["DO_NOT_TRACK"])
	assert.Equal(t, "1", got["CI"])
	assert.Equal(t, "UTC", got["TZ"], "extras applied")
	assert.IsIncreasing(t, env)
}

func TestTailBuffer(t *testing.T) {
	tb := newTailBuffer(3)
	for _, line := range []string{"one", "two", "three", "four"} {
		tb.add(line)
	}
	assert.Equal(t, []string{"two", "three", "four"}, tb.lines())
	assert.Equal(t, "four", tb.last())

	tb.add("   ")
	assert.Equal(t, "four", tb.last(), "blank lines skipped")
}

func TestRejectedControlFlagDetection(t *testing.T) {
	tests := []struct {
		name   string
		stderr []string
		want   bool
	}{
		{
			name:   "unknown flag",
			stderr: []string{"error: unknown flag: --control"},
			want:   true,
		},
		{
			name:   "unrecognized option",
			stderr: []string{"myengine: unrecognized option '--control'"},
			want:   true,
		},
		{
			name:   "unrelated crash",
			stderr: []string{"TypeError: cannot read property 'foo' of undefined"},
			want:   false,
		},
		{
			name:   "flag mentioned without complaint",
			stderr: []string{"starting in --control mode"},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{Command: "worker"}, nil)
			for _, line := range tt.stderr {
				s.tail.add(line)
			}
			assert.Equal(t, tt.want, s.rejectedControlFlag())
		})
	}
}

func TestStartFailureWrapsControlModeError(t *testing.T) {
	s := New(Config{Command: "worker"}, nil)
	s.tail.add("error: unknown flag: --control")

	err := s.startFailure(rpc.ErrProcessTerminated)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrControlModeUnsupported)

	var se *StartError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.LastStderr, "unknown flag")
}

func TestStartWorkerRejectsControlFlag(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{
		Command:      "sh",
		Args:         []string{"-c", `echo "unknown option: $2" >&2; exit 2`, "sh", "ignored"},
		WorkDir:      dir,
		ReadyTimeout: 5 * time.Second,
	}, nil)

	_, err := s.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrControlModeUnsupported)
	assert.False(t, s.Alive())
}

func TestStartWorkerExitsBeforeReady(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{
		Command:      "sh",
		Args:         []string{"-c", `echo "segfault in renderer" >&2; exit 1`},
		WorkDir:      dir,
		ReadyTimeout: 5 * time.Second,
	}, nil)

	_, err := s.Start(context.Background())
	require.Error(t, err)

	var se *StartError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.LastStderr, "segfault")
	assert.NotErrorIs(t, err, ErrControlModeUnsupported)
}

func TestStartAndStopWorker(t *testing.T) {
	dir := t.TempDir()
	script := `printf '{"jsonrpc":"2.0","method":"ready"}\n'; exec cat >/dev/null`
	s := New(Config{
		Command:      "sh",
		Args:         []string{"-c", script},
		WorkDir:      dir,
		ReadyTimeout: 5 * time.Second,
		StopGrace:    2 * time.Second,
		Profile:      DeterministicProfile(),
	}, nil)

	ep, err := s.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, rpc.StateReady, ep.State())
	assert.True(t, s.Alive())

	require.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.Alive())
	assert.Equal(t, rpc.StateStopped, ep.State())
}

func TestStopEndsWorkerBlockedOnStdin(t *testing.T) {
	// The worker ignores SIGTERM and sits in a stdin read, like a serve
	// loop blocked between frames. Stop must still finish promptly by
	// closing stdin, without riding the grace window into a kill.
	script := `
printf '{"jsonrpc":"2.0","method":"ready"}\n'
trap '' TERM
while read -r line; do :; done
`
	s := New(Config{
		Command:      "sh",
		Args:         []string{"-c", script},
		WorkDir:      t.TempDir(),
		ReadyTimeout: 5 * time.Second,
		StopGrace:    30 * time.Second,
	}, nil)

	ep, err := s.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, rpc.StateReady, ep.State())

	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	assert.Less(t, time.Since(start), 5*time.Second,
		"stop should end via stdin EOF, not the kill escalation")
	assert.False(t, s.Alive())
	assert.Equal(t, rpc.StateStopped, ep.State())
}

func TestStopWithoutStart(t *testing.T) {
	s := New(Config{Command: "worker"}, nil)
	assert.NoError(t, s.Stop(context.Background()))
	assert.False(t, s.Alive())
}
