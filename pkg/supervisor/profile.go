package supervisor

import (
	"sort"
	"strings"
)

// Profile is the execution profile applied to a spawned worker.
//
// Capture engines are riddled with environment-sensitive behavior: hot
// reload, watch mode, colorized output and telemetry all introduce
// nondeterminism that ruins screenshot comparison. The profile collects
// every suppression in one explicit structure passed to the spawn call
// instead of scattering env string literals around the codebase.
type Profile struct {
	// DisableWatch turns off file watching and hot reload in the worker.
	DisableWatch bool

	// DisableColor strips ANSI color from worker output so diagnostics
	// captured from stderr stay parseable.
	DisableColor bool

	// DisableTelemetry suppresses usage reporting from the engine.
	DisableTelemetry bool

	// Extra holds additional environment overrides, applied last.
	Extra map[string]string
}

// DeterministicProfile returns the profile used for every managed worker:
// everything nondeterministic switched off.
func DeterministicProfile() Profile {
	return Profile{
		DisableWatch:     true,
		DisableColor:     true,
		DisableTelemetry: true,
	}
}

// Environ merges the profile into a base environment (typically
// os.Environ) and returns the result sorted for reproducible spawns.
func (p Profile) Environ(base []string) []string {
	overrides := make(map[string]string)
	if p.DisableWatch {
		overrides["CHROMAKEY_WATCH"] = "0"
		overrides["CHOKIDAR_USEPOLLING"] = "0"
	}
	if p.DisableColor {
		overrides["NO_COLOR"] = "1"
		overrides["FORCE_COLOR"] = "0"
	}
	if p.DisableTelemetry {
		overrides["CHROMAKEY_TELEMETRY"] = "0"
		overrides["DO_NOT_TRACK"] = "1"
	}
	overrides["CI"] = "1"
	for k, v := range p.Extra {
		overrides[k] = v
	}

	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, replaced := overrides[key]; !replaced {
			out = append(out, kv)
		}
	}
	for k, v := range overrides {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
