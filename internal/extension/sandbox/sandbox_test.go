package sandbox

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstantiateAndCall(t *testing.T) {
	in, err := Instantiate(`
		module.exports = {
			greet: function(name) { return { message: "hello " + name }; },
			add: function(a, b) { return a + b; }
		};
	`, Options{ExtensionID: "test-ext"})
	require.NoError(t, err)
	defer in.Close()

	assert.True(t, in.Has("greet"))
	assert.True(t, in.Has("add"))
	assert.False(t, in.Has("missing"))

	raw, err := in.Call(context.Background(), "greet", "world")
	require.NoError(t, err)
	var out struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "hello world", out.Message)

	raw, err = in.Call(context.Background(), "add", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, "5", string(raw))

	_, err = in.Call(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNoSuchFunction)
}

func TestExportsReassignment(t *testing.T) {
	in, err := Instantiate(`
		module.exports = { ping: function() { return "pong"; } };
	`, Options{ExtensionID: "reassign"})
	require.NoError(t, err)
	defer in.Close()
	assert.True(t, in.Has("ping"))
}

func TestInstantiateRejectsBrokenCode(t *testing.T) {
	_, err := Instantiate(`this is not javascript {{{`, Options{ExtensionID: "broken"})
	assert.Error(t, err)

	_, err = Instantiate(`throw new Error("boom at init");`, Options{ExtensionID: "thrower"})
	assert.Error(t, err)

	_, err = Instantiate(`module.exports = 42;`, Options{ExtensionID: "non-object"})
	assert.Error(t, err)
}

func TestDeniedGlobalsYieldUndefined(t *testing.T) {
	in, err := Instantiate(`
		module.exports = {
			probe: function() {
				return {
					hasWindow: typeof window !== "undefined",
					hasDocument: typeof document !== "undefined",
					hasFetch: typeof fetch !== "undefined",
					hasLocalStorage: typeof localStorage !== "undefined",
					hasProcess: typeof process !== "undefined",
					hasGlobalThis: typeof globalThis !== "undefined"
				};
			}
		};
	`, Options{ExtensionID: "prober"})
	require.NoError(t, err)
	defer in.Close()

	raw, err := in.Call(context.Background(), "probe")
	require.NoError(t, err)
	var out map[string]bool
	require.NoError(t, json.Unmarshal(raw, &out))
	for name, present := range out {
		assert.False(t, present, "%s leaked into the sandbox", name)
	}
}

func TestTopLevelTimerRunsAfterInstantiation(t *testing.T) {
	// A zero-delay timer scheduled by the module body must not enter the
	// runtime while the body is still executing; its callback runs once
	// instantiation has completed.
	in, err := Instantiate(`
		var ready = false;
		setTimeout(function() { ready = true; }, 0);
		module.exports = {
			isReady: function() { return ready; }
		};
	`, Options{ExtensionID: "timer-init"})
	require.NoError(t, err)
	defer in.Close()

	require.Eventually(t, func() bool {
		raw, err := in.Call(context.Background(), "isReady")
		return err == nil && string(raw) == "true"
	}, time.Second, 5*time.Millisecond)
}

func TestBindingsAreVisibleAndReadOnly(t *testing.T) {
	type echoAPI struct{}
	in, err := Instantiate(`
		module.exports = {
			read: function() { return constants.extensionId; },
			clobber: function() {
				try { constants = null; } catch (e) {}
				return constants === null;
			}
		};
	`, Options{
		ExtensionID: "bound",
		Bindings: map[string]any{
			"constants": map[string]any{"extensionId": "bound"},
			"unused":    &echoAPI{},
		},
	})
	require.NoError(t, err)
	defer in.Close()

	raw, err := in.Call(context.Background(), "read")
	require.NoError(t, err)
	assert.Equal(t, `"bound"`, string(raw))

	raw, err = in.Call(context.Background(), "clobber")
	require.NoError(t, err)
	assert.Equal(t, "false", string(raw), "binding was overwritten")
}

func TestCallCancellation(t *testing.T) {
	in, err := Instantiate(`
		module.exports = {
			spin: function() { for (;;) {} }
		};
	`, Options{ExtensionID: "spinner"})
	require.NoError(t, err)
	defer in.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = in.Call(ctx, "spin")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "interrupt did not stop the loop")
}

func TestTimersAndPromises(t *testing.T) {
	in, err := Instantiate(`
		module.exports = {
			delayed: function(value) {
				return new Promise(function(resolve) {
					setTimeout(function() { resolve(value + 1); }, 20);
				});
			},
			immediate: function() { return Promise.resolve("done"); },
			failing: function() { return Promise.reject(new Error("nope")); }
		};
	`, Options{ExtensionID: "async-ext"})
	require.NoError(t, err)
	defer in.Close()

	raw, err := in.Call(context.Background(), "delayed", 41)
	require.NoError(t, err)
	assert.Equal(t, "42", string(raw))

	raw, err = in.Call(context.Background(), "immediate")
	require.NoError(t, err)
	assert.Equal(t, `"done"`, string(raw))

	_, err = in.Call(context.Background(), "failing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected")
}

func TestCloseIsIdempotent(t *testing.T) {
	in, err := Instantiate(`module.exports = { noop: function() {} };`, Options{ExtensionID: "closer"})
	require.NoError(t, err)

	in.Close()
	in.Close()

	_, err = in.Call(context.Background(), "noop")
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, in.Has("noop"))
}
