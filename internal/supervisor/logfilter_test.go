package supervisor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogFilterDropsNoise(t *testing.T) {
	cases := []string{
		"[debug] some debug detail nobody needs",
		"Appium v2.4.1 welcome to Appium!",
		"GET /wd/hub/session/abc/element HTTP/1.1",
		"    at java.lang.Thread.run(Thread.java:834)",
		"{}",
		"---",
	}
	for _, line := range cases {
		f := newLogFilter()
		_, keep := f.apply(line)
		assert.False(t, keep, "expected line to be dropped: %q", line)
	}
}

func TestLogFilterKeepsImportantLines(t *testing.T) {
	f := newLogFilter()
	kept, ok := f.apply("[Appium] REST http interface listener started on 0.0.0.0:4723")
	require.True(t, ok)
	assert.Contains(t, kept, "listener started")
}

func TestLogFilterKeepsShortLines(t *testing.T) {
	f := newLogFilter()
	kept, ok := f.apply("hello from the driver")
	require.True(t, ok)
	assert.Equal(t, "hello from the driver", kept)
}

func TestLogFilterDropsConsecutiveDuplicates(t *testing.T) {
	f := newLogFilter()
	_, ok := f.apply("session created for device abc")
	require.True(t, ok)
	_, ok = f.apply("session created for device abc")
	assert.False(t, ok, "identical consecutive line should be deduped")
}

func TestLogFilterRedactsStacktrace(t *testing.T) {
	f := newLogFilter()
	kept, ok := f.apply(`command failed {"stacktrace":"java.lang.Exception\n\tat foo.bar(Baz.java:1)"}`)
	require.True(t, ok)
	assert.NotContains(t, kept, "java.lang.Exception")
	assert.Contains(t, kept, stacktraceRedaction)
}

func TestLogFilterStripsControlCharacters(t *testing.T) {
	f := newLogFilter()
	kept, ok := f.apply("\x1b[32msession created\x1b[0m for device abc")
	require.True(t, ok)
	assert.False(t, strings.ContainsAny(kept, "\x1b"))
}

// TestLogFilterIdempotent verifies filter(filter(line)) == filter(line):
// running the already-cleaned output back through a fresh filter instance
// must retain it unchanged.
func TestLogFilterIdempotent(t *testing.T) {
	lines := []string{
		"session created for device abc",
		"REST http interface listener started",
		"element found and clicked",
	}
	for _, raw := range lines {
		once, ok := newLogFilter().apply(raw)
		require.True(t, ok)

		twice, ok := newLogFilter().apply(once)
		require.True(t, ok)
		assert.Equal(t, once, twice)
	}
}
