package debug

import (
	"bytes"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stderr
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	os.Stderr = w
	defer func() { os.Stderr = old }()

	fn()

	w.Close()
	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func TestLogfRespectsEnabled(t *testing.T) {
	old := enabled
	defer func() { enabled = old }()

	enabled = true
	out := captureStderr(t, func() { Logf("handled %d\n", 7) })
	assert.Equal(t, "handled 7\n", out)

	enabled = false
	out = captureStderr(t, func() { Logf("handled %d\n", 7) })
	assert.Empty(t, out)
}

func TestSetVerboseOverridesEnv(t *testing.T) {
	oldEnabled, oldVerbose := enabled, verboseMode
	defer func() { enabled, verboseMode = oldEnabled, oldVerbose }()

	enabled = false
	verboseMode = false
	assert.False(t, Enabled())

	SetVerbose(true)
	assert.True(t, Enabled())
	SetVerbose(false)
	assert.False(t, Enabled())
}
