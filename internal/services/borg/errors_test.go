package borg

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyRetryable(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		stderr   string
		want     bool
	}{
		{"lock timeout code", 73, "", true},
		{"not my lock code", 75, "", true},
		{"lock stderr", 2, "Failed to create/acquire the lock /repo/lock.exclusive (timeout).", true},
		{"connection closed", 2, "Connection closed by remote host. Is borg working on the server?", true},
		{"wrong passphrase", 52, "passphrase supplied in BORG_PASSPHRASE is incorrect.", false},
		{"missing repository", 13, "Repository /repo does not exist.", false},
		{"integrity", 2, "Data integrity error: Segment entry checksum mismatch", false},
		{"just above lock range", 76, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyRetryable(tt.exitCode, tt.stderr))
		})
	}
}

func TestIsWarning(t *testing.T) {
	for _, code := range []int{1, 100, 107, 127} {
		assert.True(t, isWarning(code), "exit code %d", code)
	}
	for _, code := range []int{0, 2, 52, 73, 99, 128, -1} {
		assert.False(t, isWarning(code), "exit code %d", code)
	}
}

func TestEngineError_Message(t *testing.T) {
	err := newEngineError("create", 2, "line one\nline two\nline three\nline four\n")

	assert.Equal(t, "borg create exited with code 2: line two; line three; line four", err.Error())
	assert.Nil(t, errors.Unwrap(err))

	wrapped := fmt.Errorf("job home: %w", &EngineError{Op: "list", Err: errors.New("boom")})
	assert.Equal(t, "job home: borg list: boom", wrapped.Error())
	assert.False(t, IsRetryable(wrapped))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestLastLines(t *testing.T) {
	assert.Equal(t, "", lastLines("  \n", 3))
	assert.Equal(t, "b\nc", lastLines("a\nb\nc\n", 2))
	assert.Equal(t, "only", lastLines("only", 5))
}
