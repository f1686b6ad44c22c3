package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIs(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{
			name:   "same code different message",
			err:    New(CodeNotFound, "jail %s not found", "web"),
			target: NotFound,
			want:   true,
		},
		{
			name:   "wrapped with fmt",
			err:    fmt.Errorf("resolve: %w", New(CodeAlreadyRunning, "web is running")),
			target: AlreadyRunning,
			want:   true,
		},
		{
			name:   "different code",
			err:    New(CodeNotFound, "missing"),
			target: AlreadyExists,
			want:   false,
		},
		{
			name:   "plain error",
			err:    errors.New("boom"),
			target: CommandFailed,
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.Is(tt.err, tt.target))
		})
	}
}

func TestWrapUnwrap(t *testing.T) {
	inner := errors.New("exit status 1")
	err := Wrap(CodeCommandFailed, inner, "zfs snapshot failed")

	assert.ErrorIs(t, err, inner)
	assert.ErrorIs(t, err, CommandFailed)
	assert.Equal(t, "zfs snapshot failed: exit status 1", err.Error())

	code, ok := CodeOf(fmt.Errorf("outer: %w", err))
	assert.True(t, ok)
	assert.Equal(t, CodeCommandFailed, code)

	_, ok = CodeOf(inner)
	assert.False(t, ok)
}
