package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zjm/internal/errs"
)

func TestParseProps(t *testing.T) {
	props, err := parseProps([]string{"boot=on", "notes=a=b", "ip4_addr="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"boot": "on", "notes": "a=b", "ip4_addr": ""}, props)

	_, err = parseProps([]string{"boot"})
	assert.ErrorIs(t, err, errs.InvalidPropertyValue)
	_, err = parseProps([]string{"=on"})
	assert.ErrorIs(t, err, errs.InvalidPropertyValue)
}

func TestConfirm(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"yes", true},
		{"n\n", false},
		{"\n", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var out bytes.Buffer
			assert.Equal(t, tt.want, confirm(strings.NewReader(tt.input), &out, "Proceed?"))
			assert.Equal(t, "Proceed? [y/N]: ", out.String())
		})
	}
}
