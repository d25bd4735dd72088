package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeLogin(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want StreamerLogin
	}{
		{"already normalized", "kurbezz", "kurbezz"},
		{"upper case", "KurBezz", "kurbezz"},
		{"surrounding whitespace", "  kurbezz\n", "kurbezz"},
		{"digits and underscore", "a_1_b", "a_1_b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeLogin(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeLogin_Invalid(t *testing.T) {
	for _, raw := range []string{"", "   ", "has space", "dash-name", "toolong_toolong_toolong_xx", "emoji🙂"} {
		t.Run(raw, func(t *testing.T) {
			_, err := NormalizeLogin(raw)
			assert.ErrorIs(t, err, ErrInvalidLogin)
		})
	}
}
