package httpserver

import (
	"net/url"
	"testing"
	"time"

	"github.com/kurbezz/telegram-twitch-notifier/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateInitData_Valid(t *testing.T) {
	raw := signedInitData(testBotToken, 279058397, testNow.Add(-time.Minute))

	id, err := validateInitData(raw, testBotToken, testNow, initDataMaxAge)
	require.NoError(t, err)
	assert.Equal(t, domain.RecipientID(279058397), id)
}

func TestValidateInitData_Rejects(t *testing.T) {
	valid := signedInitData(testBotToken, 42, testNow.Add(-time.Minute))

	tampered, err := url.ParseQuery(valid)
	require.NoError(t, err)
	tampered.Set("user", `{"id":43}`)

	noHash, err := url.ParseQuery(valid)
	require.NoError(t, err)
	noHash.Del("hash")

	badHex, err := url.ParseQuery(valid)
	require.NoError(t, err)
	badHex.Set("hash", "zz"+badHex.Get("hash")[2:])

	tests := []struct {
		name    string
		raw     string
		token   string
		wantErr error
	}{
		{"empty", "", testBotToken, errInitDataMissing},
		{"not a query", "%zz", testBotToken, errInitDataMalformed},
		{"missing hash", noHash.Encode(), testBotToken, errInitDataMalformed},
		{"non-hex hash", badHex.Encode(), testBotToken, errInitDataMalformed},
		{"tampered user", tampered.Encode(), testBotToken, errInitDataSignature},
		{"other bot", valid, "654321:other-bot-token", errInitDataSignature},
		{"expired", signedInitData(testBotToken, 42, testNow.Add(-25*time.Hour)), testBotToken, errInitDataExpired},
		{"no user id", signedInitData(testBotToken, 0, testNow), testBotToken, errInitDataMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validateInitData(tt.raw, tt.token, testNow, initDataMaxAge)
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestValidateInitData_AgeCheckDisabled(t *testing.T) {
	raw := signedInitData(testBotToken, 42, testNow.Add(-30*24*time.Hour))

	id, err := validateInitData(raw, testBotToken, testNow, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.RecipientID(42), id)
}
