package crypto

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignQueryAtDeterministic(t *testing.T) {
	t.Parallel()

	auth := &HMACAuth{Key: "test-key", Secret: "test-secret"}

	params := url.Values{}
	params.Set("symbol", "BTCUSDT")
	params.Set("side", "BUY")

	a := auth.SignQueryAt(params, 1700000000000)
	b := auth.SignQueryAt(params, 1700000000000)

	require.Equal(t, a.Get("signature"), b.Get("signature"))
	assert.Equal(t, "1700000000000", a.Get("timestamp"))
	assert.Len(t, a.Get("signature"), 64) // hex-encoded SHA-256

	// A different timestamp produces a different signature.
	c := auth.SignQueryAt(params, 1700000000001)
	assert.NotEqual(t, a.Get("signature"), c.Get("signature"))

	// The input params are not mutated.
	assert.Empty(t, params.Get("signature"))
}

func TestSignQueryCoversEveryParam(t *testing.T) {
	t.Parallel()

	auth := &HMACAuth{Secret: "s"}

	base := url.Values{}
	base.Set("symbol", "ETHUSDT")
	a := auth.SignQueryAt(base, 1)

	base.Set("quantity", "0.5")
	b := auth.SignQueryAt(base, 1)

	assert.NotEqual(t, a.Get("signature"), b.Get("signature"))
}

func TestHMACAuthStringRedacts(t *testing.T) {
	t.Parallel()

	auth := &HMACAuth{Key: "abcdef123456", Secret: "supersecretvalue"}
	s := auth.String()
	assert.NotContains(t, s, "123456")
	assert.NotContains(t, s, "secretvalue")
	assert.Contains(t, s, "abcd****")
}

func TestSecretFileRoundTrip(t *testing.T) {
	t.Parallel()

	secret := []byte("binance-api-secret-value")

	envelope, err := EncryptSecret(secret, "correct horse")
	require.NoError(t, err)
	assert.True(t, IsEncryptedSecret(envelope))
	assert.NotContains(t, string(envelope), string(secret))

	got, err := DecryptSecret(envelope, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, secret, got)

	_, err = DecryptSecret(envelope, "wrong passphrase")
	require.Error(t, err)
}

func TestIsEncryptedSecretRejectsPlaintext(t *testing.T) {
	t.Parallel()

	assert.False(t, IsEncryptedSecret([]byte("plain-api-key\n")))
	assert.False(t, IsEncryptedSecret([]byte(`{"version":0}`)))
}

func TestEncryptSecretValidation(t *testing.T) {
	t.Parallel()

	_, err := EncryptSecret([]byte("x"), "")
	require.Error(t, err)
	_, err = EncryptSecret(nil, "pass")
	require.Error(t, err)
}
