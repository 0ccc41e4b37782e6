// ABOUTME: Tests for handshake credential validation across auth modes
// ABOUTME: Covers shared tokens, minted JWTs, plaintext and bcrypt passwords.

package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModeNoneAcceptsAnything(t *testing.T) {
	guard, err := New(ModeNone, "")
	require.NoError(t, err)

	assert.False(t, guard.Required())
	assert.NoError(t, guard.Authenticate(Credentials{}))
	assert.NoError(t, guard.Authenticate(Credentials{Token: "whatever"}))
}

func TestModeToken(t *testing.T) {
	guard, err := New(ModeToken, "shared-secret")
	require.NoError(t, err)
	assert.True(t, guard.Required())

	t.Run("matching token accepted", func(t *testing.T) {
		assert.NoError(t, guard.Authenticate(Credentials{Token: "shared-secret"}))
	})

	t.Run("missing token rejected", func(t *testing.T) {
		err := guard.Authenticate(Credentials{})
		assert.ErrorIs(t, err, ErrTokenRequired)
	})

	t.Run("wrong token rejected", func(t *testing.T) {
		err := guard.Authenticate(Credentials{Token: "guess"})
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestModeTokenAcceptsMintedJWT(t *testing.T) {
	guard, err := New(ModeToken, "shared-secret")
	require.NoError(t, err)

	token, err := guard.MintToken("laptop", time.Hour)
	require.NoError(t, err)
	assert.NoError(t, guard.Authenticate(Credentials{Token: token}))
}

func TestModeTokenRejectsExpiredJWT(t *testing.T) {
	guard, err := New(ModeToken, "shared-secret")
	require.NoError(t, err)

	token, err := guard.MintToken("laptop", -time.Hour)
	require.NoError(t, err)

	err = guard.Authenticate(Credentials{Token: token})
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestModeTokenRejectsForeignJWT(t *testing.T) {
	other, err := New(ModeToken, "different-secret")
	require.NoError(t, err)
	token, err := other.MintToken("laptop", time.Hour)
	require.NoError(t, err)

	guard, err := New(ModeToken, "shared-secret")
	require.NoError(t, err)
	assert.ErrorIs(t, guard.Authenticate(Credentials{Token: token}), ErrInvalidToken)
}

func TestModePasswordPlaintext(t *testing.T) {
	guard, err := New(ModePassword, "hunter2")
	require.NoError(t, err)

	assert.NoError(t, guard.Authenticate(Credentials{Password: "hunter2"}))
	assert.ErrorIs(t, guard.Authenticate(Credentials{}), ErrPasswordRequired)
	assert.ErrorIs(t, guard.Authenticate(Credentials{Password: "hunter3"}), ErrInvalidPassword)
}

func TestModePasswordBcrypt(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)

	guard, err := New(ModePassword, hash)
	require.NoError(t, err)

	assert.NoError(t, guard.Authenticate(Credentials{Password: "hunter2"}))
	assert.ErrorIs(t, guard.Authenticate(Credentials{Password: hash}), ErrInvalidPassword,
		"presenting the hash itself must not authenticate")
}

func TestMintRequiresTokenMode(t *testing.T) {
	guard, err := New(ModeNone, "")
	require.NoError(t, err)

	_, err = guard.MintToken("laptop", time.Hour)
	assert.ErrorIs(t, err, ErrMintDisabled)
}

func TestNewRejectsMissingSecret(t *testing.T) {
	_, err := New(ModeToken, "")
	assert.Error(t, err)

	_, err = New(ModePassword, "")
	assert.Error(t, err)

	_, err = New(Mode("carrier-pigeon"), "x")
	assert.Error(t, err)
}
