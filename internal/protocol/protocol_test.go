// ABOUTME: Tests for envelope construction, payload decoding and role parsing.

package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env, err := New(TypeJoinGroup, "req-1", JoinGroupPayload{Group: "builders", CreateIfMissing: true})
	require.NoError(t, err)

	assert.Equal(t, TypeJoinGroup, env.Type)
	assert.Equal(t, "req-1", env.ID)
	assert.False(t, env.TS.IsZero())

	var p JoinGroupPayload
	require.NoError(t, env.DecodePayload(&p))
	assert.Equal(t, "builders", p.Group)
	assert.True(t, p.CreateIfMissing)
}

func TestNewEnvelopeNilPayload(t *testing.T) {
	env, err := New(TypePing, "ping-1", nil)
	require.NoError(t, err)
	assert.Nil(t, env.Payload)

	var dst SessionPayload
	assert.Error(t, env.DecodePayload(&dst), "empty payload should not decode")
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := MustNew(TypeBroadcast, "b-1", BroadcastPayload{Payload: json.RawMessage(`{"text":"hi"}`)})
	env.From = "node-a"
	env.Group = "g-1"

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, env.Type, decoded.Type)
	assert.Equal(t, env.From, decoded.From)
	assert.Equal(t, env.Group, decoded.Group)
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		input   string
		want    Role
		wantErr bool
	}{
		{"cli", RoleCLI, false},
		{"desktop", RoleDesktop, false},
		{"web-ui", RoleWebUI, false},
		{"extension-relay", RoleExtensionRelay, false},
		{"other", RoleOther, false},
		{"", RoleOther, false},
		{"toaster", "", true},
		{"CLI", "", true},
	}

	for _, tt := range tests {
		t.Run("role "+tt.input, func(t *testing.T) {
			got, err := ParseRole(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAlwaysListen(t *testing.T) {
	assert.True(t, RoleDesktop.AlwaysListen())
	assert.True(t, RoleWebUI.AlwaysListen())
	assert.False(t, RoleCLI.AlwaysListen())
	assert.False(t, RoleExtensionRelay.AlwaysListen())
	assert.False(t, RoleOther.AlwaysListen())
}
