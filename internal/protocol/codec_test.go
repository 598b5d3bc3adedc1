package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripAllKinds(t *testing.T) {
	messages := []Message{
		Hello{Username: "alice"},
		Pulse{Username: "bob"},
		Welcome{PlayerID: 1},
		Input{Seq: 42, PaddleY: 123.5},
		State{
			Tick: 77, BallX: 320.25, BallY: 99.5,
			Paddle0Y: 210, Paddle1Y: 180.75,
			Score0: 3, Score1: 7,
			Player0Username: "alice", Player1Username: "bob",
		},
		Ping{Ts: 1700000000.125},
		Pong{Ts: 1700000000.125},
		Denied{Reason: ReasonWaitingForOpponent},
		GameOver{Reason: ReasonOpponentDisconnected},
		Login{Username: "alice", PasswordHash: "deadbeef"},
		LoginResult{Success: true, Message: "User authenticated"},
	}

	for _, msg := range messages {
		t.Run(msg.Type().String(), func(t *testing.T) {
			raw, err := Encode(msg)
			require.NoError(t, err)

			decoded, err := Decode(raw)
			require.NoError(t, err)
			require.Equal(t, msg.Type(), decoded.Type())

			// Decode returns pointers; compare against the original value.
			switch want := msg.(type) {
			case Hello:
				assert.Equal(t, want, *decoded.(*Hello))
			case Pulse:
				assert.Equal(t, want, *decoded.(*Pulse))
			case Welcome:
				assert.Equal(t, want, *decoded.(*Welcome))
			case Input:
				assert.Equal(t, want, *decoded.(*Input))
			case State:
				assert.Equal(t, want, *decoded.(*State))
			case Ping:
				assert.Equal(t, want, *decoded.(*Ping))
			case Pong:
				assert.Equal(t, want, *decoded.(*Pong))
			case Denied:
				assert.Equal(t, want, *decoded.(*Denied))
			case GameOver:
				assert.Equal(t, want, *decoded.(*GameOver))
			case Login:
				assert.Equal(t, want, *decoded.(*Login))
			case LoginResult:
				assert.Equal(t, want, *decoded.(*LoginResult))
			}
		})
	}
}

func TestEncodeEmbedsVersionAndType(t *testing.T) {
	raw, err := Encode(Welcome{PlayerID: 0})
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal(raw, &obj))
	assert.EqualValues(t, Version, obj["version"])
	assert.EqualValues(t, int(TypeWelcome), obj["type"])
	assert.EqualValues(t, 0, obj["player_id"])
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	cases := map[string][]byte{
		"not JSON":         []byte("paddle up!"),
		"truncated":        []byte(`{"version":1,"type"`),
		"missing type":     []byte(`{"version":1,"username":"x"}`),
		"missing version":  []byte(`{"type":0,"username":"x"}`),
		"wrong version":    []byte(`{"version":99,"type":0,"username":"x"}`),
		"unknown type":     []byte(`{"version":1,"type":42}`),
		"negative type":    []byte(`{"version":1,"type":-3}`),
		"payload mismatch": []byte(`{"version":1,"type":3,"paddle_y":"not a number"}`),
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(raw)
			require.Error(t, err)

			var perr *ProtocolError
			assert.True(t, errors.As(err, &perr), "expected *ProtocolError, got %T", err)
		})
	}
}

func TestParseRedirect(t *testing.T) {
	port, lobbyID, ok := ParseRedirect(RedirectReason(15230, 7))
	require.True(t, ok)
	assert.Equal(t, 15230, port)
	assert.EqualValues(t, 7, lobbyID)

	for _, reason := range []string{
		ReasonWaitingForOpponent,
		ReasonAuthRequired,
		"redirect:",
		"redirect:abc:1",
		"redirect:1234",
		"redirect:99999999:1",
	} {
		_, _, ok := ParseRedirect(reason)
		assert.False(t, ok, "reason %q should not parse as redirect", reason)
	}
}
