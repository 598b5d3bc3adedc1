// Package protocol defines the datagram wire format shared by the lobby
// supervisor, the match workers, and game clients. Every datagram is a
// single self-describing JSON object carrying an explicit protocol version
// and a numeric type tag, so either side can reject traffic from a
// mismatched build before looking at the payload.
package protocol

// Version is the current wire protocol version. Bump whenever the
// format of any message changes.
const Version = 1

// Type identifies a message kind on the wire.
type Type int

const (
	TypeHello Type = iota
	TypePulse
	TypeWelcome
	TypeInput
	TypeState
	TypePing
	TypePong
	TypeDenied
	TypeGameOver
	TypeLogin
	TypeLoginResult
)

// typeStrings maps message types to their log-friendly names.
var typeStrings = map[Type]string{
	TypeHello:       "hello",
	TypePulse:       "pulse",
	TypeWelcome:     "welcome",
	TypeInput:       "input",
	TypeState:       "state",
	TypePing:        "ping",
	TypePong:        "pong",
	TypeDenied:      "denied",
	TypeGameOver:    "game_over",
	TypeLogin:       "login",
	TypeLoginResult: "login_result",
}

// String returns the string representation of a message type.
func (t Type) String() string {
	if s, ok := typeStrings[t]; ok {
		return s
	}
	return "unknown"
}

// Message is the closed set of wire messages. Every dispatch site switches
// exhaustively on the concrete type, so adding a message kind is a
// compile-time-checked change.
type Message interface {
	Type() Type
}

// Hello asks a worker (or the supervisor) to seat the named player.
type Hello struct {
	Username string `json:"username"`
}

func (Hello) Type() Type { return TypeHello }

// Pulse is a liveness heartbeat, echoed straight back by the receiver.
type Pulse struct {
	Username string `json:"username"`
}

func (Pulse) Type() Type { return TypePulse }

// Welcome accepts a join and tells the client its slot: 0 (left) or 1 (right).
type Welcome struct {
	PlayerID int `json:"player_id"`
}

func (Welcome) Type() Type { return TypeWelcome }

// Input carries client paddle intent. Seq is transmitted but not used to
// reject stale input server-side.
type Input struct {
	Seq     int     `json:"seq"`
	PaddleY float64 `json:"paddle_y"`
}

func (Input) Type() Type { return TypeInput }

// State is the authoritative per-tick snapshot broadcast to both players.
// Usernames are empty for unoccupied slots.
type State struct {
	Tick            int     `json:"tick"`
	BallX           float64 `json:"ball_x"`
	BallY           float64 `json:"ball_y"`
	Paddle0Y        float64 `json:"paddle0_y"`
	Paddle1Y        float64 `json:"paddle1_y"`
	Score0          int     `json:"score0"`
	Score1          int     `json:"score1"`
	Player0Username string  `json:"player0_username"`
	Player1Username string  `json:"player1_username"`
}

func (State) Type() Type { return TypeState }

// Ping is a round-trip probe; Ts is the sender's clock in Unix seconds.
type Ping struct {
	Ts float64 `json:"ts"`
}

func (Ping) Type() Type { return TypePing }

// Pong answers a Ping with the original timestamp.
type Pong struct {
	Ts float64 `json:"ts"`
}

func (Pong) Type() Type { return TypePong }

// Denied rejects a request, or carries a structured instruction in its
// reason string (see redirect.go). Consumers must pattern-match the reason
// before treating it as terminal.
type Denied struct {
	Reason string `json:"reason"`
}

func (Denied) Type() Type { return TypeDenied }

// GameOver is the terminal notice for a match.
type GameOver struct {
	Reason string `json:"reason"`
}

func (GameOver) Type() Type { return TypeGameOver }

// Login authenticates a player. The credential is a client-side SHA-256
// hex digest; the server never sees the plaintext.
type Login struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
}

func (Login) Type() Type { return TypeLogin }

// LoginResult reports the authentication outcome.
type LoginResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (LoginResult) Type() Type { return TypeLoginResult }
