// Package events defines event types for the telemetry event bus. The bus
// carries one-way notifications about lobby and match lifecycle; it never
// carries gameplay state or supervisor commands.
package events

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Lobby lifecycle events
	EventLobbyCreated EventType = "lobby_created"
	EventLobbyRemoved EventType = "lobby_removed"

	// Match lifecycle events
	EventPlayerJoined       EventType = "player_joined"
	EventMatchStarted       EventType = "match_started"
	EventPlayerDisconnected EventType = "player_disconnected"

	// System events
	EventShutdown EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// LobbyCreatedPayload is emitted when the supervisor spawns a match worker.
type LobbyCreatedPayload struct {
	LobbyID int64  `json:"lobby_id"`
	Port    int    `json:"port"`
	Player0 string `json:"player0"`
	Player1 string `json:"player1"`
}

// LobbyRemovedPayload is emitted when a lobby is torn down.
type LobbyRemovedPayload struct {
	LobbyID int64  `json:"lobby_id"`
	Port    int    `json:"port"`
	Reason  string `json:"reason"`
}

// PlayerJoinedPayload is emitted when a player claims a slot in a match.
type PlayerJoinedPayload struct {
	LobbyID  int64  `json:"lobby_id"`
	Slot     int    `json:"slot"`
	Username string `json:"username"`
}

// MatchStartedPayload is emitted when both slots fill and the countdown begins.
type MatchStartedPayload struct {
	LobbyID int64  `json:"lobby_id"`
	Player0 string `json:"player0"`
	Player1 string `json:"player1"`
}

// PlayerDisconnectedPayload is emitted when a player times out or leaves.
type PlayerDisconnectedPayload struct {
	LobbyID  int64  `json:"lobby_id"`
	Slot     int    `json:"slot"`
	Username string `json:"username"`
	Addr     string `json:"addr"`
}
