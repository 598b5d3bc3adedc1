// Package match implements the per-lobby match worker: an isolated goroutine
// that owns one UDP socket, one game simulation, and two player slots. The
// worker shares no memory with the supervisor; everything crosses the
// Mailbox.
package match

// EventKind tags a WorkerEvent.
type EventKind int

const (
	// EventReady is sent once the worker's socket is bound and it is
	// accepting players. The supervisor waits for it before redirecting
	// anyone to the lobby port.
	EventReady EventKind = iota

	// EventPlayerJoined is sent when a player claims a slot.
	EventPlayerJoined

	// EventGameStarted is sent when both slots fill and the countdown begins.
	EventGameStarted

	// EventPlayerDisconnected is sent when a player is evicted for
	// inactivity. The match is over at that point.
	EventPlayerDisconnected

	// EventAuthUsersRequest asks the supervisor for the current set of
	// authenticated sessions. Reply carries username -> client address.
	EventAuthUsersRequest
)

var eventKindStrings = map[EventKind]string{
	EventReady:              "ready",
	EventPlayerJoined:       "player_joined",
	EventGameStarted:        "game_started",
	EventPlayerDisconnected: "player_disconnected",
	EventAuthUsersRequest:   "auth_users_request",
}

// String returns the string representation of an event kind.
func (k EventKind) String() string {
	if s, ok := eventKindStrings[k]; ok {
		return s
	}
	return "unknown"
}

// WorkerEvent is a notification from a worker to the supervisor. Which
// fields are meaningful depends on Kind.
type WorkerEvent struct {
	Kind    EventKind
	LobbyID int64

	// EventPlayerJoined, EventPlayerDisconnected.
	Slot     int
	Username string
	Addr     string

	// EventGameStarted.
	Players [2]string

	// EventAuthUsersRequest. The supervisor sends exactly one map on Reply.
	Reply chan map[string]string
}

// CommandKind tags a SupervisorCommand.
type CommandKind int

const (
	// CommandShutdown tells the worker to notify its players and exit.
	CommandShutdown CommandKind = iota
)

// SupervisorCommand is an instruction from the supervisor to a worker.
type SupervisorCommand struct {
	Kind CommandKind
}

// Mailbox is the duplex channel pair connecting one worker to the
// supervisor. Both directions are buffered so neither side blocks the
// other's frame loop.
type Mailbox struct {
	ToSupervisor chan WorkerEvent
	ToWorker     chan SupervisorCommand
}

// NewMailbox creates a mailbox with buffered channels.
func NewMailbox() *Mailbox {
	return &Mailbox{
		ToSupervisor: make(chan WorkerEvent, 64),
		ToWorker:     make(chan SupervisorCommand, 8),
	}
}
