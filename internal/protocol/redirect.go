package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Well-known Denied and GameOver reason strings. The supervisor overloads
// Denied as a lightweight instruction channel, so clients must check for
// these before treating a Denied as a terminal rejection.
const (
	ReasonAuthRequired         = "authentication required"
	ReasonUsernameActive       = "username already active"
	ReasonWaitingForOpponent   = "waiting_for_opponent"
	ReasonOpponentDisconnected = "opponent_disconnected"
	ReasonServerShutdown       = "server_shutdown"

	redirectPrefix = "redirect:"
)

// RedirectReason formats the structured redirect instruction that tells a
// client which worker endpoint to re-associate with.
func RedirectReason(port int, lobbyID int64) string {
	return fmt.Sprintf("%s%d:%d", redirectPrefix, port, lobbyID)
}

// ParseRedirect extracts the worker port and lobby id from a Denied reason.
// ok is false when the reason is not a redirect instruction.
func ParseRedirect(reason string) (port int, lobbyID int64, ok bool) {
	rest, found := strings.CutPrefix(reason, redirectPrefix)
	if !found {
		return 0, 0, false
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	port, err := strconv.Atoi(parts[0])
	if err != nil || port <= 0 || port > 65535 {
		return 0, 0, false
	}
	lobbyID, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return port, lobbyID, true
}
