package match

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/tullebulle/pingpong/internal/config"
	"github.com/tullebulle/pingpong/internal/db"
	"github.com/tullebulle/pingpong/internal/game"
	"github.com/tullebulle/pingpong/internal/network"
	"github.com/tullebulle/pingpong/internal/protocol"
)

// Status is the lifecycle state of a match.
type Status int

const (
	StatusWaitingForPlayers Status = iota
	StatusCountdown
	StatusActive
	StatusCompleted
)

var statusStrings = map[Status]string{
	StatusWaitingForPlayers: "waiting_for_players",
	StatusCountdown:         "countdown",
	StatusActive:            "active",
	StatusCompleted:         "completed",
}

// String returns the string representation of a match status.
func (s Status) String() string {
	if str, ok := statusStrings[s]; ok {
		return str
	}
	return "unknown"
}

// MarshalJSON serializes Status as a JSON string (e.g. "active").
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// authReplyTimeout bounds the wait for the supervisor to answer an
// authenticated-users request. The supervisor drains worker mailboxes on
// its status-check cadence, so this must exceed one cadence interval.
const authReplyTimeout = 1500 * time.Millisecond

// authCacheTTL is how long a pulled session map stays fresh. Repeated
// HELLOs inside the window reuse it instead of stalling the match loop on
// another supervisor round trip.
const authCacheTTL = time.Second

// maxTickBacklog caps how far behind the tick clock may fall before it
// re-anchors to the present instead of replaying the missed ticks.
const maxTickBacklog = 500 * time.Millisecond

// PlayerSlot binds a seated player to its client address.
type PlayerSlot struct {
	Username     string
	Addr         *net.UDPAddr
	LastSeq      int
	LastActivity time.Time
}

// Worker runs one two-player match on its own UDP socket. It owns all of
// its state; the supervisor talks to it only through the Mailbox.
type Worker struct {
	LobbyID int64
	Port    int

	cfg     *config.Config
	mailbox *Mailbox
	logger  zerolog.Logger

	conn  *net.UDPConn
	store *db.UserStore

	status Status
	state  *game.State
	slots  [2]*PlayerSlot

	startAt  time.Time
	nextTick time.Time

	authUsers   map[string]string
	authUsersAt time.Time

	done chan struct{}
}

// NewWorker creates a match worker for the given lobby. The socket and
// store are opened in Run, on the worker's own goroutine.
func NewWorker(lobbyID int64, port int, cfg *config.Config, mailbox *Mailbox, logger zerolog.Logger) *Worker {
	return &Worker{
		LobbyID: lobbyID,
		Port:    port,
		cfg:     cfg,
		mailbox: mailbox,
		logger:  logger.With().Int64("lobby_id", lobbyID).Int("port", port).Logger(),
		status:  StatusWaitingForPlayers,
		state:   game.New(rand.New(rand.NewSource(time.Now().UnixNano()))),
		done:    make(chan struct{}),
	}
}

// Done is closed when the worker has exited, whatever the cause. The
// supervisor uses it to detect dead lobbies.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Run binds the lobby socket, announces readiness, and drives the match
// loop until shutdown. It always closes Done on return.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)

	conn, err := network.ListenUDP(ctx, w.cfg.Server.Host, w.Port)
	if err != nil {
		return fmt.Errorf("lobby %d failed to bind: %w", w.LobbyID, err)
	}
	w.conn = conn
	defer conn.Close()

	// The worker holds its own store connection so result recording never
	// contends with the supervisor over a shared handle.
	store, err := db.OpenUserStore(w.cfg.Database.Path, db.Options{
		BusyTimeoutMS: w.cfg.Database.BusyTimeoutMS,
		MaxRetries:    w.cfg.Database.MaxRetries,
		RetryDelay:    time.Duration(w.cfg.Database.RetryDelaySec * float64(time.Second)),
	})
	if err != nil {
		return fmt.Errorf("lobby %d failed to open user store: %w", w.LobbyID, err)
	}
	w.store = store
	defer store.Close()

	w.report(WorkerEvent{Kind: EventReady, LobbyID: w.LobbyID})
	w.logger.Info().Msg("match worker ready")

	tickDur := time.Second / time.Duration(w.cfg.Game.TickRate)
	buf := make([]byte, w.cfg.Server.UDPBufferSize)
	lastSweep := time.Now()

	for {
		select {
		case <-ctx.Done():
			w.broadcastGameOver(protocol.ReasonServerShutdown)
			return ctx.Err()
		case cmd := <-w.mailbox.ToWorker:
			if cmd.Kind == CommandShutdown {
				w.broadcastGameOver(protocol.ReasonServerShutdown)
				w.logger.Info().Msg("match worker shutting down")
				return nil
			}
		default:
		}

		w.drainPackets(buf)

		now := time.Now()
		if now.Sub(lastSweep) >= time.Second {
			w.sweepTimeouts(now)
			lastSweep = now
		}

		switch w.status {
		case StatusCountdown:
			if now.After(w.startAt) {
				w.status = StatusActive
				// Re-anchor so the countdown never counts as missed ticks.
				w.nextTick = now
				w.logger.Info().Msg("match active")
				break
			}
			// Keep clients painted during the countdown: broadcast the
			// centered world at tick cadence with physics frozen.
			if now.Sub(w.nextTick) > maxTickBacklog {
				w.nextTick = now
			}
			for !now.Before(w.nextTick) {
				w.broadcastState()
				w.nextTick = w.nextTick.Add(tickDur)
			}
		case StatusActive:
			// A stalled loop catches up at most maxTickBacklog worth of
			// ticks; beyond that the clock re-anchors instead of bursting.
			if now.Sub(w.nextTick) > maxTickBacklog {
				w.nextTick = now
			}
			for !now.Before(w.nextTick) {
				w.state.Step(1.0 / float64(w.cfg.Game.TickRate))
				w.broadcastState()
				w.nextTick = w.nextTick.Add(tickDur)
			}
		}

		time.Sleep(time.Millisecond)
	}
}

// drainPackets reads and handles pending datagrams, bounded per frame so a
// flooding client cannot starve the tick loop. The deadline must sit
// slightly in the future: an already-expired deadline makes the poller
// fail the read without ever delivering queued datagrams.
func (w *Worker) drainPackets(buf []byte) {
	for i := 0; i < w.cfg.Server.MaxPacketsPerFrame; i++ {
		w.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
		n, addr, err := w.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return
			}
			w.logger.Debug().Err(err).Msg("udp read failed")
			return
		}
		w.handleDatagram(buf[:n], addr)
	}
}

func (w *Worker) handleDatagram(raw []byte, addr *net.UDPAddr) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		w.logger.Debug().Err(err).Str("addr", addr.String()).Msg("dropping undecodable datagram")
		return
	}

	// Any well-formed traffic counts as liveness.
	if slot := w.slotForAddr(addr); slot >= 0 {
		w.slots[slot].LastActivity = time.Now()
	}

	switch m := msg.(type) {
	case *protocol.Hello:
		w.handleHello(m, addr)
	case *protocol.Login:
		w.handleLogin(m, addr)
	case *protocol.Input:
		w.handleInput(m, addr)
	case *protocol.Pulse:
		w.send(protocol.Pulse{Username: m.Username}, addr)
	case *protocol.Ping:
		w.send(protocol.Pong{Ts: m.Ts}, addr)
	default:
		w.logger.Debug().
			Str("type", msg.Type().String()).
			Str("addr", addr.String()).
			Msg("ignoring unexpected message")
	}
}

// handleHello seats a player. The username must hold an authenticated
// session with the supervisor; the worker pulls the session set on demand.
func (w *Worker) handleHello(m *protocol.Hello, addr *net.UDPAddr) {
	if w.slotForAddr(addr) >= 0 {
		// Duplicate HELLO from a seated player, nothing to do.
		return
	}

	authUsers := w.authenticatedUsers()
	if _, ok := authUsers[m.Username]; !ok {
		w.send(protocol.Denied{Reason: protocol.ReasonAuthRequired}, addr)
		return
	}

	for _, slot := range w.slots {
		if slot != nil && slot.Username == m.Username {
			w.send(protocol.Denied{Reason: protocol.ReasonUsernameActive}, addr)
			return
		}
	}

	seat := -1
	for i, slot := range w.slots {
		if slot == nil {
			seat = i
			break
		}
	}
	if seat < 0 {
		w.send(protocol.Denied{Reason: "lobby is full"}, addr)
		return
	}

	w.slots[seat] = &PlayerSlot{
		Username:     m.Username,
		Addr:         addr,
		LastActivity: time.Now(),
	}
	w.send(protocol.Welcome{PlayerID: seat}, addr)
	w.report(WorkerEvent{
		Kind:     EventPlayerJoined,
		LobbyID:  w.LobbyID,
		Slot:     seat,
		Username: m.Username,
		Addr:     addr.String(),
	})
	w.logger.Info().Str("username", m.Username).Int("slot", seat).Msg("player joined")

	if w.slots[0] != nil && w.slots[1] != nil && w.status == StatusWaitingForPlayers {
		w.startMatch()
	}
}

// startMatch resets the world and opens the pre-serve countdown window.
func (w *Worker) startMatch() {
	w.state = game.New(rand.New(rand.NewSource(time.Now().UnixNano())))
	w.status = StatusCountdown
	now := time.Now()
	w.startAt = now.Add(time.Duration(w.cfg.Game.StartDelaySec * float64(time.Second)))
	w.nextTick = now
	w.report(WorkerEvent{
		Kind:    EventGameStarted,
		LobbyID: w.LobbyID,
		Players: [2]string{w.slots[0].Username, w.slots[1].Username},
	})
	w.logger.Info().
		Str("player0", w.slots[0].Username).
		Str("player1", w.slots[1].Username).
		Msg("match starting")
}

// handleLogin answers credential checks against the worker's own store
// connection, so a client that re-handshakes against the lobby port still
// gets an answer. Unknown usernames are registered on the spot, the same
// policy the supervisor applies on the public port.
func (w *Worker) handleLogin(m *protocol.Login, addr *net.UDPAddr) {
	ok, err := w.store.Verify(m.Username, m.PasswordHash)
	if err != nil {
		w.logger.Error().Err(err).Str("username", m.Username).Msg("login verification failed")
		w.send(protocol.LoginResult{Success: false, Message: "Internal error"}, addr)
		return
	}
	if ok {
		w.send(protocol.LoginResult{Success: true, Message: "User authenticated"}, addr)
		return
	}

	err = w.store.Register(m.Username, m.PasswordHash)
	if errors.Is(err, db.ErrUsernameTaken) {
		w.send(protocol.LoginResult{Success: false, Message: "Invalid credentials"}, addr)
		return
	}
	if err != nil {
		w.logger.Error().Err(err).Str("username", m.Username).Msg("user registration failed")
		w.send(protocol.LoginResult{Success: false, Message: "Internal error"}, addr)
		return
	}
	w.send(protocol.LoginResult{Success: true, Message: "User created"}, addr)
}

func (w *Worker) handleInput(m *protocol.Input, addr *net.UDPAddr) {
	seat := w.slotForAddr(addr)
	if seat < 0 {
		return
	}
	w.slots[seat].LastSeq = m.Seq
	w.state.SetPaddle(seat, game.ClampPaddleY(m.PaddleY))
}

// sweepTimeouts evicts at most one player per sweep whose silence exceeds
// twice the player timeout. If a match was underway the survivor wins.
func (w *Worker) sweepTimeouts(now time.Time) {
	cutoff := time.Duration(2 * w.cfg.Server.PlayerTimeoutSec * float64(time.Second))
	for seat, slot := range w.slots {
		if slot == nil || now.Sub(slot.LastActivity) <= cutoff {
			continue
		}
		w.evict(seat, now)
		return
	}
}

func (w *Worker) evict(seat int, now time.Time) {
	slot := w.slots[seat]
	other := w.slots[1-seat]
	running := w.status == StatusCountdown || w.status == StatusActive

	w.logger.Info().
		Str("username", slot.Username).
		Int("slot", seat).
		Dur("idle", now.Sub(slot.LastActivity)).
		Msg("evicting inactive player")

	if running && other != nil {
		w.send(protocol.GameOver{Reason: protocol.ReasonOpponentDisconnected}, other.Addr)
		w.recordForfeit(other.Username, slot.Username, seat)
	}

	w.report(WorkerEvent{
		Kind:     EventPlayerDisconnected,
		LobbyID:  w.LobbyID,
		Slot:     seat,
		Username: slot.Username,
		Addr:     slot.Addr.String(),
	})

	w.slots[seat] = nil
	w.status = StatusCompleted
	w.state = game.New(rand.New(rand.NewSource(time.Now().UnixNano())))
}

// recordForfeit writes the win/loss and the match history row for a match
// decided by disconnection. evictedSeat identifies slot order for history.
func (w *Worker) recordForfeit(winner, loser string, evictedSeat int) {
	if err := w.store.RecordResult(winner, true); err != nil {
		w.logger.Error().Err(err).Str("username", winner).Msg("failed to record win")
	}
	if err := w.store.RecordResult(loser, false); err != nil {
		w.logger.Error().Err(err).Str("username", loser).Msg("failed to record loss")
	}

	player0, player1 := winner, loser
	if evictedSeat == 0 {
		player0, player1 = loser, winner
	}
	if err := w.store.RecordMatch(w.LobbyID, player0, player1, winner); err != nil {
		w.logger.Error().Err(err).Msg("failed to record match history")
	}
}

// authenticatedUsers pulls the current session map from the supervisor,
// caching it briefly so a burst of HELLOs cannot stall the match loop on
// repeated round trips. A supervisor that cannot answer in time yields an
// empty map, which fails closed: the HELLO is denied and the client
// retries.
func (w *Worker) authenticatedUsers() map[string]string {
	if w.authUsers != nil && time.Since(w.authUsersAt) < authCacheTTL {
		return w.authUsers
	}

	reply := make(chan map[string]string, 1)
	select {
	case w.mailbox.ToSupervisor <- WorkerEvent{Kind: EventAuthUsersRequest, LobbyID: w.LobbyID, Reply: reply}:
	default:
		w.logger.Warn().Msg("supervisor mailbox full, denying join")
		return nil
	}

	select {
	case users := <-reply:
		w.authUsers = users
		w.authUsersAt = time.Now()
		return users
	case <-time.After(authReplyTimeout):
		w.logger.Warn().Msg("timed out waiting for authenticated users")
		return nil
	}
}

func (w *Worker) broadcastState() {
	snapshot := protocol.State{
		Tick:     w.state.Tick,
		BallX:    w.state.BallX,
		BallY:    w.state.BallY,
		Paddle0Y: w.state.Paddles[0],
		Paddle1Y: w.state.Paddles[1],
		Score0:   w.state.Scores[0],
		Score1:   w.state.Scores[1],
	}
	if w.slots[0] != nil {
		snapshot.Player0Username = w.slots[0].Username
	}
	if w.slots[1] != nil {
		snapshot.Player1Username = w.slots[1].Username
	}
	for _, slot := range w.slots {
		if slot != nil {
			w.send(snapshot, slot.Addr)
		}
	}
}

func (w *Worker) broadcastGameOver(reason string) {
	for _, slot := range w.slots {
		if slot != nil {
			w.send(protocol.GameOver{Reason: reason}, slot.Addr)
		}
	}
}

func (w *Worker) slotForAddr(addr *net.UDPAddr) int {
	for i, slot := range w.slots {
		if slot != nil && slot.Addr.IP.Equal(addr.IP) && slot.Addr.Port == addr.Port {
			return i
		}
	}
	return -1
}

func (w *Worker) send(msg protocol.Message, addr *net.UDPAddr) {
	data, err := protocol.Encode(msg)
	if err != nil {
		w.logger.Error().Err(err).Str("type", msg.Type().String()).Msg("failed to encode message")
		return
	}
	if _, err := w.conn.WriteToUDP(data, addr); err != nil {
		w.logger.Debug().Err(err).Str("addr", addr.String()).Msg("udp send failed")
	}
}

// report delivers a worker event to the supervisor without ever blocking
// the match loop. Dropped telemetry is logged; auth requests carry their
// own fallback in authenticatedUsers.
func (w *Worker) report(ev WorkerEvent) {
	select {
	case w.mailbox.ToSupervisor <- ev:
	default:
		w.logger.Warn().Str("event", ev.Kind.String()).Msg("supervisor mailbox full, dropping event")
	}
}
