// Package lobby implements the matchmaking supervisor: the single public
// UDP endpoint that authenticates players, pairs them first-come
// first-served, and spawns one isolated match worker per pair.
package lobby

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tullebulle/pingpong/internal/config"
	"github.com/tullebulle/pingpong/internal/db"
	"github.com/tullebulle/pingpong/internal/events"
	"github.com/tullebulle/pingpong/internal/match"
	"github.com/tullebulle/pingpong/internal/network"
	"github.com/tullebulle/pingpong/internal/protocol"
)

// portProbeAttempts bounds the random search for a free lobby port.
const portProbeAttempts = 50

// workerReadyTimeout bounds the wait for a freshly spawned worker to bind
// its socket and announce readiness.
const workerReadyTimeout = 5 * time.Second

// Lobby is the supervisor's view of one match worker. The worker owns the
// gameplay state; this record only tracks lifecycle.
type Lobby struct {
	ID      int64
	Port    int
	Mailbox *match.Mailbox
	Worker  *match.Worker
	Cancel  context.CancelFunc

	Status      match.Status
	Players     [2]string
	CreatedAt   time.Time
	CompletedAt time.Time
}

type waitingPlayer struct {
	Username string
	Addr     *net.UDPAddr
	Since    time.Time
}

// LobbySnapshot is a point-in-time view of one lobby, for the API and CLI.
type LobbySnapshot struct {
	ID        int64     `json:"id"`
	Port      int       `json:"port"`
	Status    string    `json:"status"`
	Player0   string    `json:"player0"`
	Player1   string    `json:"player1"`
	CreatedAt time.Time `json:"created_at"`
}

// QueueEntry is one waiting player in the matchmaking queue.
type QueueEntry struct {
	Username     string    `json:"username"`
	WaitingSince time.Time `json:"waiting_since"`
}

// Snapshot is a consistent view of supervisor state, taken on the
// supervisor's own goroutine so readers never touch live maps.
type Snapshot struct {
	Lobbies  []LobbySnapshot `json:"lobbies"`
	Queue    []QueueEntry    `json:"queue"`
	Sessions int             `json:"sessions"`
}

// Supervisor owns the public endpoint and all lobby lifecycle. All fields
// below are touched only from the Run goroutine; cross-goroutine access
// goes through the snapshot channel.
type Supervisor struct {
	cfg    *config.Config
	store  *db.UserStore
	bus    *events.EventBus
	logger zerolog.Logger

	conn   *net.UDPConn
	runCtx context.Context
	rng    *rand.Rand

	nextLobbyID int64
	lobbies     map[int64]*Lobby

	waiting []*waitingPlayer

	// sessions maps username -> client address; addrToUser is the reverse.
	sessions     map[string]string
	addrToUser   map[string]string
	lastActivity map[string]time.Time

	snapshotCh chan chan Snapshot
	workerWG   sync.WaitGroup
}

// NewSupervisor creates a supervisor. The store connection is the
// supervisor's own; workers open theirs independently.
func NewSupervisor(cfg *config.Config, store *db.UserStore, bus *events.EventBus, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		cfg:          cfg,
		store:        store,
		bus:          bus,
		logger:       logger,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		nextLobbyID:  1,
		lobbies:      make(map[int64]*Lobby),
		sessions:     make(map[string]string),
		addrToUser:   make(map[string]string),
		lastActivity: make(map[string]time.Time),
		snapshotCh:   make(chan chan Snapshot, 4),
	}
}

// Snapshot returns a point-in-time view of lobbies, queue, and sessions.
// Safe to call from any goroutine.
func (s *Supervisor) Snapshot() Snapshot {
	reply := make(chan Snapshot, 1)
	select {
	case s.snapshotCh <- reply:
	case <-time.After(time.Second):
		return Snapshot{}
	}
	select {
	case snap := <-reply:
		return snap
	case <-time.After(time.Second):
		return Snapshot{}
	}
}

// Run binds the public endpoint and drives the supervision loop until the
// context is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	conn, err := network.ListenUDP(ctx, s.cfg.Server.Host, s.cfg.Server.Port)
	if err != nil {
		return fmt.Errorf("supervisor failed to bind: %w", err)
	}
	s.conn = conn
	defer conn.Close()
	s.runCtx = ctx

	s.logger.Info().
		Str("host", s.cfg.Server.Host).
		Int("port", s.cfg.Server.Port).
		Msg("lobby supervisor listening")

	statusInterval := time.Duration(s.cfg.Server.LobbyStatusIntervalSec * float64(time.Second))
	waitingInterval := time.Duration(s.cfg.Server.WaitingCheckIntervalSec * float64(time.Second))

	buf := make([]byte, s.cfg.Server.UDPBufferSize)
	lastStatusCheck := time.Now()
	lastWaitingCheck := time.Now()

	for {
		select {
		case <-ctx.Done():
			s.shutdownAll()
			return ctx.Err()
		case reply := <-s.snapshotCh:
			reply <- s.snapshot()
		default:
		}

		s.drainPackets(buf)

		now := time.Now()
		if now.Sub(lastStatusCheck) >= statusInterval {
			s.checkLobbyStatus(now)
			lastStatusCheck = now
		}
		if now.Sub(lastWaitingCheck) >= waitingInterval {
			s.checkWaitingPlayers(now)
			lastWaitingCheck = now
		}

		time.Sleep(time.Millisecond)
	}
}

// drainPackets reads and handles pending datagrams, bounded per frame.
// The read deadline must sit slightly in the future: an already-expired
// deadline fails the read without ever delivering queued datagrams.
func (s *Supervisor) drainPackets(buf []byte) {
	for i := 0; i < s.cfg.Server.MaxPacketsPerFrame; i++ {
		s.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return
			}
			s.logger.Debug().Err(err).Msg("udp read failed")
			return
		}
		s.handleDatagram(buf[:n], addr)
	}
}

func (s *Supervisor) handleDatagram(raw []byte, addr *net.UDPAddr) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		s.logger.Debug().Err(err).Str("addr", addr.String()).Msg("dropping undecodable datagram")
		return
	}

	if username, ok := s.addrToUser[addr.String()]; ok {
		s.lastActivity[username] = time.Now()
	}

	switch m := msg.(type) {
	case *protocol.Login:
		s.handleLogin(m, addr)
	case *protocol.Hello:
		s.handleHello(m, addr)
	case *protocol.Pulse:
		s.send(protocol.Pulse{Username: m.Username}, addr)
	case *protocol.Ping:
		s.send(protocol.Pong{Ts: m.Ts}, addr)
	default:
		s.logger.Debug().
			Str("type", msg.Type().String()).
			Str("addr", addr.String()).
			Msg("ignoring unexpected message")
	}
}

// handleLogin authenticates a session. Unknown usernames are registered on
// the spot; a username already bound to a different live session is
// rejected to keep one session per account.
func (s *Supervisor) handleLogin(m *protocol.Login, addr *net.UDPAddr) {
	ok, err := s.store.Verify(m.Username, m.PasswordHash)
	if err != nil {
		s.logger.Error().Err(err).Str("username", m.Username).Msg("login verification failed")
		s.send(protocol.LoginResult{Success: false, Message: "Internal error"}, addr)
		return
	}

	if ok {
		if existing, bound := s.sessions[m.Username]; bound && existing != addr.String() {
			s.send(protocol.LoginResult{Success: false, Message: "User already authenticated"}, addr)
			return
		}
		s.bindSession(m.Username, addr)
		s.send(protocol.LoginResult{Success: true, Message: "User authenticated"}, addr)
		s.matchmake(m.Username, addr)
		return
	}

	// First login creates the account; a clash means wrong credentials.
	err = s.store.Register(m.Username, m.PasswordHash)
	if errors.Is(err, db.ErrUsernameTaken) {
		s.send(protocol.LoginResult{Success: false, Message: "Invalid credentials"}, addr)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("username", m.Username).Msg("user registration failed")
		s.send(protocol.LoginResult{Success: false, Message: "Internal error"}, addr)
		return
	}

	s.bindSession(m.Username, addr)
	s.send(protocol.LoginResult{Success: true, Message: "User created"}, addr)
	s.matchmake(m.Username, addr)
}

// handleHello re-associates a returning client. A member of a live lobby
// is pointed back at its worker; everyone else re-enters the queue.
func (s *Supervisor) handleHello(m *protocol.Hello, addr *net.UDPAddr) {
	if _, ok := s.sessions[m.Username]; !ok {
		s.send(protocol.Denied{Reason: protocol.ReasonAuthRequired}, addr)
		return
	}

	// The session follows the client's current endpoint.
	s.bindSession(m.Username, addr)

	if lobby := s.lobbyForPlayer(m.Username); lobby != nil {
		s.send(protocol.Denied{Reason: protocol.RedirectReason(lobby.Port, lobby.ID)}, addr)
		return
	}

	s.matchmake(m.Username, addr)
}

func (s *Supervisor) bindSession(username string, addr *net.UDPAddr) {
	if old, ok := s.sessions[username]; ok {
		delete(s.addrToUser, old)
	}
	s.sessions[username] = addr.String()
	s.addrToUser[addr.String()] = username
	s.lastActivity[username] = time.Now()
}

func (s *Supervisor) dropSession(username string) {
	if addr, ok := s.sessions[username]; ok {
		delete(s.addrToUser, addr)
	}
	delete(s.sessions, username)
	delete(s.lastActivity, username)
}

// matchmake pairs the player with the head of the waiting queue, or parks
// them in it. Pairing spawns a worker and redirects both clients to its
// port.
func (s *Supervisor) matchmake(username string, addr *net.UDPAddr) {
	if lobby := s.lobbyForPlayer(username); lobby != nil {
		s.send(protocol.Denied{Reason: protocol.RedirectReason(lobby.Port, lobby.ID)}, addr)
		return
	}

	s.removeWaiting(username)

	if len(s.waiting) > 0 {
		opponent := s.waiting[0]
		s.waiting = s.waiting[1:]

		lobby, err := s.createLobby(opponent.Username, username)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to create lobby, re-queueing players")
			s.waiting = append([]*waitingPlayer{opponent}, s.waiting...)
			s.enqueue(username, addr)
			return
		}

		redirect := protocol.Denied{Reason: protocol.RedirectReason(lobby.Port, lobby.ID)}
		s.send(redirect, opponent.Addr)
		s.send(redirect, addr)
		return
	}

	s.enqueue(username, addr)
}

func (s *Supervisor) enqueue(username string, addr *net.UDPAddr) {
	s.removeWaiting(username)
	s.waiting = append(s.waiting, &waitingPlayer{
		Username: username,
		Addr:     addr,
		Since:    time.Now(),
	})
	s.send(protocol.Denied{Reason: protocol.ReasonWaitingForOpponent}, addr)
	s.logger.Info().Str("username", username).Int("queue_len", len(s.waiting)).Msg("player waiting for opponent")
}

func (s *Supervisor) removeWaiting(username string) {
	for i, wp := range s.waiting {
		if wp.Username == username {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)
			return
		}
	}
}

func (s *Supervisor) lobbyForPlayer(username string) *Lobby {
	for _, lobby := range s.lobbies {
		if lobby.Status == match.StatusCompleted {
			continue
		}
		if lobby.Players[0] == username || lobby.Players[1] == username {
			return lobby
		}
	}
	return nil
}

// createLobby allocates a port, spawns a worker goroutine, and waits for
// its ready announcement before anyone is redirected to it.
func (s *Supervisor) createLobby(player0, player1 string) (*Lobby, error) {
	if len(s.lobbies) >= s.cfg.Server.MaxLobbies {
		return nil, fmt.Errorf("lobby limit reached (%d)", s.cfg.Server.MaxLobbies)
	}

	port, err := s.allocatePort()
	if err != nil {
		return nil, err
	}

	id := s.nextLobbyID
	s.nextLobbyID++

	mailbox := match.NewMailbox()
	worker := match.NewWorker(id, port, s.cfg, mailbox, s.logger)
	workerCtx, cancel := context.WithCancel(s.runCtx)

	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		if err := worker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error().Err(err).Int64("lobby_id", id).Msg("match worker exited with error")
		}
	}()

	if err := s.awaitWorkerReady(mailbox, worker); err != nil {
		cancel()
		return nil, fmt.Errorf("lobby %d on port %d: %w", id, port, err)
	}

	// Members are recorded up front so a HELLO arriving before the worker
	// reports any joins still redirects to this lobby instead of re-queueing.
	lobby := &Lobby{
		ID:        id,
		Port:      port,
		Mailbox:   mailbox,
		Worker:    worker,
		Cancel:    cancel,
		Status:    match.StatusWaitingForPlayers,
		Players:   [2]string{player0, player1},
		CreatedAt: time.Now(),
	}
	s.lobbies[id] = lobby

	s.logger.Info().
		Int64("lobby_id", id).
		Int("port", port).
		Str("player0", player0).
		Str("player1", player1).
		Msg("lobby created")

	s.bus.Emit(s.runCtx, events.Event{
		Type:   events.EventLobbyCreated,
		Source: "supervisor",
		Payload: events.LobbyCreatedPayload{
			LobbyID: id,
			Port:    port,
			Player0: player0,
			Player1: player1,
		},
	})

	return lobby, nil
}

func (s *Supervisor) awaitWorkerReady(mailbox *match.Mailbox, worker *match.Worker) error {
	deadline := time.After(workerReadyTimeout)
	for {
		select {
		case ev := <-mailbox.ToSupervisor:
			if ev.Kind == match.EventReady {
				return nil
			}
			s.handleWorkerEvent(nil, ev)
		case <-worker.Done():
			return errors.New("worker died before becoming ready")
		case <-deadline:
			return errors.New("timed out waiting for worker to become ready")
		}
	}
}

// allocatePort probes random candidates within the configured range,
// skipping ports already held by live lobbies.
func (s *Supervisor) allocatePort() (int, error) {
	span := s.cfg.Server.LobbyPortMax - s.cfg.Server.LobbyPortMin
	for attempt := 0; attempt < portProbeAttempts; attempt++ {
		port := s.cfg.Server.LobbyPortMin + s.rng.Intn(span)
		if s.portInUse(port) {
			continue
		}
		if network.ProbeUDPPort(s.cfg.Server.Host, port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port found in [%d, %d] after %d attempts",
		s.cfg.Server.LobbyPortMin, s.cfg.Server.LobbyPortMax, portProbeAttempts)
}

func (s *Supervisor) portInUse(port int) bool {
	for _, lobby := range s.lobbies {
		if lobby.Port == port {
			return true
		}
	}
	return false
}

// checkLobbyStatus drains worker mailboxes, reaps dead workers, and tears
// down completed lobbies past the cleanup timeout.
func (s *Supervisor) checkLobbyStatus(now time.Time) {
	cleanupAfter := time.Duration(s.cfg.Server.LobbyCleanupTimeoutSec * float64(time.Second))

	for id, lobby := range s.lobbies {
		for {
			var done bool
			select {
			case ev := <-lobby.Mailbox.ToSupervisor:
				s.handleWorkerEvent(lobby, ev)
			default:
				done = true
			}
			if done {
				break
			}
		}

		select {
		case <-lobby.Worker.Done():
			s.logger.Warn().Int64("lobby_id", id).Msg("match worker exited, removing lobby")
			s.removeLobby(lobby, "worker_exited")
			continue
		default:
		}

		if lobby.Status == match.StatusCompleted && now.Sub(lobby.CompletedAt) > cleanupAfter {
			s.logger.Info().Int64("lobby_id", id).Msg("cleaning up completed lobby")
			s.stopWorker(lobby)
			s.removeLobby(lobby, "completed")
		}
	}
}

// handleWorkerEvent applies one worker notification. A nil lobby means the
// event arrived during spawn, before the lobby record exists.
func (s *Supervisor) handleWorkerEvent(lobby *Lobby, ev match.WorkerEvent) {
	switch ev.Kind {
	case match.EventAuthUsersRequest:
		users := make(map[string]string, len(s.sessions))
		for username, addr := range s.sessions {
			users[username] = addr
		}
		// The reply channel is buffered; the worker may have stopped waiting.
		select {
		case ev.Reply <- users:
		default:
		}

	case match.EventPlayerJoined:
		if lobby != nil && ev.Slot >= 0 && ev.Slot < 2 {
			lobby.Players[ev.Slot] = ev.Username
		}
		s.lastActivity[ev.Username] = time.Now()
		s.removeWaiting(ev.Username)
		s.bus.Emit(s.runCtx, events.Event{
			Type:   events.EventPlayerJoined,
			Source: "supervisor",
			Payload: events.PlayerJoinedPayload{
				LobbyID:  ev.LobbyID,
				Slot:     ev.Slot,
				Username: ev.Username,
			},
		})

	case match.EventGameStarted:
		if lobby != nil {
			lobby.Status = match.StatusActive
			lobby.Players = ev.Players
		}
		s.bus.Emit(s.runCtx, events.Event{
			Type:   events.EventMatchStarted,
			Source: "supervisor",
			Payload: events.MatchStartedPayload{
				LobbyID: ev.LobbyID,
				Player0: ev.Players[0],
				Player1: ev.Players[1],
			},
		})

	case match.EventPlayerDisconnected:
		if lobby != nil {
			lobby.Status = match.StatusCompleted
			lobby.CompletedAt = time.Now()
		}
		s.dropSession(ev.Username)
		s.bus.Emit(s.runCtx, events.Event{
			Type:   events.EventPlayerDisconnected,
			Source: "supervisor",
			Payload: events.PlayerDisconnectedPayload{
				LobbyID:  ev.LobbyID,
				Slot:     ev.Slot,
				Username: ev.Username,
				Addr:     ev.Addr,
			},
		})

	case match.EventReady:
		// Already handled during spawn.
	}
}

// checkWaitingPlayers evicts queue entries whose session has gone silent.
func (s *Supervisor) checkWaitingPlayers(now time.Time) {
	cutoff := time.Duration(2 * s.cfg.Server.PlayerTimeoutSec * float64(time.Second))

	kept := s.waiting[:0]
	for _, wp := range s.waiting {
		last, ok := s.lastActivity[wp.Username]
		if ok && now.Sub(last) <= cutoff {
			kept = append(kept, wp)
			continue
		}
		s.logger.Info().Str("username", wp.Username).Msg("evicting idle waiting player")
		s.dropSession(wp.Username)
	}
	s.waiting = kept
}

// stopWorker asks a worker to exit gracefully, then forces it.
func (s *Supervisor) stopWorker(lobby *Lobby) {
	select {
	case lobby.Mailbox.ToWorker <- match.SupervisorCommand{Kind: match.CommandShutdown}:
	default:
	}

	select {
	case <-lobby.Worker.Done():
	case <-time.After(time.Second):
		lobby.Cancel()
	}
}

// removeLobby tears the lobby down and releases its members' sessions so
// they can authenticate again instead of being stuck behind the
// one-session-per-account rule.
func (s *Supervisor) removeLobby(lobby *Lobby, reason string) {
	lobby.Cancel()
	delete(s.lobbies, lobby.ID)
	for _, username := range lobby.Players {
		if username != "" {
			s.dropSession(username)
		}
	}
	s.bus.Emit(s.runCtx, events.Event{
		Type:   events.EventLobbyRemoved,
		Source: "supervisor",
		Payload: events.LobbyRemovedPayload{
			LobbyID: lobby.ID,
			Port:    lobby.Port,
			Reason:  reason,
		},
	})
}

// shutdownAll notifies every worker and waits for all of them to exit.
func (s *Supervisor) shutdownAll() {
	s.logger.Info().Int("lobbies", len(s.lobbies)).Msg("supervisor shutting down")
	for _, lobby := range s.lobbies {
		s.stopWorker(lobby)
		lobby.Cancel()
	}
	s.workerWG.Wait()
}

func (s *Supervisor) snapshot() Snapshot {
	snap := Snapshot{
		Lobbies:  make([]LobbySnapshot, 0, len(s.lobbies)),
		Queue:    make([]QueueEntry, 0, len(s.waiting)),
		Sessions: len(s.sessions),
	}
	for _, lobby := range s.lobbies {
		snap.Lobbies = append(snap.Lobbies, LobbySnapshot{
			ID:        lobby.ID,
			Port:      lobby.Port,
			Status:    lobby.Status.String(),
			Player0:   lobby.Players[0],
			Player1:   lobby.Players[1],
			CreatedAt: lobby.CreatedAt,
		})
	}
	for _, wp := range s.waiting {
		snap.Queue = append(snap.Queue, QueueEntry{
			Username:     wp.Username,
			WaitingSince: wp.Since,
		})
	}
	return snap
}

func (s *Supervisor) send(msg protocol.Message, addr *net.UDPAddr) {
	data, err := protocol.Encode(msg)
	if err != nil {
		s.logger.Error().Err(err).Str("type", msg.Type().String()).Msg("failed to encode message")
		return
	}
	if _, err := s.conn.WriteToUDP(data, addr); err != nil {
		s.logger.Debug().Err(err).Str("addr", addr.String()).Msg("udp send failed")
	}
}
