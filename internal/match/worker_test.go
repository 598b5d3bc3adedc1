package match

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tullebulle/pingpong/internal/config"
	"github.com/tullebulle/pingpong/internal/db"
	"github.com/tullebulle/pingpong/internal/game"
	"github.com/tullebulle/pingpong/internal/protocol"
)

// workerHarness wires a worker to a loopback socket and a fake supervisor
// that answers authenticated-users requests and collects everything else.
type workerHarness struct {
	w      *Worker
	events chan WorkerEvent
}

func newTestWorker(t *testing.T, auth map[string]string) *workerHarness {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(t.TempDir(), "users.db")

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	store, err := db.OpenUserStore(cfg.Database.Path, db.DefaultOptions())
	require.NoError(t, err)

	mailbox := NewMailbox()
	w := NewWorker(7, conn.LocalAddr().(*net.UDPAddr).Port, cfg, mailbox, zerolog.Nop())
	w.conn = conn
	w.store = store

	h := &workerHarness{w: w, events: make(chan WorkerEvent, 16)}
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case ev := <-mailbox.ToSupervisor:
				if ev.Kind == EventAuthUsersRequest {
					ev.Reply <- auth
					continue
				}
				h.events <- ev
			}
		}
	}()

	t.Cleanup(func() {
		close(stop)
		conn.Close()
		store.Close()
	})
	return h
}

func newTestClient(t *testing.T) (*net.UDPConn, *net.UDPAddr) {
	t.Helper()
	client, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, client.LocalAddr().(*net.UDPAddr)
}

func readMessage(t *testing.T, client *net.UDPConn) protocol.Message {
	t.Helper()
	buf := make([]byte, 4096)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := client.ReadFromUDP(buf)
	require.NoError(t, err)
	msg, err := protocol.Decode(buf[:n])
	require.NoError(t, err)
	return msg
}

func expectNoMessage(t *testing.T, client *net.UDPConn) {
	t.Helper()
	buf := make([]byte, 4096)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	n, _, err := client.ReadFromUDP(buf)
	require.Error(t, err, "expected no datagram, got %q", string(buf[:n]))
}

func waitEvent(t *testing.T, h *workerHarness, kind EventKind) WorkerEvent {
	t.Helper()
	select {
	case ev := <-h.events:
		require.Equal(t, kind, ev.Kind)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s event", kind)
		return WorkerEvent{}
	}
}

func TestHelloSeatsPlayersInJoinOrder(t *testing.T) {
	h := newTestWorker(t, map[string]string{"alice": "a", "bob": "b"})

	aliceConn, aliceAddr := newTestClient(t)
	bobConn, bobAddr := newTestClient(t)

	h.w.handleHello(&protocol.Hello{Username: "alice"}, aliceAddr)
	welcome := readMessage(t, aliceConn).(*protocol.Welcome)
	assert.Equal(t, 0, welcome.PlayerID)
	joined := waitEvent(t, h, EventPlayerJoined)
	assert.Equal(t, "alice", joined.Username)
	assert.Equal(t, 0, joined.Slot)
	assert.Equal(t, StatusWaitingForPlayers, h.w.status)

	h.w.handleHello(&protocol.Hello{Username: "bob"}, bobAddr)
	welcome = readMessage(t, bobConn).(*protocol.Welcome)
	assert.Equal(t, 1, welcome.PlayerID)
	waitEvent(t, h, EventPlayerJoined)

	started := waitEvent(t, h, EventGameStarted)
	assert.Equal(t, [2]string{"alice", "bob"}, started.Players)
	assert.Equal(t, StatusCountdown, h.w.status)
}

func TestHelloWithoutSessionIsDenied(t *testing.T) {
	h := newTestWorker(t, map[string]string{"bob": "b"})
	client, addr := newTestClient(t)

	h.w.handleHello(&protocol.Hello{Username: "alice"}, addr)

	denied := readMessage(t, client).(*protocol.Denied)
	assert.Equal(t, protocol.ReasonAuthRequired, denied.Reason)
	assert.Nil(t, h.w.slots[0])
}

func TestHelloDuplicateUsernameIsDenied(t *testing.T) {
	h := newTestWorker(t, map[string]string{"alice": "a"})
	firstConn, firstAddr := newTestClient(t)
	secondConn, secondAddr := newTestClient(t)

	h.w.handleHello(&protocol.Hello{Username: "alice"}, firstAddr)
	readMessage(t, firstConn)
	waitEvent(t, h, EventPlayerJoined)

	// Same username from a different endpoint must not steal the seat.
	h.w.handleHello(&protocol.Hello{Username: "alice"}, secondAddr)
	denied := readMessage(t, secondConn).(*protocol.Denied)
	assert.Equal(t, protocol.ReasonUsernameActive, denied.Reason)
	assert.Equal(t, firstAddr.Port, h.w.slots[0].Addr.Port)
}

func TestRepeatedHelloFromSeatedPlayerIsIgnored(t *testing.T) {
	h := newTestWorker(t, map[string]string{"alice": "a"})
	client, addr := newTestClient(t)

	h.w.handleHello(&protocol.Hello{Username: "alice"}, addr)
	readMessage(t, client)
	waitEvent(t, h, EventPlayerJoined)

	h.w.handleHello(&protocol.Hello{Username: "alice"}, addr)
	expectNoMessage(t, client)
	require.NotNil(t, h.w.slots[0])
	assert.Equal(t, "alice", h.w.slots[0].Username)
}

func TestInputIsClampedToField(t *testing.T) {
	h := newTestWorker(t, map[string]string{"alice": "a"})
	_, addr := newTestClient(t)

	h.w.handleHello(&protocol.Hello{Username: "alice"}, addr)
	waitEvent(t, h, EventPlayerJoined)

	h.w.handleInput(&protocol.Input{Seq: 3, PaddleY: 9999}, addr)
	assert.Equal(t, game.Height-game.PaddleHeight, h.w.state.Paddles[0])
	assert.Equal(t, 3, h.w.slots[0].LastSeq)

	h.w.handleInput(&protocol.Input{Seq: 4, PaddleY: -50}, addr)
	assert.Equal(t, 0.0, h.w.state.Paddles[0])
	assert.Equal(t, 4, h.w.slots[0].LastSeq)
}

func TestInputFromUnknownAddrIsIgnored(t *testing.T) {
	h := newTestWorker(t, nil)
	_, addr := newTestClient(t)

	before := h.w.state.Paddles
	h.w.handleInput(&protocol.Input{Seq: 1, PaddleY: 100}, addr)
	assert.Equal(t, before, h.w.state.Paddles)
}

func TestPulseAndPingAreAnswered(t *testing.T) {
	h := newTestWorker(t, nil)
	client, addr := newTestClient(t)

	raw, err := protocol.Encode(protocol.Pulse{Username: "alice"})
	require.NoError(t, err)
	h.w.handleDatagram(raw, addr)
	pulse := readMessage(t, client).(*protocol.Pulse)
	assert.Equal(t, "alice", pulse.Username)

	raw, err = protocol.Encode(protocol.Ping{Ts: 1234.5})
	require.NoError(t, err)
	h.w.handleDatagram(raw, addr)
	pong := readMessage(t, client).(*protocol.Pong)
	assert.Equal(t, 1234.5, pong.Ts)
}

func TestSweepKeepsPlayersInsideGrace(t *testing.T) {
	h := newTestWorker(t, map[string]string{"alice": "a", "bob": "b"})
	_, aliceAddr := newTestClient(t)
	_, bobAddr := newTestClient(t)

	h.w.handleHello(&protocol.Hello{Username: "alice"}, aliceAddr)
	h.w.handleHello(&protocol.Hello{Username: "bob"}, bobAddr)
	waitEvent(t, h, EventPlayerJoined)
	waitEvent(t, h, EventPlayerJoined)
	waitEvent(t, h, EventGameStarted)

	now := time.Now()
	cutoff := time.Duration(2 * h.w.cfg.Server.PlayerTimeoutSec * float64(time.Second))
	h.w.slots[0].LastActivity = now.Add(-cutoff + 100*time.Millisecond)

	h.w.sweepTimeouts(now)
	assert.NotNil(t, h.w.slots[0])
	assert.Equal(t, StatusCountdown, h.w.status)
}

func TestSweepEvictsSilentPlayerAndForfeitsMatch(t *testing.T) {
	h := newTestWorker(t, map[string]string{"alice": "a", "bob": "b"})
	_, aliceAddr := newTestClient(t)
	bobConn, bobAddr := newTestClient(t)

	require.NoError(t, h.w.store.Register("alice", "a"))
	require.NoError(t, h.w.store.Register("bob", "b"))

	h.w.handleHello(&protocol.Hello{Username: "alice"}, aliceAddr)
	h.w.handleHello(&protocol.Hello{Username: "bob"}, bobAddr)
	waitEvent(t, h, EventPlayerJoined)
	waitEvent(t, h, EventPlayerJoined)
	waitEvent(t, h, EventGameStarted)

	now := time.Now()
	cutoff := time.Duration(2 * h.w.cfg.Server.PlayerTimeoutSec * float64(time.Second))
	h.w.slots[0].LastActivity = now.Add(-cutoff - time.Second)

	h.w.sweepTimeouts(now)

	// Drain the welcome still sitting in bob's socket, then the game over.
	msg := readMessage(t, bobConn)
	if _, ok := msg.(*protocol.Welcome); ok {
		msg = readMessage(t, bobConn)
	}
	gameOver := msg.(*protocol.GameOver)
	assert.Equal(t, protocol.ReasonOpponentDisconnected, gameOver.Reason)

	left := waitEvent(t, h, EventPlayerDisconnected)
	assert.Equal(t, "alice", left.Username)
	assert.Equal(t, 0, left.Slot)

	assert.Nil(t, h.w.slots[0])
	assert.Equal(t, StatusCompleted, h.w.status)

	games, wins, losses, err := h.w.store.Stats("bob")
	require.NoError(t, err)
	assert.Equal(t, 1, games)
	assert.Equal(t, 1, wins)
	assert.Equal(t, 0, losses)

	games, wins, losses, err = h.w.store.Stats("alice")
	require.NoError(t, err)
	assert.Equal(t, 1, games)
	assert.Equal(t, 0, wins)
	assert.Equal(t, 1, losses)
}

func TestLoginAgainstWorkerStore(t *testing.T) {
	h := newTestWorker(t, nil)
	client, addr := newTestClient(t)

	// An unknown username is provisioned on first login, same as on the
	// public port.
	h.w.handleLogin(&protocol.Login{Username: "alice", PasswordHash: "hash-a"}, addr)
	result := readMessage(t, client).(*protocol.LoginResult)
	assert.True(t, result.Success)
	assert.Equal(t, "User created", result.Message)

	h.w.handleLogin(&protocol.Login{Username: "alice", PasswordHash: "hash-a"}, addr)
	result = readMessage(t, client).(*protocol.LoginResult)
	assert.True(t, result.Success)
	assert.Equal(t, "User authenticated", result.Message)

	h.w.handleLogin(&protocol.Login{Username: "alice", PasswordHash: "wrong"}, addr)
	result = readMessage(t, client).(*protocol.LoginResult)
	assert.False(t, result.Success)
	assert.Equal(t, "Invalid credentials", result.Message)
}

func TestAuthenticatedUsersPullIsCached(t *testing.T) {
	mailbox := NewMailbox()
	w := NewWorker(3, 12345, config.DefaultConfig(), mailbox, zerolog.Nop())

	go func() {
		ev := <-mailbox.ToSupervisor
		ev.Reply <- map[string]string{"alice": "127.0.0.1:1"}
	}()

	users := w.authenticatedUsers()
	require.Contains(t, users, "alice")

	// The second pull inside the cache window must not reach the
	// supervisor; nobody is answering anymore.
	users = w.authenticatedUsers()
	require.Contains(t, users, "alice")
	assert.Empty(t, mailbox.ToSupervisor)
}

// Drives a worker through Run with real datagrams: the socket loop must
// deliver inbound traffic, and the pre-serve countdown must stream frozen
// state frames so clients stay painted before the serve.
func TestRunDeliversSocketTrafficAndCountdownFrames(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Database.Path = filepath.Join(t.TempDir(), "users.db")

	scratch, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := scratch.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, scratch.Close())

	mailbox := NewMailbox()
	w := NewWorker(9, port, cfg, mailbox, zerolog.Nop())

	evCh := make(chan WorkerEvent, 16)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case ev := <-mailbox.ToSupervisor:
				if ev.Kind == EventAuthUsersRequest {
					ev.Reply <- map[string]string{"alice": "a", "bob": "b"}
					continue
				}
				select {
				case evCh <- ev:
				default:
				}
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		close(stop)
	})

	select {
	case ev := <-evCh:
		require.Equal(t, EventReady, ev.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("worker never became ready")
	}

	target := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	aliceConn, _ := newTestClient(t)
	bobConn, _ := newTestClient(t)

	hello := func(conn *net.UDPConn, username string) {
		raw, err := protocol.Encode(protocol.Hello{Username: username})
		require.NoError(t, err)
		_, err = conn.WriteToUDP(raw, target)
		require.NoError(t, err)
	}

	hello(aliceConn, "alice")
	welcome := readMessage(t, aliceConn).(*protocol.Welcome)
	assert.Equal(t, 0, welcome.PlayerID)

	hello(bobConn, "bob")
	welcome = readMessage(t, bobConn).(*protocol.Welcome)
	assert.Equal(t, 1, welcome.PlayerID)

	// Both players are seated, the countdown is running. Frames arrive at
	// tick cadence with the clock and ball frozen at center.
	var frame *protocol.State
	for frame == nil {
		if st, ok := readMessage(t, bobConn).(*protocol.State); ok {
			frame = st
		}
	}
	assert.Equal(t, 0, frame.Tick)
	assert.Equal(t, game.Width/2, frame.BallX)
	assert.Equal(t, game.Height/2, frame.BallY)
	assert.Equal(t, "alice", frame.Player0Username)
	assert.Equal(t, "bob", frame.Player1Username)

	second := readMessage(t, bobConn).(*protocol.State)
	assert.Equal(t, 0, second.Tick)
	assert.Equal(t, game.Width/2, second.BallX)
}
