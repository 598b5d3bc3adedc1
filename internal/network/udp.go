// Package network provides UDP socket helpers shared by the lobby
// supervisor and match workers.
package network

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// ListenUDP binds a UDP socket with SO_REUSEADDR so a restarted process can
// immediately reclaim a port still in TIME_WAIT.
func ListenUDP(ctx context.Context, host string, port int) (*net.UDPConn, error) {
	lc := ReuseAddrListenConfig()
	pc, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to bind udp %s:%d: %w", host, port, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("unexpected packet conn type %T", pc)
	}
	return conn, nil
}

// ProbeUDPPort reports whether a UDP port can actually be bound right now.
// Used by the supervisor's port allocator to verify a candidate before
// committing a worker to it.
func ProbeUDPPort(host string, port int) bool {
	pc, err := net.ListenPacket("udp4", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	pc.Close()
	return true
}
