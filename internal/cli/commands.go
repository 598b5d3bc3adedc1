// Package cli implements the interactive operator console: live lobby and
// queue tables, player statistics, and server shutdown.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog/log"

	"github.com/tullebulle/pingpong/internal/config"
	"github.com/tullebulle/pingpong/internal/events"
	"github.com/tullebulle/pingpong/internal/lobby"
)

// SnapshotProvider yields a point-in-time view of supervisor state.
type SnapshotProvider interface {
	Snapshot() lobby.Snapshot
}

// StatsReader reads player statistics from the user store.
type StatsReader interface {
	Stats(username string) (games, wins, losses int, err error)
	Totals() (users, games int, err error)
}

// CLI provides an interactive command-line interface.
type CLI struct {
	cfg        *config.Config
	eventBus   *events.EventBus
	supervisor SnapshotProvider
	stats      StatsReader
}

// NewCLI creates a new CLI handler.
func NewCLI(cfg *config.Config, eventBus *events.EventBus, supervisor SnapshotProvider, stats StatsReader) *CLI {
	return &CLI{
		cfg:        cfg,
		eventBus:   eventBus,
		supervisor: supervisor,
		stats:      stats,
	}
}

// Start begins the interactive CLI loop.
func (c *CLI) Start(ctx context.Context) {
	fmt.Println("\npongd CLI ready. Type 'help' for available commands.")
	fmt.Println("────────────────────────────────────────────────────")

	reader := newLineReader()
	defer reader.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := reader.ReadLine("pongd> ")
		if err != nil {
			if err == io.EOF {
				return
			}
			continue
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		if err := c.execute(ctx, cmd, args); err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}
}

// execute processes a single CLI command.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "lobbies", "l":
		c.printLobbies()
	case "queue":
		c.printQueue()
	case "stats":
		return c.cmdStats(args)
	case "quit", "exit", "q":
		fmt.Println("Shutting down pongd...")
		c.eventBus.Emit(ctx, events.Event{
			Type:   events.EventShutdown,
			Source: "cli",
		})
	default:
		fmt.Printf("Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return nil
}

// printHelp displays available commands.
func (c *CLI) printHelp() {
	fmt.Println("\n╔════════════════════════════════════════════════════╗")
	fmt.Println("║                 pongd CLI Commands                 ║")
	fmt.Println("╠════════════════════════════════════════════════════╣")
	fmt.Println("║  status           Show overall server status       ║")
	fmt.Println("║  lobbies          List active lobbies              ║")
	fmt.Println("║  queue            Show the matchmaking queue       ║")
	fmt.Println("║  stats <user>     Show win/loss record for a user  ║")
	fmt.Println("║  quit             Shutdown the server              ║")
	fmt.Println("║  help             Show this help message           ║")
	fmt.Println("╚════════════════════════════════════════════════════╝")
	fmt.Println()
}

// printStatus shows high-level counters.
func (c *CLI) printStatus() {
	snap := c.supervisor.Snapshot()

	users, games, err := c.stats.Totals()
	if err != nil {
		log.Error().Err(err).Msg("failed to read store totals")
	}

	fmt.Printf("\n  Listen port:     %d\n", c.cfg.Server.Port)
	fmt.Printf("  Active lobbies:  %d\n", len(snap.Lobbies))
	fmt.Printf("  Queue length:    %d\n", len(snap.Queue))
	fmt.Printf("  Sessions:        %d\n", snap.Sessions)
	fmt.Printf("  Known users:     %d\n", users)
	fmt.Printf("  Games recorded:  %d\n\n", games)
}

// printLobbies displays active lobbies in a formatted table.
func (c *CLI) printLobbies() {
	snap := c.supervisor.Snapshot()

	if len(snap.Lobbies) == 0 {
		fmt.Println("No active lobbies.")
		return
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"ID", "Port", "Status", "Player 0", "Player 1", "Age"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, l := range snap.Lobbies {
		tw.Append([]string{
			fmt.Sprintf("%d", l.ID),
			fmt.Sprintf("%d", l.Port),
			l.Status,
			orDash(l.Player0),
			orDash(l.Player1),
			time.Since(l.CreatedAt).Round(time.Second).String(),
		})
	}

	tw.Render()
	fmt.Println()
}

// printQueue displays waiting players in arrival order.
func (c *CLI) printQueue() {
	snap := c.supervisor.Snapshot()

	if len(snap.Queue) == 0 {
		fmt.Println("Matchmaking queue is empty.")
		return
	}

	fmt.Println()
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader([]string{"#", "Username", "Waiting"})
	tw.SetBorder(true)

	for i, entry := range snap.Queue {
		tw.Append([]string{
			fmt.Sprintf("%d", i+1),
			entry.Username,
			time.Since(entry.WaitingSince).Round(time.Second).String(),
		})
	}

	tw.Render()
	fmt.Println()
}

func (c *CLI) cmdStats(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: stats <username>")
	}

	username := args[0]
	games, wins, losses, err := c.stats.Stats(username)
	if err != nil {
		return err
	}

	fmt.Printf("\n  Username:  %s\n", username)
	fmt.Printf("  Games:     %d\n", games)
	fmt.Printf("  Wins:      %d\n", wins)
	fmt.Printf("  Losses:    %d\n\n", losses)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// lineReader is a simple cross-platform line reader.
type lineReader struct {
	closer io.Closer
}

func newLineReader() *lineReader {
	return &lineReader{}
}

func (lr *lineReader) ReadLine(prompt string) (string, error) {
	fmt.Print(prompt)
	var line string
	_, err := fmt.Scanln(&line)
	return line, err
}

func (lr *lineReader) Close() error {
	if lr.closer != nil {
		return lr.closer.Close()
	}
	return nil
}
