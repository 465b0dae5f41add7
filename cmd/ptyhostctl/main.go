package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/behrlich/ptyhost/internal/ptyproto"
)

func main() {
	root := &cobra.Command{
		Use:   "ptyhostctl",
		Short: "PTY Host debug/operator CLI",
	}
	root.PersistentFlags().String("addr", "ws://127.0.0.1:7890/pty", "PTY Host websocket address")

	root.AddCommand(
		spawnCmd(),
		writeCmd(),
		resizeCmd(),
		killCmd(),
		snapshotCmd(),
		cleanLogCmd(),
		attachCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// dial opens one ptyhostd session and returns the connection; the caller
// is responsible for closing it.
func dial(ctx context.Context, addr string) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// roundTrip sends req, skips the initial health-check handshake ping (and
// any later fallback pings), and returns the first non-ping response.
func roundTrip(ctx context.Context, conn *websocket.Conn, req any, resp any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return err
	}

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var env ptyproto.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return err
		}
		if env.Type == ptyproto.TypeHealthCheck {
			continue
		}
		return json.Unmarshal(raw, resp)
	}
}

// drainHandshake reads and discards the daemon's initial health-check
// ping, present at the start of every session per spec.md §6.
func drainHandshake(ctx context.Context, conn *websocket.Conn) {
	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	conn.Read(readCtx)
}

func addrFlag(cmd *cobra.Command) string {
	addr, _ := cmd.Flags().GetString("addr")
	return addr
}

func spawnCmd() *cobra.Command {
	var cwd string
	var cols, rows int
	var kind, agentType, agentID string

	cmd := &cobra.Command{
		Use:   "spawn <id>",
		Short: "Spawn a new terminal or agent session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			conn, err := dial(ctx, addrFlag(cmd))
			if err != nil {
				return err
			}
			defer conn.Close(websocket.StatusNormalClosure, "")
			drainHandshake(ctx, conn)

			var resp ptyproto.SpawnResponse
			err = roundTrip(ctx, conn, ptyproto.SpawnRequest{
				Type: ptyproto.TypeSpawn, ID: args[0], CWD: cwd, Cols: cols, Rows: rows,
				Kind: kind, AgentType: agentType, AgentID: agentID,
			}, &resp)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory")
	cmd.Flags().IntVar(&cols, "cols", 80, "terminal columns")
	cmd.Flags().IntVar(&rows, "rows", 24, "terminal rows")
	cmd.Flags().StringVar(&kind, "kind", "", "terminal|agent")
	cmd.Flags().StringVar(&agentType, "agent-type", "", "claude|gemini|codex|opencode|shell|npm")
	cmd.Flags().StringVar(&agentID, "agent-id", "", "explicit agent id override")
	return cmd
}

func writeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write <id> <data>",
		Short: "Write bytes to a terminal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			conn, err := dial(ctx, addrFlag(cmd))
			if err != nil {
				return err
			}
			defer conn.Close(websocket.StatusNormalClosure, "")
			drainHandshake(ctx, conn)

			var resp ptyproto.OKResponse
			err = roundTrip(ctx, conn, ptyproto.WriteRequest{Type: ptyproto.TypeWrite, ID: args[0], Data: []byte(args[1])}, &resp)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func resizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resize <id> <cols> <rows>",
		Short: "Resize a terminal",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cols, rows int
			if _, err := fmt.Sscanf(args[1], "%d", &cols); err != nil {
				return fmt.Errorf("invalid cols: %w", err)
			}
			if _, err := fmt.Sscanf(args[2], "%d", &rows); err != nil {
				return fmt.Errorf("invalid rows: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			conn, err := dial(ctx, addrFlag(cmd))
			if err != nil {
				return err
			}
			defer conn.Close(websocket.StatusNormalClosure, "")
			drainHandshake(ctx, conn)

			var resp ptyproto.OKResponse
			err = roundTrip(ctx, conn, ptyproto.ResizeRequest{Type: ptyproto.TypeResize, ID: args[0], Cols: cols, Rows: rows}, &resp)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func killCmd() *cobra.Command {
	var signal string
	cmd := &cobra.Command{
		Use:   "kill <id>",
		Short: "Kill a terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			conn, err := dial(ctx, addrFlag(cmd))
			if err != nil {
				return err
			}
			defer conn.Close(websocket.StatusNormalClosure, "")
			drainHandshake(ctx, conn)

			var resp ptyproto.OKResponse
			err = roundTrip(ctx, conn, ptyproto.KillRequest{Type: ptyproto.TypeKill, ID: args[0], Signal: signal}, &resp)
			if err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().StringVar(&signal, "signal", "", "signal name, defaults to SIGTERM")
	return cmd
}

func snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <id>",
		Short: "Print a terminal's current screen snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			conn, err := dial(ctx, addrFlag(cmd))
			if err != nil {
				return err
			}
			defer conn.Close(websocket.StatusNormalClosure, "")
			drainHandshake(ctx, conn)

			var resp ptyproto.SnapshotResponse
			err = roundTrip(ctx, conn, ptyproto.SnapshotRequest{Type: ptyproto.TypeSnapshot, ID: args[0]}, &resp)
			if err != nil {
				return err
			}
			for _, line := range resp.Lines {
				fmt.Println(line)
			}
			return nil
		},
	}
}

func cleanLogCmd() *cobra.Command {
	var since int64
	var limit int
	cmd := &cobra.Command{
		Use:   "clean-log <id>",
		Short: "Print a terminal's derived clean log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			conn, err := dial(ctx, addrFlag(cmd))
			if err != nil {
				return err
			}
			defer conn.Close(websocket.StatusNormalClosure, "")
			drainHandshake(ctx, conn)

			req := ptyproto.CleanLogRequest{Type: ptyproto.TypeCleanLog, ID: args[0]}
			if cmd.Flags().Changed("since") {
				req.SinceSequence = &since
			}
			if cmd.Flags().Changed("limit") {
				req.Limit = &limit
			}

			var resp ptyproto.CleanLogResponse
			if err := roundTrip(ctx, conn, req, &resp); err != nil {
				return err
			}
			for _, e := range resp.Entries {
				fmt.Printf("%d\t%s\n", e.Sequence, e.Line)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&since, "since", 0, "only entries after this sequence")
	cmd.Flags().IntVar(&limit, "limit", 0, "max entries to return")
	return cmd
}

// attachCmd opens an interactive session against an already-spawned
// terminal: stdin is forwarded as write requests, data events are written
// to stdout. When stdin is a real terminal (go-isatty), it's put into raw
// mode for the duration of the session via golang.org/x/term so control
// sequences pass through untranslated. Local terminal resizes are not
// forwarded to the remote terminal.
func attachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <id>",
		Short: "Attach stdin/stdout to a running terminal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			addr := addrFlag(cmd) + "?sessionId=" + uuid.NewString()
			conn, err := dial(ctx, addr)
			if err != nil {
				return err
			}
			defer conn.Close(websocket.StatusNormalClosure, "")

			var restore func()
			if isatty.IsTerminal(os.Stdin.Fd()) {
				oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
				if err == nil {
					restore = func() { term.Restore(int(os.Stdin.Fd()), oldState) }
					defer restore()
				}
			}

			go pumpStdin(ctx, conn, id)

			for {
				_, raw, err := conn.Read(ctx)
				if err != nil {
					return nil
				}
				var env ptyproto.Envelope
				if err := json.Unmarshal(raw, &env); err != nil {
					continue
				}
				switch env.Type {
				case ptyproto.TypeData:
					var ev ptyproto.DataEventPayload
					if json.Unmarshal(raw, &ev) == nil && ev.ID == id {
						os.Stdout.Write(ev.Bytes)
					}
				case ptyproto.TypeExit:
					var ev ptyproto.ExitEventPayload
					if json.Unmarshal(raw, &ev) == nil && ev.ID == id {
						return nil
					}
				case ptyproto.TypeHealthCheck:
					conn.Write(ctx, websocket.MessageText, mustMarshal(ptyproto.HealthCheckPong{Type: ptyproto.TypePong}))
				}
			}
		},
	}
}

func pumpStdin(ctx context.Context, conn *websocket.Conn, id string) {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			req := ptyproto.WriteRequest{Type: ptyproto.TypeWrite, ID: id, Data: append([]byte(nil), buf[:n]...)}
			if werr := conn.Write(ctx, websocket.MessageText, mustMarshal(req)); werr != nil {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				return
			}
			return
		}
	}
}

func mustMarshal(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
