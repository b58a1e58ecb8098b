package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/astromechza/roomsync/pkg/client"
	"github.com/astromechza/roomsync/pkg/protocol"
)

type connectOptions struct {
	url     string
	user    string
	token   string
	rooms   []string
	insert  string
	outbox  int
	timeout time.Duration
}

func newConnectCmd() *cobra.Command {
	opts := &connectOptions{}
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Join rooms and print what happens in them until interrupted",
		Example: `  syncctl connect --user alice --room document:doc-42 --insert "hello"
  syncctl connect --token secret --room task-collection:alice`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConnect(cmd.Context(), opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.url, "url", "ws://localhost:8080/sync", "the sync endpoint")
	flags.StringVar(&opts.user, "user", "", "user id sent in the X-User-Id header")
	flags.StringVar(&opts.token, "token", "", "bearer token")
	flags.StringSliceVar(&opts.rooms, "room", nil, "room to join, as kind:id (repeatable)")
	flags.StringVar(&opts.insert, "insert", "", "text to append to every joined document")
	flags.IntVar(&opts.outbox, "outbox", 64, "messages buffered while disconnected")
	flags.DurationVar(&opts.timeout, "for", 0, "disconnect after this long; 0 runs until interrupted")
	return cmd
}

func runConnect(ctx context.Context, opts *connectOptions) error {
	header := http.Header{}
	if opts.user != "" {
		header.Set("X-User-Id", opts.user)
	}
	if opts.token != "" {
		header.Set("Authorization", "Bearer "+opts.token)
	}

	var keys []protocol.RoomKey
	for _, raw := range opts.rooms {
		key, err := protocol.ParseRoomKey(raw)
		if err != nil {
			return err
		}
		keys = append(keys, key)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	inserted := make(map[string]bool)
	var c *client.Client
	c = client.New(client.WebsocketDialer{URL: opts.url, Header: header}, client.Options{
		OutboxSize: opts.outbox,
		Logger:     slog.Default(),
		OnStatus: func(s client.Status) {
			switch s.Event {
			case client.EventReconnecting:
				slog.Warn("reconnecting", "attempt", s.Attempt, "err", s.Err)
			case client.EventDroppedOldest:
				slog.Warn("outbox full, dropped oldest", "kind", s.Dropped.Kind())
			default:
				slog.Info("state", "state", s.State)
			}
		},
		OnMessage: func(msg protocol.Message) {
			switch m := msg.(type) {
			case protocol.RoomState:
				slog.Info("joined", "room", m.Room, "version", m.Version, "present", len(m.Presence))
				if m.Room.IsDocument() {
					printText(c, m.Room.ID)
					if opts.insert != "" && !inserted[m.Room.ID] {
						inserted[m.Room.ID] = true
						go appendText(c, m.Room.ID, opts.insert)
					}
				}
			case protocol.DocUpdate:
				slog.Info("remote edit", "room", m.Room, "version", m.Version)
				printText(c, m.Room.ID)
			case protocol.PresenceUpdate:
				slog.Info("presence", "room", m.Room, "session", m.Record.SessionID, "user", m.Record.UserID)
			case protocol.PresenceOffline:
				slog.Info("offline", "room", m.Room, "session", m.SessionID)
			case protocol.ResourceEvent:
				slog.Info("notification", "title", m.Title, "message", m.Message)
			case protocol.Error:
				slog.Error("server error", "code", m.Code, "message", m.Message)
			}
		},
	})
	for _, key := range keys {
		if err := c.Join(key); err != nil {
			return err
		}
	}
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return c.Close()
}

func printText(c *client.Client, docID string) {
	doc, ok := c.Document(docID)
	if !ok {
		return
	}
	text, err := doc.Text()
	if err != nil {
		slog.Error("failed to read text", "doc", docID, "err", err)
		return
	}
	fmt.Fprintf(os.Stdout, "%s: %s\n", docID, strings.ReplaceAll(text, "\n", `\n`))
}

func appendText(c *client.Client, docID, s string) {
	doc, ok := c.Document(docID)
	if !ok {
		return
	}
	delta, err := doc.Append(s)
	if err != nil {
		slog.Error("failed to append", "doc", docID, "err", err)
		return
	}
	if err := c.Send(protocol.DocUpdate{Room: protocol.DocumentRoom(docID), Delta: delta}); err != nil {
		slog.Error("failed to send", "doc", docID, "err", err)
	}
}
