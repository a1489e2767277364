// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// timeline-viewer is an interactive terminal client for one Matrix
// room, built on the local timeline cache. Scrolling up past the top
// of the window paginates older history (from the cache when present,
// the homeserver otherwise); the input line sends messages with an
// optimistic local echo.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/timeline"
	"github.com/bureau-foundation/timeline/lib/ref"
	"github.com/bureau-foundation/timeline/lib/sqlitepool"
	"github.com/bureau-foundation/timeline/messaging"
	"github.com/bureau-foundation/timeline/store"
)

const pageSize = 30

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var homeserver, user, token, username, password, room, database string

	flagSet := pflag.NewFlagSet("timeline-viewer", pflag.ContinueOnError)
	flagSet.StringVar(&homeserver, "homeserver", "", "homeserver URL")
	flagSet.StringVar(&user, "user", "", "fully-qualified user ID (with --token)")
	flagSet.StringVar(&token, "token", "", "access token (skips password login)")
	flagSet.StringVar(&username, "username", "", "localpart for password login")
	flagSet.StringVar(&password, "password", "", "password for password login")
	flagSet.StringVar(&room, "room", "", "room ID to open")
	flagSet.StringVar(&database, "database", "", "SQLite cache path (empty keeps the cache in memory)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if homeserver == "" || room == "" {
		return fmt.Errorf("--homeserver and --room are required")
	}
	roomID, err := ref.ParseRoomID(room)
	if err != nil {
		return fmt.Errorf("invalid room ID %q: %w", room, err)
	}

	// The alt screen owns the terminal; logs go nowhere unless
	// debugging, in which case point them at a file.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := messaging.NewClient(messaging.ClientConfig{HomeserverURL: homeserver})
	if err != nil {
		return err
	}
	var session *messaging.DirectSession
	if token != "" {
		if user == "" {
			return fmt.Errorf("--user is required with --token")
		}
		userID, parseErr := ref.ParseUserID(user)
		if parseErr != nil {
			return fmt.Errorf("invalid user ID %q: %w", user, parseErr)
		}
		session = client.SessionFromToken(userID, token)
	} else {
		if username == "" || password == "" {
			return fmt.Errorf("either --token or --username/--password is required")
		}
		session, err = client.Login(ctx, username, password)
		if err != nil {
			return err
		}
	}
	defer session.Close()

	var pool *sqlitepool.Pool
	if database != "" {
		pool, err = sqlitepool.Open(sqlitepool.Config{Path: database, Logger: logger})
		if err != nil {
			return fmt.Errorf("opening cache database: %w", err)
		}
		defer pool.Close()
	}

	cache, err := store.Open(store.Config{
		Logger:     logger,
		Pool:       pool,
		SelfUserID: session.UserID(),
	})
	if err != nil {
		return err
	}

	tl, err := timeline.New(timeline.Config{
		RoomID:   roomID,
		Store:    cache,
		Session:  session,
		Logger:   logger,
		PageSize: pageSize,
	})
	if err != nil {
		return err
	}
	defer tl.Dispose()

	syncer, err := timeline.NewSyncer(timeline.SyncerConfig{
		Session: session,
		Store:   cache,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	go syncer.Run(ctx)

	program := tea.NewProgram(newModel(roomID, tl, session.UserID()), tea.WithAltScreen())
	_, err = program.Run()
	return err
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("57")).Padding(0, 1)
	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	senderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("75"))
	selfStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("114"))
	faintStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("75")).Bold(true)
)

type snapshotMsg timeline.Snapshot

type updatesClosedMsg struct{}

type model struct {
	roomID ref.RoomID
	tl     *timeline.Timeline
	self   ref.UserID

	snapshot timeline.Snapshot
	input    string
	status   string
	width    int
	height   int
}

func newModel(roomID ref.RoomID, tl *timeline.Timeline, self ref.UserID) model {
	return model{roomID: roomID, tl: tl, self: self, width: 80, height: 24}
}

func (m model) Init() tea.Cmd {
	return waitForUpdate(m.tl)
}

// waitForUpdate blocks on the next coalesced snapshot.
func waitForUpdate(tl *timeline.Timeline) tea.Cmd {
	return func() tea.Msg {
		snapshot, ok := <-tl.Updates()
		if !ok {
			return updatesClosedMsg{}
		}
		return snapshotMsg(snapshot)
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case snapshotMsg:
		m.snapshot = timeline.Snapshot(msg)
		return m, waitForUpdate(m.tl)

	case updatesClosedMsg:
		return m, tea.Quit

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		return m, tea.Quit

	case tea.KeyPgUp, tea.KeyUp:
		if m.snapshot.HasMoreBackwards {
			if err := m.tl.PaginateBackwards(pageSize); err != nil {
				m.status = err.Error()
			} else {
				m.status = "loading older history"
			}
		}
		return m, nil

	case tea.KeyEnter:
		text := strings.TrimSpace(m.input)
		if text == "" {
			return m, nil
		}
		m.input = ""
		if _, err := m.tl.SendMessage(text); err != nil {
			m.status = err.Error()
		} else {
			m.status = ""
		}
		return m, nil

	case tea.KeyBackspace:
		if len(m.input) > 0 {
			runes := []rune(m.input)
			m.input = string(runes[:len(runes)-1])
		}
		return m, nil

	case tea.KeySpace:
		m.input += " "
		return m, nil

	case tea.KeyRunes:
		m.input += string(msg.Runes)
		return m, nil
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	title := m.roomID.String()
	if !m.snapshot.IsLive {
		title += "  (viewing history)"
	}
	b.WriteString(headerStyle.Width(m.width).Render(title))
	b.WriteString("\n")

	// Two lines for header spacing, one status, one input prompt.
	visible := m.height - 4
	if visible < 1 {
		visible = 1
	}
	events := m.snapshot.Events
	if len(events) > visible {
		events = events[len(events)-visible:]
	}
	for range visible - len(events) {
		b.WriteString("\n")
	}
	for i := range events {
		b.WriteString(m.renderEvent(&events[i]))
		b.WriteString("\n")
	}

	if m.status != "" {
		b.WriteString(statusStyle.Render(m.status))
	}
	b.WriteString("\n")
	b.WriteString(promptStyle.Render("> "))
	b.WriteString(m.input)
	return b.String()
}

func (m model) renderEvent(e *timeline.Event) string {
	ts := timeStyle.Render(time.UnixMilli(e.OriginServerTS).Format("15:04"))
	style := senderStyle
	if e.Sender.UserID == m.self {
		style = selfStyle
	}
	name := e.Sender.DisplayName
	if e.Sender.Ambiguous {
		name = fmt.Sprintf("%s (%s)", name, e.Sender.UserID)
	}

	body := e.Body
	switch {
	case e.Redacted:
		body = faintStyle.Render("[redacted]")
	case e.IsLocalEcho():
		body += faintStyle.Render(" ⏳")
	case e.Edited:
		body += faintStyle.Render(" (edited)")
	}
	if body == "" {
		body = faintStyle.Render(fmt.Sprintf("[%s]", e.Type))
	}

	line := fmt.Sprintf("%s %s  %s", ts, style.Render(name), body)
	if annotations := e.Annotations; annotations != nil && len(annotations.Reactions) > 0 {
		var parts []string
		for _, reaction := range annotations.Reactions {
			parts = append(parts, fmt.Sprintf("%s %d", reaction.Key, reaction.Count()))
		}
		line += "\n      " + faintStyle.Render(strings.Join(parts, "  "))
	}
	return line
}
