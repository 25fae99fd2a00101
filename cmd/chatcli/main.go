package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jobber/chat-app/internal/auth"
	"github.com/jobber/chat-app/internal/chat"
	"github.com/jobber/chat-app/internal/session"
	"github.com/jobber/chat-app/internal/store"
	"github.com/jobber/chat-app/internal/transport"
)

func main() {
	secret := os.Getenv("CHAT_AUTH_SECRET")
	if secret == "" {
		log.Fatal("CHAT_AUTH_SECRET must be set")
	}

	storeConfig := store.DefaultConfig()
	if v := os.Getenv("CHAT_SERVER"); v != "" {
		storeConfig.BaseURL = v
	}

	sessionConfig := session.DefaultConfig()
	if v := os.Getenv("CHAT_WS_URL"); v != "" {
		sessionConfig.Push.URL = v
	}
	sessionConfig.SenderName = os.Getenv("CHAT_SENDER_NAME")

	// Identity comes from the environment (CHAT_USER_ID plus CHAT_TOKEN or
	// CHAT_SESSION); clearing it mid-run acts as a logout.
	gate := auth.NewGate(auth.EnvProvider{}, []byte(secret))

	client := store.NewClient(storeConfig)
	client.Token = func() string { return os.Getenv("CHAT_TOKEN") }

	registry := transport.NewRegistry()
	sess := session.New(sessionConfig, gate, client, transport.WSDialer{}, registry)

	ctx := context.Background()
	var err error
	switch {
	case os.Getenv("CHAT_ROOM") != "":
		roomID, parseErr := strconv.ParseInt(os.Getenv("CHAT_ROOM"), 10, 64)
		if parseErr != nil {
			log.Fatalf("invalid CHAT_ROOM: %v", parseErr)
		}
		err = sess.Start(ctx, roomID)
	case os.Getenv("CHAT_JOB") != "":
		jobID, parseErr := strconv.ParseInt(os.Getenv("CHAT_JOB"), 10, 64)
		if parseErr != nil {
			log.Fatalf("invalid CHAT_JOB: %v", parseErr)
		}
		err = sess.StartJob(ctx, jobID)
	default:
		log.Fatal("set CHAT_ROOM or CHAT_JOB")
	}
	if err != nil {
		status := sess.Status()
		log.Fatalf("could not open conversation: %s", status.ErrorMessage)
	}

	fmt.Printf("joined room %d — type a message, /read, /upload <file>, or /quit\n", sess.RoomID())
	printed := newPrintLog()
	for _, m := range printed.take(sess.Messages()) {
		printMessage(m)
	}

	// Background printer: surfaces messages as the session merges them.
	go func() {
		for {
			time.Sleep(500 * time.Millisecond)
			for _, m := range printed.take(sess.Messages()) {
				printMessage(m)
			}
			if status := sess.Status(); status.Err {
				fmt.Printf("! %s\n", status.ErrorMessage)
				return
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			sess.Close()
			registry.CloseAll(1000, "user logged out")
			return
		case line == "/read":
			if sess.MarkRead(ctx) {
				fmt.Println("* marked read")
			}
		case strings.HasPrefix(line, "/upload "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "/upload "))
			data, err := os.ReadFile(path)
			if err != nil {
				fmt.Printf("! read %s: %v\n", path, err)
				continue
			}
			if err := sess.SendImage(ctx, client, path, data); err != nil {
				fmt.Printf("! upload failed: %v\n", err)
			}
		default:
			if err := sess.SendMessage(ctx, line, chat.KindText); err != nil {
				fmt.Printf("! send failed (message kept visible): %v\n", err)
			}
		}
	}

	sess.Close()
	registry.CloseAll(1000, "session ended")
}

// printLog remembers what has already been printed by message identity,
// not list position: poll mode replaces the session's list wholesale and
// echo confirmation rewrites entries in place, so positions shift.
type printLog struct {
	seen map[string]bool
}

func newPrintLog() *printLog {
	return &printLog{seen: make(map[string]bool)}
}

// take returns the not-yet-printed entries in list order. Each entry is
// remembered under both of its identity keys, so the confirmed copy of an
// already-printed echo does not print a second line.
func (p *printLog) take(msgs []chat.Message) []chat.Message {
	var out []chat.Message
	for _, m := range msgs {
		if p.seen[m.DedupKey()] || p.seen[m.ProvisionalKey()] {
			continue
		}
		p.seen[m.DedupKey()] = true
		p.seen[m.ProvisionalKey()] = true
		out = append(out, m)
	}
	return out
}

func printMessage(m chat.Message) {
	name := m.SenderName
	if name == "" {
		name = fmt.Sprintf("user %d", m.SenderID)
	}
	marker := ""
	if !m.Confirmed() {
		marker = " (sending)"
	}
	if m.Kind == chat.KindImage {
		fmt.Printf("[%s] %s sent an image: %s%s\n", m.Timestamp.Local().Format("15:04"), name, m.Content, marker)
		return
	}
	fmt.Printf("[%s] %s: %s%s\n", m.Timestamp.Local().Format("15:04"), name, m.Content, marker)
}
