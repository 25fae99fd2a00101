// Package roomdb provides PostgreSQL-backed storage for chat rooms and
// their messages. Rooms are created lazily the first time two parties
// need to talk about a job; message ids are assigned by the database and
// are monotonic within a room.
package roomdb

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"

	"github.com/jobber/chat-app/internal/chat"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned when a room does not exist.
var ErrNotFound = errors.New("roomdb: not found")

// ErrNotParticipant is returned when a user is not a member of a room.
var ErrNotParticipant = errors.New("roomdb: not a participant")

// Room is one two-party conversation, optionally bound to a job.
type Room struct {
	ID           int64
	JobID        int64 // 0 when the room is not job-bound
	Participants []int64
	CreatedAt    time.Time
}

// Store manages rooms and messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("roomdb: open: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("roomdb: ping: %w", err)
	}
	return &Store{db: db}, nil
}

// Migrate applies all pending schema migrations from the embedded files.
func (s *Store) Migrate() error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("roomdb: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("roomdb: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("roomdb: migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("roomdb: migrate up: %w", err)
	}
	log.Printf("roomdb: schema up to date")
	return nil
}

// ResolveJobRoom returns the room bound to a job, creating it with the
// requesting user as first participant when absent. The second party is
// added on their first access via EnsureParticipant.
func (s *Store) ResolveJobRoom(ctx context.Context, jobID, userID int64) (Room, error) {
	room, err := s.roomByJob(ctx, jobID)
	if err == nil {
		return room, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Room{}, err
	}

	const insert = `
		INSERT INTO chat_rooms (job_id, participants)
		VALUES ($1, $2)
		ON CONFLICT (job_id) DO NOTHING
		RETURNING id, created_at`

	room = Room{JobID: jobID, Participants: []int64{userID}}
	err = s.db.QueryRowContext(ctx, insert, jobID, pq.Array(room.Participants)).
		Scan(&room.ID, &room.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race to a concurrent creator; read theirs.
		return s.roomByJob(ctx, jobID)
	}
	if err != nil {
		return Room{}, fmt.Errorf("roomdb: create room for job %d: %w", jobID, err)
	}
	return room, nil
}

func (s *Store) roomByJob(ctx context.Context, jobID int64) (Room, error) {
	const query = `
		SELECT id, job_id, participants, created_at
		FROM chat_rooms WHERE job_id = $1`
	return s.scanRoom(s.db.QueryRowContext(ctx, query, jobID))
}

// RoomByID returns a room by id.
func (s *Store) RoomByID(ctx context.Context, roomID int64) (Room, error) {
	const query = `
		SELECT id, job_id, participants, created_at
		FROM chat_rooms WHERE id = $1`
	return s.scanRoom(s.db.QueryRowContext(ctx, query, roomID))
}

func (s *Store) scanRoom(row *sql.Row) (Room, error) {
	var (
		room  Room
		jobID sql.NullInt64
		parts pq.Int64Array
	)
	err := row.Scan(&room.ID, &jobID, &parts, &room.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Room{}, ErrNotFound
	}
	if err != nil {
		return Room{}, fmt.Errorf("roomdb: scan room: %w", err)
	}
	room.JobID = jobID.Int64
	room.Participants = []int64(parts)
	return room, nil
}

// EnsureParticipant adds a user to a two-party room. Adding an existing
// participant is a no-op; a third party is rejected.
func (s *Store) EnsureParticipant(ctx context.Context, roomID, userID int64) error {
	room, err := s.RoomByID(ctx, roomID)
	if err != nil {
		return err
	}
	for _, p := range room.Participants {
		if p == userID {
			return nil
		}
	}
	if len(room.Participants) >= 2 {
		return ErrNotParticipant
	}

	const update = `
		UPDATE chat_rooms SET participants = array_append(participants, $2)
		WHERE id = $1 AND NOT ($2 = ANY(participants)) AND cardinality(participants) < 2`
	if _, err := s.db.ExecContext(ctx, update, roomID, userID); err != nil {
		return fmt.Errorf("roomdb: add participant: %w", err)
	}
	return nil
}

// IsParticipant reports whether the user belongs to the room.
func (s *Store) IsParticipant(ctx context.Context, roomID, userID int64) (bool, error) {
	room, err := s.RoomByID(ctx, roomID)
	if err != nil {
		return false, err
	}
	for _, p := range room.Participants {
		if p == userID {
			return true, nil
		}
	}
	return false, nil
}

// Messages returns a room's full history in id order.
func (s *Store) Messages(ctx context.Context, roomID int64) ([]chat.Message, error) {
	if _, err := s.RoomByID(ctx, roomID); err != nil {
		return nil, err
	}

	const query = `
		SELECT id, room_id, sender_id, sender_name, content, message_type, created_at
		FROM chat_messages WHERE room_id = $1 ORDER BY id`
	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("roomdb: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		var m chat.Message
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName,
			&m.Content, &m.Kind, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("roomdb: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roomdb: iterate messages: %w", err)
	}
	return msgs, nil
}

// Insert persists a message and returns the stored copy with its assigned
// id and timestamp.
func (s *Store) Insert(ctx context.Context, roomID, senderID int64, senderName, content string, kind chat.Kind) (chat.Message, error) {
	const insert = `
		INSERT INTO chat_messages (room_id, sender_id, sender_name, content, message_type)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	msg := chat.Message{
		RoomID:     roomID,
		SenderID:   senderID,
		SenderName: senderName,
		Content:    content,
		Kind:       kind,
	}
	err := s.db.QueryRowContext(ctx, insert, roomID, senderID, senderName, content, string(kind)).
		Scan(&msg.ID, &msg.Timestamp)
	if err != nil {
		return chat.Message{}, fmt.Errorf("roomdb: insert message: %w", err)
	}
	return msg, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
