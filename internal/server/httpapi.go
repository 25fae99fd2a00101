package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/jobber/chat-app/internal/auth"
	"github.com/jobber/chat-app/internal/chat"
	"github.com/jobber/chat-app/internal/ratelimit"
	"github.com/jobber/chat-app/internal/roomdb"
)

// maxUploadBytes caps image upload size.
const maxUploadBytes = 5 << 20

// registerAPI wires the message store endpoints onto the mux.
func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /chat/room/{id}", s.handleRoomHistory)
	mux.HandleFunc("GET /chat/job/{id}", s.handleResolveJob)
	mux.HandleFunc("POST /chat/room/{id}/messages", s.handlePostMessage)
	mux.HandleFunc("POST /chat/room/{id}/mark-read", s.handleMarkRead)
	mux.HandleFunc("POST /chat/uploads", s.handleUpload)
}

// identify extracts and verifies the caller's identity from the request:
// a bearer token first, then a session marker header.
func (s *Server) identify(r *http.Request) (int64, error) {
	secret := []byte(s.config.Secret)
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return auth.VerifyToken(secret, strings.TrimPrefix(h, "Bearer "))
	}
	if marker := r.Header.Get("X-Chat-Session"); marker != "" {
		return auth.VerifyMarker(secret, marker)
	}
	return 0, auth.ErrAuthRequired
}

func (s *Server) handleRoomHistory(w http.ResponseWriter, r *http.Request) {
	userID, err := s.identify(r)
	if err != nil {
		writeErr(w, http.StatusUnauthorized, "authentication required")
		return
	}
	roomID, err := pathID(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid room id")
		return
	}

	ok, err := s.db.IsParticipant(r.Context(), roomID, userID)
	if errors.Is(err, roomdb.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "room not found")
		return
	}
	if err != nil {
		s.internalErr(w, "room lookup", err)
		return
	}
	if !ok {
		writeErr(w, http.StatusForbidden, "not a participant of this room")
		return
	}

	msgs, err := s.db.Messages(r.Context(), roomID)
	if err != nil {
		s.internalErr(w, "list messages", err)
		return
	}
	if msgs == nil {
		msgs = []chat.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (s *Server) handleResolveJob(w http.ResponseWriter, r *http.Request) {
	userID, err := s.identify(r)
	if err != nil {
		writeErr(w, http.StatusUnauthorized, "authentication required")
		return
	}
	jobID, err := pathID(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid job id")
		return
	}

	room, err := s.db.ResolveJobRoom(r.Context(), jobID, userID)
	if err != nil {
		s.internalErr(w, "resolve room", err)
		return
	}
	if err := s.db.EnsureParticipant(r.Context(), room.ID, userID); err != nil {
		if errors.Is(err, roomdb.ErrNotParticipant) {
			writeErr(w, http.StatusForbidden, "room already has two participants")
			return
		}
		s.internalErr(w, "room membership", err)
		return
	}
	room, err = s.db.RoomByID(r.Context(), room.ID)
	if err != nil {
		s.internalErr(w, "room reload", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":           room.ID,
		"participants": room.Participants,
	})
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	userID, err := s.identify(r)
	if err != nil {
		writeErr(w, http.StatusUnauthorized, "authentication required")
		return
	}
	roomID, err := pathID(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid room id")
		return
	}

	var body struct {
		Content    string    `json:"content"`
		Type       chat.Kind `json:"type"`
		SenderID   int64     `json:"senderId"`
		SenderName string    `json:"senderName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.SenderID != 0 && body.SenderID != userID {
		writeErr(w, http.StatusForbidden, "senderId does not match authenticated user")
		return
	}
	kind := body.Type
	if kind == "" {
		kind = chat.KindText
	}
	if err := chat.ValidateContent(body.Content, kind); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	ok, err := s.db.IsParticipant(r.Context(), roomID, userID)
	if errors.Is(err, roomdb.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "room not found")
		return
	}
	if err != nil {
		s.internalErr(w, "room lookup", err)
		return
	}
	if !ok {
		writeErr(w, http.StatusForbidden, "not a participant of this room")
		return
	}

	if s.limiter != nil {
		allowed, _ := s.limiter.Allow(r.Context(), strconv.FormatInt(userID, 10), ratelimit.RuleMessage)
		if !allowed {
			writeErr(w, http.StatusTooManyRequests, "too many messages, slow down")
			return
		}
	}

	stored, err := s.db.Insert(r.Context(), roomID, userID, body.SenderName, body.Content, kind)
	if err != nil {
		s.internalErr(w, "persist message", err)
		return
	}
	s.fanOut(stored)
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID, err := s.identify(r)
	if err != nil {
		writeErr(w, http.StatusUnauthorized, "authentication required")
		return
	}
	roomID, err := pathID(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid room id")
		return
	}
	if s.presence != nil {
		if err := s.presence.MarkRead(r.Context(), roomID, userID); err != nil {
			s.internalErr(w, "mark read", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleUpload stores image bytes on disk and returns the reference path
// the client then sends as an image message body.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	userID, err := s.identify(r)
	if err != nil {
		writeErr(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if s.limiter != nil {
		allowed, _ := s.limiter.Allow(r.Context(), strconv.FormatInt(userID, 10), ratelimit.RuleUpload)
		if !allowed {
			writeErr(w, http.StatusTooManyRequests, "too many uploads, slow down")
			return
		}
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes+1))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "could not read upload")
		return
	}
	if len(data) == 0 {
		writeErr(w, http.StatusBadRequest, "empty upload")
		return
	}
	if len(data) > maxUploadBytes {
		writeErr(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}

	name := filepath.Base(r.URL.Query().Get("name"))
	if name == "" || name == "." || name == "/" {
		name = "upload"
	}
	stored := uuid.New().String() + "-" + name

	if err := os.MkdirAll(s.config.UploadDir, 0o755); err != nil {
		s.internalErr(w, "create upload dir", err)
		return
	}
	if err := os.WriteFile(filepath.Join(s.config.UploadDir, stored), data, 0o644); err != nil {
		s.internalErr(w, "write upload", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"path": "/files/" + stored})
}

func (s *Server) internalErr(w http.ResponseWriter, what string, err error) {
	log.Printf("server: %s failed: %v", what, err)
	writeErr(w, http.StatusInternalServerError, "internal error")
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("bad id")
	}
	return id, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
