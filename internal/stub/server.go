// Package stub is a local, in-memory stand-in for the real backend: the
// realtime channel plus the REST fallback, just enough surface for manual
// testing and the integration tests. It is a fixture, not a product server.
package stub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/questfall/coop-client/internal/coop"
	"github.com/questfall/coop-client/internal/invitation"
	"github.com/questfall/coop-client/pkg/wire"
)

type Server struct {
	logger *zap.Logger

	mu          sync.Mutex
	invitations map[string]*coop.Invitation
	runs        map[string]*coop.CooperativeQuestRun
	// rooms key by lobby id, which is the invitation id.
	rooms map[string]map[*session]struct{}
}

type session struct {
	userID string
	outbox chan []byte
	closed bool
}

func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		logger:      logger,
		invitations: make(map[string]*coop.Invitation),
		runs:        make(map[string]*coop.CooperativeQuestRun),
		rooms:       make(map[string]map[*session]struct{}),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Post("/invitations", s.createInvitation)
	r.Get("/invitations/{id}", s.getInvitation)
	r.Post("/invitations/{id}/responses", s.respondInvitation)
	r.Post("/quest-runs", s.createQuestRun)
	r.Get("/quest-runs/{id}", s.getQuestRun)
	r.Delete("/quest-runs/{id}", s.cancelQuestRun)
	r.Post("/quest-runs/{id}/start", s.startQuestRun)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/ws", s.handleWS)

	return r
}

// --- REST ---

type invitationBody struct {
	QuestRunID string   `json:"questRunId"`
	InviterID  string   `json:"inviterId"`
	InviteeIDs []string `json:"inviteeIds"`
}

func (s *Server) createInvitation(w http.ResponseWriter, r *http.Request) {
	var body invitationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	lc, err := invitation.Create(body.InviterID, body.InviteeIDs, body.QuestRunID, time.Now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	inv := lc.Invitation()

	s.mu.Lock()
	s.invitations[inv.ID] = &inv
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, invitationJSON(inv))
}

func (s *Server) getInvitation(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	inv, ok := s.invitations[chi.URLParam(r, "id")]
	if ok {
		inv.Status = invitation.ComputeStatus(*inv, time.Now())
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "invitation not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, invitationJSON(*inv))
}

type respondBody struct {
	UserID string `json:"userId"`
	Action string `json:"action"`
}

func (s *Server) respondInvitation(w http.ResponseWriter, r *http.Request) {
	var body respondBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	action, ok := wire.InvitationResponsePayload{Action: body.Action}.NormalizedAction()
	if !ok {
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}

	id := chi.URLParam(r, "id")
	s.mu.Lock()
	inv, found := s.invitations[id]
	if !found {
		s.mu.Unlock()
		http.Error(w, "invitation not found", http.StatusNotFound)
		return
	}
	for _, resp := range inv.Responses {
		if resp.UserID == body.UserID {
			s.mu.Unlock()
			http.Error(w, "already responded", http.StatusConflict)
			return
		}
	}
	inv.Responses = append(inv.Responses, coop.Response{
		UserID:      body.UserID,
		Action:      action,
		RespondedAt: time.Now(),
	})
	inv.Status = invitation.ComputeStatus(*inv, time.Now())
	s.mu.Unlock()

	// Lobby id is the invitation id; everyone in the room hears about it.
	s.broadcast(id, wire.EvtLobbyInvitationResponse, wire.InvitationResponsePayload{
		UserID: body.UserID,
		Action: string(action),
	})
	w.WriteHeader(http.StatusOK)
}

type runBody struct {
	QuestID     string   `json:"questId"`
	HostID      string   `json:"hostId"`
	InviteeIDs  []string `json:"inviteeIds"`
	DurationSec int      `json:"durationSec"`
}

func (s *Server) createQuestRun(w http.ResponseWriter, r *http.Request) {
	var body runBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	run := &coop.CooperativeQuestRun{
		ID:       uuid.NewString(),
		QuestID:  body.QuestID,
		HostID:   body.HostID,
		Status:   coop.RunPending,
		Duration: time.Duration(body.DurationSec) * time.Second,
		Participants: []coop.RunParticipant{
			{UserID: body.HostID, Status: coop.RunPending},
		},
	}
	for _, id := range body.InviteeIDs {
		run.Participants = append(run.Participants, coop.RunParticipant{UserID: id, Status: coop.RunPending})
	}

	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, runJSON(*run))
}

func (s *Server) getQuestRun(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	run, ok := s.runs[chi.URLParam(r, "id")]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, runJSON(*run))
}

func (s *Server) cancelQuestRun(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	delete(s.runs, chi.URLParam(r, "id"))
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// startQuestRun flips the run active and pushes questStarted, the way the
// real backend does when the lobby resolves.
func (s *Server) startQuestRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	run, ok := s.runs[id]
	if ok && run.Status == coop.RunPending {
		run.Status = coop.RunActive
		run.ActualStartTime = time.Now().UTC().Truncate(time.Millisecond)
		if run.Duration > 0 {
			run.ScheduledEndTime = run.ActualStartTime.Add(run.Duration)
		}
	}
	s.mu.Unlock()
	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	s.broadcastAll(wire.EvtQuestStarted, wire.QuestStartedPayload{
		QuestRunID: id, ActualStartTime: run.ActualStartTime,
	})
	w.WriteHeader(http.StatusOK)
}

// --- websocket ---

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer c.Close(websocket.StatusNormalClosure, "bye")

	sess := &session{userID: userID, outbox: make(chan []byte, 16)}
	defer s.dropSession(sess)

	writeCtx, writeCancel := context.WithCancel(r.Context())
	defer writeCancel()
	go func() {
		for frame := range sess.outbox {
			ctx, cancel := context.WithTimeout(writeCtx, 3*time.Second)
			_ = c.Write(ctx, websocket.MessageText, frame)
			cancel()
		}
	}()

	for {
		_, data, err := c.Read(r.Context())
		if err != nil {
			return
		}
		env, err := wire.Decode(data)
		if err != nil {
			continue
		}
		s.handleEvent(sess, env)
	}
}

func (s *Server) handleEvent(sess *session, env wire.Envelope) {
	var ref wire.LobbyRef
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &ref)
	}

	switch env.Event {
	case wire.EvtLobbyJoin:
		s.joinRoom(ref.LobbyID, sess)

	case wire.EvtLobbyLeave:
		s.leaveRoom(ref.LobbyID, sess)

	case wire.EvtLobbyReady, wire.EvtLobbyUnready:
		s.broadcast(ref.LobbyID, wire.EvtLobbyReadyStatus, wire.ReadyStatusPayload{
			UserID:  sess.userID,
			IsReady: env.Event == wire.EvtLobbyReady,
		})
	}
}

func (s *Server) joinRoom(lobbyID string, sess *session) {
	if lobbyID == "" {
		return
	}
	s.mu.Lock()
	room, ok := s.rooms[lobbyID]
	if !ok {
		room = make(map[*session]struct{})
		s.rooms[lobbyID] = room
	}
	room[sess] = struct{}{}
	snapshot := s.lobbySnapshotLocked(lobbyID)
	s.mu.Unlock()

	s.send(sess, wire.EvtLobbyJoined, snapshot)
	s.broadcast(lobbyID, wire.EvtLobbyParticipantJoined, map[string]any{
		"lobbyId":     lobbyID,
		"participant": wire.ParticipantPayload{UserID: sess.userID, Username: sess.userID},
	})
}

// lobbySnapshotLocked builds the authoritative join snapshot from the
// invitation keyed by the lobby id.
func (s *Server) lobbySnapshotLocked(lobbyID string) wire.LobbyJoinedPayload {
	snap := wire.LobbyJoinedPayload{LobbyID: lobbyID}
	inv, ok := s.invitations[lobbyID]
	if !ok {
		return snap
	}
	snap.QuestRunID = inv.QuestRunID

	snap.Participants = append(snap.Participants, wire.ParticipantPayload{
		UserID:           inv.InviterID,
		Username:         inv.InviterID,
		IsCreator:        true,
		InvitationStatus: string(coop.InviteAccepted),
	})
	for _, id := range inv.InviteeIDs {
		status := string(coop.InvitePending)
		for _, resp := range inv.Responses {
			if resp.UserID == id {
				status = string(resp.Action)
			}
		}
		snap.Participants = append(snap.Participants, wire.ParticipantPayload{
			UserID:           id,
			Username:         id,
			InvitationStatus: status,
		})
	}
	return snap
}

func (s *Server) leaveRoom(lobbyID string, sess *session) {
	s.mu.Lock()
	if room, ok := s.rooms[lobbyID]; ok {
		delete(room, sess)
	}
	s.mu.Unlock()
}

func (s *Server) dropSession(sess *session) {
	s.mu.Lock()
	for _, room := range s.rooms {
		delete(room, sess)
	}
	sess.closed = true
	close(sess.outbox)
	s.mu.Unlock()
}

// send is non-blocking: a stalled reader loses frames rather than stalling
// the rest of the room. Close and send serialize on s.mu.
func (s *Server) send(sess *session, event string, data any) {
	frame, err := wire.Encode(event, data)
	if err != nil {
		s.logger.Warn("encode failed", zap.String("event", event), zap.Error(err))
		return
	}
	s.mu.Lock()
	if !sess.closed {
		select {
		case sess.outbox <- frame:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Server) broadcast(lobbyID, event string, data any) {
	s.mu.Lock()
	sessions := make([]*session, 0)
	for sess := range s.rooms[lobbyID] {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		s.send(sess, event, data)
	}
}

func (s *Server) broadcastAll(event string, data any) {
	s.mu.Lock()
	seen := make(map[*session]struct{})
	for _, room := range s.rooms {
		for sess := range room {
			seen[sess] = struct{}{}
		}
	}
	s.mu.Unlock()
	for sess := range seen {
		s.send(sess, event, data)
	}
}

// --- JSON shapes shared with the rest client ---

func invitationJSON(inv coop.Invitation) map[string]any {
	responses := make([]map[string]any, 0, len(inv.Responses))
	for _, r := range inv.Responses {
		responses = append(responses, map[string]any{
			"userId":      r.UserID,
			"action":      string(r.Action),
			"respondedAt": r.RespondedAt,
		})
	}
	return map[string]any{
		"id":         inv.ID,
		"questRunId": inv.QuestRunID,
		"inviterId":  inv.InviterID,
		"inviteeIds": inv.InviteeIDs,
		"responses":  responses,
		"status":     string(inv.Status),
		"createdAt":  inv.CreatedAt,
		"expiresAt":  inv.ExpiresAt,
	}
}

func runJSON(run coop.CooperativeQuestRun) map[string]any {
	participants := make([]map[string]any, 0, len(run.Participants))
	for _, p := range run.Participants {
		participants = append(participants, map[string]any{
			"userId":      p.UserID,
			"displayName": p.DisplayName,
			"ready":       p.Ready,
			"status":      string(p.Status),
		})
	}
	out := map[string]any{
		"id":           run.ID,
		"questId":      run.QuestID,
		"hostId":       run.HostID,
		"participants": participants,
		"status":       string(run.Status),
		"durationSec":  int(run.Duration / time.Second),
	}
	if !run.ActualStartTime.IsZero() {
		out["actualStartTime"] = run.ActualStartTime
	}
	if !run.ScheduledEndTime.IsZero() {
		out["scheduledEndTime"] = run.ScheduledEndTime
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
