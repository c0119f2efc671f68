package client

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/questfall/coop-client/internal/conn"
	"github.com/questfall/coop-client/internal/coop"
	"github.com/questfall/coop-client/internal/deadline"
	"github.com/questfall/coop-client/internal/invitation"
	"github.com/questfall/coop-client/internal/lobby"
	"github.com/questfall/coop-client/internal/questrun"
	"github.com/questfall/coop-client/internal/rest"
	"github.com/questfall/coop-client/pkg/wire"
)

// Client is the surface the presentation layer consumes. It wires channel
// events and REST responses into the coordinators through one set of
// idempotent entry points, so pushed and polled facts are indistinguishable
// past this boundary.
//
// The mutex serializes the facade's own bookkeeping (current invitation,
// registered handlers, current lobby id); the coordinators serialize their
// own state on their loops.
type Client struct {
	mu sync.Mutex

	userID string
	logger *zap.Logger

	conn  *conn.Manager
	rest  *rest.Client
	sched *deadline.Scheduler

	lobbies *lobby.Coordinator
	runs    *questrun.Synchronizer

	inv       *invitation.Lifecycle
	invCancel context.CancelFunc

	lobbyID       string
	lobbyHandlers []registration
	runHandlers   []registration

	resolveNow chan struct{}

	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

type registration struct {
	event   string
	handler conn.Handler
}

type Options struct {
	UserID string
	Logger *zap.Logger
	Now    func() time.Time
}

func New(parent context.Context, cm *conn.Manager, rc *rest.Client, sched *deadline.Scheduler, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(parent)
	return &Client{
		userID:     opts.UserID,
		logger:     logger,
		conn:       cm,
		rest:       rc,
		sched:      sched,
		lobbies:    lobby.NewCoordinator(ctx, logger),
		runs:       questrun.NewSynchronizer(ctx, logger),
		resolveNow: make(chan struct{}, 1),
		now:        now,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Close tears everything down: handlers off, best-effort room leave, local
// state cleared.
func (c *Client) Close() {
	c.LeaveLobby()
	c.mu.Lock()
	if c.invCancel != nil {
		c.invCancel()
		c.invCancel = nil
	}
	c.offLocked(&c.runHandlers)
	c.mu.Unlock()
	c.cancel()
}

// LobbyTransitions delivers each lobby id at most once when the lobby is
// eligible to progress to the ready screen.
func (c *Client) LobbyTransitions() <-chan string { return c.lobbies.Transitions() }

// ResolveNow signals that the auto-resolution policy fired for the current
// invitation: enough invitees answered, start with who we have.
func (c *Client) ResolveNow() <-chan struct{} { return c.resolveNow }

// CreateInvitation creates the underlying quest run and the invitation, and
// starts the expiry countdown plus the reconciliation poll.
func (c *Client) CreateInvitation(ctx context.Context, questID string, inviteeIDs []string, duration time.Duration) (coop.Invitation, error) {
	// Validate locally before spending round trips.
	if _, err := invitation.Create(c.userID, inviteeIDs, "", c.now()); err != nil {
		return coop.Invitation{}, err
	}

	run, err := c.rest.CreateQuestRun(ctx, rest.CreateQuestRunRequest{
		QuestID:     questID,
		HostID:      c.userID,
		InviteeIDs:  inviteeIDs,
		DurationSec: int(duration / time.Second),
	})
	if err != nil {
		return coop.Invitation{}, err
	}
	run.Duration = duration

	inv, err := c.rest.CreateInvitation(ctx, rest.CreateInvitationRequest{
		QuestRunID: run.ID,
		InviterID:  c.userID,
		InviteeIDs: inviteeIDs,
	})
	if err != nil {
		return coop.Invitation{}, err
	}

	c.mu.Lock()
	if c.invCancel != nil {
		c.invCancel()
	}
	c.inv = invitation.Restore(inv)
	watchCtx, watchCancel := context.WithCancel(c.ctx)
	c.invCancel = watchCancel
	c.mu.Unlock()

	c.runs.Inbox() <- questrun.Track{Run: run, LocalUserID: c.userID}
	c.subscribeRunEvents(run.ID)
	c.watchInvitation(watchCtx, inv.ID, run.ID)

	return inv, nil
}

func (c *Client) watchInvitation(ctx context.Context, invitationID, runID string) {
	c.sched.WatchInvitation(ctx, deadline.Hooks{
		Deadline: func() time.Time {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.inv == nil {
				return time.Time{}
			}
			return c.inv.ExpiresAt()
		},
		ShouldResolve: func(now time.Time) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.inv != nil && c.inv.ShouldResolveNow(now)
		},
		OnExpire: func() {
			c.expireInvitation(runID)
		},
		OnResolve: func() {
			select {
			case c.resolveNow <- struct{}{}:
			default:
			}
		},
		Poll: func(ctx context.Context) {
			c.reconcileInvitation(ctx, invitationID)
		},
	})
}

// expireInvitation handles the deadline passing. With zero acceptances the
// invitation is a defined terminal transition, not an error, and the
// underlying run is cancelled.
func (c *Client) expireInvitation(runID string) {
	c.mu.Lock()
	status := coop.InvitationStatus("")
	if c.inv != nil {
		status = c.inv.Status(c.now())
	}
	c.mu.Unlock()

	if status != coop.InvitationExpired {
		return
	}
	c.logger.Info("invitation expired with no acceptances, cancelling run",
		zap.String("run_id", runID))

	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	if err := c.rest.CancelQuestRun(ctx, runID); err != nil {
		c.logger.Warn("run cancel failed", zap.String("run_id", runID), zap.Error(err))
	}
}

// reconcileInvitation re-fetches the invitation and replays its responses
// through the same entry points pushed events use. Duplicates fall out as
// no-ops.
func (c *Client) reconcileInvitation(ctx context.Context, invitationID string) {
	inv, err := c.rest.FetchInvitation(ctx, invitationID)
	if err != nil {
		c.logger.Debug("invitation poll failed", zap.Error(err))
		return
	}
	for _, r := range inv.Responses {
		c.applyInvitationResponse(r.UserID, r.Action, r.RespondedAt)
	}
	if inv.Status == coop.InvitationCancelled {
		c.mu.Lock()
		if c.inv != nil {
			c.inv.Cancel()
		}
		c.mu.Unlock()
	}
}

// applyInvitationResponse is the single ingestion point for accept/decline
// facts, regardless of whether they were pushed or polled.
func (c *Client) applyInvitationResponse(userID string, action coop.ResponseAction, at time.Time) {
	c.mu.Lock()
	if c.inv != nil {
		c.inv.RecordResponse(userID, action, at)
	}
	c.mu.Unlock()

	c.lobbies.Inbox() <- lobby.InvitationResponse{UserID: userID, Action: action, At: at}
}

// RecordResponse applies the local user's (or a remotely observed) response
// and forwards it to the server.
func (c *Client) RecordResponse(ctx context.Context, userID string, action coop.ResponseAction) error {
	c.mu.Lock()
	inv := c.inv
	c.mu.Unlock()
	if inv == nil {
		return coop.ErrNotFound
	}

	c.applyInvitationResponse(userID, action, c.now())

	if err := c.rest.RespondInvitation(ctx, inv.Invitation().ID, userID, action); err != nil {
		return err
	}
	return nil
}

// CurrentStatus reports the invitation status as of now.
func (c *Client) CurrentStatus() coop.InvitationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inv == nil {
		return ""
	}
	return c.inv.Status(c.now())
}

// JoinLobby subscribes to the lobby room and wires channel events into the
// coordinator. The authoritative lobby:joined snapshot replaces any partial
// state events may have built up first.
func (c *Client) JoinLobby(lobbyID string) {
	c.LeaveLobby()

	c.mu.Lock()
	c.lobbyID = lobbyID

	onJoined := func(data json.RawMessage) {
		var p wire.LobbyJoinedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			c.logger.Warn("bad lobby:joined payload", zap.Error(err))
			return
		}
		// The handler may run long after registration; drop it if the user
		// has moved on to a different lobby meanwhile.
		if p.LobbyID != lobbyID || !c.isCurrentLobby(lobbyID) {
			return
		}
		parts := make([]coop.LobbyParticipant, 0, len(p.Participants))
		for _, pp := range p.Participants {
			parts = append(parts, pp.Participant())
		}
		c.lobbies.Inbox() <- lobby.JoinLobby{LobbyID: p.LobbyID, Participants: parts}
	}

	onParticipantJoined := func(data json.RawMessage) {
		var p struct {
			LobbyID     string                  `json:"lobbyId"`
			Participant wire.ParticipantPayload `json:"participant"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		if p.LobbyID != "" && p.LobbyID != lobbyID {
			return
		}
		if !c.isCurrentLobby(lobbyID) {
			return
		}
		name := p.Participant.Name()
		st := coop.InvitePending
		if parsed, ok := wire.ParseInviteState(p.Participant.InvitationStatus); ok {
			st = parsed
		}
		c.lobbies.Inbox() <- lobby.ParticipantUpdate{
			UserID:           p.Participant.UserID,
			DisplayName:      &name,
			InvitationStatus: &st,
		}
	}

	onResponse := func(data json.RawMessage) {
		var p wire.InvitationResponsePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		action, ok := p.NormalizedAction()
		if !ok || !c.isCurrentLobby(lobbyID) {
			return
		}
		c.applyInvitationResponse(p.UserID, action, c.now())
	}

	onReadyStatus := func(data json.RawMessage) {
		var p wire.ReadyStatusPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		if !c.isCurrentLobby(lobbyID) {
			return
		}
		c.lobbies.Inbox() <- lobby.MarkReady{UserID: p.UserID, Ready: p.IsReady}
	}

	c.lobbyHandlers = []registration{
		{wire.EvtLobbyJoined, onJoined},
		{wire.EvtLobbyParticipantJoined, onParticipantJoined},
		{wire.EvtLobbyInvitationResponse, onResponse},
		{wire.EvtInvitationResponse, onResponse},
		{wire.EvtLobbyReadyStatus, onReadyStatus},
	}
	for _, r := range c.lobbyHandlers {
		c.conn.On(r.event, r.handler)
	}
	c.mu.Unlock()

	c.conn.JoinRoom(lobbyID)
}

func (c *Client) isCurrentLobby(lobbyID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lobbyID == lobbyID
}

// LeaveLobby unsubscribes every lobby handler, sends a best-effort leave,
// and clears coordinator state. Safe even if never connected.
func (c *Client) LeaveLobby() {
	c.mu.Lock()
	lobbyID := c.lobbyID
	c.lobbyID = ""
	c.offLocked(&c.lobbyHandlers)
	c.mu.Unlock()

	if lobbyID == "" {
		return
	}
	c.conn.LeaveRoom(lobbyID)
	c.lobbies.Inbox() <- lobby.LeaveLobby{}
}

func (c *Client) offLocked(regs *[]registration) {
	for _, r := range *regs {
		c.conn.Off(r.event, r.handler)
	}
	*regs = nil
}

// MarkReady toggles the local user's lobby ready flag and announces it.
func (c *Client) MarkReady(ready bool) {
	c.mu.Lock()
	lobbyID := c.lobbyID
	c.mu.Unlock()
	if lobbyID == "" {
		return
	}

	c.lobbies.Inbox() <- lobby.MarkReady{UserID: c.userID, Ready: ready}
	event := wire.EvtLobbyReady
	if !ready {
		event = wire.EvtLobbyUnready
	}
	c.conn.Emit(event, wire.LobbyRef{LobbyID: lobbyID})
}

// Participants returns the current lobby view.
func (c *Client) Participants() []coop.LobbyParticipant {
	return c.lobbyView().Participants
}

// AllReady reports whether at least one participant accepted and every
// accepted participant flagged ready.
func (c *Client) AllReady() bool {
	return c.lobbyView().AllReady
}

func (c *Client) lobbyView() lobby.View {
	reply := make(chan lobby.View, 1)
	c.lobbies.Inbox() <- lobby.GetState{Reply: reply}
	select {
	case v := <-reply:
		return v
	case <-c.ctx.Done():
		return lobby.View{}
	}
}

// StartRun begins tracking an existing run and subscribes to its events.
// Used by invitees whose device did not create the run.
func (c *Client) StartRun(ctx context.Context, runID string) error {
	run, err := c.rest.FetchQuestRun(ctx, runID)
	if err != nil {
		return err
	}
	c.runs.Inbox() <- questrun.Track{Run: run, LocalUserID: c.userID}
	c.subscribeRunEvents(runID)
	return nil
}

func (c *Client) subscribeRunEvents(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offLocked(&c.runHandlers)

	onStarted := func(data json.RawMessage) {
		var p wire.QuestStartedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		c.runs.Inbox() <- questrun.RunStarted{RunID: p.QuestRunID, ActualStartTime: p.ActualStartTime}
	}
	onReady := func(data json.RawMessage) {
		var p wire.ParticipantReadyPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		if p.QuestRunID != "" && p.QuestRunID != runID {
			return
		}
		c.runs.Inbox() <- questrun.ParticipantReady{UserID: p.UserID, Ready: p.Ready}
	}
	onJoined := func(data json.RawMessage) {
		var p wire.ParticipantJoinedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return
		}
		c.runs.Inbox() <- questrun.ParticipantJoined{UserID: p.UserID, RunID: p.QuestRunID, JoinedAt: p.JoinedAt}
	}

	c.runHandlers = []registration{
		{wire.EvtQuestStarted, onStarted},
		{wire.EvtParticipantReady, onReady},
		{wire.EvtParticipantJoined, onJoined},
	}
	for _, r := range c.runHandlers {
		c.conn.On(r.event, r.handler)
	}
}

// ReconcileRun re-fetches the run and replays its facts through the same
// idempotent entry points the channel uses, e.g. after a reconnect.
func (c *Client) ReconcileRun(ctx context.Context, runID string) error {
	run, err := c.rest.FetchQuestRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.AtLeast(coop.RunActive) && !run.ActualStartTime.IsZero() {
		c.runs.Inbox() <- questrun.RunStarted{RunID: run.ID, ActualStartTime: run.ActualStartTime}
	}
	if run.Status.Terminal() {
		c.runs.Inbox() <- questrun.RunStatusChange{RunID: run.ID, Status: run.Status}
	}
	for _, p := range run.Participants {
		c.runs.Inbox() <- questrun.ParticipantStatusChange{UserID: p.UserID, Status: p.Status}
	}
	return nil
}

// ApplyParticipantStatus feeds a run-level participant transition, e.g. from
// a completion screen fetch.
func (c *Client) ApplyParticipantStatus(userID string, status coop.RunStatus) {
	c.runs.Inbox() <- questrun.ParticipantStatusChange{UserID: userID, Status: status}
}

// RunStatus reports the tracked run's status, or ErrNoActiveRun.
func (c *Client) RunStatus() (coop.RunStatus, error) {
	reply := make(chan questrun.View, 1)
	c.runs.Inbox() <- questrun.GetState{Reply: reply}
	select {
	case v := <-reply:
		if !v.Tracking {
			return "", coop.ErrNoActiveRun
		}
		return v.Run.Status, nil
	case <-c.ctx.Done():
		return "", coop.ErrNoActiveRun
	}
}

// WatchRun exposes run snapshots to the presentation layer.
func (c *Client) WatchRun(id string, outbox chan questrun.Snapshot) {
	c.runs.Inbox() <- questrun.Watch{ID: id, Outbox: outbox}
}

// WatchLobby exposes lobby snapshots to the presentation layer.
func (c *Client) WatchLobby(id string, outbox chan lobby.Snapshot) {
	c.lobbies.Inbox() <- lobby.Watch{ID: id, Outbox: outbox}
}
