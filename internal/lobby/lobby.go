package lobby

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/questfall/coop-client/internal/coop"
)

type Msg interface{ isLobbyMsg() }

// JoinLobby replaces local state wholesale with the authoritative snapshot
// fetched on entry, so partial state built from early events cannot survive.
type JoinLobby struct {
	LobbyID      string
	Participants []coop.LobbyParticipant
}

func (JoinLobby) isLobbyMsg() {}

// ParticipantUpdate merges the non-nil fields into the participant record,
// inserting it if absent. Applying the same update twice yields the same
// state.
type ParticipantUpdate struct {
	UserID           string
	DisplayName      *string
	IsCreator        *bool
	InvitationStatus *coop.InviteState
	IsReady          *bool
	JoinedAt         *time.Time
}

func (ParticipantUpdate) isLobbyMsg() {}

// InvitationResponse records an invitee's accept/decline. An accept stamps
// JoinedAt once; redelivery leaves the stamp alone.
type InvitationResponse struct {
	UserID string
	Action coop.ResponseAction
	At     time.Time
}

func (InvitationResponse) isLobbyMsg() {}

type MarkReady struct {
	UserID string
	Ready  bool
}

func (MarkReady) isLobbyMsg() {}

// LeaveLobby clears all participant state. The transition guard is NOT
// reset here: it is keyed by lobby id and only a join under a different id
// re-arms it.
type LeaveLobby struct{}

func (LeaveLobby) isLobbyMsg() {}

type Watch struct {
	ID     string
	Outbox chan Snapshot
}

func (Watch) isLobbyMsg() {}

type Unwatch struct{ ID string }

func (Unwatch) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

// Snapshot is what watchers receive after every effective mutation. The
// derived booleans are recomputed at build time, never cached.
type Snapshot struct {
	Version      int
	LobbyID      string
	Participants []coop.LobbyParticipant
	AllResponded bool
	AllReady     bool
	Accepted     []coop.LobbyParticipant
}

// View is a synchronous read of the coordinator. The derived booleans are
// recomputed at reply time.
type View struct {
	Version         int
	LobbyID         string
	NumWatchers     int
	Participants    []coop.LobbyParticipant
	AllResponded    bool
	AllReady        bool
	HasTransitioned bool
}

// Coordinator owns the participant map for one lobby at a time. It runs a
// single goroutine; all mutation flows through the inbox, so handlers never
// race each other.
type Coordinator struct {
	inbox        chan Msg
	lobbyID      string
	participants map[string]coop.LobbyParticipant
	version      int
	watchers     map[string]chan Snapshot

	// transitionedFor holds the lobby id for which the ready-screen
	// transition already fired; eligibility re-evaluation for that id is
	// inert until a join under a different id.
	transitionedFor string
	transitions     chan string

	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewCoordinator(parent context.Context, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	c := &Coordinator{
		inbox:        make(chan Msg, 64),
		participants: make(map[string]coop.LobbyParticipant),
		watchers:     make(map[string]chan Snapshot),
		transitions:  make(chan string, 4),
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
	go c.loop()
	return c
}

// Inbox exposes the message channel to the facade and tests.
func (c *Coordinator) Inbox() chan<- Msg { return c.inbox }

// Transitions delivers each lobby id at most once, when the lobby becomes
// eligible to progress to the ready screen.
func (c *Coordinator) Transitions() <-chan string { return c.transitions }

func (c *Coordinator) loop() {
	for {
		select {
		case <-c.ctx.Done():
			c.shutdown()
			return

		case m := <-c.inbox:
			switch msg := m.(type) {
			case JoinLobby:
				c.lobbyID = msg.LobbyID
				c.participants = make(map[string]coop.LobbyParticipant, len(msg.Participants))
				for _, p := range msg.Participants {
					c.participants[p.UserID] = p
				}
				c.version++
				c.afterMutation()

			case ParticipantUpdate:
				if c.applyUpdate(msg) {
					c.version++
					c.afterMutation()
				}

			case InvitationResponse:
				if c.applyResponse(msg) {
					c.version++
					c.afterMutation()
				}

			case MarkReady:
				if c.applyReady(msg.UserID, msg.Ready) {
					c.version++
					c.afterMutation()
				}

			case LeaveLobby:
				c.lobbyID = ""
				c.participants = make(map[string]coop.LobbyParticipant)
				c.version++

			case Watch:
				c.watchers[msg.ID] = msg.Outbox
				msg.Outbox <- c.snapshot()

			case Unwatch:
				delete(c.watchers, msg.ID)

			case GetState:
				snap := c.snapshot()
				msg.Reply <- View{
					Version:         c.version,
					LobbyID:         c.lobbyID,
					NumWatchers:     len(c.watchers),
					Participants:    snap.Participants,
					AllResponded:    snap.AllResponded,
					AllReady:        snap.AllReady,
					HasTransitioned: c.lobbyID != "" && c.lobbyID == c.transitionedFor,
				}

			case Shutdown:
				c.shutdown()
				return
			}
		}
	}
}

func (c *Coordinator) applyUpdate(u ParticipantUpdate) bool {
	p, ok := c.participants[u.UserID]
	if !ok {
		p = coop.LobbyParticipant{UserID: u.UserID, InvitationStatus: coop.InvitePending}
	}
	before := p
	if u.DisplayName != nil {
		p.DisplayName = *u.DisplayName
	}
	if u.IsCreator != nil {
		p.IsCreator = *u.IsCreator
	}
	if u.InvitationStatus != nil {
		p.InvitationStatus = *u.InvitationStatus
	}
	if u.IsReady != nil {
		p.IsReady = *u.IsReady
	}
	if u.JoinedAt != nil && p.JoinedAt.IsZero() {
		p.JoinedAt = *u.JoinedAt
	}
	if ok && p == before {
		return false
	}
	c.participants[u.UserID] = p
	return true
}

func (c *Coordinator) applyResponse(r InvitationResponse) bool {
	p, ok := c.participants[r.UserID]
	if !ok {
		p = coop.LobbyParticipant{UserID: r.UserID, InvitationStatus: coop.InvitePending}
	}
	before := p
	switch r.Action {
	case coop.ActionAccepted:
		p.InvitationStatus = coop.InviteAccepted
		if p.JoinedAt.IsZero() {
			p.JoinedAt = r.At
		}
	case coop.ActionDeclined:
		p.InvitationStatus = coop.InviteDeclined
	default:
		return false
	}
	if ok && p == before {
		return false
	}
	c.participants[r.UserID] = p
	return true
}

func (c *Coordinator) applyReady(userID string, ready bool) bool {
	p, ok := c.participants[userID]
	if !ok || p.IsReady == ready {
		return false
	}
	p.IsReady = ready
	c.participants[userID] = p
	return true
}

// afterMutation broadcasts the new snapshot and checks the single-fire
// transition trigger.
func (c *Coordinator) afterMutation() {
	snap := c.snapshot()
	c.broadcast(snap)

	if snap.AllResponded && len(snap.Accepted) > 1 && c.lobbyID != "" && c.transitionedFor != c.lobbyID {
		c.transitionedFor = c.lobbyID
		select {
		case c.transitions <- c.lobbyID:
		default:
			c.logger.Warn("transition listener not draining", zap.String("lobby_id", c.lobbyID))
		}
	}
}

func (c *Coordinator) snapshot() Snapshot {
	parts := c.sorted()

	allResponded := len(parts) > 0
	var accepted []coop.LobbyParticipant
	for _, p := range parts {
		if p.InvitationStatus == coop.InvitePending {
			allResponded = false
		}
		if p.InvitationStatus == coop.InviteAccepted {
			accepted = append(accepted, p)
		}
	}
	allReady := len(accepted) > 0
	for _, p := range accepted {
		if !p.IsReady {
			allReady = false
		}
	}

	return Snapshot{
		Version:      c.version,
		LobbyID:      c.lobbyID,
		Participants: parts,
		AllResponded: allResponded,
		AllReady:     allReady,
		Accepted:     accepted,
	}
}

func (c *Coordinator) sorted() []coop.LobbyParticipant {
	parts := make([]coop.LobbyParticipant, 0, len(c.participants))
	for _, p := range c.participants {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].UserID < parts[j].UserID })
	return parts
}

func (c *Coordinator) broadcast(snap Snapshot) {
	for id, ch := range c.watchers {
		select {
		case ch <- snap:
		default:
			// Watcher is slow/full - drop them.
			close(ch)
			delete(c.watchers, id)
		}
	}
}

func (c *Coordinator) shutdown() {
	for id, ch := range c.watchers {
		close(ch)
		delete(c.watchers, id)
	}
	c.cancel()
}
