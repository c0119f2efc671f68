package coop

import "time"

// MaxInvitees caps how many users one invitation can target (party of four).
const MaxInvitees = 3

// DefaultInvitationTTL is the expiry window fixed at invitation creation.
const DefaultInvitationTTL = 5 * time.Minute

type ResponseAction string

const (
	ActionAccepted ResponseAction = "accepted"
	ActionDeclined ResponseAction = "declined"
)

type InvitationStatus string

const (
	InvitationPending   InvitationStatus = "pending"
	InvitationPartial   InvitationStatus = "partial"
	InvitationComplete  InvitationStatus = "complete"
	InvitationExpired   InvitationStatus = "expired"
	InvitationCancelled InvitationStatus = "cancelled"
)

// invitationRank orders statuses so that a committed status never moves
// backwards. The three terminal statuses share a rank; once any of them is
// committed the invitation is frozen.
func invitationRank(s InvitationStatus) int {
	switch s {
	case InvitationPending:
		return 0
	case InvitationPartial:
		return 1
	case InvitationComplete, InvitationExpired, InvitationCancelled:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether no further invitation transition is defined.
func (s InvitationStatus) Terminal() bool {
	return invitationRank(s) == 2
}

// AtLeast reports whether s is equal to or further along than other.
func (s InvitationStatus) AtLeast(other InvitationStatus) bool {
	return invitationRank(s) >= invitationRank(other)
}

type InviteState string

const (
	InvitePending  InviteState = "pending"
	InviteAccepted InviteState = "accepted"
	InviteDeclined InviteState = "declined"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunActive    RunStatus = "active"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

func runRank(s RunStatus) int {
	switch s {
	case RunPending:
		return 0
	case RunActive:
		return 1
	case RunCompleted, RunFailed:
		return 2
	default:
		return -1
	}
}

func (s RunStatus) Terminal() bool { return runRank(s) == 2 }

// AtLeast reports whether s is equal to or further along than other.
func (s RunStatus) AtLeast(other RunStatus) bool {
	return runRank(s) >= runRank(other)
}

// Forward reports whether moving from s to next is a legal forward
// transition (pending -> active -> completed/failed, never backwards).
func (s RunStatus) Forward(next RunStatus) bool {
	return runRank(next) > runRank(s)
}

// Response is one invitee's answer to an invitation. At most one response
// exists per invitee.
type Response struct {
	UserID      string
	Action      ResponseAction
	RespondedAt time.Time
}

// Invitation is the record of one inviter proposing a cooperative run to a
// fixed set of invitees. Mutated only by appending responses; terminal
// statuses freeze it.
type Invitation struct {
	ID         string
	QuestRunID string
	InviterID  string
	InviteeIDs []string
	Responses  []Response
	Status     InvitationStatus
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// LobbyParticipant is one user in the pre-run staging lobby. IsReady is only
// meaningful while InvitationStatus is accepted. A zero JoinedAt means the
// participant has not joined yet.
type LobbyParticipant struct {
	UserID           string
	DisplayName      string
	IsCreator        bool
	InvitationStatus InviteState
	IsReady          bool
	JoinedAt         time.Time
}

// RunParticipant is one user's run-level view once a quest run exists.
type RunParticipant struct {
	UserID      string
	DisplayName string
	Ready       bool
	Status      RunStatus
}

// CooperativeQuestRun is the authoritative, time-bounded session the lobby
// resolves into. ScheduledEndTime is anchored to the server's
// ActualStartTime so every participant computes the same end.
type CooperativeQuestRun struct {
	ID               string
	QuestID          string
	HostID           string
	Participants     []RunParticipant
	Status           RunStatus
	Duration         time.Duration
	ActualStartTime  time.Time
	ScheduledEndTime time.Time
}

// Participant returns the run participant entry for userID, if present.
func (r *CooperativeQuestRun) Participant(userID string) (RunParticipant, bool) {
	for _, p := range r.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return RunParticipant{}, false
}

type ConnPhase string

const (
	ConnDisconnected ConnPhase = "disconnected"
	ConnConnecting   ConnPhase = "connecting"
	ConnConnected    ConnPhase = "connected"
)
