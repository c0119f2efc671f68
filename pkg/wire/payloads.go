package wire

import (
	"strings"
	"time"

	"github.com/questfall/coop-client/internal/coop"
)

// The server's payloads are not uniform: older events carry `status` where
// newer ones carry `action`, and a participant's display name may arrive as
// characterName, username, or displayName depending on the emitting path.
// Everything here folds those variants into the canonical coop shapes before
// any coordinator sees them.

// LobbyRef addresses a lobby room on the channel.
type LobbyRef struct {
	LobbyID string `json:"lobbyId"`
}

// ParticipantPayload is a participant as the server sends it.
type ParticipantPayload struct {
	UserID           string `json:"userId"`
	CharacterName    string `json:"characterName,omitempty"`
	Username         string `json:"username,omitempty"`
	DisplayName      string `json:"displayName,omitempty"`
	IsCreator        bool   `json:"isCreator,omitempty"`
	InvitationStatus string `json:"invitationStatus,omitempty"`
	IsReady          *bool  `json:"isReady,omitempty"`
	JoinedAt         string `json:"joinedAt,omitempty"`
}

// Name folds the three possible name fields into one display name.
func (p ParticipantPayload) Name() string {
	switch {
	case p.DisplayName != "":
		return p.DisplayName
	case p.CharacterName != "":
		return p.CharacterName
	default:
		return p.Username
	}
}

// Participant normalizes the payload into the canonical lobby shape.
// Unknown invitation statuses default to pending.
func (p ParticipantPayload) Participant() coop.LobbyParticipant {
	lp := coop.LobbyParticipant{
		UserID:           p.UserID,
		DisplayName:      p.Name(),
		IsCreator:        p.IsCreator,
		InvitationStatus: coop.InvitePending,
	}
	if st, ok := ParseInviteState(p.InvitationStatus); ok {
		lp.InvitationStatus = st
	}
	if p.IsReady != nil {
		lp.IsReady = *p.IsReady
	}
	if t, err := time.Parse(time.RFC3339, p.JoinedAt); err == nil {
		lp.JoinedAt = t
	}
	return lp
}

// LobbyJoinedPayload is the authoritative snapshot delivered on room entry.
type LobbyJoinedPayload struct {
	LobbyID      string               `json:"lobbyId"`
	QuestID      string               `json:"questId,omitempty"`
	QuestRunID   string               `json:"questRunId,omitempty"`
	Participants []ParticipantPayload `json:"participants"`
}

// InvitationResponsePayload covers both lobby:invitation-response and
// invitation:response, which disagree on the field name for the action.
type InvitationResponsePayload struct {
	UserID        string `json:"userId"`
	Action        string `json:"action,omitempty"`
	Status        string `json:"status,omitempty"`
	CharacterName string `json:"characterName,omitempty"`
}

// NormalizedAction folds action/status into a canonical response action.
func (p InvitationResponsePayload) NormalizedAction() (coop.ResponseAction, bool) {
	raw := p.Action
	if raw == "" {
		raw = p.Status
	}
	switch strings.ToLower(raw) {
	case "accept", "accepted":
		return coop.ActionAccepted, true
	case "decline", "declined", "rejected":
		return coop.ActionDeclined, true
	default:
		return "", false
	}
}

// ReadyStatusPayload reports a lobby ready toggle.
type ReadyStatusPayload struct {
	UserID  string `json:"userId"`
	IsReady bool   `json:"isReady"`
}

// QuestStartedPayload announces the run's transition to active. The server's
// actualStartTime is the clock anchor shared by all participants.
type QuestStartedPayload struct {
	QuestRunID      string    `json:"questRunId"`
	ActualStartTime time.Time `json:"actualStartTime"`
}

// ParticipantReadyPayload reports a run-level ready toggle.
type ParticipantReadyPayload struct {
	UserID     string `json:"userId"`
	Ready      bool   `json:"ready"`
	QuestRunID string `json:"questRunId,omitempty"`
}

// ParticipantJoinedPayload reports a participant attaching to the run.
type ParticipantJoinedPayload struct {
	UserID     string    `json:"userId"`
	QuestRunID string    `json:"questRunId"`
	JoinedAt   time.Time `json:"joinedAt"`
}

// ParticipantStatusPayload reports a run-level participant transition.
type ParticipantStatusPayload struct {
	UserID     string `json:"userId"`
	QuestRunID string `json:"questRunId,omitempty"`
	Status     string `json:"status"`
}

// ParseInviteState maps a wire invitation status onto the canonical enum.
func ParseInviteState(raw string) (coop.InviteState, bool) {
	switch strings.ToLower(raw) {
	case "pending", "invited":
		return coop.InvitePending, true
	case "accept", "accepted":
		return coop.InviteAccepted, true
	case "decline", "declined", "rejected":
		return coop.InviteDeclined, true
	default:
		return "", false
	}
}

// ParseRunStatus maps a wire run status onto the canonical enum.
func ParseRunStatus(raw string) (coop.RunStatus, bool) {
	switch strings.ToLower(raw) {
	case "pending":
		return coop.RunPending, true
	case "active", "started", "in_progress":
		return coop.RunActive, true
	case "completed", "complete":
		return coop.RunCompleted, true
	case "failed":
		return coop.RunFailed, true
	default:
		return "", false
	}
}
