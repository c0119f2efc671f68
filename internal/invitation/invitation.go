package invitation

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/questfall/coop-client/internal/coop"
)

// resolveThreshold is how close to expiry an invitation may get before the
// resolve-now policy stops waiting for stragglers.
const resolveThreshold = 10 * time.Second

// Lifecycle tracks one invitation from creation to a terminal status. It is
// not goroutine safe; the owning coordinator is its sole mutator.
type Lifecycle struct {
	inv       coop.Invitation
	responded map[string]coop.ResponseAction
}

// Create validates and builds a new invitation. The expiry deadline is fixed
// here and never moves.
func Create(inviterID string, inviteeIDs []string, questRunID string, now time.Time) (*Lifecycle, error) {
	if len(inviteeIDs) == 0 {
		return nil, coop.ErrNoInvitees
	}
	if slices.Contains(inviteeIDs, inviterID) {
		return nil, coop.ErrSelfInvite
	}

	unique := make([]string, 0, len(inviteeIDs))
	seen := make(map[string]struct{}, len(inviteeIDs))
	for _, id := range inviteeIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	if len(unique) > coop.MaxInvitees {
		return nil, coop.ErrTooManyInvitees
	}

	return &Lifecycle{
		inv: coop.Invitation{
			ID:         uuid.NewString(),
			QuestRunID: questRunID,
			InviterID:  inviterID,
			InviteeIDs: unique,
			Status:     coop.InvitationPending,
			CreatedAt:  now,
			ExpiresAt:  now.Add(coop.DefaultInvitationTTL),
		},
		responded: make(map[string]coop.ResponseAction),
	}, nil
}

// Restore rebuilds a lifecycle from an invitation fetched elsewhere (REST
// snapshot). Responses are replayed through the same idempotent path used
// for pushed events.
func Restore(inv coop.Invitation) *Lifecycle {
	l := &Lifecycle{
		inv: coop.Invitation{
			ID:         inv.ID,
			QuestRunID: inv.QuestRunID,
			InviterID:  inv.InviterID,
			InviteeIDs: slices.Clone(inv.InviteeIDs),
			Status:     coop.InvitationPending,
			CreatedAt:  inv.CreatedAt,
			ExpiresAt:  inv.ExpiresAt,
		},
		responded: make(map[string]coop.ResponseAction),
	}
	for _, r := range inv.Responses {
		l.RecordResponse(r.UserID, r.Action, r.RespondedAt)
	}
	if inv.Status == coop.InvitationCancelled {
		l.Cancel()
	}
	return l
}

// RecordResponse appends one invitee's answer. It is a no-op (returning
// false) for non-invitees, duplicate deliveries, and terminal invitations,
// which makes redelivery from the channel and the poller harmless.
func (l *Lifecycle) RecordResponse(userID string, action coop.ResponseAction, now time.Time) bool {
	if l.inv.Status.Terminal() {
		return false
	}
	if !slices.Contains(l.inv.InviteeIDs, userID) {
		return false
	}
	if _, dup := l.responded[userID]; dup {
		return false
	}

	l.responded[userID] = action
	l.inv.Responses = append(l.inv.Responses, coop.Response{
		UserID:      userID,
		Action:      action,
		RespondedAt: now,
	})
	l.advance(ComputeStatus(l.inv, now))
	return true
}

// Cancel moves the invitation to its cancelled terminal status.
func (l *Lifecycle) Cancel() {
	l.advance(coop.InvitationCancelled)
}

// Status commits and returns the current status. Commitment is monotonic:
// a recomputation can never move the invitation backwards.
func (l *Lifecycle) Status(now time.Time) coop.InvitationStatus {
	l.advance(ComputeStatus(l.inv, now))
	return l.inv.Status
}

func (l *Lifecycle) advance(next coop.InvitationStatus) {
	if l.inv.Status.Terminal() {
		return
	}
	if next.AtLeast(l.inv.Status) {
		l.inv.Status = next
	}
}

// Invitation returns a copy of the tracked invitation.
func (l *Lifecycle) Invitation() coop.Invitation {
	inv := l.inv
	inv.InviteeIDs = slices.Clone(l.inv.InviteeIDs)
	inv.Responses = slices.Clone(l.inv.Responses)
	return inv
}

func (l *Lifecycle) AcceptedCount() int {
	n := 0
	for _, a := range l.responded {
		if a == coop.ActionAccepted {
			n++
		}
	}
	return n
}

func (l *Lifecycle) AllResponded() bool {
	return len(l.responded) == len(l.inv.InviteeIDs)
}

// SecondsRemaining is the whole seconds left until expiry, never negative.
func (l *Lifecycle) SecondsRemaining(now time.Time) int {
	rem := l.inv.ExpiresAt.Sub(now)
	if rem < 0 {
		return 0
	}
	return int(rem / time.Second)
}

// ExpiresAt returns the fixed expiry deadline.
func (l *Lifecycle) ExpiresAt() time.Time { return l.inv.ExpiresAt }

// ShouldResolveNow is the auto-resolution policy consulted by the deadline
// scheduler: start with whoever accepted once everyone answered, or once the
// deadline is close enough that waiting for stragglers would burn the run.
func (l *Lifecycle) ShouldResolveNow(now time.Time) bool {
	if l.AcceptedCount() == 0 {
		return false
	}
	return l.AllResponded() || l.inv.ExpiresAt.Sub(now) < resolveThreshold
}

// ComputeStatus derives the status purely from accumulated responses and the
// clock; it does not depend on delivery order. The expiry check runs first,
// and Complete/Expired win over Partial/Pending.
func ComputeStatus(inv coop.Invitation, now time.Time) coop.InvitationStatus {
	accepted := 0
	for _, r := range inv.Responses {
		if r.Action == coop.ActionAccepted {
			accepted++
		}
	}
	allResponded := len(inv.Responses) == len(inv.InviteeIDs)

	switch {
	case now.After(inv.ExpiresAt) && accepted == 0:
		return coop.InvitationExpired
	case allResponded && accepted > 0:
		return coop.InvitationComplete
	case accepted > 0:
		return coop.InvitationPartial
	default:
		return coop.InvitationPending
	}
}
