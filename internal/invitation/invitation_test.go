package invitation

import (
	"errors"
	"testing"
	"time"

	"github.com/questfall/coop-client/internal/coop"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func mustCreate(t *testing.T, invitees ...string) *Lifecycle {
	t.Helper()
	l, err := Create("u1", invitees, "run-1", t0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return l
}

func TestCreateValidation(t *testing.T) {
	cases := []struct {
		name     string
		invitees []string
		wantErr  error
	}{
		{name: "empty invitee list", invitees: nil, wantErr: coop.ErrNoInvitees},
		{name: "self invite", invitees: []string{"u2", "u1"}, wantErr: coop.ErrSelfInvite},
		{name: "too many invitees", invitees: []string{"u2", "u3", "u4", "u5"}, wantErr: coop.ErrTooManyInvitees},
		{name: "ok", invitees: []string{"u2", "u3"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l, err := Create("u1", tc.invitees, "run-1", t0)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("want %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if l.Status(t0) != coop.InvitationPending {
				t.Fatalf("new invitation should be pending, got %v", l.Status(t0))
			}
			if !errors.Is(coop.ErrSelfInvite, coop.ErrValidation) {
				t.Fatalf("self invite should classify as validation error")
			}
		})
	}
}

func TestCreateDeduplicatesInvitees(t *testing.T) {
	l := mustCreate(t, "u2", "u2", "u3")
	if got := len(l.Invitation().InviteeIDs); got != 2 {
		t.Fatalf("want 2 unique invitees, got %d", got)
	}
}

// Scenario A from the product flow: one accept makes it partial, the last
// decline completes it because at least one invitee accepted.
func TestAcceptThenDeclineCompletes(t *testing.T) {
	l := mustCreate(t, "u2", "u3")

	if !l.RecordResponse("u2", coop.ActionAccepted, t0.Add(time.Second)) {
		t.Fatalf("u2 response should apply")
	}
	if got := l.Status(t0.Add(time.Second)); got != coop.InvitationPartial {
		t.Fatalf("after one accept: want partial, got %v", got)
	}
	if l.AcceptedCount() != 1 {
		t.Fatalf("want acceptedCount=1, got %d", l.AcceptedCount())
	}

	if !l.RecordResponse("u3", coop.ActionDeclined, t0.Add(2*time.Second)) {
		t.Fatalf("u3 response should apply")
	}
	if got := l.Status(t0.Add(2 * time.Second)); got != coop.InvitationComplete {
		t.Fatalf("all responded with one accept: want complete, got %v", got)
	}
}

// Scenario B: nobody ever answers; one second past the deadline the
// invitation evaluates to expired.
func TestExpiryWithZeroAccepts(t *testing.T) {
	l := mustCreate(t, "u2")

	at := l.ExpiresAt().Add(time.Second)
	if got := l.Status(at); got != coop.InvitationExpired {
		t.Fatalf("want expired, got %v", got)
	}
	// Terminal: a late accept must not resurrect it.
	if l.RecordResponse("u2", coop.ActionAccepted, at.Add(time.Second)) {
		t.Fatalf("response after expiry should be a no-op")
	}
	if got := l.Status(at.Add(time.Second)); got != coop.InvitationExpired {
		t.Fatalf("status regressed after terminal: got %v", got)
	}
}

func TestExpiryDoesNotFireWithAnAccept(t *testing.T) {
	l := mustCreate(t, "u2", "u3")
	l.RecordResponse("u2", coop.ActionAccepted, t0)

	at := l.ExpiresAt().Add(time.Minute)
	if got := l.Status(at); got != coop.InvitationPartial {
		t.Fatalf("accepted invitation never expires: want partial, got %v", got)
	}
}

func TestRecordResponseIdempotence(t *testing.T) {
	l := mustCreate(t, "u2", "u3")

	if !l.RecordResponse("u2", coop.ActionAccepted, t0) {
		t.Fatalf("first delivery should apply")
	}
	// Redelivery from the channel and the poller, including a contradictory
	// action, must not change anything.
	for i := 0; i < 3; i++ {
		if l.RecordResponse("u2", coop.ActionAccepted, t0.Add(time.Minute)) {
			t.Fatalf("duplicate delivery %d applied", i)
		}
	}
	if l.RecordResponse("u2", coop.ActionDeclined, t0.Add(time.Minute)) {
		t.Fatalf("contradictory redelivery applied")
	}

	inv := l.Invitation()
	if len(inv.Responses) != 1 {
		t.Fatalf("want 1 recorded response, got %d", len(inv.Responses))
	}
	if inv.Responses[0].RespondedAt != t0 {
		t.Fatalf("redelivery must not touch the original timestamp")
	}
}

func TestNonInviteeResponseIgnored(t *testing.T) {
	l := mustCreate(t, "u2")
	if l.RecordResponse("u9", coop.ActionAccepted, t0) {
		t.Fatalf("non-invitee response should be ignored")
	}
	if got := l.Status(t0); got != coop.InvitationPending {
		t.Fatalf("want pending, got %v", got)
	}
}

func TestComputeStatusIsDeterministic(t *testing.T) {
	l := mustCreate(t, "u2", "u3")
	l.RecordResponse("u3", coop.ActionDeclined, t0)
	l.RecordResponse("u2", coop.ActionAccepted, t0.Add(time.Second))

	inv := l.Invitation()
	now := t0.Add(time.Minute)
	first := ComputeStatus(inv, now)
	for i := 0; i < 5; i++ {
		if got := ComputeStatus(inv, now); got != first {
			t.Fatalf("recompute %d: want %v, got %v", i, first, got)
		}
	}
	if first != coop.InvitationComplete {
		t.Fatalf("want complete regardless of response order, got %v", first)
	}
}

func TestCancelIsTerminal(t *testing.T) {
	l := mustCreate(t, "u2")
	l.Cancel()
	if got := l.Status(t0); got != coop.InvitationCancelled {
		t.Fatalf("want cancelled, got %v", got)
	}
	if l.RecordResponse("u2", coop.ActionAccepted, t0) {
		t.Fatalf("cancelled invitation must not accept responses")
	}
}

func TestShouldResolveNow(t *testing.T) {
	cases := []struct {
		name    string
		prep    func(l *Lifecycle)
		now     time.Time
		resolve bool
	}{
		{
			name:    "no accepts never resolves",
			prep:    func(l *Lifecycle) {},
			now:     t0.Add(coop.DefaultInvitationTTL - time.Second),
			resolve: false,
		},
		{
			name: "one accept, straggler outstanding, plenty of time",
			prep: func(l *Lifecycle) {
				l.RecordResponse("u2", coop.ActionAccepted, t0)
			},
			now:     t0.Add(time.Minute),
			resolve: false,
		},
		{
			name: "all responded",
			prep: func(l *Lifecycle) {
				l.RecordResponse("u2", coop.ActionAccepted, t0)
				l.RecordResponse("u3", coop.ActionDeclined, t0)
			},
			now:     t0.Add(time.Minute),
			resolve: true,
		},
		{
			name: "one accept, deadline within ten seconds",
			prep: func(l *Lifecycle) {
				l.RecordResponse("u2", coop.ActionAccepted, t0)
			},
			now:     t0.Add(coop.DefaultInvitationTTL - 9*time.Second),
			resolve: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := mustCreate(t, "u2", "u3")
			tc.prep(l)
			if got := l.ShouldResolveNow(tc.now); got != tc.resolve {
				t.Fatalf("want resolve=%v, got %v", tc.resolve, got)
			}
		})
	}
}

func TestRestoreReplaysResponses(t *testing.T) {
	l := mustCreate(t, "u2", "u3")
	l.RecordResponse("u2", coop.ActionAccepted, t0)

	restored := Restore(l.Invitation())
	if got := restored.Status(t0.Add(time.Second)); got != coop.InvitationPartial {
		t.Fatalf("want partial after restore, got %v", got)
	}
	// The restored copy keeps the same idempotence guarantees.
	if restored.RecordResponse("u2", coop.ActionAccepted, t0.Add(time.Minute)) {
		t.Fatalf("restored response redelivery applied")
	}
}
