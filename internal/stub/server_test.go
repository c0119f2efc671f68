package stub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/questfall/coop-client/internal/coop"
	"github.com/questfall/coop-client/internal/rest"
	"github.com/questfall/coop-client/pkg/wire"
)

func newFixture(t *testing.T) (*httptest.Server, *rest.Client) {
	t.Helper()
	ts := httptest.NewServer(NewServer(nil).Handler())
	t.Cleanup(ts.Close)
	return ts, rest.NewClient(ts.URL, nil)
}

func TestInvitationRoundTrip(t *testing.T) {
	_, rc := newFixture(t)
	ctx := context.Background()

	inv, err := rc.CreateInvitation(ctx, rest.CreateInvitationRequest{
		QuestRunID: "run-1",
		InviterID:  "u1",
		InviteeIDs: []string{"u2", "u3"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, inv.ID)
	assert.Equal(t, coop.InvitationPending, inv.Status)
	assert.True(t, inv.ExpiresAt.After(time.Now()))

	require.NoError(t, rc.RespondInvitation(ctx, inv.ID, "u2", coop.ActionAccepted))

	got, err := rc.FetchInvitation(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, coop.InvitationPartial, got.Status)
	require.Len(t, got.Responses, 1)
	assert.Equal(t, coop.ActionAccepted, got.Responses[0].Action)
}

func TestDuplicateResponseConflicts(t *testing.T) {
	_, rc := newFixture(t)
	ctx := context.Background()

	inv, err := rc.CreateInvitation(ctx, rest.CreateInvitationRequest{
		QuestRunID: "run-1",
		InviterID:  "u1",
		InviteeIDs: []string{"u2"},
	})
	require.NoError(t, err)

	require.NoError(t, rc.RespondInvitation(ctx, inv.ID, "u2", coop.ActionAccepted))
	err = rc.RespondInvitation(ctx, inv.ID, "u2", coop.ActionDeclined)
	assert.ErrorIs(t, err, coop.ErrConflict)
}

func TestFetchUnknownInvitation(t *testing.T) {
	_, rc := newFixture(t)

	_, err := rc.FetchInvitation(context.Background(), "nope")
	assert.ErrorIs(t, err, coop.ErrNotFound)
}

func TestQuestRunLifecycle(t *testing.T) {
	_, rc := newFixture(t)
	ctx := context.Background()

	run, err := rc.CreateQuestRun(ctx, rest.CreateQuestRunRequest{
		QuestID:     "quest-9",
		HostID:      "u1",
		InviteeIDs:  []string{"u2"},
		DurationSec: 1800,
	})
	require.NoError(t, err)
	assert.Equal(t, coop.RunPending, run.Status)
	require.Len(t, run.Participants, 2)

	got, err := rc.FetchQuestRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, got.Duration)

	require.NoError(t, rc.CancelQuestRun(ctx, run.ID))
	_, err = rc.FetchQuestRun(ctx, run.ID)
	assert.ErrorIs(t, err, coop.ErrNotFound)
}

func TestJoinLobbyDeliversSnapshot(t *testing.T) {
	ts, rc := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inv, err := rc.CreateInvitation(ctx, rest.CreateInvitationRequest{
		QuestRunID: "run-1",
		InviterID:  "u1",
		InviteeIDs: []string{"u2"},
	})
	require.NoError(t, err)
	require.NoError(t, rc.RespondInvitation(ctx, inv.ID, "u2", coop.ActionAccepted))

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws?user=u2"
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer c.Close(websocket.StatusNormalClosure, "")

	frame, err := wire.Encode(wire.EvtLobbyJoin, wire.LobbyRef{LobbyID: inv.ID})
	require.NoError(t, err)
	require.NoError(t, c.Write(ctx, websocket.MessageText, frame))

	// First push after joining is the authoritative snapshot.
	env := readEvent(ctx, t, c, wire.EvtLobbyJoined)
	var snap wire.LobbyJoinedPayload
	require.NoError(t, unmarshalData(env, &snap))
	assert.Equal(t, inv.ID, snap.LobbyID)
	require.Len(t, snap.Participants, 2)
	assert.Equal(t, "u1", snap.Participants[0].UserID)
	assert.True(t, snap.Participants[0].IsCreator)
	assert.Equal(t, "accepted", snap.Participants[1].InvitationStatus)
}

func TestReadyToggleIsBroadcast(t *testing.T) {
	ts, rc := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	inv, err := rc.CreateInvitation(ctx, rest.CreateInvitationRequest{
		QuestRunID: "run-1",
		InviterID:  "u1",
		InviteeIDs: []string{"u2"},
	})
	require.NoError(t, err)

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws?user=u1"
	c, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer c.Close(websocket.StatusNormalClosure, "")

	join, _ := wire.Encode(wire.EvtLobbyJoin, wire.LobbyRef{LobbyID: inv.ID})
	require.NoError(t, c.Write(ctx, websocket.MessageText, join))
	readEvent(ctx, t, c, wire.EvtLobbyJoined)

	ready, _ := wire.Encode(wire.EvtLobbyReady, wire.LobbyRef{LobbyID: inv.ID})
	require.NoError(t, c.Write(ctx, websocket.MessageText, ready))

	env := readEvent(ctx, t, c, wire.EvtLobbyReadyStatus)
	var status wire.ReadyStatusPayload
	require.NoError(t, unmarshalData(env, &status))
	assert.Equal(t, "u1", status.UserID)
	assert.True(t, status.IsReady)
}

// readEvent reads frames until the wanted event arrives, skipping unrelated
// broadcasts such as participant-joined.
func readEvent(ctx context.Context, t *testing.T, c *websocket.Conn, event string) wire.Envelope {
	t.Helper()
	for {
		_, data, err := c.Read(ctx)
		require.NoError(t, err)
		env, err := wire.Decode(data)
		require.NoError(t, err)
		if env.Event == event {
			return env
		}
	}
}

func unmarshalData(env wire.Envelope, out any) error {
	return json.Unmarshal(env.Data, out)
}
