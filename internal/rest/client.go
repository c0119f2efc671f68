package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/questfall/coop-client/internal/coop"
	"github.com/questfall/coop-client/pkg/wire"
)

// Client is the request/response fallback for the realtime channel. It
// returns the same canonical fact shapes the channel events normalize into,
// so both paths feed the coordinators through identical entry points.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

type CreateInvitationRequest struct {
	QuestRunID string   `json:"questRunId"`
	InviterID  string   `json:"inviterId"`
	InviteeIDs []string `json:"inviteeIds"`
	ExpiresIn  int      `json:"expiresInSec,omitempty"`
}

type invitationDTO struct {
	ID         string        `json:"id"`
	QuestRunID string        `json:"questRunId"`
	InviterID  string        `json:"inviterId"`
	InviteeIDs []string      `json:"inviteeIds"`
	Responses  []responseDTO `json:"responses"`
	Status     string        `json:"status"`
	CreatedAt  time.Time     `json:"createdAt"`
	ExpiresAt  time.Time     `json:"expiresAt"`
}

type responseDTO struct {
	UserID      string    `json:"userId"`
	Action      string    `json:"action"`
	RespondedAt time.Time `json:"respondedAt"`
}

func (d invitationDTO) invitation() coop.Invitation {
	inv := coop.Invitation{
		ID:         d.ID,
		QuestRunID: d.QuestRunID,
		InviterID:  d.InviterID,
		InviteeIDs: d.InviteeIDs,
		Status:     coop.InvitationStatus(d.Status),
		CreatedAt:  d.CreatedAt,
		ExpiresAt:  d.ExpiresAt,
	}
	for _, r := range d.Responses {
		action, ok := wire.InvitationResponsePayload{Action: r.Action}.NormalizedAction()
		if !ok {
			continue
		}
		inv.Responses = append(inv.Responses, coop.Response{
			UserID:      r.UserID,
			Action:      action,
			RespondedAt: r.RespondedAt,
		})
	}
	return inv
}

type CreateQuestRunRequest struct {
	QuestID     string   `json:"questId"`
	HostID      string   `json:"hostId"`
	InviteeIDs  []string `json:"inviteeIds,omitempty"`
	DurationSec int      `json:"durationSec"`
}

type questRunDTO struct {
	ID           string              `json:"id"`
	QuestID      string              `json:"questId"`
	HostID       string              `json:"hostId"`
	Participants []runParticipantDTO `json:"participants"`
	Status       string              `json:"status"`
	DurationSec  int                 `json:"durationSec"`
	ActualStart  *time.Time          `json:"actualStartTime,omitempty"`
	ScheduledEnd *time.Time          `json:"scheduledEndTime,omitempty"`
}

type runParticipantDTO struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	Ready       bool   `json:"ready"`
	Status      string `json:"status"`
}

func (d questRunDTO) run() coop.CooperativeQuestRun {
	run := coop.CooperativeQuestRun{
		ID:       d.ID,
		QuestID:  d.QuestID,
		HostID:   d.HostID,
		Status:   coop.RunPending,
		Duration: time.Duration(d.DurationSec) * time.Second,
	}
	if st, ok := wire.ParseRunStatus(d.Status); ok {
		run.Status = st
	}
	if d.ActualStart != nil {
		run.ActualStartTime = *d.ActualStart
	}
	if d.ScheduledEnd != nil {
		run.ScheduledEndTime = *d.ScheduledEnd
	}
	for _, p := range d.Participants {
		rp := coop.RunParticipant{
			UserID:      p.UserID,
			DisplayName: p.DisplayName,
			Ready:       p.Ready,
			Status:      coop.RunPending,
		}
		if st, ok := wire.ParseRunStatus(p.Status); ok {
			rp.Status = st
		}
		run.Participants = append(run.Participants, rp)
	}
	return run
}

// CreateInvitation registers the invitation server-side.
func (c *Client) CreateInvitation(ctx context.Context, req CreateInvitationRequest) (coop.Invitation, error) {
	var dto invitationDTO
	if err := c.do(ctx, http.MethodPost, "/invitations", req, &dto); err != nil {
		return coop.Invitation{}, err
	}
	return dto.invitation(), nil
}

// RespondInvitation records an accept or decline.
func (c *Client) RespondInvitation(ctx context.Context, invitationID, userID string, action coop.ResponseAction) error {
	body := map[string]string{"userId": userID, "action": string(action)}
	return c.do(ctx, http.MethodPost, "/invitations/"+invitationID+"/responses", body, nil)
}

// FetchInvitation is the reconciliation poll target. Transient failures are
// retried briefly; the poller tolerates a miss either way.
func (c *Client) FetchInvitation(ctx context.Context, invitationID string) (coop.Invitation, error) {
	var dto invitationDTO
	err := c.getWithRetry(ctx, "/invitations/"+invitationID, &dto)
	if err != nil {
		return coop.Invitation{}, err
	}
	return dto.invitation(), nil
}

// CreateQuestRun creates the underlying run the invitation points at.
func (c *Client) CreateQuestRun(ctx context.Context, req CreateQuestRunRequest) (coop.CooperativeQuestRun, error) {
	var dto questRunDTO
	if err := c.do(ctx, http.MethodPost, "/quest-runs", req, &dto); err != nil {
		return coop.CooperativeQuestRun{}, err
	}
	return dto.run(), nil
}

// FetchQuestRun fetches the run for reconciliation after reconnect.
func (c *Client) FetchQuestRun(ctx context.Context, runID string) (coop.CooperativeQuestRun, error) {
	var dto questRunDTO
	err := c.getWithRetry(ctx, "/quest-runs/"+runID, &dto)
	if err != nil {
		return coop.CooperativeQuestRun{}, err
	}
	return dto.run(), nil
}

// CancelQuestRun tears a run down after expiry with zero acceptances.
func (c *Client) CancelQuestRun(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodDelete, "/quest-runs/"+runID, nil, nil)
}

func (c *Client) getWithRetry(ctx context.Context, path string, out any) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 3 * time.Second

	return backoff.Retry(func() error {
		err := c.do(ctx, http.MethodGet, path, nil, out)
		if err == nil {
			return nil
		}
		// Only transport-level trouble is worth retrying; the API errors
		// are definitive answers.
		if isAPIError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

func isAPIError(err error) bool {
	return errors.Is(err, coop.ErrValidation) ||
		errors.Is(err, coop.ErrNotFound) ||
		errors.Is(err, coop.ErrConflict)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", coop.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		switch resp.StatusCode {
		case http.StatusBadRequest:
			return fmt.Errorf("%w: %s", coop.ErrValidation, msg)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", coop.ErrNotFound, msg)
		case http.StatusConflict:
			return fmt.Errorf("%w: %s", coop.ErrConflict, msg)
		default:
			return fmt.Errorf("%w: http %d: %s", coop.ErrTransport, resp.StatusCode, msg)
		}
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
