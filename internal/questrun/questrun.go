package questrun

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/questfall/coop-client/internal/coop"
)

type Msg interface{ isRunMsg() }

// Track starts synchronizing a run, usually the locally created optimistic
// pending run. Tracking a new run discards the previous one.
type Track struct {
	Run         coop.CooperativeQuestRun
	LocalUserID string
}

func (Track) isRunMsg() {}

// RunStarted applies the server's pending->active transition. A mismatched
// run id is ignored outright: a stale subscription from a previous lobby
// must not touch the current run.
type RunStarted struct {
	RunID           string
	ActualStartTime time.Time
}

func (RunStarted) isRunMsg() {}

// RunStatusChange applies a server-pushed run-level transition. Redelivery
// of the same (runID, status) pair is a no-op.
type RunStatusChange struct {
	RunID  string
	Status coop.RunStatus
}

func (RunStatusChange) isRunMsg() {}

// ParticipantReady is informational once the run is active.
type ParticipantReady struct {
	UserID string
	Ready  bool
}

func (ParticipantReady) isRunMsg() {}

// ParticipantJoined attaches a participant to the tracked run.
type ParticipantJoined struct {
	UserID   string
	RunID    string
	JoinedAt time.Time
}

func (ParticipantJoined) isRunMsg() {}

// ParticipantStatusChange updates one participant's run-level status. Only
// the local user's terminal status resolves the run locally; everyone
// else's is advisory.
type ParticipantStatusChange struct {
	UserID string
	Status coop.RunStatus
}

func (ParticipantStatusChange) isRunMsg() {}

type Clear struct{}

func (Clear) isRunMsg() {}

type Watch struct {
	ID     string
	Outbox chan Snapshot
}

func (Watch) isRunMsg() {}

type Unwatch struct{ ID string }

func (Unwatch) isRunMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isRunMsg() {}

type Shutdown struct{}

func (Shutdown) isRunMsg() {}

// Snapshot is pushed to watchers after every effective mutation.
type Snapshot struct {
	Version       int
	Run           coop.CooperativeQuestRun
	LocalResolved bool
}

type View struct {
	Version       int
	Tracking      bool
	Run           coop.CooperativeQuestRun
	LocalResolved bool
	NumWatchers   int
}

// Synchronizer owns the authoritative local view of one cooperative quest
// run. Single goroutine, inbox-driven; the run struct is only ever mutated
// here.
type Synchronizer struct {
	inbox       chan Msg
	run         *coop.CooperativeQuestRun
	localUserID string
	version     int

	// applied remembers (runID, status) pairs so a realtime push and a
	// reconciliation fetch delivering the same fact apply once.
	applied  map[string]struct{}
	watchers map[string]chan Snapshot

	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func NewSynchronizer(parent context.Context, logger *zap.Logger) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Synchronizer{
		inbox:    make(chan Msg, 64),
		applied:  make(map[string]struct{}),
		watchers: make(map[string]chan Snapshot),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	go s.loop()
	return s
}

func (s *Synchronizer) Inbox() chan<- Msg { return s.inbox }

func (s *Synchronizer) loop() {
	for {
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return

		case m := <-s.inbox:
			switch msg := m.(type) {
			case Track:
				run := msg.Run
				s.run = &run
				s.localUserID = msg.LocalUserID
				s.applied = make(map[string]struct{})
				s.bump()

			case RunStarted:
				if s.applyRunStarted(msg) {
					s.bump()
				}

			case RunStatusChange:
				if s.applyRunStatus(msg.RunID, msg.Status) {
					s.bump()
				}

			case ParticipantReady:
				if s.applyParticipantReady(msg.UserID, msg.Ready) {
					s.bump()
				}

			case ParticipantJoined:
				if s.applyParticipantJoined(msg) {
					s.bump()
				}

			case ParticipantStatusChange:
				if s.applyParticipantStatus(msg.UserID, msg.Status) {
					s.bump()
				}

			case Clear:
				s.run = nil
				s.localUserID = ""
				s.applied = make(map[string]struct{})
				s.version++

			case Watch:
				s.watchers[msg.ID] = msg.Outbox
				msg.Outbox <- s.snapshot()

			case Unwatch:
				delete(s.watchers, msg.ID)

			case GetState:
				v := View{
					Version:       s.version,
					Tracking:      s.run != nil,
					LocalResolved: s.localResolved(),
					NumWatchers:   len(s.watchers),
				}
				if s.run != nil {
					v.Run = s.copyRun()
				}
				msg.Reply <- v

			case Shutdown:
				s.shutdown()
				return
			}
		}
	}
}

func (s *Synchronizer) applyRunStarted(msg RunStarted) bool {
	if s.run == nil || s.run.ID != msg.RunID {
		return false
	}
	if !s.markApplied(msg.RunID, coop.RunActive) {
		return false
	}
	if !s.run.Status.Forward(coop.RunActive) {
		return false
	}
	s.run.Status = coop.RunActive
	// The server's clock is the shared anchor; the local receipt time would
	// give every device a different scheduled end.
	s.run.ActualStartTime = msg.ActualStartTime
	if s.run.Duration > 0 {
		s.run.ScheduledEndTime = msg.ActualStartTime.Add(s.run.Duration)
	}
	s.logger.Info("quest run started",
		zap.String("run_id", msg.RunID),
		zap.Time("actual_start", msg.ActualStartTime))
	return true
}

func (s *Synchronizer) applyRunStatus(runID string, status coop.RunStatus) bool {
	if s.run == nil || s.run.ID != runID {
		return false
	}
	if !s.markApplied(runID, status) {
		return false
	}
	if !s.run.Status.Forward(status) {
		return false
	}
	s.run.Status = status
	return true
}

func (s *Synchronizer) applyParticipantReady(userID string, ready bool) bool {
	if s.run == nil {
		return false
	}
	for i, p := range s.run.Participants {
		if p.UserID == userID {
			if p.Ready == ready {
				return false
			}
			s.run.Participants[i].Ready = ready
			return true
		}
	}
	s.run.Participants = append(s.run.Participants, coop.RunParticipant{
		UserID: userID,
		Ready:  ready,
		Status: coop.RunPending,
	})
	return true
}

func (s *Synchronizer) applyParticipantJoined(msg ParticipantJoined) bool {
	if s.run == nil || s.run.ID != msg.RunID {
		return false
	}
	for _, p := range s.run.Participants {
		if p.UserID == msg.UserID {
			return false
		}
	}
	s.run.Participants = append(s.run.Participants, coop.RunParticipant{
		UserID: msg.UserID,
		Status: coop.RunPending,
	})
	return true
}

func (s *Synchronizer) applyParticipantStatus(userID string, status coop.RunStatus) bool {
	if s.run == nil {
		return false
	}
	for i, p := range s.run.Participants {
		if p.UserID != userID {
			continue
		}
		if !p.Status.Forward(status) {
			return false
		}
		s.run.Participants[i].Status = status
		return true
	}
	s.run.Participants = append(s.run.Participants, coop.RunParticipant{
		UserID: userID,
		Status: status,
	})
	return true
}

func (s *Synchronizer) markApplied(runID string, status coop.RunStatus) bool {
	key := runID + "|" + string(status)
	if _, dup := s.applied[key]; dup {
		return false
	}
	s.applied[key] = struct{}{}
	return true
}

// localResolved is true once the local user's own participant entry reaches
// a terminal status. Other participants never block it.
func (s *Synchronizer) localResolved() bool {
	if s.run == nil {
		return false
	}
	p, ok := s.run.Participant(s.localUserID)
	return ok && p.Status.Terminal()
}

func (s *Synchronizer) bump() {
	s.version++
	s.broadcast()
}

func (s *Synchronizer) snapshot() Snapshot {
	snap := Snapshot{
		Version:       s.version,
		LocalResolved: s.localResolved(),
	}
	if s.run != nil {
		snap.Run = s.copyRun()
	}
	return snap
}

func (s *Synchronizer) copyRun() coop.CooperativeQuestRun {
	run := *s.run
	run.Participants = append([]coop.RunParticipant(nil), s.run.Participants...)
	return run
}

func (s *Synchronizer) broadcast() {
	snap := s.snapshot()
	for id, ch := range s.watchers {
		select {
		case ch <- snap:
		default:
			close(ch)
			delete(s.watchers, id)
		}
	}
}

func (s *Synchronizer) shutdown() {
	for id, ch := range s.watchers {
		close(ch)
		delete(s.watchers, id)
	}
	s.cancel()
}
