package wire

// Realtime channel event names. The lobby:* family follows the server's
// room convention; the bare names are pushed at the quest-run level.
const (
	// client -> server
	EvtLobbyJoin    = "lobby:join"
	EvtLobbyReady   = "lobby:ready"
	EvtLobbyUnready = "lobby:unready"
	EvtLobbyLeave   = "lobby:leave"

	// server -> client
	EvtLobbyJoined             = "lobby:joined"
	EvtLobbyParticipantJoined  = "lobby:participant-joined"
	EvtLobbyInvitationResponse = "lobby:invitation-response"
	EvtInvitationResponse      = "invitation:response"
	EvtLobbyReadyStatus        = "lobby:ready-status"
	EvtQuestStarted            = "questStarted"
	EvtParticipantReady        = "participantReady"
	EvtParticipantJoined       = "participantJoined"
)
