package api

import "board-stream/domain"

const (
	postMutationMaxSize  = 64 * 1024 // 64 KiB
	clientMessageMaxSize = 4 * 1024
)

// Client to server message types.
const (
	msgJoinBoard  = "join_board"
	msgLeaveBoard = "leave_board"
	msgPing       = "ping"
)

// Server to client message types. Board events use the domain message
// types.
const (
	msgConnected   = "connected"
	msgBoardJoined = "board_joined"
	msgBoardLeft   = "board_left"
	msgPong        = "pong"
	msgError       = "error"
)

const (
	welcomeText           = "Connected to WebSocket server"
	closeReasonNoToken    = "No token provided"
	closeReasonAuthFailed = "Authentication failed"
)

type clientMessage struct {
	Type    string `json:"type"`
	BoardID string `json:"boardId,omitempty"`
}

type connectedMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type boardMessage struct {
	Type    string `json:"type"`
	BoardID string `json:"boardId"`
}

type pongMessage struct {
	Type string `json:"type"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// POST /internal/reconcile request body
type reconcileRequest struct {
	Container domain.ContainerRef `json:"container"`
	Reason    string              `json:"reason,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// GET /healthz response body
type healthResponse struct {
	Sessions   int `json:"sessions"`
	Identities int `json:"identities"`
	Rooms      int `json:"rooms"`
}
