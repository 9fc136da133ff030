package protocol

import "encoding/json"

// Server→client events.
const (
	EvRequestClientInfo  = "requestClientInfo"
	EvClientInfoReceived = "clientInfoRecieved" // spelling is part of the wire contract
	EvGameCode           = "gameCode"
	EvJoinSuccess        = "joinSuccess"
	EvJoinFail           = "joinFail"
	EvForcedSpectator    = "forcedSpectator"
	EvGameType           = "gameType"
	EvUpdateTeamLists    = "updateTeamLists"
	EvPublicRooms        = "publicRooms"
	EvGameStart          = "gameStart"
	EvTeam               = "team"
	EvGameKicked         = "gameKicked"
	EvGameEnd            = "gameEnd"
	EvTick               = "tick"
	EvInput              = "input"
	EvInputBatch         = "inputBatch"
	EvGridSize           = "gridSize"
	EvPong               = "pong"
)

// Client→server events.
const (
	EvClientInfo       = "clientInfo"
	EvCreateGame       = "createGame"
	EvCancelCreateGame = "cancelCreateGame"
	EvGetPublicRooms   = "getPublicRooms"
	EvJoinGame         = "joinGame"
	EvLeaveGame        = "leaveGame"
	EvChangeTeam       = "changeTeam"
	EvAllowSpectators  = "allowSpectators"
	EvIsPublic         = "isPublic"
	EvTeamSize         = "teamSize"
	EvKickPlayer       = "kickPlayer"
	EvMovePlayer       = "movePlayer"
	EvStartGame        = "startGame"
	EvReady            = "ready"
	EvPing             = "ping"
)

// Envelope is the JSON frame exchanged over the websocket. Every message
// is one envelope; Data is decoded per event.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ClientInfo is the handshake payload. Password is an optional base64
// RSA-OAEP blob encrypted against the server's public key.
type ClientInfo struct {
	Username string `json:"username"`
	Client   string `json:"client"`
	Password string `json:"password,omitempty"`
}

// JoinGame asks to enter an open room by code.
type JoinGame struct {
	Code       string `json:"code"`
	Spectating bool   `json:"spectating"`
}

// GetPublicRooms filters the public room listing.
type GetPublicRooms struct {
	Type       string `json:"type"`
	Spectating bool   `json:"spectating"`
}

// MovePlayer is the host-driven move/swap request.
type MovePlayer struct {
	Username  string `json:"username"`
	Team      int    `json:"team"`
	Username2 string `json:"username2,omitempty"`
}

// RoomInfo is one entry of a publicRooms listing.
type RoomInfo struct {
	Code             string `json:"code"`
	Type             string `json:"type"`
	HostName         string `json:"hostName"`
	Open             bool   `json:"open"`
	TeamSize         int    `json:"teamSize"`
	AllowsSpectators bool   `json:"allowsSpectators"`
}

// TeamLists is the roster broadcast sent on every membership change.
type TeamLists struct {
	TeamA      []string `json:"teamA"`
	TeamB      []string `json:"teamB"`
	Spectators []string `json:"spectators"`
	TeamSize   int      `json:"teamSize"`
}

// GridSize announces the playfield dimensions at game start.
type GridSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// TickFrame is one authoritative frame produced by the host. Grid is the
// packed pixel grid in the host's dialect; TeamGrid and BooleanGrids are
// dialect-neutral and forwarded untouched.
type TickFrame struct {
	Grid         []byte   `json:"grid"`
	TeamGrid     []byte   `json:"teamGrid"`
	BooleanGrids [][]byte `json:"booleanGrids"`
	Origin       string   `json:"origin"`
	Data         TickData `json:"data"`
}

// TickData is the per-tick metadata. TeamPixelAmounts holds, per team,
// counts indexed by pixel id in the frame's dialect.
type TickData struct {
	Tick             int             `json:"tick"`
	TeamPixelAmounts [][]int         `json:"teamPixelAmounts"`
	PixeliteCounts   json.RawMessage `json:"pixeliteCounts,omitempty"`
	CameraShake      json.RawMessage `json:"cameraShake,omitempty"`
}

// InputFrame is one player input. Type 0 is a single-cell action whose
// Data[5] is a pixel id in the sender's dialect (or -1). Type 1 is a
// region paint: Data[0] is a header byte and the remainder a packed grid.
type InputFrame struct {
	Type int   `json:"type"`
	Team int   `json:"team"`
	Data []int `json:"data"`
}
