package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pixsim/server/internal/convert"
	"pixsim/server/internal/protocol"
)

// Room states.
type roomState int

const (
	stateOpen roomState = iota
	stateStarting
	stateRunning
	stateClosed
)

// Game modes.
const (
	ModePixelCrash   = "pixelcrash"
	ModeResourceRace = "resourcerace"
)

const (
	minTeamSize = 1
	maxTeamSize = 3
)

// Room is one game session: rosters, settings, the open→starting→
// running→closed state machine, and the tick/input relay between the
// host and every other member. All fields are guarded by mu; outbound
// sends happen under mu so no member can observe a tick after gameEnd.
type Room struct {
	broker *Broker
	code   string

	mu              sync.Mutex
	state           roomState
	host            *Handler
	mode            string
	teamSize        int
	teamA           []*Handler
	teamB           []*Handler
	spectators      []*Handler
	allowSpectators bool
	public          bool
	banned          map[string]bool
	readied         map[*Handler]bool
	startTimer      *time.Timer
	createdAt       time.Time
}

func newRoom(b *Broker, code string, host *Handler) *Room {
	return &Room{
		broker:          b,
		code:            code,
		host:            host,
		mode:            ModePixelCrash,
		teamSize:        1,
		allowSpectators: true,
		public:          true,
		banned:          make(map[string]bool),
		createdAt:       time.Now(),
	}
}

// Code returns the room's 8-hex-digit identifier.
func (r *Room) Code() string { return r.code }

// open reports whether rosters may still change.
func (r *Room) openLocked() bool { return r.state == stateOpen }

// Join admits a handler. Spectators (voluntary or forced when both
// teams are full or the rosters are frozen) join the spectator list;
// players join the smaller team unless banned.
func (r *Room) Join(h *Handler, spectating bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == stateClosed {
		h.conn.Send(protocol.EvJoinFail, "game not found")
		return
	}

	teamsFull := len(r.teamA) >= r.teamSize && len(r.teamB) >= r.teamSize
	if spectating || teamsFull || !r.openLocked() {
		if !r.allowSpectators {
			h.conn.Send(protocol.EvJoinFail, "spectators not allowed")
			return
		}
		r.spectators = append(r.spectators, h)
		h.setRoom(r)
		if !spectating {
			h.conn.Send(protocol.EvForcedSpectator, nil)
		}
		h.conn.Send(protocol.EvJoinSuccess, 2)
		h.conn.Send(protocol.EvGameType, r.mode)
		if !r.openLocked() && spectating {
			h.conn.Send(protocol.EvGameStart, nil)
		}
		r.broadcastRostersLocked()
		return
	}

	if r.banned[h.Username()] {
		h.conn.Send(protocol.EvJoinFail, "banned from this game")
		return
	}

	team := 0
	if len(r.teamB) < len(r.teamA) {
		team = 1
	}
	if team == 0 {
		r.teamA = append(r.teamA, h)
	} else {
		r.teamB = append(r.teamB, h)
	}
	h.setRoom(r)
	h.conn.Send(protocol.EvJoinSuccess, team)
	h.conn.Send(protocol.EvGameType, r.mode)
	r.broadcastRostersLocked()
}

// ChangeTeam moves h to team t while the room is open and the target
// team has capacity. No-op for spectators.
func (r *Room) ChangeTeam(h *Handler, t int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changeTeamLocked(h, t)
}

func (r *Room) changeTeamLocked(h *Handler, t int) {
	if !r.openLocked() {
		return
	}
	cur, ok := r.teamOfLocked(h)
	if !ok || cur == t {
		return
	}
	target := &r.teamA
	if t == 1 {
		target = &r.teamB
	}
	if len(*target) >= r.teamSize {
		return
	}
	if cur == 0 {
		r.teamA = removeHandler(r.teamA, h)
	} else {
		r.teamB = removeHandler(r.teamB, h)
	}
	*target = append(*target, h)
	h.conn.Send(protocol.EvTeam, t)
	r.broadcastRostersLocked()
}

// Move is host-driven: when both usernames resolve to members on
// different teams they are swapped atomically; when only the first
// resolves it is moved like a changeTeam.
func (r *Room) Move(caller *Handler, req protocol.MovePlayer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.host || !r.openLocked() || (req.Team != 0 && req.Team != 1) {
		return
	}
	a := r.memberByNameLocked(req.Username)
	b := r.memberByNameLocked(req.Username2)
	if a != nil && b != nil {
		ta, aOK := r.teamOfLocked(a)
		tb, bOK := r.teamOfLocked(b)
		if aOK && bOK && ta != tb {
			r.swapLocked(a, b, ta, tb)
			return
		}
	}
	if a != nil {
		r.changeTeamLocked(a, req.Team)
	}
}

func (r *Room) swapLocked(a, b *Handler, ta, tb int) {
	put := func(h *Handler, team int) {
		if team == 0 {
			r.teamA = append(r.teamA, h)
		} else {
			r.teamB = append(r.teamB, h)
		}
		h.conn.Send(protocol.EvTeam, team)
	}
	if ta == 0 {
		r.teamA = removeHandler(r.teamA, a)
	} else {
		r.teamB = removeHandler(r.teamB, a)
	}
	if tb == 0 {
		r.teamA = removeHandler(r.teamA, b)
	} else {
		r.teamB = removeHandler(r.teamB, b)
	}
	put(a, tb)
	put(b, ta)
	r.broadcastRostersLocked()
}

// Kick is host-driven: the target receives gameKicked, is banned from
// rejoining a team, and leaves the room.
func (r *Room) Kick(caller *Handler, username string) {
	r.mu.Lock()
	if caller != r.host {
		r.mu.Unlock()
		return
	}
	target := r.memberByNameLocked(username)
	if target == nil || target == r.host {
		r.mu.Unlock()
		return
	}
	r.banned[username] = true
	target.conn.Send(protocol.EvGameKicked, nil)
	r.mu.Unlock()

	r.Leave(target)
}

// Leave removes h from whichever roster holds it. A departing host
// destroys the room.
func (r *Room) Leave(h *Handler) {
	r.mu.Lock()
	if r.state == stateClosed {
		r.mu.Unlock()
		return
	}
	if h == r.host {
		r.mu.Unlock()
		r.Destroy()
		return
	}
	r.teamA = removeHandler(r.teamA, h)
	r.teamB = removeHandler(r.teamB, h)
	r.spectators = removeHandler(r.spectators, h)
	delete(r.readied, h)
	r.broadcastRostersLocked()
	r.mu.Unlock()

	h.setRoom(nil)
}

// Start freezes the rosters and opens the readiness barrier. Only the
// host may start, and only when both teams are exactly full.
func (r *Room) Start(caller *Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.host || !r.openLocked() {
		return
	}
	if len(r.teamA) != r.teamSize || len(r.teamB) != r.teamSize {
		return
	}
	r.state = stateStarting
	r.readied = make(map[*Handler]bool, 2*r.teamSize)
	for _, h := range r.teamA {
		h.conn.Send(protocol.EvGameStart, nil)
	}
	for _, h := range r.teamB {
		h.conn.Send(protocol.EvGameStart, nil)
	}
	// The source has no deadline here, which can wedge a room in
	// Starting forever; revert to open when the barrier never fills.
	if d := r.broker.limits.StartTimeout; d > 0 {
		r.startTimer = time.AfterFunc(d, r.abortStart)
	}
	slog.Info("game starting", "room", r.code, "mode", r.mode, "teamSize", r.teamSize)
}

func (r *Room) abortStart() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateStarting {
		return
	}
	r.state = stateOpen
	r.readied = nil
	r.broadcastRostersLocked()
	slog.Warn("game start timed out", "room", r.code)
}

// Ready records one team member's readiness; once all 2·teamSize have
// arrived the room transitions to Running.
func (r *Room) Ready(h *Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != stateStarting || r.readied[h] {
		return
	}
	if _, ok := r.teamOfLocked(h); !ok {
		return
	}
	r.readied[h] = true
	if len(r.readied) == 2*r.teamSize {
		r.state = stateRunning
		r.readied = nil
		if r.startTimer != nil {
			r.startTimer.Stop()
			r.startTimer = nil
		}
		slog.Info("game running", "room", r.code)
	}
}

// Destroy closes the room: every member receives gameEnd, membership is
// dropped and the room is erased from the broker.
func (r *Room) Destroy() {
	r.mu.Lock()
	if r.state == stateClosed {
		r.mu.Unlock()
		return
	}
	r.state = stateClosed
	if r.startTimer != nil {
		r.startTimer.Stop()
		r.startTimer = nil
	}
	members := r.membersLocked()
	r.teamA, r.teamB, r.spectators = nil, nil, nil
	for _, h := range members {
		h.conn.Send(protocol.EvGameEnd, nil)
	}
	r.mu.Unlock()

	for _, h := range members {
		h.setRoom(nil)
	}
	r.broker.removeRoom(r)
	slog.Info("room destroyed", "code", r.code)
}

// Settings, host-only, valid while the room is open.

func (r *Room) SetMode(caller *Handler, mode string) {
	if mode != ModePixelCrash && mode != ModeResourceRace {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.host || !r.openLocked() {
		return
	}
	r.mode = mode
	for _, h := range r.membersLocked() {
		h.conn.Send(protocol.EvGameType, mode)
	}
}

func (r *Room) SetTeamSize(caller *Handler, size int) {
	if size < minTeamSize || size > maxTeamSize {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.host || !r.openLocked() {
		return
	}
	if len(r.teamA) > size || len(r.teamB) > size {
		return
	}
	r.teamSize = size
	r.broadcastRostersLocked()
}

func (r *Room) SetAllowSpectators(caller *Handler, allow bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.host || !r.openLocked() {
		return
	}
	r.allowSpectators = allow
}

func (r *Room) SetPublic(caller *Handler, public bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.host || !r.openLocked() {
		return
	}
	r.public = public
}

// RelayGridSize forwards the host's grid dimensions to every other
// member. A malformed frame is host misbehavior.
func (r *Room) RelayGridSize(sender *Handler, raw json.RawMessage) {
	r.mu.Lock()
	if sender != r.host || r.state != stateRunning {
		r.mu.Unlock()
		return
	}
	var gs protocol.GridSize
	if err := json.Unmarshal(raw, &gs); err != nil || gs.Width <= 0 || gs.Height <= 0 {
		r.mu.Unlock()
		sender.Destroy("Invalid grid size data", true)
		return
	}
	for _, h := range r.membersLocked() {
		if h != sender {
			h.conn.Send(protocol.EvGridSize, gs)
		}
	}
	r.mu.Unlock()
}

// RelayTick validates a host tick and multicasts it, translating the
// grid and the per-team pixel counts into each receiver's dialect
// exactly once per dialect.
func (r *Room) RelayTick(sender *Handler, raw json.RawMessage) {
	r.mu.Lock()
	if sender != r.host || r.state != stateRunning {
		r.mu.Unlock()
		return
	}
	frame, err := parseTick(raw)
	if err != nil {
		r.mu.Unlock()
		slog.Warn("invalid tick from host", "room", r.code, "err", err)
		sender.Destroy("Invalid game tick data", true)
		return
	}

	conv := r.broker.conv
	hostDialect := sender.ClientType()
	byDialect := map[string]*protocol.TickFrame{hostDialect: frame}
	for _, h := range r.membersLocked() {
		if h == sender {
			continue
		}
		d := h.ClientType()
		translated, ok := byDialect[d]
		if !ok {
			translated = translateTick(conv, frame, hostDialect, d)
			byDialect[d] = translated
		}
		h.conn.Send(protocol.EvTick, translated)
	}
	r.mu.Unlock()
}

// parseTick enforces the tick frame shape: grid bytes, a non-empty team
// grid, boolean overlay list, origin, and per-team pixel counts.
func parseTick(raw json.RawMessage) (*protocol.TickFrame, error) {
	var frame protocol.TickFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if len(frame.TeamGrid) == 0 {
		return nil, fmt.Errorf("empty team grid")
	}
	if frame.Grid == nil || frame.BooleanGrids == nil || frame.Data.TeamPixelAmounts == nil {
		return nil, fmt.Errorf("missing frame fields")
	}
	return &frame, nil
}

// translateTick re-encodes one tick for a receiver dialect: the packed
// grid is translated byte-wise and each team's pixel counts are re-keyed
// through the converter, dropping zero and unmapped entries.
func translateTick(conv *convert.Converter, f *protocol.TickFrame, from, to string) *protocol.TickFrame {
	out := *f
	out.Grid = conv.ConvertGrid(f.Grid, from, to)
	amounts := make([][]int, len(f.Data.TeamPixelAmounts))
	for t, counts := range f.Data.TeamPixelAmounts {
		rekeyed := make([]int, 256)
		for idx, n := range counts {
			if n == 0 || idx > 255 {
				continue
			}
			mapped := conv.ConvertSingle(byte(idx), from, to)
			if mapped == convert.Sentinel {
				continue
			}
			rekeyed[mapped] += n
		}
		amounts[t] = rekeyed
	}
	out.Data.TeamPixelAmounts = amounts
	return &out
}

// RelayInput funnels one team member's input to the host, translating
// pixel ids into the host's dialect. A malformed frame kicks the sender.
func (r *Room) RelayInput(sender *Handler, raw json.RawMessage) {
	r.mu.Lock()
	if r.state != stateRunning || sender == r.host {
		r.mu.Unlock()
		return
	}
	team, ok := r.teamOfLocked(sender)
	if !ok {
		r.mu.Unlock()
		return
	}
	frame, err := r.translateInputLocked(sender, team, raw)
	if err != nil {
		r.mu.Unlock()
		slog.Warn("invalid input", "room", r.code, "user", sender.Username(), "err", err)
		sender.Destroy("Invalid game input data", true)
		return
	}
	r.host.conn.Send(protocol.EvInput, frame)
	r.mu.Unlock()
}

// RelayInputBatch validates and translates a list of inputs, then
// forwards them to the host as a single batch.
func (r *Room) RelayInputBatch(sender *Handler, raw json.RawMessage) {
	r.mu.Lock()
	if r.state != stateRunning || sender == r.host {
		r.mu.Unlock()
		return
	}
	team, ok := r.teamOfLocked(sender)
	if !ok {
		r.mu.Unlock()
		return
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		r.mu.Unlock()
		sender.Destroy("Invalid game input data", true)
		return
	}
	batch := make([]*protocol.InputFrame, 0, len(entries))
	for _, entry := range entries {
		frame, err := r.translateInputLocked(sender, team, entry)
		if err != nil {
			r.mu.Unlock()
			slog.Warn("invalid input batch", "room", r.code, "user", sender.Username(), "err", err)
			sender.Destroy("Invalid game input data", true)
			return
		}
		batch = append(batch, frame)
	}
	r.host.conn.Send(protocol.EvInputBatch, batch)
	r.mu.Unlock()
}

func (r *Room) translateInputLocked(sender *Handler, team int, raw json.RawMessage) (*protocol.InputFrame, error) {
	var frame protocol.InputFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("malformed input: %w", err)
	}
	conv := r.broker.conv
	from := sender.ClientType()
	to := r.host.ClientType()
	frame.Team = team

	switch frame.Type {
	case 0: // single cell input: data[5] is a pixel id unless -1
		if len(frame.Data) != 6 {
			return nil, fmt.Errorf("type 0 input needs 6 values, got %d", len(frame.Data))
		}
		if px := frame.Data[5]; px != -1 {
			if px < 0 || px > 255 {
				return nil, fmt.Errorf("pixel id %d out of range", px)
			}
			frame.Data[5] = int(conv.ConvertSingle(byte(px), from, to))
		}
	case 1: // region paint: data[0] header, remainder a packed grid
		if len(frame.Data) < 1 {
			return nil, fmt.Errorf("type 1 input is empty")
		}
		grid := make([]byte, len(frame.Data)-1)
		for i, v := range frame.Data[1:] {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("grid byte %d out of range", v)
			}
			grid[i] = byte(v)
		}
		translated := conv.ConvertGrid(grid, from, to)
		for i, b := range translated {
			frame.Data[i+1] = int(b)
		}
	default:
		return nil, fmt.Errorf("unknown input type %d", frame.Type)
	}
	return &frame, nil
}

// publicInfo projects the room into a listing entry when it matches the
// mode filter and the caller's intent.
func (r *Room) publicInfo(mode string, spectating bool) (protocol.RoomInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.public || r.state == stateClosed {
		return protocol.RoomInfo{}, false
	}
	if mode != "" && mode != r.mode {
		return protocol.RoomInfo{}, false
	}
	if spectating {
		if !r.allowSpectators {
			return protocol.RoomInfo{}, false
		}
	} else if !r.openLocked() || (len(r.teamA) >= r.teamSize && len(r.teamB) >= r.teamSize) {
		return protocol.RoomInfo{}, false
	}
	return protocol.RoomInfo{
		Code:             r.code,
		Type:             r.mode,
		HostName:         r.host.Username(),
		Open:             r.openLocked(),
		TeamSize:         r.teamSize,
		AllowsSpectators: r.allowSpectators,
	}, true
}

func (r *Room) broadcastRostersLocked() {
	lists := protocol.TeamLists{
		TeamA:      usernames(r.teamA),
		TeamB:      usernames(r.teamB),
		Spectators: usernames(r.spectators),
		TeamSize:   r.teamSize,
	}
	for _, h := range r.membersLocked() {
		h.conn.Send(protocol.EvUpdateTeamLists, lists)
	}
}

func (r *Room) membersLocked() []*Handler {
	out := make([]*Handler, 0, len(r.teamA)+len(r.teamB)+len(r.spectators))
	out = append(out, r.teamA...)
	out = append(out, r.teamB...)
	out = append(out, r.spectators...)
	return out
}

func (r *Room) teamOfLocked(h *Handler) (int, bool) {
	for _, m := range r.teamA {
		if m == h {
			return 0, true
		}
	}
	for _, m := range r.teamB {
		if m == h {
			return 1, true
		}
	}
	return -1, false
}

func (r *Room) memberByNameLocked(username string) *Handler {
	if username == "" {
		return nil
	}
	for _, h := range r.membersLocked() {
		if h.Username() == username {
			return h
		}
	}
	return nil
}

func usernames(hs []*Handler) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.Username()
	}
	return out
}

func removeHandler(hs []*Handler, h *Handler) []*Handler {
	for i, m := range hs {
		if m == h {
			return append(hs[:i], hs[i+1:]...)
		}
	}
	return hs
}
