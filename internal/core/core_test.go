package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"pixsim/server/internal/config"
	"pixsim/server/internal/convert"
	"pixsim/server/internal/crypto"
	"pixsim/server/internal/protocol"
)

// fakeConn is an in-memory Conn that records everything sent to it.
type fakeConn struct {
	id string
	ip string

	mu     sync.Mutex
	sent   []sentEvent
	killed bool
	reason string
	kicked bool
}

type sentEvent struct {
	event   string
	payload any
}

func (c *fakeConn) ID() string       { return c.id }
func (c *fakeConn) RemoteIP() string { return c.ip }

func (c *fakeConn) Send(event string, payload any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.killed {
		return false
	}
	c.sent = append(c.sent, sentEvent{event: event, payload: payload})
	return true
}

func (c *fakeConn) Kill(reason string, kicked bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.killed {
		return
	}
	c.killed = true
	c.reason = reason
	c.kicked = kicked
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	for i, s := range c.sent {
		out[i] = s.event
	}
	return out
}

func (c *fakeConn) last(event string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.sent) - 1; i >= 0; i-- {
		if c.sent[i].event == event {
			return c.sent[i].payload, true
		}
	}
	return nil, false
}

func (c *fakeConn) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, s := range c.sent {
		if s.event == event {
			n++
		}
	}
	return n
}

func (c *fakeConn) clear() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}

func (c *fakeConn) killedWith() (string, bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason, c.kicked, c.killed
}

// Key generation is slow; share one pair across the package.
var testKeys = sync.OnceValue(func() *crypto.KeyPair {
	keys, err := crypto.GenerateKeyPair()
	if err != nil {
		panic(err)
	}
	return keys
})

type stubLoader struct {
	result any
}

func (s *stubLoader) Ready() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (s *stubLoader) Err() error         { return nil }
func (s *stubLoader) Execute(string) any { return s.result }
func (s *stubLoader) Terminate()         {}

const testLookup = `id,rps,bps,standard
1,stone,10,stone
2,dirt,21,dirt
3,water,30,water
`

func testConverter(t *testing.T) *convert.Converter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pixels.csv")
	if err := os.WriteFile(path, []byte(testLookup), 0o644); err != nil {
		t.Fatal(err)
	}
	extractors := map[string]any{
		"rps": map[string]any{"stone": 5, "dirt": 6, "water": 7},
		"bps": map[string]any{"10": 1, "21": 2, "30": 3},
	}
	conv, err := convert.Build(context.Background(), path, []convert.Dialect{{ID: "rps"}, {ID: "bps"}},
		func(d convert.Dialect) (convert.Evaluator, error) {
			return &stubLoader{result: extractors[d.ID]}, nil
		})
	if err != nil {
		t.Fatal(err)
	}
	return conv
}

func newTestBroker(t *testing.T, limits config.Limits) *Broker {
	t.Helper()
	b := NewBroker(limits, testKeys(), testConverter(t), nil)
	t.Cleanup(b.Close)
	return b
}

func defaultLimits() config.Limits {
	return config.Default().Limits
}

// connect accepts a connection and completes the handshake.
func connect(t *testing.T, b *Broker, name, dialect string) (*Handler, *fakeConn) {
	t.Helper()
	c := &fakeConn{id: name + "-conn", ip: "10.0.0." + name}
	h := b.Accept(c)
	if h == nil {
		t.Fatalf("connection for %s refused", name)
	}
	if _, ok := c.last(protocol.EvRequestClientInfo); !ok {
		t.Fatalf("%s: no requestClientInfo after accept", name)
	}
	raw, _ := json.Marshal(protocol.ClientInfo{Username: name, Client: dialect})
	h.HandleEvent(protocol.EvClientInfo, raw)
	if _, ok := c.last(protocol.EvClientInfoReceived); !ok {
		t.Fatalf("%s: handshake not acknowledged, events=%v", name, c.events())
	}
	c.clear()
	return h, c
}

func createRoom(t *testing.T, host *Handler, hostConn *fakeConn) *Room {
	t.Helper()
	host.HandleEvent(protocol.EvCreateGame, nil)
	code, ok := hostConn.last(protocol.EvGameCode)
	if !ok {
		t.Fatalf("no gameCode, events=%v", hostConn.events())
	}
	r := host.Room()
	if r == nil || r.Code() != code.(string) {
		t.Fatalf("host not in the created room")
	}
	return r
}

func joinRoom(t *testing.T, h *Handler, code string, spectating bool) {
	t.Helper()
	raw, _ := json.Marshal(protocol.JoinGame{Code: code, Spectating: spectating})
	h.HandleEvent(protocol.EvJoinGame, raw)
}

// setupRunning builds a 1v1 room in the Running state: an rps host on
// team A and a bps guest on team B.
func setupRunning(t *testing.T, b *Broker) (host *Handler, hostConn *fakeConn, guest *Handler, guestConn *fakeConn, r *Room) {
	t.Helper()
	host, hostConn = connect(t, b, "alice", "rps")
	guest, guestConn = connect(t, b, "bob", "bps")
	r = createRoom(t, host, hostConn)
	joinRoom(t, guest, r.Code(), false)

	host.HandleEvent(protocol.EvStartGame, nil)
	if _, ok := guestConn.last(protocol.EvGameStart); !ok {
		t.Fatalf("guest never saw gameStart, events=%v", guestConn.events())
	}
	host.HandleEvent(protocol.EvReady, nil)
	guest.HandleEvent(protocol.EvReady, nil)

	hostConn.clear()
	guestConn.clear()
	return host, hostConn, guest, guestConn, r
}

func TestHandshake(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	h, _ := connect(t, b, "alice", "rps")
	if got := h.Username(); got != "alice" {
		t.Errorf("username = %q, want alice", got)
	}
	if got := h.ClientType(); got != "rps" {
		t.Errorf("clientType = %q, want rps", got)
	}
}

func TestHandshakeRejectsUnknownDialect(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	c := &fakeConn{id: "x", ip: "10.1.0.1"}
	h := b.Accept(c)
	raw, _ := json.Marshal(protocol.ClientInfo{Username: "mallory", Client: "xyz"})
	h.HandleEvent(protocol.EvClientInfo, raw)

	reason, kicked, killed := c.killedWith()
	if !killed || reason != "Invalid connection handshake data" || kicked {
		t.Errorf("killed=%v reason=%q kicked=%v", killed, reason, kicked)
	}
}

func TestPrehandshakeEventsIgnored(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	c := &fakeConn{id: "x", ip: "10.1.0.2"}
	h := b.Accept(c)
	h.HandleEvent(protocol.EvPing, nil)
	h.HandleEvent(protocol.EvCreateGame, nil)
	if c.count(protocol.EvPong) != 0 || c.count(protocol.EvGameCode) != 0 {
		t.Errorf("pre-handshake events were handled: %v", c.events())
	}
}

func TestPingPong(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	h, c := connect(t, b, "alice", "rps")
	h.HandleEvent(protocol.EvPing, nil)
	if c.count(protocol.EvPong) != 1 {
		t.Errorf("no pong: %v", c.events())
	}
}

func TestCreateJoinStartFlow(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	host, hostConn := connect(t, b, "alice", "rps")
	r := createRoom(t, host, hostConn)

	if team, _ := hostConn.last(protocol.EvJoinSuccess); team != 0 {
		t.Errorf("host joinSuccess team = %v, want 0", team)
	}

	guest, guestConn := connect(t, b, "bob", "rps")
	joinRoom(t, guest, r.Code(), false)
	host.HandleEvent(protocol.EvStartGame, nil)

	want := []string{
		protocol.EvJoinSuccess,
		protocol.EvGameType,
		protocol.EvUpdateTeamLists,
		protocol.EvGameStart,
	}
	if got := guestConn.events(); !reflect.DeepEqual(got, want) {
		t.Errorf("guest events = %v, want %v", got, want)
	}
	if team, _ := guestConn.last(protocol.EvJoinSuccess); team != 1 {
		t.Errorf("guest joinSuccess team = %v, want 1", team)
	}
	if mode, _ := guestConn.last(protocol.EvGameType); mode != ModePixelCrash {
		t.Errorf("gameType = %v, want %q", mode, ModePixelCrash)
	}
	lists, _ := guestConn.last(protocol.EvUpdateTeamLists)
	tl := lists.(protocol.TeamLists)
	if !reflect.DeepEqual(tl.TeamA, []string{"alice"}) || !reflect.DeepEqual(tl.TeamB, []string{"bob"}) {
		t.Errorf("team lists = %+v", tl)
	}
}

func TestJoinUnknownCode(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	h, c := connect(t, b, "alice", "rps")
	joinRoom(t, h, "deadbeef", false)
	if reason, _ := c.last(protocol.EvJoinFail); reason != "game not found" {
		t.Errorf("joinFail = %v", reason)
	}
}

func TestForcedSpectator(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	host, hostConn := connect(t, b, "alice", "rps")
	r := createRoom(t, host, hostConn)
	guest, _ := connect(t, b, "bob", "rps")
	joinRoom(t, guest, r.Code(), false)

	// Both 1-player teams are now full; a third player is forced to
	// spectate.
	third, thirdConn := connect(t, b, "carol", "rps")
	joinRoom(t, third, r.Code(), false)
	if thirdConn.count(protocol.EvForcedSpectator) != 1 {
		t.Fatalf("no forcedSpectator: %v", thirdConn.events())
	}
	if team, _ := thirdConn.last(protocol.EvJoinSuccess); team != 2 {
		t.Errorf("spectator joinSuccess = %v, want 2", team)
	}
}

func TestSpectatorsDisallowed(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	host, hostConn := connect(t, b, "alice", "rps")
	r := createRoom(t, host, hostConn)
	allow, _ := json.Marshal(false)
	host.HandleEvent(protocol.EvAllowSpectators, allow)

	guest, guestConn := connect(t, b, "bob", "rps")
	joinRoom(t, guest, r.Code(), true)
	if reason, _ := guestConn.last(protocol.EvJoinFail); reason != "spectators not allowed" {
		t.Errorf("joinFail = %v, events=%v", reason, guestConn.events())
	}
}

func TestChangeTeamRespectsCapacity(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	host, hostConn := connect(t, b, "alice", "rps")
	r := createRoom(t, host, hostConn)
	guest, guestConn := connect(t, b, "bob", "rps")
	joinRoom(t, guest, r.Code(), false)

	// teamSize 1: team A already holds the host.
	raw, _ := json.Marshal(0)
	guest.HandleEvent(protocol.EvChangeTeam, raw)
	if guestConn.count(protocol.EvTeam) != 0 {
		t.Fatalf("change into a full team succeeded")
	}

	// After growing the teams the same change goes through.
	size, _ := json.Marshal(2)
	host.HandleEvent(protocol.EvTeamSize, size)
	guest.HandleEvent(protocol.EvChangeTeam, raw)
	if team, _ := guestConn.last(protocol.EvTeam); team != 0 {
		t.Errorf("team = %v, want 0", team)
	}
}

func TestTeamSizeBounds(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	host, hostConn := connect(t, b, "alice", "rps")
	r := createRoom(t, host, hostConn)
	for _, bad := range []int{0, -1, 4} {
		raw, _ := json.Marshal(bad)
		host.HandleEvent(protocol.EvTeamSize, raw)
	}
	r.mu.Lock()
	size := r.teamSize
	r.mu.Unlock()
	if size != 1 {
		t.Errorf("teamSize = %d after out-of-range updates", size)
	}
}

func TestMoveSwapsPlayers(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	host, hostConn := connect(t, b, "alice", "rps")
	r := createRoom(t, host, hostConn)
	guest, guestConn := connect(t, b, "bob", "rps")
	joinRoom(t, guest, r.Code(), false)

	raw, _ := json.Marshal(protocol.MovePlayer{Username: "alice", Username2: "bob", Team: 1})
	host.HandleEvent(protocol.EvMovePlayer, raw)

	if team, _ := hostConn.last(protocol.EvTeam); team != 1 {
		t.Errorf("host team = %v, want 1", team)
	}
	if team, _ := guestConn.last(protocol.EvTeam); team != 0 {
		t.Errorf("guest team = %v, want 0", team)
	}
}

func TestKickBansPlayer(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	host, hostConn := connect(t, b, "alice", "rps")
	r := createRoom(t, host, hostConn)
	guest, guestConn := connect(t, b, "bob", "rps")
	joinRoom(t, guest, r.Code(), false)

	raw, _ := json.Marshal("bob")
	host.HandleEvent(protocol.EvKickPlayer, raw)
	if guestConn.count(protocol.EvGameKicked) != 1 {
		t.Fatalf("no gameKicked: %v", guestConn.events())
	}
	if guest.Room() != nil {
		t.Fatalf("kicked player still in the room")
	}

	guestConn.clear()
	joinRoom(t, guest, r.Code(), false)
	if reason, _ := guestConn.last(protocol.EvJoinFail); reason != "banned from this game" {
		t.Errorf("rejoin after kick: %v", guestConn.events())
	}
}

func TestHostLeaveDestroysRoom(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	host, hostConn := connect(t, b, "alice", "rps")
	r := createRoom(t, host, hostConn)
	guest, guestConn := connect(t, b, "bob", "rps")
	joinRoom(t, guest, r.Code(), false)

	host.HandleEvent(protocol.EvLeaveGame, nil)
	if guestConn.count(protocol.EvGameEnd) != 1 {
		t.Fatalf("no gameEnd: %v", guestConn.events())
	}
	if guest.Room() != nil {
		t.Errorf("guest still holds the destroyed room")
	}
	if b.roomByCode(r.Code()) != nil {
		t.Errorf("room still registered")
	}
}

func TestStartRequiresFullTeams(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	host, hostConn := connect(t, b, "alice", "rps")
	createRoom(t, host, hostConn)
	hostConn.clear()

	// Team B is empty.
	host.HandleEvent(protocol.EvStartGame, nil)
	if hostConn.count(protocol.EvGameStart) != 0 {
		t.Errorf("game started with an empty team: %v", hostConn.events())
	}
}

func TestStartTimeoutRevertsToOpen(t *testing.T) {
	limits := defaultLimits()
	limits.StartTimeout = 30 * time.Millisecond
	b := newTestBroker(t, limits)

	host, hostConn := connect(t, b, "alice", "rps")
	r := createRoom(t, host, hostConn)
	guest, guestConn := connect(t, b, "bob", "rps")
	joinRoom(t, guest, r.Code(), false)

	host.HandleEvent(protocol.EvStartGame, nil)
	host.HandleEvent(protocol.EvReady, nil)
	// The guest never readies; the barrier must give up.
	time.Sleep(100 * time.Millisecond)

	guestConn.clear()
	host.HandleEvent(protocol.EvStartGame, nil)
	if guestConn.count(protocol.EvGameStart) != 1 {
		t.Errorf("room did not revert to open: %v", guestConn.events())
	}
}

func TestTickTranslation(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	host, _, _, guestConn, r := setupRunning(t, b)

	// A spectator on the host's dialect must receive the frame untouched.
	spec, specConn := connect(t, b, "carol", "rps")
	joinRoom(t, spec, r.Code(), true)
	specConn.clear()

	frame := protocol.TickFrame{
		Grid:         []byte{0xFF, 5, 6, 7, 5, 6, 7, 5, 6},
		TeamGrid:     []byte{0, 1},
		BooleanGrids: [][]byte{{1, 0}},
		Origin:       "alice",
		Data: protocol.TickData{
			Tick:             12,
			TeamPixelAmounts: [][]int{{0, 0, 0, 0, 0, 4}, {}},
		},
	}
	raw, _ := json.Marshal(frame)
	host.HandleEvent(protocol.EvTick, raw)

	payload, ok := guestConn.last(protocol.EvTick)
	if !ok {
		t.Fatalf("guest got no tick: %v", guestConn.events())
	}
	got := payload.(*protocol.TickFrame)
	wantGrid := []byte{0xFF, 1, 2, 3, 1, 2, 3, 1, 2}
	if !reflect.DeepEqual(got.Grid, wantGrid) {
		t.Errorf("translated grid = %v, want %v", got.Grid, wantGrid)
	}
	if !reflect.DeepEqual(got.TeamGrid, frame.TeamGrid) {
		t.Errorf("team grid changed: %v", got.TeamGrid)
	}
	// rps id 5 (count 4) is bps id 1 after re-keying.
	amounts := got.Data.TeamPixelAmounts
	if len(amounts) != 2 || len(amounts[0]) != 256 {
		t.Fatalf("re-keyed amounts shape: %d teams", len(amounts))
	}
	if amounts[0][1] != 4 || amounts[0][5] != 0 {
		t.Errorf("amounts[0] = idx1:%d idx5:%d, want 4, 0", amounts[0][1], amounts[0][5])
	}

	hostFrame, ok := specConn.last(protocol.EvTick)
	if !ok {
		t.Fatalf("spectator got no tick: %v", specConn.events())
	}
	same := hostFrame.(*protocol.TickFrame)
	if !reflect.DeepEqual(same.Grid, frame.Grid) {
		t.Errorf("host-dialect frame was translated: %v", same.Grid)
	}
	if !reflect.DeepEqual(same.Data.TeamPixelAmounts, frame.Data.TeamPixelAmounts) {
		t.Errorf("host-dialect amounts were re-keyed: %v", same.Data.TeamPixelAmounts)
	}
}

func TestInvalidTickDestroysHost(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	host, hostConn, guest, guestConn, r := setupRunning(t, b)

	host.HandleEvent(protocol.EvTick, json.RawMessage(`"not a frame"`))

	reason, kicked, killed := hostConn.killedWith()
	if !killed || reason != "Invalid game tick data" || !kicked {
		t.Errorf("host killed=%v reason=%q kicked=%v", killed, reason, kicked)
	}
	if guestConn.count(protocol.EvGameEnd) != 1 {
		t.Errorf("guest got no gameEnd: %v", guestConn.events())
	}
	if guest.Room() != nil {
		t.Errorf("guest still in the destroyed room")
	}
	if b.roomByCode(r.Code()) != nil {
		t.Errorf("room survived the host destroy")
	}
	if got := b.PublicRooms("", false); len(got) != 0 {
		t.Errorf("destroyed room still listed: %v", got)
	}
}

func TestTickFromNonHostIgnored(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	_, hostConn, guest, guestConn, _ := setupRunning(t, b)

	frame := protocol.TickFrame{
		Grid:         []byte{0xFF, 1},
		TeamGrid:     []byte{0},
		BooleanGrids: [][]byte{},
		Data:         protocol.TickData{TeamPixelAmounts: [][]int{}},
	}
	raw, _ := json.Marshal(frame)
	guest.HandleEvent(protocol.EvTick, raw)

	if hostConn.count(protocol.EvTick) != 0 {
		t.Errorf("non-host tick relayed")
	}
	if _, _, killed := guestConn.killedWith(); killed {
		t.Errorf("non-host tick destroyed the sender")
	}
}

func TestInputTranslation(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	_, hostConn, guest, _, _ := setupRunning(t, b)

	// bps pixel 1 (stone) must arrive as rps pixel 5; the team field is
	// overwritten with the sender's actual team.
	raw, _ := json.Marshal(protocol.InputFrame{Type: 0, Team: 9, Data: []int{3, 4, 0, 0, 0, 1}})
	guest.HandleEvent(protocol.EvInput, raw)

	payload, ok := hostConn.last(protocol.EvInput)
	if !ok {
		t.Fatalf("host got no input: %v", hostConn.events())
	}
	in := payload.(*protocol.InputFrame)
	if in.Team != 1 {
		t.Errorf("team = %d, want 1", in.Team)
	}
	if in.Data[5] != 5 {
		t.Errorf("pixel = %d, want 5", in.Data[5])
	}

	// -1 means "no pixel" and passes through.
	raw, _ = json.Marshal(protocol.InputFrame{Type: 0, Data: []int{0, 0, 0, 0, 0, -1}})
	guest.HandleEvent(protocol.EvInput, raw)
	payload, _ = hostConn.last(protocol.EvInput)
	if got := payload.(*protocol.InputFrame).Data[5]; got != -1 {
		t.Errorf("empty pixel = %d, want -1", got)
	}
}

func TestInputBatch(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	_, hostConn, guest, _, _ := setupRunning(t, b)

	batch := []protocol.InputFrame{
		{Type: 0, Data: []int{0, 0, 0, 0, 0, 1}},
		{Type: 1, Data: []int{7, 0xFF, 1, 2}},
	}
	raw, _ := json.Marshal(batch)
	guest.HandleEvent(protocol.EvInputBatch, raw)

	payload, ok := hostConn.last(protocol.EvInputBatch)
	if !ok {
		t.Fatalf("host got no batch: %v", hostConn.events())
	}
	frames := payload.([]*protocol.InputFrame)
	if len(frames) != 2 {
		t.Fatalf("batch length = %d", len(frames))
	}
	if frames[0].Data[5] != 5 {
		t.Errorf("batch[0] pixel = %d, want 5", frames[0].Data[5])
	}
	// Type 1: data[0] is the input header, the remainder a packed grid
	// whose own flag byte is copied and whose ids are translated.
	if got, want := frames[1].Data, []int{7, 0xFF, 5, 6}; !reflect.DeepEqual(got, want) {
		t.Errorf("batch[1] data = %v, want %v", got, want)
	}
}

func TestInvalidInputDestroysSender(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	host, hostConn, guest, guestConn, _ := setupRunning(t, b)

	raw, _ := json.Marshal(protocol.InputFrame{Type: 7, Data: []int{1}})
	guest.HandleEvent(protocol.EvInput, raw)

	reason, kicked, killed := guestConn.killedWith()
	if !killed || reason != "Invalid game input data" || !kicked {
		t.Errorf("sender killed=%v reason=%q kicked=%v", killed, reason, kicked)
	}
	// The room survives a misbehaving guest; only the host tears it down.
	if host.Room() == nil {
		t.Errorf("room destroyed by a guest violation")
	}
	if hostConn.count(protocol.EvInput) != 0 {
		t.Errorf("invalid input was relayed")
	}
}

func TestGridSizeRelay(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	host, _, _, guestConn, _ := setupRunning(t, b)

	raw, _ := json.Marshal(protocol.GridSize{Width: 64, Height: 48})
	host.HandleEvent(protocol.EvGridSize, raw)

	payload, ok := guestConn.last(protocol.EvGridSize)
	if !ok {
		t.Fatalf("no gridSize: %v", guestConn.events())
	}
	if gs := payload.(protocol.GridSize); gs.Width != 64 || gs.Height != 48 {
		t.Errorf("gridSize = %+v", gs)
	}
}

func TestPublicRoomsFilter(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	host, hostConn := connect(t, b, "alice", "rps")
	r := createRoom(t, host, hostConn)

	rooms := b.PublicRooms("", false)
	if len(rooms) != 1 || rooms[0].Code != r.Code() || rooms[0].HostName != "alice" {
		t.Fatalf("listing = %+v", rooms)
	}
	if got := b.PublicRooms(ModeResourceRace, false); len(got) != 0 {
		t.Errorf("mode filter leaked: %+v", got)
	}

	// Full teams drop the room from the player listing but keep it for
	// spectators.
	guest, _ := connect(t, b, "bob", "rps")
	joinRoom(t, guest, r.Code(), false)
	if got := b.PublicRooms("", false); len(got) != 0 {
		t.Errorf("full room listed for players: %+v", got)
	}
	if got := b.PublicRooms("", true); len(got) != 1 {
		t.Errorf("full room hidden from spectators: %+v", got)
	}

	private, _ := json.Marshal(false)
	host.HandleEvent(protocol.EvIsPublic, private)
	if got := b.PublicRooms("", true); len(got) != 0 {
		t.Errorf("private room listed: %+v", got)
	}
}

func TestCreateGameCooldown(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	host, hostConn := connect(t, b, "alice", "rps")

	host.HandleEvent(protocol.EvCreateGame, nil)
	host.HandleEvent(protocol.EvLeaveGame, nil)
	host.HandleEvent(protocol.EvCreateGame, nil)

	reason, kicked, killed := hostConn.killedWith()
	if !killed || reason != "game create spam" || !kicked {
		t.Errorf("killed=%v reason=%q kicked=%v", killed, reason, kicked)
	}
}

func TestConnectionSpamPerIP(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	for i := 0; i < 3; i++ {
		c := &fakeConn{id: fmt.Sprintf("c%d", i), ip: "10.9.9.9"}
		if b.Accept(c) == nil {
			t.Fatalf("connection %d refused", i)
		}
	}
	extra := &fakeConn{id: "c4", ip: "10.9.9.9"}
	if b.Accept(extra) != nil {
		t.Fatalf("4th connection in one window accepted")
	}
	reason, kicked, killed := extra.killedWith()
	if !killed || reason != "connection spam" || !kicked {
		t.Errorf("killed=%v reason=%q kicked=%v", killed, reason, kicked)
	}

	// A different address is unaffected.
	other := &fakeConn{id: "c5", ip: "10.9.9.10"}
	if b.Accept(other) == nil {
		t.Errorf("unrelated ip refused")
	}
}

func TestFloodSweepKicks(t *testing.T) {
	limits := defaultLimits()
	limits.FloodEventsPerSec = 3
	b := newTestBroker(t, limits)
	h, c := connect(t, b, "alice", "rps")

	for i := 0; i < 20; i++ {
		h.HandleEvent(protocol.EvPing, nil)
	}
	time.Sleep(1500 * time.Millisecond)

	reason, kicked, killed := c.killedWith()
	if !killed || reason != "socketio spam" || !kicked {
		t.Errorf("killed=%v reason=%q kicked=%v", killed, reason, kicked)
	}
}

func TestBrokerCloseEndsEverything(t *testing.T) {
	b := NewBroker(defaultLimits(), testKeys(), testConverter(t), nil)
	host, hostConn := connect(t, b, "alice", "rps")
	createRoom(t, host, hostConn)

	b.Close()
	if _, _, killed := hostConn.killedWith(); !killed {
		t.Errorf("connection survived Close")
	}
	refused := &fakeConn{id: "late", ip: "10.2.0.1"}
	if b.Accept(refused) != nil {
		t.Errorf("accept after Close")
	}
}

func TestStatus(t *testing.T) {
	b := newTestBroker(t, defaultLimits())
	st := b.Status()
	if !st.Active || st.Crashed {
		t.Errorf("status = %+v", st)
	}
	b.MarkCrashed()
	st = b.Status()
	if st.Active || !st.Crashed {
		t.Errorf("status after crash = %+v", st)
	}
}
