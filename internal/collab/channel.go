package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"mosaic/sync/internal/metrics"
	"mosaic/sync/internal/util"
)

type Status string

const (
	StatusConnected    Status = "connected"
	StatusConnecting   Status = "connecting"
	StatusDisconnected Status = "disconnected"
)

const (
	defaultHeartbeat   = 5 * time.Second
	defaultPresenceTTL = 15 * time.Second

	reconnectInitial = 100 * time.Millisecond
	reconnectMax     = 2500 * time.Millisecond
)

// Callbacks fire on relay and document events. All optional, must not block.
type Callbacks struct {
	OnStatus        func(Status)
	OnSync          func(synced bool)
	OnContentChange func(*Data)
	OnUsersChange   func([]PresenceState)
}

// Options configure a Channel. Relay, ProjectID and DocumentID are required.
type Options struct {
	ProjectID   string
	DocumentID  string
	UserID      string
	DisplayName string
	Relay       Relay

	Heartbeat   time.Duration
	PresenceTTL time.Duration

	Callbacks Callbacks
}

// RoomID derives the stable room identifier for a document.
func RoomID(projectID, documentID string) string {
	return fmt.Sprintf("project:%s:doc:%s", projectID, documentID)
}

// message is the wire envelope. From carries the sender's session id so a
// client can ignore its own broadcasts.
type message struct {
	Kind     string         `json:"kind"` // hello | ops | presence | bye
	From     string         `json:"from"`
	Ops      []Op           `json:"ops,omitempty"`
	Presence *PresenceState `json:"presence,omitempty"`
}

type peer struct {
	state PresenceState
	seen  time.Time
}

// Channel is one client's connection to a collaboration room: a local
// document replica, a relay subscription with automatic reconnect, and the
// presence of everyone else in the room.
type Channel struct {
	room      string
	sessionID string
	relay     Relay
	heartbeat time.Duration
	ttl       time.Duration
	callbacks Callbacks
	doc       *Document

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	local     PresenceState
	peers     map[string]peer
	connected bool
	destroyed bool
	synced    bool
}

// NewChannel joins a room and starts the connection and heartbeat loops.
// Local presence is registered with the user's deterministic color.
func NewChannel(opts Options) (*Channel, error) {
	if opts.Relay == nil {
		return nil, fmt.Errorf("collab: relay is required")
	}
	if opts.ProjectID == "" || opts.DocumentID == "" {
		return nil, fmt.Errorf("collab: project and document ids are required")
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	ttl := opts.PresenceTTL
	if ttl <= 0 {
		ttl = defaultPresenceTTL
	}

	sessionID := util.NewID("ses")
	pair := ColorFor(opts.UserID)
	ctx, cancel := context.WithCancel(context.Background())

	c := &Channel{
		room:      RoomID(opts.ProjectID, opts.DocumentID),
		sessionID: sessionID,
		relay:     opts.Relay,
		heartbeat: heartbeat,
		ttl:       ttl,
		callbacks: opts.Callbacks,
		doc:       NewDocument(sessionID),
		ctx:       ctx,
		cancel:    cancel,
		local: PresenceState{
			UserID:      opts.UserID,
			DisplayName: opts.DisplayName,
			Color:       pair.Color,
			ColorLight:  pair.ColorLight,
		},
		peers: make(map[string]peer),
	}

	go c.run()
	go c.heartbeatLoop()
	return c, nil
}

// SessionID identifies this client instance within the room.
func (c *Channel) SessionID() string {
	return c.sessionID
}

// Room returns the room identifier this channel is joined to.
func (c *Channel) Room() string {
	return c.room
}

// GetData returns the merged local replica, or nil if both tracked keys are
// absent.
func (c *Channel) GetData() *Data {
	return c.doc.Data()
}

// SetData overwrites content and root as a single causal unit and broadcasts
// the operations. The local replica is updated even while disconnected; the
// full state is republished on reconnect, so nothing is lost.
func (c *Channel) SetData(data Data) {
	ops := c.doc.Set(map[string]json.RawMessage{
		KeyContent: data.Content,
		KeyRoot:    data.Root,
	})
	c.send(message{Kind: "ops", Ops: ops})
	metrics.RecordOp("send")
}

// InitializeIfEmpty seeds the replica from the durable snapshot exactly once:
// when the replica has no keys at all, or when it has no non-empty content
// while the snapshot does. A populated replica is never clobbered.
func (c *Channel) InitializeIfEmpty(snapshot Data) bool {
	if c.doc.Empty() {
		c.SetData(snapshot)
		return true
	}
	current, _ := c.doc.Get(KeyContent)
	if ContentEmpty(current) && !ContentEmpty(snapshot.Content) {
		c.SetData(snapshot)
		return true
	}
	return false
}

// UpdateCursor republishes local presence with new cursor metadata.
// Fire-and-forget, no acknowledgment.
func (c *Channel) UpdateCursor(cursor json.RawMessage) {
	c.mu.Lock()
	c.local.Cursor = cursor
	state := c.local
	c.mu.Unlock()
	c.send(message{Kind: "presence", Presence: &state})
}

// Users returns a snapshot of all remote presence entries, excluding the
// local client.
func (c *Channel) Users() []PresenceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := make([]PresenceState, 0, len(c.peers))
	for _, p := range c.peers {
		users = append(users, p.state)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
	return users
}

// Connected reports whether the relay subscription is live.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Destroy leaves the room and stops all loops. Irreversible.
func (c *Channel) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()

	c.send(message{Kind: "bye"})
	c.cancel()
	c.setConnected(false)
	c.status(StatusDisconnected)
}

// run is the connection loop: subscribe, announce, pump messages, and on any
// drop reconnect with bounded exponential backoff.
func (c *Channel) run() {
	backoff := reconnectInitial
	for {
		if c.ctx.Err() != nil {
			return
		}

		sub, err := c.relay.Subscribe(c.ctx, c.room)
		if err != nil {
			c.status(StatusConnecting)
			metrics.RecordReconnect()
			if !sleepCtx(c.ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = reconnectInitial

		c.setConnected(true)
		c.status(StatusConnected)
		c.announce()
		c.fireSyncOnce()

		c.pump(sub)
		_ = sub.Close()
		c.setConnected(false)

		if c.ctx.Err() != nil {
			return
		}
		c.status(StatusConnecting)
		metrics.RecordReconnect()
		if !sleepCtx(c.ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func (c *Channel) pump(sub Subscription) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				return
			}
			c.handleMessage(payload)
		}
	}
}

// announce publishes a join hello, the full replica state, and local
// presence. Established peers answer a hello by re-publishing their own
// state, which is what converges a fresh or reconnecting replica.
func (c *Channel) announce() {
	c.mu.Lock()
	state := c.local
	c.mu.Unlock()
	c.send(message{Kind: "hello", Presence: &state})
	if ops := c.doc.Ops(); len(ops) > 0 {
		c.send(message{Kind: "ops", Ops: ops})
	}
}

func (c *Channel) handleMessage(payload []byte) {
	var msg message
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Printf("collab: drop malformed message in %s: %v", c.room, err)
		return
	}
	if msg.From == c.sessionID {
		return
	}

	switch msg.Kind {
	case "hello":
		if msg.Presence != nil {
			c.updatePeer(msg.From, *msg.Presence)
		}
		// Answer with our state so the newcomer converges.
		if ops := c.doc.Ops(); len(ops) > 0 {
			c.send(message{Kind: "ops", Ops: ops})
		}
		c.mu.Lock()
		state := c.local
		c.mu.Unlock()
		c.send(message{Kind: "presence", Presence: &state})

	case "ops":
		metrics.RecordOp("recv")
		changed := false
		for _, op := range msg.Ops {
			if c.doc.Apply(op) {
				changed = true
			}
		}
		c.fireSyncOnce()
		if changed && c.callbacks.OnContentChange != nil {
			c.callbacks.OnContentChange(c.doc.Data())
		}

	case "presence":
		if msg.Presence != nil {
			c.updatePeer(msg.From, *msg.Presence)
		}

	case "bye":
		c.mu.Lock()
		_, existed := c.peers[msg.From]
		delete(c.peers, msg.From)
		c.mu.Unlock()
		if existed {
			c.notifyUsers()
		}
	}
}

func (c *Channel) updatePeer(sessionID string, state PresenceState) {
	c.mu.Lock()
	c.peers[sessionID] = peer{state: state, seen: time.Now()}
	c.mu.Unlock()
	c.notifyUsers()
}

// heartbeatLoop republishes local presence and expires peers that stopped
// heartbeating. Presence is tied to liveness: no delete message is required
// for a peer to disappear.
func (c *Channel) heartbeatLoop() {
	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if c.Connected() {
				c.mu.Lock()
				state := c.local
				c.mu.Unlock()
				c.send(message{Kind: "presence", Presence: &state})
			}
			c.expirePeers()
		}
	}
}

func (c *Channel) expirePeers() {
	cutoff := time.Now().Add(-c.ttl)
	c.mu.Lock()
	removed := false
	for id, p := range c.peers {
		if p.seen.Before(cutoff) {
			delete(c.peers, id)
			removed = true
		}
	}
	c.mu.Unlock()
	if removed {
		c.notifyUsers()
	}
}

func (c *Channel) notifyUsers() {
	users := c.Users()
	metrics.SetPeersActive(len(users))
	if c.callbacks.OnUsersChange != nil {
		c.callbacks.OnUsersChange(users)
	}
}

// send publishes an envelope, stamping the local session id. Publish failures
// are logged, never surfaced: the replica already holds the write and the
// reconnect path republishes state.
func (c *Channel) send(msg message) {
	msg.From = c.sessionID
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("collab: marshal %s message: %v", msg.Kind, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.relay.Publish(ctx, c.room, payload); err != nil {
		log.Printf("collab: publish %s to %s: %v", msg.Kind, c.room, err)
	}
}

func (c *Channel) setConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}

func (c *Channel) status(s Status) {
	if c.callbacks.OnStatus != nil {
		c.callbacks.OnStatus(s)
	}
}

func (c *Channel) fireSyncOnce() {
	c.mu.Lock()
	if c.synced {
		c.mu.Unlock()
		return
	}
	c.synced = true
	c.mu.Unlock()
	if c.callbacks.OnSync != nil {
		c.callbacks.OnSync(true)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > reconnectMax {
		next = reconnectMax
	}
	return next
}
