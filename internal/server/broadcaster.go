package server

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/logger"
	"github.com/dj-oyu/traffic-monitor/congestion-server/internal/status"
)

// SerializedEvent holds one snapshot pre-serialized in both wire formats,
// so fanout to many clients encodes once.
type SerializedEvent struct {
	Snapshot     *status.Snapshot
	JSONData     []byte
	ProtobufData []byte // base64 for SSE transport
}

func serialize(snap *status.Snapshot) (*SerializedEvent, error) {
	jsonData, err := snap.MarshalJSON()
	if err != nil {
		return nil, err
	}
	pbData, err := snap.MarshalProto()
	if err != nil {
		return nil, err
	}
	return &SerializedEvent{
		Snapshot:     snap,
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// StatusBroadcaster watches the status store and fans out every newly
// installed snapshot to subscribers. Slow subscribers miss events instead
// of blocking the others.
type StatusBroadcaster struct {
	mu       sync.Mutex
	clients  map[int]chan *SerializedEvent
	nextID   int
	store    *status.Store
	interval time.Duration
	last     *status.Snapshot
	latest   *SerializedEvent
	stop     chan struct{}
	done     chan struct{}
	stopped  bool
}

// NewStatusBroadcaster creates a broadcaster polling store every interval
func NewStatusBroadcaster(store *status.Store, interval time.Duration) *StatusBroadcaster {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &StatusBroadcaster{
		clients:  make(map[int]chan *SerializedEvent),
		store:    store,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Subscribe adds a client. The channel is primed with the current
// snapshot so a new client never waits a full interval for data.
func (sb *StatusBroadcaster) Subscribe() (int, <-chan *SerializedEvent) {
	sb.poll()

	sb.mu.Lock()
	defer sb.mu.Unlock()

	id := sb.nextID
	sb.nextID++
	ch := make(chan *SerializedEvent, 4)
	if sb.latest != nil {
		ch <- sb.latest
	}
	sb.clients[id] = ch

	logger.Debug("StatusBroadcaster", "Client #%d subscribed (total clients: %d)", id, len(sb.clients))
	return id, ch
}

// Unsubscribe removes a client and closes its channel
func (sb *StatusBroadcaster) Unsubscribe(id int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if ch, ok := sb.clients[id]; ok {
		close(ch)
		delete(sb.clients, id)
		logger.Debug("StatusBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", id, len(sb.clients))
	}
}

// ClientCount returns the number of subscribers
func (sb *StatusBroadcaster) ClientCount() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.clients)
}

// Latest returns the most recently serialized event, or nil
func (sb *StatusBroadcaster) Latest() *SerializedEvent {
	sb.poll()
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.latest
}

// Start begins the polling loop
func (sb *StatusBroadcaster) Start() {
	go sb.run()
}

// Stop halts the loop and disconnects every subscriber
func (sb *StatusBroadcaster) Stop() {
	sb.mu.Lock()
	if sb.stopped {
		sb.mu.Unlock()
		return
	}
	sb.stopped = true
	close(sb.stop)
	sb.mu.Unlock()

	<-sb.done

	sb.mu.Lock()
	for id, ch := range sb.clients {
		close(ch)
		delete(sb.clients, id)
	}
	sb.mu.Unlock()
}

func (sb *StatusBroadcaster) run() {
	defer close(sb.done)
	logger.Info("StatusBroadcaster", "Starting status broadcaster (interval=%v)", sb.interval)

	ticker := time.NewTicker(sb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sb.stop:
			return
		case <-ticker.C:
			sb.poll()
		}
	}
}

// poll serializes and broadcasts the stored snapshot if it changed since
// the last poll. Snapshots are immutable once installed, so pointer
// identity is enough.
func (sb *StatusBroadcaster) poll() {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	snap := sb.store.Load()
	if snap == sb.last {
		return
	}

	event, err := serialize(snap)
	if err != nil {
		logger.Error("StatusBroadcaster", "Serialize error: %v", err)
		return
	}
	sb.last = snap
	sb.latest = event

	for _, ch := range sb.clients {
		select {
		case ch <- event:
		default:
			// client too slow, skip
		}
	}
}
