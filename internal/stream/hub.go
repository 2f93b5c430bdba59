package stream

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Room names used for fan-out addressing.
func RouteRoom(routeID string) string  { return "bus-" + routeID }
func StopRoom(stopID string) string    { return "stop-" + stopID }
func DriverRoom(routeID string) string { return "driver-" + routeID }

// Envelope is the wire frame for every server-to-client message.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Client is one live connection. Identity is overwritten on re-register so a
// reconnect with a new socket simply produces a fresh client.
type Client struct {
	ActorID   string
	ActorType string
	Send      chan []byte

	rooms map[string]struct{} // guarded by hub.mu
}

// Hub owns room membership and message fan-out. When a redis client is
// present, broadcasts are bridged across instances; messages carry the
// publishing hub's id so an instance never re-delivers its own.
type Hub struct {
	id    string
	redis *redis.Client
	log   zerolog.Logger

	mu      sync.RWMutex
	rooms   map[string]map[*Client]struct{}
	clients map[*Client]struct{}
}

func NewHub(redisClient *redis.Client, log zerolog.Logger) *Hub {
	h := &Hub{
		id:      uuid.NewString(),
		redis:   redisClient,
		log:     log,
		rooms:   map[string]map[*Client]struct{}{},
		clients: map[*Client]struct{}{},
	}

	if redisClient != nil {
		go h.subscribeRedis()
	}
	return h
}

func (h *Hub) Register(actorID, actorType string) *Client {
	client := &Client{
		ActorID:   actorID,
		ActorType: actorType,
		Send:      make(chan []byte, 64),
		rooms:     map[string]struct{}{},
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = struct{}{}
	return client
}

// Unregister removes the client from every room it joined and closes its
// send channel. Safe to call more than once; this runs on every disconnect.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	for room := range client.rooms {
		h.removeFromRoom(client, room)
	}
	client.rooms = map[string]struct{}{}
	close(client.Send)
}

func (h *Hub) Join(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	if h.rooms[room] == nil {
		h.rooms[room] = map[*Client]struct{}{}
	}
	h.rooms[room][client] = struct{}{}
	client.rooms[room] = struct{}{}
}

func (h *Hub) Leave(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeFromRoom(client, room)
	delete(client.rooms, room)
}

func (h *Hub) removeFromRoom(client *Client, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Broadcast sends an event to every client in the room at time of call; late
// joiners do not receive it.
func (h *Hub) Broadcast(room, event string, data any) {
	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("broadcast marshal failed")
		return
	}

	h.deliver(room, payload)

	if h.redis != nil {
		msg, _ := json.Marshal(bridgeMessage{Src: h.id, Room: room, Payload: payload})
		if err := h.redis.Publish(context.Background(), bridgeChannel(room), msg).Err(); err != nil {
			h.log.Warn().Err(err).Str("room", room).Msg("redis publish failed")
		}
	}
}

// Send delivers an event directly to a single client, bypassing rooms. Used
// for acks and the one-time subscribe snapshot.
func (h *Hub) Send(client *Client, event string, data any) {
	payload, err := json.Marshal(Envelope{Event: event, Data: data})
	if err != nil {
		h.log.Error().Err(err).Str("event", event).Msg("send marshal failed")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client]; !ok {
		return
	}
	select {
	case client.Send <- payload:
	default:
	}
}

// RoomSize reports current membership, mainly for tests and introspection.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// CloseAll unregisters every client. Called on graceful shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		h.Unregister(c)
	}
}

// deliver fans the payload out under the read lock. Sends never block, so
// holding the lock is cheap, and Unregister's channel close cannot interleave
// with a send.
func (h *Hub) deliver(room string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.rooms[room] {
		select {
		case c.Send <- payload:
		default:
			// slow consumer, drop rather than stall the fan-out
		}
	}
}

type bridgeMessage struct {
	Src     string          `json:"src"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

func (h *Hub) subscribeRedis() {
	ctx := context.Background()
	pubsub := h.redis.PSubscribe(ctx, "buswatch:room:*")
	defer pubsub.Close()

	for msg := range pubsub.Channel() {
		var bm bridgeMessage
		if err := json.Unmarshal([]byte(msg.Payload), &bm); err != nil {
			h.log.Warn().Err(err).Msg("bridge message unmarshal failed")
			continue
		}
		if bm.Src == h.id {
			continue
		}
		h.deliver(bm.Room, bm.Payload)
	}
}

func bridgeChannel(room string) string {
	return "buswatch:room:" + room
}
