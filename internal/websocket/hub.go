package websocket

import (
	"context"
	"sync"
)

type opKind int

const (
	opRegister opKind = iota
	opUnregister
	opSubscribe
	opUnsubscribe
)

// hubOp is one change to the hub, applied in order by Run.
type hubOp struct {
	kind    opKind
	client  *Client
	channel string
	done    chan struct{}
}

// Hub tracks connected clients and their channel subscriptions.
type Hub struct {
	mu sync.RWMutex

	clients  map[string]*Client
	channels map[string]map[*Client]struct{}

	ops  chan hubOp
	stop chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		channels: make(map[string]map[*Client]struct{}),
		ops:      make(chan hubOp, 512),
		stop:     make(chan struct{}),
	}
}

// Run applies registrations and subscriptions until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stop)
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-h.ops:
			switch op.kind {
			case opRegister:
				h.addClient(op.client)
			case opUnregister:
				h.removeClient(op.client)
			case opSubscribe:
				h.subscribeToChannel(op.client, op.channel)
			case opUnsubscribe:
				h.unsubscribeFromChannel(op.client, op.channel)
			}
			close(op.done)
		}
	}
}

// apply queues op and waits until Run applied it or stopped.
func (h *Hub) apply(op hubOp) {
	op.done = make(chan struct{})
	select {
	case h.ops <- op:
	case <-h.stop:
		return
	}
	select {
	case <-op.done:
	case <-h.stop:
	}
}

func (h *Hub) Register(client *Client) {
	h.apply(hubOp{kind: opRegister, client: client})
}

func (h *Hub) Unregister(client *Client) {
	h.apply(hubOp{kind: opUnregister, client: client})
}

func (h *Hub) Subscribe(client *Client, channel string) {
	h.apply(hubOp{kind: opSubscribe, client: client, channel: channel})
}

func (h *Hub) Unsubscribe(client *Client, channel string) {
	h.apply(hubOp{kind: opUnsubscribe, client: client, channel: channel})
}

// Broadcast sends payload to every subscriber of channel except the
// connections of exceptUserID. It returns how many clients got it.
func (h *Hub) Broadcast(channel string, payload []byte, exceptUserID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := 0
	for c := range h.channels[channel] {
		if exceptUserID != 0 && c.UserID == exceptUserID {
			continue
		}
		if c.SendMessage(payload) {
			sent++
		}
	}
	return sent
}

// UserSubscribed reports whether any connection of userID still listens
// on channel.
func (h *Hub) UserSubscribed(channel string, userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.channels[channel] {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()
}

// removeClient drops the client with its subscriptions and closes Send.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	for _, channel := range client.Channels() {
		if subscribers, ok := h.channels[channel]; ok {
			delete(subscribers, client)
			if len(subscribers) == 0 {
				delete(h.channels, channel)
			}
		}
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) subscribeToChannel(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	if _, ok := h.channels[channel]; !ok {
		h.channels[channel] = make(map[*Client]struct{})
	}
	h.channels[channel][client] = struct{}{}
	client.Subscribe(channel)
}

func (h *Hub) unsubscribeFromChannel(client *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subscribers, ok := h.channels[channel]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.channels, channel)
		}
	}
	client.Unsubscribe(channel)
}
