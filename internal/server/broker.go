// Package server coordinates client registration, chat event dispatch, and
// connection cleanup for the OneChat system via the ChatBroker type.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// ChatBroker is the façade over the three state stores. It owns the set of
// live client connections, dispatches each inbound event to store mutations,
// and emits the resulting unicast, room-broadcast, or global-broadcast frames.
type ChatBroker struct {
	history  *HistoryStore
	rooms    *RoomRegistry
	presence *PresenceTable

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewChatBroker creates a broker over the given stores. The returned broker
// is ready to manage connections once Run is started in its own goroutine.
func NewChatBroker(history *HistoryStore, rooms *RoomRegistry, presence *PresenceTable) *ChatBroker {
	ctx, cancel := context.WithCancel(context.Background())
	return &ChatBroker{
		history:    history,
		rooms:      rooms,
		presence:   presence,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// GetRegisterChan returns the channel used for registering new clients.
// This channel is write-only from the caller's perspective.
func (b *ChatBroker) GetRegisterChan() chan<- *Client {
	return b.register
}

// GetUnregisterChan returns the channel used for unregistering clients.
// This channel is write-only from the caller's perspective.
func (b *ChatBroker) GetUnregisterChan() chan<- *Client {
	return b.unregister
}

// Run starts the broker's main event loop, handling client registration and
// unregistration. This method should be called in a separate goroutine as it
// runs until Shutdown is invoked.
func (b *ChatBroker) Run() {
	defer close(b.done)

	for {
		select {
		case <-b.ctx.Done():
			b.shutdownClients()
			return

		case client := <-b.register:
			if client == nil {
				log.Printf("Received nil client registration; skipping")
				continue
			}

			b.mutex.Lock()
			client.closed = false
			b.clients[client] = true
			clientCount := len(b.clients)
			b.mutex.Unlock()
			log.Printf("Client %s registered from %s. Total clients: %d", client.id, client.addr, clientCount)

			if client.conn != nil {
				b.wg.Add(2)
				go func() {
					defer b.wg.Done()
					client.writePump()
				}()
				go func() {
					defer b.wg.Done()
					client.readPump()
				}()
			}

			// The transport-level connect event: tell the new connection
			// which rooms exist.
			b.unicast(client, EventOutUpdateRooms, UpdateRoomsEvent{Rooms: b.rooms.List()})

		case client := <-b.unregister:
			// Disconnect is handled in two independent steps in a fixed
			// order: presence offline-marking first, connection cleanup
			// second.
			b.markOffline(client)
			b.removeClient(client)
		}
	}
}

// Dispatch routes one decoded inbound event to its handler. Unknown events
// and malformed payloads are logged and dropped; no inbound event is fatal.
func (b *ChatBroker) Dispatch(c *Client, evt Event) {
	switch evt.Name {
	case EventJoin:
		var payload RoomPayload
		if !decodePayload(c, evt, &payload) {
			return
		}
		b.handleJoin(c, payload.Room)

	case EventLeave:
		var payload RoomPayload
		if !decodePayload(c, evt, &payload) {
			return
		}
		b.handleLeave(c, payload.Room)

	case EventUserList:
		var payload RoomPayload
		if !decodePayload(c, evt, &payload) {
			return
		}
		b.unicast(c, EventOutUserList, UserListEvent{Users: b.presence.RosterOf(payload.Room)})

	case EventMessage:
		var payload MessagePayload
		if !decodePayload(c, evt, &payload) {
			return
		}
		b.handleMessage(c, payload)

	case EventTyping:
		var payload TypingPayload
		if !decodePayload(c, evt, &payload) {
			return
		}
		userID := payload.UserID
		if userID == "" {
			userID = c.userID
		}
		b.broadcastRoom(payload.Room, EventOutTyping, TypingEvent{
			IsTyping: payload.IsTyping,
			Room:     payload.Room,
			Nickname: c.nickname,
			UserID:   userID,
		}, nil)

	case EventChatHistory:
		var payload RoomPayload
		if !decodePayload(c, evt, &payload) {
			return
		}
		b.unicast(c, EventOutChatHistory, ChatHistoryEvent{History: b.history.Get(payload.Room)})

	default:
		log.Printf("Unknown event %q from %s", evt.Name, c.addr)
	}
}

func decodePayload(c *Client, evt Event, dst any) bool {
	if err := json.Unmarshal(evt.Data, dst); err != nil {
		log.Printf("Invalid %s payload from %s: %v", evt.Name, c.addr, err)
		return false
	}
	return true
}

// handleJoin creates the room on demand, records the connection's membership,
// and announces the arrival to the room and the new room list to everyone.
func (b *ChatBroker) handleJoin(c *Client, room string) {
	b.rooms.Ensure(room)
	b.history.Ensure(room)
	b.presence.SetJoined(c.id, c.nickname, room)

	b.broadcastRoom(room, EventOutMessage, Message{
		Text:     fmt.Sprintf("%s has joined the room.", c.nickname),
		Nickname: SystemNickname,
		Room:     room,
	}, nil)
	b.broadcastAll(EventOutUpdateRooms, UpdateRoomsEvent{Rooms: b.rooms.List()})
	b.broadcastRoom(room, EventOutUserList, UserListEvent{Users: b.presence.RosterOf(room)}, nil)
}

// handleLeave clears the connection's room assignment and announces the
// departure. The leaver is excluded implicitly: its membership is already
// cleared when the room broadcasts are computed.
func (b *ChatBroker) handleLeave(c *Client, room string) {
	b.presence.SetLeft(c.id)

	b.broadcastRoom(room, EventOutMessage, Message{
		Text:     fmt.Sprintf("%s has left the room.", c.nickname),
		Nickname: SystemNickname,
		Room:     room,
	}, nil)
	b.broadcastRoom(room, EventOutUserList, UserListEvent{Users: b.presence.RosterOf(room)}, nil)
}

// handleMessage validates room membership, appends the message to history
// with a server-assigned timestamp, and broadcasts it to the rest of the
// room. The sender renders its own echo locally and is excluded.
func (b *ChatBroker) handleMessage(c *Client, payload MessagePayload) {
	current, ok := b.presence.RoomOf(c.id)
	if !ok || current != payload.Room {
		b.unicast(c, EventOutError, ErrorEvent{
			Error: fmt.Sprintf("cannot send to room %q: not joined", payload.Room),
		})
		return
	}

	userID := payload.UserID
	if userID == "" {
		userID = c.userID
	}

	msg := Message{
		Text:      payload.Text,
		UserID:    userID,
		Nickname:  c.nickname,
		Room:      payload.Room,
		Timestamp: time.Now().UTC().Format(TimestampLayout),
	}

	if err := b.history.Append(payload.Room, msg); err != nil {
		// Keep serving with memory-only history; a storage failure must
		// not interrupt in-flight chat.
		log.Printf("Error persisting chat history: %v", err)
	}

	b.broadcastRoom(payload.Room, EventOutMessage, msg, c)
}

// markOffline flags a disconnecting client offline and pushes the updated
// roster to its last known room.
func (b *ChatBroker) markOffline(client *Client) {
	room, ok := b.presence.RoomOf(client.id)
	b.presence.SetOffline(client.id)
	if ok && room != "" {
		b.broadcastRoom(room, EventOutUserList, UserListEvent{Users: b.presence.RosterOf(room)}, client)
	}
}

// removeClient drops the client from the live set and closes its send channel.
func (b *ChatBroker) removeClient(client *Client) {
	b.mutex.Lock()
	if _, ok := b.clients[client]; ok {
		delete(b.clients, client)
		client.closed = true
		clientCount := len(b.clients)
		b.mutex.Unlock()
		// Close the channel after releasing the lock.
		close(client.send)
		log.Printf("Client %s unregistered from %s. Total clients: %d", client.id, client.addr, clientCount)
	} else {
		b.mutex.Unlock()
	}
}

// unicast sends one event to a single connection.
func (b *ChatBroker) unicast(c *Client, name string, data any) {
	payload, ok := encodeEvent(name, data)
	if !ok {
		return
	}
	if !b.safeSend(c, payload) {
		b.removeFailedClients([]*Client{c})
	}
}

// broadcastRoom sends one event to every live connection currently assigned
// to the room, except the excluded sender. The recipient set is snapshotted
// against the roster before any send so concurrent join/leave cannot corrupt
// the delivery loop; a connection leaving mid-broadcast is an accepted
// best-effort miss.
func (b *ChatBroker) broadcastRoom(room, name string, data any, exclude *Client) {
	payload, ok := encodeEvent(name, data)
	if !ok {
		return
	}

	var clientsToRemove []*Client
	for _, client := range b.getClientSnapshot() {
		if client == exclude {
			continue
		}
		current, tracked := b.presence.RoomOf(client.id)
		if !tracked || current != room {
			continue
		}
		if !b.safeSend(client, payload) {
			clientsToRemove = append(clientsToRemove, client)
		}
	}
	b.removeFailedClients(clientsToRemove)
}

// broadcastAll sends one event to every live connection.
func (b *ChatBroker) broadcastAll(name string, data any) {
	payload, ok := encodeEvent(name, data)
	if !ok {
		return
	}

	var clientsToRemove []*Client
	for _, client := range b.getClientSnapshot() {
		if !b.safeSend(client, payload) {
			clientsToRemove = append(clientsToRemove, client)
		}
	}
	b.removeFailedClients(clientsToRemove)
}

func encodeEvent(name string, data any) ([]byte, bool) {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Printf("Error encoding %s event payload: %v", name, err)
		return nil, false
	}
	payload, err := json.Marshal(Event{Name: name, Data: raw})
	if err != nil {
		log.Printf("Error encoding %s event: %v", name, err)
		return nil, false
	}
	return payload, true
}

func (b *ChatBroker) safeSend(client *Client, message []byte) bool {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Recovered from panic in safeSend: %v", r)
		}
	}()

	// Hold the lock during the entire send attempt so the client cannot be
	// unregistered and its channel closed mid-send.
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	_, exists := b.clients[client]
	if !exists || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// getClientSnapshot returns a thread-safe snapshot of all current clients.
func (b *ChatBroker) getClientSnapshot() []*Client {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	clients := make([]*Client, 0, len(b.clients))
	for client := range b.clients {
		clients = append(clients, client)
	}
	return clients
}

// removeFailedClients removes clients that failed to receive messages and
// closes their channels. A failed delivery to one recipient never aborts
// delivery to others.
func (b *ChatBroker) removeFailedClients(clientsToRemove []*Client) {
	if len(clientsToRemove) == 0 {
		return
	}

	b.mutex.Lock()
	var channelsToClose []chan []byte
	for _, client := range clientsToRemove {
		if _, exists := b.clients[client]; exists {
			delete(b.clients, client)
			client.closed = true
			channelsToClose = append(channelsToClose, client.send)
			log.Printf("Client from %s removed due to full send buffer", client.addr)
		}
	}
	b.mutex.Unlock()

	// Close channels after releasing the lock.
	for _, ch := range channelsToClose {
		close(ch)
	}
}

// shutdownClients gracefully closes all active client connections. Closing
// the send channels lets the write pumps drain and exit without waiting on
// their keepalive tickers.
func (b *ChatBroker) shutdownClients() {
	log.Println("Shutting down all client connections...")

	b.mutex.Lock()
	clients := make([]*Client, 0, len(b.clients))
	for client := range b.clients {
		client.closed = true
		clients = append(clients, client)
	}
	b.clients = make(map[*Client]bool)
	b.mutex.Unlock()

	for _, client := range clients {
		close(client.send)
		if client.conn != nil {
			if err := client.conn.Close(); err != nil {
				if !isExpectedCloseError(err) {
					log.Printf("Error closing client connection from %s: %v", client.addr, err)
				}
			}
		}
	}

	log.Printf("Closed %d client connections", len(clients))
}

// Shutdown initiates graceful shutdown of the broker and waits for all client
// goroutines to complete, or until the timeout is reached.
func (b *ChatBroker) Shutdown(timeout time.Duration) error {
	log.Println("Initiating broker shutdown...")

	b.cancel()

	// Wait for Run() to complete.
	<-b.done

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("Broker shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		log.Println("Broker shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
