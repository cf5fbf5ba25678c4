package server_test

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onechat/onechat/internal/server"
)

// startBroker wires a broker over fresh stores backed by a temp history file
// and runs it for the duration of the test.
func startBroker(t *testing.T) *server.ChatBroker {
	t.Helper()

	history := server.NewHistoryStore(filepath.Join(t.TempDir(), "chat_history.json"), "default")
	history.Load()
	rooms := server.NewRoomRegistry(history.Rooms())
	presence := server.NewPresenceTable()

	broker := server.NewChatBroker(history, rooms, presence)
	go broker.Run()
	t.Cleanup(func() {
		_ = broker.Shutdown(time.Second)
	})
	return broker
}

// connectClient registers a connection-less client with the broker and
// consumes the room list sent on connect, which also guarantees registration
// has completed before the test goes on.
func connectClient(t *testing.T, broker *server.ChatBroker, nickname string) *server.Client {
	t.Helper()

	client := server.NewClient(nil, broker, "127.0.0.1:0", server.Session{
		UserID:   nickname + "-id",
		Nickname: nickname,
	})
	require.NotEmpty(t, client.ID())
	require.Equal(t, nickname, client.Nickname())
	broker.GetRegisterChan() <- client

	evt := nextEvent(t, client)
	require.Equal(t, "update_rooms", evt.Name)
	return client
}

func nextEvent(t *testing.T, client *server.Client) server.Event {
	t.Helper()

	select {
	case raw, ok := <-client.GetSendChan():
		require.True(t, ok, "send channel closed while waiting for event")
		var evt server.Event
		require.NoError(t, json.Unmarshal(raw, &evt))
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return server.Event{}
	}
}

// eventsUntil reads events until one with the given name arrives.
func eventsUntil(t *testing.T, client *server.Client, name string) server.Event {
	t.Helper()

	for i := 0; i < 10; i++ {
		evt := nextEvent(t, client)
		if evt.Name == name {
			return evt
		}
	}
	t.Fatalf("never received %q event", name)
	return server.Event{}
}

func expectNoEvent(t *testing.T, client *server.Client, timeout time.Duration) {
	t.Helper()

	select {
	case raw, ok := <-client.GetSendChan():
		if ok {
			t.Fatalf("expected no event, got %s", raw)
		}
	case <-time.After(timeout):
	}
}

func dispatch(t *testing.T, broker *server.ChatBroker, client *server.Client, name string, payload any) {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)
	broker.Dispatch(client, server.Event{Name: name, Data: data})
}

func joinRoom(t *testing.T, broker *server.ChatBroker, client *server.Client, room string) {
	t.Helper()
	dispatch(t, broker, client, "join", server.RoomPayload{Room: room})
}

// drainJoin consumes the three frames a member receives for a join in its
// own room: the system message, the room list, and the roster.
func drainJoin(t *testing.T, client *server.Client) {
	t.Helper()
	eventsUntil(t, client, "user_list")
}

// TestBrokerConnectSendsRoomList verifies that a new connection is greeted
// with the current room list.
func TestBrokerConnectSendsRoomList(t *testing.T) {
	broker := startBroker(t)

	client := server.NewClient(nil, broker, "127.0.0.1:0", server.Session{UserID: "u1", Nickname: "Alice"})
	broker.GetRegisterChan() <- client

	evt := nextEvent(t, client)
	require.Equal(t, "update_rooms", evt.Name)

	var payload server.UpdateRoomsEvent
	require.NoError(t, json.Unmarshal(evt.Data, &payload))
	assert.Equal(t, []string{"default"}, payload.Rooms)
}

// TestBrokerJoinAnnouncesAndUpdates verifies the three join effects: system
// message to the room, room list to everyone, roster to the room.
func TestBrokerJoinAnnouncesAndUpdates(t *testing.T) {
	broker := startBroker(t)
	alice := connectClient(t, broker, "Alice")
	bob := connectClient(t, broker, "Bob")

	joinRoom(t, broker, alice, "lobby")

	evt := nextEvent(t, alice)
	require.Equal(t, "message", evt.Name)
	var msg server.Message
	require.NoError(t, json.Unmarshal(evt.Data, &msg))
	assert.Equal(t, "Alice has joined the room.", msg.Text)
	assert.Equal(t, server.SystemNickname, msg.Nickname)
	assert.Equal(t, "lobby", msg.Room)

	evt = nextEvent(t, alice)
	require.Equal(t, "update_rooms", evt.Name)
	var roomsEvt server.UpdateRoomsEvent
	require.NoError(t, json.Unmarshal(evt.Data, &roomsEvt))
	assert.Equal(t, []string{"default", "lobby"}, roomsEvt.Rooms)

	evt = nextEvent(t, alice)
	require.Equal(t, "user_list", evt.Name)
	var roster server.UserListEvent
	require.NoError(t, json.Unmarshal(evt.Data, &roster))
	require.Len(t, roster.Users, 1)
	assert.Equal(t, server.RosterEntry{Nickname: "Alice", Online: true}, roster.Users[0])

	// Bob is not in the room: he only sees the global room list update.
	evt = nextEvent(t, bob)
	assert.Equal(t, "update_rooms", evt.Name)
	expectNoEvent(t, bob, 100*time.Millisecond)
}

// TestBrokerMessageExcludesSender verifies the self-exclusion rule: the
// sender renders its own echo locally and must not receive the broadcast.
func TestBrokerMessageExcludesSender(t *testing.T) {
	broker := startBroker(t)
	alice := connectClient(t, broker, "Alice")
	bob := connectClient(t, broker, "Bob")

	joinRoom(t, broker, alice, "lobby")
	drainJoin(t, alice)
	eventsUntil(t, bob, "update_rooms")

	joinRoom(t, broker, bob, "lobby")
	drainJoin(t, bob)
	eventsUntil(t, alice, "user_list")

	dispatch(t, broker, alice, "message", server.MessagePayload{
		Room:   "lobby",
		Text:   "hello bob",
		UserID: "Alice-id",
	})

	evt := nextEvent(t, bob)
	require.Equal(t, "message", evt.Name)
	var msg server.Message
	require.NoError(t, json.Unmarshal(evt.Data, &msg))
	assert.Equal(t, "hello bob", msg.Text)
	assert.Equal(t, "Alice", msg.Nickname)
	assert.Equal(t, "Alice-id", msg.UserID)
	assert.NotEmpty(t, msg.Timestamp)

	expectNoEvent(t, alice, 100*time.Millisecond)
}

// TestBrokerRejectsUnjoinedSender verifies the hardened precondition: a
// message aimed at a room the sender has not joined is rejected with an
// error event and never persisted or broadcast.
func TestBrokerRejectsUnjoinedSender(t *testing.T) {
	broker := startBroker(t)
	alice := connectClient(t, broker, "Alice")
	carol := connectClient(t, broker, "Carol")

	joinRoom(t, broker, alice, "lobby")
	drainJoin(t, alice)
	eventsUntil(t, carol, "update_rooms")

	dispatch(t, broker, carol, "message", server.MessagePayload{
		Room:   "lobby",
		Text:   "sneaky",
		UserID: "Carol-id",
	})

	evt := nextEvent(t, carol)
	require.Equal(t, "error", evt.Name)
	var errEvt server.ErrorEvent
	require.NoError(t, json.Unmarshal(evt.Data, &errEvt))
	assert.Contains(t, errEvt.Error, "not joined")

	expectNoEvent(t, alice, 100*time.Millisecond)

	dispatch(t, broker, carol, "get_chat_history", server.RoomPayload{Room: "lobby"})
	evt = nextEvent(t, carol)
	require.Equal(t, "chat_history", evt.Name)
	var history server.ChatHistoryEvent
	require.NoError(t, json.Unmarshal(evt.Data, &history))
	assert.Empty(t, history.History)
}

// TestBrokerChatHistoryUnicast verifies that appended messages come back to a
// requester only.
func TestBrokerChatHistoryUnicast(t *testing.T) {
	broker := startBroker(t)
	alice := connectClient(t, broker, "Alice")
	bob := connectClient(t, broker, "Bob")

	joinRoom(t, broker, alice, "lobby")
	drainJoin(t, alice)
	eventsUntil(t, bob, "update_rooms")

	dispatch(t, broker, alice, "message", server.MessagePayload{Room: "lobby", Text: "first", UserID: "Alice-id"})
	dispatch(t, broker, alice, "message", server.MessagePayload{Room: "lobby", Text: "second", UserID: "Alice-id"})

	dispatch(t, broker, bob, "get_chat_history", server.RoomPayload{Room: "lobby"})
	evt := nextEvent(t, bob)
	require.Equal(t, "chat_history", evt.Name)

	var history server.ChatHistoryEvent
	require.NoError(t, json.Unmarshal(evt.Data, &history))
	require.Len(t, history.History, 2)
	assert.Equal(t, "first", history.History[0].Text)
	assert.Equal(t, "second", history.History[1].Text)

	expectNoEvent(t, alice, 100*time.Millisecond)
}

// TestBrokerLeaveAnnouncesDeparture verifies that leaving broadcasts the
// system message and the shrunken roster to the remaining members only.
func TestBrokerLeaveAnnouncesDeparture(t *testing.T) {
	broker := startBroker(t)
	alice := connectClient(t, broker, "Alice")
	bob := connectClient(t, broker, "Bob")

	joinRoom(t, broker, alice, "lobby")
	drainJoin(t, alice)
	eventsUntil(t, bob, "update_rooms")
	joinRoom(t, broker, bob, "lobby")
	drainJoin(t, bob)
	eventsUntil(t, alice, "user_list")

	dispatch(t, broker, alice, "leave", server.RoomPayload{Room: "lobby"})

	evt := nextEvent(t, bob)
	require.Equal(t, "message", evt.Name)
	var msg server.Message
	require.NoError(t, json.Unmarshal(evt.Data, &msg))
	assert.Equal(t, "Alice has left the room.", msg.Text)
	assert.Equal(t, server.SystemNickname, msg.Nickname)

	evt = nextEvent(t, bob)
	require.Equal(t, "user_list", evt.Name)
	var roster server.UserListEvent
	require.NoError(t, json.Unmarshal(evt.Data, &roster))
	require.Len(t, roster.Users, 1)
	assert.Equal(t, "Bob", roster.Users[0].Nickname)

	// The leaver is out of the room before the broadcasts are computed.
	expectNoEvent(t, alice, 100*time.Millisecond)
}

// TestBrokerTypingBroadcast verifies that typing indicators reach the whole
// room and are never persisted.
func TestBrokerTypingBroadcast(t *testing.T) {
	broker := startBroker(t)
	alice := connectClient(t, broker, "Alice")
	bob := connectClient(t, broker, "Bob")

	joinRoom(t, broker, alice, "lobby")
	drainJoin(t, alice)
	eventsUntil(t, bob, "update_rooms")
	joinRoom(t, broker, bob, "lobby")
	drainJoin(t, bob)
	eventsUntil(t, alice, "user_list")

	dispatch(t, broker, alice, "typing", server.TypingPayload{Room: "lobby", IsTyping: true, UserID: "Alice-id"})

	evt := nextEvent(t, bob)
	require.Equal(t, "typing", evt.Name)
	var typing server.TypingEvent
	require.NoError(t, json.Unmarshal(evt.Data, &typing))
	assert.True(t, typing.IsTyping)
	assert.Equal(t, "Alice", typing.Nickname)
	assert.Equal(t, "lobby", typing.Room)

	dispatch(t, broker, bob, "get_chat_history", server.RoomPayload{Room: "lobby"})
	evt = eventsUntil(t, bob, "chat_history")
	var history server.ChatHistoryEvent
	require.NoError(t, json.Unmarshal(evt.Data, &history))
	assert.Empty(t, history.History, "typing indicators must not be persisted")
}

// TestBrokerDisconnectMarksOffline verifies that a disconnect flags the user
// offline, pushes the updated roster to the last room, and then cleans up
// the connection.
func TestBrokerDisconnectMarksOffline(t *testing.T) {
	broker := startBroker(t)
	alice := connectClient(t, broker, "Alice")
	bob := connectClient(t, broker, "Bob")

	joinRoom(t, broker, alice, "lobby")
	drainJoin(t, alice)
	eventsUntil(t, bob, "update_rooms")
	joinRoom(t, broker, bob, "lobby")
	drainJoin(t, bob)
	eventsUntil(t, alice, "user_list")

	broker.GetUnregisterChan() <- alice

	evt := nextEvent(t, bob)
	require.Equal(t, "user_list", evt.Name)
	var roster server.UserListEvent
	require.NoError(t, json.Unmarshal(evt.Data, &roster))
	require.Len(t, roster.Users, 2)
	assert.Equal(t, server.RosterEntry{Nickname: "Alice", Online: false}, roster.Users[0])
	assert.Equal(t, server.RosterEntry{Nickname: "Bob", Online: true}, roster.Users[1])

	// Cleanup closed the disconnected client's send channel.
	waitForClosedChannel(t, alice)
}

func waitForClosedChannel(t *testing.T, client *server.Client) {
	t.Helper()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-client.GetSendChan():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("send channel was not closed after disconnect")
		}
	}
}

// TestBrokerUserListRequest verifies that get_user_list is answered to the
// requester only, even when the requester is outside the room.
func TestBrokerUserListRequest(t *testing.T) {
	broker := startBroker(t)
	alice := connectClient(t, broker, "Alice")
	carol := connectClient(t, broker, "Carol")

	joinRoom(t, broker, alice, "lobby")
	drainJoin(t, alice)
	eventsUntil(t, carol, "update_rooms")

	dispatch(t, broker, carol, "get_user_list", server.RoomPayload{Room: "lobby"})

	evt := nextEvent(t, carol)
	require.Equal(t, "user_list", evt.Name)
	var roster server.UserListEvent
	require.NoError(t, json.Unmarshal(evt.Data, &roster))
	require.Len(t, roster.Users, 1)
	assert.Equal(t, "Alice", roster.Users[0].Nickname)

	expectNoEvent(t, alice, 100*time.Millisecond)
}

// TestBrokerConcurrentJoins exercises concurrent join dispatches against the
// shared stores.
func TestBrokerConcurrentJoins(t *testing.T) {
	broker := startBroker(t)

	clients := make([]*server.Client, 0, 8)
	for i := 0; i < 8; i++ {
		clients = append(clients, connectClient(t, broker, fmt.Sprintf("user%d", i)))
	}

	done := make(chan struct{}, len(clients))
	for _, client := range clients {
		go func(c *server.Client) {
			joinRoom(t, broker, c, "lobby")
			done <- struct{}{}
		}(client)
	}
	for range clients {
		<-done
	}

	last := connectClient(t, broker, "observer")
	dispatch(t, broker, last, "get_user_list", server.RoomPayload{Room: "lobby"})
	evt := nextEvent(t, last)
	require.Equal(t, "user_list", evt.Name)

	var roster server.UserListEvent
	require.NoError(t, json.Unmarshal(evt.Data, &roster))
	assert.Len(t, roster.Users, 8)
}

// TestBrokerShutdownCompletes verifies that Shutdown returns once the run
// loop has exited.
func TestBrokerShutdownCompletes(t *testing.T) {
	history := server.NewHistoryStore(filepath.Join(t.TempDir(), "chat_history.json"), "default")
	history.Load()
	broker := server.NewChatBroker(history, server.NewRoomRegistry(history.Rooms()), server.NewPresenceTable())
	go broker.Run()

	require.NoError(t, broker.Shutdown(time.Second))
}
