// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in chat page.
package server

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// WebSocketHandler returns the handler for WebSocket upgrade requests. It
// binds the cookie identity to the connection (issuing an ephemeral one when
// the request carries none), upgrades the connection, and registers the
// client with the broker, which launches the pump goroutines.
func WebSocketHandler(broker *ChatBroker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		identity, ok := SessionFromRequest(r)
		if !ok {
			// No cookies on the upgrade request; the connection still gets
			// a usable identity, it just will not survive a reconnect.
			identity = NewSession()
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade failed: %v", err)
			return
		}

		client := NewClient(conn, broker, r.RemoteAddr, identity)
		log.Printf("WebSocket client %s connected as %q from %s", client.ID(), client.Nickname(), r.RemoteAddr)
		broker.register <- client
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "OneChat server is running!")
}

// ChatPageHandler serves the built-in chat page. It issues the identity
// cookies consumed later by the WebSocket handler, so a browser keeps its
// nickname and user id across visits.
func ChatPageHandler(w http.ResponseWriter, r *http.Request) {
	session := EnsureSession(w, r)

	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprintf(w, chatPageHTML, session.Nickname, session.UserID); err != nil {
		log.Printf("Error writing HTML response: %v", err)
	}
}

const chatPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>OneChat</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; display: flex; gap: 20px; }
        #main { flex: 1; }
        #sidebar { width: 220px; }
        #messages {
            border: 1px solid #ccc;
            height: 320px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        #rooms, #users { border: 1px solid #ccc; padding: 10px; margin-bottom: 10px; }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .system { color: gray; font-style: italic; }
        .typing { color: #888; font-size: 12px; min-height: 16px; }
        .offline { color: #aaa; }
    </style>
</head>
<body>
    <div id="main">
        <h1>OneChat</h1>
        <div>Signed in as <strong id="nickname">%s</strong></div>
        <div id="messages"></div>
        <div id="typing" class="typing"></div>
        <div>
            <input type="text" id="messageInput" placeholder="Type a message...">
            <button onclick="sendMessage()">Send</button>
        </div>
    </div>
    <div id="sidebar">
        <h3>Rooms</h3>
        <div id="rooms"></div>
        <div>
            <input type="text" id="roomInput" placeholder="New room..." style="width: 120px;">
            <button onclick="joinRoom(document.getElementById('roomInput').value)">Join</button>
        </div>
        <h3>Users</h3>
        <div id="users"></div>
    </div>

    <script>
        const userId = '%s';
        const nickname = document.getElementById('nickname').textContent;
        let currentRoom = null;
        let typingTimer = null;

        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');

        function send(event, data) {
            if (ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({event: event, data: data}));
            }
        }

        function addMessage(text, cls) {
            const div = document.createElement('div');
            if (cls) div.className = cls;
            div.textContent = text;
            const messages = document.getElementById('messages');
            messages.appendChild(div);
            messages.scrollTop = messages.scrollHeight;
        }

        function joinRoom(room) {
            room = (room || '').trim();
            if (!room || room === currentRoom) return;
            if (currentRoom) send('leave', {room: currentRoom});
            currentRoom = room;
            document.getElementById('messages').innerHTML = '';
            send('join', {room: room});
            send('get_chat_history', {room: room});
        }

        function sendMessage() {
            const input = document.getElementById('messageInput');
            const text = input.value.trim();
            if (!text || !currentRoom) return;
            send('message', {room: currentRoom, message: text, userId: userId});
            addMessage(nickname + ': ' + text);
            input.value = '';
            send('typing', {room: currentRoom, isTyping: false, userId: userId});
        }

        ws.onmessage = function(e) {
            for (const frame of e.data.split('\n')) {
                if (frame) handleEvent(JSON.parse(frame));
            }
        };

        function handleEvent(evt) {
            const data = evt.data;
            switch (evt.event) {
            case 'update_rooms':
                document.getElementById('rooms').innerHTML = '';
                for (const room of data.rooms) {
                    const a = document.createElement('a');
                    a.href = '#';
                    a.textContent = room + (room === currentRoom ? ' *' : '');
                    a.onclick = function() { joinRoom(room); return false; };
                    document.getElementById('rooms').appendChild(a);
                    document.getElementById('rooms').appendChild(document.createElement('br'));
                }
                if (!currentRoom && data.rooms.length > 0) joinRoom(data.rooms[0]);
                break;
            case 'message':
                if (data.room !== currentRoom) break;
                if (data.nickname === 'System') {
                    addMessage(data.message, 'system');
                } else {
                    addMessage(data.nickname + ': ' + data.message);
                }
                break;
            case 'chat_history':
                for (const msg of data.history) {
                    addMessage(msg.nickname + ': ' + msg.message);
                }
                break;
            case 'user_list':
                document.getElementById('users').innerHTML = '';
                for (const user of data.users) {
                    const div = document.createElement('div');
                    div.textContent = user.nickname + (user.online ? '' : ' (offline)');
                    if (!user.online) div.className = 'offline';
                    document.getElementById('users').appendChild(div);
                }
                break;
            case 'typing':
                document.getElementById('typing').textContent =
                    data.isTyping && data.userId !== userId ? data.nickname + ' is typing...' : '';
                break;
            case 'error':
                addMessage('Error: ' + data.error, 'system');
                break;
            }
        }

        document.getElementById('messageInput').addEventListener('keypress', function(e) {
            if (e.key === 'Enter') { sendMessage(); return; }
            if (!currentRoom) return;
            send('typing', {room: currentRoom, isTyping: true, userId: userId});
            clearTimeout(typingTimer);
            typingTimer = setTimeout(function() {
                send('typing', {room: currentRoom, isTyping: false, userId: userId});
            }, 2000);
        });
    </script>
</body>
</html>`
