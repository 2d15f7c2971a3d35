package statusapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"
)

// clientBuffer is the number of messages queued per client before it is
// considered stale and dropped.
const clientBuffer = 32

// SSEClient is a connected SSE client.
type SSEClient struct {
	ID   string
	msgs chan []byte
	Done chan struct{}
}

// Broadcaster manages SSE client connections and message broadcasting.
type Broadcaster struct {
	clients map[string]*SSEClient
	mu      sync.RWMutex
	nextID  int
}

// NewBroadcaster creates a new SSE broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]*SSEClient),
	}
}

// AddClient registers a new client.
func (b *Broadcaster) AddClient() *SSEClient {
	b.mu.Lock()
	b.nextID++
	client := &SSEClient{
		ID:   fmt.Sprintf("client-%d", b.nextID),
		msgs: make(chan []byte, clientBuffer),
		Done: make(chan struct{}),
	}
	b.clients[client.ID] = client
	count := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("clientId", client.ID).Int("totalClients", count).Msg("SSE client connected")

	return client
}

// RemoveClient removes a client. It is safe to call more than once.
func (b *Broadcaster) RemoveClient(client *SSEClient) {
	b.mu.Lock()
	_, exists := b.clients[client.ID]
	if exists {
		delete(b.clients, client.ID)
		close(client.Done)
	}
	count := len(b.clients)
	b.mu.Unlock()

	if exists {
		log.Debug().Str("clientId", client.ID).Int("totalClients", count).Msg("SSE client disconnected")
	}
}

// Broadcast sends a named event to all connected clients. A client whose
// queue is full is dropped.
func (b *Broadcaster) Broadcast(event string, data any) {
	msg, err := encode(event, data)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal SSE data")
		return
	}

	var stale []*SSEClient

	b.mu.RLock()
	for _, client := range b.clients {
		select {
		case client.msgs <- msg:
		default:
			stale = append(stale, client)
		}
	}
	b.mu.RUnlock()

	for _, client := range stale {
		log.Warn().Str("clientId", client.ID).Msg("SSE client too slow, dropping")
		b.RemoveClient(client)
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Serve streams messages to w until the request ends or the client is
// dropped. initial, when not nil, is sent first as a "status" event.
func (b *Broadcaster) Serve(w http.ResponseWriter, r *http.Request, initial any) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client := b.AddClient()
	defer b.RemoveClient(client)

	fmt.Fprintf(w, "event: connected\ndata: {\"clientId\":%q}\n\n", client.ID)
	if initial != nil {
		if msg, err := encode("status", initial); err == nil {
			_, _ = w.Write(msg)
		}
	}
	flusher.Flush()

	for {
		select {
		case msg := <-client.msgs:
			if _, err := w.Write(msg); err != nil {
				log.Debug().Str("clientId", client.ID).Err(err).Msg("Failed to write to SSE client")
				return
			}
			flusher.Flush()
		case <-client.Done:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func encode(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, payload)), nil
}
