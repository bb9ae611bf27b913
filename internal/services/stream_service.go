package services

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ksys/vtag-engine/internal/db/models"
	"github.com/ksys/vtag-engine/internal/metrics"
	"github.com/ksys/vtag-engine/internal/utils"
	"go.uber.org/zap"
)

// Stream message types
const (
	StreamMessageBatch = "batch"
)

const (
	streamSendBuffer   = 256
	streamReadLimit    = 4096
	streamPongWait     = 60 * time.Second
	streamPingInterval = 30 * time.Second
	streamWriteWait    = 10 * time.Second
)

// StreamClient is one websocket subscriber. With no subscribed tags it
// receives every result.
type StreamClient struct {
	conn     *websocket.Conn
	operator string
	send     chan []byte

	mu   sync.RWMutex
	tags map[string]bool
}

// Subscribe adds tag IDs to the client's filter
func (c *StreamClient) Subscribe(tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tags {
		if t != "" {
			c.tags[t] = true
		}
	}
}

// Unsubscribe removes tag IDs from the client's filter
func (c *StreamClient) Unsubscribe(tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tags {
		delete(c.tags, t)
	}
}

// Tags returns the subscribed tag IDs, sorted
func (c *StreamClient) Tags() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tags := make([]string, 0, len(c.tags))
	for t := range c.tags {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// filter returns the results this client wants
func (c *StreamClient) filter(results []models.CalculationResult) []models.CalculationResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.tags) == 0 {
		return results
	}
	out := make([]models.CalculationResult, 0, len(c.tags))
	for _, r := range results {
		if c.tags[r.VirtualTagID] {
			out = append(out, r)
		}
	}
	return out
}

// StreamMessage is what clients receive
type StreamMessage struct {
	Type      string                     `json:"type"`
	Timestamp time.Time                  `json:"timestamp"`
	BatchID   string                     `json:"batch_id,omitempty"`
	Tick      time.Time                  `json:"tick"`
	Results   []models.CalculationResult `json:"results"`
}

// streamRequest is what clients send to change their subscription
type streamRequest struct {
	Action string   `json:"action"`
	Tags   []string `json:"tags"`
}

// StreamService fans finished batches out to websocket clients
type StreamService struct {
	logger     *utils.Logger
	metrics    *metrics.Collector
	clients    map[*StreamClient]bool
	register   chan *StreamClient
	unregister chan *StreamClient
	broadcast  chan *BatchReport
	done       chan struct{}
	closeOnce  sync.Once
	mutex      sync.RWMutex
}

// NewStreamService creates the hub and starts its loop
func NewStreamService(collector *metrics.Collector, logger *utils.Logger) *StreamService {
	service := &StreamService{
		logger:     logger.Named("stream_service"),
		metrics:    collector,
		clients:    make(map[*StreamClient]bool),
		register:   make(chan *StreamClient),
		unregister: make(chan *StreamClient),
		broadcast:  make(chan *BatchReport, 16),
		done:       make(chan struct{}),
	}

	go service.run()
	return service
}

// RegisterClient attaches an upgraded connection and starts its pumps
func (s *StreamService) RegisterClient(conn *websocket.Conn, operator string, tags []string) *StreamClient {
	client := &StreamClient{
		conn:     conn,
		operator: operator,
		send:     make(chan []byte, streamSendBuffer),
		tags:     make(map[string]bool),
	}
	client.Subscribe(tags...)

	select {
	case s.register <- client:
	case <-s.done:
		conn.Close()
		return client
	}

	go s.readPump(client)
	go s.writePump(client)
	return client
}

// ClientCount returns the number of connected clients
func (s *StreamService) ClientCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.clients)
}

// BroadcastBatch queues a batch for delivery. It never blocks the caller;
// when the queue is full the batch is dropped for streaming only.
func (s *StreamService) BroadcastBatch(report *BatchReport) {
	if report == nil || len(report.Results) == 0 {
		return
	}
	select {
	case s.broadcast <- report:
	default:
		s.logger.Warn("Stream queue full, dropping batch", zap.String("batch_id", report.ID))
	}
}

// Close disconnects every client and stops the hub
func (s *StreamService) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// run owns the client set; only it closes send channels
func (s *StreamService) run() {
	for {
		select {
		case <-s.done:
			s.mutex.Lock()
			for client := range s.clients {
				delete(s.clients, client)
				close(client.send)
			}
			s.mutex.Unlock()
			s.recordClients()
			return

		case client := <-s.register:
			s.mutex.Lock()
			s.clients[client] = true
			s.mutex.Unlock()
			s.recordClients()
			s.logger.Debug("Client registered", zap.String("operator", client.operator))

		case client := <-s.unregister:
			s.remove(client)
			s.logger.Debug("Client unregistered", zap.String("operator", client.operator))

		case report := <-s.broadcast:
			s.deliver(report)
		}
	}
}

func (s *StreamService) deliver(report *BatchReport) {
	s.mutex.RLock()
	clients := make([]*StreamClient, 0, len(s.clients))
	for client := range s.clients {
		clients = append(clients, client)
	}
	s.mutex.RUnlock()

	for _, client := range clients {
		results := client.filter(report.Results)
		if len(results) == 0 {
			continue
		}
		payload, err := json.Marshal(StreamMessage{
			Type:      StreamMessageBatch,
			Timestamp: time.Now().UTC(),
			BatchID:   report.ID,
			Tick:      report.Tick,
			Results:   results,
		})
		if err != nil {
			s.logger.Error("Failed to marshal stream message", zap.String("batch_id", report.ID), zap.Error(err))
			continue
		}

		select {
		case client.send <- payload:
		default:
			s.remove(client)
			s.logger.Warn("Client buffer full, connection closed", zap.String("operator", client.operator))
		}
	}
}

func (s *StreamService) remove(client *StreamClient) {
	s.mutex.Lock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		close(client.send)
	}
	s.mutex.Unlock()
	s.recordClients()
}

func (s *StreamService) recordClients() {
	if s.metrics != nil {
		s.metrics.RecordStreamClients(s.ClientCount())
	}
}

// readPump handles subscription requests until the connection drops
func (s *StreamService) readPump(client *StreamClient) {
	defer func() {
		select {
		case s.unregister <- client:
		case <-s.done:
		}
		client.conn.Close()
	}()

	client.conn.SetReadLimit(streamReadLimit)
	_ = client.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("Unexpected websocket close", zap.String("operator", client.operator), zap.Error(err))
			}
			return
		}

		var req streamRequest
		if err := json.Unmarshal(message, &req); err != nil {
			s.logger.Warn("Invalid client message", zap.ByteString("message", message), zap.Error(err))
			continue
		}

		switch req.Action {
		case "subscribe":
			client.Subscribe(req.Tags...)
		case "unsubscribe":
			client.Unsubscribe(req.Tags...)
		default:
			s.logger.Debug("Unknown client action", zap.String("action", req.Action))
		}
	}
}

// writePump delivers queued messages and keeps the connection alive
func (s *StreamService) writePump(client *StreamClient) {
	ticker := time.NewTicker(streamPingInterval)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
