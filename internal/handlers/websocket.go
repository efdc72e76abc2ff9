package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/fredfleetwood/backendbokning/internal/common"
	"github.com/fredfleetwood/backendbokning/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// WSMessage is the envelope for all live updates
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// JobStatusUpdate is the live payload for status changes
type JobStatusUpdate struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
	Version  int    `json:"version"`
}

// QRUpdate is the live payload for fresh QR frames
type QRUpdate struct {
	JobID      string `json:"job_id"`
	ImageData  string `json:"image_data"`
	CapturedAt string `json:"captured_at"`
}

// wsClient is one subscriber with a bounded outbound queue. A full
// queue drops the message; the broadcaster never blocks on a slow
// consumer.
type wsClient struct {
	conn    *websocket.Conn
	jobID   string // Empty subscribes to all jobs
	send    chan []byte
	dropped atomic.Int64 // Concurrent broadcasters bump this lock-free
}

// WebSocketHandler manages live-update subscribers
type WebSocketHandler struct {
	clients   map[*wsClient]bool
	clientsMu sync.RWMutex
	queueSize int
	logger    arbor.ILogger

	// Per-job broadcast throttlers
	qrThrottle     map[string]*rate.Limiter
	statusThrottle map[string]*rate.Limiter
	throttleMu     sync.Mutex
	qrInterval     rate.Limit
	statusInterval rate.Limit
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(config common.WebSocketConfig, logger arbor.ILogger) *WebSocketHandler {
	return &WebSocketHandler{
		clients:        make(map[*wsClient]bool),
		queueSize:      config.QueueSize,
		logger:         logger,
		qrThrottle:     make(map[string]*rate.Limiter),
		statusThrottle: make(map[string]*rate.Limiter),
		qrInterval:     rate.Every(config.QRThrottleDuration()),
		statusInterval: rate.Every(config.StatusThrottleDuration()),
	}
}

// HandleWebSocket upgrades the connection and registers the subscriber.
// An optional ?job_id= query filters updates to a single job.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &wsClient{
		conn:  conn,
		jobID: r.URL.Query().Get("job_id"),
		send:  make(chan []byte, h.queueSize),
	}

	h.clientsMu.Lock()
	h.clients[client] = true
	clientCount := len(h.clients)
	h.clientsMu.Unlock()

	h.logger.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("job_id", client.jobID).
		Int("total_clients", clientCount).
		Msg("WebSocket client connected")

	go h.writeLoop(client)
	h.readLoop(client)
}

// writeLoop drains the client's queue onto the wire
func (h *WebSocketHandler) writeLoop(client *wsClient) {
	for data := range client.send {
		if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Debug().Err(err).Msg("WebSocket write failed")
			client.conn.Close()
			return
		}
	}
	client.conn.Close()
}

// readLoop keeps the connection alive and cleans up on close
func (h *WebSocketHandler) readLoop(client *wsClient) {
	defer func() {
		h.clientsMu.Lock()
		if _, ok := h.clients[client]; ok {
			delete(h.clients, client)
			close(client.send)
		}
		h.clientsMu.Unlock()
		h.logger.Info().Int64("dropped_messages", client.dropped.Load()).Msg("WebSocket client disconnected")
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}
	}
}

// BroadcastJobStatus pushes a status change to matching subscribers
func (h *WebSocketHandler) BroadcastJobStatus(job *models.BookingJob) {
	if !h.allow(h.statusThrottle, h.statusInterval, job.ID) && !job.Status.IsTerminal() {
		return
	}

	h.broadcast(job.ID, WSMessage{
		Type: "status_update",
		Payload: JobStatusUpdate{
			JobID:    job.ID,
			Status:   string(job.Status),
			Progress: job.Progress,
			Message:  job.Message,
			Error:    job.Error,
			Version:  job.Version,
		},
	})
}

// BroadcastQR pushes a fresh QR frame to matching subscribers
func (h *WebSocketHandler) BroadcastQR(frame *models.QRCode) {
	if !h.allow(h.qrThrottle, h.qrInterval, frame.JobID) {
		return
	}

	h.broadcast(frame.JobID, WSMessage{
		Type: "qr_update",
		Payload: QRUpdate{
			JobID:      frame.JobID,
			ImageData:  frame.ImageData,
			CapturedAt: frame.CapturedAt.Format("2006-01-02T15:04:05.000Z07:00"),
		},
	})
}

// broadcast fans the message out best-effort: full subscriber queues
// drop the message rather than blocking
func (h *WebSocketHandler) broadcast(jobID string, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal WebSocket message")
		return
	}

	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()

	for client := range h.clients {
		if client.jobID != "" && client.jobID != jobID {
			continue
		}
		select {
		case client.send <- data:
		default:
			client.dropped.Add(1)
		}
	}
}

// allow rate-limits per-job broadcasts using a lazily created limiter
func (h *WebSocketHandler) allow(limiters map[string]*rate.Limiter, interval rate.Limit, jobID string) bool {
	h.throttleMu.Lock()
	limiter, ok := limiters[jobID]
	if !ok {
		limiter = rate.NewLimiter(interval, 1)
		limiters[jobID] = limiter
	}
	h.throttleMu.Unlock()
	return limiter.Allow()
}

// ForgetJob drops the job's throttlers after it reaches a terminal state
func (h *WebSocketHandler) ForgetJob(jobID string) {
	h.throttleMu.Lock()
	delete(h.qrThrottle, jobID)
	delete(h.statusThrottle, jobID)
	h.throttleMu.Unlock()
}

// ClientCount returns the number of connected subscribers
func (h *WebSocketHandler) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}
