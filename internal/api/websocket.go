// websocket.go - Job progress over WebSocket
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/courtside/photodesk/internal/session"
	"github.com/courtside/photodesk/internal/upload"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

// WebSocket message types
const (
	MsgTypePing      = "ping"
	MsgTypePong      = "pong"
	MsgTypeJobWatch  = "job:watch"
	MsgTypeConnected = "connected"
	MsgTypeProgress  = "progress"
	MsgTypeComplete  = "complete"
	MsgTypeError     = "error"
)

// WSMessage is the client to server envelope.
type WSMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// JobWatchPayload names the job to follow.
type JobWatchPayload struct {
	JobID string `json:"jobId"`
}

// WSJobResponse carries a job snapshot.
type WSJobResponse struct {
	Type string      `json:"type"`
	Job  *upload.Job `json:"job"`
}

// WSErrorResponse reports a protocol error.
type WSErrorResponse struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// JobHandlerImpl implements the JobHandler interface
type JobHandlerImpl struct {
	jobs     *upload.Manager
	sessions *session.Manager
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewJobHandler creates a new job handler. maxMessageSize bounds incoming
// WebSocket frames in bytes.
func NewJobHandler(jobs *upload.Manager, sessions *session.Manager, maxMessageSize int, logger *slog.Logger) JobHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxMessageSize <= 0 {
		maxMessageSize = 64 * 1024
	}
	return &JobHandlerImpl{
		jobs:     jobs,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  maxMessageSize,
			WriteBufferSize: 16 * 1024,
		},
		logger: logger.With("component", "ws"),
	}
}

// HandleGetJob returns the status of one of the caller's jobs.
func (h *JobHandlerImpl) HandleGetJob(c echo.Context) error {
	state := resolveSession(c, h.sessions)
	id := c.Param("jobId")

	job, ok := h.jobs.GetJob(id)
	if !ok || job.SessionID != state.ID {
		return NewNotFoundError("job", id)
	}
	return c.JSON(http.StatusOK, job)
}

// wsConn serializes writes; gorilla connections allow one writer at a time.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (ws *wsConn) send(v interface{}) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	_ = ws.WriteJSON(v)
}

// HandleJobSocket upgrades the connection and streams job updates for
// every job the client asks to watch.
func (h *JobHandlerImpl) HandleJobSocket(c echo.Context) error {
	state := resolveSession(c, h.sessions)

	// Upgrade writes its own response; carry the session header and cookie over.
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), c.Response().Header().Clone())
	if err != nil {
		return err
	}
	ws := &wsConn{Conn: conn}
	conn.SetReadLimit(int64(h.upgrader.ReadBufferSize))

	h.logger.Debug("client connected", "session", state.ID[:8])

	done := make(chan struct{})
	var watchers sync.WaitGroup
	defer func() {
		close(done)
		watchers.Wait()
		conn.Close()
		h.logger.Debug("client disconnected", "session", state.ID[:8])
	}()

	ws.send(WSMessage{Type: MsgTypeConnected, Timestamp: time.Now().UnixMilli()})

	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("connection error", "error", err)
			}
			return nil
		}

		switch msg.Type {
		case MsgTypePing:
			ws.send(WSMessage{Type: MsgTypePong, Timestamp: time.Now().UnixMilli()})
		case MsgTypeJobWatch:
			var payload JobWatchPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.JobID == "" {
				ws.send(WSErrorResponse{Type: MsgTypeError, Message: "invalid watch payload", Code: "INVALID_PAYLOAD"})
				continue
			}
			job, ok := h.jobs.GetJob(payload.JobID)
			if !ok || job.SessionID != state.ID {
				ws.send(WSErrorResponse{Type: MsgTypeError, Message: "job not found: " + payload.JobID, Code: "NOT_FOUND"})
				continue
			}
			watchers.Add(1)
			go func() {
				defer watchers.Done()
				h.watchJob(ws, payload.JobID, done)
			}()
		default:
			ws.send(WSErrorResponse{Type: MsgTypeError, Message: "Unknown message type: " + msg.Type, Code: "INVALID_TYPE"})
		}
	}
}

// watchJob forwards updates until the job finishes or the socket closes.
func (h *JobHandlerImpl) watchJob(ws *wsConn, id string, done <-chan struct{}) {
	updates, cancel, ok := h.jobs.Watch(id)
	if !ok {
		return
	}
	defer cancel()

	for {
		select {
		case <-done:
			return
		case job, open := <-updates:
			if !open {
				// The final update may have been dropped for a slow reader.
				final, ok := h.jobs.GetJob(id)
				if !ok {
					return
				}
				ws.send(WSJobResponse{Type: terminalType(final), Job: &final})
				return
			}
			if job.Done() {
				continue
			}
			ws.send(WSJobResponse{Type: MsgTypeProgress, Job: &job})
		}
	}
}

func terminalType(job upload.Job) string {
	if job.Status == upload.StatusComplete {
		return MsgTypeComplete
	}
	return MsgTypeError
}
