package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/towerterm/tower/src/substrate/errs"
	"github.com/towerterm/tower/src/substrate/manager"
	"github.com/towerterm/tower/src/substrate/registry"
	"github.com/towerterm/tower/src/substrate/sendbuffer"
)

// wsControlTag and wsDataTag are the leading bytes of the hybrid WebSocket
// framing from: 0x00 control JSON, 0x01 raw data.
const (
	wsControlTag byte = 0x00
	wsDataTag    byte = 0x01
)

// resumeHeader is the header non-browser clients may set to receive only
// frames after a given sequence number rather than the full ring-buffer
// replay.
const resumeHeader = "X-Session-Resume"

// controlMessage is the JSON body of a 0x00-tagged WebSocket frame.
type controlMessage struct {
	Type string `json:"type"` // "resize" | "ping" | "pong"
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// TerminalHandler serves the substrate's HTTP/WebSocket edge: session CRUD
// plus the bidirectional stream, backed by the SessionManager instead of
// an ephemeral in-process terminal package.
type TerminalHandler struct {
	*BaseHandler
	mgr        *manager.Manager
	sendBuf    *sendbuffer.Buffer
	upgrader   websocket.Upgrader
	socketRing int
}

// NewTerminalHandler wires a TerminalHandler to the given manager and send
// buffer, both already constructed and started by main.go's startup
// sequence.
func NewTerminalHandler(mgr *manager.Manager, sendBuf *sendbuffer.Buffer) *TerminalHandler {
	return &TerminalHandler{
		BaseHandler: NewBaseHandler(),
		mgr:         mgr,
		sendBuf:     sendBuf,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// createSessionRequest is the POST /terminals body.
type createSessionRequest struct {
	Role         string            `json:"role"`
	Cmd          string            `json:"cmd"`
	Args         []string          `json:"args"`
	Cwd          string            `json:"cwd"`
	Env          map[string]string `json:"env"`
	Cols         int               `json:"cols"`
	Rows         int               `json:"rows"`
	Supervised   bool              `json:"supervised"`
	WorkspaceKey string            `json:"workspace_key"`
}

// sessionView is the JSON shape returned for a session, trimmed of
// internal fields (sidecar pid/start-time are operational detail, not API
// surface).
type sessionView struct {
	SessionID    string `json:"session_id"`
	WorkspaceKey string `json:"workspace_key"`
	Role         string `json:"role"`
	Cols         int    `json:"cols"`
	Rows         int    `json:"rows"`
	Supervised   bool   `json:"supervised"`
	Persistent   bool   `json:"persistent"`
	CreatedAt    string `json:"created_at"`
}

func toView(d registry.Descriptor) sessionView {
	return sessionView{
		SessionID:    d.SessionID,
		WorkspaceKey: d.WorkspaceKey,
		Role:         string(d.Role),
		Cols:         d.Cols,
		Rows:         d.Rows,
		Supervised:   d.Supervised,
		Persistent:   d.Persistent,
		CreatedAt:    d.CreatedAt.Format(time.RFC3339),
	}
}

// HandleCreateSession implements POST /terminals.
func (h *TerminalHandler) HandleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	if req.Cols <= 0 {
		req.Cols = 80
	}
	if req.Rows <= 0 {
		req.Rows = 24
	}

	id := uuid.NewString()
	sess, err := h.mgr.CreateSession(c.Request.Context(), id, manager.CreateParams{
		Role:         registry.Role(req.Role),
		Cmd:          req.Cmd,
		Args:         req.Args,
		Cwd:          req.Cwd,
		Env:          req.Env,
		Cols:         req.Cols,
		Rows:         req.Rows,
		Supervised:   req.Supervised,
		WorkspaceKey: req.WorkspaceKey,
	})
	if err != nil {
		h.sendSubstrateError(c, err)
		return
	}
	h.sendBuf.Register(id, sess)

	d, _ := h.mgr.Descriptor(id)
	h.SendJSON(c, http.StatusCreated, toView(d))
}

// HandleListSessions implements GET /terminals.
func (h *TerminalHandler) HandleListSessions(c *gin.Context) {
	descriptors := h.mgr.List()
	views := make([]sessionView, 0, len(descriptors))
	for _, d := range descriptors {
		views = append(views, toView(d))
	}
	h.SendJSON(c, http.StatusOK, views)
}

// HandleGetSession implements GET /terminals/:id.
func (h *TerminalHandler) HandleGetSession(c *gin.Context) {
	id, err := h.GetPathParam(c, "id")
	if err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	d, ok := h.mgr.Descriptor(id)
	if !ok {
		h.SendError(c, http.StatusNotFound, errSessionNotFound(id))
		return
	}
	h.SendJSON(c, http.StatusOK, toView(d))
}

// HandleKillSession implements DELETE /terminals/:id.
func (h *TerminalHandler) HandleKillSession(c *gin.Context) {
	id, err := h.GetPathParam(c, "id")
	if err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	if _, ok := h.mgr.Descriptor(id); !ok {
		h.SendError(c, http.StatusNotFound, errSessionNotFound(id))
		return
	}
	h.sendBuf.Unregister(id)
	if err := h.mgr.KillSession(id); err != nil {
		h.sendSubstrateError(c, err)
		return
	}
	h.SendSuccess(c, "session killed")
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// HandleResizeSession implements POST /terminals/:id/resize.
func (h *TerminalHandler) HandleResizeSession(c *gin.Context) {
	id, err := h.GetPathParam(c, "id")
	if err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	var req resizeRequest
	if err := h.BindJSON(c, &req); err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	if req.Cols <= 0 || req.Rows <= 0 {
		h.SendError(c, http.StatusBadRequest, errs.Wrap(errs.ConfigInvalid, "resize requires positive cols/rows", nil))
		return
	}
	if err := h.mgr.ResizeSession(id, req.Cols, req.Rows); err != nil {
		h.sendSubstrateError(c, err)
		return
	}
	h.SendSuccess(c, "resized")
}

// HandleGetOutput implements GET /terminals/:id/output.
func (h *TerminalHandler) HandleGetOutput(c *gin.Context) {
	id, err := h.GetPathParam(c, "id")
	if err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	sess, ok := h.mgr.Get(id)
	if !ok {
		h.SendError(c, http.StatusNotFound, errSessionNotFound(id))
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", sess.Snapshot())
}

// HandleStream implements WS /terminals/:id/stream: the bidirectional
// terminal I/O path described in, with the hybrid
// control/data framing and optional X-Session-Resume header.
func (h *TerminalHandler) HandleStream(c *gin.Context) {
	id, err := h.GetPathParam(c, "id")
	if err != nil {
		h.SendError(c, http.StatusBadRequest, err)
		return
	}
	sess, ok := h.mgr.Get(id)
	if !ok {
		h.SendError(c, http.StatusNotFound, errSessionNotFound(id))
		return
	}

	var afterSeq uint64
	if v := c.GetHeader(resumeHeader); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			afterSeq = parsed
		}
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).WithField("session_id", id).Error("terminal stream: websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := sess.Attach(afterSeq)
	defer sess.Detach(sub)

	var writeMu sync.Mutex
	writeFrame := func(tag byte, payload []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		msg := make([]byte, 1+len(payload))
		msg[0] = tag
		copy(msg[1:], payload)
		return conn.WriteMessage(websocket.BinaryMessage, msg)
	}

	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() { closeOnce.Do(func() { close(done) }) }

	go func() {
		for {
			select {
			case data, ok := <-sub.Frames():
				if !ok {
					closeDone()
					return
				}
				if err := writeFrame(wsDataTag, data); err != nil {
					closeDone()
					return
				}
			case <-sess.Done():
				closeDone()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			closeDone()
			return
		}
		if msgType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}

		tag, payload := data[0], data[1:]
		switch tag {
		case wsDataTag:
			if _, err := sess.Write(payload); err != nil {
				logrus.WithError(err).WithField("session_id", id).Warn("terminal stream: write to backend failed")
			}
		case wsControlTag:
			var ctrl controlMessage
			if err := json.Unmarshal(payload, &ctrl); err != nil {
				continue
			}
			switch ctrl.Type {
			case "resize":
				if ctrl.Cols > 0 && ctrl.Rows > 0 {
					if err := sess.Resize(ctrl.Cols, ctrl.Rows); err != nil {
						logrus.WithError(err).WithField("session_id", id).Warn("terminal stream: resize failed")
					}
				}
			case "ping":
				writeFrame(wsControlTag, mustJSON(controlMessage{Type: "pong"}))
			}
		}
	}
}

func (h *TerminalHandler) sendSubstrateError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ConfigInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, errs.SidecarSpawnFailed), errors.Is(err, errs.SidecarUnreachable):
		status = http.StatusServiceUnavailable
	}
	h.SendError(c, status, err)
}

func errSessionNotFound(id string) error {
	return errs.Wrap(errs.ConfigInvalid, "session "+id+" not found", nil)
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
