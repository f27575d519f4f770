package dashboard

import (
	"encoding/json"
	"log"
	"time"

	"github.com/taskdash/taskdash/internal/group"
	"github.com/taskdash/taskdash/internal/record"
	"github.com/taskdash/taskdash/internal/session"
	"github.com/taskdash/taskdash/internal/store"
)

// SnapshotData is the record set after a cache commit
type SnapshotData struct {
	Version    uint64          `json:"version"`
	Total      int             `json:"total"`
	Unfinished int             `json:"unfinished"`
	Records    []record.Record `json:"records"`
}

// ErrorData describes a failed action
type ErrorData struct {
	Code    store.Code `json:"code"`
	Message string     `json:"message"`
}

// Handler turns controller events into dashboard messages.
// It bridges between the session controller and the WebSocket server.
type Handler struct {
	server *Server
	ctrl   *session.Controller
	logger *log.Logger
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, ctrl *session.Controller, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{
		server: server,
		ctrl:   ctrl,
		logger: logger,
	}
}

// Attach subscribes the handler to controller events
func (h *Handler) Attach() {
	h.ctrl.OnChange(h.OnEvent)
}

// OnEvent dispatches one controller event
func (h *Handler) OnEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventSnapshot:
		h.OnSnapshot()
	case session.EventGroupUpdate:
		if ev.Result != nil {
			h.OnGroupUpdate(*ev.Result)
		}
	case session.EventError:
		h.OnError(ev.Err)
	}
}

// OnSnapshot broadcasts the new record set and the progress series
func (h *Handler) OnSnapshot() {
	h.server.Broadcast(h.snapshotMessage())
	h.server.Broadcast(h.progressMessage())
}

// OnGroupUpdate broadcasts a completed group action
func (h *Handler) OnGroupUpdate(res group.Result) {
	h.logger.Printf("Group update: %s %s on %d records", res.GroupKey, res.Field, len(res.IDs))
	h.server.Broadcast(h.message(MessageTypeGroupUpdate, res))
}

// OnError broadcasts a failed action
func (h *Handler) OnError(err error) {
	if err == nil {
		return
	}
	h.server.Broadcast(h.message(MessageTypeError, ErrorData{
		Code:    store.CodeOf(err),
		Message: store.MessageOf(err),
	}))
}

func (h *Handler) snapshotMessage() Message {
	recs := h.ctrl.Records()
	data := SnapshotData{
		Version: h.ctrl.Version(),
		Total:   len(recs),
		Records: recs,
	}
	for _, r := range recs {
		if !r.Done() {
			data.Unfinished++
		}
	}
	return h.message(MessageTypeSnapshot, data)
}

func (h *Handler) progressMessage() Message {
	return h.message(MessageTypeProgress, h.ctrl.Progress())
}

func (h *Handler) message(typ MessageType, v any) Message {
	msg := Message{Type: typ, Timestamp: time.Now()}
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return msg
	}
	msg.Data = data
	return msg
}
