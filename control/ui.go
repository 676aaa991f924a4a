package control

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/john/printlink/appctx"
)

// UIOptions tunes how prompts are answered.
type UIOptions struct {
	// ConfirmTimeout bounds how long a prompt waits for a client.
	ConfirmTimeout time.Duration
	// AutoConfirm answers confirmations when no client is connected or a
	// prompt times out.
	AutoConfirm bool
}

type uiState struct {
	mu       sync.Mutex
	messages map[string]*messageHandle
	confirms map[string]chan bool
	renames  map[string]chan string
}

func newUIState() uiState {
	return uiState{
		messages: make(map[string]*messageHandle),
		confirms: make(map[string]chan bool),
		renames:  make(map[string]chan string),
	}
}

var _ appctx.UI = (*Hub)(nil)

type messageHandle struct {
	h       *Hub
	id      string
	actions []appctx.Action
}

type messageUpdate struct {
	ID       string   `json:"id"`
	Text     *string  `json:"text,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
}

func (m *messageHandle) SetProgress(p float64) {
	m.h.Broadcast("notify_message_update", []interface{}{messageUpdate{ID: m.id, Progress: &p}})
}

func (m *messageHandle) SetText(text string) {
	m.h.Broadcast("notify_message_update", []interface{}{messageUpdate{ID: m.id, Text: &text}})
}

func (m *messageHandle) Hide() {
	m.h.ui.mu.Lock()
	_, ok := m.h.ui.messages[m.id]
	delete(m.h.ui.messages, m.id)
	m.h.ui.mu.Unlock()
	if ok {
		m.h.Broadcast("notify_message_hidden", []interface{}{map[string]string{"id": m.id}})
	}
}

// ShowMessage broadcasts notify_message.
func (h *Hub) ShowMessage(msg appctx.Message) appctx.MessageHandle {
	m := &messageHandle{h: h, id: uuid.NewString(), actions: msg.Actions}
	h.ui.mu.Lock()
	h.ui.messages[m.id] = m
	h.ui.mu.Unlock()
	if msg.Lifetime > 0 {
		time.AfterFunc(time.Duration(msg.Lifetime)*time.Second, func() {
			h.ui.mu.Lock()
			delete(h.ui.messages, m.id)
			h.ui.mu.Unlock()
		})
	}
	h.log.Infow("message", "kind", msg.Kind, "title", msg.Title, "device", msg.Device)
	h.Broadcast("notify_message", []interface{}{map[string]interface{}{"id": m.id, "message": msg}})
	return m
}

// Confirm broadcasts notify_confirm and waits for ui.confirm.
func (h *Hub) Confirm(c appctx.Confirmation) <-chan bool {
	ch := make(chan bool, 1)
	if h.Clients() == 0 {
		ch <- h.opts.AutoConfirm
		return ch
	}
	id := uuid.NewString()
	h.ui.mu.Lock()
	h.ui.confirms[id] = ch
	h.ui.mu.Unlock()
	h.Broadcast("notify_confirm", []interface{}{map[string]interface{}{"id": id, "confirmation": c}})
	time.AfterFunc(h.opts.ConfirmTimeout, func() {
		if h.answerConfirm(id, h.opts.AutoConfirm) {
			h.log.Infow("confirmation timed out", "device", c.Device, "title", c.Title)
		}
	})
	return ch
}

func (h *Hub) answerConfirm(id string, ok bool) bool {
	h.ui.mu.Lock()
	ch, found := h.ui.confirms[id]
	delete(h.ui.confirms, id)
	h.ui.mu.Unlock()
	if found {
		ch <- ok
	}
	return found
}

// Rename broadcasts notify_rename and waits for ui.rename. With no client
// the rename is cancelled.
func (h *Hub) Rename(r appctx.RenameRequest) <-chan string {
	ch := make(chan string, 1)
	if h.Clients() == 0 {
		ch <- ""
		return ch
	}
	id := uuid.NewString()
	h.ui.mu.Lock()
	h.ui.renames[id] = ch
	h.ui.mu.Unlock()
	h.Broadcast("notify_rename", []interface{}{map[string]interface{}{"id": id, "request": r}})
	time.AfterFunc(h.opts.ConfirmTimeout, func() { h.answerRename(id, "") })
	return ch
}

func (h *Hub) answerRename(id, name string) bool {
	h.ui.mu.Lock()
	ch, found := h.ui.renames[id]
	delete(h.ui.renames, id)
	h.ui.mu.Unlock()
	if found {
		ch <- name
	}
	return found
}

// SetStage broadcasts notify_stage.
func (h *Hub) SetStage(name string) {
	h.Broadcast("notify_stage", []interface{}{name})
}

func (h *Hub) rpcConfirm(params json.RawMessage) (interface{}, error) {
	var p struct {
		ID       string `json:"id"`
		Accepted bool   `json:"accepted"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if !h.answerConfirm(p.ID, p.Accepted) {
		return nil, fmt.Errorf("no pending confirmation %q", p.ID)
	}
	return nil, nil
}

func (h *Hub) rpcRename(params json.RawMessage) (interface{}, error) {
	var p struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if !h.answerRename(p.ID, p.Name) {
		return nil, fmt.Errorf("no pending rename %q", p.ID)
	}
	return nil, nil
}

// rpcAction runs a message button on the serial context.
func (h *Hub) rpcAction(params json.RawMessage) (interface{}, error) {
	var p struct {
		MessageID string `json:"message_id"`
		ActionID  string `json:"action_id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	h.ui.mu.Lock()
	m, ok := h.ui.messages[p.MessageID]
	h.ui.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown message %q", p.MessageID)
	}
	for _, a := range m.actions {
		if a.ID == p.ActionID && a.Run != nil {
			h.loop.Post(a.Run)
			return nil, nil
		}
	}
	return nil, fmt.Errorf("unknown action %q", p.ActionID)
}
