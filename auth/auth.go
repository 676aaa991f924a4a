// Package auth runs the per-device credential handshake: request, approval
// polling, verification and persistence of the (id, key) pair.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/looplab/fsm"

	"github.com/john/printlink/appctx"
	"github.com/john/printlink/eventloop"
	"github.com/john/printlink/logger"
	"github.com/john/printlink/transport"
)

// State is the authentication state of one device.
type State string

const (
	NotAuthenticated        State = "not_authenticated"
	AuthenticationRequested State = "authentication_requested"
	AuthenticationReceived  State = "authentication_received"
	Authenticated           State = "authenticated"
	AuthenticationDenied    State = "authentication_denied"
)

// Metadata keys the credentials are persisted under.
const (
	MetadataID  = "network_authentication_id"
	MetadataKey = "network_authentication_key"
)

const (
	evRequest   = "request"
	evRestore   = "restore"
	evGrant     = "grant"
	evReceive   = "receive"
	evAuthorize = "authorize"
	evDeny      = "deny"
	evReset     = "reset"
)

const (
	defaultCheckInterval = time.Second
	defaultDeadline      = 5 * time.Minute
	requestRetryDelay    = 5 * time.Second
)

// Client is the part of the device HTTP client the handshake needs.
type Client interface {
	Get(path string, cb transport.Callback) *transport.Request
	PostJSON(path string, v interface{}, cb transport.Callback) *transport.Request
	SetBasicAuth(user, pass string)
}

// Options tunes the handshake timing.
type Options struct {
	CheckInterval time.Duration
	Deadline      time.Duration
}

// Machine is the authentication state machine of one device. All methods
// must be called on the serial context.
type Machine struct {
	loop   *eventloop.Loop
	client Client
	log    *logger.Logger
	app    *appctx.Context
	device string
	opts   Options

	// OnChange is called after every state change.
	OnChange func(State)
	// OnAuthenticated is called once the credentials are confirmed by the device.
	OnAuthenticated func()

	fsm       *fsm.FSM
	tentative bool
	fresh     bool
	started   bool
	id        string
	key       string

	requestedAt time.Time
	checkTimer  *eventloop.Timer
	deadline    *eventloop.Timer
	retryTimer  *eventloop.Timer
	pending     []*transport.Request
	prompt      appctx.MessageHandle
	failure     appctx.MessageHandle
}

// New returns a machine in NotAuthenticated.
func New(loop *eventloop.Loop, client Client, log *logger.Logger, app *appctx.Context, device string, opts Options) *Machine {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = defaultCheckInterval
	}
	if opts.Deadline <= 0 {
		opts.Deadline = defaultDeadline
	}
	return &Machine{
		loop:   loop,
		client: client,
		log:    log,
		app:    app,
		device: device,
		opts:   opts,
		fsm: fsm.NewFSM(
			string(NotAuthenticated),
			fsm.Events{
				{Name: evRequest, Src: []string{string(NotAuthenticated)}, Dst: string(AuthenticationRequested)},
				{Name: evRestore, Src: []string{string(NotAuthenticated)}, Dst: string(Authenticated)},
				{Name: evGrant, Src: []string{string(NotAuthenticated)}, Dst: string(Authenticated)},
				{Name: evReceive, Src: []string{string(AuthenticationRequested)}, Dst: string(AuthenticationReceived)},
				{Name: evAuthorize, Src: []string{string(AuthenticationReceived)}, Dst: string(Authenticated)},
				{Name: evDeny, Src: []string{
					string(AuthenticationRequested),
					string(AuthenticationReceived),
					string(Authenticated),
				}, Dst: string(AuthenticationDenied)},
				{Name: evReset, Src: []string{
					string(AuthenticationRequested),
					string(AuthenticationReceived),
					string(Authenticated),
					string(AuthenticationDenied),
				}, Dst: string(NotAuthenticated)},
			},
			fsm.Callbacks{},
		),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	return State(m.fsm.Current())
}

// Tentative reports whether Authenticated rests on restored credentials not
// yet confirmed by the device.
func (m *Machine) Tentative() bool {
	return m.tentative
}

// ID returns the current credential id.
func (m *Machine) ID() string {
	return m.id
}

// MaskedKey returns the key safe for logging.
func (m *Machine) MaskedKey() string {
	return Mask(m.key)
}

// Mask hides all but the last five characters of a key.
func Mask(key string) string {
	if len(key) <= 5 {
		return "********"
	}
	return "********" + key[len(key)-5:]
}

func (m *Machine) fire(name string) bool {
	err := m.fsm.Event(context.Background(), name)
	if err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			m.log.Debugw("auth transition rejected", "device", m.device, "event", name, "state", m.fsm.Current(), "error", err)
		}
		return false
	}
	m.log.Infow("auth state changed", "device", m.device, "state", m.fsm.Current())
	if m.OnChange != nil {
		m.OnChange(m.State())
	}
	return true
}

func (m *Machine) metadata() appctx.Metadata {
	if m.app == nil || m.app.Machine == nil {
		return nil
	}
	return m.app.Machine.MetadataFor(m.device)
}

// Start begins authentication: verify persisted credentials when present,
// otherwise request new ones.
func (m *Machine) Start() {
	m.started = true
	if md := m.metadata(); md != nil && m.id == "" {
		id, okID := md.Get(MetadataID)
		key, okKey := md.Get(MetadataKey)
		if okID && okKey && id != "" && key != "" {
			m.id, m.key = id, key
		}
	}

	if m.State() != NotAuthenticated {
		m.fire(evReset)
	}

	if m.id != "" && m.key != "" {
		m.client.SetBasicAuth(m.id, m.key)
		m.tentative = true
		m.fresh = false
		m.fire(evRestore)
		m.log.Infow("verifying stored credentials", "device", m.device, "id", m.id, "key", m.MaskedKey())
		m.verify()
		return
	}
	m.request()
}

// StartWithout marks a device that needs no handshake as authenticated.
func (m *Machine) StartWithout() {
	m.started = true
	if m.State() != NotAuthenticated {
		m.fire(evReset)
	}
	m.tentative = false
	m.fire(evGrant)
}

// StartExternal treats externally configured credentials (an API key) as
// tentative until the device answers. Confirm or Reject settle it.
func (m *Machine) StartExternal() {
	m.started = true
	if m.State() != NotAuthenticated {
		m.fire(evReset)
	}
	m.tentative = true
	m.fire(evRestore)
}

// Confirm settles tentative credentials after a successful reply.
func (m *Machine) Confirm() {
	if m.State() == Authenticated && m.tentative {
		m.tentative = false
		m.log.Infow("credentials confirmed", "device", m.device)
		if m.OnAuthenticated != nil {
			m.OnAuthenticated()
		}
	}
}

// Reject denies tentative credentials.
func (m *Machine) Reject() {
	if m.State() == Authenticated && m.tentative {
		m.tentative = false
		m.fire(evDeny)
		m.showFailure("The printer rejected the configured credentials.")
	}
}

// Stop cancels timers and pending requests and returns to NotAuthenticated.
// Persisted credentials are kept.
func (m *Machine) Stop() {
	m.started = false
	m.stopTimers()
	m.abortPending()
	m.hidePrompt()
	if m.failure != nil {
		m.failure.Hide()
		m.failure = nil
	}
	m.tentative = false
	m.fire(evReset)
}

// Retry forgets the in-memory credentials and starts a fresh request.
func (m *Machine) Retry() {
	m.log.Infow("retrying authentication", "device", m.device)
	m.stopTimers()
	m.abortPending()
	m.hidePrompt()
	if m.failure != nil {
		m.failure.Hide()
		m.failure = nil
	}
	m.id, m.key = "", ""
	m.tentative = false
	m.client.SetBasicAuth("", "")
	m.fire(evReset)
	if m.started {
		m.request()
	}
}

// HandleReply inspects replies to device commands. A 401 on confirmed
// credentials clears them and restarts the request flow.
func (m *Machine) HandleReply(r *transport.Reply) {
	if !m.started || m.State() != Authenticated || m.tentative {
		return
	}
	if strings.Contains(r.Path, "auth/") {
		return
	}
	if r.StatusCode == http.StatusUnauthorized || errors.Is(r.Err, transport.ErrAuthenticationRequired) {
		m.log.Warnw("device no longer accepts credentials", "device", m.device, "path", r.Path)
		m.clearCredentials()
		m.fire(evReset)
		m.request()
	}
}

func (m *Machine) track(r *transport.Request) {
	kept := m.pending[:0]
	for _, p := range m.pending {
		if p != nil && !p.Finished() && !p.Aborted() {
			kept = append(kept, p)
		}
	}
	if r != nil {
		kept = append(kept, r)
	}
	m.pending = kept
}

func (m *Machine) abortPending() {
	for _, r := range m.pending {
		r.Abort()
	}
	m.pending = nil
}

func (m *Machine) stopTimers() {
	m.checkTimer.Stop()
	m.deadline.Stop()
	m.retryTimer.Stop()
	m.checkTimer, m.deadline, m.retryTimer = nil, nil, nil
}

func (m *Machine) hidePrompt() {
	if m.prompt != nil {
		m.prompt.Hide()
		m.prompt = nil
	}
}

func (m *Machine) clearCredentials() {
	m.id, m.key = "", ""
	m.tentative = false
	m.client.SetBasicAuth("", "")
	if md := m.metadata(); md != nil {
		if err := md.Remove(MetadataID); err != nil {
			m.log.Warnw("removing credential id", "device", m.device, "error", err)
		}
		if err := md.Remove(MetadataKey); err != nil {
			m.log.Warnw("removing credential key", "device", m.device, "error", err)
		}
	}
}

func (m *Machine) persist() {
	md := m.metadata()
	if md == nil {
		return
	}
	if id, _ := md.Get(MetadataID); id == m.id {
		if key, _ := md.Get(MetadataKey); key == m.key {
			return
		}
	}
	if err := md.Set(MetadataID, m.id); err != nil {
		m.log.Errorw("persisting credential id", "device", m.device, "error", err)
		return
	}
	if err := md.Set(MetadataKey, m.key); err != nil {
		m.log.Errorw("persisting credential key", "device", m.device, "error", err)
	}
}

func (m *Machine) ui() appctx.UI {
	if m.app == nil {
		return nil
	}
	return m.app.UI
}

type requestBody struct {
	Application string `json:"application"`
	User        string `json:"user"`
}

type requestReply struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

type checkReply struct {
	Message string `json:"message"`
}

func (m *Machine) request() {
	if m.State() != AuthenticationRequested && !m.fire(evRequest) {
		return
	}
	m.fresh = true

	if m.deadline == nil {
		m.requestedAt = time.Now()
		m.deadline = m.loop.AfterFunc(m.opts.Deadline, m.expire)
		if ui := m.ui(); ui != nil && m.prompt == nil {
			m.prompt = ui.ShowMessage(appctx.Message{
				Kind:     appctx.Progress,
				Title:    "Requesting access",
				Text:     "Please approve the access request on the printer.",
				Device:   m.device,
				Lifetime: int(m.opts.Deadline / time.Second),
			})
		}
	}

	body := requestBody{}
	if m.app != nil {
		body.Application = m.app.Application
		if m.app.Version != "" {
			body.Application = fmt.Sprintf("%s-%s", m.app.Application, m.app.Version)
		}
		body.User = m.app.User
	}

	m.log.Infow("requesting credentials", "device", m.device)
	m.track(m.client.PostJSON("auth/request", body, m.onRequested))
}

func (m *Machine) onRequested(r *transport.Reply) {
	if m.State() != AuthenticationRequested {
		return
	}
	var rep requestReply
	if r.OK() {
		if err := json.Unmarshal(r.Body, &rep); err != nil {
			m.log.Warnw("malformed auth/request reply", "device", m.device, "error", err)
		}
	}
	if !r.OK() || rep.ID == "" || rep.Key == "" {
		m.log.Warnw("auth/request failed, retrying", "device", m.device, "status", r.StatusCode, "error", r.Err)
		m.retryTimer.Stop()
		m.retryTimer = m.loop.AfterFunc(requestRetryDelay, func() {
			if m.State() == AuthenticationRequested {
				m.request()
			}
		})
		return
	}

	m.id, m.key = rep.ID, rep.Key
	m.client.SetBasicAuth(m.id, m.key)
	m.log.Infow("credentials received", "device", m.device, "id", m.id, "key", m.MaskedKey())
	m.fire(evReceive)

	m.checkTimer.Stop()
	m.checkTimer = m.loop.Every(m.opts.CheckInterval, m.check)
}

func (m *Machine) check() {
	if m.State() != AuthenticationReceived {
		m.checkTimer.Stop()
		return
	}
	if m.prompt != nil {
		elapsed := time.Since(m.requestedAt)
		m.prompt.SetProgress(100 * float64(elapsed) / float64(m.opts.Deadline))
	}
	id := m.id
	m.track(m.client.Get("auth/check/"+id, m.onChecked))
}

func (m *Machine) onChecked(r *transport.Reply) {
	if m.id == "" || r.Path != "auth/check/"+m.id {
		m.log.Debugw("discarding stale auth/check reply", "device", m.device, "path", r.Path)
		return
	}
	if m.State() != AuthenticationReceived || !r.OK() {
		return
	}
	var rep checkReply
	if err := json.Unmarshal(r.Body, &rep); err != nil {
		m.log.Warnw("malformed auth/check reply", "device", m.device, "error", err)
		return
	}

	switch rep.Message {
	case "authorized":
		m.checkTimer.Stop()
		m.deadline.Stop()
		m.checkTimer, m.deadline = nil, nil
		m.hidePrompt()
		m.tentative = false
		m.fire(evAuthorize)
		m.verify()
	case "unauthorized":
		m.deny("Access was denied on the printer.")
	}
}

func (m *Machine) expire() {
	m.deadline = nil
	switch m.State() {
	case AuthenticationRequested, AuthenticationReceived:
		m.log.Warnw("authentication request timed out", "device", m.device)
		m.deny("The access request was not approved in time.")
	}
}

func (m *Machine) deny(text string) {
	m.stopTimers()
	m.abortPending()
	m.hidePrompt()
	m.tentative = false
	if m.fire(evDeny) {
		m.showFailure(text)
	}
}

func (m *Machine) showFailure(text string) {
	ui := m.ui()
	if ui == nil {
		return
	}
	if m.failure != nil {
		m.failure.Hide()
	}
	m.failure = ui.ShowMessage(appctx.Message{
		Kind:   appctx.Error,
		Title:  "Access denied",
		Text:   text,
		Device: m.device,
		Actions: []appctx.Action{
			{ID: "retry", Label: "Retry", Run: m.Retry},
		},
	})
}

func (m *Machine) verify() {
	m.track(m.client.Get("auth/verify", m.onVerified))
}

func (m *Machine) onVerified(r *transport.Reply) {
	if m.State() != Authenticated {
		return
	}

	switch {
	case r.OK():
		m.tentative = false
		m.persist()
		m.log.Infow("credentials verified", "device", m.device, "id", m.id, "key", m.MaskedKey())
		if m.fresh {
			m.fresh = false
			if ui := m.ui(); ui != nil {
				ui.ShowMessage(appctx.Message{
					Kind:     appctx.Info,
					Title:    "Access granted",
					Text:     "Access to the printer was granted.",
					Device:   m.device,
					Lifetime: 10,
				})
			}
		}
		if m.OnAuthenticated != nil {
			m.OnAuthenticated()
		}
	case r.StatusCode == http.StatusUnauthorized || errors.Is(r.Err, transport.ErrAuthenticationRequired):
		m.log.Warnw("stored credentials are no longer valid", "device", m.device)
		m.clearCredentials()
		m.fire(evReset)
		m.request()
	case r.StatusCode == http.StatusForbidden:
		if m.tentative {
			m.deny("The printer refused the stored credentials.")
		}
	default:
		// Transient failure; try again on the next interval.
		m.retryTimer.Stop()
		m.retryTimer = m.loop.AfterFunc(requestRetryDelay, func() {
			if m.State() == Authenticated {
				m.verify()
			}
		})
	}
}
