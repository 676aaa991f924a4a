// Package session mediates with one networked printer: it polls telemetry,
// keeps the printer and job snapshots current, issues commands, uploads jobs
// and recovers from timeouts. Every method must be called on the serial
// context.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/looplab/fsm"

	"github.com/john/printlink/appctx"
	"github.com/john/printlink/auth"
	"github.com/john/printlink/event"
	"github.com/john/printlink/eventloop"
	"github.com/john/printlink/logger"
	"github.com/john/printlink/printer"
	"github.com/john/printlink/transport"
)

// ConnectionState is the reachability of a device.
type ConnectionState string

const (
	Closed     ConnectionState = "closed"
	Connecting ConnectionState = "connecting"
	Connected  ConnectionState = "connected"
	Busy       ConnectionState = "busy"
	Error      ConnectionState = "error"
)

// Family selects the wire protocol spoken with a device.
type Family string

const (
	Legacy    Family = "legacy"
	Cluster   Family = "cluster"
	OctoPrint Family = "octoprint"
	Gcode     Family = "gcode"
)

// I/O phases of a session.
const (
	PhaseIdle           = "idle"
	PhasePolling        = "polling"
	PhaseUploading      = "uploading"
	PhaseAuthenticating = "authenticating"
)

const (
	evPoll          = "poll"
	evPolled        = "polled"
	evUpload        = "upload"
	evUploaded      = "uploaded"
	evAuthenticate  = "authenticate"
	evAuthenticated = "authenticated"
	evReset         = "reset"
)

var (
	ErrUploadBusy            = errors.New("an upload is already in progress")
	ErrPrinterBusy           = errors.New("printer is busy")
	ErrNotAccepting          = errors.New("device is not accepting commands")
	ErrNoPrinter             = errors.New("no printer reported by device")
	ErrConfiguration         = errors.New("printer configuration cannot run this job")
	ErrDeclined              = errors.New("upload declined")
	ErrNameTooLong           = errors.New("file name is too long")
	ErrUnsupportedCharacters = errors.New("file name contains unsupported characters")
	ErrNameConflict          = errors.New("file name already exists on the printer")
	ErrUnsupported           = errors.New("not supported by this device")
	ErrNoPayload             = errors.New("nothing to upload")
)

// Options configures a session.
type Options struct {
	Family          Family
	Address         string
	Name            string
	FirmwareVersion string
	UseHTTPS        bool
	// Extruders is the number of hotend slots assumed before the device reports.
	Extruders int
	// APIKey authenticates OctoPrint devices.
	APIKey string
	// TCPPort is the gcode line port.
	TCPPort int

	PollInterval     time.Duration
	ResponseTimeout  time.Duration
	RecreateAfter    time.Duration
	RequestTimeout   time.Duration
	ProgressInterval time.Duration
	GzipThreshold    int
	AutoPrint        bool
	Auth             auth.Options

	// NetworkUp reports whether any network interface is usable.
	NetworkUp func() bool
	// History records upload outcomes. It may be nil.
	History Recorder
}

// Recorder persists upload jobs.
type Recorder interface {
	UploadStarted(job UploadJob)
	UploadFinished(job UploadJob)
}

func (o *Options) setDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 2 * time.Second
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = 5 * time.Second
	}
	if o.RecreateAfter <= 0 {
		o.RecreateAfter = 30 * time.Second
	}
	if o.GzipThreshold <= 0 {
		o.GzipThreshold = 1 << 20
	}
	if o.TCPPort <= 0 {
		o.TCPPort = 8080
	}
	if o.Extruders <= 0 {
		switch o.Family {
		case Legacy, Gcode:
			o.Extruders = 2
		default:
			o.Extruders = 1
		}
	}
	if o.NetworkUp == nil {
		o.NetworkUp = transport.HasActiveInterface
	}
}

// Session is the long-lived mediator with one device.
type Session struct {
	id   string
	opts Options
	loop *eventloop.Loop
	log  *logger.Logger
	bus  *event.Bus
	app  *appctx.Context

	client *transport.Client
	auth   *auth.Machine
	phase  *fsm.FSM
	drv    driver

	state    ConnectionState
	saved    ConnectionState
	timedOut bool
	lost     appctx.MessageHandle

	unreachable    bool
	unreachableMsg appctx.MessageHandle

	printers []*printer.Printer
	jobs     []*printer.PrintJob

	pollTimer     *eventloop.Timer
	pollPending   int
	lastRequest   time.Time
	lastResponse  time.Time
	recreateCount int

	bedPreheat     *eventloop.Timer
	hotendPreheat  map[int]*eventloop.Timer
	preheatPending bool

	upload *UploadJob
	camera *camera
}

// New creates a closed session for device id.
func New(id string, loop *eventloop.Loop, log *logger.Logger, bus *event.Bus, app *appctx.Context, opts Options) *Session {
	opts.setDefaults()
	if app == nil {
		app = &appctx.Context{}
	}
	s := &Session{
		id:            id,
		opts:          opts,
		loop:          loop,
		log:           log.With("device", id),
		bus:           bus,
		app:           app,
		state:         Closed,
		hotendPreheat: make(map[int]*eventloop.Timer),
		phase: fsm.NewFSM(
			PhaseIdle,
			fsm.Events{
				{Name: evPoll, Src: []string{PhaseIdle}, Dst: PhasePolling},
				{Name: evPolled, Src: []string{PhasePolling}, Dst: PhaseIdle},
				{Name: evUpload, Src: []string{PhaseIdle, PhasePolling}, Dst: PhaseUploading},
				{Name: evUploaded, Src: []string{PhaseUploading}, Dst: PhaseIdle},
				{Name: evAuthenticate, Src: []string{PhaseIdle, PhasePolling}, Dst: PhaseAuthenticating},
				{Name: evAuthenticated, Src: []string{PhaseAuthenticating}, Dst: PhaseIdle},
				{Name: evReset, Src: []string{PhasePolling, PhaseUploading, PhaseAuthenticating}, Dst: PhaseIdle},
			},
			fsm.Callbacks{},
		),
	}
	s.drv = newDriver(s)
	return s
}

// ID returns the device id.
func (s *Session) ID() string { return s.id }

// Family returns the protocol family.
func (s *Session) Family() Family { return s.opts.Family }

// Address returns the device host.
func (s *Session) Address() string { return s.opts.Address }

// Name returns the display name.
func (s *Session) Name() string { return s.opts.Name }

// FirmwareVersion returns the firmware reported at discovery.
func (s *Session) FirmwareVersion() string { return s.opts.FirmwareVersion }

// State returns the connection state.
func (s *Session) State() ConnectionState { return s.state }

// Phase returns the current I/O phase.
func (s *Session) Phase() string { return s.phase.Current() }

// AuthState returns the authentication state.
func (s *Session) AuthState() auth.State {
	if s.auth == nil {
		return auth.NotAuthenticated
	}
	return s.auth.State()
}

// Printers returns copies of the printer snapshots.
func (s *Session) Printers() []*printer.Printer {
	out := make([]*printer.Printer, 0, len(s.printers))
	for _, p := range s.printers {
		out = append(out, p.Clone())
	}
	return out
}

// Jobs returns copies of all known jobs, attached or not.
func (s *Session) Jobs() []*printer.PrintJob {
	out := make([]*printer.PrintJob, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	return out
}

// ActivePrinter returns the first printer, nil before the first report.
func (s *Session) ActivePrinter() *printer.Printer {
	if len(s.printers) == 0 {
		return nil
	}
	return s.printers[0]
}

// Upload returns a copy of the upload in flight, nil when idle.
func (s *Session) Upload() *UploadJob {
	if s.upload == nil {
		return nil
	}
	j := s.upload.snapshot()
	return &j
}

// AcceptsCommands reports whether commands and uploads may be issued.
func (s *Session) AcceptsCommands() bool {
	if s.auth == nil || s.auth.State() != auth.Authenticated {
		return false
	}
	return s.state == Connected || s.state == Busy
}

// Connect opens the device connection, starts authentication and polling.
func (s *Session) Connect() {
	if s.state != Closed {
		return
	}
	s.log.Infow("connecting", "family", s.opts.Family, "address", s.opts.Address)

	s.client = transport.NewClient(s.loop, s.log, transport.Options{
		Address:          s.opts.Address,
		Prefix:           s.drv.prefix(),
		UseHTTPS:         s.opts.UseHTTPS,
		RequestTimeout:   s.opts.RequestTimeout,
		ProgressInterval: s.opts.ProgressInterval,
		Headers:          s.drv.headers(),
	})
	s.client.OnReply = s.onReply
	s.auth = auth.New(s.loop, s.client, s.log, s.app, s.id, s.opts.Auth)
	s.auth.OnChange = s.onAuthChanged
	s.auth.OnAuthenticated = s.drv.authenticated

	now := time.Now()
	s.lastRequest, s.lastResponse = now, now
	s.recreateCount = 1
	s.timedOut = false
	s.setState(Connecting)

	s.drv.connect()
	s.drv.authenticate()
	s.tick()
	s.pollTimer = s.loop.Every(s.opts.PollInterval, s.tick)
}

// Disconnect cancels everything in flight and closes the connection. No
// request is issued afterwards.
func (s *Session) Disconnect() {
	if s.state == Closed {
		return
	}
	s.log.Infow("disconnecting")

	s.pollTimer.Stop()
	s.pollTimer = nil
	s.CancelUpload()
	s.StopCamera()
	s.bedPreheat.Stop()
	for i, t := range s.hotendPreheat {
		t.Stop()
		delete(s.hotendPreheat, i)
	}
	if s.auth != nil {
		s.auth.Stop()
	}
	s.drv.disconnect()
	if s.client != nil {
		s.client.Close()
	}
	s.pollPending = 0
	s.firePhase(evReset)

	for _, h := range []appctx.MessageHandle{s.lost, s.unreachableMsg} {
		if h != nil {
			h.Hide()
		}
	}
	s.lost, s.unreachableMsg = nil, nil
	s.timedOut, s.unreachable = false, false
	s.setState(Closed)
}

// RetryAuthentication restarts the credential request flow.
func (s *Session) RetryAuthentication() {
	if s.auth != nil {
		s.auth.Retry()
	}
}

func (s *Session) firePhase(name string) bool {
	if err := s.phase.Event(context.Background(), name); err != nil {
		var noTransition fsm.NoTransitionError
		if !errors.As(err, &noTransition) {
			s.log.Debugw("phase transition rejected", "event", name, "phase", s.phase.Current(), "error", err)
		}
		return false
	}
	return true
}

func (s *Session) setState(st ConnectionState) {
	if s.state == st {
		return
	}
	s.log.Infow("connection state changed", "from", s.state, "to", st)
	s.state = st
	s.emit(event.ConnectionStateChanged, "", "", st)
}

func (s *Session) emit(kind event.Kind, printerKey, jobKey string, payload interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Emit(event.Event{Kind: kind, Device: s.id, Printer: printerKey, Job: jobKey, Payload: payload})
}

func (s *Session) onAuthChanged(st auth.State) {
	switch st {
	case auth.AuthenticationRequested, auth.AuthenticationReceived:
		s.firePhase(evAuthenticate)
	case auth.Authenticated, auth.AuthenticationDenied, auth.NotAuthenticated:
		if s.phase.Current() == PhaseAuthenticating {
			s.firePhase(evAuthenticated)
		}
	}
	s.emit(event.AuthenticationStateChanged, "", "", st)
}

func (s *Session) showMessage(m appctx.Message) appctx.MessageHandle {
	if s.app.UI == nil {
		return nil
	}
	m.Device = s.id
	return s.app.UI.ShowMessage(m)
}

// onReply sees every HTTP reply before its own callback.
func (s *Session) onReply(r *transport.Reply) {
	if r.Err != nil && r.StatusCode == 0 {
		if errors.Is(r.Err, transport.ErrNetworkUnreachable) {
			s.networkLost()
		}
		return
	}
	s.responded()
	if s.auth != nil {
		s.auth.HandleReply(r)
	}
}

// responded records a sign of life from the device and ends a timeout
// episode.
func (s *Session) responded() {
	s.lastResponse = time.Now()
	s.recreateCount = 1
	if s.timedOut {
		s.timedOut = false
		s.log.Infow("device responding again", "restore", s.saved)
		if s.lost != nil {
			s.lost.Hide()
			s.lost = nil
		}
		s.setState(s.saved)
	}
}

func (s *Session) networkLost() {
	if s.unreachable {
		return
	}
	s.unreachable = true
	s.log.Warnw("network unreachable, polling suspended")
	s.unreachableMsg = s.showMessage(appctx.Message{
		Kind:  appctx.Warning,
		Title: "Network unreachable",
		Text:  "There is no network connection. Polling resumes once the network is back.",
	})
}

// tick runs the watchdog and issues the next poll round.
func (s *Session) tick() {
	now := time.Now()

	if s.unreachable {
		if !s.opts.NetworkUp() {
			return
		}
		s.unreachable = false
		s.log.Infow("network is back, resuming polling")
		if s.unreachableMsg != nil {
			s.unreachableMsg.Hide()
			s.unreachableMsg = nil
		}
		s.lastResponse, s.lastRequest = now, now
	} else if !s.opts.NetworkUp() {
		s.networkLost()
		return
	}

	if s.phase.Current() == PhaseUploading {
		// The upload itself is the outstanding request.
		s.lastRequest = now
	}

	sinceResponse := now.Sub(s.lastResponse)
	sinceRequest := now.Sub(s.lastRequest)
	if sinceResponse > s.opts.ResponseTimeout && sinceRequest <= s.opts.ResponseTimeout && !s.timedOut {
		s.enterTimeout()
	}
	if sinceResponse > s.opts.RecreateAfter*time.Duration(s.recreateCount) {
		s.log.Warnw("no response for a long time, recreating http client", "silence", sinceResponse)
		s.client.Recreate()
		s.recreateCount++
	}

	if s.phase.Current() == PhaseUploading {
		return
	}
	s.drv.poll()
}

func (s *Session) enterTimeout() {
	s.timedOut = true
	s.saved = s.state
	if s.saved == Error {
		s.saved = Connecting
	}
	s.log.Warnw("device stopped responding", "saved", s.saved)
	s.setState(Error)
	s.lost = s.showMessage(appctx.Message{
		Kind:  appctx.Warning,
		Title: "Connection lost",
		Text:  "The connection with the printer was lost. Check your network connection.",
	})
	if s.upload != nil {
		s.failUpload(s.upload, transport.ErrTimeout)
	}
}

// get issues one poll request and accounts for the round.
func (s *Session) get(path string, handle transport.Callback) {
	if s.pollPending == 0 {
		s.firePhase(evPoll)
	}
	s.pollPending++
	s.lastRequest = time.Now()
	s.client.Get(path, func(r *transport.Reply) {
		s.pollPending--
		handle(r)
		if s.pollPending == 0 {
			s.roundDone()
		}
	})
}

// roundDone closes a poll round.
func (s *Session) roundDone() {
	s.firePhase(evPolled)
	s.refreshState()
	s.emit(event.PrintersChanged, "", "", len(s.printers))
}

// refreshState derives Connected or Busy from the printers once the device
// has answered.
func (s *Session) refreshState() {
	if s.timedOut || s.state == Closed || len(s.printers) == 0 {
		return
	}
	st := Connected
	for _, p := range s.printers {
		if p.Busy() {
			st = Busy
			break
		}
	}
	s.setState(st)
}
