package control

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/john/printlink/appctx"
	"github.com/john/printlink/discovery"
	"github.com/john/printlink/event"
	"github.com/john/printlink/eventloop"
	"github.com/john/printlink/files"
	"github.com/john/printlink/history"
	"github.com/john/printlink/logger"
	"github.com/john/printlink/registry"
	"github.com/john/printlink/session"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeSelector struct {
	mu  sync.Mutex
	key string
	set []string
}

func (f *fakeSelector) Key() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.key
}

func (f *fakeSelector) SetActive(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.key = key
	f.set = append(f.set, key)
	return nil
}

type fakeUploads struct {
	device string
	limit  int
	rows   []history.Upload
}

func (f *fakeUploads) List(_ context.Context, deviceID string, limit int) ([]history.Upload, error) {
	f.device, f.limit = deviceID, limit
	return f.rows, nil
}

func (f *fakeUploads) Totals(context.Context) (history.Totals, error) {
	return history.Totals{TotalUploads: len(f.rows)}, nil
}

func (f *fakeUploads) Delete(_ context.Context, id string) error {
	if id != "u1" {
		return history.ErrNotFound
	}
	return nil
}

type env struct {
	t        *testing.T
	loop     *eventloop.Loop
	bus      *event.Bus
	reg      *registry.Registry
	machine  *appctx.StaticMachine
	selector *fakeSelector
	files    *files.Manager
	uploads  *fakeUploads
	hub      *Hub
	srv      *Server
	router   *gin.Engine
}

func newEnv(t *testing.T, activeKey string) *env {
	t.Helper()
	loop := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)

	e := &env{
		t:        t,
		loop:     loop,
		bus:      event.NewBus(),
		machine:  &appctx.StaticMachine{ActiveKey: activeKey},
		selector: &fakeSelector{},
		uploads:  &fakeUploads{},
	}
	e.hub = NewHub(loop, logger.Nop(), UIOptions{ConfirmTimeout: 200 * time.Millisecond})
	detach := e.hub.Attach(e.bus)
	app := &appctx.Context{Machine: e.machine, UI: e.hub, User: "operator"}
	e.reg = registry.New(loop, logger.Nop(), e.bus, app, registry.Options{
		Session: session.Options{
			PollInterval:    30 * time.Millisecond,
			ResponseTimeout: time.Second,
			RequestTimeout:  time.Second,
			GzipThreshold:   1 << 30,
			NetworkUp:       func() bool { return true },
		},
	})
	e.reg.Attach(discovery.New(loop, logger.Nop(), nil, discovery.Options{LookupTimeout: 200 * time.Millisecond}))

	fm, err := files.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	e.files = fm
	e.srv = New(loop, logger.Nop(), e.reg, e.selector, fm, e.uploads, e.hub, Options{})
	e.router = e.srv.Handler()

	t.Cleanup(func() {
		detach()
		_ = loop.Call(e.reg.Close)
		cancel()
		<-loop.Done()
	})
	return e
}

func (e *env) announce(id, address string, props discovery.Properties) {
	e.t.Helper()
	if props == nil {
		props = discovery.Properties{}
	}
	props[discovery.PropType] = "printer"
	if err := e.loop.Call(func() {
		e.reg.OnDiscoveryAdded(discovery.Announcement{ID: id, Address: address, Properties: props})
	}); err != nil {
		e.t.Fatal(err)
	}
}

func (e *env) do(method, target string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	e.t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	e.router.ServeHTTP(w, req)
	return w
}

func (e *env) doJSON(method, target, body string) *httptest.ResponseRecorder {
	e.t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	return e.do(method, target, r, "application/json")
}

func expectCode(t *testing.T, w *httptest.ResponseRecorder, code int) {
	t.Helper()
	if w.Code != code {
		t.Fatalf("status %d, want %d, body=%s", w.Code, code, w.Body.String())
	}
}

func TestHealthAndCORS(t *testing.T) {
	e := newEnv(t, "")
	w := e.doJSON(http.MethodGet, "/health", "")
	expectCode(t, w, http.StatusOK)
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("CORS header missing")
	}
	expectCode(t, e.doJSON(http.MethodOptions, "/api/devices", ""), http.StatusNoContent)
}

func TestDeviceRoutes(t *testing.T) {
	e := newEnv(t, "")
	e.announce("printer-A", "192.0.2.10", discovery.Properties{discovery.PropName: "A"})

	w := e.doJSON(http.MethodGet, "/api/devices", "")
	expectCode(t, w, http.StatusOK)
	var list struct {
		Devices []registry.Device `json:"devices"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Devices) != 1 || list.Devices[0].Name != "A" || list.Devices[0].State != session.Closed {
		t.Fatalf("devices %+v", list.Devices)
	}

	w = e.doJSON(http.MethodGet, "/api/devices/printer-A", "")
	expectCode(t, w, http.StatusOK)
	var detail struct {
		ID       string            `json:"id"`
		Phase    string            `json:"phase"`
		Printers []json.RawMessage `json:"printers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &detail); err != nil || detail.ID != "printer-A" || detail.Phase != session.PhaseIdle {
		t.Fatalf("detail %s (%v)", w.Body.String(), err)
	}

	expectCode(t, e.doJSON(http.MethodGet, "/api/devices/nope", ""), http.StatusNotFound)
	expectCode(t, e.doJSON(http.MethodPost, "/api/devices/nope/head/home", ""), http.StatusNotFound)

	// A closed session refuses commands.
	expectCode(t, e.doJSON(http.MethodPost, "/api/devices/printer-A/head/home", ""), http.StatusConflict)
	expectCode(t, e.doJSON(http.MethodPut, "/api/devices/printer-A/bed/temperature", `{"temperature":60}`), http.StatusConflict)
	expectCode(t, e.doJSON(http.MethodPut, "/api/devices/printer-A/job/state", `{"action":"pause"}`), http.StatusConflict)
	expectCode(t, e.doJSON(http.MethodPost, "/api/devices/printer-A/camera", ""), http.StatusConflict)
	expectCode(t, e.doJSON(http.MethodGet, "/api/devices/printer-A/camera/frame", ""), http.StatusNotFound)

	// Validation happens before the session is reached.
	expectCode(t, e.doJSON(http.MethodPut, "/api/devices/printer-A/bed/temperature", `{}`), http.StatusBadRequest)
	expectCode(t, e.doJSON(http.MethodPut, "/api/devices/printer-A/bed/temperature", `{"temperature":-5}`), http.StatusBadRequest)
	expectCode(t, e.doJSON(http.MethodPut, "/api/devices/printer-A/hotends/x/temperature", `{"temperature":200}`), http.StatusBadRequest)
	expectCode(t, e.doJSON(http.MethodPost, "/api/devices/printer-A/head/move", `not json`), http.StatusBadRequest)
	expectCode(t, e.doJSON(http.MethodPut, "/api/devices/printer-A/job/state", `{}`), http.StatusBadRequest)

	// Cancelling when nothing is uploading is harmless.
	expectCode(t, e.doJSON(http.MethodDelete, "/api/devices/printer-A/print", ""), http.StatusOK)
	expectCode(t, e.doJSON(http.MethodDelete, "/api/devices/printer-A/camera", ""), http.StatusOK)
}

func TestConnectAndDisconnectSelectMachine(t *testing.T) {
	e := newEnv(t, "")
	e.announce("printer-A", "192.0.2.10", nil)

	expectCode(t, e.doJSON(http.MethodPost, "/api/devices/nope/connect", ""), http.StatusNotFound)
	expectCode(t, e.doJSON(http.MethodPost, "/api/devices/printer-A/connect", ""), http.StatusAccepted)
	if e.selector.Key() != "printer-A" {
		t.Fatalf("active machine %q", e.selector.Key())
	}
	expectCode(t, e.doJSON(http.MethodPost, "/api/devices/printer-A/disconnect", ""), http.StatusOK)
	if e.selector.Key() != "" {
		t.Fatal("disconnecting the active machine should clear the selection")
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{errUnknownDevice, http.StatusNotFound},
		{history.ErrNotFound, http.StatusNotFound},
		{session.ErrUploadBusy, http.StatusConflict},
		{session.ErrPrinterBusy, http.StatusConflict},
		{session.ErrUnsupported, http.StatusNotImplemented},
		{session.ErrNameTooLong, http.StatusUnprocessableEntity},
		{session.ErrDeclined, http.StatusUnprocessableEntity},
		{files.ErrInvalidPath, http.StatusBadRequest},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.code {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.code)
		}
	}
}

func TestJobName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"cube.gcode", "cube"},
		{"sub/part.gcode.gz", "part"},
		{`C:\jobs\bracket.g`, "bracket"},
		{"noext", "noext"},
	}
	for _, tc := range cases {
		if got := jobName(tc.in); got != tc.want {
			t.Errorf("jobName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// fakeCluster answers the group API and records uploaded job names.
type fakeCluster struct {
	mu      sync.Mutex
	uploads []string
}

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/cluster-api/v1/printers/":
		_, _ = w.Write([]byte(`[{"uuid":"u1","friendly_name":"One","machine_variant":"UM3","status":"idle","configuration":[]}]`))
	case r.URL.Path == "/cluster-api/v1/print_jobs/" && r.Method == http.MethodGet:
		_, _ = w.Write([]byte(`[]`))
	case r.URL.Path == "/cluster-api/v1/print_jobs/" && r.Method == http.MethodPost:
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_, fh, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.uploads = append(f.uploads, fh.Filename)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{}`))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeCluster) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uploads...)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPrintUploadsToDevice(t *testing.T) {
	cluster := &fakeCluster{}
	upstream := httptest.NewServer(cluster)
	defer upstream.Close()

	e := newEnv(t, "group")
	e.announce("group", strings.TrimPrefix(upstream.URL, "http://"), discovery.Properties{discovery.PropClusterSize: "1"})
	waitUntil(t, "cluster connected", func() bool {
		var ok bool
		_ = e.loop.Call(func() { ok = e.reg.Get("group").AcceptsCommands() })
		return ok
	})

	if _, err := e.files.SaveFile("cube.gcode", strings.NewReader(";FLAVOR:Marlin\nG28\nG1 X10\n")); err != nil {
		t.Fatal(err)
	}

	expectCode(t, e.doJSON(http.MethodPost, "/api/devices/group/print", `{}`), http.StatusBadRequest)
	expectCode(t, e.doJSON(http.MethodPost, "/api/devices/group/print", `{"file":"missing.gcode"}`), http.StatusNotFound)
	expectCode(t, e.doJSON(http.MethodPost, "/api/devices/group/print", `{"file":"../etc/passwd"}`), http.StatusBadRequest)

	w := e.doJSON(http.MethodPost, "/api/devices/group/print", `{"file":"cube.gcode"}`)
	expectCode(t, w, http.StatusAccepted)
	var resp struct {
		ID      string `json:"id"`
		JobName string `json:"job_name"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || resp.ID == "" || resp.JobName != "cube" {
		t.Fatalf("print response %s", w.Body.String())
	}
	waitUntil(t, "first upload", func() bool { return len(cluster.names()) == 1 })
	waitUntil(t, "upload slot freed", func() bool {
		var idle bool
		_ = e.loop.Call(func() { idle = e.reg.Get("group").Upload() == nil })
		return idle
	})

	// Multipart body, also stored locally.
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("save", "true")
	part, _ := mw.CreateFormFile("file", "bracket.gcode")
	_, _ = part.Write([]byte("G28\nG1 Y5\n"))
	_ = mw.Close()
	w = e.do(http.MethodPost, "/api/devices/group/print", &body, mw.FormDataContentType())
	expectCode(t, w, http.StatusAccepted)
	waitUntil(t, "second upload", func() bool { return len(cluster.names()) == 2 })
	if names := cluster.names(); !strings.HasPrefix(names[1], "bracket") {
		t.Fatalf("uploaded names %v", names)
	}
	if _, err := e.files.Lines("bracket.gcode"); err != nil {
		t.Fatalf("multipart upload was not saved: %v", err)
	}
}

func TestUploadHistoryRoutes(t *testing.T) {
	e := newEnv(t, "")
	e.uploads.rows = []history.Upload{{ID: "u1", DeviceID: "a", Filename: "cube.gcode", Outcome: history.OutcomeSuccess}}

	w := e.doJSON(http.MethodGet, "/api/uploads?device=a&limit=5", "")
	expectCode(t, w, http.StatusOK)
	if e.uploads.device != "a" || e.uploads.limit != 5 {
		t.Fatalf("list called with %q %d", e.uploads.device, e.uploads.limit)
	}
	var resp struct {
		Uploads []history.Upload `json:"uploads"`
		Totals  history.Totals   `json:"totals"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil || len(resp.Uploads) != 1 || resp.Totals.TotalUploads != 1 {
		t.Fatalf("uploads %s", w.Body.String())
	}

	expectCode(t, e.doJSON(http.MethodGet, "/api/uploads?limit=-1", ""), http.StatusBadRequest)
	expectCode(t, e.doJSON(http.MethodDelete, "/api/uploads/u1", ""), http.StatusNoContent)
	expectCode(t, e.doJSON(http.MethodDelete, "/api/uploads/u2", ""), http.StatusNotFound)
}

func TestFileRoutes(t *testing.T) {
	e := newEnv(t, "")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("file", "cube.gcode")
	_, _ = part.Write([]byte(";FLAVOR:Griffin\n;PRINT.TIME:60\n;END_OF_HEADER\nG28\n"))
	_ = mw.Close()
	expectCode(t, e.do(http.MethodPost, "/api/files", &body, mw.FormDataContentType()), http.StatusCreated)

	w := e.doJSON(http.MethodGet, "/api/files", "")
	expectCode(t, w, http.StatusOK)
	var list struct {
		Files []files.File `json:"files"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil || len(list.Files) != 1 || list.Files[0].Path != "cube.gcode" {
		t.Fatalf("files %s", w.Body.String())
	}

	w = e.doJSON(http.MethodGet, "/api/files/metadata?name=cube.gcode", "")
	expectCode(t, w, http.StatusOK)
	var meta files.Metadata
	if err := json.Unmarshal(w.Body.Bytes(), &meta); err != nil || meta.Flavor != "Griffin" || meta.PrintTime != 60 {
		t.Fatalf("metadata %s", w.Body.String())
	}

	expectCode(t, e.doJSON(http.MethodGet, "/api/files/metadata?name=missing.gcode", ""), http.StatusNotFound)
	expectCode(t, e.doJSON(http.MethodDelete, "/api/files?name=../x", ""), http.StatusBadRequest)
	expectCode(t, e.doJSON(http.MethodDelete, "/api/files?name=cube.gcode", ""), http.StatusNoContent)
	expectCode(t, e.doJSON(http.MethodDelete, "/api/files?name=cube.gcode", ""), http.StatusNotFound)
}

func TestPeerRoutes(t *testing.T) {
	e := newEnv(t, "")
	expectCode(t, e.doJSON(http.MethodPost, "/api/peers", `{}`), http.StatusBadRequest)

	w := e.doJSON(http.MethodPost, "/api/peers", `{"host":"127.0.0.1:1"}`)
	expectCode(t, w, http.StatusAccepted)
	if !strings.Contains(w.Body.String(), discovery.ManualID("127.0.0.1:1")) {
		t.Fatalf("add peer response %s", w.Body.String())
	}

	w = e.doJSON(http.MethodGet, "/api/peers", "")
	expectCode(t, w, http.StatusOK)
	if !strings.Contains(w.Body.String(), `"127.0.0.1:1"`) {
		t.Fatalf("peers %s", w.Body.String())
	}

	expectCode(t, e.doJSON(http.MethodDelete, "/api/peers?host=127.0.0.1:1", ""), http.StatusNoContent)
	w = e.doJSON(http.MethodGet, "/api/peers", "")
	if !strings.Contains(w.Body.String(), `"peers":[]`) {
		t.Fatalf("peers after removal %s", w.Body.String())
	}
}
