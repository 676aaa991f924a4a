package control

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/john/printlink/files"
	"github.com/john/printlink/history"
	"github.com/john/printlink/printer"
	"github.com/john/printlink/registry"
	"github.com/john/printlink/session"
)

var errUnknownDevice = errors.New("unknown device")

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errUnknownDevice), errors.Is(err, history.ErrNotFound), errors.Is(err, errFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrUploadBusy), errors.Is(err, session.ErrPrinterBusy),
		errors.Is(err, session.ErrNotAccepting), errors.Is(err, session.ErrNameConflict):
		return http.StatusConflict
	case errors.Is(err, session.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, session.ErrNoPayload), errors.Is(err, session.ErrNoPrinter),
		errors.Is(err, session.ErrConfiguration), errors.Is(err, session.ErrNameTooLong),
		errors.Is(err, session.ErrUnsupportedCharacters), errors.Is(err, session.ErrDeclined):
		return http.StatusUnprocessableEntity
	case errors.Is(err, files.ErrInvalidPath):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logAndJSONError(c, code, err.Error(), err)
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// logAndJSONError logs err and answers with msg.
func (s *Server) logAndJSONError(c *gin.Context, code int, msg string, err error) {
	s.log.Errorw("request failed", "path", c.FullPath(), "error", err)
	c.JSON(code, gin.H{"error": msg})
}

// withSession runs fn on the serial context against the session named by
// the :id parameter.
func (s *Server) withSession(c *gin.Context, fn func(*session.Session) error) bool {
	id := c.Param("id")
	var err error
	if !s.onLoop(c, func() {
		sess := s.reg.Get(id)
		if sess == nil {
			err = errUnknownDevice
			return
		}
		err = fn(sess)
	}) {
		return false
	}
	if err != nil {
		s.writeError(c, err)
		return false
	}
	return true
}

// command answers 202 once fn was accepted by the session.
func (s *Server) command(c *gin.Context, fn func(*session.Session) error) {
	if s.withSession(c, fn) {
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
	}
}

func (s *Server) listDevices(c *gin.Context) {
	var devices []registry.Device
	if s.onLoop(c, func() { devices = s.reg.Devices() }) {
		c.JSON(http.StatusOK, gin.H{"devices": devices})
	}
}

type deviceDetail struct {
	registry.Device
	Phase    string              `json:"phase"`
	Printers []*printer.Printer  `json:"printers"`
	Jobs     []*printer.PrintJob `json:"jobs"`
	Upload   *session.UploadJob  `json:"upload,omitempty"`
}

func (s *Server) getDevice(c *gin.Context) {
	id := c.Param("id")
	var (
		raw []byte
		err error
	)
	if !s.onLoop(c, func() {
		d, ok := s.reg.Device(id)
		if !ok {
			err = errUnknownDevice
			return
		}
		sess := s.reg.Get(id)
		// Snapshots belong to the loop; encode them here.
		raw, err = json.Marshal(deviceDetail{
			Device:   d,
			Phase:    sess.Phase(),
			Printers: sess.Printers(),
			Jobs:     sess.Jobs(),
			Upload:   sess.Upload(),
		})
	}) {
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

// connectDevice makes id the active machine; the registry connects it.
func (s *Server) connectDevice(c *gin.Context) {
	id := c.Param("id")
	var known bool
	if !s.onLoop(c, func() { known = s.reg.Get(id) != nil }) {
		return
	}
	if !known {
		s.writeError(c, errUnknownDevice)
		return
	}
	if err := s.machines.SetActive(id); err != nil {
		s.logAndJSONError(c, http.StatusInternalServerError, "failed to select machine", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "connecting"})
}

func (s *Server) disconnectDevice(c *gin.Context) {
	id := c.Param("id")
	if s.machines.Key() == id {
		if err := s.machines.SetActive(""); err != nil {
			s.logAndJSONError(c, http.StatusInternalServerError, "failed to clear active machine", err)
			return
		}
	}
	if s.withSession(c, func(sess *session.Session) error {
		sess.Disconnect()
		return nil
	}) {
		c.JSON(http.StatusOK, gin.H{"status": "closed"})
	}
}

func (s *Server) retryAuth(c *gin.Context) {
	s.command(c, func(sess *session.Session) error {
		sess.RetryAuthentication()
		return nil
	})
}

type moveRequest struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Speed float64 `json:"speed"`
}

func (s *Server) moveHead(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	s.command(c, func(sess *session.Session) error { return sess.MoveHead(req.X, req.Y, req.Z, req.Speed) })
}

func (s *Server) homeHead(c *gin.Context) {
	s.command(c, func(sess *session.Session) error { return sess.HomeHead() })
}

func (s *Server) homeBed(c *gin.Context) {
	s.command(c, func(sess *session.Session) error { return sess.HomeBed() })
}

type temperatureRequest struct {
	Temperature *float64 `json:"temperature" binding:"required"`
	// Duration in seconds, preheat only.
	Duration float64 `json:"duration"`
}

func (s *Server) bindTemperature(c *gin.Context) (float64, time.Duration, bool) {
	var req temperatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return 0, 0, false
	}
	if *req.Temperature < 0 || req.Duration < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "temperature and duration must not be negative"})
		return 0, 0, false
	}
	d := time.Duration(req.Duration * float64(time.Second))
	if d == 0 {
		d = s.opts.PreheatDuration
	}
	return *req.Temperature, d, true
}

func hotendIndex(c *gin.Context) (int, bool) {
	i, err := strconv.Atoi(c.Param("index"))
	if err != nil || i < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hotend index"})
		return 0, false
	}
	return i, true
}

func (s *Server) setBedTemperature(c *gin.Context) {
	if t, _, ok := s.bindTemperature(c); ok {
		s.command(c, func(sess *session.Session) error { return sess.SetTargetBedTemperature(t) })
	}
}

func (s *Server) preheatBed(c *gin.Context) {
	if t, d, ok := s.bindTemperature(c); ok {
		s.command(c, func(sess *session.Session) error { return sess.PreheatBed(t, d) })
	}
}

func (s *Server) cancelPreheatBed(c *gin.Context) {
	s.command(c, func(sess *session.Session) error { return sess.CancelPreheatBed() })
}

func (s *Server) setHotendTemperature(c *gin.Context) {
	i, ok := hotendIndex(c)
	if !ok {
		return
	}
	if t, _, ok := s.bindTemperature(c); ok {
		s.command(c, func(sess *session.Session) error { return sess.SetTargetHotendTemperature(i, t) })
	}
}

func (s *Server) preheatHotend(c *gin.Context) {
	i, ok := hotendIndex(c)
	if !ok {
		return
	}
	if t, d, ok := s.bindTemperature(c); ok {
		s.command(c, func(sess *session.Session) error { return sess.PreheatHotend(i, t, d) })
	}
}

func (s *Server) cancelPreheatHotend(c *gin.Context) {
	if i, ok := hotendIndex(c); ok {
		s.command(c, func(sess *session.Session) error { return sess.CancelPreheatHotend(i) })
	}
}

type jobStateRequest struct {
	Job    string `json:"job"`
	Action string `json:"action" binding:"required"`
}

func (s *Server) setJobState(c *gin.Context) {
	var req jobStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	s.command(c, func(sess *session.Session) error { return sess.SetJobState(req.Job, req.Action) })
}

type printRequest struct {
	File          string `json:"file" form:"file"`
	JobName       string `json:"job_name" form:"job_name"`
	TargetPrinter string `json:"target_printer" form:"target_printer"`
}

// print starts an upload from the gcode directory (JSON body) or from a
// multipart "file" part. With save=true the part is also stored locally.
func (s *Server) print(c *gin.Context) {
	var (
		req   printRequest
		lines []string
		err   error
	)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid form: " + err.Error()})
			return
		}
		lines, req.File, err = s.readPart(c)
	} else {
		if err := c.ShouldBindJSON(&req); err != nil || req.File == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "a file name is required"})
			return
		}
		if s.files == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no gcode directory configured"})
			return
		}
		lines, err = s.files.Lines(req.File)
		if err != nil && !errors.Is(err, files.ErrInvalidPath) {
			err = errors.Join(errFileNotFound, err)
		}
	}
	if err != nil {
		s.writeError(c, err)
		return
	}

	if req.JobName == "" {
		req.JobName = jobName(req.File)
	}
	write := session.WriteRequest{JobName: req.JobName, Lines: lines, TargetPrinter: req.TargetPrinter}
	device := c.Param("id")
	var id string
	if !s.withSession(c, func(sess *session.Session) error {
		var err error
		id, err = sess.RequestWrite(write, func(job session.UploadJob) {
			s.log.Infow("upload finished", "device", device, "id", job.ID, "outcome", job.Outcome, "error", job.Error)
		})
		return err
	}) {
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "job_name": req.JobName})
}

var errFileNotFound = errors.New("file not found")

func (s *Server) readPart(c *gin.Context) ([]string, string, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return nil, "", errors.Join(session.ErrNoPayload, err)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	lines, err := files.ReadLines(f)
	if err != nil {
		return nil, "", err
	}
	if c.PostForm("save") == "true" && s.files != nil {
		if _, err := f.Seek(0, io.SeekStart); err == nil {
			if _, err := s.files.SaveFile(fh.Filename, f); err != nil {
				s.log.Warnw("saving uploaded file failed", "file", fh.Filename, "error", err)
			}
		}
	}
	return lines, fh.Filename, nil
}

// jobName strips the directory and extension of a file name.
func jobName(file string) string {
	base := path.Base(strings.ReplaceAll(file, "\\", "/"))
	if i := strings.Index(base, "."); i > 0 {
		base = base[:i]
	}
	return base
}

func (s *Server) cancelPrint(c *gin.Context) {
	if s.withSession(c, func(sess *session.Session) error {
		sess.CancelUpload()
		return nil
	}) {
		c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
	}
}

func (s *Server) startCamera(c *gin.Context) {
	s.command(c, func(sess *session.Session) error { return sess.StartCamera() })
}

func (s *Server) stopCamera(c *gin.Context) {
	if s.withSession(c, func(sess *session.Session) error {
		sess.StopCamera()
		return nil
	}) {
		c.JSON(http.StatusOK, gin.H{"status": "stopped"})
	}
}

func (s *Server) cameraFrame(c *gin.Context) {
	var frame []byte
	if !s.withSession(c, func(sess *session.Session) error {
		frame = append([]byte(nil), sess.CameraFrame()...)
		return nil
	}) {
		return
	}
	if len(frame) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no frame yet"})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", frame)
}
