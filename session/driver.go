package session

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/john/printlink/appctx"
	"github.com/john/printlink/transport"
)

// driver is the protocol of one device family. Drivers run on the serial
// context and update the session's snapshots directly.
type driver interface {
	prefix() string
	headers() map[string]string
	connect()
	disconnect()
	authenticate()
	// authenticated runs once the device confirmed the credentials.
	authenticated()
	poll()

	gcode(lines ...string) error
	setBedTemperature(t float64) error
	setHotendTemperature(index int, t float64) error
	// preheatBed returns false when the device has no server side preheat.
	preheatBed(t float64, d time.Duration) (bool, error)
	cancelPreheatBed() (bool, error)
	setJobState(jobKey, action string) error

	gzip() bool
	// checksConfiguration reports whether slot configuration is verified
	// before uploads.
	checksConfiguration() bool
	storedFiles() []string
	upload(job *UploadJob, payload []byte, onFinished transport.Callback, onProgress transport.ProgressFunc) *transport.Request
	uploaded(job *UploadJob)
	cameraURL() string
}

func newDriver(s *Session) driver {
	switch s.opts.Family {
	case Cluster:
		return &clusterDriver{s: s}
	case OctoPrint:
		return &octoprintDriver{s: s}
	case Gcode:
		return &gcodeDriver{s: s}
	default:
		return &legacyDriver{s: s}
	}
}

// noCommands is embedded by drivers that cannot drive the printer directly.
type noCommands struct{}

func (noCommands) gcode(...string) error                           { return ErrUnsupported }
func (noCommands) setBedTemperature(float64) error                 { return ErrUnsupported }
func (noCommands) setHotendTemperature(int, float64) error         { return ErrUnsupported }
func (noCommands) preheatBed(float64, time.Duration) (bool, error) { return false, ErrUnsupported }
func (noCommands) cancelPreheatBed() (bool, error)                 { return false, ErrUnsupported }

// decode parses a JSON reply body. Malformed bodies are logged and skipped.
func (s *Session) decode(r *transport.Reply, v interface{}) bool {
	if err := json.Unmarshal(r.Body, v); err != nil {
		s.log.Warnw("malformed reply", "path", r.Path, "error", err)
		return false
	}
	return true
}

// firmwareAtLeast compares dotted firmware versions by their first three
// components.
func firmwareAtLeast(version, min string) bool {
	v, err := semver.NewVersion(firstComponents(version))
	if err != nil {
		return false
	}
	m, err := semver.NewVersion(firstComponents(min))
	if err != nil {
		return false
	}
	return !v.LessThan(m)
}

func firstComponents(version string) string {
	parts := strings.SplitN(strings.TrimSpace(version), ".", 4)
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return strings.Join(parts, ".")
}

// commandDone logs a failed printer command and shows a transient error.
func (s *Session) commandDone(what string) transport.Callback {
	return func(r *transport.Reply) {
		if r.OK() {
			return
		}
		s.log.Warnw("printer command failed", "command", what, "status", r.StatusCode, "error", r.Err)
		s.showMessage(appctxError("Printer command failed", "The printer did not accept \""+what+"\"."))
	}
}

func appctxError(title, text string) appctx.Message {
	return appctx.Message{Kind: appctx.Error, Title: title, Text: text, Lifetime: 5}
}
