package session

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/john/printlink/materials"
	"github.com/john/printlink/printer"
	"github.com/john/printlink/transport"
)

// preheatFirmware is the first legacy firmware that preheats the bed itself.
const preheatFirmware = "3.5.92"

type legacyTemperature struct {
	Current float64 `json:"current"`
	Target  float64 `json:"target"`
}

type legacyPrinter struct {
	Status string `json:"status"`
	Bed    struct {
		Temperature legacyTemperature `json:"temperature"`
		PreHeat     *struct {
			Active bool `json:"active"`
		} `json:"pre_heat"`
	} `json:"bed"`
	Heads []struct {
		Position  printer.Position `json:"position"`
		Extruders []struct {
			Hotend struct {
				ID          string            `json:"id"`
				Temperature legacyTemperature `json:"temperature"`
			} `json:"hotend"`
			ActiveMaterial struct {
				GUID            string   `json:"guid"`
				LengthRemaining *float64 `json:"length_remaining"`
			} `json:"active_material"`
		} `json:"extruders"`
	} `json:"heads"`
}

type legacyJob struct {
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	State       string `json:"state"`
	TimeElapsed int    `json:"time_elapsed"`
	TimeTotal   int    `json:"time_total"`
}

// profileSource is implemented by catalogs that can export material
// profiles for syncing to printers.
type profileSource interface {
	Profiles() ([]materials.Profile, error)
}

// legacyDriver speaks the single-printer REST API under /api/v1/.
type legacyDriver struct {
	s *Session
}

func (d *legacyDriver) prefix() string             { return "/api/v1/" }
func (d *legacyDriver) headers() map[string]string { return nil }
func (d *legacyDriver) connect()                   {}
func (d *legacyDriver) disconnect()                {}
func (d *legacyDriver) authenticate()              { d.s.auth.Start() }
func (d *legacyDriver) gzip() bool                 { return true }
func (d *legacyDriver) checksConfiguration() bool  { return true }
func (d *legacyDriver) storedFiles() []string      { return nil }
func (d *legacyDriver) uploaded(*UploadJob)        {}

func (d *legacyDriver) cameraURL() string {
	return fmt.Sprintf("http://%s:8080/?action=stream", hostOnly(d.s.opts.Address))
}

func (d *legacyDriver) poll() {
	d.s.get("printer", d.onPrinter)
	d.s.get("print_job", d.onPrintJob)
}

func (d *legacyDriver) onPrinter(r *transport.Reply) {
	s := d.s
	if !r.OK() {
		if r.Err == nil {
			s.log.Warnw("unexpected status polling printer", "status", r.StatusCode)
		}
		return
	}
	var data legacyPrinter
	if !s.decode(r, &data) {
		return
	}

	p, _ := s.ensurePrinter(s.id)
	s.setBed(p, data.Bed.Temperature.Current, data.Bed.Temperature.Target)
	s.setPrinterState(p, data.Status)
	if data.Bed.PreHeat != nil && !s.preheatPending && s.bedPreheat == nil {
		s.setBedPreheating(p, data.Bed.PreHeat.Active)
	}
	if len(data.Heads) > 0 {
		head := data.Heads[0]
		s.setHead(p, head.Position)
		for i, ex := range head.Extruders {
			s.setHotendTemperatures(p, i, ex.Hotend.Temperature.Current, ex.Hotend.Temperature.Target)
			s.setMaterial(p, i, ex.ActiveMaterial.GUID)
			s.setHotendID(p, i, ex.Hotend.ID)
			if ex.ActiveMaterial.LengthRemaining != nil {
				s.setMaterialRemaining(p, i, *ex.ActiveMaterial.LengthRemaining)
			}
		}
	}
	s.reconcile(p)
}

func (d *legacyDriver) onPrintJob(r *transport.Reply) {
	s := d.s
	p := s.ActivePrinter()
	if p == nil {
		return
	}
	switch {
	case r.StatusCode == http.StatusNotFound:
		if p.ActiveJob != nil {
			s.jobs = nil
			s.attachJob(p, nil)
		}
		return
	case !r.OK():
		if r.Err == nil {
			s.log.Warnw("unexpected status polling print job", "status", r.StatusCode)
		}
		return
	}

	var data legacyJob
	if !s.decode(r, &data) {
		return
	}
	j := p.ActiveJob
	if j == nil {
		key := data.UUID
		if key == "" {
			key = data.Name
		}
		j = &printer.PrintJob{Key: key}
		s.jobs = []*printer.PrintJob{j}
		s.attachJob(p, j)
	}
	s.updateJob(j, jobUpdate{
		Name:     data.Name,
		State:    data.State,
		Total:    data.TimeTotal,
		Elapsed:  data.TimeElapsed,
		Progress: progressOf(data.TimeElapsed, data.TimeTotal),
	})
	s.reconcile(p)
}

// authenticated pushes the material profiles of the catalog to the printer.
func (d *legacyDriver) authenticated() {
	s := d.s
	src, ok := s.app.Materials.(profileSource)
	if !ok {
		return
	}
	profiles, err := src.Profiles()
	if err != nil {
		s.log.Warnw("reading material profiles", "error", err)
		return
	}
	for _, prof := range profiles {
		name := prof.FileName
		s.client.PostForm("materials", []transport.FormPart{
			{Name: "file", FileName: name, ContentType: "application/xml", Data: prof.Data},
		}, func(r *transport.Reply) {
			if !r.OK() {
				s.log.Debugw("material sync rejected", "file", name, "status", r.StatusCode)
			}
		}, nil)
	}
	s.log.Infow("material profiles sent", "count", len(profiles))
}

func (d *legacyDriver) gcode(lines ...string) error {
	d.s.client.PostJSON("printer/gcode", map[string]string{"gcode": strings.Join(lines, "\n")}, d.s.commandDone(lines[0]))
	return nil
}

func (d *legacyDriver) setBedTemperature(t float64) error {
	d.s.client.Put("printer/bed/temperature/target", "application/json",
		[]byte(formatTemperature(t)), d.s.commandDone("bed temperature"))
	return nil
}

func (d *legacyDriver) setHotendTemperature(index int, t float64) error {
	path := fmt.Sprintf("printer/heads/0/extruders/%d/hotend/temperature/target", index)
	d.s.client.Put(path, "application/json", []byte(formatTemperature(t)), d.s.commandDone("hotend temperature"))
	return nil
}

type preheatBody struct {
	Temperature float64 `json:"temperature"`
	Timeout     int     `json:"timeout"`
}

func (d *legacyDriver) preheatBed(t float64, dur time.Duration) (bool, error) {
	if !firmwareAtLeast(d.s.opts.FirmwareVersion, preheatFirmware) {
		return false, nil
	}
	d.putPreheat(preheatBody{Temperature: t, Timeout: int(dur / time.Second)})
	return true, nil
}

func (d *legacyDriver) cancelPreheatBed() (bool, error) {
	if !firmwareAtLeast(d.s.opts.FirmwareVersion, preheatFirmware) {
		return false, nil
	}
	d.putPreheat(preheatBody{})
	return true, nil
}

func (d *legacyDriver) putPreheat(body preheatBody) {
	s := d.s
	s.preheatPending = true
	done := s.commandDone("bed preheat")
	s.client.PutJSON("printer/bed/pre_heat", body, func(r *transport.Reply) {
		s.preheatPending = false
		done(r)
	})
}

func (d *legacyDriver) setJobState(_ string, action string) error {
	d.s.client.PutJSON("print_job/state", map[string]string{"target": action}, d.s.commandDone(action))
	return nil
}

func (d *legacyDriver) upload(job *UploadJob, payload []byte, onFinished transport.Callback, onProgress transport.ProgressFunc) *transport.Request {
	return d.s.client.PostForm("print_job", []transport.FormPart{
		{Name: "file", FileName: job.FileName, Data: payload},
	}, onFinished, onProgress)
}

func formatTemperature(t float64) string {
	return strconv.FormatFloat(t, 'f', -1, 64)
}

// hostOnly strips a port from address.
func hostOnly(address string) string {
	if host, _, err := net.SplitHostPort(address); err == nil {
		return host
	}
	return address
}
