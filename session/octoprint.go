package session

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/john/printlink/printer"
	"github.com/john/printlink/transport"
)

type octoTemperature struct {
	Actual float64 `json:"actual"`
	Target float64 `json:"target"`
}

type octoPrinter struct {
	Temperature map[string]octoTemperature `json:"temperature"`
	State       struct {
		Text  string `json:"text"`
		Flags struct {
			Operational bool `json:"operational"`
			Printing    bool `json:"printing"`
			Paused      bool `json:"paused"`
			Pausing     bool `json:"pausing"`
			Error       bool `json:"error"`
			Ready       bool `json:"ready"`
		} `json:"flags"`
	} `json:"state"`
}

type octoJob struct {
	Job struct {
		File struct {
			Name string `json:"name"`
		} `json:"file"`
		User string `json:"user"`
	} `json:"job"`
	Progress struct {
		Completion    *float64 `json:"completion"`
		PrintTime     *int     `json:"printTime"`
		PrintTimeLeft *int     `json:"printTimeLeft"`
	} `json:"progress"`
	State string `json:"state"`
}

type octoFiles struct {
	Files []struct {
		Name string `json:"name"`
	} `json:"files"`
}

// octoprintDriver speaks the OctoPrint REST API with a configured API key.
type octoprintDriver struct {
	s     *Session
	files []string
}

func (d *octoprintDriver) prefix() string            { return "/api/" }
func (d *octoprintDriver) connect()                  {}
func (d *octoprintDriver) disconnect()               {}
func (d *octoprintDriver) authenticate()             { d.s.auth.StartExternal() }
func (d *octoprintDriver) gzip() bool                { return false }
func (d *octoprintDriver) checksConfiguration() bool { return false }
func (d *octoprintDriver) storedFiles() []string     { return d.files }
func (d *octoprintDriver) uploaded(*UploadJob)       { d.refreshFiles() }

func (d *octoprintDriver) preheatBed(float64, time.Duration) (bool, error) { return false, nil }
func (d *octoprintDriver) cancelPreheatBed() (bool, error)                 { return false, nil }

func (d *octoprintDriver) headers() map[string]string {
	if d.s.opts.APIKey == "" {
		return nil
	}
	return map[string]string{"X-Api-Key": d.s.opts.APIKey}
}

func (d *octoprintDriver) cameraURL() string {
	return fmt.Sprintf("http://%s/webcam/?action=stream", d.s.opts.Address)
}

func (d *octoprintDriver) authenticated() {
	d.refreshFiles()
}

func (d *octoprintDriver) refreshFiles() {
	s := d.s
	s.client.Get("files/local", func(r *transport.Reply) {
		if !r.OK() {
			return
		}
		var data octoFiles
		if !s.decode(r, &data) {
			return
		}
		d.files = d.files[:0]
		for _, f := range data.Files {
			d.files = append(d.files, f.Name)
		}
	})
}

// settle moves externally configured credentials out of the tentative state.
func (d *octoprintDriver) settle(r *transport.Reply) bool {
	switch r.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		d.s.auth.Reject()
		return false
	}
	if r.Err == nil && r.StatusCode != 0 {
		d.s.auth.Confirm()
	}
	return true
}

func (d *octoprintDriver) poll() {
	d.s.get("printer", d.onPrinter)
	d.s.get("job", d.onJob)
}

func (d *octoprintDriver) onPrinter(r *transport.Reply) {
	s := d.s
	if !d.settle(r) {
		return
	}
	// 409 means the printer is not connected to OctoPrint.
	if r.StatusCode == http.StatusConflict {
		p, _ := s.ensurePrinter(s.id)
		s.setPrinterState(p, printer.StateOffline)
		return
	}
	if !r.OK() {
		return
	}
	var data octoPrinter
	if !s.decode(r, &data) {
		return
	}

	p, _ := s.ensurePrinter(s.id)
	flags := data.State.Flags
	state := printer.StateIdle
	switch {
	case flags.Error:
		state = printer.StateError
	case flags.Paused || flags.Pausing:
		state = printer.StatePaused
	case flags.Printing:
		state = printer.StatePrinting
	case !flags.Operational:
		state = printer.StateOffline
	}
	s.setPrinterState(p, state)

	if bed, ok := data.Temperature["bed"]; ok {
		s.setBed(p, bed.Actual, bed.Target)
	}
	for name, t := range data.Temperature {
		if !strings.HasPrefix(name, "tool") {
			continue
		}
		var index int
		if _, err := fmt.Sscanf(name, "tool%d", &index); err != nil {
			continue
		}
		s.setHotendTemperatures(p, index, t.Actual, t.Target)
	}
	s.reconcile(p)
}

func (d *octoprintDriver) onJob(r *transport.Reply) {
	s := d.s
	if !d.settle(r) || !r.OK() {
		return
	}
	var data octoJob
	if !s.decode(r, &data) {
		return
	}
	p := s.ActivePrinter()
	if p == nil {
		return
	}

	name := data.Job.File.Name
	if name == "" {
		if p.ActiveJob != nil {
			s.jobs = nil
			s.attachJob(p, nil)
		}
		return
	}

	j := p.ActiveJob
	if j == nil || j.Key != name {
		j = &printer.PrintJob{Key: name}
		s.jobs = []*printer.PrintJob{j}
		s.attachJob(p, j)
	}
	u := jobUpdate{Name: name, State: octoJobState(data.State), Owner: data.Job.User}
	if data.Progress.PrintTime != nil {
		u.Elapsed = *data.Progress.PrintTime
	}
	if data.Progress.PrintTimeLeft != nil {
		u.Total = u.Elapsed + *data.Progress.PrintTimeLeft
	}
	if data.Progress.Completion != nil {
		u.Progress = *data.Progress.Completion
	}
	s.updateJob(j, u)
	s.reconcile(p)
}

func octoJobState(text string) string {
	t := strings.ToLower(text)
	switch {
	case strings.HasPrefix(t, "printing"):
		return printer.StatePrinting
	case strings.HasPrefix(t, "paus"):
		return printer.StatePaused
	case strings.HasPrefix(t, "cancel"):
		return "aborted"
	case strings.HasPrefix(t, "error"), strings.HasPrefix(t, "offline"):
		return printer.StateError
	}
	return "wait_cleanup"
}

func (d *octoprintDriver) gcode(lines ...string) error {
	d.s.client.PostJSON("printer/command", map[string][]string{"commands": lines}, d.s.commandDone(lines[0]))
	return nil
}

func (d *octoprintDriver) setBedTemperature(t float64) error {
	body := map[string]interface{}{"command": "target", "target": t}
	d.s.client.PostJSON("printer/bed", body, d.s.commandDone("bed temperature"))
	return nil
}

func (d *octoprintDriver) setHotendTemperature(index int, t float64) error {
	body := map[string]interface{}{
		"command": "target",
		"targets": map[string]float64{fmt.Sprintf("tool%d", index): t},
	}
	d.s.client.PostJSON("printer/tool", body, d.s.commandDone("hotend temperature"))
	return nil
}

func (d *octoprintDriver) setJobState(_ string, action string) error {
	var body map[string]string
	switch action {
	case "pause":
		body = map[string]string{"command": "pause", "action": "pause"}
	case "print":
		body = map[string]string{"command": "pause", "action": "resume"}
		if p := d.s.ActivePrinter(); p == nil || p.State != printer.StatePaused {
			body = map[string]string{"command": "start"}
		}
	case "abort":
		body = map[string]string{"command": "cancel"}
	default:
		return fmt.Errorf("unknown job action %q: %w", action, ErrUnsupported)
	}
	d.s.client.PostJSON("job", body, d.s.commandDone(action))
	return nil
}

func (d *octoprintDriver) upload(job *UploadJob, payload []byte, onFinished transport.Callback, onProgress transport.ProgressFunc) *transport.Request {
	start := "false"
	if d.s.opts.AutoPrint {
		start = "true"
	}
	return d.s.client.PostForm("files/local", []transport.FormPart{
		{Name: "file", FileName: job.FileName, Data: payload},
		{Name: "print", Data: []byte(start)},
	}, onFinished, onProgress)
}
