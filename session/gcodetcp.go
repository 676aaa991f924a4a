package session

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/john/printlink/printer"
	"github.com/john/printlink/transport"
)

// gcodeDriver talks to controllers that accept raw gcode lines on a TCP port
// and take uploads over plain HTTP.
type gcodeDriver struct {
	s       *Session
	lines   *transport.LineConn
	opening bool

	listing bool
	listed  []string
	files   []string
	job     string
}

func (d *gcodeDriver) prefix() string             { return "/" }
func (d *gcodeDriver) headers() map[string]string { return nil }
func (d *gcodeDriver) authenticate()              { d.s.auth.StartWithout() }
func (d *gcodeDriver) authenticated()             {}
func (d *gcodeDriver) gzip() bool                 { return false }
func (d *gcodeDriver) checksConfiguration() bool  { return false }
func (d *gcodeDriver) storedFiles() []string      { return d.files }
func (d *gcodeDriver) cameraURL() string          { return "" }

func (d *gcodeDriver) connect() {
	d.lines = transport.NewLineConn(d.s.loop, d.s.log)
	d.lines.OnLine = d.onLine
	d.lines.OnClosed = d.onClosed
	d.open()
}

func (d *gcodeDriver) open() {
	if d.opening {
		return
	}
	d.opening = true
	lines := d.lines
	lines.Open(hostOnly(d.s.opts.Address), d.s.opts.TCPPort, func(err error) {
		if lines != d.lines {
			return
		}
		d.opening = false
		if err != nil {
			d.s.log.Warnw("opening gcode connection", "error", err)
			return
		}
		d.s.log.Infow("gcode connection open")
		d.send("M20")
	})
}

func (d *gcodeDriver) disconnect() {
	if d.lines != nil {
		d.lines.Close()
		d.lines = nil
	}
	d.opening = false
}

func (d *gcodeDriver) onClosed(err error) {
	d.s.log.Warnw("gcode connection closed by device", "error", err)
	if p := d.s.ActivePrinter(); p != nil {
		d.s.setPrinterState(p, printer.StateOffline)
	}
}

func (d *gcodeDriver) send(lines ...string) error {
	if d.lines == nil || !d.lines.Connected() {
		return ErrNotAccepting
	}
	d.s.lastRequest = time.Now()
	for _, l := range lines {
		if err := d.lines.SendLine(l); err != nil {
			return fmt.Errorf("sending %q: %w", l, err)
		}
	}
	return nil
}

func (d *gcodeDriver) poll() {
	if d.lines == nil {
		return
	}
	if !d.lines.Connected() {
		d.open()
		return
	}
	cmds := []string{"M105", "M997"}
	if p := d.s.ActivePrinter(); p != nil && p.Busy() {
		cmds = append(cmds, "M994", "M992", "M27")
	}
	if err := d.send(cmds...); err != nil {
		d.s.log.Debugw("poll not sent", "error", err)
		return
	}
	d.s.firePhase(evPoll)
}

func (d *gcodeDriver) onLine(line string) {
	s := d.s
	s.responded()

	if d.listing {
		rep := printer.ParseLine(line)
		if rep.Kind == printer.ReportFileListEnd {
			d.listing = false
			d.files = d.listed
			d.listed = nil
			return
		}
		if name := strings.TrimSpace(line); printer.IsGcodeFile(name) {
			d.listed = append(d.listed, name)
		}
		return
	}

	rep := printer.ParseLine(line)
	if rep.Kind == printer.ReportUnknown {
		return
	}
	p, _ := s.ensurePrinter(s.id)

	switch rep.Kind {
	case printer.ReportTemperature:
		s.setBed(p, rep.Bed.Current, rep.Bed.Target)
		for i, h := range rep.Hotends {
			s.setHotendTemperatures(p, i, h.Current, h.Target)
		}
	case printer.ReportStatus:
		s.setPrinterState(p, rep.State)
		d.syncJob(p)
		s.roundDone()
	case printer.ReportJobName:
		d.job = rep.Name
		d.syncJob(p)
	case printer.ReportElapsed:
		if j := p.ActiveJob; j != nil {
			u := d.current(j)
			u.Elapsed = rep.Seconds
			if u.Progress > 0 {
				u.Total = int(float64(rep.Seconds) * 100 / u.Progress)
			}
			s.updateJob(j, u)
		}
	case printer.ReportProgress:
		if j := p.ActiveJob; j != nil {
			u := d.current(j)
			u.Progress = rep.Percent
			s.updateJob(j, u)
		}
	case printer.ReportFileListBegin:
		d.listing = true
		d.listed = nil
	case printer.ReportUploadFailed:
		s.log.Warnw("device reported upload failure", "line", line)
	}
}

func (d *gcodeDriver) current(j *printer.PrintJob) jobUpdate {
	return jobUpdate{
		Name:     j.Name,
		State:    j.State,
		Owner:    j.Owner,
		Total:    j.TimeTotal,
		Elapsed:  j.TimeElapsed,
		Progress: j.Progress,
	}
}

// syncJob keeps the single job in step with the printer state.
func (d *gcodeDriver) syncJob(p *printer.Printer) {
	s := d.s
	if !p.Busy() {
		if p.ActiveJob != nil {
			s.jobs = nil
			s.attachJob(p, nil)
		}
		return
	}
	j := p.ActiveJob
	if j == nil {
		j = &printer.PrintJob{Key: d.job}
		s.jobs = []*printer.PrintJob{j}
		s.attachJob(p, j)
	}
	u := d.current(j)
	u.State = p.State
	if d.job != "" {
		u.Name = d.job
	}
	s.updateJob(j, u)
}

func (d *gcodeDriver) gcode(lines ...string) error {
	return d.send(lines...)
}

func (d *gcodeDriver) setBedTemperature(t float64) error {
	return d.send("M140 S" + formatTemperature(t))
}

func (d *gcodeDriver) setHotendTemperature(index int, t float64) error {
	return d.send(fmt.Sprintf("M104 S%s T%d", formatTemperature(t), index))
}

func (d *gcodeDriver) preheatBed(float64, time.Duration) (bool, error) { return false, nil }
func (d *gcodeDriver) cancelPreheatBed() (bool, error)                 { return false, nil }

func (d *gcodeDriver) setJobState(_ string, action string) error {
	switch action {
	case "pause":
		return d.send("M25")
	case "print":
		return d.send("M24")
	case "abort":
		return d.send("M26")
	}
	return fmt.Errorf("unknown job action %q: %w", action, ErrUnsupported)
}

func (d *gcodeDriver) upload(job *UploadJob, payload []byte, onFinished transport.Callback, onProgress transport.ProgressFunc) *transport.Request {
	target := fmt.Sprintf("http://%s/upload?X-Filename=%s", d.s.opts.Address, url.QueryEscape(job.FileName))
	return d.s.client.PostForm(target, []transport.FormPart{
		{Name: "file", FileName: job.FileName, ContentType: "application/octet-stream", Data: payload},
	}, onFinished, onProgress)
}

// uploaded starts the file when auto print is on and refreshes the listing.
func (d *gcodeDriver) uploaded(job *UploadJob) {
	if d.s.opts.AutoPrint {
		if err := d.send("M23 "+job.FileName, "M24"); err != nil {
			d.s.log.Warnw("starting uploaded file", "file", job.FileName, "error", err)
		}
	}
	if err := d.send("M20"); err != nil {
		d.s.log.Debugw("refreshing file list", "error", err)
	}
}
