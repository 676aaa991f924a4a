package session

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/john/printlink/appctx"
	"github.com/john/printlink/event"
	"github.com/john/printlink/gcode"
	"github.com/john/printlink/printer"
	"github.com/john/printlink/transport"
)

// Outcome is the terminal result of an upload.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

const (
	maxNameLength   = 30
	maxRenameRounds = 5
)

// WriteRequest asks a session to upload a sliced job.
type WriteRequest struct {
	JobName string
	// Lines are gcode chunks; each may hold several lines.
	Lines []string
	// TargetPrinter pins a cluster job to a printer by name.
	TargetPrinter string
}

// UploadJob is one transfer of a job to a device.
type UploadJob struct {
	ID            string    `json:"id"`
	Device        string    `json:"device"`
	JobName       string    `json:"job_name"`
	FileName      string    `json:"file_name"`
	TargetPrinter string    `json:"target_printer,omitempty"`
	Size          int64     `json:"size"`
	Gzipped       bool      `json:"gzipped"`
	Sent          int64     `json:"sent"`
	Progress      float64   `json:"progress"`
	Cancelled     bool      `json:"cancelled"`
	Outcome       Outcome   `json:"outcome,omitempty"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`

	err         error
	recorded    bool
	req         *transport.Request
	stopCompose context.CancelFunc
	msg         appctx.MessageHandle
	done        func(UploadJob)
}

// Err returns the failure cause.
func (j *UploadJob) Err() error { return j.err }

func (j *UploadJob) snapshot() UploadJob {
	return UploadJob{
		ID:            j.ID,
		Device:        j.Device,
		JobName:       j.JobName,
		FileName:      j.FileName,
		TargetPrinter: j.TargetPrinter,
		Size:          j.Size,
		Gzipped:       j.Gzipped,
		Sent:          j.Sent,
		Progress:      j.Progress,
		Cancelled:     j.Cancelled,
		Outcome:       j.Outcome,
		Error:         j.Error,
		StartedAt:     j.StartedAt,
		FinishedAt:    j.FinishedAt,
		err:           j.err,
	}
}

// UploadProgressPayload accompanies uploadProgress events.
type UploadProgressPayload struct {
	ID       string  `json:"id"`
	Progress float64 `json:"progress"`
	Sent     int64   `json:"sent"`
	Total    int64   `json:"total"`
}

// RequestWrite runs the pre-flight checks and starts an upload. Checks that
// need the user continue asynchronously; done receives the terminal job
// exactly once. The returned id identifies the upload.
func (s *Session) RequestWrite(req WriteRequest, done func(UploadJob)) (string, error) {
	if s.upload != nil {
		s.showMessage(appctx.Message{
			Kind:     appctx.Error,
			Title:    "Upload in progress",
			Text:     "Sending new jobs is blocked while the previous job is still being sent.",
			Lifetime: 10,
		})
		return "", ErrUploadBusy
	}
	if err := s.ready(); err != nil {
		return "", err
	}
	if len(req.Lines) == 0 {
		return "", ErrNoPayload
	}
	if s.opts.Family != Cluster {
		p := s.ActivePrinter()
		if p == nil {
			return "", ErrNoPrinter
		}
		if p.State != printer.StateIdle && p.State != "" {
			s.showMessage(appctx.Message{
				Kind:     appctx.Error,
				Title:    "Printer busy",
				Text:     "The printer cannot accept a new job right now.",
				Lifetime: 10,
			})
			return "", ErrPrinterBusy
		}
	}

	info := gcode.Scan(req.Lines)
	var warnings []string
	if s.drv.checksConfiguration() {
		if errs := s.configurationErrors(info.Configuration); len(errs) > 0 {
			s.showMessage(appctx.Message{
				Kind:  appctx.Error,
				Title: "Mismatched configuration",
				Text:  "Unable to start a new print job.\n" + strings.Join(errs, "\n"),
			})
			return "", fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(errs, "; "))
		}
		warnings = s.configurationWarnings(info.Configuration)
	}

	job := &UploadJob{
		ID:            uuid.NewString(),
		Device:        s.id,
		JobName:       req.JobName,
		TargetPrinter: req.TargetPrinter,
		StartedAt:     time.Now(),
		done:          done,
	}
	s.upload = job
	s.log.Infow("upload requested", "upload", job.ID, "job", req.JobName, "warnings", len(warnings))

	s.confirmWarnings(job, warnings, func() {
		s.checkName(job, req.JobName, 0, func(name string) {
			s.compose(job, name, req.Lines)
		})
	})
	return job.ID, nil
}

// live reports whether job is still the session's upload.
func (s *Session) live(job *UploadJob) bool {
	return s.upload == job && job.Outcome == ""
}

func (s *Session) confirmWarnings(job *UploadJob, warnings []string, next func()) {
	if len(warnings) == 0 || s.app.UI == nil {
		next()
		return
	}
	answer := s.app.UI.Confirm(appctx.Confirmation{
		Device:  s.id,
		Title:   "Mismatched configuration",
		Text:    "Are you sure you wish to print with the selected configuration?",
		Details: warnings,
	})
	go func() {
		ok, received := <-answer
		s.loop.Post(func() {
			if !s.live(job) {
				return
			}
			if !received || !ok {
				s.finishUpload(job, OutcomeCancelled, ErrDeclined)
				return
			}
			next()
		})
	}()
}

// nameProblem checks a job name against what devices accept.
func (s *Session) nameProblem(name string) error {
	if len(name) >= maxNameLength {
		return ErrNameTooLong
	}
	for _, r := range name {
		if r > unicode.MaxASCII {
			return ErrUnsupportedCharacters
		}
	}
	stored := gcode.FileName(name, false)
	for _, f := range s.drv.storedFiles() {
		if strings.EqualFold(f, stored) {
			return ErrNameConflict
		}
	}
	return nil
}

func (s *Session) checkName(job *UploadJob, name string, round int, next func(string)) {
	problem := s.nameProblem(name)
	if problem == nil {
		next(name)
		return
	}
	if s.app.UI == nil || round >= maxRenameRounds {
		s.failUpload(job, problem)
		return
	}
	answer := s.app.UI.Rename(appctx.RenameRequest{Device: s.id, Current: name, Reason: problem.Error()})
	go func() {
		renamed, received := <-answer
		s.loop.Post(func() {
			if !s.live(job) {
				return
			}
			if !received || strings.TrimSpace(renamed) == "" {
				s.finishUpload(job, OutcomeCancelled, problem)
				return
			}
			job.JobName = strings.TrimSpace(renamed)
			s.checkName(job, job.JobName, round+1, next)
		})
	}()
}

func (s *Session) compose(job *UploadJob, name string, lines []string) {
	size := 0
	for _, l := range lines {
		size += len(l)
	}
	gz := s.drv.gzip() && size >= s.opts.GzipThreshold
	job.JobName = name
	job.FileName = gcode.FileName(name, gz)
	job.Gzipped = gz

	ctx, cancel := context.WithCancel(context.Background())
	job.stopCompose = cancel
	job.msg = s.showMessage(appctx.Message{
		Kind:  appctx.Progress,
		Title: "Sending print job",
		Text:  "Uploading " + job.FileName,
		Actions: []appctx.Action{
			{ID: "cancel", Label: "Cancel", Run: s.CancelUpload},
		},
	})

	go func() {
		payload, err := gcode.Compose(ctx, lines, gcode.ComposeOptions{Gzip: gz, Yield: runtime.Gosched})
		s.loop.Post(func() {
			if !s.live(job) {
				return
			}
			if err != nil {
				s.failUpload(job, fmt.Errorf("composing payload: %w", err))
				return
			}
			s.send(job, payload)
		})
	}()
}

func (s *Session) send(job *UploadJob, payload []byte) {
	job.Size = int64(len(payload))
	job.recorded = true
	s.firePhase(evUpload)
	if s.opts.History != nil {
		s.opts.History.UploadStarted(job.snapshot())
	}
	s.log.Infow("uploading", "upload", job.ID, "file", job.FileName, "bytes", job.Size, "gzip", job.Gzipped)
	s.emit(event.UploadProgress, "", "", UploadProgressPayload{ID: job.ID, Total: job.Size})

	job.req = s.drv.upload(job, payload,
		func(r *transport.Reply) { s.uploadDone(job, r) },
		func(sent, total int64) { s.uploadProgress(job, sent, total) },
	)
}

func (s *Session) uploadProgress(job *UploadJob, sent, total int64) {
	if !s.live(job) || job.Cancelled {
		return
	}
	// Progress counts as a response; long uploads must not trip the watchdog.
	s.responded()
	if total <= 0 || sent < job.Sent {
		return
	}
	job.Sent = sent
	job.Progress = 100 * float64(sent) / float64(total)
	if job.msg != nil {
		job.msg.SetProgress(job.Progress)
	}
	s.emit(event.UploadProgress, "", "", UploadProgressPayload{ID: job.ID, Progress: job.Progress, Sent: sent, Total: total})
}

func (s *Session) uploadDone(job *UploadJob, r *transport.Reply) {
	if !s.live(job) {
		return
	}
	if !r.OK() {
		err := r.Err
		if err == nil {
			err = fmt.Errorf("printer answered %d", r.StatusCode)
		}
		s.failUpload(job, err)
		return
	}

	job.Sent, job.Progress = job.Size, 100
	s.finishUpload(job, OutcomeSuccess, nil)
	s.emit(event.WriteFinished, "", "", job.ID)
	if s.app.UI != nil {
		s.app.UI.SetStage("monitor")
	}
	s.drv.uploaded(job)
}

func (s *Session) failUpload(job *UploadJob, err error) {
	if !s.live(job) {
		return
	}
	s.log.Warnw("upload failed", "upload", job.ID, "error", err)
	s.showMessage(appctx.Message{
		Kind:     appctx.Error,
		Title:    "Upload failed",
		Text:     fmt.Sprintf("Sending %s to the printer failed: %v", job.JobName, err),
		Lifetime: 10,
	})
	s.emit(event.UploadError, "", "", err.Error())
	s.finishUpload(job, OutcomeFailed, err)
}

// finishUpload records the single terminal outcome of job.
func (s *Session) finishUpload(job *UploadJob, outcome Outcome, err error) {
	if job.Outcome != "" {
		return
	}
	job.Outcome = outcome
	job.err = err
	if err != nil {
		job.Error = err.Error()
	}
	job.FinishedAt = time.Now()
	if job.stopCompose != nil {
		job.stopCompose()
	}
	if outcome != OutcomeSuccess {
		job.req.Abort()
	}
	if job.msg != nil {
		job.msg.Hide()
		job.msg = nil
	}
	if s.upload == job {
		s.upload = nil
	}
	if s.phase.Current() == PhaseUploading {
		s.firePhase(evUploaded)
	}

	snap := job.snapshot()
	s.log.Infow("upload finished", "upload", job.ID, "outcome", outcome)
	s.emit(event.UploadFinished, "", "", snap)
	if job.recorded && s.opts.History != nil {
		s.opts.History.UploadFinished(snap)
	}
	if job.done != nil {
		job.done(snap)
	}
}

// CancelUpload aborts the upload in flight. It is idempotent.
func (s *Session) CancelUpload() {
	job := s.upload
	if job == nil {
		return
	}
	s.log.Infow("upload cancelled", "upload", job.ID)
	job.Cancelled = true
	s.finishUpload(job, OutcomeCancelled, nil)
}

// configurationErrors lists slot problems that make the job impossible.
func (s *Session) configurationErrors(cfg *printer.Configuration) []string {
	p := s.ActivePrinter()
	if cfg == nil || p == nil {
		return nil
	}
	var errs []string
	for _, ec := range cfg.Extruders {
		if !cfg.Used(ec.Index) {
			continue
		}
		e := p.Extruder(ec.Index)
		if e.HotendID == "" {
			errs = append(errs, fmt.Sprintf("No print core loaded in slot %d", ec.Index+1))
		}
		if e.Material.GUID == "" {
			errs = append(errs, fmt.Sprintf("No material loaded in slot %d", ec.Index+1))
		}
	}
	return errs
}

// configurationWarnings lists mismatches the user may accept.
func (s *Session) configurationWarnings(cfg *printer.Configuration) []string {
	p := s.ActivePrinter()
	if cfg == nil || p == nil {
		return nil
	}
	var warnings []string
	for _, e := range p.Extruders {
		if e.HotendID == "" {
			warnings = append(warnings, fmt.Sprintf("Slot %d is empty", e.Index+1))
		}
	}
	for _, ec := range cfg.Extruders {
		if !cfg.Used(ec.Index) {
			continue
		}
		e := p.Extruder(ec.Index)
		if ec.HotendID != "" && e.HotendID != "" && ec.HotendID != e.HotendID {
			warnings = append(warnings, fmt.Sprintf("Different print core (sliced: %s, printer: %s) in slot %d",
				ec.HotendID, e.HotendID, ec.Index+1))
		}
		if ec.MaterialGUID != "" && e.Material.GUID != "" && ec.MaterialGUID != e.Material.GUID {
			warnings = append(warnings, fmt.Sprintf("Different material (sliced: %s, printer: %s) in slot %d",
				s.app.ResolveMaterial(ec.MaterialGUID).Name, e.Material.Name, ec.Index+1))
		}
		if e.MaterialRemaining >= 0 && ec.FilamentLength > e.MaterialRemaining {
			warnings = append(warnings, fmt.Sprintf("Not enough material in slot %d (%.0f mm needed, %.0f mm left)",
				ec.Index+1, ec.FilamentLength, e.MaterialRemaining))
		}
	}
	return warnings
}
