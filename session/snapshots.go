package session

import (
	"time"

	"github.com/john/printlink/event"
	"github.com/john/printlink/printer"
)

func (s *Session) findPrinter(key string) *printer.Printer {
	for _, p := range s.printers {
		if p.Key == key {
			return p
		}
	}
	return nil
}

// ensurePrinter returns the printer with key, creating it when missing. The
// bool reports whether it was created.
func (s *Session) ensurePrinter(key string) (*printer.Printer, bool) {
	if p := s.findPrinter(key); p != nil {
		return p, false
	}
	p := printer.New(key, s.opts.Extruders)
	p.Name = s.opts.Name
	p.FirmwareVersion = s.opts.FirmwareVersion
	s.printers = append(s.printers, p)
	s.log.Debugw("printer added", "printer", key)
	return p, true
}

// retainPrinters drops printers whose key is not in keep.
func (s *Session) retainPrinters(keep map[string]bool) bool {
	kept := s.printers[:0]
	removed := false
	for _, p := range s.printers {
		if keep[p.Key] {
			kept = append(kept, p)
			continue
		}
		removed = true
		s.log.Debugw("printer removed", "printer", p.Key)
	}
	s.printers = kept
	return removed
}

func (s *Session) changed(ok bool, kind event.Kind, p *printer.Printer, payload interface{}) {
	if ok {
		s.emit(kind, p.Key, "", payload)
	}
}

func (s *Session) setPrinterState(p *printer.Printer, state string) {
	s.changed(p.SetState(state), event.PrinterStateChanged, p, state)
}

func (s *Session) setBed(p *printer.Printer, current, target float64) {
	s.changed(p.SetBedTemperature(current), event.BedTemperatureChanged, p, current)
	s.changed(p.SetTargetBedTemperature(target), event.TargetBedTemperatureChanged, p, target)
}

func (s *Session) setHead(p *printer.Printer, pos printer.Position) {
	s.changed(p.SetHeadPosition(pos), event.HeadPositionChanged, p, pos)
}

type extruderPayload struct {
	Index int         `json:"index"`
	Value interface{} `json:"value"`
}

func (s *Session) setHotendTemperatures(p *printer.Printer, index int, current, target float64) {
	e := p.Extruder(index)
	s.changed(e.SetTemperature(current), event.HotendTemperatureChanged, p, extruderPayload{index, current})
	s.changed(e.SetTargetTemperature(target), event.TargetHotendTemperatureChanged, p, extruderPayload{index, target})
}

func (s *Session) setHotendID(p *printer.Printer, index int, id string) {
	s.changed(p.Extruder(index).SetHotendID(id), event.HotendIDChanged, p, extruderPayload{index, id})
}

// setMaterial resolves guid through the material catalog unless the slot
// already holds it.
func (s *Session) setMaterial(p *printer.Printer, index int, guid string) {
	e := p.Extruder(index)
	if e.Material.GUID == guid && (guid == "" || e.Material.Name != "") {
		return
	}
	m := s.app.ResolveMaterial(guid)
	s.changed(e.SetMaterial(m), event.MaterialChanged, p, extruderPayload{index, m})
}

// setMaterialRecord applies a material described by the device itself,
// preferring the catalog entry when the GUID is known.
func (s *Session) setMaterialRecord(p *printer.Printer, index int, m printer.Material) {
	if m.GUID != "" && s.app.Materials != nil {
		if known, ok := s.app.Materials.LookupMaterial(m.GUID); ok {
			known.GUID = m.GUID
			m = known
		}
	}
	s.changed(p.Extruder(index).SetMaterial(m), event.MaterialChanged, p, extruderPayload{index, m})
}

func (s *Session) setMaterialRemaining(p *printer.Printer, index int, mm float64) {
	p.Extruder(index).SetMaterialRemaining(mm)
}

func (s *Session) setBedPreheating(p *printer.Printer, on bool) {
	deadline := p.PreheatBedDeadline
	if !on {
		deadline = time.Time{}
	}
	s.changed(p.SetPreheatingBed(on, deadline), event.PreheatChanged, p, on)
}

// attachJob sets p's active job, emitting activePrintJobChanged on change.
func (s *Session) attachJob(p *printer.Printer, j *printer.PrintJob) {
	if !p.SetActiveJob(j) {
		return
	}
	key := ""
	if j != nil {
		key = j.Key
	}
	s.emit(event.ActivePrintJobChanged, p.Key, key, key)
}

func (s *Session) reconcile(p *printer.Printer) {
	if p.Reconcile() {
		s.emit(event.PrinterStateChanged, p.Key, "", p.State)
	}
}

// jobUpdate carries the fields a device reports for a job.
type jobUpdate struct {
	Name     string
	State    string
	Owner    string
	Total    int
	Elapsed  int
	Progress float64
}

func (s *Session) updateJob(j *printer.PrintJob, u jobUpdate) {
	emit := func(ok bool, kind event.Kind, payload interface{}) {
		if ok {
			s.emit(kind, j.PrinterKey, j.Key, payload)
		}
	}
	j.SetName(u.Name)
	j.SetOwner(u.Owner)
	emit(j.SetState(u.State), event.JobStateChanged, u.State)
	emit(j.SetTimeTotal(u.Total), event.TimeTotalChanged, u.Total)
	emit(j.SetTimeElapsed(u.Elapsed), event.TimeElapsedChanged, u.Elapsed)
	emit(j.SetProgress(u.Progress), event.JobProgressChanged, u.Progress)
}

func (s *Session) findJob(key string) *printer.PrintJob {
	for _, j := range s.jobs {
		if j.Key == key {
			return j
		}
	}
	return nil
}

// progressOf derives a percentage from elapsed and total seconds.
func progressOf(elapsed, total int) float64 {
	if total <= 0 {
		return 0
	}
	p := 100 * float64(elapsed) / float64(total)
	if p > 100 {
		p = 100
	}
	return p
}
