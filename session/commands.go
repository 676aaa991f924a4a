package session

import (
	"fmt"
	"time"

	"github.com/john/printlink/event"
)

// Job actions accepted by SetJobState.
const (
	ActionPrint = "print"
	ActionPause = "pause"
	ActionAbort = "abort"
)

func (s *Session) ready() error {
	if !s.AcceptsCommands() {
		return ErrNotAccepting
	}
	return nil
}

// SendGcode delivers raw gcode lines.
func (s *Session) SendGcode(lines ...string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if len(lines) == 0 {
		return nil
	}
	return s.drv.gcode(lines...)
}

// MoveHead moves the head relative to its position.
func (s *Session) MoveHead(dx, dy, dz, speed float64) error {
	if speed <= 0 {
		speed = 3000
	}
	return s.SendGcode("G91", fmt.Sprintf("G0 X%s Y%s Z%s F%s",
		formatTemperature(dx), formatTemperature(dy), formatTemperature(dz), formatTemperature(speed)), "G90")
}

// HomeHead homes the X and Y axes.
func (s *Session) HomeHead() error {
	return s.SendGcode("G28 X Y")
}

// HomeBed homes the Z axis.
func (s *Session) HomeBed() error {
	return s.SendGcode("G28 Z")
}

// SetTargetBedTemperature sets the bed target.
func (s *Session) SetTargetBedTemperature(t float64) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.drv.setBedTemperature(t); err != nil {
		return err
	}
	if p := s.ActivePrinter(); p != nil {
		s.changed(p.SetTargetBedTemperature(t), event.TargetBedTemperatureChanged, p, t)
	}
	return nil
}

// SetTargetHotendTemperature sets the target of hotend index.
func (s *Session) SetTargetHotendTemperature(index int, t float64) error {
	if err := s.ready(); err != nil {
		return err
	}
	if err := s.drv.setHotendTemperature(index, t); err != nil {
		return err
	}
	if p := s.ActivePrinter(); p != nil {
		s.changed(p.Extruder(index).SetTargetTemperature(t), event.TargetHotendTemperatureChanged, p, extruderPayload{index, t})
	}
	return nil
}

// PreheatBed heats the bed to t for d. Devices that cannot time the preheat
// themselves get a local timer that drops the target at expiry.
func (s *Session) PreheatBed(t float64, d time.Duration) error {
	if err := s.ready(); err != nil {
		return err
	}
	p := s.ActivePrinter()
	if p == nil {
		return ErrNoPrinter
	}
	s.bedPreheat.Stop()
	s.bedPreheat = nil

	remote, err := s.drv.preheatBed(t, d)
	if err != nil {
		return err
	}
	if !remote {
		if err := s.drv.setBedTemperature(t); err != nil {
			return err
		}
		s.changed(p.SetTargetBedTemperature(t), event.TargetBedTemperatureChanged, p, t)
		s.bedPreheat = s.loop.AfterFunc(d, s.bedPreheatExpired)
	}
	s.changed(p.SetPreheatingBed(true, time.Now().Add(d)), event.PreheatChanged, p, true)
	return nil
}

func (s *Session) bedPreheatExpired() {
	s.bedPreheat = nil
	if s.state == Closed {
		return
	}
	s.log.Infow("bed preheat expired")
	if err := s.drv.setBedTemperature(0); err != nil {
		s.log.Warnw("clearing bed target after preheat", "error", err)
	}
	if p := s.ActivePrinter(); p != nil {
		s.changed(p.SetTargetBedTemperature(0), event.TargetBedTemperatureChanged, p, 0.0)
		s.setBedPreheating(p, false)
	}
}

// CancelPreheatBed stops a bed preheat.
func (s *Session) CancelPreheatBed() error {
	if err := s.ready(); err != nil {
		return err
	}
	p := s.ActivePrinter()
	if p == nil {
		return ErrNoPrinter
	}
	if s.bedPreheat != nil {
		s.bedPreheat.Stop()
		s.bedPreheat = nil
		s.bedPreheatExpired()
		return nil
	}
	remote, err := s.drv.cancelPreheatBed()
	if err != nil {
		return err
	}
	if !remote {
		if err := s.drv.setBedTemperature(0); err != nil {
			return err
		}
		s.changed(p.SetTargetBedTemperature(0), event.TargetBedTemperatureChanged, p, 0.0)
	}
	s.setBedPreheating(p, false)
	return nil
}

// PreheatHotend heats hotend index to t for d using a local timer.
func (s *Session) PreheatHotend(index int, t float64, d time.Duration) error {
	if err := s.SetTargetHotendTemperature(index, t); err != nil {
		return err
	}
	p := s.ActivePrinter()
	if p == nil {
		return ErrNoPrinter
	}
	s.hotendPreheat[index].Stop()
	s.hotendPreheat[index] = s.loop.AfterFunc(d, func() {
		delete(s.hotendPreheat, index)
		s.hotendPreheatDone(index)
	})
	s.changed(p.Extruder(index).SetPreheating(true), event.PreheatChanged, p, extruderPayload{index, true})
	return nil
}

func (s *Session) hotendPreheatDone(index int) {
	if s.state == Closed {
		return
	}
	if err := s.drv.setHotendTemperature(index, 0); err != nil {
		s.log.Warnw("clearing hotend target after preheat", "index", index, "error", err)
	}
	if p := s.ActivePrinter(); p != nil {
		e := p.Extruder(index)
		s.changed(e.SetTargetTemperature(0), event.TargetHotendTemperatureChanged, p, extruderPayload{index, 0.0})
		s.changed(e.SetPreheating(false), event.PreheatChanged, p, extruderPayload{index, false})
	}
}

// CancelPreheatHotend stops a hotend preheat.
func (s *Session) CancelPreheatHotend(index int) error {
	if err := s.ready(); err != nil {
		return err
	}
	if t, ok := s.hotendPreheat[index]; ok {
		t.Stop()
		delete(s.hotendPreheat, index)
	}
	s.hotendPreheatDone(index)
	return nil
}

// SetJobState applies a print, pause or abort action to a job. An empty
// jobKey targets the active printer's job.
func (s *Session) SetJobState(jobKey, action string) error {
	if err := s.ready(); err != nil {
		return err
	}
	switch action {
	case ActionPrint, ActionPause, ActionAbort:
	default:
		return fmt.Errorf("unknown job action %q: %w", action, ErrUnsupported)
	}
	if jobKey == "" {
		if p := s.ActivePrinter(); p != nil && p.ActiveJob != nil {
			jobKey = p.ActiveJob.Key
		}
	}
	return s.drv.setJobState(jobKey, action)
}
