// Package printer holds the telemetry snapshots a device session maintains:
// printers, their extruders and the job they are running. Snapshots are only
// mutated on the serial context; setters report whether the value changed so
// the session emits change events only on a real difference.
package printer

import (
	"math"
	"time"
)

// Printer states reported by devices. Clusters add their own values.
const (
	StateIdle     = "idle"
	StatePrinting = "printing"
	StatePaused   = "paused"
	StateError    = "error"
	StateOffline  = "offline"
	StatePrePrint = "pre_print"
)

// Position is a head position in mm.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Material describes the spool loaded in an extruder.
type Material struct {
	GUID  string `json:"guid"`
	Brand string `json:"brand"`
	Type  string `json:"type"`
	Color string `json:"color"`
	Name  string `json:"name"`
}

// UnknownMaterial is used when a GUID cannot be resolved.
var UnknownMaterial = Material{Brand: "Unknown", Type: "Unknown", Color: "#00000000", Name: "Unknown"}

// Extruder is one hotend slot.
type Extruder struct {
	Index             int      `json:"index"`
	HotendID          string   `json:"hotend_id"`
	Temperature       float64  `json:"temperature"`
	TargetTemperature float64  `json:"target_temperature"`
	Material          Material `json:"material"`
	IsPreheating      bool     `json:"is_preheating"`
	// MaterialRemaining is the filament left on the spool in mm, negative when unknown.
	MaterialRemaining float64 `json:"material_remaining"`
}

// Printer is the snapshot of one physical printer.
type Printer struct {
	Key                  string      `json:"key"`
	Name                 string      `json:"name"`
	Type                 string      `json:"type"`
	FirmwareVersion      string      `json:"firmware_version"`
	State                string      `json:"state"`
	BedTemperature       float64     `json:"bed_temperature"`
	TargetBedTemperature float64     `json:"target_bed_temperature"`
	IsPreheatingBed      bool        `json:"is_preheating_bed"`
	PreheatBedDeadline   time.Time   `json:"preheat_bed_deadline,omitempty"`
	Head                 Position    `json:"head"`
	Extruders            []*Extruder `json:"extruders"`
	ActiveJob            *PrintJob   `json:"active_job,omitempty"`
}

// ExtruderConfig is what a job was sliced for in one slot.
type ExtruderConfig struct {
	Index        int    `json:"index"`
	HotendID     string `json:"hotend_id"`
	MaterialGUID string `json:"material_guid"`
	// MaterialUsed is the extruded volume in mm³.
	MaterialUsed float64 `json:"material_used"`
	// FilamentLength is the filament the job consumes in mm.
	FilamentLength float64 `json:"filament_length"`
}

// Configuration is the per-extruder target of a job.
type Configuration struct {
	Extruders []ExtruderConfig `json:"extruders"`
}

// Used reports whether the job extrudes from slot index.
func (c *Configuration) Used(index int) bool {
	if c == nil {
		return false
	}
	for _, e := range c.Extruders {
		if e.Index == index && e.MaterialUsed > 0 {
			return true
		}
	}
	return false
}

// PrintJob is the snapshot of a job on a printer.
type PrintJob struct {
	Key           string         `json:"key"`
	Name          string         `json:"name"`
	State         string         `json:"state"`
	Owner         string         `json:"owner,omitempty"`
	TimeTotal     int            `json:"time_total"`
	TimeElapsed   int            `json:"time_elapsed"`
	Progress      float64        `json:"progress"`
	PrinterKey    string         `json:"printer_key,omitempty"`
	Configuration *Configuration `json:"configuration,omitempty"`
}

// New returns a printer with count empty extruders.
func New(key string, count int) *Printer {
	p := &Printer{Key: key, State: StateIdle}
	for i := 0; i < count; i++ {
		p.Extruders = append(p.Extruders, &Extruder{Index: i, MaterialRemaining: -1})
	}
	return p
}

// Extruder returns slot index, growing the slice when the device reports more
// slots than expected.
func (p *Printer) Extruder(index int) *Extruder {
	for len(p.Extruders) <= index {
		p.Extruders = append(p.Extruders, &Extruder{Index: len(p.Extruders), MaterialRemaining: -1})
	}
	return p.Extruders[index]
}

func floatChanged(old, v float64) bool {
	return math.Abs(old-v) > 1e-9
}

func (p *Printer) SetName(v string) bool {
	if p.Name == v {
		return false
	}
	p.Name = v
	return true
}

func (p *Printer) SetType(v string) bool {
	if p.Type == v {
		return false
	}
	p.Type = v
	return true
}

func (p *Printer) SetFirmwareVersion(v string) bool {
	if p.FirmwareVersion == v {
		return false
	}
	p.FirmwareVersion = v
	return true
}

func (p *Printer) SetState(v string) bool {
	if p.State == v {
		return false
	}
	p.State = v
	return true
}

func (p *Printer) SetBedTemperature(v float64) bool {
	if !floatChanged(p.BedTemperature, v) {
		return false
	}
	p.BedTemperature = v
	return true
}

func (p *Printer) SetTargetBedTemperature(v float64) bool {
	if !floatChanged(p.TargetBedTemperature, v) {
		return false
	}
	p.TargetBedTemperature = v
	return true
}

// SetPreheatingBed updates the preheat flag and its deadline. A zero deadline
// clears it.
func (p *Printer) SetPreheatingBed(on bool, deadline time.Time) bool {
	if p.IsPreheatingBed == on && p.PreheatBedDeadline.Equal(deadline) {
		return false
	}
	p.IsPreheatingBed = on
	p.PreheatBedDeadline = deadline
	return true
}

func (p *Printer) SetHeadPosition(v Position) bool {
	if !floatChanged(p.Head.X, v.X) && !floatChanged(p.Head.Y, v.Y) && !floatChanged(p.Head.Z, v.Z) {
		return false
	}
	p.Head = v
	return true
}

// SetActiveJob attaches j, or detaches the current job when j is nil.
func (p *Printer) SetActiveJob(j *PrintJob) bool {
	if p.ActiveJob == j {
		return false
	}
	if j != nil {
		j.PrinterKey = p.Key
	}
	p.ActiveJob = j
	return true
}

// Busy reports whether the printer is running or holding a job.
func (p *Printer) Busy() bool {
	switch p.State {
	case StatePrinting, StatePaused, StatePrePrint:
		return true
	}
	return false
}

// Reconcile keeps a printing job consistent with its printer: a job in
// printing state implies the printer is printing or paused.
func (p *Printer) Reconcile() bool {
	if p.ActiveJob == nil || p.ActiveJob.State != StatePrinting {
		return false
	}
	if p.State == StatePrinting || p.State == StatePaused {
		return false
	}
	p.State = StatePrinting
	return true
}

// Clone returns a deep copy safe to hand to readers off the serial context.
func (p *Printer) Clone() *Printer {
	if p == nil {
		return nil
	}
	c := *p
	c.Extruders = make([]*Extruder, len(p.Extruders))
	for i, e := range p.Extruders {
		ec := *e
		c.Extruders[i] = &ec
	}
	if p.ActiveJob != nil {
		c.ActiveJob = p.ActiveJob.Clone()
	}
	return &c
}

func (e *Extruder) SetHotendID(v string) bool {
	if e.HotendID == v {
		return false
	}
	e.HotendID = v
	return true
}

func (e *Extruder) SetTemperature(v float64) bool {
	if !floatChanged(e.Temperature, v) {
		return false
	}
	e.Temperature = v
	return true
}

func (e *Extruder) SetTargetTemperature(v float64) bool {
	if !floatChanged(e.TargetTemperature, v) {
		return false
	}
	e.TargetTemperature = v
	return true
}

func (e *Extruder) SetMaterial(v Material) bool {
	if e.Material == v {
		return false
	}
	e.Material = v
	return true
}

func (e *Extruder) SetPreheating(v bool) bool {
	if e.IsPreheating == v {
		return false
	}
	e.IsPreheating = v
	return true
}

func (e *Extruder) SetMaterialRemaining(v float64) bool {
	if !floatChanged(e.MaterialRemaining, v) {
		return false
	}
	e.MaterialRemaining = v
	return true
}

func (j *PrintJob) SetName(v string) bool {
	if j.Name == v {
		return false
	}
	j.Name = v
	return true
}

func (j *PrintJob) SetState(v string) bool {
	if j.State == v {
		return false
	}
	j.State = v
	return true
}

func (j *PrintJob) SetOwner(v string) bool {
	if j.Owner == v {
		return false
	}
	j.Owner = v
	return true
}

func (j *PrintJob) SetTimeTotal(v int) bool {
	if j.TimeTotal == v {
		return false
	}
	j.TimeTotal = v
	return true
}

func (j *PrintJob) SetTimeElapsed(v int) bool {
	if j.TimeElapsed == v {
		return false
	}
	j.TimeElapsed = v
	return true
}

func (j *PrintJob) SetProgress(v float64) bool {
	if !floatChanged(j.Progress, v) {
		return false
	}
	j.Progress = v
	return true
}

// Clone returns a deep copy.
func (j *PrintJob) Clone() *PrintJob {
	if j == nil {
		return nil
	}
	c := *j
	if j.Configuration != nil {
		cfg := Configuration{Extruders: append([]ExtruderConfig(nil), j.Configuration.Extruders...)}
		c.Configuration = &cfg
	}
	return &c
}
