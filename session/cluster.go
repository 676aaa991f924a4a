package session

import (
	"github.com/john/printlink/printer"
	"github.com/john/printlink/transport"
)

type clusterMaterial struct {
	GUID     string `json:"guid"`
	Brand    string `json:"brand"`
	Color    string `json:"color"`
	Material string `json:"material"`
}

type clusterPrintCore struct {
	ExtruderIndex int              `json:"extruder_index"`
	PrintCoreID   string           `json:"print_core_id"`
	Material      *clusterMaterial `json:"material"`
}

type clusterPrinter struct {
	UUID            string             `json:"uuid"`
	FriendlyName    string             `json:"friendly_name"`
	MachineVariant  string             `json:"machine_variant"`
	FirmwareVersion string             `json:"firmware_version"`
	Status          string             `json:"status"`
	Configuration   []clusterPrintCore `json:"configuration"`
}

type clusterJob struct {
	UUID          string             `json:"uuid"`
	Name          string             `json:"name"`
	Owner         string             `json:"owner"`
	Status        string             `json:"status"`
	TimeTotal     int                `json:"time_total"`
	TimeElapsed   int                `json:"time_elapsed"`
	PrinterUUID   string             `json:"printer_uuid"`
	Configuration []clusterPrintCore `json:"configuration"`
}

// clusterDriver speaks the group API under /cluster-api/v1/, where one host
// fronts several printers and a shared job queue.
type clusterDriver struct {
	noCommands
	s *Session
}

func (d *clusterDriver) prefix() string             { return "/cluster-api/v1/" }
func (d *clusterDriver) headers() map[string]string { return nil }
func (d *clusterDriver) connect()                   {}
func (d *clusterDriver) disconnect()                {}
func (d *clusterDriver) authenticate()              { d.s.auth.StartWithout() }
func (d *clusterDriver) authenticated()             {}
func (d *clusterDriver) gzip() bool                 { return true }
func (d *clusterDriver) checksConfiguration() bool  { return false }
func (d *clusterDriver) storedFiles() []string      { return nil }
func (d *clusterDriver) uploaded(*UploadJob)        {}
func (d *clusterDriver) cameraURL() string          { return "" }

func (d *clusterDriver) poll() {
	d.s.get("printers/", d.onPrinters)
	d.s.get("print_jobs/", d.onJobs)
}

func (d *clusterDriver) onPrinters(r *transport.Reply) {
	s := d.s
	if !r.OK() {
		return
	}
	var list []clusterPrinter
	if !s.decode(r, &list) {
		return
	}

	keep := make(map[string]bool, len(list))
	for _, cp := range list {
		if cp.UUID == "" {
			continue
		}
		keep[cp.UUID] = true
		p, _ := s.ensurePrinter(cp.UUID)
		p.SetName(cp.FriendlyName)
		p.SetType(cp.MachineVariant)
		p.SetFirmwareVersion(cp.FirmwareVersion)
		s.setPrinterState(p, cp.Status)
		for _, core := range cp.Configuration {
			s.setHotendID(p, core.ExtruderIndex, core.PrintCoreID)
			if core.Material != nil {
				s.setMaterialRecord(p, core.ExtruderIndex, printer.Material{
					GUID:  core.Material.GUID,
					Brand: core.Material.Brand,
					Type:  core.Material.Material,
					Color: core.Material.Color,
					Name:  core.Material.Material,
				})
			} else {
				s.setMaterialRecord(p, core.ExtruderIndex, printer.Material{})
			}
		}
	}
	s.retainPrinters(keep)
	d.merge()
}

func (d *clusterDriver) onJobs(r *transport.Reply) {
	s := d.s
	if !r.OK() {
		return
	}
	var list []clusterJob
	if !s.decode(r, &list) {
		return
	}

	jobs := make([]*printer.PrintJob, 0, len(list))
	for _, cj := range list {
		if cj.UUID == "" {
			continue
		}
		j := s.findJob(cj.UUID)
		if j == nil {
			j = &printer.PrintJob{Key: cj.UUID}
		}
		j.PrinterKey = cj.PrinterUUID
		if len(cj.Configuration) > 0 {
			cfg := &printer.Configuration{}
			for _, core := range cj.Configuration {
				ec := printer.ExtruderConfig{Index: core.ExtruderIndex, HotendID: core.PrintCoreID}
				if core.Material != nil {
					ec.MaterialGUID = core.Material.GUID
				}
				cfg.Extruders = append(cfg.Extruders, ec)
			}
			j.Configuration = cfg
		}
		s.updateJob(j, jobUpdate{
			Name:     cj.Name,
			State:    cj.Status,
			Owner:    cj.Owner,
			Total:    cj.TimeTotal,
			Elapsed:  cj.TimeElapsed,
			Progress: progressOf(cj.TimeElapsed, cj.TimeTotal),
		})
		jobs = append(jobs, j)
	}
	s.jobs = jobs
	d.merge()
}

// merge attaches each job to the printer named by its printer_uuid. Jobs
// without one stay queued and unattached.
func (d *clusterDriver) merge() {
	s := d.s
	byPrinter := make(map[string]*printer.PrintJob)
	for _, j := range s.jobs {
		if j.PrinterKey == "" || !activeJobState(j.State) {
			continue
		}
		if cur, ok := byPrinter[j.PrinterKey]; !ok || jobRank(j.State) > jobRank(cur.State) {
			byPrinter[j.PrinterKey] = j
		}
	}
	for _, p := range s.printers {
		s.attachJob(p, byPrinter[p.Key])
		s.reconcile(p)
	}
}

func activeJobState(state string) bool {
	switch state {
	case "queued", "wait_cleanup", "finished", "aborted", "":
		return false
	}
	return true
}

// jobRank prefers a printing job when several claim the same printer.
func jobRank(state string) int {
	switch state {
	case printer.StatePrinting:
		return 3
	case printer.StatePaused:
		return 2
	}
	return 1
}

func (d *clusterDriver) setJobState(jobKey, action string) error {
	if jobKey == "" {
		return ErrNoPrinter
	}
	d.s.client.PutJSON("print_jobs/"+jobKey+"/action", map[string]string{"action": action}, d.s.commandDone(action))
	return nil
}

func (d *clusterDriver) upload(job *UploadJob, payload []byte, onFinished transport.Callback, onProgress transport.ProgressFunc) *transport.Request {
	parts := []transport.FormPart{
		{Name: "owner", Data: []byte(d.s.app.User)},
		{Name: "file", FileName: job.FileName, Data: payload},
	}
	if job.TargetPrinter != "" {
		parts = append(parts, transport.FormPart{Name: "require_printer_name", Data: []byte(job.TargetPrinter)})
	}
	return d.s.client.PostForm("print_jobs/", parts, onFinished, onProgress)
}
