package printer

import (
	"strconv"
	"strings"
)

// ReportKind classifies a line received from a TCP gcode device.
type ReportKind int

const (
	ReportUnknown ReportKind = iota
	ReportTemperature
	ReportStatus
	ReportJobName
	ReportElapsed
	ReportProgress
	ReportFileListBegin
	ReportFileListEnd
	ReportUploadFailed
)

// Report is one parsed reply line.
type Report struct {
	Kind ReportKind

	// Temperatures, for ReportTemperature.
	Hotends []HeaterReading
	Bed     HeaterReading

	// State is idle, printing, paused or offline for ReportStatus.
	State string
	// Name is the file being printed for ReportJobName.
	Name string
	// Seconds is the elapsed print time for ReportElapsed.
	Seconds int
	// Percent is the progress for ReportProgress.
	Percent float64
}

// HeaterReading is a current/target pair.
type HeaterReading struct {
	Current float64
	Target  float64
}

// ParseLine classifies and parses a reply line. File list entries are not
// recognized here; the caller tracks the Begin/End delimiters.
func ParseLine(line string) Report {
	line = strings.TrimSpace(line)
	switch {
	case strings.Contains(line, "T0:") && strings.Contains(line, "B:"):
		return parseTemperatures(line)
	case strings.HasPrefix(line, "M997"):
		return parseStatus(line)
	case strings.HasPrefix(line, "M994"):
		return parseJobName(line)
	case strings.HasPrefix(line, "M992"):
		return parseElapsed(line)
	case strings.HasPrefix(line, "M27"):
		return parseProgress(line)
	case strings.Contains(line, "Begin file list"):
		return Report{Kind: ReportFileListBegin}
	case strings.Contains(line, "End file list"):
		return Report{Kind: ReportFileListEnd}
	case strings.HasPrefix(line, "Upload"):
		return Report{Kind: ReportUploadFailed}
	}
	return Report{Kind: ReportUnknown}
}

// parseTemperatures parses "T0:n/t T1:n/t B:n/t @:x". Readings may also be
// written with a space before the slash ("T0:200.0 /210.0").
//
//	"ok T:200.0 /210.0 B:60.0 /60.0 T0:200.0 /210.0 T1:25.0 /0.0 @:127"
//	"T0:25/0 T1:24/0 B:23/0 @:0 B@:0"
func parseTemperatures(line string) Report {
	line = strings.TrimPrefix(line, "ok")
	line = strings.ReplaceAll(line, " /", "/")

	r := Report{Kind: ReportTemperature}
	for _, part := range strings.Fields(line) {
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			continue
		}
		reading, ok := parseReading(kv[1])
		if !ok {
			continue
		}
		switch key := kv[0]; {
		case key == "B":
			r.Bed = reading
		case strings.HasPrefix(key, "T") && len(key) > 1:
			idx, err := strconv.Atoi(key[1:])
			if err != nil || idx < 0 || idx > 15 {
				continue
			}
			for len(r.Hotends) <= idx {
				r.Hotends = append(r.Hotends, HeaterReading{})
			}
			r.Hotends[idx] = reading
		}
	}
	return r
}

func parseReading(s string) (HeaterReading, bool) {
	cur, tgt, hasTarget := strings.Cut(s, "/")
	current, err := strconv.ParseFloat(cur, 64)
	if err != nil {
		return HeaterReading{}, false
	}
	var target float64
	if hasTarget {
		target, _ = strconv.ParseFloat(tgt, 64)
	}
	return HeaterReading{Current: current, Target: target}, true
}

func parseStatus(line string) Report {
	r := Report{Kind: ReportStatus, State: StateOffline}
	switch {
	case strings.Contains(line, "IDLE"):
		r.State = StateIdle
	case strings.Contains(line, "PRINTING"):
		r.State = StatePrinting
	case strings.Contains(line, "PAUSE"):
		r.State = StatePaused
	}
	return r
}

// parseJobName parses "M994 0:/dir/name.gcode;1234" into "name.gcode".
func parseJobName(line string) Report {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "M994"))
	if i := strings.LastIndex(rest, ";"); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.LastIndex(rest, "/"); i >= 0 {
		rest = rest[i+1:]
	}
	return Report{Kind: ReportJobName, Name: rest}
}

// parseElapsed parses "M992 HH:MM:SS".
func parseElapsed(line string) Report {
	rest := strings.ReplaceAll(strings.TrimPrefix(line, "M992"), " ", "")
	parts := strings.Split(rest, ":")
	r := Report{Kind: ReportElapsed}
	if len(parts) != 3 {
		return r
	}
	mul := []int{3600, 60, 1}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Report{Kind: ReportElapsed}
		}
		r.Seconds += n * mul[i]
	}
	return r
}

// parseProgress parses "M27 42".
func parseProgress(line string) Report {
	rest := strings.ReplaceAll(strings.TrimPrefix(line, "M27"), " ", "")
	pct, _ := strconv.ParseFloat(rest, 64)
	return Report{Kind: ReportProgress, Percent: pct}
}

// IsGcodeFile reports whether an SD listing entry names a printable file.
func IsGcodeFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".gcode") || strings.HasSuffix(lower, ".gco") || strings.HasSuffix(lower, ".g")
}
