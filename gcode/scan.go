// Package gcode reads what a sliced file was prepared for and composes the
// payload that is uploaded to a printer.
package gcode

import (
	"math"
	"strconv"
	"strings"

	"github.com/john/printlink/printer"
)

// filamentDiameter converts extruded volume to filament length for
// Griffin-flavoured files, which only report volume.
const filamentDiameter = 2.85

// Info is the metadata a slicer leaves in the file header.
type Info struct {
	Flavor string
	// PrintTime is the estimated duration in seconds.
	PrintTime float64
	// FilamentMM is the total filament length in mm.
	FilamentMM    float64
	Configuration *printer.Configuration
}

// Scan reads header comments from lines. Each element may hold several
// newline-separated lines. Scanning stops at ";END_OF_HEADER" when present.
func Scan(lines []string) Info {
	info := Info{}
	trains := map[int]*printer.ExtruderConfig{}

	train := func(idx int) *printer.ExtruderConfig {
		e, ok := trains[idx]
		if !ok {
			e = &printer.ExtruderConfig{Index: idx}
			trains[idx] = e
		}
		return e
	}

scan:
	for _, chunk := range lines {
		for _, line := range strings.Split(chunk, "\n") {
			trimmed := strings.TrimSpace(line)
			if !strings.HasPrefix(trimmed, ";") {
				continue
			}
			if trimmed == ";END_OF_HEADER" {
				break scan
			}
			scanComment(trimmed, &info, train)
		}
	}

	if len(trains) > 0 {
		cfg := &printer.Configuration{}
		maxIdx := 0
		for idx := range trains {
			if idx > maxIdx {
				maxIdx = idx
			}
		}
		for i := 0; i <= maxIdx; i++ {
			if e, ok := trains[i]; ok {
				if e.FilamentLength == 0 && e.MaterialUsed > 0 {
					r := filamentDiameter / 2
					e.FilamentLength = e.MaterialUsed / (math.Pi * r * r)
				}
				cfg.Extruders = append(cfg.Extruders, *e)
			}
		}
		info.Configuration = cfg
	} else if info.FilamentMM > 0 {
		info.Configuration = &printer.Configuration{Extruders: []printer.ExtruderConfig{
			{Index: 0, MaterialUsed: info.FilamentMM, FilamentLength: info.FilamentMM},
		}}
	}
	return info
}

func scanComment(comment string, info *Info, train func(int) *printer.ExtruderConfig) {
	s := strings.TrimLeft(comment, "; ")

	// Griffin header: ;EXTRUDER_TRAIN.0.NOZZLE.NAME:AA 0.4
	if strings.HasPrefix(s, "EXTRUDER_TRAIN.") {
		key, val, ok := strings.Cut(s, ":")
		if !ok {
			return
		}
		parts := strings.SplitN(strings.TrimPrefix(key, "EXTRUDER_TRAIN."), ".", 2)
		if len(parts) != 2 {
			return
		}
		idx, err := strconv.Atoi(parts[0])
		if err != nil || idx < 0 {
			return
		}
		val = strings.TrimSpace(val)
		switch parts[1] {
		case "NOZZLE.NAME":
			train(idx).HotendID = val
		case "MATERIAL.GUID":
			train(idx).MaterialGUID = val
		case "MATERIAL.VOLUME_USED":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				train(idx).MaterialUsed = v
			}
		}
		return
	}

	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "flavor:"):
		info.Flavor = strings.TrimSpace(s[len("flavor:"):])
	case strings.HasPrefix(lower, "time:"):
		if v, err := strconv.ParseFloat(strings.TrimSpace(s[5:]), 64); err == nil && info.PrintTime == 0 {
			info.PrintTime = v
		}
	case strings.HasPrefix(lower, "print.time:"):
		if v, err := strconv.ParseFloat(strings.TrimSpace(s[len("print.time:"):]), 64); err == nil {
			info.PrintTime = v
		}
	case strings.HasPrefix(lower, "filament used:"):
		// ;Filament used: 1.23456m
		v := strings.TrimSuffix(strings.TrimSpace(s[len("filament used:"):]), "m")
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			info.FilamentMM = f * 1000
		}
	case strings.HasPrefix(lower, "estimated printing time"):
		if _, val, ok := strings.Cut(s, "="); ok && info.PrintTime == 0 {
			info.PrintTime = parseDuration(strings.TrimSpace(val))
		}
	}
}

// parseDuration parses human-readable durations like "1h 30m 15s" to seconds.
func parseDuration(s string) float64 {
	s = strings.ReplaceAll(s, " ", "")

	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v
	}

	total := 0.0
	for len(s) > 0 {
		i := 0
		for i < len(s) && ((s[i] >= '0' && s[i] <= '9') || s[i] == '.') {
			i++
		}
		if i == 0 || i >= len(s) {
			break
		}
		val, err := strconv.ParseFloat(s[:i], 64)
		if err != nil {
			break
		}
		switch s[i] {
		case 'd', 'D':
			total += val * 86400
		case 'h', 'H':
			total += val * 3600
		case 'm', 'M':
			total += val * 60
		case 's', 'S':
			total += val
		}
		s = s[i+1:]
	}

	return total
}
