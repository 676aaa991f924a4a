package session

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// fakeLegacy emulates the single-printer REST API.
type fakeLegacy struct {
	mu       sync.Mutex
	status   string
	job      *legacyJob
	frozen   chan struct{}
	hotends  [2]string
	material [2]string
	// readDelay slows down upload bodies.
	readDelay time.Duration

	uploads  atomic.Int32
	names    []string
	commands []string
}

func newFakeLegacy() *fakeLegacy {
	return &fakeLegacy{
		status:   "idle",
		hotends:  [2]string{"AA 0.4", "BB 0.4"},
		material: [2]string{"pla-guid", "unknown-guid"},
	}
}

func (f *fakeLegacy) freeze() {
	f.mu.Lock()
	f.frozen = make(chan struct{})
	f.mu.Unlock()
}

func (f *fakeLegacy) thaw() {
	f.mu.Lock()
	if f.frozen != nil {
		close(f.frozen)
		f.frozen = nil
	}
	f.mu.Unlock()
}

func (f *fakeLegacy) set(fn func(f *fakeLegacy)) {
	f.mu.Lock()
	fn(f)
	f.mu.Unlock()
}

func (f *fakeLegacy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	frozen := f.frozen
	f.mu.Unlock()
	if frozen != nil {
		select {
		case <-frozen:
		case <-r.Context().Done():
			return
		}
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/")
	switch {
	case path == "auth/verify":
		w.WriteHeader(http.StatusOK)
	case path == "printer" && r.Method == http.MethodGet:
		f.mu.Lock()
		body := map[string]interface{}{
			"status": f.status,
			"bed": map[string]interface{}{
				"temperature": map[string]float64{"current": 55, "target": 60},
				"pre_heat":    map[string]bool{"active": false},
			},
			"heads": []interface{}{map[string]interface{}{
				"position": map[string]float64{"x": 1, "y": 2, "z": 3},
				"extruders": []interface{}{
					extruderJSON(f.hotends[0], f.material[0], 210, 200),
					extruderJSON(f.hotends[1], f.material[1], 25, 0),
				},
			}},
		}
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(body)
	case path == "print_job" && r.Method == http.MethodGet:
		f.mu.Lock()
		job := f.job
		f.mu.Unlock()
		if job == nil {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(job)
	case path == "print_job" && r.Method == http.MethodPost:
		f.uploads.Add(1)
		mr, err := r.MultipartReader()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			f.mu.Lock()
			f.names = append(f.names, part.FileName())
			delay := f.readDelay
			f.mu.Unlock()
			buf := make([]byte, 64<<10)
			for {
				_, err := part.Read(buf)
				if err != nil {
					break
				}
				if delay > 0 {
					time.Sleep(delay)
				}
			}
		}
		w.WriteHeader(http.StatusCreated)
	default:
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.commands = append(f.commands, r.Method+" "+path+" "+string(body))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (f *fakeLegacy) commandLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func extruderJSON(hotend, guid string, current, target float64) map[string]interface{} {
	return map[string]interface{}{
		"hotend": map[string]interface{}{
			"id":          hotend,
			"temperature": map[string]float64{"current": current, "target": target},
		},
		"active_material": map[string]interface{}{"guid": guid, "length_remaining": 50000.0},
	}
}
