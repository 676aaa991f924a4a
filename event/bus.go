// Package event carries typed change notifications from device sessions and
// the registry to any number of observers on the same serial context.
package event

import "sync"

// Kind names a notification.
type Kind string

const (
	DiscoveredDevicesChanged       Kind = "discoveredDevicesChanged"
	ConnectionStateChanged         Kind = "connectionStateChanged"
	AuthenticationStateChanged     Kind = "authenticationStateChanged"
	PrintersChanged                Kind = "printersChanged"
	PrinterStateChanged            Kind = "printerStateChanged"
	BedTemperatureChanged          Kind = "bedTemperatureChanged"
	TargetBedTemperatureChanged    Kind = "targetBedTemperatureChanged"
	HotendTemperatureChanged       Kind = "hotendTemperatureChanged"
	TargetHotendTemperatureChanged Kind = "targetHotendTemperatureChanged"
	HotendIDChanged                Kind = "hotendIdChanged"
	MaterialChanged                Kind = "materialChanged"
	PreheatChanged                 Kind = "isPreheatingChanged"
	HeadPositionChanged            Kind = "headPositionChanged"
	ActivePrintJobChanged          Kind = "activePrintJobChanged"
	JobStateChanged                Kind = "stateChanged"
	TimeElapsedChanged             Kind = "timeElapsedChanged"
	TimeTotalChanged               Kind = "timeTotalChanged"
	JobProgressChanged             Kind = "progressChanged"
	UploadProgress                 Kind = "uploadProgress"
	UploadFinished                 Kind = "uploadFinished"
	UploadError                    Kind = "uploadError"
	WriteFinished                  Kind = "writeFinished"
	CameraFrame                    Kind = "cameraFrame"
)

// Event is one notification. Printer and Job are empty when the event concerns
// the device as a whole.
type Event struct {
	Kind    Kind        `json:"kind"`
	Device  string      `json:"device,omitempty"`
	Printer string      `json:"printer,omitempty"`
	Job     string      `json:"job,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// Handler observes events.
type Handler func(Event)

// Bus fans events out to subscribers in subscription order.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]Handler
	ids  []int
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]Handler)}
}

// Subscribe registers h and returns a func that removes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = h
	b.ids = append(b.ids, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			for i, v := range b.ids {
				if v == id {
					b.ids = append(b.ids[:i], b.ids[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit delivers e to every subscriber synchronously. Handlers may subscribe or
// unsubscribe while being called; the change applies to the next Emit.
func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.ids))
	for _, id := range b.ids {
		handlers = append(handlers, b.subs[id])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
