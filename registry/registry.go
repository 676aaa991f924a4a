// Package registry owns one device session per discovered device and keeps
// the session of the active machine connected. Every method must be called
// on the serial context.
package registry

import (
	"sort"
	"strings"

	"github.com/john/printlink/appctx"
	"github.com/john/printlink/discovery"
	"github.com/john/printlink/event"
	"github.com/john/printlink/eventloop"
	"github.com/john/printlink/logger"
	"github.com/john/printlink/session"
)

// Peers manages manually entered hosts. *discovery.Discovery implements it.
type Peers interface {
	AddManualPeer(host string)
	RemoveManualPeer(host string)
	ManualPeers() []string
}

// Options configures the sessions the registry creates.
type Options struct {
	// Session is the template for every session. Family, Address, Name,
	// FirmwareVersion, UseHTTPS and APIKey are filled per device.
	Session session.Options
	// APIKeys maps a device id or address to an OctoPrint API key.
	APIKeys map[string]string
}

// Device describes a registered device.
type Device struct {
	ID              string                  `json:"id"`
	Name            string                  `json:"name"`
	Address         string                  `json:"address"`
	Family          session.Family          `json:"family"`
	FirmwareVersion string                  `json:"firmware_version"`
	ClusterSize     int                     `json:"cluster_size"`
	Manual          bool                    `json:"manual"`
	State           session.ConnectionState `json:"state"`
	AuthState       string                  `json:"auth_state"`
	Active          bool                    `json:"active"`
}

type entry struct {
	ann     discovery.Announcement
	session *session.Session
}

// Registry maps device ids to sessions.
type Registry struct {
	loop  *eventloop.Loop
	log   *logger.Logger
	bus   *event.Bus
	app   *appctx.Context
	opts  Options
	peers Peers

	devices map[string]*entry
}

// New returns an empty registry.
func New(loop *eventloop.Loop, log *logger.Logger, bus *event.Bus, app *appctx.Context, opts Options) *Registry {
	if app == nil {
		app = &appctx.Context{}
	}
	return &Registry{
		loop:    loop,
		log:     log.Named("registry"),
		bus:     bus,
		app:     app,
		opts:    opts,
		devices: make(map[string]*entry),
	}
}

// Attach routes the announcements of d to the registry and uses it for
// manual peers.
func (r *Registry) Attach(d *discovery.Discovery) {
	d.OnAdded = r.OnDiscoveryAdded
	d.OnRemoved = r.OnDiscoveryRemoved
	r.peers = d
}

// OnDiscoveryAdded creates the session for a device. A device that is
// announced again gets a fresh session; the old one is disconnected.
func (r *Registry) OnDiscoveryAdded(a discovery.Announcement) {
	if old, ok := r.devices[a.ID]; ok {
		r.log.Infow("device announced again, replacing session", "id", a.ID)
		old.session.Disconnect()
	}

	s := session.New(a.ID, r.loop, r.log, r.bus, r.app, r.sessionOptions(a))
	r.devices[a.ID] = &entry{ann: a, session: s}
	r.log.Infow("device added", "id", a.ID, "address", a.Address, "family", s.Family())
	r.emit()

	if r.isActive(a) {
		s.Connect()
	}
}

// OnDiscoveryRemoved drops the session of id.
func (r *Registry) OnDiscoveryRemoved(id string) {
	e, ok := r.devices[id]
	if !ok {
		return
	}
	delete(r.devices, id)
	e.session.Disconnect()
	r.log.Infow("device removed", "id", id)
	r.emit()
}

// OnActiveMachineChanged connects the device of the new active machine and
// disconnects every other.
func (r *Registry) OnActiveMachineChanged(key string) {
	r.log.Infow("active machine changed", "key", key)
	for _, id := range r.ids() {
		e := r.devices[id]
		if key != "" && r.matches(e.ann, key) {
			e.session.Connect()
			continue
		}
		if e.session.State() != session.Closed {
			e.session.Disconnect()
		}
	}
}

// Devices lists the registered devices ordered by id.
func (r *Registry) Devices() []Device {
	out := make([]Device, 0, len(r.devices))
	for _, id := range r.ids() {
		out = append(out, r.describe(r.devices[id]))
	}
	return out
}

// Device returns the description of id.
func (r *Registry) Device(id string) (Device, bool) {
	e, ok := r.devices[id]
	if !ok {
		return Device{}, false
	}
	return r.describe(e), true
}

// Get returns the session of id, nil when unknown.
func (r *Registry) Get(id string) *session.Session {
	if e, ok := r.devices[id]; ok {
		return e.session
	}
	return nil
}

// AddManualPeer probes host through discovery.
func (r *Registry) AddManualPeer(host string) {
	if r.peers != nil {
		r.peers.AddManualPeer(host)
	}
}

// RemoveManualPeer forgets host.
func (r *Registry) RemoveManualPeer(host string) {
	if r.peers != nil {
		r.peers.RemoveManualPeer(host)
	}
}

// ManualPeers lists the manually entered hosts.
func (r *Registry) ManualPeers() []string {
	if r.peers == nil {
		return nil
	}
	return r.peers.ManualPeers()
}

// Close disconnects every session.
func (r *Registry) Close() {
	for _, id := range r.ids() {
		r.devices[id].session.Disconnect()
	}
}

func (r *Registry) ids() []string {
	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry) emit() {
	if r.bus != nil {
		r.bus.Emit(event.Event{Kind: event.DiscoveredDevicesChanged, Payload: len(r.devices)})
	}
}

func (r *Registry) isActive(a discovery.Announcement) bool {
	if r.app.Machine == nil {
		return false
	}
	key := r.app.Machine.Key()
	return key != "" && r.matches(a, key)
}

// matches reports whether the active machine key names a. Keys are device
// ids; a bare address also matches manual peers.
func (r *Registry) matches(a discovery.Announcement, key string) bool {
	return a.ID == key || (a.Properties[discovery.PropManual] == "true" && a.Address == key)
}

// familyOf picks the wire protocol from the announcement.
func familyOf(a discovery.Announcement) session.Family {
	switch a.Properties[discovery.PropProtocol] {
	case discovery.ProtocolOctoPrint:
		return session.OctoPrint
	case discovery.ProtocolGcode:
		return session.Gcode
	}
	if a.Properties.ClusterSize() > 0 {
		return session.Cluster
	}
	return session.Legacy
}

func (r *Registry) sessionOptions(a discovery.Announcement) session.Options {
	o := r.opts.Session
	o.Family = familyOf(a)
	o.Address = a.Address
	o.Name = a.Properties[discovery.PropName]
	if o.Name == "" {
		o.Name = a.ID
	}
	o.FirmwareVersion = a.Properties[discovery.PropFirmwareVersion]
	o.UseHTTPS = strings.EqualFold(a.Properties[discovery.PropUseHTTPS], "true")
	if o.Family == session.OctoPrint {
		if key, ok := r.opts.APIKeys[a.ID]; ok {
			o.APIKey = key
		} else {
			o.APIKey = r.opts.APIKeys[a.Address]
		}
	}
	return o
}

func (r *Registry) describe(e *entry) Device {
	s := e.session
	return Device{
		ID:              e.ann.ID,
		Name:            s.Name(),
		Address:         s.Address(),
		Family:          s.Family(),
		FirmwareVersion: s.FirmwareVersion(),
		ClusterSize:     e.ann.Properties.ClusterSize(),
		Manual:          e.ann.Properties[discovery.PropManual] == "true",
		State:           s.State(),
		AuthState:       string(s.AuthState()),
		Active:          r.isActive(e.ann),
	}
}
