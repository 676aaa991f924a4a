// Package discovery finds printers on the local link and reports them as
// added or removed. Zeroconf browsing, the UDP broadcast probe and manual
// peers all feed the same pair of callbacks, which always run on the serial
// context.
package discovery

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/john/printlink/logger"
	"github.com/john/printlink/transport"
)

// Well known property keys.
const (
	PropName            = "name"
	PropAddress         = "address"
	PropFirmwareVersion = "firmware_version"
	PropType            = "type"
	PropClusterSize     = "cluster_size"
	PropMachine         = "machine"
	PropManual          = "manual"
	PropUseHTTPS        = "useHttps"
	PropPath            = "path"
	// PropProtocol is set by this package to tell the registry which wire
	// protocol to speak: "octoprint" or "gcode". Empty means the vendor API.
	PropProtocol = "protocol"
)

// Protocol hints.
const (
	ProtocolOctoPrint = "octoprint"
	ProtocolGcode     = "gcode"
)

const (
	defaultServiceType = "_ultimaker._tcp"
	octoprintService   = "_octoprint._tcp"
)

// Properties are the TXT record values of an announcement.
type Properties map[string]string

// ClusterSize returns the cluster_size property, zero when absent.
func (p Properties) ClusterSize() int {
	n, err := strconv.Atoi(p[PropClusterSize])
	if err != nil {
		return 0
	}
	return n
}

// Announcement is an admitted device.
type Announcement struct {
	ID         string     `json:"id"`
	Address    string     `json:"address"`
	Service    string     `json:"service,omitempty"`
	Properties Properties `json:"properties"`
}

// Resolver is the part of *zeroconf.Resolver used here. A resolver shuts its
// sockets down when the context of its browse or lookup ends, so a fresh one
// is created for every operation.
type Resolver interface {
	Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
	Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error
}

// ResolverFactory creates a resolver.
type ResolverFactory func() (Resolver, error)

// Zeroconf is the production ResolverFactory.
func Zeroconf() (Resolver, error) {
	return zeroconf.NewResolver()
}

// Options tunes discovery. Zero values take the defaults.
type Options struct {
	ServiceTypes []string
	Domain       string
	// LookupTimeout bounds the synchronous lookup of an incomplete entry.
	LookupTimeout time.Duration
	RetryInitial  time.Duration
	RetryMax      time.Duration
	MaxAttempts   int
	// WakeInterval is how often the worker runs without being woken.
	WakeInterval time.Duration
	// Refresh restarts browsing so live services are announced again and
	// expiry can be tracked.
	Refresh time.Duration

	ManualPeers []string

	// Broadcast enables the UDP probe for line protocol devices.
	Broadcast         bool
	BroadcastPort     int
	BroadcastTargets  []string
	BroadcastInterval time.Duration
	BroadcastTimeout  time.Duration
}

func (o *Options) setDefaults() {
	if len(o.ServiceTypes) == 0 {
		o.ServiceTypes = []string{defaultServiceType}
	}
	if o.Domain == "" {
		o.Domain = "local."
	}
	if o.LookupTimeout <= 0 {
		o.LookupTimeout = 3 * time.Second
	}
	if o.RetryInitial <= 0 {
		o.RetryInitial = 5 * time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 60 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.WakeInterval <= 0 {
		o.WakeInterval = 5 * time.Second
	}
	if o.Refresh <= 0 {
		o.Refresh = 60 * time.Second
	}
	if o.BroadcastPort <= 0 {
		o.BroadcastPort = 20054
	}
	if o.BroadcastInterval <= 0 {
		o.BroadcastInterval = 30 * time.Second
	}
	if o.BroadcastTimeout <= 0 {
		o.BroadcastTimeout = 2 * time.Second
	}
}

// request is one queued service change.
type request struct {
	service   string
	entry     *zeroconf.ServiceEntry
	attempts  int
	notBefore time.Time
}

// seenEntry tracks the liveness of an announced device.
type seenEntry struct {
	expires time.Time
}

// Discovery reports devices through OnAdded and OnRemoved. Both are invoked
// on the loop passed to New and must be set before Run.
type Discovery struct {
	loop        transport.Poster
	log         *logger.Logger
	newResolver ResolverFactory
	opts        Options

	OnAdded   func(Announcement)
	OnRemoved func(id string)

	mu    sync.Mutex
	queue []*request
	seen  map[string]*seenEntry
	wake  chan struct{}

	// manual peers are only touched on the loop.
	manual map[string]*manualPeer
}

// New returns a discovery that browses with resolvers from newResolver. A nil
// factory disables zeroconf; manual peers and the broadcast probe still work.
func New(loop transport.Poster, log *logger.Logger, newResolver ResolverFactory, opts Options) *Discovery {
	opts.setDefaults()
	return &Discovery{
		loop:        loop,
		log:         log.Named("discovery"),
		newResolver: newResolver,
		opts:        opts,
		seen:        make(map[string]*seenEntry),
		wake:        make(chan struct{}, 1),
		manual:      make(map[string]*manualPeer),
	}
}

// Run browses until ctx is cancelled. Pending lookups are abandoned on exit.
func (d *Discovery) Run(ctx context.Context) error {
	if d.newResolver != nil {
		for _, service := range d.opts.ServiceTypes {
			go d.browse(ctx, service)
		}
	}
	if d.opts.Broadcast {
		go d.broadcastLoop(ctx)
	}
	d.loop.Post(func() {
		for _, host := range d.opts.ManualPeers {
			d.AddManualPeer(host)
		}
	})

	ticker := time.NewTicker(d.opts.WakeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.log.Debugw("discovery worker stopped", "pending", d.pending())
			return nil
		case <-d.wake:
		case <-ticker.C:
		}
		d.service(ctx)
		d.expire(time.Now())
	}
}

func (d *Discovery) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// enqueue adds a service change and wakes the worker.
func (d *Discovery) enqueue(r *request) {
	d.mu.Lock()
	d.queue = append(d.queue, r)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// service handles every due request once. Failures go back on the queue
// with exponential backoff until MaxAttempts is reached.
func (d *Discovery) service(ctx context.Context) {
	now := time.Now()
	d.mu.Lock()
	var due, later []*request
	for _, r := range d.queue {
		if r.notBefore.After(now) {
			later = append(later, r)
		} else {
			due = append(due, r)
		}
	}
	d.queue = later
	d.mu.Unlock()

	for _, r := range due {
		if ctx.Err() != nil {
			return
		}
		if d.handle(ctx, r) {
			continue
		}
		r.attempts++
		if r.attempts >= d.opts.MaxAttempts {
			d.log.Warnw("giving up resolving service", "name", r.entry.Instance, "attempts", r.attempts)
			continue
		}
		r.notBefore = time.Now().Add(d.backoff(r.attempts))
		d.mu.Lock()
		d.queue = append(d.queue, r)
		d.mu.Unlock()
	}
}

// backoff returns the delay before retry number attempt (1-based).
func (d *Discovery) backoff(attempt int) time.Duration {
	delay := d.opts.RetryInitial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.opts.RetryMax {
			return d.opts.RetryMax
		}
	}
	return delay
}

// touch marks id alive for ttl and reports whether it is new.
func (d *Discovery) touch(id string, ttl time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.seen[id]
	if !ok {
		e = &seenEntry{}
		d.seen[id] = e
	}
	e.expires = time.Now().Add(ttl)
	return !ok
}

// forget drops id and reports whether it was known.
func (d *Discovery) forget(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; !ok {
		return false
	}
	delete(d.seen, id)
	return true
}

// expire removes devices that were not announced again in time.
func (d *Discovery) expire(now time.Time) {
	d.mu.Lock()
	var gone []string
	for id, e := range d.seen {
		if now.After(e.expires) {
			gone = append(gone, id)
			delete(d.seen, id)
		}
	}
	d.mu.Unlock()
	for _, id := range gone {
		d.log.Infow("device expired", "id", id)
		d.removed(id)
	}
}

func (d *Discovery) added(a Announcement) {
	d.loop.Post(func() {
		if d.OnAdded != nil {
			d.OnAdded(a)
		}
	})
}

func (d *Discovery) removed(id string) {
	d.loop.Post(func() {
		if d.OnRemoved != nil {
			d.OnRemoved(id)
		}
	})
}
