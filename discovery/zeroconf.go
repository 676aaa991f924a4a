package discovery

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// browse announces every entry of service. Each cycle uses a fresh resolver
// and lasts opts.Refresh; live services are sent again by the next cycle.
func (d *Discovery) browse(ctx context.Context, service string) {
	for ctx.Err() == nil {
		if err := d.browseOnce(ctx, service); err != nil {
			d.log.Warnw("browsing failed", "service", service, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(d.opts.RetryInitial):
			}
		}
	}
}

func (d *Discovery) browseOnce(ctx context.Context, service string) error {
	r, err := d.newResolver()
	if err != nil {
		return err
	}
	cycle, cancel := context.WithTimeout(ctx, d.opts.Refresh)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := r.Browse(cycle, service, d.opts.Domain, entries); err != nil {
		return err
	}
	// The resolver closes entries when cycle ends; draining until then keeps
	// its sender from blocking.
	for e := range entries {
		d.enqueue(&request{service: service, entry: e})
	}
	return nil
}

// handle processes one service change and reports whether it is settled.
func (d *Discovery) handle(ctx context.Context, r *request) bool {
	e := r.entry
	if e.TTL == 0 {
		// A goodbye record. The zeroconf resolver drops TTL 0 records
		// before delivering them, so in practice removal comes from expiry
		// once neither the record TTL nor two refresh periods are left.
		if d.forget(e.Instance) {
			d.log.Infow("service removed", "name", e.Instance)
			d.removed(e.Instance)
		}
		return true
	}

	if !hasAddress(e) {
		resolved, err := d.lookup(ctx, r.service, e.Instance)
		if err != nil {
			d.log.Debugw("lookup failed", "name", e.Instance, "attempt", r.attempts+1, "error", err)
			return false
		}
		e = resolved
		r.entry = resolved
	}

	props := parseText(e.Text)
	if r.service == octoprintService || strings.HasPrefix(r.service, octoprintService+".") {
		props[PropProtocol] = ProtocolOctoPrint
		if props[PropType] == "" {
			props[PropType] = "printer"
		}
		if props[PropName] == "" {
			props[PropName] = e.Instance
		}
	}
	if t := props[PropType]; t != "printer" {
		d.log.Warnw("ignoring device that is not a printer", "name", e.Instance, "type", t)
		return true
	}

	address := props[PropAddress]
	if address == "" {
		address = hostAddress(e)
	}
	ttl := time.Duration(e.TTL) * time.Second
	if ttl < 2*d.opts.Refresh {
		ttl = 2 * d.opts.Refresh
	}
	if !d.touch(e.Instance, ttl) {
		return true
	}
	d.log.Infow("service added", "name", e.Instance, "address", address)
	d.added(Announcement{ID: e.Instance, Address: address, Service: r.service, Properties: props})
	return true
}

// lookup resolves one instance, bounded by opts.LookupTimeout.
func (d *Discovery) lookup(ctx context.Context, service, instance string) (*zeroconf.ServiceEntry, error) {
	r, err := d.newResolver()
	if err != nil {
		return nil, err
	}
	lctx, cancel := context.WithTimeout(ctx, d.opts.LookupTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := r.Lookup(lctx, instance, service, d.opts.Domain, entries); err != nil {
		return nil, err
	}
	var found *zeroconf.ServiceEntry
	for e := range entries {
		if found == nil && hasAddress(e) {
			found = e
			cancel()
		}
	}
	if found == nil {
		return nil, context.DeadlineExceeded
	}
	return found, nil
}

func hasAddress(e *zeroconf.ServiceEntry) bool {
	return len(e.AddrIPv4) > 0 || len(e.AddrIPv6) > 0
}

// hostAddress prefers IPv4 and appends the port unless it is 80.
func hostAddress(e *zeroconf.ServiceEntry) string {
	var ip net.IP
	if len(e.AddrIPv4) > 0 {
		ip = e.AddrIPv4[0]
	} else {
		ip = e.AddrIPv6[0]
	}
	if e.Port == 0 || e.Port == 80 {
		if ip.To4() == nil {
			return "[" + ip.String() + "]"
		}
		return ip.String()
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(e.Port))
}

// parseText turns "key=value" TXT strings into properties. Keys without a
// value map to "".
func parseText(txt []string) Properties {
	props := make(Properties, len(txt))
	for _, t := range txt {
		k, v, _ := strings.Cut(t, "=")
		if k == "" {
			continue
		}
		props[k] = v
	}
	return props
}
