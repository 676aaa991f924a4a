package discovery

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/john/printlink/transport"
)

// manualPeer is a host the user entered by hand.
type manualPeer struct {
	host      string
	client    *transport.Client
	announced bool
}

// ManualID is the device id given to a manual peer.
func ManualID(host string) string {
	return "manual:" + host
}

// AddManualPeer probes host and announces it when it answers. Failures are
// silent. It must be called on the loop.
func (d *Discovery) AddManualPeer(host string) {
	host = strings.TrimSpace(host)
	if host == "" {
		return
	}
	if _, ok := d.manual[host]; ok {
		return
	}
	p := &manualPeer{host: host}
	d.manual[host] = p
	d.probe(p)
}

// RemoveManualPeer forgets host and reports its removal if it had been
// announced. It must be called on the loop.
func (d *Discovery) RemoveManualPeer(host string) {
	host = strings.TrimSpace(host)
	p, ok := d.manual[host]
	if !ok {
		return
	}
	delete(d.manual, host)
	p.client.Close()
	if p.announced {
		d.log.Infow("manual peer removed", "host", host)
		d.removed(ManualID(host))
	}
}

// ManualPeers lists the configured hosts. It must be called on the loop.
func (d *Discovery) ManualPeers() []string {
	out := make([]string, 0, len(d.manual))
	for h := range d.manual {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// probe reads the display name, then the firmware version and the cluster
// size. Only the name is required.
func (d *Discovery) probe(p *manualPeer) {
	p.client = transport.NewClient(d.loop, d.log, transport.Options{
		Address:        p.host,
		Prefix:         "/",
		RequestTimeout: d.opts.LookupTimeout,
	})
	props := Properties{
		PropAddress: p.host,
		PropType:    "printer",
		PropManual:  "true",
	}

	p.client.Get("api/v1/system/name", func(r *transport.Reply) {
		if !r.OK() {
			d.log.Debugw("manual peer not answering", "host", p.host, "status", r.StatusCode, "error", r.Err)
			p.client.Close()
			return
		}
		props[PropName] = unquote(r.Body)
		p.client.Get("api/v1/system/firmware", func(r *transport.Reply) {
			if r.OK() {
				props[PropFirmwareVersion] = unquote(r.Body)
			}
			p.client.Get("cluster-api/v1/printers/", func(r *transport.Reply) {
				if r.OK() {
					var printers []json.RawMessage
					if err := json.Unmarshal(r.Body, &printers); err == nil && len(printers) > 0 {
						props[PropClusterSize] = strconv.Itoa(len(printers))
					}
				}
				p.client.Close()
				if d.manual[p.host] != p {
					return
				}
				p.announced = true
				d.log.Infow("manual peer found", "host", p.host, "name", props[PropName])
				d.added(Announcement{ID: ManualID(p.host), Address: p.host, Properties: props})
			})
		})
	})
}

// unquote accepts both a bare body and a JSON string.
func unquote(body []byte) string {
	s := strings.TrimSpace(string(body))
	var v string
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
