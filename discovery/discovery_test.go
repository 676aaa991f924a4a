package discovery

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/john/printlink/eventloop"
	"github.com/john/printlink/logger"
)

func startLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	l := eventloop.New()
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	return l
}

// fakeResolver replays canned entries.
type fakeResolver struct {
	mu        sync.Mutex
	browse    []*zeroconf.ServiceEntry
	browses   int
	lookups   int
	resolveAt int
	resolved  *zeroconf.ServiceEntry
}

func (f *fakeResolver) factory() (Resolver, error) { return f, nil }

func (f *fakeResolver) Browse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	f.mu.Lock()
	f.browses++
	list := append([]*zeroconf.ServiceEntry(nil), f.browse...)
	f.mu.Unlock()
	go func() {
		defer close(entries)
		for _, e := range list {
			select {
			case entries <- e:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return nil
}

func (f *fakeResolver) Lookup(ctx context.Context, instance, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	f.mu.Lock()
	f.lookups++
	n := f.lookups
	resolved := f.resolved
	ok := f.resolveAt > 0 && n >= f.resolveAt
	f.mu.Unlock()
	go func() {
		defer close(entries)
		if ok {
			select {
			case entries <- resolved:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return nil
}

func (f *fakeResolver) lookupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

func entry(instance string, ttl uint32, ip string, txt ...string) *zeroconf.ServiceEntry {
	e := zeroconf.NewServiceEntry(instance, "_ultimaker._tcp", "local.")
	e.TTL = ttl
	e.Port = 80
	e.Text = txt
	if ip != "" {
		e.AddrIPv4 = []net.IP{net.ParseIP(ip)}
	}
	return e
}

// recorder collects callbacks; they run on the loop.
type recorder struct {
	mu      sync.Mutex
	added   []Announcement
	removed []string
}

func (r *recorder) wire(d *Discovery) {
	d.OnAdded = func(a Announcement) {
		r.mu.Lock()
		r.added = append(r.added, a)
		r.mu.Unlock()
	}
	d.OnRemoved = func(id string) {
		r.mu.Lock()
		r.removed = append(r.removed, id)
		r.mu.Unlock()
	}
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.added), len(r.removed)
}

func (r *recorder) waitAdded(t *testing.T, n int) []Announcement {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		if len(r.added) >= n {
			out := append([]Announcement(nil), r.added...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d added announcements", n)
	return nil
}

func (r *recorder) waitRemoved(t *testing.T, id string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, got := range r.removed {
			if got == id {
				r.mu.Unlock()
				return
			}
		}
		r.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected removal of %s", id)
}

func run(t *testing.T, d *Discovery) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("discovery worker did not exit")
		}
	})
}

func TestBrowseAnnouncesPrinterOnce(t *testing.T) {
	loop := startLoop(t)
	res := &fakeResolver{browse: []*zeroconf.ServiceEntry{
		entry("printer-A", 120, "192.0.2.10", "type=printer", "name=A", "firmware_version=5.2.0"),
		entry("camera-B", 120, "192.0.2.11", "type=camera", "name=B"),
	}}
	d := New(loop, logger.Nop(), res.factory, Options{Refresh: 50 * time.Millisecond, WakeInterval: 10 * time.Millisecond})
	rec := &recorder{}
	rec.wire(d)
	run(t, d)

	got := rec.waitAdded(t, 1)
	time.Sleep(250 * time.Millisecond)
	if added, _ := rec.counts(); added != 1 {
		t.Fatalf("re-announcements must not add the device again, got %d", added)
	}
	a := got[0]
	if a.ID != "printer-A" || a.Address != "192.0.2.10" {
		t.Fatalf("announcement %+v", a)
	}
	if a.Properties[PropName] != "A" || a.Properties[PropFirmwareVersion] != "5.2.0" || a.Properties.ClusterSize() != 0 {
		t.Fatalf("properties %+v", a.Properties)
	}
	res.mu.Lock()
	browses := res.browses
	res.mu.Unlock()
	if browses < 2 {
		t.Fatalf("browsing should be refreshed, got %d cycles", browses)
	}
}

func TestIncompleteEntryIsLookedUpWithBackoff(t *testing.T) {
	loop := startLoop(t)
	res := &fakeResolver{
		browse:    []*zeroconf.ServiceEntry{entry("printer-A", 120, "", "type=printer")},
		resolveAt: 3,
		resolved:  entry("printer-A", 120, "192.0.2.10", "type=printer", "name=A", "cluster_size=4"),
	}
	d := New(loop, logger.Nop(), res.factory, Options{
		Refresh:       time.Hour,
		WakeInterval:  5 * time.Millisecond,
		LookupTimeout: 20 * time.Millisecond,
		RetryInitial:  10 * time.Millisecond,
	})
	rec := &recorder{}
	rec.wire(d)
	run(t, d)

	got := rec.waitAdded(t, 1)
	if got[0].Address != "192.0.2.10" || got[0].Properties.ClusterSize() != 4 {
		t.Fatalf("announcement %+v", got[0])
	}
	if n := res.lookupCount(); n != 3 {
		t.Fatalf("expected 3 lookups, got %d", n)
	}
}

func TestLookupGivesUpAfterMaxAttempts(t *testing.T) {
	loop := startLoop(t)
	res := &fakeResolver{browse: []*zeroconf.ServiceEntry{entry("printer-A", 120, "", "type=printer")}}
	d := New(loop, logger.Nop(), res.factory, Options{
		Refresh:       time.Hour,
		WakeInterval:  5 * time.Millisecond,
		LookupTimeout: 5 * time.Millisecond,
		RetryInitial:  time.Millisecond,
		RetryMax:      4 * time.Millisecond,
		MaxAttempts:   3,
	})
	rec := &recorder{}
	rec.wire(d)
	run(t, d)

	time.Sleep(300 * time.Millisecond)
	if n := res.lookupCount(); n != 3 {
		t.Fatalf("expected 3 lookups, got %d", n)
	}
	if added, _ := rec.counts(); added != 0 {
		t.Fatal("an unresolved entry must not be announced")
	}
	if d.pending() != 0 {
		t.Fatal("queue should be empty after giving up")
	}
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	d := New(nil, logger.Nop(), nil, Options{})
	want := []time.Duration{5, 10, 20, 40, 60, 60, 60}
	for i, w := range want {
		if got := d.backoff(i + 1); got != w*time.Second {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w*time.Second)
		}
	}
}

func TestGoodbyeAndExpiryRemove(t *testing.T) {
	loop := startLoop(t)
	d := New(loop, logger.Nop(), nil, Options{})
	rec := &recorder{}
	rec.wire(d)

	if !d.handle(context.Background(), &request{service: "_ultimaker._tcp", entry: entry("printer-A", 120, "192.0.2.10", "type=printer")}) {
		t.Fatal("complete entry should settle")
	}
	rec.waitAdded(t, 1)
	d.handle(context.Background(), &request{service: "_ultimaker._tcp", entry: entry("printer-A", 0, "192.0.2.10")})
	rec.waitRemoved(t, "printer-A")

	d.touch("printer-B", time.Millisecond)
	d.expire(time.Now().Add(time.Second))
	rec.waitRemoved(t, "printer-B")

	// A goodbye for an unknown device is not reported.
	d.handle(context.Background(), &request{entry: entry("printer-C", 0, "")})
	time.Sleep(20 * time.Millisecond)
	if _, removed := rec.counts(); removed != 2 {
		t.Fatalf("removed %d, want 2", removed)
	}
}

func TestOctoPrintServiceIsAdmitted(t *testing.T) {
	loop := startLoop(t)
	d := New(loop, logger.Nop(), nil, Options{})
	rec := &recorder{}
	rec.wire(d)

	e := entry("octopi", 120, "192.0.2.20", "path=/", "version=1.9.0")
	e.Port = 5000
	d.handle(context.Background(), &request{service: "_octoprint._tcp", entry: e})
	got := rec.waitAdded(t, 1)
	if got[0].Address != "192.0.2.20:5000" || got[0].Properties[PropProtocol] != ProtocolOctoPrint || got[0].Properties[PropName] != "octopi" {
		t.Fatalf("announcement %+v", got[0])
	}
}

func TestManualPeer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/system/name":
			_, _ = w.Write([]byte(`"Printer A"`))
		case "/api/v1/system/firmware":
			_, _ = w.Write([]byte(`"5.2.11"`))
		case "/cluster-api/v1/printers/":
			_, _ = w.Write([]byte(`[{"uuid":"1"},{"uuid":"2"}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	host := strings.TrimPrefix(srv.URL, "http://")

	loop := startLoop(t)
	d := New(loop, logger.Nop(), nil, Options{})
	rec := &recorder{}
	rec.wire(d)

	_ = loop.Call(func() {
		d.AddManualPeer(host)
		d.AddManualPeer("127.0.0.1:1")
	})
	got := rec.waitAdded(t, 1)
	a := got[0]
	if a.ID != ManualID(host) || a.Address != host {
		t.Fatalf("announcement %+v", a)
	}
	if a.Properties[PropName] != "Printer A" || a.Properties[PropFirmwareVersion] != "5.2.11" ||
		a.Properties.ClusterSize() != 2 || a.Properties[PropManual] != "true" {
		t.Fatalf("properties %+v", a.Properties)
	}

	var peers []string
	_ = loop.Call(func() { peers = d.ManualPeers() })
	if len(peers) != 2 {
		t.Fatalf("peers %v", peers)
	}

	_ = loop.Call(func() {
		d.RemoveManualPeer(host)
		d.RemoveManualPeer("127.0.0.1:1")
	})
	rec.waitRemoved(t, ManualID(host))
	time.Sleep(50 * time.Millisecond)
	if added, removed := rec.counts(); added != 1 || removed != 1 {
		t.Fatalf("unreachable peer must stay silent: added %d removed %d", added, removed)
	}
}

func TestParseBroadcastReply(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
		id, ip  string
		model   string
	}{
		{in: "Snapmaker J1X123P@192.168.1.201|model:Snapmaker J1|status:IDLE|SACP:1", id: "Snapmaker J1X123P", ip: "192.168.1.201", model: "Snapmaker J1"},
		{in: "dev@10.0.0.2|model:A350", id: "dev", ip: "10.0.0.2", model: "A350"},
		{in: "garbage", wantErr: true},
		{in: "dev@|model:x", wantErr: true},
		{in: "dev@10.0.0.2|status:IDLE", wantErr: true},
	}
	for _, tc := range cases {
		r, err := ParseBroadcastReply([]byte(tc.in))
		if tc.wantErr {
			if err == nil {
				t.Errorf("%q: expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", tc.in, err)
			continue
		}
		if r.ID != tc.id || r.Address != tc.ip || r.Model != tc.model {
			t.Errorf("%q: got %+v", tc.in, r)
		}
	}
}

func TestBroadcastProbe(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer pc.Close()
	go func() {
		buf := make([]byte, 64)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			if string(buf[:n]) == "discover" {
				_, _ = pc.WriteTo([]byte("Printer One@127.0.0.1|model:A250|status:IDLE"), from)
			}
		}
	}()

	loop := startLoop(t)
	d := New(loop, logger.Nop(), nil, Options{
		BroadcastTargets: []string{"127.0.0.1"},
		BroadcastPort:    pc.LocalAddr().(*net.UDPAddr).Port,
		BroadcastTimeout: 200 * time.Millisecond,
	})
	rec := &recorder{}
	rec.wire(d)

	d.broadcastOnce(context.Background())
	got := rec.waitAdded(t, 1)
	if got[0].ID != "Printer One" || got[0].Properties[PropProtocol] != ProtocolGcode || got[0].Properties[PropMachine] != "A250" {
		t.Fatalf("announcement %+v", got[0])
	}
	d.broadcastOnce(context.Background())
	time.Sleep(20 * time.Millisecond)
	if added, _ := rec.counts(); added != 1 {
		t.Fatalf("a device answering again is not re-added, got %d", added)
	}
}
