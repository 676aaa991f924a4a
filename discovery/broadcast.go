package discovery

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// BroadcastReply is one answer to the UDP probe.
type BroadcastReply struct {
	ID      string
	Address string
	Model   string
	Fields  map[string]string
}

// ParseBroadcastReply parses "<id>@<ip>|model:<model>|key:value...".
func ParseBroadcastReply(resp []byte) (BroadcastReply, error) {
	msg := strings.TrimSpace(string(resp))
	parts := strings.Split(msg, "|")
	at := strings.LastIndex(parts[0], "@")
	if len(parts) < 2 || at <= 0 || at == len(parts[0])-1 {
		return BroadcastReply{}, errors.New("invalid discovery reply")
	}
	r := BroadcastReply{
		ID:      parts[0][:at],
		Address: parts[0][at+1:],
		Fields:  make(map[string]string),
	}
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, ":")
		if !ok {
			continue
		}
		r.Fields[strings.ToLower(k)] = v
	}
	r.Model = r.Fields["model"]
	if r.Model == "" {
		return BroadcastReply{}, errors.New("discovery reply without model")
	}
	return r, nil
}

func (d *Discovery) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(d.opts.BroadcastInterval)
	defer ticker.Stop()
	for {
		d.broadcastOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Discovery) broadcastOnce(ctx context.Context) {
	replies, err := d.Probe(ctx)
	if err != nil {
		d.log.Warnw("broadcast probe failed", "error", err)
		return
	}
	for _, r := range replies {
		if !d.touch(r.ID, 3*d.opts.BroadcastInterval) {
			continue
		}
		props := Properties{
			PropName:     r.ID,
			PropAddress:  r.Address,
			PropMachine:  r.Model,
			PropType:     "printer",
			PropProtocol: ProtocolGcode,
		}
		for k, v := range r.Fields {
			if _, ok := props[k]; !ok {
				props[k] = v
			}
		}
		d.log.Infow("device answered broadcast", "id", r.ID, "address", r.Address, "model", r.Model)
		d.added(Announcement{ID: r.ID, Address: r.Address, Properties: props})
	}
}

// Probe sends "discover" to every broadcast target and collects replies
// until opts.BroadcastTimeout.
func (d *Discovery) Probe(ctx context.Context) ([]BroadcastReply, error) {
	targets := d.opts.BroadcastTargets
	if len(targets) == 0 {
		var err error
		if targets, err = broadcastAddresses(); err != nil {
			return nil, err
		}
	}

	var (
		mu      sync.Mutex
		replies []BroadcastReply
		seen    = make(map[string]bool)
		wg      sync.WaitGroup
	)
	for _, addr := range targets {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			target, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(addr, fmt.Sprint(d.opts.BroadcastPort)))
			if err != nil {
				return
			}
			conn, err := net.ListenUDP("udp4", nil)
			if err != nil {
				return
			}
			defer conn.Close()

			deadline := time.Now().Add(d.opts.BroadcastTimeout)
			if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
				deadline = dl
			}
			_ = conn.SetDeadline(deadline)
			if _, err := conn.WriteTo([]byte("discover"), target); err != nil {
				return
			}

			buf := make([]byte, 1500)
			for ctx.Err() == nil {
				n, _, err := conn.ReadFromUDP(buf)
				if err != nil {
					return
				}
				r, err := ParseBroadcastReply(buf[:n])
				if err != nil {
					continue
				}
				mu.Lock()
				if !seen[r.ID] {
					seen[r.ID] = true
					replies = append(replies, r)
				}
				mu.Unlock()
			}
		}(addr)
	}
	wg.Wait()
	return replies, nil
}

// broadcastAddresses returns the IPv4 broadcast address of every
// non-loopback interface.
func broadcastAddresses() ([]string, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	set := map[string]bool{}
	var out []string
	for _, iface := range ifs {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			n, ok := addr.(*net.IPNet)
			if !ok || n.IP.IsLoopback() {
				continue
			}
			v4 := n.IP.To4()
			if v4 == nil || len(n.Mask) != net.IPv4len {
				continue
			}
			b := make(net.IP, net.IPv4len)
			binary.BigEndian.PutUint32(b, binary.BigEndian.Uint32(v4)|^binary.BigEndian.Uint32(n.Mask))
			if s := b.String(); !set[s] {
				set[s] = true
				out = append(out, s)
			}
		}
	}
	return out, nil
}
