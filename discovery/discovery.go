// Package discovery implements local-network peer discovery: advertise this identity's signed record over mDNS and watch
// for other peers' records, verifying each before it is trusted.
//
// zeroconf handles the mDNS packet parsing and service registration,
// so this package only has to carry the signed record in and out of
// a TXT field.
package discovery

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/libp2p/zeroconf/v2"

	"github.com/catshadow/meshchat/identity"
	"github.com/catshadow/meshchat/internal/worker"
)

const serviceType = "_meshchat._tcp"
const domain = "local."

// Event reports a peer's discovery record on the local network. This
// package only ever sets Added (once per verified mDNS entry it
// receives, including repeats); it never sets Changed or Removed.
type Event struct {
	Added   *PeerSeen
	Changed *PeerSeen
	Removed *PeerGone
}

// PeerSeen is a freshly verified, reachable peer.
type PeerSeen struct {
	Record *identity.Record
	Addr   string
	Port   uint16
	PeerID string
}

// PeerGone names a peer whose mDNS entry expired.
type PeerGone struct {
	PeerID string
}

// Discovery owns the mDNS advertiser and browser.
type Discovery struct {
	worker.Worker

	log    *log.Logger
	server *zeroconf.Server

	onEvent func(Event)
}

// New creates a Discovery that will deliver events to onEvent.
func New(onEvent func(Event)) *Discovery {
	return &Discovery{
		log:     log.NewWithOptions(nil, log.Options{Prefix: "discovery"}),
		onEvent: onEvent,
	}
}

// Advertise publishes selfRecord (an identity.Identity.ExportRecord
// result) on the local network as a TXT record under this peer's
// instance name.
func (d *Discovery) Advertise(instance string, port int, selfRecord []byte) error {
	txt := []string{"record=" + base64.StdEncoding.EncodeToString(selfRecord)}
	server, err := zeroconf.Register(instance, serviceType, domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("discovery: register: %w", err)
	}
	d.server = server
	return nil
}

// Browse starts watching for other instances of the service. Events
// are delivered to onEvent until ctx is canceled or Stop is called.
func (d *Discovery) Browse(ctx context.Context) error {
	entries := make(chan *zeroconf.ServiceEntry, 32)
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("discovery: new resolver: %w", err)
	}
	if err := resolver.Browse(ctx, serviceType, domain, entries); err != nil {
		return fmt.Errorf("discovery: browse: %w", err)
	}
	d.Go(func() { d.consume(entries) })
	return nil
}

func (d *Discovery) consume(entries <-chan *zeroconf.ServiceEntry) {
	for {
		select {
		case <-d.HaltCh():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			d.handleEntry(entry)
		}
	}
}

func (d *Discovery) handleEntry(entry *zeroconf.ServiceEntry) {
	rec, err := recordFromTXT(entry.Text)
	if err != nil {
		d.log.Warnf("discarding unverifiable record from %s: %v", entry.Instance, err)
		return
	}
	addr := ""
	if len(entry.AddrIPv4) > 0 {
		addr = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		addr = entry.AddrIPv6[0].String()
	}
	if addr == "" {
		return
	}
	seen := &PeerSeen{
		Record: rec,
		Addr:   addr,
		Port:   rec.Port,
		PeerID: identity.RecordID(rec),
	}
	if d.onEvent != nil {
		d.onEvent(Event{Added: seen})
	}
}

func recordFromTXT(txt []string) (*identity.Record, error) {
	for _, field := range txt {
		const prefix = "record="
		if len(field) <= len(prefix) || field[:len(prefix)] != prefix {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(field[len(prefix):])
		if err != nil {
			return nil, fmt.Errorf("discovery: bad base64 record: %w", err)
		}
		return identity.VerifyRecord(raw)
	}
	return nil, fmt.Errorf("discovery: no record TXT field")
}

// Stop withdraws the mDNS advertisement and stops the browser.
func (d *Discovery) Stop() {
	if d.server != nil {
		d.server.Shutdown()
	}
	d.Halt()
	d.Wait()
}
