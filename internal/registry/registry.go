// Package registry tracks the peers currently registered with the
// rendezvous server, keyed by the endpoint the server observed.
package registry

import (
	"sync"

	"github.com/matst80/punchhole/internal/obs"
	"github.com/matst80/punchhole/internal/proto"
)

// Observer is notified after the registry changes. Calls happen outside the
// registry lock, in the goroutine that made the change.
type Observer interface {
	OnRegister(rec proto.PeerRecord)
	OnUnregister(rec proto.PeerRecord)
}

// Delivery is one peer list to push: everything except the target itself.
type Delivery struct {
	Target proto.PeerRecord
	Peers  []proto.PeerRecord
}

// Registry is the server's peer table. Every operation runs under one
// exclusive lock; sessions hold a handful of peers, so contention is moot.
type Registry struct {
	mu        sync.Mutex
	peers     []proto.PeerRecord
	observers []Observer
}

func New(observers ...Observer) *Registry {
	return &Registry{observers: observers}
}

// Register stores rec. A record with the same remote endpoint is replaced,
// so a control connection never owns more than one record.
func (r *Registry) Register(rec proto.PeerRecord) {
	r.mu.Lock()
	if i := r.indexLocked(rec.RemoteAddress, rec.RemotePort); i >= 0 {
		r.peers[i] = rec
	} else {
		r.peers = append(r.peers, rec)
	}
	n := len(r.peers)
	r.mu.Unlock()

	obs.ActivePeers.Set(float64(n))
	for _, o := range r.observers {
		o.OnRegister(rec)
	}
}

// Unregister removes the record for the remote endpoint and reports whether
// one existed.
func (r *Registry) Unregister(remoteAddress string, remotePort uint16) bool {
	r.mu.Lock()
	i := r.indexLocked(remoteAddress, remotePort)
	if i < 0 {
		r.mu.Unlock()
		return false
	}
	rec := r.peers[i]
	r.peers = append(r.peers[:i], r.peers[i+1:]...)
	n := len(r.peers)
	r.mu.Unlock()

	obs.ActivePeers.Set(float64(n))
	for _, o := range r.observers {
		o.OnUnregister(rec)
	}
	return true
}

// SnapshotExcluding returns a copy of every record except the one for the
// given remote endpoint.
func (r *Registry) SnapshotExcluding(remoteAddress string, remotePort uint16) []proto.PeerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.excludingLocked(remoteAddress, remotePort)
}

// Fanout computes, under a single lock acquisition, the peer list every
// registered peer should receive. Peers with nothing to learn are skipped.
func (r *Registry) Fanout() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Delivery, 0, len(r.peers))
	for _, p := range r.peers {
		others := r.excludingLocked(p.RemoteAddress, p.RemotePort)
		if len(others) == 0 {
			continue
		}
		out = append(out, Delivery{Target: p, Peers: others})
	}
	return out
}

// All returns a copy of every record.
func (r *Registry) All() []proto.PeerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]proto.PeerRecord(nil), r.peers...)
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

func (r *Registry) indexLocked(addr string, port uint16) int {
	for i, p := range r.peers {
		if p.RemoteAddress == addr && p.RemotePort == port {
			return i
		}
	}
	return -1
}

func (r *Registry) excludingLocked(addr string, port uint16) []proto.PeerRecord {
	out := make([]proto.PeerRecord, 0, len(r.peers))
	for _, p := range r.peers {
		if p.RemoteAddress == addr && p.RemotePort == port {
			continue
		}
		out = append(out, p)
	}
	return out
}
