package main

import (
	"time"

	"github.com/matst80/punchhole/internal/proto"
	"github.com/matst80/punchhole/internal/rendezvous"
)

// Stats represents current server stats for the state API.
type Stats struct {
	rendezvous.Stats
	Ready    bool               `json:"ready"`
	PeerList []proto.PeerRecord `json:"peer_list"`
	Now      string             `json:"now"`
}

func collectStats(srv *rendezvous.Server) Stats {
	return Stats{
		Stats:    srv.Stats(),
		Ready:    srv.Ready(),
		PeerList: srv.Peers(),
		Now:      time.Now().UTC().Format(time.RFC3339),
	}
}
