package command

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/yndnr/persistmesh-go/internal/core/domain"
	"github.com/yndnr/persistmesh-go/internal/node"
	"github.com/yndnr/persistmesh-go/internal/server/peerserver"
)

// dialPeer connects to a static peer, retrying with exponential backoff
// until it succeeds, the peer refuses us or ctx is done.
func dialPeer(ctx context.Context, n *node.Node, addr string, maxElapsed time.Duration, log *slog.Logger) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		log.Error("bad peer address", "peer", addr, "error", err)
		return
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.Error("bad peer port", "peer", addr, "error", err)
		return
	}

	b := backoff.NewExponentialBackOff()
	if maxElapsed > 0 {
		b.MaxElapsedTime = maxElapsed
	}
	err = backoff.RetryNotify(func() error {
		_, err := n.ConnectTo(ctx, host, port)
		if errors.Is(err, domain.ErrPoolFull) || errors.Is(err, domain.ErrHandshakeRejected) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.Debug("peer dial failed", "peer", addr, "retry_in", next, "error", err)
	})
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("giving up on peer", "peer", addr, "error", err)
		}
		return
	}
	log.Info("connected to peer", "peer", addr)
}

// report periodically logs the held notes and pings every peer.
func report(ctx context.Context, n *node.Node, notes *node.Collection[Note], every time.Duration, log *slog.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		titles := make([]string, 0, notes.Len())
		for _, note := range notes.Snapshot() {
			titles = append(titles, note.Title)
		}
		log.Info("store contents", "notes", len(titles), "titles", strings.Join(titles, ","))

		for _, c := range n.Connections() {
			if c.State() != peerserver.StateSynced {
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			rtt, err := c.Ping(pctx)
			cancel()
			if err != nil {
				log.Warn("ping failed", "peer", c.Host(), "error", err)
				continue
			}
			log.Info("peer status", "conn", c.ID(), "host", c.Host(), "port", c.Port(), "role", c.Role().String(), "ping_ms", rtt)
		}
	}
}
