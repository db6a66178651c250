// Package registry distributes trust-set thumbprints and route-table
// entries across a fleet of runtimes via etcd.
//
// Keys live under a fixed hierarchical prefix, and Watch re-fetches the
// full snapshot on any change rather than trying to apply individual
// diffs. The two collections replicated here are "trusted thumbprint"
// (TrustSet) and "destination -> next-hop endpoint" (RouteTable); entries
// carry no TTL lease, since both sets only ever change by an explicit
// publish or revoke, never by a process going quiet.
package registry

import (
	"context"
	"encoding/json"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"mxtransport/message"
)

const (
	trustPrefix = "/mxtransport/trust/"
	routePrefix = "/mxtransport/routes/"
)

// Sync replicates TrustSet and RouteTable entries through etcd so every
// runtime in a fleet converges on the same trusted-thumbprint set and
// routing hints. Entries carry no TTL lease: they never expire on their
// own, and removal is always an explicit RevokeTrust.
type Sync struct {
	client *clientv3.Client
	log    *zap.SugaredLogger
}

// New connects to the given etcd endpoints.
func New(endpoints []string, log *zap.SugaredLogger) (*Sync, error) {
	c, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Sync{client: c, log: log}, nil
}

// Close releases the underlying etcd client.
func (s *Sync) Close() error {
	return s.client.Close()
}

// PublishTrust adds thumbprint to the fleet-wide trust set.
func (s *Sync) PublishTrust(ctx context.Context, thumbprint string) error {
	_, err := s.client.Put(ctx, trustPrefix+strings.ToUpper(thumbprint), "1")
	return err
}

// RevokeTrust removes thumbprint from the fleet-wide trust set.
func (s *Sync) RevokeTrust(ctx context.Context, thumbprint string) error {
	_, err := s.client.Delete(ctx, trustPrefix+strings.ToUpper(thumbprint))
	return err
}

// ListTrust returns every currently trusted thumbprint.
func (s *Sync) ListTrust(ctx context.Context) ([]string, error) {
	resp, err := s.client.Get(ctx, trustPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, strings.TrimPrefix(string(kv.Key), trustPrefix))
	}
	return out, nil
}

// WatchTrust emits the full trusted-thumbprint set every time it changes:
// re-fetch on any event rather than reconstruct from individual diffs.
func (s *Sync) WatchTrust(ctx context.Context) <-chan []string {
	out := make(chan []string, 1)
	go func() {
		defer close(out)
		watchCh := s.client.Watch(ctx, trustPrefix, clientv3.WithPrefix())
		for range watchCh {
			snapshot, err := s.ListTrust(ctx)
			if err != nil {
				s.log.Warnw("trust watch: refetch failed", "error", err)
				continue
			}
			out <- snapshot
		}
	}()
	return out
}

// routeEntry is the wire shape of one route-table row.
type routeEntry struct {
	Destination message.ServiceEndpoint `json:"destination"`
	NextHop     message.ServiceEndpoint `json:"next_hop"`
}

func routeKey(dest message.ServiceEndpoint) string {
	return routePrefix + dest.BaseURI + "|" + dest.PinnedThumbprint
}

// PublishRoute records that requests to dest should first be sent via
// nextHop.
func (s *Sync) PublishRoute(ctx context.Context, dest, nextHop message.ServiceEndpoint) error {
	val, err := json.Marshal(routeEntry{Destination: dest, NextHop: nextHop})
	if err != nil {
		return err
	}
	_, err = s.client.Put(ctx, routeKey(dest), string(val))
	return err
}

// ListRoutes returns every currently published route.
func (s *Sync) ListRoutes(ctx context.Context) (map[message.ServiceEndpoint]message.ServiceEndpoint, error) {
	resp, err := s.client.Get(ctx, routePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	routes := make(map[message.ServiceEndpoint]message.ServiceEndpoint, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var entry routeEntry
		if err := json.Unmarshal(kv.Value, &entry); err != nil {
			continue
		}
		routes[entry.Destination] = entry.NextHop
	}
	return routes, nil
}

// WatchRoutes emits the full route table every time it changes.
func (s *Sync) WatchRoutes(ctx context.Context) <-chan map[message.ServiceEndpoint]message.ServiceEndpoint {
	out := make(chan map[message.ServiceEndpoint]message.ServiceEndpoint, 1)
	go func() {
		defer close(out)
		watchCh := s.client.Watch(ctx, routePrefix, clientv3.WithPrefix())
		for range watchCh {
			snapshot, err := s.ListRoutes(ctx)
			if err != nil {
				s.log.Warnw("route watch: refetch failed", "error", err)
				continue
			}
			out <- snapshot
		}
	}()
	return out
}
