// Package recovery implements the crash-recovery sweep (spec §4.10): release
// expired leases, salvage or abandon stale non-COMMITTED containers, and
// reset source rows stranded in the claimed state. SweepOnce makes one pass,
// the way the teacher's tooling/ commands run a one-shot maintenance pass
// over a store; this package does not schedule repeat passes itself.
package recovery

import (
	"context"
	"fmt"
	"time"

	"k8s.io/klog/v2"

	"github.com/datavision/easystore/desformat"
	"github.com/datavision/easystore/metastore"
	"github.com/datavision/easystore/objstore"
	"github.com/datavision/easystore/source"
)

// Sweeper runs the recovery sweep against one metadata store, one archive
// client, and the set of source providers whose claims the sweep should
// reconcile.
type Sweeper struct {
	store     *metastore.Store
	client    *objstore.Client
	providers []*source.Provider
	baseURL   string // archive bucket's HTTP base, e.g. "https://archive.example.com/<bucket>"
	staleAge  time.Duration
}

// New builds a Sweeper. staleAge is the minimum container age (spec §4.10
// step 2) before a non-COMMITTED record is considered for salvage/abandon.
func New(store *metastore.Store, client *objstore.Client, providers []*source.Provider, baseURL string, staleAge time.Duration) *Sweeper {
	return &Sweeper{store: store, client: client, providers: providers, baseURL: baseURL, staleAge: staleAge}
}

// Result summarizes one SweepOnce pass, for logging and telemetry.
type Result struct {
	LeasesReleased      int
	ContainersSalvaged  int
	ContainersAbandoned int
	ClaimsReset         int64
}

// SweepOnce runs the three-step recovery pass (spec §4.10) once.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	var res Result

	released, err := s.releaseExpiredLeases(ctx)
	if err != nil {
		return res, fmt.Errorf("recovery: release expired leases: %w", err)
	}
	res.LeasesReleased = released

	salvaged, abandoned, err := s.reconcileStaleContainers(ctx)
	if err != nil {
		return res, fmt.Errorf("recovery: reconcile stale containers: %w", err)
	}
	res.ContainersSalvaged = salvaged
	res.ContainersAbandoned = abandoned

	for _, prov := range s.providers {
		n, err := prov.ResetTimedOutClaims(ctx, time.Now())
		if err != nil {
			return res, fmt.Errorf("recovery: reset timed out claims: %w", err)
		}
		res.ClaimsReset += n
	}

	klog.V(2).Infof("recovery: sweep complete: %+v", res)
	return res, nil
}

// releaseExpiredLeases implements step 1: any lease whose heartbeat_at+ttl <
// now is released so another worker can re-acquire the shard.
func (s *Sweeper) releaseExpiredLeases(ctx context.Context) (int, error) {
	now := time.Now()
	expired, err := s.store.ListExpiredLeases(ctx, now)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, lease := range expired {
		if err := s.store.Release(ctx, lease.ShardID, lease.OwnerID, lease.Generation); err != nil {
			klog.Warningf("recovery: release expired lease shard=%d owner=%s: %v", lease.ShardID, lease.OwnerID, err)
			continue
		}
		released++
	}
	return released, nil
}

// reconcileStaleContainers implements step 2: for each non-COMMITTED
// container older than staleAge, attempt a trailing-range footer read. A
// well-formed footer means the upload actually completed before the packer
// died partway through its commit sequence, so the record is salvaged
// rather than the bytes thrown away.
func (s *Sweeper) reconcileStaleContainers(ctx context.Context) (salvaged, abandoned int, err error) {
	now := time.Now()
	stale, err := s.store.ListStaleContainers(ctx, s.staleAge, now)
	if err != nil {
		return 0, 0, err
	}

	for _, rec := range stale {
		url := s.baseURL + "/" + rec.Key
		if ok := s.hasWellFormedFooter(ctx, url); ok {
			if err := s.store.MarkUploaded(ctx, rec.ContainerID, now); err != nil {
				klog.Warningf("recovery: salvage container %s: %v", rec.ContainerID, err)
				continue
			}
			salvaged++
			continue
		}

		if err := s.store.Abandon(ctx, rec.ContainerID); err != nil {
			klog.Warningf("recovery: abandon container %s: %v", rec.ContainerID, err)
			continue
		}
		if err := s.client.Delete(ctx, url); err != nil {
			klog.Warningf("recovery: delete partial object %s: %v", url, err)
		}
		abandoned++
	}
	return salvaged, abandoned, nil
}

// hasWellFormedFooter opens the object and attempts to decode its trailing
// FooterSize bytes. Any failure (object missing, too small, bad magic,
// offset or size mismatch) is treated as "not well-formed" rather than
// propagated, since an absent or partial object is the expected case for a
// genuinely abandoned container.
func (s *Sweeper) hasWellFormedFooter(ctx context.Context, url string) bool {
	obj, err := objstore.Open(ctx, s.client, objstore.Locator{URL: url})
	if err != nil {
		return false
	}
	defer obj.Close()

	if obj.Size() < desformat.FooterSize {
		return false
	}
	buf, err := obj.ReadRange(ctx, obj.Size()-desformat.FooterSize, desformat.FooterSize)
	if err != nil {
		return false
	}
	_, err = desformat.DecodeFooter(buf, obj.Size())
	return err == nil
}
