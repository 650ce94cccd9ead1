// Package packer implements the multi-shard control loop (spec §4.9): the
// per-shard state machine, heartbeat renewal, rollover, checkpointing, and
// backpressure, fanned out across shards with golang.org/x/sync/errgroup and
// bounded by a semaphore.Weighted the way the teacher's downloader package
// bounds concurrent chunk fetches.
package packer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"k8s.io/klog/v2"

	"github.com/datavision/easystore/config"
	"github.com/datavision/easystore/container"
	"github.com/datavision/easystore/metastore"
	"github.com/datavision/easystore/nameid"
	"github.com/datavision/easystore/objstore"
	"github.com/datavision/easystore/retry"
	"github.com/datavision/easystore/source"
	"github.com/datavision/easystore/telemetry"
)

// Packer is the top-level control loop owner (spec §9: "the packer owns
// provider and store as fields... no back-pointers").
type Packer struct {
	store     *metastore.Store
	providers []*source.Provider
	names     *nameid.Generator
	archive   *archiveBlobHandle
	client    *objstore.Client
	sink      *telemetry.Sink
	probe     *telemetry.Probe
	cfg       config.PackerConfig
	ownerID   string
	shardBits uint

	maxConcurrentShards int64
}

// New builds a Packer. archiveBaseURL is the HTTP base the archive bucket is
// reachable at (e.g. an S3-compatible Range-capable endpoint).
func New(
	store *metastore.Store,
	providers []*source.Provider,
	names *nameid.Generator,
	client *objstore.Client,
	sink *telemetry.Sink,
	probe *telemetry.Probe,
	cfg config.PackerConfig,
	ownerID string,
	shardBits uint,
	archiveBaseURL string,
) *Packer {
	return &Packer{
		store:               store,
		providers:           providers,
		names:               names,
		archive:             newArchiveBlobHandle(client, cfg.ArchiveBucket, archiveBaseURL),
		client:              client,
		sink:                sink,
		probe:               probe,
		cfg:                 cfg,
		ownerID:             ownerID,
		shardBits:           shardBits,
		maxConcurrentShards: 32,
	}
}

// Run drives every shard in assignment concurrently until shutdown fires or
// ctx is cancelled (spec §6.5's Packer.run(shard_assignment, shutdown_signal)).
// It returns the first shard task's terminal error, if any; a shard reaching
// LOST is not itself an error — it is expected to be re-leased by another
// worker or retried on the next Run call.
func (p *Packer) Run(ctx context.Context, assignment []uint32, shutdown <-chan struct{}) error {
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(p.maxConcurrentShards)

	for _, shardID := range assignment {
		shardID := shardID
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			return p.runShard(gctx, shardID, shutdown)
		})
	}
	return g.Wait()
}

// shardTask tracks the in-progress container for one shard.
type shardTask struct {
	shardID     uint32
	day         string
	containerID string
	writer      *container.Writer
	path        string

	filesSinceCheckpoint int
	bytesSinceCheckpoint int64
	claims               []source.PendingFile // claims folded into the open container, for the mark_packed batch
}

func (p *Packer) runShard(ctx context.Context, shardID uint32, shutdown <-chan struct{}) error {
	state := StateIdle
	var task *shardTask
	var lease metastore.Lease

	heartbeatDone := make(chan struct{})
	var heartbeatWG sync.WaitGroup
	lost := make(chan struct{}, 1)

	defer func() {
		close(heartbeatDone)
		heartbeatWG.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			p.shutdownShard(context.Background(), task, &lease, StateLost)
			return ctx.Err()
		case <-shutdown:
			p.shutdownShard(context.Background(), task, &lease, state)
			return nil
		case <-lost:
			p.abandonAndRelease(context.Background(), task, lease)
			state, task = StateIdle, nil
			continue
		default:
		}

		switch state {
		case StateIdle:
			acquired, ok, err := p.store.TryAcquire(ctx, shardID, p.ownerID, p.cfg.LeaseTTL(), time.Now())
			if err != nil {
				klog.Errorf("packer: shard %d try_acquire: %v", shardID, err)
				time.Sleep(time.Second)
				continue
			}
			if !ok {
				time.Sleep(time.Second)
				continue
			}
			lease = acquired
			state = StateLeased
			heartbeatWG.Add(1)
			go p.heartbeatLoop(shardID, lease, heartbeatDone, lost, &heartbeatWG)

		case StateLeased:
			t, err := p.openWriter(ctx, shardID, lease)
			if err != nil {
				klog.Errorf("packer: shard %d open writer: %v", shardID, err)
				state = StateFailed
				continue
			}
			task = t
			state = StatePacking

		case StatePacking:
			rolled, err := p.packOnce(ctx, task)
			if err != nil {
				klog.Errorf("packer: shard %d pack: %v", shardID, err)
				state = StateFailed
				continue
			}
			if rolled {
				state = StateFinalizing
			}

		case StateFinalizing:
			if err := p.finalizeAndCommit(ctx, task); err != nil {
				klog.Errorf("packer: shard %d finalize: %v", shardID, err)
				state = StateFailed
				continue
			}
			state = StateCommitted

		case StateCommitted:
			task = nil
			state = StateIdle

		case StateFailed:
			if task != nil && task.writer != nil {
				_ = task.writer.Abort()
			}
			if task != nil {
				_ = p.store.Abandon(context.Background(), task.containerID)
			}
			_ = p.store.Release(context.Background(), shardID, p.ownerID, lease.Generation)
			return fmt.Errorf("packer: shard %d entered FAILED", shardID)
		}
	}
}

func (p *Packer) heartbeatLoop(shardID uint32, lease metastore.Lease, done <-chan struct{}, lost chan<- struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	interval := p.cfg.LeaseTTL() / 3
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			err := retry.Do(context.Background(), retry.DefaultPolicy(), func(ctx context.Context) error {
				return p.store.Renew(ctx, shardID, lease.OwnerID, lease.Generation, time.Now())
			})
			now := time.Now()
			p.probe.RecordLeaseRenew(err == nil, now)
			if err != nil {
				klog.Warningf("packer: shard %d lease renewal failed, transitioning to LOST: %v", shardID, err)
				select {
				case lost <- struct{}{}:
				default:
				}
				return
			}
		}
	}
}

func (p *Packer) openWriter(ctx context.Context, shardID uint32, lease metastore.Lease) (*shardTask, error) {
	day := time.Now().UTC().Format("2006-01-02")
	containerID := p.names.Next()
	path := filepath.Join(p.cfg.WorkDir, fmt.Sprintf("%d-%s-%s.des.tmp", shardID, day, containerID))

	w, err := container.Open(path,
		container.WithBigFileThreshold(p.cfg.BigFileThresholdBytes),
		container.WithExternalBlobHandle(p.archive),
		container.WithContainerStem(containerID))
	if err != nil {
		return nil, fmt.Errorf("packer: open writer %q: %w", path, err)
	}

	rec := metastore.ContainerRecord{
		ContainerID: containerID,
		ShardID:     shardID,
		Day:         day,
		Bucket:      p.cfg.ArchiveBucket,
		Key:         ContainerKey(day, shardID, p.shardBits, containerID),
		CreatedAt:   time.Now(),
		OwnerID:     lease.OwnerID,
		Generation:  lease.Generation,
	}
	if err := p.store.CreateContainer(ctx, rec); err != nil {
		_ = w.Abort()
		return nil, err
	}
	return &shardTask{shardID: shardID, day: day, containerID: containerID, writer: w, path: path}, nil
}

// packOnce runs one PACKING iteration (spec §4.9 steps 2-5): claim a batch,
// add each file, checkpoint, and report whether a rollover trigger fired.
func (p *Packer) packOnce(ctx context.Context, task *shardTask) (rolledOver bool, err error) {
	shardSet := map[uint32]struct{}{task.shardID: {}}

	for _, prov := range p.providers {
		batch, err := prov.Claim(ctx, p.ownerID, shardSet, time.Now())
		if err != nil {
			p.sink.OnEvent("claim_error", map[string]string{"shard": fmt.Sprint(task.shardID)}, 1)
			prov.ShrinkBatchSize()
			continue
		}
		if len(batch) == 0 {
			prov.GrowBatchSize()
			continue
		}
		prov.GrowBatchSize()

		for _, pf := range batch {
			data, err := prov.Fetch(ctx, pf, sourceURLFor(pf))
			if err != nil {
				_ = prov.MarkFailed(ctx, pf, err)
				continue
			}
			meta := pf.Meta
			if meta == nil {
				meta = map[string]any{}
			}
			if err := task.writer.Add(pf.ID, data, meta); err != nil {
				_ = prov.MarkFailed(ctx, pf, err)
				continue
			}
			task.claims = append(task.claims, pf)
			task.filesSinceCheckpoint++
			task.bytesSinceCheckpoint += int64(len(data))
		}

		if task.filesSinceCheckpoint >= p.cfg.CheckpointInterval || task.bytesSinceCheckpoint >= p.cfg.CheckpointBytes {
			if err := p.checkpoint(ctx, task); err != nil {
				klog.Warningf("packer: shard %d checkpoint: %v", task.shardID, err)
			}
		}
	}

	return p.shouldRollover(task), nil
}

func (p *Packer) checkpoint(ctx context.Context, task *shardTask) error {
	fileCount := uint64(len(task.claims))
	byteSize := uint64(task.bytesSinceCheckpoint)
	task.filesSinceCheckpoint = 0
	task.bytesSinceCheckpoint = 0
	return p.store.Checkpoint(ctx, task.containerID, fileCount, byteSize)
}

func (p *Packer) shouldRollover(task *shardTask) bool {
	if uint64(len(task.claims)) >= p.cfg.MaxFilesPerContainer {
		return true
	}
	if p.cfg.MaxContainerBytes > 0 && task.bytesSinceCheckpoint >= p.cfg.MaxContainerBytes {
		return true
	}
	if time.Now().UTC().Format("2006-01-02") != task.day {
		return true
	}
	return false
}

func (p *Packer) finalizeAndCommit(ctx context.Context, task *shardTask) error {
	stats, err := task.writer.Finalize()
	if err != nil {
		return fmt.Errorf("packer: finalize %s: %w", task.containerID, err)
	}
	if err := p.store.MarkUploading(ctx, task.containerID, stats.FileCount, stats.ByteSize); err != nil {
		return err
	}

	key := ContainerKey(task.day, task.shardID, p.shardBits, task.containerID)
	data, err := readWholeFile(task.path)
	if err != nil {
		return fmt.Errorf("packer: read finalized container %q: %w", task.path, err)
	}
	if err := p.client.Put(ctx, p.archive.baseURL+"/"+key, data); err != nil {
		return fmt.Errorf("packer: upload %s: %w", key, err)
	}

	if err := p.store.MarkUploaded(ctx, task.containerID, time.Now()); err != nil {
		return err
	}
	for _, pf := range task.claims {
		for _, prov := range p.providers {
			_ = prov.MarkPacked(ctx, pf, task.containerID)
		}
	}
	p.sink.OnEvent("container_committed", map[string]string{"shard": fmt.Sprint(task.shardID)}, 1)
	klog.Infof("packer: shard %d committed %s (%s, %d files)", task.shardID, task.containerID,
		humanize.Bytes(stats.ByteSize), stats.FileCount)
	return nil
}

// shutdownShard implements the finalize-on-shutdown policy (spec §5):
// finalize if min_commit_files has been reached, otherwise abort (claims
// revert to pending via recovery).
func (p *Packer) shutdownShard(ctx context.Context, task *shardTask, lease *metastore.Lease, state ShardState) {
	if task == nil || task.writer == nil {
		return
	}
	grace, cancel := context.WithTimeout(ctx, p.cfg.ShutdownGrace())
	defer cancel()

	if len(task.claims) >= p.cfg.MinCommitFiles {
		if err := p.finalizeAndCommit(grace, task); err != nil {
			klog.Errorf("packer: shutdown finalize shard %d: %v", task.shardID, err)
			_ = task.writer.Abort()
			_ = p.store.Abandon(ctx, task.containerID)
		}
	} else {
		_ = task.writer.Abort()
		_ = p.store.Abandon(ctx, task.containerID)
	}
	_ = p.store.Release(ctx, task.shardID, p.ownerID, lease.Generation)
}

func (p *Packer) abandonAndRelease(ctx context.Context, task *shardTask, lease metastore.Lease) {
	if task != nil {
		if task.writer != nil {
			_ = task.writer.Abort()
		}
		_ = p.store.Abandon(ctx, task.containerID)
	}
	_ = p.store.Release(ctx, lease.ShardID, lease.OwnerID, lease.Generation)
}

// sourceURLFor builds the HTTP URL a PendingFile's bytes are fetched from:
// an AWS S3 virtual-hosted-style URL made from (bucket, key). No configured
// endpoint is consulted.
func sourceURLFor(pf source.PendingFile) string {
	return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", pf.Bucket, pf.Key)
}
