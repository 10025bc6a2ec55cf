// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package gc_test

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/depot/depot/blobstore"
	"storj.io/depot/depot/blobstore/fsstore"
	"storj.io/depot/depot/gc"
	"storj.io/depot/depot/metabase"
	"storj.io/depot/depot/migrations"
	"storj.io/depot/depot/objects"
	"storj.io/depot/depot/session"
	"storj.io/depot/depot/tenant"
	"storj.io/depot/private/dbutil/pgtest"
	"storj.io/depot/private/dbutil/pgutil"
	"storj.io/depot/private/testcontext"
)

type backupRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (rec *backupRecorder) ScheduleBackups(ctx context.Context, tenantID string, keys []string) error {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.keys = append(rec.keys, keys...)
	return nil
}

type gcHarness struct {
	scanner *gc.Scanner
	broker  *session.Broker
	store   *metabase.Store
	blobs   blobstore.Store
	events  *backupRecorder
	pool    *pgxpool.Pool
}

func newGCHarness(ctx *testcontext.Context, t *testing.T) *gcHarness {
	connstr := pgtest.PickPostgres(t)
	log := zaptest.NewLogger(t)

	pool, err := pgutil.OpenPool(ctx, connstr, "depot-gc-test", 0)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	migration, err := migrations.Tenant(pool)
	require.NoError(t, err)
	require.NoError(t, migration.Run(ctx, log))

	broker := session.NewBroker(log, tenant.NewStaticRegistry(log, &tenant.Config{
		TenantID:    "default",
		DatabaseURL: connstr,
	}), 4)
	t.Cleanup(func() { require.NoError(t, broker.Close()) })

	blobs, err := fsstore.New(log, ctx.Dir("blobs"))
	require.NoError(t, err)

	events := &backupRecorder{}
	// Tiny pages force the producers and the fair merge through
	// multiple fills.
	scanner := gc.NewScanner(log, broker, metabase.NewStore(log), blobs, events, gc.Config{
		Bucket:          "depot",
		PageSize:        2,
		DeleteBatchSize: 3,
	})

	return &gcHarness{
		scanner: scanner,
		broker:  broker,
		store:   metabase.NewStore(log),
		blobs:   blobs,
		events:  events,
		pool:    pool,
	}
}

func (h *gcHarness) withSession(ctx *testcontext.Context, t *testing.T, fn func(sess *session.Session)) {
	sess, err := h.broker.Acquire(ctx, session.AcquireParams{TenantID: "default", SuperUser: true})
	require.NoError(t, err)
	defer func() { _ = sess.Rollback(context.Background()) }()
	fn(sess)
	require.NoError(t, sess.Commit(ctx))
}

func (h *gcHarness) createBucket(ctx *testcontext.Context, t *testing.T) metabase.Bucket {
	var b [6]byte
	_, err := rand.Read(b[:])
	require.NoError(t, err)

	var bucket metabase.Bucket
	h.withSession(ctx, t, func(sess *session.Session) {
		var err error
		bucket, err = h.store.CreateBucket(ctx, sess, metabase.CreateBucket{
			ID: "gc-" + hex.EncodeToString(b[:]),
		})
		require.NoError(t, err)
	})
	return bucket
}

// seedRow inserts a committed row without touching the backend.
func (h *gcHarness) seedRow(ctx *testcontext.Context, t *testing.T, bucketID, name string, size int64) metabase.Object {
	var object metabase.Object
	h.withSession(ctx, t, func(sess *session.Session) {
		pending, err := h.store.InsertPendingObject(ctx, sess, metabase.InsertPendingObject{
			BucketID: bucketID,
			Name:     name,
		})
		require.NoError(t, err)
		object, err = h.store.FinalizeObject(ctx, sess, metabase.FinalizeObject{
			ObjectID: pending.ID,
			Metadata: metabase.ObjectMetadata{Size: size, Mimetype: "text/plain"},
		})
		require.NoError(t, err)
	})
	return object
}

// seedBlob writes a backend blob without touching the database.
func (h *gcHarness) seedBlob(ctx *testcontext.Context, t *testing.T, key, content string) {
	_, err := h.blobs.UploadObject(ctx, "depot", key, strings.NewReader(content), blobstore.PutOptions{})
	require.NoError(t, err)
}

// seedObject creates a healthy object: a committed row and its blob.
func (h *gcHarness) seedObject(ctx *testcontext.Context, t *testing.T, bucketID, name, content string) metabase.Object {
	object := h.seedRow(ctx, t, bucketID, name, int64(len(content)))
	h.seedBlob(ctx, t, objects.BlobKey("default", bucketID, name, object.Version), content)
	return object
}

func (h *gcHarness) scan(ctx *testcontext.Context, t *testing.T, params gc.ScanParams) []gc.Orphan {
	var found []gc.Orphan
	err := h.scanner.Scan(ctx, params, func(ctx context.Context, orphan gc.Orphan) error {
		found = append(found, orphan)
		return nil
	})
	require.NoError(t, err)
	return found
}

func orphansOfKind(found []gc.Orphan, kind gc.Kind) []gc.Orphan {
	var filtered []gc.Orphan
	for _, orphan := range found {
		if orphan.Kind == kind {
			filtered = append(filtered, orphan)
		}
	}
	return filtered
}

func TestScanFindsOrphans(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newGCHarness(ctx, t)
	bucket := h.createBucket(ctx, t)

	healthy := h.seedObject(ctx, t, bucket.ID, "kept/healthy.txt", "healthy content")
	h.seedBlob(ctx, t, objects.InfoKey("default", bucket.ID, "kept/healthy.txt", healthy.Version), "sidecar")

	h.seedBlob(ctx, t, objects.BlobKey("default", bucket.ID, "ghost.txt", "v-ghost"), "ghost data")
	h.seedBlob(ctx, t, objects.InfoKey("default", bucket.ID, "ghost.txt", "v-ghost"), "sidecar")

	rowOnly := h.seedRow(ctx, t, bucket.ID, "rowonly.txt", 42)

	found := h.scan(ctx, t, gc.ScanParams{TenantID: "default", BucketID: bucket.ID})
	require.Len(t, found, 2)

	blobs := orphansOfKind(found, gc.KindBlob)
	require.Len(t, blobs, 1)
	require.Equal(t, "ghost.txt", blobs[0].Name)
	require.Equal(t, "v-ghost", blobs[0].Version)
	require.Equal(t, objects.BlobKey("default", bucket.ID, "ghost.txt", "v-ghost"), blobs[0].Key)
	require.Equal(t, int64(len("ghost data")), blobs[0].Size)

	rows := orphansOfKind(found, gc.KindRow)
	require.Len(t, rows, 1)
	require.Equal(t, "rowonly.txt", rows[0].Name)
	require.Equal(t, rowOnly.Version, rows[0].Version)
	require.Equal(t, int64(42), rows[0].Size)
}

func TestScanAlternatesSources(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newGCHarness(ctx, t)
	bucket := h.createBucket(ctx, t)

	for _, name := range []string{"b1.txt", "b2.txt", "b3.txt", "b4.txt", "b5.txt"} {
		h.seedBlob(ctx, t, objects.BlobKey("default", bucket.ID, name, "v1"), "data")
	}
	for _, name := range []string{"r1.txt", "r2.txt", "r3.txt"} {
		h.seedRow(ctx, t, bucket.ID, name, 1)
	}

	found := h.scan(ctx, t, gc.ScanParams{TenantID: "default", BucketID: bucket.ID})
	require.Len(t, found, 8)

	// Fair merge interleaves the two kinds while both still produce.
	require.Equal(t, gc.KindBlob, found[0].Kind)
	require.Equal(t, gc.KindRow, found[1].Kind)
	require.Equal(t, gc.KindBlob, found[2].Kind)
	require.Equal(t, gc.KindRow, found[3].Kind)

	require.Len(t, orphansOfKind(found, gc.KindBlob), 5)
	require.Len(t, orphansOfKind(found, gc.KindRow), 3)
}

func TestScanCancel(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newGCHarness(ctx, t)
	bucket := h.createBucket(ctx, t)

	for _, name := range []string{"c1.txt", "c2.txt", "c3.txt", "c4.txt"} {
		h.seedBlob(ctx, t, objects.BlobKey("default", bucket.ID, name, "v1"), "data")
	}

	scanCtx, cancel := context.WithCancel(ctx)
	var seen int
	err := h.scanner.Scan(scanCtx, gc.ScanParams{TenantID: "default", BucketID: bucket.ID},
		func(ctx context.Context, orphan gc.Orphan) error {
			seen++
			if seen == 2 {
				cancel()
			}
			return nil
		})
	require.Error(t, err)
	require.Equal(t, 2, seen)
}

func TestDeleteOrphans(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newGCHarness(ctx, t)
	bucket := h.createBucket(ctx, t)

	healthy := h.seedObject(ctx, t, bucket.ID, "kept.txt", "kept content")

	ghostKeys := make([]string, 0, 5)
	for _, name := range []string{"g1.txt", "g2.txt", "g3.txt", "g4.txt", "g5.txt"} {
		key := objects.BlobKey("default", bucket.ID, name, "v1")
		h.seedBlob(ctx, t, key, "ghost")
		ghostKeys = append(ghostKeys, key)
	}
	for _, name := range []string{"r1.txt", "r2.txt", "r3.txt"} {
		h.seedRow(ctx, t, bucket.ID, name, 7)
	}

	stats, err := h.scanner.DeleteOrphans(ctx, gc.DeleteParams{
		ScanParams: gc.ScanParams{TenantID: "default", BucketID: bucket.ID},
	})
	require.NoError(t, err)
	require.Equal(t, int64(5), stats.BlobOrphans)
	require.Equal(t, int64(3), stats.RowOrphans)
	require.Equal(t, int64(5*len("ghost")), stats.Bytes)

	for _, key := range ghostKeys {
		_, err := h.blobs.HeadObject(ctx, "depot", key)
		require.True(t, blobstore.ErrNotFound.Has(err), "expected %s gone", key)
	}

	// The healthy object survived on both sides.
	_, err = h.blobs.HeadObject(ctx, "depot", objects.BlobKey("default", bucket.ID, "kept.txt", healthy.Version))
	require.NoError(t, err)
	h.withSession(ctx, t, func(sess *session.Session) {
		object, err := h.store.GetObject(ctx, sess, metabase.GetObject{BucketID: bucket.ID, Name: "kept.txt"})
		require.NoError(t, err)
		require.Equal(t, healthy.ID, object.ID)

		_, err = h.store.GetObject(ctx, sess, metabase.GetObject{BucketID: bucket.ID, Name: "r1.txt"})
		require.True(t, metabase.ErrObjectNotFound.Has(err))
	})

	// A second run converges to nothing.
	found := h.scan(ctx, t, gc.ScanParams{TenantID: "default", BucketID: bucket.ID})
	require.Empty(t, found)
	require.Empty(t, h.events.keys)
}

func TestDeleteOrphansBackup(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newGCHarness(ctx, t)
	bucket := h.createBucket(ctx, t)

	key := objects.BlobKey("default", bucket.ID, "ghost.txt", "v1")
	h.seedBlob(ctx, t, key, "ghost")

	stats, err := h.scanner.DeleteOrphans(ctx, gc.DeleteParams{
		ScanParams: gc.ScanParams{TenantID: "default", BucketID: bucket.ID},
		Backup:     true,
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.BlobOrphans)

	// The backup job owns the deletion, so the blob is still there.
	_, err = h.blobs.HeadObject(ctx, "depot", key)
	require.NoError(t, err)
	require.Contains(t, h.events.keys, key)
	require.Contains(t, h.events.keys, key+objects.InfoSuffix)
}

func TestScanWindow(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	h := newGCHarness(ctx, t)
	bucket := h.createBucket(ctx, t)

	// Fresh entries on both sides stay invisible behind the cutoff.
	h.seedBlob(ctx, t, objects.BlobKey("default", bucket.ID, "fresh.txt", "v1"), "fresh")
	aged := h.seedRow(ctx, t, bucket.ID, "aged.txt", 9)

	before := time.Now().Add(-time.Hour)
	found := h.scan(ctx, t, gc.ScanParams{TenantID: "default", BucketID: bucket.ID, Before: before})
	require.Empty(t, found)

	// An old row that was touched after the cutoff is left alone; its
	// blob may simply be younger than the listing window.
	_, err := h.pool.Exec(ctx, `
		UPDATE storage.objects SET created_at = now() - interval '2 days'
		WHERE bucket_id = $1 AND name = $2`,
		bucket.ID, "aged.txt")
	require.NoError(t, err)

	found = h.scan(ctx, t, gc.ScanParams{TenantID: "default", BucketID: bucket.ID, Before: before})
	require.Empty(t, found)

	// Once nothing has touched it for the whole window, it counts.
	_, err = h.pool.Exec(ctx, `
		UPDATE storage.objects SET updated_at = now() - interval '2 days'
		WHERE bucket_id = $1 AND name = $2`,
		bucket.ID, "aged.txt")
	require.NoError(t, err)

	found = h.scan(ctx, t, gc.ScanParams{TenantID: "default", BucketID: bucket.ID, Before: before})
	require.Len(t, found, 1)
	require.Equal(t, gc.KindRow, found[0].Kind)
	require.Equal(t, "aged.txt", found[0].Name)
	require.Equal(t, aged.Version, found[0].Version)
}
