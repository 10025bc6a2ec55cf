// Copyright (C) 2026 Storj Labs, Inc.
// See LICENSE for copying information.

package api_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/depot/depot/api"
	"storj.io/depot/depot/auth"
	"storj.io/depot/depot/blobstore/fsstore"
	"storj.io/depot/depot/eventing"
	"storj.io/depot/depot/metabase"
	"storj.io/depot/depot/migrations"
	"storj.io/depot/depot/objects"
	"storj.io/depot/depot/session"
	"storj.io/depot/depot/tenant"
	"storj.io/depot/private/dbutil/pgtest"
	"storj.io/depot/private/dbutil/pgutil"
	"storj.io/depot/private/testcontext"
)

const (
	testRole   = "depot_api_test"
	testSecret = "api-signing-secret-0123456789abc"
)

type nopEvents struct{}

func (nopEvents) ObjectCreated(context.Context, string, eventing.ObjectPayload) error { return nil }
func (nopEvents) ObjectRemoved(context.Context, eventing.ObjectPayload) error         { return nil }
func (nopEvents) ObjectMovedAway(context.Context, eventing.ObjectPayload) error       { return nil }
func (nopEvents) ScheduleAdminDelete(context.Context, string, ...string) error        { return nil }
func (nopEvents) ScheduleUploadCompleted(context.Context, string, string) error       { return nil }

// envelope mirrors the error responses of the server.
type envelope struct {
	StatusCode string `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (resp response) envelope(t *testing.T) envelope {
	var e envelope
	require.NoError(t, json.Unmarshal(resp.body, &e), string(resp.body))
	return e
}

func (resp response) unmarshal(t *testing.T, value interface{}) {
	require.NoError(t, json.Unmarshal(resp.body, value), string(resp.body))
}

type testServer struct {
	base   string
	client *http.Client
	token  string
}

// startServer runs the whole gateway stack on a loopback listener:
// migrations, session broker, filesystem blobs, and the HTTP server.
func startServer(ctx *testcontext.Context, t *testing.T, config api.Config, features tenant.Features) *testServer {
	connstr := pgtest.PickPostgres(t)
	log := zaptest.NewLogger(t)

	pool, err := pgutil.OpenPool(ctx, connstr, "depot-api-test", 0)
	require.NoError(t, err)
	migration, err := migrations.Tenant(pool)
	require.NoError(t, err)
	require.NoError(t, migration.Run(ctx, log))
	applyTestPolicies(ctx, t, pool)
	pool.Close()

	registry := tenant.NewStaticRegistry(log, &tenant.Config{
		TenantID:    "default",
		DatabaseURL: connstr,
		JWTSecret:   testSecret,
		Features:    features,
	})
	broker := session.NewBroker(log, registry, 4)
	t.Cleanup(func() { require.NoError(t, broker.Close()) })

	blobs, err := fsstore.New(log, ctx.Dir("blobs"))
	require.NoError(t, err)

	service := objects.NewService(log, registry, broker, metabase.NewStore(log), blobs, nopEvents{}, objects.Config{
		Bucket:        "depot",
		FileSizeLimit: 1 << 20,
		RetryBase:     time.Millisecond,
	})

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	config.TenantID = "default"
	if config.RequestIDHeader == "" {
		config.RequestIDHeader = "X-Request-Id"
	}
	server, err := api.NewServer(log, listener, registry, service, config)
	require.NoError(t, err)

	serverCtx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- server.Run(serverCtx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, server.Close())
		require.NoError(t, <-runErr)
	})

	token, err := auth.Sign(auth.Claims{
		Claims: jwt.Claims{Subject: "tester", Expiry: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Role:   testRole,
	}, []byte(testSecret))
	require.NoError(t, err)

	return &testServer{
		base:   "http://" + listener.Addr().String(),
		client: &http.Client{Timeout: 10 * time.Second},
		token:  token,
	}
}

func applyTestPolicies(ctx context.Context, t *testing.T, pool *pgxpool.Pool) {
	_, err := pool.Exec(ctx, `
		DO $$ BEGIN
			CREATE ROLE `+testRole+` NOLOGIN;
		EXCEPTION WHEN duplicate_object THEN
			NULL;
		END $$`)
	require.NoError(t, err)

	// Sessions bind the claims role with set_config('role', ...), which
	// needs membership.
	_, err = pool.Exec(ctx, `GRANT `+testRole+` TO CURRENT_USER`)
	require.NoError(t, err)

	for _, table := range []string{"buckets", "objects", "prefixes"} {
		_, err := pool.Exec(ctx, `GRANT SELECT, INSERT, UPDATE, DELETE ON storage.`+table+` TO `+testRole)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, `DROP POLICY IF EXISTS `+testRole+`_all ON storage.`+table)
		require.NoError(t, err)
		_, err = pool.Exec(ctx,
			`CREATE POLICY `+testRole+`_all ON storage.`+table+
				` FOR ALL TO `+testRole+` USING (true) WITH CHECK (true)`)
		require.NoError(t, err)
	}
	_, err = pool.Exec(ctx, `GRANT USAGE ON SCHEMA storage TO `+testRole)
	require.NoError(t, err)
}

func testBucketID(t *testing.T) string {
	var b [6]byte
	_, err := rand.Read(b[:])
	require.NoError(t, err)
	return "bucket-" + hex.EncodeToString(b[:])
}

// request sends one HTTP request. Headers override the defaults; an
// empty value removes the header, which is how tests go anonymous.
func (ts *testServer) request(ctx context.Context, t *testing.T, method, path string, body io.Reader, headers map[string]string) response {
	req, err := http.NewRequestWithContext(ctx, method, ts.base+path, body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+ts.token)
	for key, value := range headers {
		if value == "" {
			req.Header.Del(key)
			continue
		}
		req.Header.Set(key, value)
	}

	resp, err := ts.client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return response{status: resp.StatusCode, header: resp.Header, body: data}
}

func (ts *testServer) json(ctx context.Context, t *testing.T, method, path string, payload interface{}) response {
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return ts.request(ctx, t, method, path, bytes.NewReader(data), map[string]string{
		"Content-Type": "application/json",
	})
}

func (ts *testServer) createBucket(ctx context.Context, t *testing.T, limit int64) string {
	id := testBucketID(t)
	resp := ts.json(ctx, t, http.MethodPost, "/bucket", map[string]interface{}{
		"id":              id,
		"file_size_limit": limit,
	})
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	return id
}

func (ts *testServer) upload(ctx context.Context, t *testing.T, bucket, key, content string) {
	resp := ts.request(ctx, t, http.MethodPost, "/object/"+bucket+"/"+key,
		strings.NewReader(content), map[string]string{"Content-Type": "text/plain"})
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
}

func TestServer(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	ts := startServer(ctx, t, api.Config{URLLengthLimit: 2048}, tenant.Features{})

	t.Run("health", func(t *testing.T) {
		resp := ts.request(ctx, t, http.MethodGet, "/health", nil, map[string]string{"Authorization": ""})
		require.Equal(t, http.StatusOK, resp.status)
		require.JSONEq(t, `{"healthy":true}`, string(resp.body))
		require.NotEmpty(t, resp.header.Get("X-Request-Id"))
	})

	t.Run("request id echo", func(t *testing.T) {
		resp := ts.request(ctx, t, http.MethodGet, "/health", nil, map[string]string{
			"Authorization": "",
			"X-Request-Id":  "trace-me-42",
		})
		require.Equal(t, "trace-me-42", resp.header.Get("X-Request-Id"))
	})

	t.Run("bucket lifecycle", func(t *testing.T) {
		id := ts.createBucket(ctx, t, 0)

		resp := ts.request(ctx, t, http.MethodGet, "/bucket/"+id, nil, nil)
		require.Equal(t, http.StatusOK, resp.status, string(resp.body))
		var bucket struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			Owner  string `json:"owner"`
			Public bool   `json:"public"`
		}
		resp.unmarshal(t, &bucket)
		require.Equal(t, id, bucket.ID)
		require.Equal(t, id, bucket.Name)
		require.Equal(t, "tester", bucket.Owner)
		require.False(t, bucket.Public)

		resp = ts.json(ctx, t, http.MethodPost, "/bucket", map[string]interface{}{"id": id})
		require.Equal(t, http.StatusConflict, resp.status)
		require.Equal(t, "Duplicate", resp.envelope(t).Error)

		resp = ts.json(ctx, t, http.MethodPut, "/bucket/"+id, map[string]interface{}{"public": true})
		require.Equal(t, http.StatusOK, resp.status, string(resp.body))
		resp.unmarshal(t, &bucket)
		require.True(t, bucket.Public)

		resp = ts.request(ctx, t, http.MethodGet, "/bucket?limit=1000", nil, nil)
		require.Equal(t, http.StatusOK, resp.status)
		var buckets []struct {
			ID string `json:"id"`
		}
		resp.unmarshal(t, &buckets)
		found := false
		for _, b := range buckets {
			found = found || b.ID == id
		}
		require.True(t, found)

		resp = ts.request(ctx, t, http.MethodGet, "/bucket/no-such-bucket", nil, nil)
		require.Equal(t, http.StatusBadRequest, resp.status)
		require.Equal(t, "404", resp.envelope(t).StatusCode)
	})

	t.Run("upload and download", func(t *testing.T) {
		bucket := ts.createBucket(ctx, t, 0)

		resp := ts.request(ctx, t, http.MethodPost, "/object/"+bucket+"/dir/a.txt",
			strings.NewReader("hello world"), map[string]string{
				"Content-Type":  "text/plain",
				"Cache-Control": "max-age=60",
			})
		require.Equal(t, http.StatusOK, resp.status, string(resp.body))
		var uploaded struct {
			ID  string `json:"Id"`
			Key string `json:"Key"`
		}
		resp.unmarshal(t, &uploaded)
		require.NotEmpty(t, uploaded.ID)
		require.Equal(t, bucket+"/dir/a.txt", uploaded.Key)

		resp = ts.request(ctx, t, http.MethodGet, "/object/authenticated/"+bucket+"/dir/a.txt", nil, nil)
		require.Equal(t, http.StatusOK, resp.status, string(resp.body))
		require.Equal(t, "hello world", string(resp.body))
		require.Equal(t, "text/plain", resp.header.Get("Content-Type"))
		require.Equal(t, "max-age=60", resp.header.Get("Cache-Control"))
		require.NotEmpty(t, resp.header.Get("ETag"))
		require.NotEmpty(t, resp.header.Get("Last-Modified"))
		require.Equal(t, "11", resp.header.Get("Content-Length"))

		resp = ts.request(ctx, t, http.MethodHead, "/object/authenticated/"+bucket+"/dir/a.txt", nil, nil)
		require.Equal(t, http.StatusOK, resp.status)
		require.Equal(t, "11", resp.header.Get("Content-Length"))
		require.Empty(t, resp.body)

		resp = ts.request(ctx, t, http.MethodGet,
			"/object/authenticated/"+bucket+"/dir/a.txt?download=report.txt", nil, nil)
		require.Equal(t, http.StatusOK, resp.status)
		require.Equal(t, "attachment; filename=report.txt", resp.header.Get("Content-Disposition"))

		// A second plain POST hits the existing row.
		resp = ts.request(ctx, t, http.MethodPost, "/object/"+bucket+"/dir/a.txt",
			strings.NewReader("other"), nil)
		require.Equal(t, http.StatusConflict, resp.status)
		require.Equal(t, "Duplicate", resp.envelope(t).Error)

		// x-upsert and PUT both replace.
		resp = ts.request(ctx, t, http.MethodPost, "/object/"+bucket+"/dir/a.txt",
			strings.NewReader("upserted"), map[string]string{"x-upsert": "true"})
		require.Equal(t, http.StatusOK, resp.status, string(resp.body))

		resp = ts.request(ctx, t, http.MethodPut, "/object/"+bucket+"/dir/a.txt",
			strings.NewReader("replaced"), nil)
		require.Equal(t, http.StatusOK, resp.status, string(resp.body))

		resp = ts.request(ctx, t, http.MethodGet, "/object/authenticated/"+bucket+"/dir/a.txt", nil, nil)
		require.Equal(t, "replaced", string(resp.body))
	})

	t.Run("multipart upload", func(t *testing.T) {
		bucket := ts.createBucket(ctx, t, 0)

		var buf bytes.Buffer
		form := multipart.NewWriter(&buf)
		require.NoError(t, form.WriteField("cacheControl", "max-age=120"))
		part, err := form.CreateFormFile("file", "notes.md")
		require.NoError(t, err)
		_, err = part.Write([]byte("# notes"))
		require.NoError(t, err)
		require.NoError(t, form.Close())

		resp := ts.request(ctx, t, http.MethodPost, "/object/"+bucket+"/notes.md", &buf,
			map[string]string{"Content-Type": form.FormDataContentType()})
		require.Equal(t, http.StatusOK, resp.status, string(resp.body))

		resp = ts.request(ctx, t, http.MethodGet, "/object/authenticated/"+bucket+"/notes.md", nil, nil)
		require.Equal(t, http.StatusOK, resp.status)
		require.Equal(t, "# notes", string(resp.body))
		require.Equal(t, "max-age=120", resp.header.Get("Cache-Control"))
	})

	t.Run("conditional download", func(t *testing.T) {
		bucket := ts.createBucket(ctx, t, 0)
		ts.upload(ctx, t, bucket, "cond.txt", "hello world")

		resp := ts.request(ctx, t, http.MethodGet, "/object/authenticated/"+bucket+"/cond.txt", nil, nil)
		require.Equal(t, http.StatusOK, resp.status)
		etag := resp.header.Get("ETag")
		require.NotEmpty(t, etag)

		resp = ts.request(ctx, t, http.MethodGet, "/object/authenticated/"+bucket+"/cond.txt", nil,
			map[string]string{"If-None-Match": etag})
		require.Equal(t, http.StatusNotModified, resp.status)
		require.Empty(t, resp.body)
		require.Equal(t, etag, resp.header.Get("ETag"))

		resp = ts.request(ctx, t, http.MethodGet, "/object/authenticated/"+bucket+"/cond.txt", nil,
			map[string]string{"Range": "bytes=0-4"})
		require.Equal(t, http.StatusPartialContent, resp.status)
		require.Equal(t, "hello", string(resp.body))
		require.Equal(t, "bytes 0-4/11", resp.header.Get("Content-Range"))

		resp = ts.request(ctx, t, http.MethodGet, "/object/authenticated/"+bucket+"/cond.txt", nil,
			map[string]string{"Range": "bytes=50-60"})
		require.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.status)
		require.Equal(t, "416", resp.envelope(t).StatusCode)
	})

	t.Run("public access", func(t *testing.T) {
		bucket := ts.createBucket(ctx, t, 0)
		ts.upload(ctx, t, bucket, "open.txt", "public payload")

		// Private bucket reads look like misses to anonymous callers.
		resp := ts.request(ctx, t, http.MethodGet, "/object/public/"+bucket+"/open.txt", nil,
			map[string]string{"Authorization": ""})
		require.Equal(t, http.StatusBadRequest, resp.status)
		e := resp.envelope(t)
		require.Equal(t, "404", e.StatusCode)
		require.Equal(t, "Not Found", e.Error)

		resp = ts.json(ctx, t, http.MethodPut, "/bucket/"+bucket, map[string]interface{}{"public": true})
		require.Equal(t, http.StatusOK, resp.status, string(resp.body))

		resp = ts.request(ctx, t, http.MethodGet, "/object/public/"+bucket+"/open.txt", nil,
			map[string]string{"Authorization": ""})
		require.Equal(t, http.StatusOK, resp.status, string(resp.body))
		require.Equal(t, "public payload", string(resp.body))

		resp = ts.request(ctx, t, http.MethodGet, "/object/public/"+bucket+"/missing.txt", nil,
			map[string]string{"Authorization": ""})
		require.Equal(t, http.StatusBadRequest, resp.status)
		require.Equal(t, "404", resp.envelope(t).StatusCode)
	})

	t.Run("payload too large", func(t *testing.T) {
		bucket := ts.createBucket(ctx, t, 16)

		resp := ts.request(ctx, t, http.MethodPost, "/object/"+bucket+"/big.bin",
			bytes.NewReader(make([]byte, 64)), nil)
		require.Equal(t, http.StatusBadRequest, resp.status)
		e := resp.envelope(t)
		require.Equal(t, "413", e.StatusCode)
		require.Equal(t, "Payload too large", e.Error)

		// The oversized upload must not leave a row behind.
		resp = ts.request(ctx, t, http.MethodHead, "/object/authenticated/"+bucket+"/big.bin", nil, nil)
		require.Equal(t, http.StatusBadRequest, resp.status)
	})

	t.Run("signed urls", func(t *testing.T) {
		bucket := ts.createBucket(ctx, t, 0)
		ts.upload(ctx, t, bucket, "private/doc.txt", "signed payload")

		resp := ts.json(ctx, t, http.MethodPost, "/object/sign/"+bucket+"/private/doc.txt",
			map[string]interface{}{"expiresIn": 120})
		require.Equal(t, http.StatusOK, resp.status, string(resp.body))
		var signed struct {
			SignedURL string `json:"signedURL"`
		}
		resp.unmarshal(t, &signed)
		require.Contains(t, signed.SignedURL, "/object/sign/"+bucket+"/private/doc.txt?token=")

		resp = ts.request(ctx, t, http.MethodGet, signed.SignedURL, nil,
			map[string]string{"Authorization": ""})
		require.Equal(t, http.StatusOK, resp.status, string(resp.body))
		require.Equal(t, "signed payload", string(resp.body))

		resp = ts.request(ctx, t, http.MethodGet, signed.SignedURL+"tampered", nil,
			map[string]string{"Authorization": ""})
		require.Equal(t, http.StatusBadRequest, resp.status)
		require.Equal(t, "Invalid JWT", resp.envelope(t).Error)

		// Tokens past their expiry are rejected with the reason.
		expired, err := auth.Sign(auth.Claims{
			Claims: jwt.Claims{
				IssuedAt: jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
				Expiry:   jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
			URL: bucket + "/private/doc.txt",
		}, []byte(testSecret))
		require.NoError(t, err)
		resp = ts.request(ctx, t, http.MethodGet,
			"/object/sign/"+bucket+"/private/doc.txt?token="+expired, nil,
			map[string]string{"Authorization": ""})
		require.Equal(t, http.StatusBadRequest, resp.status)
		require.Equal(t, "jwt expired", resp.envelope(t).Message)

		resp = ts.json(ctx, t, http.MethodPost, "/object/sign/"+bucket+"/missing.txt",
			map[string]interface{}{"expiresIn": 120})
		require.Equal(t, http.StatusBadRequest, resp.status)
		require.Equal(t, "404", resp.envelope(t).StatusCode)
	})

	t.Run("sign batch", func(t *testing.T) {
		bucket := ts.createBucket(ctx, t, 0)
		ts.upload(ctx, t, bucket, "a.txt", "a")

		resp := ts.json(ctx, t, http.MethodPost, "/object/sign/"+bucket, map[string]interface{}{
			"expiresIn": 60,
			"paths":     []string{"a.txt", "missing.txt"},
		})
		require.Equal(t, http.StatusOK, resp.status, string(resp.body))
		var items []struct {
			Error     string `json:"error"`
			Path      string `json:"path"`
			SignedURL string `json:"signedURL"`
		}
		resp.unmarshal(t, &items)
		require.Len(t, items, 2)
		require.Equal(t, "a.txt", items[0].Path)
		require.Empty(t, items[0].Error)
		require.NotEmpty(t, items[0].SignedURL)
		require.Equal(t, "missing.txt", items[1].Path)
		require.Equal(t, "Object not found", items[1].Error)
		require.Empty(t, items[1].SignedURL)
	})

	t.Run("copy and move", func(t *testing.T) {
		bucket := ts.createBucket(ctx, t, 0)
		ts.upload(ctx, t, bucket, "src.txt", "movable")

		resp := ts.json(ctx, t, http.MethodPost, "/object/copy", map[string]interface{}{
			"bucketId":       bucket,
			"sourceKey":      "src.txt",
			"destinationKey": "copy.txt",
		})
		require.Equal(t, http.StatusOK, resp.status, string(resp.body))
		var copied struct {
			Key string `json:"Key"`
		}
		resp.unmarshal(t, &copied)
		require.Equal(t, bucket+"/copy.txt", copied.Key)

		resp = ts.request(ctx, t, http.MethodGet, "/object/authenticated/"+bucket+"/copy.txt", nil, nil)
		require.Equal(t, "movable", string(resp.body))

		resp = ts.json(ctx, t, http.MethodPost, "/object/move", map[string]interface{}{
			"bucketId":       bucket,
			"sourceKey":      "copy.txt",
			"destinationKey": "moved.txt",
		})
		require.Equal(t, http.StatusOK, resp.status, string(resp.body))
		require.Equal(t, "Successfully moved", resp.envelopeMessage(t))

		resp = ts.request(ctx, t, http.MethodGet, "/object/authenticated/"+bucket+"/copy.txt", nil, nil)
		require.Equal(t, http.StatusBadRequest, resp.status)
		resp = ts.request(ctx, t, http.MethodGet, "/object/authenticated/"+bucket+"/moved.txt", nil, nil)
		require.Equal(t, "movable", string(resp.body))

		resp = ts.json(ctx, t, http.MethodPost, "/object/copy", map[string]interface{}{
			"bucketId":       bucket,
			"sourceKey":      "ghost.txt",
			"destinationKey": "never.txt",
		})
		require.Equal(t, http.StatusBadRequest, resp.status)
		require.Equal(t, "404", resp.envelope(t).StatusCode)
	})

	t.Run("list", func(t *testing.T) {
		bucket := ts.createBucket(ctx, t, 0)
		for _, name := range []string{"a.txt", "dir/b.txt", "dir/c.txt", "z.txt"} {
			ts.upload(ctx, t, bucket, name, "x")
		}

		resp := ts.json(ctx, t, http.MethodPost, "/object/list/"+bucket, map[string]interface{}{
			"prefix": "dir/",
		})
		require.Equal(t, http.StatusOK, resp.status, string(resp.body))
		var listed []struct {
			Name string `json:"name"`
		}
		resp.unmarshal(t, &listed)
		require.Len(t, listed, 2)
		require.Equal(t, "dir/b.txt", listed[0].Name)
		require.Equal(t, "dir/c.txt", listed[1].Name)

		resp = ts.json(ctx, t, http.MethodPost, "/object/list/"+bucket, map[string]interface{}{
			"search": "c.txt",
		})
		require.Equal(t, http.StatusOK, resp.status)
		resp.unmarshal(t, &listed)
		require.Len(t, listed, 1)
		require.Equal(t, "dir/c.txt", listed[0].Name)

		resp = ts.json(ctx, t, http.MethodPost, "/object/list/"+bucket, map[string]interface{}{
			"limit":  2,
			"offset": 1,
		})
		require.Equal(t, http.StatusOK, resp.status)
		resp.unmarshal(t, &listed)
		require.Len(t, listed, 2)
		require.Equal(t, "dir/b.txt", listed[0].Name)

		resp = ts.json(ctx, t, http.MethodPost, "/object/list/"+bucket, map[string]interface{}{
			"sortBy": map[string]string{"column": "created_at", "order": "desc"},
		})
		require.Equal(t, http.StatusBadRequest, resp.status)
		require.Equal(t, "InvalidRequest", resp.envelope(t).Error)
	})

	t.Run("delete", func(t *testing.T) {
		bucket := ts.createBucket(ctx, t, 0)
		ts.upload(ctx, t, bucket, "gone.txt", "x")

		resp := ts.request(ctx, t, http.MethodDelete, "/object/"+bucket+"/gone.txt", nil, nil)
		require.Equal(t, http.StatusOK, resp.status, string(resp.body))
		require.Equal(t, "Successfully deleted", resp.envelopeMessage(t))

		resp = ts.request(ctx, t, http.MethodDelete, "/object/"+bucket+"/gone.txt", nil, nil)
		require.Equal(t, http.StatusBadRequest, resp.status)
		require.Equal(t, "404", resp.envelope(t).StatusCode)

		ts.upload(ctx, t, bucket, "x.txt", "x")
		ts.upload(ctx, t, bucket, "y.txt", "y")
		resp = ts.json(ctx, t, http.MethodDelete, "/object/"+bucket, map[string]interface{}{
			"prefixes": []string{"x.txt", "y.txt", "ghost.txt"},
		})
		require.Equal(t, http.StatusOK, resp.status, string(resp.body))
		var deleted []struct {
			Name string `json:"name"`
		}
		resp.unmarshal(t, &deleted)
		require.Len(t, deleted, 2)
	})

	t.Run("empty bucket", func(t *testing.T) {
		bucket := ts.createBucket(ctx, t, 0)
		ts.upload(ctx, t, bucket, "one.txt", "1")
		ts.upload(ctx, t, bucket, "two.txt", "2")

		resp := ts.request(ctx, t, http.MethodDelete, "/bucket/"+bucket, nil, nil)
		require.Equal(t, http.StatusConflict, resp.status)
		require.Equal(t, "409", resp.envelope(t).StatusCode)

		resp = ts.request(ctx, t, http.MethodPost, "/bucket/"+bucket+"/empty", nil, nil)
		require.Equal(t, http.StatusOK, resp.status, string(resp.body))
		require.Equal(t, "Successfully emptied", resp.envelopeMessage(t))

		resp = ts.request(ctx, t, http.MethodDelete, "/bucket/"+bucket, nil, nil)
		require.Equal(t, http.StatusOK, resp.status, string(resp.body))

		resp = ts.request(ctx, t, http.MethodGet, "/bucket/"+bucket, nil, nil)
		require.Equal(t, http.StatusBadRequest, resp.status)
	})

	t.Run("auth required", func(t *testing.T) {
		bucket := ts.createBucket(ctx, t, 0)

		resp := ts.request(ctx, t, http.MethodGet, "/object/authenticated/"+bucket+"/k.txt", nil,
			map[string]string{"Authorization": ""})
		require.Equal(t, http.StatusUnauthorized, resp.status)
		require.Equal(t, "Unauthorized", resp.envelope(t).Error)

		resp = ts.request(ctx, t, http.MethodPost, "/object/"+bucket+"/k.txt",
			strings.NewReader("x"), map[string]string{"Authorization": "Bearer garbage"})
		require.Equal(t, http.StatusBadRequest, resp.status)
		require.Equal(t, "Invalid JWT", resp.envelope(t).Error)
	})

	t.Run("url length limit", func(t *testing.T) {
		resp := ts.request(ctx, t, http.MethodGet,
			"/object/authenticated/bucket/"+strings.Repeat("k", 4000), nil, nil)
		require.Equal(t, http.StatusRequestURITooLong, resp.status)
		require.Equal(t, "414", resp.envelope(t).StatusCode)
	})

	t.Run("render disabled", func(t *testing.T) {
		bucket := ts.createBucket(ctx, t, 0)
		ts.upload(ctx, t, bucket, "pic.png", "not really a png")

		resp := ts.request(ctx, t, http.MethodGet, "/render/authenticated/"+bucket+"/pic.png", nil, nil)
		require.Equal(t, http.StatusBadRequest, resp.status)
		require.Equal(t, "FeatureDisabled", resp.envelope(t).Error)
	})
}

// envelopeMessage pulls the message field out of a success response.
func (resp response) envelopeMessage(t *testing.T) string {
	var body struct {
		Message string `json:"message"`
	}
	resp.unmarshal(t, &body)
	return body.Message
}

func TestRenderProxy(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	type transformCall struct {
		method, path, query, contentType, body string
	}
	var mu sync.Mutex
	var calls []transformCall
	transformer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		calls = append(calls, transformCall{
			method:      r.Method,
			path:        r.URL.Path,
			query:       r.URL.RawQuery,
			contentType: r.Header.Get("Content-Type"),
			body:        string(data),
		})
		mu.Unlock()
		w.Header().Set("Content-Type", "image/webp")
		_, _ = fmt.Fprint(w, "TRANSFORMED")
	}))
	defer transformer.Close()

	lastCall := func(t *testing.T) transformCall {
		mu.Lock()
		defer mu.Unlock()
		require.NotEmpty(t, calls)
		return calls[len(calls)-1]
	}

	ts := startServer(ctx, t,
		api.Config{ImgProxyURL: transformer.URL, RenderTimeout: 10 * time.Second},
		tenant.Features{ImageTransformation: tenant.ImageTransformationFeature{
			Enabled:       true,
			MaxResolution: 100,
		}})

	bucket := ts.createBucket(ctx, t, 0)
	ts.upload(ctx, t, bucket, "pic.png", "png bytes")

	resp := ts.request(ctx, t, http.MethodGet,
		"/render/authenticated/"+bucket+"/pic.png?width=64&format=webp&junk=drop", nil, nil)
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	require.Equal(t, "TRANSFORMED", string(resp.body))
	require.Equal(t, "image/webp", resp.header.Get("Content-Type"))

	call := lastCall(t)
	require.Equal(t, http.MethodPost, call.method)
	require.Equal(t, "/transform", call.path)
	require.Equal(t, "png bytes", call.body)
	require.Equal(t, "text/plain", call.contentType)
	require.Contains(t, call.query, "width=64")
	require.Contains(t, call.query, "format=webp")
	require.NotContains(t, call.query, "junk")

	resp = ts.request(ctx, t, http.MethodGet,
		"/render/authenticated/"+bucket+"/pic.png?width=500", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.status)
	require.Equal(t, "InvalidRequest", resp.envelope(t).Error)

	// Public render follows the same bucket gate as public downloads.
	resp = ts.request(ctx, t, http.MethodGet, "/render/public/"+bucket+"/pic.png?width=64", nil,
		map[string]string{"Authorization": ""})
	require.Equal(t, http.StatusBadRequest, resp.status)
	require.Equal(t, "404", resp.envelope(t).StatusCode)

	respPut := ts.json(ctx, t, http.MethodPut, "/bucket/"+bucket, map[string]interface{}{"public": true})
	require.Equal(t, http.StatusOK, respPut.status, string(respPut.body))

	resp = ts.request(ctx, t, http.MethodGet, "/render/public/"+bucket+"/pic.png?width=64", nil,
		map[string]string{"Authorization": ""})
	require.Equal(t, http.StatusOK, resp.status, string(resp.body))
	require.Equal(t, "TRANSFORMED", string(resp.body))
}
