package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"garagecore/internal/blob/core"
)

// fakeS3 is a tiny S3 subset sufficient to exercise the adapter without network access.
type fakeS3 struct {
	mu    sync.Mutex
	state map[string]stored
}

type stored struct {
	body []byte
	meta http.Header
}

const metaPrefix = "X-Amz-Meta-"

func metaHeaders(h http.Header) http.Header {
	out := http.Header{}
	for k, v := range h {
		if strings.HasPrefix(http.CanonicalHeaderKey(k), metaPrefix) {
			out[http.CanonicalHeaderKey(k)] = v
		}
	}
	return out
}

func withMeta(h, meta http.Header) http.Header {
	for k, v := range meta {
		h[k] = v
	}
	return h
}

func respond(status int, body string, header http.Header) *http.Response {
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body)), Header: header}
}

func (m *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) { //nolint:cyclop
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && strings.Contains(req.URL.RawQuery, "list-type=2") {
		return m.list(req.URL.Query().Get("prefix"), req.URL.Query().Get("continuation-token")), nil
	}
	switch req.Method {
	case http.MethodHead:
		st, ok := m.state[key]
		if !ok {
			return respond(http.StatusNotFound, "", nil), nil
		}
		return respond(http.StatusOK, "", withMeta(http.Header{
			"Content-Length": {strconv.Itoa(len(st.body))},
			"Last-Modified":  {time.Now().UTC().Format(http.TimeFormat)},
		}, st.meta)), nil
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeChunked(body); ok {
			body = dec
		}
		if _, exists := m.state[key]; exists && req.Header.Get("If-None-Match") == "*" {
			return respond(http.StatusPreconditionFailed, "<Error><Code>PreconditionFailed</Code></Error>", http.Header{"Content-Type": {"application/xml"}}), nil
		}
		m.state[key] = stored{body: body, meta: metaHeaders(req.Header)}
		return respond(http.StatusOK, "", http.Header{"Etag": {"\"etag\""}}), nil
	case http.MethodGet:
		st, ok := m.state[key]
		if !ok {
			return respond(http.StatusNotFound, "<Error><Code>NoSuchKey</Code></Error>", http.Header{"Content-Type": {"application/xml"}}), nil
		}
		return respond(http.StatusOK, string(st.body), withMeta(http.Header{
			"Content-Length": {strconv.Itoa(len(st.body))},
			"Content-Type":   {"application/json"},
			"Last-Modified":  {time.Now().UTC().Format(http.TimeFormat)},
		}, st.meta)), nil
	case http.MethodDelete:
		delete(m.state, key)
		return respond(http.StatusNoContent, "", nil), nil
	}
	return respond(http.StatusNotImplemented, "", nil), nil
}

// list returns one key on the first page when more than one matches, to force pagination.
func (m *fakeS3) list(prefix, token string) *http.Response {
	var keys []string
	for k := range m.state {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><ListBucketResult>`)
	page := keys
	if token == "" && len(keys) > 1 {
		page = keys[:1]
		b.WriteString("<IsTruncated>true</IsTruncated><NextContinuationToken>tok123</NextContinuationToken>")
	} else {
		if token != "" && len(keys) > 1 {
			page = keys[1:]
		}
		b.WriteString("<IsTruncated>false</IsTruncated>")
	}
	for _, k := range page {
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2024-01-01T00:00:00Z</LastModified></Contents>", k, len(m.state[k].body))
	}
	b.WriteString("</ListBucketResult>")
	return respond(http.StatusOK, b.String(), http.Header{"Content-Type": {"application/xml"}})
}

// decodeChunked unwraps a single-chunk aws-chunked payload: <hex>\r\n<body>\r\n0\r\n...
func decodeChunked(b []byte) ([]byte, bool) {
	parts := strings.Split(string(b), "\r\n")
	if len(parts) < 3 {
		return nil, false
	}
	n, err := strconv.ParseInt(strings.SplitN(parts[0], ";", 2)[0], 16, 64)
	if err != nil || n <= 0 || int64(len(parts[1])) != n || !strings.HasPrefix(parts[2], "0") {
		return nil, false
	}
	return []byte(parts[1]), true
}

func newFakeStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(context.Background(), Config{
		Bucket:          "dead-letters",
		Endpoint:        "https://mock.s3.local",
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		PathStyle:       true,
		HTTPClient:      &http.Client{Transport: &fakeS3{state: make(map[string]stored)}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func TestArchiveWriteIsCreateOnly(t *testing.T) {
	store := newFakeStore(t)
	ctx := context.Background()
	doc := []byte(`{"event_id":"e1"}`)
	rec, err := store.Write(ctx, "dead-letters/h/e1.json", doc, map[string]string{"handler": "h"})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if rec.Checksum != core.Checksum(doc) || rec.Size != int64(len(doc)) {
		t.Fatalf("unexpected record %#v", rec)
	}
	if _, err := store.Write(ctx, "dead-letters/h/e1.json", []byte(`{}`), nil); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	got, body, err := store.Read(ctx, "dead-letters/h/e1.json")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != string(doc) {
		t.Fatalf("read mismatch: %q", body)
	}
	if got.Checksum != rec.Checksum || got.Labels["handler"] != "h" || !got.ArchivedAt.Equal(rec.ArchivedAt) {
		t.Fatalf("metadata did not round trip: %+v", got)
	}
	if _, reserved := got.Labels[metaChecksum]; reserved {
		t.Fatalf("reserved metadata leaked into labels: %v", got.Labels)
	}

	if ok, err := store.Remove(ctx, "dead-letters/h/e1.json"); err != nil || !ok {
		t.Fatalf("remove: %v %v", ok, err)
	}
	if ok, err := store.Remove(ctx, "dead-letters/h/e1.json"); err != nil || ok {
		t.Fatalf("second remove should report false: %v", err)
	}
}

func TestArchiveScanPaginates(t *testing.T) {
	store := newFakeStore(t)
	ctx := context.Background()
	for _, key := range []string{"dl/b.json", "dl/a.json", "other.json"} {
		if _, err := store.Write(ctx, key, []byte("{}"), nil); err != nil {
			t.Fatalf("write %s: %v", key, err)
		}
	}
	recs, err := store.Scan(ctx, "dl/")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(recs) != 2 || recs[0].Key != "dl/a.json" || recs[1].Key != "dl/b.json" {
		t.Fatalf("unexpected scan %+v", recs)
	}
	if empty, err := store.Scan(ctx, "none/"); err != nil || len(empty) != 0 {
		t.Fatalf("expected empty scan: %v %+v", err, empty)
	}
}

func TestArchiveMissingKeyAndConfig(t *testing.T) {
	store := newFakeStore(t)
	if _, _, err := store.Read(context.Background(), "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.Write(context.Background(), "../up", []byte("{}"), nil); !errors.Is(err, core.ErrBadKey) {
		t.Fatalf("expected ErrBadKey, got %v", err)
	}
	if store.Driver() != core.DriverS3 {
		t.Fatalf("expected DriverS3")
	}
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
}

func TestRecordFromMetadata(t *testing.T) {
	rec := recordFromMetadata("k", map[string]string{
		metaChecksum:   "abc",
		metaArchivedAt: "1700000000",
		"event-type":   "ServiceRecorded",
	}, nil)
	if rec.Checksum != "abc" || rec.ArchivedAt.Unix() != 1700000000 || rec.Labels["event-type"] != "ServiceRecorded" || len(rec.Labels) != 1 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if bare := recordFromMetadata("k", nil, nil); bare.Labels != nil || !bare.ArchivedAt.IsZero() {
		t.Fatalf("expected empty record, got %+v", bare)
	}
}
