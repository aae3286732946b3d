package lms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bbsync/internal/syncerr"
	"bbsync/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBB 按路径返回固定响应的 Blackboard 服务
type fakeBB struct {
	mu     sync.Mutex
	routes map[string]any // path -> JSON 对象, []byte 原样返回, 或 served
	status map[string]int // path -> 错误状态码
	hits   map[string]int
	header http.Header // 最近一次请求的头

	srv *httptest.Server
}

// served 带类型的文件，支持 HEAD
type served struct {
	body        []byte
	contentType string
	length      int // 非零时覆盖 Content-Length
}

func newFakeBB(t *testing.T) *fakeBB {
	t.Helper()
	f := &fakeBB{
		routes: make(map[string]any),
		status: make(map[string]int),
		hits:   make(map[string]int),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeBB) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits[r.URL.Path]++
	f.header = r.Header.Clone()
	status, failing := f.status[r.URL.Path]
	body, ok := f.routes[r.URL.Path]
	f.mu.Unlock()

	if failing {
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(ErrorResponse{Status: status, Message: "boom"})
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if file, isFile := body.(served); isFile {
		length := len(file.body)
		if file.length > 0 {
			length = file.length
		}
		w.Header().Set("Content-Type", file.contentType)
		w.Header().Set("Content-Length", strconv.Itoa(length))
		if r.Method != http.MethodHead {
			w.Write(file.body)
		}
		return
	}
	if raw, isRaw := body.([]byte); isRaw {
		w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
		w.Write(raw)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func (f *fakeBB) set(path string, body any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[path] = body
}

func (f *fakeBB) list(path string, results ...any) {
	if results == nil {
		results = []any{}
	}
	f.set(path, map[string]any{"results": results})
}

func (f *fakeBB) fail(path string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[path] = status
}

func (f *fakeBB) hitCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[path]
}

func (f *fakeBB) lastHeader() http.Header {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.header
}

func api(version int, path string) string {
	return fmt.Sprintf("%s/v%d%s", APIRoot, version, path)
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 1, Retryable: syncerr.IsRetryable}
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(&Options{BaseURL: baseURL, SessionCookie: "BbRouter=abc", Retry: fastRetry()})
	require.NoError(t, err)
	return c
}

func TestNewClientRejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "blackboard.example.edu", "://bad"} {
		_, err := NewClient(&Options{BaseURL: u})
		assert.Error(t, err, u)
	}
}

func TestEndpoint(t *testing.T) {
	c, err := NewClient(&Options{BaseURL: "https://bb.example.edu/"})
	require.NoError(t, err)
	assert.Equal(t, "https://bb.example.edu/learn/api/public/v3/courses/_1_1", c.endpoint(3, "/courses/_1_1", nil))
}

func TestClassifyStatus(t *testing.T) {
	private, _ := json.Marshal(ErrorResponse{Status: 403, Code: codePrivateCourse, Message: "private"})

	tests := []struct {
		status int
		body   []byte
		want   syncerr.Kind
	}{
		{http.StatusUnauthorized, nil, syncerr.KindAuthExpired},
		{http.StatusForbidden, private, syncerr.KindCatalogInconsistent},
		{http.StatusForbidden, nil, syncerr.KindCatalogInconsistent},
		{http.StatusNotFound, nil, syncerr.KindCatalogInconsistent},
		{http.StatusRequestTimeout, nil, syncerr.KindNetworkTransient},
		{http.StatusTooManyRequests, nil, syncerr.KindNetworkTransient},
		{http.StatusServiceUnavailable, nil, syncerr.KindNetworkTransient},
		{http.StatusBadRequest, nil, syncerr.KindCatalogInconsistent},
	}
	for _, tt := range tests {
		err := classifyStatus("op", tt.status, tt.body)
		assert.Equal(t, tt.want, syncerr.KindOf(err), "status %d", tt.status)
	}

	err := classifyStatus("op", http.StatusForbidden, private)
	assert.Contains(t, err.Error(), "private course")
}

func TestSessionCookieSent(t *testing.T) {
	bb := newFakeBB(t)
	bb.set(api(1, "/users/me"), User{ID: "u1", UserName: "alice"})
	c := newTestClient(t, bb.srv.URL)

	u, err := c.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", u.UserName)
	assert.Equal(t, "BbRouter=abc", bb.lastHeader().Get("Cookie"))
	assert.Equal(t, "bbsync", bb.lastHeader().Get("User-Agent"))

	c.SetSessionCookie("BbRouter=new")
	_, err = c.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "BbRouter=new", bb.lastHeader().Get("Cookie"))
}

func TestValidateReportsExpiredSession(t *testing.T) {
	bb := newFakeBB(t)
	bb.fail(api(1, "/users/me"), http.StatusUnauthorized)
	c := newTestClient(t, bb.srv.URL)

	_, err := c.Validate(context.Background())
	require.Error(t, err)
	assert.True(t, syncerr.IsAuth(err))
	assert.Equal(t, 1, bb.hitCount(api(1, "/users/me")), "不应重试会话失效")
}

func TestEmptyUserID(t *testing.T) {
	bb := newFakeBB(t)
	bb.set(api(1, "/users/me"), map[string]any{})
	c := newTestClient(t, bb.srv.URL)

	_, err := c.Me(context.Background())
	assert.Equal(t, syncerr.KindCatalogInconsistent, syncerr.KindOf(err))
}

func TestTransientErrorRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(User{ID: "u1"})
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	u, err := c.Me(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestListFollowsNextPage(t *testing.T) {
	path := api(1, "/users/u1/courses")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, path, r.URL.Path)
		switch r.URL.Query().Get("offset") {
		case "":
			json.NewEncoder(w).Encode(map[string]any{
				"results": []Membership{{CourseID: "_1_1"}, {CourseID: "_2_1"}},
				"paging":  map[string]string{"nextPage": path + "?offset=2"},
			})
		case "2":
			json.NewEncoder(w).Encode(map[string]any{
				"results": []Membership{{CourseID: "_3_1"}},
			})
		default:
			t.Errorf("unexpected offset %q", r.URL.Query().Get("offset"))
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	ms, err := c.Memberships(context.Background(), "u1")
	require.NoError(t, err)

	var ids []string
	for _, m := range ms {
		ids = append(ids, m.CourseID)
	}
	assert.Equal(t, []string{"_1_1", "_2_1", "_3_1"}, ids)
}

func TestMalformedResponse(t *testing.T) {
	bb := newFakeBB(t)
	bb.set(api(1, "/courses/_1_1/contents"), []byte("{not json"))
	c := newTestClient(t, bb.srv.URL)

	_, err := c.Contents(context.Background(), "_1_1")
	assert.Equal(t, syncerr.KindCatalogInconsistent, syncerr.KindOf(err))
}

func TestDownload(t *testing.T) {
	bb := newFakeBB(t)
	path := api(1, "/courses/_1_1/contents/c1/attachments/a1/download")
	bb.set(path, []byte("lecture slides"))
	c := newTestClient(t, bb.srv.URL)

	body, length, err := c.Download(context.Background(), "_1_1", "c1", "a1")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "lecture slides", string(data))
	assert.Equal(t, int64(len(data)), length)
}

func TestDownloadNotRetried(t *testing.T) {
	bb := newFakeBB(t)
	path := api(1, "/courses/_1_1/contents/c1/attachments/a1/download")
	bb.fail(path, http.StatusServiceUnavailable)
	c := newTestClient(t, bb.srv.URL)

	_, _, err := c.Download(context.Background(), "_1_1", "c1", "a1")
	assert.True(t, syncerr.IsRetryable(err))
	assert.Equal(t, 1, bb.hitCount(path))
}

func TestStalledDownloadIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, err := NewClient(&Options{BaseURL: srv.URL, IdleTimeout: 50 * time.Millisecond, Retry: fastRetry()})
	require.NoError(t, err)

	body, length, err := c.Download(context.Background(), "_1_1", "c1", "a1")
	require.NoError(t, err)
	defer body.Close()
	assert.Equal(t, int64(100), length)

	data, err := io.ReadAll(body)
	require.Error(t, err)
	assert.True(t, syncerr.IsRetryable(err), "停滞的下载应当可重试")
	assert.Equal(t, "partial", string(data))
}

func TestDownloadURL(t *testing.T) {
	bb := newFakeBB(t)
	bb.set("/bbcswebdav/pid-1/slides.pdf", served{body: []byte("%PDF slides"), contentType: "application/pdf"})
	c := newTestClient(t, bb.srv.URL)

	body, length, err := c.DownloadURL(context.Background(), bb.srv.URL+"/bbcswebdav/pid-1/slides.pdf")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "%PDF slides", string(data))
	assert.Equal(t, int64(len(data)), length)
}

func TestHead(t *testing.T) {
	bb := newFakeBB(t)
	bb.set("/bbcswebdav/pid-1/slides.pdf", served{body: []byte("12345"), contentType: "application/pdf"})
	bb.set("/bbcswebdav/pid-1/huge.zip", served{contentType: "application/zip", length: 30 << 20})
	c := newTestClient(t, bb.srv.URL)

	res, err := c.Head(context.Background(), bb.srv.URL+"/bbcswebdav/pid-1/slides.pdf")
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", res.ContentType)
	assert.Equal(t, int64(5), res.Length)

	res, err = c.Head(context.Background(), bb.srv.URL+"/bbcswebdav/pid-1/huge.zip")
	require.NoError(t, err)
	assert.Equal(t, int64(30<<20), res.Length)

	_, err = c.Head(context.Background(), bb.srv.URL+"/bbcswebdav/pid-1/missing.pdf")
	assert.Equal(t, syncerr.KindCatalogInconsistent, syncerr.KindOf(err))
}

func TestInstanceURL(t *testing.T) {
	c, err := NewClient(&Options{BaseURL: "https://bb.example.edu"})
	require.NoError(t, err)

	tests := []struct {
		href string
		want string
		ok   bool
	}{
		{"https://bb.example.edu/bbcswebdav/pid-1/a.pdf", "https://bb.example.edu/bbcswebdav/pid-1/a.pdf", true},
		{"https://bb.example.edu/bbcswebdav/a.pdf#page=2", "https://bb.example.edu/bbcswebdav/a.pdf", true},
		{"/bbcswebdav/a.pdf", "https://bb.example.edu/bbcswebdav/a.pdf", true},
		{"https://example.com/a.pdf", "", false},
		{"mailto:someone@example.edu", "", false},
		{"#top", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := c.InstanceURL(tt.href)
		assert.Equal(t, tt.ok, ok, tt.href)
		assert.Equal(t, tt.want, got, tt.href)
	}
}

func TestCancelledRequest(t *testing.T) {
	bb := newFakeBB(t)
	bb.set(api(1, "/users/me"), User{ID: "u1"})
	c := newTestClient(t, bb.srv.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Me(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAvailability(t *testing.T) {
	var missing *Availability
	assert.True(t, missing.IsAvailable())
	assert.True(t, (&Availability{Available: "Yes"}).IsAvailable())
	assert.True(t, (&Availability{Available: "Term"}).IsAvailable())
	assert.False(t, (&Availability{Available: "No"}).IsAvailable())
	assert.False(t, (&Availability{Available: "Disabled"}).IsAvailable())
}
