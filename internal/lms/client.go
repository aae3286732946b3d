package lms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"bbsync/internal/syncerr"
	"bbsync/pkg/retry"
)

const (
	// APIRoot Blackboard Learn 公共 REST 前缀
	APIRoot = "/learn/api/public"

	// DefaultTimeout 单次请求超时
	DefaultTimeout = 12 * time.Second

	// DefaultIdleTimeout 下载流连续多久收不到数据视为中断
	DefaultIdleTimeout = 60 * time.Second

	// codePrivateCourse 课程设为私有时的错误码
	codePrivateCourse = "bb-rest-course-is-private"

	maxErrorBody = 4096
)

// Options 初始化参数
type Options struct {
	BaseURL       string // 学校的 Blackboard 地址，如 https://blackboard.example.edu
	SessionCookie string // 登录组件获取的会话 Cookie (原样放入 Cookie 头)
	UserAgent     string
	Timeout       time.Duration
	IdleTimeout   time.Duration
	Retry         retry.Config

	// HTTPClient 为 nil 时按 Timeout 创建
	HTTPClient *http.Client
}

// Client Blackboard REST HTTP 客户端
type Client struct {
	opts       *Options
	base       *url.URL
	httpClient *http.Client

	// 下载大文件不能受整体超时限制，只限制等待响应头和两次读取之间的时间，总时长由调用方的 ctx 控制
	downloadClient *http.Client
}

// NewClient 创建客户端
func NewClient(opts *Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("无效的 LMS 地址 %q", opts.BaseURL)
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "bbsync"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig(syncerr.IsRetryable)
	}

	httpClient, downloadClient := opts.HTTPClient, opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}

		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.ResponseHeaderTimeout = opts.Timeout
		downloadClient = &http.Client{Transport: transport}
	}

	return &Client{opts: opts, base: base, httpClient: httpClient, downloadClient: downloadClient}, nil
}

// endpoint 拼接 API 地址: version=1 -> /learn/api/public/v1/...
func (c *Client) endpoint(version int, path string, query url.Values) string {
	u := *c.base
	u.Path = fmt.Sprintf("%s%s/v%d%s", c.base.Path, APIRoot, version, path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// resolve 解析分页返回的相对地址
func (c *Client) resolve(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	return c.base.ResolveReference(u).String(), nil
}

// InstanceURL 链接是否指向本站点 (例如正文里引用的 WebDAV 文件)，是则返回绝对地址
func (c *Client) InstanceURL(href string) (string, bool) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil || (ref.Scheme == "" && ref.Host == "" && ref.Path == "") {
		return "", false
	}
	u := c.base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if !strings.EqualFold(u.Host, c.base.Host) || !strings.HasPrefix(u.Path, c.base.Path+"/") {
		return "", false
	}
	u.Fragment = ""
	return u.String(), true
}

// do 发出请求并对失败状态归类
// 成功时调用者负责关闭 Body
func (c *Client) do(ctx context.Context, hc *http.Client, method, op, fullURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, fullURL, nil)
	if err != nil {
		return nil, syncerr.Catalog(op, err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	if c.opts.SessionCookie != "" {
		req.Header.Set("Cookie", c.opts.SessionCookie)
	}

	resp, err := hc.Do(req)
	if err != nil {
		// 区分是外部取消还是网络错误
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, syncerr.Transient(op, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, classifyStatus(op, resp.StatusCode, body)
}

// classifyStatus 把 HTTP 状态码映射为错误类别
func classifyStatus(op string, status int, body []byte) error {
	var apiErr ErrorResponse
	_ = json.Unmarshal(body, &apiErr)

	err := fmt.Errorf("http status %d", status)
	if apiErr.Message != "" {
		err = fmt.Errorf("http status %d: %s", status, apiErr.Message)
	}

	switch {
	case status == http.StatusUnauthorized:
		return syncerr.Auth(op, err)
	case status == http.StatusForbidden && apiErr.Code == codePrivateCourse:
		return syncerr.Catalog(op, fmt.Errorf("private course: %w", err))
	case status == http.StatusForbidden, status == http.StatusNotFound:
		return syncerr.Catalog(op, err)
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return syncerr.Transient(op, err)
	default:
		return syncerr.Catalog(op, err)
	}
}

// getJSON 通用 JSON 请求，网络类错误按配置重试
func (c *Client) getJSON(ctx context.Context, op, fullURL string, out any) error {
	return retry.Do(ctx, c.opts.Retry, func() error {
		resp, err := c.do(ctx, c.httpClient, http.MethodGet, op, fullURL)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return syncerr.Transient(op, err)
			}
			return syncerr.Catalog(op, fmt.Errorf("解析响应失败: %w", err))
		}
		return nil
	})
}

// getList 拉取列表接口的全部分页
func getList[T any](ctx context.Context, c *Client, op, fullURL string) ([]T, error) {
	var all []T
	next := fullURL
	for pages := 0; next != ""; pages++ {
		if pages > 1000 {
			return nil, syncerr.Catalog(op, errors.New("too many pages"))
		}
		var page ListResponse[T]
		if err := c.getJSON(ctx, op, next, &page); err != nil {
			return nil, err
		}
		all = append(all, page.Results...)

		if page.Paging.NextPage == "" {
			break
		}
		resolved, err := c.resolve(page.Paging.NextPage)
		if err != nil {
			return nil, syncerr.Catalog(op, err)
		}
		next = resolved
	}
	return all, nil
}

// Me 当前登录用户，会话失效时返回 AuthExpired
func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.getJSON(ctx, "users/me", c.endpoint(1, "/users/me", nil), &u); err != nil {
		return nil, err
	}
	if u.ID == "" {
		return nil, syncerr.Catalog("users/me", errors.New("empty user id"))
	}
	return &u, nil
}

// Memberships 用户的选课列表
func (c *Client) Memberships(ctx context.Context, userID string) ([]Membership, error) {
	path := fmt.Sprintf("/users/%s/courses", userID)
	return getList[Membership](ctx, c, "memberships", c.endpoint(1, path, nil))
}

// Course 课程详情
func (c *Client) Course(ctx context.Context, courseID string) (*CourseInfo, error) {
	var info CourseInfo
	path := fmt.Sprintf("/courses/%s", courseID)
	if err := c.getJSON(ctx, "course", c.endpoint(3, path, nil), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Contents 课程顶层内容
func (c *Client) Contents(ctx context.Context, courseID string) ([]Content, error) {
	path := fmt.Sprintf("/courses/%s/contents", courseID)
	return getList[Content](ctx, c, "contents", c.endpoint(1, path, nil))
}

// Children 某个内容的子内容
func (c *Client) Children(ctx context.Context, courseID, contentID string) ([]Content, error) {
	path := fmt.Sprintf("/courses/%s/contents/%s/children", courseID, contentID)
	return getList[Content](ctx, c, "children", c.endpoint(1, path, nil))
}

// Attachments 某个内容的附件
func (c *Client) Attachments(ctx context.Context, courseID, contentID string) ([]Attachment, error) {
	path := fmt.Sprintf("/courses/%s/contents/%s/attachments", courseID, contentID)
	return getList[Attachment](ctx, c, "attachments", c.endpoint(1, path, nil))
}

// Download 打开附件下载流，返回 Body 和 Content-Length (-1 表示未知)
// 不在这里重试：流中途断开需要由调用方整体重来
func (c *Client) Download(ctx context.Context, courseID, contentID, attachmentID string) (io.ReadCloser, int64, error) {
	path := fmt.Sprintf("/courses/%s/contents/%s/attachments/%s/download",
		courseID, contentID, attachmentID)
	return c.stream(ctx, "download", c.endpoint(1, path, nil))
}

// DownloadURL 打开站内文件的下载流，rawURL 须经过 InstanceURL 检查
func (c *Client) DownloadURL(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	return c.stream(ctx, "webdav", rawURL)
}

func (c *Client) stream(ctx context.Context, op, fullURL string) (io.ReadCloser, int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	resp, err := c.do(ctx, c.downloadClient, http.MethodGet, op, fullURL)
	if err != nil {
		cancel()
		return nil, 0, err
	}
	// 调用者负责 Close
	return newIdleReader(op, resp.Body, c.opts.IdleTimeout, cancel), resp.ContentLength, nil
}

// Resource HEAD 请求得到的文件信息
type Resource struct {
	ContentType string
	Length      int64 // -1 表示未知
}

// Head 查询站内文件的类型和大小，网络类错误按配置重试
func (c *Client) Head(ctx context.Context, rawURL string) (*Resource, error) {
	return retry.DoWithResult(ctx, c.opts.Retry, func() (*Resource, error) {
		resp, err := c.do(ctx, c.httpClient, http.MethodHead, "webdav head", rawURL)
		if err != nil {
			return nil, err
		}
		resp.Body.Close()
		return &Resource{ContentType: resp.Header.Get("Content-Type"), Length: resp.ContentLength}, nil
	})
}

// idleReader 下载流连续 idle 时间没有数据时取消请求，读取返回 NetworkTransient
type idleReader struct {
	op      string
	body    io.ReadCloser
	idle    time.Duration
	timer   *time.Timer
	cancel  context.CancelFunc
	stalled atomic.Bool
}

func newIdleReader(op string, body io.ReadCloser, idle time.Duration, cancel context.CancelFunc) *idleReader {
	r := &idleReader{op: op, body: body, idle: idle, cancel: cancel}
	r.timer = time.AfterFunc(idle, func() {
		r.stalled.Store(true)
		cancel()
	})
	return r
}

func (r *idleReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if n > 0 {
		r.timer.Reset(r.idle)
	}
	if err != nil && err != io.EOF && r.stalled.Load() {
		return n, syncerr.Transient(r.op, fmt.Errorf("no data received for %s: %w", r.idle, err))
	}
	return n, err
}

func (r *idleReader) Close() error {
	r.timer.Stop()
	err := r.body.Close()
	r.cancel()
	return err
}
