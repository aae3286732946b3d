package lms

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"runtime"
	"strings"
	"time"

	"bbsync/internal/catalog"
	"bbsync/internal/crypto"
	"bbsync/internal/syncerr"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency 同时抓取的课程数
const DefaultConcurrency = 4

// Catalog 远端目录客户端: 枚举选课并构建每门课程的内容树
type Catalog struct {
	client      *Client
	concurrency int
	goos        string // 决定外链快捷方式格式
}

// NewCatalog 创建目录客户端
func NewCatalog(client *Client, concurrency int) *Catalog {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Catalog{client: client, concurrency: concurrency, goos: runtime.GOOS}
}

// Fetch 获取全部课程及其内容树
// 单门课程失败只记录到该 CourseTree.Err；会话失效或选课列表不可达时整体返回错误
func (c *Catalog) Fetch(ctx context.Context) ([]catalog.CourseTree, error) {
	// 1. 当前用户
	me, err := c.client.Me(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch user: %w", err)
	}

	// 2. 选课列表
	memberships, err := c.client.Memberships(ctx, me.ID)
	if err != nil {
		return nil, fmt.Errorf("fetch memberships: %w", err)
	}
	slog.Info("获取选课列表完成", "课程数", len(memberships))

	// 3. 并发构建每门课程的内容树
	trees := make([]*catalog.CourseTree, len(memberships))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for i, ms := range memberships {
		i, ms := i, ms
		if !ms.Availability.IsAvailable() {
			slog.Debug("跳过不可用的选课", "course", ms.CourseID)
			continue
		}
		g.Go(func() error {
			tree, err := c.fetchCourse(gctx, ms)
			if err != nil {
				// 会话失效或退出时中止全部课程
				if syncerr.IsAuth(err) || gctx.Err() != nil {
					return err
				}
				slog.Warn("课程内容获取失败，本轮跳过", "course", ms.CourseID, "err", err)
				tree = &catalog.CourseTree{
					Course: catalog.Course{ID: ms.CourseID},
					Err:    syncerr.Catalog("course "+ms.CourseID, err),
				}
			}
			trees[i] = tree
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := make([]catalog.CourseTree, 0, len(trees))
	for _, t := range trees {
		if t != nil {
			result = append(result, *t)
		}
	}
	return result, nil
}

// fetchCourse 获取单门课程；课程本身不可用时返回 (nil, nil)
func (c *Catalog) fetchCourse(ctx context.Context, ms Membership) (*catalog.CourseTree, error) {
	info, err := c.client.Course(ctx, ms.CourseID)
	if err != nil {
		return nil, err
	}
	if !info.Availability.IsAvailable() {
		slog.Debug("跳过不可用的课程", "course", info.ID)
		return nil, nil
	}

	course := catalog.Course{ID: info.ID}
	course.Code, course.Name = SplitCourseName(info.Name)
	if course.Code == "" {
		course.Code = info.CourseID
	}
	switch {
	case ms.Created != nil:
		course.StartDate = *ms.Created
	case info.Created != nil:
		course.StartDate = *info.Created
	}

	contents, err := c.client.Contents(ctx, info.ID)
	if err != nil {
		return nil, err
	}

	b := &treeBuilder{client: c.client, courseID: info.ID, goos: c.goos}
	items, err := b.buildAll(ctx, contents, "", "")
	if err != nil {
		return nil, err
	}

	slog.Info("课程内容获取完成", "course", course.Name, "节点数", catalog.Count(items))
	return &catalog.CourseTree{Course: course, Items: items}, nil
}

// SplitCourseName 解析 "CODE : Title, Extra" 格式的课程名
func SplitCourseName(name string) (code, title string) {
	rest := name
	if before, after, ok := strings.Cut(name, " : "); ok {
		code, rest = strings.TrimSpace(before), after
	}
	title, _, _ = strings.Cut(rest, ",")
	title = strings.TrimSpace(title)
	if title == "" {
		title = "Untitled Course"
	}
	return code, title
}

// treeBuilder 把 Blackboard 内容转换为 ContentItem 树
type treeBuilder struct {
	client   *Client
	courseID string
	goos     string
}

func (b *treeBuilder) buildAll(ctx context.Context, contents []Content, parentID, parentPath string) ([]*catalog.ContentItem, error) {
	var items []*catalog.ContentItem
	for _, content := range contents {
		built, err := b.build(ctx, content, parentID, parentPath)
		if err != nil {
			return nil, err
		}
		items = append(items, built...)
	}
	return items, nil
}

// build 一个 Blackboard 内容可能对应零个、一个或多个节点
func (b *treeBuilder) build(ctx context.Context, content Content, parentID, parentPath string) ([]*catalog.ContentItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	title := strings.TrimSpace(content.Title)
	if title == "" {
		title = "Untitled"
	}
	modified := timeOrZero(content.Modified)

	switch handler := content.Handler(); {
	case handler == HandlerFolder:
		folder := b.folder("content:"+content.ID, title, parentID, parentPath, modified)
		children, err := b.client.Children(ctx, b.courseID, content.ID)
		if err != nil {
			return nil, err
		}
		folder.Children, err = b.buildAll(ctx, children, folder.ID, folder.RemotePath)
		if err != nil {
			return nil, err
		}
		body, err := b.body(ctx, content, title, folder.ID, folder.RemotePath)
		if err != nil {
			return nil, err
		}
		folder.Children = append(folder.Children, body...)
		return []*catalog.ContentItem{folder}, nil

	case handler == HandlerFile || handler == HandlerDocument:
		attachments, err := b.client.Attachments(ctx, b.courseID, content.ID)
		if err != nil {
			return nil, err
		}
		attachments = withoutVideo(attachments)

		// 只有一个附件且没有正文的文件直接放在父目录下
		if handler == HandlerFile && len(attachments) == 1 && strings.TrimSpace(content.Body) == "" {
			return []*catalog.ContentItem{b.attachment(content, attachments[0], parentID, parentPath)}, nil
		}

		folder := b.folder("content:"+content.ID, title, parentID, parentPath, modified)
		for _, att := range attachments {
			folder.Children = append(folder.Children, b.attachment(content, att, folder.ID, folder.RemotePath))
		}
		body, err := b.body(ctx, content, title, folder.ID, folder.RemotePath)
		if err != nil {
			return nil, err
		}
		folder.Children = append(folder.Children, body...)
		if len(folder.Children) == 0 {
			return nil, nil
		}
		return []*catalog.ContentItem{folder}, nil

	case handler == HandlerExternalLink:
		if content.ContentHandler.URL == "" {
			return nil, nil
		}
		name, data := shortcut(title, content.ContentHandler.URL, b.goos)
		return []*catalog.ContentItem{b.inline("link:"+content.ID, name, data, parentID, parentPath, modified)}, nil

	default:
		slog.Debug("不处理的内容类型", "title", title, "handler", handler)
		return b.body(ctx, content, title, parentID, parentPath)
	}
}

func (b *treeBuilder) folder(id, name, parentID, parentPath string, modified time.Time) *catalog.ContentItem {
	return &catalog.ContentItem{
		ID:          id,
		Kind:        catalog.KindFolder,
		Name:        name,
		RemotePath:  path.Join(parentPath, name),
		Fingerprint: catalog.FolderFingerprint,
		Modified:    modified,
		Size:        -1,
		ParentID:    parentID,
	}
}

func (b *treeBuilder) attachment(content Content, att Attachment, parentID, parentPath string) *catalog.ContentItem {
	name := att.FileName
	if name == "" {
		name = "attachment-" + att.ID
	}
	modified := timeOrZero(content.Modified)

	fingerprint := "attachment:" + att.ID
	if !modified.IsZero() {
		fingerprint = modified.UTC().Format(time.RFC3339Nano)
	}

	return &catalog.ContentItem{
		ID:          "attachment:" + att.ID,
		Kind:        catalog.KindFile,
		Name:        name,
		RemotePath:  path.Join(parentPath, name),
		Fingerprint: fingerprint,
		Modified:    modified,
		Size:        -1,
		ParentID:    parentID,
		Source: catalog.Source{
			CourseID:     b.courseID,
			ContentID:    content.ID,
			AttachmentID: att.ID,
		},
	}
}

func (b *treeBuilder) inline(id, name string, data []byte, parentID, parentPath string, modified time.Time) *catalog.ContentItem {
	return &catalog.ContentItem{
		ID:          id,
		Kind:        catalog.KindFile,
		Name:        name,
		RemotePath:  path.Join(parentPath, name),
		Fingerprint: crypto.Fingerprint(data),
		Modified:    modified,
		Size:        int64(len(data)),
		ParentID:    parentID,
		Source:      catalog.Source{Inline: data},
	}
}

// shortcut 生成与平台相符的网页快捷方式
func shortcut(title, link, goos string) (string, []byte) {
	if goos == "windows" || goos == "darwin" {
		return title + ".url", []byte("[InternetShortcut]\nURL=" + link + "\n")
	}
	return title + ".desktop", []byte("[Desktop Entry]\nIcon=text-html\nType=Link\nName=" + title + "\nURL[$e]=" + link + "\n")
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// Open 打开一个附件或站内文件的下载流，实现执行器的 Fetcher 接口
func (c *Catalog) Open(ctx context.Context, item *catalog.ContentItem) (io.ReadCloser, int64, error) {
	src := item.Source
	if src.URL != "" {
		return c.client.DownloadURL(ctx, src.URL)
	}
	return c.client.Download(ctx, src.CourseID, src.ContentID, src.AttachmentID)
}
