package lms

import (
	"bytes"
	"context"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"bbsync/internal/catalog"
	"bbsync/internal/crypto"
	"bbsync/internal/syncerr"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// webdavLimit 正文引用的站内文件达到该大小时不下载
const webdavLimit = 20 << 20

// body 内容正文写成 <title>.md
// 正文中引用的站内文件作为同级节点一并下载，链接改写为本地文件名
func (b *treeBuilder) body(ctx context.Context, content Content, title, parentID, parentPath string) ([]*catalog.ContentItem, error) {
	if strings.TrimSpace(content.Body) == "" {
		return nil, nil
	}

	data, files, err := b.webdav(ctx, content, parentID, parentPath)
	if err != nil {
		return nil, err
	}
	body := b.inline("body:"+content.ID, title+".md", data, parentID, parentPath, timeOrZero(content.Modified))
	return append([]*catalog.ContentItem{body}, files...), nil
}

// webdav 找出正文里指向本站点的文件链接
// 没有可下载的链接时原样返回正文
func (b *treeBuilder) webdav(ctx context.Context, content Content, parentID, parentPath string) ([]byte, []*catalog.ContentItem, error) {
	raw := []byte(content.Body)
	nodes, err := html.ParseFragment(strings.NewReader(content.Body), &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	})
	if err != nil {
		slog.Debug("正文解析失败，按原样保存", "content", content.ID, "err", err)
		return raw, nil, nil
	}

	var (
		files []*catalog.ContentItem
		seen  = make(map[string]bool)
	)
	for _, a := range anchors(nodes) {
		href, ok := b.client.InstanceURL(attr(a, "href"))
		if !ok {
			continue
		}

		res, err := b.client.Head(ctx, href)
		if err != nil {
			// 会话失效和网络错误让整门课程本轮失败，避免文件被误标为过期
			if ctx.Err() != nil || syncerr.IsAuth(err) || syncerr.IsRetryable(err) {
				return nil, nil, err
			}
			slog.Debug("站内链接不可访问", "href", href, "err", err)
			continue
		}
		if !downloadable(res) {
			slog.Debug("跳过站内链接", "href", href, "type", res.ContentType, "size", res.Length)
			continue
		}

		item := b.webdavFile(content, href, linkText(a), res.ContentType, parentID, parentPath)
		if !seen[item.ID] {
			seen[item.ID] = true
			files = append(files, item)
		}
		relink(a, item.Name)
	}
	if len(files) == 0 {
		return raw, nil, nil
	}

	var buf bytes.Buffer
	for _, n := range nodes {
		if err := html.Render(&buf, n); err != nil {
			slog.Debug("正文改写失败，按原样保存", "content", content.ID, "err", err)
			return raw, files, nil
		}
	}
	return buf.Bytes(), files, nil
}

func (b *treeBuilder) webdavFile(content Content, href, text, contentType, parentID, parentPath string) *catalog.ContentItem {
	hash := crypto.Sum([]byte(href))[:12]

	name := text
	if name == "" {
		name = "webdav-" + hash
	}
	if path.Ext(name) == "" {
		name += extensionFor(contentType)
	}

	modified := timeOrZero(content.Modified)
	fingerprint := "webdav:" + hash
	if !modified.IsZero() {
		fingerprint = modified.UTC().Format(time.RFC3339Nano)
	}

	return &catalog.ContentItem{
		ID:          "webdav:" + content.ID + ":" + hash,
		Kind:        catalog.KindFile,
		Name:        name,
		RemotePath:  path.Join(parentPath, name),
		Fingerprint: fingerprint,
		Modified:    modified,
		Size:        -1,
		ParentID:    parentID,
		Source: catalog.Source{
			CourseID:  b.courseID,
			ContentID: content.ID,
			URL:       href,
		},
	}
}

// downloadable 视频、网页和过大的文件不下载；大小未知时照常下载
func downloadable(res *Resource) bool {
	mediaType, _, _ := mime.ParseMediaType(res.ContentType)
	switch {
	case isVideo(mediaType), mediaType == "text/html":
		return false
	case res.Length >= webdavLimit:
		return false
	}
	return true
}

func isVideo(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(contentType))
	}
	return strings.HasPrefix(mediaType, "video/")
}

// withoutVideo 视频附件不下载
func withoutVideo(atts []Attachment) []Attachment {
	kept := make([]Attachment, 0, len(atts))
	for _, att := range atts {
		if isVideo(att.MimeType) {
			slog.Debug("跳过视频附件", "file", att.FileName, "type", att.MimeType)
			continue
		}
		kept = append(kept, att)
	}
	return kept
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	exts, _ := mime.ExtensionsByType(mediaType)
	if len(exts) == 0 {
		return ""
	}
	return exts[0]
}

func anchors(nodes []*html.Node) []*html.Node {
	var found []*html.Node
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A && attr(n, "href") != "" {
			found = append(found, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	for _, n := range nodes {
		visit(n)
	}
	return found
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func linkText(n *html.Node) string {
	var sb strings.Builder
	var visit func(n *html.Node)
	visit = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

// relink 链接指向同目录下的本地文件，文字改为文件名
func relink(a *html.Node, name string) {
	for i := range a.Attr {
		if a.Attr[i].Key == "href" {
			a.Attr[i].Val = (&url.URL{Path: name}).String()
		}
	}
	for a.FirstChild != nil {
		a.RemoveChild(a.FirstChild)
	}
	a.AppendChild(&html.Node{Type: html.TextNode, Data: name})
}
