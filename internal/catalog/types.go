// Package catalog 描述一轮同步中从远端获取的课程与内容树
// 这些对象每轮重新构建，不持久化
package catalog

import "time"

// Kind 内容类型
type Kind int

const (
	KindFile Kind = iota
	KindFolder
)

func (k Kind) String() string {
	if k == KindFolder {
		return "folder"
	}
	return "file"
}

// FolderFingerprint 文件夹没有内容版本，使用固定指纹
const FolderFingerprint = "folder"

// Course 一门已选课程
type Course struct {
	ID        string    // 远端课程 ID (如 "_123_1")
	Code      string    // 课程代码 (如 "CO1234")
	Name      string    // 显示名称
	StartDate time.Time // 选课/开课时间，用于 "从某日起的课程" 过滤；零值表示未知
}

// Source 说明如何取得文件内容
// 附件通过 API 下载；正文里引用的站内文件按 URL 下载；正文和外链快捷方式直接内嵌
type Source struct {
	CourseID     string
	ContentID    string
	AttachmentID string
	URL          string
	Inline       []byte
}

// IsInline 内容是否已内嵌 (不需要网络请求)
func (s Source) IsInline() bool {
	return s.AttachmentID == "" && s.URL == ""
}

// ContentItem 课程内容树中的一个节点
type ContentItem struct {
	ID          string // 跨轮次稳定的远端标识
	Kind        Kind
	Name        string    // 显示名称 (未做文件名清洗)
	RemotePath  string    // 课程内的远端路径 (以 "/" 分隔，仅用于日志)
	Fingerprint string    // 远端版本指纹，变化即需重新下载
	Modified    time.Time // 远端修改时间，下载后用于恢复 mtime；零值表示未知
	Size        int64     // 期望字节数，-1 表示未知
	ParentID    string    // 父节点 ID，顶层节点为空
	Source      Source

	Children []*ContentItem
}

// CourseTree 一门课程及其内容树
// Err 非空表示整门课程本轮获取失败 (CatalogInconsistent)，Items 无意义
type CourseTree struct {
	Course Course
	Items  []*ContentItem
	Err    error
}

// Walk 深度优先遍历，父节点先于子节点
// fn 返回 false 时不再进入该节点的子树
func Walk(items []*ContentItem, fn func(item *ContentItem, parents []*ContentItem) bool) {
	var visit func(nodes []*ContentItem, parents []*ContentItem)
	visit = func(nodes []*ContentItem, parents []*ContentItem) {
		for _, n := range nodes {
			if !fn(n, parents) {
				continue
			}
			if len(n.Children) > 0 {
				visit(n.Children, append(parents[:len(parents):len(parents)], n))
			}
		}
	}
	visit(items, nil)
}

// Count 统计树中的节点数
func Count(items []*ContentItem) int {
	n := 0
	Walk(items, func(*ContentItem, []*ContentItem) bool {
		n++
		return true
	})
	return n
}
