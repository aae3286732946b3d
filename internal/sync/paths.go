package sync

import (
	"path/filepath"
	"strconv"
	"strings"

	"bbsync/internal/catalog"
)

// Layout 决定课程内容在本地的位置
// <root>/[<year>/]<course title>/<remote path>
type Layout struct {
	Root        string
	GroupByYear bool
}

// courseParent 课程目录所在的父目录
func (l Layout) courseParent(c catalog.Course) string {
	if l.GroupByYear && !c.StartDate.IsZero() {
		return filepath.Join(l.Root, strconv.Itoa(c.StartDate.Year()))
	}
	return l.Root
}

// SanitizeName 把远端显示名转换为可用的文件名
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20 || r == 0x7f:
			b.WriteByte('_')
		case strings.ContainsRune(`<>:"/\|?*`, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	s := strings.TrimRight(strings.TrimSpace(b.String()), ". ")
	if s == "" || s == "." || s == ".." {
		return "Untitled"
	}
	return s
}

// nameAllocator 同一目录下的同名节点按遍历顺序追加 " (2)"、" (3)"
// 比较时忽略大小写，避免在大小写不敏感的文件系统上互相覆盖
type nameAllocator struct {
	taken map[string]bool
}

func newNameAllocator() *nameAllocator {
	return &nameAllocator{taken: make(map[string]bool)}
}

// reserve 预先占用一个路径 (例如不在本轮目录中的索引条目)
func (a *nameAllocator) reserve(path string) {
	a.taken[strings.ToLower(filepath.Clean(path))] = true
}

// allocate 在 dir 下为 name 分配一个未被占用的路径
func (a *nameAllocator) allocate(dir, name string, isDir bool) string {
	name = SanitizeName(name)
	candidate := filepath.Join(dir, name)
	for n := 2; a.taken[strings.ToLower(candidate)]; n++ {
		candidate = filepath.Join(dir, withSuffix(name, n, isDir))
	}
	a.taken[strings.ToLower(candidate)] = true
	return candidate
}

func withSuffix(name string, n int, isDir bool) string {
	suffix := " (" + strconv.Itoa(n) + ")"
	ext := filepath.Ext(name)
	if isDir || ext == name {
		return name + suffix
	}
	return strings.TrimSuffix(name, ext) + suffix + ext
}
