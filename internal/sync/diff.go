package sync

import (
	"log/slog"
	"sort"
	"time"

	"bbsync/internal/catalog"
	"bbsync/internal/database"
)

// Filter 课程过滤条件，Since 为零值表示全部课程
type Filter struct {
	Since time.Time
}

// Allows 开课时间未知的课程总是保留
func (f Filter) Allows(c catalog.Course) bool {
	if f.Since.IsZero() || c.StartDate.IsZero() {
		return true
	}
	return !c.StartDate.Before(f.Since)
}

// LocalView 差异引擎需要的本地只读视图
type LocalView interface {
	Exists(path string) bool
}

// ComputeActions 决策函数：对比远端内容树和镜像索引，生成有序的操作序列
// 父节点的操作总在子节点之前；未访问到的条目在最后按 ID 顺序标记过期
// local 为 nil 时不检查本地文件是否还在
func ComputeActions(trees []catalog.CourseTree, entries map[string]*database.MirrorEntry,
	filter Filter, layout Layout, local LocalView) []Action {

	// 1. 本轮不参与比较的课程 (远端获取失败) 和本轮出现的节点
	failedCourses := make(map[string]bool)
	present := make(map[string]bool)
	for _, tree := range trees {
		if tree.Err != nil {
			failedCourses[tree.Course.ID] = true
			continue
		}
		if !filter.Allows(tree.Course) {
			continue
		}
		catalog.Walk(tree.Items, func(item *catalog.ContentItem, _ []*catalog.ContentItem) bool {
			present[item.ID] = true
			return true
		})
	}

	// 不在本轮目录中的条目仍占着本地路径，新节点不得与之重名
	alloc := newNameAllocator()
	for id, e := range entries {
		if !present[id] {
			alloc.reserve(e.LocalPath)
		}
	}

	// 2. 深度优先遍历每门课程
	var actions []Action
	visited := make(map[string]bool)

	for _, tree := range trees {
		if tree.Err != nil {
			slog.Warn("课程目录不可用，本轮跳过", "course", tree.Course.ID, "err", tree.Err)
			continue
		}
		course := tree.Course
		if !filter.Allows(course) {
			slog.Debug("课程不满足开课日期过滤", "course", course.Name, "start", course.StartDate)
			continue
		}

		courseDir := alloc.allocate(layout.courseParent(course), course.Name, true)
		dests := make(map[string]string)

		catalog.Walk(tree.Items, func(item *catalog.ContentItem, parents []*catalog.ContentItem) bool {
			// 同一节点在树中出现两次时只处理第一次
			if visited[item.ID] {
				return false
			}
			visited[item.ID] = true

			parentDir := courseDir
			if len(parents) > 0 {
				parentDir = dests[parents[len(parents)-1].ID]
			}
			dest := alloc.allocate(parentDir, item.Name, item.Kind == catalog.KindFolder)
			dests[item.ID] = dest

			actions = append(actions, compare(course.ID, item, entries[item.ID], dest, local))
			return true
		})
	}

	// 3. 未访问到的条目标记过期
	var staleIDs []string
	for id, e := range entries {
		if visited[id] || e.Stale || failedCourses[e.CourseID] {
			continue
		}
		staleIDs = append(staleIDs, id)
	}
	sort.Strings(staleIDs)
	for _, id := range staleIDs {
		e := entries[id]
		actions = append(actions, Action{
			Type:     ActionMarkStale,
			CourseID: e.CourseID,
			Entry:    e,
			Reason:   "remote item no longer reachable",
		})
	}

	return actions
}

// compare 单个节点的决策
func compare(courseID string, item *catalog.ContentItem, entry *database.MirrorEntry, dest string, local LocalView) Action {
	a := Action{CourseID: courseID, Item: item, Entry: entry, Dest: dest}

	switch {
	case entry == nil:
		a.Type, a.Reason = ActionDownload, "new"
	case entry.Fingerprint != item.Fingerprint:
		a.Type, a.Reason = ActionDownload, "remote changed"
	case entry.LocalPath != dest:
		a.Type, a.Reason = ActionRelocate, "remote moved"
	case local != nil && !local.Exists(entry.LocalPath):
		a.Type, a.Reason = ActionDownload, "missing locally"
	default:
		a.Type = ActionSkip
	}
	return a
}

// CountActions 按类型统计
func CountActions(actions []Action) map[ActionType]int {
	counts := make(map[ActionType]int)
	for _, a := range actions {
		counts[a.Type]++
	}
	return counts
}
