package sync

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"bbsync/internal/database"

	"github.com/spf13/afero"
)

var errDirNotEmpty = errors.New("directory not empty")

// PruneResult 清理结果
type PruneResult struct {
	Pruned  []*database.MirrorEntry // 已删除索引的条目
	Removed int                     // 已删除的本地文件和目录
	Kept    []string                // 没有删除的本地路径，其索引同样保留
}

// PruneStale 删除过期条目的索引；removeFiles 时一并删除 root 下的本地文件
// 只在用户显式要求时调用，同步流程本身从不删除文件。目录只有为空时才删除
func PruneStale(db *database.DB, fsys afero.Fs, root string, removeFiles bool) (*PruneResult, error) {
	all, err := db.AllEntries()
	if err != nil {
		return nil, err
	}

	var stale []*database.MirrorEntry
	for _, id := range database.SortedIDs(all) {
		if all[id].Stale {
			stale = append(stale, all[id])
		}
	}
	// 子路径先于所在目录
	sort.SliceStable(stale, func(i, j int) bool {
		return len(stale[i].LocalPath) > len(stale[j].LocalPath)
	})

	res := &PruneResult{}
	for _, e := range stale {
		if removeFiles {
			removed, err := removeLocal(fsys, root, e)
			if err != nil {
				slog.Warn("本地文件未删除，保留索引", "path", e.LocalPath, "err", err)
				res.Kept = append(res.Kept, e.LocalPath)
				continue
			}
			if removed {
				res.Removed++
			}
		}

		if err := db.Delete(e.ID); err != nil {
			return res, fmt.Errorf("删除索引失败 id=%s: %w", e.ID, err)
		}
		slog.Debug("已清理过期条目", "id", e.ID, "path", e.LocalPath)
		res.Pruned = append(res.Pruned, e)
	}
	return res, nil
}

// removeLocal 删除条目的本地文件；文件已不存在时返回 (false, nil)
func removeLocal(fsys afero.Fs, root string, e *database.MirrorEntry) (bool, error) {
	if !database.IsUnder(root, e.LocalPath) {
		return false, fmt.Errorf("%s is outside the download root", e.LocalPath)
	}
	info, err := fsys.Stat(e.LocalPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if info.IsDir() {
		children, err := afero.ReadDir(fsys, e.LocalPath)
		if err != nil {
			return false, err
		}
		if len(children) > 0 {
			return false, errDirNotEmpty
		}
	}
	if err := fsys.Remove(e.LocalPath); err != nil {
		return false, err
	}
	return true, nil
}
