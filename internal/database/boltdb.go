package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// EntriesBucket 镜像条目表，Key 为远端 ID
	EntriesBucket = "MirrorEntries"
	// MetaBucket 索引元数据 (下载根目录、上次同步时间)
	MetaBucket = "Meta"

	metaRoot     = "download_root"
	metaLastSync = "last_sync"
)

// ErrEntryNotFound 条目不存在
var ErrEntryNotFound = errors.New("mirror entry not found")

// DB 封装 BoltDB 实例，即本地镜像索引
// bbolt 自身保证并发读写安全；写入由调度器串行化到同步周期内
type DB struct {
	conn *bbolt.DB
	path string
}

// NewBoltDB 初始化并打开数据库
func NewBoltDB(dbPath string) (*DB, error) {
	// Timeout 选项防止两个进程同时打开同一个数据库导致死锁
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开 BoltDB 失败: %w", err)
	}

	// 确保 Bucket 存在
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{EntriesBucket, MetaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("创建 Bucket 失败: %w", err)
	}

	return &DB{conn: db, path: dbPath}, nil
}

// Close 关闭数据库连接
func (d *DB) Close() error {
	return d.conn.Close()
}

// Path 数据库文件路径
func (d *DB) Path() string {
	return d.path
}

// Get 获取单个条目，不存在时返回 (nil, nil)
func (d *DB) Get(id string) (*MirrorEntry, error) {
	var entry *MirrorEntry
	err := d.conn.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(EntriesBucket)).Get([]byte(id))
		if v == nil {
			return nil
		}
		entry = &MirrorEntry{}
		return json.Unmarshal(v, entry)
	})
	if err != nil {
		return nil, fmt.Errorf("读取条目失败 id=%s: %w", id, err)
	}
	return entry, nil
}

// Upsert 保存或更新条目
// LastSynced 为零时填入当前时间；Stale 标记随写入一并清除
func (d *DB) Upsert(entry *MirrorEntry) error {
	if entry.ID == "" {
		return errors.New("mirror entry without id")
	}
	if entry.LastSynced == 0 {
		entry.LastSynced = time.Now().UnixNano()
	}
	entry.Stale = false

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("序列化失败: %w", err)
	}

	return d.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(EntriesBucket)).Put([]byte(entry.ID), data)
	})
}

// MarkStale 标记远端已不可见的条目，不删除记录，也不动本地文件
func (d *DB) MarkStale(id string) error {
	return d.update(id, func(e *MirrorEntry) {
		e.Stale = true
	})
}

// Revive 远端条目重新出现时清除 stale 标记
func (d *DB) Revive(id string) error {
	return d.update(id, func(e *MirrorEntry) {
		e.Stale = false
	})
}

func (d *DB) update(id string, fn func(e *MirrorEntry)) error {
	return d.conn.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(EntriesBucket))
		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrEntryNotFound, id)
		}
		var e MirrorEntry
		if err := json.Unmarshal(v, &e); err != nil {
			return fmt.Errorf("解析数据失败 key=%s: %w", id, err)
		}
		fn(&e)
		data, err := json.Marshal(&e)
		if err != nil {
			return fmt.Errorf("序列化失败: %w", err)
		}
		return b.Put([]byte(id), data)
	})
}

// Delete 删除条目记录 (仅用于用户显式操作)
func (d *DB) Delete(id string) error {
	return d.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(EntriesBucket)).Delete([]byte(id))
	})
}

// AllEntries 获取所有条目，加载时不校验本地路径是否存在
// 缺失的文件交给下一次 diff 决定是否重新下载
func (d *DB) AllEntries() (map[string]*MirrorEntry, error) {
	result := make(map[string]*MirrorEntry)

	err := d.conn.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(EntriesBucket)).ForEach(func(k, v []byte) error {
			var e MirrorEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("解析数据失败 key=%s: %w", string(k), err)
			}
			result[string(k)] = &e
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EntriesUnderRoot 只返回本地路径位于 root 之下的条目
func (d *DB) EntriesUnderRoot(root string) (map[string]*MirrorEntry, error) {
	all, err := d.AllEntries()
	if err != nil {
		return nil, err
	}
	for id, e := range all {
		if !IsUnder(root, e.LocalPath) {
			delete(all, id)
		}
	}
	return all, nil
}

// SortedIDs 按 ID 排序，便于输出稳定的结果
func SortedIDs(entries map[string]*MirrorEntry) []string {
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clear 清空所有条目 (全量重新下载)，返回清除的数量
func (d *DB) Clear() (int, error) {
	n := 0
	err := d.conn.Update(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(EntriesBucket)).Stats().KeyN
		if err := tx.DeleteBucket([]byte(EntriesBucket)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(EntriesBucket))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("清空索引失败: %w", err)
	}
	return n, nil
}

// RewriteRoot 把 oldRoot 下条目的本地路径改写到 newRoot 下，不移动任何文件
// 返回改写数量和因不在 oldRoot 下而跳过的数量
func (d *DB) RewriteRoot(oldRoot, newRoot string) (rewritten, skipped int, err error) {
	err = d.conn.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(EntriesBucket))

		// 遍历时不能修改 Bucket，先收集
		updates := make(map[string][]byte)
		err := b.ForEach(func(k, v []byte) error {
			var e MirrorEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("解析数据失败 key=%s: %w", string(k), err)
			}
			if !IsUnder(oldRoot, e.LocalPath) {
				skipped++
				return nil
			}
			rel, err := filepath.Rel(filepath.Clean(oldRoot), filepath.Clean(e.LocalPath))
			if err != nil {
				skipped++
				return nil
			}
			e.LocalPath = filepath.Join(newRoot, rel)
			data, err := json.Marshal(&e)
			if err != nil {
				return err
			}
			updates[string(k)] = data
			return nil
		})
		if err != nil {
			return err
		}

		for k, data := range updates {
			if err := b.Put([]byte(k), data); err != nil {
				return err
			}
		}
		rewritten = len(updates)
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("改写根目录失败: %w", err)
	}
	return rewritten, skipped, nil
}

// Root 索引对应的下载根目录，未记录时返回空字符串
func (d *DB) Root() (string, error) {
	v, err := d.getMeta(metaRoot)
	return string(v), err
}

// SetRoot 记录索引对应的下载根目录
func (d *DB) SetRoot(root string) error {
	return d.putMeta(metaRoot, []byte(root))
}

// LastSync 上次成功同步的时间，从未同步时返回零值
func (d *DB) LastSync() (time.Time, error) {
	v, err := d.getMeta(metaLastSync)
	if err != nil || v == nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, string(v))
	if err != nil {
		return time.Time{}, fmt.Errorf("解析上次同步时间失败: %w", err)
	}
	return t, nil
}

// SetLastSync 记录上次成功同步的时间
func (d *DB) SetLastSync(t time.Time) error {
	return d.putMeta(metaLastSync, []byte(t.UTC().Format(time.RFC3339Nano)))
}

func (d *DB) getMeta(key string) ([]byte, error) {
	var out []byte
	err := d.conn.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket([]byte(MetaBucket)).Get([]byte(key)); v != nil {
			// bbolt 返回的切片只在事务内有效
			out = append([]byte(nil), v...)
		}
		return nil
	})
	return out, err
}

func (d *DB) putMeta(key string, value []byte) error {
	return d.conn.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(MetaBucket)).Put([]byte(key), value)
	})
}

// Stats 统计条目数量和元数据
func (d *DB) Stats() (Stats, error) {
	var s Stats
	all, err := d.AllEntries()
	if err != nil {
		return s, err
	}
	s.Entries = len(all)
	for _, e := range all {
		if e.Stale {
			s.Stale++
		}
	}
	if s.Root, err = d.Root(); err != nil {
		return s, err
	}
	if s.LastSync, err = d.LastSync(); err != nil {
		return s, err
	}
	return s, nil
}
