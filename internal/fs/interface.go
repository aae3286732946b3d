package fs

import (
	"errors"
	"io"
	"time"
)

var (
	// ErrDestinationExists 目标路径已被占用
	ErrDestinationExists = errors.New("destination already exists")

	// ErrStagingWrite 暂存区本地写入失败 (磁盘满、权限等)
	ErrStagingWrite = errors.New("staging write failed")
)

// FileMeta 本地文件元数据
type FileMeta struct {
	Path    string    // 绝对路径
	Size    int64     // 文件大小
	ModTime time.Time // 修改时间
	IsDir   bool      // 是否为目录
}

// Staged 已写入暂存区、尚未落盘的文件
type Staged struct {
	Path   string // 暂存文件路径
	Size   int64  // 写入字节数
	Digest string // 内容 SHA-256
}

// MirrorFS 本地镜像目录的抽象
// 下载先写入暂存区，校验后再原子地移动到最终位置，索引只记录已落盘的文件
type MirrorFS interface {
	// Root 返回下载根目录
	Root() string

	// Stat 获取单个路径信息，不存在时返回的错误满足 os.IsNotExist
	Stat(path string) (*FileMeta, error)

	// Exists 路径是否存在
	Exists(path string) bool

	// EnsureDir 幂等地创建目录
	EnsureDir(path string) error

	// Stage 把流写入暂存区
	Stage(stream io.Reader) (*Staged, error)

	// Commit 把暂存文件原子地移动到 dest (会覆盖 dest)，并恢复修改时间
	Commit(staged *Staged, dest string, modTime time.Time) error

	// Discard 丢弃暂存文件
	Discard(staged *Staged)

	// Move 移动已存在的文件或目录，dest 已存在时返回 ErrDestinationExists
	Move(oldPath, newPath string) error

	// Park 把文件移入暂存区，返回暂存路径；用于目标位置要等另一个移动腾出的情况
	Park(path string) (string, error)

	// Digest 计算文件的 SHA-256
	Digest(path string) (string, error)

	// CleanStaging 清理上次崩溃遗留的暂存文件，返回清理数量
	CleanStaging() (int, error)
}
