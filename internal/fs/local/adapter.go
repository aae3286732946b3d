package local

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bbsync/internal/crypto"
	"bbsync/internal/fs"

	"github.com/spf13/afero"
)

const (
	// StagingDir 暂存目录名，位于下载根目录下以保证 rename 不跨设备
	StagingDir = ".bbsync-staging"

	stagingPattern = "*.part"
)

// Adapter 本地镜像目录适配器
type Adapter struct {
	fsys    afero.Fs
	rootDir string // 本地绝对路径根目录
}

var _ fs.MirrorFS = (*Adapter)(nil)

// NewAdapter 创建一个新的本地适配器
// fsys 为 nil 时使用真实文件系统
func NewAdapter(fsys afero.Fs, rootDir string) *Adapter {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	// 确保 rootDir 是绝对路径
	absDir, err := filepath.Abs(rootDir)
	if err != nil {
		absDir = rootDir
	}
	return &Adapter{fsys: fsys, rootDir: absDir}
}

// Root 返回根目录
func (a *Adapter) Root() string {
	return a.rootDir
}

// Fs 底层文件系统
func (a *Adapter) Fs() afero.Fs {
	return a.fsys
}

func (a *Adapter) stagingDir() string {
	return filepath.Join(a.rootDir, StagingDir)
}

// Stat 获取单个文件状态
func (a *Adapter) Stat(path string) (*fs.FileMeta, error) {
	info, err := a.fsys.Stat(path)
	if err != nil {
		return nil, err
	}
	return &fs.FileMeta{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}, nil
}

// Exists 路径是否存在
func (a *Adapter) Exists(path string) bool {
	ok, err := afero.Exists(a.fsys, path)
	return err == nil && ok
}

// EnsureDir 创建目录 (已存在时不报错)
func (a *Adapter) EnsureDir(path string) error {
	if err := a.fsys.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}
	return nil
}

// Stage 将流写入暂存文件，同时计算大小和摘要
// 本地写入失败的错误满足 errors.Is(err, fs.ErrStagingWrite)，其余为读取下载流失败
func (a *Adapter) Stage(stream io.Reader) (*fs.Staged, error) {
	// 1. 确保暂存目录存在
	if err := a.EnsureDir(a.stagingDir()); err != nil {
		return nil, fmt.Errorf("%w: %w", fs.ErrStagingWrite, err)
	}

	// 2. 创建暂存文件
	f, err := afero.TempFile(a.fsys, a.stagingDir(), stagingPattern)
	if err != nil {
		return nil, fmt.Errorf("%w: 创建暂存文件失败: %w", fs.ErrStagingWrite, err)
	}
	staged := &fs.Staged{Path: f.Name()}

	// 3. 写入数据
	src := &readTracker{r: stream}
	hw := crypto.NewHashingWriter(f)
	if _, err := io.Copy(hw, src); err != nil {
		f.Close()
		a.Discard(staged)
		if src.err != nil {
			return nil, fmt.Errorf("读取下载流失败: %w", err)
		}
		return nil, fmt.Errorf("%w: 写入暂存文件失败: %w", fs.ErrStagingWrite, err)
	}

	// 关闭文件以刷入磁盘
	if err := f.Close(); err != nil {
		a.Discard(staged)
		return nil, fmt.Errorf("%w: 关闭暂存文件失败: %w", fs.ErrStagingWrite, err)
	}

	staged.Size = hw.Written()
	staged.Digest = hw.Sum()
	return staged, nil
}

// readTracker 记住来源流的读取错误，用于区分网络中断和本地写入失败
type readTracker struct {
	r   io.Reader
	err error
}

func (t *readTracker) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}

// Commit 将暂存文件移动到最终位置
// modTime: 用于恢复文件的修改时间，保持和远端一致
func (a *Adapter) Commit(staged *fs.Staged, dest string, modTime time.Time) error {
	// 1. 确保父目录存在
	if err := a.EnsureDir(filepath.Dir(dest)); err != nil {
		return err
	}

	// 2. 原子替换
	if err := a.fsys.Rename(staged.Path, dest); err != nil {
		return fmt.Errorf("移动暂存文件失败: %w", err)
	}

	// 3. 恢复修改时间，失败不影响结果
	if !modTime.IsZero() {
		if err := a.fsys.Chtimes(dest, time.Now(), modTime); err != nil {
			slog.Warn("无法修改文件时间", "path", dest, "err", err)
		}
	}
	return nil
}

// Discard 删除暂存文件
func (a *Adapter) Discard(staged *fs.Staged) {
	if staged == nil || staged.Path == "" {
		return
	}
	if err := a.fsys.Remove(staged.Path); err != nil && !os.IsNotExist(err) {
		slog.Warn("删除暂存文件失败", "path", staged.Path, "err", err)
	}
}

// Move 移动文件或目录，不覆盖已有内容
func (a *Adapter) Move(oldPath, newPath string) error {
	if filepath.Clean(oldPath) == filepath.Clean(newPath) {
		return nil
	}
	if a.Exists(newPath) {
		return fmt.Errorf("%w: %s", fs.ErrDestinationExists, newPath)
	}

	// 确保目标目录存在
	if err := a.EnsureDir(filepath.Dir(newPath)); err != nil {
		return err
	}
	return a.fsys.Rename(oldPath, newPath)
}

// Park 把文件移入暂存区
// 暂存文件同样以 .part 结尾，崩溃后会在下一轮被清理，索引仍指向旧路径，届时重新下载
func (a *Adapter) Park(path string) (string, error) {
	if err := a.EnsureDir(a.stagingDir()); err != nil {
		return "", err
	}
	f, err := afero.TempFile(a.fsys, a.stagingDir(), "park-"+stagingPattern)
	if err != nil {
		return "", fmt.Errorf("创建暂存文件失败: %w", err)
	}
	hop := f.Name()
	f.Close()
	// 只借用唯一的文件名
	a.fsys.Remove(hop)

	if err := a.fsys.Rename(path, hop); err != nil {
		return "", fmt.Errorf("移入暂存区失败: %w", err)
	}
	return hop, nil
}

// Digest 计算文件的 SHA-256
func (a *Adapter) Digest(path string) (string, error) {
	return crypto.FileDigest(a.fsys, path)
}

// CleanStaging 删除暂存目录中遗留的 .part 文件
func (a *Adapter) CleanStaging() (int, error) {
	entries, err := afero.ReadDir(a.fsys, a.stagingDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".part") {
			continue
		}
		if err := a.fsys.Remove(filepath.Join(a.stagingDir(), e.Name())); err != nil {
			slog.Warn("清理暂存文件失败", "name", e.Name(), "err", err)
			continue
		}
		n++
	}
	return n, nil
}
