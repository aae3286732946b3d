// Package crypto 计算镜像文件的内容摘要
// 下载时对暂存文件做校验，落盘前判断目标位置的已有文件是否与新内容一致
package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"

	"github.com/spf13/afero"
)

// DigestPrefix 指纹前缀，便于区分摘要指纹和时间戳指纹
const DigestPrefix = "sha256:"

// Sum 计算字节切片的 SHA-256 (十六进制)
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Fingerprint 内嵌内容的指纹
func Fingerprint(data []byte) string {
	return DigestPrefix + Sum(data)
}

// FileDigest 计算文件的 SHA-256
func FileDigest(fsys afero.Fs, path string) (string, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashingWriter 写入时同步计算摘要和字节数
type HashingWriter struct {
	w io.Writer
	h hash.Hash
	n int64
}

// NewHashingWriter 包装一个 Writer
func NewHashingWriter(w io.Writer) *HashingWriter {
	return &HashingWriter{w: w, h: sha256.New()}
}

func (hw *HashingWriter) Write(p []byte) (int, error) {
	n, err := hw.w.Write(p)
	if n > 0 {
		hw.h.Write(p[:n])
		hw.n += int64(n)
	}
	return n, err
}

// Sum 已写入内容的 SHA-256 (十六进制)
func (hw *HashingWriter) Sum() string {
	return hex.EncodeToString(hw.h.Sum(nil))
}

// Written 已写入的字节数
func (hw *HashingWriter) Written() int64 {
	return hw.n
}
