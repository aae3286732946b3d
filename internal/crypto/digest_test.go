package crypto

import (
	"bytes"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echo -n "hello" | sha256sum
const helloSHA = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestSumAndFingerprint(t *testing.T) {
	assert.Equal(t, helloSHA, Sum([]byte("hello")))
	assert.Equal(t, "sha256:"+helloSHA, Fingerprint([]byte("hello")))
}

func TestFileDigest(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/m/a.txt", []byte("hello"), 0644))

	got, err := FileDigest(fsys, "/m/a.txt")
	require.NoError(t, err)
	assert.Equal(t, helloSHA, got)

	_, err = FileDigest(fsys, "/m/missing")
	assert.Error(t, err)
}

func TestHashingWriter(t *testing.T) {
	var buf bytes.Buffer
	hw := NewHashingWriter(&buf)

	_, err := hw.Write([]byte("hel"))
	require.NoError(t, err)
	_, err = hw.Write([]byte("lo"))
	require.NoError(t, err)

	assert.Equal(t, "hello", buf.String())
	assert.Equal(t, int64(5), hw.Written())
	assert.Equal(t, helloSHA, hw.Sum())
}
