package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", base, KindUnknown},
		{"auth", Auth("fetch", base), KindAuthExpired},
		{"transient", Transient("fetch", base), KindNetworkTransient},
		{"local io", LocalIO("write", base), KindLocalIO},
		{"catalog", Catalog("contents", base), KindCatalogInconsistent},
		{"wrapped twice", fmt.Errorf("outer: %w", Transient("fetch", base)), KindNetworkTransient},
		{"canceled", Transient("fetch", context.Canceled), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorFormattingAndUnwrap(t *testing.T) {
	base := errors.New("disk full")
	err := LocalIO("write staging", base)

	assert.Equal(t, "local_io: write staging: disk full", err.Error())
	assert.ErrorIs(t, err, base)
	assert.Nil(t, LocalIO("noop", nil))
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsAuth(Auth("me", errors.New("401"))))
	assert.False(t, IsAuth(Transient("me", errors.New("503"))))
	assert.True(t, IsRetryable(Transient("me", errors.New("503"))))
	assert.False(t, IsRetryable(Catalog("me", errors.New("404"))))
}
