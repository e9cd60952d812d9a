package blob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ngmhub/siteledger/internal/apperr"
)

func newTestStorage(t *testing.T) *LocalStorage {
	t.Helper()
	s, err := NewLocalStorage(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStorage(t)

	content := []byte("%PDF-1.4 receipt bytes")
	require.NoError(t, s.Put("p-1/ab/abcd1234.pdf", content))

	got, err := s.Get("p-1/ab/abcd1234.pdf")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.Get("p-1/nothing.pdf")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestTraversalRejected(t *testing.T) {
	s := newTestStorage(t)

	for _, key := range []string{"../escape.pdf", "a/../../escape.pdf", ""} {
		err := s.Put(key, []byte("x"))
		assert.Equal(t, apperr.KindValidation, apperr.KindOf(err), "key %q", key)
	}
}

func TestDeleteIdempotent(t *testing.T) {
	s := newTestStorage(t)

	require.NoError(t, s.Put("k/file.jpg", []byte("img")))
	require.NoError(t, s.Delete("k/file.jpg"))
	require.NoError(t, s.Delete("k/file.jpg"))

	_, err := s.Get("k/file.jpg")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
