package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("<html>snapshot</html>")
	uri, err := store.PutObject(context.Background(), "snapshots/V1/main.html", "text/html", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://snapshots/V1/main.html", uri)

	payload[0] = 'X'
	stored, contentType, ok := store.Object("snapshots/V1/main.html")
	require.True(t, ok)
	require.Equal(t, "<html>snapshot</html>", string(stored))
	require.Equal(t, "text/html", contentType)
	require.Equal(t, 1, store.Len())
}

func TestBlobStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), " ", "text/html", bytes.NewReader(nil))
	require.Error(t, err)
}
