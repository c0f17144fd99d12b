package memory

import (
	"bytes"
	"context"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	payload := []byte("content")
	uri, err := store.PutObject(ctx, "staging/2024/01/02/x.xlsx", "application/octet-stream", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://staging/2024/01/02/x.xlsx", uri)

	payload[0] = 'C'
	rc, err := store.GetObject(ctx, "staging/2024/01/02/x.xlsx")
	require.NoError(t, err)
	defer func() { require.NoError(t, rc.Close()) }()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "content", string(got))
	require.Equal(t, []string{"staging/2024/01/02/x.xlsx"}, store.Paths())
}

func TestBlobStoreMissingObject(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().GetObject(context.Background(), "nope")
	require.ErrorIs(t, err, os.ErrNotExist)
}
