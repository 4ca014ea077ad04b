package filestore

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/Byounghakim/pc-ui-server-sub000/errors"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Put(ctx, "state/valve", []byte(`{"valveState":"1000"}`)))

	data, err := store.Get(ctx, "state/valve")
	require.NoError(t, err)
	assert.Equal(t, `{"valveState":"1000"}`, string(data))
}

func TestPutOverwrites(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Put(ctx, "k", []byte("v1")))
	require.NoError(t, store.Put(ctx, "k", []byte("v2")))

	data, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestGetMissingKey(t *testing.T) {
	store := newStore(t)
	_, err := store.Get(context.Background(), "nope")
	assert.True(t, stderrors.Is(err, cerrors.ErrKeyNotFound))
}

func TestListWithPrefix(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Put(ctx, "tasks/t2", []byte("b")))
	require.NoError(t, store.Put(ctx, "tasks/t1", []byte("a")))
	require.NoError(t, store.Put(ctx, "state/valve", []byte("c")))

	keys, err := store.List(ctx, "tasks/")
	require.NoError(t, err)
	assert.Equal(t, []string{"tasks/t1", "tasks/t2"}, keys)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"state/valve", "tasks/t1", "tasks/t2"}, all)
}

func TestDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Put(ctx, "k", []byte("v")))
	require.NoError(t, store.Delete(ctx, "k"))
	require.NoError(t, store.Delete(ctx, "k"))

	_, err := store.Get(ctx, "k")
	assert.True(t, stderrors.Is(err, cerrors.ErrKeyNotFound))
}

func TestKeyTraversalRejected(t *testing.T) {
	store := newStore(t)
	err := store.Put(context.Background(), "../escape", []byte("v"))
	assert.Error(t, err)

	err = store.Put(context.Background(), "", []byte("v"))
	assert.Error(t, err)
}
