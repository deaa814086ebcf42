package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"akvs/avl"
	"akvs/overlay"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestRepository(t *testing.T, withIndex bool) *Repository {
	t.Helper()

	dir := t.TempDir()
	opts := Options{}
	if withIndex {
		opts.SQLiteIndexPath = filepath.Join(dir, "index.db")
	}

	repo, err := Open(context.Background(), filepath.Join(dir, "store"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestRepositoryDirectOperations(t *testing.T) {
	repo := createTestRepository(t, false)
	ctx := context.Background()

	t.Run("Put, Get, Delete", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, []byte("user/alice"), []byte(`{"name":"Alice"}`)))

		value, err := repo.Get(ctx, []byte("user/alice"))
		require.NoError(t, err)
		assert.Equal(t, []byte(`{"name":"Alice"}`), value)

		require.NoError(t, repo.Delete(ctx, []byte("user/alice")))
		_, err = repo.Get(ctx, []byte("user/alice"))
		assert.ErrorIs(t, err, avl.ErrKeyNotFound)
	})

	t.Run("RootHash отражает состояние", func(t *testing.T) {
		assert.Nil(t, repo.RootHash())

		require.NoError(t, repo.Put(ctx, []byte("k"), []byte("v")))
		assert.NotNil(t, repo.RootHash())
		assert.Len(t, repo.RootHash(), 32)
	})

	t.Run("Range и Len", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			key := []byte(fmt.Sprintf("item/%02d", i))
			require.NoError(t, repo.Put(ctx, key, []byte("data")))
		}

		entries, err := repo.Range(ctx, []byte("item/03"), []byte("item/07"))
		require.NoError(t, err)
		assert.Len(t, entries, 5)

		count, err := repo.Len(ctx)
		require.NoError(t, err)
		assert.Equal(t, 11, count) // 10 item/* плюс "k" из предыдущего подтеста
	})
}

func TestRepositoryMutations(t *testing.T) {
	repo := createTestRepository(t, false)
	ctx := context.Background()

	t.Run("полный цикл: накопление, коммит", func(t *testing.T) {
		batch := repo.Mutations()

		require.NoError(t, batch.Put([]byte("a"), []byte("1")))
		require.NoError(t, batch.Put([]byte("b"), []byte("2")))

		// До коммита дерево не видит отложенных операций.
		_, err := repo.Get(ctx, []byte("a"))
		assert.ErrorIs(t, err, avl.ErrKeyNotFound)

		hash, err := repo.Commit(ctx, batch)
		require.NoError(t, err)
		require.NotNil(t, hash)
		assert.Equal(t, hash, repo.RootHash())

		value, err := repo.Get(ctx, []byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), value)
	})

	t.Run("откат не меняет дерево", func(t *testing.T) {
		before := repo.RootHash()

		batch := repo.Mutations()
		require.NoError(t, batch.Put([]byte("discarded"), []byte("x")))
		require.NoError(t, repo.Rollback(batch))

		assert.Equal(t, before, repo.RootHash())
		_, err := repo.Get(ctx, []byte("discarded"))
		assert.ErrorIs(t, err, avl.ErrKeyNotFound)
	})

	t.Run("чужой пакет отклоняется", func(t *testing.T) {
		foreign := overlay.NewBatch()
		require.NoError(t, foreign.Put([]byte("x"), []byte("y")))

		_, err := repo.Commit(ctx, foreign)
		assert.ErrorIs(t, err, ErrInvalidHandle)

		err = repo.Rollback(foreign)
		assert.ErrorIs(t, err, ErrInvalidHandle)

		_, err = repo.Hash(foreign)
		assert.ErrorIs(t, err, ErrInvalidHandle)
	})

	t.Run("nil-пакет отклоняется", func(t *testing.T) {
		_, err := repo.Commit(ctx, nil)
		assert.ErrorIs(t, err, ErrInvalidHandle)
	})

	t.Run("хендл переиспользуется после коммита и отката", func(t *testing.T) {
		batch := repo.Mutations()

		// Откат, повторное накопление, коммит — сценарий staged-запись/rollback/re-stage.
		require.NoError(t, batch.Put([]byte("x"), []byte("1")))
		require.NoError(t, repo.Rollback(batch))
		_, err := repo.Get(ctx, []byte("x"))
		assert.ErrorIs(t, err, avl.ErrKeyNotFound)

		require.NoError(t, batch.Put([]byte("x"), []byte("1")))
		_, err = repo.Commit(ctx, batch)
		require.NoError(t, err)

		value, err := repo.Get(ctx, []byte("x"))
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), value)
	})
}

func TestRepositorySQLiteIndex(t *testing.T) {
	repo := createTestRepository(t, true)
	ctx := context.Background()

	require.True(t, repo.HasIndex())

	require.NoError(t, repo.Put(ctx, []byte("user/alice"), []byte("data-a")))
	require.NoError(t, repo.Put(ctx, []byte("user/bob"), []byte("data-b")))
	require.NoError(t, repo.Put(ctx, []byte("post/1"), []byte("data-p")))

	t.Run("поиск по шаблону", func(t *testing.T) {
		results, err := repo.Index().Search(ctx, "user/%", 0)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "user/alice", results[0].Key)
		assert.Equal(t, "user/bob", results[1].Key)
	})

	t.Run("удаление убирает запись из индекса", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, []byte("user/bob")))

		results, err := repo.Index().Search(ctx, "user/%", 0)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "user/alice", results[0].Key)
	})

	t.Run("статистика индекса", func(t *testing.T) {
		stats, err := repo.Index().Stats(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, stats.Entries)
	})
}

func TestRepositoryReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	storePath := filepath.Join(dir, "store")

	repo, err := Open(ctx, storePath, Options{})
	require.NoError(t, err)

	require.NoError(t, repo.Put(ctx, []byte("durable"), []byte("value")))
	savedHash := repo.RootHash()
	require.NoError(t, repo.Close())

	reopened, err := Open(ctx, storePath, Options{})
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, savedHash, reopened.RootHash())

	value, err := reopened.Get(ctx, []byte("durable"))
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), value)
}
