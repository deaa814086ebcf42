package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"akvs/avl"
	"akvs/datastore"
	"akvs/overlay"
	"akvs/sqliteindexer"

	badger4 "github.com/ipfs/go-ds-badger4"
	"lukechampine.com/blake3"
)

var ErrInvalidHandle = errors.New("repository: invalid mutation handle")

type Options struct {
	// SQLiteIndexPath включает вторичный SQLite-индекс закоммиченных записей.
	// Пустой путь отключает индексацию.
	SQLiteIndexPath string
	BadgerOptions   *badger4.Options
}

// Repository — фасад хранилища: датастор, аутентифицированное дерево и
// необязательный вторичный индекс. Выдаёт и проверяет хендлы отложенных
// мутаций: операции с чужим или нулевым хендлом отклоняются.
type Repository struct {
	ds    datastore.Datastore
	tree  *avl.Tree
	index *sqliteindexer.Indexer

	mu      sync.Mutex
	batches map[*overlay.Batch]struct{}
}

func Open(ctx context.Context, dataPath string, opts Options) (*Repository, error) {
	badgerOpts := opts.BadgerOptions
	if badgerOpts == nil {
		badgerOpts = &badger4.DefaultOptions
	}
	ds, err := datastore.NewDatastorage(dataPath, badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create datastore: %w", err)
	}

	tree := avl.NewTree(ds)
	if err := tree.Load(ctx); err != nil {
		ds.Close()
		return nil, fmt.Errorf("failed to load tree state: %w", err)
	}

	var index *sqliteindexer.Indexer
	if opts.SQLiteIndexPath != "" {
		index, err = sqliteindexer.NewIndexer(opts.SQLiteIndexPath)
		if err != nil {
			ds.Close()
			return nil, fmt.Errorf("failed to create SQLite indexer: %w", err)
		}
	}

	return &Repository{
		ds:      ds,
		tree:    tree,
		index:   index,
		batches: make(map[*overlay.Batch]struct{}),
	}, nil
}

// Mutations выдаёт новый хендл отложенных мутаций, привязанный к репозиторию.
func (r *Repository) Mutations() *overlay.Batch {
	b := overlay.NewBatch()
	r.mu.Lock()
	r.batches[b] = struct{}{}
	r.mu.Unlock()
	return b
}

func (r *Repository) validateHandle(b *overlay.Batch) error {
	if b == nil {
		return ErrInvalidHandle
	}
	r.mu.Lock()
	_, ok := r.batches[b]
	r.mu.Unlock()
	if !ok {
		return ErrInvalidHandle
	}
	return nil
}

// Commit применяет журнал хендла к дереву и возвращает новый хеш корня.
// Каждая запись журнала — отдельная транзакция дерева; при ошибке в середине
// уже применённые записи остаются закоммиченными (см. overlay.Batch.Commit).
func (r *Repository) Commit(ctx context.Context, b *overlay.Batch) ([]byte, error) {
	if err := r.validateHandle(b); err != nil {
		return nil, err
	}

	ops := b.Ops()
	rootHash, err := b.Commit(ctx, r.tree)
	if err != nil {
		return nil, err
	}

	r.mirrorOps(ctx, ops)
	return rootHash, nil
}

// Rollback отбрасывает журнал хендла, не трогая долговременное состояние.
func (r *Repository) Rollback(b *overlay.Batch) error {
	if err := r.validateHandle(b); err != nil {
		return err
	}
	b.Rollback()
	return nil
}

// Hash возвращает текущий хеш корня для хендла (nil для пустого дерева).
func (r *Repository) Hash(b *overlay.Batch) ([]byte, error) {
	if err := r.validateHandle(b); err != nil {
		return nil, err
	}
	return r.tree.RootHash(), nil
}

func (r *Repository) Put(ctx context.Context, key, value []byte) error {
	if err := r.tree.Put(ctx, key, value); err != nil {
		return err
	}
	r.mirrorOps(ctx, []overlay.Op{{Key: key, Value: value}})
	return nil
}

func (r *Repository) Get(ctx context.Context, key []byte) ([]byte, error) {
	return r.tree.Get(ctx, key)
}

func (r *Repository) Delete(ctx context.Context, key []byte) error {
	if err := r.tree.Delete(ctx, key); err != nil {
		return err
	}
	r.mirrorOps(ctx, []overlay.Op{{Key: key, Remove: true}})
	return nil
}

func (r *Repository) RootHash() []byte {
	return r.tree.RootHash()
}

func (r *Repository) Range(ctx context.Context, start, end []byte) ([]avl.Entry, error) {
	return r.tree.Range(ctx, start, end)
}

func (r *Repository) Len(ctx context.Context) (int, error) {
	return r.tree.Len(ctx)
}

// mirrorOps зеркалит применённые операции во вторичный индекс. Индекс
// best-effort: ошибка логируется и не влияет на результат операции.
func (r *Repository) mirrorOps(ctx context.Context, ops []overlay.Op) {
	if r.index == nil {
		return
	}
	for _, op := range ops {
		var err error
		if op.Remove {
			err = r.index.DeleteEntry(ctx, op.Key)
		} else {
			sum := blake3.Sum256(op.Value)
			err = r.index.IndexEntry(ctx, op.Key, len(op.Value), sum[:])
		}
		if err != nil {
			log.Printf("warning: SQLite indexing failed for %q: %v", op.Key, err)
		}
	}
}

func (r *Repository) HasIndex() bool {
	return r.index != nil
}

func (r *Repository) Index() *sqliteindexer.Indexer {
	return r.index
}

func (r *Repository) Tree() *avl.Tree {
	return r.tree
}

func (r *Repository) Datastore() datastore.Datastore {
	return r.ds
}

func (r *Repository) Close() error {
	var firstErr error
	if r.index != nil {
		if err := r.index.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close SQLite indexer: %w", err)
		}
		r.index = nil
	}
	if r.ds != nil {
		if err := r.ds.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close datastore: %w", err)
		}
		r.ds = nil
	}
	return firstErr
}
