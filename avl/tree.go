package avl

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"sync"

	"akvs/datastore"

	lru "github.com/hashicorp/golang-lru/v2"
	ds "github.com/ipfs/go-datastore"
)

// Ошибки дерева. Транзакционные ошибки и ошибки ввода-вывода нижележащего
// хранилища пробрасываются без изменений.
var (
	ErrKeyNotFound = errors.New("avl: key not found")
	ErrEmptyTree   = errors.New("avl: empty tree")
)

// nodeCacheSize — ёмкость общего LRU-кэша декодированных записей узлов.
// Записи неизменяемы после коммита, поэтому кэш никогда не устаревает.
const nodeCacheSize = 8192

// Tree реализует аутентифицированное AVL-дерево поверх Datastore.
// Каждый узел несёт blake3-хеш своего поддерева, так что хеш корня
// аутентифицирует весь набор данных. Дерево хранит указатель на корень
// и счётчик идентификаторов узлов на зарезервированных ключах хранилища
// и подгружает их лениво при первой операции.
//
// Все структурные мутации (Put, Delete) сериализуются writer-мьютексом:
// строгий единственный держатель с очередью ожидания, освобождение гарантировано
// и в случае ошибки. Читатели (Get, RootHash, Range) writer-мьютекс не берут:
// они работают со снимком текущего корня, который подменяется атомарно
// только после успешного коммита транзакции.
type Tree struct {
	ds datastore.Datastore

	loadOnce sync.Once
	loadErr  error

	// wmu — writer-мьютекс: не более одного писателя одновременно.
	wmu sync.Mutex

	// mu защищает снимок состояния (rootID, rootHash, nextID).
	mu       sync.RWMutex
	rootID   uint64
	rootHash []byte
	nextID   uint64

	cache *lru.Cache[uint64, *node]
}

// NewTree создаёт дерево поверх предоставленного хранилища. Состояние
// подгружается лениво: первая операция (или явный Load) читает указатель
// на корень и счётчик идентификаторов.
func NewTree(store datastore.Datastore) *Tree {
	cache, _ := lru.New[uint64, *node](nodeCacheSize)
	return &Tree{
		ds:    store,
		cache: cache,
	}
}

// Load форсирует ленивую инициализацию. Вызов не обязателен: каждая
// операция сама дожидается загрузки состояния.
func (t *Tree) Load(ctx context.Context) error {
	return t.ensure(ctx)
}

// ensure выполняет однократную загрузку персистентного состояния дерева.
// Все операции обязаны дождаться её завершения.
func (t *Tree) ensure(ctx context.Context) error {
	t.loadOnce.Do(func() {
		t.loadErr = t.load(ctx)
	})
	return t.loadErr
}

func (t *Tree) load(ctx context.Context) error {
	rootID, err := t.loadCounter(ctx, rootKey, 0)
	if err != nil {
		return err
	}
	nextID, err := t.loadCounter(ctx, nextIDKey, 1)
	if err != nil {
		return err
	}

	var rootHash []byte
	if rootID != 0 {
		root, err := t.loadNode(ctx, nil, rootID)
		if err != nil {
			return err
		}
		rootHash = append([]byte(nil), root.Hash...)
	}

	t.mu.Lock()
	t.rootID = rootID
	t.rootHash = rootHash
	t.nextID = nextID
	t.mu.Unlock()

	return nil
}

// loadCounter читает десятичное значение с зарезервированного ключа.
// Отсутствие ключа означает значение по умолчанию, а не ошибку.
func (t *Tree) loadCounter(ctx context.Context, key ds.Key, def uint64) (uint64, error) {
	data, err := t.ds.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ds.ErrNotFound) {
			return def, nil
		}
		return 0, err
	}
	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, errors.New("avl: corrupt counter at " + key.String())
	}
	return v, nil
}

// Root возвращает идентификатор текущего корня (0 для пустого дерева).
func (t *Tree) Root() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootID
}

// RootHash возвращает хеш текущего корня или nil для пустого дерева.
// Синхронный аксессор: отражает только последнюю успешно закоммиченную
// мутацию, writer-мьютекс не берётся.
func (t *Tree) RootHash() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.rootHash == nil {
		return nil
	}
	return append([]byte(nil), t.rootHash...)
}

// Get возвращает значение по ключу. Читает против текущего снимка корня
// без writer-мьютекса; copy-on-write гарантирует, что снимок остаётся
// целостным даже при параллельном писателе.
func (t *Tree) Get(ctx context.Context, key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, errors.New("avl: empty key")
	}
	if err := t.ensure(ctx); err != nil {
		return nil, err
	}

	t.mu.RLock()
	rootID := t.rootID
	t.mu.RUnlock()

	if rootID == 0 {
		return nil, ErrKeyNotFound
	}

	// Спуск завершается на совпавшем либо ближайшем узле;
	// точное равенство проверяет вызывающая сторона.
	n, err := t.search(ctx, rootID, key)
	if err != nil {
		return nil, err
	}
	if n == nil || !bytes.Equal(n.Key, key) {
		return nil, ErrKeyNotFound
	}

	return append([]byte(nil), n.Value...), nil
}

// Put вставляет или обновляет значение по ключу. Вся операция выполняется
// в одной транзакции: затронутые узлы, указатель на корень и счётчик
// идентификаторов применяются атомарно. Снимок в памяти подменяется
// только после успешного коммита.
func (t *Tree) Put(ctx context.Context, key, value []byte) error {
	if len(key) == 0 {
		return errors.New("avl: empty key")
	}
	if value == nil {
		return errors.New("avl: nil value")
	}
	if err := t.ensure(ctx); err != nil {
		return err
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()

	t.mu.RLock()
	rootID := t.rootID
	nextID := t.nextID
	t.mu.RUnlock()

	txn, err := t.ds.NewTransaction(ctx, false)
	if err != nil {
		return err
	}
	defer txn.Discard(ctx)

	m := newMutation(txn, nextID)

	newRoot, err := t.putNode(ctx, m, rootID, key, value)
	if err != nil {
		return err
	}

	newHash, err := t.subtreeHash(ctx, m, newRoot)
	if err != nil {
		return err
	}

	if err := t.persistState(ctx, m, newRoot); err != nil {
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return err
	}

	t.finishMutation(m, newRoot, newHash)
	return nil
}

// Delete удаляет ключ. Ошибка ErrEmptyTree возвращается до любого
// ввода-вывода, ErrKeyNotFound — если ключ отсутствует; в обоих случаях
// долговременное состояние не меняется.
func (t *Tree) Delete(ctx context.Context, key []byte) error {
	if len(key) == 0 {
		return errors.New("avl: empty key")
	}
	if err := t.ensure(ctx); err != nil {
		return err
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()

	t.mu.RLock()
	rootID := t.rootID
	nextID := t.nextID
	t.mu.RUnlock()

	if rootID == 0 {
		return ErrEmptyTree
	}

	txn, err := t.ds.NewTransaction(ctx, false)
	if err != nil {
		return err
	}
	defer txn.Discard(ctx)

	m := newMutation(txn, nextID)

	newRoot, removed, err := t.deleteNode(ctx, m, rootID, key)
	if err != nil {
		return err
	}
	if !removed {
		return ErrKeyNotFound
	}

	newHash, err := t.subtreeHash(ctx, m, newRoot)
	if err != nil {
		return err
	}

	if err := t.persistState(ctx, m, newRoot); err != nil {
		return err
	}
	if err := txn.Commit(ctx); err != nil {
		return err
	}

	t.finishMutation(m, newRoot, newHash)
	return nil
}

// SetRoot персистирует указатель на корень и подменяет ссылку в памяти.
// Идемпотентна: совпадение с текущим корнем — no-op. Запись идёт в переданную
// транзакцию либо напрямую в хранилище, если транзакция не передана.
func (t *Tree) SetRoot(ctx context.Context, id uint64, txn ds.Txn) error {
	if err := t.ensure(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if id == t.rootID {
		return nil
	}

	var rootHash []byte
	if id != 0 {
		root, err := t.loadNode(ctx, nil, id)
		if err != nil {
			return err
		}
		rootHash = append([]byte(nil), root.Hash...)
	}

	if err := writeRootPointer(ctx, txnOrStore(txn, t.ds), id); err != nil {
		return err
	}

	t.rootID = id
	t.rootHash = rootHash
	return nil
}

// Range возвращает все пары ключ-значение в диапазоне [start, end]
// в порядке возрастания ключей. Пустая граница не ограничивает диапазон.
func (t *Tree) Range(ctx context.Context, start, end []byte) ([]Entry, error) {
	if err := t.ensure(ctx); err != nil {
		return nil, err
	}

	t.mu.RLock()
	rootID := t.rootID
	t.mu.RUnlock()

	var out []Entry
	if err := t.collectRange(ctx, rootID, start, end, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Len возвращает количество ключей в дереве.
func (t *Tree) Len(ctx context.Context) (int, error) {
	if err := t.ensure(ctx); err != nil {
		return 0, err
	}

	t.mu.RLock()
	rootID := t.rootID
	t.mu.RUnlock()

	return t.countNodes(ctx, rootID)
}

// Height возвращает высоту дерева (0 для пустого).
func (t *Tree) Height(ctx context.Context) (int, error) {
	if err := t.ensure(ctx); err != nil {
		return 0, err
	}

	t.mu.RLock()
	rootID := t.rootID
	t.mu.RUnlock()

	if rootID == 0 {
		return 0, nil
	}
	root, err := t.loadNode(ctx, nil, rootID)
	if err != nil {
		return 0, err
	}
	return root.Height, nil
}

// persistState записывает новый указатель на корень и счётчик идентификаторов
// в транзакцию мутации. Указатель удаляется, если дерево стало пустым.
func (t *Tree) persistState(ctx context.Context, m *mutation, newRoot uint64) error {
	if err := writeRootPointer(ctx, m.txn, newRoot); err != nil {
		return err
	}
	return m.txn.Put(ctx, nextIDKey, []byte(strconv.FormatUint(m.nextID, 10)))
}

// subtreeHash возвращает копию хеша узла newRoot (nil для пустого поддерева).
// Узел разрешается через кэш мутации: при удалении корень может оказаться
// подшитым старым узлом, который мутация не пересохраняла.
func (t *Tree) subtreeHash(ctx context.Context, m *mutation, newRoot uint64) ([]byte, error) {
	if newRoot == 0 {
		return nil, nil
	}
	n, err := t.loadNode(ctx, m, newRoot)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), n.Hash...), nil
}

// finishMutation публикует результат успешно закоммиченной мутации:
// сохранённые записи попадают в общий кэш, снимок в памяти подменяется
// одним присваиванием.
func (t *Tree) finishMutation(m *mutation, newRoot uint64, newHash []byte) {
	for _, n := range m.stored {
		t.cache.Add(n.ID, n)
	}

	t.mu.Lock()
	t.rootID = newRoot
	t.rootHash = newHash
	t.nextID = m.nextID
	t.mu.Unlock()
}

// rootWriter — минимальная поверхность записи, общая для транзакции
// и самого хранилища.
type rootWriter interface {
	Put(ctx context.Context, key ds.Key, value []byte) error
	Delete(ctx context.Context, key ds.Key) error
}

func txnOrStore(txn ds.Txn, store datastore.Datastore) rootWriter {
	if txn != nil {
		return txn
	}
	return store
}

func writeRootPointer(ctx context.Context, w rootWriter, id uint64) error {
	if id == 0 {
		if err := w.Delete(ctx, rootKey); err != nil && !errors.Is(err, ds.ErrNotFound) {
			return err
		}
		return nil
	}
	return w.Put(ctx, rootKey, []byte(strconv.FormatUint(id, 10)))
}
