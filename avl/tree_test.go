package avl

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"akvs/datastore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestTree создает дерево поверх временного badger-хранилища.
// t.TempDir() автоматически очищает директорию после завершения теста.
func createTestTree(t *testing.T) (*Tree, datastore.Datastore) {
	t.Helper()

	store, err := datastore.NewDatastorage(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return NewTree(store), store
}

// checkInvariants рекурсивно проверяет BST-порядок и AVL-баланс поддерева,
// возвращая его фактическую высоту. lo и hi — открытые границы ключей.
func checkInvariants(t *testing.T, tree *Tree, id uint64, lo, hi []byte) int {
	t.Helper()

	if id == 0 {
		return 0
	}

	n, err := tree.loadNode(context.Background(), nil, id)
	require.NoError(t, err)

	if lo != nil {
		require.Negative(t, bytes.Compare(lo, n.Key), "нарушен порядок ключей: %q >= %q", lo, n.Key)
	}
	if hi != nil {
		require.Negative(t, bytes.Compare(n.Key, hi), "нарушен порядок ключей: %q >= %q", n.Key, hi)
	}

	leftHeight := checkInvariants(t, tree, n.Left, lo, n.Key)
	rightHeight := checkInvariants(t, tree, n.Right, n.Key, hi)

	balance := leftHeight - rightHeight
	require.GreaterOrEqual(t, balance, -1, "узел %q разбалансирован", n.Key)
	require.LessOrEqual(t, balance, 1, "узел %q разбалансирован", n.Key)

	height := 1 + max(leftHeight, rightHeight)
	require.Equal(t, height, n.Height, "высота узла %q не соответствует поддереву", n.Key)

	return height
}

func TestTreeBasicOperations(t *testing.T) {
	tree, _ := createTestTree(t)
	ctx := context.Background()

	t.Run("Put и Get", func(t *testing.T) {
		err := tree.Put(ctx, []byte("hello"), []byte("world"))
		require.NoError(t, err)

		value, err := tree.Get(ctx, []byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, []byte("world"), value)
	})

	t.Run("перезапись значения", func(t *testing.T) {
		err := tree.Put(ctx, []byte("hello"), []byte("updated"))
		require.NoError(t, err)

		value, err := tree.Get(ctx, []byte("hello"))
		require.NoError(t, err)
		assert.Equal(t, []byte("updated"), value)
	})

	t.Run("Get несуществующего ключа", func(t *testing.T) {
		_, err := tree.Get(ctx, []byte("missing"))
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("Delete и повторный Get", func(t *testing.T) {
		err := tree.Delete(ctx, []byte("hello"))
		require.NoError(t, err)

		_, err = tree.Get(ctx, []byte("hello"))
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("пустой ключ отклоняется", func(t *testing.T) {
		err := tree.Put(ctx, nil, []byte("v"))
		assert.Error(t, err)
	})
}

func TestEmptyTree(t *testing.T) {
	tree, _ := createTestTree(t)
	ctx := context.Background()

	t.Run("хеш пустого дерева — nil", func(t *testing.T) {
		require.NoError(t, tree.Load(ctx))
		assert.Nil(t, tree.RootHash())
		assert.Zero(t, tree.Root())
	})

	t.Run("Get из пустого дерева", func(t *testing.T) {
		_, err := tree.Get(ctx, []byte("any"))
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("Delete из пустого дерева", func(t *testing.T) {
		err := tree.Delete(ctx, []byte("any"))
		assert.ErrorIs(t, err, ErrEmptyTree)
	})

	t.Run("возврат к пустому после удаления всех ключей", func(t *testing.T) {
		require.NoError(t, tree.Put(ctx, []byte("only"), []byte("one")))
		assert.NotNil(t, tree.RootHash())

		require.NoError(t, tree.Delete(ctx, []byte("only")))
		assert.Nil(t, tree.RootHash())
		assert.Zero(t, tree.Root())
	})
}

func TestDeleteMissingKey(t *testing.T) {
	tree, _ := createTestTree(t)
	ctx := context.Background()

	require.NoError(t, tree.Put(ctx, []byte("a"), []byte("1")))
	hashBefore := tree.RootHash()

	// Ключа нет в непустом дереве: ErrKeyNotFound, хеш не меняется.
	err := tree.Delete(ctx, []byte("b"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.Equal(t, hashBefore, tree.RootHash())

	// Повторное удаление уже удалённого ключа.
	require.NoError(t, tree.Delete(ctx, []byte("a")))
	err = tree.Delete(ctx, []byte("a"))
	assert.ErrorIs(t, err, ErrEmptyTree)
}

// TestDeleteRootWithSingleChild: при удалении корня его единственный ребёнок
// подшивается на место корня; хеш обязан совпасть с хешем дерева,
// построенного из оставшегося ключа с нуля.
func TestDeleteRootWithSingleChild(t *testing.T) {
	ctx := context.Background()

	tree, _ := createTestTree(t)
	require.NoError(t, tree.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, tree.Put(ctx, []byte("b"), []byte("2")))
	require.NoError(t, tree.Delete(ctx, []byte("a")))

	require.NotNil(t, tree.RootHash())

	reference, _ := createTestTree(t)
	require.NoError(t, reference.Put(ctx, []byte("b"), []byte("2")))

	assert.Equal(t, reference.RootHash(), tree.RootHash())

	value, err := tree.Get(ctx, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), value)
}

// TestRotations проверяет классический сценарий одинарной левой ротации:
// вставка a, b, c по возрастанию без балансировки дала бы высоту 3,
// после ротации корнем становится b с высотой 2.
func TestRotations(t *testing.T) {
	tree, _ := createTestTree(t)
	ctx := context.Background()

	require.NoError(t, tree.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, tree.Put(ctx, []byte("b"), []byte("2")))
	require.NoError(t, tree.Put(ctx, []byte("c"), []byte("3")))

	root, err := tree.loadNode(ctx, nil, tree.Root())
	require.NoError(t, err)

	assert.Equal(t, []byte("b"), root.Key)
	assert.Equal(t, 2, root.Height)

	left, err := tree.loadNode(ctx, nil, root.Left)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), left.Key)

	right, err := tree.loadNode(ctx, nil, root.Right)
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), right.Key)

	checkInvariants(t, tree, tree.Root(), nil, nil)
}

// TestInvariantsUnderLoad гоняет смешанную нагрузку и после каждого этапа
// проверяет порядок ключей, баланс и высоты по всему дереву.
func TestInvariantsUnderLoad(t *testing.T) {
	tree, _ := createTestTree(t)
	ctx := context.Background()

	rng := rand.New(rand.NewSource(42))
	keys := make([][]byte, 200)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%05d", i))
	}
	rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })

	for _, k := range keys {
		require.NoError(t, tree.Put(ctx, k, []byte("value")))
	}
	checkInvariants(t, tree, tree.Root(), nil, nil)

	count, err := tree.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, len(keys), count)

	// Удаляем половину ключей в случайном порядке.
	for _, k := range keys[:100] {
		require.NoError(t, tree.Delete(ctx, k))
	}
	checkInvariants(t, tree, tree.Root(), nil, nil)

	count, err = tree.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, count)

	for _, k := range keys[:100] {
		_, err := tree.Get(ctx, k)
		assert.ErrorIs(t, err, ErrKeyNotFound)
	}
	for _, k := range keys[100:] {
		_, err := tree.Get(ctx, k)
		assert.NoError(t, err)
	}
}

// TestHashDeterminism: хеш корня — чистая функция множества пар ключ-значение,
// порядок вставки на него не влияет.
func TestHashDeterminism(t *testing.T) {
	ctx := context.Background()

	entries := map[string]string{
		"apple":  "red",
		"banana": "yellow",
		"cherry": "dark",
		"date":   "brown",
		"elder":  "purple",
		"fig":    "green",
		"grape":  "violet",
	}

	buildTree := func(t *testing.T, order []string) []byte {
		tree, _ := createTestTree(t)
		for _, k := range order {
			require.NoError(t, tree.Put(ctx, []byte(k), []byte(entries[k])))
		}
		return tree.RootHash()
	}

	forward := []string{"apple", "banana", "cherry", "date", "elder", "fig", "grape"}
	reverse := []string{"grape", "fig", "elder", "date", "cherry", "banana", "apple"}
	shuffled := []string{"date", "grape", "apple", "fig", "banana", "elder", "cherry"}

	h1 := buildTree(t, forward)
	h2 := buildTree(t, reverse)
	h3 := buildTree(t, shuffled)

	require.NotNil(t, h1)
	assert.Equal(t, h1, h2)
	assert.Equal(t, h1, h3)

	t.Run("изменение значения меняет хеш корня", func(t *testing.T) {
		tree, _ := createTestTree(t)
		for _, k := range forward {
			require.NoError(t, tree.Put(ctx, []byte(k), []byte(entries[k])))
		}
		require.Equal(t, h1, tree.RootHash())

		require.NoError(t, tree.Put(ctx, []byte("date"), []byte("golden")))
		assert.NotEqual(t, h1, tree.RootHash())
	})

	t.Run("RootHash не мутирует состояние", func(t *testing.T) {
		tree, _ := createTestTree(t)
		require.NoError(t, tree.Put(ctx, []byte("k"), []byte("v")))

		first := tree.RootHash()
		second := tree.RootHash()
		assert.Equal(t, first, second)

		// Возвращается копия: порча среза снаружи не трогает дерево.
		first[0] ^= 0xFF
		assert.Equal(t, second, tree.RootHash())
	})
}

// TestPersistence: дерево переоткрывается поверх того же хранилища
// и восстанавливает корень, счётчик идентификаторов и данные.
func TestPersistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := datastore.NewDatastorage(dir, nil)
	require.NoError(t, err)

	tree := NewTree(store)

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("persist-%03d", i))
		require.NoError(t, tree.Put(ctx, key, []byte("data")))
	}
	savedHash := tree.RootHash()
	savedRoot := tree.Root()
	require.NoError(t, store.Close())

	// Переоткрываем хранилище и дерево.
	store, err = datastore.NewDatastorage(dir, nil)
	require.NoError(t, err)
	defer store.Close()

	reopened := NewTree(store)
	require.NoError(t, reopened.Load(ctx))

	assert.Equal(t, savedHash, reopened.RootHash())
	assert.Equal(t, savedRoot, reopened.Root())

	value, err := reopened.Get(ctx, []byte("persist-025"))
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), value)

	// Новая вставка не должна переиспользовать старые идентификаторы.
	require.NoError(t, reopened.Put(ctx, []byte("persist-999"), []byte("new")))
	checkInvariants(t, reopened, reopened.Root(), nil, nil)
}

func TestRange(t *testing.T) {
	tree, _ := createTestTree(t)
	ctx := context.Background()

	for _, k := range []string{"d", "b", "f", "a", "c", "e", "g"} {
		require.NoError(t, tree.Put(ctx, []byte(k), []byte("v-"+k)))
	}

	t.Run("полный диапазон отсортирован", func(t *testing.T) {
		entries, err := tree.Range(ctx, nil, nil)
		require.NoError(t, err)
		require.Len(t, entries, 7)

		for i, expected := range []string{"a", "b", "c", "d", "e", "f", "g"} {
			assert.Equal(t, []byte(expected), entries[i].Key)
			assert.Equal(t, []byte("v-"+expected), entries[i].Value)
		}
	})

	t.Run("границы включительны", func(t *testing.T) {
		entries, err := tree.Range(ctx, []byte("b"), []byte("e"))
		require.NoError(t, err)
		require.Len(t, entries, 4)
		assert.Equal(t, []byte("b"), entries[0].Key)
		assert.Equal(t, []byte("e"), entries[3].Key)
	})

	t.Run("открытая правая граница", func(t *testing.T) {
		entries, err := tree.Range(ctx, []byte("f"), nil)
		require.NoError(t, err)
		require.Len(t, entries, 2)
	})

	t.Run("пустой диапазон", func(t *testing.T) {
		entries, err := tree.Range(ctx, []byte("x"), []byte("z"))
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

// TestConcurrentWrites: писатели сериализуются, читатели не блокируются.
// После всех горутин каждый ключ обязан присутствовать, инварианты — держаться.
func TestConcurrentWrites(t *testing.T) {
	tree, _ := createTestTree(t)
	ctx := context.Background()

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				key := []byte(fmt.Sprintf("w%02d-%03d", w, i))
				if err := tree.Put(ctx, key, []byte("concurrent")); err != nil {
					errs <- err
				}
				// Конкурентные чтения во время записи.
				tree.RootHash()
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("ошибка конкурентной записи: %v", err)
	}

	count, err := tree.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, writers*perWriter, count)

	checkInvariants(t, tree, tree.Root(), nil, nil)
}

func TestHeight(t *testing.T) {
	tree, _ := createTestTree(t)
	ctx := context.Background()

	h, err := tree.Height(ctx)
	require.NoError(t, err)
	assert.Zero(t, h)

	// 100 ключей: AVL гарантирует высоту не больше ~1.44*log2(n).
	for i := 0; i < 100; i++ {
		require.NoError(t, tree.Put(ctx, []byte(fmt.Sprintf("%03d", i)), []byte("v")))
	}

	h, err = tree.Height(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, h, 7)
	assert.LessOrEqual(t, h, 10)
}

func TestNodeEncoding(t *testing.T) {
	t.Run("кодирование и декодирование записи", func(t *testing.T) {
		n := &node{
			ID:     42,
			Key:    []byte("key"),
			Value:  []byte("value"),
			Left:   7,
			Right:  9,
			Height: 3,
			Hash:   bytes.Repeat([]byte{0xAB}, 32),
		}

		data, err := encodeNode(n)
		require.NoError(t, err)

		decoded, err := decodeNode(42, data)
		require.NoError(t, err)
		assert.Equal(t, n, decoded)
	})

	t.Run("несовпадение идентификатора", func(t *testing.T) {
		n := &node{ID: 1, Key: []byte("k"), Height: 1}
		data, err := encodeNode(n)
		require.NoError(t, err)

		_, err = decodeNode(2, data)
		assert.Error(t, err)
	})

	t.Run("clone не делит память с оригиналом", func(t *testing.T) {
		orig := &node{ID: 1, Key: []byte("k"), Value: []byte("v"), Hash: []byte{1, 2}}
		clone := cloneNode(orig)

		clone.Key[0] = 'x'
		clone.Value[0] = 'y'
		clone.Hash[0] = 0xFF

		assert.Equal(t, []byte("k"), orig.Key)
		assert.Equal(t, []byte("v"), orig.Value)
		assert.Equal(t, byte(1), orig.Hash[0])
	})
}
