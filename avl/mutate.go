package avl

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	ds "github.com/ipfs/go-datastore"
	"lukechampine.com/blake3"
)

// mutation — состояние одной структурной операции: транзакция, сквозь которую
// идут все чтения и записи узлов, кэш загруженных записей и локальный счётчик
// идентификаторов. Счётчик и сохранённые записи публикуются в дерево только
// после успешного коммита транзакции.
type mutation struct {
	txn    ds.Txn
	cache  map[uint64]*node
	nextID uint64
	stored []*node
}

func newMutation(txn ds.Txn, nextID uint64) *mutation {
	return &mutation{
		txn:    txn,
		cache:  make(map[uint64]*node),
		nextID: nextID,
	}
}

// allocID выделяет следующий идентификатор узла. Идентификаторы монотонны
// и никогда не переиспользуются: каждое сохранение создаёт новую запись.
func (m *mutation) allocID() uint64 {
	id := m.nextID
	m.nextID++
	return id
}

// loadNode загружает запись узла по идентификатору. Порядок поиска:
// кэш текущей мутации, общий LRU-кэш дерева, затем хранилище (через
// транзакцию мутации, если она есть). Закоммиченные записи неизменяемы,
// поэтому кэширование безопасно.
func (t *Tree) loadNode(ctx context.Context, m *mutation, id uint64) (*node, error) {
	if id == 0 {
		return nil, errors.New("avl: zero node id")
	}

	if m != nil {
		if n, ok := m.cache[id]; ok {
			return n, nil
		}
	}
	if n, ok := t.cache.Get(id); ok {
		if m != nil {
			m.cache[id] = n
		}
		return n, nil
	}

	var data []byte
	var err error
	if m != nil {
		data, err = m.txn.Get(ctx, nodeKey(id))
	} else {
		data, err = t.ds.Get(ctx, nodeKey(id))
	}
	if err != nil {
		return nil, fmt.Errorf("avl: load node %d: %w", id, err)
	}

	n, err := decodeNode(id, data)
	if err != nil {
		return nil, err
	}

	if m != nil {
		m.cache[id] = n
	} else {
		t.cache.Add(id, n)
	}

	return n, nil
}

// storeNode пересчитывает метаданные узла (высоту и хеш), выделяет ему свежий
// идентификатор и записывает в транзакцию мутации. Возвращает идентификатор
// новой записи.
func (t *Tree) storeNode(ctx context.Context, m *mutation, n *node) (uint64, error) {
	if err := t.updateNodeMetadata(ctx, m, n); err != nil {
		return 0, err
	}

	n.ID = m.allocID()

	data, err := encodeNode(n)
	if err != nil {
		return 0, err
	}
	if err := m.txn.Put(ctx, nodeKey(n.ID), data); err != nil {
		return 0, fmt.Errorf("avl: store node %d: %w", n.ID, err)
	}

	m.cache[n.ID] = n
	m.stored = append(m.stored, n)

	return n.ID, nil
}

// updateNodeMetadata обновляет высоту и хеш узла по его детям.
// Высота: 1 + максимум высот детей. Хеш: blake3 от ключа, значения и хешей
// детей — чистая функция содержимого поддерева. У пустого ребёнка высота 0,
// вклада в хеш нет.
func (t *Tree) updateNodeMetadata(ctx context.Context, m *mutation, n *node) error {
	leftHeight, leftHash, err := t.childHeightAndHash(ctx, m, n.Left)
	if err != nil {
		return err
	}
	rightHeight, rightHash, err := t.childHeightAndHash(ctx, m, n.Right)
	if err != nil {
		return err
	}

	n.Height = 1 + max(leftHeight, rightHeight)

	h := blake3.New(32, nil)
	h.Write(n.Key)
	h.Write(n.Value)
	if len(leftHash) > 0 {
		h.Write(leftHash)
	}
	if len(rightHash) > 0 {
		h.Write(rightHash)
	}
	n.Hash = h.Sum(nil)

	return nil
}

func (t *Tree) childHeightAndHash(ctx context.Context, m *mutation, id uint64) (int, []byte, error) {
	if id == 0 {
		return 0, nil, nil
	}
	child, err := t.loadNode(ctx, m, id)
	if err != nil {
		return 0, nil, err
	}
	return child.Height, child.Hash, nil
}

// balanceFactor возвращает разность высот левого и правого поддеревьев.
// Для сбалансированного узла значение лежит в [-1, 1].
func (t *Tree) balanceFactor(ctx context.Context, m *mutation, n *node) (int, error) {
	leftHeight, _, err := t.childHeightAndHash(ctx, m, n.Left)
	if err != nil {
		return 0, err
	}
	rightHeight, _, err := t.childHeightAndHash(ctx, m, n.Right)
	if err != nil {
		return 0, err
	}
	return leftHeight - rightHeight, nil
}

// putNode вставляет или обновляет ключ в поддереве с корнем root и возвращает
// идентификатор нового корня поддерева. На пути возврата из рекурсии каждый
// предок пересохраняется с пересчитанными высотой и хешем и при необходимости
// балансируется.
func (t *Tree) putNode(ctx context.Context, m *mutation, root uint64, key, value []byte) (uint64, error) {
	// Пустое поддерево: создаём листовой узел.
	if root == 0 {
		leaf := &node{
			Key:    append([]byte(nil), key...),
			Value:  append([]byte(nil), value...),
			Height: 1,
		}
		return t.storeNode(ctx, m, leaf)
	}

	current, err := t.loadNode(ctx, m, root)
	if err != nil {
		return 0, err
	}

	cur := cloneNode(current)

	switch cmp := bytes.Compare(key, cur.Key); {
	case cmp == 0:
		// Ключ уже есть: перезаписываем значение. Структура не меняется,
		// ротаций не будет, но хеши вверх по пути пересчитываются.
		cur.Value = append([]byte(nil), value...)

	case cmp < 0:
		newLeft, err := t.putNode(ctx, m, cur.Left, key, value)
		if err != nil {
			return 0, err
		}
		cur.Left = newLeft

	default:
		newRight, err := t.putNode(ctx, m, cur.Right, key, value)
		if err != nil {
			return 0, err
		}
		cur.Right = newRight
	}

	return t.balanceNode(ctx, m, cur)
}

// deleteNode удаляет ключ из поддерева с корнем root. Возвращает идентификатор
// нового корня поддерева и признак того, что ключ был найден и удалён.
func (t *Tree) deleteNode(ctx context.Context, m *mutation, root uint64, key []byte) (uint64, bool, error) {
	// Пустое поддерево: ключа нет.
	if root == 0 {
		return 0, false, nil
	}

	current, err := t.loadNode(ctx, m, root)
	if err != nil {
		return 0, false, err
	}

	cur := cloneNode(current)

	switch cmp := bytes.Compare(key, cur.Key); {
	case cmp < 0:
		newLeft, removed, err := t.deleteNode(ctx, m, cur.Left, key)
		if err != nil {
			return 0, false, err
		}
		if !removed {
			// Ключ не найден: поддерево остаётся прежним.
			return root, false, nil
		}
		cur.Left = newLeft

	case cmp > 0:
		newRight, removed, err := t.deleteNode(ctx, m, cur.Right, key)
		if err != nil {
			return 0, false, err
		}
		if !removed {
			return root, false, nil
		}
		cur.Right = newRight

	default:
		// Лист: поддерево схлопывается в пустое.
		if cur.Left == 0 && cur.Right == 0 {
			return 0, true, nil
		}

		// Единственный ребёнок подшивается на место удаляемого узла.
		if cur.Left == 0 {
			return cur.Right, true, nil
		}
		if cur.Right == 0 {
			return cur.Left, true, nil
		}

		// Два ребёнка: ключ и значение заменяются данными in-order преемника
		// (самый левый узел правого поддерева), после чего преемник удаляется
		// из правого поддерева.
		succ, err := t.minNode(ctx, m, cur.Right)
		if err != nil {
			return 0, false, err
		}

		cur.Key = append([]byte(nil), succ.Key...)
		cur.Value = append([]byte(nil), succ.Value...)

		newRight, _, err := t.deleteNode(ctx, m, cur.Right, succ.Key)
		if err != nil {
			return 0, false, err
		}
		cur.Right = newRight
	}

	newRoot, err := t.balanceNode(ctx, m, cur)
	if err != nil {
		return 0, false, err
	}
	return newRoot, true, nil
}

// balanceNode восстанавливает AVL-инвариант узла. Если баланс-фактор выходит
// за [-1, 1], выполняется одинарная ротация (перекос узла и ребёнка в одну
// сторону) либо двойная (сначала ротация ребёнка, затем самого узла).
// Узел сохраняется с пересчитанными метаданными; возвращается идентификатор
// корня сбалансированного поддерева.
func (t *Tree) balanceNode(ctx context.Context, m *mutation, n *node) (uint64, error) {
	balance, err := t.balanceFactor(ctx, m, n)
	if err != nil {
		return 0, err
	}

	// Левый дисбаланс.
	if balance > 1 {
		leftNode, err := t.loadNode(ctx, m, n.Left)
		if err != nil {
			return 0, err
		}
		leftBal, err := t.balanceFactor(ctx, m, leftNode)
		if err != nil {
			return 0, err
		}

		// Left-Right: сначала левая ротация вокруг левого ребёнка.
		if leftBal < 0 {
			rotated, err := t.rotateLeft(ctx, m, cloneNode(leftNode))
			if err != nil {
				return 0, err
			}
			n.Left = rotated
		}

		return t.rotateRight(ctx, m, n)
	}

	// Правый дисбаланс.
	if balance < -1 {
		rightNode, err := t.loadNode(ctx, m, n.Right)
		if err != nil {
			return 0, err
		}
		rightBal, err := t.balanceFactor(ctx, m, rightNode)
		if err != nil {
			return 0, err
		}

		// Right-Left: сначала правая ротация вокруг правого ребёнка.
		if rightBal > 0 {
			rotated, err := t.rotateRight(ctx, m, cloneNode(rightNode))
			if err != nil {
				return 0, err
			}
			n.Right = rotated
		}

		return t.rotateLeft(ctx, m, n)
	}

	return t.storeNode(ctx, m, n)
}

// rotateLeft выполняет левую ротацию вокруг узла x и возвращает идентификатор
// нового корня поддерева. Относительный порядок ключей не меняется.
//
//	x                y
//	 \              / \
//	  y     =>     x   C
//	 / \            \
//	B   C            B
func (t *Tree) rotateLeft(ctx context.Context, m *mutation, x *node) (uint64, error) {
	if x.Right == 0 {
		return 0, errors.New("avl: rotateLeft without right child")
	}

	yNode, err := t.loadNode(ctx, m, x.Right)
	if err != nil {
		return 0, err
	}
	y := cloneNode(yNode)

	x.Right = y.Left

	xID, err := t.storeNode(ctx, m, x)
	if err != nil {
		return 0, err
	}

	y.Left = xID

	return t.storeNode(ctx, m, y)
}

// rotateRight выполняет правую ротацию вокруг узла y — зеркально rotateLeft.
//
//	  y            x
//	 /            / \
//	x      =>    A   y
//	 \              /
//	  B            B
func (t *Tree) rotateRight(ctx context.Context, m *mutation, y *node) (uint64, error) {
	if y.Left == 0 {
		return 0, errors.New("avl: rotateRight without left child")
	}

	xNode, err := t.loadNode(ctx, m, y.Left)
	if err != nil {
		return 0, err
	}
	x := cloneNode(xNode)

	y.Left = x.Right

	yID, err := t.storeNode(ctx, m, y)
	if err != nil {
		return 0, err
	}

	x.Right = yID

	return t.storeNode(ctx, m, x)
}

// minNode находит узел с минимальным ключом в поддереве: самый левый узел.
// Используется при удалении узла с двумя детьми.
func (t *Tree) minNode(ctx context.Context, m *mutation, root uint64) (*node, error) {
	if root == 0 {
		return nil, errors.New("avl: empty subtree")
	}

	currentID := root
	for {
		current, err := t.loadNode(ctx, m, currentID)
		if err != nil {
			return nil, err
		}
		if current.Left == 0 {
			return current, nil
		}
		currentID = current.Left
	}
}

// search выполняет итеративный BST-спуск и возвращает узел, на котором спуск
// остановился: точное совпадение либо последний посещённый узел при промахе.
// Для пустого поддерева возвращает nil.
func (t *Tree) search(ctx context.Context, root uint64, key []byte) (*node, error) {
	var last *node

	currentID := root
	for currentID != 0 {
		current, err := t.loadNode(ctx, nil, currentID)
		if err != nil {
			return nil, err
		}
		last = current

		switch cmp := bytes.Compare(key, current.Key); {
		case cmp == 0:
			return current, nil
		case cmp < 0:
			currentID = current.Left
		default:
			currentID = current.Right
		}
	}

	return last, nil
}

// collectRange собирает пары ключ-значение диапазона [start, end] in-order
// обходом. Пустая граница снимает соответствующее ограничение.
func (t *Tree) collectRange(ctx context.Context, root uint64, start, end []byte, out *[]Entry) error {
	if root == 0 {
		return nil
	}

	current, err := t.loadNode(ctx, nil, root)
	if err != nil {
		return err
	}

	if len(start) == 0 || bytes.Compare(start, current.Key) <= 0 {
		if err := t.collectRange(ctx, current.Left, start, end, out); err != nil {
			return err
		}
	}

	if (len(start) == 0 || bytes.Compare(start, current.Key) <= 0) &&
		(len(end) == 0 || bytes.Compare(current.Key, end) <= 0) {
		*out = append(*out, Entry{
			Key:   append([]byte(nil), current.Key...),
			Value: append([]byte(nil), current.Value...),
		})
	}

	if len(end) == 0 || bytes.Compare(current.Key, end) < 0 {
		if err := t.collectRange(ctx, current.Right, start, end, out); err != nil {
			return err
		}
	}

	return nil
}

func (t *Tree) countNodes(ctx context.Context, root uint64) (int, error) {
	if root == 0 {
		return 0, nil
	}
	current, err := t.loadNode(ctx, nil, root)
	if err != nil {
		return 0, err
	}
	left, err := t.countNodes(ctx, current.Left)
	if err != nil {
		return 0, err
	}
	right, err := t.countNodes(ctx, current.Right)
	if err != nil {
		return 0, err
	}
	return left + right + 1, nil
}
