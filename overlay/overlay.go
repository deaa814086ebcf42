package overlay

import (
	"context"
	"errors"
	"sync"

	"github.com/samber/lo"
)

// Tree — поверхность оркестратора дерева, достаточная для применения
// отложенных мутаций.
type Tree interface {
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	RootHash() []byte
}

// Op — одна отложенная логическая запись: установка значения либо удаление.
type Op struct {
	Key    []byte
	Value  []byte
	Remove bool
}

// Batch накапливает отложенные записи в памяти. Записи не имеют никакой
// долговечности, пока не будут прогнаны через дерево в Commit; Rollback
// отбрасывает их, не трогая хранилище. Повторная запись по тому же ключу
// перезаписывает отложенную операцию, сохраняя её позицию в журнале.
type Batch struct {
	mu    sync.Mutex
	order []string
	ops   map[string]Op
}

func NewBatch() *Batch {
	return &Batch{
		ops: make(map[string]Op),
	}
}

func (b *Batch) Put(key, value []byte) error {
	if len(key) == 0 {
		return errors.New("overlay: empty key")
	}
	if value == nil {
		return errors.New("overlay: nil value")
	}
	b.record(Op{
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), value...),
	})
	return nil
}

func (b *Batch) Delete(key []byte) error {
	if len(key) == 0 {
		return errors.New("overlay: empty key")
	}
	b.record(Op{
		Key:    append([]byte(nil), key...),
		Remove: true,
	})
	return nil
}

func (b *Batch) record(op Op) {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := string(op.Key)
	if _, ok := b.ops[k]; !ok {
		b.order = append(b.order, k)
	}
	b.ops[k] = op
}

// Len возвращает количество отложенных операций.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.order)
}

// Ops возвращает снимок журнала в порядке записи.
func (b *Batch) Ops() []Op {
	b.mu.Lock()
	defer b.mu.Unlock()
	return lo.Map(b.order, func(k string, _ int) Op {
		return b.ops[k]
	})
}

// Rollback отбрасывает журнал. Долговременное состояние не меняется.
func (b *Batch) Rollback() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.order = nil
	b.ops = make(map[string]Op)
}

// Commit применяет журнал к дереву в порядке записи и при полном успехе
// очищает его, возвращая новый хеш корня. Каждая операция — отдельная
// транзакция дерева: если где-то в середине происходит ошибка, уже
// применённые операции остаются закоммиченными, журнал сохраняется.
// Частичное применение — документированный исход, а не скрываемый сбой;
// вызывающим, которым нужна атомарность всей пачки, следует укладывать
// связанные изменения в одну транзакцию нижележащего хранилища.
func (b *Batch) Commit(ctx context.Context, tree Tree) ([]byte, error) {
	ops := b.Ops()

	for _, op := range ops {
		var err error
		if op.Remove {
			err = tree.Delete(ctx, op.Key)
		} else {
			err = tree.Put(ctx, op.Key, op.Value)
		}
		if err != nil {
			return nil, err
		}
	}

	b.Rollback()
	return tree.RootHash(), nil
}
