package avl

import (
	"encoding/json"
	"fmt"
	"strconv"

	ds "github.com/ipfs/go-datastore"
)

// Зарезервированные ключи хранилища: указатель на корень, счётчик идентификаторов
// и пространство имён записей узлов. Указатель на корень отсутствует у пустого дерева.
const (
	treeNamespace = "/akvs/tree"
	rootKeyName   = "root"
	nextIDKeyName = "next-id"
	nodesKeyName  = "nodes"
)

var (
	rootKey   = ds.NewKey(treeNamespace).ChildString(rootKeyName)
	nextIDKey = ds.NewKey(treeNamespace).ChildString(nextIDKeyName)
	nodesKey  = ds.NewKey(treeNamespace).ChildString(nodesKeyName)
)

// nodeKey возвращает ключ записи узла: десятичная строка идентификатора
// внутри пространства имён узлов.
func nodeKey(id uint64) ds.Key {
	return nodesKey.ChildString(strconv.FormatUint(id, 10))
}

// Entry описывает пару ключ-значение, возвращаемую из дерева.
type Entry struct {
	Key   []byte
	Value []byte
}

// node — запись одного узла дерева. Идентификатор 0 означает отсутствие ребёнка.
// Записи неизменяемы после коммита: каждое структурное изменение сохраняет
// затронутые узлы под свежими идентификаторами (copy-on-write).
type node struct {
	ID     uint64 `json:"id"`
	Key    []byte `json:"key"`
	Value  []byte `json:"value"`
	Left   uint64 `json:"left,omitempty"`
	Right  uint64 `json:"right,omitempty"`
	Height int    `json:"height"`
	Hash   []byte `json:"hash"`
}

func encodeNode(n *node) ([]byte, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("avl: encode node %d: %w", n.ID, err)
	}
	return data, nil
}

func decodeNode(id uint64, data []byte) (*node, error) {
	var n node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("avl: decode node %d: %w", id, err)
	}
	if n.ID != id {
		return nil, fmt.Errorf("avl: node record %d carries id %d", id, n.ID)
	}
	if len(n.Key) == 0 {
		return nil, fmt.Errorf("avl: node record %d missing key", id)
	}
	return &n, nil
}

// cloneNode делает поверхностную копию узла. Загруженные записи разделяются
// через кэш и не должны модифицироваться на месте.
func cloneNode(n *node) *node {
	if n == nil {
		return nil
	}

	clone := *n

	if len(n.Hash) > 0 {
		clone.Hash = append([]byte(nil), n.Hash...)
	}
	clone.Key = append([]byte(nil), n.Key...)
	clone.Value = append([]byte(nil), n.Value...)

	return &clone
}
