package datastore

import (
	"context"

	ds "github.com/ipfs/go-datastore"
)

// pubsubTxn оборачивает нативную транзакцию badger: операции записи буферизуются
// и применяются атомарно при Commit, после чего публикуются как события мутаций.
// Discard отбрасывает буфер, не публикуя ничего.
type pubsubTxn struct {
	ds.Txn
	parent *datastorage
	ops    []writeOp
}

var _ ds.Txn = (*pubsubTxn)(nil)

func (s *datastorage) NewTransaction(ctx context.Context, readOnly bool) (ds.Txn, error) {
	txn, err := s.Datastore.NewTransaction(ctx, readOnly)
	if err != nil {
		return nil, err
	}
	if readOnly {
		return txn, nil
	}
	return &pubsubTxn{
		Txn:    txn,
		parent: s,
		ops:    make([]writeOp, 0),
	}, nil
}

func (t *pubsubTxn) Put(ctx context.Context, key ds.Key, value []byte) error {
	err := t.Txn.Put(ctx, key, value)
	if err == nil {
		t.ops = append(t.ops, writeOp{
			isDelete: false,
			key:      key,
			value:    value,
		})
	}
	return err
}

func (t *pubsubTxn) Delete(ctx context.Context, key ds.Key) error {
	err := t.Txn.Delete(ctx, key)
	if err == nil {
		t.ops = append(t.ops, writeOp{
			isDelete: true,
			key:      key,
		})
	}
	return err
}

func (t *pubsubTxn) Commit(ctx context.Context) error {
	err := t.Txn.Commit(ctx)
	if err == nil {
		for _, op := range t.ops {
			if op.isDelete {
				t.parent.publishEvent(EventDelete, op.key, nil)
			} else {
				t.parent.publishEvent(EventPut, op.key, op.value)
			}
		}
		t.parent.publishEvent(EventTxnCommit, ds.NewKey("/txn"), nil)
	}
	return err
}

func (t *pubsubTxn) Discard(ctx context.Context) {
	t.ops = nil
	t.Txn.Discard(ctx)
}
