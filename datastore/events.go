package datastore

import (
	"time"

	ds "github.com/ipfs/go-datastore"
)

type EventType int

const (
	EventPut EventType = iota
	EventDelete
	EventBatch
	EventTxnCommit
)

func (t EventType) String() string {
	switch t {
	case EventPut:
		return "put"
	case EventDelete:
		return "delete"
	case EventBatch:
		return "batch"
	case EventTxnCommit:
		return "txn-commit"
	default:
		return "unknown"
	}
}

type Event struct {
	Type      EventType
	Key       ds.Key
	Value     []byte
	Timestamp time.Time
}

type Subscriber interface {
	OnEvent(event Event)
	ID() string
}

type EventHandler func(Event)

type FuncSubscriber struct {
	id      string
	handler EventHandler
}

var _ Subscriber = (*FuncSubscriber)(nil)
var _ Subscriber = (*ChannelSubscriber)(nil)

func NewFuncSubscriber(id string, handler EventHandler) *FuncSubscriber {
	return &FuncSubscriber{
		id:      id,
		handler: handler,
	}
}

func (fs *FuncSubscriber) OnEvent(event Event) {
	fs.handler(event)
}

func (fs *FuncSubscriber) ID() string {
	return fs.id
}

type ChannelSubscriber struct {
	id     string
	events chan Event
}

func NewChannelSubscriber(id string, buffer int) *ChannelSubscriber {
	return &ChannelSubscriber{
		id:     id,
		events: make(chan Event, buffer),
	}
}

func (cs *ChannelSubscriber) OnEvent(event Event) {
	select {
	case cs.events <- event:
	default:
		// Drop event if buffer is full to prevent blocking
	}
}

func (cs *ChannelSubscriber) ID() string {
	return cs.id
}

func (cs *ChannelSubscriber) Events() <-chan Event {
	return cs.events
}

func (cs *ChannelSubscriber) Close() {
	close(cs.events)
}
