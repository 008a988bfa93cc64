package tablesync

import (
	"slices"
	"sync"
)

// makes a copy of the list on update
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	callbackIds    []int
	callbacks      []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1

	nextCallbackIds := slices.Clone(self.callbackIds)
	nextCallbackIds = append(nextCallbackIds, callbackId)
	nextCallbacks := slices.Clone(self.callbacks)
	nextCallbacks = append(nextCallbacks, callback)
	self.callbackIds = nextCallbackIds
	self.callbacks = nextCallbacks
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	i := slices.Index(self.callbackIds, callbackId)
	if i < 0 {
		// not present
		return
	}
	self.callbackIds = slices.Delete(slices.Clone(self.callbackIds), i, i+1)
	self.callbacks = slices.Delete(slices.Clone(self.callbacks), i, i+1)
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

// eventQueue delivers events in the order they were pushed, with at most one
// goroutine delivering at a time. Push while holding the owner's state lock so
// the queue order matches the state order, then Drain after releasing it.
// Delivery happens outside any lock, so a callback may re-enter the owner.
type eventQueue[E any] struct {
	mutex    sync.Mutex
	events   []E
	draining bool
	deliver  func(E)
}

func newEventQueue[E any](deliver func(E)) *eventQueue[E] {
	return &eventQueue[E]{
		deliver: deliver,
	}
}

func (self *eventQueue[E]) Push(event E) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.events = append(self.events, event)
}

func (self *eventQueue[E]) Drain() {
	self.mutex.Lock()
	if self.draining {
		// the active drainer will pick up our events
		self.mutex.Unlock()
		return
	}
	self.draining = true
	for 0 < len(self.events) {
		event := self.events[0]
		var empty E
		self.events[0] = empty
		self.events = self.events[1:]
		self.mutex.Unlock()
		self.deliver(event)
		self.mutex.Lock()
	}
	self.draining = false
	self.mutex.Unlock()
}
