package collab

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// CallbackList keys callbacks by registration id so function values
// never need to be compared. Get returns a stable snapshot; callers
// invoke outside any lock.
type CallbackList[T any] struct {
	mutex       sync.Mutex
	nextId      int
	callbackIds []int
	callbacks   map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	out := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		out = append(out, self.callbacks[callbackId])
	}
	return out
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback
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
	delete(self.callbacks, callbackId)
}

func (self *CallbackList[T]) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.callbackIds = nil
	maps.Clear(self.callbacks)
}

// subscriptions is the listener half of the reactive store shape:
// Subscribe returns an idempotent unsubscribe, notify fires listeners
// synchronously after a command finished mutating state. Stores embed
// it and call notify outside their own state lock.
type subscriptions struct {
	listeners *CallbackList[func()]
	initOnce  sync.Once
}

func (self *subscriptions) init() {
	self.initOnce.Do(func() {
		self.listeners = NewCallbackList[func()]()
	})
}

func (self *subscriptions) Subscribe(listener func()) func() {
	self.init()
	callbackId := self.listeners.Add(listener)
	return func() {
		self.listeners.Remove(callbackId)
	}
}

func (self *subscriptions) notify() {
	self.init()
	for _, listener := range self.listeners.Get() {
		listener := listener
		safeInvoke(listener)
	}
}

// safeInvoke runs a callback and suppresses its panics so one bad
// subscriber cannot take down the notifying store.
func safeInvoke(fn func()) {
	defer func() {
		recover()
	}()
	fn()
}
