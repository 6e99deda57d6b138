package collab

import (
	"sync"

	"golang.org/x/exp/slices"
)

// makes a copy of the list on update, so `Get` can be iterated without
// holding the lock. Callbacks are invoked in add order.
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	callbackIds    []int
	callbacks      map[int]T
	snapshot       []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.snapshot
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback
	self.updateSnapshot()
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
	self.updateSnapshot()
}

// must be called with `mutex`
func (self *CallbackList[T]) updateSnapshot() {
	snapshot := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		snapshot = append(snapshot, self.callbacks[callbackId])
	}
	self.snapshot = snapshot
}
