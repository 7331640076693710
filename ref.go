package foldercast

import (
	"sync"
)

// `Ref` is an explicit optional handle to a collaborator the engine does not
// own. The owner may `Drop` it at teardown; every use must `Upgrade` first
// and treat a false result as ErrUnavailable. This stands in for the weak
// back-references of the original design so the engine never keeps its host
// alive and never touches a torn-down collaborator.
type Ref[T any] struct {
	mutex   sync.Mutex
	value   T
	dropped bool
}

func NewRef[T any](value T) *Ref[T] {
	return &Ref[T]{
		value: value,
	}
}

// a ref that was never set. Upgrade always fails.
func NewEmptyRef[T any]() *Ref[T] {
	return &Ref[T]{
		dropped: true,
	}
}

func (self *Ref[T]) Upgrade() (T, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.dropped {
		var empty T
		return empty, false
	}
	return self.value, true
}

func (self *Ref[T]) Drop() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	var empty T
	self.value = empty
	self.dropped = true
}
