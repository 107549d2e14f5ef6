// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ilist provides the implementation of intrusive linked lists.
package ilist

// Entry is the link state embedded in list elements. Users add a field of
// this type to their structs and hand the list a mapper from element to
// Entry.
type Entry[T any] struct {
	next *T
	prev *T
}

// List is an intrusive list. Entries can be added to or removed from the list
// in O(1) time and with no additional memory allocations.
//
// A List must be created with New, which binds the mapper from an element to
// its embedded Entry.
//
// To iterate over a list (where l is a List[T]):
//
//	for e := l.Front(); e != nil; e = l.Next(e) {
//		// do something with e.
//	}
type List[T any] struct {
	entry func(*T) *Entry[T]
	head  *T
	tail  *T
}

// New returns an empty list over elements of type T. entry maps an element
// to its embedded link state.
func New[T any](entry func(*T) *Entry[T]) List[T] {
	return List[T]{entry: entry}
}

// Reset resets list l to the empty state.
func (l *List[T]) Reset() {
	l.head = nil
	l.tail = nil
}

// Empty returns true iff the list is empty.
func (l *List[T]) Empty() bool {
	return l.head == nil
}

// Front returns the first element of list l or nil.
func (l *List[T]) Front() *T {
	return l.head
}

// Back returns the last element of list l or nil.
func (l *List[T]) Back() *T {
	return l.tail
}

// Next returns the element that follows e in the list.
func (l *List[T]) Next(e *T) *T {
	return l.entry(e).next
}

// Prev returns the element that precedes e in the list.
func (l *List[T]) Prev(e *T) *T {
	return l.entry(e).prev
}

// Len returns the number of elements in the list.
//
// NOTE: This is an O(n) operation.
func (l *List[T]) Len() (count int) {
	for e := l.Front(); e != nil; e = l.Next(e) {
		count++
	}
	return count
}

// PushFront inserts the element e at the front of list l.
func (l *List[T]) PushFront(e *T) {
	link := l.entry(e)
	link.next = l.head
	link.prev = nil
	if l.head != nil {
		l.entry(l.head).prev = e
	} else {
		l.tail = e
	}
	l.head = e
}

// PushBack inserts the element e at the back of list l.
func (l *List[T]) PushBack(e *T) {
	link := l.entry(e)
	link.next = nil
	link.prev = l.tail
	if l.tail != nil {
		l.entry(l.tail).next = e
	} else {
		l.head = e
	}
	l.tail = e
}

// InsertAfter inserts e after b.
func (l *List[T]) InsertAfter(b, e *T) {
	bLink := l.entry(b)
	eLink := l.entry(e)

	a := bLink.next

	eLink.next = a
	eLink.prev = b
	bLink.next = e

	if a != nil {
		l.entry(a).prev = e
	} else {
		l.tail = e
	}
}

// InsertBefore inserts e before a.
func (l *List[T]) InsertBefore(a, e *T) {
	aLink := l.entry(a)
	eLink := l.entry(e)

	b := aLink.prev
	eLink.next = a
	eLink.prev = b
	aLink.prev = e

	if b != nil {
		l.entry(b).next = e
	} else {
		l.head = e
	}
}

// Remove removes e from l.
func (l *List[T]) Remove(e *T) {
	link := l.entry(e)
	prev := link.prev
	next := link.next

	if prev != nil {
		l.entry(prev).next = next
	} else if l.head == e {
		l.head = next
	}

	if next != nil {
		l.entry(next).prev = prev
	} else if l.tail == e {
		l.tail = prev
	}

	link.next = nil
	link.prev = nil
}
