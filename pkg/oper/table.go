// Copyright (c) 2026 Tigera, Inc. All rights reserved.
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

package oper

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

type ListenerID int

// Listener is called, on the goroutine that changed the table, after every add, change or delete
// of an entry.  Deleted entries are passed with IsDeleted() == true.  A table's changes and their
// notifications are made under its write lock, so listeners see a table's changes in the order they
// were made.  A listener must not change the table that is notifying it.
type Listener func(t *Table, e Entry)

// Table is a named, listenable collection of operational entries.  A table can also be deleted;
// deletion completes (and the table's lifetime references fire) once every listener has
// unregistered.
type Table struct {
	name string

	// writeLock serialises Upsert and Delete, each together with its notification.
	writeLock sync.Mutex

	lock      sync.Mutex
	entries   map[Ref]Entry
	listeners map[ListenerID]namedListener
	nextID    ListenerID

	deleteRequested bool
	destroyed       bool
	lifetimeRefs    []func()
}

type namedListener struct {
	name string
	fn   Listener
}

func NewTable(name string) *Table {
	return &Table{
		name:      name,
		entries:   map[Ref]Entry{},
		listeners: map[ListenerID]namedListener{},
	}
}

func (t *Table) Name() string {
	return t.name
}

func (t *Table) Register(name string, fn Listener) ListenerID {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.nextID++
	t.listeners[t.nextID] = namedListener{name: name, fn: fn}
	log.WithFields(log.Fields{"table": t.name, "listener": name, "id": t.nextID}).Debug("Registered listener")
	return t.nextID
}

func (t *Table) Unregister(id ListenerID) {
	t.lock.Lock()
	delete(t.listeners, id)
	fire := t.checkDestroyedLocked()
	t.lock.Unlock()
	runAll(fire)
}

func (t *Table) NumListeners() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.listeners)
}

// Upsert adds the entry, replacing any entry with the same Ref, and notifies listeners.  Callers
// that mutate an entry in place should pass the same pointer back to Upsert so that listeners see
// the change.
func (t *Table) Upsert(e Entry) {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	e.base().deleted.Store(false)
	t.lock.Lock()
	t.entries[e.Ref()] = e
	t.lock.Unlock()
	t.notify(e)
}

// Delete marks the entry deleted, removes it from the table and notifies listeners.  Returns false
// if there was no such entry.
func (t *Table) Delete(ref Ref) bool {
	t.writeLock.Lock()
	defer t.writeLock.Unlock()
	t.lock.Lock()
	e, ok := t.entries[ref]
	if ok {
		delete(t.entries, ref)
	}
	t.lock.Unlock()
	if !ok {
		return false
	}
	e.base().deleted.Store(true)
	t.notify(e)
	return true
}

func (t *Table) Find(ref Ref) Entry {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.entries[ref]
}

func (t *Table) Len() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.entries)
}

// Walk calls fn for every entry, in Ref string order so that walks are repeatable.
func (t *Table) Walk(fn func(Entry)) {
	t.lock.Lock()
	entries := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.lock.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Ref().String() < entries[j].Ref().String()
	})
	for _, e := range entries {
		fn(e)
	}
}

func (t *Table) notify(e Entry) {
	t.lock.Lock()
	ids := make([]ListenerID, 0, len(t.listeners))
	for id := range t.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, t.listeners[id].fn)
	}
	t.lock.Unlock()

	for _, fn := range fns {
		fn(t, e)
	}
}

// AddLifetimeRef registers fn to be called once when the table is destroyed.  Returns false, without
// registering, if the table has already been destroyed.
func (t *Table) AddLifetimeRef(fn func()) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.destroyed {
		return false
	}
	t.lifetimeRefs = append(t.lifetimeRefs, fn)
	return true
}

// RequestDelete starts deletion of the table.  The table is destroyed once the last listener
// unregisters.
func (t *Table) RequestDelete() {
	t.lock.Lock()
	t.deleteRequested = true
	fire := t.checkDestroyedLocked()
	t.lock.Unlock()
	runAll(fire)
}

func (t *Table) IsDestroyed() bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.destroyed
}

func (t *Table) checkDestroyedLocked() []func() {
	if !t.deleteRequested || t.destroyed || len(t.listeners) > 0 {
		return nil
	}
	t.destroyed = true
	fire := t.lifetimeRefs
	t.lifetimeRefs = nil
	log.WithField("table", t.name).Debug("Route table destroyed")
	return fire
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
