// Package registry holds the process-local view of live connections: which user
// owns each connection and which rooms it has joined.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nmxmxh/ultrachat-gateway/pkg/errors"
)

// Sink receives encoded frames for one connection.
type Sink interface {
	// Enqueue queues frame without blocking. False means the outbound queue is full.
	Enqueue(frame []byte) bool
	// Drop closes the connection out of band.
	Drop(reason string)
}

// Entry is a snapshot of one registered connection.
type Entry struct {
	ConnID string
	UserID string
	Sink   Sink
	Rooms  []string
}

type connection struct {
	userID string
	sink   Sink
	rooms  map[string]struct{}
}

// Registry indexes connections by id, user and room. All three indices change
// under one lock, so no mutation can leave one index out of step with another.
// Reads (fanout) take the read lock.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*connection
	users map[string]map[string]struct{}
	rooms map[string]map[string]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		conns: make(map[string]*connection),
		users: make(map[string]map[string]struct{}),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Register adds an authenticated connection.
func (r *Registry) Register(connID, userID string, sink Sink) error {
	if connID == "" || userID == "" || sink == nil {
		return fmt.Errorf("register %q: connection id, user id and sink are required", connID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[connID]; exists {
		return fmt.Errorf("register %q: connection already registered", connID)
	}
	r.conns[connID] = &connection{userID: userID, sink: sink, rooms: make(map[string]struct{})}
	addTo(r.users, userID, connID)
	return nil
}

// Unregister removes a connection together with every room membership it held.
func (r *Registry) Unregister(connID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return Entry{}, false
	}
	for room := range c.rooms {
		removeFrom(r.rooms, room, connID)
	}
	removeFrom(r.users, c.userID, connID)
	delete(r.conns, connID)

	return Entry{ConnID: connID, UserID: c.userID, Sink: c.sink, Rooms: sortedKeys(c.rooms)}, true
}

// AddRoomMembership joins connID to room. added is false when it was already a member.
func (r *Registry) AddRoomMembership(connID, room string) (added bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return false, errors.Wrap(errors.ErrUnknownConnection, connID)
	}
	if _, member := c.rooms[room]; member {
		return false, nil
	}
	c.rooms[room] = struct{}{}
	addTo(r.rooms, room, connID)
	return true, nil
}

// RemoveRoomMembership removes connID from room.
func (r *Registry) RemoveRoomMembership(connID, room string) (removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	if _, member := c.rooms[room]; !member {
		return false
	}
	delete(c.rooms, room)
	removeFrom(r.rooms, room, connID)
	return true
}

// RemoveRoom drops every membership of room and returns the affected connections.
func (r *Registry) RemoveRoom(room string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[room]
	ids := make([]string, 0, len(members))
	for connID := range members {
		if c, ok := r.conns[connID]; ok {
			delete(c.rooms, room)
		}
		ids = append(ids, connID)
	}
	delete(r.rooms, room)
	sort.Strings(ids)
	return ids
}

// IsMember reports whether connID has joined room.
func (r *Registry) IsMember(connID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][connID]
	return ok
}

// ConnectionsForRoom returns the local members of room.
func (r *Registry) ConnectionsForRoom(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.rooms[room])
}

// SocketsForUser returns the local connections of userID.
func (r *Registry) SocketsForUser(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.users[userID])
}

// RoomsForConnection returns the rooms connID has joined.
func (r *Registry) RoomsForConnection(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return nil
	}
	return sortedKeys(c.rooms)
}

// Lookup returns the owner and sink of connID.
func (r *Registry) Lookup(connID string) (userID string, sink Sink, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return "", nil, false
	}
	return c.userID, c.sink, true
}

// Sinks returns the sinks of every member of any of rooms, each connection once.
func (r *Registry) Sinks(rooms ...string) map[string]Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Sink)
	for _, room := range rooms {
		for connID := range r.rooms[room] {
			if c, ok := r.conns[connID]; ok {
				out[connID] = c.sink
			}
		}
	}
	return out
}

// AllSinks returns the sink of every registered connection.
func (r *Registry) AllSinks() map[string]Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Sink, len(r.conns))
	for connID, c := range r.conns {
		out[connID] = c.sink
	}
	return out
}

// ForEach calls fn with a snapshot of every connection, outside the lock.
func (r *Registry) ForEach(fn func(Entry)) {
	r.mu.RLock()
	entries := make([]Entry, 0, len(r.conns))
	for connID, c := range r.conns {
		entries = append(entries, Entry{ConnID: connID, UserID: c.userID, Sink: c.sink, Rooms: sortedKeys(c.rooms)})
	}
	r.mu.RUnlock()

	for _, e := range entries {
		fn(e)
	}
}

// Users returns every user with at least one local connection.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.users)
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func addTo(index map[string]map[string]struct{}, key, connID string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[connID] = struct{}{}
}

func removeFrom(index map[string]map[string]struct{}, key, connID string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(index, key)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
