//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

package workspace

import "sync"

// Locker serializes holders of the same volume name within a process.
// Different names never block each other.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocker returns an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: map[string]*refLock{}}
}

// Lock blocks until name is free and returns the function that frees it.
func (l *Locker) Lock(name string) (unlock func()) {
	l.mu.Lock()
	rl, ok := l.locks[name]
	if !ok {
		rl = &refLock{}
		l.locks[name] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	var once sync.Once
	return func() {
		once.Do(func() {
			rl.mu.Unlock()
			l.mu.Lock()
			rl.refs--
			if rl.refs == 0 {
				delete(l.locks, name)
			}
			l.mu.Unlock()
		})
	}
}

// Len reports how many names are held or awaited.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
