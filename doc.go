// Copyright 2020 Nathan Taylor (nbtaylor@gmail.com)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package keylock implements a transactional key-range lock manager for an
// embedded ordered key-value store.
//
// A transaction ("Locker") acquires shared, upgradable, or exclusive locks on
// (indexId, key) pairs through a LockManager, which shards the keyspace
// across a fixed array of LockShards to spread contention. Each Locker keeps
// a scoped stack of the locks it currently holds so that nested scopes
// (savepoints) can be exited cleanly, releasing exactly what was acquired
// since the matching scopeEnter.
//
// The package also exposes the lower-level synchronization primitives the
// lock manager is built from: Latch, a multi-mode reader/writer gate with a
// fair FIFO wait queue, and CommitLatch, a reader-majority gate tuned for
// "many readers, rare writer" workloads such as checkpoint coordination.
package keylock

import "log"

// Logger is the minimal logging surface keylock depends on. *log.Logger
// satisfies it directly; callers that already have a structured logger can
// adapt it with a one-line wrapper.
type Logger interface {
	Printf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Printf(string, ...any) {}

var discardLogger Logger = noopLogger{}

func defaultLogger() Logger {
	return log.New(logDiscard{}, "", log.LstdFlags)
}

// logDiscard is an io.Writer that throws everything away; used so the
// default *log.Logger has the same shape a caller would configure in
// production (log.New(w, prefix, flags)) without requiring os.Stderr noise
// in library code by default.
type logDiscard struct{}

func (logDiscard) Write(p []byte) (int, error) { return len(p), nil }
