package oplog

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultMemoryAwaitTime bounds how long a tailable MemoryLog cursor waits
// for new entries before Next gives up.
const DefaultMemoryAwaitTime = 100 * time.Millisecond

// MemoryLog is an in-process Log. Entries must be appended in strictly
// increasing timestamp order.
type MemoryLog struct {
	mu       sync.RWMutex
	records  []Record
	tailable bool
	opened   int
	maxAwait time.Duration
	// appended is closed and replaced on every Append.
	appended chan struct{}
}

type MemoryLogOption func(*MemoryLog)

// MemoryLogNonTailable makes cursors die once they are drained, the way a
// plain find cursor does.
func MemoryLogNonTailable() MemoryLogOption {
	return func(l *MemoryLog) {
		l.tailable = false
	}
}

// MemoryLogWithMaxAwaitTime sets how long a tailable cursor blocks in Next
// waiting for an append.
func MemoryLogWithMaxAwaitTime(d time.Duration) MemoryLogOption {
	return func(l *MemoryLog) {
		l.maxAwait = d
	}
}

func NewMemoryLog(opts ...MemoryLogOption) *MemoryLog {
	l := &MemoryLog{
		tailable: true,
		maxAwait: DefaultMemoryAwaitTime,
		appended: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *MemoryLog) Append(records ...Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	before := len(l.records)
	defer func() {
		if len(l.records) > before {
			close(l.appended)
			l.appended = make(chan struct{})
		}
	}()

	for _, r := range records {
		if n := len(l.records); n > 0 && !r.Timestamp.After(l.records[n-1].Timestamp) {
			return fmt.Errorf("timestamp {%d %d} does not follow {%d %d}",
				r.Timestamp.T, r.Timestamp.I,
				l.records[n-1].Timestamp.T, l.records[n-1].Timestamp.I)
		}
		l.records = append(l.records, r)
	}
	return nil
}

func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// CursorsOpened returns how many times Tail has been called.
func (l *MemoryLog) CursorsOpened() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.opened
}

func (l *MemoryLog) Latest(ctx context.Context) (Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.records) == 0 {
		return Record{}, ErrEmptyLog
	}
	return l.records[len(l.records)-1], nil
}

func (l *MemoryLog) Tail(ctx context.Context, f Filter) (Cursor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.opened++
	return &memoryCursor{log: l, filter: f}, nil
}

type memoryCursor struct {
	log     *MemoryLog
	filter  Filter
	pos     int
	current Record
	dead    bool
}

// Next behaves like a tailable-await read: once drained, a tailable cursor
// waits up to the log's await time for an append before returning false.
func (c *memoryCursor) Next(ctx context.Context) bool {
	if c.dead || ctx.Err() != nil {
		return false
	}

	found, appended := c.advance()
	if found {
		return true
	}
	if !c.log.tailable {
		c.dead = true
		return false
	}

	timer := time.NewTimer(c.log.maxAwait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		case <-appended:
		}
		if found, appended = c.advance(); found {
			return true
		}
	}
}

// advance moves to the next matching entry. When there is none it returns
// the channel the next Append closes.
func (c *memoryCursor) advance() (bool, chan struct{}) {
	c.log.mu.RLock()
	defer c.log.mu.RUnlock()

	for c.pos < len(c.log.records) {
		r := c.log.records[c.pos]
		c.pos++
		if c.filter.Match(r) {
			c.current = r
			return true, nil
		}
	}
	return false, c.log.appended
}

func (c *memoryCursor) Record() (Record, error) {
	return c.current, nil
}

func (c *memoryCursor) Err() error {
	return nil
}

func (c *memoryCursor) Alive() bool {
	return !c.dead
}

func (c *memoryCursor) Close(ctx context.Context) error {
	c.dead = true
	return nil
}
