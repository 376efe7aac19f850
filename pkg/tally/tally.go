// Package tally counts votes per answer key and reports deterministic standings.
package tally

import (
	"errors"
	"sort"
	"sync"

	"maker/pkg/answer"
)

// ErrUnparseableVote is returned when Record is called with answer.Unparseable.
var ErrUnparseableVote = errors.New("tally: unparseable key cannot be recorded")

// Entry is one key's vote count. Seq is the order in which the key was first seen.
type Entry struct {
	Key   answer.Key
	Count int
	Seq   int
}

// Standings is a snapshot of a tally ordered by count descending, ties broken
// by first-seen order.
type Standings []Entry

// Leader returns the top key, or answer.Unparseable when no votes exist.
func (s Standings) Leader() answer.Key {
	if len(s) == 0 {
		return answer.Unparseable
	}
	return s[0].Key
}

// LeaderCount returns the top key's vote count.
func (s Standings) LeaderCount() int {
	if len(s) == 0 {
		return 0
	}
	return s[0].Count
}

// RunnerUpCount returns the second key's vote count, 0 when fewer than two keys exist.
func (s Standings) RunnerUpCount() int {
	if len(s) < 2 {
		return 0
	}
	return s[1].Count
}

// Margin is LeaderCount - RunnerUpCount.
func (s Standings) Margin() int {
	return s.LeaderCount() - s.RunnerUpCount()
}

// Total is the number of votes across all keys.
func (s Standings) Total() int {
	total := 0
	for _, e := range s {
		total += e.Count
	}
	return total
}

// Counts returns the standings as a map, for reporting.
func (s Standings) Counts() map[answer.Key]int {
	out := make(map[answer.Key]int, len(s))
	for _, e := range s {
		out[e.Key] = e.Count
	}
	return out
}

// Tally is a multiset of answer keys. The zero value is ready to use and it is
// safe for concurrent use. Votes are never removed.
type Tally struct {
	mu      sync.Mutex
	entries map[answer.Key]*Entry
	nextSeq int
}

func New() *Tally {
	return &Tally{}
}

// Record adds one vote for key.
func (t *Tally) Record(key answer.Key) error {
	if !key.Valid() {
		return ErrUnparseableVote
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.entries == nil {
		t.entries = make(map[answer.Key]*Entry)
	}
	e, ok := t.entries[key]
	if !ok {
		e = &Entry{Key: key, Seq: t.nextSeq}
		t.nextSeq++
		t.entries[key] = e
	}
	e.Count++
	return nil
}

// Standings returns a sorted snapshot. Calling it does not change the tally.
func (t *Tally) Standings() Standings {
	t.mu.Lock()
	out := make(Standings, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// Total returns the number of recorded votes.
func (t *Tally) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	total := 0
	for _, e := range t.entries {
		total += e.Count
	}
	return total
}

// Len returns the number of distinct keys.
func (t *Tally) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
