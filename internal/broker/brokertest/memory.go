// Package brokertest provides an in-memory Broker fake used by every other
// package's tests, plus an operation log so tests can assert call ordering (e.g.
// the healer's claim->re-append->ack->delete sequence).
package brokertest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/umpire/internal/broker"
)

type entry struct {
	id     string
	fields map[string]string
}

type pendingInfo struct {
	consumer   string
	idleSince  time.Time
	deliveries int64
}

type stream struct {
	entries []entry
	groups  map[string]*group
	seq     int64
}

type group struct {
	pending map[string]*pendingInfo // entry id -> pending info
}

// Memory is an in-memory Broker implementation safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	streams map[string]*stream
	Ops     []string // operation log, e.g. "claim:key:id", for ordering assertions
}

// NewMemory creates an empty in-memory broker.
func NewMemory() *Memory {
	return &Memory{streams: make(map[string]*stream)}
}

func (m *Memory) log(op string) {
	m.Ops = append(m.Ops, op)
}

func (m *Memory) getStream(name string) *stream {
	s, ok := m.streams[name]
	if !ok {
		s = &stream{groups: make(map[string]*group)}
		m.streams[name] = s
	}
	return s
}

func (m *Memory) CreateGroup(_ context.Context, streamName, groupName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getStream(streamName)
	if _, ok := s.groups[groupName]; !ok {
		s.groups[groupName] = &group{pending: make(map[string]*pendingInfo)}
	}
	m.log(fmt.Sprintf("create_group:%s:%s", streamName, groupName))
	return nil
}

func (m *Memory) DestroyGroup(_ context.Context, streamName, groupName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[streamName]; ok {
		delete(s.groups, groupName)
	}
	m.log(fmt.Sprintf("destroy_group:%s:%s", streamName, groupName))
	return nil
}

func (m *Memory) Append(_ context.Context, streamName string, fields map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getStream(streamName)
	s.seq++
	id := strconv.FormatInt(s.seq, 10) + "-0"
	cp := make(map[string]string, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	s.entries = append(s.entries, entry{id: id, fields: cp})
	m.log(fmt.Sprintf("append:%s:%s", streamName, id))
	return id, nil
}

// ReadGroup delivers every entry not yet pending for group to consumer, up to
// count. There is no real blocking in the fake: an empty result returns
// immediately, matching a "timed out" read.
func (m *Memory) ReadGroup(
	_ context.Context, groupName, consumer string, streams []string, count int64, _ time.Duration,
) ([]broker.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []broker.Message
	for _, streamName := range streams {
		s := m.getStream(streamName)
		g, ok := s.groups[groupName]
		if !ok {
			return nil, &broker.LogicError{Err: fmt.Errorf("%w: group %s on %s", broker.ErrStreamOrGroupMissing, groupName, streamName)}
		}
		for _, e := range s.entries {
			if int64(len(out)) >= count {
				break
			}
			if _, pending := g.pending[e.id]; pending {
				continue
			}
			g.pending[e.id] = &pendingInfo{consumer: consumer, idleSince: time.Now(), deliveries: 1}
			out = append(out, broker.Message{Stream: streamName, ID: e.id, Fields: e.fields})
		}
	}
	return out, nil
}

func (m *Memory) PendingSummary(_ context.Context, streamName, groupName string) (broker.PendingSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getStream(streamName)
	g, ok := s.groups[groupName]
	if !ok {
		return broker.PendingSummary{}, &broker.LogicError{Err: fmt.Errorf("%w: group %s on %s", broker.ErrStreamOrGroupMissing, groupName, streamName)}
	}

	byConsumer := make(map[string]int64)
	var ids []string
	for id, p := range g.pending {
		byConsumer[p.consumer]++
		ids = append(ids, id)
	}
	sort.Strings(ids)

	summary := broker.PendingSummary{Count: int64(len(ids))}
	if len(ids) > 0 {
		summary.MinID = ids[0]
		summary.MaxID = ids[len(ids)-1]
	}
	for consumer, count := range byConsumer {
		summary.Consumers = append(summary.Consumers, broker.ConsumerPending{Consumer: consumer, Count: count})
	}
	sort.Slice(summary.Consumers, func(i, j int) bool { return summary.Consumers[i].Consumer < summary.Consumers[j].Consumer })
	return summary, nil
}

func (m *Memory) PendingRange(
	_ context.Context, streamName, groupName, consumer, _, _ string, count int64,
) ([]broker.PendingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getStream(streamName)
	g, ok := s.groups[groupName]
	if !ok {
		return nil, &broker.LogicError{Err: fmt.Errorf("%w: group %s on %s", broker.ErrStreamOrGroupMissing, groupName, streamName)}
	}

	var ids []string
	for id, p := range g.pending {
		if consumer != "" && p.consumer != consumer {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []broker.PendingEntry
	for _, id := range ids {
		if int64(len(out)) >= count {
			break
		}
		p := g.pending[id]
		out = append(out, broker.PendingEntry{
			ID:         id,
			Consumer:   p.consumer,
			Idle:       time.Since(p.idleSince),
			Deliveries: p.deliveries,
		})
	}
	return out, nil
}

func (m *Memory) Claim(
	_ context.Context, streamName, groupName, newConsumer string, minIdle time.Duration, id string,
) ([]broker.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getStream(streamName)
	g, ok := s.groups[groupName]
	if !ok {
		return nil, &broker.LogicError{Err: fmt.Errorf("%w: group %s on %s", broker.ErrStreamOrGroupMissing, groupName, streamName)}
	}
	p, ok := g.pending[id]
	if !ok || time.Since(p.idleSince) < minIdle {
		m.log(fmt.Sprintf("claim:%s:%s:miss", streamName, id))
		return nil, nil
	}
	p.consumer = newConsumer
	p.idleSince = time.Now()
	p.deliveries++
	m.log(fmt.Sprintf("claim:%s:%s", streamName, id))

	for _, e := range s.entries {
		if e.id == id {
			return []broker.Message{{Stream: streamName, ID: id, Fields: e.fields}}, nil
		}
	}
	return nil, nil
}

func (m *Memory) Ack(_ context.Context, streamName, groupName, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getStream(streamName)
	if g, ok := s.groups[groupName]; ok {
		delete(g.pending, id)
	}
	m.log(fmt.Sprintf("ack:%s:%s", streamName, id))
	return nil
}

func (m *Memory) DeleteEntry(_ context.Context, streamName, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getStream(streamName)
	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			break
		}
	}
	m.log(fmt.Sprintf("delete:%s:%s", streamName, id))
	return nil
}

func (m *Memory) DeleteKey(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.streams, key)
	m.log(fmt.Sprintf("delete_key:%s", key))
	return nil
}

func (m *Memory) KeysMatching(_ context.Context, glob string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for name := range m.streams {
		if globMatch(glob, name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Length(_ context.Context, streamName string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.getStream(streamName).entries)), nil
}

// --- test helpers, not part of the Broker interface ---

// SeedEntries appends raw entries with deterministic IDs, for constructing fixtures.
func (m *Memory) SeedEntries(streamName string, n int) {
	for i := 0; i < n; i++ {
		_, _ = m.Append(context.Background(), streamName, map[string]string{"seq": strconv.Itoa(i)})
	}
}

// DeliverTo delivers every entry in streamName to consumer under groupName without
// going through ReadGroup's bookkeeping, to simulate a container having already
// consumed and gone stale.
func (m *Memory) DeliverTo(streamName, groupName, consumer string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getStream(streamName)
	g, ok := s.groups[groupName]
	if !ok {
		g = &group{pending: make(map[string]*pendingInfo)}
		s.groups[groupName] = g
	}
	for _, e := range s.entries {
		g.pending[e.id] = &pendingInfo{consumer: consumer, idleSince: time.Now().Add(-time.Hour), deliveries: 1}
	}
}

// StreamExists reports whether streamName currently exists (including empty);
// it is false again once DeleteKey has removed it.
func (m *Memory) StreamExists(streamName string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.streams[streamName]
	return ok
}

// globMatch implements the small subset of glob syntax Umpire relies on: '*' as a
// multi-character wildcard and '?' as a single-character wildcard (used to spell
// out the UUID hex pattern), everything else literal.
func globMatch(pattern, name string) bool {
	pi, ni := 0, 0
	starIdx, match := -1, 0
	for ni < len(name) {
		if pi < len(pattern) && (pattern[pi] == name[ni] || pattern[pi] == '?') {
			pi++
			ni++
		} else if pi < len(pattern) && pattern[pi] == '*' {
			starIdx = pi
			match = ni
			pi++
		} else if starIdx != -1 {
			pi = starIdx + 1
			match++
			ni = match
		} else {
			return false
		}
	}
	for pi < len(pattern) && pattern[pi] == '*' {
		pi++
	}
	return pi == len(pattern)
}
