// Package store provides in-process stand-ins for the device message store
// and the platform sender. They back the CLI when no device store is
// attached.
package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/mattjoyce/smsbridge/internal/protocol"
)

const (
	smsURIPrefix = "content://sms/"
	mmsURIPrefix = "content://mms/"
)

// MemoryStore keeps message records keyed by URI.
type MemoryStore struct {
	mu       sync.RWMutex
	byURI    map[string]*protocol.Message
	nextRow  int64
	watchers []func(uri string)
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byURI: make(map[string]*protocol.Message)}
}

// OnChange registers fn to be called with the URI of every inserted or
// updated record, after the store lock is released.
func (s *MemoryStore) OnChange(fn func(uri string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}

// Put inserts m. A zero RowID gets the next row id, an empty GUID the row id
// in decimal, and an empty URI one derived from the row id. The stored URI
// is returned.
func (s *MemoryStore) Put(m *protocol.Message) string {
	s.mu.Lock()
	rec := clone(m)
	if rec.RowID == 0 {
		s.nextRow++
		rec.RowID = s.nextRow
	} else if rec.RowID > s.nextRow {
		s.nextRow = rec.RowID
	}
	if rec.GUID == "" {
		rec.GUID = strconv.FormatInt(rec.RowID, 10)
	}
	if rec.URI == "" {
		prefix := smsURIPrefix
		if rec.IsMMS {
			prefix = mmsURIPrefix
		}
		rec.URI = prefix + strconv.FormatInt(rec.RowID, 10)
	}
	s.byURI[rec.URI] = rec
	watchers := s.watchers
	s.mu.Unlock()

	notify(watchers, rec.URI)
	return rec.URI
}

// Update applies fn to the record at uri, as the platform does when parts or
// delivery status arrive after the row was written.
func (s *MemoryStore) Update(uri string, fn func(m *protocol.Message)) error {
	s.mu.Lock()
	rec, ok := s.byURI[uri]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("no record at %s", uri)
	}
	rec = clone(rec)
	fn(rec)
	rec.URI = uri
	s.byURI[uri] = rec
	watchers := s.watchers
	s.mu.Unlock()

	notify(watchers, uri)
	return nil
}

// Delete removes the record at uri.
func (s *MemoryStore) Delete(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byURI, uri)
}

// MessageByURI returns a copy of the record at uri, or (nil, nil).
func (s *MemoryStore) MessageByURI(ctx context.Context, uri string) (*protocol.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byURI[uri]
	if !ok {
		return nil, nil
	}
	return clone(rec), nil
}

// ChatsSince returns the chats whose newest message is later than since,
// most recently active first.
func (s *MemoryStore) ChatsSince(ctx context.Context, since protocol.TimeSeconds) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	latest := make(map[string]protocol.TimeSeconds)
	for _, rec := range s.byURI {
		if rec.ChatGUID == "" {
			continue
		}
		if ts, ok := latest[rec.ChatGUID]; !ok || rec.Timestamp > ts {
			latest[rec.ChatGUID] = rec.Timestamp
		}
	}
	s.mu.RUnlock()

	chats := make([]string, 0, len(latest))
	for guid, ts := range latest {
		if ts > since {
			chats = append(chats, guid)
		}
	}
	sort.Slice(chats, func(i, j int) bool {
		if latest[chats[i]] != latest[chats[j]] {
			return latest[chats[i]] > latest[chats[j]]
		}
		return chats[i] < chats[j]
	})
	return chats, nil
}

// MessagesAfter returns the messages of chatGUID newer than after, oldest first.
func (s *MemoryStore) MessagesAfter(ctx context.Context, chatGUID string, after protocol.TimeSeconds) ([]*protocol.Message, error) {
	msgs, err := s.chat(ctx, chatGUID)
	if err != nil {
		return nil, err
	}
	i := sort.Search(len(msgs), func(i int) bool { return msgs[i].Timestamp > after })
	return msgs[i:], nil
}

// RecentMessages returns the newest limit messages of chatGUID, oldest first.
func (s *MemoryStore) RecentMessages(ctx context.Context, chatGUID string, limit int) ([]*protocol.Message, error) {
	msgs, err := s.chat(ctx, chatGUID)
	if err != nil {
		return nil, err
	}
	if limit >= 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// chat returns copies of the messages in chatGUID ordered by time, then row.
func (s *MemoryStore) chat(ctx context.Context, chatGUID string) ([]*protocol.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var msgs []*protocol.Message
	for _, rec := range s.byURI {
		if rec.ChatGUID == chatGUID {
			msgs = append(msgs, clone(rec))
		}
	}
	s.mu.RUnlock()

	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].RowID < msgs[j].RowID
	})
	return msgs, nil
}

func clone(m *protocol.Message) *protocol.Message {
	c := *m
	c.Attachments = append([]protocol.Attachment(nil), m.Attachments...)
	c.AssociatedMessage = append([]protocol.AssociatedMessage(nil), m.AssociatedMessage...)
	return &c
}

func notify(watchers []func(string), uri string) {
	for _, fn := range watchers {
		fn(uri)
	}
}
