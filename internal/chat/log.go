// Package chat keeps the conversation around the transceiver: the bounded
// message log, the event feed consumed by the HTTP API, and the send path
// that estimates, transmits and records a message.
package chat

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/klesis/klesis/pkg/codec"
)

// DefaultMaxMessages bounds the log when no limit is configured.
const DefaultMaxMessages = 200

const keyPrefix = "msg/"

// Direction says whether a message was sent or received.
type Direction string

const (
	Sent     Direction = "sent"
	Received Direction = "received"
)

// Message is a single chat line.
type Message struct {
	ID        string            `json:"id"`
	Direction Direction         `json:"direction"`
	Text      string            `json:"text"`
	Protocol  *codec.ProtocolID `json:"protocol,omitempty"`
	At        time.Time         `json:"at"`
}

func (m Message) key() []byte {
	return fmt.Appendf(nil, "%s%020d/%s", keyPrefix, m.At.UnixNano(), m.ID)
}

// Log is the bounded message history. When opened with a path the history
// is persisted in a badger database and restored on the next open.
//
// All methods are safe for concurrent use.
type Log struct {
	db     *badger.DB
	limit  int
	logger *slog.Logger
	now    func() time.Time

	mu   sync.RWMutex
	msgs []Message
}

// OpenLog opens the history at path, or an in-memory history when path is
// empty, keeping at most limit messages.
func OpenLog(path string, limit int, logger *slog.Logger) (*Log, error) {
	if limit <= 0 {
		limit = DefaultMaxMessages
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{logger})
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(badgerLogger{logger})
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("chat: open history %q: %w", path, err)
	}

	l := &Log{db: db, limit: limit, logger: logger, now: time.Now}
	if err := l.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if path != "" {
		logger.Info("chat history loaded", "path", path, "messages", len(l.msgs))
	}
	return l, nil
}

// load restores persisted messages and drops any beyond the limit.
func (l *Log) load() error {
	var (
		msgs  []Message
		stale [][]byte
	)
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var m Message
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &m) }); err != nil {
				l.logger.Warn("chat: skipping unreadable message", "key", string(item.Key()), "err", err)
				stale = append(stale, item.KeyCopy(nil))
				continue
			}
			msgs = append(msgs, m)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("chat: load history: %w", err)
	}

	if over := len(msgs) - l.limit; over > 0 {
		for _, m := range msgs[:over] {
			stale = append(stale, m.key())
		}
		msgs = msgs[over:]
	}
	if len(stale) > 0 {
		if err := l.db.Update(func(txn *badger.Txn) error {
			for _, k := range stale {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return fmt.Errorf("chat: trim history: %w", err)
		}
	}
	l.msgs = msgs
	return nil
}

// Add records m and returns it with its id and timestamp filled in.
// Protocol is set for sent messages only; the decoder does not report which
// protocol carried a received one.
func (l *Log) Add(m Message) (Message, error) {
	m.ID = uuid.NewString()
	m.At = l.now().UTC()
	data, err := json.Marshal(m)
	if err != nil {
		return Message{}, fmt.Errorf("chat: marshal message: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var evict []Message
	if over := len(l.msgs) + 1 - l.limit; over > 0 {
		evict = l.msgs[:over]
	}
	err = l.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(m.key(), data); err != nil {
			return err
		}
		for _, old := range evict {
			if err := txn.Delete(old.key()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Message{}, fmt.Errorf("chat: store message: %w", err)
	}

	l.msgs = append(l.msgs[len(evict):], m)
	return m, nil
}

// Messages returns a copy of the history, oldest first.
func (l *Log) Messages() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Len returns the number of messages held.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.msgs)
}

// Close flushes and closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}

// badgerLogger routes badger's internal logging to slog. Badger is chatty at
// info level, so its info and debug lines go to debug.
type badgerLogger struct{ l *slog.Logger }

func (b badgerLogger) Errorf(f string, args ...any) {
	b.l.Error(fmt.Sprintf(f, args...), "component", "badger")
}

func (b badgerLogger) Warningf(f string, args ...any) {
	b.l.Warn(fmt.Sprintf(f, args...), "component", "badger")
}

func (b badgerLogger) Infof(f string, args ...any) {
	b.l.Debug(fmt.Sprintf(f, args...), "component", "badger")
}

func (b badgerLogger) Debugf(f string, args ...any) {
	b.l.Debug(fmt.Sprintf(f, args...), "component", "badger")
}

var _ badger.Logger = badgerLogger{}
