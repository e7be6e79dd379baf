// Package events stores the controller's event log and fans it out to
// downstream consumers.
package events

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/xtrntr/ratemarket/internal/models"
)

const (
	eventPrefix  = "event/"
	cursorPrefix = "cursor/"
)

// Journal is an append-only event log in pebble. Events are keyed by a
// zero-padded sequence so iteration order is append order.
type Journal struct {
	db *pebble.DB

	mu  sync.Mutex
	seq uint64
}

func OpenJournal(dir string) (*Journal, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", dir, err)
	}
	j := &Journal{db: db}
	if j.seq, err = j.lastSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) lastSeq() (uint64, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(eventPrefix),
		UpperBound: []byte(eventPrefix + "~"),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, iter.Error()
	}
	return parseEventKey(iter.Key())
}

// LastSeq returns the sequence of the newest event.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Append assigns sequences to events and writes them in one synced batch.
// Either all events are stored or none are.
func (j *Journal) Append(ctx context.Context, evs ...models.Event) ([]models.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]models.Event, len(evs))
	batch := j.db.NewBatch()
	defer batch.Close()
	seq := j.seq
	for i, e := range evs {
		seq++
		e.Seq = seq
		payload, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("encode event %s: %w", e.Type, err)
		}
		if err := batch.Set(eventKey(seq), payload, nil); err != nil {
			return nil, err
		}
		out[i] = e
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("commit events: %w", err)
	}
	j.seq = seq
	return out, nil
}

// ReadFrom calls fn for up to limit events with a sequence above after. A
// limit of zero reads to the end.
func (j *Journal) ReadFrom(after uint64, limit int, fn func(models.Event) error) error {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: eventKey(after + 1),
		UpperBound: []byte(eventPrefix + "~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		var e models.Event
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
		if err := fn(e); err != nil {
			return err
		}
		n++
		if limit > 0 && n == limit {
			break
		}
	}
	return iter.Error()
}

// All returns every stored event in order.
func (j *Journal) All() ([]models.Event, error) {
	var out []models.Event
	err := j.ReadFrom(0, 0, func(e models.Event) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

// Cursor returns the last sequence a named consumer has acknowledged.
func (j *Journal) Cursor(name string) (uint64, error) {
	val, closer, err := j.db.Get([]byte(cursorPrefix + name))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	if len(val) != 8 {
		return 0, fmt.Errorf("invalid cursor %s", name)
	}
	return binary.BigEndian.Uint64(val), nil
}

func (j *Journal) SetCursor(name string, seq uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return j.db.Set([]byte(cursorPrefix+name), buf, pebble.Sync)
}

func eventKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", eventPrefix, seq))
}

func parseEventKey(b []byte) (uint64, error) {
	var seq uint64
	_, err := fmt.Sscanf(string(bytes.TrimPrefix(b, []byte(eventPrefix))), "%d", &seq)
	return seq, err
}
