package queue

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kvinsights/kvinsights/types"

	"github.com/buger/jsonparser"
	"github.com/oklog/ulid/v2"
)

const defaultDedupeWindow = 4096

// Envelope is the unit carried by the durable queue and the relay. The id lets a
// context recognize a value it has already dispatched, whichever path it came from.
type Envelope struct {
	ID    ulid.ULID
	Value types.Value
}

// NewEnvelope wraps value in an envelope with a fresh id.
func NewEnvelope(value types.Value) Envelope {
	return Envelope{ID: ulid.Make(), Value: value}
}

// Marshal encodes the envelope as {"id": <ulid>, "value": <encoded value>}.
func (e Envelope) Marshal() ([]byte, error) {
	value, err := types.MarshalValue(e.Value)
	if err != nil {
		return nil, fmt.Errorf("error encoding envelope value: %w", err)
	}
	return json.Marshal(struct {
		ID    string          `json:"id"`
		Value json.RawMessage `json:"value"`
	}{
		ID:    e.ID.String(),
		Value: value,
	})
}

// UnmarshalEnvelope decodes the output of Envelope.Marshal.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	rawID, err := jsonparser.GetString(data, "id")
	if err != nil {
		return Envelope{}, fmt.Errorf("error decoding envelope id: %w", err)
	}
	id, err := ulid.ParseStrict(rawID)
	if err != nil {
		return Envelope{}, fmt.Errorf("error parsing envelope id %q: %w", rawID, err)
	}

	rawValue, _, _, err := jsonparser.Get(data, "value")
	if err != nil {
		return Envelope{}, fmt.Errorf("error decoding envelope value: %w", err)
	}
	value, err := types.UnmarshalValue(rawValue)
	if err != nil {
		return Envelope{}, fmt.Errorf("error decoding envelope value: %w", err)
	}
	return Envelope{ID: id, Value: value}, nil
}

// dedupeWindow remembers the most recent envelope ids, evicting the oldest first.
type dedupeWindow struct {
	sync.Mutex

	seen  map[ulid.ULID]struct{}
	order []ulid.ULID
	next  int
}

func newDedupeWindow(size int) *dedupeWindow {
	if size <= 0 {
		size = defaultDedupeWindow
	}
	return &dedupeWindow{
		seen:  make(map[ulid.ULID]struct{}, size),
		order: make([]ulid.ULID, 0, size),
	}
}

// add records id and reports whether it was not seen before.
func (d *dedupeWindow) add(id ulid.ULID) bool {
	d.Lock()
	defer d.Unlock()

	if _, ok := d.seen[id]; ok {
		return false
	}

	if len(d.order) < cap(d.order) {
		d.order = append(d.order, id)
	} else {
		delete(d.seen, d.order[d.next])
		d.order[d.next] = id
		d.next = (d.next + 1) % len(d.order)
	}
	d.seen[id] = struct{}{}
	return true
}
