package api

import (
	"encoding/json"
	"fmt"

	"github.com/kvinsights/kvinsights/entry"
	"github.com/kvinsights/kvinsights/types"
)

// HTTPHeaderTimeout overrides the default request timeout of the server, parsed
// with time.ParseDuration.
const HTTPHeaderTimeout = "X-Timeout"

type entryJSON struct {
	Key          types.Key          `json:"key"`
	Value        json.RawMessage    `json:"value"`
	Versionstamp types.Versionstamp `json:"versionstamp"`
	Cursor       string             `json:"cursor,omitempty"`
}

func newEntryJSON(e entry.Entry, cursor string) (entryJSON, error) {
	value, err := types.MarshalValue(e.Value)
	if err != nil {
		return entryJSON{}, fmt.Errorf("error encoding value of key %s: %w", e.Key, err)
	}
	return entryJSON{
		Key:          e.Key,
		Value:        value,
		Versionstamp: e.Versionstamp,
		Cursor:       cursor,
	}, nil
}

func (e entryJSON) toEntry() (entry.CursorBasedEntry, error) {
	value, err := decodeValue(e.Value)
	if err != nil {
		return entry.CursorBasedEntry{}, err
	}
	return entry.CursorBasedEntry{
		Entry: entry.Entry{
			Key:          e.Key,
			Value:        value,
			Versionstamp: e.Versionstamp,
		},
		Cursor: e.Cursor,
	}, nil
}

// decodeValue decodes a tagged value, a missing value being null.
func decodeValue(raw json.RawMessage) (types.Value, error) {
	if len(raw) == 0 {
		return types.Null{}, nil
	}
	return types.UnmarshalValue(raw)
}

// PageInfo describes the position of a page of entries in the scan.
type PageInfo struct {
	HasNextPage bool   `json:"has_next_page"`
	EndCursor   string `json:"end_cursor"`
}

// EntriesPage is a page of entries returned by ListEntries.
type EntriesPage struct {
	Entries  []entry.CursorBasedEntry
	PageInfo PageInfo
}

type listEntriesResponse struct {
	Entries  []entryJSON `json:"entries"`
	PageInfo PageInfo    `json:"page_info"`
}

type keyRequest struct {
	Key types.Key `json:"key"`
}

type saveEntryRequest struct {
	Key          types.Key          `json:"key"`
	Value        json.RawMessage    `json:"value"`
	Versionstamp types.Versionstamp `json:"versionstamp"`
}

type existsResponse struct {
	Exists bool `json:"exists"`
}

type publishRequest struct {
	Value json.RawMessage `json:"value"`
}

// subscriptionFrame is written to subscribe websockets for every dispatched value.
type subscriptionFrame struct {
	Value json.RawMessage `json:"value"`
}
