package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fleetops/offlineq/pkg/actions"
)

// envelopeVersion is the persisted layout version written by this build.
//
//	0: bare JSON array of items (legacy, read only)
//	1: {"version":1,"items":[...]}
const envelopeVersion = 1

// ErrUnsupportedVersion is returned when the stored queue was written by a
// newer build.
var ErrUnsupportedVersion = errors.New("queue: unsupported persisted version")

type envelope struct {
	Version int                 `json:"version"`
	Items   []actions.QueueItem `json:"items"`
}

func decodeItems(data []byte) ([]actions.QueueItem, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] == '[' {
		var items []actions.QueueItem
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("queue: decode legacy list: %w", err)
		}
		return items, nil
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("queue: decode: %w", err)
	}
	if env.Version > envelopeVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}
	return env.Items, nil
}

func encodeItems(items []actions.QueueItem) ([]byte, error) {
	if items == nil {
		items = []actions.QueueItem{}
	}
	data, err := json.Marshal(envelope{Version: envelopeVersion, Items: items})
	if err != nil {
		return nil, fmt.Errorf("queue: encode: %w", err)
	}
	return data, nil
}
