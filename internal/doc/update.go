package doc

import (
	"encoding/json"
	"errors"
	"fmt"

	"collabtext/journalsync/internal/syncerr"
)

// wireVersion is the only update encoding this package reads and writes.
const wireVersion = 1

// Op is one key write inside an update.
type Op struct {
	Map     string          `json:"m"`
	Key     string          `json:"k"`
	Value   json.RawMessage `json:"val,omitempty"`
	Deleted bool            `json:"del,omitempty"`
	Stamp   Stamp           `json:"ts"`
}

type update struct {
	Version int  `json:"v"`
	Ops     []Op `json:"ops"`
}

// ErrMalformedUpdate is wrapped by every decode failure.
var ErrMalformedUpdate = errors.New("malformed update")

func encodeOps(ops []Op) []byte {
	data, err := json.Marshal(update{Version: wireVersion, Ops: ops})
	if err != nil {
		// Ops hold only strings, validated raw JSON and integers.
		panic(fmt.Sprintf("doc: encode update: %v", err))
	}
	return data
}

// DecodeUpdate parses and validates an update without applying it.
func DecodeUpdate(data []byte) ([]Op, error) {
	var u update
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, malformed("%v", err)
	}
	if u.Version != wireVersion {
		return nil, malformed("unsupported version %d", u.Version)
	}
	for i, op := range u.Ops {
		if op.Map == "" || op.Key == "" {
			return nil, malformed("op %d: empty map or key", i)
		}
		if op.Stamp.Actor == "" {
			return nil, malformed("op %d: missing actor", i)
		}
		if !op.Deleted && len(op.Value) == 0 {
			return nil, malformed("op %d: missing value", i)
		}
	}
	return u.Ops, nil
}

func malformed(format string, args ...any) error {
	return syncerr.New(syncerr.KindProtocol, "decode update",
		fmt.Errorf("%w: %s", ErrMalformedUpdate, fmt.Sprintf(format, args...)))
}
