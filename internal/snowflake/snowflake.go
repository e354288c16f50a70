// Package snowflake generates monotonic, time-sortable 64-bit IDs for every
// AmityVox entity. Layout: 42-bit milliseconds since a fixed epoch, 10-bit
// worker id, 12-bit per-millisecond sequence. IDs are usable without
// coordination across up to 1024 workers.
package snowflake

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	timestampBits = 42
	workerBits    = 10
	sequenceBits  = 12

	maxWorker   = (1 << workerBits) - 1
	maxSequence = (1 << sequenceBits) - 1

	workerShift = sequenceBits
	timeShift   = sequenceBits + workerBits

	// maxClockRegression is the tolerance for a backwards wall-clock jump
	// before a Node refuses to mint more IDs.
	maxClockRegression = 50 * time.Millisecond
)

// Epoch is the fixed reference point IDs are measured from. Changing it after
// IDs have been minted breaks monotonicity against previously issued IDs. It
// is a package-level value: configuration does not set it, and NewNode takes
// only a worker id.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// ID is a 64-bit Snowflake identifier. It marshals to and parses from decimal
// strings so that consumers with 53-bit number limits (JavaScript) round-trip
// it safely.
type ID uint64

// Parse parses the decimal text form of an ID (unquoted). UnmarshalJSON is
// the entry point that accepts either a JSON string or a JSON number.
func Parse(s string) (ID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing snowflake id %q: %w", s, err)
	}
	return ID(v), nil
}

// String returns the canonical decimal wire form.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Time returns the millisecond-precision timestamp embedded in the ID.
func (id ID) Time() time.Time {
	ms := uint64(id) >> timeShift
	return Epoch.Add(time.Duration(ms) * time.Millisecond)
}

// IsZero reports whether id is the zero value (never a valid minted ID, since
// worker/sequence bits being zero at the epoch instant is astronomically
// unlikely but not forbidden — callers use this only for "unset" sentinels).
func (id ID) IsZero() bool {
	return id == 0
}

// MarshalJSON encodes the ID as a JSON string (decimal) so that clients
// whose number types can't hold a full 64-bit value don't lose precision.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON accepts either a JSON string or a bare JSON number.
func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("unmarshaling snowflake id string: %w", err)
		}
		if s == "" {
			*id = 0
			return nil
		}
		parsed, err := Parse(s)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	}
	var v uint64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshaling snowflake id number: %w", err)
	}
	*id = ID(v)
	return nil
}

// Scan implements database/sql.Scanner for reading IDs out of PostgreSQL
// BIGINT columns.
func (id *ID) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*id = 0
		return nil
	case int64:
		*id = ID(v)
		return nil
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case []byte:
		parsed, err := Parse(string(v))
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	default:
		return fmt.Errorf("unsupported snowflake id scan source type: %T", src)
	}
}

// Value implements database/sql/driver.Valuer for writing IDs to PostgreSQL
// BIGINT columns.
func (id ID) Value() (driver.Value, error) {
	return int64(id), nil
}

// Node mints IDs for a single worker. It is safe for concurrent use by every
// goroutine in the process — GatewayEngine and REST handlers alike share one
// Node per process.
type Node struct {
	mu       sync.Mutex
	worker   uint64
	lastMs   int64
	sequence uint64
	now      func() time.Time // overridable in tests
}

// NewNode constructs a Node for the given worker id (0..1023). It returns an
// error, rather than silently clamping, if worker is out of range, so a
// misconfigured AMITYVOX_SNOWFLAKE_WORKER_ID fails fast at startup.
func NewNode(worker int) (*Node, error) {
	if worker < 0 || worker > maxWorker {
		return nil, fmt.Errorf("snowflake: worker id %d out of range [0,%d]", worker, maxWorker)
	}
	return &Node{worker: uint64(worker), now: time.Now}, nil
}

// Generate mints the next ID for this node. Within the same millisecond it
// increments a 12-bit sequence; on overflow it busy-waits for the next
// millisecond rather than reuse a (ms, seq) pair. A wall-clock regression
// larger than the tolerance is a fatal condition: Generate
// panics rather than silently wrapping or reusing IDs, and callers at
// process startup are expected to let that panic crash the process.
func (n *Node) Generate() ID {
	n.mu.Lock()
	defer n.mu.Unlock()

	ms := n.nowMillis()
	if ms < n.lastMs {
		if n.lastMs-ms > maxClockRegression.Milliseconds() {
			panic(fmt.Sprintf("snowflake: clock moved backwards by %dms, refusing to mint IDs", n.lastMs-ms))
		}
		// Within tolerance: pretend time stood still rather than regress.
		ms = n.lastMs
	}

	if ms == n.lastMs {
		n.sequence = (n.sequence + 1) & maxSequence
		if n.sequence == 0 {
			// Sequence exhausted for this millisecond: busy-wait for the
			// clock to advance rather than reuse (ms, seq).
			for ms <= n.lastMs {
				ms = n.nowMillis()
			}
		}
	} else {
		n.sequence = 0
	}
	n.lastMs = ms

	id := (uint64(ms) << timeShift) | (n.worker << workerShift) | n.sequence
	return ID(id)
}

func (n *Node) nowMillis() int64 {
	return n.now().Sub(Epoch).Milliseconds()
}
