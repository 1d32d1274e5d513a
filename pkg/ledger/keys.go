package ledger

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	sequencePrefix = "seq/"
	eventPrefix    = "event/"
)

// SequenceKey is the state key holding the counter called name
func SequenceKey(name string) string {
	return sequencePrefix + name
}

// StreamSequence is the counter name used to number events of stream
func StreamSequence(stream string) string {
	return "stream/" + stream
}

// EventKey is the state key of the event at seq in stream. Sequence numbers are
// zero padded so that lexical key order equals append order.
func EventKey(stream string, seq uint64) string {
	return fmt.Sprintf("%s%s/%020d", eventPrefix, stream, seq)
}

// EventRange returns the [start, end) key range of stream events after afterSeq.
// The bound is exact, so a stream never sees events of a stream it prefixes.
func EventRange(stream string, afterSeq uint64) (start, end string) {
	end = EventKey(stream, math.MaxUint64) + "\x00"
	if afterSeq == math.MaxUint64 {
		return end, end
	}
	return EventKey(stream, afterSeq+1), end
}

// IsEventKey reports whether key holds an event
func IsEventKey(key string) bool {
	return strings.HasPrefix(key, eventPrefix)
}

// EncodeSequence renders a counter value for storage
func EncodeSequence(v uint64) []byte {
	return []byte(strconv.FormatUint(v, 10))
}

// DecodeSequence parses a stored counter value
func DecodeSequence(raw []byte) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode sequence: %w", err)
	}
	return v, nil
}
