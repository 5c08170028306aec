package naming

import "slices"

// Origin records which population a LogFileRef came from.
type Origin int

const (
	OriginRemote Origin = iota
	OriginLocal
	OriginTransformOutput
	OriginLedgerEntry
)

func (o Origin) String() string {
	switch o {
	case OriginRemote:
		return "remote"
	case OriginLocal:
		return "local"
	case OriginTransformOutput:
		return "transform_output"
	case OriginLedgerEntry:
		return "ledger_entry"
	default:
		return "unknown"
	}
}

// LogFileRef is one observation of a log file in one population. Refs are
// built fresh for each planning pass and never mutated.
type LogFileRef struct {
	Key       Key
	RawPath   string
	Size      int64
	SizeKnown bool
	Origin    Origin
}

// KeySet is a set of normalization keys.
type KeySet map[Key]struct{}

// NewKeySet returns a set holding keys.
func NewKeySet(keys ...Key) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

func (s KeySet) Add(k Key) { s[k] = struct{}{} }

func (s KeySet) Has(k Key) bool {
	_, ok := s[k]
	return ok
}

func (s KeySet) Len() int { return len(s) }

// Sorted returns the keys in lexical order.
func (s KeySet) Sorted() []Key {
	out := make([]Key, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
