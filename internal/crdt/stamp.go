package crdt

import "strings"

// Stamp is a logical version stamp: a hybrid-logical-clock timestamp
// plus the id of the replica that produced it. Stamps are totally
// ordered (the replica id breaks timestamp ties), which is what makes
// every last-writer-wins decision deterministic across replicas.
type Stamp struct {
	Ts      int64  `msgpack:"t"`
	Replica string `msgpack:"r"`
}

// Compare returns a negative number if s is older than other, zero if
// they are the same stamp, and a positive number if s is newer.
func (s Stamp) Compare(other Stamp) int {
	if s.Ts != other.Ts {
		if s.Ts < other.Ts {
			return -1
		}
		return 1
	}
	return strings.Compare(s.Replica, other.Replica)
}

func (s Stamp) After(other Stamp) bool {
	return s.Compare(other) > 0
}

func (s Stamp) IsZero() bool {
	return s.Ts == 0 && s.Replica == ""
}
