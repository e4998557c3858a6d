package metadata

import (
	"maps"
	"slices"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
)

// FromWatermill converts transport metadata into Metadata. Keys are ordered
// lexicographically and an unsigned integer seq is decoded as uint64; any other
// seq stays a string so the receiving endpoint can reject it.
func FromWatermill(md message.Metadata) Metadata {
	if len(md) == 0 {
		return Metadata{}
	}

	keys := sortedKeys(md)
	result := Metadata{entries: make([]Entry, 0, len(keys))}
	for _, k := range keys {
		var value any = md[k]
		if k == KeySequence {
			if seq, err := strconv.ParseUint(md[k], 10, 64); err == nil {
				value = seq
			}
		}
		result.entries = append(result.entries, Entry{Key: k, Value: value})
	}
	return result
}

// ToWatermill converts Metadata into the string map transports carry.
func ToWatermill(md Metadata) message.Metadata {
	wm := make(message.Metadata, md.Len())
	for _, e := range md.entries {
		wm[e.Key] = format(e.Value)
	}
	return wm
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
