package redis

// SlotCount is the fixed number of hash slot partitions in Redis Cluster.
const SlotCount = 16384

// KeySlot computes the cluster hash slot for a key. When the key contains
// a non-empty `{tag}` hash tag — a `{` followed eventually by a `}` with
// at least one byte between them — only the tag substring is hashed, so
// that related keys can be co-located on the same node. Otherwise the
// whole key is hashed.
func KeySlot(key []byte) uint16 {
	if tag, ok := hashTag(key); ok {
		key = tag
	}
	return crc16(key) % SlotCount
}

// hashTag extracts the `{...}` hash tag substring from key, if any
// non-empty one is present.
func hashTag(key []byte) ([]byte, bool) {
	open := -1
	for i, b := range key {
		if b == '{' {
			open = i
			break
		}
	}
	if open < 0 {
		return nil, false
	}
	for i := open + 1; i < len(key); i++ {
		if key[i] == '}' {
			if i == open+1 {
				return nil, false // empty tag, e.g. "{}", falls back to whole key
			}
			return key[open+1 : i], true
		}
	}
	return nil, false
}
