package eventlog

import "encoding/binary"

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - log/{part_be4}/m            (partition metadata: lastSeq)
// - log/{part_be4}/e/{seq_be8}  (entries)
// - cursor/{group}/{part_be4}   (durable group cursors)

var (
	logPrefix    = []byte("log/")
	cursorPrefix = []byte("cursor/")
	metaSuffix   = []byte("/m")
	entrySeg     = []byte("/e/")
	sep          = byte('/')
)

func appendBE4(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// keyMeta builds the partition metadata key.
func keyMeta(partition uint32) []byte {
	k := make([]byte, 0, 16)
	k = append(k, logPrefix...)
	k = appendBE4(k, partition)
	k = append(k, metaSuffix...)
	return k
}

// keyEntry builds the entry key with a big-endian sequence for proper ordering.
func keyEntry(partition uint32, seq uint64) []byte {
	k := make([]byte, 0, 24)
	k = append(k, logPrefix...)
	k = appendBE4(k, partition)
	k = append(k, entrySeg...)
	k = appendBE8(k, seq)
	return k
}

// entryBounds returns the [lower, upper) iteration bounds covering every
// entry of one partition.
func entryBounds(partition uint32) (lo, hi []byte) {
	lo = keyEntry(partition, 0)
	hi = append(keyEntry(partition, ^uint64(0)), 0x00)
	return lo, hi
}

// keyCursor builds the durable cursor key for a group and partition.
func keyCursor(group string, partition uint32) []byte {
	k := make([]byte, 0, len(group)+16)
	k = append(k, cursorPrefix...)
	k = append(k, group...)
	k = append(k, sep)
	k = appendBE4(k, partition)
	return k
}

// seqFromEntryKey extracts the big-endian sequence from an entry key.
func seqFromEntryKey(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[len(k)-8:])
}
