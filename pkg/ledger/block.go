// Copyright 2025 LedgerVault Project
//
// Canonical block serialization and hashing. The hash input is a fixed
// field order with length prefixes; the signature covers the hash and is
// excluded from it.

package ledger

import (
	"bytes"
	"encoding/binary"
	"sort"
	"time"

	"golang.org/x/crypto/sha3"
)

// GenesisNumber is the block number of the genesis block
const GenesisNumber = 0

// CanonicalBytes builds the byte image the block hash commits to. Field
// order is fixed; variable-length fields are length-prefixed; metadata keys
// are sorted so the image is deterministic.
func (b *Block) CanonicalBytes() []byte {
	var buf bytes.Buffer

	writeUint64(&buf, b.Number)
	writeUint64(&buf, uint64(b.Timestamp.UnixMilli()))
	writeBytes(&buf, []byte(b.Data))
	writeBytes(&buf, b.PreviousHash)
	writeBytes(&buf, []byte(b.SignerFingerprint))

	if b.IsEncrypted {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	writeBytes(&buf, []byte(b.Category))

	writeUint32(&buf, uint32(len(b.AutoKeywords)))
	for _, kw := range b.AutoKeywords {
		writeBytes(&buf, []byte(kw))
	}

	keys := make([]string, 0, len(b.CustomMetadata))
	for k := range b.CustomMetadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	writeUint32(&buf, uint32(len(keys)))
	for _, k := range keys {
		writeBytes(&buf, []byte(k))
		writeBytes(&buf, []byte(b.CustomMetadata[k]))
	}

	if b.OffChain != nil {
		buf.WriteByte(1)
		writeBytes(&buf, []byte(b.OffChain.ID.String()))
		writeBytes(&buf, b.OffChain.CiphertextHash)
		writeBytes(&buf, b.OffChain.Signature)
		writeUint64(&buf, b.OffChain.PlaintextSize)
		writeBytes(&buf, b.OffChain.Nonce)
	} else {
		buf.WriteByte(0)
	}

	return buf.Bytes()
}

// ComputeHash returns the SHA3-256 digest of the canonical byte image.
func (b *Block) ComputeHash() []byte {
	sum := sha3.Sum256(b.CanonicalBytes())
	return sum[:]
}

// HashValid reports whether the stored hash matches the canonical image.
func (b *Block) HashValid() bool {
	return bytes.Equal(b.Hash, b.ComputeHash())
}

// LinksTo reports whether the block's previous-hash field links to prev.
func (b *Block) LinksTo(prev *Block) bool {
	if prev == nil {
		return b.Number == GenesisNumber && len(b.PreviousHash) == 0
	}
	return b.Number == prev.Number+1 && bytes.Equal(b.PreviousHash, prev.Hash)
}

// TruncateTimestamp normalizes t to the chain's UTC millisecond precision.
func TruncateTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}
