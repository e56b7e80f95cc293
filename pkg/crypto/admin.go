// Copyright 2025 LedgerVault Project
//
// Admin signature message construction. The message binds every input of
// the operation it authorizes so a signature cannot be replayed against a
// different target, flag, or reason.

package crypto

import "encoding/binary"

const adminDomain = "ledgervault/admin/v1"

// AdminDeleteMessage builds the byte image a SUPER_ADMIN signs to authorize
// deletion of a key. All three inputs are length-prefixed so no two
// (target, force, reason) triples produce the same message.
func AdminDeleteMessage(targetFingerprint string, force bool, reason string) []byte {
	msg := make([]byte, 0, len(adminDomain)+len(targetFingerprint)+len(reason)+32)
	msg = appendPrefixed(msg, []byte(adminDomain))
	msg = appendPrefixed(msg, []byte("delete-key"))
	msg = appendPrefixed(msg, []byte(targetFingerprint))
	if force {
		msg = append(msg, 1)
	} else {
		msg = append(msg, 0)
	}
	msg = appendPrefixed(msg, []byte(reason))
	return HashBytes(msg)
}

// AdminRollbackMessage builds the byte image a SUPER_ADMIN signs to
// authorize a rollback to targetNumber.
func AdminRollbackMessage(targetNumber uint64) []byte {
	msg := make([]byte, 0, len(adminDomain)+32)
	msg = appendPrefixed(msg, []byte(adminDomain))
	msg = appendPrefixed(msg, []byte("rollback"))
	msg = binary.BigEndian.AppendUint64(msg, targetNumber)
	return HashBytes(msg)
}

func appendPrefixed(dst, b []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}
