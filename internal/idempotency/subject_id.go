package idempotency

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

const (
	requestSubjectPrefixV1 = "reimbursement"
	closureSubjectPrefixV1 = "closure"
)

// RequestSubjectIDV1 computes the canonical commit-reveal subject id for a
// reimbursement request:
//
//	subjectId = keccak256("reimbursement" || requestIdBE8)
//
// Request ids themselves are sequential; the keccak derivation keeps
// commitment subjects opaque and collision-free across subject kinds.
func RequestSubjectIDV1(requestID uint64) [32]byte {
	return subjectID(requestSubjectPrefixV1, requestID)
}

// ClosureSubjectIDV1 computes the commit-reveal subject id for an emergency
// closure: keccak256("closure" || closureIdBE8).
func ClosureSubjectIDV1(closureID uint64) [32]byte {
	return subjectID(closureSubjectPrefixV1, closureID)
}

func subjectID(prefix string, id uint64) [32]byte {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write([]byte(prefix))

	var be [8]byte
	binary.BigEndian.PutUint64(be[:], id)
	_, _ = h.Write(be[:])

	sum := h.Sum(nil)
	var out [32]byte
	copy(out[:], sum)
	return out
}
