package commitreveal

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidCommitment = errors.New("commitreveal: invalid commitment")
	ErrRevealTooEarly    = errors.New("commitreveal: reveal too early")
)

// DefaultRevealWindow is the mandatory delay between a commit and its reveal.
const DefaultRevealWindow = 30 * time.Minute

// Digest computes the commitment hash for an intended approval:
//
//	keccak256(approver || subject || domainIdBE8 || nonceBE8)
//
// The approver commits Digest(...) now and reveals the nonce later. An
// observer of the pending commit learns nothing about which subject or
// outcome is intended, which is what defeats front-running.
func Digest(approver common.Address, subject common.Hash, domainID, nonce uint64) common.Hash {
	var dom, n [8]byte
	binary.BigEndian.PutUint64(dom[:], domainID)
	binary.BigEndian.PutUint64(n[:], nonce)
	return crypto.Keccak256Hash(approver[:], subject[:], dom[:], n[:])
}

type commitment struct {
	hash        common.Hash
	committedAt time.Time
}

type key struct {
	subject  common.Hash
	approver common.Address
}

// Book stores at most one live commitment per (subject, approver) pair.
//
// A fresh commit overwrites any previous one; a successful reveal consumes
// the commitment exactly once, so replaying the same reveal deterministically
// fails with ErrInvalidCommitment.
type Book struct {
	domainID uint64
	window   time.Duration
	now      func() time.Time

	mu          sync.Mutex
	commitments map[key]commitment
}

func NewBook(domainID uint64, window time.Duration, now func() time.Time) *Book {
	if window <= 0 {
		window = DefaultRevealWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Book{
		domainID:    domainID,
		window:      window,
		now:         now,
		commitments: make(map[key]commitment),
	}
}

// Commit stores or overwrites the approver's commitment for subject.
// Last write wins; there is no queueing of stale commitments.
func (b *Book) Commit(subject common.Hash, approver common.Address, hash common.Hash) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commitments[key{subject, approver}] = commitment{
		hash:        hash,
		committedAt: b.now(),
	}
}

// Reveal validates the nonce against the stored commitment and consumes it.
//
// The reveal window is strict: a reveal at exactly committedAt+window fails;
// one second past the boundary succeeds.
func (b *Book) Reveal(subject common.Hash, approver common.Address, nonce uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := key{subject, approver}
	c, ok := b.commitments[k]
	if !ok {
		return ErrInvalidCommitment
	}
	if Digest(approver, subject, b.domainID, nonce) != c.hash {
		return ErrInvalidCommitment
	}
	if !b.now().After(c.committedAt.Add(b.window)) {
		return ErrRevealTooEarly
	}
	delete(b.commitments, k)
	return nil
}

// Pending reports the live commitment for (subject, approver), if any.
func (b *Book) Pending(subject common.Hash, approver common.Address) (common.Hash, time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.commitments[key{subject, approver}]
	if !ok {
		return common.Hash{}, time.Time{}, false
	}
	return c.hash, c.committedAt, true
}

// Drop discards any live commitment for (subject, approver). It is used when
// the subject itself becomes terminal (cancelled request, executed closure).
func (b *Book) Drop(subject common.Hash, approver common.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.commitments, key{subject, approver})
}
