package core

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"
)

const GenesisHashSeed = "PerpRisk:genesis:v1"

// StateHasher keeps the tip of the state hash chain. Each applied instruction
// adds one link:
//
//	hash[N] = SHA-256(hash[N-1] || N || len(key) || key || part...)
//
// where every part is written length-prefixed so that adjacent parts cannot
// be re-split into a colliding preimage.
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: sha256.Sum256([]byte(GenesisHashSeed))}
}

// Link is a hash chain link under construction.
type Link struct {
	owner *StateHasher
	h     hash.Hash
	buf   [8]byte
}

// Begin starts the link for the instruction applied at sequence.
func (s *StateHasher) Begin(sequence int64, idempotencyKey string) *Link {
	l := &Link{owner: s, h: sha256.New()}
	l.h.Write(s.prevHash[:])
	binary.BigEndian.PutUint64(l.buf[:], uint64(sequence))
	l.h.Write(l.buf[:])
	l.Write([]byte(idempotencyKey))
	return l
}

// Write adds one length-prefixed part to the link.
func (l *Link) Write(part []byte) {
	binary.BigEndian.PutUint64(l.buf[:], uint64(len(part)))
	l.h.Write(l.buf[:])
	l.h.Write(part)
}

// Seal finishes the link and moves the chain tip to it.
func (l *Link) Seal() [32]byte {
	var out [32]byte
	l.h.Sum(out[:0])
	l.owner.prevHash = out
	return out
}

func (s *StateHasher) GetPrevHash() [32]byte {
	return s.prevHash
}

// SetPrevHash resumes the chain from a snapshot.
func (s *StateHasher) SetPrevHash(hash [32]byte) {
	s.prevHash = hash
}
