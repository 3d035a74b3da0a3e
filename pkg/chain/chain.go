// Package chain builds hash-chained, signed event drafts. The chain hash of
// an event is the canonical hash of (prev, id, type, at, actor, payloadHash)
// and the signature binds that chain hash.
package chain

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridianlabs/settled/pkg/canonicalize"
	"github.com/meridianlabs/settled/pkg/contracts"
	"github.com/meridianlabs/settled/pkg/crypto"
)

// Draft describes a not-yet-chained event.
type Draft struct {
	ID      string
	Type    string
	At      time.Time
	Actor   contracts.Actor
	Payload interface{}
}

// hashInput is the exact shape hashed into chainHash. Field order is
// irrelevant (canonical JSON sorts keys) but names are contract.
type hashInput struct {
	Prev        *string         `json:"prev"`
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	At          string          `json:"at"`
	Actor       contracts.Actor `json:"actor"`
	PayloadHash string          `json:"payloadHash"`
}

// NewEvent creates an event draft with canonical payload bytes and
// payloadHash filled in. Seq, prevChainHash, chainHash and signature are
// assigned at append time.
func NewEvent(d Draft) (contracts.Event, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	payload, err := canonicalize.JCS(d.Payload)
	if err != nil {
		return contracts.Event{}, fmt.Errorf("canonicalize payload: %w", err)
	}
	return contracts.Event{
		ID:          d.ID,
		Type:        d.Type,
		At:          d.At.UTC(),
		Actor:       d.Actor,
		Payload:     payload,
		PayloadHash: canonicalize.HashBytes(payload),
	}, nil
}

// ComputeChainHash derives the chain hash linking ev to prev.
func ComputeChainHash(prev *string, ev contracts.Event) (string, error) {
	return canonicalize.CanonicalHash(hashInput{
		Prev:        prev,
		ID:          ev.ID,
		Type:        ev.Type,
		At:          ev.At.UTC().Format(time.RFC3339Nano),
		Actor:       ev.Actor,
		PayloadHash: ev.PayloadHash,
	})
}

// Append chains ev onto events: assigns seq, prevChainHash and chainHash,
// and, when signer is non-nil, signs the chain hash. Returns the extended
// slice.
func Append(events []contracts.Event, ev contracts.Event, signer crypto.Signer) ([]contracts.Event, error) {
	var prev *string
	ev.Seq = 1
	if n := len(events); n > 0 {
		h := events[n-1].ChainHash
		prev = &h
		ev.Seq = events[n-1].Seq + 1
	}
	ev.PrevChainHash = prev

	hash, err := ComputeChainHash(prev, ev)
	if err != nil {
		return nil, fmt.Errorf("compute chain hash: %w", err)
	}
	ev.ChainHash = hash

	if signer != nil {
		sig, err := signer.Sign([]byte(hash))
		if err != nil {
			return nil, fmt.Errorf("sign chain hash: %w", err)
		}
		ev.Signature = sig
		ev.SignerKeyID = signer.KeyID()
	}
	return append(events, ev), nil
}

// Verify walks a stream and checks seq contiguity, prev linkage and chain
// hash recomputation. Events must be ordered by seq.
func Verify(events []contracts.Event) error {
	var prev *string
	for i, ev := range events {
		if ev.Seq != int64(i)+1 {
			return fmt.Errorf("event %s: seq %d, want %d", ev.ID, ev.Seq, i+1)
		}
		if (prev == nil) != (ev.PrevChainHash == nil) {
			return fmt.Errorf("event %s: prev chain hash presence mismatch", ev.ID)
		}
		if prev != nil && *ev.PrevChainHash != *prev {
			return fmt.Errorf("event %s: prev chain hash broken", ev.ID)
		}
		want, err := ComputeChainHash(prev, ev)
		if err != nil {
			return err
		}
		if ev.ChainHash != want {
			return fmt.Errorf("event %s: chain hash mismatch", ev.ID)
		}
		h := ev.ChainHash
		prev = &h
	}
	return nil
}
