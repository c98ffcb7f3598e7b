// Package integrity provides tamper-evident hashing for the decision log.
// Decisions form a hash chain per workflow: each content hash commits to
// the decision's canonical fields and to the previous decision's hash.
// All functions are pure and deterministic.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/arbiterhq/arbiter/internal/model"
)

// Hash version prefix. Bump when the canonical encoding changes so old
// chains stay verifiable.
const hashV1Prefix = "v1:"

// ComputeContentHash produces a versioned SHA-256 hex digest over the
// canonical decision fields plus the previous decision's hash. prevHash is
// empty for the first decision of a workflow. CreatedAt is wall clock and
// excluded; the decision timestamp is part of the hash.
func ComputeContentHash(prevHash string, d model.Decision) string {
	h := sha256.New()
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}

	writeField(prevHash)
	writeField(d.DecisionID)
	writeField(d.WorkflowID)
	writeField(d.TenantID)
	writeField(string(d.Outcome))
	writeField(strconv.FormatFloat(d.Confidence, 'f', 10, 64))
	writeField(strconv.Itoa(len(d.ReasonCodes)))
	for _, code := range d.ReasonCodes {
		writeField(code)
	}
	writeField(string(d.RiskSummary))
	writeField(d.Policy.Jurisdiction)
	writeField(d.Policy.PackID)
	writeField(d.Policy.PackVersion)
	writeField(d.Authority.DecidedBy)
	writeField(d.Authority.ServiceVersion)
	writeField(strconv.FormatBool(d.Authority.IsOverride))
	writeField(d.Authority.ActorID)
	supersedes := ""
	if d.Lineage.SupersedesDecisionID != nil {
		supersedes = *d.Lineage.SupersedesDecisionID
	}
	writeField(supersedes)
	writeField(d.Subject.SubjectType)
	writeField(d.Subject.SubjectID)
	writeField(d.Subject.Action)
	writeField(d.CorrelationID)
	writeField(d.CauseEventID)
	writeField(d.Timestamp.UTC().Format(time.RFC3339Nano))

	return hashV1Prefix + hex.EncodeToString(h.Sum(nil))
}

// VerifyContentHash checks whether a stored hash matches the recomputed one.
func VerifyContentHash(stored, prevHash string, d model.Decision) bool {
	return stored == ComputeContentHash(prevHash, d)
}

// VerifyChain recomputes the hash chain over decisions in log order and
// returns a description of every mismatch. An empty result means the chain
// is intact.
func VerifyChain(decisions []model.Decision) []string {
	var failures []string
	prevHash := ""
	for i, d := range decisions {
		if !VerifyContentHash(d.ContentHash, prevHash, d) {
			failures = append(failures,
				fmt.Sprintf("decision %s (position %d): content hash mismatch", d.DecisionID, i))
		}
		// Verify against the stored hash, not the recomputed one, so a
		// single corrupted entry doesn't cascade into later mismatches.
		prevHash = d.ContentHash
	}
	return failures
}

// ChainHead returns the content hash of the last decision, or "" for an
// empty log. New decisions chain from this value.
func ChainHead(decisions []model.Decision) string {
	if len(decisions) == 0 {
		return ""
	}
	return decisions[len(decisions)-1].ContentHash
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string. The 0x01
// prefix is the RFC 6962 domain separator for internal nodes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// MerkleRoot constructs a Merkle tree over the content hashes of decisions
// in log order and returns the root. Empty input returns "".
func MerkleRoot(decisions []model.Decision) string {
	leaves := make([]string, len(decisions))
	for i, d := range decisions {
		leaves[i] = d.ContentHash
	}
	return BuildMerkleRoot(leaves)
}

// BuildMerkleRoot folds leaf hashes into a Merkle root. A single leaf is
// its own root; an odd node at any level pairs with itself.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
