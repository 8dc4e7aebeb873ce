package pipeline

import (
	"encoding/binary"
	"hash/fnv"
)

// fingerprintNodes fixes the order in which visit counts are hashed.
var fingerprintNodes = []string{
	NodeAnalyze,
	NodeValidate,
	NodeTool,
	NodeRequestInfo,
	NodeBackoff,
}

// Fingerprint digests the semantically relevant subset of the state: node
// visit counts, presence of an analysis result, validation status, and the
// pending tool-call count. Raw content and accumulated tool payloads are
// excluded so two structurally identical states hash identically even when
// free-text fields differ.
func Fingerprint(s State) uint64 {
	h := fnv.New64a()
	var buf [8]byte

	for _, node := range fingerprintNodes {
		binary.LittleEndian.PutUint64(buf[:], uint64(s.Visits[node]))
		h.Write(buf[:])
	}

	var hasAnalysis byte
	if s.Analysis != nil {
		hasAnalysis = 1
	}
	h.Write([]byte{hasAnalysis, s.validationStatus()})

	binary.LittleEndian.PutUint64(buf[:], uint64(len(s.PendingQueries)))
	h.Write(buf[:])

	return h.Sum64()
}
