// Package proof validates completion claims against a task's declared
// requirements. Verification is pure and stateless: the verifier never
// mutates engine state, it only renders a verdict the coordinator acts on.
package proof

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/agora-dev/agora/pkg/capability"
)

// RejectReason enumerates why a proof was rejected, so the coordinator can
// decide whether a resubmission window remains.
type RejectReason string

const (
	ReasonNone             RejectReason = ""
	ReasonSchemaMismatch   RejectReason = "schema_mismatch"
	ReasonMissingField     RejectReason = "missing_field"
	ReasonHashMismatch     RejectReason = "hash_mismatch"
	ReasonDeadlineExceeded RejectReason = "deadline_exceeded"
)

// Verdict is the outcome of one verification.
type Verdict struct {
	Accepted bool
	Reason   RejectReason
	Detail   string
}

func accepted() Verdict { return Verdict{Accepted: true} }

func rejected(reason RejectReason, format string, args ...any) Verdict {
	return Verdict{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Request carries everything needed to verify one submission. The execution
// metadata comes from the external runtime and is treated as opaque beyond
// the declared schema fields.
type Request struct {
	ContractID string
	AgentID    string
	Capability capability.Capability
	Hash       string
	Metadata   map[string]string
	Deadline   time.Time
	Now        time.Time
}

// Metadata fields every capability class requires.
var baseFields = []string{"task", "completed_at", "content_hash"}

// Additional required fields per capability class. Custom capabilities are
// held to the base schema only.
var classFields = map[capability.Class][]string{
	capability.Extract:   {"source", "record_count"},
	capability.Summarize: {"source", "word_count"},
	capability.Translate: {"source_lang", "target_lang"},
	capability.Classify:  {"labels"},
	capability.Generate:  {"prompt_hash"},
	capability.Search:    {"query", "result_count"},
	capability.Compute:   {"input_hash"},
}

// Verifier validates proof submissions.
type Verifier struct{}

// NewVerifier creates a proof verifier.
func NewVerifier() *Verifier { return &Verifier{} }

// Verify checks the submission in order: deadline, schema, hash
// consistency. The first failing check determines the rejection reason.
func (v *Verifier) Verify(req Request) Verdict {
	if !req.Deadline.IsZero() && req.Now.After(req.Deadline) {
		return rejected(ReasonDeadlineExceeded, "submitted at %s, deadline was %s",
			req.Now.Format(time.RFC3339), req.Deadline.Format(time.RFC3339))
	}

	if req.Metadata == nil {
		return rejected(ReasonSchemaMismatch, "no execution metadata")
	}
	if req.Hash == "" {
		return rejected(ReasonSchemaMismatch, "empty proof hash")
	}

	for _, field := range requiredFields(req.Capability) {
		if req.Metadata[field] == "" {
			return rejected(ReasonMissingField, "metadata field %q is required for capability %s",
				field, req.Capability)
		}
	}

	// The metadata-declared content hash must agree with the submitted hash.
	if declared := req.Metadata["content_hash"]; declared != req.Hash {
		return rejected(ReasonHashMismatch, "declared content_hash %s does not match proof hash %s",
			declared, req.Hash)
	}

	// Where the raw content is inlined, the hash is recomputable.
	if content, ok := req.Metadata["content"]; ok {
		sum := sha256.Sum256([]byte(content))
		if recomputed := hex.EncodeToString(sum[:]); recomputed != req.Hash {
			return rejected(ReasonHashMismatch, "recomputed content hash %s does not match proof hash %s",
				recomputed, req.Hash)
		}
	}

	return accepted()
}

func requiredFields(cap capability.Capability) []string {
	fields := append([]string(nil), baseFields...)
	if extra, ok := classFields[cap.Class]; ok {
		fields = append(fields, extra...)
	}
	return fields
}
