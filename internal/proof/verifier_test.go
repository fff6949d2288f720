package proof

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/agora-dev/agora/pkg/capability"
)

func hashOf(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func validRequest() Request {
	h := hashOf("ten records")
	return Request{
		ContractID: "c-1",
		AgentID:    "a-1",
		Capability: capability.New(capability.Extract),
		Hash:       h,
		Metadata: map[string]string{
			"task":         "extract products",
			"completed_at": "2026-03-01T10:00:00Z",
			"content_hash": h,
			"source":       "https://example.com/catalog",
			"record_count": "10",
		},
		Deadline: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Now:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestVerifyAccepts(t *testing.T) {
	v := NewVerifier()
	verdict := v.Verify(validRequest())
	assert.True(t, verdict.Accepted)
	assert.Equal(t, ReasonNone, verdict.Reason)
}

func TestVerifyAcceptsInlineContent(t *testing.T) {
	v := NewVerifier()
	req := validRequest()
	req.Hash = hashOf("inline result")
	req.Metadata["content"] = "inline result"
	req.Metadata["content_hash"] = req.Hash

	verdict := v.Verify(req)
	assert.True(t, verdict.Accepted)
}

func TestVerifyRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
		reason RejectReason
	}{
		{
			name:   "past deadline",
			mutate: func(r *Request) { r.Now = r.Deadline.Add(time.Second) },
			reason: ReasonDeadlineExceeded,
		},
		{
			name:   "no metadata",
			mutate: func(r *Request) { r.Metadata = nil },
			reason: ReasonSchemaMismatch,
		},
		{
			name:   "empty hash",
			mutate: func(r *Request) { r.Hash = "" },
			reason: ReasonSchemaMismatch,
		},
		{
			name:   "missing class field",
			mutate: func(r *Request) { delete(r.Metadata, "record_count") },
			reason: ReasonMissingField,
		},
		{
			name:   "missing base field",
			mutate: func(r *Request) { delete(r.Metadata, "completed_at") },
			reason: ReasonMissingField,
		},
		{
			name:   "declared hash disagrees",
			mutate: func(r *Request) { r.Metadata["content_hash"] = hashOf("something else") },
			reason: ReasonHashMismatch,
		},
		{
			name: "inline content disagrees",
			mutate: func(r *Request) {
				r.Metadata["content"] = "forged output"
			},
			reason: ReasonHashMismatch,
		},
	}

	v := NewVerifier()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			verdict := v.Verify(req)
			assert.False(t, verdict.Accepted)
			assert.Equal(t, tt.reason, verdict.Reason)
			assert.NotEmpty(t, verdict.Detail)
		})
	}
}

// Custom capabilities are held to the base schema only.
func TestVerifyCustomCapability(t *testing.T) {
	v := NewVerifier()
	h := hashOf("ocr text")
	req := Request{
		ContractID: "c-1",
		AgentID:    "a-1",
		Capability: capability.NewCustom("pdf-ocr"),
		Hash:       h,
		Metadata: map[string]string{
			"task":         "ocr a pdf",
			"completed_at": "2026-03-01T10:00:00Z",
			"content_hash": h,
		},
		Deadline: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Now:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	assert.True(t, v.Verify(req).Accepted)
}
