// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldJobID      = "job_id"
	FieldSegmentIdx = "segment_idx"
	FieldWorker     = "worker"

	// Process / pipeline fields
	FieldComponent = "component"
	FieldStage     = "stage"
	FieldModel     = "model"
	FieldLanguage  = "language"
	FieldProvider  = "provider"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"

	// Path fields
	FieldPath = "path"
)

// MaskSecret obscures the middle of a credential for safe logging.
func MaskSecret(s string) string {
	const keep = 4
	if s == "" {
		return ""
	}
	if len(s) <= keep*2 {
		return repeat('*', len(s))
	}
	return s[:keep] + repeat('*', len(s)-keep*2) + s[len(s)-keep:]
}

func repeat(c byte, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = c
	}
	return string(b)
}
