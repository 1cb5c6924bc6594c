package core

import (
	"fmt"

	"PerpRisk/internal/observability"
	"PerpRisk/internal/state"
)

// SequenceValidator checks upstream source sequences per partition: one per
// perp or spot market context, one global, and one per oracle feed.
// Only the core touches it, under the core lock.
type SequenceValidator struct {
	expectedNextSeq map[string]int64
	metrics         *observability.Metrics

	oracleGaps map[string]int64
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
		oracleGaps:      make(map[string]int64),
	}
}

func oraclePartition(id state.OracleID) string {
	return fmt.Sprintf("oracle:%d", id)
}

// ValidateSequence requires sourceSequence to be exactly the next expected
// value. Re-deliveries of known duplicates below it pass.
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	idempotencyKey string,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		if sv.metrics != nil {
			sv.metrics.OutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("out-of-order instruction %s: partition=%s, expected=%d, got=%d",
			idempotencyKey, partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	if sv.metrics != nil {
		sv.metrics.SequenceGap.WithLabelValues(partition).Inc()
	}
	return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// ValidateOracleSequence tolerates gaps in an oracle feed and reports stale
// samples (at or below the last accepted one) as not fresh.
func (sv *SequenceValidator) ValidateOracleSequence(partition string, sourceSequence int64) bool {
	expected := sv.expectedNextSeq[partition]
	if sourceSequence < expected {
		return false
	}
	if sourceSequence > expected {
		sv.oracleGaps[partition]++
		if sv.metrics != nil {
			sv.metrics.SequenceGap.WithLabelValues(partition).Inc()
		}
	}
	sv.expectedNextSeq[partition] = sourceSequence + 1
	return true
}

func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// SetExpectedSequence is used during recovery.
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions copies the expected sequence of every partition seen.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for p, seq := range sv.expectedNextSeq {
		out[p] = seq
	}
	return out
}

// OracleGaps counts accepted samples that skipped ahead in partition.
func (sv *SequenceValidator) OracleGaps(partition string) int64 {
	return sv.oracleGaps[partition]
}
