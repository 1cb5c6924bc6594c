package math

// StandardizeU64 floors value to a multiple of step. A zero step is a no-op.
func StandardizeU64(value, step uint64) uint64 {
	if step == 0 {
		return value
	}
	return value - value%step
}

// StandardizeCeilU64 rounds value up to a multiple of step.
func StandardizeCeilU64(value, step uint64) (uint64, error) {
	if step == 0 {
		return value, nil
	}
	rem := value % step
	if rem == 0 {
		return value, nil
	}
	return AddU64(value-rem, step)
}
