package drivesdk

// Result carries a decrypted value or, on failure, the claimed (unverified or
// undecryptable) raw value plus the failure reason. Both arms serialize, so a
// verification failure round-trips through the cache without losing the
// claimed value.
type Result[T any] struct {
	OK      bool   `json:"ok"`
	Value   T      `json:"value,omitempty"`
	Claimed T      `json:"claimed,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Ok wraps a successfully decrypted/verified value.
func Ok[T any](v T) Result[T] {
	return Result[T]{OK: true, Value: v}
}

// Failed wraps a claimed value together with the failure reason.
func Failed[T any](claimed T, reason string) Result[T] {
	return Result[T]{Claimed: claimed, Reason: reason}
}

// Get returns the value and whether the result is the Ok arm.
func (r Result[T]) Get() (T, bool) {
	return r.Value, r.OK
}
