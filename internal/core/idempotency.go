package core

import (
	"container/list"
	"strings"

	"PerpRisk/internal/observability"
)

// dedupKey identifies an instruction for deduplication. Keys are scoped by
// instruction type so that, for example, a deposit and a withdrawal may share
// a client id.
type dedupKey struct {
	Type string
	Key  string
}

// String renders the key as "Type:key", the form persisted in snapshots and
// returned by the instruction log.
func (k dedupKey) String() string {
	return k.Type + ":" + k.Key
}

func parseDedupKey(s string) (dedupKey, bool) {
	typ, key, ok := strings.Cut(s, ":")
	if !ok || typ == "" {
		return dedupKey{}, false
	}
	return dedupKey{Type: typ, Key: key}, true
}

// DBIdempotencyChecker looks a key up in the persisted instruction log.
type DBIdempotencyChecker interface {
	IsDuplicate(instructionType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker answers from the recent-key set first and falls back to
// the instruction log for keys that have aged out.
type IdempotencyChecker struct {
	recent    *RecentKeys
	dbChecker DBIdempotencyChecker
	metrics   *observability.Metrics

	dbErrors int64
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics) *IdempotencyChecker {
	return &IdempotencyChecker{
		recent:    NewRecentKeys(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
	}
}

// IsDuplicate reports whether the instruction was already applied or rejected.
// A failed log lookup counts as not seen; the core must keep moving while the
// database is down.
func (ic *IdempotencyChecker) IsDuplicate(instructionType string, idempotencyKey string) bool {
	k := dedupKey{Type: instructionType, Key: idempotencyKey}
	if ic.recent.Touch(k) {
		ic.recordDuplicate(instructionType, "lru")
		return true
	}
	if ic.dbChecker == nil {
		return false
	}

	dup, err := ic.dbChecker.IsDuplicate(instructionType, idempotencyKey)
	if err != nil {
		ic.dbErrors++
		return false
	}
	if dup {
		ic.recordDuplicate(instructionType, "postgres")
		ic.recent.Add(k)
	}
	return dup
}

func (ic *IdempotencyChecker) MarkProcessed(instructionType string, idempotencyKey string) {
	ic.recent.Add(dedupKey{Type: instructionType, Key: idempotencyKey})
}

// DBErrors counts failed instruction log lookups.
func (ic *IdempotencyChecker) DBErrors() int64 {
	return ic.dbErrors
}

func (ic *IdempotencyChecker) recordDuplicate(instructionType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(instructionType, tier).Inc()
	}
}

// RecentKeys is a bounded set of dedup keys that evicts the least recently
// touched one. Only the core uses it, under the core lock.
type RecentKeys struct {
	capacity int
	index    map[dedupKey]*list.Element
	order    *list.List // front is most recent

	evictions int64
}

func NewRecentKeys(capacity int) *RecentKeys {
	if capacity < 1 {
		capacity = 1
	}
	return &RecentKeys{
		capacity: capacity,
		index:    make(map[dedupKey]*list.Element, capacity),
		order:    list.New(),
	}
}

// Touch reports membership and promotes the key when present.
func (r *RecentKeys) Touch(k dedupKey) bool {
	elem, ok := r.index[k]
	if ok {
		r.order.MoveToFront(elem)
	}
	return ok
}

func (r *RecentKeys) Add(k dedupKey) {
	if elem, ok := r.index[k]; ok {
		r.order.MoveToFront(elem)
		return
	}
	r.index[k] = r.order.PushFront(k)
	for r.order.Len() > r.capacity {
		oldest := r.order.Back()
		r.order.Remove(oldest)
		delete(r.index, oldest.Value.(dedupKey))
		r.evictions++
	}
}

// Warm adds "Type:key" strings ordered oldest first and returns how many were
// malformed and skipped.
func (r *RecentKeys) Warm(keys []string) int {
	skipped := 0
	for _, s := range keys {
		k, ok := parseDedupKey(s)
		if !ok {
			skipped++
			continue
		}
		r.Add(k)
	}
	return skipped
}

// Keys returns every key as "Type:key", oldest first, the order Warm expects.
func (r *RecentKeys) Keys() []string {
	out := make([]string, 0, r.order.Len())
	for e := r.order.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.(dedupKey).String())
	}
	return out
}

func (r *RecentKeys) Len() int {
	return r.order.Len()
}

func (r *RecentKeys) Evictions() int64 {
	return r.evictions
}
