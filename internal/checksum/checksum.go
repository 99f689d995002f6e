// Package checksum implements the cache checksum validator (C2): a pure
// normalize-then-hash function over task/event/snapshot payloads, plus a
// small per-key registry used to detect drift against server-reported
// checksums. See spec.md section 4.2.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/minio/highwayhash"
	"github.com/nsf/jsondiff"
	log "github.com/sirupsen/logrus"
)

// volatileFields are omitted from the normalized rendering before hashing,
// per spec.md section 4.2.
var volatileFields = map[string]struct{}{
	"lastSynced": {}, "cached_at": {}, "ui_state": {}, "scroll_position": {},
	"selected": {}, "hover": {}, "focus": {}, "_checksum": {}, "_cached_at": {},
}

// defaultStaleAge is the default maxAge argument to IsStale, per spec.md.
const defaultStaleAge = 30 * time.Second

// highwayKey is a fixed, non-secret 32-byte key for the HighwayHash
// fallback. It is not used for authentication, only for a fast
// non-cryptographic content digest, so a fixed key is correct: spec.md
// requires only that the fallback never be compared across origins, which
// the caller (not this package) enforces by keying the registry per
// workspace/origin.
var highwayKey = make([]byte, 32)

// Normalize renders x into a canonical, order-independent form: object keys
// sorted lexicographically, arrays of objects with an "id" field sorted by
// that id, and volatile fields dropped. The result is suitable for hashing
// or for diffing two renderings of the same logical entity.
func Normalize(x any) any {
	return normalize(x)
}

func normalize(x any) any {
	switch v := x.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			if _, skip := volatileFields[k]; skip {
				continue
			}
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalize(item)
		}
		sortArray(out)
		return out
	default:
		return v
	}
}

// sortArray sorts an array of objects carrying an "id" field by that id;
// arrays of primitives or objects without "id" are left in place, per
// spec.md section 4.2 ("arrays of objects with id are sorted by id").
func sortArray(arr []any) {
	allHaveID := len(arr) > 0
	for _, item := range arr {
		m, ok := item.(map[string]any)
		if !ok {
			allHaveID = false
			break
		}
		if _, ok := m["id"]; !ok {
			allHaveID = false
			break
		}
	}
	if !allHaveID {
		return
	}
	sort.SliceStable(arr, func(i, j int) bool {
		return idOf(arr[i]) < idOf(arr[j])
	})
}

func idOf(x any) string {
	m := x.(map[string]any)
	switch id := m["id"].(type) {
	case string:
		return id
	default:
		b, _ := json.Marshal(id)
		return string(b)
	}
}

// canonicalBytes renders the normalized form as canonical JSON: sorted keys
// come for free from encoding/json's map handling, so a plain Marshal of
// the (already key-agnostic) normalized value is deterministic.
func canonicalBytes(x any) ([]byte, error) {
	return json.Marshal(normalize(x))
}

// Checksum computes a 256-bit cryptographic digest of the normalized
// rendering of x. Shuffling key order or adding volatile fields never
// changes the result (testable property 7 in spec.md section 8).
func Checksum(x any) (string, error) {
	b, err := canonicalBytes(x)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// FallbackChecksum computes the non-cryptographic HighwayHash digest,
// permitted by spec.md section 4.2 only when the cryptographic primitive is
// unavailable. Its result must never be compared against a Checksum result,
// nor across origins/workspaces — callers key their registries accordingly.
func FallbackChecksum(x any) (string, error) {
	b, err := canonicalBytes(x)
	if err != nil {
		return "", err
	}
	h, err := highwayhash.New(highwayKey)
	if err != nil {
		return "", err
	}
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Diff renders a human-readable structural diff between the normalized
// forms of local and remote, for surfacing drift or an irreconcilable
// conflict.
func Diff(local, remote any) string {
	localB, _ := canonicalBytes(local)
	remoteB, _ := canonicalBytes(remote)
	opts := jsondiff.DefaultConsoleOptions()
	_, text := jsondiff.Compare(localB, remoteB, &opts)
	return text
}

type record struct {
	checksum string
	at       time.Time
}

// Validator tracks the last-known checksum per key and the time it was
// recorded, implementing Validate/QuickCheck/IsStale from spec.md section
// 4.2.
type Validator struct {
	mu      sync.Mutex
	records map[string]record
	log     *log.Entry
}

// New constructs an empty Validator.
func New() *Validator {
	return &Validator{
		records: make(map[string]record),
		log:     log.WithField("component", "checksum"),
	}
}

// Result is the outcome of Validate.
type Result struct {
	Valid bool
	Drift bool
}

// Validate computes the checksum of data, compares it to expected, records
// the computed checksum and current time for key, and reports whether the
// two matched.
func (v *Validator) Validate(key string, data any, expected string) (Result, error) {
	sum, err := Checksum(data)
	if err != nil {
		return Result{}, err
	}
	v.mu.Lock()
	v.records[key] = record{checksum: sum, at: time.Now()}
	v.mu.Unlock()

	if sum != expected {
		v.log.WithField("key", key).Warn("checksum drift detected")
		return Result{Valid: false, Drift: true}, nil
	}
	return Result{Valid: true, Drift: false}, nil
}

// QuickCheck compares the last recorded checksum for key against expected
// without recomputing anything.
func (v *Validator) QuickCheck(key string, expected string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.records[key]
	if !ok {
		return false
	}
	return r.checksum == expected
}

// IsStale reports whether the recorded timestamp for key is older than
// maxAge. A maxAge of zero uses the spec's default of 30 seconds. A key
// with no recorded checksum is always stale.
func (v *Validator) IsStale(key string, maxAge time.Duration) bool {
	if maxAge == 0 {
		maxAge = defaultStaleAge
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	r, ok := v.records[key]
	if !ok {
		return true
	}
	return time.Since(r.at) > maxAge
}

// DriftedKeys returns every key of expected whose recorded checksum is
// missing or differs from the expected value, for C12 to drive targeted
// resync.
func (v *Validator) DriftedKeys(expected map[string]string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var drifted []string
	for key, want := range expected {
		if r, ok := v.records[key]; !ok || r.checksum != want {
			drifted = append(drifted, key)
		}
	}
	return drifted
}
