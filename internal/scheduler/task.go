package scheduler

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/cenkalti/backoff/v4"
)

// Resource declares mutual exclusion: two tasks sharing a (Kind, Value)
// pair are never in flight at the same time.
type Resource struct {
	Kind  string
	Value string
}

// Well-known resource kinds.
const (
	ResourceEntity = "ENTITY"
	ResourceReport = "REPORT"
)

// Task is one unit of work. Tasks are in-memory only; durability of the
// work they represent comes from the pending-delta ledger, not from the
// queue.
type Task struct {
	Action     string
	Parameters map[string]string
	Resources  []Resource

	// Multiplicity counts how many enqueue attempts were coalesced into
	// this task. Handlers that care (none currently) can read it.
	Multiplicity int

	// Attempt counts dispatches of this task, starting at 0.
	Attempt int

	scheduleKey string
	bo          backoff.BackOff
}

// Param returns a parameter value, empty when unset.
func (t *Task) Param(name string) string { return t.Parameters[name] }

// ScheduleKey is the deterministic identity used for de-duplication:
// a hash of the action, the resources, and the canonicalized parameters.
func (t *Task) ScheduleKey() string {
	if t.scheduleKey == "" {
		t.scheduleKey = computeScheduleKey(t.Action, t.Parameters, t.Resources)
	}
	return t.scheduleKey
}

func computeScheduleKey(action string, params map[string]string, resources []Resource) string {
	var b strings.Builder
	b.WriteString(action)
	b.WriteByte(0x1f)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
		b.WriteByte(0x1e)
	}
	b.WriteByte(0x1f)

	res := make([]string, len(resources))
	for i, r := range resources {
		res[i] = r.Kind + ":" + r.Value
	}
	sort.Strings(res)
	b.WriteString(strings.Join(res, "\x1e"))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}
