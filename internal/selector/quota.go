package selector

import (
	"sync"
	"time"

	"github.com/cloud-shuttle/conveyor/pkg/types"
)

// DailyQuota counts completed runs per calendar day in a fixed timezone.
// The counter resets the first time it is consulted on a new date.
type DailyQuota struct {
	max int
	loc *time.Location
	now func() time.Time

	mu    sync.Mutex
	date  string
	count int
}

// NewDailyQuota creates a quota of max completed runs per day
func NewDailyQuota(max int, loc *time.Location) *DailyQuota {
	if loc == nil {
		loc = time.UTC
	}
	q := &DailyQuota{max: max, loc: loc, now: time.Now}
	q.date = q.today()
	return q
}

// SetClock replaces the time source and re-reads the current date
func (q *DailyQuota) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
	q.date = q.today()
}

func (q *DailyQuota) today() string {
	return q.now().In(q.loc).Format(time.DateOnly)
}

// rollover must be called with mu held
func (q *DailyQuota) rollover() {
	if d := q.today(); d != q.date {
		q.date = d
		q.count = 0
	}
}

// StartOfDay returns midnight of the current quota date
func (q *DailyQuota) StartOfDay() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.now().In(q.loc)
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, q.loc)
}

// Seed sets today's count, for example from persisted run history
func (q *DailyQuota) Seed(count int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()
	q.count = count
}

// Exhausted reports whether no more tasks may run today
func (q *DailyQuota) Exhausted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()
	return q.count >= q.max
}

// Record counts a finished run. Blocked runs wait on a human and do not
// consume quota.
func (q *DailyQuota) Record(outcome types.Outcome) {
	if outcome != types.OutcomeDone && outcome != types.OutcomeFailed {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()
	q.count++
}

// Count returns today's completed runs
func (q *DailyQuota) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover()
	return q.count
}
