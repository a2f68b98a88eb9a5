// Package selector picks the next task to run
package selector

import (
	"context"
	"sort"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cloud-shuttle/conveyor/internal/recurring"
	"github.com/cloud-shuttle/conveyor/pkg/types"
)

// NightWindow is the [Start, End) hour range in which night-only tasks may
// run. Start greater than End wraps past midnight; equal bounds are empty.
type NightWindow struct {
	Start    int
	End      int
	Location *time.Location
}

// Contains reports whether t falls inside the window
func (w NightWindow) Contains(t time.Time) bool {
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	hour := t.In(loc).Hour()
	if w.Start <= w.End {
		return hour >= w.Start && hour < w.End
	}
	return hour >= w.Start || hour < w.End
}

// DependencyChecker answers whether a prerequisite issue is finished
type DependencyChecker interface {
	IsClosed(ctx context.Context, issue int) (bool, error)
}

// Selector applies time-of-day, recurrence and dependency filters and picks
// the highest priority remaining task
type Selector struct {
	window     NightWindow
	recurrence recurring.Store
	deps       DependencyChecker
	now        func() time.Time
	logger     *log.Logger
}

// New creates a selector. deps may be nil to ignore depends_on.
func New(window NightWindow, recurrence recurring.Store, deps DependencyChecker, logger *log.Logger) *Selector {
	return &Selector{
		window:     window,
		recurrence: recurrence,
		deps:       deps,
		now:        time.Now,
		logger:     logger.WithPrefix("selector"),
	}
}

// SetClock replaces the time source
func (s *Selector) SetClock(now func() time.Time) {
	s.now = now
}

// Select returns the next task to run, or nil. Candidates are expected
// oldest first; ties in priority keep that order.
func (s *Selector) Select(ctx context.Context, candidates []*types.Task) *types.Task {
	eligible := s.Eligible(ctx, candidates)
	if len(eligible) == 0 {
		return nil
	}
	return eligible[0]
}

// Eligible returns the filtered candidates in selection order
func (s *Selector) Eligible(ctx context.Context, candidates []*types.Task) []*types.Task {
	now := s.now()
	inWindow := s.window.Contains(now)

	var eligible []*types.Task
	for _, task := range candidates {
		if task.NightOnly && !inWindow {
			s.logger.Debug("skipping night-only task outside window", "issue", task.ID)
			continue
		}

		if task.Schedule.IsRecurring() && s.recurrence != nil {
			due, err := s.recurrence.IsDue(task.ID, task.Schedule)
			if err != nil {
				s.logger.Warn("recurrence check failed, skipping", "issue", task.ID, "error", err)
				continue
			}
			if !due {
				s.logger.Debug("recurring task not due", "issue", task.ID, "schedule", task.Schedule)
				continue
			}
		}

		if !s.dependenciesMet(ctx, task) {
			continue
		}

		eligible = append(eligible, task)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Priority.Rank() < eligible[j].Priority.Rank()
	})
	return eligible
}

func (s *Selector) dependenciesMet(ctx context.Context, task *types.Task) bool {
	if s.deps == nil {
		return true
	}
	for _, dep := range task.DependsOn {
		closed, err := s.deps.IsClosed(ctx, dep)
		if err != nil {
			s.logger.Warn("dependency check failed, skipping", "issue", task.ID, "dependency", dep, "error", err)
			return false
		}
		if !closed {
			s.logger.Debug("waiting on dependency", "issue", task.ID, "dependency", dep)
			return false
		}
	}
	return true
}
