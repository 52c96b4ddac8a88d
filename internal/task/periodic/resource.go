package periodic

import (
	"fmt"

	"fpsched/internal/kernel"
)

// AcquireResource takes r on behalf of the calling periodic task, blocking
// until it is available, and records it so recovery waits for its release.
func (s *Scheduler) AcquireResource(r kernel.Resource) error {
	return s.AcquireResourceTimeout(r, kernel.Forever)
}

// AcquireResourceTimeout is AcquireResource with a bounded wait. A timeout
// returns ErrResourceTake and records nothing.
func (s *Scheduler) AcquireResourceTimeout(r kernel.Resource, timeout kernel.Tick) error {
	d, err := s.caller(r)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	if d.holds(r) >= 0 {
		return fmt.Errorf("acquire %q: %w", r.Name(), ErrResourceHeld)
	}
	if d.heldCount >= MaxHeldResources {
		return fmt.Errorf("acquire %q: %w (%d)", r.Name(), ErrTooManyResources, MaxHeldResources)
	}

	if !s.k.Take(r, timeout) {
		return fmt.Errorf("acquire %q: %w", r.Name(), ErrResourceTake)
	}
	d.held[d.heldCount] = r
	d.heldCount++
	d.resourceAcquired = true
	return nil
}

// ReleaseResource gives r back. resource_acquired clears only when the
// calling task holds nothing else.
func (s *Scheduler) ReleaseResource(r kernel.Resource) error {
	d, err := s.caller(r)
	if err != nil {
		return fmt.Errorf("release: %w", err)
	}
	idx := d.holds(r)
	if idx < 0 {
		return fmt.Errorf("release %q: %w", r.Name(), ErrResourceNotHeld)
	}

	if !s.k.Give(r) {
		return fmt.Errorf("release %q: %w", r.Name(), ErrResourceGive)
	}
	last := d.heldCount - 1
	d.held[idx] = d.held[last]
	d.held[last] = nil
	d.heldCount = last
	d.resourceAcquired = d.heldCount > 0
	return nil
}

func (s *Scheduler) caller(r kernel.Resource) (*descriptor, error) {
	if r == nil {
		return nil, ErrNilResource
	}
	self := s.k.Current()
	slot, ok := s.reg.Find(self)
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", self, ErrNotPeriodic)
	}
	return s.reg.at(slot), nil
}
