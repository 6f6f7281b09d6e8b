package stat

import (
	"sync/atomic"
)

var Value = &Stat{}

type Stat struct {
	submitted     int64
	signed        int64
	rejected      int64
	revoked       int64
	tokenIssued   int64
	enrolled      int64
	activeWaiters int64
}

func (s *Stat) Submitted() int64 {
	return atomic.LoadInt64(&s.submitted)
}

func (s *Stat) Submit() {
	atomic.AddInt64(&s.submitted, 1)
}

func (s *Stat) Signed() int64 {
	return atomic.LoadInt64(&s.signed)
}

func (s *Stat) Sign() {
	atomic.AddInt64(&s.signed, 1)
}

func (s *Stat) Rejected() int64 {
	return atomic.LoadInt64(&s.rejected)
}

func (s *Stat) Reject() {
	atomic.AddInt64(&s.rejected, 1)
}

func (s *Stat) Revoked() int64 {
	return atomic.LoadInt64(&s.revoked)
}

func (s *Stat) Revoke() {
	atomic.AddInt64(&s.revoked, 1)
}

func (s *Stat) TokenIssued() int64 {
	return atomic.LoadInt64(&s.tokenIssued)
}

func (s *Stat) IssueToken() {
	atomic.AddInt64(&s.tokenIssued, 1)
}

func (s *Stat) Enrolled() int64 {
	return atomic.LoadInt64(&s.enrolled)
}

func (s *Stat) Enroll() {
	atomic.AddInt64(&s.enrolled, 1)
}

func (s *Stat) ActiveWaiters() int64 {
	return atomic.LoadInt64(&s.activeWaiters)
}

func (s *Stat) StartWaiting() {
	atomic.AddInt64(&s.activeWaiters, 1)
}

func (s *Stat) StopWaiting() {
	atomic.AddInt64(&s.activeWaiters, -1)
}
