package syncer

import "farmcorner/domain"

type waiter struct {
	ch        chan Outcome
	coalesced bool
}

type writeJob struct {
	key string
	// owner is the user the records were saved by; "" means whoever is
	// signed in when the write runs.
	owner   string
	records []domain.Record
	waiters []waiter
}

// keyQueue allows one remote write in flight per key. A write arriving while
// another is in flight waits in pending; later arrivals replace the pending
// value and inherit its waiters.
type keyQueue struct {
	pending *writeJob
}

// submit queues job behind the in-flight write for its key. Saves arriving
// after Close are not queued; writes started by a running refresh still are.
func (s *Synchronizer) submit(job *writeJob, external bool) {
	s.qmu.Lock()
	if external && s.closed {
		s.qmu.Unlock()
		s.deliver(job, Outcome{Key: job.key, Status: StatusLocalOnly})
		return
	}
	if q, ok := s.queues[job.key]; ok {
		if q.pending != nil {
			for _, w := range q.pending.waiters {
				w.coalesced = true
				job.waiters = append(job.waiters, w)
			}
		}
		q.pending = job
		s.qmu.Unlock()
		return
	}
	s.queues[job.key] = &keyQueue{}
	s.wg.Add(1)
	s.qmu.Unlock()

	go s.drain(job)
}

func (s *Synchronizer) drain(job *writeJob) {
	defer s.wg.Done()
	key := job.key
	for job != nil {
		s.deliver(job, s.push(job))

		s.qmu.Lock()
		q := s.queues[key]
		job, q.pending = q.pending, nil
		if job == nil {
			delete(s.queues, key)
		}
		s.qmu.Unlock()
	}
}

func (s *Synchronizer) hasPending(key string) bool {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	_, ok := s.queues[key]
	return ok
}

func (s *Synchronizer) deliver(job *writeJob, out Outcome) {
	for _, w := range job.waiters {
		o := out
		o.Coalesced = w.coalesced
		w.ch <- o
	}
	if s.onStatus != nil {
		s.onStatus(out)
	}
	switch out.Status {
	case StatusSaved:
		s.logger.Debugf("collection synced, key=%s, records=%d, waiters=%d", job.key, len(job.records), len(job.waiters))
	default:
		s.logger.Warnf("collection kept local, key=%s, status=%q", job.key, out.Status)
	}
}
