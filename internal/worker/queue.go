package worker

import "container/list"

type clientQueue struct {
	jobs     []Job
	enqueued bool
}

// fairQueue hands out jobs round-robin across clients, one job per client
// per round.
type fairQueue struct {
	queues    map[string]*clientQueue // job queue for each client
	ready     *list.List              // LRU queue storing client ids
	positions map[string]*list.Element
}

func newFairQueue() *fairQueue {
	return &fairQueue{
		queues:    make(map[string]*clientQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
	}
}

func (f *fairQueue) push(job Job) {
	clientID := job.clientID()
	q := f.queues[clientID]
	if q == nil {
		q = &clientQueue{}
		f.queues[clientID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		// client already waiting for its turn
		return
	}
	q.enqueued = true
	f.positions[clientID] = f.ready.PushBack(clientID)
}

// pop takes the next job of the client at the front of the LRU queue.
func (f *fairQueue) pop() (Job, bool) {
	elem := f.ready.Front()
	if elem == nil {
		return Job{}, false
	}
	clientID := elem.Value.(string)
	q := f.queues[clientID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		// client has nothing left, it leaves the queue
		f.ready.Remove(elem)
		delete(f.positions, clientID)
		delete(f.queues, clientID)
	} else {
		// get to the back of queue
		f.ready.MoveToBack(elem)
	}
	return job, true
}

// drop removes and returns every queued job of clientID.
func (f *fairQueue) drop(clientID string) []Job {
	q := f.queues[clientID]
	delete(f.queues, clientID)
	if elem, ok := f.positions[clientID]; ok {
		f.ready.Remove(elem)
		delete(f.positions, clientID)
	}
	if q == nil {
		return nil
	}
	return q.jobs
}

func (f *fairQueue) len() int {
	n := 0
	for _, q := range f.queues {
		n += len(q.jobs)
	}
	return n
}
