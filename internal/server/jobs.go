package server

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/shaunagostinho/clawtune/internal/roboclaw"
)

// Job states.
const (
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
)

// Job is a long operation running off the request goroutine.
type Job struct {
	ID        string      `json:"id"`
	Kind      string      `json:"kind"`
	State     string      `json:"state"`
	Started   time.Time   `json:"started"`
	Finished  *time.Time  `json:"finished,omitempty"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorKind string      `json:"errorKind,omitempty"`
}

// maxFinishedJobs is how many completed jobs stay queryable.
const maxFinishedJobs = 64

type jobTable struct {
	mu          sync.Mutex
	seq         int
	jobs        map[string]*Job
	finished    []string // IDs in completion order
	maxFinished int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newJobTable() *jobTable {
	ctx, cancel := context.WithCancel(context.Background())
	return &jobTable{
		jobs:        make(map[string]*Job),
		maxFinished: maxFinishedJobs,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// start runs fn on its own goroutine and returns a snapshot of the new job.
// Jobs outlive the request that started them and stop with the table.
func (t *jobTable) start(kind string, fn func(ctx context.Context) (interface{}, error)) Job {
	t.mu.Lock()
	t.seq++
	j := &Job{
		ID:      fmt.Sprintf("%s-%d", kind, t.seq),
		Kind:    kind,
		State:   JobRunning,
		Started: time.Now(),
	}
	t.jobs[j.ID] = j
	snap := *j
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		res, err := fn(t.ctx)

		t.mu.Lock()
		defer t.mu.Unlock()
		defer t.retireLocked(j.ID)
		now := time.Now()
		j.Finished = &now
		j.Result = res
		if err != nil {
			j.State = JobFailed
			j.Error = err.Error()
			j.ErrorKind = roboclaw.KindOf(err).String()
			log.Printf("[server] job %s failed: %v", j.ID, err)
			return
		}
		j.State = JobDone
		log.Printf("[server] job %s done in %v", j.ID, now.Sub(j.Started).Round(time.Millisecond))
	}()
	return snap
}

// retireLocked records a finished job and drops the oldest finished jobs
// beyond maxFinished. Running jobs are never dropped.
func (t *jobTable) retireLocked(id string) {
	t.finished = append(t.finished, id)
	for len(t.finished) > t.maxFinished {
		delete(t.jobs, t.finished[0])
		t.finished = t.finished[1:]
	}
}

func (t *jobTable) get(id string) (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// list returns every job without results, newest first.
func (t *jobTable) list() []Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Job, 0, len(t.jobs))
	for _, j := range t.jobs {
		c := *j
		c.Result = nil
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Started.After(out[b].Started) })
	return out
}

// wait blocks until every started job has finished.
func (t *jobTable) wait() {
	t.wg.Wait()
}

// stop cancels running jobs and waits for them to return.
func (t *jobTable) stop() {
	t.cancel()
	t.wg.Wait()
}
