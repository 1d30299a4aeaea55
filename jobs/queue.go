// This package is a persistent work queue. Jobs sharing a queue key run one at a time in the
// order they were added; failed runs are retried with backoff until they succeed, run out of
// attempts, outlive their lifespan or fail permanently.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/migration"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const Unlimited = 0

type State int

const (
	StateReady   State = 0
	StateRunning State = 1
)

var (
	ErrPermanent  = errors.New("jobs: permanent failure")
	ErrExpired    = errors.New("jobs: lifespan exceeded")
	ErrExhausted  = errors.New("jobs: attempts exhausted")
	ErrNoHandler  = errors.New("jobs: no handler registered")
	errRetryLater = errors.New("jobs: retry later")
)

type permanentError struct {
	err error
}

func (pe *permanentError) Error() string {
	return pe.err.Error()
}

func (pe *permanentError) Unwrap() error {
	return pe.err
}

func (pe *permanentError) Is(target error) bool {
	return target == ErrPermanent
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

type Job struct {
	Seq         int64  `db:"seq"`
	ID          string `db:"id"`
	Kind        string `db:"kind"`
	QueueKey    string `db:"queue_key"`
	Payload     []byte `db:"payload"`
	Attempts    int    `db:"attempts"`
	MaxAttempts int    `db:"max_attempts"`
	CreatedAtMs uint64 `db:"created_at_ms"`
	DeadlineMs  uint64 `db:"deadline_ms"`
	NextRunAtMs uint64 `db:"next_run_at_ms"`
	State       State  `db:"state"`
}

func (j *Job) Encode(v interface{}) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("jobs: error encoding payload: %w", err)
	}
	j.Payload = b
	return nil
}

func (j *Job) Decode(v interface{}) error {
	if err := msgpack.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("jobs: error decoding payload: %w", err)
	}
	return nil
}

// Handler runs one kind of job. OnAdded runs before the job is stored and may rewrite its
// payload. OnFailure runs once when the job is given up on.
type Handler interface {
	OnAdded(j *Job) error
	Run(ctx context.Context, j *Job) error
	OnFailure(j *Job, err error)
}

type Queue struct {
	config     *config.Config
	log        *zap.SugaredLogger
	db         *db.Database
	clock      clock.Clock
	lock       sync.Mutex
	handlers   map[string]Handler
	available  chan struct{}
	finished   sync.WaitGroup
	cancelFunc context.CancelFunc
}

func New(c *config.Config, d *db.Database, cl clock.Clock) (*Queue, error) {
	q := &Queue{
		config:    c,
		log:       c.Logger("jobs"),
		db:        d,
		clock:     cl,
		handlers:  make(map[string]Handler),
		available: make(chan struct{}, 1),
	}
	if err := d.MigrateNoLock("_jobs", []*migration.Migration{
		{
			Name: "Initial tables",
			Func: func(tx *sql.Tx) error {
				if _, err := tx.Exec(`
					CREATE TABLE _send_jobs (
						seq INTEGER PRIMARY KEY AUTOINCREMENT,
						id STRING NOT NULL UNIQUE,
						kind STRING NOT NULL,
						queue_key STRING NOT NULL,
						payload BLOB NOT NULL,
						attempts INTEGER NOT NULL,
						max_attempts INTEGER NOT NULL,
						created_at_ms INTEGER NOT NULL,
						deadline_ms INTEGER NOT NULL,
						next_run_at_ms INTEGER NOT NULL,
						state INTEGER NOT NULL
					);
					CREATE INDEX send_jobs_queue_key on _send_jobs (queue_key, seq);
				`); err != nil {
					return err
				}
				return nil
			},
		},
	}); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) Register(kind string, h Handler) {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.handlers[kind] = h
}

func (q *Queue) handler(kind string) (Handler, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()
	h, ok := q.handlers[kind]
	return h, ok
}

func (q *Queue) pump() {
	select {
	case q.available <- struct{}{}:
	default:
	}
}

func (q *Queue) backoff(attempts int) time.Duration {
	limit := time.Duration(q.config.JobMaxBackoffMs) * time.Millisecond
	if attempts > 30 {
		return limit
	}
	t := time.Duration(2<<attempts) * 100 * time.Millisecond
	if t > limit {
		t = limit
	}
	return t
}

// Add persists a job of the given kind. maxAttempts of Unlimited retries until the lifespan ends.
func (q *Queue) Add(kind, queueKey string, payload interface{}, maxAttempts int) (*Job, error) {
	h, ok := q.handler(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, kind)
	}
	now := q.clock.CurrentTimeMs()
	j := &Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		QueueKey:    queueKey,
		MaxAttempts: maxAttempts,
		CreatedAtMs: now,
		DeadlineMs:  now + uint64(q.config.JobLifespanMs),
		NextRunAtMs: now,
		State:       StateReady,
	}
	if err := j.Encode(payload); err != nil {
		return nil, err
	}
	if err := h.OnAdded(j); err != nil {
		return nil, fmt.Errorf("jobs: error adding %s: %w", kind, err)
	}
	if err := q.db.Run(fmt.Sprintf("add job %s", j.ID), func() error {
		res, err := q.db.Tx.NamedExec("INSERT INTO _send_jobs (id, kind, queue_key, payload, attempts, max_attempts, created_at_ms, deadline_ms, next_run_at_ms, state) VALUES (:id, :kind, :queue_key, :payload, :attempts, :max_attempts, :created_at_ms, :deadline_ms, :next_run_at_ms, :state)", j)
		if err != nil {
			return fmt.Errorf("jobs: error inserting job: %w", err)
		}
		if j.Seq, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("jobs: error getting job seq: %w", err)
		}
		q.db.AfterCommit(q.pump)
		return nil
	}); err != nil {
		return nil, err
	}
	q.log.Debugf("added %s job %s on %s", kind, j.ID, queueKey)
	return j, nil
}

// Jobs lists every stored job in queue order.
func (q *Queue) Jobs() ([]*Job, error) {
	var js []*Job
	err := q.db.RunReadOnly("list jobs", func() error {
		if err := q.db.Tx.Select(&js, "SELECT * FROM _send_jobs ORDER BY seq"); err != nil {
			return fmt.Errorf("jobs: error listing jobs: %w", err)
		}
		return nil
	})
	return js, err
}

// Start resets jobs left running by a previous process and starts dispatching.
func (q *Queue) Start() error {
	if err := q.db.Run("reset running jobs", func() error {
		res, err := q.db.Tx.Exec("UPDATE _send_jobs SET state = ? WHERE state = ?", StateReady, StateRunning)
		if err != nil {
			return fmt.Errorf("jobs: error resetting running jobs: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 0 {
			q.log.Infof("reset %d interrupted jobs", n)
		}
		return nil
	}); err != nil {
		return err
	}
	ctx, cancelFunc := context.WithCancel(context.Background())
	q.cancelFunc = cancelFunc
	q.startDispatching(ctx)
	q.pump()
	return nil
}

func (q *Queue) Shutdown() {
	if q.cancelFunc != nil {
		q.cancelFunc()
		q.finished.Wait()
		q.cancelFunc = nil
	}
}

func (q *Queue) startDispatching(ctx context.Context) {
	q.finished.Add(1)
	go func() {
		defer q.finished.Done()
		for {
			wait, err := q.dispatch(ctx)
			if err != nil {
				q.log.Warnf("error dispatching jobs: %v", err)
				wait = q.backoff(0)
			}
			var timer <-chan time.Time
			if wait > 0 {
				timer = q.clock.After(wait)
			}
			select {
			case <-ctx.Done():
				return
			case <-q.available:
			case <-timer:
			}
		}
	}()
}

// dispatch starts the head job of every idle queue key that is due. It returns how long until
// the next job becomes due, or zero when nothing is waiting.
func (q *Queue) dispatch(ctx context.Context) (time.Duration, error) {
	var due, expired []*Job
	var wait time.Duration
	if err := q.db.Run("dispatch jobs", func() error {
		var js []*Job
		if err := q.db.Tx.Select(&js, "SELECT * FROM _send_jobs ORDER BY seq"); err != nil {
			return fmt.Errorf("jobs: error selecting jobs: %w", err)
		}
		now := q.clock.CurrentTimeMs()
		seen := make(map[string]bool)
		for _, j := range js {
			if seen[j.QueueKey] {
				continue
			}
			if j.State == StateRunning {
				seen[j.QueueKey] = true
				continue
			}
			if now >= j.DeadlineMs {
				if _, err := q.db.Tx.Exec("DELETE FROM _send_jobs WHERE id = ?", j.ID); err != nil {
					return fmt.Errorf("jobs: error deleting expired job: %w", err)
				}
				expired = append(expired, j)
				continue
			}
			seen[j.QueueKey] = true
			if j.NextRunAtMs > now {
				if d := time.Duration(j.NextRunAtMs-now) * time.Millisecond; wait == 0 || d < wait {
					wait = d
				}
				continue
			}
			if _, err := q.db.Tx.Exec("UPDATE _send_jobs SET state = ? WHERE id = ?", StateRunning, j.ID); err != nil {
				return fmt.Errorf("jobs: error marking job running: %w", err)
			}
			j.State = StateRunning
			due = append(due, j)
		}
		return nil
	}); err != nil {
		return 0, err
	}

	for _, j := range expired {
		q.fail(j, ErrExpired)
	}
	if len(expired) != 0 {
		q.pump()
	}
	for _, j := range due {
		q.execute(ctx, j)
	}
	return wait, nil
}

func (q *Queue) fail(j *Job, err error) {
	q.log.Warnf("giving up on %s job %s on %s after %d attempts: %v", j.Kind, j.ID, j.QueueKey, j.Attempts, err)
	if h, ok := q.handler(j.Kind); ok {
		h.OnFailure(j, err)
	}
}

func (q *Queue) execute(ctx context.Context, j *Job) {
	q.finished.Add(1)
	go func() {
		defer q.finished.Done()
		var err error
		if h, ok := q.handler(j.Kind); ok {
			err = h.Run(ctx, j)
		} else {
			err = Permanent(fmt.Errorf("%w: %s", ErrNoHandler, j.Kind))
		}
		if err == nil {
			q.log.Debugf("%s job %s on %s done", j.Kind, j.ID, j.QueueKey)
		}
		if ctx.Err() != nil && err != nil {
			err = errRetryLater
		}
		giveUp, ferr := q.finish(j, err)
		if ferr != nil {
			q.log.Warnf("error finishing job %s: %v", j.ID, ferr)
		}
		if giveUp != nil {
			q.fail(j, giveUp)
		}
		q.pump()
	}()
}

// finish records the result of one run and returns the reason to give up, if any.
func (q *Queue) finish(j *Job, runErr error) (giveUp error, err error) {
	err = q.db.Run(fmt.Sprintf("finish job %s", j.ID), func() error {
		switch {
		case runErr == nil:
		case errors.Is(runErr, errRetryLater):
			_, err := q.db.Tx.Exec("UPDATE _send_jobs SET state = ? WHERE id = ?", StateReady, j.ID)
			return err
		case errors.Is(runErr, ErrPermanent):
			giveUp = runErr
		default:
			j.Attempts++
			now := q.clock.CurrentTimeMs()
			if j.MaxAttempts != Unlimited && j.Attempts >= j.MaxAttempts {
				giveUp = fmt.Errorf("%w: %v", ErrExhausted, runErr)
			} else if now >= j.DeadlineMs {
				giveUp = fmt.Errorf("%w: %v", ErrExpired, runErr)
			} else {
				j.NextRunAtMs = now + uint64(q.backoff(j.Attempts)/time.Millisecond)
				j.State = StateReady
				q.log.Debugf("%s job %s on %s failed (attempt %d), retrying at %d: %v", j.Kind, j.ID, j.QueueKey, j.Attempts, j.NextRunAtMs, runErr)
				_, err := q.db.Tx.NamedExec("UPDATE _send_jobs SET attempts = :attempts, next_run_at_ms = :next_run_at_ms, state = :state WHERE id = :id", j)
				return err
			}
		}
		_, err := q.db.Tx.Exec("DELETE FROM _send_jobs WHERE id = ?", j.ID)
		return err
	})
	return giveUp, err
}
