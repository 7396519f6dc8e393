package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"realtime-e2e/internal/models"
	"realtime-e2e/internal/preflight"
	"realtime-e2e/internal/session"
	"realtime-e2e/internal/store"
)

// Subscriber opens a change feed for the target table
type Subscriber interface {
	Subscribe(ctx context.Context, handler models.Handler, status models.StatusHandler) (models.Subscription, error)
}

// Matcher decides whether a received event counts
type Matcher interface {
	Match(event models.ChangeEvent) (bool, error)
}

// Reporter receives the report of every finished iteration
type Reporter interface {
	Publish(v interface{}) error
}

// Checker inspects the database before the writes
type Checker interface {
	Run(ctx context.Context, conn store.Conn) []preflight.Finding
}

type Options struct {
	SubscribeTimeout time.Duration
	EventTimeout     time.Duration
	Iterations       int
}

// Runner drives the subscribe, insert, update, delete sequence
type Runner struct {
	subscriber Subscriber
	pool       store.Pool
	opts       Options
	logger     *logrus.Logger

	filter   Matcher
	checker  Checker
	reporter Reporter
	now      func() time.Time
}

func New(subscriber Subscriber, pool store.Pool, opts Options, logger *logrus.Logger) *Runner {
	if opts.Iterations <= 0 {
		opts.Iterations = 1
	}
	return &Runner{
		subscriber: subscriber,
		pool:       pool,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
}

func (r *Runner) WithFilter(m Matcher) *Runner {
	r.filter = m
	return r
}

func (r *Runner) WithChecker(c Checker) *Runner {
	r.checker = c
	return r
}

func (r *Runner) WithReporter(rep Reporter) *Runner {
	r.reporter = rep
	return r
}

// Run executes every iteration and closes the pool. Errors are logged once
// here and returned with the reports of the iterations that finished.
func (r *Runner) Run(ctx context.Context) (reports []*Report, err error) {
	defer func() {
		r.pool.Close()
		r.logger.Info("Test completed")
	}()

	r.logger.Info("Starting end-to-end Realtime test")

	for i := 1; i <= r.opts.Iterations; i++ {
		report, err := r.runOnce(ctx, i)
		if report != nil {
			reports = append(reports, report)
			r.publish(report)
		}
		if err != nil {
			r.logger.Errorf("Error in test: %v", err)
			return reports, err
		}
	}
	return reports, nil
}

func (r *Runner) publish(report *Report) {
	if r.reporter == nil {
		return
	}
	if err := r.reporter.Publish(report); err != nil {
		r.logger.Warnf("Failed to publish report: %v", err)
	}
}

func (r *Runner) runOnce(ctx context.Context, iteration int) (*Report, error) {
	sess := session.New()
	log := r.logger.WithFields(logrus.Fields{"run_id": sess.ID, "iteration": iteration})
	report := &Report{
		RunID:     sess.ID,
		Iteration: iteration,
		StartedAt: r.now().UTC(),
	}
	defer func() {
		report.finish(sess, r.now())
	}()

	// 1. subscribe
	log.Info("Setting up Realtime subscription...")
	sub, err := r.subscriber.Subscribe(ctx, r.handler(sess, log), func(status models.SubscriptionStatus, err error) {
		if err != nil {
			log.Infof("Subscription status: %s (%v)", status, err)
		} else {
			log.Infof("Subscription status: %s", status)
		}
		sess.SetStatus(status)
	})
	if err != nil {
		return report, fmt.Errorf("failed to subscribe: %w", err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Warnf("Failed to unsubscribe: %v", err)
		}
	}()
	// runs before the unsubscribe above on every return path
	defer func() {
		report.finish(sess, r.now())
	}()

	// 2. wait for the subscription to be acknowledged
	log.Info("Waiting for subscription to be established...")
	subCtx, cancel := context.WithTimeout(ctx, r.opts.SubscribeTimeout)
	status := sess.WaitForStatus(subCtx, models.StatusSubscribed)
	cancel()
	if status != models.StatusSubscribed {
		log.Warnf("Subscription not established after %s (status: %q), continuing", r.opts.SubscribeTimeout, status)
	}

	// 3. borrow a connection
	log.Info("Connecting to database...")
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return report, err
	}
	defer conn.Release()

	if r.checker != nil {
		report.Findings = r.checker.Run(ctx, conn)
	}

	dialect := r.pool.Dialect()
	steps := []struct {
		expected models.EventType
		doing    string
		done     string
		waiting  string
		query    string
		args     []interface{}
	}{
		{models.EventInsert, "Inserting test data...", "Data inserted successfully", "Waiting for Realtime notification...",
			dialect.InsertSQL(), []interface{}{fmt.Sprintf("Test entry at %s", r.timestamp())}},
		{models.EventUpdate, "Updating test data...", "Data updated successfully", "Waiting for update notification...",
			dialect.UpdateLatestSQL(), []interface{}{fmt.Sprintf("Updated at %s", r.timestamp())}},
		{models.EventDelete, "Deleting test data...", "Data deleted successfully", "Waiting for delete notification...",
			dialect.DeleteLatestSQL(), nil},
	}

	// 4-6. one write per step, each followed by a bounded wait for a
	// notification of the same type
	for _, step := range steps {
		log.Info(step.doing)
		start := r.now()
		affected, err := conn.Exec(ctx, step.query, step.args...)
		if err != nil {
			return report, fmt.Errorf("%s failed: %w", step.expected, err)
		}
		log.Info(step.done)

		log.Info(step.waiting)
		waitCtx, cancel := context.WithTimeout(ctx, r.opts.EventTimeout)
		observed := sess.WaitForType(waitCtx, step.expected, 1)
		cancel()

		report.Steps = append(report.Steps, StepResult{
			Expected:     step.expected,
			RowsAffected: affected,
			Observed:     observed,
			Elapsed:      r.now().Sub(start),
		})

		if step.expected == models.EventInsert {
			if n := sess.Received(); n > 0 {
				log.Infof("✅ SUCCESS! Received %d notifications. Last change type: %s", n, sess.LastType())
			} else {
				log.Info("❌ No notifications received within the timeout period.")
			}
		}

		if err := ctx.Err(); err != nil {
			return report, err
		}
	}

	// 7. final report
	report.finish(sess, r.now())
	r.logReport(log, report)

	return report, nil
}

func (r *Runner) handler(sess *session.Session, log *logrus.Entry) models.Handler {
	return func(event models.ChangeEvent) {
		if r.filter != nil {
			ok, err := r.filter.Match(event)
			if err != nil {
				log.Warnf("Filter error, ignoring %s event: %v", event.Type, err)
				return
			}
			if !ok {
				log.Debugf("Event rejected by filter: %s.%s (type: %s)", event.Schema, event.Table, event.Type)
				return
			}
		}
		log.Infof("Change received! %s", event.Verbatim())
		sess.Record(event)
	}
}

func (r *Runner) logReport(log *logrus.Entry, report *Report) {
	log.Infof("Final status: Received %d notifications in total.", report.Received)
	if report.Received > 0 {
		log.Info("✅ Realtime is working! You received notifications for database changes.")
		for _, step := range report.Steps {
			if !step.Observed {
				log.Warnf("No %s notification arrived within %s", step.Expected, r.opts.EventTimeout)
			}
		}
		return
	}

	if report.Established {
		log.Info("❌ Realtime subscription was established but no notifications were received.")
	} else {
		log.Infof("❌ Realtime subscription was not established (status: %q) and no notifications were received.", report.Status)
	}
	log.Info("Possible issues:")
	for _, d := range report.Diagnostics {
		log.Infof("- %s", d)
	}
}

// timestamp matches the millisecond ISO-8601 form used in row names
func (r *Runner) timestamp() string {
	return r.now().UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// ErrIncomplete is returned by Verify when a run missed notifications
var ErrIncomplete = errors.New("not every change produced a notification")

// Verify checks that every report observed all three changes
func Verify(reports []*Report) error {
	for _, report := range reports {
		if !report.Complete() {
			observed := 0
			for _, step := range report.Steps {
				if step.Observed {
					observed++
				}
			}
			return fmt.Errorf("%w: iteration %d observed %d of 3 changes", ErrIncomplete, report.Iteration, observed)
		}
	}
	return nil
}
