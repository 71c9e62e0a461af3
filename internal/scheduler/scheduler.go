// Package scheduler implements the Scheduler component: the seven
// caller-facing operations spec §6 names (schedule_request,
// bot_reap_task, bot_update_task, bot_kill_task, cancel_task, plus the
// two cron sweeps cron_abort_expired_task_to_run and
// cron_handle_bot_died) built on top of RequestStore, RunQueue and
// ResultTracker.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/madecoste/swarming/internal/model"
	"github.com/madecoste/swarming/internal/requeststore"
	"github.com/madecoste/swarming/internal/resilience"
	"github.com/madecoste/swarming/internal/resulttracker"
	"github.com/madecoste/swarming/internal/runqueue"
	"github.com/madecoste/swarming/internal/scherr"
	"github.com/madecoste/swarming/internal/settings"
	"github.com/madecoste/swarming/internal/statssink"
	"github.com/madecoste/swarming/internal/taskid"
	"github.com/madecoste/swarming/internal/telemetry"
)

const maxConflictRetries = 4

// maxDedupChainDepth bounds how far tryDedup walks a deduped_from chain
// (a deduped summary pointing at another deduped summary) to find the
// ultimate non-deduped terminal attempt a fresh request can cite as its
// own deduped_from, per spec §4.5 step 1's "take first COMPLETED+SUCCESS"
// rule.
const maxDedupChainDepth = 8

// CallerContext carries the identity performing an operation explicitly,
// per spec §9's guidance against smuggling identity through ctx values:
// only cancellation/deadlines travel on context.Context here.
type CallerContext struct {
	Identity string
}

// Scheduler is the Scheduler component.
type Scheduler struct {
	requests *requeststore.Store
	queue    *runqueue.Queue
	results  *resulttracker.Tracker
	settings *settings.Watcher
	sink     statssink.Sink
	metrics  telemetry.Metrics

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New wires the three storage components together behind the
// caller-facing operations. sink may be statssink.Noop{} when no
// external stats collector is configured.
func New(requests *requeststore.Store, queue *runqueue.Queue, results *resulttracker.Tracker, sw *settings.Watcher, sink statssink.Sink, metrics telemetry.Metrics) *Scheduler {
	return &Scheduler{
		requests: requests,
		queue:    queue,
		results:  results,
		settings: sw,
		sink:     sink,
		metrics:  metrics,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Scheduler) emit(ctx context.Context, eventType, taskID string) {
	s.sink.Emit(ctx, statssink.Event{Type: eventType, TaskID: taskID, Timestamp: time.Now()})
}

// ScheduleRequest validates and stores a new TaskRequest. If the request
// is idempotent and a prior request with matching properties completed
// successfully within the configured reusable_task_age, the new task is
// immediately marked deduped against it (spec §4.5 step 2/3) instead of
// being queued. A request naming parent_task_id registers itself as a
// child of that running/queued task either way.
func (s *Scheduler) ScheduleRequest(ctx context.Context, in requeststore.NewRequestInput, now time.Time) (*model.ResultSummary, error) {
	// The dedup source is looked up before New, which overwrites the
	// properties-hash index entry with this request's own id.
	var sourceReqID string
	if in.Properties.Idempotent {
		if hash, herr := requeststore.PropertiesHash(in.Properties); herr == nil {
			if id, found, ferr := s.requests.FindIdempotentMatch(hash); ferr != nil {
				return nil, ferr
			} else if found {
				sourceReqID = id
			}
		}
	}

	req, err := s.requests.New(ctx, in, now)
	if err != nil {
		return nil, err
	}

	if req.Properties.Idempotent && sourceReqID != "" {
		if summary, ok, derr := s.tryDedup(ctx, req, sourceReqID, now); derr != nil {
			return nil, derr
		} else if ok {
			s.metrics.Deduped.Add(ctx, 1)
			s.emit(ctx, "deduped", req.ID)
			return summary, nil
		}
	}

	summaryID := taskid.PackSummaryID(requestValueOf(req.ID))
	summary := model.ResultSummary{
		ID:        summaryID,
		RequestID: req.ID,
		Name:      req.Name,
		State:     model.StatePending,
		CostsUSD:  []float64{},
		CreatedTS: now,
		ModifiedTS: now,
	}
	if err := s.results.PutSummary(summary); err != nil {
		return nil, err
	}
	if req.ParentTaskID != "" {
		if err := s.linkChild(req.ParentTaskID, req.ID); err != nil {
			slog.Warn("failed to link task as child", "parent", req.ParentTaskID, "child", req.ID, "error", err)
		}
	}

	toRun := model.TaskToRun{
		ID:           req.ID,
		QueueNumber:  runqueue.QueueNumber(req.Priority, now),
		Dimensions:   req.Properties.Dimensions,
		TryNumber:    1,
		ExpirationTS: req.ExpirationTS,
	}
	if err := s.queue.Push(ctx, toRun); err != nil {
		return nil, err
	}

	s.metrics.Scheduled.Add(ctx, 1)
	s.emit(ctx, "schedule", req.ID)
	return &summary, nil
}

// tryDedup checks whether sourceReqID, a prior request sharing
// properties hash, is completed and still reusable and, if so, builds
// the deduped ResultSummary the
// way _task_deduped's expectations in task_scheduler_test.py require:
// costs_usd stays empty, only cost_saved_usd is populated, started_ts
// and completed_ts are copied verbatim from the source summary, and only
// modified_ts is stamped with the current time.
func (s *Scheduler) tryDedup(ctx context.Context, req *model.TaskRequest, sourceReqID string, now time.Time) (*model.ResultSummary, bool, error) {
	sourceSummaryID := taskid.PackSummaryID(requestValueOf(sourceReqID))
	source, err := s.resolveDedupSource(sourceSummaryID)
	if err != nil {
		if errors.Is(err, scherr.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, nil //nolint:nilerr // a missing/unreadable source just means no dedup
	}
	if source.State != model.StateCompleted || source.Failure {
		return nil, false, nil
	}
	age := s.settings.Current().ReusableTaskAgeSecs
	if now.Sub(source.CreatedTS) > time.Duration(age)*time.Second {
		return nil, false, nil
	}

	sourceRunID, err := taskid.PackRunID(requestValueOf(source.RequestID), source.TryNumber)
	if err != nil {
		return nil, false, fmt.Errorf("dedup source %s has no valid terminal attempt: %w", source.RequestID, err)
	}

	deduped := model.ResultSummary{
		ID:           taskid.PackSummaryID(requestValueOf(req.ID)),
		RequestID:    req.ID,
		Name:         req.Name,
		State:        model.StateCompleted,
		TryNumber:    0,
		CostsUSD:     []float64{},
		CostSavedUSD: sumCosts(source.CostsUSD),
		DedupedFrom:  sourceRunID,
		CreatedTS:    now,
		ModifiedTS:   now,
		StartedTS:    source.StartedTS,
		CompletedTS:  source.CompletedTS,
		ExitCodes:    source.ExitCodes,
		Durations:    source.Durations,
	}
	if err := s.results.PutSummary(deduped); err != nil {
		return nil, false, err
	}
	if req.ParentTaskID != "" {
		if err := s.linkChild(req.ParentTaskID, req.ID); err != nil {
			slog.Warn("failed to link deduped task as child", "parent", req.ParentTaskID, "child", req.ID, "error", err)
		}
	}
	return &deduped, true, nil
}

// resolveDedupSource follows a chain of deduped summaries (a TryNumber==0
// summary whose DedupedFrom points at another summary that was itself
// deduped) to the ultimate summary holding a real terminal attempt
// (TryNumber 1 or 2), so a request that dedups against an already-deduped
// summary still finds a usable source instead of failing outright —
// spec §4.5 step 1's "COMPLETED+SUCCESS... take first" never actually
// names a deduped row as the match, but FindIdempotentMatch's single
// properties-hash index can still point at one after a chain of
// schedule-dedup-schedule-dedup calls, and this walk keeps that case a
// normal dedup instead of a hard KeyCodec error on TryNumber 0.
func (s *Scheduler) resolveDedupSource(summaryID string) (*model.ResultSummary, error) {
	for i := 0; i < maxDedupChainDepth; i++ {
		summary, err := s.results.GetSummary(summaryID)
		if err != nil {
			return nil, err
		}
		if summary.TryNumber != 0 {
			return summary, nil
		}
		if summary.DedupedFrom == "" {
			return nil, fmt.Errorf("%w: deduped summary %s has no deduped_from to follow", scherr.ErrNotFound, summaryID)
		}
		nextSummaryID, err := taskid.RunIDToSummaryID(summary.DedupedFrom)
		if err != nil {
			return nil, err
		}
		summaryID = nextSummaryID
	}
	return nil, fmt.Errorf("%w: dedup chain from %s exceeds %d hops", scherr.ErrNotFound, summaryID, maxDedupChainDepth)
}

func sumCosts(costs []float64) float64 {
	var total float64
	for _, c := range costs {
		total += c
	}
	return total
}

func (s *Scheduler) linkChild(parentSummaryRequestID, childRequestID string) error {
	parentSummaryID := taskid.PackSummaryID(requestValueOf(parentSummaryRequestID))
	return resilienceUpdateSummary(s.results, parentSummaryID, func(p *model.ResultSummary) {
		p.ChildrenTaskIDs = append(p.ChildrenTaskIDs, childRequestID)
	})
}

// BotReapTask matches a pending TaskToRun against a polling bot's
// dimensions, atomically claims it, and materializes a RunResult at the
// TaskToRun's try_number (1 for a fresh task, 2 for a bot-died retry) —
// spec §4.5's bot_reap_task.
func (s *Scheduler) BotReapTask(ctx context.Context, cc CallerContext, botID string, botDimensions map[string][]string, now time.Time) (*model.RunResult, error) {
	sessionID := uuid.NewString()
	ctx, endSpan := telemetry.StartSpanWithAttrs(ctx, "bot_reap_task",
		attribute.String("bot_id", botID),
		attribute.String("bot_session_id", sessionID),
	)
	defer endSpan()

	candidate, ok, err := s.queue.Next(ctx, botID, botDimensions, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no matching task", scherr.ErrNotFound)
	}

	_, err = resilience.Retry(ctx, maxConflictRetries, 2*time.Millisecond, func() (struct{}, error) {
		return struct{}{}, s.queue.Claim(ctx, candidate.ID, candidate.QueueNumber, now)
	})
	if err != nil {
		s.metrics.ConflictRetries.Add(ctx, 1)
		return nil, fmt.Errorf("%w: claim failed: %v", scherr.ErrConflict, err)
	}

	runID, err := taskid.PackRunID(requestValueOf(candidate.ID), candidate.TryNumber)
	if err != nil {
		return nil, err
	}
	run := model.RunResult{
		ID:         runID,
		SummaryID:  taskid.PackSummaryID(requestValueOf(candidate.ID)),
		TryNumber:  candidate.TryNumber,
		State:      model.StateRunning,
		BotID:      botID,
		StartedTS:  now,
		LastPingTS: now,
	}
	if err := s.results.PutRun(run); err != nil {
		return nil, err
	}
	if err := resilienceUpdateSummary(s.results, run.SummaryID, func(sum *model.ResultSummary) {
		*sum = s.results.SetFromRunResult(*sum, run)
		sum.ModifiedTS = now
	}); err != nil {
		return nil, err
	}

	s.metrics.Reaped.Add(ctx, 1)
	s.emit(ctx, "reap", candidate.ID)
	return &run, nil
}

// BotUpdateTask applies a liveness ping and optional per-command output,
// exit codes, durations and completion update from the bot currently
// owning runID. Only the bot recorded as the run's owner may update it —
// spec §7's auth-mismatch case. commandIndex/outputOffset target a
// single command's output stream (spec §3/§4.4's per-command chunking).
// hardTimeout/ioTimeout report that the bot observed a command exceed
// execution_timeout_secs/io_timeout_secs and is force-finalizing the run
// as TIMED_OUT rather than waiting for a normal completed report — spec
// §4.4's RUNNING -> TIMED_OUT transition.
func (s *Scheduler) BotUpdateTask(ctx context.Context, cc CallerContext, botID, runID string, commandIndex int, output []byte, outputOffset int, exitCodes []int64, durations []float64, costUSD float64, completed, hardTimeout, ioTimeout bool, now time.Time) (*model.RunResult, error) {
	ctx, endSpan := telemetry.StartSpanWithAttrs(ctx, "bot_update_task",
		attribute.String("bot_id", botID),
		attribute.String("run_id", runID),
	)
	defer endSpan()

	run, err := s.results.GetRun(runID)
	if err != nil {
		return nil, err
	}
	if run.BotID != botID {
		return nil, fmt.Errorf("%w: bot %s does not own run %s", scherr.ErrAuthMismatch, botID, runID)
	}
	if run.State.IsFinal() {
		return nil, fmt.Errorf("%w: run %s already finalized", scherr.ErrInvalidState, runID)
	}

	run.LastPingTS = now
	run.CostUSD = costUSD
	if len(output) > 0 {
		limits := s.settings.Current()
		if err := s.results.AppendOutput(ctx, runID, commandIndex, outputOffset, output, limits.PutMaxContent()); err != nil {
			return nil, err
		}
	}
	switch {
	case hardTimeout || ioTimeout:
		run.State = model.StateTimedOut
		run.CompletedTS = now
		run.ExitCodes = exitCodes
		run.Durations = durations
		run.Failure = true
	case completed:
		run.State = model.StateCompleted
		run.CompletedTS = now
		run.ExitCodes = exitCodes
		run.Durations = durations
		run.Failure = anyNonZero(exitCodes)
	}
	if err := s.results.PutRun(*run); err != nil {
		return nil, err
	}
	if err := resilienceUpdateSummary(s.results, run.SummaryID, func(sum *model.ResultSummary) {
		*sum = s.results.SetFromRunResult(*sum, *run)
		sum.ModifiedTS = now
	}); err != nil {
		return nil, err
	}
	if completed || hardTimeout || ioTimeout {
		s.emit(ctx, "complete", run.SummaryID)
	}
	return run, nil
}

// anyNonZero reports whether any command's exit code was nonzero — the
// per-command failure signal spec §3/§8 rolls up into the run/summary's
// orthogonal Failure field.
func anyNonZero(exitCodes []int64) bool {
	for _, c := range exitCodes {
		if c != 0 {
			return true
		}
	}
	return false
}

// BotKillTask lets the bot currently owning runID self-report that it is
// dying — spec §6/§7's bot_kill_task, subject to the same bot-id
// ownership precondition as BotUpdateTask. The run finalizes BOT_DIED
// with internal_failure set, the same run state cron_handle_bot_died
// records via ping-timeout detection. Unlike that sweep, bot_kill_task
// never requeues a retry: the summary becomes terminal BOT_DIED.
func (s *Scheduler) BotKillTask(ctx context.Context, botID, runID string, now time.Time) error {
	run, err := s.results.GetRun(runID)
	if err != nil {
		return err
	}
	if run.BotID != botID {
		return fmt.Errorf("%w: bot %s does not own run %s", scherr.ErrAuthMismatch, botID, runID)
	}
	if run.State.IsFinal() {
		return nil
	}
	run.State = model.StateBotDied
	run.InternalFailure = true
	run.AbandonedTS = now
	if err := s.results.PutRun(*run); err != nil {
		return err
	}
	return resilienceUpdateSummary(s.results, run.SummaryID, func(sum *model.ResultSummary) {
		*sum = s.results.SetFromRunResult(*sum, *run)
		sum.ModifiedTS = now
	})
}

// CancelTask cancels a still-pending (not yet claimed) task, removing
// its TaskToRun row so no bot can reap it.
func (s *Scheduler) CancelTask(ctx context.Context, cc CallerContext, requestID string, queueNumber int64, now time.Time) error {
	summaryID := taskid.PackSummaryID(requestValueOf(requestID))
	summary, err := s.results.GetSummary(summaryID)
	if err != nil {
		return err
	}
	if summary.State != model.StatePending {
		return fmt.Errorf("%w: task %s is not pending", scherr.ErrInvalidState, requestID)
	}
	if err := s.queue.Remove(queueNumber); err != nil {
		return err
	}
	summary.State = model.StateCancelled
	summary.ModifiedTS = now
	summary.AbandonedTS = now
	if err := s.results.PutSummary(*summary); err != nil {
		return err
	}
	s.metrics.Cancelled.Add(ctx, 1)
	s.emit(ctx, "cancel", requestID)
	return nil
}

// CronAbortExpiredTaskToRun sweeps TaskToRun rows past their
// scheduling_expiration_secs deadline that no bot ever claimed, marking
// their ResultSummary expired.
func (s *Scheduler) CronAbortExpiredTaskToRun(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.queue.ExpireDue(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, t := range expired {
		summaryID := taskid.PackSummaryID(requestValueOf(t.ID))
		if err := resilienceUpdateSummary(s.results, summaryID, func(sum *model.ResultSummary) {
			sum.State = model.StateExpired
			sum.ModifiedTS = now
			sum.AbandonedTS = now
		}); err != nil {
			slog.Warn("failed to mark expired task summary", "task_id", t.ID, "error", err)
			continue
		}
		s.emit(ctx, "expire", t.ID)
	}
	s.metrics.Expired.Add(ctx, int64(len(expired)))
	return len(expired), nil
}

// CronHandleBotDied sweeps RunResults whose last ping exceeds
// bot_ping_tolerance_secs. A try_number 1 run that died is requeued once
// at try_number 2, with the dead run's bot id recorded on the new
// TaskToRun's ExcludedBotID so RunQueue.Next never hands the retry back
// to the bot that owned try 1; a try_number 2 run that died is terminal.
func (s *Scheduler) CronHandleBotDied(ctx context.Context, runIDs []string, now time.Time) (int, error) {
	handled := 0
	for _, runID := range runIDs {
		run, err := s.results.GetRun(runID)
		if err != nil {
			continue
		}
		if run.State.IsFinal() {
			continue
		}
		tolerance := s.settings.Current().BotPingToleranceSecs
		if now.Sub(run.LastPingTS) < time.Duration(tolerance)*time.Second {
			continue
		}

		run.State = model.StateBotDied
		run.InternalFailure = true
		run.AbandonedTS = now
		if err := s.results.PutRun(*run); err != nil {
			slog.Warn("failed to mark run bot-died", "run_id", runID, "error", err)
			continue
		}

		if run.TryNumber >= 2 {
			if err := resilienceUpdateSummary(s.results, run.SummaryID, func(sum *model.ResultSummary) {
				*sum = s.results.SetFromRunResult(*sum, *run)
				sum.ModifiedTS = now
			}); err != nil {
				slog.Warn("failed to finalize bot-died summary", "run_id", runID, "error", err)
			}
			s.metrics.BotDied.Add(ctx, 1)
			s.emit(ctx, "bot_died", run.SummaryID)
			handled++
			continue
		}

		summaryID, err := taskid.RunIDToSummaryID(runID)
		if err != nil {
			slog.Warn("failed to derive summary id for bot-died retry", "run_id", runID, "error", err)
			continue
		}
		requestID, err := taskid.SummaryIDToRequestID(summaryID)
		if err != nil {
			slog.Warn("failed to derive request id for bot-died retry", "run_id", runID, "error", err)
			continue
		}
		req, err := s.requests.Get(requestID)
		if err != nil {
			slog.Warn("failed to load request for bot-died retry", "request_id", requestID, "error", err)
			continue
		}
		toRun := model.TaskToRun{
			ID:            req.ID,
			QueueNumber:   runqueue.QueueNumber(req.Priority, now),
			Dimensions:    req.Properties.Dimensions,
			TryNumber:     2,
			ExcludedBotID: run.BotID,
			ExpirationTS:  req.ExpirationTS,
		}
		if err := s.queue.Push(ctx, toRun); err != nil {
			slog.Warn("failed to requeue bot-died task", "request_id", requestID, "error", err)
			continue
		}
		if err := resilienceUpdateSummary(s.results, run.SummaryID, func(sum *model.ResultSummary) {
			sum.State = model.StatePending
			sum.ModifiedTS = now
		}); err != nil {
			slog.Warn("failed to reset summary for bot-died retry", "run_id", runID, "error", err)
		}
		s.metrics.BotDied.Add(ctx, 1)
		s.emit(ctx, "bot_died", run.SummaryID)
		handled++
	}
	return handled, nil
}

// NextBackoff returns the number of seconds a polling bot should wait
// before its next poll, per spec §4.5's exponential_backoff.
func (s *Scheduler) NextBackoff(attempt int) float64 {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return ExponentialBackoff(attempt, s.settings.Current().ProbabilityOfQuickComeback, s.rng)
}

// requestValueOf extracts a request id string's underlying masked value,
// panicking only if passed a value this package itself produced
// incorrectly (an invariant violation, not a caller error).
func requestValueOf(requestID string) uint64 {
	v, err := taskid.UnpackRequestID(requestID)
	if err != nil {
		panic(fmt.Sprintf("scheduler: internally-produced request id %q failed to parse: %v", requestID, err))
	}
	return v
}

// resilienceUpdateSummary is a tiny read-modify-write helper: ResultSummary
// updates in this package never need bbolt-level transactional CAS
// because Tracker.PutSummary always replaces the row wholesale and bbolt
// serializes writers, so a simple get-then-put under the package's own
// call path is sufficient; this helper just keeps that pattern in one
// place.
func resilienceUpdateSummary(results *resulttracker.Tracker, id string, mutate func(*model.ResultSummary)) error {
	sum, err := results.GetSummary(id)
	if err != nil {
		return err
	}
	mutate(sum)
	return results.PutSummary(*sum)
}
