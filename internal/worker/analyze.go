package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/jobpipe/internal/events"
	"github.com/kalambet/jobpipe/internal/fault"
	"github.com/kalambet/jobpipe/internal/jobsource"
	"github.com/kalambet/jobpipe/internal/metrics"
	"github.com/kalambet/jobpipe/internal/orchestrator"
	"github.com/kalambet/jobpipe/internal/scoring"
	"github.com/kalambet/jobpipe/internal/storage"
)

const (
	CodeInvalidJobSource = "invalid_job_source"
	CodeResumeMissing    = "resume_missing"
)

// Scorer rates a resume against a job description.
type Scorer interface {
	Score(ctx context.Context, resume, job string) (scoring.Result, error)
}

// JobFetcher resolves a job URL into description text.
type JobFetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// AnalysisStore is the part of the entity store the analyze worker uses.
type AnalysisStore interface {
	GetAnalysis(ctx context.Context, id string) (storage.JobAnalysis, error)
	GetResume(ctx context.Context, id string) (storage.Resume, error)
	TransitionAnalysis(ctx context.Context, id string, expect storage.AnalysisExpect, mutate func(*storage.JobAnalysis)) (storage.JobAnalysis, error)
}

// AnalyzeWorker handles analyze_job.requested.
type AnalyzeWorker struct {
	runner
	store   AnalysisStore
	fetcher JobFetcher
	scorer  Scorer
}

func NewAnalyzeWorker(store AnalysisStore, f JobFetcher, s Scorer, c Completer, cfg Config, logger *slog.Logger, m *metrics.Metrics) *AnalyzeWorker {
	return &AnalyzeWorker{
		runner:  newRunner(orchestrator.StageAnalyzeJob, cfg, c, logger, m),
		store:   store,
		fetcher: f,
		scorer:  s,
	}
}

func (w *AnalyzeWorker) Event() string { return events.AnalyzeJobRequested }

func (w *AnalyzeWorker) Handle(ctx context.Context, ev events.Event) error {
	a, err := w.store.GetAnalysis(ctx, ev.EntityID)
	if err != nil {
		return w.skip(ev, err)
	}
	if !w.claimable(ev, string(a.Status), string(storage.AnalysisQueued), a.UpdatedAt) {
		w.discard(ev, "ineligible")
		return nil
	}

	claimed, err := w.store.TransitionAnalysis(ctx, a.ID,
		storage.AnalysisExpect{Status: a.Status, Version: a.Version},
		func(next *storage.JobAnalysis) {
			next.Status = storage.AnalysisProcessing
			next.StartedAt = w.now()
		})
	if err != nil {
		return w.skip(ev, err)
	}
	w.logger.Info("analysis claimed", "entity_id", a.ID, "source", a.JobSourceType, "recover", ev.Recover)

	undo := func(ctx context.Context) error {
		_, err := w.store.TransitionAnalysis(ctx, a.ID,
			storage.AnalysisExpect{Status: storage.AnalysisProcessing, Version: claimed.Version},
			func(next *storage.JobAnalysis) {
				next.Status = storage.AnalysisQueued
				next.StartedAt = time.Time{}
			})
		return err
	}

	var res scoring.Result
	perr := w.call(ctx, func(ctx context.Context) error {
		var err error
		res, err = w.analyze(ctx, claimed)
		return err
	})
	if cause := unsettled(ctx, perr); cause != nil {
		return w.release(ctx, ev, cause, undo)
	}

	_, err = w.store.TransitionAnalysis(ctx, a.ID,
		storage.AnalysisExpect{Status: storage.AnalysisProcessing, Version: claimed.Version},
		func(next *storage.JobAnalysis) {
			next.CompletedAt = w.now()
			if perr != nil {
				code, msg := failureOf(perr)
				next.Status = storage.AnalysisFailed
				next.Outcome = storage.Failure{Code: code, Message: msg}
				return
			}
			next.Status = storage.AnalysisCompleted
			next.Outcome = storage.AnalysisResult{Score: res.Score, Data: res.Data}
		})
	if err != nil {
		if fault.KindOf(err) == fault.Transient {
			return w.release(ctx, ev, err, undo)
		}
		return w.skip(ev, err)
	}

	if perr != nil {
		w.logger.Warn("analysis failed", "entity_id", a.ID, "code", fault.CodeOf(perr), "error", perr)
	} else {
		w.logger.Info("analysis completed", "entity_id", a.ID, "score", res.Score, "provider", res.Provider, "model", res.Model)
	}
	return w.completed(ctx, orchestrator.Completion{EntityID: a.ID, Outcome: outcomeOf(perr)})
}

func (w *AnalyzeWorker) analyze(ctx context.Context, a storage.JobAnalysis) (scoring.Result, error) {
	if !a.SourceValid() {
		return scoring.Result{}, fault.New(fault.Provider, CodeInvalidJobSource, "analysis must have exactly one of job URL or job description")
	}

	resume, err := w.store.GetResume(ctx, a.ResumeID)
	if fault.KindOf(err) == fault.NotFound {
		return scoring.Result{}, fault.Wrap(fault.Provider, CodeResumeMissing, err)
	}
	if err != nil {
		return scoring.Result{}, err
	}

	job := a.JobDescription
	if a.JobSourceType == storage.JobSourceURL {
		if _, err := jobsource.ValidateURL(a.JobURL); err != nil {
			return scoring.Result{}, fault.Wrap(fault.Provider, fault.CodeOf(err), err)
		}
		job, err = w.fetcher.Fetch(ctx, a.JobURL)
		if err != nil {
			return scoring.Result{}, err
		}
	}
	return w.scorer.Score(ctx, resume.Text, job)
}
