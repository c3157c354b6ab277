package agents

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"job-orchestrator/internal/bus"
	"job-orchestrator/internal/models"
)

// WorkFunc produces a result for a job the worker won.
type WorkFunc func(ctx context.Context, job models.JobPosted) (models.Result, error)

// Worker claims postings that match its skills and submits whatever Work returns.
type Worker struct {
	Client         *BusClient
	Skills         []string
	Work           WorkFunc
	HeartbeatEvery time.Duration
	Log            logrus.FieldLogger
}

// Run subscribes to every posting topic and works until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	log := w.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("agent", w.Client.Name())
	sub := w.Client.bus.Subscribe(models.TopicJobsPrefix+bus.Wildcard, bus.DefaultBuffer)
	defer sub.Close()

	var beat <-chan time.Time
	if w.HeartbeatEvery > 0 {
		t := time.NewTicker(w.HeartbeatEvery)
		defer t.Stop()
		beat = t.C
	}

	msgs := make(chan bus.Message)
	go func() {
		defer close(msgs)
		for {
			msg, err := sub.Next(ctx)
			if err != nil {
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-beat:
			w.Client.Heartbeat()
		case msg, ok := <-msgs:
			if !ok {
				return ctx.Err()
			}
			posted, isPosting := msg.Payload.(models.JobPosted)
			if !isPosting || seen[posted.JobID] || !w.matches(posted.Skills) {
				continue
			}
			seen[posted.JobID] = true
			if err := w.handle(ctx, posted); err != nil && !errors.Is(err, context.Canceled) {
				log.WithField("job_id", posted.JobID).WithError(err).Debug("job not completed")
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, posted models.JobPosted) error {
	if err := w.Client.ClaimJob(ctx, posted.JobID); err != nil {
		return err
	}
	work := w.Work
	if work == nil {
		work = EchoWork
	}
	result, err := work(ctx, posted)
	if err != nil {
		return err
	}
	return w.Client.SubmitResult(ctx, posted.JobID, result)
}

func (w *Worker) matches(skills []string) bool {
	if len(w.Skills) == 0 {
		return true
	}
	for _, have := range w.Skills {
		for _, want := range skills {
			if have == want {
				return true
			}
		}
	}
	return false
}

// EchoWork returns the job title as output and uses no resources.
func EchoWork(_ context.Context, job models.JobPosted) (models.Result, error) {
	return models.Result{Output: job.Title}, nil
}

// JudgeFunc decides a validator's verdict from the commit request.
type JudgeFunc func(req models.CommitRequest) bool

// ValidatorRunner answers commit and reveal requests addressed to it.
type ValidatorRunner struct {
	Validator *BusValidator
	Judge     JudgeFunc
	Log       logrus.FieldLogger
}

// Run handles validation requests until ctx ends.
func (r *ValidatorRunner) Run(ctx context.Context) error {
	log := r.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	name := r.Validator.Name()
	log = log.WithField("validator", name)
	sub := r.Validator.bus.Subscribe("validation:"+bus.Wildcard, bus.DefaultBuffer)
	defer sub.Close()

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		switch req := msg.Payload.(type) {
		case models.CommitRequest:
			if !contains(req.Validators, name) {
				continue
			}
			verdict := true
			if r.Judge != nil {
				verdict = r.Judge(req)
			}
			r.Validator.Decide(req.JobID, verdict, req.Salts[name])
			if err := r.Validator.Commit(ctx, req.JobID); err != nil {
				log.WithField("job_id", req.JobID).WithError(err).Warn("commit failed")
			}
		case models.RevealRequest:
			if !contains(req.Validators, name) {
				continue
			}
			verdict, ok := r.Validator.decided(req.JobID)
			if !ok {
				continue
			}
			if err := r.Validator.Reveal(ctx, req.JobID, verdict); err != nil {
				log.WithField("job_id", req.JobID).WithError(err).Warn("reveal failed")
			}
		}
	}
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
