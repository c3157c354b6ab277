package store

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"job-orchestrator/internal/bus"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/telemetry"
)

// Writer is the persistence the sink feeds. *Store implements it.
type Writer interface {
	AppendAudit(ctx context.Context, row models.AuditLog) error
	ArchiveJob(ctx context.Context, job models.Job) error
}

// JobLookup resolves the current state of a job for archiving.
type JobLookup func(id string) (models.Job, error)

// Sink turns bus traffic into audit rows and archives settled or cancelled jobs.
// Publishers never block on it: when the buffer is full the message is dropped and counted.
type Sink struct {
	w       Writer
	lookup  JobLookup
	log     logrus.FieldLogger
	queue   chan bus.Message
	dropped atomic.Uint64
}

func NewSink(w Writer, lookup JobLookup, buffer int, log logrus.FieldLogger) *Sink {
	if buffer <= 0 {
		buffer = bus.DefaultBuffer
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Sink{w: w, lookup: lookup, log: log.WithField("component", "audit"), queue: make(chan bus.Message, buffer)}
}

// Listener is registered with bus.AddListener.
func (s *Sink) Listener() bus.Listener {
	return func(msg bus.Message) {
		select {
		case s.queue <- msg:
		default:
			s.dropped.Add(1)
			telemetry.AuditDropped.Inc()
		}
	}
}

// Dropped reports how many messages were shed.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Run writes queued messages until ctx ends.
func (s *Sink) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-s.queue:
			s.write(ctx, msg)
		}
	}
}

func (s *Sink) write(ctx context.Context, msg bus.Message) {
	detail, err := json.Marshal(msg.Payload)
	if err != nil {
		detail = nil
	}
	row := models.AuditLog{
		JobID:     jobIDOf(msg.Payload),
		Event:     msg.Topic,
		Publisher: msg.Publisher,
		Detail:    string(detail),
		Recorded:  msg.PublishedAt,
	}
	if err := s.w.AppendAudit(ctx, row); err != nil {
		s.log.WithFields(logrus.Fields{"topic": msg.Topic, "job_id": row.JobID}).WithError(err).Warn("audit write failed")
	}

	if msg.Topic != models.TopicJobSettled && msg.Topic != models.TopicJobCancelled {
		return
	}
	if s.lookup == nil || row.JobID == "" {
		return
	}
	job, err := s.lookup(row.JobID)
	if err != nil {
		s.log.WithField("job_id", row.JobID).WithError(err).Debug("job gone before archive")
		return
	}
	if err := s.w.ArchiveJob(ctx, job); err != nil {
		s.log.WithField("job_id", row.JobID).WithError(err).Warn("archive failed")
	}
}

func jobIDOf(payload any) string {
	switch p := payload.(type) {
	case models.JobPosted:
		return p.JobID
	case models.JobEvent:
		return p.JobID
	case models.ClaimRequest:
		return p.JobID
	case models.ClaimDecision:
		return p.JobID
	case models.ResultSubmission:
		return p.JobID
	case models.CommitRequest:
		return p.JobID
	case models.CommitSubmission:
		return p.JobID
	case models.RevealRequest:
		return p.JobID
	case models.RevealSubmission:
		return p.JobID
	}
	return ""
}
