// Package queue keeps a Redis-backed discovery feed of open jobs for out-of-process agents.
package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"job-orchestrator/internal/bus"
	"job-orchestrator/internal/config"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/telemetry"
)

// Feed mirrors open postings into per-skill ready lists. Leasing a job id hides it from other
// agents until the visibility timeout lapses; the orchestrator still decides who wins the claim.
type Feed struct {
	client        *redis.Client
	inflightKey   string
	metaPrefix    string
	visibilityTTL time.Duration
	log           logrus.FieldLogger
}

// NewRedisClient builds a client from config.
func NewRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// NewFeed wraps client. A zero visibility uses 30s.
func NewFeed(client *redis.Client, visibility time.Duration, log logrus.FieldLogger) *Feed {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Feed{
		client:        client,
		inflightKey:   "feed:inflight",
		metaPrefix:    "feed:meta:",
		visibilityTTL: visibility,
		log:           log.WithField("component", "feed"),
	}
}

func (f *Feed) readyKey(skill string) string {
	if skill == "" {
		skill = models.DefaultSkill
	}
	return fmt.Sprintf("feed:ready:%s", skill)
}

func (f *Feed) metaKey(jobID string) string {
	return f.metaPrefix + jobID
}

// Publish makes jobID discoverable under skill.
func (f *Feed) Publish(ctx context.Context, jobID, skill string) error {
	if skill == "" {
		skill = models.DefaultSkill
	}
	pipe := f.client.TxPipeline()
	pipe.SAdd(ctx, f.metaKey(jobID)+":skills", skill)
	pipe.LRem(ctx, f.readyKey(skill), 0, jobID)
	pipe.RPush(ctx, f.readyKey(skill), jobID)
	_, err := pipe.Exec(ctx)
	return err
}

// Lease pops the oldest job for skill and tracks it as in flight. It returns "" when the list is empty.
func (f *Feed) Lease(ctx context.Context, skill string) (string, error) {
	if skill == "" {
		skill = models.DefaultSkill
	}
	keys := []string{f.readyKey(skill), f.inflightKey}
	res, err := leaseScript.Run(ctx, f.client, keys, time.Now().Add(f.visibilityTTL).UnixMilli(), f.metaPrefix, skill).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from lease script: %T", res)
	}
	return jobID, nil
}

// Remove withdraws jobID from every skill list and from in-flight tracking.
func (f *Feed) Remove(ctx context.Context, jobID string) error {
	skills, err := f.client.SMembers(ctx, f.metaKey(jobID)+":skills").Result()
	if err != nil && err != redis.Nil {
		return err
	}
	pipe := f.client.TxPipeline()
	for _, s := range skills {
		pipe.LRem(ctx, f.readyKey(s), 0, jobID)
	}
	pipe.ZRem(ctx, f.inflightKey, jobID)
	pipe.Del(ctx, f.metaKey(jobID), f.metaKey(jobID)+":skills")
	_, err = pipe.Exec(ctx)
	return err
}

// RequeueExpired returns timed-out leases to the list they were leased from.
func (f *Feed) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := f.client.ZRangeByScore(ctx, f.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := f.client.TxPipeline()
	for _, id := range ids {
		skill, err := f.client.HGet(ctx, f.metaKey(id), "leased_from").Result()
		if err != nil || skill == "" {
			skill = models.DefaultSkill
		}
		pipe.ZRem(ctx, f.inflightKey, id)
		pipe.RPush(ctx, f.readyKey(skill), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// ReadyDepth returns the length of the skill's ready list.
func (f *Feed) ReadyDepth(ctx context.Context, skill string) (int64, error) {
	return f.client.LLen(ctx, f.readyKey(skill)).Result()
}

// Run follows the bus until ctx ends: postings are published, and jobs that were assigned,
// settled or cancelled are withdrawn. Expired leases are requeued every sweep interval.
func (f *Feed) Run(ctx context.Context, b *bus.Bus, sweep time.Duration) error {
	sub := b.Subscribe(bus.Wildcard, bus.DefaultBuffer)
	defer sub.Close()
	if sweep <= 0 {
		sweep = f.visibilityTTL / 2
	}
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()

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

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if ids, err := f.RequeueExpired(ctx, time.Now(), 100); err != nil {
				f.log.WithError(err).Warn("requeue expired leases")
			} else if len(ids) > 0 {
				f.log.WithField("jobs", len(ids)).Info("requeued expired leases")
			}
		case msg, ok := <-msgs:
			if !ok {
				return ctx.Err()
			}
			if err := f.apply(ctx, msg); err != nil {
				f.log.WithFields(logrus.Fields{"topic": msg.Topic}).WithError(err).Warn("feed update failed")
			}
			f.reportDepth(ctx, msg)
		}
	}
}

func (f *Feed) apply(ctx context.Context, msg bus.Message) error {
	switch {
	case strings.HasPrefix(msg.Topic, models.TopicJobsPrefix):
		posted, ok := msg.Payload.(models.JobPosted)
		if !ok {
			return nil
		}
		return f.Publish(ctx, posted.JobID, strings.TrimPrefix(msg.Topic, models.TopicJobsPrefix))
	case msg.Topic == models.TopicJobAssigned, msg.Topic == models.TopicJobSettled, msg.Topic == models.TopicJobCancelled:
		ev, ok := msg.Payload.(models.JobEvent)
		if !ok {
			return nil
		}
		return f.Remove(ctx, ev.JobID)
	}
	return nil
}

func (f *Feed) reportDepth(ctx context.Context, msg bus.Message) {
	if !strings.HasPrefix(msg.Topic, models.TopicJobsPrefix) {
		return
	}
	skill := strings.TrimPrefix(msg.Topic, models.TopicJobsPrefix)
	if n, err := f.ReadyDepth(ctx, skill); err == nil {
		telemetry.FeedDepth.WithLabelValues(skill).Set(float64(n))
	}
}

var leaseScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if not job then
  return nil
end
redis.call('ZADD', KEYS[2], ARGV[1], job)
redis.call('HSET', ARGV[2] .. job, 'leased_from', ARGV[3])
return job
`)
