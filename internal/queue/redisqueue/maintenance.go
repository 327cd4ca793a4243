package redisqueue

import (
	"context"
	"errors"
	"time"

	"github.com/allyourbase/jobq/internal/queue"
	"github.com/redis/go-redis/v9"
)

// ReapStuck finds jobs that were popped from the waiting set but never marked
// active: their hash still says waiting and they are still in the waiting
// status set, yet absent from the claim set. The first scan records when each
// was seen; once a job has been seen for longer than StuckAfter it is flagged
// stuck. Stuck jobs are never put back in the claim set.
func (q *Queue) ReapStuck(ctx context.Context) (int, error) {
	client, err := q.conn("reapStuck")
	if err != nil {
		return 0, err
	}
	ids, err := client.SMembers(ctx, q.statusKey(queue.StatusWaiting)).Result()
	if err != nil {
		return 0, q.wrap("reapStuck", err)
	}
	now := q.now()
	flagged := 0
	for _, id := range ids {
		inClaimSet, err := q.inSortedSet(ctx, client, q.waitingKey(), id)
		if err != nil {
			return flagged, q.wrap("reapStuck", err)
		}
		if inClaimSet {
			client.ZRem(ctx, q.suspectKey(), id)
			continue
		}
		status, err := client.HGet(ctx, q.jobKey(id), queue.FieldStatus).Result()
		if errors.Is(err, redis.Nil) {
			// Expired bodies are Reconcile's concern.
			continue
		}
		if err != nil {
			return flagged, q.wrap("reapStuck", err)
		}
		if queue.Status(status) != queue.StatusWaiting {
			client.ZRem(ctx, q.suspectKey(), id)
			continue
		}

		firstSeen, err := client.ZScore(ctx, q.suspectKey(), id).Result()
		if errors.Is(err, redis.Nil) {
			client.ZAddNX(ctx, q.suspectKey(), redis.Z{Score: float64(now.UnixMilli()), Member: id})
			continue
		}
		if err != nil {
			return flagged, q.wrap("reapStuck", err)
		}
		if now.Sub(time.UnixMilli(int64(firstSeen))) < q.cfg.StuckAfter {
			continue
		}

		ts := now.UTC().Format(time.RFC3339Nano)
		_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, q.jobKey(id),
				queue.FieldStatus, string(queue.StatusStuck),
				queue.FieldUpdatedAt, ts)
			pipe.SMove(ctx, q.statusKey(queue.StatusWaiting), q.statusKey(queue.StatusStuck), id)
			pipe.ZRem(ctx, q.suspectKey(), id)
			return nil
		})
		if err != nil {
			return flagged, q.wrap("reapStuck", err)
		}
		flagged++
		q.logger.Warn("job flagged stuck", "job_id", id, "first_seen", time.UnixMilli(int64(firstSeen)))
	}
	return flagged, nil
}

func (q *Queue) inSortedSet(ctx context.Context, client *redis.Client, key, member string) (bool, error) {
	err := client.ZScore(ctx, key, member).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Reconcile drops index entries whose job hash has expired.
func (q *Queue) Reconcile(ctx context.Context) (int, error) {
	client, err := q.conn("reconcile")
	if err != nil {
		return 0, err
	}

	ids, err := q.indexedIDs(ctx, client)
	if err != nil {
		return 0, q.wrap("reconcile", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	exists := make([]*redis.IntCmd, len(ids))
	_, err = client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			exists[i] = pipe.Exists(ctx, q.jobKey(id))
		}
		return nil
	})
	if err != nil {
		return 0, q.wrap("reconcile", err)
	}
	var orphans []string
	for i, c := range exists {
		if c.Val() == 0 {
			orphans = append(orphans, ids[i])
		}
	}
	if len(orphans) == 0 {
		return 0, nil
	}
	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range orphans {
			q.unindex(ctx, pipe, id)
		}
		return nil
	})
	if err != nil {
		return 0, q.wrap("reconcile", err)
	}
	q.logger.Info("dropped orphaned index entries", "count", len(orphans))
	return len(orphans), nil
}

// indexedIDs returns every id referenced by a status set or sorted set.
func (q *Queue) indexedIDs(ctx context.Context, client *redis.Client) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	collect := func(members []string) {
		for _, id := range members {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	for _, st := range queue.AllStatuses {
		members, err := client.SMembers(ctx, q.statusKey(st)).Result()
		if err != nil {
			return nil, err
		}
		collect(members)
	}
	for _, key := range []string{q.waitingKey(), q.delayedKey(), q.suspectKey()} {
		members, err := client.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, err
		}
		collect(members)
	}
	return ids, nil
}
