package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"progression-engine/internal/domain"
	"progression-engine/internal/rank"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisStore keeps player documents in hashes and guards commits with
// WATCH/MULTI. Receipts expire after the retention horizon instead of being
// pruned, except durable ones, which never expire.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
	logger    zerolog.Logger
}

func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func NewRedisStore(client *redis.Client, retention time.Duration, logger zerolog.Logger) *RedisStore {
	return &RedisStore{client: client, retention: retention, logger: logger}
}

func docKey(playerID string) string            { return "player:{" + playerID + "}" }
func receiptKey(playerID, token string) string { return "receipt:{" + playerID + "}:" + token }
func violationsKey(playerID string) string     { return "violations:{" + playerID + "}" }
func claimKey(key string) string               { return "claim:" + key }
func leaderboardKey(seasonID string) string    { return "leaderboard:" + seasonID }
func standingsKey(seasonID string) string      { return "standings:" + seasonID }

func (s *RedisStore) Load(ctx context.Context, playerID string) (Snapshot, error) {
	vals, err := s.client.HMGet(ctx, docKey(playerID), "version", "state").Result()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load player document: %w", err)
	}
	version, err := parseVersion(vals[0])
	if err != nil {
		return Snapshot{}, err
	}
	if version == 0 {
		return Snapshot{}, nil
	}
	state, _ := vals[1].(string)
	return Snapshot{Version: version, State: []byte(state)}, nil
}

func parseVersion(v any) (int64, error) {
	str, ok := v.(string)
	if !ok || str == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid document version %q: %w", str, err)
	}
	return n, nil
}

func (s *RedisStore) Receipt(ctx context.Context, playerID, token string) (Receipt, bool, error) {
	fields, err := s.client.HGetAll(ctx, receiptKey(playerID, token)).Result()
	if err != nil {
		return Receipt{}, false, fmt.Errorf("failed to read receipt: %w", err)
	}
	if len(fields) == 0 {
		return Receipt{}, false, nil
	}
	createdAt, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	return Receipt{
		Token:       token,
		Fingerprint: fields["fingerprint"],
		Result:      []byte(fields["result"]),
		CreatedAt:   fromUnixNano(createdAt),
	}, true, nil
}

func (s *RedisStore) Commit(ctx context.Context, c Commit) error {
	dk := docKey(c.PlayerID)
	rk := receiptKey(c.PlayerID, c.Receipt.Token)

	violations := make([]any, 0, len(c.Violations))
	for _, v := range c.Violations {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to encode violation: %w", err)
		}
		violations = append(violations, b)
	}

	watched := []string{dk, rk}
	for _, key := range c.Claims {
		watched = append(watched, claimKey(key))
	}

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, dk, "version").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read document version: %w", err)
		}
		version, err := parseVersion(cur)
		if err != nil {
			return err
		}
		if version != c.Version {
			return ErrVersionConflict
		}
		exists, err := tx.Exists(ctx, rk).Result()
		if err != nil {
			return fmt.Errorf("failed to check receipt: %w", err)
		}
		if exists > 0 {
			return ErrVersionConflict
		}
		for _, key := range c.Claims {
			holder, err := tx.Get(ctx, claimKey(key)).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to read claim: %w", err)
			}
			if holder != c.PlayerID {
				return ErrVersionConflict
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, dk, "version", c.Version+1, "state", c.State)
			pipe.HSet(ctx, rk,
				"fingerprint", c.Receipt.Fingerprint,
				"result", c.Receipt.Result,
				"created_at", c.Receipt.CreatedAt.UnixNano())
			if s.retention > 0 && !c.Receipt.Durable {
				pipe.Expire(ctx, rk, s.retention)
			}
			for _, key := range c.Claims {
				pipe.Set(ctx, claimKey(key), c.PlayerID, 0)
			}
			if len(violations) > 0 {
				pipe.RPush(ctx, violationsKey(c.PlayerID), violations...)
			}
			for _, rec := range c.Standings {
				b, err := json.Marshal(rec)
				if err != nil {
					return fmt.Errorf("failed to encode standing: %w", err)
				}
				pipe.HSet(ctx, standingsKey(rec.SeasonID), rec.PlayerID, b)
				pipe.ZAdd(ctx, leaderboardKey(rec.SeasonID), redis.Z{
					Score:  leaderboardScore(rec),
					Member: rec.PlayerID,
				})
			}
			return nil
		})
		return err
	}, watched...)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	return err
}

func (s *RedisStore) ClaimHolder(ctx context.Context, key string) (string, bool, error) {
	holder, err := s.client.Get(ctx, claimKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read claim: %w", err)
	}
	return holder, true, nil
}

// leaderboardScore packs points and an inverted match time into one float
// so that a reverse range puts earlier matches first within equal points.
// Sub-second order is restored by re-sorting the fetched records, and
// Standings widens its fetch over ties at the cut.
func leaderboardScore(rec domain.PlayerRankRecord) float64 {
	const span = 1e10
	ts := rec.LastMatchAt.Unix()
	if rec.LastMatchAt.IsZero() || ts < 0 {
		ts = 0
	}
	if ts >= span {
		ts = span - 1
	}
	return float64(rec.Points)*span + float64(span-1-ts)
}

func (s *RedisStore) Standings(ctx context.Context, seasonID string, limit int) ([]domain.PlayerRankRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	key := leaderboardKey(seasonID)
	top, err := s.client.ZRevRangeWithScores(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read leaderboard: %w", err)
	}
	if len(top) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(top))
	seen := make(map[string]bool, len(top))
	for _, z := range top {
		id, _ := z.Member.(string)
		ids = append(ids, id)
		seen[id] = true
	}
	// The score only resolves whole seconds, so members sharing the last
	// score may still sort ahead of it on sub-second time or player id.
	if len(top) == limit {
		edge := strconv.FormatFloat(top[len(top)-1].Score, 'g', -1, 64)
		tied, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: edge, Max: edge}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read leaderboard ties: %w", err)
		}
		for _, id := range tied {
			if !seen[id] {
				ids = append(ids, id)
				seen[id] = true
			}
		}
	}

	raw, err := s.client.HMGet(ctx, standingsKey(seasonID), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read standings: %w", err)
	}

	out := make([]domain.PlayerRankRecord, 0, len(raw))
	for i, v := range raw {
		str, ok := v.(string)
		if !ok {
			s.logger.Warn().Str("season_id", seasonID).Str("player_id", ids[i]).Msg("leaderboard member without standing")
			continue
		}
		var rec domain.PlayerRankRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode standing: %w", err)
		}
		out = append(out, rec)
	}
	rank.SortLeaderboard(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *RedisStore) InactiveStandings(ctx context.Context, seasonID string, cutoff time.Time) ([]domain.PlayerRankRecord, error) {
	all, err := s.client.HGetAll(ctx, standingsKey(seasonID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read standings: %w", err)
	}
	var out []domain.PlayerRankRecord
	for _, str := range all {
		var rec domain.PlayerRankRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode standing: %w", err)
		}
		if rec.Points > 0 && rec.LastMatchAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	rank.SortLeaderboard(out)
	return out, nil
}

func (s *RedisStore) Violations(ctx context.Context, playerID string, limit int) ([]domain.Violation, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := s.client.LRange(ctx, violationsKey(playerID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read violations: %w", err)
	}
	out := make([]domain.Violation, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var v domain.Violation
		if err := json.Unmarshal([]byte(raw[i]), &v); err != nil {
			return nil, fmt.Errorf("failed to decode violation: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}

// PruneReceipts is a no-op; receipts carry a TTL.
func (s *RedisStore) PruneReceipts(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
