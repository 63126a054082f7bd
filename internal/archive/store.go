package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const ttlMatch = 30 * 24 * time.Hour

// MatchRecord is the archived summary of one finished match.
type MatchRecord struct {
	RoomCode    string    `json:"room_code"`
	RedID       string    `json:"red_id"`
	RedName     string    `json:"red_name"`
	YellowID    string    `json:"yellow_id"`
	YellowName  string    `json:"yellow_name"`
	RedScore    int       `json:"red_score"`
	YellowScore int       `json:"yellow_score"`
	EndCount    int       `json:"end_count"`
	TotalEnds   int       `json:"total_ends"`
	FinishedAt  time.Time `json:"finished_at"`
}

// Store keeps finished-match records in Redis: one JSON value per match
// plus a per-user index set, everything under the same TTL.
type Store struct {
	rdb *redis.Client
}

func NewStore(redisURL string) (*Store, error) {
	if strings.TrimSpace(redisURL) == "" {
		return nil, fmt.Errorf("REDIS_URL required for match archive")
	}
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

// SaveMatch writes one record and indexes it for both players.
func (s *Store) SaveMatch(ctx context.Context, rec MatchRecord) error {
	if s == nil || s.rdb == nil {
		return nil
	}
	id := matchID(rec)
	raw, err := json.Marshal(&rec)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, matchKey(id), raw, ttlMatch).Err(); err != nil {
		return err
	}
	for _, user := range []string{rec.RedID, rec.YellowID} {
		if strings.TrimSpace(user) == "" {
			continue
		}
		key := idxUserKey(user)
		if err := s.rdb.SAdd(ctx, key, id).Err(); err != nil {
			return err
		}
		_ = s.rdb.Expire(ctx, key, ttlMatch).Err()
	}
	return nil
}

// MatchesByUser loads every archived record a user took part in, newest
// first.
func (s *Store) MatchesByUser(ctx context.Context, userID string) ([]*MatchRecord, error) {
	if s == nil || s.rdb == nil {
		return nil, nil
	}
	ids, err := s.rdb.SMembers(ctx, idxUserKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	var out []*MatchRecord
	for _, id := range ids {
		raw, err := s.rdb.Get(ctx, matchKey(id)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var rec MatchRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, err
		}
		out = append(out, &rec)
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].FinishedAt.After(out[i].FinishedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func matchID(rec MatchRecord) string {
	return fmt.Sprintf("%s-%d", strings.ToUpper(rec.RoomCode), rec.FinishedAt.UnixNano())
}

func matchKey(id string) string       { return "match:" + id }
func idxUserKey(userID string) string { return "match:index:user:" + strings.TrimSpace(userID) }

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
