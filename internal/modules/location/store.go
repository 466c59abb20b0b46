// README: Agent position store backed by Redis (live record + GEO index) and Postgres snapshots.
package location

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"courier/internal/types"
)

const (
	geoKey    = "geo:agents"
	recordTTL = 24 * time.Hour
)

// putScript writes the live record only when the new capture time is not
// older than the stored one. Returns 1 when written.
var putScript = redis.NewScript(`
local prev = redis.call('HGET', KEYS[1], 'captured_at')
if prev and tonumber(prev) > tonumber(ARGV[3]) then
  return 0
end
redis.call('HSET', KEYS[1], 'lat', ARGV[1], 'lng', ARGV[2], 'captured_at', ARGV[3], 'received_at', ARGV[4], 'accuracy_m', ARGV[5])
redis.call('EXPIRE', KEYS[1], ARGV[6])
redis.call('GEOADD', KEYS[2], ARGV[2], ARGV[1], ARGV[7])
return 1
`)

// liveScript returns the capture time of each member whose live record still
// exists and drops the others from the GEO index. KEYS[1] is the index,
// KEYS[i+1] the record of ARGV[i].
var liveScript = redis.NewScript(`
local out = {}
for i, member in ipairs(ARGV) do
  local at = redis.call('HGET', KEYS[i + 1], 'captured_at')
  if at then
    out[i] = at
  else
    redis.call('ZREM', KEYS[1], member)
    out[i] = ''
  end
end
return out
`)

type Store struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

// NewStore builds a store. db may be nil, in which case snapshots are not kept.
func NewStore(db *pgxpool.Pool, redis *redis.Client) *Store {
	return &Store{db: db, redis: redis}
}

func positionKey(id types.ID) string {
	return "agent:pos:" + string(id)
}

func (s *Store) Put(ctx context.Context, p AgentPosition) (bool, error) {
	res, err := putScript.Run(ctx, s.redis, []string{positionKey(p.AgentID), geoKey},
		strconv.FormatFloat(p.Position.Lat, 'f', -1, 64),
		strconv.FormatFloat(p.Position.Lng, 'f', -1, 64),
		p.CapturedAt.UnixMilli(),
		p.ReceivedAt.UnixMilli(),
		strconv.FormatFloat(p.AccuracyM, 'f', -1, 64),
		int(recordTTL.Seconds()),
		string(p.AgentID),
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (s *Store) Get(ctx context.Context, id types.ID) (AgentPosition, error) {
	vals, err := s.redis.HGetAll(ctx, positionKey(id)).Result()
	if err != nil {
		return AgentPosition{}, err
	}
	if len(vals) == 0 {
		return AgentPosition{}, ErrNotFound
	}
	p := AgentPosition{AgentID: id}
	if p.Position.Lat, err = strconv.ParseFloat(vals["lat"], 64); err != nil {
		return AgentPosition{}, err
	}
	if p.Position.Lng, err = strconv.ParseFloat(vals["lng"], 64); err != nil {
		return AgentPosition{}, err
	}
	p.AccuracyM, _ = strconv.ParseFloat(vals["accuracy_m"], 64)
	p.CapturedAt = parseMillis(vals["captured_at"])
	p.ReceivedAt = parseMillis(vals["received_at"])
	return p, nil
}

// Nearby returns agents within radiusKm of center, closest first.
func (s *Store) Nearby(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]Nearby, error) {
	locs, err := s.redis.GeoSearchLocation(ctx, geoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(locs) == 0 {
		return nil, nil
	}

	// Index members outlive their records; an agent with no record is offline.
	keys := make([]string, 0, len(locs)+1)
	members := make([]any, 0, len(locs))
	keys = append(keys, geoKey)
	for _, l := range locs {
		keys = append(keys, positionKey(types.ID(l.Name)))
		members = append(members, l.Name)
	}
	captured, err := liveScript.Run(ctx, s.redis, keys, members...).StringSlice()
	if err != nil {
		return nil, err
	}

	out := make([]Nearby, 0, len(locs))
	for i, l := range locs {
		if i >= len(captured) || captured[i] == "" {
			continue
		}
		out = append(out, Nearby{
			AgentID:    types.ID(l.Name),
			Position:   types.Point{Lat: l.Latitude, Lng: l.Longitude},
			DistanceKm: l.Dist,
			CapturedAt: parseMillis(captured[i]),
		})
	}
	return out, nil
}

// Remove drops an agent from the live set (for example when a shift ends).
func (s *Store) Remove(ctx context.Context, id types.ID) error {
	pipe := s.redis.TxPipeline()
	pipe.Del(ctx, positionKey(id))
	pipe.ZRem(ctx, geoKey, string(id))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) AppendSnapshot(ctx context.Context, p AgentPosition) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO agent_position_snapshots (agent_id, lat, lng, accuracy_m, captured_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(p.AgentID), p.Position.Lat, p.Position.Lng, p.AccuracyM, p.CapturedAt, p.ReceivedAt,
	)
	return err
}

// Trail returns the snapshots of an agent captured at or after since.
func (s *Store) Trail(ctx context.Context, id types.ID, since time.Time, limit int) ([]AgentPosition, error) {
	if s.db == nil {
		return nil, errors.New("snapshot store not configured")
	}
	rows, err := s.db.Query(ctx, `
		SELECT lat, lng, accuracy_m, captured_at, received_at
		FROM agent_position_snapshots
		WHERE agent_id = $1 AND captured_at >= $2
		ORDER BY captured_at
		LIMIT $3`, string(id), since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AgentPosition
	for rows.Next() {
		p := AgentPosition{AgentID: id}
		if err := rows.Scan(&p.Position.Lat, &p.Position.Lng, &p.AccuracyM, &p.CapturedAt, &p.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
