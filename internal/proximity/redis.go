package proximity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/homeserve/internal/dispatch/domain"
)

const (
	defaultGeoKey     = "providers:geo"
	defaultMetaPrefix = "provider:"
)

var errInvalidGeoResult = errors.New("invalid geo search result")

// updatePositionLua moves a provider only if the sample is not older than the
// stored one. A provider seen for the first time starts offline.
const updatePositionLua = `
local meta = KEYS[1]
local geo = KEYS[2]
local ts = tonumber(ARGV[1])
local current = tonumber(redis.call('HGET', meta, 'updated_at'))
if current ~= nil and ts < current then
  return 0
end
redis.call('HSET', meta, 'lat', ARGV[3], 'lng', ARGV[2], 'updated_at', ARGV[1])
if redis.call('HEXISTS', meta, 'availability') == 0 then
  redis.call('HSET', meta, 'availability', 'offline')
end
redis.call('GEOADD', geo, ARGV[2], ARGV[3], ARGV[4])
return 1
`

// casAvailabilityLua returns -1 for an unknown provider, 0 when the current
// availability is not ARGV[1] and 1 after the swap.
const casAvailabilityLua = `
local meta = KEYS[1]
if redis.call('EXISTS', meta) == 0 then
  return -1
end
if redis.call('HGET', meta, 'availability') ~= ARGV[1] then
  return 0
end
redis.call('HSET', meta, 'availability', ARGV[2])
return 1
`

// setProfileLua writes availability and, when ARGV[2] is "1", categories.
// Position fields are left to updatePositionLua.
const setProfileLua = `
local meta = KEYS[1]
redis.call('HSET', meta, 'availability', ARGV[1])
if ARGV[2] == '1' then
  redis.call('HSET', meta, 'categories', ARGV[3])
end
return 1
`

// RedisIndex keeps provider positions in a Redis GEO set and their
// availability and categories in a hash per provider, so every instance sees
// the same fleet.
type RedisIndex struct {
	client     redis.Cmdable
	geoKey     string
	metaPrefix string
	cfg        Config
	clock      domain.Clock
	update     *redis.Script
	cas        *redis.Script
	profile    *redis.Script
}

func NewRedisIndex(client redis.Cmdable, cfg Config, clock domain.Clock) *RedisIndex {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &RedisIndex{
		client:     client,
		geoKey:     defaultGeoKey,
		metaPrefix: defaultMetaPrefix,
		cfg:        cfg.withDefaults(),
		clock:      clock,
		update:     redis.NewScript(updatePositionLua),
		cas:        redis.NewScript(casAvailabilityLua),
		profile:    redis.NewScript(setProfileLua),
	}
}

func (r *RedisIndex) metaKey(id string) string { return r.metaPrefix + id }

func (r *RedisIndex) Upsert(ctx context.Context, state domain.ProviderLocationState) error {
	if err := state.Position.Validate(); err != nil {
		return err
	}
	id := state.ProviderID.String()
	categories, err := encodeCategories(state.Categories)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.metaKey(id), map[string]any{
			"lat":          formatFloat(state.Position.Lat),
			"lng":          formatFloat(state.Position.Lng),
			"availability": string(state.Availability),
			"categories":   categories,
			"updated_at":   strconv.FormatInt(state.UpdatedAt.UnixMilli(), 10),
		})
		pipe.GeoAdd(ctx, r.geoKey, &redis.GeoLocation{Name: id, Longitude: state.Position.Lng, Latitude: state.Position.Lat})
		return nil
	})
	if err != nil {
		return domain.Unavailable("redis upsert provider", err)
	}
	return nil
}

func (r *RedisIndex) UpdatePosition(ctx context.Context, providerID uuid.UUID, point domain.GeoPoint, at time.Time) error {
	if err := point.Validate(); err != nil {
		return err
	}
	id := providerID.String()
	applied, err := r.update.Run(ctx, r.client, []string{r.metaKey(id), r.geoKey},
		strconv.FormatInt(at.UnixMilli(), 10), formatFloat(point.Lng), formatFloat(point.Lat), id).Int64()
	if err != nil {
		return domain.Unavailable("redis update position", err)
	}
	if applied == 0 {
		return domain.ErrStaleSample
	}
	return nil
}

func (r *RedisIndex) SetAvailability(ctx context.Context, providerID uuid.UUID, availability domain.Availability) error {
	if !availability.Valid() {
		return fmt.Errorf("%w: availability %q", domain.ErrValidation, availability)
	}
	key := r.metaKey(providerID.String())
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return domain.Unavailable("redis exists", err)
	}
	if n == 0 {
		return fmt.Errorf("provider %s: %w", providerID, domain.ErrNotFound)
	}
	if err := r.client.HSet(ctx, key, "availability", string(availability)).Err(); err != nil {
		return domain.Unavailable("redis set availability", err)
	}
	return nil
}

func (r *RedisIndex) CompareAndSetAvailability(ctx context.Context, providerID uuid.UUID, from, to domain.Availability) (bool, error) {
	if !to.Valid() {
		return false, fmt.Errorf("%w: availability %q", domain.ErrValidation, to)
	}
	res, err := r.cas.Run(ctx, r.client, []string{r.metaKey(providerID.String())}, string(from), string(to)).Int64()
	if err != nil {
		return false, domain.Unavailable("redis cas availability", err)
	}
	if res < 0 {
		return false, fmt.Errorf("provider %s: %w", providerID, domain.ErrNotFound)
	}
	return res == 1, nil
}

func (r *RedisIndex) SetProfile(ctx context.Context, providerID uuid.UUID, availability domain.Availability, categories []string) error {
	if !availability.Valid() {
		return fmt.Errorf("%w: availability %q", domain.ErrValidation, availability)
	}
	replace, encoded := "0", ""
	if categories != nil {
		var err error
		if encoded, err = encodeCategories(categories); err != nil {
			return err
		}
		replace = "1"
	}
	if err := r.profile.Run(ctx, r.client, []string{r.metaKey(providerID.String())}, string(availability), replace, encoded).Err(); err != nil {
		return domain.Unavailable("redis set profile", err)
	}
	return nil
}

func (r *RedisIndex) Get(ctx context.Context, providerID uuid.UUID) (domain.ProviderLocationState, error) {
	fields, err := r.client.HGetAll(ctx, r.metaKey(providerID.String())).Result()
	if err != nil {
		return domain.ProviderLocationState{}, domain.Unavailable("redis get provider", err)
	}
	if len(fields) == 0 {
		return domain.ProviderLocationState{}, fmt.Errorf("provider %s: %w", providerID, domain.ErrNotFound)
	}
	return decodeState(providerID, fields), nil
}

// FindCandidates asks Redis for everyone inside the radius, then applies
// eligibility and the deterministic ordering locally. No COUNT is passed to
// Redis because ineligible providers may be the closest ones.
func (r *RedisIndex) FindCandidates(ctx context.Context, point domain.GeoPoint, radiusMeters float64, category string, limit int) (result []domain.Candidate, err error) {
	start := time.Now()
	defer func() { observe(start, len(result), err) }()
	if err := point.Validate(); err != nil {
		return nil, err
	}
	if radiusMeters <= 0 {
		return nil, fmt.Errorf("%w: radius must be positive", domain.ErrValidation)
	}

	locs, err := r.client.GeoRadius(ctx, r.geoKey, point.Lng, point.Lat, &redis.GeoRadiusQuery{
		Radius: radiusMeters,
		Unit:   "m",
		Sort:   "ASC",
	}).Result()
	if err != nil {
		return nil, domain.Unavailable("redis georadius", err)
	}
	if len(locs) == 0 {
		return []domain.Candidate{}, nil
	}

	ids := make([]uuid.UUID, len(locs))
	cmds := make([]*redis.MapStringStringCmd, len(locs))
	pipe := r.client.Pipeline()
	for i, loc := range locs {
		id, err := uuid.Parse(loc.Name)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", errInvalidGeoResult, loc.Name)
		}
		ids[i] = id
		cmds[i] = pipe.HGetAll(ctx, r.metaKey(loc.Name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, domain.Unavailable("redis provider metadata", err)
	}

	now := r.clock.Now()
	candidates := make([]domain.Candidate, 0, len(locs))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		state := decodeState(ids[i], fields)
		if !eligible(state, category, now, r.cfg.StaleAfter) {
			continue
		}
		d := domain.DistanceMeters(point, state.Position)
		if d > radiusMeters {
			continue
		}
		candidates = append(candidates, domain.Candidate{ProviderID: state.ProviderID, Position: state.Position, DistanceMeters: d})
	}
	return rank(candidates, limit), nil
}

func decodeState(id uuid.UUID, fields map[string]string) domain.ProviderLocationState {
	state := domain.ProviderLocationState{
		ProviderID:   id,
		Availability: domain.Availability(fields["availability"]),
	}
	state.Position.Lat, _ = strconv.ParseFloat(fields["lat"], 64)
	state.Position.Lng, _ = strconv.ParseFloat(fields["lng"], 64)
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		state.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	if c := fields["categories"]; c != "" {
		_ = json.Unmarshal([]byte(c), &state.Categories)
	}
	return state
}

// encodeCategories stores the list as JSON so names may contain any character.
func encodeCategories(categories []string) (string, error) {
	if len(categories) == 0 {
		return "", nil
	}
	b, err := json.Marshal(categories)
	if err != nil {
		return "", fmt.Errorf("encode categories: %w", err)
	}
	return string(b), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
