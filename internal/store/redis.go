package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"bustrack-svr/internal/bus"
)

// Keys:
//
//	<prefix>:records  hash  id -> record json
//	<prefix>:plates   hash  plate -> id
//
// Both hashes are only ever changed together inside a Lua script so the
// plate index can't drift from the records.

// writeScript returns {code, owner}: code 1 created, 0 replaced,
// -1 plate conflict, -2 id exists (insert), -3 id missing (replace).
var writeScript = redis.NewScript(`
local id, plate, body, mode = ARGV[1], ARGV[2], ARGV[3], ARGV[4]
local prev = redis.call('HGET', KEYS[1], id)
if mode == 'insert' and prev then
  return {-2, id}
end
if mode == 'replace' and not prev then
  return {-3, id}
end
if plate ~= '' then
  local owner = redis.call('HGET', KEYS[2], plate)
  if owner and owner ~= id then
    return {-1, owner}
  end
end
if prev then
  local old = cjson.decode(prev)['busNumberPlate']
  if type(old) == 'string' and old ~= '' and old ~= plate and redis.call('HGET', KEYS[2], old) == id then
    redis.call('HDEL', KEYS[2], old)
  end
end
redis.call('HSET', KEYS[1], id, body)
if plate ~= '' then
  redis.call('HSET', KEYS[2], plate, id)
end
if prev then
  return {0, ''}
end
return {1, ''}
`)

var deleteScript = redis.NewScript(`
local prev = redis.call('HGET', KEYS[1], ARGV[1])
if not prev then
  return 0
end
local plate = cjson.decode(prev)['busNumberPlate']
if type(plate) == 'string' and plate ~= '' and redis.call('HGET', KEYS[2], plate) == ARGV[1] then
  redis.call('HDEL', KEYS[2], plate)
end
redis.call('HDEL', KEYS[1], ARGV[1])
return 1
`)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Redis is the production Store.
type Redis struct {
	rdb        *redis.Client
	recordsKey string
	platesKey  string
	logger     *slog.Logger
}

var _ Store = (*Redis)(nil)

// NewRedis connects and pings; a failed ping is returned as
// *bus.StoreUnavailableError so callers can refuse to start.
func NewRedis(ctx context.Context, opts RedisOptions, lg *slog.Logger) (*Redis, error) {
	if opts.Prefix == "" {
		opts.Prefix = "bustrack"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := rdb.Ping(pctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, &bus.StoreUnavailableError{Op: "ping", Err: fmt.Errorf("redis ping %s: %w", opts.Addr, err)}
	}

	r := &Redis{
		rdb:        rdb,
		recordsKey: opts.Prefix + ":records",
		platesKey:  opts.Prefix + ":plates",
		logger:     lg.With("component", "store"),
	}
	r.logger.Info("redis connected", "addr", opts.Addr, "db", opts.DB, "prefix", opts.Prefix)
	return r, nil
}

func (r *Redis) List(ctx context.Context) ([]bus.Record, error) {
	vals, err := r.rdb.HGetAll(ctx, r.recordsKey).Result()
	if err != nil {
		return nil, r.unavailable("list", err)
	}

	out := make([]bus.Record, 0, len(vals))
	for id, raw := range vals {
		var rec bus.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			r.logger.Error("skipping undecodable record", "id", id, "err", err)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Redis) Get(ctx context.Context, id string) (bus.Record, error) {
	raw, err := r.rdb.HGet(ctx, r.recordsKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return bus.Record{}, &bus.NotFoundError{ID: id}
	}
	if err != nil {
		return bus.Record{}, r.unavailable("get", err)
	}

	var rec bus.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return bus.Record{}, fmt.Errorf("decode bus %s: %w", id, err)
	}
	return rec, nil
}

func (r *Redis) Upsert(ctx context.Context, rec bus.Record) (bool, error) {
	return r.write(ctx, rec, modeUpsert)
}

func (r *Redis) Insert(ctx context.Context, rec bus.Record) error {
	_, err := r.write(ctx, rec, modeInsert)
	return err
}

func (r *Redis) Replace(ctx context.Context, rec bus.Record) error {
	_, err := r.write(ctx, rec, modeReplace)
	return err
}

func (r *Redis) write(ctx context.Context, rec bus.Record, mode writeMode) (bool, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode bus %s: %w", rec.ID, err)
	}

	res, err := writeScript.Run(ctx, r.rdb,
		[]string{r.recordsKey, r.platesKey},
		rec.ID, rec.BusNumberPlate, string(body), mode.String(),
	).Slice()
	if err != nil {
		return false, r.unavailable(mode.String(), err)
	}
	if len(res) != 2 {
		return false, fmt.Errorf("%s bus %s: unexpected script reply %v", mode, rec.ID, res)
	}

	code, _ := res[0].(int64)
	owner, _ := res[1].(string)
	switch code {
	case 1:
		return true, nil
	case 0:
		return false, nil
	case -1:
		return false, &bus.ConflictError{Field: "busNumberPlate", Value: rec.BusNumberPlate, OwnerID: owner}
	case -2:
		return false, &bus.ConflictError{Field: "id", Value: rec.ID, OwnerID: owner}
	case -3:
		return false, &bus.NotFoundError{ID: rec.ID}
	default:
		return false, fmt.Errorf("%s bus %s: unexpected script code %d", mode, rec.ID, code)
	}
}

func (r *Redis) Delete(ctx context.Context, id string) (bool, error) {
	n, err := deleteScript.Run(ctx, r.rdb, []string{r.recordsKey, r.platesKey}, id).Int64()
	if err != nil {
		return false, r.unavailable("delete", err)
	}
	return n == 1, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return r.unavailable("ping", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) unavailable(op string, err error) error {
	if errors.Is(err, redis.ErrClosed) {
		err = ErrClosed
	}
	return &bus.StoreUnavailableError{Op: op, Err: err}
}
