// Copyright 2025 The stors authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/openarchive/stors/internal"
)

var logger = internal.GetLogger("meta")

/*
Redis layout:

Space:      space:$uuid        -> JSON
            spaces             -> set of $uuid
Location:   location:$uuid     -> JSON
            locations          -> set of $uuid
            locations:purpose:$P -> set of $uuid
Settings:   setting:default_$P_location -> $uuid (SETNX, first wins)
Package:    package:$uuid      -> JSON
            packages           -> set of $uuid
            packages:location:$loc -> set of $uuid
            packages:replicas:$orig -> set of replica $uuid
Event:      event:$uuid        -> JSON
            events:package:$pkg -> list of event $uuid (oldest first)
Async:      async:next         -> counter
            async:$id          -> hash {completed, was_error, result,
                                  error, created, updated, completed_time}
Callback:   callback:$uuid     -> JSON
            callbacks:event:$ev -> set of $uuid
FixityLog:  fixitylog:next     -> counter
            fixitylogs:package:$pkg -> list of JSON rows
Lock:       lock:$name         -> owner id (SETNX + TTL)
*/

const (
	lockTTL        = 60 * time.Second
	updateRetries  = 5
	asyncHashKeyFn = "async:%d"
)

// Lua script releasing an advisory lock only when still owned by us.
const releaseLockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`

// Lua script completing an Async record exactly once.
// KEYS[1]: async hash, ARGV: was_error, result, error, now
const completeAsyncScript = `
if redis.call("exists", KEYS[1]) == 0 then
    return -1
end
if redis.call("hget", KEYS[1], "completed") == "1" then
    return 0
end
redis.call("hset", KEYS[1],
    "completed", "1",
    "was_error", ARGV[1],
    "result", ARGV[2],
    "error", ARGV[3],
    "updated", ARGV[4],
    "completed_time", ARGV[4])
return 1
`

// RedisStore implements Store on a Redis server.
type RedisStore struct {
	rdb redis.UniversalClient
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to the metadata store, e.g.
// NewRedisStore("redis", "127.0.0.1:6379/0").
func NewRedisStore(driver, addr string) (*RedisStore, error) {
	uri := driver + "://" + addr
	if _, err := url.Parse(uri); err != nil {
		return nil, fmt.Errorf("invalid meta address %q: %w", addr, err)
	}
	opt, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse meta address: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to metadata store: %w", err)
	}
	logger.Infof("connected to metadata store at %s", addr)
	return &RedisStore{rdb: rdb}, nil
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) Close() error { return s.rdb.Close() }

func spaceKey(id string) string    { return "space:" + id }
func locationKey(id string) string { return "location:" + id }
func packageKey(id string) string  { return "package:" + id }
func eventKey(id string) string    { return "event:" + id }
func callbackKey(id string) string { return "callback:" + id }

func (s *RedisStore) getJSON(ctx context.Context, key string, out any) error {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return internal.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, key, data, 0).Err()
}

// ---- spaces ----

func (s *RedisStore) SaveSpace(ctx context.Context, sp *Space) error {
	if err := sp.Validate(); err != nil {
		return err
	}
	if err := s.setJSON(ctx, spaceKey(sp.UUID), sp); err != nil {
		return err
	}
	return s.rdb.SAdd(ctx, "spaces", sp.UUID).Err()
}

func (s *RedisStore) GetSpace(ctx context.Context, id string) (*Space, error) {
	var sp Space
	if err := s.getJSON(ctx, spaceKey(id), &sp); err != nil {
		return nil, err
	}
	return &sp, nil
}

func (s *RedisStore) ListSpaces(ctx context.Context) ([]*Space, error) {
	ids, err := s.rdb.SMembers(ctx, "spaces").Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]*Space, 0, len(ids))
	for _, id := range ids {
		sp, err := s.GetSpace(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, nil
}

func (s *RedisStore) DeleteSpace(ctx context.Context, id string) error {
	locs, err := s.ListLocations(ctx)
	if err != nil {
		return err
	}
	for _, l := range locs {
		if l.SpaceUUID == id {
			return fmt.Errorf("space %s still referenced by location %s", id, l.UUID)
		}
	}
	if err := s.rdb.Del(ctx, spaceKey(id)).Err(); err != nil {
		return err
	}
	return s.rdb.SRem(ctx, "spaces", id).Err()
}

// ---- locations ----

func (s *RedisStore) SaveLocation(ctx context.Context, l *Location) error {
	if err := s.setJSON(ctx, locationKey(l.UUID), l); err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, "locations", l.UUID)
	pipe.SAdd(ctx, "locations:purpose:"+string(l.Purpose), l.UUID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetLocation(ctx context.Context, id string) (*Location, error) {
	var l Location
	if err := s.getJSON(ctx, locationKey(id), &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *RedisStore) ListLocations(ctx context.Context) ([]*Location, error) {
	return s.locationSet(ctx, "locations")
}

func (s *RedisStore) LocationsByPurpose(ctx context.Context, purpose Purpose) ([]*Location, error) {
	return s.locationSet(ctx, "locations:purpose:"+string(purpose))
}

func (s *RedisStore) locationSet(ctx context.Context, key string) ([]*Location, error) {
	ids, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]*Location, 0, len(ids))
	for _, id := range ids {
		l, err := s.GetLocation(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func defaultLocationKey(p Purpose) string {
	return fmt.Sprintf("setting:default_%s_location", p)
}

func (s *RedisStore) SetDefaultLocation(ctx context.Context, purpose Purpose, locationUUID string) error {
	set, err := s.rdb.SetNX(ctx, defaultLocationKey(purpose), locationUUID, 0).Result()
	if err != nil {
		return err
	}
	if !set {
		logger.Debugf("default %s location already set, keeping existing value", purpose)
	}
	return nil
}

func (s *RedisStore) DefaultLocation(ctx context.Context, purpose Purpose) (string, error) {
	id, err := s.rdb.Get(ctx, defaultLocationKey(purpose)).Result()
	if err == redis.Nil {
		return "", internal.ErrNotFound
	}
	return id, err
}

// ---- packages ----

func (s *RedisStore) CreatePackage(ctx context.Context, p *Package) error {
	key := packageKey(p.UUID)
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	created, err := s.rdb.SetNX(ctx, key, data, 0).Result()
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("package %s already exists", p.UUID)
	}
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, "packages", p.UUID)
	if p.LocationUUID != "" {
		pipe.SAdd(ctx, "packages:location:"+p.LocationUUID, p.UUID)
	}
	if p.ReplicatedPackage != "" {
		pipe.SAdd(ctx, "packages:replicas:"+p.ReplicatedPackage, p.UUID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetPackage(ctx context.Context, id string) (*Package, error) {
	var p Package
	if err := s.getJSON(ctx, packageKey(id), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdatePackage runs mutate inside a WATCH transaction so concurrent
// status transitions never lose updates.
func (s *RedisStore) UpdatePackage(ctx context.Context, id string, mutate func(*Package) error) (*Package, error) {
	key := packageKey(id)
	var updated *Package
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return internal.ErrNotFound
		}
		if err != nil {
			return err
		}
		var p Package
		if err = json.Unmarshal(data, &p); err != nil {
			return err
		}
		oldLocation := p.LocationUUID
		if err = mutate(&p); err != nil {
			return err
		}
		out, err := json.Marshal(&p)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			if p.LocationUUID != oldLocation {
				if oldLocation != "" {
					pipe.SRem(ctx, "packages:location:"+oldLocation, id)
				}
				if p.LocationUUID != "" {
					pipe.SAdd(ctx, "packages:location:"+p.LocationUUID, id)
				}
			}
			return nil
		})
		if err == nil {
			updated = &p
		}
		return err
	}
	for i := 0; i < updateRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("package %s: too many concurrent updates", id)
}

func (s *RedisStore) DeletePackage(ctx context.Context, id string) error {
	p, err := s.GetPackage(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, packageKey(id))
	pipe.SRem(ctx, "packages", id)
	if p.LocationUUID != "" {
		pipe.SRem(ctx, "packages:location:"+p.LocationUUID, id)
	}
	if p.ReplicatedPackage != "" {
		pipe.SRem(ctx, "packages:replicas:"+p.ReplicatedPackage, id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) PackagesAtLocation(ctx context.Context, locationUUID string) ([]*Package, error) {
	return s.packageSet(ctx, "packages:location:"+locationUUID)
}

func (s *RedisStore) ReplicasOf(ctx context.Context, id string) ([]*Package, error) {
	return s.packageSet(ctx, "packages:replicas:"+id)
}

func (s *RedisStore) packageSet(ctx context.Context, key string) ([]*Package, error) {
	ids, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]*Package, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetPackage(ctx, id)
		if err == internal.ErrNotFound {
			// Index member without a row: row deleted mid-listing.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ---- events ----

func (s *RedisStore) CreateEvent(ctx context.Context, e *Event) error {
	if err := s.setJSON(ctx, eventKey(e.UUID), e); err != nil {
		return err
	}
	return s.rdb.RPush(ctx, "events:package:"+e.PackageUUID, e.UUID).Err()
}

func (s *RedisStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	var e Event
	if err := s.getJSON(ctx, eventKey(id), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *RedisStore) UpdateEvent(ctx context.Context, id string, mutate func(*Event) error) (*Event, error) {
	key := eventKey(id)
	var updated *Event
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return internal.ErrNotFound
		}
		if err != nil {
			return err
		}
		var e Event
		if err = json.Unmarshal(data, &e); err != nil {
			return err
		}
		if err = mutate(&e); err != nil {
			return err
		}
		out, err := json.Marshal(&e)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err == nil {
			updated = &e
		}
		return err
	}
	for i := 0; i < updateRetries; i++ {
		err := s.rdb.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("event %s: too many concurrent updates", id)
}

func (s *RedisStore) PendingDeletionEvent(ctx context.Context, packageUUID string) (*Event, error) {
	ids, err := s.rdb.LRange(ctx, "events:package:"+packageUUID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		e, err := s.GetEvent(ctx, id)
		if err != nil {
			return nil, err
		}
		if e.Type == EventDelete && e.Status == EventSubmitted {
			return e, nil
		}
	}
	return nil, internal.ErrNotFound
}

// ---- async ----

func (s *RedisStore) CreateAsync(ctx context.Context) (*Async, error) {
	id, err := s.rdb.Incr(ctx, "async:next").Result()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	a := &Async{ID: id, CreatedTime: now, UpdatedTime: now}
	err = s.rdb.HSet(ctx, fmt.Sprintf(asyncHashKeyFn, id), map[string]any{
		"completed": "0",
		"was_error": "0",
		"result":    "",
		"error":     "",
		"created":   now.Format(time.RFC3339Nano),
		"updated":   now.Format(time.RFC3339Nano),
	}).Err()
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s *RedisStore) GetAsync(ctx context.Context, id int64) (*Async, error) {
	fields, err := s.rdb.HGetAll(ctx, fmt.Sprintf(asyncHashKeyFn, id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, internal.ErrNotFound
	}
	a := &Async{
		ID:        id,
		Completed: fields["completed"] == "1",
		WasError:  fields["was_error"] == "1",
		Result:    fields["result"],
		Error:     fields["error"],
	}
	a.CreatedTime, _ = time.Parse(time.RFC3339Nano, fields["created"])
	a.UpdatedTime, _ = time.Parse(time.RFC3339Nano, fields["updated"])
	if ct := fields["completed_time"]; ct != "" {
		a.CompletedTime, _ = time.Parse(time.RFC3339Nano, ct)
	}
	return a, nil
}

func (s *RedisStore) CompleteAsync(ctx context.Context, id int64, result, errMsg string) error {
	wasError := "0"
	if errMsg != "" {
		wasError = "1"
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.rdb.Eval(ctx, completeAsyncScript,
		[]string{fmt.Sprintf(asyncHashKeyFn, id)},
		wasError, result, errMsg, now).Int64()
	if err != nil {
		return err
	}
	switch res {
	case -1:
		return internal.ErrNotFound
	case 0:
		return fmt.Errorf("async %d already completed", id)
	}
	return nil
}

func (s *RedisStore) TouchAsync(ctx context.Context, id int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return s.rdb.HSet(ctx, fmt.Sprintf(asyncHashKeyFn, id), "updated", now).Err()
}

// ---- callbacks ----

func (s *RedisStore) SaveCallback(ctx context.Context, c *Callback) error {
	if err := s.setJSON(ctx, callbackKey(c.UUID), c); err != nil {
		return err
	}
	return s.rdb.SAdd(ctx, "callbacks:event:"+string(c.Event), c.UUID).Err()
}

func (s *RedisStore) CallbacksForEvent(ctx context.Context, event CallbackEvent) ([]*Callback, error) {
	ids, err := s.rdb.SMembers(ctx, "callbacks:event:"+string(event)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]*Callback, 0, len(ids))
	for _, id := range ids {
		var c Callback
		if err := s.getJSON(ctx, callbackKey(id), &c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, nil
}

// ---- fixity logs ----

func (s *RedisStore) AppendFixityLog(ctx context.Context, l *FixityLog) error {
	id, err := s.rdb.Incr(ctx, "fixitylog:next").Result()
	if err != nil {
		return err
	}
	l.ID = id
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return s.rdb.RPush(ctx, "fixitylogs:package:"+l.PackageUUID, data).Err()
}

func (s *RedisStore) FixityLogs(ctx context.Context, packageUUID string) ([]*FixityLog, error) {
	rows, err := s.rdb.LRange(ctx, "fixitylogs:package:"+packageUUID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*FixityLog, 0, len(rows))
	for _, row := range rows {
		var l FixityLog
		if err := json.Unmarshal([]byte(row), &l); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, nil
}

// ---- advisory lock ----

// TryLock acquires lock:<name> with SETNX. It never waits: a held lock
// means another worker is doing the same job, and the caller should give
// up and move on.
func (s *RedisStore) TryLock(ctx context.Context, name string) (func(), bool, error) {
	key := "lock:" + name
	owner := uuid.NewString()
	acquired, err := s.rdb.SetNX(ctx, key, owner, lockTTL).Result()
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}
	release := func() {
		if _, err := s.rdb.Eval(context.Background(), releaseLockScript, []string{key}, owner).Result(); err != nil {
			logger.Errorf("failed to release lock %s: %v", key, err)
		}
	}
	return release, true, nil
}

// ParseAsyncID is used by the CLI to accept handle ids as strings.
func ParseAsyncID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
