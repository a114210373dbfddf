package repository

import "github.com/redis/go-redis/v9"

// Every read-check-mutate sequence on the ledger and geofence runs as one script so that
// concurrent callers on the same activity are totally ordered by the server.

// KEYS: counter, admitted set, registration outbox
// ARGV: phone, event payload, outbox grace (ms)
// returns 0 accepted, 1 no ledger entry, 2 capacity exhausted, 3 already admitted
var admitScript = redis.NewScript(`
if redis.call('exists', KEYS[1]) == 0 then
  return 1
end
if redis.call('sismember', KEYS[2], ARGV[1]) == 1 then
  return 3
end
local remaining = tonumber(redis.call('get', KEYS[1]))
if remaining == nil or remaining <= 0 then
  return 2
end
redis.call('decr', KEYS[1])
redis.call('sadd', KEYS[2], ARGV[1])
redis.call('hset', KEYS[3], ARGV[1], ARGV[2])
local ttl = redis.call('pttl', KEYS[1])
if ttl > 0 then
  redis.call('pexpire', KEYS[2], ttl)
  redis.call('pexpire', KEYS[3], ttl + tonumber(ARGV[3]))
end
return 0
`)

// KEYS: counter, admitted set
// ARGV: capacity, ttl (ms), phones already persisted...
// returns the initial remaining capacity, or -1 when the entry already exists
var provisionLedgerScript = redis.NewScript(`
if redis.call('exists', KEYS[1]) == 1 then
  return -1
end
local remaining = tonumber(ARGV[1]) - (#ARGV - 2)
if remaining < 0 then
  remaining = 0
end
redis.call('set', KEYS[1], remaining, 'PX', ARGV[2])
redis.call('del', KEYS[2])
for i = 3, #ARGV do
  redis.call('sadd', KEYS[2], ARGV[i])
end
if #ARGV > 2 then
  redis.call('pexpire', KEYS[2], ARGV[2])
end
return remaining
`)

// KEYS: counter
// ARGV: delta
// returns the new remaining capacity (never below zero), or -1 when no entry exists
var adjustCapacityScript = redis.NewScript(`
if redis.call('exists', KEYS[1]) == 0 then
  return -1
end
local remaining = tonumber(redis.call('get', KEYS[1])) + tonumber(ARGV[1])
if remaining < 0 then
  remaining = 0
end
local ttl = redis.call('pttl', KEYS[1])
if ttl > 0 then
  redis.call('set', KEYS[1], remaining, 'PX', ttl)
else
  redis.call('set', KEYS[1], remaining)
end
return remaining
`)

// KEYS: allow-list, location, check-in outbox
// ARGV: phone, activity member, scratch member, longitude, latitude, radius (km), event payload, outbox grace (ms)
// returns {code, distance}: 0 accepted, 1 not eligible, 2 not started, 3 out of range
// The scratch member is removed before returning whatever the outcome.
var checkinScript = redis.NewScript(`
if redis.call('sismember', KEYS[1], ARGV[1]) == 0 then
  return {1, ''}
end
if redis.call('exists', KEYS[2]) == 0 then
  return {2, ''}
end
redis.call('geoadd', KEYS[2], ARGV[4], ARGV[5], ARGV[3])
local dist = redis.call('geodist', KEYS[2], ARGV[2], ARGV[3], 'km')
redis.call('zrem', KEYS[2], ARGV[3])
if not dist then
  return {2, ''}
end
if tonumber(dist) > tonumber(ARGV[6]) then
  return {3, dist}
end
redis.call('srem', KEYS[1], ARGV[1])
redis.call('hset', KEYS[3], ARGV[1], ARGV[7])
local ttl = redis.call('pttl', KEYS[2])
if ttl > 0 then
  redis.call('pexpire', KEYS[3], ttl + tonumber(ARGV[8]))
end
return {0, dist}
`)

// KEYS: allow-list, location
// ARGV: activity member, ttl (ms), longitude, latitude, phones...
// returns the number of eligible phones, or -1 when the geofence already exists
var provisionGeofenceScript = redis.NewScript(`
if redis.call('exists', KEYS[2]) == 1 then
  return -1
end
redis.call('del', KEYS[1])
for i = 5, #ARGV do
  redis.call('sadd', KEYS[1], ARGV[i])
end
redis.call('geoadd', KEYS[2], ARGV[3], ARGV[4], ARGV[1])
redis.call('pexpire', KEYS[1], ARGV[2])
redis.call('pexpire', KEYS[2], ARGV[2])
return #ARGV - 4
`)
