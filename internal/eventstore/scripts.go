package eventstore

import "github.com/redis/go-redis/v9"

// storeScript appends one event to a user's log. Every key shares the
// user's hash tag so the script runs on a single slot. The sequence counter
// never expires, and the index keys only ever have their lifetime extended,
// so a short-lived event cannot cut the retention of longer-lived ones.
// KEYS seq, idx, ids, last
// ARGV event id, ttl seconds, cap, event key prefix, payload
// Returns {sequence, duplicate, evicted}.
var storeScript = redis.NewScript(`
local seqKey, idxKey, idsKey, lastKey = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local id = ARGV[1]
local ttl = tonumber(ARGV[2])
local cap = tonumber(ARGV[3])
local prefix = ARGV[4]

local function extend(key, ms)
  if redis.call('PTTL', key) < ms then
    redis.call('PEXPIRE', key, ms)
  end
end

local existing = redis.call('HGET', idsKey, id)
if existing then
  return {tonumber(existing), 1, 0}
end

local seq = redis.call('INCR', seqKey)
redis.call('PERSIST', seqKey)
local keep = ttl * 2000
redis.call('SET', prefix .. seq, ARGV[5], 'EX', ttl)
redis.call('ZADD', idxKey, seq, id)
redis.call('HSET', idsKey, id, seq)
local lastTTL = redis.call('PTTL', lastKey)
redis.call('SET', lastKey, id, 'PX', math.max(keep, lastTTL))
extend(idxKey, keep)
extend(idsKey, keep)

local evicted = 0
local size = redis.call('ZCARD', idxKey)
if size > cap then
  local old = redis.call('ZRANGE', idxKey, 0, size - cap - 1, 'WITHSCORES')
  for i = 1, #old, 2 do
    redis.call('DEL', prefix .. old[i + 1])
    redis.call('HDEL', idsKey, old[i])
    evicted = evicted + 1
  end
  redis.call('ZREMRANGEBYRANK', idxKey, 0, size - cap - 1)
end

return {seq, 0, evicted}
`)

// pruneScript drops index entries whose payload key has expired.
// KEYS idx, ids
// ARGV event key prefix
// Returns {removed, remaining}.
var pruneScript = redis.NewScript(`
local idxKey, idsKey = KEYS[1], KEYS[2]
local prefix = ARGV[1]

local members = redis.call('ZRANGE', idxKey, 0, -1, 'WITHSCORES')
local removed = 0
for i = 1, #members, 2 do
  if redis.call('EXISTS', prefix .. members[i + 1]) == 0 then
    redis.call('ZREM', idxKey, members[i])
    redis.call('HDEL', idsKey, members[i])
    removed = removed + 1
  end
end

return {removed, redis.call('ZCARD', idxKey)}
`)
