package redisstore

import "github.com/go-redis/redis/v8"

// The scripts never touch the jobs hash: job payload records are written
// by Go code only and stay byte-identical to what encoding/json produced.
// Mutable job state lives in the state hash, field "<pos>" holding the
// status and field "<pos>:done" the completion time in Unix seconds, so
// a status flip is a plain field write with no re-serialization of user
// data.

// updateJobScript flips one job's status, stores its result or error
// record, and recomputes both batch counters from the state hash, all in
// one atomic step. The first job entering running also moves a pending
// batch to running.
//
// KEYS: [1] meta hash, [2] state hash, [3] results hash, [4] failed hash
// ARGV: [1] position, [2] job row id, [3] new status,
//
//	[4] result JSON or "", [5] error JSON or "",
//	[6] now (unix seconds), [7] ttl seconds
var updateJobScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('batch not found')
end
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 0 then
  return redis.error_reply('batch job not found')
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
if ARGV[3] == 'completed' or ARGV[3] == 'failed' then
  redis.call('HSET', KEYS[2], ARGV[1] .. ':done', ARGV[6])
end
if ARGV[4] ~= '' then
  redis.call('HSET', KEYS[3], ARGV[2], ARGV[4])
end
if ARGV[5] ~= '' then
  redis.call('HSET', KEYS[4], ARGV[2], ARGV[5])
end
local completed, failed = 0, 0
local entries = redis.call('HGETALL', KEYS[2])
for i = 1, #entries, 2 do
  if not string.find(entries[i], ':', 1, true) then
    if entries[i+1] == 'completed' then completed = completed + 1 end
    if entries[i+1] == 'failed' then failed = failed + 1 end
  end
end
redis.call('HSET', KEYS[1], 'completed_jobs', completed)
redis.call('HSET', KEYS[1], 'failed_jobs', failed)
redis.call('HSET', KEYS[1], 'modified', ARGV[6])
if ARGV[3] == 'running' and redis.call('HGET', KEYS[1], 'status') == 'pending' then
  redis.call('HSET', KEYS[1], 'status', 'running')
end
local ttl = tonumber(ARGV[7])
if ttl > 0 then
  for k = 1, 4 do redis.call('EXPIRE', KEYS[k], ttl) end
end
return {completed, failed}
`)

// incrementCountersScript recomputes the counters and performs the
// terminal-transition read-check-write: completed when every job finished
// cleanly, failed as soon as any job failed. A terminal status is never
// downgraded while sticky is on. Publishes the transition on the given
// pub-sub channel.
//
// KEYS: [1] meta hash, [2] state hash
// ARGV: [1] kind: "completed" | "failed", [2] now (unix seconds),
//
//	[3] sticky "1"|"0", [4] pub-sub channel, [5] ttl seconds
var incrementCountersScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('batch not found')
end
local completed, failed = 0, 0
local entries = redis.call('HGETALL', KEYS[2])
for i = 1, #entries, 2 do
  if not string.find(entries[i], ':', 1, true) then
    if entries[i+1] == 'completed' then completed = completed + 1 end
    if entries[i+1] == 'failed' then failed = failed + 1 end
  end
end
redis.call('HSET', KEYS[1], 'completed_jobs', completed)
redis.call('HSET', KEYS[1], 'failed_jobs', failed)
redis.call('HSET', KEYS[1], 'modified', ARGV[2])
local total = tonumber(redis.call('HGET', KEYS[1], 'total_jobs'))
local status = redis.call('HGET', KEYS[1], 'status')
local terminal = (status == 'completed' or status == 'failed')
local writable = (not terminal) or ARGV[3] == '0'
local transitioned = 0
if ARGV[1] == 'failed' then
  if writable and status ~= 'failed' and failed > 0 then
    status = 'failed'
    transitioned = 1
  end
else
  if writable and status ~= 'completed' and completed >= total and failed == 0 then
    status = 'completed'
    transitioned = 1
  end
end
if transitioned == 1 then
  redis.call('HSET', KEYS[1], 'status', status)
  redis.call('HSET', KEYS[1], 'completed_at', ARGV[2])
  local id = redis.call('HGET', KEYS[1], 'id')
  redis.call('PUBLISH', ARGV[4], cjson.encode({batch_id = id, status = status}))
end
local ttl = tonumber(ARGV[5])
if ttl > 0 then
  for k = 1, 2 do redis.call('EXPIRE', KEYS[k], ttl) end
end
return {completed, failed, total, transitioned, status}
`)
