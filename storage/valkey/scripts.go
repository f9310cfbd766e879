package valkey

// Lua scripts run atomically on the server. Records are JSON strings whose
// expires_at is unix seconds; ARGV[1] is always the store clock's now so the
// expiry boundary matches reads done in Go. Rewrites keep the key's TTL.

// consumeCodeScript marks an unused, unexpired code as used and returns the
// record as it was before consumption, or "NOT_FOUND".
const consumeCodeScript = `
local data = redis.call('GET', KEYS[1])
if not data then
  return 'NOT_FOUND'
end
local rec = cjson.decode(data)
if rec.used or tonumber(ARGV[1]) >= tonumber(rec.expires_at) then
  return 'NOT_FOUND'
end
rec.used = true
redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')
return data
`

// markCodeUsedScript sets used regardless of expiry. Returns 0 when absent.
const markCodeUsedScript = `
local data = redis.call('GET', KEYS[1])
if not data then
  return 0
end
local rec = cjson.decode(data)
rec.used = true
redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')
return 1
`

// releaseCodeScript reverts a consumed code while it is still unexpired.
const releaseCodeScript = `
local data = redis.call('GET', KEYS[1])
if not data then
  return 0
end
local rec = cjson.decode(data)
if not rec.used or tonumber(ARGV[1]) >= tonumber(rec.expires_at) then
  return 0
end
rec.used = false
redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')
return 1
`

// revokeScript flips revoked on a live token. Returns 1 only for the caller
// that performed the flip.
const revokeScript = `
local data = redis.call('GET', KEYS[1])
if not data then
  return 0
end
local rec = cjson.decode(data)
if rec.revoked or tonumber(ARGV[1]) >= tonumber(rec.expires_at) then
  return 0
end
rec.revoked = true
redis.call('SET', KEYS[1], cjson.encode(rec), 'KEEPTTL')
return 1
`

// saveTokenScript stores a token and, when ARGV[3] is "1", adds its key to
// the user index KEYS[2]. The index TTL is only ever extended.
const saveTokenScript = `
redis.call('SET', KEYS[1], ARGV[1], 'EX', ARGV[2])
if ARGV[3] == '1' then
  redis.call('SADD', KEYS[2], KEYS[1])
  local ttl = redis.call('TTL', KEYS[2])
  if ttl < tonumber(ARGV[2]) then
    redis.call('EXPIRE', KEYS[2], ARGV[2])
  end
end
return 1
`

// rateLimitScript increments a fixed-window counter and returns the count.
const rateLimitScript = `
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return n
`

const scriptNotFound = "NOT_FOUND"

// addMemberScript adds ARGV[1] to the set KEYS[1] and extends its TTL to at
// least ARGV[2] seconds.
const addMemberScript = `
redis.call('SADD', KEYS[1], ARGV[1])
local ttl = redis.call('TTL', KEYS[1])
if ttl < tonumber(ARGV[2]) then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return 1
`
