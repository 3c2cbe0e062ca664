package redisbackend

// recomputeScript implements spec §4.6/§9's atomic per-instance pool
// recomputation as a single server-evaluated script: it sweeps stale
// registry entries, reads each model's current-window usage counters, and
// writes + publishes the resulting pool allocations in one round trip so no
// instance ever observes a partial update.
//
// KEYS[1] = registry hash (instanceId -> {lastHeartbeat})
// KEYS[2] = allocations hash (instanceId -> AllocationInfo JSON)
// KEYS[3] = pub/sub channel for allocation updates
//
// ARGV[1] = now (unix ms)
// ARGV[2] = instanceTimeoutMs
// ARGV[3] = JSON array of model specs: {id, tpmLimit, rpmLimit, tpdLimit,
//           rpdLimit, maxConcurrent, avgTokenEstimate, avgRequestEstimate,
//           minCapacity, maxCapacity}; a limit field absent/0 means that
//           dimension is not configured for the model.
// ARGV[4] = current minute windowId
// ARGV[5] = current day windowId
// ARGV[6] = key namespace (usage counters live at "<namespace>:usage:...")
const recomputeScript = `
local registryKey = KEYS[1]
local allocationsKey = KEYS[2]
local channel = KEYS[3]

local nowMs = tonumber(ARGV[1])
local instanceTimeoutMs = tonumber(ARGV[2])
local models = cjson.decode(ARGV[3])
local minuteWindowId = ARGV[4]
local dayWindowId = ARGV[5]
local namespace = ARGV[6]

local liveIds = {}
local raw = redis.call('HGETALL', registryKey)
for i = 1, #raw, 2 do
  local instanceId = raw[i]
  local ok, record = pcall(cjson.decode, raw[i + 1])
  if ok and record.lastHeartbeat and (nowMs - record.lastHeartbeat) <= instanceTimeoutMs then
    table.insert(liveIds, instanceId)
  else
    redis.call('HDEL', registryKey, instanceId)
  end
end

local liveCount = #liveIds
local n = liveCount
if n < 1 then n = 1 end

local function usageFor(model, dim, windowId)
  local key = namespace .. ':usage:' .. model .. ':' .. dim .. ':' .. windowId
  local v = redis.call('GET', key)
  if v then
    return tonumber(v)
  end
  return 0
end

-- perInstanceShare implements "max(floor(limit/N), floor(remaining/N))".
local function perInstanceShare(limit, usage, count)
  if limit == nil or limit == 0 then
    return nil
  end
  local remaining = limit - usage
  if remaining < 0 then
    remaining = 0
  end
  local evenSplit = math.floor(limit / count)
  local remainingSplit = math.floor(remaining / count)
  if remainingSplit > evenSplit then
    return remainingSplit
  end
  return evenSplit
end

local pools = {}
for _, m in ipairs(models) do
  local tpmShare = perInstanceShare(m.tpmLimit, usageFor(m.id, 'tpm', minuteWindowId), n)
  local rpmShare = perInstanceShare(m.rpmLimit, usageFor(m.id, 'rpm', minuteWindowId), n)
  local tpdShare = perInstanceShare(m.tpdLimit, usageFor(m.id, 'tpd', dayWindowId), n)
  local rpdShare = perInstanceShare(m.rpdLimit, usageFor(m.id, 'rpd', dayWindowId), n)

  local candidates = {}
  if tpmShare and m.avgTokenEstimate and m.avgTokenEstimate > 0 then
    table.insert(candidates, math.floor(tpmShare / m.avgTokenEstimate))
  end
  if tpdShare and m.avgTokenEstimate and m.avgTokenEstimate > 0 then
    table.insert(candidates, math.floor(tpdShare / m.avgTokenEstimate))
  end
  if rpmShare and m.avgRequestEstimate and m.avgRequestEstimate > 0 then
    table.insert(candidates, math.floor(rpmShare / m.avgRequestEstimate))
  end
  if rpdShare and m.avgRequestEstimate and m.avgRequestEstimate > 0 then
    table.insert(candidates, math.floor(rpdShare / m.avgRequestEstimate))
  end
  if m.maxConcurrent and m.maxConcurrent > 0 then
    table.insert(candidates, math.floor(m.maxConcurrent / n))
  end

  local totalSlots = m.minCapacity or 0
  if #candidates > 0 then
    totalSlots = candidates[1]
    for i = 2, #candidates do
      if candidates[i] < totalSlots then
        totalSlots = candidates[i]
      end
    end
  end
  if m.maxCapacity and m.maxCapacity > 0 and totalSlots > m.maxCapacity then
    totalSlots = m.maxCapacity
  end
  if m.minCapacity and totalSlots < m.minCapacity then
    totalSlots = m.minCapacity
  end

  pools[m.id] = {
    totalSlots = totalSlots,
    tokensPerMinute = tpmShare or 0,
    requestsPerMinute = rpmShare or 0,
    tokensPerDay = tpdShare or 0,
    requestsPerDay = rpdShare or 0,
  }
end

local payload = cjson.encode({ pools = pools, liveInstances = liveCount })
redis.call('DEL', allocationsKey)
for _, instanceId in ipairs(liveIds) do
  redis.call('HSET', allocationsKey, instanceId, payload)
end
redis.call('PUBLISH', channel, payload)
return payload
`
