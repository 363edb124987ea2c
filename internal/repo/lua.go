package repo

import (
	"github.com/redis/go-redis/v9"
)

// saveConfigScript stores the configuration and keeps a bounded history.
// KEYS[1] = config key
// KEYS[2] = history list
// ARGV[1] = encoded configuration
// ARGV[2] = history length
var saveConfigScript = redis.NewScript(`
redis.call('SET', KEYS[1], ARGV[1])
redis.call('LPUSH', KEYS[2], ARGV[1])
redis.call('LTRIM', KEYS[2], 0, tonumber(ARGV[2]) - 1)
return 1
`)
