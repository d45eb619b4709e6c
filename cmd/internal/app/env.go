package app

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envPrefix namespaces every server variable: key "db_schema" is read from FLEXER_DB_SCHEMA.
const envPrefix = "FLEXER"

// settings reads server configuration from the environment. A blank or unparsable value
// falls back to the default instead of failing start-up.
type settings struct {
	v *viper.Viper
}

func newSettings() settings {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	return settings{v: v}
}

func (s settings) lookup(key string) (string, bool) {
	raw := strings.TrimSpace(s.v.GetString(key))
	return raw, raw != ""
}

func (s settings) str(key, def string) string {
	if raw, ok := s.lookup(key); ok {
		return raw
	}
	return def
}

func (s settings) flag(key string, def bool) bool {
	raw, ok := s.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return b
}

// size reads a strictly positive int.
func (s settings) size(key string, def int) int {
	raw, ok := s.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// conns reads a non-negative pool size.
func (s settings) conns(key string, def int32) int32 {
	raw, ok := s.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || n < 0 {
		return def
	}
	return int32(n)
}

// timeout reads a strictly positive duration such as "15s".
func (s settings) timeout(key string, def time.Duration) time.Duration {
	raw, ok := s.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
