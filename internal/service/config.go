package service

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/openpkg/spawnd/internal/model"
)

// legacyNiceKey is the flat configuration key used before the nested
// backend section existed. It still wins when present.
const legacyNiceKey = "BackendSpawnNiceValue"

// ParseConfig decodes and validates the daemon configuration from v's loaded
// sources. A source without a backend path is rejected with ErrNoBackend.
func ParseConfig(v *viper.Viper) (model.Config, error) {
	var cfg model.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return model.Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if v.IsSet(legacyNiceKey) {
		cfg.Backend.SpawnNiceValue = v.GetInt(legacyNiceKey)
	}
	if err := cfg.Validate(); err != nil {
		return model.Config{}, err
	}
	return cfg, nil
}
