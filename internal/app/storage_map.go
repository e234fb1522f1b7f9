package app

import (
	"uirunner/internal/config"
	"uirunner/internal/storage"
)

func mapStorageConfig(s config.Settings) (storage.Config, bool) {
	switch s.StorageDriver {
	case "", "none":
		return storage.Config{}, false
	}
	return storage.Config{
		Driver:      s.StorageDriver,
		Path:        s.StoragePath,
		BusyTimeout: s.StorageBusyTimeout,
	}, true
}
