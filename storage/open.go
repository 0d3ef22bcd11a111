package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Engine names accepted by Open.
const (
	EngineLevelDB = "leveldb"
	EngineBolt    = "bolt"
	EngineSQLite  = "sqlite"
	EngineMemory  = "memory"
)

// Config selects and parameterises a storage engine.
type Config struct {
	Engine string
	// Path is a directory for leveldb and a file for bolt and sqlite. Bolt and
	// sqlite fall back to a default file name inside Path when it names a
	// directory.
	Path string
	// SyncWrites forces fsync on every leveldb write.
	SyncWrites bool
	// LockTimeout bounds how long bolt waits for the file lock.
	LockTimeout time.Duration
}

// Engines lists the supported engine names.
func Engines() []string {
	return []string{EngineLevelDB, EngineBolt, EngineSQLite, EngineMemory}
}

// Open constructs the configured engine. Failure to open is returned to the
// caller, which treats it as fatal.
func Open(cfg Config) (Database, error) {
	engine := strings.ToLower(strings.TrimSpace(cfg.Engine))
	if engine == "" {
		engine = EngineLevelDB
	}
	if engine == EngineMemory {
		return NewMemDB(), nil
	}
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, ErrPathRequired
	}
	switch engine {
	case EngineLevelDB:
		return NewLevelDB(path, cfg.SyncWrites)
	case EngineBolt:
		file, err := filePath(path, "store.bolt")
		if err != nil {
			return nil, err
		}
		return NewBoltDB(file, &bolt.Options{Timeout: cfg.LockTimeout})
	case EngineSQLite:
		file, err := filePath(path, "store.sqlite")
		if err != nil {
			return nil, err
		}
		dsn, err := FileDSN(file)
		if err != nil {
			return nil, err
		}
		return NewSQLiteDB(dsn)
	default:
		return nil, fmt.Errorf("unknown storage engine %q (want one of %s)", cfg.Engine, strings.Join(Engines(), ", "))
	}
}

// filePath resolves single-file engines: an existing directory, or a path with
// a trailing separator, receives the default file name.
func filePath(path, name string) (string, error) {
	if strings.HasSuffix(path, string(os.PathSeparator)) {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return "", fmt.Errorf("create storage dir: %w", err)
		}
		return filepath.Join(path, name), nil
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return filepath.Join(path, name), nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create storage dir: %w", err)
		}
	}
	return path, nil
}
