package main

import (
	"fmt"
	"os"
	"strconv"
)

// Config is the lab runner daemon's env-var configuration, grounded on
// control-plane/main.go's loadConfig shape.
type Config struct {
	MasterSyncServerURL  string
	LabID                string
	DataDir              string
	AttemptHistoryDBPath string
	WorkerPoolSize       int
}

func loadConfig() (*Config, error) {
	labID := os.Getenv("LABRUNNERD_LAB_ID")
	if labID == "" {
		return nil, fmt.Errorf("LABRUNNERD_LAB_ID is required")
	}

	serverURL := os.Getenv("LABRUNNERD_MASTER_SYNC_URL")
	if serverURL == "" {
		serverURL = "ws://localhost:9090/labsync"
	}

	dataDir := os.Getenv("LABRUNNERD_DATA_DIR")
	if dataDir == "" {
		dataDir = "/var/lib/labrunnerd"
	}

	dbPath := os.Getenv("LABRUNNERD_ATTEMPT_HISTORY_DB")
	if dbPath == "" {
		dbPath = dataDir + "/attempts.db"
	}

	poolSize := 8
	if raw := os.Getenv("LABRUNNERD_WORKER_POOL_SIZE"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("LABRUNNERD_WORKER_POOL_SIZE must be a positive integer: %q", raw)
		}
		poolSize = n
	}

	return &Config{
		MasterSyncServerURL:  serverURL,
		LabID:                labID,
		DataDir:              dataDir,
		AttemptHistoryDBPath: dbPath,
		WorkerPoolSize:       poolSize,
	}, nil
}
