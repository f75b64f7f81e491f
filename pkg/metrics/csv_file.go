// Package metrics provides functions to record connection health data.
// It writes append-only CSV logs to local files, which is a deliberately
// simple setup for long-running clients without a metrics backend.
package metrics

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tzrikka/xdg"
)

const (
	DefaultConnEventsFile = "metrics/riptide_conn_%s.csv"
	DefaultReconnectFile  = "metrics/riptide_reconnect_%s.csv"

	fileFlags = os.O_APPEND | os.O_CREATE | os.O_WRONLY
	filePerms = xdg.NewFilePermissions
)

var (
	muConn  sync.Mutex
	muRecon sync.Mutex
)

// RecordConnectionEvent monitors connection lifecycle milestones:
// state transitions, heartbeat timeouts and restorations, closures.
func RecordConnectionEvent(l zerolog.Logger, t time.Time, connID, event, detail string) {
	muConn.Lock()
	defer muConn.Unlock()

	record := []string{t.Format(time.RFC3339), connID, event, detail}
	if err := appendToCSVFile(DefaultConnEventsFile, t, record); err != nil {
		l.Err(err).Str("event", event).Str("conn_id", connID).
			Msg("metrics error: failed to record connection event")
	}
}

// RecordReconnectAttempt monitors reconnection attempts and their outcomes.
func RecordReconnectAttempt(t time.Time, connID string, attempt int, err error) {
	muRecon.Lock()
	defer muRecon.Unlock()

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}

	_ = appendToCSVFile(DefaultReconnectFile, t, []string{
		t.Format(time.RFC3339), connID, strconv.Itoa(attempt), errMsg,
	})
}

func appendToCSVFile(filename string, t time.Time, record []string) error {
	filename = fmt.Sprintf(filename, t.Format(time.DateOnly))
	f, err := os.OpenFile(filename, fileFlags, filePerms) //gosec:disable G304 // Hardcoded path.
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(record); err != nil {
		return err
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}

	return nil
}
