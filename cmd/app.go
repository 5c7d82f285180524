package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	punchagent "github.com/httprunner/PunchAgent"
	"github.com/httprunner/PunchAgent/internal/config"
	"github.com/httprunner/PunchAgent/internal/env"
	"github.com/httprunner/PunchAgent/pkg/journal"
)

const journalDisabled = "off"

func openStore() *config.Store {
	store := config.NewStore(strings.TrimSpace(rootConfigPath))
	store.Load()
	return store
}

// openJournal returns nil when the journal is switched off or cannot be
// opened; cycles then run without history.
func openJournal(path string) *journal.Journal {
	path = firstNonEmpty(path, env.String(env.JournalPath, ""))
	if strings.EqualFold(path, journalDisabled) {
		return nil
	}
	j, err := journal.Open(path)
	if err != nil {
		log.Warn().Err(err).Msg("cycle journal unavailable, continuing without history")
		return nil
	}
	return j
}

func newCycle(j *journal.Journal) *punchagent.Cycle {
	cycle := punchagent.NewCycle()
	if j != nil {
		cycle.Journal = j
	}
	return cycle
}

func parseWatchdogPolicy(raw string) (punchagent.WatchdogPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "restart":
		return punchagent.WatchdogRestart, nil
	case "report":
		return punchagent.WatchdogReport, nil
	default:
		return 0, errors.Errorf("unknown watchdog policy %q (want restart or report)", raw)
	}
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode output")
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func closeJournal(j *journal.Journal) {
	if j == nil {
		return
	}
	if err := j.Close(); err != nil {
		log.Warn().Err(err).Msg("close journal failed")
	}
}

func recentHistory(ctx context.Context, j *journal.Journal, limit int) ([]journal.Entry, error) {
	if j == nil {
		return nil, errors.Errorf("journal disabled (set --journal or $%s)", env.JournalPath)
	}
	return j.Recent(ctx, limit)
}
