package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ahmadzakiakmal/passport-workbench/repository/models"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Roster is the operator roster file
type Roster struct {
	Operators []RosterEntry `yaml:"operators"`
}

// RosterEntry is one operator in the roster file
type RosterEntry struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Position string `yaml:"position"`
	Card     string `yaml:"card"`
}

// Sink receives the operators of a (re)loaded roster
type Sink interface {
	UpsertOperators(ctx context.Context, operators []models.Operator) error
}

// LoadRoster reads and validates a roster file
func LoadRoster(path string) ([]models.Operator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster: %w", err)
	}
	var roster Roster
	if err := yaml.Unmarshal(data, &roster); err != nil {
		return nil, fmt.Errorf("failed to parse roster %s: %w", path, err)
	}

	cards := make(map[string]string, len(roster.Operators))
	out := make([]models.Operator, 0, len(roster.Operators))
	for i, e := range roster.Operators {
		if e.ID == "" || e.Card == "" {
			return nil, fmt.Errorf("roster entry %d: id and card are required", i+1)
		}
		if other, dup := cards[e.Card]; dup {
			return nil, fmt.Errorf("roster entry %d: card %s already assigned to %s", i+1, e.Card, other)
		}
		cards[e.Card] = e.ID
		out = append(out, models.Operator{ID: e.ID, Name: e.Name, Position: e.Position, RFIDCardID: e.Card})
	}
	return out, nil
}

// SyncRoster loads the roster at path into sink
func SyncRoster(ctx context.Context, path string, sink Sink) (int, error) {
	operators, err := LoadRoster(path)
	if err != nil {
		return 0, err
	}
	if err := sink.UpsertOperators(ctx, operators); err != nil {
		return 0, err
	}
	return len(operators), nil
}

// WatchRoster syncs the roster whenever the file changes, until ctx is done. The
// parent directory is watched so editors that replace the file are picked up.
func WatchRoster(ctx context.Context, path string, sink Sink, logger cmtlog.Logger) error {
	if logger == nil {
		logger = cmtlog.NewNopLogger()
	}
	logger = logger.With("module", "roster")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch roster directory: %w", err)
	}
	target := filepath.Clean(path)

	var debounceTimer *time.Timer
	reload := func() {
		n, err := SyncRoster(ctx, path, sink)
		if err != nil {
			logger.Error("Roster reload failed", "path", path, "err", err)
			return
		}
		logger.Info("Roster reloaded", "path", path, "operators", n)
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(200*time.Millisecond, reload)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("Roster watcher error", "err", err)

		case <-ctx.Done():
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return nil
		}
	}
}
