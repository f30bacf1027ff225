package webhook

import (
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// ReloadSeed imports destinations from a JSON seed file. Entries are
// upserted by ID; entries without one get a generated ID, which makes
// them new destinations on every reload, so seed files should carry
// stable IDs.
func (d *Dispatcher) ReloadSeed(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var subs []Subscription
	if err := json.Unmarshal(raw, &subs); err != nil {
		return 0, err
	}

	loaded := 0
	for i := range subs {
		sub := subs[i]
		if sub.URL == "" {
			slog.Warn("webhook: seed entry missing url, skipping", "name", sub.Name)
			continue
		}
		if sub.ID == "" {
			sub.ID = uuid.NewString()
		}
		sub.ConsecutiveFailures = 0
		sub.LastError = ""
		if err := d.Upsert(sub); err != nil {
			slog.Error("webhook: seed upsert failed", "id", sub.ID, "err", err)
			continue
		}
		loaded++
	}
	return loaded, nil
}

// WatchSeed reloads the seed file whenever it changes, with a short
// debounce to coalesce editor write bursts.
func (d *Dispatcher) WatchSeed(path string) error {
	if path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						slog.Error("webhook: seed watch re-add", "path", ev.Name, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !debounce.Stop() {
						select {
						case <-debounce.C:
						default:
						}
					}
					debounce.Reset(250 * time.Millisecond)
				}
			case <-debounce.C:
				n, err := d.ReloadSeed(path)
				if err != nil {
					slog.Error("webhook: seed reload failed", "path", path, "err", err)
					continue
				}
				slog.Info("webhook: seed reloaded", "path", path, "destinations", n)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("webhook: seed watch error", "err", err)
			}
		}
	}()
	return nil
}
