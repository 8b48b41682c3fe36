package submitter

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/vasillieux/escaped/internal/logfields"
)

// WatchAndResubmit re-runs submit whenever path's containing directory
// reports a write or create event for path, so editing web3_orgs.txt or
// direct_repos_to_analyze.txt in place triggers a fresh submission without
// restarting the process. Runs submit once up front before watching.
func (s *Submitter) WatchAndResubmit(ctx context.Context, path string, submit func(ctx context.Context, path string) error) error {
	if err := submit(ctx, path); err != nil {
		s.log.Error("initial submission failed", logfields.Path(path), logfields.Error(err))
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := dirOf(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != path {
				continue
			}
			if !(event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create) {
				continue
			}
			s.log.Info("input file changed, resubmitting", logfields.Path(path))
			if err := submit(ctx, path); err != nil {
				s.log.Error("resubmission failed", logfields.Path(path), logfields.Error(err))
			}
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("watcher error", logfields.Error(werr))
		}
	}
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
