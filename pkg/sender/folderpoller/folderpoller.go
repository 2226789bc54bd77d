// Package folderpoller implements the sender's folder scan loop spec
// §4.6 describes: periodically list regular files in a configured
// folder, move each atomically into its processed directory, and push
// a transport row for the send-side queue poller to pick up. Grounded
// on the teacher's worker.Worker loop shape (ticker + stop channel)
// adapted to phruntime.Runtime's ShuttingDown() poll instead of a
// dedicated channel, since several pollers need to share one lifecycle
// flag.
package folderpoller

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cuemby/phineas/pkg/phconfig"
	"github.com/cuemby/phineas/pkg/phlog"
	"github.com/cuemby/phineas/pkg/phruntime"
	"github.com/cuemby/phineas/pkg/pidts"
	"github.com/cuemby/phineas/pkg/queue"
)

// Poller scans one folder map on a fixed interval.
type Poller struct {
	Runtime      *phruntime.Runtime
	Map          phconfig.FolderMapConfig
	PollInterval time.Duration
}

// Run blocks, scanning every PollInterval until the runtime reports
// shutdown (spec §4.6: "Stop between scans when the global shutdown
// flag is observed"). Between scans it also watches Folder with
// fsnotify so a dropped file is picked up as soon as the OS reports it
// rather than waiting out the rest of the interval; the poll loop is
// still what renames files into Processed and enqueues rows; fsnotify
// only wakes it early, it never enqueues anything itself.
func (p *Poller) Run() {
	log := phlog.WithComponent("folderpoller").With().Str("map", p.Map.Name).Logger()
	interval := p.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("folderpoller: fsnotify unavailable, polling on interval only")
		watcher = nil
	} else {
		defer watcher.Close()
		if err := watcher.Add(p.Map.Folder); err != nil {
			log.Warn().Err(err).Msg("folderpoller: fsnotify watch failed, polling on interval only")
		}
	}

	for {
		if p.Runtime.ShuttingDown() {
			return
		}
		if err := p.scanOnce(); err != nil {
			log.Error().Err(err).Msg("folderpoller: scan failed")
		}
		if p.Runtime.ShuttingDown() {
			return
		}
		p.wait(watcher, interval)
	}
}

// wait blocks for interval, returning early if watcher reports an event
// on Folder first. A nil watcher (construction or Add failed) falls
// back to a plain sleep. A watcher error (e.g. the folder was removed
// out from under the watch) does not return early: that would spin the
// caller's loop as fast as the errors arrive, so wait sleeps out the
// rest of interval instead.
func (p *Poller) wait(watcher *fsnotify.Watcher, interval time.Duration) {
	if watcher == nil {
		time.Sleep(interval)
		return
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case _, ok := <-watcher.Events:
		if !ok {
			time.Sleep(interval)
		}
	case <-watcher.Errors:
		<-timer.C
	}
}

func (p *Poller) scanOnce() error {
	entries, err := os.ReadDir(p.Map.Folder)
	if err != nil {
		return fmt.Errorf("folderpoller: read %q: %w", p.Map.Folder, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := p.handleFile(entry.Name()); err != nil {
			phlog.WithComponent("folderpoller").Error().Err(err).Str("file", entry.Name()).Msg("folderpoller: file failed")
		}
	}
	return nil
}

func (p *Poller) handleFile(name string) error {
	srcPath := filepath.Join(p.Map.Folder, name)

	info, err := os.Stat(srcPath)
	if err != nil {
		// File disappeared (racing with another process); not an error.
		return nil
	}
	if info.Size() == 0 {
		return os.Remove(srcPath)
	}

	ts := pidts.Next()
	renamedName := fmt.Sprintf("%s.%s", name, ts)
	destPath := filepath.Join(p.Map.Processed, renamedName)

	if err := os.Rename(srcPath, destPath); err != nil {
		return fmt.Errorf("rename %q to %q: %w", srcPath, destPath, err)
	}

	row := queue.NewRow(queue.SendTransportRowType)
	row.Set("MESSAGEID", fmt.Sprintf("%s-%s", p.Map.Name, ts))
	row.Set("PAYLOADFILE", destPath)
	row.Set("DESTINATIONFILENAME", name)
	row.Set("ROUTEINFO", p.Map.Route)
	row.Set("SERVICE", p.Map.Service)
	row.Set("ACTION", p.Map.Action)
	row.Set("ARGUMENTS", p.Map.Arguments)
	row.Set("MESSAGERECIPIENT", p.Map.Recipient)
	row.Set("MESSAGECREATIONTIME", time.Now().Format("2006-01-02T15:04:05"))
	if p.Map.Encryption.Type != "" {
		row.Set("ENCRYPTION", "yes")
	} else {
		row.Set("ENCRYPTION", "no")
	}
	row.Set("CERTIFICATEURL", p.Map.Encryption.Unc)
	row.Set("PROCESSINGSTATUS", "queued")
	row.Set("TRANSPORTSTATUS", "queued")
	row.Set("PRIORITY", "0")

	if p.Runtime.Queues == nil || p.Map.Queue == "" {
		return fmt.Errorf("no transport queue configured for folder map %q", p.Map.Name)
	}
	q, ok := p.Runtime.Queues.Queue(p.Map.Queue)
	if !ok {
		return fmt.Errorf("transport queue %q not registered", p.Map.Queue)
	}
	if _, err := q.Push(row); err != nil {
		return fmt.Errorf("push transport row: %w", err)
	}
	return nil
}
