// Package watcher discovers Planner contracts in the jobs directory.
//
// The directory is polled and every contract is tracked by content hash, so
// the same file observed twice yields one Discovered event and an edit yields
// one Changed event. Polling keeps the watcher correct on network and
// container filesystems where change notifications are unreliable.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/reelforge/ralph/internal/contract"
	"github.com/reelforge/ralph/internal/digest"
)

type Kind string

const (
	Discovered Kind = "discovered"
	Changed    Kind = "changed"
	Removed    Kind = "removed"
)

type Event struct {
	Kind  Kind
	JobID string
	Path  string
	Hash  string
}

type Poller struct {
	Dir      string
	Interval time.Duration
	// Settle skips files modified more recently than this, so a contract that
	// is still being written is picked up on a later scan.
	Settle time.Duration
	Logger *slog.Logger
	Now    func() time.Time

	mu   sync.Mutex
	seen map[string]string
	// rejected holds file names whose stem is not a usable job id, so each
	// is reported once rather than on every scan.
	rejected map[string]struct{}
}

func New(dir string, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Poller{
		Dir:      dir,
		Interval: interval,
		Logger:   logger,
		Now:      time.Now,
		seen:     map[string]string{},
	}
}

// Scan lists the jobs directory once and returns what changed since the
// previous scan, ordered by job id.
func (p *Poller) Scan() ([]Event, error) {
	entries, err := os.ReadDir(p.Dir)
	if err != nil {
		return nil, fmt.Errorf("read jobs dir: %w", err)
	}
	now := time.Now()
	if p.Now != nil {
		now = p.Now()
	}
	current := map[string]string{}
	paths := map[string]string{}
	rejected := map[string]struct{}{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !isContractName(name) {
			continue
		}
		jobID := contract.JobIDFromPath(name)
		path := filepath.Join(p.Dir, name)
		if !contract.ValidJobID(jobID) {
			rejected[name] = struct{}{}
			p.mu.Lock()
			_, reported := p.rejected[name]
			p.mu.Unlock()
			if !reported {
				p.logger().Warn("ignoring contract with invalid job id", "path", path, "job_id", jobID)
			}
			continue
		}
		if p.Settle > 0 {
			info, err := entry.Info()
			if err != nil || now.Sub(info.ModTime()) < p.Settle {
				p.keepPrevious(jobID, current, paths, path)
				continue
			}
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				p.logger().Warn("read contract", "path", path, "err", err)
			}
			p.keepPrevious(jobID, current, paths, path)
			continue
		}
		current[jobID] = digest.Bytes(data)
		paths[jobID] = path
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen == nil {
		p.seen = map[string]string{}
	}
	var events []Event
	for jobID, hash := range current {
		prev, ok := p.seen[jobID]
		switch {
		case !ok:
			events = append(events, Event{Kind: Discovered, JobID: jobID, Path: paths[jobID], Hash: hash})
		case prev != hash:
			events = append(events, Event{Kind: Changed, JobID: jobID, Path: paths[jobID], Hash: hash})
		}
	}
	for jobID := range p.seen {
		if _, ok := current[jobID]; !ok {
			events = append(events, Event{Kind: Removed, JobID: jobID, Path: filepath.Join(p.Dir, jobID+".json")})
		}
	}
	p.seen = current
	p.rejected = rejected
	sort.Slice(events, func(i, j int) bool {
		if events[i].JobID == events[j].JobID {
			return events[i].Kind < events[j].Kind
		}
		return events[i].JobID < events[j].JobID
	})
	return events, nil
}

// Run scans every Interval and sends events to out until ctx is done.
func (p *Poller) Run(ctx context.Context, out chan<- Event) error {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		events, err := p.Scan()
		if err != nil {
			p.logger().Warn("scan jobs dir", "dir", p.Dir, "err", err)
		}
		for _, event := range events {
			select {
			case out <- event:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// keepPrevious carries an unreadable or unsettled file's last known hash so
// it is not reported as removed.
func (p *Poller) keepPrevious(jobID string, current, paths map[string]string, path string) {
	p.mu.Lock()
	prev, ok := p.seen[jobID]
	p.mu.Unlock()
	if ok {
		current[jobID] = prev
		paths[jobID] = path
	}
}

func (p *Poller) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return p.Logger
}

func isContractName(name string) bool {
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
		return false
	}
	return strings.EqualFold(filepath.Ext(name), ".json")
}
