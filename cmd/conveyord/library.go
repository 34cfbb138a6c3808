package main

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/GoCodeAlone/conveyor/config"
	"github.com/GoCodeAlone/conveyor/events"
)

// library holds the loaded pipeline definitions and applies watcher
// change events, announcing list changes on the hub.
type library struct {
	dir    string
	hub    *events.Hub
	logger *slog.Logger

	mu        sync.RWMutex
	pipelines map[string]*config.Pipeline
}

func newLibrary(dir string, hub *events.Hub, logger *slog.Logger) *library {
	return &library{
		dir:       dir,
		hub:       hub,
		logger:    logger,
		pipelines: make(map[string]*config.Pipeline),
	}
}

// load reads every definition in the pipeline directory.
func (l *library) load() error {
	pipelines, err := config.LoadDir(l.dir)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.pipelines = make(map[string]*config.Pipeline, len(pipelines))
	for _, p := range pipelines {
		l.pipelines[p.ID] = p
	}
	l.mu.Unlock()
	return nil
}

// get returns one pipeline by id.
func (l *library) get(id string) (*config.Pipeline, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.pipelines[id]
	return p, ok
}

// list returns every pipeline, sorted by id.
func (l *library) list() []*config.Pipeline {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*config.Pipeline, 0, len(l.pipelines))
	for _, p := range l.pipelines {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// apply handles one watcher change event. A definition that no longer
// parses is logged and dropped from the set rather than crashing the
// daemon.
func (l *library) apply(ev config.ChangeEvent) {
	if ev.Removed {
		l.mu.Lock()
		delete(l.pipelines, ev.PipelineID)
		l.mu.Unlock()
		l.logger.Info("pipeline removed", "pipeline_id", ev.PipelineID)
	} else {
		p, err := config.LoadPipeline(ev.Path)
		if err != nil {
			l.logger.Warn("pipeline definition rejected", "path", ev.Path, "error", err)
			l.mu.Lock()
			delete(l.pipelines, ev.PipelineID)
			l.mu.Unlock()
		} else {
			l.mu.Lock()
			l.pipelines[p.ID] = p
			l.mu.Unlock()
			l.logger.Info("pipeline loaded", "pipeline_id", p.ID)
		}
	}
	l.hub.Publish(events.Event{Type: events.TypeListChanged})
}
