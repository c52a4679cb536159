// Package replay drives in-memory report feeds from a YAML script, for
// drills and offline demos.
package replay

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"strings"
	"time"

	prefaberrors "github.com/dpup/prefab/errors"
	"github.com/dpup/prefab/logging"
	"gopkg.in/yaml.v3"

	"github.com/dpup/resq/server/internal/feed"
	"github.com/dpup/resq/server/internal/lib/incident"
)

// Op is what a step does to a record
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// Step is one scripted feed change
type Step struct {
	// After is the delay since the previous step
	After  time.Duration  `yaml:"after"`
	Source string         `yaml:"source"`
	ID     string         `yaml:"id"`
	Op     Op             `yaml:"op"`
	Record map[string]any `yaml:"record"`
}

// Script is a parsed replay file
type Script struct {
	Steps []Step `yaml:"steps"`
}

// Load parses and validates a script
func Load(r io.Reader) (*Script, error) {
	var s Script
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse replay script: %w", err)
	}

	for i := range s.Steps {
		step := &s.Steps[i]
		if step.Op == "" {
			step.Op = OpPut
		}
		step.Source = strings.ToUpper(step.Source)
		if _, err := incident.ParseSource(step.Source); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
		if step.ID == "" {
			return nil, fmt.Errorf("step %d: id is required", i)
		}
		switch step.Op {
		case OpPut:
			if len(step.Record) == 0 {
				return nil, fmt.Errorf("step %d: put requires a record", i)
			}
		case OpDelete:
		default:
			return nil, fmt.Errorf("step %d: unknown op %q", i, step.Op)
		}
	}
	return &s, nil
}

// LoadFile parses the script at path
func LoadFile(path string) (*Script, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open replay script: %w", err)
	}
	defer f.Close()
	return Load(f)
}

// Player applies a script to one in-memory feed per source
type Player struct {
	script *Script
	feeds  map[string]*feed.Memory
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewPlayer creates feeds for every source in paths (source -> feed path)
func NewPlayer(script *Script, paths map[string]string, window int) *Player {
	feeds := make(map[string]*feed.Memory, len(paths))
	for source, path := range paths {
		feeds[strings.ToUpper(source)] = feed.NewMemory(path, window)
	}
	return &Player{script: script, feeds: feeds, sleep: sleepContext}
}

// Feed returns the feed for source, or nil
func (p *Player) Feed(source string) *feed.Memory {
	return p.feeds[strings.ToUpper(source)]
}

// Run plays every step in order and returns when the script ends or ctx
// is done. Steps for sources without a feed are skipped.
func (p *Player) Run(ctx context.Context) (err error) {
	ctx = logging.EnsureLogger(ctx)
	defer func() {
		if r := recover(); r != nil {
			stack, _ := prefaberrors.ParseStack(debug.Stack())
			logging.Errorw(ctx, "Replay: recovered from panic", "error", r, "error.stack_trace", stack.MinimalStack(3, 5))
			err = fmt.Errorf("replay panic: %v", r)
		}
	}()

	for i, step := range p.script.Steps {
		if step.After > 0 {
			if err := p.sleep(ctx, step.After); err != nil {
				return err
			}
		}

		f := p.feeds[step.Source]
		if f == nil {
			logging.Warnw(ctx, "Replay: no feed for step", "step", i, "source", step.Source)
			continue
		}

		switch step.Op {
		case OpPut:
			f.Put(step.ID, incident.Record(step.Record))
		case OpDelete:
			f.Delete(step.ID)
		}
		logging.Debugw(ctx, "Replay: applied step", "step", i, "source", step.Source, "id", step.ID, "op", string(step.Op))
	}

	logging.Infow(ctx, "Replay: script finished", "steps", len(p.script.Steps))
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
