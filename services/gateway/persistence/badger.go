// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerConfig selects where conversations live and how the value log is
// compacted.
type BadgerConfig struct {
	// Path of the database directory, created 0750 if missing. Unused with
	// InMemory.
	Path     string
	InMemory bool

	// SyncWrites fsyncs every commit. A crash then loses no acknowledged
	// message.
	SyncWrites bool

	// Logger receives badger's own output. Badger's info chatter is demoted
	// to Debug. nil silences it.
	Logger *slog.Logger

	// GCInterval between value log compaction passes. 0 disables compaction;
	// in-memory stores never compact.
	GCInterval time.Duration

	// GCDiscardRatio is the share of stale data a value log file needs
	// before it is rewritten.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns the on-disk settings the gateway ships with:
// synchronous writes and a compaction pass every 10 minutes at a 0.5 ratio.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     10 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig keeps everything in RAM. Conversations are lost on
// Close.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

func (c BadgerConfig) options() (badger.Options, error) {
	if c.InMemory {
		return c.withCommon(badger.DefaultOptions("").WithInMemory(true)), nil
	}
	if c.Path == "" {
		return badger.Options{}, errors.New("conversation store: data dir is required unless in-memory")
	}
	if err := os.MkdirAll(c.Path, 0750); err != nil {
		return badger.Options{}, fmt.Errorf("conversation store: create %s: %w", c.Path, err)
	}
	return c.withCommon(badger.DefaultOptions(c.Path)), nil
}

func (c BadgerConfig) withCommon(opts badger.Options) badger.Options {
	opts = opts.WithSyncWrites(c.SyncWrites).WithNumVersionsToKeep(1)
	if c.Logger == nil {
		return opts.WithLogger(nil)
	}
	return opts.WithLogger(slogBadger{c.Logger.With("component", "badger")})
}

// slogBadger satisfies badger.Logger.
type slogBadger struct{ l *slog.Logger }

func (b slogBadger) Errorf(f string, a ...interface{})   { b.l.Error(fmt.Sprintf(f, a...)) }
func (b slogBadger) Warningf(f string, a ...interface{}) { b.l.Warn(fmt.Sprintf(f, a...)) }
func (b slogBadger) Infof(f string, a ...interface{})    { b.l.Debug(fmt.Sprintf(f, a...)) }
func (b slogBadger) Debugf(f string, a ...interface{})   { b.l.Debug(fmt.Sprintf(f, a...)) }

// =============================================================================
// Value Log Compaction
// =============================================================================

// compactor runs value log GC on an interval until stopped.
type compactor struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// maxRewritesPerPass bounds one pass so a large backlog cannot starve
// writers for long.
const maxRewritesPerPass = 8

func startCompactor(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *compactor {
	ctx, cancel := context.WithCancel(context.Background())
	c := &compactor{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := compactPass(ctx, db, ratio)
				if err != nil {
					logger.Warn("Value log compaction failed", "error", err)
				} else if n > 0 {
					logger.Debug("Value log compacted", "files_rewritten", n)
				}
			}
		}
	}()
	return c
}

// compactPass rewrites value log files until badger reports nothing left
// to collect.
func compactPass(ctx context.Context, db *badger.DB, ratio float64) (int, error) {
	for n := 0; n < maxRewritesPerPass; n++ {
		if ctx.Err() != nil {
			return n, nil
		}
		err := db.RunValueLogGC(ratio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
	}
	return maxRewritesPerPass, nil
}

func (c *compactor) stop() {
	c.cancel()
	<-c.done
}
