// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/fsnotify/fsnotify"

	"github.com/nya3jp/harness/internal/errors"
	"github.com/nya3jp/harness/internal/logging"
)

// addTree adds dir and every directory below it to w.
func addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		return w.Add(path)
	})
}

// watchPayload watches the tree under dir and sends on the returned channel
// once it has been quiet for debounce after a change. Sends are coalesced
// while the receiver is busy. The channel is closed when ctx is done.
func watchPayload(ctx context.Context, clk clock.Clock, dir string, debounce time.Duration) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create file watcher")
	}
	if err := addTree(w, dir); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "failed to watch %s", dir)
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		defer w.Close()

		var timer clock.Timer
		var quiet <-chan time.Time // nil while no change is pending
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logging.Infof(ctx, "Error watching %s: %v", dir, err)
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				logging.Debugf(ctx, "Payload changed: %v", ev)
				if ev.Has(fsnotify.Create) {
					if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
						if err := addTree(w, ev.Name); err != nil {
							logging.Infof(ctx, "Failed to watch %s: %v", ev.Name, err)
						}
					}
				}
				if timer == nil {
					timer = clk.NewTimer(debounce)
				} else {
					select {
					case <-timer.C():
					default:
					}
					timer.Reset(debounce)
				}
				quiet = timer.C()
			case <-quiet:
				quiet = nil
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()
	return ch, nil
}
