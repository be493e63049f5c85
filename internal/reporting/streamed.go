// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package reporting

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/nya3jp/harness/internal/events"
	"github.com/nya3jp/harness/internal/logging"
)

// StreamedResultsFilename is a file name to be used with StreamedWriter.
const StreamedResultsFilename = "streamed_results.jsonl"

// StreamedWriter writes a stream of JSON-marshaled Result objects to a file
// as tests start and finish, so partial results survive a crash.
type StreamedWriter struct {
	ctx        context.Context // for logging write errors
	f          *os.File
	enc        *json.Encoder
	t          *tracker
	last       *Result // result written last
	lastOffset int64   // file offset of the start of the last-written result
}

var _ Consumer = &StreamedWriter{}

// NewStreamedWriter creates and returns a new StreamedWriter for writing to
// a file at path. If the file already exists, new results are appended to it.
// Write errors are logged to ctx.
func NewStreamedWriter(ctx context.Context, path string) (*StreamedWriter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0666)
	if err != nil {
		return nil, err
	}
	eof, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &StreamedWriter{ctx: ctx, f: f, enc: json.NewEncoder(f), t: newTracker(), lastOffset: eof}, nil
}

// Close closes the underlying file.
func (w *StreamedWriter) Close() error {
	return w.f.Close()
}

// Handle writes a record when a test starts and when it finishes. A finished
// result replaces its start record if nothing was written in between;
// otherwise it is appended, and readers should take the last record of each
// test.
func (w *StreamedWriter) Handle(ev events.Event) {
	if ev.Kind == events.RunCompleted {
		w.t.reset()
		w.last = nil
		return
	}
	res, done := w.t.handle(ev)
	if res == nil {
		return
	}
	update := done && w.last == res
	if err := w.write(res, update); err != nil {
		logging.Infof(w.ctx, "Failed to write streamed result of %s: %v", res.FullName(), err)
		return
	}
	w.last = res
}

func (w *StreamedWriter) write(res *Result, update bool) error {
	var err error
	if update {
		// Replace the last record: seek back to its beginning and keep the
		// saved offset.
		if _, err = w.f.Seek(w.lastOffset, io.SeekStart); err != nil {
			return err
		}
		if err = w.f.Truncate(w.lastOffset); err != nil {
			return err
		}
	} else if w.lastOffset, err = w.f.Seek(0, io.SeekCurrent); err != nil {
		return err
	}
	return w.enc.Encode(res)
}
