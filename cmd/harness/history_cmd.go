// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/subcommands"

	"github.com/nya3jp/harness/internal/history"
	"github.com/nya3jp/harness/internal/logging"
)

// historyCmd implements subcommands.Command to list recorded sessions.
type historyCmd struct {
	out   io.Writer
	db    string
	count int
}

var _ = subcommands.Command(&historyCmd{})

func (*historyCmd) Name() string     { return "history" }
func (*historyCmd) Synopsis() string { return "list recent run sessions" }
func (*historyCmd) Usage() string {
	return `Usage: history -db <path> [flag]...

Description:
    Lists the sessions recorded in a history database, newest first.

Flag:
`
}

func (h *historyCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&h.db, "db", "", "SQLite history database written by -history")
	f.IntVar(&h.count, "n", 20, "maximum number of sessions to list")
}

func (h *historyCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if h.db == "" || f.NArg() > 0 || h.count < 1 {
		logging.Info(ctx, h.Usage())
		return subcommands.ExitUsageError
	}
	st, err := history.Open(h.db)
	if err != nil {
		logging.Info(ctx, err)
		return subcommands.ExitFailure
	}
	defer st.Close()

	recs, err := st.Recent(ctx, h.count)
	if err != nil {
		logging.Info(ctx, err)
		return subcommands.ExitFailure
	}
	writeHistory(h.out, recs)
	return subcommands.ExitSuccess
}

func writeHistory(w io.Writer, recs []history.Record) {
	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tMODE\tHOSTS\tSTART\tDURATION\tVERDICT\tDETAIL")
	for _, r := range recs {
		detail := r.Reason
		if r.Message != "" {
			if detail != "" {
				detail += ": "
			}
			detail += r.Message
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%v\t%s\t%s\n",
			r.SessionID, r.Mode, r.Hosts, r.Start.Local().Format(time.DateTime), r.Duration().Round(time.Millisecond), r.Verdict, detail)
	}
	tw.Flush()
}
