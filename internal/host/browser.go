// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package host

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/nya3jp/harness/internal/errors"
	"github.com/nya3jp/harness/internal/logging"
	"github.com/nya3jp/harness/internal/shutil"
)

const browserStopGrace = 5 * time.Second // time to wait after SIGTERM before SIGKILL

// CommandRunner runs an external command and returns its standard output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		return nil, errors.Wrapf(err, "%s failed", shutil.Join(cmd.Args...))
	}
	return out, nil
}

// BrowserOptions configures browser hosts.
type BrowserOptions struct {
	// Path is the browser executable.
	Path string
	// ExtraArgs are appended to the browser command line.
	ExtraArgs []string
	// DialogTitles are regexps matched against window titles owned by the
	// browser to detect blocking dialogs.
	DialogTitles []string
	// Runner runs window-listing commands. Defaults to os/exec.
	Runner CommandRunner
	// Clock times the grace period of Stop. Defaults to the wall clock.
	Clock clock.Clock
}

// NewBrowserFactory returns a Factory creating browser hosts.
func NewBrowserFactory(opts BrowserOptions) (Factory, error) {
	var res []*regexp.Regexp
	for _, s := range opts.DialogTitles {
		re, err := regexp.Compile(s)
		if err != nil {
			return nil, errors.Wrapf(err, "bad dialog title pattern %q", s)
		}
		res = append(res, re)
	}
	if opts.Runner == nil {
		opts.Runner = runCommand
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewClock()
	}
	return func(params LaunchParams) (Host, error) {
		return &Browser{
			opts:        opts,
			params:      params,
			titles:      res,
			descendants: descendantPIDs,
		}, nil
	}, nil
}

// Browser is a Host running a local browser process.
type Browser struct {
	opts        BrowserOptions
	params      LaunchParams
	titles      []*regexp.Regexp
	descendants func(ctx context.Context, pid int32) ([]int32, error)

	mu         sync.Mutex
	cmd        *exec.Cmd
	exited     chan struct{}
	profileDir string
	dialogWin  string // window ID of the last dialog found
}

// Args returns the browser command line arguments.
func (b *Browser) Args(profileDir string) []string {
	var args []string
	if !b.params.Visible {
		args = append(args, "--headless=new")
	}
	if profileDir != "" {
		args = append(args, "--user-data-dir="+profileDir)
	}
	args = append(args, "--no-first-run", "--no-default-browser-check", "--new-window")
	args = append(args, b.opts.ExtraArgs...)
	return append(args, b.params.Address)
}

// Start launches the browser. ctx only bounds the launch itself.
func (b *Browser) Start(ctx context.Context) error {
	if !b.params.ForceStart {
		if pid, ok, err := findRunning(ctx, filepath.Base(b.opts.Path)); err != nil {
			logging.Debugf(ctx, "Failed to look for running browsers: %v", err)
		} else if ok {
			return errors.Errorf("%s is already running as process %d (use force start to launch anyway)", filepath.Base(b.opts.Path), pid)
		}
	}

	var profileDir string
	if b.params.Multi() {
		// Separate profiles keep concurrent instances from joining one
		// browser process.
		dir, err := os.MkdirTemp("", "harness-"+b.params.HostID+".")
		if err != nil {
			return errors.Wrap(err, "failed to create profile directory")
		}
		profileDir = dir
	}

	cmd := exec.Command(b.opts.Path, b.Args(profileDir)...)
	logging.Debugf(ctx, "Starting %s: %s", b.params.HostID, shutil.Join(cmd.Args...))
	if err := cmd.Start(); err != nil {
		if profileDir != "" {
			os.RemoveAll(profileDir)
		}
		return errors.Wrapf(err, "failed to run %s", b.opts.Path)
	}

	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()

	b.mu.Lock()
	b.cmd = cmd
	b.exited = exited
	b.profileDir = profileDir
	b.mu.Unlock()
	return nil
}

// Stop terminates the browser and every process it spawned. Processes
// still running after a grace period are killed.
func (b *Browser) Stop(ctx context.Context) error {
	b.mu.Lock()
	cmd, exited, profileDir := b.cmd, b.exited, b.profileDir
	b.cmd = nil
	b.profileDir = ""
	b.mu.Unlock()

	if profileDir != "" {
		defer os.RemoveAll(profileDir)
	}
	if cmd == nil {
		return nil
	}

	select {
	case <-exited:
		return nil
	default:
	}

	// Children are reparented once the main process dies, so they have to
	// be collected first.
	pid := int32(cmd.Process.Pid)
	children, err := b.descendants(ctx, pid)
	if err != nil {
		logging.Debugf(ctx, "Failed to list child processes of %d: %v", pid, err)
	}
	for _, p := range append([]int32{pid}, children...) {
		signalProcess(ctx, p, (*process.Process).TerminateWithContext)
	}

	tm := b.opts.Clock.NewTimer(browserStopGrace)
	defer tm.Stop()
	select {
	case <-exited:
	case <-tm.C():
	case <-ctx.Done():
	}

	for _, p := range children {
		signalProcess(ctx, p, (*process.Process).KillWithContext)
	}
	select {
	case <-exited:
		return nil
	default:
	}
	if err := cmd.Process.Kill(); err != nil {
		select {
		case <-exited:
			return nil
		default:
			return errors.Wrapf(err, "failed to kill browser process %d", pid)
		}
	}
	<-exited
	return nil
}

// signalProcess applies sig to pid if it still exists.
func signalProcess(ctx context.Context, pid int32, sig func(*process.Process, context.Context) error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return // gone already
	}
	if err := sig(proc, ctx); err != nil {
		logging.Debugf(ctx, "Failed to signal process %d: %v", pid, err)
	}
}

// IsAlive reports whether the browser process is running.
func (b *Browser) IsAlive() bool {
	b.mu.Lock()
	exited := b.exited
	b.mu.Unlock()
	if exited == nil {
		return false
	}
	select {
	case <-exited:
		return false
	default:
		return true
	}
}

// ProcessID returns the browser process ID.
func (b *Browser) ProcessID() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cmd == nil || b.cmd.Process == nil {
		return 0, false
	}
	return b.cmd.Process.Pid, true
}

// QueryBlockingArtifact lists top-level windows and reports the first one
// owned by the browser (or one of its child processes) whose title matches a
// dialog pattern.
func (b *Browser) QueryBlockingArtifact(ctx context.Context) (string, bool, error) {
	pid, ok := b.ProcessID()
	if !ok || len(b.titles) == 0 {
		return "", false, nil
	}
	pids := map[int]bool{pid: true}
	children, err := b.descendants(ctx, int32(pid))
	if err != nil {
		logging.Debugf(ctx, "Failed to list child processes of %d: %v", pid, err)
	}
	for _, c := range children {
		pids[int(c)] = true
	}

	out, err := b.opts.Runner(ctx, "wmctrl", "-lp")
	if err != nil {
		return "", false, errors.Wrap(err, "failed to list windows")
	}
	for _, w := range parseWindowList(out) {
		if !pids[w.pid] {
			continue
		}
		for _, re := range b.titles {
			if re.MatchString(w.title) {
				b.mu.Lock()
				b.dialogWin = w.id
				b.mu.Unlock()
				return w.title, true, nil
			}
		}
	}
	return "", false, nil
}

// DismissBlockingArtifact closes the dialog window last found by
// QueryBlockingArtifact.
func (b *Browser) DismissBlockingArtifact(ctx context.Context) error {
	b.mu.Lock()
	win := b.dialogWin
	b.dialogWin = ""
	b.mu.Unlock()
	if win == "" {
		return nil
	}
	if _, err := b.opts.Runner(ctx, "wmctrl", "-ic", win); err != nil {
		return errors.Wrapf(err, "failed to close window %s", win)
	}
	return nil
}

type window struct {
	id    string
	pid   int
	title string
}

// parseWindowList parses the output of "wmctrl -lp":
//
//	0x03a00003  0 12345  myhost Title of the window
func parseWindowList(out []byte) []window {
	var ws []window
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		pid, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		ws = append(ws, window{
			id:    fields[0],
			pid:   pid,
			title: strings.Join(fields[4:], " "),
		})
	}
	return ws
}

// processTree lists running processes along with the parent of each.
func processTree(ctx context.Context) ([]*process.Process, map[int32]int32, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, nil, err
	}
	parents := make(map[int32]int32, len(procs))
	for _, p := range procs {
		if ppid, err := p.PpidWithContext(ctx); err == nil {
			parents[p.Pid] = ppid
		}
	}
	return procs, parents, nil
}

// descendantPIDs returns the PIDs of all descendants of pid.
func descendantPIDs(ctx context.Context, pid int32) ([]int32, error) {
	procs, parents, err := processTree(ctx)
	if err != nil {
		return nil, err
	}
	var pids []int32
	for _, p := range procs {
		if isDescendant(parents, p.Pid, pid) {
			pids = append(pids, p.Pid)
		}
	}
	return pids, nil
}

// findRunning looks for a running process named name that was not spawned
// by this process. Browsers of sibling hosts in the same run, and the helper
// processes they fork, are descendants of this process and are skipped.
func findRunning(ctx context.Context, name string) (pid int32, found bool, err error) {
	procs, parents, err := processTree(ctx)
	if err != nil {
		return 0, false, err
	}
	self := int32(os.Getpid())
	for _, p := range procs {
		if isDescendant(parents, p.Pid, self) {
			continue
		}
		n, err := p.NameWithContext(ctx)
		if err != nil || n != name {
			continue
		}
		if st, err := p.StatusWithContext(ctx); err == nil && len(st) > 0 && st[0] == process.Zombie {
			continue
		}
		return p.Pid, true, nil
	}
	return 0, false, nil
}

// isDescendant reports whether pid descends from ancestor in the process
// tree described by parents.
func isDescendant(parents map[int32]int32, pid, ancestor int32) bool {
	for i := 0; i < len(parents); i++ {
		ppid, ok := parents[pid]
		if !ok || ppid == pid {
			return false
		}
		if ppid == ancestor {
			return true
		}
		pid = ppid
	}
	return false
}
