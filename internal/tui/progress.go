// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package tui

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/term"

	"github.com/halcyon-journal/modelfetch/pkg/modelfetch"
)

// LiveRenderer renders a cross-platform, adaptive, colorful setup view.
// - Uses ANSI when available; plain text fallback otherwise.
// - Adapts to terminal width/height.
// - Shows the setup step header, aggregate totals, and one row per
//   manifest file in manifest order.
type LiveRenderer struct {
	manifest modelfetch.Manifest
	cfg      modelfetch.Settings

	mu       sync.Mutex
	start    time.Time
	events   chan modelfetch.Event
	done     chan struct{}
	finished chan struct{}
	stopped  bool
	hideCur  bool
	supports bool // ANSI + interactive
	noColor  bool

	step    string
	message string

	totalBytes int64

	// per-file state, indexed in manifest order
	files []*fileState

	// overall rolling speed (EMA smoothed)
	lastTotalBytes int64
	lastTick       time.Time
	smoothedSpeed  float64
}

type fileState struct {
	name   string
	total  int64
	bytes  int64
	status string // "queued","downloading","done","skip","error","paused"
	err    string

	attempt int
}

// EMA smoothing factor (0.1 = very smooth, 0.5 = responsive)
const speedSmoothingFactor = 0.3

func smoothSpeed(current, previous float64) float64 {
	if previous == 0 {
		return current
	}
	// Exponential moving average
	return speedSmoothingFactor*current + (1-speedSmoothingFactor)*previous
}

// NewLiveRenderer creates a new live TUI renderer.
func NewLiveRenderer(manifest modelfetch.Manifest, cfg modelfetch.Settings) *LiveRenderer {
	lr := &LiveRenderer{
		manifest:   manifest,
		cfg:        cfg,
		start:      time.Now(),
		events:     make(chan modelfetch.Event, 2048),
		done:       make(chan struct{}),
		finished:   make(chan struct{}),
		totalBytes: manifest.TotalBytes(),
		noColor:    os.Getenv("NO_COLOR") != "",
	}
	for _, f := range manifest.Files {
		lr.files = append(lr.files, &fileState{name: f.Name, total: f.Size, status: "queued"})
	}
	// Detect interactive + ANSI support
	lr.supports = isInteractive() && ansiOkay()
	if lr.supports && !lr.noColor {
		// Hide cursor
		fmt.Fprint(os.Stdout, "\x1b[?25l")
		lr.hideCur = true
	}
	go lr.loop()
	return lr
}

// Close stops the renderer and restores the terminal.
func (lr *LiveRenderer) Close() {
	lr.mu.Lock()
	if lr.stopped {
		lr.mu.Unlock()
		return
	}
	lr.stopped = true
	close(lr.done)
	lr.mu.Unlock()
	// Join the render loop so the final frame lands before the cursor is
	// restored.
	<-lr.finished
	if lr.hideCur {
		fmt.Fprint(os.Stdout, "\x1b[?25h") // show cursor
	}
	// Final newline to separate from prompt
	fmt.Fprintln(os.Stdout)
}

// Handler returns an EventFunc that feeds events to the renderer.
func (lr *LiveRenderer) Handler() modelfetch.EventFunc {
	return func(ev modelfetch.Event) {
		select {
		case lr.events <- ev:
		default:
			// Drop events if UI is congested; we keep rendering smoothly.
		}
	}
}

func (lr *LiveRenderer) loop() {
	defer close(lr.finished)
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-lr.done:
			lr.render(true)
			return
		case ev := <-lr.events:
			lr.apply(ev)
		case <-ticker.C:
			lr.render(false)
		}
	}
}

func (lr *LiveRenderer) apply(ev modelfetch.Event) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	switch ev.Event {
	case "step":
		lr.step = ev.Step
	case "check_done":
		lr.message = ev.Message
	case "file_start":
		fs := lr.at(ev.Index)
		if fs == nil {
			return
		}
		fs.status = "downloading"
		fs.bytes = ev.Downloaded
	case "file_progress":
		fs := lr.at(ev.Index)
		if fs == nil {
			return
		}
		fs.bytes = ev.Downloaded
	case "retry":
		// Retry events carry the file name but no manifest index.
		for _, fs := range lr.files {
			if fs.name == ev.File {
				fs.attempt = ev.Attempt
				break
			}
		}
	case "file_done":
		fs := lr.at(ev.Index)
		if fs == nil {
			return
		}
		if strings.HasPrefix(strings.ToLower(ev.Message), "skip") {
			fs.status = "skip"
		} else {
			fs.status = "done"
		}
		fs.bytes = fs.total
	case "cancelled":
		lr.message = ev.Message
		for _, fs := range lr.files {
			if fs.status == "downloading" {
				fs.status = "paused"
			}
		}
	case "error":
		lr.message = ev.Message
		for _, fs := range lr.files {
			if fs.name == ev.File && fs.status == "downloading" {
				fs.status = "error"
				fs.err = ev.Message
			}
		}
	case "done":
		lr.message = ev.Message
	}
}

func (lr *LiveRenderer) at(index int) *fileState {
	if index < 0 || index >= len(lr.files) {
		return nil
	}
	return lr.files[index]
}

// stepLabels in pipeline order; the header marks each as done, active, or
// pending by comparing against the current step.
var stepLabels = []string{"checking_model", "downloading_model", "loading_model", "complete"}

func (lr *LiveRenderer) render(final bool) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	// compute size
	w, h := termSize()
	minW := 70
	if w < minW {
		w = minW
	}
	if h < 12 {
		h = 12
	}

	// aggregate totals
	var aggBytes int64
	for _, fs := range lr.files {
		aggBytes += fs.bytes
	}

	// overall speed (EMA smoothed)
	now := time.Now()
	if !lr.lastTick.IsZero() && now.After(lr.lastTick) {
		deltaB := aggBytes - lr.lastTotalBytes
		deltaT := now.Sub(lr.lastTick).Seconds()
		if deltaT > 0.05 {
			instantSpeed := float64(deltaB) / deltaT
			if instantSpeed >= 0 { // a range-ignored restart can regress bytes
				lr.smoothedSpeed = smoothSpeed(instantSpeed, lr.smoothedSpeed)
			}
			lr.lastTick = now
			lr.lastTotalBytes = aggBytes
		}
	} else if lr.lastTick.IsZero() {
		lr.lastTick = now
		lr.lastTotalBytes = aggBytes
	}
	speed := lr.smoothedSpeed

	// overall ETA
	var etaStr string
	if speed > 0 && lr.totalBytes > 0 && aggBytes < lr.totalBytes {
		rem := float64(lr.totalBytes-aggBytes) / speed
		etaStr = fmtDuration(time.Duration(rem) * time.Second)
	} else {
		etaStr = "--:--"
	}

	// Clear + render (ANSI) or plain
	if lr.supports {
		// Clear screen and go home
		fmt.Fprint(os.Stdout, "\x1b[H\x1b[2J")
	}

	// Header
	title := fmt.Sprintf("Model: %s   Dir: %s", lr.manifest.Model, lr.cfg.ModelDir)
	fmt.Fprintln(os.Stdout, colorize(bold(title), "fg=cyan", lr))
	fmt.Fprintln(os.Stdout, dim(lr.stepLine()))
	if lr.message != "" {
		fmt.Fprintln(os.Stdout, dim(lr.message))
	}

	// Totals line with bar
	prog := float64(0)
	if lr.totalBytes > 0 {
		prog = float64(aggBytes) / float64(lr.totalBytes)
		if prog < 0 {
			prog = 0
		}
		if prog > 1 {
			prog = 1
		}
	}
	bar := renderBar(int(float64(w)*0.4), prog)
	speedStr := modelfetch.HumanBytes(int64(speed)) + "/s"
	fmt.Fprintf(os.Stdout, "%s  %s  %s/%s  %s  ETA %s\n",
		colorize(bar, "fg=green", lr),
		percent(prog),
		modelfetch.HumanBytes(aggBytes), modelfetch.HumanBytes(lr.totalBytes),
		speedStr, etaStr,
	)

	// Table header
	fmt.Fprintln(os.Stdout)
	fmt.Fprintln(os.Stdout, headerRow([]string{"Status", "File", "Progress"}, w))

	maxRows := h - 9 // header+steps+totals+footer allowance
	if maxRows < 3 {
		maxRows = 3
	}
	for i, fs := range lr.files {
		if i >= maxRows {
			fmt.Fprintln(os.Stdout, dim(fmt.Sprintf("  ... %d more files", len(lr.files)-i)))
			break
		}
		fmt.Fprintln(os.Stdout, renderFileRow(fs, w, lr))
	}

	// Footer hint
	if lr.supports {
		fmt.Fprintln(os.Stdout, dim(fmt.Sprintf("Press Ctrl+C to pause • resumes from the same byte • %s %s",
			runtime.GOOS, runtime.GOARCH)))
	}
}

// stepLine renders the pipeline header, e.g. "[x] checking  [>] downloading  [ ] loading".
func (lr *LiveRenderer) stepLine() string {
	active := -1
	for i, s := range stepLabels {
		if s == lr.step {
			active = i
		}
	}
	parts := make([]string, len(stepLabels))
	for i, s := range stepLabels {
		mark := "[ ]"
		switch {
		case i < active || lr.step == "complete":
			mark = "[x]"
		case i == active:
			mark = "[>]"
		}
		parts[i] = mark + " " + strings.TrimSuffix(s, "_model")
	}
	return strings.Join(parts, "  ")
}

func renderFileRow(fs *fileState, w int, lr *LiveRenderer) string {
	statusW := 14
	remain := w - (statusW + 6) // gutters
	if remain < 30 {
		remain = 30
	}
	fileW := int(float64(remain) * 0.45)
	if fileW < 18 {
		fileW = 18
	}
	progressW := remain - fileW

	// status
	var st, col string
	switch fs.status {
	case "downloading":
		st, col = "▶", "fg=yellow"
	case "done":
		st, col = "✓", "fg=green"
	case "skip":
		st, col = "•", "fg=blue"
	case "paused":
		st, col = "‖", "fg=magenta"
	case "error":
		st, col = "×", "fg=red"
	default:
		st, col = "…", "fg=magenta"
	}
	label := fs.status
	if fs.attempt > 0 && fs.status == "downloading" {
		label = fmt.Sprintf("retry %d", fs.attempt)
	}
	status := pad(colorize(st+" "+label, col, lr), statusW)

	// filename
	name := ellipsizeMiddle(fs.name, fileW)

	// progress
	var p float64
	if fs.total > 0 {
		p = float64(fs.bytes) / float64(fs.total)
		if p < 0 {
			p = 0
		}
		if p > 1 {
			p = 1
		}
	}
	bar := renderBar(progressW-20, p)
	progTxt := fmt.Sprintf(" %s/%s %s", modelfetch.HumanBytes(fs.bytes), modelfetch.HumanBytes(fs.total), percent(p))
	progress := bar + progTxt
	if utf8.RuneCountInString(progress) > progressW {
		runes := []rune(progress)
		progress = string(runes[:progressW])
	}

	return fmt.Sprintf("%s  %s  %s", status, pad(name, fileW), progress)
}

func headerRow(cols []string, w int) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = bold(c)
	}
	s := strings.Join(parts, "  ")
	if utf8.RuneCountInString(s) > w {
		runes := []rune(s)
		return string(runes[:w])
	}
	return s
}

func ellipsizeMiddle(s string, w int) string {
	if w <= 3 || utf8.RuneCountInString(s) <= w {
		return pad(s, w)
	}
	runes := []rune(s)
	half := (w - 3) / 2
	if 2*half+3 > len(runes) {
		return pad(s, w)
	}
	return pad(string(runes[:half])+"..."+string(runes[len(runes)-half:]), w)
}

func pad(s string, w int) string {
	r := utf8.RuneCountInString(s)
	if r >= w {
		return s
	}
	return s + strings.Repeat(" ", w-r)
}

func renderBar(width int, p float64) string {
	if width < 3 {
		width = 3
	}
	filled := int(p * float64(width))
	if filled > width {
		filled = width
	}
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

func percent(p float64) string {
	return fmt.Sprintf("%3.0f%%", p*100)
}

func fmtDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

func termSize() (int, int) {
	w, h, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 || h <= 0 {
		return 100, 30
	}
	return w, h
}

func isInteractive() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func ansiOkay() bool {
	if runtime.GOOS == "windows" {
		// On modern Windows 10+ terminals this is typically fine.
		// Fall back to plain output when TERM=dumb or NO_COLOR set.
	}
	termEnv := strings.ToLower(os.Getenv("TERM"))
	if termEnv == "dumb" {
		return false
	}
	return true
}

func colorize(s, style string, lr *LiveRenderer) string {
	if lr.noColor || !lr.supports {
		return s
	}
	switch style {
	case "fg=green":
		return "\x1b[32m" + s + "\x1b[0m"
	case "fg=yellow":
		return "\x1b[33m" + s + "\x1b[0m"
	case "fg=red":
		return "\x1b[31m" + s + "\x1b[0m"
	case "fg=blue":
		return "\x1b[34m" + s + "\x1b[0m"
	case "fg=magenta":
		return "\x1b[35m" + s + "\x1b[0m"
	case "fg=cyan":
		return "\x1b[36m" + s + "\x1b[0m"
	default:
		return s
	}
}

func bold(s string) string { return "\x1b[1m" + s + "\x1b[0m" }
func dim(s string) string  { return "\x1b[2m" + s + "\x1b[0m" }
