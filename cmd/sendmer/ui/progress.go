// Package ui renders transfer progress on stderr.
package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/bruceblink/sendmer/internal/event"
)

// ProgressBar shows progress of a transfer on one terminal line.
type ProgressBar struct {
	mu        sync.Mutex
	out       io.Writer
	label     string
	total     uint64
	current   uint64
	speed     float64
	startTime time.Time
	lastPrint time.Time
	width     int
	done      bool
}

func NewProgressBar(out io.Writer, label string) *ProgressBar {
	return &ProgressBar{
		out:       out,
		label:     label,
		startTime: time.Now(),
		width:     40,
	}
}

// Set updates the bar. Renders at most every 100ms until complete.
func (pb *ProgressBar) Set(current, total uint64, speed float64) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if pb.done {
		return
	}
	pb.current, pb.total, pb.speed = current, total, speed
	pb.print(false)
}

// Finish pins the bar at its total and moves to the next line.
func (pb *ProgressBar) Finish() {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if pb.done {
		return
	}
	pb.done = true
	pb.current = pb.total
	pb.print(true)
	fmt.Fprintf(pb.out, "\n")
}

// Abandon stops rendering without pinning completion.
func (pb *ProgressBar) Abandon() {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	if pb.done {
		return
	}
	pb.done = true
	fmt.Fprintf(pb.out, "\n")
}

// print renders the bar line. Caller holds the lock.
func (pb *ProgressBar) print(force bool) {
	if !force && time.Since(pb.lastPrint) < 100*time.Millisecond && pb.current < pb.total {
		return
	}
	pb.lastPrint = time.Now()

	percent := 0.0
	filled := 0
	if pb.total > 0 {
		percent = float64(pb.current) / float64(pb.total) * 100
		filled = int(float64(pb.width) * float64(pb.current) / float64(pb.total))
		if filled > pb.width {
			filled = pb.width
		}
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", pb.width-filled)

	speed := pb.speed
	if speed == 0 {
		if elapsed := time.Since(pb.startTime).Seconds(); elapsed > 0 {
			speed = float64(pb.current) / elapsed
		}
	}

	if pb.total > 0 && pb.current >= pb.total {
		fmt.Fprintf(pb.out, "\r%s [%s] %6.2f%% | %s/%s | %s/s | Done    ",
			pb.label, bar, percent,
			HumanBytes(pb.current), HumanBytes(pb.total), HumanBytes(uint64(speed)))
		return
	}

	var eta time.Duration
	if speed > 0 && pb.total > pb.current {
		eta = time.Duration(float64(pb.total-pb.current)/speed) * time.Second
	}
	fmt.Fprintf(pb.out, "\r%s [%s] %6.2f%% | %s/%s | %s/s | ETA: %s ",
		pb.label, bar, percent,
		HumanBytes(pb.current), HumanBytes(pb.total), HumanBytes(uint64(speed)), formatETA(eta))
}

func formatETA(d time.Duration) string {
	if d == 0 {
		return "0s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

// HumanBytes formats a byte count in binary units.
func HumanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	units := []string{"KiB", "MiB", "GiB", "TiB", "PiB"}
	return fmt.Sprintf("%.2f %s", float64(n)/float64(div), units[exp])
}

// ConsoleEmitter renders receiver progress as a stderr bar; sender events
// go to the log. showNames echoes incoming file names as they are
// announced.
type ConsoleEmitter struct {
	mu        sync.Mutex
	out       io.Writer
	label     string
	bar       *ProgressBar
	showNames bool
}

func NewConsoleEmitter(out io.Writer, label string, showNames bool) *ConsoleEmitter {
	return &ConsoleEmitter{out: out, label: label, showNames: showNames}
}

func (c *ConsoleEmitter) Emit(ev event.Event) {
	if ev.Role == event.RoleSender {
		event.LogSink{}.Emit(ev)
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.State {
	case event.StateProgress:
		if c.bar == nil {
			c.bar = NewProgressBar(c.out, c.label)
		}
		c.bar.Set(ev.Processed, ev.Total, ev.Speed)
	case event.StateFileNames:
		if c.showNames {
			for _, name := range ev.FileNames {
				fmt.Fprintf(c.out, "%s %s\n", c.label, name)
			}
		}
	case event.StateCompleted:
		if c.bar != nil {
			c.bar.Finish()
			c.bar = nil
		}
	case event.StateFailed:
		// The failure itself surfaces through the returned error; here
		// only the bar line is abandoned.
		if c.bar != nil {
			c.bar.Abandon()
			c.bar = nil
		}
	}
}
