package engine

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const barWidth = 20

// RenderProgress writes one status line for info, overwriting the previous
// one. speed is in bytes per second; final switches to the summary form.
func RenderProgress(w io.Writer, info TaskInfo, elapsed time.Duration, speed float64, final bool) {
	percent := info.Progress() * 100

	eta := "calc..."
	speedLabel, timeLabel := "Speed", "ETA"
	if final {
		speedLabel, timeLabel = "Avg", "Time"
		eta = elapsed.Truncate(time.Second).String()
		if secs := elapsed.Seconds(); secs > 0.1 {
			speed = float64(info.Received) / secs
		}
	} else if avg := float64(info.Received) / max(elapsed.Seconds(), 0.1); avg > 0 && info.Progress() > 0 {
		left := elapsed.Seconds() * (1 - info.Progress()) / info.Progress()
		eta = (time.Duration(left) * time.Second).String()
	}

	done := min(int(percent/100*barWidth), barWidth)
	bar := strings.Repeat("=", done)
	if done < barWidth {
		bar += ">" + strings.Repeat(" ", barWidth-done-1)
	}

	state := info.State.String()
	if info.Debuffering {
		state = "debuffering"
	}
	fmt.Fprintf(w, "\r[%s] %5.1f%% | %s: %9s/s | %s: %-7s | %s/%s | %-11s",
		bar, percent, speedLabel, humanize.IBytes(uint64(speed)), timeLabel, eta,
		humanize.IBytes(info.Received), humanize.IBytes(uint64(info.Size)), state)
}

// WatchProgress redraws the line for task id every second until ctx ends
// or the task finishes.
func WatchProgress(ctx context.Context, e *Engine, id uint64, w io.Writer) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	started := time.Now()
	var last uint64
	for {
		select {
		case <-ticker.C:
			info, ok := e.Task(id)
			if !ok {
				return
			}
			if info.State.Terminal() {
				RenderProgress(w, info, time.Since(started), 0, true)
				fmt.Fprintln(w)
				return
			}
			RenderProgress(w, info, time.Since(started), float64(info.Received-last), false)
			last = info.Received
		case <-ctx.Done():
			return
		}
	}
}
