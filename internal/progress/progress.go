package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"kdl/internal/scheduler"
)

type Mode int

const (
	ModeQuiet Mode = iota
	ModeText
	ModeJSON
)

const barWidth = 20

// Reporter renders download progress once per second from the shared byte
// counter and, for segmented downloads, the scheduler snapshot. It only
// observes; workers never wait on it.
type Reporter struct {
	mode       Mode
	transferID string
	total      uint64
	hasTotal   bool
	startBytes uint64
	counter    *atomic.Uint64
	sched      *scheduler.Scheduler // nil for the streaming path
	out        io.Writer

	startedAt time.Time
	lastBytes uint64
	stop      chan struct{}
	done      chan struct{}
}

// Event is one line of --json output.
type Event struct {
	Event   string  `json:"event"`
	ID      string  `json:"id"`
	Bytes   uint64  `json:"bytes"`
	Total   uint64  `json:"total,omitempty"`
	Percent float64 `json:"percent,omitempty"`
	Speed   float64 `json:"speed_bps,omitempty"`
	Pending int     `json:"pending,omitempty"`
	Active  int     `json:"active,omitempty"`
	Target  int     `json:"target,omitempty"`
	Error   string  `json:"error,omitempty"`
}

func NewReporter(mode Mode, transferID string, total uint64, hasTotal bool, counter *atomic.Uint64, sched *scheduler.Scheduler) *Reporter {
	return &Reporter{
		mode:       mode,
		transferID: transferID,
		total:      total,
		hasTotal:   hasTotal,
		counter:    counter,
		sched:      sched,
		out:        os.Stdout,
	}
}

// Start begins the render loop. A quiet reporter is a no-op.
func (r *Reporter) Start() {
	r.startedAt = time.Now()
	r.startBytes = r.counter.Load()
	r.lastBytes = r.startBytes
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	if r.mode == ModeJSON {
		r.emit(Event{Event: "start", ID: r.transferID, Bytes: r.startBytes, Total: r.total})
	}

	go func() {
		defer close(r.done)
		if r.mode == ModeQuiet {
			<-r.stop
			return
		}
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.render(false)
			case <-r.stop:
				return
			}
		}
	}()
}

// Finish stops the loop and emits the final render or event.
func (r *Reporter) Finish(err error) {
	close(r.stop)
	<-r.done

	switch r.mode {
	case ModeQuiet:
	case ModeJSON:
		ev := Event{ID: r.transferID, Bytes: r.counter.Load(), Total: r.total}
		if err != nil {
			ev.Event = "failed"
			ev.Error = err.Error()
		} else {
			ev.Event = "complete"
		}
		r.emit(ev)
	default:
		if err != nil {
			// Leave the last partial render in place; the error itself
			// is reported by the logger.
			fmt.Fprintln(r.out)
			return
		}
		r.render(true)
		fmt.Fprintln(r.out)
	}
}

func (r *Reporter) render(final bool) {
	current := r.counter.Load()
	delta := current - r.lastBytes
	r.lastBytes = current

	if r.mode == ModeJSON {
		ev := Event{Event: "progress", ID: r.transferID, Bytes: current, Total: r.total, Speed: float64(delta)}
		if r.hasTotal && r.total > 0 {
			ev.Percent = float64(current) / float64(r.total) * 100
		}
		if r.sched != nil {
			snap := r.sched.Snapshot()
			ev.Pending = snap.Pending
			ev.Active = snap.Active
			ev.Target = snap.TargetParallelism
		}
		r.emit(ev)
		return
	}

	elapsed := time.Since(r.startedAt)
	percent := 0.0
	if r.hasTotal && r.total > 0 {
		percent = float64(current) / float64(r.total) * 100
	}

	speed := float64(delta)
	etaStr := "calc..."
	if final {
		percent = 100.0
		seconds := elapsed.Seconds()
		if seconds < 0.1 {
			seconds = 0.1
		}
		speed = float64(current-r.startBytes) / seconds
		etaStr = elapsed.Truncate(time.Second).String()
	} else if r.hasTotal && elapsed.Seconds() > 0 {
		avg := float64(current-r.startBytes) / elapsed.Seconds()
		if avg > 0 && r.total > current {
			eta := time.Duration(float64(r.total-current)/avg) * time.Second
			etaStr = eta.String()
		}
	}

	completedWidth := int(percent / 100 * barWidth)
	if completedWidth > barWidth {
		completedWidth = barWidth
	}
	bar := strings.Repeat("=", completedWidth)
	if completedWidth < barWidth {
		bar += ">" + strings.Repeat(" ", barWidth-completedWidth-1)
	}

	totalStr := "?"
	if r.hasTotal {
		totalStr = humanize.IBytes(r.total)
	}

	connStr := ""
	if r.sched != nil {
		snap := r.sched.Snapshot()
		connStr = fmt.Sprintf(" | Conn: %d/%d", snap.Active, snap.TargetParallelism)
	}

	speedLabel := "Speed"
	timeLabel := "ETA"
	if final {
		speedLabel = "Avg"
		timeLabel = "Time"
	}

	fmt.Fprintf(r.out, "\r[%s] %5.1f%% | %s: %8s/s | %s: %-8s%s | %s/%s      ",
		bar, percent, speedLabel, humanize.IBytes(uint64(speed)), timeLabel, etaStr,
		connStr, humanize.IBytes(current), totalStr)
}

func (r *Reporter) emit(ev Event) {
	enc := json.NewEncoder(r.out)
	_ = enc.Encode(ev)
}
