package broker

import (
	"fmt"
	"io"
	"sync"
	"time"

	"k8s.io/utils/clock"
)

// Printer writes timestamped, human-readable progress lines for the operator.
// A nil Printer discards output.
type Printer struct {
	mu    sync.Mutex
	w     io.Writer
	clock clock.PassiveClock
}

// NewPrinter creates a printer writing to w.
func NewPrinter(w io.Writer, clk clock.PassiveClock) *Printer {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Printer{w: w, clock: clk}
}

// Printf writes one line prefixed with the current UTC time.
func (p *Printer) Printf(format string, args ...any) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.w, "%s %s\n", p.clock.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
}
