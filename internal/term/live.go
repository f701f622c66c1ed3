package term

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/comigor/sqlchat-go/internal/history"
	"github.com/comigor/sqlchat-go/internal/interpret"
)

// Live prints the growth of streamed bot messages as it happens. Each update
// prints only the text appended since the previous one.
type Live struct {
	mu   sync.Mutex
	w    io.Writer
	p    *Printer
	seen map[string]int
}

// NewLive creates a live printer writing to w.
func NewLive(w io.Writer, p *Printer) *Live {
	return &Live{w: w, p: p, seen: make(map[string]int)}
}

// Update handles one message change.
func (l *Live) Update(m history.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.seen[m.ID]
	if len(m.Text) <= n {
		return
	}
	delta := m.Text[n:]
	l.seen[m.ID] = len(m.Text)

	if strings.HasPrefix(delta, interpret.Separator) {
		fmt.Fprintln(l.w, l.p.style(dimStyle, strings.Repeat("-", 24)))
	}
	if strings.TrimSpace(delta) == "" {
		return
	}
	fmt.Fprintln(l.w, l.p.Answer(delta))
}

// Printed reports how much of message id has been printed.
func (l *Live) Printed(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen[id]
}
