package report

import (
	"fmt"
	"strings"
	"sync"
)

type Entry struct {
	Level string
	Msg   string
	Args  []any
}

// Attr returns the value logged under key.
func (e Entry) Attr(key string) (any, bool) {
	for i := 0; i+1 < len(e.Args); i += 2 {
		if k, ok := e.Args[i].(string); ok && k == key {
			return e.Args[i+1], true
		}
	}
	return nil, false
}

type Point struct {
	Value float64
	Step  int
}

// Capture records everything it receives. Tests use it to assert on what a
// component reported.
type Capture struct {
	mu      sync.Mutex
	entries []Entry
	scalars map[string][]Point
}

func NewCapture() *Capture {
	return &Capture{scalars: make(map[string][]Point)}
}

func (c *Capture) add(level, msg string, args []any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, Entry{Level: level, Msg: msg, Args: append([]any(nil), args...)})
}

func (c *Capture) Debug(msg string, args ...any) { c.add("debug", msg, args) }
func (c *Capture) Info(msg string, args ...any)  { c.add("info", msg, args) }
func (c *Capture) Warn(msg string, args ...any)  { c.add("warn", msg, args) }
func (c *Capture) Error(msg string, args ...any) { c.add("error", msg, args) }

func (c *Capture) Scalar(name string, value float64, step int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scalars[name] = append(c.scalars[name], Point{Value: value, Step: step})
}

func (c *Capture) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Entry(nil), c.entries...)
}

// Messages returns the entries whose message contains substr.
func (c *Capture) Messages(substr string) []Entry {
	var out []Entry
	for _, e := range c.Entries() {
		if strings.Contains(e.Msg, substr) {
			out = append(out, e)
		}
	}
	return out
}

func (c *Capture) Series(name string) []Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Point(nil), c.scalars[name]...)
}

func (c *Capture) String() string {
	var b strings.Builder
	for _, e := range c.Entries() {
		fmt.Fprintf(&b, "%s %s %v\n", e.Level, e.Msg, e.Args)
	}
	return b.String()
}
