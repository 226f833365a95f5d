package web

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LogEntry is one captured log record.
type LogEntry struct {
	Time    time.Time         `json:"time"`
	Level   string            `json:"level"`
	Message string            `json:"msg"`
	Fields  map[string]string `json:"fields,omitempty"`

	level logrus.Level
}

// Line renders e as a single logfmt-style line.
func (e LogEntry) Line() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %-5s %s", e.Time.UTC().Format("2006-01-02T15:04:05.000Z"), strings.ToUpper(e.Level), e.Message)
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := e.Fields[k]
		if strings.ContainsAny(v, " \"=") {
			v = strconv.Quote(v)
		}
		fmt.Fprintf(&sb, " %s=%s", k, v)
	}
	return sb.String()
}

// LogBuffer is a fixed-size ring of recent log entries for /api/logs.
type LogBuffer struct {
	mu      sync.Mutex
	ring    []LogEntry
	next    int
	full    bool
	dropped uint64
}

func NewLogBuffer(maxEntries int) *LogBuffer {
	if maxEntries <= 0 {
		maxEntries = 2000
	}
	return &LogBuffer{ring: make([]LogEntry, maxEntries)}
}

func (b *LogBuffer) add(e LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full {
		b.dropped++
	}
	b.ring[b.next] = e
	b.next = (b.next + 1) % len(b.ring)
	if b.next == 0 {
		b.full = true
	}
}

// Snapshot returns up to tail of the newest entries at or above minLevel, oldest
// first.
func (b *LogBuffer) Snapshot(tail int, minLevel logrus.Level) (entries []LogEntry, dropped uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.next
	if b.full {
		n = len(b.ring)
	}
	// Walk backwards from the newest entry.
	for i := 0; i < n && len(entries) < tail; i++ {
		e := b.ring[(b.next-1-i+len(b.ring))%len(b.ring)]
		if e.level <= minLevel {
			entries = append(entries, e)
		}
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, b.dropped
}

// Hook returns a logrus hook that captures every entry into b.
func (b *LogBuffer) Hook() logrus.Hook {
	return logHook{b}
}

type logHook struct{ buf *LogBuffer }

func (logHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h logHook) Fire(e *logrus.Entry) error {
	le := LogEntry{
		Time:    e.Time,
		Level:   e.Level.String(),
		Message: e.Message,
		level:   e.Level,
	}
	if len(e.Data) > 0 {
		le.Fields = make(map[string]string, len(e.Data))
		for k, v := range e.Data {
			if err, ok := v.(error); ok {
				le.Fields[k] = err.Error()
				continue
			}
			le.Fields[k] = fmt.Sprint(v)
		}
	}
	h.buf.add(le)
	return nil
}

type LogsResponse struct {
	NowUTC  string     `json:"now_utc"`
	Dropped uint64     `json:"dropped"`
	Entries []LogEntry `json:"entries"`
}

const (
	defaultLogTail = 200
	maxLogTail     = 5000
)

// Handler serves the buffer. Query: tail=N (1..5000), level=warn etc.,
// format=text for plain lines.
func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		tail := defaultLogTail
		if s := q.Get("tail"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 || v > maxLogTail {
				http.Error(w, fmt.Sprintf("tail must be an integer in [1,%d]", maxLogTail), http.StatusBadRequest)
				return
			}
			tail = v
		}
		minLevel := logrus.TraceLevel
		if s := q.Get("level"); s != "" {
			lvl, err := logrus.ParseLevel(s)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			minLevel = lvl
		}

		entries, dropped := b.Snapshot(tail, minLevel)
		if strings.EqualFold(q.Get("format"), "text") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			if dropped > 0 {
				fmt.Fprintf(w, "[dropped=%d]\n", dropped)
			}
			for _, e := range entries {
				fmt.Fprintln(w, e.Line())
			}
			return
		}
		if entries == nil {
			entries = []LogEntry{}
		}
		writeJSON(w, http.StatusOK, LogsResponse{
			NowUTC:  time.Now().UTC().Format(time.RFC3339Nano),
			Dropped: dropped,
			Entries: entries,
		})
	})
}
