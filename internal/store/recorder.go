package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"qibla-ng/internal/engine"
	"qibla-ng/internal/qibla"
)

const (
	sessionPrefix  = "session/"
	lastSessionKey = "session/last"
)

// Session summarizes one engine run.
type Session struct {
	ID         string             `json:"id"`
	StartedAt  time.Time          `json:"started_utc"`
	UpdatedAt  time.Time          `json:"updated_utc"`
	Position   *qibla.GeoPosition `json:"position,omitempty"`
	BearingDeg float64            `json:"bearing_deg"`
	DistanceKm float64            `json:"distance_km"`
	Source     string             `json:"source,omitempty"`
	Alignments uint64             `json:"alignments"`
	Stalls     uint64             `json:"stalls"`
	MaxRetries int                `json:"max_retry_count"`
	Phase      engine.Phase       `json:"phase"`
	Status     string             `json:"status"`
}

// Recorder keeps a Session up to date from engine state and writes it to
// session/<id> and session/last. It only writes; nothing is read back into
// the engine.
type Recorder struct {
	kv       *KV
	log      logrus.FieldLogger
	interval time.Duration
	now      func() time.Time

	session Session
	dirty   bool
}

func NewRecorder(kv *KV, interval time.Duration, log logrus.FieldLogger) *Recorder {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Recorder{kv: kv, interval: interval, now: time.Now}
	r.session = Session{ID: uuid.NewString(), StartedAt: r.now().UTC()}
	r.log = log.WithFields(logrus.Fields{"component": "recorder", "session": r.session.ID})
	return r
}

func (r *Recorder) ID() string { return r.session.ID }

// Run consumes updates until ctx is done or updates is closed, then writes
// the final summary.
func (r *Recorder) Run(ctx context.Context, updates <-chan engine.State) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	defer r.finalFlush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			if r.apply(st) {
				r.flush(ctx)
			}
		case <-t.C:
			if r.dirty {
				r.flush(ctx)
			}
		}
	}
}

// apply folds st into the session and reports whether it should be written
// right away.
func (r *Recorder) apply(st engine.State) bool {
	s := &r.session
	important := st.Phase != s.Phase || st.PulseSeq != s.Alignments || st.ShakeSeq != s.Stalls

	if st.HasPosition {
		p := st.Position
		s.Position = &p
		s.BearingDeg = st.BearingDeg
		s.DistanceKm = st.DistanceKm
	}
	if st.Source != "" {
		s.Source = st.Source
	}
	if st.RetryCount > s.MaxRetries {
		s.MaxRetries = st.RetryCount
	}
	s.Alignments = st.PulseSeq
	s.Stalls = st.ShakeSeq
	s.Phase = st.Phase
	s.Status = st.Status
	s.UpdatedAt = r.now().UTC()
	r.dirty = true
	return important
}

func (r *Recorder) flush(ctx context.Context) {
	if err := r.write(ctx); err != nil {
		r.log.WithError(err).Warn("session write failed")
		return
	}
	r.dirty = false
}

func (r *Recorder) finalFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r.flush(ctx)
}

func (r *Recorder) write(ctx context.Context) error {
	if err := r.kv.Set(ctx, sessionPrefix+r.session.ID, r.session); err != nil {
		return err
	}
	return r.kv.Set(ctx, lastSessionKey, r.session)
}

// LastSession returns the most recently written session.
func LastSession(ctx context.Context, kv *KV) (Session, bool, error) {
	var s Session
	ok, err := kv.Get(ctx, lastSessionKey, &s)
	return s, ok, err
}

// SessionIDs lists every recorded session id.
func SessionIDs(ctx context.Context, kv *KV) ([]string, error) {
	keys, err := kv.Keys(ctx, sessionPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == lastSessionKey {
			continue
		}
		ids = append(ids, k[len(sessionPrefix):])
	}
	return ids, nil
}
