// Package web serves the engine's state and controls over HTTP.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"qibla-ng/internal/engine"
	"qibla-ng/internal/qibla"
	"qibla-ng/internal/store"
)

// Controller is the engine surface the web layer drives.
type Controller interface {
	Snapshot() engine.State
	Updates() *engine.Broadcaster
	Retry() error
	Recenter() error
	Background() error
	Foreground() error
}

// SessionLookup returns the most recently recorded session.
type SessionLookup func(ctx context.Context) (store.Session, bool, error)

type Options struct {
	Engine      Controller
	Logs        *LogBuffer
	Sessions    SessionLookup
	Destination qibla.GeoPosition
	About       AboutInfo
	Log         logrus.FieldLogger
}

const (
	streamBuffer       = 8
	streamWriteTimeout = 5 * time.Second
	streamPingInterval = 20 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The UI is served from this same process; other origins are LAN tools.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func Handler(opts Options) http.Handler {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if !opts.Destination.Valid() || opts.Destination == (qibla.GeoPosition{}) {
		opts.Destination = qibla.Kaaba
	}
	log := opts.Log.WithField("component", "web")
	ctrl := opts.Engine

	r := mux.NewRouter()
	// The index goes first: a later method-restricted route would mask the
	// subrouter's 405 with a 404.
	r.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(indexHTML))
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if ctrl == nil {
			http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, ctrl.Snapshot())
	}).Methods(http.MethodGet)

	for name, action := range map[string]func(Controller) error{
		"retry":      Controller.Retry,
		"recenter":   Controller.Recenter,
		"background": Controller.Background,
		"foreground": Controller.Foreground,
	} {
		api.HandleFunc("/"+name, controlHandler(ctrl, name, action, log)).Methods(http.MethodPost)
	}

	api.HandleFunc("/stream", streamHandler(ctrl, log)).Methods(http.MethodGet)
	api.HandleFunc("/bearing", bearingHandler(opts.Destination)).Methods(http.MethodGet)

	api.HandleFunc("/session", func(w http.ResponseWriter, r *http.Request) {
		if opts.Sessions == nil {
			http.Error(w, "session store disabled", http.StatusNotFound)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		s, ok, err := opts.Sessions(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !ok {
			http.Error(w, "no session recorded", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, s)
	}).Methods(http.MethodGet)

	if opts.Logs != nil {
		api.Handle("/logs", opts.Logs.Handler()).Methods(http.MethodGet)
	}
	api.Handle("/about", AboutHandler(opts.About)).Methods(http.MethodGet)

	return r
}

func controlHandler(ctrl Controller, name string, action func(Controller) error, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctrl == nil {
			http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := action(ctrl); err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, engine.ErrClosed) || errors.Is(err, engine.ErrNotStarted) {
				code = http.StatusServiceUnavailable
			}
			log.WithError(err).WithField("action", name).Warn("control request failed")
			http.Error(w, err.Error(), code)
			return
		}
		log.WithField("action", name).Debug("control request")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte("{\"ok\":true}\n"))
	}
}

// streamHandler pushes every engine state to a WebSocket client until
// either side goes away.
func streamHandler(ctrl Controller, log logrus.FieldLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ctrl == nil {
			http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.WithError(err).Debug("websocket upgrade failed")
			return
		}
		defer conn.Close()

		id, ch := ctrl.Updates().Subscribe(streamBuffer)
		defer ctrl.Updates().Unsubscribe(id)

		// Drain client frames so pongs and close frames are processed.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(streamPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-gone:
				return
			case st, ok := <-ch:
				if !ok {
					msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "engine stopped")
					_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				if err := conn.WriteJSON(st); err != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
					return
				}
			}
		}
	}
}

type BearingResponse struct {
	Position    qibla.GeoPosition `json:"position"`
	Destination qibla.GeoPosition `json:"destination"`
	BearingDeg  float64           `json:"bearing_deg"`
	DistanceKm  float64           `json:"distance_km"`
}

func bearingHandler(dest qibla.GeoPosition) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		lat, err1 := strconv.ParseFloat(strings.TrimSpace(q.Get("lat")), 64)
		lon, err2 := strconv.ParseFloat(strings.TrimSpace(q.Get("lon")), 64)
		p := qibla.GeoPosition{Lat: lat, Lng: lon}
		if err1 != nil || err2 != nil || !p.Valid() {
			http.Error(w, "lat must be in [-90,90] and lon in [-180,180]", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, BearingResponse{
			Position:    p,
			Destination: dest,
			BearingDeg:  qibla.Bearing(p.Lat, p.Lng, dest.Lat, dest.Lng),
			DistanceKm:  qibla.DistanceKm(p, dest),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	if h == nil {
		return fmt.Errorf("web: nil handler")
	}
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
