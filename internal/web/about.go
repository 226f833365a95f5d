package web

import (
	"net/http"
	"runtime"
	"runtime/debug"
	"time"

	"qibla-ng/internal/qibla"
)

// AboutInfo is the static part of /api/about.
type AboutInfo struct {
	Version     string
	Started     time.Time
	Destination qibla.GeoPosition
}

type AboutResponse struct {
	Service     string            `json:"service"`
	NowUTC      string            `json:"now_utc"`
	StartedUTC  string            `json:"started_utc,omitempty"`
	UptimeSec   int64             `json:"uptime_sec,omitempty"`
	Destination qibla.GeoPosition `json:"destination"`
	GoVersion   string            `json:"go_version"`
	ModulePath  string            `json:"module_path,omitempty"`
	Version     string            `json:"version,omitempty"`
	Commit      string            `json:"commit,omitempty"`
	Dirty       bool              `json:"dirty,omitempty"`
}

func AboutHandler(info AboutInfo) http.Handler {
	if info.Destination == (qibla.GeoPosition{}) {
		info.Destination = qibla.Kaaba
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().UTC()
		resp := AboutResponse{
			Service:     "qibla-ng",
			NowUTC:      now.Format(time.RFC3339Nano),
			Destination: info.Destination,
			GoVersion:   runtime.Version(),
			Version:     info.Version,
		}
		if !info.Started.IsZero() {
			resp.StartedUTC = info.Started.UTC().Format(time.RFC3339)
			resp.UptimeSec = int64(now.Sub(info.Started).Seconds())
		}

		if bi, ok := debug.ReadBuildInfo(); ok && bi != nil {
			resp.ModulePath = bi.Main.Path
			if resp.Version == "" {
				resp.Version = bi.Main.Version
			}
			for _, s := range bi.Settings {
				switch s.Key {
				case "vcs.revision":
					resp.Commit = s.Value
				case "vcs.modified":
					resp.Dirty = s.Value == "true"
				}
			}
		}
		writeJSON(w, http.StatusOK, resp)
	})
}
