package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"qibla-ng/internal/config"
	"qibla-ng/internal/logging"
	"qibla-ng/internal/qibla"
	"qibla-ng/internal/store"
	"qibla-ng/internal/web"
)

var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "qibla-ng",
		Short: "Qibla direction engine",
		Long: `qibla-ng finds the device position, reads a compass heading and guides
the holder toward the Qibla, with a pulse when aligned.

Without a subcommand it runs the engine (same as "qibla-ng run").`,
		Version:      version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context(), configPath, cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "./qibla-ng.yaml", "Path to YAML config")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the engine, web UI and publishers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runEngine(cmd.Context(), configPath, cmd.ErrOrStderr())
			},
		},
		newBearingCmd(),
		newCheckCmd(&configPath),
		newSessionCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return root
}

// loadConfig reads path; a missing file yields the defaults.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if os.IsNotExist(err) {
		return config.Parse(nil)
	}
	return config.Config{}, fmt.Errorf("config load failed: %w", err)
}

func runEngine(ctx context.Context, configPath string, stderr io.Writer) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, stderr)
	if err != nil {
		return err
	}
	logs := web.NewLogBuffer(cfg.Web.LogLines)
	log.AddHook(logs.Hook())

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newRuntime(ctx, cfg, log, logs)
	if err != nil {
		log.WithError(err).Error("startup failed")
		return err
	}
	defer rt.Close()

	log.WithFields(logrus.Fields{
		"version":  version,
		"location": rt.cfg.Location.Source,
		"platform": rt.cfg.Heading.Platform,
		"mag":      rt.cfg.Heading.Magnetometer,
		"dest":     rt.dest.String(),
	}).Info("qibla-ng starting")
	err = rt.Run(ctx)
	log.Info("qibla-ng stopping")
	return err
}

type bearingOutput struct {
	From       qibla.GeoPosition `json:"from"`
	To         qibla.GeoPosition `json:"to"`
	BearingDeg float64           `json:"bearing_deg"`
	DistanceKm float64           `json:"distance_km"`

	HeadingDeg *float64         `json:"heading_deg,omitempty"`
	Alignment  *qibla.Alignment `json:"alignment,omitempty"`
	Guidance   string           `json:"guidance,omitempty"`
}

const bearingExample = `  qibla-ng bearing --lat 51.5074 --lon -0.1278
  qibla-ng bearing --lat=-33.8688 --lon=151.2093 --heading 290`

func newBearingCmd() *cobra.Command {
	var (
		lat, lon   float64
		headingDeg float64
		threshold  float64
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:     "bearing --lat LAT --lon LON",
		Short:   "Print the Qibla bearing and distance from a position",
		Example: bearingExample,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			from := qibla.GeoPosition{Lat: lat, Lng: lon}
			if !from.Valid() {
				return fmt.Errorf("position %s out of range", from)
			}

			out := bearingOutput{
				From:       from,
				To:         qibla.Kaaba,
				BearingDeg: qibla.QiblaBearing(from),
				DistanceKm: qibla.DistanceKm(from, qibla.Kaaba),
			}
			if cmd.Flags().Changed("heading") {
				h := qibla.Normalize(headingDeg)
				a := qibla.Evaluate(h, out.BearingDeg, threshold)
				out.HeadingDeg = &h
				out.Alignment = &a
				out.Guidance = a.Text()
			}

			w := cmd.OutOrStdout()
			if asJSON {
				b, err := json.MarshalIndent(out, "", "  ")
				if err != nil {
					return err
				}
				_, err = w.Write(append(b, '\n'))
				return err
			}
			fmt.Fprintf(w, "bearing  %.1f°\n", out.BearingDeg)
			fmt.Fprintf(w, "distance %.0f km\n", out.DistanceKm)
			if out.Alignment != nil {
				fmt.Fprintf(w, "heading  %.1f°\n", *out.HeadingDeg)
				fmt.Fprintln(w, out.Guidance)
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&lat, "lat", 0, "Latitude in degrees, south negative")
	cmd.Flags().Float64Var(&lon, "lon", 0, "Longitude in degrees, west negative")
	_ = cmd.MarkFlagRequired("lat")
	_ = cmd.MarkFlagRequired("lon")
	cmd.Flags().Float64Var(&headingDeg, "heading", 0, "Current heading in degrees; prints turn guidance")
	cmd.Flags().Float64Var(&threshold, "threshold", qibla.DefaultAlignThresholdDeg, "Alignment threshold in degrees")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newCheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and print it as YAML with defaults applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.MQTT.Password != "" {
				cfg.MQTT.Password = "********"
			}
			b, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
}

func newSessionCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "session",
		Short: "Print the last recorded session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			log, err := logging.New("warn", cfg.Log.Format, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			kv, err := openStoreFn(cmd.Context(), storePath(cfg), log)
			if err != nil {
				return err
			}
			defer kv.Close()

			s, ok, err := store.LastSession(cmd.Context(), kv)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no session recorded in %s", storePath(cfg))
			}
			b, err := json.MarshalIndent(s, "", "  ")
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(b, '\n'))
			return err
		},
	}
}

func storePath(cfg config.Config) string {
	if cfg.Store.Path != "" {
		return cfg.Store.Path
	}
	return "qibla-ng.db"
}
