package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/spf13/cobra"

	"astrostack/internal/config"
	"astrostack/internal/pipeline"
	"astrostack/internal/storage"
	"astrostack/internal/watch"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	root := NewRoot(pipe, cfg, log, store)

	rootCmd := &cobra.Command{
		Use:   "astrostack",
		Short: "Astrostack calibrates, registers and stacks astrophotography frames",
		Long: `Astrostack combines sequences of light frames into a single deep image:
calibration with master darks/flats/biases, star detection, RANSAC frame
registration, and outlier-rejecting pixel stacking.`,
	}

	rootCmd.AddCommand(newStackCmd(root))
	rootCmd.AddCommand(newDetectCmd(root))
	rootCmd.AddCommand(newCalibrateCmd(root))
	rootCmd.AddCommand(newScanCmd(root))
	rootCmd.AddCommand(newSessionsCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newStackCmd(root *Root) *cobra.Command {
	var (
		method    string
		sigma     float64
		alignment string
		quality   bool
		output    string
		darks     []string
		flats     []string
		biases    []string
		session   string
	)

	cmd := &cobra.Command{
		Use:   "stack [lights_directory]",
		Short: "Calibrate, register and stack a sequence of light frames",
		Long: `Stack light frames into a single result.

Examples:
  # Sigma-clipped stack of a directory of lights
  astrostack stack /astro/m31/lights --method sigma --sigma 2.5 -o m31.fits

  # Full calibration with master frame directories
  astrostack stack /astro/m31/lights --dark /astro/darks --flat /astro/flats

  # Quality-weighted stack with affine registration
  astrostack stack /astro/m31/lights --method weighted --alignment full

  # Stack a capture session straight from the capture log
  astrostack stack --session sess-20260815-01 -o m31.fits`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := ""
			if len(args) > 0 {
				input = args[0]
			}
			if input == "" && session == "" {
				return fmt.Errorf("either a lights directory or --session is required")
			}

			root.log.Info("stack command parsed",
				"input", input,
				"output", output,
				"method", method,
				"alignment", alignment,
				"session", session,
			)

			job := pipeline.Job{
				ID:        newID("stack"),
				Type:      pipeline.JobStack,
				InputPath: input,
				Output:    output,
				Options: map[string]any{
					"method":    method,
					"sigma":     sigma,
					"alignment": alignment,
					"quality":   quality,
					"darks":     darks,
					"flats":     flats,
					"biases":    biases,
					"session":   session,
					"source":    "cli",
				},
			}

			return root.enqueueAndWait(cmd.Context(), job)
		},
	}

	cmd.Flags().StringVar(&method, "method", "", "stacking method (average|median|sigma|winsorized|min|max|weighted), config default if empty")
	cmd.Flags().Float64Var(&sigma, "sigma", 0, "clipping threshold in standard deviations for sigma/winsorized")
	cmd.Flags().StringVar(&alignment, "alignment", "", "registration mode (none|translation|full), config default if empty")
	cmd.Flags().BoolVar(&quality, "quality", false, "compute per-frame quality metrics")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output FITS path")
	cmd.Flags().StringSliceVar(&darks, "dark", nil, "dark frame files or directories")
	cmd.Flags().StringSliceVar(&flats, "flat", nil, "flat frame files or directories")
	cmd.Flags().StringSliceVar(&biases, "bias", nil, "bias frame files or directories")
	cmd.Flags().StringVar(&session, "session", "", "stack a capture-log session instead of a directory")

	return cmd
}

func newDetectCmd(root *Root) *cobra.Command {
	var (
		sigma   float64
		overlay string
	)

	cmd := &cobra.Command{
		Use:   "detect <frame>",
		Short: "Detect stars in a single frame",
		Long: `Run source extraction on one frame and report the star catalog summary.

Examples:
  astrostack detect /astro/m31/lights/light_0001.fits
  astrostack detect light_0001.fits --overlay annotated.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("detect"),
				Type:      pipeline.JobDetect,
				InputPath: args[0],
				Output:    overlay,
				Options: map[string]any{
					"sigma":  sigma,
					"source": "cli",
				},
			}
			return root.enqueueAndWait(cmd.Context(), job)
		},
	}

	cmd.Flags().Float64Var(&sigma, "sigma", 0, "detection threshold in noise sigmas, config default if 0")
	cmd.Flags().StringVar(&overlay, "overlay", "", "write an annotated PNG with detected stars circled")

	return cmd
}

func newCalibrateCmd(root *Root) *cobra.Command {
	var (
		role   string
		output string
	)

	cmd := &cobra.Command{
		Use:   "calibrate <frames_directory>",
		Short: "Combine calibration frames into a master frame",
		Long: `Median-combine calibration frames into a master dark, flat or bias.

Examples:
  astrostack calibrate /astro/darks --role dark -o master_dark.fits
  astrostack calibrate /astro/flats --role flat -o master_flat.fits`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("cal"),
				Type:      pipeline.JobCalibrate,
				InputPath: args[0],
				Output:    output,
				Options: map[string]any{
					"role":   role,
					"source": "cli",
				},
			}
			return root.enqueueAndWait(cmd.Context(), job)
		},
	}

	cmd.Flags().StringVar(&role, "role", "dark", "calibration role (dark|flat|bias)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "master frame output path")

	return cmd
}

func newScanCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <directory>",
		Short: "Scan a directory and summarize the frame files found",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("scan"),
				Type:      pipeline.JobScan,
				InputPath: args[0],
				Options:   map[string]any{"source": "cli"},
			}
			return root.enqueueAndWait(cmd.Context(), job)
		},
	}
}

func newSessionsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recent imaging sessions from the capture log",
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := root.sessions(limit)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("No sessions in capture log")
				return nil
			}
			for _, s := range sessions {
				fmt.Printf("%-24s %-16s %s  %d frames\n",
					s.ID, s.Target, s.StartedAt.Format("2006-01-02 15:04"), s.Frames)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to list")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		dir      string
		debounce int
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the capture directory and report arriving frames",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = root.cfg.Watch.Directory
			}
			if dir == "" {
				return fmt.Errorf("no watch directory configured, set --dir or watch.directory")
			}
			if debounce <= 0 {
				debounce = root.cfg.Watch.DebounceMS
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			w, err := watch.New(dir, time.Duration(debounce)*time.Millisecond, root.store, root.log)
			if err != nil {
				return err
			}
			go func() {
				for ev := range w.Events {
					fmt.Printf("%s  %-8s  %s\n", ev.Time.Format("15:04:05"), ev.Operation, ev.Path)
				}
			}()
			if err := w.Run(ctx); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "directory to watch (default: watch.directory from config)")
	cmd.Flags().IntVar(&debounce, "debounce", 0, "settle time in milliseconds before reporting a frame")

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start an HTTP server exposing job submission, job history, per-frame
diagnostics, and live progress over SSE and websockets.

Examples:
  astrostack serve
  astrostack serve --addr :9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				addr = root.cfg.Server.Listen
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			root.log.Info("starting server", "addr", addr)
			return root.serveFn(ctx, addr, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address (default: server.listen from config)")
	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate astrostack configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return err
			}
			fmt.Println("Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion()
		},
	}
}
