package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"parallelmorph/internal/backend"
	"parallelmorph/internal/config"
	"parallelmorph/internal/manifest"
	"parallelmorph/internal/pipeline"
	"parallelmorph/internal/storage"
	"parallelmorph/internal/warp"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe pipelineClient, backends *backend.Registry) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store, backends))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "morph",
		Short: "Field morphing between two images",
		Long: `morph renders the frames of a feature-based (Beier-Neely) morph between a start
and an end image, guided by pairs of corresponding line segments.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newRenderCmd(root))
	rootCmd.AddCommand(newBackendsCmd(root))
	rootCmd.AddCommand(newRunsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func newRenderCmd(root *Root) *cobra.Command {
	var (
		manifestPath string
		name         string
		start        string
		end          string
		lines        string
		frames       int
		a, b, p      float64
		backendName  string
		device       string
		workers      int
		fit          bool
		format       string
		output       string
		fps          int
		remote       string
		remoteCA     string
		probe        bool
	)

	cmd := &cobra.Command{
		Use:   "render [start end lines]",
		Short: "Render the frames of a morph",
		Long: `Render every frame of a morph, either from a manifest file or from a start
image, an end image and a line-pair file. Frame 0 is the start image and the
last frame is the end image.

Examples:
  morph render face-a.jpg face-b.jpg face.lines.yaml --frames 48 -o out/face.mp4
  morph render --manifest jobs/face.morph.yaml --backend sequential
  morph render --manifest jobs/face.morph.yaml --remote render-box:9090`,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 0 && len(args) != 3 {
				return fmt.Errorf("expected start, end and lines arguments, got %d", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var m *manifest.Manifest
			if manifestPath != "" {
				if len(args) > 0 {
					return fmt.Errorf("positional inputs cannot be combined with --manifest")
				}
				loaded, err := manifest.Load(manifestPath)
				if err != nil {
					return err
				}
				m = loaded
			} else {
				if len(args) == 3 {
					start, end, lines = args[0], args[1], args[2]
				}
				m = &manifest.Manifest{Start: start, End: end, Lines: lines}
				cwd, err := os.Getwd()
				if err != nil {
					return err
				}
				m.Resolve(cwd)
				m.Name = defaultRunName(m.Start, m.End)
			}

			f := cmd.Flags()
			if f.Changed("name") {
				m.Name = name
			}
			if f.Changed("frames") {
				m.Frames = frames
			}
			if f.Changed("backend") {
				m.Backend = backendName
			}
			if f.Changed("device") {
				m.Device = device
			}
			if f.Changed("workers") {
				m.Workers = workers
			}
			if f.Changed("fit") {
				m.Fit = fit
			}
			if f.Changed("format") {
				m.Output.Format = format
			}
			if f.Changed("output") {
				abs, err := filepath.Abs(output)
				if err != nil {
					return err
				}
				m.Output.Path = abs
			}
			if f.Changed("fps") {
				m.Output.FPS = fps
			}
			if f.Changed("a") || f.Changed("b") || f.Changed("p") {
				w := root.cfg.MorphOptions().Params
				if m.Weights != nil {
					w = *m.Weights
				}
				if f.Changed("a") {
					w.A = a
				}
				if f.Changed("b") {
					w.B = b
				}
				if f.Changed("p") {
					w.P = p
				}
				m.Weights = &w
			}
			if err := m.Validate(); err != nil {
				return err
			}

			job := pipeline.ManifestJob(m)
			if probe {
				job.Type = pipeline.JobProbe
			}

			root.log.Info("render command parsed",
				"name", m.Name,
				"start", m.Start,
				"end", m.End,
				"frames", m.Frames,
				"backend", m.Backend,
				"format", m.Output.Format,
				"remote", remote,
			)

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			if remote != "" {
				return root.remoteAndWait(ctx, cmd.OutOrStdout(), remote, remoteCA, job)
			}
			return root.enqueueAndWait(ctx, cmd.OutOrStdout(), job)
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "manifest file (*.morph.yaml or *.morph.json)")
	cmd.Flags().StringVar(&name, "name", "", "run name")
	cmd.Flags().StringVar(&start, "start", "", "start image")
	cmd.Flags().StringVar(&end, "end", "", "end image")
	cmd.Flags().StringVar(&lines, "lines", "", "line-pair file (yaml or json)")
	cmd.Flags().IntVarP(&frames, "frames", "n", 0, "number of frames including both endpoints (default from config)")
	cmd.Flags().Float64Var(&a, "a", warp.DefaultParams.A, "weight parameter a (> 0)")
	cmd.Flags().Float64Var(&b, "b", warp.DefaultParams.B, "weight parameter b")
	cmd.Flags().Float64Var(&p, "p", warp.DefaultParams.P, "weight parameter p")
	cmd.Flags().StringVar(&backendName, "backend", "", "compute backend (sequential|parallel|accelerated)")
	cmd.Flags().StringVar(&device, "device", "", "accelerator device path for the accelerated backend")
	cmd.Flags().IntVar(&workers, "workers", 0, "goroutines per frame for the parallel backend, 0 = GOMAXPROCS")
	cmd.Flags().BoolVar(&fit, "fit", false, "resample the end image to the start image size")
	cmd.Flags().StringVarP(&format, "format", "f", "", "output format (png|mp4|webm|gif|webp), inferred from --output when empty")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (png) or file")
	cmd.Flags().IntVar(&fps, "fps", 0, "frames per second for video and animation output")
	cmd.Flags().StringVar(&remote, "remote", "", "submit to a morph gRPC service at host:port instead of rendering locally")
	cmd.Flags().StringVar(&remoteCA, "remote-ca", "", "CA bundle for a TLS connection to --remote")
	cmd.Flags().BoolVar(&probe, "probe", false, "only load and check the inputs")

	return cmd
}

func defaultRunName(start, end string) string {
	base := func(p string) string {
		b := filepath.Base(p)
		return strings.TrimSuffix(b, filepath.Ext(b))
	}
	if start == "" || end == "" {
		return ""
	}
	return base(start) + "-" + base(end)
}

func newBackendsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List compute backends and accelerator devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Backends:")
			for _, name := range root.backends.Names() {
				marker := " "
				if name == root.cfg.Morph.Backend {
					marker = "*"
				}
				fmt.Fprintf(out, " %s %s\n", marker, name)
			}
			devices := root.backends.Devices()
			fmt.Fprintf(out, "\nAccelerators (max %d line pairs):\n", backend.MaxAcceleratedPairs)
			if len(devices) == 0 {
				fmt.Fprintln(out, "  none")
			}
			for _, d := range devices {
				fmt.Fprintf(out, "  %s  %s\n", d.Path, d.Description)
			}
			return nil
		},
	}
}

func newRunsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [id]",
		Short: "List recent runs or show one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				return showRun(out, root.store, args[0])
			}

			runs, err := root.store.RecentRuns(limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tFRAMES\tPROGRESS\tNAME\tCREATED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d%%\t%s\t%s\n",
					r.ID, r.Status, r.FramesDone, r.Frames, r.Progress, r.Name, r.CreatedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	return cmd
}

func showRun(out io.Writer, store runStore, id string) error {
	r, err := store.Run(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "ID:       %s\n", r.ID)
	fmt.Fprintf(out, "Name:     %s\n", r.Name)
	fmt.Fprintf(out, "Status:   %s\n", r.Status)
	fmt.Fprintf(out, "Start:    %s\n", r.StartPath)
	fmt.Fprintf(out, "End:      %s\n", r.EndPath)
	fmt.Fprintf(out, "Output:   %s\n", r.OutputPath)
	fmt.Fprintf(out, "Backend:  %s\n", r.Backend)
	fmt.Fprintf(out, "Frames:   %d/%d (%d%%)\n", r.FramesDone, r.Frames, r.Progress)
	if r.Error != "" {
		fmt.Fprintf(out, "Error:    %s\n", r.Error)
	}
	meta, err := store.RunMeta(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	for k, v := range meta {
		fmt.Fprintf(out, "  %s: %v\n", k, v)
	}
	return nil
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr       string
		grpcAddr   string
		watchPaths []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, optionally with gRPC and a watch folder",
		Long: `Start an HTTP server for submitting, listing and cancelling runs, with live
progress over server-sent events (/stream) and websockets (/ws). A gRPC service
and manifest hot folders can run alongside it.

Examples:
  morph serve --addr :8080
  morph serve --addr :8080 --grpc :9090 --watch /srv/morph/inbox`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			root.log.Info("starting server",
				"addr", addr,
				"grpc_addr", grpcAddr,
				"watch_paths", watchPaths,
			)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return root.serveHTTP(gctx, addr)
			})
			if grpcAddr != "" {
				g.Go(func() error {
					return root.serveGRPC(gctx, grpcAddr)
				})
			}
			if len(watchPaths) > 0 {
				done, err := root.startWatch(gctx, watchPaths)
				if err != nil {
					stop()
					g.Wait()
					return err
				}
				g.Go(func() error {
					<-done
					return nil
				})
			}
			return g.Wait()
		},
	}

	var defaultWatch []string
	if root.cfg.Paths.WatchDir != "" {
		defaultWatch = []string{root.cfg.Paths.WatchDir}
	}
	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.HTTPAddr, "HTTP listen address (host:port)")
	cmd.Flags().StringVar(&grpcAddr, "grpc", root.cfg.Server.GRPCAddr, "gRPC listen address, empty disables gRPC")
	cmd.Flags().StringSliceVar(&watchPaths, "watch", defaultWatch, "directories to watch for new manifests")

	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [dir...]",
		Short: "Render manifests dropped into directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			dirs := args
			if len(dirs) == 0 && root.cfg.Paths.WatchDir != "" {
				dirs = []string{root.cfg.Paths.WatchDir}
			}
			if len(dirs) == 0 {
				return fmt.Errorf("no watch directory given and paths.watch_dir is not configured")
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			done, err := root.startWatch(ctx, dirs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "watching %s\n", strings.Join(dirs, ", "))
			<-done
			return nil
		},
	}
}
