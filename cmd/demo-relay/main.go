package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/demo-relay/internal/config"
	apperrors "github.com/alexjbarnes/demo-relay/internal/errors"
	"github.com/alexjbarnes/demo-relay/internal/history"
	"github.com/alexjbarnes/demo-relay/internal/leetify"
	"github.com/alexjbarnes/demo-relay/internal/listing"
	"github.com/alexjbarnes/demo-relay/internal/logging"
	"github.com/alexjbarnes/demo-relay/internal/notify"
	"github.com/alexjbarnes/demo-relay/internal/reconcile"
	"github.com/alexjbarnes/demo-relay/internal/server"
	"github.com/alexjbarnes/demo-relay/internal/state"
	"github.com/alexjbarnes/demo-relay/internal/transfer"
	"github.com/alexjbarnes/demo-relay/internal/upload"
)

var Version = "dev"

func main() {
	// Maintenance subcommands only need local paths, not credentials.
	if len(os.Args) > 1 {
		var err error

		switch os.Args[1] {
		case "init-state":
			err = initState(os.Stdout)
		case "history":
			err = printHistory(os.Stdout)
		case "version":
			fmt.Println(Version)
			return
		default:
			err = fmt.Errorf("unknown command %q (expected init-state, history or version)", os.Args[1])
		}

		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}

		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func initState(out io.Writer) error {
	paths, err := config.LoadPaths()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	created, err := state.NewStore(paths.StateFile).Init()
	if err != nil {
		return err
	}

	if created {
		fmt.Fprintf(out, "created %s\n", paths.StateFile)
	} else {
		fmt.Fprintf(out, "%s already exists, left unchanged\n", paths.StateFile)
	}

	return nil
}

func printHistory(out io.Writer) error {
	paths, err := config.LoadPaths()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	h, err := history.Open(paths.HistoryDB)
	if err != nil {
		return fmt.Errorf("opening history (is the daemon running?): %w", err)
	}
	defer h.Close()

	attempts, err := h.All()
	if err != nil {
		return fmt.Errorf("reading history: %w", err)
	}

	return writeHistory(out, attempts)
}

func writeHistory(out io.Writer, attempts []history.Attempt) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tATTEMPTS\tSTATUS\tLAST ATTEMPT\tLEETIFY ID\tERROR")

	for _, a := range attempts {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\n",
			a.FileName, a.Attempts, a.LastStatus,
			a.LastAttemptAt.Local().Format(time.DateTime),
			dash(a.RemoteID), dash(a.LastError))
	}

	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)

	if cfg.LogFile != "" {
		var closer io.Closer

		logger, closer = logging.NewFileLogger(cfg.Environment, cfg.LogFile)
		defer closer.Close()
	}

	logger.Info("demo-relay starting",
		slog.String("version", Version),
		slog.String("listing", cfg.DemoBaseURL()+cfg.DemoListPath),
		slog.String("prefix", cfg.DemoPrefix),
		slog.Duration("poll_interval", cfg.PollInterval),
		slog.Duration("upload_timeout", cfg.UploadTimeout),
	)

	store := state.NewStore(cfg.StateFile)

	handled, err := store.Load()
	if err != nil {
		if errors.Is(err, apperrors.ErrStoreMissing) {
			return fmt.Errorf("loading state: %w (run `demo-relay init-state` to create %s)", err, cfg.StateFile)
		}

		return fmt.Errorf("loading state: %w", err)
	}

	logger.Info("state loaded",
		slog.String("path", cfg.StateFile),
		slog.Int("uploaded", len(handled)),
	)

	stager, err := transfer.NewStager(nil, cfg.DemoBaseURL(), cfg.DemoDownloadPath, cfg.StagingDir, logger)
	if err != nil {
		return err
	}

	if n, err := stager.Sweep(); err != nil {
		return fmt.Errorf("cleaning staging directory: %w", err)
	} else if n > 0 {
		logger.Info("staging directory cleaned", slog.Int("removed", n))
	}

	hist, err := history.Open(cfg.HistoryDB)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer hist.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	browser := leetify.NewBrowser(gctx, leetify.Config{
		Email:     cfg.LeetifyEmail,
		Password:  cfg.LeetifyPassword,
		BaseURL:   cfg.LeetifyURL,
		APIURL:    cfg.LeetifyAPIURL,
		Headless:  cfg.BrowserHeadless,
		ExecPath:  cfg.ChromePath,
		NoSandbox: cfg.BrowserNoSandbox,
	}, logger.With(slog.String("component", "leetify")))
	defer browser.Close()

	reconciler := reconcile.NewReconciler(reconcile.Deps{
		Lister:   listing.NewClient(nil, cfg.DemoBaseURL(), cfg.DemoListPath, cfg.DemoPrefix),
		Store:    store,
		Stager:   stager,
		Watcher:  upload.NewWatcher(browser, cfg.UploadTimeout, logger),
		Notifier: notify.NewDiscord(cfg.DiscordToken, cfg.DiscordChannelID, cfg.LeetifyURL, logger.With(slog.String("component", "discord"))),
		Recorder: hist,
	}, logger)

	g.Go(func() error {
		return reconcile.Schedule(gctx, cfg.PollInterval, reconciler.Cycle)
	})

	if cfg.StatusListenAddr != "" {
		mux := server.NewMux(server.MuxConfig{
			Uploads:  store,
			Attempts: hist,
			Logger:   logger,
		})

		g.Go(func() error {
			return server.ListenAndServe(gctx, cfg.StatusListenAddr, mux, logger.With(slog.String("service", "status")))
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("demo-relay stopped")

	return nil
}
