package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/banshee-data/tofsense/internal/config"
	"github.com/banshee-data/tofsense/internal/db"
	"github.com/banshee-data/tofsense/internal/display"
	"github.com/banshee-data/tofsense/internal/frame"
	"github.com/banshee-data/tofsense/internal/monitoring"
	"github.com/banshee-data/tofsense/internal/reader"
	"github.com/banshee-data/tofsense/internal/rowlog"
	"github.com/banshee-data/tofsense/internal/sampler"
	"github.com/banshee-data/tofsense/internal/serialport"
	"github.com/banshee-data/tofsense/internal/timeutil"
)

const (
	openBackoff     = 500 * time.Millisecond
	summaryInterval = 30 * time.Second
	shutdownTimeout = time.Second
)

// run opens the port, primes the reader and ticks the sampler until ctx is
// cancelled or the pipeline fails. A nil clock uses the wall clock.
func run(ctx context.Context, cfg *config.Config, open serialport.Opener, clock timeutil.Clock) error {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	layout := cfg.Layout()

	opts, err := cfg.PortOptions().Normalise()
	if err != nil {
		return err
	}
	port, err := serialport.OpenWithRetry(ctx, open, cfg.GetPort(), opts, cfg.GetReadTimeout(), serialport.RetryPolicy{
		Attempts: cfg.GetOpenAttempts(),
		Backoff:  openBackoff,
	})
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", cfg.GetPort(), err)
	}

	buf := frame.NewBuffer(layout.Size())
	rd := reader.New(port, buf, reader.Config{
		WarmupDelay:     cfg.GetWarmupDelay(),
		SummaryInterval: summaryInterval,
		Clock:           clock,
	})
	if err := rd.Start(); err != nil {
		port.Close()
		return err
	}
	// The reader is stopped before the port is closed so that no read is
	// in flight on a closed handle.
	defer func() {
		if err := rd.Stop(cfg.GetReadTimeout() + shutdownTimeout); err != nil {
			log.Printf("reader did not stop cleanly: %v", err)
		}
		if err := port.Close(); err != nil {
			log.Printf("failed to close %s: %v", cfg.GetPort(), err)
		}
		log.Printf("reader stopped after %d frames", rd.Stats().Frames)
	}()

	log.Printf("waiting for data on %s (%s, %s)", cfg.GetPort(), opts, layout)
	if err := rd.WaitReady(ctx, cfg.GetReadyTimeout()); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	smp, err := sampler.New(buf, rd, sampler.Config{
		Layout:      layout,
		Limit:       cfg.GetLimit(),
		WindowSize:  cfg.GetWindowSize(),
		Thresholds:  cfg.GetThresholds(),
		MaxFrameAge: cfg.GetMaxFrameAge(),
		Clock:       clock,
	})
	if err != nil {
		return err
	}

	monitor, err := display.NewMonitor(display.Config{
		Channels:   layout.Channels,
		Limit:      cfg.GetLimit(),
		PlotLength: cfg.GetPlotLength(),
		PlotMin:    cfg.GetPlotMin(),
		Classify:   cfg.GetEnableProximityClassification(),
	})
	if err != nil {
		return err
	}

	var rows *rowlog.Writer
	if cfg.GetEnableLogging() {
		rows, err = rowlog.Open(cfg.GetLogPath(), layout.Channels)
		if err != nil {
			return err
		}
		defer func() {
			if err := rows.Close(); err != nil {
				log.Printf("failed to close row log: %v", err)
			}
			log.Printf("wrote %d rows to %s", rows.Rows(), cfg.GetLogPath())
		}()
	}

	var store *db.DB
	var session *db.Session
	if path := cfg.GetDBPath(); path != "" {
		store, err = db.NewDB(path)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer store.Close()
		session, err = store.StartSession(cfg.GetPort(), opts, layout, cfg.GetLimit(), cfg.GetWindowSize())
		if err != nil {
			return err
		}
		log.Printf("recording %s", session)
		defer func() {
			if err := store.EndSession(session.ID); err != nil {
				log.Printf("failed to end session: %v", err)
			}
		}()
	}

	var wg sync.WaitGroup
	serveCtx, cancelServe := context.WithCancel(ctx)
	defer func() {
		cancelServe()
		wg.Wait()
	}()

	if addr := cfg.GetListen(); addr != "" {
		mux := http.NewServeMux()
		monitor.AttachRoutes(mux)
		if store != nil {
			if err := store.AttachAdminRoutes(mux); err != nil {
				return err
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveDebug(serveCtx, addr, mux)
		}()
	}

	ticker := clock.NewTicker(cfg.GetTickInterval())
	defer ticker.Stop()
	log.Printf("sampling every %v", cfg.GetTickInterval())

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}

		rec, err := smp.Tick()
		switch {
		case errors.Is(err, sampler.ErrStaleFrame):
			monitoring.Logf("[sampler] tick skipped: %v", err)
			continue
		case err != nil:
			return err
		}

		monitor.Observe(rec)
		if rows != nil {
			if err := rows.Write(rec); err != nil {
				return fmt.Errorf("row log: %w", err)
			}
		}
		if store != nil {
			if err := store.RecordResult(session.ID, rec); err != nil {
				return fmt.Errorf("database log: %w", err)
			}
		}
	}
}

// serveDebug runs the debug HTTP server until ctx is cancelled.
func serveDebug(ctx context.Context, addr string, mux *http.ServeMux) {
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("debug server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("debug server failed: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
}
