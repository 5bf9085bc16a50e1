// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// cosproxyd watches the relation-state document maintained by the charm
// hooks and keeps the outbound relation data and host artifacts
// reconciled with it.
package main

import (
	"bytes"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"

	"github.com/canonical/cos-proxy/core/model"
	"github.com/canonical/cos-proxy/internal/reconcile"
	"github.com/canonical/cos-proxy/internal/service"
	"github.com/canonical/cos-proxy/internal/statefile"
	"github.com/canonical/cos-proxy/internal/vector"
	"github.com/canonical/cos-proxy/internal/worker/reconciler"
)

var logger = loggo.GetLogger("cosproxy.cmd")

const vectorDataDir = "/var/lib/vector"

type options struct {
	stateFile   string
	dataDir     string
	quietPeriod time.Duration
	logConfig   string

	manageServices     bool
	nrpeExporterBinary string
	vectorBinary       string
}

func main() {
	os.Exit(Main(os.Args[1:]))
}

// Main runs the daemon and returns its exit code.
func Main(args []string) int {
	opts, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := loggo.ConfigureLoggers(opts.logConfig); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if err := run(opts); err != nil {
		logger.Errorf("%v", err)
		return 1
	}
	return 0
}

func parseArgs(args []string) (options, error) {
	var opts options
	fs := gnuflag.NewFlagSetWithFlagKnownAs("cosproxyd", gnuflag.ContinueOnError, "option")
	fs.StringVar(&opts.stateFile, "state-file", "/var/lib/cos-proxy/state.yaml",
		"relation-state document to reconcile from")
	fs.StringVar(&opts.dataDir, "data-dir", "/etc/vector",
		"directory the generated vector artifacts are written to")
	fs.DurationVar(&opts.quietPeriod, "quiet-period", 3*time.Second,
		"how long the state file must stay quiet before a pass runs")
	fs.StringVar(&opts.logConfig, "log-config", "<root>=INFO",
		"loggo configuration string")
	fs.BoolVar(&opts.manageServices, "manage-services", false,
		"install and restart the nrpe-exporter and vector systemd units")
	fs.StringVar(&opts.nrpeExporterBinary, "nrpe-exporter-binary", "/usr/local/bin/nrpe-exporter",
		"path of the nrpe-exporter binary")
	fs.StringVar(&opts.vectorBinary, "vector-binary", "/usr/local/bin/vector",
		"path of the vector binary")
	if err := fs.Parse(true, args); err != nil {
		return options{}, err
	}
	return opts, nil
}

func run(opts options) error {
	if opts.manageServices {
		if err := installServices(opts); err != nil {
			return errors.Trace(err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Trace(err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: the charm replaces the document
	// by rename, which orphans a watch held on the old inode.
	dir, file := statefile.WatchTarget(opts.stateFile)
	if err := watcher.Add(dir); err != nil {
		return errors.Annotatef(err, "watching %q", dir)
	}

	events := make(chan struct{}, 1)
	notify := func() {
		select {
		case events <- struct{}{}:
		default:
		}
	}
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != file {
					continue
				}
				notify()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warningf("state file watcher: %v", err)
			}
		}
	}()

	w, err := reconciler.NewWorker(reconciler.Config{
		Clock:       clock.WallClock,
		QuietPeriod: opts.quietPeriod,
		Events:      events,
		Load: func() (*model.Model, error) {
			return statefile.Load(opts.stateFile)
		},
		Reconcile: reconcile.Reconcile,
		Apply:     applyFunc(opts),
	})
	if err != nil {
		return errors.Trace(err)
	}

	// Converge on startup without waiting for the document to change.
	notify()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infof("caught %v, shutting down", sig)
		w.Kill()
	}()
	return errors.Trace(w.Wait())
}

func installServices(opts options) error {
	builders := []func() (*service.Service, error){
		func() (*service.Service, error) { return service.NRPEExporter(opts.nrpeExporterBinary) },
		func() (*service.Service, error) { return service.Vector(opts.vectorBinary, vectorDataDir) },
	}
	for _, build := range builders {
		svc, err := build()
		if err != nil {
			return errors.Trace(err)
		}
		if err := svc.Install(); err != nil {
			return errors.Trace(err)
		}
		if err := svc.Start(); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// applyFunc takes a reconciliation result effect: host artifacts first,
// then the published relation data. Writing the state file retriggers the
// watcher, and the follow-up pass finds nothing left to do.
func applyFunc(opts options) func(reconcile.Result) error {
	configPath := filepath.Join(opts.dataDir, "aggregator", "vector.yaml")
	enrichmentPath := filepath.Join(opts.dataDir, "nrpe_lookup.csv")
	return func(result reconcile.Result) error {
		configChanged, err := writeIfChanged(configPath, []byte(result.VectorConfig))
		if err != nil {
			return errors.Trace(err)
		}

		existing, err := os.ReadFile(enrichmentPath)
		if err != nil && !os.IsNotExist(err) {
			return errors.Annotate(err, "reading enrichment table")
		}
		merged, err := vector.MergeEnrichment(string(existing), result.EnrichmentRows)
		if err != nil {
			return errors.Trace(err)
		}
		tableChanged, err := writeIfChanged(enrichmentPath, []byte(merged))
		if err != nil {
			return errors.Trace(err)
		}

		if err := statefile.ApplyWrites(opts.stateFile, result.Writes); err != nil {
			return errors.Trace(err)
		}
		for _, w := range result.Writes {
			logger.Infof("published %d key(s) on relation %d (%s)", len(w.Data), w.RelationID, w.Endpoint)
		}

		if (configChanged || tableChanged) && opts.manageServices {
			svc, err := service.Vector(opts.vectorBinary, vectorDataDir)
			if err != nil {
				return errors.Trace(err)
			}
			if err := svc.Restart(); err != nil {
				return errors.Trace(err)
			}
		}
		return nil
	}
}

func writeIfChanged(path string, data []byte) (bool, error) {
	current, err := os.ReadFile(path)
	if err == nil && bytes.Equal(current, data) {
		return false, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return false, errors.Trace(err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return false, errors.Trace(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return false, errors.Trace(err)
	}
	return true, nil
}
