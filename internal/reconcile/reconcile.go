// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package reconcile turns one point-in-time view of the proxy's relations
// into the complete set of outbound databag writes and local artifacts. A
// pass rebuilds everything from the model it is handed; nothing survives
// between passes, so a restarted proxy converges to the same output as one
// that never went away.
package reconcile

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/naturalsort"
	yaml "gopkg.in/yaml.v2"

	"github.com/canonical/cos-proxy/core/config"
	"github.com/canonical/cos-proxy/core/model"
	"github.com/canonical/cos-proxy/core/topology"
	"github.com/canonical/cos-proxy/internal/cosagent"
	"github.com/canonical/cos-proxy/internal/dashboards"
	"github.com/canonical/cos-proxy/internal/nrpe"
	"github.com/canonical/cos-proxy/internal/publish"
	"github.com/canonical/cos-proxy/internal/synthesize"
	"github.com/canonical/cos-proxy/internal/targets"
	"github.com/canonical/cos-proxy/internal/vector"
)

var logger = loggo.GetLogger("cosproxy.reconcile")

// localSource marks registry entries the proxy contributes about itself,
// as opposed to entries fed by an inbound relation endpoint.
const localSource = "local"

// defaultScrapePort applies when a prometheus-target unit advertises a
// hostname without a port.
const defaultScrapePort = 80

// Outbound databag keys on downstream-prometheus-scrape.
const (
	ScrapeJobsKey = "scrape_jobs"
	AlertRulesKey = "alert_rules"
)

// Result is everything one pass wants changed: relation writes for Juju to
// apply and the artifacts to install on the proxy host. Warnings record the
// inbound data that was skipped as malformed; they never abort a pass.
type Result struct {
	Writes         []publish.Write
	VectorConfig   string
	EnrichmentRows []vector.EnrichmentRow
	Warnings       []string
}

// Reconcile runs one full pass over the model. Configuration errors abort
// the pass before anything is computed, leaving previously published state
// untouched; malformed data from individual units is skipped with a warning
// while every other source proceeds.
func Reconcile(m *model.Model) (Result, error) {
	if err := m.Validate(); err != nil {
		return Result{}, errors.Trace(err)
	}
	cfg, err := config.New(m.Config)
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	topo := topology.Topology{
		ModelName:   m.Name,
		ModelUUID:   m.UUID,
		Application: m.Application,
	}

	var warnings []string
	warnf := func(format string, args ...interface{}) {
		logger.Warningf(format, args...)
		warnings = append(warnings, errors.Errorf(format, args...).Error())
	}

	registry := buildRegistry(m, warnf)
	snapshot := registry.Snapshot()

	synthesized, err := synthesize.Synthesize(snapshot, cfg, topo, m.BindAddress)
	if err != nil {
		return Result{}, errors.Trace(err)
	}

	jobs := synthesize.MergeJobs(synthesized.ScrapeJobs, manualJobs(m, warnf)...)
	groups := synthesized.AlertGroups
	if cfg.ForwardAlertRules {
		groups = synthesize.MergeGroups(groups, forwardedGroups(m, warnf)...)
	}
	if jobs == nil {
		jobs = []synthesize.ScrapeJob{}
	}
	if groups == nil {
		groups = []synthesize.RuleGroup{}
	}
	rules := synthesize.AlertRules{Groups: groups}

	var writes []publish.Write
	appendWrites := func(endpoint string, payload map[string]string) error {
		w, err := publish.Publish(m.On(endpoint), payload)
		if err != nil {
			return errors.Annotatef(err, "publishing on %q", endpoint)
		}
		writes = append(writes, w...)
		return nil
	}

	promPayload, err := scrapePayload(jobs, rules)
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	if err := appendWrites(model.PrometheusScrapeEndpoint, promPayload); err != nil {
		return Result{}, errors.Trace(err)
	}

	boards := dashboards.Collect(m.On(model.DashboardsEndpoint))
	dashPayload, err := dashboards.Payload(boards)
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	if err := appendWrites(model.GrafanaDashboardEndpoint, dashPayload); err != nil {
		return Result{}, errors.Trace(err)
	}

	agentPayload, err := cosagent.Payload(jobs, rules, boards)
	if err != nil {
		return Result{}, errors.Trace(err)
	}
	if err := appendWrites(model.CosAgentEndpoint, agentPayload); err != nil {
		return Result{}, errors.Trace(err)
	}

	// Filebeat units ship to the aggregator's logstash source; the proxy
	// advertises where that listener lives.
	if m.BindAddress != "" {
		beatPayload := map[string]string{
			"private-address": m.BindAddress,
			"port":            strconv.Itoa(vector.LogstashPort),
		}
		if err := appendWrites(model.FilebeatEndpoint, beatPayload); err != nil {
			return Result{}, errors.Trace(err)
		}
	}

	vectorConfig, err := vector.Config(lokiEndpoints(m, warnf))
	if err != nil {
		return Result{}, errors.Trace(err)
	}

	return Result{
		Writes:         writes,
		VectorConfig:   vectorConfig,
		EnrichmentRows: vector.RowsFromSnapshot(snapshot),
		Warnings:       warnings,
	}, nil
}

// buildRegistry folds every inbound target source into a fresh registry:
// NRPE checks from monitors and general-info, plain scrape endpoints from
// prometheus-target, and the bundled vector's own metrics endpoint.
func buildRegistry(m *model.Model, warnf func(string, ...interface{})) *targets.Registry {
	registry := targets.NewRegistry()

	for _, endpoint := range []string{model.MonitorsEndpoint, model.GeneralInfoEndpoint} {
		for _, rel := range m.On(endpoint) {
			for _, unit := range sortedUnits(rel) {
				checks, err := nrpe.ParseUnitData(rel.RemoteApplication, unit, rel.Units[unit])
				if err != nil {
					warnf("skipping %s data: %v", endpoint, err)
					continue
				}
				for _, check := range checks {
					t := targets.Target{
						Unit:        check.Unit,
						Application: check.Application,
						CheckName:   check.Command,
						Kind:        targets.KindNRPE,
						Address:     check.Address,
						Port:        nrpe.Port,
						Labels: map[string]string{
							"nrpe_application": check.NRPEApplication,
							"nrpe_unit":        check.NRPEUnit,
						},
					}
					if err := registry.Upsert(endpoint, t); err != nil {
						warnf("skipping check %q from unit %q: %v", check.Command, unit, err)
					}
				}
			}
		}
	}

	for _, rel := range m.On(model.PrometheusTargetEndpoint) {
		for _, unit := range sortedUnits(rel) {
			databag := rel.Units[unit]
			hostname := databag["hostname"]
			if hostname == "" {
				logger.Debugf("unit %q has not advertised a scrape target yet", unit)
				continue
			}
			port := defaultScrapePort
			if raw := databag["port"]; raw != "" {
				parsed, err := strconv.Atoi(raw)
				if err != nil {
					warnf("skipping scrape target from unit %q: port %q not valid", unit, raw)
					continue
				}
				port = parsed
			}
			t := targets.Target{
				Unit:        unit,
				Application: rel.RemoteApplication,
				Kind:        targets.KindScrape,
				Address:     hostname,
				Port:        port,
			}
			if err := registry.Upsert(model.PrometheusTargetEndpoint, t); err != nil {
				warnf("skipping scrape target from unit %q: %v", unit, err)
			}
		}
	}

	// The aggregator's host metrics ride along with everything else.
	if m.BindAddress != "" {
		err := registry.Upsert(localSource, targets.Target{
			Unit:        m.Unit,
			Application: m.Application,
			Kind:        targets.KindScrape,
			Address:     m.BindAddress,
			Port:        vector.Port,
		})
		if err != nil {
			warnf("skipping aggregator self target: %v", err)
		}
	}

	return registry
}

type forwardedRule struct {
	Alert       string            `yaml:"alert"`
	Expr        string            `yaml:"expr"`
	For         string            `yaml:"for"`
	Labels      map[string]string `yaml:"labels"`
	Annotations map[string]string `yaml:"annotations"`
}

type forwardedGroup struct {
	Name  string          `yaml:"name"`
	Rules []forwardedRule `yaml:"rules"`
}

// forwardedGroups gathers pre-formed rule groups published on the
// prometheus-rules relation. Fragments pass through unmodified; an
// undecodable fragment only costs its own unit's contribution.
func forwardedGroups(m *model.Model, warnf func(string, ...interface{})) []synthesize.RuleGroup {
	var groups []synthesize.RuleGroup
	for _, rel := range m.On(model.PrometheusRulesEndpoint) {
		for _, unit := range sortedUnits(rel) {
			blob := rel.Units[unit]["groups"]
			if blob == "" {
				continue
			}
			var parsed []forwardedGroup
			if err := yaml.Unmarshal([]byte(blob), &parsed); err != nil {
				warnf("skipping rule groups from unit %q: %v", unit, err)
				continue
			}
			for _, g := range parsed {
				group := synthesize.RuleGroup{Name: g.Name}
				for _, r := range g.Rules {
					group.Rules = append(group.Rules, synthesize.AlertRule{
						Alert:       r.Alert,
						Expr:        r.Expr,
						For:         r.For,
						Labels:      r.Labels,
						Annotations: r.Annotations,
					})
				}
				groups = append(groups, group)
			}
		}
	}
	return groups
}

// manualJobs gathers hand-written scrape jobs published on the prometheus
// relation. Jobs whose name collides with a synthesized one lose to it at
// merge time.
func manualJobs(m *model.Model, warnf func(string, ...interface{})) []synthesize.ScrapeJob {
	var jobs []synthesize.ScrapeJob
	for _, rel := range m.On(model.PrometheusManualEndpoint) {
		for _, unit := range sortedUnits(rel) {
			blob := rel.Units[unit][ScrapeJobsKey]
			if blob == "" {
				continue
			}
			var parsed []synthesize.ScrapeJob
			if err := json.Unmarshal([]byte(blob), &parsed); err != nil {
				warnf("skipping manual scrape jobs from unit %q: %v", unit, err)
				continue
			}
			jobs = append(jobs, parsed...)
		}
	}
	return jobs
}

// lokiEndpoints gathers the push URLs advertised on downstream-logging.
// Each Loki unit publishes its endpoint as a small JSON document.
func lokiEndpoints(m *model.Model, warnf func(string, ...interface{})) []string {
	var urls []string
	seen := make(map[string]bool)
	for _, rel := range m.On(model.LoggingEndpoint) {
		for _, unit := range sortedUnits(rel) {
			blob := rel.Units[unit]["endpoint"]
			if blob == "" {
				continue
			}
			var endpoint struct {
				URL string `json:"url"`
			}
			if err := json.Unmarshal([]byte(blob), &endpoint); err != nil {
				warnf("skipping logging endpoint from unit %q: %v", unit, err)
				continue
			}
			if endpoint.URL == "" || seen[endpoint.URL] {
				continue
			}
			seen[endpoint.URL] = true
			urls = append(urls, endpoint.URL)
		}
	}
	sort.Strings(urls)
	return urls
}

// scrapePayload serializes the downstream-prometheus-scrape databag. The
// two values are canonical JSON, so the publisher's byte comparison is a
// semantic one.
func scrapePayload(jobs []synthesize.ScrapeJob, rules synthesize.AlertRules) (map[string]string, error) {
	jobsJSON, err := json.Marshal(jobs)
	if err != nil {
		return nil, errors.Annotate(err, "serializing scrape jobs")
	}
	rulesJSON, err := json.Marshal(rules)
	if err != nil {
		return nil, errors.Annotate(err, "serializing alert rules")
	}
	return map[string]string{
		ScrapeJobsKey: string(jobsJSON),
		AlertRulesKey: string(rulesJSON),
	}, nil
}

func sortedUnits(rel model.Relation) []string {
	units := make([]string, 0, len(rel.Units))
	for unit := range rel.Units {
		units = append(units, unit)
	}
	naturalsort.Sort(units)
	return units
}
