// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package synthesize derives Prometheus scrape jobs and alerting rules from
// a target registry snapshot. Synthesis is a pure function: given the same
// snapshot and configuration the output is byte-identical, which lets the
// publisher diff serialized payloads instead of deep-comparing structures.
package synthesize

import (
	"fmt"
	"sort"
	"strings"

	"github.com/juju/errors"

	"github.com/canonical/cos-proxy/core/config"
	"github.com/canonical/cos-proxy/core/topology"
	"github.com/canonical/cos-proxy/internal/nrpe"
	"github.com/canonical/cos-proxy/internal/targets"
)

// StaticConfig is one static_configs entry of a Prometheus scrape job.
type StaticConfig struct {
	Targets []string          `json:"targets"`
	Labels  map[string]string `json:"labels,omitempty"`
}

// RelabelConfig is one relabel_configs entry of a Prometheus scrape job.
type RelabelConfig struct {
	SourceLabels []string `json:"source_labels,omitempty"`
	Separator    string   `json:"separator,omitempty"`
	Regex        string   `json:"regex,omitempty"`
	TargetLabel  string   `json:"target_label,omitempty"`
	Replacement  string   `json:"replacement,omitempty"`
}

// ScrapeJob is a Prometheus scrape job in the shape the prometheus_scrape
// interface expects.
type ScrapeJob struct {
	JobName        string                   `json:"job_name"`
	MetricsPath    string                   `json:"metrics_path,omitempty"`
	Params         map[string][]interface{} `json:"params,omitempty"`
	StaticConfigs  []StaticConfig           `json:"static_configs"`
	RelabelConfigs []RelabelConfig          `json:"relabel_configs,omitempty"`
}

// AlertRule is a single Prometheus alerting rule.
type AlertRule struct {
	Alert       string            `json:"alert"`
	Expr        string            `json:"expr"`
	For         string            `json:"for,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// RuleGroup is a named group of alerting rules.
type RuleGroup struct {
	Name  string      `json:"name"`
	Rules []AlertRule `json:"rules"`
}

// AlertRules is the rule-file document published downstream.
type AlertRules struct {
	Groups []RuleGroup `json:"groups"`
}

// Result is the synthesized configuration.
type Result struct {
	ScrapeJobs  []ScrapeJob
	AlertGroups []RuleGroup
}

// InstanceRelabel maps the Juju topology onto the Prometheus "instance"
// label, keeping instance identity stable across unit recreation.
func InstanceRelabel() RelabelConfig {
	return RelabelConfig{
		SourceLabels: []string{"juju_model", "juju_model_uuid", "juju_application", "juju_unit"},
		Separator:    "_",
		TargetLabel:  "instance",
		Regex:        "(.*)",
	}
}

// Synthesize recomputes the full scrape job and alert rule set from the
// snapshot. exporterAddress is where the bundled nrpe-exporter listens;
// NRPE targets are relabeled to scrape through it.
func Synthesize(snapshot []targets.Target, cfg config.Config, topo topology.Topology, exporterAddress string) (Result, error) {
	if err := topo.Validate(); err != nil {
		return Result{}, errors.Trace(err)
	}

	var result Result
	scrapeByApp := make(map[string][]targets.Target)
	var apps []string

	for _, t := range snapshot {
		switch t.Kind {
		case targets.KindNRPE:
			result.ScrapeJobs = append(result.ScrapeJobs, nrpeScrapeJob(t, topo, exporterAddress))
			result.AlertGroups = append(result.AlertGroups, nrpeRuleGroup(t, cfg, topo))
		case targets.KindScrape:
			if _, seen := scrapeByApp[t.Application]; !seen {
				apps = append(apps, t.Application)
			}
			scrapeByApp[t.Application] = append(scrapeByApp[t.Application], t)
		}
	}

	sort.Strings(apps)
	for _, app := range apps {
		result.ScrapeJobs = append(result.ScrapeJobs, staticScrapeJob(app, scrapeByApp[app], topo))
	}

	if !cfg.ForwardAlertRules {
		// Global kill switch: no alert rules leave the proxy, no matter
		// how many targets there are.
		result.AlertGroups = nil
	}

	sortJobs(result.ScrapeJobs)
	sortGroups(result.AlertGroups)
	return result, nil
}

// nrpeScrapeJob builds the parameterized exporter job for one NRPE check.
func nrpeScrapeJob(t targets.Target, topo topology.Topology, exporterAddress string) ScrapeJob {
	labels := topo.Labels()
	delete(labels, "juju_unit")
	labels["juju_application"] = t.Application
	labels["host"] = t.Address
	labels["dns_name"] = t.Address

	return ScrapeJob{
		JobName:     topo.ScrapeJobName(t.Unit + "_" + t.CheckName),
		MetricsPath: "/export",
		Params: map[string][]interface{}{
			"command": {t.CheckName},
			"ssl":     {true},
		},
		StaticConfigs: []StaticConfig{{
			Targets: []string{fmt.Sprintf("%s:%d", t.Address, t.Port)},
			Labels:  labels,
		}},
		RelabelConfigs: []RelabelConfig{
			{SourceLabels: []string{"__address__"}, TargetLabel: "__param_target"},
			{SourceLabels: []string{"__param_target"}, TargetLabel: "instance"},
			{SourceLabels: []string{"__param_command"}, TargetLabel: "command"},
			{TargetLabel: "__address__", Replacement: fmt.Sprintf("%s:%d", exporterAddress, nrpe.ExporterPort)},
			{TargetLabel: "juju_unit", Replacement: t.Unit},
			{TargetLabel: "juju_application", Replacement: t.Application},
		},
	}
}

// staticScrapeJob builds one scrape job covering all of an application's
// metrics endpoints.
func staticScrapeJob(app string, ts []targets.Target, topo topology.Topology) ScrapeJob {
	configs := make([]StaticConfig, 0, len(ts))
	for _, t := range ts {
		labels := topo.Labels()
		labels["juju_application"] = app
		labels["juju_unit"] = t.Unit
		labels["host"] = t.Address
		labels["dns_name"] = t.Address
		for k, v := range t.Labels {
			labels[k] = v
		}
		configs = append(configs, StaticConfig{
			Targets: []string{fmt.Sprintf("%s:%d", t.Address, t.Port)},
			Labels:  labels,
		})
	}
	return ScrapeJob{
		JobName:        topo.ScrapeJobName(app),
		StaticConfigs:  configs,
		RelabelConfigs: []RelabelConfig{InstanceRelabel()},
	}
}

// nrpeRuleGroup builds the alert rule group for one NRPE check. There is
// exactly one group per (unit, check), and its name does not depend on
// which relation supplied the check.
func nrpeRuleGroup(t targets.Target, cfg config.Config, topo topology.Topology) RuleGroup {
	labels := map[string]string{
		// The comparison operator decides whether warnings fire; the
		// declared severity stays "warning" either way. That asymmetry is
		// deliberate and documented.
		"severity":         "warning",
		"juju_model":       topo.ModelName,
		"juju_application": t.Application,
		"juju_unit":        t.Unit,
	}
	if app, ok := t.Labels["nrpe_application"]; ok {
		labels["nrpe_application"] = app
	}
	if unit, ok := t.Labels["nrpe_unit"]; ok {
		labels["nrpe_unit"] = unit
	}

	return RuleGroup{
		Name: topo.RuleGroupName(t.Unit + "_" + t.CheckName),
		Rules: []AlertRule{{
			Alert:  alertName(t.CheckName),
			Expr:   alertExpr(t.Unit, t.CheckName, cfg.NRPEAlertOnWarning),
			For:    "0m",
			Labels: labels,
			Annotations: map[string]string{
				"summary": "Unit {{ $labels.juju_unit }}: {{ $labels.command }} {{ $labels.severity }}.",
				"description": "Check provided by nrpe_exporter in model {{ $labels.juju_model }} is failing.\n" +
					"Failing check = {{ $labels.command }}\n" +
					"Unit = {{ $labels.juju_unit }}\n" +
					"Value = {{ $value }}\n" +
					"Legend:\n" +
					"  - StatusOK       = 0\n" +
					"  - StatusWarning  = 1\n" +
					"  - StatusCritical = 2\n" +
					"  - StatusUnknown  = 3",
			},
		}},
	}
}

// alertName turns "check_disk" into "CheckDiskNrpeAlert".
func alertName(check string) string {
	parts := strings.Split(check, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "") + "NrpeAlert"
}

// alertExpr builds the check-status expression. Command status values are
// 0 (ok), 1 (warning), 2 (critical), 3 (unknown); the absent_over_time
// clauses map a silent exporter or a vanished unit to critical.
func alertExpr(unit, check string, alertOnWarning bool) string {
	op := ">"
	if alertOnWarning {
		op = ">="
	}
	return fmt.Sprintf(
		"round(avg_over_time(command_status{juju_unit='%[1]s',command='%[2]s'}[15m])) %[3]s 1"+
			" or ((absent_over_time(command_status{juju_unit='%[1]s',command='%[2]s'}[10m]) == 1))*2"+
			" or ((absent_over_time(up{juju_unit='%[1]s'}[10m]) == 1))*2",
		unit, check, op,
	)
}

// MergeJobs appends forwarded jobs to synthesized ones, dropping forwarded
// jobs whose name is already taken. The result is sorted by job name.
func MergeJobs(jobs []ScrapeJob, extra ...ScrapeJob) []ScrapeJob {
	seen := make(map[string]bool, len(jobs))
	for _, j := range jobs {
		seen[j.JobName] = true
	}
	merged := append([]ScrapeJob(nil), jobs...)
	for _, j := range extra {
		if seen[j.JobName] {
			continue
		}
		seen[j.JobName] = true
		merged = append(merged, j)
	}
	sortJobs(merged)
	return merged
}

// MergeGroups appends forwarded rule groups to synthesized ones, dropping
// forwarded groups whose name is already taken. The result is sorted by
// group name.
func MergeGroups(groups []RuleGroup, extra ...RuleGroup) []RuleGroup {
	seen := make(map[string]bool, len(groups))
	for _, g := range groups {
		seen[g.Name] = true
	}
	merged := append([]RuleGroup(nil), groups...)
	for _, g := range extra {
		if seen[g.Name] {
			continue
		}
		seen[g.Name] = true
		merged = append(merged, g)
	}
	sortGroups(merged)
	return merged
}

func sortJobs(jobs []ScrapeJob) {
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].JobName < jobs[j].JobName })
}

func sortGroups(groups []RuleGroup) {
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
}
