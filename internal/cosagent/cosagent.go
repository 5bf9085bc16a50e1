// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package cosagent assembles the combined payload for the cos-agent
// relation, which carries metrics scrape jobs, alert rules and dashboards
// to a single grafana-agent consumer in one databag key.
package cosagent

import (
	"encoding/json"

	"github.com/juju/errors"

	"github.com/canonical/cos-proxy/internal/synthesize"
)

// DatabagKey is the unit databag key the grafana-agent charm reads.
const DatabagKey = "config"

// UnitData is the cos-agent wire structure.
type UnitData struct {
	MetricsScrapeJobs []synthesize.ScrapeJob `json:"metrics_scrape_jobs"`
	MetricsAlertRules synthesize.AlertRules  `json:"metrics_alert_rules"`
	Dashboards        []string               `json:"dashboards"`
}

// Payload serializes the combined observability payload. Slices are
// normalized so an absent section serializes as [] rather than null; the
// consumer treats the two differently.
func Payload(jobs []synthesize.ScrapeJob, rules synthesize.AlertRules, dashboards []string) (map[string]string, error) {
	if jobs == nil {
		jobs = []synthesize.ScrapeJob{}
	}
	if rules.Groups == nil {
		rules.Groups = []synthesize.RuleGroup{}
	}
	if dashboards == nil {
		dashboards = []string{}
	}
	serialized, err := json.Marshal(UnitData{
		MetricsScrapeJobs: jobs,
		MetricsAlertRules: rules,
		Dashboards:        dashboards,
	})
	if err != nil {
		return nil, errors.Annotate(err, "serializing cos-agent payload")
	}
	return map[string]string{DatabagKey: string(serialized)}, nil
}
