// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package model defines the reconciliation context: a point-in-time view of
// the proxy's relations, configuration and identity. The engine is handed a
// fresh Model on every pass and keeps no other state, so everything it
// publishes is reconstructable from current relation data alone.
package model

import (
	"github.com/juju/errors"
	"github.com/juju/names/v5"
)

// Inbound relation endpoints.
const (
	// MonitorsEndpoint carries NRPE check definitions from subordinate
	// nrpe charms.
	MonitorsEndpoint = "monitors"

	// GeneralInfoEndpoint carries the same monitors payload, supplied by
	// the principal application rather than the nrpe subordinate.
	GeneralInfoEndpoint = "general-info"

	// PrometheusTargetEndpoint carries hostname/port scrape targets, e.g.
	// from telegraf.
	PrometheusTargetEndpoint = "prometheus-target"

	// PrometheusRulesEndpoint carries pre-formed alert rule fragments that
	// are forwarded unmodified.
	PrometheusRulesEndpoint = "prometheus-rules"

	// PrometheusManualEndpoint carries pre-formed scrape jobs that are
	// forwarded after job-name deduplication.
	PrometheusManualEndpoint = "prometheus"

	// DashboardsEndpoint carries Grafana dashboard blobs.
	DashboardsEndpoint = "dashboards"

	// FilebeatEndpoint connects legacy log shippers to the bundled vector
	// aggregator.
	FilebeatEndpoint = "filebeat"
)

// Outbound relation endpoints.
const (
	PrometheusScrapeEndpoint = "downstream-prometheus-scrape"
	GrafanaDashboardEndpoint = "downstream-grafana-dashboard"
	LoggingEndpoint          = "downstream-logging"
	CosAgentEndpoint         = "cos-agent"
)

// Relation is one established relation on an endpoint, with the current
// remote unit databags and the data last written by the proxy.
type Relation struct {
	// ID is the relation's identity within the model. It survives unit
	// churn, unlike the set of remote units.
	ID int

	// Endpoint is the local endpoint name the relation is attached to.
	Endpoint string

	// RemoteApplication is the application on the far side.
	RemoteApplication string

	// Units holds the remote unit databags, keyed by unit name.
	Units map[string]map[string]string

	// LocalData is the application databag previously written by the proxy
	// on this relation. It is the published state the reconciler diffs
	// against.
	LocalData map[string]string
}

// Model is the full reconciliation context.
type Model struct {
	Name        string
	UUID        string
	Application string
	Unit        string

	// BindAddress is the address of the proxy host, where the bundled
	// nrpe-exporter and vector processes listen.
	BindAddress string

	// Config is the raw charm configuration.
	Config map[string]interface{}

	// Relations holds all current relations keyed by endpoint name.
	Relations map[string][]Relation
}

// Validate returns an error if the model cannot drive a reconciliation.
func (m *Model) Validate() error {
	if m.Name == "" {
		return errors.NotValidf("empty model name")
	}
	if !names.IsValidModel(m.UUID) {
		return errors.NotValidf("model UUID %q", m.UUID)
	}
	if !names.IsValidApplication(m.Application) {
		return errors.NotValidf("application name %q", m.Application)
	}
	if !names.IsValidUnit(m.Unit) {
		return errors.NotValidf("unit name %q", m.Unit)
	}
	for endpoint, rels := range m.Relations {
		for _, rel := range rels {
			if rel.Endpoint != endpoint {
				return errors.NotValidf("relation %d filed under %q but bound to %q", rel.ID, endpoint, rel.Endpoint)
			}
		}
	}
	return nil
}

// On returns the current relations on the named endpoint. A missing
// endpoint is an empty slice; absence of a downstream integration is
// ordinary, not an error.
func (m *Model) On(endpoint string) []Relation {
	return m.Relations[endpoint]
}
