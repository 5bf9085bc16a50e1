// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package topology captures the Juju topology of the proxy: the model,
// application and unit it runs in. Scrape jobs and alert rule groups carry
// these labels so downstream consumers can tell apart identically named
// workloads in different models.
package topology

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/names/v5"
)

// Topology identifies the position of the proxy within a Juju deployment.
type Topology struct {
	ModelName   string
	ModelUUID   string
	Application string
	Unit        string
}

// Validate returns an error if the topology is incomplete or malformed.
func (t Topology) Validate() error {
	if t.ModelName == "" {
		return errors.NotValidf("empty model name")
	}
	if !names.IsValidModel(t.ModelUUID) {
		return errors.NotValidf("model UUID %q", t.ModelUUID)
	}
	if !names.IsValidApplication(t.Application) {
		return errors.NotValidf("application name %q", t.Application)
	}
	if t.Unit != "" && !names.IsValidUnit(t.Unit) {
		return errors.NotValidf("unit name %q", t.Unit)
	}
	return nil
}

// Labels returns the topology as Prometheus label pairs.
// The unit label is omitted when the topology is application scoped.
func (t Topology) Labels() map[string]string {
	labels := map[string]string{
		"juju_model":       t.ModelName,
		"juju_model_uuid":  t.ModelUUID,
		"juju_application": t.Application,
	}
	if t.Unit != "" {
		labels["juju_unit"] = t.Unit
	}
	return labels
}

// shortUUID is the truncated model UUID used in generated names. Seven
// characters match what the rest of the observability stack generates, so
// names remain stable when a deployment is migrated to or from it.
func (t Topology) shortUUID() string {
	if len(t.ModelUUID) < 7 {
		return t.ModelUUID
	}
	return t.ModelUUID[:7]
}

// ScrapeJobName returns the stable scrape job name for the named entity.
func (t Topology) ScrapeJobName(name string) string {
	return fmt.Sprintf("juju_%s_%s_%s_prometheus_scrape", t.ModelName, t.shortUUID(), sanitise(name))
}

// RuleGroupName returns the stable alert rule group name for the named
// entity.
func (t Topology) RuleGroupName(name string) string {
	return fmt.Sprintf("juju_%s_%s_%s_alert_rules", t.ModelName, t.shortUUID(), sanitise(name))
}

// sanitise flattens unit names into identifier-safe form, so "nrpe/0"
// becomes "nrpe_0".
func sanitise(name string) string {
	return strings.NewReplacer("/", "_", "-", "_").Replace(name)
}
