// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package dashboards forwards Grafana dashboard blobs from machine charms
// to the Kubernetes Grafana. The blobs are opaque: they are deduplicated
// and re-serialized canonically, never edited.
package dashboards

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/naturalsort"

	"github.com/canonical/cos-proxy/core/model"
)

var logger = loggo.GetLogger("cosproxy.dashboards")

// DatabagKey is the outbound key carrying the merged dashboard list.
const DatabagKey = "dashboards"

// requestPrefix marks the inbound databag keys that hold dashboard
// requests.
const requestPrefix = "request_"

// Collect gathers every dashboard advertised on the given relations, in
// deterministic order, deduplicated by content. Units that publish
// undecodable dashboards are skipped with a warning; the rest proceed.
func Collect(relations []model.Relation) []string {
	var dashboards []string
	seen := make(map[string]bool)

	for _, rel := range relations {
		units := make([]string, 0, len(rel.Units))
		for unit := range rel.Units {
			units = append(units, unit)
		}
		naturalsort.Sort(units)

		for _, unit := range units {
			keys := make([]string, 0, len(rel.Units[unit]))
			for key := range rel.Units[unit] {
				keys = append(keys, key)
			}
			sort.Strings(keys)

			for _, key := range keys {
				if !strings.HasPrefix(key, requestPrefix) {
					continue
				}
				dashboard, err := extract(rel.Units[unit][key])
				if err != nil {
					logger.Warningf("dashboard %q from unit %q: %v", key, unit, err)
					continue
				}
				if seen[dashboard] {
					continue
				}
				seen[dashboard] = true
				dashboards = append(dashboards, dashboard)
			}
		}
	}
	return dashboards
}

// extract pulls the dashboard document out of a request blob and
// re-serializes it canonically so identical dashboards compare equal
// regardless of the key order they arrived with.
func extract(blob string) (string, error) {
	var request struct {
		Dashboard interface{} `json:"dashboard"`
	}
	if err := json.Unmarshal([]byte(blob), &request); err != nil {
		return "", errors.Annotate(err, "undecodable dashboard request")
	}
	if request.Dashboard == nil {
		return "", errors.NotValidf("dashboard request without dashboard")
	}
	canonical, err := json.Marshal(request.Dashboard)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(canonical), nil
}

// Payload serializes the dashboard list into the outbound databag form.
func Payload(dashboards []string) (map[string]string, error) {
	raw := make([]json.RawMessage, len(dashboards))
	for i, d := range dashboards {
		raw[i] = json.RawMessage(d)
	}
	serialized, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return map[string]string{DatabagKey: string(serialized)}, nil
}
