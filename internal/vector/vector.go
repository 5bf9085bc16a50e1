// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package vector builds the configuration for the bundled vector
// aggregator, which tails the nrpe-exporter journal, accepts logstash
// traffic from filebeat and ships everything to any related Loki, while
// exposing host metrics for Prometheus on the side.
package vector

import (
	"regexp"
	"sort"
	"strconv"

	"github.com/juju/errors"
	yaml "gopkg.in/yaml.v2"

	"github.com/canonical/cos-proxy/internal/targets"
)

// Port is where vector's prometheus_exporter sink listens.
const Port = 9090

// LogstashPort is where vector accepts filebeat traffic.
const LogstashPort = 5044

// ConfigPath is where the aggregator config is installed on the host.
const ConfigPath = "/etc/vector/aggregator/vector.yaml"

// EnrichmentPath is where the NRPE lookup table is installed on the host.
const EnrichmentPath = "/etc/vector/nrpe_lookup.csv"

// `$` is interpolated by vector itself, so capture groups appear as `$$`.
const baseConfig = `
data_dir: /var/lib/vector
api:
  enabled: true
  address: "[::]:8686"
  playground: false
enrichment_tables:
  nrpe:
    type: file
    file:
      path: /etc/vector/nrpe_lookup.csv
      encoding:
        type: csv
    schema:
      composite_key: string
      juju_application: string
      juju_unit: string
      command: string
      ipaddr: string
sources:
  nrpe-logs:
    type: journald
    since_now: false
    current_boot_only: true
    include_units:
      - nrpe-exporter
  host_metrics:
    filesystem:
      devices:
        excludes: [binfmt_misc]
      filesystems:
        excludes: [binfmt_misc]
      mountPoints:
        excludes: ["*/proc/sys/fs/binfmt_misc"]
    type: host_metrics
  internal_metrics:
    type: internal_metrics
  logstash:
    address: "[::]:5044"
    type: logstash
transforms:
  enrich-nrpe:
    type: remap
    inputs:
      - nrpe-logs
    source: |-
      fields = parse_key_value!(.message)

      . = fields

      composite_key = join!([fields.address, "_", fields.command])
      .composite_key = composite_key
      row = get_enrichment_table_record!("nrpe", {"composite_key": composite_key})

      .juju_unit = row.juju_unit
      .juju_application = row.juju_application
      .command = row.command
      .ip_address = fields.address
      .duration = fields.duration
      .return_code = fields.return_code
      .output = fields.command_output
  mangle-logstash:
    type: remap
    inputs:
      - logstash
    source: |-
      del(.@metadata)
      del(.prospector)
      del(.log)
      del(.input)
      del(.offset)
      del(.source_type)
      del(.host)

      .timestamp = del(.@timestamp)
      .filename = del(.source)

      .hostname = del(.beat.hostname)
      del(.beat)

      .juju_model = .fields.juju_model_name
      .juju_model_uuid = .fields.juju_model_uuid
      .juju_unit = .fields.juju_principal_unit
      del(.fields)

      .juju_application = replace!(.juju_unit, r'^(?P<app>.*?)/\d+$', "$$app")

      structured =
        parse_syslog(.message) ??
        parse_common_log(.message) ??
        {"message": .message}
      . = merge(., structured)

      . = flatten(.)
      . = map_keys(.) -> |key| { replace(key, r'^.*?\.(?P<rest>.*)', "$$rest") }
sinks:
  prom_exporter:
    type: prometheus_exporter
    inputs:
      - host_metrics
      - internal_metrics
    address: "[::]:9090"
  stdout:
    inputs:
      - mangle-logstash
      - enrich-nrpe
    type: console
    encoding:
      codec: json
    target: stdout
`

var lokiPushSuffix = regexp.MustCompile(`^(.*?)/loki/api/v1/push$`)

// Config renders the aggregator configuration with one loki sink per
// downstream Loki push endpoint. Endpoints are sorted so the rendered
// document is stable, and the push-path suffix is stripped because vector
// wants the base URL.
func Config(lokiEndpoints []string) (string, error) {
	var doc map[interface{}]interface{}
	if err := yaml.Unmarshal([]byte(baseConfig), &doc); err != nil {
		return "", errors.Trace(err)
	}
	sinks, ok := doc["sinks"].(map[interface{}]interface{})
	if !ok {
		return "", errors.New("base vector config has no sinks section")
	}

	endpoints := append([]string(nil), lokiEndpoints...)
	sort.Strings(endpoints)
	for i, endpoint := range endpoints {
		sinks["loki-"+strconv.Itoa(i)] = map[interface{}]interface{}{
			"type":                "loki",
			"inputs":              []interface{}{"mangle-logstash", "enrich-nrpe"},
			"endpoint":            lokiPushSuffix.ReplaceAllString(endpoint, "$1"),
			"acknowledgements":    map[interface{}]interface{}{"enabled": true},
			"out_of_order_action": "accept",
			"encoding":            map[interface{}]interface{}{"codec": "json"},
			"labels": map[interface{}]interface{}{
				"juju_model":       "{{ juju_model }}",
				"juju_unit":        "{{ juju_unit }}",
				"juju_application": "{{ juju_application }}",
				"ip_address":       "{{ ip_address }}",
				"filename":         "{{ filename }}",
				"hostname":         "{{ hostname }}",
				"command":          "{{ command }}",
			},
		}
	}

	rendered, err := yaml.Marshal(doc)
	if err != nil {
		return "", errors.Trace(err)
	}
	return string(rendered), nil
}

// RowsFromSnapshot builds the enrichment rows for every NRPE target in the
// snapshot. The composite key mirrors what the enrich-nrpe transform
// computes from exporter journal lines.
func RowsFromSnapshot(snapshot []targets.Target) []EnrichmentRow {
	var rows []EnrichmentRow
	for _, t := range snapshot {
		if t.Kind != targets.KindNRPE {
			continue
		}
		rows = append(rows, EnrichmentRow{
			CompositeKey: t.Address + "_" + t.CheckName,
			Application:  t.Application,
			Unit:         t.Unit,
			Command:      t.CheckName,
			Address:      t.Address,
		})
	}
	return rows
}
