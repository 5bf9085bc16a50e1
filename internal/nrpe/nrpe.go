// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package nrpe parses the "monitors" interface databags published by nrpe
// subordinates and their principals. The payload format was never nailed
// down on the machine side: the monitors blob may be JSON or YAML, the nrpe
// map may be nested at any depth, and a check may be a bare command string
// or a map holding one. This package absorbs all of that and hands the
// registry clean targets.
package nrpe

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	yaml "gopkg.in/yaml.v2"
)

var logger = loggo.GetLogger("cosproxy.nrpe")

// Port is where nrpe daemons listen on monitored machines.
const Port = 5666

// ExporterPort is where the bundled nrpe-exporter listens on the proxy
// host.
const ExporterPort = 9275

// CheckTarget is one NRPE check on one monitored unit.
type CheckTarget struct {
	// Unit and Application are the labels of the monitored entity,
	// derived from the target id, e.g. "ubuntu/5" and "ubuntu".
	Unit        string
	Application string

	// Command is the check command, e.g. "check_disk".
	Command string

	// Address is the monitored machine's address; the nrpe daemon there
	// listens on Port.
	Address string

	// TargetID is the cleaned target id, e.g. "ubuntu-5".
	TargetID string

	// NRPEUnit and NRPEApplication identify the relation counterpart that
	// advertised the check.
	NRPEUnit        string
	NRPEApplication string
}

var unitNumberSuffix = regexp.MustCompile(`^(.*?)[-_](\d+)$`)

// stripHostContext removes the nagios host context prefix from a derived
// label. The context arrives verbatim in the databag and is baked into
// target ids by older nrpe charms.
func stripHostContext(label, hostContext string) string {
	if hostContext == "" {
		return label
	}
	return strings.Replace(label, hostContext+"-", "", 1)
}

// UnitLabel turns a target id such as "nagios-ctx-sql-foo-0" into the unit
// name "sql-foo/0".
func UnitLabel(targetID, hostContext string) string {
	id := stripHostContext(strings.ReplaceAll(targetID, "_", "-"), hostContext)
	return unitNumberSuffix.ReplaceAllString(id, "$1/$2")
}

// AppLabel turns a target id such as "nagios-ctx-sql-foo-0" into the
// application name "sql-foo".
func AppLabel(targetID, hostContext string) string {
	id := stripHostContext(strings.ReplaceAll(targetID, "_", "-"), hostContext)
	return unitNumberSuffix.ReplaceAllString(id, "$1")
}

// ParseUnitData extracts the NRPE checks advertised by one remote unit's
// databag. A databag that carries no monitors blob yields no targets and no
// error; a blob that cannot be decoded is an error, which callers treat as
// a malformed source to skip, not a fatal condition.
func ParseUnitData(remoteApp, remoteUnit string, databag map[string]string) ([]CheckTarget, error) {
	monitors := databag["monitors"]
	if monitors == "" {
		return nil, nil
	}
	parsed, err := decodeMonitors(monitors)
	if err != nil {
		return nil, errors.Annotatef(err, "monitors data from unit %q", remoteUnit)
	}
	checks := findChecks(parsed)
	if len(checks) == 0 {
		logger.Debugf("no NRPE check defined by unit %q", remoteUnit)
		return nil, nil
	}

	// Key naming drifted between charm generations.
	id := firstOf(databag, "target-id", "target_id")
	id = regexp.MustCompile(`^juju[-_]`).ReplaceAllString(id, "")
	if id == "" {
		return nil, errors.NotValidf("monitors data from unit %q without target id", remoteUnit)
	}
	address := firstOf(databag, "target-address", "target_address")
	if address == "" {
		return nil, errors.NotValidf("monitors data from unit %q without target address", remoteUnit)
	}
	hostContext := databag["nagios_host_context"]

	targets := make([]CheckTarget, 0, len(checks))
	for _, cmd := range checks {
		targets = append(targets, CheckTarget{
			Unit:            UnitLabel(id, hostContext),
			Application:     AppLabel(id, hostContext),
			Command:         cmd,
			Address:         address,
			TargetID:        stripHostContext(id, hostContext),
			NRPEUnit:        remoteUnit,
			NRPEApplication: remoteApp,
		})
	}
	return targets, nil
}

func firstOf(databag map[string]string, keys ...string) string {
	for _, key := range keys {
		if v := databag[key]; v != "" {
			return v
		}
	}
	return ""
}

// decodeMonitors accepts either JSON or YAML.
func decodeMonitors(blob string) (map[interface{}]interface{}, error) {
	var jsonDoc map[string]interface{}
	if err := json.Unmarshal([]byte(blob), &jsonDoc); err == nil {
		doc := make(map[interface{}]interface{}, len(jsonDoc))
		for k, v := range jsonDoc {
			doc[k] = v
		}
		return doc, nil
	}
	var yamlDoc map[interface{}]interface{}
	if err := yaml.Unmarshal([]byte(blob), &yamlDoc); err != nil {
		return nil, errors.Annotate(err, "neither JSON nor YAML")
	}
	return yamlDoc, nil
}

// findChecks locates the "nrpe" map, nested arbitrarily deeply, and returns
// the check commands in deterministic order. Each check value is either the
// command itself or a map containing it.
func findChecks(doc map[interface{}]interface{}) []string {
	nrpe, ok := findKey(doc, "nrpe").(map[interface{}]interface{})
	if !ok {
		if m, isJSON := findKey(doc, "nrpe").(map[string]interface{}); isJSON {
			nrpe = make(map[interface{}]interface{}, len(m))
			for k, v := range m {
				nrpe[k] = v
			}
		} else {
			return nil
		}
	}

	names := make([]string, 0, len(nrpe))
	byName := make(map[string]interface{}, len(nrpe))
	for k, v := range nrpe {
		name, ok := k.(string)
		if !ok {
			continue
		}
		names = append(names, name)
		byName[name] = v
	}
	sort.Strings(names)

	var commands []string
	for _, name := range names {
		if cmd := commandOf(byName[name]); cmd != "" {
			commands = append(commands, cmd)
		} else {
			logger.Warningf("NRPE check %q has no usable command; skipping", name)
		}
	}
	return commands
}

// commandOf digs the command string out of a check value.
func commandOf(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case map[interface{}]interface{}:
		if cmd, ok := v["command"].(string); ok {
			return cmd
		}
		return firstStringValue(stringKeyed(v))
	case map[string]interface{}:
		if cmd, ok := v["command"].(string); ok {
			return cmd
		}
		return firstStringValue(v)
	}
	return ""
}

func stringKeyed(m map[interface{}]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if name, ok := k.(string); ok {
			out[name] = v
		}
	}
	return out
}

func firstStringValue(m map[string]interface{}) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			return s
		}
	}
	return ""
}

// findKey searches for a key nested arbitrarily deeply.
func findKey(doc interface{}, key string) interface{} {
	switch m := doc.(type) {
	case map[interface{}]interface{}:
		if v, ok := m[key]; ok {
			return v
		}
		for _, child := range m {
			if v := findKey(child, key); v != nil {
				return v
			}
		}
	case map[string]interface{}:
		if v, ok := m[key]; ok {
			return v
		}
		for _, child := range m {
			if v := findKey(child, key); v != nil {
				return v
			}
		}
	}
	return nil
}
