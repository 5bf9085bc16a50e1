// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config holds the proxy's operator-facing configuration.
package config

import (
	"github.com/juju/errors"
	"github.com/juju/schema"
)

const (
	// ForwardAlertRulesKey toggles publication of alert rules downstream.
	ForwardAlertRulesKey = "forward_alert_rules"

	// NRPEAlertOnWarningKey widens the generated NRPE alert expressions so
	// that warning statuses fire alongside critical ones.
	NRPEAlertOnWarningKey = "nrpe_alert_on_warning"
)

var configChecker = schema.FieldMap(
	schema.Fields{
		ForwardAlertRulesKey:  schema.Bool(),
		NRPEAlertOnWarningKey: schema.Bool(),
	},
	schema.Defaults{
		ForwardAlertRulesKey:  true,
		NRPEAlertOnWarningKey: false,
	},
)

// Config is the validated proxy configuration.
type Config struct {
	// ForwardAlertRules is a global kill switch: when false no alert rules
	// are published downstream regardless of the target set.
	ForwardAlertRules bool

	// NRPEAlertOnWarning selects ">= 1" rather than "> 1" as the comparison
	// in generated NRPE alert expressions, so warning statuses (value 1)
	// fire the alert too.
	NRPEAlertOnWarning bool
}

// New coerces the raw charm configuration into a Config. Keys the proxy does
// not know about are ignored; known keys of the wrong type are an error.
func New(attrs map[string]interface{}) (Config, error) {
	coerced, err := configChecker.Coerce(attrs, nil)
	if err != nil {
		return Config{}, errors.Annotate(err, "invalid proxy configuration")
	}
	m := coerced.(map[string]interface{})
	return Config{
		ForwardAlertRules:  m[ForwardAlertRulesKey].(bool),
		NRPEAlertOnWarning: m[NRPEAlertOnWarningKey].(bool),
	}, nil
}
