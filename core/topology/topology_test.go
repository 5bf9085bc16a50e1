// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package topology_test

import (
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/cos-proxy/core/topology"
)

type topologySuite struct{}

var _ = gc.Suite(&topologySuite{})

func (*topologySuite) validTopology() topology.Topology {
	return topology.Topology{
		ModelName:   "lma",
		ModelUUID:   "89156c40-01c5-4db3-8445-3806a2758fb7",
		Application: "cos-proxy",
		Unit:        "cos-proxy/0",
	}
}

func (s *topologySuite) TestValidate(c *gc.C) {
	c.Assert(s.validTopology().Validate(), jc.ErrorIsNil)
}

func (s *topologySuite) TestValidateErrors(c *gc.C) {
	t := s.validTopology()
	t.ModelName = ""
	c.Check(t.Validate(), gc.ErrorMatches, "empty model name not valid")

	t = s.validTopology()
	t.ModelUUID = "not-a-uuid"
	c.Check(t.Validate(), gc.ErrorMatches, `model UUID "not-a-uuid" not valid`)

	t = s.validTopology()
	t.Unit = "cos-proxy"
	c.Check(t.Validate(), gc.ErrorMatches, `unit name "cos-proxy" not valid`)
}

func (s *topologySuite) TestLabels(c *gc.C) {
	c.Check(s.validTopology().Labels(), jc.DeepEquals, map[string]string{
		"juju_model":       "lma",
		"juju_model_uuid":  "89156c40-01c5-4db3-8445-3806a2758fb7",
		"juju_application": "cos-proxy",
		"juju_unit":        "cos-proxy/0",
	})

	t := s.validTopology()
	t.Unit = ""
	_, found := t.Labels()["juju_unit"]
	c.Check(found, jc.IsFalse)
}

func (s *topologySuite) TestGeneratedNames(c *gc.C) {
	t := s.validTopology()
	c.Check(t.ScrapeJobName("ubuntu"), gc.Equals, "juju_lma_89156c4_ubuntu_prometheus_scrape")
	c.Check(t.RuleGroupName("nrpe/0"), gc.Equals, "juju_lma_89156c4_nrpe_0_alert_rules")
	c.Check(t.ScrapeJobName("my-app/3"), gc.Equals, "juju_lma_89156c4_my_app_3_prometheus_scrape")
}
