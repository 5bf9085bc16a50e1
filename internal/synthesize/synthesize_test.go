// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package synthesize_test

import (
	"encoding/json"
	"fmt"
	"strings"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/canonical/cos-proxy/core/config"
	"github.com/canonical/cos-proxy/core/topology"
	"github.com/canonical/cos-proxy/internal/synthesize"
	"github.com/canonical/cos-proxy/internal/targets"
)

type synthesizeSuite struct {
	topo topology.Topology
}

var _ = gc.Suite(&synthesizeSuite{})

func (s *synthesizeSuite) SetUpTest(c *gc.C) {
	s.topo = topology.Topology{
		ModelName:   "lma",
		ModelUUID:   "89156c40-01c5-4db3-8445-3806a2758fb7",
		Application: "cos-proxy",
		Unit:        "cos-proxy/0",
	}
}

func nrpeTarget(unit, check string) targets.Target {
	app := strings.SplitN(unit, "/", 2)[0]
	return targets.Target{
		Unit:        unit,
		Application: app,
		CheckName:   check,
		Kind:        targets.KindNRPE,
		Address:     "10.159.132.134",
		Port:        5666,
	}
}

func scrapeTarget(unit, address string, port int) targets.Target {
	app := strings.SplitN(unit, "/", 2)[0]
	return targets.Target{
		Unit:        unit,
		Application: app,
		Kind:        targets.KindScrape,
		Address:     address,
		Port:        port,
	}
}

func (s *synthesizeSuite) synth(c *gc.C, snap []targets.Target, cfg config.Config) synthesize.Result {
	result, err := synthesize.Synthesize(snap, cfg, s.topo, "10.0.0.1")
	c.Assert(err, jc.ErrorIsNil)
	return result
}

func (s *synthesizeSuite) TestIdempotent(c *gc.C) {
	snap := []targets.Target{
		nrpeTarget("nrpe/0", "check_conntrack"),
		nrpeTarget("nrpe/0", "check_disk"),
		scrapeTarget("telegraf/0", "10.1.2.3", 9103),
	}
	cfg := config.Config{ForwardAlertRules: true}

	first := s.synth(c, snap, cfg)
	second := s.synth(c, snap, cfg)

	firstJSON, err := json.Marshal(first)
	c.Assert(err, jc.ErrorIsNil)
	secondJSON, err := json.Marshal(second)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(string(firstJSON), gc.Equals, string(secondJSON))
}

func (s *synthesizeSuite) TestOneGroupPerCheck(c *gc.C) {
	result := s.synth(c, []targets.Target{
		nrpeTarget("nrpe/0", "check_conntrack"),
		nrpeTarget("nrpe/0", "check_disk"),
	}, config.Config{ForwardAlertRules: true})

	c.Assert(result.AlertGroups, gc.HasLen, 2)
	c.Check(result.AlertGroups[0].Name, gc.Equals, "juju_lma_89156c4_nrpe_0_check_conntrack_alert_rules")
	c.Check(result.AlertGroups[1].Name, gc.Equals, "juju_lma_89156c4_nrpe_0_check_disk_alert_rules")
	for _, group := range result.AlertGroups {
		c.Assert(group.Rules, gc.HasLen, 1)
		c.Check(group.Rules[0].Labels["severity"], gc.Equals, "warning")
	}
	c.Check(result.AlertGroups[1].Rules[0].Alert, gc.Equals, "CheckDiskNrpeAlert")
}

func (s *synthesizeSuite) TestWarningToggleChangesOnlyOperator(c *gc.C) {
	snap := []targets.Target{nrpeTarget("nrpe/0", "check_disk")}

	strict := s.synth(c, snap, config.Config{ForwardAlertRules: true})
	lax := s.synth(c, snap, config.Config{ForwardAlertRules: true, NRPEAlertOnWarning: true})

	strictRule := strict.AlertGroups[0].Rules[0]
	laxRule := lax.AlertGroups[0].Rules[0]

	c.Check(strictRule.Expr, jc.Contains, "[15m])) > 1")
	c.Check(laxRule.Expr, jc.Contains, "[15m])) >= 1")
	c.Check(strings.Replace(laxRule.Expr, ">=", ">", 1), gc.Equals, strictRule.Expr)

	// The declared severity does not follow the operator.
	c.Check(strictRule.Labels["severity"], gc.Equals, "warning")
	c.Check(laxRule.Labels["severity"], gc.Equals, "warning")
}

func (s *synthesizeSuite) TestKillSwitch(c *gc.C) {
	for _, count := range []int{0, 1, 50} {
		var snap []targets.Target
		for i := 0; i < count; i++ {
			snap = append(snap, nrpeTarget(fmt.Sprintf("nrpe/%d", i), "check_disk"))
		}
		result := s.synth(c, snap, config.Config{ForwardAlertRules: false})
		c.Check(result.AlertGroups, gc.HasLen, 0, gc.Commentf("with %d targets", count))
		// Scrape jobs are unaffected by the kill switch.
		c.Check(result.ScrapeJobs, gc.HasLen, count)
	}
}

func (s *synthesizeSuite) TestNRPEScrapeJob(c *gc.C) {
	result := s.synth(c, []targets.Target{
		nrpeTarget("ubuntu/5", "check_disk"),
	}, config.Config{ForwardAlertRules: true})

	c.Assert(result.ScrapeJobs, gc.HasLen, 1)
	job := result.ScrapeJobs[0]
	c.Check(job.JobName, gc.Equals, "juju_lma_89156c4_ubuntu_5_check_disk_prometheus_scrape")
	c.Check(job.MetricsPath, gc.Equals, "/export")
	c.Check(job.Params["command"], jc.DeepEquals, []interface{}{"check_disk"})
	c.Check(job.Params["ssl"], jc.DeepEquals, []interface{}{true})
	c.Assert(job.StaticConfigs, gc.HasLen, 1)
	c.Check(job.StaticConfigs[0].Targets, jc.DeepEquals, []string{"10.159.132.134:5666"})

	// The scrape is redirected through the bundled exporter.
	var exporterRedirect, unitReplacement string
	for _, rc := range job.RelabelConfigs {
		switch rc.TargetLabel {
		case "__address__":
			exporterRedirect = rc.Replacement
		case "juju_unit":
			unitReplacement = rc.Replacement
		}
	}
	c.Check(exporterRedirect, gc.Equals, "10.0.0.1:9275")
	c.Check(unitReplacement, gc.Equals, "ubuntu/5")
}

func (s *synthesizeSuite) TestStaticScrapeJobGroupsUnitsByApplication(c *gc.C) {
	result := s.synth(c, []targets.Target{
		scrapeTarget("telegraf/0", "10.1.2.3", 9103),
		scrapeTarget("telegraf/1", "10.1.2.4", 9103),
	}, config.Config{ForwardAlertRules: true})

	c.Assert(result.ScrapeJobs, gc.HasLen, 1)
	job := result.ScrapeJobs[0]
	c.Check(job.JobName, gc.Equals, "juju_lma_89156c4_telegraf_prometheus_scrape")
	c.Assert(job.StaticConfigs, gc.HasLen, 2)
	c.Check(job.StaticConfigs[0].Targets, jc.DeepEquals, []string{"10.1.2.3:9103"})
	c.Check(job.StaticConfigs[0].Labels["juju_unit"], gc.Equals, "telegraf/0")
	c.Check(job.StaticConfigs[1].Labels["juju_unit"], gc.Equals, "telegraf/1")
	c.Check(job.RelabelConfigs, jc.DeepEquals, []synthesize.RelabelConfig{synthesize.InstanceRelabel()})
}

func (s *synthesizeSuite) TestMergeJobsDeduplicatesByName(c *gc.C) {
	synthesized := s.synth(c, []targets.Target{
		scrapeTarget("telegraf/0", "10.1.2.3", 9103),
	}, config.Config{ForwardAlertRules: true})

	forwarded := synthesize.ScrapeJob{
		JobName:       "manual_job",
		StaticConfigs: []synthesize.StaticConfig{{Targets: []string{"10.5.5.5:8080"}}},
	}
	clashing := synthesize.ScrapeJob{JobName: synthesized.ScrapeJobs[0].JobName}

	merged := synthesize.MergeJobs(synthesized.ScrapeJobs, forwarded, clashing)
	c.Assert(merged, gc.HasLen, 2)
	c.Check(merged[0].JobName, gc.Equals, "juju_lma_89156c4_telegraf_prometheus_scrape")
	c.Check(merged[1].JobName, gc.Equals, "manual_job")
	// The clashing forwarded job lost to the synthesized one.
	c.Check(merged[0].StaticConfigs, gc.Not(gc.HasLen), 0)
}

func (s *synthesizeSuite) TestMergeGroupsKeepsForwardedFragmentUnmodified(c *gc.C) {
	fragment := synthesize.RuleGroup{
		Name: "forwarded_group",
		Rules: []synthesize.AlertRule{{
			Alert:  "HighRequestLatency",
			Expr:   "job:request_latency_seconds:mean5m{job=\"myjob\"} > 0.5",
			For:    "10m",
			Labels: map[string]string{"severity": "page"},
		}},
	}
	result := s.synth(c, []targets.Target{
		nrpeTarget("nrpe/0", "check_disk"),
	}, config.Config{ForwardAlertRules: true})

	merged := synthesize.MergeGroups(result.AlertGroups, fragment)
	c.Assert(merged, gc.HasLen, 2)
	c.Check(merged[0], jc.DeepEquals, fragment)
}
