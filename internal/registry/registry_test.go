package registry_test

import (
	"testing"
	"time"

	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/registry"
	"github.com/srg/blescope/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type RegistryTestSuite struct {
	suite.Suite
	now time.Time
	reg *registry.Registry
}

func (s *RegistryTestSuite) SetupTest() {
	s.now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.reg = registry.New(testutils.NewQuietLogger(), 30*time.Second, registry.Filter{})
}

func adv(addr string) *testutils.AdvertisementBuilder {
	return testutils.NewAdvertisementBuilder().WithAddress(addr)
}

func (s *RegistryTestSuite) TestRepeatedAdvertisementsKeepOneEntry() {
	// GOAL: Verify the registry deduplicates by identifier and keeps the latest RSSI
	//
	// TEST SCENARIO: rssi -40 then -55 for AA:BB:CC:DD:EE:01 → one entry with rssi -55

	s.True(s.reg.Observe(adv("AA:BB:CC:DD:EE:01").WithRSSI(-40).Build(), s.now))
	s.True(s.reg.Observe(adv("AA:BB:CC:DD:EE:01").WithRSSI(-55).Build(), s.now.Add(time.Second)))

	snap := s.reg.Snapshot()
	s.Require().Len(snap, 1, "MUST contain exactly one entry per identifier")
	s.Equal("AA:BB:CC:DD:EE:01", snap[0].ID)
	s.Equal(-55, snap[0].RSSI)
	s.Equal(s.now, snap[0].FirstSeen)
	s.Equal(s.now.Add(time.Second), snap[0].LastSeen)
}

func (s *RegistryTestSuite) TestNameIsNeverBlanked() {
	s.reg.Observe(adv("AA:BB:CC:DD:EE:01").WithName("Thermo").Build(), s.now)
	s.reg.Observe(adv("AA:BB:CC:DD:EE:01").Build(), s.now)

	d, ok := s.reg.Get("AA:BB:CC:DD:EE:01")
	s.Require().True(ok)
	s.Equal("Thermo", d.Name, "empty advertised name MUST NOT erase a known name")

	s.reg.Observe(adv("AA:BB:CC:DD:EE:01").WithName("Thermo-2").Build(), s.now)
	d, _ = s.reg.Get("AA:BB:CC:DD:EE:01")
	s.Equal("Thermo-2", d.Name, "a newly provided name MUST replace the old one")
}

func (s *RegistryTestSuite) TestTxPowerOnlyOverwrittenWhenPresent() {
	s.reg.Observe(adv("AA:BB:CC:DD:EE:01").WithTxPower(-8).Build(), s.now)
	s.reg.Observe(adv("AA:BB:CC:DD:EE:01").Build(), s.now)

	d, _ := s.reg.Get("AA:BB:CC:DD:EE:01")
	s.Require().NotNil(d.TxPower)
	s.Equal(-8, *d.TxPower)

	s.reg.Observe(adv("AA:BB:CC:DD:EE:01").WithTxPower(4).Build(), s.now)
	d, _ = s.reg.Get("AA:BB:CC:DD:EE:01")
	s.Equal(4, *d.TxPower)
}

func (s *RegistryTestSuite) TestSnapshotIsOrderedAndDetached() {
	s.reg.Observe(adv("CC:00:00:00:00:03").WithServices("180F").Build(), s.now)
	s.reg.Observe(adv("AA:00:00:00:00:01").Build(), s.now)
	s.reg.Observe(adv("BB:00:00:00:00:02").Build(), s.now)

	snap := s.reg.Snapshot()
	s.Require().Len(snap, 3)
	s.Equal([]string{"AA:00:00:00:00:01", "BB:00:00:00:00:02", "CC:00:00:00:00:03"},
		[]string{snap[0].ID, snap[1].ID, snap[2].ID})

	snap[2].Services[0] = "ffff"
	d, _ := s.reg.Get("CC:00:00:00:00:03")
	s.Equal([]string{"180f"}, d.Services, "snapshot mutation MUST NOT leak into the registry")
}

func (s *RegistryTestSuite) TestAdvertisedServicesAreMerged() {
	s.reg.Observe(adv("AA:BB:CC:DD:EE:01").WithServices("180F").Build(), s.now)
	s.reg.Observe(adv("AA:BB:CC:DD:EE:01").WithServices("180D", "180f").Build(), s.now)

	d, _ := s.reg.Get("AA:BB:CC:DD:EE:01")
	s.Equal([]string{"180d", "180f"}, d.Services)
}

func (s *RegistryTestSuite) TestMalformedAdvertisementIsDropped() {
	s.False(s.reg.Observe(adv("").WithRSSI(-40).Build(), s.now))
	s.False(s.reg.Observe(nil, s.now))
	s.Equal(0, s.reg.Len())
}

func (s *RegistryTestSuite) TestPruneRemovesStaleDevices() {
	// GOAL: Verify devices not re-advertised within the staleness window are removed
	//
	// TEST SCENARIO: two devices, one refreshed → prune after window removes only the stale one

	s.reg.Observe(adv("AA:00:00:00:00:01").Build(), s.now)
	s.reg.Observe(adv("BB:00:00:00:00:02").Build(), s.now)
	s.reg.Observe(adv("BB:00:00:00:00:02").Build(), s.now.Add(20*time.Second))

	s.Empty(s.reg.Prune(s.now.Add(30*time.Second)), "exactly at the window MUST NOT prune")

	removed := s.reg.Prune(s.now.Add(31 * time.Second))
	s.Equal([]string{"AA:00:00:00:00:01"}, removed)

	snap := s.reg.Snapshot()
	s.Require().Len(snap, 1)
	s.Equal("BB:00:00:00:00:02", snap[0].ID)
}

func (s *RegistryTestSuite) TestPruneKeepsExemptIdentifiers() {
	s.reg.Observe(adv("AA:00:00:00:00:01").Build(), s.now)

	s.Empty(s.reg.Prune(s.now.Add(time.Hour), "AA:00:00:00:00:01"), "the active target MUST survive pruning")
	s.Equal(1, s.reg.Len())
}

func (s *RegistryTestSuite) TestZeroStalenessDisablesPruning() {
	reg := registry.New(nil, 0, registry.Filter{})
	reg.Observe(adv("AA:00:00:00:00:01").Build(), s.now)
	s.Empty(reg.Prune(s.now.Add(time.Hour)))
}

func (s *RegistryTestSuite) TestPauseResumeKeepsDevices() {
	s.reg.Observe(adv("AA:00:00:00:00:01").Build(), s.now)

	s.reg.Pause()
	s.True(s.reg.Paused())
	s.False(s.reg.Observe(adv("BB:00:00:00:00:02").Build(), s.now), "paused registry MUST ignore events")
	s.Equal(1, s.reg.Len(), "pausing MUST NOT clear known devices")

	s.reg.Resume()
	s.True(s.reg.Observe(adv("BB:00:00:00:00:02").Build(), s.now))
	s.Equal(2, s.reg.Len())

	s.reg.Clear()
	s.Empty(s.reg.Snapshot())
}

func (s *RegistryTestSuite) TestFilters() {
	tests := []struct {
		name     string
		filter   registry.Filter
		adv      device.Advertisement
		included bool
	}{
		{"no filter", registry.Filter{}, adv("AA:00:00:00:00:01").Build(), true},
		{"blocked", registry.Filter{BlockList: []string{"aa:00:00:00:00:01"}}, adv("AA:00:00:00:00:01").Build(), false},
		{"allowed", registry.Filter{AllowList: []string{"AA:00:00:00:00:01"}}, adv("AA:00:00:00:00:01").Build(), true},
		{"not in allow list", registry.Filter{AllowList: []string{"BB:00:00:00:00:02"}}, adv("AA:00:00:00:00:01").Build(), false},
		{"service match", registry.Filter{Services: []string{"180D"}}, adv("AA:00:00:00:00:01").WithServices("180d").Build(), true},
		{"service mismatch", registry.Filter{Services: []string{"180D"}}, adv("AA:00:00:00:00:01").WithServices("180f").Build(), false},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			reg := registry.New(testutils.NewQuietLogger(), time.Minute, tt.filter)
			s.Equal(tt.included, reg.Observe(tt.adv, s.now))
			s.Equal(tt.included, reg.Len() == 1)
		})
	}
}

func TestRegistryTestSuite(t *testing.T) {
	suite.Run(t, new(RegistryTestSuite))
}
