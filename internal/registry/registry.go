// Package registry keeps the live, deduplicated set of peripherals seen while scanning.
package registry

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/bradfitz/slice"
	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/device"
)

// Filter restricts which new devices enter the registry. Empty lists match everything.
type Filter struct {
	AllowList []string
	BlockList []string
	Services  []string
}

// Registry is the Device Registry. Observe, Prune and Clear are called from a
// single owner goroutine; Snapshot and Get are safe from any goroutine.
type Registry struct {
	devices   *hashmap.Map[string, device.Device]
	filter    Filter
	staleness time.Duration
	paused    atomic.Bool
	logger    *logrus.Logger
}

// New creates an empty registry. A zero staleness disables pruning.
func New(logger *logrus.Logger, staleness time.Duration, filter Filter) *Registry {
	if logger == nil {
		logger = logrus.New()
	}
	filter.Services = device.NormalizeUUIDs(filter.Services)
	return &Registry{
		devices:   hashmap.New[string, device.Device](),
		filter:    filter,
		staleness: staleness,
		logger:    logger,
	}
}

// Observe folds one advertisement into the registry at time now.
// It reports whether the registry changed; paused registries and malformed or
// filtered advertisements leave it untouched.
func (r *Registry) Observe(adv device.Advertisement, now time.Time) bool {
	if r.paused.Load() {
		return false
	}
	if adv == nil || strings.TrimSpace(adv.Addr()) == "" {
		r.logger.Warn("Dropping advertisement without an identifier")
		return false
	}

	id := adv.Addr()
	prev, existing := r.devices.Get(id)
	if !existing && !r.shouldInclude(adv) {
		return false
	}

	var next device.Device
	if existing {
		next = prev.Clone()
	} else {
		next = device.Device{ID: id, FirstSeen: now}
	}

	if name := adv.LocalName(); name != "" {
		next.Name = name
	}
	if tx := adv.TxPowerLevel(); tx != device.TxPowerUnavailable {
		next.TxPower = &tx
	}
	next.RSSI = adv.RSSI()
	next.LastSeen = now
	next.Connectable = adv.Connectable()
	if md := adv.ManufacturerData(); len(md) > 0 {
		next.ManufacturerData = append([]byte(nil), md...)
	}
	next.Services = mergeServices(next.Services, adv.Services())

	r.devices.Set(id, next)

	if !existing {
		r.logger.WithFields(logrus.Fields{
			"device":  next.DisplayName(),
			"address": id,
			"rssi":    next.RSSI,
		}).Info("Discovered new device")
	}
	return true
}

func mergeServices(known, advertised []string) []string {
	for _, u := range device.NormalizeUUIDs(advertised) {
		if !contains(known, u) {
			known = append(known, u)
		}
	}
	if len(known) > 1 {
		slice.Sort(known, func(i, j int) bool { return known[i] < known[j] })
	}
	return known
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// shouldInclude applies allow/block/service filters
func (r *Registry) shouldInclude(adv device.Advertisement) bool {
	addr := adv.Addr()

	for _, blocked := range r.filter.BlockList {
		if strings.EqualFold(addr, blocked) {
			return false
		}
	}

	if len(r.filter.AllowList) > 0 {
		allowed := false
		for _, a := range r.filter.AllowList {
			if strings.EqualFold(addr, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(r.filter.Services) > 0 {
		advertised := device.NormalizeUUIDs(adv.Services())
		for _, required := range r.filter.Services {
			if contains(advertised, required) {
				return true
			}
		}
		return false
	}

	return true
}

// Snapshot returns all devices ordered by identifier.
func (r *Registry) Snapshot() []device.Device {
	devs := make([]device.Device, 0, r.devices.Len())
	r.devices.Range(func(_ string, d device.Device) bool {
		devs = append(devs, d.Clone())
		return true
	})
	slice.Sort(devs, func(i, j int) bool { return devs[i].ID < devs[j].ID })
	return devs
}

// Get returns one device by identifier.
func (r *Registry) Get(id string) (device.Device, bool) {
	d, ok := r.devices.Get(id)
	if !ok {
		return device.Device{}, false
	}
	return d.Clone(), true
}

// Len returns the number of known devices.
func (r *Registry) Len() int {
	return r.devices.Len()
}

// Prune removes devices not seen within the staleness window and returns their
// identifiers in order. Identifiers in keep are never removed.
func (r *Registry) Prune(now time.Time, keep ...string) []string {
	if r.staleness <= 0 {
		return nil
	}
	var removed []string
	r.devices.Range(func(id string, d device.Device) bool {
		if now.Sub(d.LastSeen) > r.staleness && !contains(keep, id) {
			removed = append(removed, id)
		}
		return true
	})
	for _, id := range removed {
		r.devices.Del(id)
	}
	if len(removed) > 0 {
		slice.Sort(removed, func(i, j int) bool { return removed[i] < removed[j] })
		r.logger.WithField("removed", removed).Debug("Pruned stale devices")
	}
	return removed
}

// Pause stops ingestion without clearing known devices.
func (r *Registry) Pause() {
	r.paused.Store(true)
}

// Resume restarts ingestion into the same registry.
func (r *Registry) Resume() {
	r.paused.Store(false)
}

// Paused reports whether ingestion is paused.
func (r *Registry) Paused() bool {
	return r.paused.Load()
}

// Clear forgets every device.
func (r *Registry) Clear() {
	var ids []string
	r.devices.Range(func(id string, _ device.Device) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		r.devices.Del(id)
	}
}
