package ssm

import (
	"sync"

	"github.com/hlv-io/bacstack/pkg/apdu/services"
	"github.com/hlv-io/bacstack/pkg/bacnet"
)

// DeviceInfo is the per-peer record spec §3 describes: negotiated sizing
// and segmentation capability, refcounted while any SSM references it.
type DeviceInfo struct {
	Address               bacnet.Address
	DeviceInstance        uint32
	MaxApduLengthAccepted uint32
	MaxNpduLength         uint32
	SegmentationSupported services.Segmentation
	MaxSegmentsAccepted   int
	VendorID              uint32

	refcount int
}

// DeviceInfoCache holds one DeviceInfo per peer address, created on first
// reference or on receipt of an I-Am, evicted when its refcount drops to
// zero (spec §3). Grounded on the teacher's od registry (map + mutex, no
// separate eviction goroutine).
type DeviceInfoCache struct {
	mu      sync.Mutex
	entries map[string]*DeviceInfo
}

func NewDeviceInfoCache() *DeviceInfoCache {
	return &DeviceInfoCache{entries: make(map[string]*DeviceInfo)}
}

func defaultDeviceInfo(addr bacnet.Address) *DeviceInfo {
	return &DeviceInfo{
		Address:               addr,
		MaxApduLengthAccepted: 1024,
		MaxNpduLength:         1497,
		SegmentationSupported: services.SegmentationNone,
	}
}

// Acquire returns the DeviceInfo for addr, creating it with defaults on
// first reference, and increments its refcount. Callers must pair every
// Acquire with a Release.
func (c *DeviceInfoCache) Acquire(addr bacnet.Address) *DeviceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := addr.Key()
	info, ok := c.entries[key]
	if !ok {
		info = defaultDeviceInfo(addr)
		c.entries[key] = info
	}
	info.refcount++
	return info
}

// Release decrements addr's refcount, evicting the entry at zero.
func (c *DeviceInfoCache) Release(addr bacnet.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := addr.Key()
	info, ok := c.entries[key]
	if !ok {
		return
	}
	info.refcount--
	if info.refcount <= 0 {
		delete(c.entries, key)
	}
}

// UpdateFromIAm creates or refreshes a peer's record from an inbound I-Am,
// without taking a reference on it (spec §3: "created on first reference or
// on receipt of an I-Am").
func (c *DeviceInfoCache) UpdateFromIAm(addr bacnet.Address, iam services.IAm) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := addr.Key()
	info, ok := c.entries[key]
	if !ok {
		info = defaultDeviceInfo(addr)
		c.entries[key] = info
	}
	info.DeviceInstance = iam.ObjectInstance
	info.MaxApduLengthAccepted = iam.MaxApduLength
	info.SegmentationSupported = iam.SegmentationSupported
	info.VendorID = iam.VendorID
}

// UpgradeSegmentation implements spec §4.5's "opportunistic capability
// inference": a server receiving segmented-response-accepted=1 upgrades
// none->receive, transmit->both; other values are unchanged.
func (c *DeviceInfoCache) UpgradeSegmentation(addr bacnet.Address, segmentedResponseAccepted bool) {
	if !segmentedResponseAccepted {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.entries[addr.Key()]
	if !ok {
		return
	}
	switch info.SegmentationSupported {
	case services.SegmentationNone:
		info.SegmentationSupported = services.SegmentationReceive
	case services.SegmentationTransmit:
		info.SegmentationSupported = services.SegmentationBoth
	}
}

// Peek returns the current record for addr without affecting its refcount,
// for read-only inspection (e.g. sizing decisions before Acquire).
func (c *DeviceInfoCache) Peek(addr bacnet.Address) (DeviceInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.entries[addr.Key()]
	if !ok {
		return DeviceInfo{}, false
	}
	return *info, true
}
