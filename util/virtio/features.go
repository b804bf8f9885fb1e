package virtio

import "fmt"

// Feature contains feature bits that describe a virtio device or driver.
type Feature uint64

// Device-independent feature bits.
//
// Source: https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-6600006
const (
	// FeatureNotifyOnEmpty asks the device to interrupt the driver whenever it
	// runs out of available buffers, even if interrupts are suppressed. Legacy
	// only.
	FeatureNotifyOnEmpty Feature = 1 << 24

	// FeatureAnyLayout indicates that the device accepts arbitrary descriptor
	// layouts. Legacy only.
	FeatureAnyLayout Feature = 1 << 27

	// FeatureIndirectDescriptors indicates that the driver can use descriptors
	// with an additional layer of indirection.
	FeatureIndirectDescriptors Feature = 1 << 28

	// FeatureRingEventIndex enables the used_event and avail_event fields that
	// let each side name the ring index at which it wants to be notified.
	FeatureRingEventIndex Feature = 1 << 29

	// FeatureVersion1 indicates compliance with virtio 1.0.
	FeatureVersion1 Feature = 1 << 32
)

// Feature bits for block devices.
//
// Source: https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-2800003
const (
	// FeatureBlkSizeMax indicates that the device reports a maximum segment
	// size.
	FeatureBlkSizeMax Feature = 1 << 1

	// FeatureBlkSegMax indicates that the device reports a maximum number of
	// segments per request.
	FeatureBlkSegMax Feature = 1 << 2

	// FeatureBlkReadOnly marks the device as read-only.
	FeatureBlkReadOnly Feature = 1 << 5

	// FeatureBlkBlockSize indicates that the device reports its block size.
	FeatureBlkBlockSize Feature = 1 << 6

	// FeatureBlkFlush indicates that the device supports cache flush
	// requests.
	FeatureBlkFlush Feature = 1 << 9
)

// DeviceFeatures masks the feature bits whose meaning depends on the device
// type.
const DeviceFeatures Feature = 1<<24 - 1 | ^Feature(1<<50-1)

// Has reports whether all bits of other are set in f.
func (f Feature) Has(other Feature) bool {
	return f&other == other
}

var featureNames = []struct {
	bit  Feature
	name string
}{
	{FeatureNotifyOnEmpty, "notify_on_empty"},
	{FeatureAnyLayout, "any_layout"},
	{FeatureIndirectDescriptors, "indirect_desc"},
	{FeatureRingEventIndex, "event_idx"},
	{FeatureVersion1, "version_1"},
}

// ParseFeatureNames turns a list of device-independent feature names, as used
// in config files, into feature bits.
func ParseFeatureNames(names []string) (Feature, error) {
	var f Feature
	for _, n := range names {
		found := false
		for _, fn := range featureNames {
			if fn.name == n {
				f |= fn.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown feature %q", n)
		}
	}
	return f, nil
}

// Names lists the device-independent features set in f.
func (f Feature) Names() []string {
	var out []string
	for _, fn := range featureNames {
		if f.Has(fn.bit) {
			out = append(out, fn.name)
		}
	}
	return out
}

// Feature bits for network devices. The loopback device offers none of them,
// they are listed so drivers and logs can name what a guest asks for.
//
// Source: https://docs.oasis-open.org/virtio/virtio/v1.2/csd01/virtio-v1.2-csd01.html#x1-2200003
const (
	// FeatureNetCsum lets the driver hand over frames with a partial checksum.
	FeatureNetCsum Feature = 1 << 0
	// FeatureNetGuestCsum lets the device hand over frames with a partial
	// checksum.
	FeatureNetGuestCsum Feature = 1 << 1
	FeatureNetMTU       Feature = 1 << 3
	FeatureNetMAC       Feature = 1 << 5
	// FeatureNetMergeRXBuffers allows one received frame to span several
	// chains, counted in [NetHdr.NumBuffers].
	FeatureNetMergeRXBuffers Feature = 1 << 15
	FeatureNetStatus         Feature = 1 << 16
	// FeatureNetHdrLen makes [NetHdr.HdrLen] exact.
	FeatureNetHdrLen      Feature = 1 << 59
	FeatureNetSpeedDuplex Feature = 1 << 63
)
