// Package probe turns one-shot client facts (camera enumeration, browser
// environment) into the boolean signals the trust score consumes.
package probe

import "strings"

// DefaultVirtualCameraMarkers are label fragments of common virtual camera
// drivers.
var DefaultVirtualCameraMarkers = []string{"obs", "virtual", "manycam", "snap"}

// DeviceReport is the camera enumeration reported by the client.
type DeviceReport struct {
	Labels      []string `json:"labels" validate:"max=64,dive,max=256,label"`
	ActiveLabel string   `json:"active_label" validate:"max=256,label"`
}

// DeviceSignals summarizes the camera inventory.
type DeviceSignals struct {
	HasVirtualCamera      bool     `json:"has_virtual_camera"`
	ActiveDeviceIsVirtual bool     `json:"active_device_is_virtual"`
	DeviceCount           int      `json:"device_count"`
	DeviceLabels          []string `json:"device_labels"`
	VirtualLabels         []string `json:"virtual_labels,omitempty"`
}

// DeviceInspector matches camera labels against virtual-driver markers.
type DeviceInspector struct {
	markers []string
}

// NewDeviceInspector creates an inspector. An empty marker list uses
// DefaultVirtualCameraMarkers.
func NewDeviceInspector(markers []string) *DeviceInspector {
	if len(markers) == 0 {
		markers = DefaultVirtualCameraMarkers
	}
	lower := make([]string, 0, len(markers))
	for _, m := range markers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			lower = append(lower, m)
		}
	}
	return &DeviceInspector{markers: lower}
}

// IsVirtual reports whether a device label names a virtual camera.
func (d *DeviceInspector) IsVirtual(label string) bool {
	if label == "" {
		return false
	}
	l := strings.ToLower(label)
	for _, m := range d.markers {
		if strings.Contains(l, m) {
			return true
		}
	}
	return false
}

// Inspect derives device signals from a report.
func (d *DeviceInspector) Inspect(r DeviceReport) DeviceSignals {
	s := DeviceSignals{
		DeviceCount:  len(r.Labels),
		DeviceLabels: append([]string(nil), r.Labels...),
	}
	for _, l := range r.Labels {
		if d.IsVirtual(l) {
			s.VirtualLabels = append(s.VirtualLabels, l)
		}
	}
	s.HasVirtualCamera = len(s.VirtualLabels) > 0
	s.ActiveDeviceIsVirtual = d.IsVirtual(r.ActiveLabel)
	if s.ActiveDeviceIsVirtual {
		s.HasVirtualCamera = true
	}
	return s
}
