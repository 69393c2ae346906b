package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const (
	chromeUA   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	headlessUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) HeadlessChrome/120.0.0.0 Safari/537.36"
	googlebot  = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
)

func TestIsVirtual(t *testing.T) {
	d := NewDeviceInspector(nil)
	tests := []struct {
		label string
		want  bool
	}{
		{"OBS Virtual Camera", true},
		{"ManyCam Virtual Webcam", true},
		{"Snap Camera", true},
		{"FaceTime HD Camera (Built-in)", false},
		{"Logitech BRIO (046d:085e)", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			assert.Equal(t, tt.want, d.IsVirtual(tt.label))
		})
	}
}

func TestInspectDevices(t *testing.T) {
	d := NewDeviceInspector(nil)

	s := d.Inspect(DeviceReport{
		Labels:      []string{"FaceTime HD Camera", "OBS Virtual Camera"},
		ActiveLabel: "FaceTime HD Camera",
	})
	assert.True(t, s.HasVirtualCamera)
	assert.False(t, s.ActiveDeviceIsVirtual)
	assert.Equal(t, 2, s.DeviceCount)
	assert.Equal(t, []string{"OBS Virtual Camera"}, s.VirtualLabels)

	none := d.Inspect(DeviceReport{})
	assert.Equal(t, 0, none.DeviceCount)
	assert.False(t, none.HasVirtualCamera)
}

func TestCustomMarkers(t *testing.T) {
	d := NewDeviceInspector([]string{" XSplit "})
	assert.True(t, d.IsVirtual("XSplit VCam"))
	assert.False(t, d.IsVirtual("OBS Virtual Camera"))
}

func TestInspectEnvironment(t *testing.T) {
	normal := EnvironmentReport{
		UserAgent:      chromeUA,
		PluginCount:    5,
		LanguageCount:  2,
		ViewportWidth:  1440,
		ViewportHeight: 900,
	}

	tests := []struct {
		name       string
		mutate     func(r *EnvironmentReport)
		headless   bool
		automation bool
		viewport   bool
	}{
		{"normal browser", func(*EnvironmentReport) {}, false, false, false},
		{"webdriver", func(r *EnvironmentReport) { r.WebDriver = true }, true, true, false},
		{"no plugins", func(r *EnvironmentReport) { r.PluginCount = 0 }, true, false, false},
		{"no languages", func(r *EnvironmentReport) { r.LanguageCount = 0 }, true, false, false},
		{"headless ua", func(r *EnvironmentReport) { r.UserAgent = headlessUA }, true, false, false},
		{"crawler ua", func(r *EnvironmentReport) { r.UserAgent = googlebot }, true, false, false},
		{"phantom global", func(r *EnvironmentReport) { r.AutomationMarkers = []string{"callPhantom"} }, false, true, false},
		{"unknown global", func(r *EnvironmentReport) { r.AutomationMarkers = []string{"myApp"} }, false, false, false},
		{"bot viewport", func(r *EnvironmentReport) { r.ViewportWidth, r.ViewportHeight = 800, 600 }, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := normal
			tt.mutate(&r)
			s := InspectEnvironment(r)
			assert.Equal(t, tt.headless, s.IsHeadless, "headless")
			assert.Equal(t, tt.automation, s.HasAutomationTools, "automation")
			assert.Equal(t, tt.viewport, s.SuspiciousViewport, "viewport")
		})
	}
}

func TestSuspiciousViewport(t *testing.T) {
	assert.True(t, SuspiciousViewport(1024, 768))
	assert.True(t, SuspiciousViewport(700, 900))
	assert.True(t, SuspiciousViewport(1200, 500))
	assert.False(t, SuspiciousViewport(1280, 720))
	assert.False(t, SuspiciousViewport(1920, 1080))
}
