package probe

import (
	"strings"

	"github.com/mileusna/useragent"
)

// Automation markers are globals injected by browser automation drivers.
var knownAutomationMarkers = map[string]bool{
	"__selenium_unwrapped":    true,
	"__webdriver_evaluate":    true,
	"__driver_evaluate":       true,
	"callPhantom":             true,
	"_phantom":                true,
	"Cypress":                 true,
	"__playwright":            true,
	"__nightmare":             true,
	"domAutomationController": true,
}

var headlessUATokens = []string{"HeadlessChrome", "PhantomJS", "Selenium"}

// EnvironmentReport is the browser environment reported by the client.
type EnvironmentReport struct {
	UserAgent         string   `json:"user_agent" validate:"max=1024,label"`
	WebDriver         bool     `json:"webdriver"`
	PluginCount       int      `json:"plugin_count" validate:"gte=0"`
	LanguageCount     int      `json:"language_count" validate:"gte=0"`
	AutomationMarkers []string `json:"automation_markers" validate:"max=32,dive,max=64,label"`
	ViewportWidth     int      `json:"viewport_width" validate:"gte=0,lte=16384"`
	ViewportHeight    int      `json:"viewport_height" validate:"gte=0,lte=16384"`
}

// EnvironmentSignals are the automation indicators derived from a report.
type EnvironmentSignals struct {
	IsHeadless         bool   `json:"is_headless"`
	HasAutomationTools bool   `json:"has_automation_tools"`
	SuspiciousViewport bool   `json:"suspicious_viewport"`
	WebDriverDetected  bool   `json:"webdriver_detected"`
	Browser            string `json:"browser,omitempty"`
	OS                 string `json:"os,omitempty"`
	Bot                bool   `json:"bot"`
}

// InspectEnvironment classifies a browser environment.
func InspectEnvironment(r EnvironmentReport) EnvironmentSignals {
	ua := useragent.Parse(r.UserAgent)

	suspiciousUA := ua.Bot
	for _, tok := range headlessUATokens {
		if strings.Contains(r.UserAgent, tok) {
			suspiciousUA = true
		}
	}

	automation := r.WebDriver
	for _, m := range r.AutomationMarkers {
		if knownAutomationMarkers[m] {
			automation = true
		}
	}

	return EnvironmentSignals{
		IsHeadless:         r.WebDriver || r.PluginCount == 0 || r.LanguageCount == 0 || suspiciousUA,
		HasAutomationTools: automation,
		SuspiciousViewport: SuspiciousViewport(r.ViewportWidth, r.ViewportHeight),
		WebDriverDetected:  r.WebDriver,
		Browser:            ua.Name,
		OS:                 ua.OS,
		Bot:                ua.Bot,
	}
}

// SuspiciousViewport flags the default window sizes of headless browsers
// and anything smaller than 800x600.
func SuspiciousViewport(w, h int) bool {
	return (w == 800 && h == 600) ||
		(w == 1024 && h == 768) ||
		w < 800 || h < 600
}
