package utils

import (
	"fmt"
	"strings"

	"accountguard/model"

	ua "github.com/mileusna/useragent"
)

// ParseUserAgent extracts useful information from User-Agent string
func ParseUserAgent(userAgent string) (browser, os, device string) {
	if userAgent == "" {
		return "Unknown Browser", "Unknown OS", "Desktop"
	}

	parsedUA := ua.Parse(userAgent)

	// Get browser name (without version)
	if parsedUA.Name != "" {
		browser = parsedUA.Name
	} else {
		browser = "Unknown Browser"
	}

	// Get OS name (without version)
	if parsedUA.OS != "" {
		os = parsedUA.OS
	} else {
		os = "Unknown OS"
	}

	// Determine device type
	device = "Desktop" // Default
	switch {
	case parsedUA.Device != "":
		device = parsedUA.Device
	case parsedUA.Mobile:
		if strings.Contains(userAgent, "iPhone") {
			device = "iPhone"
		} else {
			device = "Mobile"
		}
	case parsedUA.Tablet:
		device = "Tablet"
	}

	return strings.TrimSpace(browser), strings.TrimSpace(os), strings.TrimSpace(device)
}

// ObserveDevice builds the fingerprint for the current request. An explicit
// deviceName from the client overrides the User-Agent guess.
func ObserveDevice(userAgent, ip, deviceName string) model.Device {
	browser, os, device := ParseUserAgent(userAgent)
	if name := strings.TrimSpace(deviceName); name != "" {
		device = name
	}
	return model.Device{
		DeviceName: device,
		Browser:    browser,
		OS:         os,
		IPAddress:  ip,
	}
}

// GenerateSessionName creates a user-friendly session name
func GenerateSessionName(d model.Device) string {
	return fmt.Sprintf("%s on %s (%s)", d.Browser, d.OS, d.DeviceName)
}
