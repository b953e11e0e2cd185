package enricher

import (
	"regexp"
	"strings"

	"github.com/mssola/useragent"

	"github.com/gosight/pulse/internal/model"
)

const unknown = "Unknown"

var (
	mobileHint = regexp.MustCompile(`(?i)Mobile|Android|iPhone`)
	tabletHint = regexp.MustCompile(`(?i)Tablet|iPad`)
)

type DeviceInfo struct {
	Browser        string
	BrowserVersion string
	OS             string
	OSVersion      string
	DeviceType     string
}

// ClassifyDevice parses a user agent into browser, OS and device type.
// Device type resolution: parsed mobile, parsed tablet, mobile keywords,
// tablet keywords, else desktop.
func ClassifyDevice(userAgent string) DeviceInfo {
	info := DeviceInfo{
		Browser:    unknown,
		OS:         unknown,
		DeviceType: model.DeviceDesktop,
	}
	if userAgent == "" {
		return info
	}

	ua := useragent.New(userAgent)

	if name, version := ua.Browser(); name != "" {
		info.Browser = name
		info.BrowserVersion = version
	}
	if os := ua.OSInfo(); os.Name != "" {
		info.OS = os.Name
		info.OSVersion = os.Version
	}

	switch parsed := parsedDeviceType(ua, userAgent); {
	case parsed == model.DeviceMobile:
		info.DeviceType = model.DeviceMobile
	case parsed == model.DeviceTablet:
		info.DeviceType = model.DeviceTablet
	case mobileHint.MatchString(userAgent):
		info.DeviceType = model.DeviceMobile
	case tabletHint.MatchString(userAgent):
		info.DeviceType = model.DeviceTablet
	}

	return info
}

// parsedDeviceType is the parser's own verdict, "" when it has none.
// iPads and Android builds without the Mobile token are tablets even though
// the parser reports them as mobile.
func parsedDeviceType(ua *useragent.UserAgent, raw string) string {
	if ua.Platform() == "iPad" {
		return model.DeviceTablet
	}
	if strings.Contains(raw, "Android") && !strings.Contains(raw, "Mobile") {
		return model.DeviceTablet
	}
	if ua.Mobile() {
		return model.DeviceMobile
	}
	return ""
}
