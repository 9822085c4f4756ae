package device

import (
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/Artproton/beacon/internal/protocol"
)

const (
	sdkName    = "beacon.go"
	sdkVersion = "1.0.0"
)

// Provider builds the descriptor once and hands out copies.
type Provider struct {
	appVersion string
	appBuild   string

	once sync.Once
	base protocol.Device
}

// NewProvider creates a Provider. appVersion and appBuild come from the host
// application and may be empty.
func NewProvider(appVersion, appBuild string) *Provider {
	return &Provider{appVersion: appVersion, appBuild: appBuild}
}

// Device returns a fresh copy of the descriptor.
func (p *Provider) Device() *protocol.Device {
	p.once.Do(func() {
		_, offset := time.Now().Zone()
		p.base = protocol.Device{
			SDKName:        sdkName,
			SDKVersion:     sdkVersion,
			OSName:         runtime.GOOS,
			Model:          hostModel(),
			Locale:         localeFromEnv(),
			TimeZoneOffset: offset / 60,
			AppVersion:     p.appVersion,
			AppBuild:       p.appBuild,
		}
	})
	return p.base.Clone()
}

func hostModel() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return runtime.GOARCH
}

// localeFromEnv derives a BCP 47-ish locale from LC_ALL/LANG, e.g.
// "en_US.UTF-8" -> "en-US".
func localeFromEnv() string {
	v := os.Getenv("LC_ALL")
	if v == "" {
		v = os.Getenv("LANG")
	}
	if v == "" {
		return ""
	}
	if i := strings.IndexByte(v, '.'); i >= 0 {
		v = v[:i]
	}
	return strings.ReplaceAll(v, "_", "-")
}
