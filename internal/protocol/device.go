package protocol

// Device describes the environment a record was produced in. It is assigned
// during enqueue when the producer left it nil, and is immutable afterwards.
type Device struct {
	SDKName    string `json:"sdkName"`
	SDKVersion string `json:"sdkVersion"`
	OSName     string `json:"osName"`
	OSVersion  string `json:"osVersion,omitempty"`
	Model      string `json:"model,omitempty"`
	Locale     string `json:"locale,omitempty"`
	// TimeZoneOffset is minutes east of UTC at the time the descriptor was
	// built.
	TimeZoneOffset int    `json:"timeZoneOffset"`
	AppVersion     string `json:"appVersion,omitempty"`
	AppBuild       string `json:"appBuild,omitempty"`
}

// Clone returns a copy so per-record descriptors stay independent.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	return &c
}
