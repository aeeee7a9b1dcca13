package domain

// DeviceType identifies one vendor platform. The value also salts the
// content hash so vendor-native ids can never collide across platforms.
type DeviceType string

const (
	// DeviceSLB is the sleep headband platform.
	DeviceSLB DeviceType = "SLB"
	// DeviceBSP is the wearable biosensor patch platform.
	DeviceBSP DeviceType = "BSP"
	// DeviceSMA is the phone-based stress-monitoring app platform.
	DeviceSMA DeviceType = "SMA"
	// DeviceCTP is the cognitive-test platform.
	DeviceCTP DeviceType = "CTP"
)

func (t DeviceType) String() string { return string(t) }

func (t DeviceType) Valid() bool {
	switch t {
	case DeviceSLB, DeviceBSP, DeviceSMA, DeviceCTP:
		return true
	}
	return false
}

// StudySite is a clinical enrollment location. Some vendors hold one
// credential set per site.
type StudySite string

const (
	SiteBergen  StudySite = "bergen"
	SiteLeuven  StudySite = "leuven"
	SiteCoimbra StudySite = "coimbra"
	SiteDundee  StudySite = "dundee"
)

func (s StudySite) Valid() bool {
	switch s {
	case SiteBergen, SiteLeuven, SiteCoimbra, SiteDundee:
		return true
	}
	return false
}

func AllStudySites() []StudySite {
	return []StudySite{SiteBergen, SiteLeuven, SiteCoimbra, SiteDundee}
}
