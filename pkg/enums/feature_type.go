package enums

// FeatureType is a metered capability with a per-period allotment.
type FeatureType string

const (
	FeatureResearch    FeatureType = "research"
	FeatureIdeation    FeatureType = "ideation"
	FeatureAutoPosting FeatureType = "auto_posting"
	FeatureMonitors    FeatureType = "monitors"
)

var featureTypes = set[FeatureType]{FeatureResearch, FeatureIdeation, FeatureAutoPosting, FeatureMonitors}

func (f FeatureType) String() string { return string(f) }

func (f FeatureType) IsValid() bool { return featureTypes.has(f) }

// FeatureTypes lists every metered feature.
func FeatureTypes() []FeatureType { return featureTypes.values() }

func ParseFeatureType(value string) (FeatureType, error) {
	return featureTypes.parse("feature type", value)
}
