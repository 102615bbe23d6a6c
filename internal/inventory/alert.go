package inventory

// AlertLevel is the stock alert classification of a product
type AlertLevel string

const (
	AlertOK        AlertLevel = "ok"
	AlertAttention AlertLevel = "attention"
	AlertCritical  AlertLevel = "critical"
)

// Thresholds are concrete critical/attention limits
type Thresholds struct {
	Critical  int
	Attention int
}

// DefaultThresholds apply when a tenant has not configured its own
var DefaultThresholds = Thresholds{Critical: 5, Attention: 20}

// Effective resolves the limits that apply to a product with this configuration
func (s ThresholdState) Effective(tenant Thresholds) Thresholds {
	if s.Mode == ThresholdCustom && s.Critical != nil && s.Attention != nil {
		return Thresholds{Critical: *s.Critical, Attention: *s.Attention}
	}
	return tenant
}

// Classify maps a stock level onto an alert level
func Classify(quantity int, t Thresholds) AlertLevel {
	switch {
	case quantity <= t.Critical:
		return AlertCritical
	case quantity <= t.Attention:
		return AlertAttention
	default:
		return AlertOK
	}
}
