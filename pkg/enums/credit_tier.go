package enums

// CreditTier is the legacy discrete action-cost bucket.
type CreditTier string

const (
	CreditTierSmall  CreditTier = "small"
	CreditTierMedium CreditTier = "medium"
	CreditTierLarge  CreditTier = "large"
	CreditTierXL     CreditTier = "xl"
)

// creditTiers is in ascending cost order.
var creditTiers = set[CreditTier]{CreditTierSmall, CreditTierMedium, CreditTierLarge, CreditTierXL}

var creditTierCosts = map[CreditTier]int64{
	CreditTierSmall:  1,
	CreditTierMedium: 2,
	CreditTierLarge:  4,
	CreditTierXL:     8,
}

func (c CreditTier) String() string { return string(c) }

func (c CreditTier) IsValid() bool { return creditTiers.has(c) }

// Cost returns the credits one action of this tier consumes; zero for
// unknown tiers.
func (c CreditTier) Cost() int64 { return creditTierCosts[c] }

// CreditTiers lists the tiers in ascending cost order.
func CreditTiers() []CreditTier { return creditTiers.values() }

func ParseCreditTier(value string) (CreditTier, error) {
	return creditTiers.parse("credit tier", value)
}
