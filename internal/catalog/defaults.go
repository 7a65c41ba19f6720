package catalog

// DefaultKeywords is the stock additive-manufacturing catalog. The product type
// and its process acronyms rank high, printable materials medium, and the rest
// of the domain vocabulary low. Accented spellings are listed separately since
// matching does not fold diacritics.
func DefaultKeywords() []Keyword {
	return []Keyword{
		{Term: "impressora 3d", Tier: TierHigh},
		{Term: "impressao 3d", Tier: TierHigh},
		{Term: "impressão 3d", Tier: TierHigh},
		{Term: "impressora tridimensional", Tier: TierHigh},
		{Term: "fdm", Tier: TierHigh},
		{Term: "fff", Tier: TierHigh},
		{Term: "sla", Tier: TierHigh},
		{Term: "dlp", Tier: TierHigh},
		{Term: "filamento", Tier: TierMedium},
		{Term: "resina", Tier: TierMedium},
		{Term: "pla", Tier: TierMedium},
		{Term: "abs", Tier: TierMedium},
		{Term: "petg", Tier: TierMedium},
		{Term: "tpu", Tier: TierMedium},
		{Term: "nylon", Tier: TierMedium},
		{Term: "lcd", Tier: TierLow},
		{Term: "scanner 3d", Tier: TierLow},
		{Term: "manufatura aditiva", Tier: TierLow},
		{Term: "fabricacao aditiva", Tier: TierLow},
		{Term: "fabricação aditiva", Tier: TierLow},
		{Term: "modelagem 3d", Tier: TierLow},
		{Term: "prototipagem", Tier: TierLow},
		{Term: "cad 3d", Tier: TierLow},
	}
}

// Default builds the stock catalog with the given weights.
func Default(weights Weights) (*Catalog, error) {
	return New(DefaultKeywords(), weights)
}
