package portal

// Rules holds the portal markup matching vocabulary. All matching is
// case-insensitive substring matching against the configured values; the
// lists are deliberately not widened beyond what has been observed on the
// portal.
type Rules struct {
	// ReadyMarkers match row/cell style, class and bgcolor attributes.
	ReadyMarkers []string
	// StatusTokens match row cell text. A row counts as ready only when a
	// ready marker AND a status token both match; either alone is not enough.
	StatusTokens []string
	// LinkTexts is the visible-text vocabulary of the report link.
	LinkTexts []string
	// HrefMarkers match report links by href when no link text matches.
	HrefMarkers []string
}

// DefaultRules returns the matching vocabulary observed on the portal.
func DefaultRules() Rules {
	return Rules{
		ReadyMarkers: []string{
			"#8ff08f", // light green row background
			"#00ff00",
			"#0f0",
			"rgb(0,255,0)",
			"green",
			"success",
			"ready",
		},
		StatusTokens: []string{
			"liberado",
			"pronto",
			"disponivel",
			"concluido",
		},
		LinkTexts: []string{
			"visualizar laudo",
			"baixar",
			"download",
		},
		HrefMarkers: []string{
			"/get_laudo",
		},
	}
}

// withDefaults fills empty lists from DefaultRules so partial config
// overrides only what it names.
func (r Rules) withDefaults() Rules {
	def := DefaultRules()
	if len(r.ReadyMarkers) == 0 {
		r.ReadyMarkers = def.ReadyMarkers
	}
	if len(r.StatusTokens) == 0 {
		r.StatusTokens = def.StatusTokens
	}
	if len(r.LinkTexts) == 0 {
		r.LinkTexts = def.LinkTexts
	}
	if len(r.HrefMarkers) == 0 {
		r.HrefMarkers = def.HrefMarkers
	}
	return r
}
