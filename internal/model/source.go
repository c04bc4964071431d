package model

// SourceType tags a piece of retrieved material.
type SourceType string

const (
	SourceWeb          SourceType = "web"
	SourceNews         SourceType = "news"
	SourceBeroe        SourceType = "beroe"
	SourceInternalData SourceType = "internal_data"
	SourceSupplierData SourceType = "supplier_data"
	SourceReport       SourceType = "report"
	SourceData         SourceType = "data"
	SourceAnalysis     SourceType = "analysis"
	SourceDnD          SourceType = "dnd"
	SourceEcoVadis     SourceType = "ecovadis"
)

// Source is one citeable piece of retrieved material.
type Source struct {
	ID      string     `json:"id" yaml:"id"`
	Type    SourceType `json:"type" yaml:"type"`
	Title   string     `json:"title" yaml:"title"`
	URL     string     `json:"url,omitempty" yaml:"url"`
	Snippet string     `json:"snippet,omitempty" yaml:"snippet"`
	Date    string     `json:"date,omitempty" yaml:"date"`
	// Topics are lowercase keywords used by the knowledge base to match queries.
	Topics []string `json:"-" yaml:"topics"`
}

type sourceClass int

const (
	classInternal sourceClass = iota
	classPartner
	classWeb
)

func classify(t SourceType) sourceClass {
	switch t {
	case SourceWeb, SourceNews:
		return classWeb
	case SourceDnD, SourceEcoVadis:
		return classPartner
	default:
		return classInternal
	}
}

// SourceMix is the category of a response's retrieved material.
type SourceMix string

const (
	MixInternalOnly     SourceMix = "internal_only"
	MixInternalPartners SourceMix = "internal_partners"
	MixInternalWeb      SourceMix = "internal_web"
	MixWebOnly          SourceMix = "web_only"
	MixAll              SourceMix = "all"
)

// MixOf derives the source mix from the set of types present. An empty set is
// treated as internal-only, partner-only as internal+partners, and partner+web
// without internal material as all.
func MixOf(sources []Source) SourceMix {
	var internal, partner, web bool
	for _, s := range sources {
		switch classify(s.Type) {
		case classWeb:
			web = true
		case classPartner:
			partner = true
		default:
			internal = true
		}
	}
	switch {
	case partner && web:
		return MixAll
	case partner:
		return MixInternalPartners
	case internal && web:
		return MixInternalWeb
	case web:
		return MixWebOnly
	default:
		return MixInternalOnly
	}
}

// HasWeb reports whether the mix includes web material.
func (m SourceMix) HasWeb() bool {
	return m == MixInternalWeb || m == MixWebOnly || m == MixAll
}

// DedupeSources drops later sources that repeat an earlier id.
func DedupeSources(sources []Source) []Source {
	seen := make(map[string]bool, len(sources))
	out := make([]Source, 0, len(sources))
	for _, s := range sources {
		key := s.ID
		if key == "" {
			key = string(s.Type) + "|" + s.Title
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}
