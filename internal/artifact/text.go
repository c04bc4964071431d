package artifact

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// titleCase renders commodity and category labels for titles.
func titleCase(s string) string {
	return cases.Title(language.English).String(s)
}
