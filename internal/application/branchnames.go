package application

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/ericfisherdev/stacksync/internal/domain/model"
)

const maxSlugLength = 60

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Slugify turns a commit title into a branch name component: accents are
// folded, anything outside [a-z0-9] becomes a single dash.
func Slugify(title string) string {
	folded, _, err := transform.String(stripMarks, title)
	if err != nil {
		folded = title
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}

	slug := strings.TrimRight(b.String(), "-")
	if len(slug) > maxSlugLength {
		slug = strings.TrimRight(slug[:maxSlugLength], "-")
	}
	if slug == "" {
		slug = "change"
	}
	return slug
}

func headBranchName(prefix, title string) string {
	return prefix + Slugify(title)
}

func baseBranchName(prefix, trunk, title string) string {
	return prefix + trunk + "." + Slugify(title)
}

// uniqueBranchName appends -2, -3, ... until name is not in taken, then
// reserves the result.
func uniqueBranchName(name string, taken map[string]model.CommitID) string {
	candidate := name
	for n := 2; ; n++ {
		if _, ok := taken[candidate]; !ok {
			break
		}
		candidate = name + "-" + strconv.Itoa(n)
	}
	taken[candidate] = ""
	return candidate
}
