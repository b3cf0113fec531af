package archive

import (
	"strings"
	"unicode/utf8"

	"github.com/therealutkarshpriyadarshi/livevtt/pkg/models"
)

// maxCyrillicShare is the share of Cyrillic letters above which an English
// translation is considered untranslated
const maxCyrillicShare = 0.2

// translationSuspect reports whether a translation pass looks broken: no
// output, mostly Cyrillic text for an English target, or far fewer cues
// than the transcription
func translationSuspect(source, translated []models.Segment, target string) bool {
	if len(translated) == 0 {
		return true
	}

	if primaryLanguage(target) == "en" {
		total, cyrillic := 0, 0
		for _, seg := range translated {
			total += utf8.RuneCountInString(seg.Text)
			for _, r := range seg.Text {
				if r >= 'Ѐ' && r <= 'ӿ' {
					cyrillic++
				}
			}
		}
		if total == 0 {
			return true
		}
		if float64(cyrillic)/float64(total) > maxCyrillicShare {
			return true
		}
	}

	minCount := len(source) / 3
	if minCount < 1 {
		minCount = 1
	}
	return len(source) > 0 && len(translated) < minCount
}

func primaryLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}
