package captionfmt

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// iso6392 maps ISO 639-1 codes to the ISO 639-2/B codes streaming servers
// expect in caption payloads and SMIL manifests
var iso6392 = map[string]string{
	"en": "eng",
	"ru": "rus",
	"fr": "fra",
	"de": "deu",
	"es": "spa",
	"it": "ita",
	"pt": "por",
	"nl": "nld",
	"ja": "jpn",
	"zh": "zho",
	"ko": "kor",
	"uk": "ukr",
	"pl": "pol",
	"tr": "tur",
	"ar": "ara",
}

// displayNames are the names shown for HLS subtitle renditions
var displayNames = map[string]string{
	"en": "English",
	"ru": "Russian",
	"fr": "French",
	"de": "German",
	"es": "Spanish",
	"it": "Italian",
	"pt": "Portuguese",
	"nl": "Dutch",
	"ja": "Japanese",
	"zh": "Chinese",
	"ko": "Korean",
}

// ISO6392 returns the three-letter code for lang. Three-letter input is
// returned unchanged; unknown or empty input maps to "eng".
func ISO6392(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if len(lang) == 3 {
		return lang
	}
	base := lang
	if i := strings.IndexAny(base, "-_"); i > 0 {
		base = base[:i]
	}
	if code, ok := iso6392[base]; ok {
		return code
	}
	if tag, err := language.Parse(base); err == nil {
		if b, _ := tag.Base(); len(b.ISO3()) == 3 {
			return b.ISO3()
		}
	}
	return "eng"
}

// DisplayName returns the English name of lang
func DisplayName(lang string) string {
	key := strings.ToLower(strings.TrimSpace(lang))
	if name, ok := displayNames[key]; ok {
		return name
	}
	if tag, err := language.Parse(key); err == nil {
		if name := display.English.Languages().Name(tag); name != "" {
			return name
		}
	}
	if key == "" {
		return ""
	}
	return strings.ToUpper(key[:1]) + key[1:]
}
