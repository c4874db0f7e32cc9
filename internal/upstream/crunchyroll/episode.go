package crunchyroll

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Languages maps Crunchyroll locale codes to display names.
var Languages = map[string]string{
	"en-US":  "English",
	"ja-JP":  "Japanese",
	"id-ID":  "Indonesian",
	"ms-MY":  "Malay",
	"de-DE":  "German",
	"es-LA":  "Spanish (LA)",
	"es-ES":  "Spanish",
	"es-419": "Spanish",
	"fr-FR":  "French",
	"it-IT":  "Italian",
	"pl-PL":  "Polish",
	"pt-BR":  "Portuguese (BR)",
	"pt-PT":  "Portuguese",
	"vi-VN":  "Vietnamese",
	"tr-TR":  "Turkish",
	"ru-RU":  "Russian",
	"ar-SA":  "Arabic",
	"hi-IN":  "Hindi",
	"ta-IN":  "Tamil",
	"te-IN":  "Telugu",
	"zh-HK":  "Cantonese",
	"zh-CN":  "Mandarin",
	"zh-TW":  "Mandarin (TW)",
	"ko-KR":  "Korean",
	"th-TH":  "Thai",
}

type Image struct {
	Source string `json:"source"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Type   string `json:"type"`
}

type Version struct {
	AudioLocale string `json:"audio_locale"`
	GUID        string `json:"guid"`
	Original    bool   `json:"original"`
}

type Metadata struct {
	SeriesID             string    `json:"series_id"`
	SeriesTitle          string    `json:"series_title"`
	SeasonID             string    `json:"season_id"`
	SeasonTitle          string    `json:"season_title"`
	Episode              string    `json:"episode"`
	AudioLocale          string    `json:"audio_locale"`
	Versions             []Version `json:"versions"`
	SubtitleLocales      []string  `json:"subtitle_locales"`
	DurationMS           int64     `json:"duration_ms"`
	PremiumAvailableDate string    `json:"premium_available_date"`
	AvailabilityStarts   string    `json:"availability_starts"`
}

type Episode struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	SlugTitle   string `json:"slug_title"`
	Description string `json:"description"`
	ExternalID  string `json:"external_id"`
	LastPublic  string `json:"last_public"`
	Images      struct {
		Thumbnail [][]Image `json:"thumbnail"`
	} `json:"images"`
	Metadata Metadata `json:"episode_metadata"`
}

// ReleasedAt is the premium availability date, falling back to the
// availability start and then the last public date.
func (e Episode) ReleasedAt() time.Time {
	for _, s := range []string{e.Metadata.PremiumAvailableDate, e.Metadata.AvailabilityStarts, e.LastPublic} {
		if s == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// URL is the public watch page.
func (e Episode) URL() string {
	return "https://www.crunchyroll.com/watch/" + e.ID + "/" + e.SlugTitle
}

// IsDub reports whether the audio track is not the original version.
func (e Episode) IsDub() bool {
	m := e.Metadata
	if m.AudioLocale == "" || len(m.Versions) == 0 {
		return false
	}
	for _, v := range m.Versions {
		if v.AudioLocale == m.AudioLocale {
			return !v.Original
		}
	}
	return true
}

var (
	seasonRe       = regexp.MustCompile(`^Season\s+(\d+)(?:\s*\((.+)\))?$`)
	genericTitleRe = regexp.MustCompile(`(?i)^Episode\s+0*\d+$`)
)

// DisplayTitle builds "Series (Lang Dub) - Episode N - Title".
func (e Episode) DisplayTitle() string {
	m := e.Metadata
	var b strings.Builder
	if m.SeasonTitle != "" && !strings.HasPrefix(m.SeasonTitle, "Season") {
		b.WriteString(m.SeasonTitle)
	} else {
		b.WriteString(m.SeriesTitle)
		if m.SeasonTitle != "" {
			b.WriteString(seasonSuffix(m.SeasonTitle))
		}
	}
	if e.IsDub() && !strings.Contains(m.SeasonTitle, " Dub") {
		if lang, ok := Languages[m.AudioLocale]; ok {
			fmt.Fprintf(&b, " (%s Dub)", lang)
		}
	}
	if m.Episode != "" {
		b.WriteString(" - Episode " + m.Episode)
	}
	if e.Title != "" && !genericTitleRe.MatchString(e.Title) && e.Title != m.SeriesTitle {
		b.WriteString(" - " + e.Title)
	}
	return b.String()
}

// seasonSuffix drops a bare "Season 1" and keeps its parenthesized name.
func seasonSuffix(name string) string {
	m := seasonRe.FindStringSubmatch(name)
	if m != nil {
		if n, _ := strconv.Atoi(m[1]); n == 1 {
			if m[2] != "" {
				return " " + m[2]
			}
			return ""
		}
	}
	return " " + name
}

// Thumbnail is the largest thumbnail by area.
func (e Episode) Thumbnail() string {
	best, area := "", -1
	for _, group := range e.Images.Thumbnail {
		for _, img := range group {
			if a := img.Width * img.Height; a > area {
				best, area = img.Source, a
			}
		}
	}
	return best
}

// Duration renders duration_ms as "1h2m3s", omitting leading zero units.
func (e Episode) Duration() string {
	total := e.Metadata.DurationMS / 1000
	if total <= 0 {
		return "0s"
	}
	h, m, s := total/3600, total%3600/60, total%60
	var b strings.Builder
	if h > 0 {
		fmt.Fprintf(&b, "%dh", h)
	}
	if m > 0 || h > 0 {
		fmt.Fprintf(&b, "%dm", m)
	}
	fmt.Fprintf(&b, "%ds", s)
	return b.String()
}

// Subtitles lists subtitle languages by display name, or "-".
func (e Episode) Subtitles() string {
	if len(e.Metadata.SubtitleLocales) == 0 {
		return "-"
	}
	out := make([]string, len(e.Metadata.SubtitleLocales))
	for i, loc := range e.Metadata.SubtitleLocales {
		out[i] = Language(loc)
	}
	return strings.Join(out, ", ")
}

// Language returns the display name for a locale, or the locale itself.
func Language(locale string) string {
	if name, ok := Languages[locale]; ok {
		return name
	}
	return locale
}
