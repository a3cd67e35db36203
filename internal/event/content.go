package event

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var (
	youtubeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{6,}$`)
	vimeoIDPattern   = regexp.MustCompile(`^[0-9]+$`)
	blankRunPattern  = regexp.MustCompile(`\n{3,}`)
)

var directMediaExtensions = map[string]struct{}{
	".mp4":  {},
	".webm": {},
	".mov":  {},
	".m4v":  {},
}

// ValidVideoURL accepts only absolute https URLs with a host.
func ValidVideoURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme == "https" && u.Host != ""
}

// videoContent renders the content body for a video resource: heading,
// player block, then the supplementary text.
func videoContent(title, videoURL, body string) string {
	sections := make([]string, 0, 3)
	if title != "" {
		sections = append(sections, "# "+title)
	}
	if block := playerBlock(videoURL); block != "" {
		sections = append(sections, block)
	}
	if body != "" {
		sections = append(sections, body)
	}
	return strings.Join(sections, "\n\n")
}

// playerBlock picks the richest rendering the URL supports: a host embed for
// recognized video hosts, a native player for direct media files, otherwise
// a plain link.
func playerBlock(videoURL string) string {
	if !ValidVideoURL(videoURL) {
		return ""
	}
	u, err := url.Parse(videoURL)
	if err != nil {
		return ""
	}
	if id := youtubeVideoID(u); id != "" {
		return fmt.Sprintf(`<div class="video-embed"><iframe src="https://www.youtube.com/embed/%s" title="video player" frameborder="0" allowfullscreen></iframe></div>`, id)
	}
	if id := vimeoVideoID(u); id != "" {
		return fmt.Sprintf(`<div class="video-embed"><iframe src="https://player.vimeo.com/video/%s" title="video player" frameborder="0" allowfullscreen></iframe></div>`, id)
	}
	if isDirectMedia(u) {
		return fmt.Sprintf(`<video controls src="%s"></video>`, videoURL)
	}
	return fmt.Sprintf("[Watch the video](%s)", videoURL)
}

func youtubeVideoID(u *url.URL) string {
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	switch host {
	case "youtu.be":
		id := strings.Trim(u.Path, "/")
		if youtubeIDPattern.MatchString(id) {
			return id
		}
	case "youtube.com", "m.youtube.com":
		if id := u.Query().Get("v"); youtubeIDPattern.MatchString(id) {
			return id
		}
		if strings.HasPrefix(u.Path, "/embed/") || strings.HasPrefix(u.Path, "/shorts/") {
			id := path.Base(u.Path)
			if youtubeIDPattern.MatchString(id) {
				return id
			}
		}
	}
	return ""
}

func vimeoVideoID(u *url.URL) string {
	host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
	if host != "vimeo.com" && host != "player.vimeo.com" {
		return ""
	}
	id := path.Base(u.Path)
	if vimeoIDPattern.MatchString(id) {
		return id
	}
	return ""
}

func isDirectMedia(u *url.URL) bool {
	ext := strings.ToLower(path.Ext(u.Path))
	_, ok := directMediaExtensions[ext]
	return ok
}

// normalizeBlankLines collapses runs of three or more newlines so sections
// are separated by exactly one blank line.
func normalizeBlankLines(s string) string {
	return strings.TrimSpace(blankRunPattern.ReplaceAllString(s, "\n\n"))
}
