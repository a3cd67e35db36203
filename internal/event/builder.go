package event

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingIdentifier = errors.New("event: draft identifier is required")
	ErrMissingPrice      = errors.New("event: price requires a currency unit")
)

// LessonRef points at one lesson resource inside a course curation set.
type LessonRef struct {
	Kind         int
	AuthorPubKey string
	Identifier   string
}

// Draft carries the caller-supplied fields an event is built from. Field
// order in the struct mirrors the deterministic tag order of the output.
type Draft struct {
	Identifier string
	Title      string
	Summary    string
	Name       string
	About      string
	Image      string
	Price      int64
	Currency   string
	Topics     []string
	Type       string
	VideoURL   string
	Links      []string
	Body       string
	Lessons    []LessonRef
}

// Build constructs an unsigned event with deterministic tags and content.
// Two calls with the same draft and timestamp produce byte-identical
// serializations.
func Build(kind int, draft Draft, createdAt time.Time) (*Event, error) {
	if strings.TrimSpace(draft.Identifier) == "" {
		return nil, ErrMissingIdentifier
	}
	if draft.Price > 0 && strings.TrimSpace(draft.Currency) == "" {
		return nil, ErrMissingPrice
	}

	tags := []Tag{{"d", draft.Identifier}}
	for _, t := range []struct{ name, value string }{
		{"title", draft.Title},
		{"summary", draft.Summary},
		{"name", draft.Name},
		{"about", draft.About},
		{"image", draft.Image},
	} {
		if t.value != "" {
			tags = append(tags, Tag{t.name, t.value})
		}
	}
	if draft.Price > 0 {
		tags = append(tags, Tag{"price", strconv.FormatInt(draft.Price, 10), draft.Currency})
	}
	for _, topic := range draft.Topics {
		topic = strings.ToLower(strings.TrimSpace(topic))
		if topic != "" {
			tags = append(tags, Tag{"t", topic})
		}
	}
	if draft.Type != "" {
		tags = append(tags, Tag{"type", draft.Type})
	}
	if ValidVideoURL(draft.VideoURL) {
		tags = append(tags, Tag{"video", draft.VideoURL})
	}
	for _, link := range draft.Links {
		if link != "" {
			tags = append(tags, Tag{"r", link})
		}
	}
	for _, lesson := range draft.Lessons {
		tags = append(tags, Tag{"a", lessonAddress(lesson)})
	}

	content := draft.Body
	if draft.Type == TypeVideo {
		content = videoContent(draft.Title, draft.VideoURL, draft.Body)
	}

	return &Event{
		CreatedAt: createdAt.Unix(),
		Kind:      kind,
		Tags:      tags,
		Content:   normalizeBlankLines(content),
	}, nil
}

func lessonAddress(l LessonRef) string {
	return fmt.Sprintf("%d:%s:%s", l.Kind, l.AuthorPubKey, l.Identifier)
}

// ParseLessonAddress splits a "kind:authorPubkey:identifier" reference.
func ParseLessonAddress(addr string) (LessonRef, error) {
	parts := strings.SplitN(addr, ":", 3)
	if len(parts) != 3 {
		return LessonRef{}, ErrMalformed
	}
	kind, err := strconv.Atoi(parts[0])
	if err != nil || kind < 0 {
		return LessonRef{}, ErrMalformed
	}
	return LessonRef{Kind: kind, AuthorPubKey: parts[1], Identifier: parts[2]}, nil
}
