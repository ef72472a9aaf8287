package query

import (
	"fmt"
	"strings"
)

// TagKind is the closed set of tag categories.
type TagKind uint8

const (
	// TagList marks collection level queries of a resource.
	TagList TagKind = iota + 1
	// TagEntity marks single record queries.
	TagEntity
	// TagStats marks aggregate or summary queries.
	TagStats
)

func (k TagKind) String() string {
	switch k {
	case TagList:
		return "LIST"
	case TagEntity:
		return "ENTITY"
	case TagStats:
		return "STATS"
	default:
		return fmt.Sprintf("TagKind(%d)", uint8(k))
	}
}

// ParseTagKind converts the wire form of a kind.
func ParseTagKind(s string) (TagKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LIST":
		return TagList, nil
	case "ENTITY":
		return TagEntity, nil
	case "STATS":
		return TagStats, nil
	}
	return 0, fmt.Errorf("unknown tag kind %q", s)
}

// Tag labels a cache slot for invalidation.
type Tag struct {
	Kind TagKind
	ID   string
}

// String renders the tag as KIND:id.
func (t Tag) String() string {
	return t.Kind.String() + ":" + t.ID
}

// ParseTag parses the KIND:id form.
func ParseTag(s string) (Tag, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Tag{}, fmt.Errorf("invalid tag %q", s)
	}
	k, err := ParseTagKind(kind)
	if err != nil {
		return Tag{}, err
	}
	return Tag{Kind: k, ID: id}, nil
}

// ListTag returns the collection tag of a resource.
func ListTag(resource string) Tag { return Tag{Kind: TagList, ID: resource} }

// StatsTag returns the aggregate tag of a resource.
func StatsTag(resource string) Tag { return Tag{Kind: TagStats, ID: resource} }

// EntityTag returns the tag of a single record, resource/id.
func EntityTag(resource string, id any) Tag {
	return Tag{Kind: TagEntity, ID: resource + "/" + FormatID(id)}
}

// DedupeTags removes duplicates keeping first occurrence order.
func DedupeTags(tags []Tag) []Tag {
	if len(tags) < 2 {
		return tags
	}
	seen := make(map[Tag]struct{}, len(tags))
	out := tags[:0:0]
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
