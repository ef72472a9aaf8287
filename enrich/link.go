package enrich

import (
	"fmt"
	"os"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-query-cache/query"
)

// Mode selects the join shape.
type Mode string

const (
	// ModeList joins many primary records to one secondary list.
	ModeList Mode = "list"
	// ModeEntity joins a single primary record to the secondary record named
	// by its foreign key.
	ModeEntity Mode = "entity"
)

// DuplicatePolicy decides which secondary record wins when several share a key.
type DuplicatePolicy string

const (
	DuplicateLastWins  DuplicatePolicy = "last_wins"
	DuplicateFirstWins DuplicatePolicy = "first_wins"
)

// Link declares how records of SecondaryResource are merged into records of
// PrimaryResource.
type Link struct {
	Name              string          `yaml:"name"`
	PrimaryResource   string          `yaml:"primary"`
	SecondaryResource string          `yaml:"secondary"`
	ForeignKeyField   string          `yaml:"foreign_key"`
	SecondaryKeyField string          `yaml:"secondary_key"`
	EnrichedField     string          `yaml:"enriched_field"`
	SecondaryParams   query.Params    `yaml:"secondary_params"`
	Mode              Mode            `yaml:"mode"`
	Duplicates        DuplicatePolicy `yaml:"duplicates"`
}

// WithDefaults fills the optional fields.
func (l Link) WithDefaults() Link {
	if l.SecondaryKeyField == "" {
		l.SecondaryKeyField = query.IDParam
	}
	if l.Mode == "" {
		l.Mode = ModeList
	}
	if l.Duplicates == "" {
		l.Duplicates = DuplicateLastWins
	}
	if l.Name == "" {
		l.Name = l.PrimaryResource + "." + l.EnrichedField
	}
	return l
}

// Validate checks the declaration.
func (l Link) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.PrimaryResource, validation.Required),
		validation.Field(&l.SecondaryResource, validation.Required),
		validation.Field(&l.ForeignKeyField, validation.Required),
		validation.Field(&l.EnrichedField, validation.Required),
		validation.Field(&l.Mode, validation.In(ModeList, ModeEntity)),
		validation.Field(&l.Duplicates, validation.In(DuplicateLastWins, DuplicateFirstWins)),
	)
}

// secondaryDescriptor returns the list query of the secondary resource.
func (l Link) secondaryDescriptor() query.Descriptor {
	return query.NewDescriptor(l.SecondaryResource, l.SecondaryParams)
}

// entityDescriptor returns the single-record query for foreign key fk.
func (l Link) entityDescriptor(fk any) query.Descriptor {
	return l.secondaryDescriptor().WithParam(query.IDParam, fk)
}

type linksFile struct {
	Links []Link `yaml:"links"`
}

// ParseLinks decodes a YAML document with a top-level links list. Defaults are
// applied and every link is validated.
func ParseLinks(raw []byte) ([]Link, error) {
	var file linksFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode links: %w", err)
	}

	out := make([]Link, 0, len(file.Links))
	seen := make(map[string]struct{}, len(file.Links))
	for i, link := range file.Links {
		link = link.WithDefaults()
		if err := link.Validate(); err != nil {
			return nil, fmt.Errorf("link %d (%s): %w", i, link.Name, err)
		}
		if _, dup := seen[link.Name]; dup {
			return nil, fmt.Errorf("link %d: duplicate name %q", i, link.Name)
		}
		seen[link.Name] = struct{}{}
		out = append(out, link)
	}
	return out, nil
}

// LoadLinks reads link declarations from a YAML file.
func LoadLinks(path string) ([]Link, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read links file: %w", err)
	}
	return ParseLinks(raw)
}
