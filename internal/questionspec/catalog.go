package questionspec

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/jesmine0820/ielts-listening-question-generator/internal/workflow"
)

// DefaultCatalogTTL is how long a fetched catalog is reused.
const DefaultCatalogTTL = 10 * time.Minute

const catalogKey = "catalog"

// Catalog lists the themes, topics and question types on offer.
type Catalog struct {
	Themes map[string]Theme     `mapstructure:"Theme"`
	Parts  map[string]PartTypes `mapstructure:"Part"`
}

// Theme is a theme and its topics.
type Theme struct {
	Topics []string `mapstructure:"Topic"`
}

// PartTypes is the set of question types allowed in one part.
type PartTypes struct {
	Types map[string]QuestionType `mapstructure:"type"`
}

// QuestionType describes one question type.
type QuestionType struct {
	Description string `mapstructure:"description"`
}

// DecodeCatalog decodes the raw /api/config document.
func DecodeCatalog(raw map[string]any) (*Catalog, error) {
	var c Catalog
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &c,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("decoding question catalog: %w", err)
	}
	return &c, nil
}

// ThemeNames returns the theme names in order.
func (c *Catalog) ThemeNames() []string {
	names := make([]string, 0, len(c.Themes))
	for name := range c.Themes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TypeIDs returns the question type ids allowed in part, in order.
func (c *Catalog) TypeIDs(part int) []string {
	types := c.Parts[strconv.Itoa(part)].Types
	ids := make([]string, 0, len(types))
	for id := range types {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Validate checks that the spec only uses what the catalog offers.
func (c *Catalog) Validate(s Spec) error {
	theme, ok := c.Themes[s.Theme()]
	if !ok {
		return workflow.Invalid("theme", fmt.Sprintf("Unknown theme %q", s.Theme()))
	}
	for n := 1; n <= NumParts; n++ {
		field := "part." + strconv.Itoa(n)
		types := c.Parts[strconv.Itoa(n)].Types
		for _, b := range s.Part(n).Blocks() {
			if _, ok := types[b.Type]; !ok {
				return workflow.Invalid(field, fmt.Sprintf("Part %d: unknown question type %q", n, b.Type))
			}
			if !slices.Contains(theme.Topics, b.Topic) {
				return workflow.Invalid(field, fmt.Sprintf("Part %d: topic %q is not available for theme %q", n, b.Topic, s.Theme()))
			}
		}
	}
	return nil
}

// CatalogFetcher loads the raw catalog. Implemented by backend.Client.
type CatalogFetcher interface {
	Catalog(ctx context.Context) (map[string]any, error)
}

// CatalogSource caches the catalog and coalesces concurrent fetches.
type CatalogSource struct {
	fetcher CatalogFetcher
	cache   *cache.Cache
	group   singleflight.Group
	logger  *slog.Logger
}

// NewCatalogSource creates a source that keeps a fetched catalog for ttl.
func NewCatalogSource(f CatalogFetcher, ttl time.Duration, logger *slog.Logger) *CatalogSource {
	if ttl <= 0 {
		ttl = DefaultCatalogTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogSource{
		fetcher: f,
		cache:   cache.New(ttl, 2*ttl),
		logger:  logger,
	}
}

// Get returns the cached catalog or fetches it.
func (s *CatalogSource) Get(ctx context.Context) (*Catalog, error) {
	if c, ok := s.cache.Get(catalogKey); ok {
		return c.(*Catalog), nil
	}
	v, err, shared := s.group.Do(catalogKey, func() (any, error) {
		raw, err := s.fetcher.Catalog(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetching question catalog: %w", err)
		}
		c, err := DecodeCatalog(raw)
		if err != nil {
			return nil, err
		}
		s.cache.SetDefault(catalogKey, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("question catalog loaded", "shared", shared)
	return v.(*Catalog), nil
}

// Invalidate drops the cached catalog.
func (s *CatalogSource) Invalidate() {
	s.cache.Delete(catalogKey)
}
