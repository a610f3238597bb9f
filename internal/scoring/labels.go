package scoring

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/meddpicc-voice/internal/domain"
	"gopkg.in/yaml.v3"
)

// defaultLabelNames apply to every category unless overridden.
var defaultLabelNames = map[int]string{
	0: "Missing",
	1: "Weak",
	2: "Developing",
	3: "Strong",
}

// DefaultLabels returns the built-in label rows (organization "").
func DefaultLabels() []domain.ScoreLabel {
	return expandDefaults(defaultLabelNames)
}

func expandDefaults(names map[int]string) []domain.ScoreLabel {
	labels := make([]domain.ScoreLabel, 0, len(domain.Categories)*len(names))
	for _, c := range domain.Categories {
		for score := domain.MinCategoryScore; score <= domain.MaxCategoryScore; score++ {
			if name, ok := names[score]; ok {
				labels = append(labels, domain.ScoreLabel{Category: c, Score: score, Label: name})
			}
		}
	}
	return labels
}

// labelFile is the YAML layout of a label reference file.
type labelFile struct {
	Defaults map[int]string      `yaml:"defaults"`
	Labels   []domain.ScoreLabel `yaml:"labels"`
}

// LoadLabelFile reads label rows from a YAML file. Entries under defaults
// expand to every category for organization "".
func LoadLabelFile(path string) ([]domain.ScoreLabel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read label file: %w", err)
	}
	return ParseLabels(data)
}

// ParseLabels decodes a label reference document.
func ParseLabels(data []byte) ([]domain.ScoreLabel, error) {
	var file labelFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode label file: %w", err)
	}

	labels := expandDefaults(file.Defaults)
	for i, l := range file.Labels {
		c, ok := domain.ParseCategory(string(l.Category))
		if !ok {
			return nil, fmt.Errorf("label %d: unknown category %q", i, l.Category)
		}
		if l.Score < domain.MinCategoryScore || l.Score > domain.MaxCategoryScore {
			return nil, fmt.Errorf("label %d: score %d out of range", i, l.Score)
		}
		if strings.TrimSpace(l.Label) == "" {
			return nil, fmt.Errorf("label %d: empty label", i)
		}
		l.Category = c
		l.Label = strings.TrimSpace(l.Label)
		labels = append(labels, l)
	}
	return labels, nil
}

// LabelSet resolves (category, score) to a label for one organization.
type LabelSet map[domain.Category]map[int]string

// NewLabelSet builds a set from rows. Organization rows override the
// default rows; the built-in defaults fill any remaining gap.
func NewLabelSet(orgID string, rows []domain.ScoreLabel) LabelSet {
	set := make(LabelSet, len(domain.Categories))
	put := func(l domain.ScoreLabel) {
		if set[l.Category] == nil {
			set[l.Category] = make(map[int]string)
		}
		set[l.Category][l.Score] = l.Label
	}

	for _, l := range DefaultLabels() {
		put(l)
	}
	for _, l := range rows {
		if l.OrganizationID == "" {
			put(l)
		}
	}
	if orgID != "" {
		for _, l := range rows {
			if l.OrganizationID == orgID {
				put(l)
			}
		}
	}
	return set
}

// Label returns the label for a score, or "".
func (s LabelSet) Label(c domain.Category, score int) string {
	return s[c][score]
}

// Prefix returns summary carrying exactly one "<label>: " prefix for the
// given score. A prefix belonging to another score of the same category is
// replaced.
func (s LabelSet) Prefix(c domain.Category, score int, summary string) string {
	label := s.Label(c, score)
	if label == "" {
		return summary
	}
	want := label + ": "
	if strings.HasPrefix(summary, want) {
		return summary
	}
	// The longest matching label wins when labels share a leading string.
	stale := ""
	for other := domain.MinCategoryScore; other <= domain.MaxCategoryScore; other++ {
		name := s[c][other]
		if other == score || name == "" {
			continue
		}
		if p := name + ": "; strings.HasPrefix(summary, p) && len(p) > len(stale) {
			stale = p
		}
	}
	if stale != "" {
		summary = strings.TrimSpace(strings.TrimPrefix(summary, stale))
	}
	return want + summary
}

// LabelSource loads label rows for an organization.
type LabelSource interface {
	ListScoreLabels(ctx context.Context, orgID string) ([]domain.ScoreLabel, error)
}

type labelEntry struct {
	set     LabelSet
	expires time.Time
}

// LabelCache memoizes label sets per organization for a bounded time.
type LabelCache struct {
	source LabelSource
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]labelEntry
}

// NewLabelCache creates a cache over source.
func NewLabelCache(source LabelSource, ttl time.Duration, logger *slog.Logger) *LabelCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &LabelCache{
		source:  source,
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]labelEntry),
	}
}

// Lookup returns the label set for orgID. A load failure falls back to the
// built-in defaults without caching them.
func (c *LabelCache) Lookup(ctx context.Context, orgID string) LabelSet {
	now := c.now()

	c.mu.Lock()
	entry, ok := c.entries[orgID]
	c.mu.Unlock()
	if ok && now.Before(entry.expires) {
		return entry.set
	}

	rows, err := c.source.ListScoreLabels(ctx, orgID)
	if err != nil {
		c.logger.Warn("failed to load score labels, using defaults", "organization_id", orgID, "error", err)
		return NewLabelSet(orgID, nil)
	}

	set := NewLabelSet(orgID, rows)
	c.mu.Lock()
	c.entries[orgID] = labelEntry{set: set, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return set
}

// Invalidate drops the cached set of one organization.
func (c *LabelCache) Invalidate(orgID string) {
	c.mu.Lock()
	delete(c.entries, orgID)
	c.mu.Unlock()
}

// Evict removes expired entries and returns how many were dropped.
func (c *LabelCache) Evict() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for org, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, org)
			n++
		}
	}
	return n
}

// StartEvictor drops expired entries every interval until ctx is cancelled.
func (c *LabelCache) StartEvictor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Evict(); n > 0 {
					c.logger.Debug("evicted score label sets", "count", n)
				}
			}
		}
	}()
}
