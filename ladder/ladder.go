// Package ladder holds the milestone ladder: contiguous balance tiers that
// decide lot size and profit target for a balance.
package ladder

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/arifwicaksono2000/botapp-trader/database/models"
)

var (
	// ErrEmpty is returned when a ladder has no tiers.
	ErrEmpty = errors.New("ladder has no milestones")

	// ErrNoTier is returned when a balance falls outside every tier.
	ErrNoTier = errors.New("balance outside ladder")
)

// Ladder is an immutable, validated list of milestones sorted by starting balance.
type Ladder struct {
	tiers []models.Milestone
	byID  map[uint]models.Milestone
}

// New sorts and validates milestones. Tiers must be non-empty ranges and each
// tier must start exactly where the previous one ends.
func New(milestones []models.Milestone) (*Ladder, error) {
	if len(milestones) == 0 {
		return nil, ErrEmpty
	}

	tiers := make([]models.Milestone, len(milestones))
	copy(tiers, milestones)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].StartingBalance < tiers[j].StartingBalance })

	byID := make(map[uint]models.Milestone, len(tiers))
	for i, m := range tiers {
		if m.EndingBalance <= m.StartingBalance {
			return nil, fmt.Errorf("milestone %d: ending balance %.2f must exceed starting balance %.2f", m.ID, m.EndingBalance, m.StartingBalance)
		}
		if m.LotSize <= 0 {
			return nil, fmt.Errorf("milestone %d: lot size must be positive", m.ID)
		}
		if i > 0 && tiers[i-1].EndingBalance != m.StartingBalance {
			return nil, fmt.Errorf("milestone %d: starts at %.2f but previous tier ends at %.2f", m.ID, m.StartingBalance, tiers[i-1].EndingBalance)
		}
		if _, dup := byID[m.ID]; dup {
			return nil, fmt.Errorf("duplicate milestone id %d", m.ID)
		}
		byID[m.ID] = m
	}

	return &Ladder{tiers: tiers, byID: byID}, nil
}

// Lookup returns the tier whose [start, end) range holds balance.
func (l *Ladder) Lookup(balance float64) (models.Milestone, error) {
	i := sort.Search(len(l.tiers), func(i int) bool { return l.tiers[i].EndingBalance > balance })
	if i == len(l.tiers) || balance < l.tiers[i].StartingBalance {
		return models.Milestone{}, fmt.Errorf("%w: %.2f", ErrNoTier, balance)
	}
	return l.tiers[i], nil
}

// ByID returns a tier by id.
func (l *Ladder) ByID(id uint) (models.Milestone, bool) {
	m, ok := l.byID[id]
	return m, ok
}

// First returns the lowest tier.
func (l *Ladder) First() models.Milestone {
	return l.tiers[0]
}

// Floor is the lowest balance the ladder trades.
func (l *Ladder) Floor() float64 {
	return l.tiers[0].StartingBalance
}

// Terminal is the balance at which a segment has completed the ladder.
func (l *Ladder) Terminal() float64 {
	return l.tiers[len(l.tiers)-1].EndingBalance
}

// Clamp returns the tier for balance, pinned to the first or last tier when
// balance is outside the ladder.
func (l *Ladder) Clamp(balance float64) models.Milestone {
	if balance < l.Floor() {
		return l.tiers[0]
	}
	if m, err := l.Lookup(balance); err == nil {
		return m
	}
	return l.tiers[len(l.tiers)-1]
}

// Milestones returns a copy of the tiers in ascending order.
func (l *Ladder) Milestones() []models.Milestone {
	out := make([]models.Milestone, len(l.tiers))
	copy(out, l.tiers)
	return out
}

// File is the seed file layout.
type File struct {
	InitialLevel uint               `yaml:"initial_level"`
	Milestones   []models.Milestone `yaml:"milestones"`
}

// LoadFile reads and validates a YAML seed file.
func LoadFile(path string) (*File, *Ladder, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read milestones file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("failed to parse milestones file: %w", err)
	}

	l, err := New(f.Milestones)
	if err != nil {
		return nil, nil, err
	}
	if f.InitialLevel != 0 {
		if _, ok := l.ByID(f.InitialLevel); !ok {
			return nil, nil, fmt.Errorf("initial_level %d is not a milestone", f.InitialLevel)
		}
	}
	return &f, l, nil
}
