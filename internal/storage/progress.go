package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"
)

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Entry is the persisted state of one identifier in a batch run.
type Entry struct {
	Input     string    `json:"input"`
	Seq       int       `json:"seq"`
	Status    string    `json:"status"`
	Outcome   string    `json:"outcome,omitempty"`
	Message   string    `json:"message,omitempty"`
	Attempts  int       `json:"attempts"`
	AddedAt   time.Time `json:"added_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Progress is a JSON file of batch entries keyed by input, so an
// interrupted batch can resume without re-acquiring finished inputs.
type Progress struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	filename string
	now      func() time.Time
}

func NewProgress(filename string) (*Progress, error) {
	p := &Progress{
		entries:  make(map[string]*Entry),
		filename: filename,
		now:      time.Now,
	}

	if err := p.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return p, nil
}

// AddBatch registers inputs as pending. Inputs already known keep their state.
func (p *Progress) AddBatch(inputs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for _, input := range inputs {
		if input == "" {
			continue
		}
		if _, exists := p.entries[input]; exists {
			continue
		}
		p.entries[input] = &Entry{
			Input:     input,
			Seq:       len(p.entries),
			Status:    StatusPending,
			AddedAt:   now,
			UpdatedAt: now,
		}
	}
	return p.save()
}

func (p *Progress) Get(input string) (Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	e, ok := p.entries[input]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Pending returns the inputs still to process in the order they were added.
func (p *Progress) Pending() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var pending []*Entry
	for _, e := range p.entries {
		if e.Status == StatusPending {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].Seq < pending[j].Seq
	})

	inputs := make([]string, len(pending))
	for i, e := range pending {
		inputs[i] = e.Input
	}
	return inputs
}

// Update records the result of one attempt.
func (p *Progress) Update(input, status, outcome, message string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, exists := p.entries[input]
	if !exists {
		return fmt.Errorf("progress entry not found: %s", input)
	}

	e.Status = status
	e.Outcome = outcome
	e.Message = message
	e.Attempts++
	e.UpdatedAt = p.now()

	return p.save()
}

func (p *Progress) Stats() map[string]int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := make(map[string]int)
	for _, e := range p.entries {
		stats[e.Status]++
	}
	stats["total"] = len(p.entries)
	return stats
}

func (p *Progress) save() error {
	data, err := json.MarshalIndent(p.entries, "", "  ")
	if err != nil {
		return err
	}

	tmpFile := p.filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmpFile, p.filename)
}

func (p *Progress) load() error {
	data, err := os.ReadFile(p.filename)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, &p.entries)
}
