package compliance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"compass/internal/errors"
	"compass/internal/logging"
)

// ControlStatus is the implementation state of a compliance control.
type ControlStatus string

const (
	ControlNotImplemented ControlStatus = "not_implemented"
	ControlInProgress     ControlStatus = "in_progress"
	ControlImplemented    ControlStatus = "implemented"
	ControlNotApplicable  ControlStatus = "not_applicable"
)

var validControlStatuses = map[ControlStatus]bool{
	ControlNotImplemented: true,
	ControlInProgress:     true,
	ControlImplemented:    true,
	ControlNotApplicable:  true,
}

// IsValid returns true if the status is one of the recognized values.
func (s ControlStatus) IsValid() bool {
	return validControlStatuses[s]
}

// Control is one requirement from a compliance framework.
type Control struct {
	ID          string        `json:"id"`
	Framework   string        `json:"framework"`
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Status      ControlStatus `json:"status"`
	Owner       string        `json:"owner,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Evidence is an artifact attached to a control: a policy document, a
// screenshot, an export from another system.
type Evidence struct {
	ID         string    `json:"id"`
	ControlID  string    `json:"control_id"`
	Name       string    `json:"name"`
	URI        string    `json:"uri,omitempty"`
	Note       string    `json:"note,omitempty"`
	UploadedBy string    `json:"uploaded_by,omitempty"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Service holds the compliance program state the agent operates on:
// controls keyed by ID plus the evidence attached to them. In-memory; the
// system of record for controls lives elsewhere and is loaded in at startup.
type Service struct {
	mu       sync.RWMutex
	controls map[string]*Control
	evidence map[string][]Evidence
	logger   logging.Logger
	now      func() time.Time
}

// NewService constructs an empty compliance service.
func NewService() *Service {
	return &Service{
		controls: make(map[string]*Control),
		evidence: make(map[string][]Evidence),
		logger:   logging.NewComponentLogger("Compliance"),
		now:      time.Now,
	}
}

// LoadControls replaces the control set, preserving nothing. Typically
// called once at startup from the knowledge pack.
func (s *Service) LoadControls(controls []Control) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls = make(map[string]*Control, len(controls))
	for i := range controls {
		c := controls[i]
		if c.Status == "" {
			c.Status = ControlNotImplemented
		}
		if c.UpdatedAt.IsZero() {
			c.UpdatedAt = s.now()
		}
		s.controls[c.ID] = &c
	}
	s.logger.Info("loaded %d controls", len(controls))
}

// ListControls returns controls, optionally filtered by framework and
// status, ordered by ID.
func (s *Service) ListControls(ctx context.Context, framework string, status ControlStatus) ([]Control, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if status != "" && !status.IsValid() {
		return nil, &errors.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown control status %q", status)}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Control
	for _, c := range s.controls {
		if framework != "" && !strings.EqualFold(c.Framework, framework) {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetControl returns one control by ID.
func (s *Service) GetControl(ctx context.Context, id string) (*Control, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.controls[id]
	if !ok {
		return nil, &errors.NotFoundError{Kind: "control", ID: id}
	}
	out := *c
	return &out, nil
}

// UpdateStatus transitions a control to a new implementation status.
func (s *Service) UpdateStatus(ctx context.Context, id string, status ControlStatus) (*Control, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !status.IsValid() {
		return nil, &errors.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown control status %q", status)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.controls[id]
	if !ok {
		return nil, &errors.NotFoundError{Kind: "control", ID: id}
	}
	c.Status = status
	c.UpdatedAt = s.now()
	s.logger.Info("control %s status -> %s", id, status)
	out := *c
	return &out, nil
}

// AddEvidence attaches an evidence record to a control.
func (s *Service) AddEvidence(ctx context.Context, ev Evidence) (*Evidence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ev.ControlID == "" {
		return nil, &errors.ValidationError{Field: "control_id", Reason: "control_id is required"}
	}
	if ev.Name == "" {
		return nil, &errors.ValidationError{Field: "name", Reason: "name is required"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.controls[ev.ControlID]; !ok {
		return nil, &errors.NotFoundError{Kind: "control", ID: ev.ControlID}
	}

	ev.ID = uuid.NewString()
	ev.UploadedAt = s.now()
	s.evidence[ev.ControlID] = append(s.evidence[ev.ControlID], ev)
	s.logger.Info("evidence %s attached to control %s", ev.ID, ev.ControlID)
	return &ev, nil
}

// ListEvidence returns a control's evidence, oldest first.
func (s *Service) ListEvidence(ctx context.Context, controlID string) ([]Evidence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.controls[controlID]; !ok {
		return nil, &errors.NotFoundError{Kind: "control", ID: controlID}
	}
	evs := s.evidence[controlID]
	out := make([]Evidence, len(evs))
	copy(out, evs)
	return out, nil
}

// GapSummary reports implementation coverage per framework.
type GapSummary struct {
	Framework   string `json:"framework"`
	Total       int    `json:"total"`
	Implemented int    `json:"implemented"`
	InProgress  int    `json:"in_progress"`
	Missing     int    `json:"missing"`
}

// Summarize computes per-framework coverage, the core of the
// analyze_compliance task.
func (s *Service) Summarize(ctx context.Context, framework string) ([]GapSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	byFramework := make(map[string]*GapSummary)
	for _, c := range s.controls {
		if framework != "" && !strings.EqualFold(c.Framework, framework) {
			continue
		}
		sum, ok := byFramework[c.Framework]
		if !ok {
			sum = &GapSummary{Framework: c.Framework}
			byFramework[c.Framework] = sum
		}
		sum.Total++
		switch c.Status {
		case ControlImplemented, ControlNotApplicable:
			sum.Implemented++
		case ControlInProgress:
			sum.InProgress++
		default:
			sum.Missing++
		}
	}

	out := make([]GapSummary, 0, len(byFramework))
	for _, sum := range byFramework {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Framework < out[j].Framework })
	return out, nil
}
