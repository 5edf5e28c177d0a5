package workflow

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"dagd/internal/task/scheduler/timetable"
)

var (
	ErrInvalidID     = errors.New("invalid id")
	ErrDuplicateTask = errors.New("duplicate task id")
	ErrSealed        = errors.New("dag is registered and can no longer change")
	ErrUnknownTask   = errors.New("unknown task")
)

var reID = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Options configures a DAG.
type Options struct {
	StartDate   time.Time
	Schedule    string
	Catchup     bool
	Description string
	Tags        []string
}

// DAG is a named set of tasks run together on a schedule.
type DAG struct {
	ID          string
	StartDate   time.Time
	Schedule    string
	Catchup     bool
	Description string
	Tags        []string

	mu     sync.RWMutex
	tasks  []Operator
	byID   map[string]Operator
	sealed bool
}

// New validates opts and returns an empty DAG.
func New(id string, opts Options) (*DAG, error) {
	id = strings.TrimSpace(id)
	if err := ValidateID(id); err != nil {
		return nil, fmt.Errorf("dag %q: %w", id, err)
	}
	if opts.StartDate.IsZero() {
		return nil, fmt.Errorf("dag %q: start date required", id)
	}
	if _, err := timetable.Parse(opts.Schedule, opts.StartDate, time.UTC); err != nil {
		return nil, fmt.Errorf("dag %q: %w", id, err)
	}
	return &DAG{
		ID:          id,
		StartDate:   opts.StartDate,
		Schedule:    strings.TrimSpace(opts.Schedule),
		Catchup:     opts.Catchup,
		Description: opts.Description,
		Tags:        append([]string(nil), opts.Tags...),
		byID:        map[string]Operator{},
	}, nil
}

// ValidateID reports whether id is usable as a DAG or task id.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if !reID.MatchString(id) {
		return fmt.Errorf("%w: %q may only contain letters, digits, '_', '.' and '-'", ErrInvalidID, id)
	}
	return nil
}

// Add appends operators in order. Task ids must be unique within the DAG;
// nothing is added when any of ops is rejected.
func (d *DAG) Add(ops ...Operator) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sealed {
		return fmt.Errorf("dag %q: %w", d.ID, ErrSealed)
	}
	seen := map[string]bool{}
	for _, op := range ops {
		if op == nil {
			return fmt.Errorf("dag %q: nil operator", d.ID)
		}
		id := op.ID()
		if err := ValidateID(id); err != nil {
			return fmt.Errorf("dag %q: task: %w", d.ID, err)
		}
		if _, ok := d.byID[id]; ok || seen[id] {
			return fmt.Errorf("dag %q: %w: %s", d.ID, ErrDuplicateTask, id)
		}
		seen[id] = true
	}
	for _, op := range ops {
		d.tasks = append(d.tasks, op)
		d.byID[op.ID()] = op
	}
	return nil
}

// Tasks returns the operators in insertion order.
func (d *DAG) Tasks() []Operator {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Operator(nil), d.tasks...)
}

// TaskIDs returns the task ids in insertion order.
func (d *DAG) TaskIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.tasks))
	for _, op := range d.tasks {
		out = append(out, op.ID())
	}
	return out
}

func (d *DAG) Task(id string) (Operator, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	op, ok := d.byID[id]
	return op, ok
}

// Timetable returns the DAG's timetable evaluated in loc.
func (d *DAG) Timetable(loc *time.Location) (timetable.Timetable, error) {
	return timetable.Parse(d.Schedule, d.StartDate, loc)
}

func (d *DAG) seal() {
	d.mu.Lock()
	d.sealed = true
	d.mu.Unlock()
}
