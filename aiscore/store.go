package aiscore

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/tolelom/poschain/core"
)

const (
	prefixTask       = "ai:task:"
	prefixResult     = "ai:result:"
	prefixAssessment = "ai:assess:"
	keyOpenTasks     = "ai/open"
)

// Store errors.
var (
	ErrTaskExists      = errors.New("task already exists")
	ErrResultExists    = errors.New("task already has a result")
	ErrAlreadyAssessed = errors.New("assessor already assessed this result")
)

// Store keeps tasks, results and assessments in the world state.
type Store struct {
	state core.State
}

// NewStore returns the task store held in state.
func NewStore(state core.State) *Store {
	return &Store{state: state}
}

func (s *Store) getJSON(key string, v any) error {
	data, err := s.state.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) putJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.state.Set(key, data)
}

// GetTask returns a task or core.ErrNotFound.
func (s *Store) GetTask(id string) (*Task, error) {
	var t Task
	if err := s.getJSON(prefixTask+id, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTask stores a new open task.
func (s *Store) CreateTask(t *Task) error {
	if _, err := s.GetTask(t.ID); err == nil {
		return fmt.Errorf("%w: %s", ErrTaskExists, t.ID)
	} else if !errors.Is(err, core.ErrNotFound) {
		return err
	}
	t.Status = TaskOpen
	if err := s.putJSON(prefixTask+t.ID, t); err != nil {
		return err
	}
	open, err := s.OpenTasks()
	if err != nil {
		return err
	}
	i := sort.SearchStrings(open, t.ID)
	open = append(open, "")
	copy(open[i+1:], open[i:])
	open[i] = t.ID
	return s.putJSON(keyOpenTasks, open)
}

// UpdateTask overwrites a task record.
func (s *Store) UpdateTask(t *Task) error {
	return s.putJSON(prefixTask+t.ID, t)
}

// CloseTask marks a task with its final status and drops it from the open
// set.
func (s *Store) CloseTask(t *Task, status TaskStatus) error {
	t.Status = status
	if err := s.UpdateTask(t); err != nil {
		return err
	}
	open, err := s.OpenTasks()
	if err != nil {
		return err
	}
	i := sort.SearchStrings(open, t.ID)
	if i < len(open) && open[i] == t.ID {
		open = append(open[:i], open[i+1:]...)
	}
	return s.putJSON(keyOpenTasks, open)
}

// OpenTasks returns the ids of unsettled tasks in ascending order.
func (s *Store) OpenTasks() ([]string, error) {
	var ids []string
	err := s.getJSON(keyOpenTasks, &ids)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	return ids, err
}

// GetResult returns the result submitted for a task or core.ErrNotFound.
func (s *Store) GetResult(taskID string) (*Result, error) {
	var r Result
	if err := s.getJSON(prefixResult+taskID, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// PutResult records the one result a task accepts.
func (s *Store) PutResult(r *Result) error {
	if _, err := s.GetResult(r.TaskID); err == nil {
		return fmt.Errorf("%w: %s", ErrResultExists, r.TaskID)
	} else if !errors.Is(err, core.ErrNotFound) {
		return err
	}
	return s.putJSON(prefixResult+r.TaskID, r)
}

// Assessments returns the assessments of a task's result, ordered by
// assessor.
func (s *Store) Assessments(taskID string) ([]Assessment, error) {
	var as []Assessment
	err := s.getJSON(prefixAssessment+taskID, &as)
	if errors.Is(err, core.ErrNotFound) {
		return nil, nil
	}
	return as, err
}

// AddAssessment records one assessor's verdict.
func (s *Store) AddAssessment(taskID string, a Assessment) error {
	as, err := s.Assessments(taskID)
	if err != nil {
		return err
	}
	i := sort.Search(len(as), func(i int) bool { return as[i].Assessor >= a.Assessor })
	if i < len(as) && as[i].Assessor == a.Assessor {
		return fmt.Errorf("%w: %s", ErrAlreadyAssessed, a.Assessor)
	}
	as = append(as, Assessment{})
	copy(as[i+1:], as[i:])
	as[i] = a
	return s.putJSON(prefixAssessment+taskID, as)
}
