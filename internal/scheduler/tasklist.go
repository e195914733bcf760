package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidTaskList reports a task list that cannot be applied.
var ErrInvalidTaskList = errors.New("invalid task list")

// TaskSpec is one entry of the task list exchanged between agents.
type TaskSpec struct {
	TaskID             string         `json:"task_id" yaml:"task_id"`
	TaskName           string         `json:"task_name" yaml:"task_name"`
	TaskDescription    string         `json:"task_description" yaml:"task_description"`
	Agent              string         `json:"agent" yaml:"agent"`
	Status             TaskStatus     `json:"status,omitempty" yaml:"status,omitempty"`
	DependsOn          []string       `json:"depends_on" yaml:"depends_on"`
	AcceptanceCriteria string         `json:"acceptance_criteria" yaml:"acceptance_criteria"`
	ToolToUse          string         `json:"tool_to_use,omitempty" yaml:"tool_to_use,omitempty"`
	ProvidedInputs     map[string]any `json:"provided_inputs,omitempty" yaml:"provided_inputs,omitempty"`
}

// TaskList is the {"tasks": [...]} document.
type TaskList struct {
	Tasks []TaskSpec `json:"tasks" yaml:"tasks"`
}

// looseSpec is the decoding shape: models write ids as numbers and
// depends_on as a single string often enough that both are accepted.
type looseSpec struct {
	TaskID             any            `json:"task_id" yaml:"task_id"`
	TaskName           string         `json:"task_name" yaml:"task_name"`
	TaskDescription    string         `json:"task_description" yaml:"task_description"`
	Agent              string         `json:"agent" yaml:"agent"`
	Status             string         `json:"status" yaml:"status"`
	DependsOn          any            `json:"depends_on" yaml:"depends_on"`
	AcceptanceCriteria string         `json:"acceptance_criteria" yaml:"acceptance_criteria"`
	ToolToUse          string         `json:"tool_to_use" yaml:"tool_to_use"`
	ProvidedInputs     map[string]any `json:"provided_inputs" yaml:"provided_inputs"`
}

func (l looseSpec) spec() (TaskSpec, error) {
	id, err := idString(l.TaskID)
	if err != nil {
		return TaskSpec{}, fmt.Errorf("task_id: %w", err)
	}
	deps, err := idList(l.DependsOn)
	if err != nil {
		return TaskSpec{}, fmt.Errorf("task %q depends_on: %w", id, err)
	}
	return TaskSpec{
		TaskID:             id,
		TaskName:           l.TaskName,
		TaskDescription:    l.TaskDescription,
		Agent:              normaliseRole(l.Agent),
		Status:             TaskStatus(strings.ToLower(strings.TrimSpace(l.Status))),
		DependsOn:          deps,
		AcceptanceCriteria: l.AcceptanceCriteria,
		ToolToUse:          l.ToolToUse,
		ProvidedInputs:     l.ProvidedInputs,
	}, nil
}

// UnmarshalJSON accepts numeric ids and a string or list depends_on.
func (t *TaskSpec) UnmarshalJSON(data []byte) error {
	var l looseSpec
	if err := json.Unmarshal(data, &l); err != nil {
		return err
	}
	spec, err := l.spec()
	if err != nil {
		return err
	}
	*t = spec
	return nil
}

// UnmarshalYAML mirrors UnmarshalJSON for YAML task files.
func (t *TaskSpec) UnmarshalYAML(node *yaml.Node) error {
	var l looseSpec
	if err := node.Decode(&l); err != nil {
		return err
	}
	spec, err := l.spec()
	if err != nil {
		return err
	}
	*t = spec
	return nil
}

// normaliseRole maps "Project Manager" and "tool-invoker" onto role names.
func normaliseRole(role string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(role)
}

func idString(v any) (string, error) {
	switch id := v.(type) {
	case string:
		return strings.TrimSpace(id), nil
	case float64:
		if id != math.Trunc(id) {
			return "", fmt.Errorf("non-integer id %v", id)
		}
		return strconv.FormatInt(int64(id), 10), nil
	case int:
		return strconv.Itoa(id), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("unsupported id type %T", v)
	}
}

func idList(v any) ([]string, error) {
	switch deps := v.(type) {
	case nil:
		return nil, nil
	case string:
		deps = strings.TrimSpace(deps)
		if deps == "" || strings.EqualFold(deps, "none") {
			return nil, nil
		}
		var out []string
		for _, part := range strings.Split(deps, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	case []any:
		out := make([]string, 0, len(deps))
		for _, dep := range deps {
			id, err := idString(dep)
			if err != nil {
				return nil, err
			}
			if id != "" {
				out = append(out, id)
			}
		}
		return out, nil
	default:
		id, err := idString(v)
		if err != nil {
			return nil, err
		}
		return []string{id}, nil
	}
}

// ParseTaskList decodes a JSON task list and checks it in isolation: every
// task has an id and a known agent, and ids are unique.
func ParseTaskList(data []byte) (TaskList, error) {
	var list TaskList
	if err := json.Unmarshal(data, &list); err != nil {
		return TaskList{}, fmt.Errorf("%w: %v", ErrInvalidTaskList, err)
	}
	if err := list.Check(); err != nil {
		return TaskList{}, err
	}
	return list, nil
}

// LoadTaskList reads a task list file. .yaml and .yml files are YAML,
// everything else is JSON.
func LoadTaskList(path string) (TaskList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TaskList{}, fmt.Errorf("reading task list: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var list TaskList
		if err := yaml.Unmarshal(data, &list); err != nil {
			return TaskList{}, fmt.Errorf("%w: %s: %v", ErrInvalidTaskList, path, err)
		}
		if err := list.Check(); err != nil {
			return TaskList{}, err
		}
		return list, nil
	default:
		list, err := ParseTaskList(data)
		if err != nil {
			return TaskList{}, fmt.Errorf("%s: %w", path, err)
		}
		return list, nil
	}
}

// Check validates the list on its own. Dependencies may point at tasks that
// only exist in the store; Apply checks the merged graph.
func (l TaskList) Check() error {
	var errs []error
	seen := make(map[string]bool, len(l.Tasks))
	for i, spec := range l.Tasks {
		switch {
		case spec.TaskID == "":
			errs = append(errs, fmt.Errorf("task #%d has no task_id", i+1))
			continue
		case seen[spec.TaskID]:
			errs = append(errs, fmt.Errorf("task %q listed twice", spec.TaskID))
		}
		seen[spec.TaskID] = true
		if !ValidRole(spec.Agent) {
			errs = append(errs, fmt.Errorf("task %q has unknown agent %q", spec.TaskID, spec.Agent))
		}
		if spec.Status != "" && !spec.Status.Valid() {
			errs = append(errs, fmt.Errorf("task %q has unknown status %q", spec.TaskID, spec.Status))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidTaskList, errors.Join(errs...))
	}
	return nil
}

// Encode renders the list as indented JSON.
func (l TaskList) Encode() ([]byte, error) {
	if l.Tasks == nil {
		l.Tasks = []TaskSpec{}
	}
	return json.MarshalIndent(l, "", "  ")
}

// ApplyResult lists what Apply changed.
type ApplyResult struct {
	Added   []string
	Updated []string
	Reset   []string
}

// Changed reports whether Apply modified the store.
func (r ApplyResult) Changed() bool {
	return len(r.Added)+len(r.Updated)+len(r.Reset) > 0
}

// Apply merges a task list into the store. The merged graph is validated
// before anything changes, so a bad list leaves the store untouched.
//
// New tasks are added as pending in list order. Existing tasks get their
// descriptive fields updated unless they are in progress or completed.
// status "pending" on a failed task resets it; any other status in the list
// is ignored because the store owns status.
func (s *Store) Apply(list TaskList) (ApplyResult, error) {
	if err := list.Check(); err != nil {
		return ApplyResult{}, err
	}

	var (
		result      ApplyResult
		upserts     []Task
		transitions []Transition
		trTasks     []Task
	)

	s.mu.Lock()
	graph := make(map[string][]string, len(s.tasks)+len(list.Tasks))
	for id, task := range s.tasks {
		graph[id] = task.DependsOn
	}
	for _, spec := range list.Tasks {
		if existing, ok := s.tasks[spec.TaskID]; ok && !editable(existing) {
			continue
		}
		graph[spec.TaskID] = spec.DependsOn
	}
	if _, err := sortGraph(graph); err != nil {
		s.mu.Unlock()
		return ApplyResult{}, fmt.Errorf("%w: %w", ErrInvalidTaskList, err)
	}

	for _, spec := range list.Tasks {
		existing, ok := s.tasks[spec.TaskID]
		if !ok {
			task := specTask(spec)
			s.tasks[task.ID] = task
			s.order = append(s.order, task.ID)
			result.Added = append(result.Added, task.ID)
			upserts = append(upserts, *cloneTask(task))
			continue
		}

		if !editable(existing) {
			continue
		}
		if updateFromSpec(existing, spec) {
			result.Updated = append(result.Updated, existing.ID)
			upserts = append(upserts, *cloneTask(existing))
		}
		if spec.Status == StatusPending && existing.Status == StatusFailed {
			tr, snapshot := s.applyLocked(existing, StatusPending, "reset by task list revision")
			transitions = append(transitions, tr)
			trTasks = append(trTasks, snapshot)
			result.Reset = append(result.Reset, existing.ID)
		}
	}
	s.mu.Unlock()

	for _, task := range upserts {
		s.notifyUpsert(task)
	}
	for i, tr := range transitions {
		s.notifyTransition(tr, trTasks[i])
	}
	if result.Changed() {
		s.logger.Info("task list applied", "added", len(result.Added), "updated", len(result.Updated), "reset", len(result.Reset))
	}
	return result, nil
}

// editable reports whether Apply may rewrite a task's description.
func editable(task *Task) bool {
	return task.Status == StatusPending || task.Status == StatusFailed
}

func specTask(spec TaskSpec) *Task {
	task := &Task{
		ID:                 spec.TaskID,
		Name:               spec.TaskName,
		Description:        spec.TaskDescription,
		AcceptanceCriteria: spec.AcceptanceCriteria,
		AgentRole:          spec.Agent,
		Status:             StatusPending,
		DependsOn:          append([]string(nil), spec.DependsOn...),
		ToolToUse:          spec.ToolToUse,
	}
	if spec.ProvidedInputs != nil {
		task.ProvidedInputs = maps.Clone(spec.ProvidedInputs)
	}
	return task
}

// updateFromSpec copies descriptive fields and reports whether any changed.
// A spec without provided_inputs keeps the task's current inputs.
func updateFromSpec(task *Task, spec TaskSpec) bool {
	next := specTask(spec)
	if next.ProvidedInputs == nil {
		next.ProvidedInputs = task.ProvidedInputs
	}
	if task.Name == next.Name &&
		task.Description == next.Description &&
		task.AcceptanceCriteria == next.AcceptanceCriteria &&
		task.AgentRole == next.AgentRole &&
		task.ToolToUse == next.ToolToUse &&
		slices.Equal(task.DependsOn, next.DependsOn) &&
		reflect.DeepEqual(task.ProvidedInputs, next.ProvidedInputs) {
		return false
	}

	task.Name = next.Name
	task.Description = next.Description
	task.AcceptanceCriteria = next.AcceptanceCriteria
	task.AgentRole = next.AgentRole
	task.ToolToUse = next.ToolToUse
	task.DependsOn = next.DependsOn
	task.ProvidedInputs = next.ProvidedInputs
	return true
}

// Snapshot re-emits the store as a task list with current statuses.
func (s *Store) Snapshot() TaskList {
	tasks := s.Tasks()
	list := TaskList{Tasks: make([]TaskSpec, 0, len(tasks))}
	for _, task := range tasks {
		deps := task.DependsOn
		if deps == nil {
			deps = []string{}
		}
		list.Tasks = append(list.Tasks, TaskSpec{
			TaskID:             task.ID,
			TaskName:           task.Name,
			TaskDescription:    task.Description,
			Agent:              task.AgentRole,
			Status:             task.Status,
			DependsOn:          deps,
			AcceptanceCriteria: task.AcceptanceCriteria,
			ToolToUse:          task.ToolToUse,
			ProvidedInputs:     task.ProvidedInputs,
		})
	}
	return list
}
