package planner

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed templates/*.yaml
var templateFS embed.FS

// Template is a hand-authored step graph for one intent type. Templates
// are parsed from the embedded YAML catalogue at startup and validated
// before they can be instantiated.
type Template struct {
	Intent      string          `yaml:"intent"`
	Description string          `yaml:"description"`
	Steps       []ExecutionStep `yaml:"steps"`
}

// ValidationIssue captures a single validation failure with a stable code.
type ValidationIssue struct {
	Code    string
	Message string
}

// ValidationError aggregates template validation failures.
type ValidationError struct {
	Template string
	Issues   []ValidationIssue
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 1 {
		return fmt.Sprintf("template %s: %s", e.Template, e.Issues[0].Message)
	}
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = issue.Message
	}
	return fmt.Sprintf("template %s: %d validation errors: %s", e.Template, len(e.Issues), strings.Join(msgs, "; "))
}

// validateTemplate performs structural checks on a parsed template.
func validateTemplate(tpl *Template) error {
	var issues []ValidationIssue

	if strings.TrimSpace(tpl.Intent) == "" {
		issues = append(issues, ValidationIssue{Code: "intent_missing", Message: "template intent is required"})
	}
	if len(tpl.Steps) == 0 {
		issues = append(issues, ValidationIssue{Code: "steps_empty", Message: "at least one step is required"})
	}

	ids := make(map[string]struct{}, len(tpl.Steps))
	for i := range tpl.Steps {
		step := &tpl.Steps[i]
		if strings.TrimSpace(step.ID) == "" {
			issues = append(issues, ValidationIssue{Code: "step_id_missing", Message: fmt.Sprintf("step at index %d is missing an id", i)})
			continue
		}
		if _, dup := ids[step.ID]; dup {
			issues = append(issues, ValidationIssue{Code: "step_id_duplicate", Message: fmt.Sprintf("duplicate step id '%s'", step.ID)})
			continue
		}
		ids[step.ID] = struct{}{}
		if strings.TrimSpace(step.Action) == "" {
			issues = append(issues, ValidationIssue{Code: "step_action_missing", Message: fmt.Sprintf("step '%s' is missing an action", step.ID)})
		}
	}

	for i := range tpl.Steps {
		step := &tpl.Steps[i]
		for _, dep := range step.Dependencies {
			if dep == step.ID {
				issues = append(issues, ValidationIssue{Code: "dependency_self", Message: fmt.Sprintf("step '%s' cannot depend on itself", step.ID)})
				continue
			}
			if _, known := ids[dep]; !known {
				issues = append(issues, ValidationIssue{Code: "dependency_unknown", Message: fmt.Sprintf("step '%s' depends on unknown step '%s'", step.ID, dep)})
			}
		}
		// Failover references are an extension point and may name steps
		// outside the plan; they are recorded, never auto-invoked.
	}

	// A cyclic template would deadlock at runtime; reject it here.
	if len(issues) == 0 {
		if cycle := detectCycle(tpl.Steps); len(cycle) > 0 {
			issues = append(issues, ValidationIssue{
				Code:    "dependency_cycle",
				Message: fmt.Sprintf("cyclic dependencies involving steps: %s", strings.Join(cycle, " -> ")),
			})
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Template: tpl.Intent, Issues: issues}
	}
	return nil
}

// detectCycle runs Kahn's algorithm over the step graph and returns the
// ids left unprocessed when a cycle exists, in sorted order for stable
// error messages. An empty result means the graph is acyclic.
func detectCycle(steps []ExecutionStep) []string {
	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	known := make(map[string]bool, len(steps))

	for i := range steps {
		known[steps[i].ID] = true
		inDegree[steps[i].ID] = 0
	}
	for i := range steps {
		for _, dep := range steps[i].Dependencies {
			if dep == steps[i].ID || !known[dep] {
				continue
			}
			dependents[dep] = append(dependents[dep], steps[i].ID)
			inDegree[steps[i].ID]++
		}
	}

	queue := make([]string, 0, len(steps))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range dependents[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed == len(steps) {
		return nil
	}
	var cycle []string
	for id, deg := range inDegree {
		if deg > 0 {
			cycle = append(cycle, id)
		}
	}
	sort.Strings(cycle)
	return cycle
}

// loadTemplates parses and validates every embedded template, keyed by
// intent type.
func loadTemplates() (map[string]*Template, error) {
	templates := make(map[string]*Template)

	err := fs.WalkDir(templateFS, "templates", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".yaml") {
			return nil
		}
		data, err := templateFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read template %s: %w", path, err)
		}
		var tpl Template
		if err := yaml.Unmarshal(data, &tpl); err != nil {
			return fmt.Errorf("parse template %s: %w", path, err)
		}
		if err := validateTemplate(&tpl); err != nil {
			return err
		}
		if _, dup := templates[tpl.Intent]; dup {
			return fmt.Errorf("duplicate template for intent %q", tpl.Intent)
		}
		templates[tpl.Intent] = &tpl
		return nil
	})
	if err != nil {
		return nil, err
	}
	if _, ok := templates[genericTemplate]; !ok {
		return nil, fmt.Errorf("template catalogue is missing the %q fallback", genericTemplate)
	}
	return templates, nil
}
