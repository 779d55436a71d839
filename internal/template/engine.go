package template

import (
	"fmt"
	"regexp"
	"sort"
)

// Engine handles variable templating for command lines and monitor commands.
//
// Templates use shell-style placeholders: $NAME or ${NAME}. A literal dollar
// sign is written as $$. Substitution recurses through nested sequences and
// mappings, so a whole monitor-command document can be treated as one
// template.
type Engine struct {
	// Pattern matching $$, $NAME and ${NAME}
	placeholderPattern *regexp.Regexp
}

// UndefinedVariableError is returned by Apply when a template references a
// variable that is missing from the value lookup.
type UndefinedVariableError struct {
	Name string
}

func (e *UndefinedVariableError) Error() string {
	return fmt.Sprintf("undefined template variable: %s", e.Name)
}

// New creates a new template engine.
func New() *Engine {
	return &Engine{
		placeholderPattern: regexp.MustCompile(`\$(?:(\$)|([a-zA-Z_][a-zA-Z0-9_]*)|\{([a-zA-Z_][a-zA-Z0-9_]*)\})`),
	}
}

// Apply replaces all placeholders in a template with values from the lookup.
// Strings undergo substitution; sequences and mappings are rendered
// recursively, preserving structure; any other leaf value is returned
// unchanged. A placeholder whose name is absent from values results in an
// *UndefinedVariableError.
func (e *Engine) Apply(template interface{}, values map[string]interface{}) (interface{}, error) {
	switch v := template.(type) {
	case string:
		return e.applyString(v, values)
	case []interface{}:
		return e.applySlice(v, values)
	case map[string]interface{}:
		return e.applyMap(v, values)
	default:
		// Non-templatable types are returned as-is
		return template, nil
	}
}

// applyString substitutes placeholders in a single string.
func (e *Engine) applyString(template string, values map[string]interface{}) (string, error) {
	var missing *UndefinedVariableError

	result := e.placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := e.placeholderName(match)
		if name == "" {
			return "$" // $$ escape
		}
		value, exists := values[name]
		if !exists {
			if missing == nil {
				missing = &UndefinedVariableError{Name: name}
			}
			return match
		}
		return stringify(value)
	})

	if missing != nil {
		return "", missing
	}
	return result, nil
}

// applySlice recursively renders each element of a sequence.
func (e *Engine) applySlice(s []interface{}, values map[string]interface{}) ([]interface{}, error) {
	result := make([]interface{}, len(s))
	for i, value := range s {
		rendered, err := e.Apply(value, values)
		if err != nil {
			return nil, err
		}
		result[i] = rendered
	}
	return result, nil
}

// applyMap recursively renders each value of a mapping. Keys are not
// templated.
func (e *Engine) applyMap(m map[string]interface{}, values map[string]interface{}) (map[string]interface{}, error) {
	result := make(map[string]interface{}, len(m))
	for key, value := range m {
		rendered, err := e.Apply(value, values)
		if err != nil {
			return nil, fmt.Errorf("in key %q: %w", key, err)
		}
		result[key] = rendered
	}
	return result, nil
}

// ExtractVariables returns the distinct variable names referenced by a
// template, in first-occurrence order. Mapping values are visited in sorted
// key order so the result is deterministic.
func (e *Engine) ExtractVariables(template interface{}) []string {
	seen := make(map[string]bool)
	var ordered []string
	e.extractRecursive(template, seen, &ordered)
	return ordered
}

func (e *Engine) extractRecursive(template interface{}, seen map[string]bool, ordered *[]string) {
	switch v := template.(type) {
	case string:
		for _, match := range e.placeholderPattern.FindAllString(v, -1) {
			name := e.placeholderName(match)
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			*ordered = append(*ordered, name)
		}
	case []interface{}:
		for _, value := range v {
			e.extractRecursive(value, seen, ordered)
		}
	case map[string]interface{}:
		for _, key := range sortedKeys(v) {
			e.extractRecursive(v[key], seen, ordered)
		}
	}
}

// placeholderName returns the variable name inside a matched placeholder, or
// "" for the $$ escape.
func (e *Engine) placeholderName(match string) string {
	groups := e.placeholderPattern.FindStringSubmatch(match)
	if groups[1] == "$" {
		return ""
	}
	if groups[2] != "" {
		return groups[2]
	}
	return groups[3]
}

// stringify converts a substitution value to its string form.
func stringify(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var defaultEngine = New()

// Apply renders a template using the package-level engine.
func Apply(template interface{}, values map[string]interface{}) (interface{}, error) {
	return defaultEngine.Apply(template, values)
}

// ExtractVariables lists referenced variables using the package-level engine.
func ExtractVariables(template interface{}) []string {
	return defaultEngine.ExtractVariables(template)
}
