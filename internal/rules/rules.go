// Package rules loads user-editable automation rules and evaluates them
// against normalized events. Rule definitions are validated against a
// JSON schema at load time and compiled into a closed set of criteria
// and action variants; unknown kinds are rejected when the file is
// loaded, not when a message arrives.
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mailminder/mailminder/internal/model"
)

// Scope selects which message direction a rule applies to.
type Scope string

const (
	ScopeIncoming Scope = "incoming"
	ScopeOutgoing Scope = "outgoing"
)

// Criteria is the predicate half of a rule. All set fields must match.
type Criteria struct {
	SubjectPattern string `json:"subject_pattern,omitempty"`
	FromPattern    string `json:"from_pattern,omitempty"`
	HasAttachment  *bool  `json:"has_attachment,omitempty"`

	subjectRe *regexp.Regexp
	fromRe    *regexp.Regexp
}

// ActionSpec is the action half of a rule.
type ActionSpec struct {
	Kind model.ActionKind `json:"kind"`

	// Dir and RenamePattern configure save_attachment.
	Dir           string `json:"dir,omitempty"`
	RenamePattern string `json:"rename_pattern,omitempty"`

	// Folder configures move_message.
	Folder string `json:"folder,omitempty"`

	// Tag configures tag_message.
	Tag string `json:"tag,omitempty"`
}

// Rule is one validated predicate/action pair.
type Rule struct {
	ID      string       `json:"id"`
	Name    string       `json:"name,omitempty"`
	Scope   Scope        `json:"scope"`
	Enabled bool         `json:"enabled"`
	When    Criteria     `json:"when"`
	Then    []ActionSpec `json:"then"`
}

type ruleFile struct {
	Rules []Rule `json:"rules"`
}

// rulesSchema constrains rule files to the closed variant set. Action
// kinds a rule may request exclude the scheduler-owned reminder and
// escalation kinds.
const rulesSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["rules"],
	"properties": {
		"rules": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "scope", "then"],
				"additionalProperties": false,
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"name": {"type": "string"},
					"scope": {"enum": ["incoming", "outgoing"]},
					"enabled": {"type": "boolean"},
					"when": {
						"type": "object",
						"additionalProperties": false,
						"properties": {
							"subject_pattern": {"type": "string"},
							"from_pattern": {"type": "string"},
							"has_attachment": {"type": "boolean"}
						}
					},
					"then": {
						"type": "array",
						"minItems": 1,
						"items": {
							"type": "object",
							"required": ["kind"],
							"additionalProperties": false,
							"properties": {
								"kind": {"enum": ["save_attachment", "move_message", "tag_message"]},
								"dir": {"type": "string"},
								"rename_pattern": {"type": "string"},
								"folder": {"type": "string"},
								"tag": {"type": "string"}
							}
						}
					}
				}
			}
		}
	}
}`

// Load reads, validates, and compiles a rule file. Rules with invalid
// criteria expressions are skipped and reported in the second return
// value; they never abort loading of the remaining rules. A file that
// fails schema validation is rejected outright.
func Load(path string) ([]Rule, []error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading rules file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates and compiles rule file contents.
func Parse(data []byte) ([]Rule, []error, error) {
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(rulesSchema))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing rules schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("rules.schema.json", schemaDoc); err != nil {
		return nil, nil, fmt.Errorf("registering rules schema: %w", err)
	}
	schema, err := compiler.Compile("rules.schema.json")
	if err != nil {
		return nil, nil, fmt.Errorf("compiling rules schema: %w", err)
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, nil, fmt.Errorf("parsing rules file: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, nil, fmt.Errorf("validating rules file: %w", err)
	}

	var file ruleFile
	if err := unmarshalStrict(data, &file); err != nil {
		return nil, nil, fmt.Errorf("decoding rules file: %w", err)
	}

	var (
		compiled []Rule
		skipped  []error
	)
	seen := make(map[string]bool, len(file.Rules))
	for _, r := range file.Rules {
		if seen[r.ID] {
			skipped = append(skipped, fmt.Errorf("rule %q: duplicate id", r.ID))
			continue
		}
		seen[r.ID] = true

		if err := r.compile(); err != nil {
			skipped = append(skipped, fmt.Errorf("rule %q: %w", r.ID, err))
			continue
		}
		compiled = append(compiled, r)
	}

	return compiled, skipped, nil
}

// compile builds the criteria matchers.
func (r *Rule) compile() error {
	if r.When.SubjectPattern != "" {
		re, err := regexp.Compile(r.When.SubjectPattern)
		if err != nil {
			return fmt.Errorf("subject pattern: %w", err)
		}
		r.When.subjectRe = re
	}
	if r.When.FromPattern != "" {
		re, err := regexp.Compile(r.When.FromPattern)
		if err != nil {
			return fmt.Errorf("from pattern: %w", err)
		}
		r.When.fromRe = re
	}
	return nil
}

// unmarshalStrict decodes JSON rejecting unknown fields. Schema
// validation already bans them; this keeps the decoder honest too.
func unmarshalStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
