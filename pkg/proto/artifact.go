package proto

import (
	"encoding/json"
	"fmt"
	"time"
)

// ArtifactKind identifies the payload type carried by a StageArtifact.
type ArtifactKind string

const (
	ArtifactKindArchitectureFacts  ArtifactKind = "architecture_facts"
	ArtifactKindRequirements       ArtifactKind = "requirements"
	ArtifactKindIntegrationDesign  ArtifactKind = "integration_design"
	ArtifactKindImplementationPlan ArtifactKind = "implementation_plan"
	ArtifactKindFinalBundle        ArtifactKind = "final_bundle"
)

// StageArtifact is the durable record of one stage's output: a
// discriminated union over the typed payloads the stages produce.
// Extracting the wrong payload kind is a visible error instead of a
// silent type-assertion failure.
type StageArtifact struct {
	Kind       ArtifactKind    `json:"kind"`
	Data       json.RawMessage `json:"data"`
	ProducedAt time.Time       `json:"produced_at"`
	Revision   int             `json:"revision"` // bumped each time a review rejection regenerates it
}

// ArchitectureFacts captures what the repository analyzer learned about an
// existing codebase.
type ArchitectureFacts struct {
	Document     string   `json:"document"` // human-readable summary
	RepoURL      string   `json:"repo_url"`
	Branch       string   `json:"branch,omitempty"`
	Languages    []string `json:"languages,omitempty"`
	Components   []string `json:"components,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	EntryPoints  []string `json:"entry_points,omitempty"`
}

// Requirement is a single parsed requirement.
type Requirement struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// Requirements is the structured output of requirements parsing.
type Requirements struct {
	Document      string        `json:"document"`
	Functional    []Requirement `json:"functional,omitempty"`
	NonFunctional []Requirement `json:"non_functional,omitempty"`
	Assumptions   []string      `json:"assumptions,omitempty"`
	SourcePaths   []string      `json:"source_paths,omitempty"`
}

// DesignComponent is one element of the proposed integration design.
type DesignComponent struct {
	Name           string   `json:"name"`
	Responsibility string   `json:"responsibility,omitempty"`
	IntegratesWith []string `json:"integrates_with,omitempty"`
}

// IntegrationDesign is the proposed architecture and integration strategy.
type IntegrationDesign struct {
	Document   string            `json:"document"`
	Strategy   string            `json:"strategy,omitempty"`
	Components []DesignComponent `json:"components,omitempty"`
	Risks      []string          `json:"risks,omitempty"`
}

// PlanPhase is one phase of the implementation plan.
type PlanPhase struct {
	Name      string   `json:"name"`
	Goal      string   `json:"goal,omitempty"`
	Tasks     []string `json:"tasks,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// ImplementationPlan is the phased delivery plan.
type ImplementationPlan struct {
	Document        string      `json:"document"`
	Phases          []PlanPhase `json:"phases,omitempty"`
	EstimatedEffort string      `json:"estimated_effort,omitempty"`
}

// FinalBundle is the consolidated output of a completed workflow.
type FinalBundle struct {
	Document    string    `json:"document"`
	FinalizedAt time.Time `json:"finalized_at"`
}

func newArtifact(kind ArtifactKind, payload any) *StageArtifact {
	raw, _ := json.Marshal(payload) // struct marshaling does not fail
	return &StageArtifact{
		Kind:       kind,
		Data:       raw,
		ProducedAt: time.Now().UTC(),
	}
}

// NewArchitectureFactsArtifact wraps analyzer output as a stage artifact.
func NewArchitectureFactsArtifact(facts *ArchitectureFacts) *StageArtifact {
	return newArtifact(ArtifactKindArchitectureFacts, facts)
}

// NewRequirementsArtifact wraps parsed requirements as a stage artifact.
func NewRequirementsArtifact(reqs *Requirements) *StageArtifact {
	return newArtifact(ArtifactKindRequirements, reqs)
}

// NewIntegrationDesignArtifact wraps a proposed design as a stage artifact.
func NewIntegrationDesignArtifact(design *IntegrationDesign) *StageArtifact {
	return newArtifact(ArtifactKindIntegrationDesign, design)
}

// NewImplementationPlanArtifact wraps the delivery plan as a stage artifact.
func NewImplementationPlanArtifact(plan *ImplementationPlan) *StageArtifact {
	return newArtifact(ArtifactKindImplementationPlan, plan)
}

// NewFinalBundleArtifact wraps the consolidated final output.
func NewFinalBundleArtifact(bundle *FinalBundle) *StageArtifact {
	return newArtifact(ArtifactKindFinalBundle, bundle)
}

func (a *StageArtifact) extract(kind ArtifactKind, dest any) error {
	if a.Kind != kind {
		return fmt.Errorf("expected %s artifact, got %s", kind, a.Kind)
	}
	if err := json.Unmarshal(a.Data, dest); err != nil {
		return fmt.Errorf("failed to unmarshal %s artifact: %w", kind, err)
	}
	return nil
}

// ExtractArchitectureFacts extracts and validates analyzer output.
func (a *StageArtifact) ExtractArchitectureFacts() (*ArchitectureFacts, error) {
	var out ArchitectureFacts
	if err := a.extract(ArtifactKindArchitectureFacts, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExtractRequirements extracts and validates parsed requirements.
func (a *StageArtifact) ExtractRequirements() (*Requirements, error) {
	var out Requirements
	if err := a.extract(ArtifactKindRequirements, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExtractIntegrationDesign extracts and validates the proposed design.
func (a *StageArtifact) ExtractIntegrationDesign() (*IntegrationDesign, error) {
	var out IntegrationDesign
	if err := a.extract(ArtifactKindIntegrationDesign, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExtractImplementationPlan extracts and validates the delivery plan.
func (a *StageArtifact) ExtractImplementationPlan() (*ImplementationPlan, error) {
	var out ImplementationPlan
	if err := a.extract(ArtifactKindImplementationPlan, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExtractFinalBundle extracts and validates the final bundle.
func (a *StageArtifact) ExtractFinalBundle() (*FinalBundle, error) {
	var out FinalBundle
	if err := a.extract(ArtifactKindFinalBundle, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// document is the shape shared by every payload kind: each carries a
// human-readable Document field that refinement operates on.
type document struct {
	Document string `json:"document"`
}

// Text returns the artifact's human-readable document body.
func (a *StageArtifact) Text() (string, error) {
	var doc document
	if err := json.Unmarshal(a.Data, &doc); err != nil {
		return "", fmt.Errorf("artifact %s has no document body: %w", a.Kind, err)
	}
	return doc.Document, nil
}

// WithText returns a copy of the artifact with its document body replaced
// and the rest of the structured payload preserved. Used by the refinement
// engine, which improves the prose without re-deriving the structure.
func (a *StageArtifact) WithText(text string) (*StageArtifact, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(a.Data, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode %s artifact: %w", a.Kind, err)
	}
	raw, err := json.Marshal(text)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document body: %w", err)
	}
	fields["document"] = raw
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode %s artifact: %w", a.Kind, err)
	}
	return &StageArtifact{
		Kind:       a.Kind,
		Data:       data,
		ProducedAt: time.Now().UTC(),
		Revision:   a.Revision,
	}, nil
}
