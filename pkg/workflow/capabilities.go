package workflow

import (
	"context"

	"blueprint/pkg/llm"
	"blueprint/pkg/proto"
)

// ModelRouter resolves a model role to a provider chain and invokes it.
// Implemented by pkg/router; defined here so the engine depends only on
// the behavior it needs.
type ModelRouter interface {
	// Invoke sends the request to the role's providers in preference order.
	Invoke(ctx context.Context, role string, req llm.CompletionRequest) (llm.CompletionResponse, error)

	// InvokeJSON invokes the role and unmarshals the response into dest,
	// making one repair attempt if the first response is malformed.
	InvokeJSON(ctx context.Context, role string, req llm.CompletionRequest, dest any) error
}

// DocumentParser loads and structures a requirements document from disk.
type DocumentParser interface {
	Parse(ctx context.Context, path string) (*proto.Requirements, error)
}

// RepositoryAnalyzer inspects an existing codebase and reports its
// architecture facts.
type RepositoryAnalyzer interface {
	Analyze(ctx context.Context, repoURL, branch string) (*proto.ArchitectureFacts, error)
}

// KnowledgeBase indexes finished artifacts and answers similarity queries.
// All engine calls to it are best-effort: indexing failures degrade to
// warnings, never stage failures.
type KnowledgeBase interface {
	IndexArtifact(ctx context.Context, sessionID string, stage proto.Stage, artifact *proto.StageArtifact) error
	Query(ctx context.Context, text string, limit int) ([]string, error)
}

// TransitionRecorder receives stage transition notifications for metrics.
type TransitionRecorder interface {
	IncStageTransition(from, to string)
}
