package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/tonaudit/controlplane/internal/auditrun"
	"github.com/tonaudit/controlplane/internal/contentstore"
	"github.com/tonaudit/controlplane/internal/dbopen"
	"github.com/tonaudit/controlplane/internal/events"
	"github.com/tonaudit/controlplane/internal/findings"
	"github.com/tonaudit/controlplane/internal/llm"
	"github.com/tonaudit/controlplane/internal/objectstore"
	"github.com/tonaudit/controlplane/internal/project"
	"github.com/tonaudit/controlplane/internal/queue"
	"github.com/tonaudit/controlplane/internal/revision"
)

// fakeCompleter is a scriptable llm.Completer: each model id has a queued
// list of responses (json or error) consumed in order.
type fakeCompleter struct {
	responses map[string][]completerResponse
}

type completerResponse struct {
	body json.RawMessage
	err  error
}

func (f *fakeCompleter) Complete(_ context.Context, req llm.Request) (json.RawMessage, error) {
	queued := f.responses[req.ModelID]
	if len(queued) == 0 {
		return json.RawMessage(`[]`), nil
	}
	next := queued[0]
	f.responses[req.ModelID] = queued[1:]
	if next.err != nil {
		return nil, next.err
	}
	return next.body, nil
}

type testHarness struct {
	bundle    *Bundle
	runtime   *queue.Runtime
	queueStore *queue.Store
	projects  *project.Store
	runs      *auditrun.Store
	revisions *revision.Model
	completer *fakeCompleter
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	db, err := dbopen.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	for _, schema := range []string{
		project.Schema, contentstore.Schema, auditrun.Schema, revision.Schema,
		findings.Schema, events.Schema, queue.Schema, Schema,
	} {
		if _, err := db.Exec(schema); err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}

	objects := objectstore.NewFake()
	blobs := contentstore.New(db, objects)
	runs := auditrun.New(db)
	revisions := revision.New(db, blobs, runs)
	findingsStore := findings.New(db)
	projects := project.New(db)
	bus := events.New(db)
	queueStore := queue.NewStore(db)
	runtime := queue.NewRuntime(queueStore, bus, nil)

	completer := &fakeCompleter{responses: map[string][]completerResponse{}}
	llmClient := llm.New(completer, objects)

	bundle := NewBundle(db, runs, revisions, findingsStore, projects, bus, nil, llmClient, objects)
	Register(runtime, bundle)

	return &testHarness{
		bundle: bundle, runtime: runtime, queueStore: queueStore,
		projects: projects, runs: runs, revisions: revisions, completer: completer,
	}
}

// newAuditRun creates a project, revision, and queued audit run ready for
// the ingest stage to pick up, returning their ids.
func (h *testHarness) newAuditRun(t *testing.T, ownerID string) (projectID, revisionID, auditRunID string) {
	t.Helper()
	ctx := context.Background()

	p, err := h.projects.Create(ctx, ownerID, "demo-project")
	if err != nil {
		t.Fatal(err)
	}

	revisionID := "rev-" + p.ID
	run, err := h.runs.Create(ctx, nil, p.ID, revisionID, ownerID, auditrun.ProfileFast, "model-a", "model-b")
	if err != nil {
		t.Fatal(err)
	}
	return p.ID, revisionID, run.ID
}
