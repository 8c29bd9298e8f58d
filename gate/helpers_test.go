package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dshills/stagegate/gate/store"
)

var testKey = store.Key{Workspace: "ws", Session: "s1", Agent: "research"}

// researchDefinition is a five-stage pipeline that pauses after stage 0,
// escalates auth errors, and has a repair unit over stages 2-3.
func researchDefinition() *Definition {
	one := 1
	return &Definition{
		Slug: "research",
		Stages: []Stage{
			{ID: 0, Name: "Query Plan", PauseInstructions: "Show the query plan to the user and ask for approval."},
			{ID: 1, Name: "Search"},
			{ID: 2, Name: "Draft"},
			{ID: 3, Name: "Verify"},
			{ID: 4, Name: "Report"},
		},
		RepairUnits: []RepairUnit{
			{StageRange: [2]int{2, 3}, MaxIterations: 2, FeedbackField: "verification_feedback"},
		},
		PauseAfterStages: []int{0},
		PauseOnErrors:    []ErrorCategory{CategoryAuth},
		Schemas: map[int]*StageSchema{
			0: {
				Required: []string{"query_plan"},
				Properties: map[string]*PropertySchema{
					"query_plan": {
						Type:     "object",
						Required: []string{"queries"},
						Properties: map[string]*PropertySchema{
							"queries": {Type: "array", MinItems: &one},
						},
					},
					"mode": {Type: "string", Enum: []any{"fast", "deep"}},
				},
			},
		},
	}
}

// linearDefinition has n stages and no pauses or repair units.
func linearDefinition(slug string, n int) *Definition {
	def := &Definition{Slug: slug}
	for i := 0; i < n; i++ {
		def.Stages = append(def.Stages, Stage{ID: i, Name: "step"})
	}
	return def
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEngine struct {
	*Engine
	t     *testing.T
	store *store.MemStore[Run]
	clock *fakeClock
	key   store.Key
}

func newTestEngine(t *testing.T, def *Definition, opts ...Option) *testEngine {
	t.Helper()
	st := store.NewMemStore[Run]()
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	engine, err := New(Definitions{def.Slug: def}, st, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &testEngine{
		Engine: engine,
		t:      t,
		store:  st,
		clock:  clock,
		key:    store.Key{Workspace: testKey.Workspace, Session: testKey.Session, Agent: def.Slug},
	}
}

func (te *testEngine) do(action Action, stage *int, data Payload) *Result {
	te.t.Helper()
	res, err := te.Dispatch(context.Background(), Request{
		Workspace: te.key.Workspace,
		Session:   te.key.Session,
		AgentSlug: te.key.Agent,
		Action:    action,
		Stage:     stage,
		Data:      data,
	})
	if err != nil {
		te.t.Fatalf("%s failed: %v", action, err)
	}
	return res
}

func (te *testEngine) start(stage int) *Result {
	te.t.Helper()
	return te.do(ActionStart, StageNum(stage), nil)
}

func (te *testEngine) complete(stage int, data Payload) *Result {
	te.t.Helper()
	return te.do(ActionComplete, StageNum(stage), data)
}

func (te *testEngine) resume(decision string, extra Payload) *Result {
	te.t.Helper()
	data := Payload{"decision": decision}
	for k, v := range extra {
		data[k] = v
	}
	return te.do(ActionResume, nil, data)
}

// mustAllow fails the test when res is a rejection.
func mustAllow(t *testing.T, res *Result, what string) {
	t.Helper()
	if !res.Allowed {
		t.Fatalf("%s: expected allowed, got rejection %q", what, res.Reason)
	}
}

// mustReject fails the test when res is allowed.
func mustReject(t *testing.T, res *Result, what string) {
	t.Helper()
	if res.Allowed {
		t.Fatalf("%s: expected rejection, got allowed", what)
	}
	if res.Reason == "" {
		t.Fatalf("%s: rejection without reason", what)
	}
}

func validPlan() Payload {
	return Payload{"query_plan": map[string]any{"queries": []any{"q1", "q2"}}, "mode": "deep"}
}

// throughStage3 drives the research pipeline until stage 3 is complete.
func (te *testEngine) throughStage3() {
	te.t.Helper()
	mustAllow(te.t, te.start(0), "start(0)")
	if res := te.complete(0, validPlan()); !res.PauseRequired {
		te.t.Fatalf("complete(0): expected pause, got %+v", res)
	}
	mustAllow(te.t, te.resume("proceed", nil), "resume proceed")
	for stage := 1; stage <= 3; stage++ {
		mustAllow(te.t, te.start(stage), "start")
		data := Payload{}
		if stage == 3 {
			data["verification_feedback"] = "tighten citations"
		}
		mustAllow(te.t, te.complete(stage, data), "complete")
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func eventTypes(t *testing.T, te *testEngine) []string {
	t.Helper()
	events, err := te.Events(context.Background(), te.key)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}
