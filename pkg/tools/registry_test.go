package tools

import (
	"context"
	"fmt"
	"reflect"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/NERVsystems/osmadiff/pkg/adiff"
	"github.com/NERVsystems/osmadiff/pkg/changesets"
	"github.com/NERVsystems/osmadiff/pkg/core"
	"github.com/NERVsystems/osmadiff/pkg/osm"
)

type fakeService struct {
	changesets map[int64]*osm.Changeset
	changes    map[int64]*osm.Change
	diffs      map[int64]*adiff.AugmentedDiff
	pruned     changesets.PruneStats
	diffErr    error
	lastWS     osm.WorkspaceID
	lastRefs   []osm.Ref
}

func newFakeService() *fakeService {
	node := &osm.Node{Meta: osm.Meta{ID: 1, Version: 2, Changeset: 10}, Lat: 1, Lon: 2}
	return &fakeService{
		changesets: map[int64]*osm.Changeset{
			10: {ID: 10, User: "mapper", ChangesCount: 1},
			11: {ID: 11, Open: true},
		},
		changes: map[int64]*osm.Change{
			10: {Modify: osm.Elements{node}},
			11: {},
		},
		diffs: map[int64]*adiff.AugmentedDiff{
			10: {Actions: []adiff.Action{{
				Type: osm.ActionModify,
				Old:  &adiff.Node{Meta: adiff.Meta{ID: 1, Version: 1, Changeset: 9, Visible: true}},
				New:  &adiff.Node{Meta: adiff.Meta{ID: 1, Version: 2, Changeset: 10, Visible: true}, Lat: 1, Lon: 2},
			}}},
		},
		pruned: changesets.PruneStats{Changes: 2, Diffs: 1},
	}
}

func (s *fakeService) ListChangesets(ctx context.Context, ws osm.WorkspaceID) ([]*osm.Changeset, error) {
	s.lastWS = ws
	return []*osm.Changeset{s.changesets[10], s.changesets[11]}, nil
}

func (s *fakeService) GetChangeset(ctx context.Context, ws osm.WorkspaceID, id int64) (*osm.Changeset, error) {
	s.lastWS = ws
	cs, ok := s.changesets[id]
	if !ok {
		return nil, core.ServiceError("OSM API", 404, fmt.Sprintf("changeset %d", id))
	}
	return cs, nil
}

func (s *fakeService) GetChangeData(ctx context.Context, ws osm.WorkspaceID, cs *osm.Changeset) (*osm.Change, error) {
	return s.changes[cs.ID], nil
}

func (s *fakeService) GetAugmentedDiff(ctx context.Context, ws osm.WorkspaceID, cs *osm.Changeset) (*adiff.AugmentedDiff, error) {
	if s.diffErr != nil {
		return nil, s.diffErr
	}
	return s.diffs[cs.ID], nil
}

func (s *fakeService) GetAllChangeData(ctx context.Context, ws osm.WorkspaceID) ([]changesets.ChangesetData, error) {
	s.lastWS = ws
	return []changesets.ChangesetData{
		{Changeset: s.changesets[10], Change: s.changes[10]},
		{Changeset: s.changesets[11], Change: s.changes[11]},
	}, nil
}

func (s *fakeService) GetElements(ctx context.Context, ws osm.WorkspaceID, t osm.ElementType, refs []osm.Ref) (osm.Elements, error) {
	s.lastWS = ws
	s.lastRefs = refs
	out := osm.Elements{}
	for _, ref := range refs {
		version := ref.Version
		if ref.IsCurrent() {
			version = 9
		}
		switch t {
		case osm.TypeNode:
			out = append(out, &osm.Node{Meta: osm.Meta{ID: ref.ID, Version: version}})
		case osm.TypeWay:
			out = append(out, &osm.Way{Meta: osm.Meta{ID: ref.ID, Version: version}})
		}
	}
	return out, nil
}

func (s *fakeService) PruneCaches(ctx context.Context) changesets.PruneStats {
	return s.pruned
}

func TestGetToolNames(t *testing.T) {
	r := NewRegistry(newFakeService(), nil)
	want := []string{"get_version", "list_changesets", "get_changeset", "get_change_data", "get_augmented_diff", "get_elements", "prune_caches"}
	if got := r.GetToolNames(); !reflect.DeepEqual(got, want) {
		t.Errorf("GetToolNames() = %v, want %v", got, want)
	}

	for _, def := range r.GetToolDefinitions() {
		if def.Tool.Name != def.Name {
			t.Errorf("tool %s is registered as %s", def.Tool.Name, def.Name)
		}
	}
}

func TestChangesetToolsRequireIDs(t *testing.T) {
	r := NewRegistry(newFakeService(), nil)
	tool := r.GetAugmentedDiffTool()

	for _, param := range []string{"workspace", "changeset"} {
		found := false
		for _, req := range tool.InputSchema.Required {
			found = found || req == param
		}
		if !found {
			t.Errorf("%s is not required", param)
		}
	}
}

func TestHandleListChangesets(t *testing.T) {
	svc := newFakeService()
	r := NewRegistry(svc, nil)
	ctx := context.Background()

	result, err := r.HandleListChangesets(ctx, callRequest("list_changesets", map[string]any{"workspace": 4.0}))
	if err != nil {
		t.Fatal(err)
	}
	var out ListChangesetsOutput
	assertSuccess(t, result, &out)
	if len(out.Changesets) != 2 || out.Data != nil || svc.lastWS != 4 {
		t.Errorf("unexpected output %+v (workspace %d)", out, svc.lastWS)
	}

	result, err = r.HandleListChangesets(ctx, callRequest("list_changesets", map[string]any{"workspace": 4.0, "include_changes": true}))
	if err != nil {
		t.Fatal(err)
	}
	out = ListChangesetsOutput{}
	assertSuccess(t, result, &out)
	if len(out.Data) != 2 || out.Data[0].Change == nil || len(out.Data[0].Change.Modify) != 1 {
		t.Errorf("unexpected output %+v", out)
	}

	result, _ = r.HandleListChangesets(ctx, callRequest("list_changesets", map[string]any{}))
	assertErrorCode(t, result, string(core.ErrInvalidParameter))
}

func TestHandleGetChangeset(t *testing.T) {
	r := NewRegistry(newFakeService(), nil)
	ctx := context.Background()

	result, err := r.HandleGetChangeset(ctx, callRequest("get_changeset", map[string]any{"workspace": 1.0, "changeset": 10.0}))
	if err != nil {
		t.Fatal(err)
	}
	var cs osm.Changeset
	assertSuccess(t, result, &cs)
	if cs.ID != 10 || cs.User != "mapper" {
		t.Errorf("unexpected changeset %+v", cs)
	}

	result, _ = r.HandleGetChangeset(ctx, callRequest("get_changeset", map[string]any{"workspace": 1.0, "changeset": 99.0}))
	assertErrorCode(t, result, string(core.ErrNotFound))
}

func TestHandleGetChangeData(t *testing.T) {
	r := NewRegistry(newFakeService(), nil)

	result, err := r.HandleGetChangeData(context.Background(), callRequest("get_change_data", map[string]any{"workspace": 1.0, "changeset": 10.0}))
	if err != nil {
		t.Fatal(err)
	}
	var data changesets.ChangesetData
	assertSuccess(t, result, &data)
	if data.Changeset.ID != 10 || len(data.Change.Modify) != 1 || data.Change.Modify[0].Base().ID != 1 {
		t.Errorf("unexpected change data %+v", data)
	}
}

func TestHandleGetAugmentedDiff(t *testing.T) {
	svc := newFakeService()
	r := NewRegistry(svc, nil)
	ctx := context.Background()
	req := callRequest("get_augmented_diff", map[string]any{"workspace": 1.0, "changeset": 10.0})

	result, err := r.HandleGetAugmentedDiff(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	var out AugmentedDiffOutput
	assertSuccess(t, result, &out)
	if out.Changeset.ID != 10 || len(out.Diff.Actions) != 1 {
		t.Fatalf("unexpected output %+v", out)
	}
	if old := out.Diff.Actions[0].Old.Base(); old.Version != 1 {
		t.Errorf("old version = %d, want 1", old.Version)
	}

	svc.diffErr = fmt.Errorf("resolve way 5: %w", adiff.ErrNotFoundAsOf)
	result, err = r.HandleGetAugmentedDiff(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	assertErrorCode(t, result, string(core.ErrNotFound))

	result, _ = r.HandleGetAugmentedDiff(ctx, callRequest("get_augmented_diff", map[string]any{"workspace": 1.0, "changeset": 1.5}))
	assertErrorCode(t, result, string(core.ErrInvalidInput))
}

func TestHandleGetElements(t *testing.T) {
	svc := newFakeService()
	r := NewRegistry(svc, nil)
	ctx := context.Background()

	result, err := r.HandleGetElements(ctx, callRequest("get_elements", map[string]any{"workspace": 3.0, "type": "way", "refs": "5, 6v2"}))
	if err != nil {
		t.Fatal(err)
	}
	var out GetElementsOutput
	assertSuccess(t, result, &out)
	if len(out.Elements) != 2 || out.Elements[0].Type() != osm.TypeWay {
		t.Fatalf("unexpected output %+v", out)
	}
	if v := out.Elements[1].Base().Version; v != 2 {
		t.Errorf("versioned ref returned version %d, want 2", v)
	}
	if svc.lastWS != 3 || osm.JoinRefs(svc.lastRefs) != "5,6v2" {
		t.Errorf("service got workspace %d refs %v", svc.lastWS, svc.lastRefs)
	}

	tests := []struct {
		name string
		args map[string]any
		code core.ErrorCode
	}{
		{"malformed ref", map[string]any{"workspace": 3.0, "type": "node", "refs": "5,6vx"}, core.ErrInvalidInput},
		{"empty refs", map[string]any{"workspace": 3.0, "type": "node", "refs": ""}, core.ErrInvalidInput},
		{"relation", map[string]any{"workspace": 3.0, "type": "relation", "refs": "1"}, core.ErrInvalidParameter},
		{"no workspace", map[string]any{"type": "node", "refs": "1"}, core.ErrInvalidParameter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := r.HandleGetElements(ctx, callRequest("get_elements", tt.args))
			if err != nil {
				t.Fatal(err)
			}
			assertErrorCode(t, result, string(tt.code))
		})
	}
}

func TestHandlePruneCaches(t *testing.T) {
	r := NewRegistry(newFakeService(), nil)

	result, err := r.HandlePruneCaches(context.Background(), callRequest("prune_caches", nil))
	if err != nil {
		t.Fatal(err)
	}
	var stats changesets.PruneStats
	assertSuccess(t, result, &stats)
	if stats.Changes != 2 || stats.Diffs != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestHandleGetVersion(t *testing.T) {
	result, err := HandleGetVersion(context.Background(), callRequest("get_version", nil))
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	assertSuccess(t, result, &info)
	if info["version"] == "" || info["go_version"] == "" {
		t.Errorf("incomplete version info %v", info)
	}
}

func TestWrapWithTracing(t *testing.T) {
	r := NewRegistry(newFakeService(), nil)

	calls := 0
	handler := r.wrapWithTracing("sample_tool", func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		calls++
		return mcp.NewToolResultText(`{"ok":true}`), nil
	})

	result, err := handler(context.Background(), callRequest("sample_tool", nil))
	if err != nil {
		t.Fatal(err)
	}
	if calls != 1 || resultText(t, result) != `{"ok":true}` {
		t.Errorf("wrapped handler changed the result: calls=%d", calls)
	}
}
