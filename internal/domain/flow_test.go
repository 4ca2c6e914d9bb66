package domain

import (
	"strings"
	"testing"
	"time"
)

func TestNewFlowGraphValidates(t *testing.T) {
	nodes := []*FlowNode{
		{ID: "start", Type: NodeTypeStart, Transitions: []Transition{{Condition: "always", TargetNodeID: "end"}}},
		{ID: "end", Type: NodeTypeEnding},
	}
	g, err := NewFlowGraph("flow-1", nodes)
	if err != nil {
		t.Fatalf("NewFlowGraph: %v", err)
	}
	if g.StartNodeID != "start" {
		t.Errorf("start node = %q", g.StartNodeID)
	}
	if g.Len() != 2 {
		t.Errorf("len = %d, want 2", g.Len())
	}
	if g.Node("missing") != nil {
		t.Error("unknown node id should return nil")
	}
}

func TestNewFlowGraphRejectsBadGraphs(t *testing.T) {
	cases := []struct {
		name    string
		nodes   []*FlowNode
		wantErr string
	}{
		{
			name:    "empty",
			nodes:   nil,
			wantErr: "no nodes",
		},
		{
			name:    "missing start",
			nodes:   []*FlowNode{{ID: "a", Type: NodeTypeEnding}},
			wantErr: "missing start",
		},
		{
			name: "duplicate ids",
			nodes: []*FlowNode{
				{ID: "start", Type: NodeTypeStart},
				{ID: "start", Type: NodeTypeEnding},
			},
			wantErr: "duplicate node id",
		},
		{
			name: "multiple starts",
			nodes: []*FlowNode{
				{ID: "a", Type: NodeTypeStart},
				{ID: "b", Type: NodeTypeStart},
			},
			wantErr: "multiple start nodes",
		},
		{
			name: "dangling transition",
			nodes: []*FlowNode{
				{ID: "start", Type: NodeTypeStart, Transitions: []Transition{{Condition: "go", TargetNodeID: "ghost"}}},
			},
			wantErr: "unknown node",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewFlowGraph("flow-1", tc.nodes)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestAppendTurnBoundsHistory(t *testing.T) {
	s := NewCallSession("call-1", "agent-1", "flow-1", "start", 3)
	for _, text := range []string{"one", "two", "three", "four", "five"} {
		s.AppendTurn(SpeakerUser, text)
	}
	if len(s.History) != 3 {
		t.Fatalf("history = %d turns, want the window capped at 3", len(s.History))
	}
	if s.History[0].Content != "three" {
		t.Errorf("oldest kept turn = %q, want three", s.History[0].Content)
	}
}

func TestMarkSilenceStartIsIdempotentWhileSpeaking(t *testing.T) {
	s := NewCallSession("call-1", "agent-1", "flow-1", "start", 10)

	s.AgentSpeaking = true
	s.MarkSilenceStart(s.CallStartedAt)
	if s.SilenceStartedAt != nil {
		t.Fatal("silence opened while the agent was speaking")
	}

	s.AgentSpeaking = false
	s.MarkSilenceStart(s.CallStartedAt)
	first := s.SilenceStartedAt
	s.MarkSilenceStart(s.CallStartedAt.Add(time.Minute))
	if s.SilenceStartedAt != first {
		t.Fatal("an open episode was restarted by a later mark")
	}
}
