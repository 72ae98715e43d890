package parse

import (
	"testing"

	"github.com/memlattice/profilememory/pkg/profile/model"
)

func TestParseUpdateSimpleAdd(t *testing.T) {
	resp := `{"1":{"command":"add","feature":"likes","tag":"pets","value":"dogs"}}`
	res, err := ParseUpdate(resp)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(res.Commands))
	}
	c := res.Commands[0]
	if c.Kind != model.CommandAdd || c.Feature != "likes" || c.Tag != "pets" || c.Value != "dogs" {
		t.Fatalf("unexpected command: %+v", c)
	}
}

func TestParseUpdateDeleteThenAddOrderPreserved(t *testing.T) {
	resp := `{"1":{"command":"delete","feature":"tone","tag":"w"}, "2":{"command":"add","feature":"tone","tag":"w","value":"formal"}}`
	res, err := ParseUpdate(resp)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Commands) != 2 {
		t.Fatalf("expected 2 commands, got %d", len(res.Commands))
	}
	if res.Commands[0].Kind != model.CommandDelete || res.Commands[1].Kind != model.CommandAdd {
		t.Fatalf("expected delete before add, got %+v", res.Commands)
	}
}

func TestParseUpdateMalformedJSONWithRepair(t *testing.T) {
	resp := "```json\n{1: {command: 'add', feature:'x', tag:'t', value:'v',},}\n```"
	res, err := ParseUpdate(resp)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Commands) != 1 {
		t.Fatalf("expected 1 command, got %d: %+v", len(res.Commands), res.Commands)
	}
	c := res.Commands[0]
	if c.Kind != model.CommandAdd || c.Feature != "x" || c.Tag != "t" || c.Value != "v" {
		t.Fatalf("unexpected command: %+v", c)
	}
}

func TestParseUpdateThinkingTag(t *testing.T) {
	resp := "<think>reasoning</think>\n{\"1\":{\"command\":\"add\",\"feature\":\"f\",\"tag\":\"t\",\"value\":\"v\"}}"
	res, err := ParseUpdate(resp)
	if err != nil {
		t.Fatal(err)
	}
	if res.Thinking != "reasoning" {
		t.Fatalf("expected thinking to be captured, got %q", res.Thinking)
	}
	if len(res.Commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(res.Commands))
	}
}

func TestParseUpdateDropsUnknownCommand(t *testing.T) {
	resp := `{"1":{"command":"noop","feature":"f","tag":"t"}}`
	res, err := ParseUpdate(resp)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Commands) != 0 {
		t.Fatalf("expected no commands, got %+v", res.Commands)
	}
}

func TestParseUpdateUnparseableReturnsError(t *testing.T) {
	_, err := ParseUpdate("not json at all, just prose.")
	if err == nil {
		t.Fatal("expected a parse error")
	}
}

func TestParseConsolidationWellFormed(t *testing.T) {
	resp := `{"consolidate_memories":[{"tag":"t","feature":"f","value":"v","metadata":{"citations":[1,2]}}],"keep_memories":[3,4]}`
	res, err := ParseConsolidation(resp)
	if err != nil {
		t.Fatal(err)
	}
	if res.KeepAll {
		t.Fatal("did not expect keep-all")
	}
	if len(res.KeepMemories) != 2 || res.KeepMemories[0] != 3 {
		t.Fatalf("unexpected keep memories: %v", res.KeepMemories)
	}
	if len(res.ConsolidateMemories) != 1 {
		t.Fatalf("expected 1 consolidate memory, got %d", len(res.ConsolidateMemories))
	}
}

func TestParseConsolidationMissingKeepMemoriesIsKeepAll(t *testing.T) {
	resp := `{"consolidate_memories":[]}`
	res, err := ParseConsolidation(resp)
	if err != nil {
		t.Fatal(err)
	}
	if !res.KeepAll {
		t.Fatal("expected keep-all when keep_memories is missing")
	}
}
