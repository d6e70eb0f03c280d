package schema

import (
	"reflect"
	"testing"
)

func TestExpandWholeValueToken(t *testing.T) {
	t.Parallel()
	reg := NewProviderRegistry()
	reg.RegisterValue("CACHE_ROOT", "/var/cache/inkdeck")
	reg.RegisterValue("MAX_ITEMS", 25)

	sc := Schema{
		"cache_dir": {Type: TypeString, Default: "${CACHE_ROOT}"},
		"limit":     {Type: TypeInt, Default: "${MAX_ITEMS}"},
	}

	out, unknown, err := reg.Expand(sc)
	if err != nil {
		t.Fatalf("Expand error: %v", err)
	}
	if len(unknown) != 0 {
		t.Fatalf("unknown tokens = %v, want none", unknown)
	}
	if got := out["cache_dir"].Default; got != "/var/cache/inkdeck" {
		t.Fatalf("cache_dir default = %v", got)
	}
	// Whole-value tokens keep the provider's type.
	if got := out["limit"].Default; got != 25 {
		t.Fatalf("limit default = %v (%T), want int 25", got, got)
	}
}

func TestExpandEmbeddedAndUnknown(t *testing.T) {
	t.Parallel()
	reg := NewProviderRegistry()
	reg.RegisterValue("HOST", "deck.local")

	sc := Schema{
		"endpoint": {Type: TypeString, Default: "http://${HOST}/feed"},
		"style":    {Type: TypeString, Default: "${MISSING}", Allowed: []any{"${MISSING}", "plain"}},
	}

	out, unknown, err := reg.Expand(sc)
	if err != nil {
		t.Fatalf("Expand error: %v", err)
	}
	if got := out["endpoint"].Default; got != "http://deck.local/feed" {
		t.Fatalf("endpoint default = %v", got)
	}
	// Unknown tokens stay intact and are reported once.
	if got := out["style"].Default; got != "${MISSING}" {
		t.Fatalf("style default = %v, want intact token", got)
	}
	if !reflect.DeepEqual(unknown, []string{"MISSING"}) {
		t.Fatalf("unknown = %v, want [MISSING]", unknown)
	}
}

func TestExpandDoesNotMutateInput(t *testing.T) {
	t.Parallel()
	reg := NewProviderRegistry()
	reg.RegisterValue("X", "resolved")

	sc := Schema{"k": {Type: TypeString, Default: "${X}"}}
	if _, _, err := reg.Expand(sc); err != nil {
		t.Fatalf("Expand error: %v", err)
	}
	if sc["k"].Default != "${X}" {
		t.Fatalf("input schema mutated: %v", sc["k"].Default)
	}
}

func TestLoadSchemaYAML(t *testing.T) {
	t.Parallel()
	data := []byte(`
text:
  type: str
  default: hello
  required: true
  fatal: true
  description: text to render
interval:
  type: int
  default: 30
  range:
    min: 5
    max: 3600
mode:
  type: str
  default: plain
  allowed: [plain, fancy]
`)
	sc, err := Load(data)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(sc) != 3 {
		t.Fatalf("len(schema) = %d, want 3", len(sc))
	}
	r := sc["interval"]
	if r.Type != TypeInt || r.Range == nil || *r.Range.Min != 5 || *r.Range.Max != 3600 {
		t.Fatalf("interval rule = %+v", r)
	}
	if !sc["text"].Required || !sc["text"].Fatal {
		t.Fatalf("text rule flags = %+v", sc["text"])
	}
	if got := sc["mode"].Allowed; len(got) != 2 || got[0] != "plain" {
		t.Fatalf("mode allowed = %v", got)
	}
}

func TestLoadSchemaRejectsUnknownType(t *testing.T) {
	t.Parallel()
	_, err := Load([]byte("k:\n  type: widget\n"))
	if err == nil {
		t.Fatal("expected error for unknown field type")
	}
}
