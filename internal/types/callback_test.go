package types_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ghettovoice/sipua/internal/types"
)

func TestCallbackManager(t *testing.T) {
	t.Parallel()

	var m types.CallbackManager[func() string]
	m.Add(func() string { return "a" })
	rm := m.Add(func() string { return "b" })
	m.Add(func() string { return "c" })

	collect := func() []string {
		var out []string
		for fn := range m.All() {
			out = append(out, fn())
		}
		return out
	}

	if diff := cmp.Diff(collect(), []string{"a", "b", "c"}); diff != "" {
		t.Fatalf("callbacks mismatch (-got +want):\n%v", diff)
	}

	rm()
	rm()

	if diff := cmp.Diff(collect(), []string{"a", "c"}); diff != "" {
		t.Fatalf("callbacks after remove mismatch (-got +want):\n%v", diff)
	}
	if got, want := m.Len(), 2; got != want {
		t.Fatalf("m.Len() = %d, want %d", got, want)
	}
}
