package transcript

import "testing"

func TestTee_DeliversInOrderToAll(t *testing.T) {
	t.Parallel()

	var got []string
	a := func(r Result) { got = append(got, "a:"+r.Text) }
	b := func(r Result) { got = append(got, "b:"+r.Text) }

	tee := Tee(a, nil, b)
	tee(Result{Text: "one"})
	tee(Result{Text: "two"})

	want := []string{"a:one", "b:one", "a:two", "b:two"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTee_PanickingSubscriberIsIsolated(t *testing.T) {
	t.Parallel()

	var delivered int
	tee := Tee(
		func(Result) { panic("boom") },
		func(Result) { delivered++ },
	)
	tee(Result{Sequence: 1})

	if delivered != 1 {
		t.Errorf("delivered = %d, want 1", delivered)
	}
}

func TestTee_Empty(t *testing.T) {
	t.Parallel()
	Tee()(Result{})
}
