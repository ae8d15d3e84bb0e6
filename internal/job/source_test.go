package job

import "testing"

func TestStem(t *testing.T) {
	cases := []struct {
		src  Source
		want string
	}{
		{Source{Name: "SKU123_1.jpg"}, "SKU123_1"},
		{Source{Name: "photo.final.png"}, "photo.final"},
		{Source{URL: "https://cdn.example.com/a/b/SKU9_2.webp?sig=abc"}, "SKU9_2"},
		{Source{Name: "noext"}, "noext"},
		{Source{}, ""},
	}
	for _, c := range cases {
		if got := c.src.Stem(); got != c.want {
			t.Errorf("Stem(%+v) = %q, want %q", c.src, got, c.want)
		}
	}
}

func TestDefaultIsPrimary(t *testing.T) {
	if !DefaultIsPrimary(Source{Name: "SKU123_1.jpg"}) {
		t.Error("stem ending in _1 should be primary")
	}
	if DefaultIsPrimary(Source{Name: "SKU123_10.jpg"}) {
		t.Error("_10 suffix must not match")
	}
	if DefaultIsPrimary(Source{Name: "SKU123_2.jpg"}) {
		t.Error("_2 suffix must not match")
	}
	if DefaultIsPrimary(Source{}) {
		t.Error("empty source must not match")
	}
}

func TestSelectPrimaryPrefersPredicateMatch(t *testing.T) {
	sources := []Source{
		{Name: "b_3.jpg", URL: "u3"},
		{Name: "a_1.jpg", URL: "u1"},
		{Name: "c_2.jpg", URL: "u2"},
	}
	got, ok := SelectPrimary(sources, nil)
	if !ok || got.Name != "a_1.jpg" {
		t.Fatalf("SelectPrimary = %+v, ok=%v", got, ok)
	}
}

func TestSelectPrimaryFallsBackToFirstByName(t *testing.T) {
	sources := []Source{
		{Name: "zz_9.jpg"},
		{Name: "mm_7.jpg"},
		{Name: "aa_3.jpg"},
	}
	got, ok := SelectPrimary(sources, nil)
	if !ok || got.Name != "aa_3.jpg" {
		t.Fatalf("SelectPrimary = %+v, ok=%v", got, ok)
	}
}

func TestSelectPrimaryIsDeterministic(t *testing.T) {
	a := []Source{{Name: "p_2.jpg"}, {Name: "p_1.jpg"}, {Name: "p_3.jpg"}}
	b := []Source{{Name: "p_3.jpg"}, {Name: "p_2.jpg"}, {Name: "p_1.jpg"}}
	ga, _ := SelectPrimary(a, nil)
	gb, _ := SelectPrimary(b, nil)
	if ga != gb {
		t.Fatalf("selection depends on input order: %+v vs %+v", ga, gb)
	}
	// The input slices themselves stay untouched.
	if a[0].Name != "p_2.jpg" {
		t.Fatal("SelectPrimary mutated its input")
	}
}

func TestSelectPrimaryEmpty(t *testing.T) {
	if _, ok := SelectPrimary(nil, nil); ok {
		t.Fatal("expected ok=false for empty source list")
	}
}
