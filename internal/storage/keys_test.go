package storage

import "testing"

func TestObjectKeyShape(t *testing.T) {
	got := ObjectKey("image-studio", "SKU123", "SKU123_1", 1700000000, "png")
	want := "image-studio/SKU123/SKU123_1_1700000000.png"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestObjectKeySanitizesSegments(t *testing.T) {
	got := ObjectKey("ns", "a/b c", "x.y", 7, ".jpg")
	want := "ns/a_b_c/x_y_7.jpg"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestSanitizeSegmentEmpty(t *testing.T) {
	if got := SanitizeSegment(""); got != "_" {
		t.Fatalf("got %q", got)
	}
}

func TestObjectURLPrefersPublicBase(t *testing.T) {
	s := &S3Store{opts: S3Options{Bucket: "b", Endpoint: "https://acc.r2.cloudflarestorage.com", PublicBaseURL: "https://cdn.example.com/"}}
	if got := s.ObjectURL("ns/k/f_1.png"); got != "https://cdn.example.com/ns/k/f_1.png" {
		t.Fatalf("got %q", got)
	}
}

func TestObjectURLFallsBackToEndpoint(t *testing.T) {
	s := &S3Store{opts: S3Options{Bucket: "b", Endpoint: "https://acc.r2.cloudflarestorage.com"}}
	if got := s.ObjectURL("k"); got != "https://acc.r2.cloudflarestorage.com/b/k" {
		t.Fatalf("got %q", got)
	}
}
