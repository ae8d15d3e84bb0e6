// cmd/test-encode is a standalone CLI for exercising the resize and
// size-budget encode pipeline against local files, without the full
// server.
//
// Usage:
//   ./test-encode -input photo.jpg -output out.jpg -width 1200 -height 1200
//   ./test-encode -input photo.jpg -budget 200000 -v
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/mediakit/imagestudio/internal/encode"
)

func main() {
	input := flag.String("input", "", "Input image path (required)")
	output := flag.String("output", "", "Output path (default: input_studio.<format>)")
	format := flag.String("format", "jpg", "Output format: jpg or png")
	width := flag.Int("width", 0, "Target width in pixels (0 keeps the original)")
	height := flag.Int("height", 0, "Target height in pixels (0 keeps the original)")
	budget := flag.Int64("budget", 0, "Byte budget for the encoded result (0 disables)")
	verbose := flag.Bool("v", false, "Verbose output")

	flag.Parse()

	if *input == "" {
		fmt.Println("Error: -input flag is required")
		flag.Usage()
		os.Exit(1)
	}

	raw, err := os.ReadFile(*input)
	if err != nil {
		log.Fatalf("read input: %v", err)
	}

	img, err := encode.Decode(raw)
	if err != nil {
		log.Fatalf("decode input: %v", err)
	}
	bounds := img.Bounds()
	if *verbose {
		fmt.Printf("input: %s (%dx%d, %d bytes)\n", *input, bounds.Dx(), bounds.Dy(), len(raw))
	}

	start := time.Now()
	img = encode.FitTarget(img, *width, *height)
	res, err := encode.Encode(img, encode.FormatFromName(*format), *budget)
	if err != nil {
		log.Fatalf("encode: %v", err)
	}
	elapsed := time.Since(start)

	out := *output
	if out == "" {
		ext := filepath.Ext(*input)
		out = (*input)[:len(*input)-len(ext)] + "_studio." + string(res.Format)
	}
	if err := os.WriteFile(out, res.Data, 0o644); err != nil {
		log.Fatalf("write output: %v", err)
	}

	fmt.Printf("wrote %s: %dx%d %s, %d bytes in %v\n",
		out, res.Width, res.Height, res.Format, len(res.Data), elapsed.Round(time.Millisecond))
	if *budget > 0 {
		if res.WithinBudget {
			fmt.Printf("budget met after %d iteration(s)\n", res.Iterations)
		} else {
			fmt.Printf("budget NOT met after %d iteration(s); closest result kept\n", res.Iterations)
		}
	}
}
