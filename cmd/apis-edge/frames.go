package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/teslashibe/apis-edge/internal/log"
	"github.com/teslashibe/apis-edge/pkg/targeting"
)

// feedDetections reads one JSON array of detections per line and sends
// each as a frame. Malformed lines are logged and skipped.
func feedDetections(ctx context.Context, path string, out chan<- []targeting.Detection) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open detections: %w", err)
		}
		defer f.Close()
		r = f
	}
	return readFrames(ctx, r, out)
}

func readFrames(ctx context.Context, r io.Reader, out chan<- []targeting.Detection) error {
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		if len(sc.Bytes()) == 0 {
			continue
		}
		var dets []targeting.Detection
		if err := json.Unmarshal(sc.Bytes(), &dets); err != nil {
			log.Warn("bad detection frame", "line", line, "error", err)
			continue
		}
		select {
		case out <- dets:
		case <-ctx.Done():
			return nil
		}
	}
	return sc.Err()
}
