package posefeed

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dj-oyu/formcheck/analysis-server/pkg/types"
)

// Replay serves recorded records as detector output, one per frame sequence
// number.
type Replay struct {
	records []*types.Person
}

// NewReplay wraps decoded records.
func NewReplay(records []*types.Person) *Replay {
	return &Replay{records: records}
}

// Open loads a feed file, picking the format from its extension.
func Open(path string) (*Replay, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := ReadAll(f, format)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return NewReplay(records), nil
}

// Len returns the number of ticks in the feed.
func (r *Replay) Len() int {
	return len(r.records)
}

// FindPersons returns the record for frame.Seq. Past the end of the feed it
// returns io.EOF.
func (r *Replay) FindPersons(ctx context.Context, frame types.VideoFrame) ([]types.Person, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame.Seq >= uint64(len(r.records)) {
		return nil, io.EOF
	}
	p := r.records[frame.Seq]
	if p == nil {
		return nil, nil
	}
	return []types.Person{*p}, nil
}

// Frame returns the video frame that replays tick seq. Empty ticks reuse the
// previous record's timestamp.
func (r *Replay) Frame(seq int) types.VideoFrame {
	frame := types.VideoFrame{Seq: uint64(seq)}
	for i := seq; i >= 0 && i < len(r.records); i-- {
		if p := r.records[i]; p != nil {
			frame.Timestamp = time.Duration(p.TimestampMs * float64(time.Millisecond))
			break
		}
	}
	return frame
}

// Play feeds every tick to process in order. With speed > 0 ticks are paced
// by their recorded timestamps divided by speed; otherwise they run back to
// back. Play stops at the first error from process or when ctx is done.
func (r *Replay) Play(ctx context.Context, speed float64, process func(context.Context, types.VideoFrame) error) error {
	start := time.Now()
	for seq := range r.records {
		frame := r.Frame(seq)
		if speed > 0 {
			due := start.Add(time.Duration(float64(frame.Timestamp) / speed))
			if wait := time.Until(due); wait > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := process(ctx, frame); err != nil {
			return fmt.Errorf("tick %d: %w", seq, err)
		}
	}
	return nil
}
