package posefeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/dj-oyu/formcheck/analysis-server/internal/logger"
	"github.com/dj-oyu/formcheck/analysis-server/pkg/types"
)

// ErrWorkerBroken is returned after a request was abandoned mid-exchange and
// the stream can no longer be trusted.
var ErrWorkerBroken = errors.New("pose worker stream out of sync")

type workerRequest struct {
	Seq         uint64  `msgpack:"seq"`
	TimestampMs float64 `msgpack:"timestamp_ms"`
	Width       int     `msgpack:"width"`
	Height      int     `msgpack:"height"`
	FrameData   []byte  `msgpack:"frame_data"`
}

type workerResponse struct {
	Persons []types.Person `msgpack:"persons"`
	Error   string         `msgpack:"error,omitempty"`
}

// Worker is a Detector that exchanges length-prefixed msgpack messages with a
// pose estimation process: one request per frame, one response per request.
type Worker struct {
	mu     sync.Mutex
	w      io.Writer
	r      io.Reader
	broken bool

	cmd *exec.Cmd
}

// NewWorker talks to an already connected peer.
func NewWorker(w io.Writer, r io.Reader) *Worker {
	return &Worker{w: w, r: r}
}

// StartWorker launches name with args and speaks the protocol over its
// stdin/stdout. The worker's stderr is forwarded to ours.
func StartWorker(ctx context.Context, name string, args ...string) (*Worker, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start pose worker %s: %w", name, err)
	}
	logger.Info("PoseWorker", "Started %s (pid %d)", name, cmd.Process.Pid)

	w := NewWorker(stdin, stdout)
	w.cmd = cmd
	return w, nil
}

// FindPersons sends frame to the worker and waits for its answer or ctx.
func (w *Worker) FindPersons(ctx context.Context, frame types.VideoFrame) ([]types.Person, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.broken {
		return nil, ErrWorkerBroken
	}

	payload, err := msgpack.Marshal(workerRequest{
		Seq:         frame.Seq,
		TimestampMs: float64(frame.Timestamp) / 1e6,
		Width:       frame.Width,
		Height:      frame.Height,
		FrameData:   frame.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal worker request: %w", err)
	}

	type result struct {
		resp workerResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		if _, err := writeFrame(w.w, payload); err != nil {
			done <- result{err: fmt.Errorf("write worker request: %w", err)}
			return
		}
		data, err := readFrame(w.r)
		if err != nil {
			done <- result{err: fmt.Errorf("read worker response: %w", err)}
			return
		}
		var resp workerResponse
		if err := msgpack.Unmarshal(data, &resp); err != nil {
			done <- result{err: fmt.Errorf("unmarshal worker response: %w", err)}
			return
		}
		done <- result{resp: resp}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			w.broken = true
			return nil, res.err
		}
		if res.resp.Error != "" {
			return nil, fmt.Errorf("pose worker: %s", res.resp.Error)
		}
		return res.resp.Persons, nil
	case <-ctx.Done():
		w.broken = true
		logger.Warn("PoseWorker", "Abandoned frame #%d: %v", frame.Seq, ctx.Err())
		return nil, ctx.Err()
	}
}

// Close stops the worker process, if this Worker started one.
func (w *Worker) Close() error {
	if c, ok := w.w.(io.Closer); ok {
		_ = c.Close()
	}
	if w.cmd == nil {
		return nil
	}
	if err := w.cmd.Wait(); err != nil {
		return fmt.Errorf("pose worker exited: %w", err)
	}
	return nil
}
