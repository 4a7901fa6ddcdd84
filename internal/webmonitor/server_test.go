package webmonitor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/formcheck/analysis-server/internal/logger"
	"github.com/dj-oyu/formcheck/analysis-server/internal/metrics"
	"github.com/dj-oyu/formcheck/analysis-server/internal/posefeed"
	"github.com/dj-oyu/formcheck/analysis-server/internal/recorder"
	"github.com/dj-oyu/formcheck/analysis-server/internal/report"
	"github.com/dj-oyu/formcheck/analysis-server/internal/session"
	"github.com/dj-oyu/formcheck/analysis-server/pkg/types"
)

type testEnv struct {
	srv      *Server
	session  *session.Session
	handler  http.Handler
	metrics  *metrics.Metrics
	recorder *recorder.Recorder
	cfg      Config
}

func newTestEnv(t *testing.T, withRecorder bool) *testEnv {
	t.Helper()
	m := metrics.New()
	sess := session.New(session.Options{
		Metrics: m,
		Logger:  logger.New(logger.SILENT, nil, false),
	})

	cfg := DefaultConfig()
	cfg.FrameWidth, cfg.FrameHeight = 160, 120
	cfg.ReportDir = filepath.Join(t.TempDir(), "reports")
	cfg.RecordingDir = filepath.Join(t.TempDir(), "recordings")

	opts := Options{Session: sess, Metrics: m}
	var rec *recorder.Recorder
	if withRecorder {
		rec = recorder.NewRecorder(cfg.RecordingDir, posefeed.JSONLines, m)
		opts.Recorder = rec
	}

	srv, err := NewServer(cfg, opts)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, session: sess, handler: srv.Handler(), metrics: m, recorder: rec, cfg: cfg}
}

func (e *testEnv) do(t *testing.T, method, target string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// pushupPerson places the shoulder d to the right of the elbow.
func pushupPerson(tsMs float64, d float64) types.Person {
	dy := -0.01
	if d < 0.1 {
		dy = 0.01
	}
	return types.Person{
		TimestampMs: tsMs,
		Keypoints: map[types.Keypoint]types.Position{
			types.LeftElbow:    {X: 0.3, Y: 0.5},
			types.LeftShoulder: {X: 0.3 + d, Y: 0.5 + dy},
			types.LeftWrist:    {X: 0.3, Y: 0.8},
		},
	}
}

// postPushupSet posts a track with two reps and returns the last response body.
func (e *testEnv) postPushupSet(t *testing.T) map[string]any {
	t.Helper()
	series := []float64{0.5, 0.3, 0.05, 0.04, 0.3, 0.5, 0.06, 0.5}
	var last map[string]any
	for i, d := range series {
		data, err := json.Marshal(pushupPerson(float64(i*100), d))
		if err != nil {
			t.Fatalf("marshal person: %v", err)
		}
		rec := e.do(t, http.MethodPost, "/api/frames", data, "application/json")
		if rec.Code != http.StatusOK {
			t.Fatalf("POST /api/frames #%d status = %d body=%s", i, rec.Code, rec.Body.String())
		}
		last = decodeJSONMap(t, rec.Body.Bytes())
	}
	return last
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func TestIndex(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET / status = %d", rec.Code)
	}
	if !strings.Contains(rec.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("GET / content-type = %q", rec.Header().Get("Content-Type"))
	}
	for _, needle := range []string{"/stream", "/api/analysis/stream", "/api/webrtc/offer"} {
		if !strings.Contains(rec.Body.String(), needle) {
			t.Fatalf("index missing %q", needle)
		}
	}

	if rec := env.do(t, http.MethodGet, "/nope", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("GET /nope status = %d", rec.Code)
	}
}

func TestPostFramesBuildsReps(t *testing.T) {
	env := newTestEnv(t, false)
	out := env.postPushupSet(t)

	requireString(t, out["sessionId"], "sessionId")
	if frames := requireNumber(t, out["frames"], "frames"); frames != 8 {
		t.Fatalf("frames = %v", frames)
	}
	reps := requireSlice(t, out["reps"], "reps")
	analyses := requireSlice(t, out["repsAnalysis"], "repsAnalysis")
	if len(reps) != 2 || len(analyses) != 2 {
		t.Fatalf("reps=%d analyses=%d", len(reps), len(analyses))
	}
	first := requireMap(t, analyses[0], "repsAnalysis[0]")
	criteria := requireSlice(t, first["criteria"], "criteria")
	if len(criteria) == 0 {
		t.Fatal("rep without criteria")
	}
	c := requireMap(t, criteria[0], "criteria[0]")
	requireString(t, c["verdict"], "verdict")
}

func TestPostEmptyFrameIsAbsentTick(t *testing.T) {
	env := newTestEnv(t, false)
	for _, body := range []string{"", "null"} {
		rec := env.do(t, http.MethodPost, "/api/frames", []byte(body), "application/json")
		if rec.Code != http.StatusOK {
			t.Fatalf("POST %q status = %d", body, rec.Code)
		}
		out := decodeJSONMap(t, rec.Body.Bytes())
		if out["appended"] != false || requireNumber(t, out["frames"], "frames") != 0 {
			t.Fatalf("empty tick changed state: %v", out)
		}
	}
	if got := env.metrics.FramesAbsent.Load(); got != 2 {
		t.Fatalf("FramesAbsent = %d", got)
	}
}

func TestPostFramesRejectsBadInput(t *testing.T) {
	env := newTestEnv(t, false)

	if rec := env.do(t, http.MethodGet, "/api/frames", nil, ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /api/frames status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/frames", []byte("{"), "application/json"); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d", rec.Code)
	}
	bad := []byte(`{"timestamp": 0, "keypoints": {"tail": {"x": 0, "y": 0}}}`)
	if rec := env.do(t, http.MethodPost, "/api/frames", bad, "application/json"); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown keypoint status = %d", rec.Code)
	}
	// No detector configured for image uploads.
	if rec := env.do(t, http.MethodPost, "/api/frames?t=10", []byte{0xff, 0xd8}, "image/jpeg"); rec.Code != http.StatusNotImplemented {
		t.Fatalf("image without detector status = %d", rec.Code)
	}
}

func TestAnalysisMatchesSession(t *testing.T) {
	env := newTestEnv(t, false)
	env.postPushupSet(t)

	rec := env.do(t, http.MethodGet, "/api/analysis", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/analysis status = %d", rec.Code)
	}
	out := decodeJSONMap(t, rec.Body.Bytes())
	if got := requireString(t, out["sessionId"], "sessionId"); got != env.session.ID() {
		t.Fatalf("sessionId = %q, want %q", got, env.session.ID())
	}
	if out["appended"] != false {
		t.Fatalf("read-only query reported appended")
	}
}

func TestRender(t *testing.T) {
	env := newTestEnv(t, false)
	env.postPushupSet(t)

	rec := env.do(t, http.MethodGet, "/api/render?t=250", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/render status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("render content-type = %q", ct)
	}
	if b := rec.Body.Bytes(); len(b) < 2 || b[0] != 0xff || b[1] != 0xd8 {
		t.Fatal("render body is not a JPEG")
	}

	rec = env.do(t, http.MethodGet, "/api/render?t=250&format=json", nil, "")
	out := decodeJSONMap(t, rec.Body.Bytes())
	if ts := requireNumber(t, out["timestamp_ms"], "timestamp_ms"); ts != 250 {
		t.Fatalf("timestamp_ms = %v", ts)
	}
	if n := requireNumber(t, out["instructions"], "instructions"); n == 0 {
		t.Fatal("no draw instructions for a frame inside the track")
	}

	if rec := env.do(t, http.MethodGet, "/api/render?t=abc", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad t status = %d", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t, false)
	env.postPushupSet(t)

	rec := env.do(t, http.MethodGet, "/api/status", nil, "")
	out := decodeJSONMap(t, rec.Body.Bytes())
	monitor := requireMap(t, out["monitor"], "monitor")
	if n := requireNumber(t, monitor["frames_ingested"], "monitor.frames_ingested"); n != 8 {
		t.Fatalf("frames_ingested = %v", n)
	}
	sess := requireMap(t, out["session"], "session")
	if reps := requireNumber(t, sess["reps"], "session.reps"); reps != 2 {
		t.Fatalf("session.reps = %v", reps)
	}
	recording := requireMap(t, out["recording"], "recording")
	if recording["recording"] != false {
		t.Fatalf("recording = %v", recording["recording"])
	}
}

func TestSessionReset(t *testing.T) {
	env := newTestEnv(t, false)
	env.postPushupSet(t)
	before := env.session.ID()

	if rec := env.do(t, http.MethodGet, "/api/session/reset", nil, ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET reset status = %d", rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/api/session/reset", nil, "")
	out := decodeJSONMap(t, rec.Body.Bytes())
	if id := requireString(t, out["sessionId"], "sessionId"); id == before {
		t.Fatal("reset kept the session ID")
	}
	if len(requireSlice(t, out["reps"], "reps")) != 0 {
		t.Fatal("reset kept reps")
	}
}

func TestReportExportAndDownload(t *testing.T) {
	env := newTestEnv(t, false)

	if rec := env.do(t, http.MethodPost, "/api/report?format=csv", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty session report status = %d", rec.Code)
	}

	env.postPushupSet(t)
	if rec := env.do(t, http.MethodPost, "/api/report?format=xlsx", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown format status = %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/api/report?format=csv", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("report status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp ReportResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Format != string(report.CSV) || resp.Reps != 2 {
		t.Fatalf("report response %+v", resp)
	}

	dl := env.do(t, http.MethodGet, resp.URL, nil, "")
	if dl.Code != http.StatusOK {
		t.Fatalf("GET %s status = %d", resp.URL, dl.Code)
	}
	if !strings.HasPrefix(dl.Body.String(), "session_id,rep,") {
		t.Fatalf("csv header %q", strings.SplitN(dl.Body.String(), "\n", 2)[0])
	}
	if !strings.Contains(dl.Header().Get("Content-Disposition"), resp.File) {
		t.Fatalf("Content-Disposition = %q", dl.Header().Get("Content-Disposition"))
	}

	if rec := env.do(t, http.MethodGet, "/reports/missing.csv", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing report status = %d", rec.Code)
	}
}

func TestRecordingLifecycle(t *testing.T) {
	env := newTestEnv(t, true)

	if rec := env.do(t, http.MethodPost, "/api/recording/stop", nil, ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("stop while idle status = %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/api/recording/start", []byte(`{"name":"set.jsonl"}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("start status = %d body=%s", rec.Code, rec.Body.String())
	}
	if file := requireString(t, decodeJSONMap(t, rec.Body.Bytes())["file"], "file"); file != "set.jsonl" {
		t.Fatalf("file = %q", file)
	}

	env.postPushupSet(t)

	rec = env.do(t, http.MethodPost, "/api/recording/stop", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop status = %d body=%s", rec.Code, rec.Body.String())
	}
	out := decodeJSONMap(t, rec.Body.Bytes())
	stats := requireMap(t, out["stats"], "stats")
	if n := requireNumber(t, stats["frame_count"], "stats.frame_count"); n != 8 {
		t.Fatalf("frame_count = %v", n)
	}

	f, err := os.Open(filepath.Join(env.cfg.RecordingDir, "set.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	persons, err := posefeed.ReadAll(f, posefeed.JSONLines)
	if err != nil {
		t.Fatal(err)
	}
	if len(persons) != 8 || persons[7].TimestampMs != 700 {
		t.Fatalf("recorded %d poses", len(persons))
	}

	dl := env.do(t, http.MethodGet, requireString(t, out["url"], "url"), nil, "")
	if dl.Code != http.StatusOK {
		t.Fatalf("download status = %d", dl.Code)
	}
}

func TestOptionalComponentsUnavailable(t *testing.T) {
	env := newTestEnv(t, false)

	if rec := env.do(t, http.MethodPost, "/api/recording/start", nil, ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("recording without recorder status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/webrtc/offer", []byte(`{}`), "application/json"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("offer without webrtc status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/webrtc/offer", nil, ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET offer status = %d", rec.Code)
	}
	rec := env.do(t, http.MethodGet, "/api/recording/status", nil, "")
	if decodeJSONMap(t, rec.Body.Bytes())["recording"] != false {
		t.Fatal("status without recorder reports recording")
	}
}

func TestChart(t *testing.T) {
	env := newTestEnv(t, false)
	env.postPushupSet(t)

	rec := env.do(t, http.MethodGet, "/api/chart", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/chart status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "echarts") || !strings.Contains(body, "Rep 1") {
		t.Fatal("chart page missing echarts or rep markers")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, false)
	env.postPushupSet(t)

	rec := env.do(t, http.MethodGet, "/metrics", nil, "")
	if !strings.Contains(rec.Body.String(), "formcheck_frames_ingested_total 8") {
		t.Fatalf("metrics body missing ingest counter:\n%s", rec.Body.String())
	}
}

func readSSEData(t *testing.T, url, accept string) (string, http.Header) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if data, ok := strings.CutPrefix(scanner.Text(), "data: "); ok {
			return data, resp.Header
		}
	}
	t.Fatalf("no sse data line: %v", scanner.Err())
	return "", nil
}

func TestAnalysisStreamSendsLatestOnConnect(t *testing.T) {
	env := newTestEnv(t, false)
	env.postPushupSet(t)

	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	data, header := readSSEData(t, ts.URL+"/api/analysis/stream", "")
	if header.Get("X-Content-Format") != "application/json" {
		t.Fatalf("X-Content-Format = %q", header.Get("X-Content-Format"))
	}
	out := decodeJSONMap(t, []byte(data))
	if len(requireSlice(t, out["reps"], "reps")) != 2 {
		t.Fatalf("event reps = %v", out["reps"])
	}

	data, header = readSSEData(t, ts.URL+"/api/analysis/stream", "application/x-protobuf")
	if header.Get("X-Content-Format") != "application/protobuf" {
		t.Fatalf("X-Content-Format = %q", header.Get("X-Content-Format"))
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		t.Fatal(err)
	}
	var st structpb.Struct
	if err := proto.Unmarshal(raw, &st); err != nil {
		t.Fatal(err)
	}
	if st.Fields["sessionId"].GetStringValue() != env.session.ID() {
		t.Fatalf("protobuf sessionId = %v", st.Fields["sessionId"])
	}
}

func TestAnalysisBroadcasterSkipsNoopTicks(t *testing.T) {
	m := metrics.New()
	ab := NewAnalysisBroadcaster(m)
	id, ch := ab.Subscribe()
	defer ab.Unsubscribe(id)

	ab.OnUpdate(session.Update{Outputs: session.Outputs{SessionID: "a"}})
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.JSONData)
	default:
	}

	ab.OnUpdate(session.Update{Outputs: session.Outputs{SessionID: "a"}, Reset: true})
	ev := <-ch
	if !bytes.Contains(ev.JSONData, []byte(`"reset":true`)) {
		t.Fatalf("reset event %s", ev.JSONData)
	}
	if m.SSEClients.Load() != 1 {
		t.Fatalf("SSEClients = %d", m.SSEClients.Load())
	}
}

func TestMonitorFPS(t *testing.T) {
	mon := NewMonitor(metrics.New())
	base := time.Unix(0, 0)
	var i int
	mon.now = func() time.Time { return base.Add(time.Duration(i) * 100 * time.Millisecond) }

	pose := &types.PoseFrame{}
	for i = 0; i < 2*fpsWindow; i++ {
		mon.OnUpdate(session.Update{Outputs: session.Outputs{Appended: true}, Pose: pose})
	}
	if fps := mon.Snapshot().CurrentFPS; fps < 9.99 || fps > 10.01 {
		t.Fatalf("fps = %v, want 10", fps)
	}

	mon.OnUpdate(session.Update{Reset: true})
	if fps := mon.Snapshot().CurrentFPS; fps != 0 {
		t.Fatalf("fps after reset = %v", fps)
	}
}

func TestPlaybackTimestampLoops(t *testing.T) {
	track := []types.PoseFrame{
		{Timestamp: 100 * time.Millisecond},
		{Timestamp: 200 * time.Millisecond},
		{Timestamp: 300 * time.Millisecond},
	}
	gap := 100 * time.Millisecond
	tests := []struct {
		elapsed time.Duration
		rate    float64
		want    time.Duration
	}{
		{0, 1, 100 * time.Millisecond},
		{150 * time.Millisecond, 1, 250 * time.Millisecond},
		{300 * time.Millisecond, 1, 100 * time.Millisecond},
		{100 * time.Millisecond, 2, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%v@%v", tt.elapsed, tt.rate), func(t *testing.T) {
			got, ok := playbackTimestamp(track, tt.elapsed, tt.rate, gap)
			if !ok || got != tt.want {
				t.Fatalf("playbackTimestamp = %v, %v; want %v", got, ok, tt.want)
			}
		})
	}

	if _, ok := playbackTimestamp(nil, time.Second, 1, gap); ok {
		t.Fatal("empty track produced a timestamp")
	}
}

func TestStreamRejectsBadRate(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(t, http.MethodGet, "/stream?rate=-1", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	_, _ = io.Copy(io.Discard, rec.Body)
}
