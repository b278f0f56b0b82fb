package telemetry

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// stepClock returns a clock advancing one minute per call, starting at t0.
func stepClock() func() time.Time {
	n := 0
	return func() time.Time {
		n++
		return t0.Add(time.Duration(n-1) * time.Minute)
	}
}

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func newTestRecorder(store Store) *Recorder {
	return NewRecorder(store, WithClock(stepClock()), WithIDs(seqIDs()))
}

func TestRecorder_SessionLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewMemoryStore()
	rec := newTestRecorder(store)

	sess, err := rec.StartSession(ctx, Session{Type: SessionConsultation, PatientName: "张三", Status: StatusCompleted})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if sess.ID != "id-1" || sess.Status != StatusActive || !sess.StartedAt.Equal(t0) {
		t.Fatalf("session = %+v, want id-1 active at t0", sess)
	}

	if err := rec.EndSession(ctx, sess.ID, StatusCompleted); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Status != StatusCompleted || !got.EndedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("ended session = %+v", got)
	}

	if err := rec.EndSession(ctx, "missing", StatusCompleted); !errors.Is(err, ErrNotFound) {
		t.Fatalf("EndSession(missing) = %v, want ErrNotFound", err)
	}
	if err := rec.EndSession(ctx, sess.ID, StatusActive); err == nil {
		t.Fatal("EndSession(active) succeeded, want error")
	}
}

func TestRecorder_RejectsInvalidInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := newTestRecorder(NewMemoryStore())

	if _, err := rec.StartSession(ctx, Session{Type: "walk-in"}); err == nil {
		t.Fatal("StartSession with unknown type succeeded")
	}

	tests := []struct {
		name string
		fb   Feedback
	}{
		{"no session", Feedback{TargetType: TargetDiagnosis, Type: FeedbackAdopted}},
		{"unknown target", Feedback{SessionID: "s", TargetType: "prescription", Type: FeedbackAdopted}},
		{"unknown type", Feedback{SessionID: "s", TargetType: TargetDiagnosis, Type: "meh"}},
		{"rating too high", Feedback{SessionID: "s", TargetType: TargetDiagnosis, Type: FeedbackPositive, Rating: 6}},
	}
	for _, tt := range tests {
		if _, err := rec.SaveFeedback(ctx, tt.fb); err == nil {
			t.Errorf("%s: SaveFeedback succeeded, want error", tt.name)
		}
	}
}

// failingStore fails every write.
type failingStore struct {
	*MemoryStore
}

var errDisk = errors.New("disk full")

func (failingStore) SaveMessage(context.Context, Message) error { return errDisk }
func (failingStore) SaveOperation(context.Context, OperationLog) error { return errDisk }
func (failingStore) SaveMetric(context.Context, Metric) error { return errDisk }
func (failingStore) SaveRecommendation(context.Context, Recommendation) error { return errDisk }

func TestRecorder_DeliveryContract(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	rec := newTestRecorder(failingStore{NewMemoryStore()})

	if _, err := rec.SaveMessage(ctx, Message{SessionID: "s", Role: "user", Content: "头痛"}); !errors.Is(err, errDisk) {
		t.Fatalf("SaveMessage err = %v, want disk error surfaced", err)
	}
	if _, err := rec.SaveRecommendation(ctx, Recommendation{SessionID: "s"}); !errors.Is(err, errDisk) {
		t.Fatalf("SaveRecommendation err = %v, want disk error surfaced", err)
	}

	// Best-effort writes swallow the error.
	rec.LogOperation(ctx, OperationLog{Type: "record", Name: "generate", Success: true})
	rec.RecordMetric(ctx, Metric{Type: "llm_latency", Value: 120, Unit: "ms"})
}

func TestRecorder_BestEffortSurvivesCancelledContext(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	rec := newTestRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec.LogOperation(ctx, OperationLog{Type: "speech", Name: "transcribe", Success: false})
	rec.RecordMetric(ctx, Metric{Type: "api_latency", Value: 8, Unit: "ms"})

	if ops := store.Operations(); len(ops) != 1 || ops[0].ID == "" || ops[0].Name != "transcribe" {
		t.Fatalf("operations = %+v", ops)
	}
	if ms := store.Metrics(); len(ms) != 1 || ms[0].Value != 8 {
		t.Fatalf("metrics = %+v", ms)
	}
}

// seed creates two sessions, messages and feedback through rec.
func seed(t *testing.T, rec *Recorder) (first, second Session) {
	t.Helper()
	ctx := context.Background()
	var err error
	if first, err = rec.StartSession(ctx, Session{Type: SessionConsultation}); err != nil {
		t.Fatal(err)
	}
	if second, err = rec.StartSession(ctx, Session{Type: SessionChat}); err != nil {
		t.Fatal(err)
	}
	for _, content := range []string{"咳嗽三天", "有发热吗"} {
		if _, err := rec.SaveMessage(ctx, Message{SessionID: first.ID, Role: "user", Content: content}); err != nil {
			t.Fatal(err)
		}
	}
	for _, fb := range []Feedback{
		{SessionID: first.ID, TargetType: TargetDiagnosis, TargetID: "J06.9", Type: FeedbackAdopted, Rating: 5},
		{SessionID: first.ID, TargetType: TargetMedication, TargetID: "m1", Type: FeedbackModified, Rating: 3},
		{SessionID: second.ID, TargetType: TargetMessage, TargetID: "x", Type: FeedbackPositive},
		{SessionID: second.ID, TargetType: TargetMessage, TargetID: "y", Type: FeedbackNegative},
	} {
		if _, err := rec.SaveFeedback(ctx, fb); err != nil {
			t.Fatal(err)
		}
	}
	if err := rec.EndSession(ctx, first.ID, StatusCompleted); err != nil {
		t.Fatal(err)
	}
	return first, second
}

func TestRecorder_Stats(t *testing.T) {
	t.Parallel()
	rec := newTestRecorder(NewMemoryStore())
	seed(t, rec)

	st, err := rec.Stats(context.Background(), Range{})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	s := st.Sessions
	if s.Total != 2 || s.Active != 1 || s.Completed != 1 || s.Messages != 2 {
		t.Errorf("session stats = %+v", s)
	}
	if s.ByType[SessionConsultation] != 1 || s.ByType[SessionChat] != 1 {
		t.Errorf("sessions by type = %v", s.ByType)
	}
	// first started at t0 and ended at t0+8m.
	if s.AvgDurationMS != float64((8 * time.Minute).Milliseconds()) {
		t.Errorf("AvgDurationMS = %v, want 480000", s.AvgDurationMS)
	}

	f := st.Feedback
	if f.Total != 4 || f.Adopted != 1 || f.Modified != 1 || f.Positive != 1 || f.Negative != 1 {
		t.Errorf("feedback stats = %+v", f)
	}
	if f.PositiveRate != 0.25 || f.AdoptionRate != 0.25 || f.AvgRating != 4 {
		t.Errorf("rates = %v/%v avg %v, want 0.25/0.25 avg 4", f.PositiveRate, f.AdoptionRate, f.AvgRating)
	}
	if f.ByTarget[TargetMessage] != 2 {
		t.Errorf("feedback by target = %v", f.ByTarget)
	}
}

func TestStats_EmptyRange(t *testing.T) {
	t.Parallel()
	rec := newTestRecorder(NewMemoryStore())
	seed(t, rec)

	st, err := rec.Stats(context.Background(), Range{From: t0.Add(24 * time.Hour)})
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Sessions.Total != 0 || st.Feedback.Total != 0 || st.Feedback.PositiveRate != 0 {
		t.Fatalf("stats = %+v, want zero", st)
	}
	if st.Sessions.ByType == nil || st.Feedback.ByTarget == nil {
		t.Fatal("group maps are nil, want empty maps")
	}
}

func TestRange_Contains(t *testing.T) {
	t.Parallel()
	r := Range{From: t0, To: t0.Add(time.Hour)}
	tests := []struct {
		at   time.Time
		want bool
	}{
		{t0, true},
		{t0.Add(time.Hour), true},
		{t0.Add(-time.Second), false},
		{t0.Add(time.Hour + time.Second), false},
	}
	for _, tt := range tests {
		if got := r.Contains(tt.at); got != tt.want {
			t.Errorf("Contains(%v) = %v, want %v", tt.at, got, tt.want)
		}
	}
	if !(Range{}).Contains(t0) {
		t.Error("open range should contain everything")
	}
}

func TestExport_JSON(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	first, _ := seed(t, newTestRecorder(store))

	var buf bytes.Buffer
	rng := Range{From: t0, To: t0.Add(30 * time.Second)}
	if err := Export(context.Background(), store, FormatJSON, rng, t0.Add(time.Hour), &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}

	var doc struct {
		ExportDate int64 `json:"exportDate"`
		Format     string
		DateRange  struct{ Start, End *int64 }
		Sessions   []Session
		Messages   []Message
		Feedbacks  []Feedback
	}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v\n%s", err, buf.String())
	}
	if doc.Format != "json" || doc.DateRange.Start == nil || *doc.DateRange.Start != t0.Unix() {
		t.Errorf("header = %+v", doc)
	}
	if len(doc.Sessions) != 1 || doc.Sessions[0].ID != first.ID {
		t.Fatalf("sessions = %+v, want only the first", doc.Sessions)
	}
	if len(doc.Messages) != 2 || len(doc.Feedbacks) != 2 {
		t.Errorf("messages = %d, feedbacks = %d; want 2 and 2", len(doc.Messages), len(doc.Feedbacks))
	}
}

func TestExport_CSV(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	seed(t, newTestRecorder(store))

	var buf bytes.Buffer
	if err := Export(context.Background(), store, FormatCSV, Range{}, t0, &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	kinds := map[string]int{}
	for _, r := range rows[1:] {
		kinds[r[0]]++
	}
	if rows[0][0] != "kind" || kinds["session"] != 2 || kinds["message"] != 2 || kinds["feedback"] != 4 {
		t.Fatalf("header %v, kinds %v", rows[0], kinds)
	}
}

func TestParseFormat(t *testing.T) {
	t.Parallel()
	if f, err := ParseFormat(" CSV "); err != nil || f != FormatCSV {
		t.Fatalf("ParseFormat(CSV) = %q, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatal("ParseFormat(xml) succeeded")
	}
}

func TestFileSink(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "exports")
	store := NewMemoryStore()
	seed(t, newTestRecorder(store))

	loc, err := ExportTo(context.Background(), store, &FileSink{Dir: dir}, FormatJSON, Range{}, t0)
	if err != nil {
		t.Fatalf("ExportTo: %v", err)
	}
	if filepath.Base(loc) != "medscribe-export-20260301T090000Z.json" {
		t.Errorf("location = %q", loc)
	}
	data, err := os.ReadFile(loc)
	if err != nil || !json.Valid(data) {
		t.Fatalf("read export: %v", err)
	}
}

type fakePutter struct {
	in   *s3.PutObjectInput
	body []byte
	err  error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.in = in
	f.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, f.err
}

func TestS3Sink(t *testing.T) {
	t.Parallel()
	putter := &fakePutter{}
	sink := NewS3SinkWithClient(putter, "clinic-exports", "medscribe/2026")

	loc, err := sink.Put(context.Background(), "a.csv", FormatCSV.ContentType(), []byte("kind\n"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if loc != "s3://clinic-exports/medscribe/2026/a.csv" {
		t.Errorf("location = %q", loc)
	}
	if *putter.in.Bucket != "clinic-exports" || *putter.in.Key != "medscribe/2026/a.csv" || !strings.HasPrefix(*putter.in.ContentType, "text/csv") {
		t.Errorf("input = bucket %q key %q type %q", *putter.in.Bucket, *putter.in.Key, *putter.in.ContentType)
	}
	if string(putter.body) != "kind\n" {
		t.Errorf("body = %q", putter.body)
	}

	putter.err = errors.New("access denied")
	if _, err := sink.Put(context.Background(), "b.csv", "text/csv", nil); err == nil {
		t.Fatal("Put succeeded with failing client")
	}
}

func TestNewS3Sink_RequiresBucket(t *testing.T) {
	t.Parallel()
	if _, err := NewS3Sink(context.Background(), S3Config{Region: "cn-north-1"}); err == nil {
		t.Fatal("NewS3Sink without bucket succeeded")
	}
}
