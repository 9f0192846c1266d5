package jitlog

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/launix-de/rjit/arm"
	"github.com/launix-de/rjit/guard"
	"github.com/launix-de/rjit/ir"
)

type bufCloser struct{ bytes.Buffer }

func (b *bufCloser) Close() error { return nil }

type memSink struct {
	recs   []Record
	closed bool
}

func (m *memSink) Write(recs []Record) error {
	m.recs = append(m.recs, recs...)
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

func TestTracefileIsJSON(t *testing.T) {
	var buf bufCloser
	tr := NewTrace(&buf)
	tr.Event("compile", "jit", "i")
	tr.Duration("run", "jit", func() {})
	tr.Close()
	var events []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &events); err != nil {
		t.Fatalf("trace is not JSON: %v\n%s", err, buf.String())
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[1]["ph"] != "B" || events[2]["ph"] != "E" {
		t.Errorf("duration phases: %v %v", events[1]["ph"], events[2]["ph"])
	}
}

func TestLoggerFileSink(t *testing.T) {
	dir := t.TempDir()
	l := NewLogger()
	fs, err := NewFileSink(dir, l.Session)
	if err != nil {
		t.Fatal(err)
	}
	l.AddSink(fs)
	loop := ir.NewTokenArena().NewCell("loop0")
	d := ir.NewFailDescr("g1")
	l.Code(arm.Event{Kind: "loop", Loop: loop, Addr: 0x8000, Size: 64})
	l.Guard(guard.Event{Kind: "failure", Descr: d, Count: 3})
	l.Code(arm.Event{Kind: "free", Loop: loop})
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	recs, err := ReadFile(filepath.Join(dir, l.Session+".jitlog.lz4"))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for i, r := range recs {
		if r.Seq != uint64(i+1) || r.Session != l.Session {
			t.Errorf("record %d: seq %d session %s", i, r.Seq, r.Session)
		}
	}
	if recs[0].Kind != "loop" || recs[0].Addr != 0x8000 || recs[0].Loop != "loop0" {
		t.Errorf("loop record: %+v", recs[0])
	}
	if _, err := uuid.Parse(recs[0].LoopID); err != nil {
		t.Errorf("loop id %q: %v", recs[0].LoopID, err)
	}
	if recs[2].LoopID != recs[0].LoopID {
		t.Errorf("the same loop got two ids: %s %s", recs[0].LoopID, recs[2].LoopID)
	}
	if recs[1].Kind != "failure" || recs[1].Count != 3 {
		t.Errorf("failure record: %+v", recs[1])
	}
}

func TestLoggerBatches(t *testing.T) {
	m := &memSink{}
	l := NewLogger(m)
	l.BatchSize = 2
	l.Guard(guard.Event{Kind: "failure"})
	if len(m.recs) != 0 {
		t.Fatalf("flushed after one record")
	}
	l.Guard(guard.Event{Kind: "failure"})
	if len(m.recs) != 2 {
		t.Fatalf("got %d records after a full batch, want 2", len(m.recs))
	}
	l.Guard(guard.Event{Kind: "abort"})
	l.Close()
	if len(m.recs) != 3 || !m.closed {
		t.Errorf("close: %d records, closed %v", len(m.recs), m.closed)
	}
}

func TestLoggerDisasm(t *testing.T) {
	m := &memSink{}
	l := NewLogger(m)
	l.Disasm = true
	nop := []byte{0x00, 0xf0, 0x20, 0xe3}
	l.Code(arm.Event{Kind: "stub", Addr: 0x100, Code: nop, Size: 4})
	l.Flush()
	if len(m.recs) != 1 || !strings.Contains(m.recs[0].Disasm, "nop") {
		t.Errorf("disasm: %+v", m.recs)
	}
}

func TestParseDSN(t *testing.T) {
	for _, c := range []struct {
		dsn, driver, conn string
	}{
		{"mysql://u:p@tcp(db:3306)/stats", "mysql", "u:p@tcp(db:3306)/stats?parseTime=true"},
		{"mysql://u@tcp(db)/stats?tls=true", "mysql", "u@tcp(db)/stats?tls=true&parseTime=true"},
		{"postgres://u:p@db/stats", "postgres", "postgres://u:p@db/stats"},
	} {
		driver, conn, err := ParseDSN(c.dsn)
		if err != nil || driver != c.driver || conn != c.conn {
			t.Errorf("ParseDSN(%q) = %q, %q, %v", c.dsn, driver, conn, err)
		}
	}
	if _, _, err := ParseDSN("sqlite:///tmp/x"); err == nil {
		t.Errorf("unknown scheme accepted")
	}
	if s := insertStatement("postgres"); !strings.Contains(s, "$11") {
		t.Errorf("postgres placeholders: %s", s)
	}
	if s := insertStatement("mysql"); strings.Count(s, "?") != 11 {
		t.Errorf("mysql placeholders: %s", s)
	}
}

func TestS3Key(t *testing.T) {
	s := NewS3Sink("abc")
	if s.Key() != "abc.jitlog.lz4" {
		t.Errorf("key without prefix: %s", s.Key())
	}
	s.Prefix = "/logs/"
	if s.Key() != "logs/abc.jitlog.lz4" {
		t.Errorf("key with prefix: %s", s.Key())
	}
}

func TestLiveServer(t *testing.T) {
	live := NewLiveServer()
	srv := httptest.NewServer(live)
	defer srv.Close()
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ws.Close()
	deadline := time.Now().Add(5 * time.Second)
	for live.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(time.Millisecond)
	}
	if err := live.Write([]Record{{Kind: "bridge", Seq: 7}}); err != nil {
		t.Fatal(err)
	}
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := ws.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var r Record
	if err := json.Unmarshal(msg, &r); err != nil {
		t.Fatal(err)
	}
	if r.Kind != "bridge" || r.Seq != 7 {
		t.Errorf("got %+v", r)
	}
	live.Close()
}
